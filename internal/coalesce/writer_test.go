package coalesce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSink) WriteFrame(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestUrgentBypassesBatching(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, Config{MaxBatch: 100, MaxBytes: 1 << 20, MaxDelay: time.Hour, CompressAbove: 1 << 20})

	w.WriteRaw([]byte(`"queued"`))
	require.Equal(t, 0, sink.count())

	w.Write(map[string]string{"type": "AUTH_ACK"}, true)
	require.Equal(t, 2, sink.count()) // flush of queued + the urgent one itself
}

func TestFlushesOnMaxBatch(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, Config{MaxBatch: 2, MaxBytes: 1 << 20, MaxDelay: time.Hour, CompressAbove: 1 << 20})

	w.WriteRaw([]byte(`"a"`))
	require.Equal(t, 0, sink.count())
	w.WriteRaw([]byte(`"b"`))
	require.Equal(t, 1, sink.count())
}

func TestFlushesOnDelay(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, Config{MaxBatch: 100, MaxBytes: 1 << 20, MaxDelay: 10 * time.Millisecond, CompressAbove: 1 << 20})

	w.WriteRaw([]byte(`"a"`))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 500*time.Millisecond, 5*time.Millisecond)
}

func TestCloseFlushesRemaining(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, Config{MaxBatch: 100, MaxBytes: 1 << 20, MaxDelay: time.Hour, CompressAbove: 1 << 20})
	w.WriteRaw([]byte(`"a"`))
	require.NoError(t, w.Close())
	require.Equal(t, 1, sink.count())
}
