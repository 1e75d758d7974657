// Package coalesce implements the per-connection outbound batcher
// (spec.md §4.4): messages accumulate until one of size/bytes/delay
// triggers fires, with an urgent bypass for messages that must flush
// immediately (AUTH_ACK, ERROR, PONG, SHUTDOWN_PENDING). No teacher
// equivalent exists (the teacher is request/response HTTP); the
// byte-threshold compression uses klauspost/compress/zstd per
// SPEC_FULL.md §4.
package coalesce

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Sink is what a flushed batch is handed to — the out-of-scope
// transport's frame writer in production, a recording fake in tests.
type Sink interface {
	WriteFrame(b []byte) error
}

// Config tunes the three coalescing triggers.
type Config struct {
	MaxBatch       int           // flush when queued messages >= MaxBatch
	MaxBytes       int           // flush when accumulated bytes >= MaxBytes
	MaxDelay       time.Duration // flush this long after the first queued message
	CompressAbove  int           // payloads >= this many bytes are zstd-compressed before WriteFrame
}

// DefaultConfig matches the teacher's "sane defaults, overridable by
// env" posture (spec.md §6's control surface names a "coalescing
// preset").
func DefaultConfig() Config {
	return Config{MaxBatch: 64, MaxBytes: 64 * 1024, MaxDelay: 20 * time.Millisecond, CompressAbove: 16 * 1024}
}

// Writer batches outbound messages for one connection. Safe for
// concurrent use; Write/WriteRaw may be called from any goroutine that
// produces events for this connection (broadcast fan-out, op-ack, the
// pipeline's own step 10).
type Writer struct {
	mu      sync.Mutex
	cfg     Config
	sink    Sink
	encoder *zstd.Encoder

	queued    [][]byte
	queuedAt  time.Time
	bytes     int
	timer     *time.Timer
}

// NewWriter creates a Writer flushing into sink per cfg.
func NewWriter(sink Sink, cfg Config) *Writer {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return &Writer{cfg: cfg, sink: sink, encoder: enc}
}

// Write enqueues msg for batched delivery. If urgent is true, anything
// already queued is flushed first and msg is then written at once as
// its own frame, without waiting for a batch trigger (spec.md §4.4).
func (w *Writer) Write(msg any, urgent bool) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if urgent {
		w.mu.Lock()
		w.flushLocked()
		w.mu.Unlock()
		_ = w.sink.WriteFrame(b)
		return
	}
	w.WriteRaw(b)
}

// WriteRaw enqueues a pre-serialized frame, bypassing json.Marshal.
func (w *Writer) WriteRaw(b []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queued) == 0 {
		w.queuedAt = time.Now()
		w.armTimer()
	}
	w.queued = append(w.queued, b)
	w.bytes += len(b)

	if len(w.queued) >= w.cfg.MaxBatch || w.bytes >= w.cfg.MaxBytes {
		w.flushLocked()
	}
}

func (w *Writer) armTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.MaxDelay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.flushLocked()
	})
}

// flushLocked serializes the queued batch (wrapping >1 message as a
// SERVER_BATCH_EVENT-shaped array) and hands it to the sink, optionally
// zstd-compressed once it crosses CompressAbove.
func (w *Writer) flushLocked() {
	if len(w.queued) == 0 {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	var payload []byte
	if len(w.queued) == 1 {
		payload = w.queued[0]
	} else {
		payload = joinJSONArray(w.queued)
	}

	if len(payload) >= w.cfg.CompressAbove {
		payload = w.encoder.EncodeAll(payload, nil)
	}

	_ = w.sink.WriteFrame(payload)
	w.queued = nil
	w.bytes = 0
}

// Flush forces delivery of whatever is currently queued.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

// Close flushes any remaining queued messages and releases the encoder.
func (w *Writer) Close() error {
	w.Flush()
	if w.encoder != nil {
		return w.encoder.Close()
	}
	return nil
}

func joinJSONArray(frames [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range frames {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(f)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
