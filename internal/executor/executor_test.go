package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStripedPreservesPerKeyOrder(t *testing.T) {
	ex := New(4, 16, nil)
	defer ex.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		require.NoError(t, ex.Submit("m", "k1", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		require.Equal(t, i, order[i])
	}
}

func TestStripeForIsDeterministic(t *testing.T) {
	ex := New(4, 16, nil)
	defer ex.Close()
	a := ex.StripeFor("m", "k1")
	b := ex.StripeFor("m", "k1")
	require.Equal(t, a, b)
}

func TestSubmitRejectsOnFullQueue(t *testing.T) {
	ex := New(1, 1, nil)
	defer ex.Close()

	block := make(chan struct{})
	require.NoError(t, ex.Submit("m", "k", func() { <-block }))
	require.NoError(t, ex.Submit("m", "k", func() {})) // fills the 1-capacity queue

	rejected := false
	for i := 0; i < 5 && !rejected; i++ {
		if err := ex.Submit("m", "k", func() {}); err == ErrQueueFull {
			rejected = true
		}
	}
	close(block)
	require.True(t, rejected)
}

func TestBackpressureForcesyncAfterFrequency(t *testing.T) {
	bp := NewBackpressure(BackpressureConfig{MaxPending: 100, SyncFrequency: 2, BackoffMs: time.Second})
	mode, err := bp.AdmitBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, Async, mode)

	mode, err = bp.AdmitBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, Async, mode)

	mode, err = bp.AdmitBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, ForcedSync, mode)
}

func TestBackpressureTimesOutWhenOverCapacity(t *testing.T) {
	bp := NewBackpressure(BackpressureConfig{MaxPending: 1, SyncFrequency: 1000, BackoffMs: 20 * time.Millisecond})
	_, err := bp.AdmitBatch(context.Background(), 1)
	require.NoError(t, err)

	_, err = bp.AdmitBatch(context.Background(), 1)
	require.ErrorIs(t, err, ErrOverloaded)
}

func TestBackpressureReleaseUnblocksWaiter(t *testing.T) {
	bp := NewBackpressure(BackpressureConfig{MaxPending: 1, SyncFrequency: 1000, BackoffMs: time.Second})
	_, err := bp.AdmitBatch(context.Background(), 1)
	require.NoError(t, err)

	var admitted int32
	go func() {
		_, err := bp.AdmitBatch(context.Background(), 1)
		if err == nil {
			atomic.StoreInt32(&admitted, 1)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	bp.Release(1)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&admitted) == 1 }, time.Second, 5*time.Millisecond)
}
