// Package executor implements the bounded, key-sharded work queue
// (spec.md §4.4): a fixed number of FIFO stripes keyed by
// hash(mapName,key) mod stripes, preserving per-key order while letting
// different keys run in parallel, plus a counter-based backpressure
// regulator. Grounded on the channel+goroutine fan-out idiom the
// teacher uses throughout internal/cluster (worker-per-peer + results
// channel, WaitGroup fan-out) — generalized into a fixed worker-per-
// stripe pool. No pack repo offers a generic worker-pool library, so
// this stays on raw channels/goroutines, matching the teacher's own
// idiom rather than importing one.
package executor

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ErrQueueFull is returned by Submit when a stripe's queue is at
// capacity (spec.md §4.4: "oversubscription triggers onReject").
var ErrQueueFull = errors.New("executor: stripe queue full")

// DefaultStripes is the default stripe count named in spec.md §4.4.
const DefaultStripes = 4

// Task is one unit of work submitted to a stripe.
type Task func()

// Striped is a fixed set of FIFO stripes, each drained by its own
// goroutine, so ops on the same key are always applied in submission
// order while ops on different keys proceed in parallel.
type Striped struct {
	stripes []chan Task
	onReject func(stripe int)
	done     chan struct{}
}

// New creates a Striped executor with the given stripe count and
// per-stripe queue capacity. onReject, if non-nil, is called whenever
// Submit rejects a task for a full stripe (used to increment a metric).
func New(stripeCount, queueCapacity int, onReject func(stripe int)) *Striped {
	if stripeCount <= 0 {
		stripeCount = DefaultStripes
	}
	s := &Striped{
		stripes:  make([]chan Task, stripeCount),
		onReject: onReject,
		done:     make(chan struct{}),
	}
	for i := range s.stripes {
		s.stripes[i] = make(chan Task, queueCapacity)
		go s.drain(i)
	}
	return s
}

func (s *Striped) drain(i int) {
	for {
		select {
		case t, ok := <-s.stripes[i]:
			if !ok {
				return
			}
			t()
		case <-s.done:
			return
		}
	}
}

// StripeFor computes hash(mapName,key) mod stripes (spec.md §4.4).
func (s *Striped) StripeFor(mapName, key string) int {
	h := xxhash.Sum64String(fmt.Sprintf("%s\x00%s", mapName, key))
	return int(h % uint64(len(s.stripes)))
}

// Submit enqueues t on the stripe for (mapName, key). Returns
// ErrQueueFull if that stripe's queue is at capacity.
func (s *Striped) Submit(mapName, key string, t Task) error {
	idx := s.StripeFor(mapName, key)
	select {
	case s.stripes[idx] <- t:
		return nil
	default:
		if s.onReject != nil {
			s.onReject(idx)
		}
		return ErrQueueFull
	}
}

// Close stops every stripe's drain loop. In-flight tasks complete;
// queued-but-undrained tasks are dropped.
func (s *Striped) Close() {
	close(s.done)
}
