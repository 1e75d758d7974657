// Package distquery implements the predicate-query half of the
// distributed query/search coordinator (spec.md §4.10): scatter a
// CLUSTER_QUERY_EXEC to every peer, execute locally, gather responses
// up to a 5s hard timeout (spec.md §4.5/§4.10), and merge
// deduplicated-by-key. No teacher equivalent; grounded on spec.md
// §4.10 directly. ScatterGather is exported so internal/distsearch can
// share the same fan-out shape for full-text search.
package distquery

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout is the scatter-gather's hard timeout (spec.md §4.5:
// "await responses up to a 5 s timeout").
const DefaultTimeout = 5 * time.Second

// ScatterGather calls perNode concurrently for every id in nodeIDs,
// collecting whatever results arrive (skipping errors) before timeout
// elapses or ctx is cancelled. Slow or unresponsive nodes are simply
// absent from the result — the coordinator never blocks the client
// past the hard timeout for a straggler.
func ScatterGather[T any](ctx context.Context, nodeIDs []string, timeout time.Duration, perNode func(nodeID string) (T, error)) []T {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	results := make(chan T, len(nodeIDs))
	var wg sync.WaitGroup
	for _, id := range nodeIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := perNode(id)
			if err == nil {
				results <- v
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var out []T
	for {
		select {
		case v, ok := <-results:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline.C:
			return out
		case <-ctx.Done():
			return out
		}
	}
}
