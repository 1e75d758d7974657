// Package hlc implements the hybrid logical clock used to order every
// write in the cluster: a (wall-ms, counter, node-id) triple ordered
// lexicographically. It exists to give CRDT merges a total order even
// when system clocks skew or jump backward across nodes.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a single HLC tick. Ordering is lexicographic on
// (WallMS, Counter, NodeID) — two timestamps from HLC-disciplined nodes
// are never exactly equal except when compared against themselves, but
// the NodeID field breaks ties deterministically regardless.
type Timestamp struct {
	WallMS  int64  `json:"wallMs"`
	Counter uint32 `json:"counter"`
	NodeID  string `json:"nodeId"`
}

// Compare returns -1, 0, or 1 following Go's comparator convention.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.WallMS < o.WallMS:
		return -1
	case t.WallMS > o.WallMS:
		return 1
	}
	switch {
	case t.Counter < o.Counter:
		return -1
	case t.Counter > o.Counter:
		return 1
	}
	switch {
	case t.NodeID < o.NodeID:
		return -1
	case t.NodeID > o.NodeID:
		return 1
	default:
		return 0
	}
}

// Less reports whether t strictly precedes o.
func (t Timestamp) Less(o Timestamp) bool { return t.Compare(o) < 0 }

// IsZero reports whether t is the uninitialized Timestamp.
func (t Timestamp) IsZero() bool { return t.WallMS == 0 && t.Counter == 0 && t.NodeID == "" }

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.WallMS, t.Counter, t.NodeID)
}

// Clock is one node's hybrid logical clock. It is safe for concurrent
// use. The zero value is not usable — construct with New.
type Clock struct {
	mu        sync.Mutex
	lastMS    int64
	lastCount uint32
	nodeID    string

	// wallNow is overridable in tests so the "system clock moves
	// backward" invariant (spec.md §4.1) can be exercised deterministically.
	wallNow func() int64
}

// New creates a Clock for the given node id.
func New(nodeID string) *Clock {
	return &Clock{
		nodeID:  nodeID,
		wallNow: func() int64 { return time.Now().UnixMilli() },
	}
}

// NewWithWallClock is used by tests to inject a controllable wall-clock
// source.
func NewWithWallClock(nodeID string, wallNow func() int64) *Clock {
	return &Clock{nodeID: nodeID, wallNow: wallNow}
}

// Now advances the clock to max(systemMS, lastMS); if the wall clock did
// not move the position forward, the counter is bumped instead. This is
// what guarantees strict monotonicity even when the system clock regresses.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	sysMS := c.wallNow()
	if sysMS > c.lastMS {
		c.lastMS = sysMS
		c.lastCount = 0
	} else {
		c.lastCount++
	}
	return Timestamp{WallMS: c.lastMS, Counter: c.lastCount, NodeID: c.nodeID}
}

// Update merges a remote timestamp into the clock, advancing to the max
// of local and remote before bumping the counter, per spec.md §4.1.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	sysMS := c.wallNow()
	maxMS := c.lastMS
	if sysMS > maxMS {
		maxMS = sysMS
	}
	if remote.WallMS > maxMS {
		maxMS = remote.WallMS
	}

	switch {
	case maxMS == c.lastMS && maxMS == remote.WallMS:
		counter := c.lastCount
		if remote.Counter > counter {
			counter = remote.Counter
		}
		c.lastCount = counter + 1
	case maxMS == c.lastMS:
		c.lastCount++
	case maxMS == remote.WallMS:
		c.lastCount = remote.Counter + 1
	default:
		c.lastCount = 0
	}
	c.lastMS = maxMS
	return Timestamp{WallMS: c.lastMS, Counter: c.lastCount, NodeID: c.nodeID}
}

// NodeID returns the id this clock stamps timestamps with.
func (c *Clock) NodeID() string { return c.nodeID }
