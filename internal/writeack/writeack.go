// Package writeack implements the write-acknowledgement state machine
// (spec.md §4.6): per-op progress through the five durability levels,
// resolved by a promise-like handle or by timeout. No direct teacher
// equivalent exists, but the shape — "fan out, collect acks on a
// channel until a threshold, else timeout" — is the same one the
// teacher's ReplicateWrite/executeWriteQuorum use for a single fixed
// quorum number; here it is generalized to the five ordered levels
// spec.md §4.6 defines.
package writeack

import (
	"sync"
	"time"

	"meridian/internal/proto"
)

// Result is what a PendingWrite's handle resolves with.
type Result struct {
	Success       bool
	AchievedLevel proto.WriteConcern
	LatencyMs     int64
}

// pendingWrite is spec.md §3's PendingWrite record.
type pendingWrite struct {
	opID        string
	targetLevel proto.WriteConcern
	achieved    map[proto.WriteConcern]bool
	startMs     int64
	timer       *time.Timer
	resolver    chan Result
	resolved    bool
	mu          sync.Mutex
}

func (p *pendingWrite) highestAchieved() proto.WriteConcern {
	best := proto.ConcernFireAndForget
	for lvl, ok := range p.achieved {
		if ok && lvl.Rank() > best.Rank() {
			best = lvl
		}
	}
	return best
}

func (p *pendingWrite) resolve(success bool, level proto.WriteConcern, nowMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.resolver <- Result{Success: success, AchievedLevel: level, LatencyMs: nowMs - p.startMs}
	close(p.resolver)
}

// Table is the opId-keyed table of in-flight pending writes (spec.md
// §9: "a lock-granular container keyed by the dimension most frequently
// iterated" — here opId, since lookups are always by opId).
type Table struct {
	mu      sync.Mutex
	pending map[string]*pendingWrite
	nowMs   func() int64
}

// NewTable creates an empty table. nowMs defaults to time.Now if nil,
// overridable in tests for deterministic latency assertions.
func NewTable(nowMs func() int64) *Table {
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Table{pending: make(map[string]*pendingWrite), nowMs: nowMs}
}

// RegisterPending creates a pending write for opID targeting
// targetLevel, returning a channel that receives exactly one Result
// when targetLevel is reached or the timeout expires.
//
// FIRE_AND_FORGET resolves immediately on registration (spec.md §4.6's
// level table: "No ack required — Registration (resolves
// immediately)").
func (t *Table) RegisterPending(opID string, targetLevel proto.WriteConcern, timeoutMs int64) <-chan Result {
	now := t.nowMs()
	p := &pendingWrite{
		opID:        opID,
		targetLevel: targetLevel,
		achieved:    make(map[proto.WriteConcern]bool),
		startMs:     now,
		resolver:    make(chan Result, 1),
	}

	if targetLevel == proto.ConcernFireAndForget {
		p.resolve(true, proto.ConcernFireAndForget, now)
		return p.resolver
	}

	t.mu.Lock()
	t.pending[opID] = p
	t.mu.Unlock()

	if timeoutMs > 0 {
		p.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
			t.mu.Lock()
			delete(t.pending, opID)
			t.mu.Unlock()
			p.mu.Lock()
			highest := p.highestAchieved()
			p.mu.Unlock()
			p.resolve(false, highest, t.nowMs())
		})
	}

	return p.resolver
}

// NotifyLevel records that level has been reached for opID and resolves
// the pending write if targetLevel <= the new achieved maximum (spec.md
// §4.6: "adds to the achieved set and resolves if targetLevel ≤
// achieved max").
func (t *Table) NotifyLevel(opID string, level proto.WriteConcern) {
	t.mu.Lock()
	p, ok := t.pending[opID]
	if ok && level.Rank() >= p.targetLevel.Rank() {
		delete(t.pending, opID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	p.achieved[level] = true
	reached := level.Rank() >= p.targetLevel.Rank()
	p.mu.Unlock()

	if reached {
		p.resolve(true, level, t.nowMs())
	}
}

// FailPending resolves opID's pending write with failure immediately,
// reporting whatever level had been achieved so far.
func (t *Table) FailPending(opID string, _ error) {
	t.mu.Lock()
	p, ok := t.pending[opID]
	if ok {
		delete(t.pending, opID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	highest := p.highestAchieved()
	p.mu.Unlock()
	p.resolve(false, highest, t.nowMs())
}

// Shutdown resolves every still-pending write with its currently
// achieved level (spec.md §4.6: "Shutdown resolves all pending with
// their current achieved level").
func (t *Table) Shutdown() {
	t.mu.Lock()
	all := make([]*pendingWrite, 0, len(t.pending))
	for _, p := range t.pending {
		all = append(all, p)
	}
	t.pending = make(map[string]*pendingWrite)
	t.mu.Unlock()

	now := t.nowMs()
	for _, p := range all {
		p.mu.Lock()
		highest := p.highestAchieved()
		p.mu.Unlock()
		p.resolve(false, highest, now)
	}
}

// Pending reports whether opID currently has a pending write, for
// debug/introspection endpoints.
func (t *Table) Pending(opID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[opID]
	return ok
}
