// Package crdt implements the two conflict-free replicated map types the
// coordinator serves: LWWMap (last-writer-wins register-of-registers)
// and ORMap (observed-remove multimap), per spec.md §3–§4.1. Keys are
// strings throughout — every map name this system serves is itself a
// flat keyspace of string keys (spec.md's PartitionMap routes on the
// same string key), so a generic key type would only add indirection
// the rest of the core never exercises.
package crdt

import (
	"sync"

	"meridian/internal/hlc"
	"meridian/internal/merkle"
)

// LWWRecord is one last-writer-wins register. A nil Value is a
// tombstone (spec.md §3).
type LWWRecord[V any] struct {
	Value     *V
	Timestamp hlc.Timestamp
	TTLMillis int64 // 0 means no TTL
}

// IsTombstone reports whether r represents a deletion.
func (r LWWRecord[V]) IsTombstone() bool { return r.Value == nil }

// LWWMap is an ordered K(string)->LWWRecord[V] mapping with an
// incremental Merkle tree kept in sync on every merge. Safe for
// concurrent use.
type LWWMap[V any] struct {
	mu      sync.RWMutex
	records map[string]LWWRecord[V]
	tree    *merkle.Tree
}

// NewLWWMap creates an empty map. treeDepth controls the Merkle trie's
// fanout depth (merkle.New) and should scale with expected key count.
func NewLWWMap[V any](treeDepth int) *LWWMap[V] {
	return &LWWMap[V]{
		records: make(map[string]LWWRecord[V]),
		tree:    merkle.New(treeDepth),
	}
}

// Get returns the live value for k, or ok=false if absent or
// tombstoned.
func (m *LWWMap[V]) Get(k string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zero V
	rec, ok := m.records[k]
	if !ok || rec.IsTombstone() {
		return zero, false
	}
	return *rec.Value, true
}

// GetRecord returns the raw record (including tombstones), matching
// spec.md §3's invariant that GetRecord(k).Timestamp is the supremum of
// every record ever merged for k.
func (m *LWWMap[V]) GetRecord(k string) (LWWRecord[V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[k]
	return rec, ok
}

// Merge applies an incoming record using the last-writer-wins rule:
// the record with the greater timestamp wins; ties are impossible under
// a correctly-disciplined HLC (node-id breaks any apparent tie). Merge
// is pure, commutative, and idempotent when incoming.Timestamp is <=
// the stored one. Returns whether the stored state changed.
func (m *LWWMap[V]) Merge(k string, incoming LWWRecord[V]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[k]
	if ok && incoming.Timestamp.Compare(existing.Timestamp) <= 0 {
		return false
	}

	m.records[k] = incoming
	point := merkle.Point(k, incoming.Timestamp.WallMS, incoming.Timestamp.Counter, incoming.Timestamp.NodeID)
	m.tree.Update(k, point)
	return true
}

// MergeWithResolver is Merge's variant for a custom conflict resolver
// (spec.md §4.3 step 4): resolve is handed the existing record (the
// zero LWWRecord if k is unset) and the incoming one, and its return
// value is stored unconditionally, bypassing the plain
// newer-timestamp-wins comparison entirely.
func (m *LWWMap[V]) MergeWithResolver(k string, incoming LWWRecord[V], resolve func(local, incoming LWWRecord[V]) LWWRecord[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.records[k]
	resolved := resolve(existing, incoming)
	m.records[k] = resolved
	point := merkle.Point(k, resolved.Timestamp.WallMS, resolved.Timestamp.Counter, resolved.Timestamp.NodeID)
	m.tree.Update(k, point)
}

// AllKeys returns every key the map has ever stored a record for,
// including tombstoned ones.
func (m *LWWMap[V]) AllKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys
}

// Prune removes tombstones strictly older than olderThan and returns
// the removed keys. Live (non-null) records are never pruned regardless
// of age, per spec.md §4.1.
func (m *LWWMap[V]) Prune(olderThan hlc.Timestamp) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for k, rec := range m.records {
		if rec.IsTombstone() && rec.Timestamp.Less(olderThan) {
			delete(m.records, k)
			m.tree.Remove(k)
			removed = append(removed, k)
		}
	}
	return removed
}

// GetMerkleTree exposes the map's incremental Merkle tree for
// anti-entropy (spec.md §4.8).
func (m *LWWMap[V]) GetMerkleTree() *merkle.Tree { return m.tree }

// ExpireTTLs synthesizes tombstones for every live record whose
// ttl has elapsed as of "now" (an HLC timestamp), per spec.md §4.9's
// TTL sweep: the tombstone is stamped at the expiration instant, not at
// now, so a later resurrection races correctly against the original TTL
// rather than against the sweep's wall-clock. Returns the synthesized
// tombstones so the caller can persist/broadcast/replicate them.
func (m *LWWMap[V]) ExpireTTLs(now hlc.Timestamp, nodeID string) map[string]LWWRecord[V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]LWWRecord[V])
	for k, rec := range m.records {
		if rec.IsTombstone() || rec.TTLMillis == 0 {
			continue
		}
		expiresAt := rec.Timestamp.WallMS + rec.TTLMillis
		if expiresAt >= now.WallMS {
			continue
		}
		tomb := LWWRecord[V]{
			Value:     nil,
			Timestamp: hlc.Timestamp{WallMS: expiresAt, Counter: 0, NodeID: nodeID},
		}
		m.records[k] = tomb
		m.tree.Update(k, merkle.Point(k, tomb.Timestamp.WallMS, tomb.Timestamp.Counter, tomb.Timestamp.NodeID))
		out[k] = tomb
	}
	return out
}
