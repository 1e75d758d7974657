package crdt

import (
	"sync"

	"meridian/internal/hlc"
	"meridian/internal/merkle"
)

// ORRecord is one observation tagged with a unique, HLC-derived tag
// (spec.md §3). The tag is what a tombstone references; it is never
// reused.
type ORRecord[V any] struct {
	Tag       string
	Value     V
	Timestamp hlc.Timestamp
	TTLMillis int64
}

// ORMap is an observed-remove multimap: K(string) -> set of ORRecord,
// plus a tombstone-tag set. Reading a key returns the values of every
// non-tombstoned record, per spec.md §3's invariants:
//
//	(a) once a tag is tombstoned it stays tombstoned until pruned.
//	(b) a tombstoned tag is absent from every key's record set after prune.
//
// Each tombstone carries its own timestamp (the remove's HLC stamp, or
// the TTL expiration instant for an auto-expired tag) so PruneTombstones
// can age it out without consulting anything outside the map itself.
type ORMap[V any] struct {
	mu         sync.RWMutex
	byKey      map[string]map[string]ORRecord[V] // key -> tag -> record
	tagToKey   map[string]string                 // tag -> owning key, for O(1) tombstone routing
	tombstones map[string]hlc.Timestamp          // tag -> tombstone timestamp
	tree       *merkle.Tree
}

// NewORMap creates an empty map.
func NewORMap[V any](treeDepth int) *ORMap[V] {
	return &ORMap[V]{
		byKey:      make(map[string]map[string]ORRecord[V]),
		tagToKey:   make(map[string]string),
		tombstones: make(map[string]hlc.Timestamp),
		tree:       merkle.New(treeDepth),
	}
}

// Apply adds a new observation. It is a no-op if the tag was already
// tombstoned before the observation arrived (a delayed/duplicate add
// racing a remove it already lost to).
func (m *ORMap[V]) Apply(key string, rec ORRecord[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dead := m.tombstones[rec.Tag]; dead {
		return
	}

	bucket, ok := m.byKey[key]
	if !ok {
		bucket = make(map[string]ORRecord[V])
		m.byKey[key] = bucket
	}
	bucket[rec.Tag] = rec
	m.tagToKey[rec.Tag] = key
	m.updateKeyLeaf(key)
}

// ApplyTombstone marks tag as removed as of ts. Once tombstoned a tag
// never becomes live again, even if a stale Apply for it arrives later.
func (m *ORMap[V]) ApplyTombstone(tag string, ts hlc.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tombstones[tag] = ts
	if key, ok := m.tagToKey[tag]; ok {
		if bucket, ok := m.byKey[key]; ok {
			delete(bucket, tag)
			if len(bucket) == 0 {
				delete(m.byKey, key)
			}
		}
		m.updateKeyLeaf(key)
	}
}

// Values returns the live (non-tombstoned) values for key, in no
// particular order.
func (m *ORMap[V]) Values(key string) []V {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.byKey[key]
	out := make([]V, 0, len(bucket))
	for tag, rec := range bucket {
		if _, dead := m.tombstones[tag]; dead {
			continue
		}
		out = append(out, rec.Value)
	}
	return out
}

// Records returns the live (non-tombstoned) records for key, including
// their tags and timestamps — the shape the storage layer persists a
// key's bucket as (spec.md §6), as opposed to Values' bare value list.
func (m *ORMap[V]) Records(key string) []ORRecord[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.byKey[key]
	out := make([]ORRecord[V], 0, len(bucket))
	for tag, rec := range bucket {
		if _, dead := m.tombstones[tag]; dead {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Tombstones returns a snapshot of the current tombstone-tag set, the
// wire shape stored at the reserved `__tombstones__` storage key
// (spec.md §6).
func (m *ORMap[V]) Tombstones() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.tombstones))
	for t := range m.tombstones {
		out = append(out, t)
	}
	return out
}

// AllKeys returns every key with at least one live (non-tombstoned) record.
func (m *ORMap[V]) AllKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	return keys
}

// PruneTombstones removes tombstone tags whose own timestamp is older
// than olderThan from both the tombstone set and any lingering record
// buckets, enforcing invariant (b): a pruned tag must be entirely absent
// afterward.
func (m *ORMap[V]) PruneTombstones(olderThan hlc.Timestamp) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for tag, ts := range m.tombstones {
		if !ts.Less(olderThan) {
			continue
		}
		delete(m.tombstones, tag)
		if key, ok := m.tagToKey[tag]; ok {
			delete(m.tagToKey, tag)
			if bucket, ok := m.byKey[key]; ok {
				delete(bucket, tag)
				if len(bucket) == 0 {
					delete(m.byKey, key)
				}
			}
		}
		removed = append(removed, tag)
	}
	return removed
}

// ExpireTTLs tombstones every live tag whose TTL has elapsed as of now
// (spec.md §4.9's TTL sweep, mirroring LWWMap.ExpireTTLs), stamping the
// tombstone at the expiration instant rather than at now. Returns the
// tags it tombstoned, so the caller can persist/broadcast/replicate
// them.
func (m *ORMap[V]) ExpireTTLs(now hlc.Timestamp, nodeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for key, bucket := range m.byKey {
		for tag, rec := range bucket {
			if _, dead := m.tombstones[tag]; dead || rec.TTLMillis == 0 {
				continue
			}
			expiresAt := rec.Timestamp.WallMS + rec.TTLMillis
			if expiresAt >= now.WallMS {
				continue
			}
			m.tombstones[tag] = hlc.Timestamp{WallMS: expiresAt, Counter: 0, NodeID: nodeID}
			delete(bucket, tag)
			expired = append(expired, tag)
		}
		if len(bucket) == 0 {
			delete(m.byKey, key)
		}
		m.updateKeyLeaf(key)
	}
	return expired
}

// updateKeyLeaf recomputes key's Merkle contribution from its current
// live tag set — an order-independent XOR combiner over member tags so
// add/remove order never affects the resulting hash.
func (m *ORMap[V]) updateKeyLeaf(key string) {
	bucket := m.byKey[key]
	var combined uint64
	for tag, rec := range bucket {
		if _, dead := m.tombstones[tag]; dead {
			continue
		}
		combined ^= merkle.Point(tag, rec.Timestamp.WallMS, rec.Timestamp.Counter, rec.Timestamp.NodeID)
	}
	if combined == 0 && len(bucket) == 0 {
		m.tree.Remove(key)
		return
	}
	m.tree.Update(key, combined)
}

// GetMerkleTree exposes the map's incremental Merkle tree.
func (m *ORMap[V]) GetMerkleTree() *merkle.Tree { return m.tree }
