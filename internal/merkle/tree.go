// Package merkle implements the per-map incremental Merkle tree used for
// partition anti-entropy (spec.md §4.1, §4.8): a fixed hex-fanout trie
// whose leaves hash (key, timestamp) pairs so two replicas can find their
// point of divergence without comparing every key.
package merkle

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Fanout is the branching factor of each internal node. Hex fanout keeps
// path strings short (one hex digit per level) while still bounding
// leaf bucket size for large maps, per spec.md §4.1.
const Fanout = 16

// LeafKeysPerBucket is the approximate number of keys a leaf is sized
// for when a caller picks a depth (see New). Nothing in the tree reads
// it, and the tree never rebalances keys between leaves.
const LeafKeysPerBucket = 32

// Entry is what the tree hashes per key: an opaque per-key digest the
// owner computed from (key, timestamp) (and, for OR maps, the tag set).
type Entry struct {
	Key   string
	Point uint64 // a caller-supplied per-record fingerprint, usually hash(key, timestamp)
}

// Tree is an incremental Merkle trie over one map's keyspace.
// Safe for concurrent use.
type Tree struct {
	mu    sync.RWMutex
	depth int
	root  *node
	// leafPoints tracks each key's current contribution so recomputing a
	// leaf hash on update doesn't require rehashing sibling keys.
	leafPoints map[string]uint64
}

type node struct {
	hash     uint64
	children [Fanout]*node
	// keys is only populated on true leaves (depth == tree.depth) and
	// records the member keys for diff-response payloads (spec.md §4.1).
	keys map[string]struct{}
}

func newNode() *node { return &node{} }

// New creates an empty tree with the given depth (number of hex digits
// used to route a key to a leaf). depth=0 means a single root leaf —
// fine for small maps; depth should grow with expected key count so
// leaves stay near LeafKeysPerBucket members.
func New(depth int) *Tree {
	if depth < 0 {
		depth = 0
	}
	return &Tree{
		depth:      depth,
		root:       newNode(),
		leafPoints: make(map[string]uint64),
	}
}

// path returns the depth hex digits routing key to its leaf.
func (t *Tree) path(key string) []byte {
	h := xxhash.Sum64String(key)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], h)
	binary.BigEndian.PutUint64(buf[8:], h>>1|1<<63) // spread a second nibble source
	digits := make([]byte, t.depth)
	for i := 0; i < t.depth; i++ {
		byteIdx := i / 2
		if byteIdx >= len(buf) {
			byteIdx = byteIdx % len(buf)
		}
		b := buf[byteIdx]
		if i%2 == 0 {
			digits[i] = b >> 4
		} else {
			digits[i] = b & 0x0f
		}
	}
	return digits
}

// Update records (or replaces) the per-key fingerprint and bubbles the
// change up to the root. point is typically a hash of (key, timestamp);
// for OR maps it should also fold in the key's live tag set.
func (t *Tree) Update(key string, point uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	digits := t.path(key)
	cur := t.root
	path := []*node{cur}
	for _, d := range digits {
		if cur.children[d] == nil {
			cur.children[d] = newNode()
		}
		cur = cur.children[d]
		path = append(path, cur)
	}
	leaf := path[len(path)-1]
	if leaf.keys == nil {
		leaf.keys = make(map[string]struct{})
	}
	leaf.keys[key] = struct{}{}
	t.leafPoints[key] = point

	t.recomputeUp(path)
}

// Remove deletes a key's fingerprint entirely (used after prune).
func (t *Tree) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.leafPoints[key]; !ok {
		return
	}
	delete(t.leafPoints, key)

	digits := t.path(key)
	cur := t.root
	path := []*node{cur}
	for _, d := range digits {
		if cur.children[d] == nil {
			return
		}
		cur = cur.children[d]
		path = append(path, cur)
	}
	leaf := path[len(path)-1]
	delete(leaf.keys, key)

	t.recomputeUp(path)
}

// recomputeUp rehashes every node on path from leaf to root. The leaf
// hash is an order-independent XOR combiner over its members' points so
// bucket recomputation never needs to touch disk or re-sort siblings.
func (t *Tree) recomputeUp(path []*node) {
	leaf := path[len(path)-1]
	var h uint64
	for k := range leaf.keys {
		h ^= t.leafPoints[k]
	}
	leaf.hash = h

	for i := len(path) - 2; i >= 0; i-- {
		n := path[i]
		var combined uint64
		for _, c := range n.children {
			if c != nil {
				combined ^= mix(c.hash)
			}
		}
		n.hash = combined
	}
}

// mix scrambles a child's hash before it is XOR-combined into its
// parent. It does not depend on the child's index, so two children with
// equal hashes still cancel; mix(0) is 0, so an emptied subtree adds
// nothing to its parent.
func mix(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

// Root returns the current root hash.
func (t *Tree) Root() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.hash
}

// Bucket describes one child of a node visited during descent, as
// returned to a peer in MERKLE_REQ_BUCKET / SYNC_RESP_BUCKETS (spec.md §6).
type Bucket struct {
	Digit byte
	Hash  uint64
}

// HashAt returns the combined hash of the subtree rooted at path (the
// root hash itself when path is empty), letting a repair scheduler
// compare divergence below the top level without a second request type
// per descent level.
func (t *Tree) HashAt(path []byte) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.root
	for _, d := range path {
		if cur.children[d] == nil {
			return 0
		}
		cur = cur.children[d]
	}
	return cur.hash
}

// Children returns the bucket hashes for the node at the given path
// (a sequence of hex digits from the root). An empty path returns the
// root's children.
func (t *Tree) Children(path []byte) []Bucket {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.root
	for _, d := range path {
		if cur.children[d] == nil {
			return nil
		}
		cur = cur.children[d]
	}
	var out []Bucket
	for d, c := range cur.children {
		if c != nil {
			out = append(out, Bucket{Digit: byte(d), Hash: c.hash})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digit < out[j].Digit })
	return out
}

// LeafKeys returns the member keys of the leaf reached by path, used to
// answer CLUSTER_REPAIR_DATA_REQ once two peers' descent reaches a leaf.
func (t *Tree) LeafKeys(path []byte) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.root
	for _, d := range path {
		if cur.children[d] == nil {
			return nil
		}
		cur = cur.children[d]
	}
	keys := make([]string, 0, len(cur.keys))
	for k := range cur.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Point computes the canonical per-key fingerprint for an LWW-style
// record: a combiner over the key and timestamp ordering fields. It is
// exported so callers (crdt.LWWMap/ORMap) can derive a point without
// depending on this package's internal hash choice diverging from
// theirs.
func Point(key string, wallMS int64, counter uint32, nodeID string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(wallMS))
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], counter)
	_, _ = h.Write(buf[:4])
	_, _ = h.WriteString(nodeID)
	return h.Sum64()
}
