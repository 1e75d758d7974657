package partition

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// defaultVnodes is the number of virtual nodes placed on the ring per
// physical node. More vnodes spread ownership more evenly across the
// partition count at the cost of a slightly larger ring (spec.md §4.2).
const defaultVnodes = 150

// Ring is a consistent-hash ring over physical node ids, used by
// internal/cluster to compute a new PartitionMap whenever membership
// changes. It only decides which *node* a ring position belongs to;
// turning that into a partition assignment (with the co-location and
// minimal-movement rules spec.md §4.2 requires) is Builder's job.
type Ring struct {
	mu     sync.RWMutex
	vnodes int
	ring   map[uint64]string
	sorted []uint64
}

// NewRing creates an empty ring. vnodes <= 0 selects defaultVnodes.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVnodes
	}
	return &Ring{vnodes: vnodes, ring: make(map[uint64]string)}
}

// AddNode places vnodes virtual positions for nodeID on the ring.
func (r *Ring) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.vnodes; i++ {
		pos := xxhash.Sum64String(fmt.Sprintf("%s#%d", nodeID, i))
		r.ring[pos] = nodeID
	}
	r.rebuild()
}

// RemoveNode removes nodeID's virtual positions.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.vnodes; i++ {
		pos := xxhash.Sum64String(fmt.Sprintf("%s#%d", nodeID, i))
		delete(r.ring, pos)
	}
	r.rebuild()
}

// WalkOwners returns up to n distinct physical nodes encountered walking
// clockwise from partitionPoint, in ring order. The first is the owner,
// the rest are backup candidates.
func (r *Ring) WalkOwners(partitionPoint uint64, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sorted) == 0 {
		return nil
	}
	idx := r.search(partitionPoint)
	seen := make(map[string]bool)
	var nodes []string
	for i := 0; i < len(r.sorted) && len(nodes) < n; i++ {
		pos := r.sorted[(idx+i)%len(r.sorted)]
		node := r.ring[pos]
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Nodes returns all distinct physical nodes currently on the ring.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var nodes []string
	for _, id := range r.ring {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}
	sort.Strings(nodes)
	return nodes
}

func (r *Ring) rebuild() {
	r.sorted = make([]uint64, 0, len(r.ring))
	for pos := range r.ring {
		r.sorted = append(r.sorted, pos)
	}
	slices.Sort(r.sorted)
}

func (r *Ring) search(pos uint64) int {
	idx := sort.Search(len(r.sorted), func(i int) bool {
		return r.sorted[i] >= pos
	})
	if idx == len(r.sorted) {
		idx = 0
	}
	return idx
}

// PartitionPoint derives the ring position representing a partition id,
// so Builder can walk the ring once per partition rather than per key.
func PartitionPoint(partitionID int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("partition#%d", partitionID))
}

// Builder turns a Ring's current membership into a new PartitionMap,
// enforcing spec.md §4.2's placement rules: an owner is never repeated
// as its own backup and backups are never co-located with the owner;
// when the cluster has fewer than backupCount+1 nodes, a partition gets
// fewer backups instead.
type Builder struct {
	ring *Ring
}

// NewBuilder wraps ring for map construction.
func NewBuilder(ring *Ring) *Builder { return &Builder{ring: ring} }

// Build computes a full partition assignment of size count, carrying
// backupCount backups per partition, at the given version.
func (b *Builder) Build(version, count, backupCount int) *Map {
	assignments := make([]Assignment, count)
	for p := 0; p < count; p++ {
		candidates := b.ring.WalkOwners(PartitionPoint(p), backupCount+1)
		a := Assignment{PartitionID: p}
		if len(candidates) > 0 {
			a.OwnerNodeID = candidates[0]
			a.BackupNodeIDs = append([]string(nil), candidates[1:]...)
		}
		assignments[p] = a
	}
	return NewMap(version, count, assignments)
}
