// Package pipeline wires the leaf CRDT/partition/replication/query
// components into the per-operation processing pipeline (spec.md §4.3):
// authorization, ownership, interceptors, CRDT merge, write-ack,
// storage, live-query re-evaluation, replication, search indexing,
// broadcast and journaling. Grounded on the teacher's
// internal/cluster/replicator.go for the overall "one function, many
// sequential collaborators" shape, generalized from a single
// put/replicate path into the full step sequence.
package pipeline

import (
	"fmt"
	"sync"

	"meridian/internal/crdt"
)

// Kind distinguishes which CRDT type a registered map name uses.
type Kind int

const (
	KindLWW Kind = iota
	KindOR
)

// Every coordinator-managed map's value is a raw, pre-serialized JSON
// blob — wire values already arrive this way (proto.LWWRecordWire.Value
// and proto.ORRecordWire.Value are both []byte), and the coordinator
// core never interprets record contents beyond predicate evaluation
// (which decodes on demand, see decodeForPredicate in encode.go). Fixing
// V this way lets MapRegistry dispatch by mapName alone, without a
// dynamic-generics layer Go doesn't have.
type lwwMap = crdt.LWWMap[[]byte]
type orMap = crdt.ORMap[[]byte]

// MapRegistry lazily creates and holds the LWW/OR maps the pipeline
// serves, one per distinct mapName. A mapName is fixed to whichever
// kind first creates it; requesting the other kind for an
// already-registered name is a caller bug (mixed-kind map names never
// appear on the wire, since OpType alone selects the registry to use).
type MapRegistry struct {
	mu        sync.RWMutex
	kinds     map[string]Kind
	lww       map[string]*lwwMap
	or        map[string]*orMap
	treeDepth int
	onCreate  func(name string, lww *lwwMap, or *orMap)
}

// OnCreate installs a callback invoked the first time a map name is
// lazily created, so the coordinator can register the new map's GC
// sweeper and anti-entropy façade without pre-declaring every map name
// up front. Exactly one of lww/or is non-nil, matching the created
// kind. Must be set before any LWW/OR call that would create maps. The
// callback runs outside MapRegistry's lock, so it may safely call back
// into LWW/OR/Syncables itself.
func (r *MapRegistry) OnCreate(fn func(name string, lww *lwwMap, or *orMap)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreate = fn
}

// NewMapRegistry creates an empty registry. treeDepth is forwarded to
// every map's incremental Merkle tree (merkle.New).
func NewMapRegistry(treeDepth int) *MapRegistry {
	if treeDepth <= 0 {
		treeDepth = 4
	}
	return &MapRegistry{
		kinds:     make(map[string]Kind),
		lww:       make(map[string]*lwwMap),
		or:        make(map[string]*orMap),
		treeDepth: treeDepth,
	}
}

// LWW returns (creating if absent) the LWW map registered under name.
func (r *MapRegistry) LWW(name string) (*lwwMap, error) {
	r.mu.Lock()
	if k, ok := r.kinds[name]; ok && k != KindLWW {
		r.mu.Unlock()
		return nil, fmt.Errorf("pipeline: map %q is registered as OR, not LWW", name)
	}
	m, existed := r.lww[name]
	var onCreate func(string, *lwwMap, *orMap)
	if !existed {
		m = crdt.NewLWWMap[[]byte](r.treeDepth)
		r.lww[name] = m
		r.kinds[name] = KindLWW
		onCreate = r.onCreate
	}
	r.mu.Unlock()

	if onCreate != nil {
		onCreate(name, m, nil)
	}
	return m, nil
}

// OR returns (creating if absent) the OR map registered under name.
func (r *MapRegistry) OR(name string) (*orMap, error) {
	r.mu.Lock()
	if k, ok := r.kinds[name]; ok && k != KindOR {
		r.mu.Unlock()
		return nil, fmt.Errorf("pipeline: map %q is registered as LWW, not OR", name)
	}
	m, existed := r.or[name]
	var onCreate func(string, *lwwMap, *orMap)
	if !existed {
		m = crdt.NewORMap[[]byte](r.treeDepth)
		r.or[name] = m
		r.kinds[name] = KindOR
		onCreate = r.onCreate
	}
	r.mu.Unlock()

	if onCreate != nil {
		onCreate(name, nil, m)
	}
	return m, nil
}

// Kind reports the registered kind for name, if any map has been
// created under it yet.
func (r *MapRegistry) Kind(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns every registered map name, used by the GC coordinator
// and anti-entropy scheduler to enumerate what to sweep/repair.
func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	return out
}
