package gc

import (
	"meridian/internal/crdt"
	"meridian/internal/hlc"
)

// Persist is invoked with a map's tombstones/pruned keys so the caller
// can write them through to storage and replicate/broadcast them — gc
// never touches storage or the wire directly (Design Notes §9).
type Persist func(mapName string, changedKeys []string)

// LWWSweeper adapts a *crdt.LWWMap[V] to the gc.Sweeper façade.
type LWWSweeper[V any] struct {
	name    string
	m       *crdt.LWWMap[V]
	persist Persist
}

// NewLWWSweeper registers m under name with the GC coordinator.
func NewLWWSweeper[V any](name string, m *crdt.LWWMap[V], persist Persist) *LWWSweeper[V] {
	if persist == nil {
		persist = func(string, []string) {}
	}
	return &LWWSweeper[V]{name: name, m: m, persist: persist}
}

// MapName implements Sweeper.
func (s *LWWSweeper[V]) MapName() string { return s.name }

// SweepTTL implements Sweeper.
func (s *LWWSweeper[V]) SweepTTL(now hlc.Timestamp, selfNodeID string) int {
	expired := s.m.ExpireTTLs(now, selfNodeID)
	if len(expired) == 0 {
		return 0
	}
	keys := make([]string, 0, len(expired))
	for k := range expired {
		keys = append(keys, k)
	}
	s.persist(s.name, keys)
	return len(expired)
}

// Prune implements Sweeper.
func (s *LWWSweeper[V]) Prune(safeTimestamp hlc.Timestamp) []string {
	removed := s.m.Prune(safeTimestamp)
	if len(removed) > 0 {
		s.persist(s.name, removed)
	}
	return removed
}

// ORSweeper adapts a *crdt.ORMap[V] to the gc.Sweeper façade.
type ORSweeper[V any] struct {
	name    string
	m       *crdt.ORMap[V]
	persist Persist
}

// NewORSweeper registers m under name with the GC coordinator.
func NewORSweeper[V any](name string, m *crdt.ORMap[V], persist Persist) *ORSweeper[V] {
	if persist == nil {
		persist = func(string, []string) {}
	}
	return &ORSweeper[V]{name: name, m: m, persist: persist}
}

// MapName implements Sweeper.
func (s *ORSweeper[V]) MapName() string { return s.name }

// SweepTTL implements Sweeper.
func (s *ORSweeper[V]) SweepTTL(now hlc.Timestamp, selfNodeID string) int {
	expired := s.m.ExpireTTLs(now, selfNodeID)
	if len(expired) == 0 {
		return 0
	}
	s.persist(s.name, expired)
	return len(expired)
}

// Prune implements Sweeper.
func (s *ORSweeper[V]) Prune(safeTimestamp hlc.Timestamp) []string {
	removed := s.m.PruneTombstones(safeTimestamp)
	if len(removed) > 0 {
		s.persist(s.name, removed)
	}
	return removed
}
