package pipeline

import (
	"meridian/internal/crdt"
	"meridian/internal/merkle"
	"meridian/internal/proto"
)

// lwwSyncable and orSyncable adapt a registered map to merkle.Syncable.
// They live here (not in package merkle, which crdt already imports)
// so the anti-entropy scheduler never needs to know about crdt's
// generic map types directly.
type lwwSyncable struct {
	name string
	m    *lwwMap
}

func (s lwwSyncable) MapName() string        { return s.name }
func (s lwwSyncable) Tree() *merkle.Tree     { return s.m.GetMerkleTree() }

func (s lwwSyncable) LeafRecords(path []byte) (map[string]proto.LWWRecordWire, map[string][]proto.ORRecordWire) {
	keys := s.m.GetMerkleTree().LeafKeys(path)
	out := make(map[string]proto.LWWRecordWire, len(keys))
	for _, k := range keys {
		rec, ok := s.m.GetRecord(k)
		if !ok {
			continue
		}
		out[k] = proto.LWWRecordWire{Value: derefBytes(rec.Value), Timestamp: rec.Timestamp, TTLMillis: rec.TTLMillis}
	}
	return out, nil
}

func (s lwwSyncable) ApplyRepair(lww map[string]proto.LWWRecordWire, _ map[string][]proto.ORRecordWire) int {
	applied := 0
	for k, wire := range lww {
		rec := crdt.LWWRecord[[]byte]{Timestamp: wire.Timestamp, TTLMillis: wire.TTLMillis}
		if wire.Value != nil {
			v := wire.Value
			rec.Value = &v
		}
		if s.m.Merge(k, rec) {
			applied++
		}
	}
	return applied
}

type orSyncable struct {
	name string
	m    *orMap
}

func (s orSyncable) MapName() string    { return s.name }
func (s orSyncable) Tree() *merkle.Tree { return s.m.GetMerkleTree() }

func (s orSyncable) LeafRecords(path []byte) (map[string]proto.LWWRecordWire, map[string][]proto.ORRecordWire) {
	keys := s.m.GetMerkleTree().LeafKeys(path)
	out := make(map[string][]proto.ORRecordWire, len(keys))
	for _, k := range keys {
		records := s.m.Records(k)
		if len(records) == 0 {
			continue
		}
		wire := make([]proto.ORRecordWire, len(records))
		for i, r := range records {
			wire[i] = proto.ORRecordWire{Tag: r.Tag, Value: r.Value, Timestamp: r.Timestamp, TTLMillis: r.TTLMillis}
		}
		out[k] = wire
	}
	return nil, out
}

func (s orSyncable) ApplyRepair(_ map[string]proto.LWWRecordWire, or map[string][]proto.ORRecordWire) int {
	applied := 0
	for k, records := range or {
		for _, wire := range records {
			s.m.Apply(k, crdt.ORRecord[[]byte]{Tag: wire.Tag, Value: wire.Value, Timestamp: wire.Timestamp, TTLMillis: wire.TTLMillis})
			applied++
		}
	}
	return applied
}

// Syncables returns a merkle.Syncable façade for every registered map,
// for the anti-entropy scheduler to register at startup.
func (r *MapRegistry) Syncables() []merkle.Syncable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]merkle.Syncable, 0, len(r.kinds))
	for name, k := range r.kinds {
		switch k {
		case KindLWW:
			out = append(out, lwwSyncable{name: name, m: r.lww[name]})
		case KindOR:
			out = append(out, orSyncable{name: name, m: r.or[name]})
		}
	}
	return out
}

// SyncableFor returns the merkle.Syncable façade for a single registered
// map name, for OnCreate callbacks that want to register just the map
// that was just created rather than re-enumerating every map.
func (r *MapRegistry) SyncableFor(name string) (merkle.Syncable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch r.kinds[name] {
	case KindLWW:
		if m, ok := r.lww[name]; ok {
			return lwwSyncable{name: name, m: m}, true
		}
	case KindOR:
		if m, ok := r.or[name]; ok {
			return orSyncable{name: name, m: m}, true
		}
	}
	return nil, false
}
