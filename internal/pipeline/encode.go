package pipeline

import (
	"encoding/json"

	"meridian/internal/crdt"
	"meridian/internal/hlc"
	"meridian/internal/proto"
)

// lwwStorageRecord is the JSON shape an LWW record is persisted as
// (spec.md §6): storage only ever sees opaque blobs, but the pipeline
// still needs a stable encoding to reconstruct records on reload.
type lwwStorageRecord struct {
	Value     []byte        `json:"value,omitempty"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	TTLMillis int64         `json:"ttlMs,omitempty"`
}

func encodeLWWRecord(rec crdt.LWWRecord[[]byte]) []byte {
	b, _ := json.Marshal(lwwStorageRecord{Value: derefBytes(rec.Value), Timestamp: rec.Timestamp, TTLMillis: rec.TTLMillis})
	return b
}

func decodeLWWRecord(b []byte) (crdt.LWWRecord[[]byte], error) {
	var wire lwwStorageRecord
	if err := json.Unmarshal(b, &wire); err != nil {
		return crdt.LWWRecord[[]byte]{}, err
	}
	rec := crdt.LWWRecord[[]byte]{Timestamp: wire.Timestamp, TTLMillis: wire.TTLMillis}
	if wire.Value != nil {
		v := wire.Value
		rec.Value = &v
	}
	return rec, nil
}

func derefBytes(v *[]byte) []byte {
	if v == nil {
		return nil
	}
	return *v
}

// lwwRecordWire renders a merged LWW record for SERVER_EVENT delivery
// (spec.md §6) — unlike encodeLWWRecord, which is storage's JSON-blob
// shape, this keeps the record as a proto.LWWRecordWire for query.OnChange
// to attach directly to a ServerEvent.
func lwwRecordWire(rec crdt.LWWRecord[[]byte]) *proto.LWWRecordWire {
	return &proto.LWWRecordWire{Value: derefBytes(rec.Value), Timestamp: rec.Timestamp, TTLMillis: rec.TTLMillis}
}

// orBucketWire is the JSON shape one OR key's live tag set is persisted
// as: every non-tombstoned record currently filed under that key.
type orBucketWire struct {
	Records []proto.ORRecordWire `json:"records"`
}

func encodeORBucket(records []crdt.ORRecord[[]byte]) []byte {
	wire := orBucketWire{Records: make([]proto.ORRecordWire, len(records))}
	for i, r := range records {
		wire.Records[i] = proto.ORRecordWire{Tag: r.Tag, Value: r.Value, Timestamp: r.Timestamp, TTLMillis: r.TTLMillis}
	}
	b, _ := json.Marshal(wire)
	return b
}

// tombstonesWire is the JSON shape persisted under storage.TombstonesKey
// within an OR map's storage bucket (spec.md §6).
type tombstonesWire struct {
	Tags []string `json:"tags"`
}

func encodeTombstones(tags []string) []byte {
	b, _ := json.Marshal(tombstonesWire{Tags: tags})
	return b
}

// decodeForPredicate turns a raw JSON value blob into the `any` the
// query registry's Predicate functions operate over. A nil/invalid blob
// decodes to nil, which the registry treats as "key no longer matches
// anything" (its OnChange requires newValue != nil to count as a match).
func decodeForPredicate(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
