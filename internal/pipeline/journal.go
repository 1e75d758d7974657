package pipeline

import "meridian/internal/hlc"

// JournalEvent is one recorded operation (spec.md §4.3 step 11).
type JournalEvent struct {
	OpID      string
	MapName   string
	Key       string
	OpType    string
	Timestamp hlc.Timestamp
	Source    string
}

// JournalSink receives JournalEvents when journaling is enabled. No
// default implementation ships in the core — a durable journal is an
// operator-supplied collaborator, same as storage.Store.
type JournalSink interface {
	Append(evt JournalEvent)
}
