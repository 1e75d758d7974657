// Package proto holds the wire message shapes named in spec.md §6: the
// client<->server catalogue and the peer<->peer cluster catalogue. It is
// a plain data-shape package — named after the teacher's own
// QuorumRequest/QuorumResponse convention, not Protocol Buffers. Framing
// and encoding (length-prefixed frames, one JSON value each) belong to
// the transport package; this package only defines what gets encoded.
package proto

import (
	"encoding/json"

	"meridian/internal/hlc"
)

// MessageKind names a client-facing frame by its spec.md §6 catalogue
// entry. The dispatcher (internal/coordinator.ConnHandler) switches on
// this to decide which message struct to decode Envelope.Body into.
type MessageKind string

const (
	KindAuthRequired      MessageKind = "AUTH_REQUIRED"
	KindAuth              MessageKind = "AUTH"
	KindAuthAck           MessageKind = "AUTH_ACK"
	KindAuthFail          MessageKind = "AUTH_FAIL"
	KindPing              MessageKind = "PING"
	KindPong              MessageKind = "PONG"
	KindQuerySub          MessageKind = "QUERY_SUB"
	KindQueryUnsub        MessageKind = "QUERY_UNSUB"
	KindQueryResp         MessageKind = "QUERY_RESP"
	KindClientOp          MessageKind = "CLIENT_OP"
	KindOpBatch           MessageKind = "OP_BATCH"
	KindOpAck             MessageKind = "OP_ACK"
	KindOpRejected        MessageKind = "OP_REJECTED"
	KindServerEvent       MessageKind = "SERVER_EVENT"
	KindServerBatchEvent  MessageKind = "SERVER_BATCH_EVENT"
	KindSyncInit          MessageKind = "SYNC_INIT"
	KindSyncRespRoot      MessageKind = "SYNC_RESP_ROOT"
	KindSyncResetRequired MessageKind = "SYNC_RESET_REQUIRED"
	KindMerkleReqBucket   MessageKind = "MERKLE_REQ_BUCKET"
	KindSyncRespBuckets   MessageKind = "SYNC_RESP_BUCKETS"
	KindSyncRespLeaf      MessageKind = "SYNC_RESP_LEAF"
	KindLockRequest       MessageKind = "LOCK_REQUEST"
	KindLockGranted       MessageKind = "LOCK_GRANTED"
	KindLockRelease       MessageKind = "LOCK_RELEASE"
	KindLockReleased      MessageKind = "LOCK_RELEASED"
	KindTopicSub          MessageKind = "TOPIC_SUB"
	KindTopicUnsub        MessageKind = "TOPIC_UNSUB"
	KindTopicPub          MessageKind = "TOPIC_PUB"
	KindSearch            MessageKind = "SEARCH"
	KindSearchSub         MessageKind = "SEARCH_SUB"
	KindSearchUnsub       MessageKind = "SEARCH_UNSUB"
	KindPartitionMapReq   MessageKind = "PARTITION_MAP_REQUEST"
	KindPartitionMap      MessageKind = "PARTITION_MAP"
	KindError             MessageKind = "ERROR"
	KindMergeRejected     MessageKind = "MERGE_REJECTED"
	KindGCPrune           MessageKind = "GC_PRUNE"
	KindShutdownPending   MessageKind = "SHUTDOWN_PENDING"
)

// Envelope is the {kind, body} wrapper every client-facing frame carries
// once off the wire — spec.md §6 distinguishes messages by name, so the
// dispatcher must learn the kind before it can decode the body into its
// concrete type.
type Envelope struct {
	Kind MessageKind     `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// OpType enumerates the kinds of CLIENT_OP a client may submit.
type OpType string

const (
	OpPut       OpType = "PUT"
	OpRemove    OpType = "REMOVE"
	OpORAdd     OpType = "OR_ADD"
	OpORRemove  OpType = "OR_REMOVE"
)

// WriteConcern is the durability target a client requests for an op,
// matching spec.md §4.6's strictly ordered level table.
type WriteConcern string

const (
	ConcernFireAndForget WriteConcern = "FIRE_AND_FORGET"
	ConcernMemory        WriteConcern = "MEMORY"
	ConcernApplied       WriteConcern = "APPLIED"
	ConcernReplicated    WriteConcern = "REPLICATED"
	ConcernPersisted     WriteConcern = "PERSISTED"
)

// Rank orders write concerns so callers can compare "at least as strong
// as" without a lookup table at every call site.
func (c WriteConcern) Rank() int {
	switch c {
	case ConcernFireAndForget:
		return 0
	case ConcernMemory:
		return 1
	case ConcernApplied:
		return 2
	case ConcernReplicated:
		return 3
	case ConcernPersisted:
		return 4
	default:
		return 1
	}
}

// AtLeast reports whether c is at least as strong as other.
func (c WriteConcern) AtLeast(other WriteConcern) bool { return c.Rank() >= other.Rank() }

// ConsistencyLevel governs replication fan-out (spec.md §4.7).
type ConsistencyLevel string

const (
	ConsistencyEventual ConsistencyLevel = "EVENTUAL"
	ConsistencyQuorum   ConsistencyLevel = "QUORUM"
	ConsistencyStrong   ConsistencyLevel = "STRONG"
)

// EventType distinguishes a SERVER_EVENT's effect on a subscription.
type EventType string

const (
	EventEnter  EventType = "ENTER"
	EventUpdate EventType = "UPDATE"
	EventLeave  EventType = "LEAVE"
)

// LWWRecordWire is the wire rendering of crdt.LWWRecord[json.RawMessage];
// Value nil means tombstone.
type LWWRecordWire struct {
	Value     []byte        `json:"value,omitempty"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	TTLMillis int64         `json:"ttlMs,omitempty"`
}

// ORRecordWire is the wire rendering of crdt.ORRecord[json.RawMessage].
type ORRecordWire struct {
	Tag       string        `json:"tag"`
	Value     []byte        `json:"value"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	TTLMillis int64         `json:"ttlMs,omitempty"`
}

// ClientOp is CLIENT_OP's parsed body (spec.md §4.3 "Inputs").
type ClientOp struct {
	ID           string         `json:"id,omitempty"`
	MapName      string         `json:"mapName"`
	Key          string         `json:"key"`
	OpType       OpType         `json:"opType"`
	Record       *LWWRecordWire `json:"record,omitempty"`
	ORRecord     *ORRecordWire  `json:"orRecord,omitempty"`
	ORTag        string         `json:"orTag,omitempty"`
	WriteConcern WriteConcern   `json:"writeConcern,omitempty"`
}

// OpBatch is OP_BATCH's body.
type OpBatch struct {
	Ops          []ClientOp   `json:"ops"`
	WriteConcern WriteConcern `json:"writeConcern,omitempty"`
	TimeoutMs    int64        `json:"timeout,omitempty"`
}

// OpAck is the OP_ACK reply. For a single CLIENT_OP, AchievedLevel/
// Success describe that op directly and Results is omitted; for an
// OP_BATCH, LastID is the batch's last op id and Results carries one
// entry per op in submission order (spec.md §6, scenario #4).
type OpAck struct {
	LastID        string        `json:"lastId"`
	AchievedLevel string        `json:"achievedLevel,omitempty"`
	Success       bool          `json:"success"`
	Results       []OpAckResult `json:"results,omitempty"`
}

// OpAckResult is one op's outcome within a batch OP_ACK's Results.
type OpAckResult struct {
	OpID          string `json:"opId"`
	AchievedLevel string `json:"achievedLevel"`
	Success       bool   `json:"success"`
}

// OpRejected is OP_REJECTED.
type OpRejected struct {
	OpID   string `json:"opId"`
	Reason string `json:"reason"`
}

// ServerEvent is SERVER_EVENT.
type ServerEvent struct {
	MapName   string         `json:"mapName"`
	Key       string         `json:"key"`
	EventType EventType      `json:"eventType"`
	Record    *LWWRecordWire `json:"record,omitempty"`
	ORRecord  *ORRecordWire  `json:"orRecord,omitempty"`
	ORTag     string         `json:"orTag,omitempty"`
}

// ServerBatchEvent batches ServerEvent payloads (spec.md §4.4).
type ServerBatchEvent struct {
	Events []ServerEvent `json:"events"`
}

// QuerySub is QUERY_SUB's body. Fields supplements spec.md §6's
// catalogue with spec.md §3's Subscription.interestedFields, which
// otherwise has no wire-level way for a client to populate it.
type QuerySub struct {
	QueryID string   `json:"queryId"`
	MapName string   `json:"mapName"`
	Query   string   `json:"query"`
	Fields  []string `json:"fields,omitempty"`
	Cursor  string   `json:"cursor,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// QueryResp is QUERY_RESP.
type QueryResp struct {
	QueryID      string   `json:"queryId"`
	Results      []string `json:"results"`
	NextCursor   string   `json:"nextCursor,omitempty"`
	HasMore      bool     `json:"hasMore"`
	CursorStatus string   `json:"cursorStatus,omitempty"`
}

// MergeRejected reports a conflict resolver's "keep local" outcome.
type MergeRejected struct {
	MapName string `json:"mapName"`
	Key     string `json:"key"`
	Reason  string `json:"reason"`
}

// PartitionAssignmentWire is one PartitionMap entry on the wire.
type PartitionAssignmentWire struct {
	PartitionID   int      `json:"partitionId"`
	OwnerNodeID   string   `json:"ownerNodeId"`
	BackupNodeIDs []string `json:"backupNodeIds"`
}

// PartitionMapWire is the PARTITION_MAP message.
type PartitionMapWire struct {
	Version    int                       `json:"version"`
	Partitions []PartitionAssignmentWire `json:"partitions"`
}

// LockRequest is LOCK_REQUEST.
type LockRequest struct {
	RequestID string `json:"requestId"`
	Name      string `json:"name"`
	TTLMillis int64  `json:"ttl"`
}

// LockGranted is LOCK_GRANTED.
type LockGranted struct {
	RequestID    string `json:"requestId"`
	Name         string `json:"name"`
	FencingToken uint64 `json:"fencingToken"`
}

// ErrorMessage is the generic ERROR envelope.
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// AuthRequired is sent unprompted on connect (spec.md §6's handshake).
type AuthRequired struct{}

// Auth is AUTH, the client's reply to AUTH_REQUIRED.
type Auth struct {
	Token string `json:"token"`
}

// AuthAck is AUTH_ACK, sent urgent on successful verification.
type AuthAck struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// AuthFail is AUTH_FAIL, sent urgent on a rejected token.
type AuthFail struct {
	Reason string `json:"reason"`
}

// Ping is PING {timestamp}.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong is PONG {timestamp, serverTime}, sent urgent.
type Pong struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

// QueryUnsub is QUERY_UNSUB {queryId}.
type QueryUnsub struct {
	QueryID string `json:"queryId"`
}

// SearchRequest is the one-shot SEARCH {queryId, mapName, query, limit}.
type SearchRequest struct {
	QueryID string `json:"queryId"`
	MapName string `json:"mapName"`
	Query   string `json:"query"`
	Limit   int    `json:"limit,omitempty"`
}

// SearchSub is SEARCH_SUB: like QuerySub, but against the full-text index
// and re-evaluated on every external index update rather than every CRDT
// merge.
type SearchSub struct {
	QueryID string   `json:"queryId"`
	MapName string   `json:"mapName"`
	Query   string   `json:"query"`
	Fields  []string `json:"fields,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// SearchUnsub is SEARCH_UNSUB {queryId}.
type SearchUnsub struct {
	QueryID string `json:"queryId"`
}

// TopicSub is TOPIC_SUB {topic}.
type TopicSub struct {
	Topic string `json:"topic"`
}

// TopicUnsub is TOPIC_UNSUB {topic}.
type TopicUnsub struct {
	Topic string `json:"topic"`
}

// TopicPub is TOPIC_PUB {topic, payload}.
type TopicPub struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// SyncInit is SYNC_INIT {mapName, lastSyncTimestamp}.
type SyncInit struct {
	MapName           string        `json:"mapName"`
	LastSyncTimestamp hlc.Timestamp `json:"lastSyncTimestamp"`
}

// SyncRespRoot is SYNC_RESP_ROOT {rootHash, timestamp}.
type SyncRespRoot struct {
	MapName   string        `json:"mapName"`
	RootHash  uint64        `json:"rootHash"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

// SyncResetRequired is SYNC_RESET_REQUIRED, sent when a client's
// lastSyncTimestamp predates GC_AGE_MS and incremental repair can no
// longer be trusted.
type SyncResetRequired struct {
	MapName string `json:"mapName"`
}

// MerkleReqBucket is MERKLE_REQ_BUCKET {mapName, path}; the same request
// also stands in for ORMAP_MERKLE_REQ_BUCKET (spec.md §6's "analogous
// ORMap sync protocol") since internal/merkle.Syncable already hides the
// LWW/OR distinction behind one façade (spec.md Design Notes §9's
// "tagged variant, branch explicitly" guidance, applied to the wire
// surface here too rather than re-stating the protocol per map kind).
type MerkleReqBucket struct {
	MapName string `json:"mapName"`
	Path    []byte `json:"path,omitempty"`
}

// MerkleBucketWire mirrors merkle.Bucket on the wire.
type MerkleBucketWire struct {
	Digit byte   `json:"digit"`
	Hash  uint64 `json:"hash"`
}

// SyncRespBuckets is SYNC_RESP_BUCKETS {buckets}, a non-leaf descent step.
type SyncRespBuckets struct {
	MapName string             `json:"mapName"`
	Buckets []MerkleBucketWire `json:"buckets"`
}

// SyncRespLeaf is SYNC_RESP_LEAF {records}, the terminal descent step
// carrying every record under the matched leaf path.
type SyncRespLeaf struct {
	MapName   string                    `json:"mapName"`
	Records   map[string]LWWRecordWire  `json:"records,omitempty"`
	ORRecords map[string][]ORRecordWire `json:"orRecords,omitempty"`
}

// LockRelease is LOCK_RELEASE {requestId, name, fencingToken}, the
// client-facing counterpart of ClusterLockRelease.
type LockRelease struct {
	RequestID    string `json:"requestId"`
	Name         string `json:"name"`
	FencingToken uint64 `json:"fencingToken"`
}

// LockReleased is LOCK_RELEASED {success}.
type LockReleased struct {
	Success bool `json:"success"`
}

// PartitionMapRequest is PARTITION_MAP_REQUEST {currentVersion}.
type PartitionMapRequest struct {
	CurrentVersion int `json:"currentVersion"`
}

// ShutdownPending is SHUTDOWN_PENDING {retryAfter}, sent urgent to every
// connection during graceful drain.
type ShutdownPending struct {
	RetryAfterMs int64 `json:"retryAfter"`
}

// GCPrune is GC_PRUNE {olderThan}, an informational notice that records
// older than olderThan were just swept.
type GCPrune struct {
	OlderThan hlc.Timestamp `json:"olderThan"`
}
