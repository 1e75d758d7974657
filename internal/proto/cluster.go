package proto

import "meridian/internal/hlc"

// OpForward carries a ClientOp to the partition owner (spec.md §4.3
// step 2). Fire-and-forget: the sender does not await an ack (Open
// Question resolution, SPEC_FULL.md §9).
type OpForward struct {
	Op             ClientOp `json:"op"`
	SourceNodeID   string   `json:"sourceNodeId"`
	SourceClientID string   `json:"sourceClientId"`
}

// ClusterEvent is CLUSTER_EVENT: a replicated write applied at the
// sender, to be applied via applyReplicatedOperation at the receiver
// (spec.md §4.7).
type ClusterEvent struct {
	OpID         string         `json:"opId"`
	MapName      string         `json:"mapName"`
	Key          string         `json:"key"`
	OpType       OpType         `json:"opType"`
	Record       *LWWRecordWire `json:"record,omitempty"`
	ORRecord     *ORRecordWire  `json:"orRecord,omitempty"`
	ORTag        string         `json:"orTag,omitempty"`
	SourceNodeID string         `json:"sourceNodeId"`
}

// ClusterEventAck is the reply a backup returns for a ClusterEvent,
// used by the replication pipeline to count quorum acknowledgements.
type ClusterEventAck struct {
	OpID   string `json:"opId"`
	NodeID string `json:"nodeId"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// ClusterQueryExec is CLUSTER_QUERY_EXEC, the scatter half of a
// distributed predicate query (spec.md §4.5).
type ClusterQueryExec struct {
	RequestID string `json:"requestId"`
	MapName   string `json:"mapName"`
	Query     string `json:"query"`
}

// ClusterQueryResp is CLUSTER_QUERY_RESP, the gather half.
type ClusterQueryResp struct {
	RequestID string   `json:"requestId"`
	NodeID    string   `json:"nodeId"`
	Keys      []string `json:"keys"`
}

// ClusterGCReport is CLUSTER_GC_REPORT (spec.md §4.9).
type ClusterGCReport struct {
	NodeID  string        `json:"nodeId"`
	Minimum hlc.Timestamp `json:"minimum"`
}

// ClusterGCCommit is CLUSTER_GC_COMMIT.
type ClusterGCCommit struct {
	SafeTimestamp hlc.Timestamp `json:"safeTimestamp"`
}

// ClusterLockReq/Release/Granted/Released mirror the LOCK_* client
// messages for cross-node forwarding to the lock's owning partition
// (spec.md §4.11).
type ClusterLockReq struct {
	RequestID string `json:"requestId"`
	Name      string `json:"name"`
	ClientID  string `json:"clientId"`
	TTLMillis int64  `json:"ttlMs"`
}

type ClusterLockRelease struct {
	RequestID    string `json:"requestId"`
	Name         string `json:"name"`
	FencingToken uint64 `json:"fencingToken"`
}

type ClusterLockGranted struct {
	RequestID    string `json:"requestId"`
	Name         string `json:"name"`
	FencingToken uint64 `json:"fencingToken"`
}

type ClusterLockReleased struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
}

// ClusterClientDisconnected notifies the owner of locks/subscriptions
// held by a client that disconnected from a different node.
type ClusterClientDisconnected struct {
	ClientID string `json:"clientId"`
	NodeID   string `json:"nodeId"`
}

// ClusterMerkleRootReq/Resp exchange a subtree's hash for anti-entropy
// (spec.md §4.8). Path selects the subtree (empty means the whole
// tree); Resp also carries the one-level-down bucket hashes so a
// descent can pick diverging branches without a separate
// MERKLE_REQ_BUCKET message pair.
type ClusterMerkleRootReq struct {
	MapName     string `json:"mapName"`
	PartitionID int    `json:"partitionId"`
	Path        []byte `json:"path,omitempty"`
}

type ClusterMerkleRootResp struct {
	MapName     string         `json:"mapName"`
	PartitionID int            `json:"partitionId"`
	Path        []byte         `json:"path,omitempty"`
	RootHash    uint64         `json:"rootHash"`
	Children    []MerkleBucket `json:"children,omitempty"`
}

// MerkleBucket mirrors merkle.Bucket on the wire without this package
// importing internal/merkle (which itself imports proto).
type MerkleBucket struct {
	Digit byte   `json:"digit"`
	Hash  uint64 `json:"hash"`
}

// ClusterRepairDataReq/Resp exchange leaf-level records once a
// divergent path is found.
type ClusterRepairDataReq struct {
	MapName     string `json:"mapName"`
	PartitionID int    `json:"partitionId"`
	Path        []byte `json:"path"`
}

type ClusterRepairDataResp struct {
	MapName string                   `json:"mapName"`
	Records map[string]LWWRecordWire `json:"records"`
	// ORRecords carries the analogous leaf payload for OR maps (spec.md
	// §4.8's "ORMAP_SYNC ... analogous ORMap sync protocol"), keyed by
	// key exactly like Records; populated instead of Records when
	// MapName names an OR map.
	ORRecords map[string][]ORRecordWire `json:"orRecords,omitempty"`
}

// ClusterSubRegister/Ack/Update/Unregister implement the distributed
// query/search subscription scatter protocol (spec.md §4.10).
type ClusterSubRegister struct {
	SubscriptionID string `json:"subscriptionId"`
	CoordinatorID  string `json:"coordinatorId"`
	MapName        string `json:"mapName"`
	Query          string `json:"query"`
}

type ClusterSubAck struct {
	SubscriptionID string   `json:"subscriptionId"`
	NodeID         string   `json:"nodeId"`
	InitialKeys    []string `json:"initialKeys"`
}

type ClusterSubUpdate struct {
	SubscriptionID string    `json:"subscriptionId"`
	NodeID         string    `json:"nodeId"`
	Key            string    `json:"key"`
	EventType      EventType `json:"eventType"`
}

type ClusterSubUnregister struct {
	SubscriptionID string `json:"subscriptionId"`
}

// ClusterTopicPub fans a TOPIC_PUB out to peers (spec.md §7.12).
type ClusterTopicPub struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}
