package distquery

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"meridian/internal/proto"
)

// PeerExecutor sends a CLUSTER_QUERY_EXEC to one peer and awaits its
// CLUSTER_QUERY_RESP.
type PeerExecutor interface {
	// LivePeerIDs returns every currently-live peer, excluding self.
	LivePeerIDs() []string
	ExecuteOnPeer(nodeID string, req proto.ClusterQueryExec) (proto.ClusterQueryResp, error)
}

// LocalExecutor evaluates a predicate query against this node's local
// data and returns the matching keys.
type LocalExecutor func(mapName, query string) []string

// Coordinator fans a predicate query out across the cluster and merges
// the deduplicated, sorted result (spec.md §4.5, §4.10).
type Coordinator struct {
	peers PeerExecutor
	local LocalExecutor
	self  string
	log   *zap.Logger
}

// New creates a Coordinator.
func New(selfNodeID string, peers PeerExecutor, local LocalExecutor, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{peers: peers, local: local, self: selfNodeID, log: log}
}

// Execute runs mapName/query across the whole cluster and returns the
// deduplicated, lexicographically-sorted union of matching keys.
func (c *Coordinator) Execute(ctx context.Context, requestID, mapName, queryExpr string) []string {
	localKeys := c.local(mapName, queryExpr)

	peerIDs := c.peers.LivePeerIDs()
	req := proto.ClusterQueryExec{RequestID: requestID, MapName: mapName, Query: queryExpr}

	responses := ScatterGather(ctx, peerIDs, DefaultTimeout, func(nodeID string) (proto.ClusterQueryResp, error) {
		return c.peers.ExecuteOnPeer(nodeID, req)
	})

	seen := make(map[string]struct{}, len(localKeys))
	merged := make([]string, 0, len(localKeys))
	for _, k := range localKeys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			merged = append(merged, k)
		}
	}
	for _, resp := range responses {
		for _, k := range resp.Keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				merged = append(merged, k)
			}
		}
	}

	sort.Strings(merged)
	return merged
}
