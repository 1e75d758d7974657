// Package distsearch implements the full-text half of the distributed
// query/search coordinator (spec.md §4.10): scatter a search to every
// live member, each node runs it locally against its
// internal/searchindex.Index, and the coordinator fuses the per-node
// ranked result lists with Reciprocal Rank Fusion (RRF) rather than
// raw score comparison, since bleve scores from independent per-node
// indexes are not comparable across nodes. Shares
// internal/distquery's ScatterGather helper and the
// google/uuid-keyed request-id convention (spec §7.10).
package distsearch

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"meridian/internal/distquery"
	"meridian/internal/proto"
)

// rrfK is RRF's smoothing constant — the standard default from the
// original Cormack/Clarke/Buettcher paper, chosen so a document ranked
// just outside the top results still contributes a meaningful score.
const rrfK = 60

// PeerSearcher sends a search to one peer. Keys in the response are
// ordered by that peer's local rank (best first) — RRF only needs rank
// position, not the underlying score, so reusing ClusterQueryExec/Resp
// (rather than inventing a score-carrying wire type) is sufficient.
type PeerSearcher interface {
	LivePeerIDs() []string
	SearchOnPeer(nodeID string, req proto.ClusterQueryExec) (proto.ClusterQueryResp, error)
}

// LocalSearcher runs a search against this node's local index and
// returns keys ordered by local rank (best first).
type LocalSearcher func(mapName, query string, limit int) []string

// Coordinator fans a full-text search out across the cluster and fuses
// the per-node ranked lists via RRF.
type Coordinator struct {
	peers PeerSearcher
	local LocalSearcher
	self  string
	log   *zap.Logger
}

// New creates a Coordinator.
func New(selfNodeID string, peers PeerSearcher, local LocalSearcher, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{peers: peers, local: local, self: selfNodeID, log: log}
}

// Search runs mapName/query across the whole cluster and returns the
// RRF-fused key ranking, best first, truncated to limit.
func (c *Coordinator) Search(ctx context.Context, requestID, mapName, queryExpr string, limit int) []string {
	localRanked := c.local(mapName, queryExpr, limit)

	peerIDs := c.peers.LivePeerIDs()
	req := proto.ClusterQueryExec{RequestID: requestID, MapName: mapName, Query: queryExpr}
	responses := distquery.ScatterGather(ctx, peerIDs, distquery.DefaultTimeout, func(nodeID string) (proto.ClusterQueryResp, error) {
		return c.peers.SearchOnPeer(nodeID, req)
	})

	rankLists := make([][]string, 0, 1+len(responses))
	rankLists = append(rankLists, localRanked)
	for _, resp := range responses {
		rankLists = append(rankLists, resp.Keys)
	}

	fused := fuseRRF(rankLists)
	if limit > 0 && len(fused) > limit {
		fused = fused[:limit]
	}
	return fused
}

// fuseRRF combines multiple ranked lists into one by summing
// 1/(rrfK+rank) per list a key appears in, then sorting descending by
// that combined score. A key absent from a list simply contributes 0
// from it.
func fuseRRF(rankLists [][]string) []string {
	scores := make(map[string]float64)
	for _, list := range rankLists {
		for rank, key := range list {
			scores[key] += 1.0 / float64(rrfK+rank+1)
		}
	}

	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if scores[keys[i]] != scores[keys[j]] {
			return scores[keys[i]] > scores[keys[j]]
		}
		return keys[i] < keys[j] // stable tie-break
	})
	return keys
}
