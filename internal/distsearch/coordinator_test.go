package distsearch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/proto"
)

type fakePeerSearcher struct {
	peerIDs []string
	byPeer  map[string][]string
}

func (f *fakePeerSearcher) LivePeerIDs() []string { return f.peerIDs }

func (f *fakePeerSearcher) SearchOnPeer(nodeID string, req proto.ClusterQueryExec) (proto.ClusterQueryResp, error) {
	return proto.ClusterQueryResp{RequestID: req.RequestID, NodeID: nodeID, Keys: f.byPeer[nodeID]}, nil
}

func TestSearchFusesRankedListsByRRF(t *testing.T) {
	peers := &fakePeerSearcher{
		peerIDs: []string{"n2"},
		byPeer:  map[string][]string{"n2": {"docA", "docB"}},
	}
	local := func(mapName, query string, limit int) []string { return []string{"docB", "docC"} }

	c := New("n1", peers, local, nil)
	fused := c.Search(context.Background(), "req1", "articles", "shutdown", 10)

	// docB appears rank-1 locally and rank-2 remotely, so it should
	// outrank anything appearing on only one list.
	require.Equal(t, "docB", fused[0])
	require.ElementsMatch(t, []string{"docA", "docB", "docC"}, fused)
}

func TestSearchRespectsLimit(t *testing.T) {
	peers := &fakePeerSearcher{}
	local := func(string, string, int) []string { return []string{"a", "b", "c"} }

	c := New("n1", peers, local, nil)
	fused := c.Search(context.Background(), "req1", "m", "q", 2)
	require.Len(t, fused, 2)
}
