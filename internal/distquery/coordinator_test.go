package distquery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/proto"
)

type fakePeerExecutor struct {
	peerIDs []string
	byPeer  map[string][]string
}

func (f *fakePeerExecutor) LivePeerIDs() []string { return f.peerIDs }

func (f *fakePeerExecutor) ExecuteOnPeer(nodeID string, req proto.ClusterQueryExec) (proto.ClusterQueryResp, error) {
	return proto.ClusterQueryResp{RequestID: req.RequestID, NodeID: nodeID, Keys: f.byPeer[nodeID]}, nil
}

func TestExecuteMergesLocalAndRemoteDeduplicated(t *testing.T) {
	peers := &fakePeerExecutor{
		peerIDs: []string{"n2", "n3"},
		byPeer:  map[string][]string{"n2": {"k2", "k3"}, "n3": {"k3", "k4"}},
	}
	local := func(mapName, query string) []string { return []string{"k1", "k2"} }

	c := New("n1", peers, local, nil)
	merged := c.Execute(context.Background(), "req1", "orders", "value>0")

	require.Equal(t, []string{"k1", "k2", "k3", "k4"}, merged)
}

func TestExecuteWithNoPeersReturnsLocalOnly(t *testing.T) {
	peers := &fakePeerExecutor{}
	local := func(string, string) []string { return []string{"k1"} }

	c := New("n1", peers, local, nil)
	merged := c.Execute(context.Background(), "req1", "orders", "*")
	require.Equal(t, []string{"k1"}, merged)
}
