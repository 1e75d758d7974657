package cluster

import (
	"fmt"

	"meridian/internal/proto"
)

// QueryAdapter satisfies both distquery.PeerExecutor and
// distsearch.PeerSearcher on top of a Manager: both interfaces want the
// same "list live peers, send a ClusterQueryExec, await a
// ClusterQueryResp" shape, just against different endpoints (spec.md
// §4.10's predicate-query vs full-text scatter).
type QueryAdapter struct {
	manager *Manager
}

// NewQueryAdapter wraps m.
func NewQueryAdapter(m *Manager) *QueryAdapter { return &QueryAdapter{manager: m} }

// LivePeerIDs implements distquery.PeerExecutor / distsearch.PeerSearcher.
func (a *QueryAdapter) LivePeerIDs() []string {
	var out []string
	for _, n := range a.manager.AllNodes() {
		if n.ID != a.manager.SelfID() && n.IsAlive {
			out = append(out, n.ID)
		}
	}
	return out
}

// ExecuteOnPeer implements distquery.PeerExecutor.
func (a *QueryAdapter) ExecuteOnPeer(nodeID string, req proto.ClusterQueryExec) (proto.ClusterQueryResp, error) {
	return a.send(nodeID, "/internal/cluster/query-exec", req)
}

// SearchOnPeer implements distsearch.PeerSearcher.
func (a *QueryAdapter) SearchOnPeer(nodeID string, req proto.ClusterQueryExec) (proto.ClusterQueryResp, error) {
	return a.send(nodeID, "/internal/cluster/search-exec", req)
}

func (a *QueryAdapter) send(nodeID, path string, req proto.ClusterQueryExec) (proto.ClusterQueryResp, error) {
	node, ok := a.manager.GetNode(nodeID)
	if !ok {
		return proto.ClusterQueryResp{}, fmt.Errorf("cluster: unknown peer %q", nodeID)
	}
	var resp proto.ClusterQueryResp
	err := a.manager.RPC().Post(node.Address, path, req, &resp)
	return resp, err
}
