package cluster

import (
	"meridian/internal/proto"
	"meridian/internal/replication"
)

// ReplicationAdapter satisfies replication.PeerClient on top of a
// Manager, keeping the replication package's dependency on cluster
// purely at the interface boundary (Design Notes §9).
type ReplicationAdapter struct {
	manager *Manager
}

// NewReplicationAdapter wraps m.
func NewReplicationAdapter(m *Manager) *ReplicationAdapter {
	return &ReplicationAdapter{manager: m}
}

// GetNode adapts Manager.GetNode to replication.NodeInfo.
func (a *ReplicationAdapter) GetNode(id string) (replication.NodeInfo, bool) {
	n, ok := a.manager.GetNode(id)
	if !ok {
		return replication.NodeInfo{}, false
	}
	return replication.NodeInfo{ID: n.ID, Address: n.Address}, true
}

// SendClusterEvent posts evt to a peer's CLUSTER_EVENT endpoint and
// decodes the ack.
func (a *ReplicationAdapter) SendClusterEvent(address string, evt proto.ClusterEvent) (proto.ClusterEventAck, error) {
	var ack proto.ClusterEventAck
	err := a.manager.RPC().Post(address, "/internal/cluster/event", evt, &ack)
	return ack, err
}
