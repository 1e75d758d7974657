package cluster

import (
	"meridian/internal/merkle"
	"meridian/internal/proto"
)

// MerkleAdapter satisfies merkle.Membership and merkle.PeerClient on
// top of a Manager, mirroring ReplicationAdapter's shape.
type MerkleAdapter struct {
	manager *Manager
}

// NewMerkleAdapter wraps m.
func NewMerkleAdapter(m *Manager) *MerkleAdapter { return &MerkleAdapter{manager: m} }

// SelfID implements merkle.Membership.
func (a *MerkleAdapter) SelfID() string { return a.manager.SelfID() }

// AllNodes implements merkle.Membership.
func (a *MerkleAdapter) AllNodes() []merkle.MemberInfo {
	nodes := a.manager.AllNodes()
	out := make([]merkle.MemberInfo, len(nodes))
	for i, n := range nodes {
		out[i] = merkle.MemberInfo{ID: n.ID, Address: n.Address, IsAlive: n.IsAlive}
	}
	return out
}

// RequestRoot implements merkle.PeerClient.
func (a *MerkleAdapter) RequestRoot(address string, req proto.ClusterMerkleRootReq) (proto.ClusterMerkleRootResp, error) {
	var resp proto.ClusterMerkleRootResp
	err := a.manager.RPC().Post(address, "/internal/cluster/merkle-root", req, &resp)
	return resp, err
}

// RequestRepairData implements merkle.PeerClient.
func (a *MerkleAdapter) RequestRepairData(address string, req proto.ClusterRepairDataReq) (proto.ClusterRepairDataResp, error) {
	var resp proto.ClusterRepairDataResp
	err := a.manager.RPC().Post(address, "/internal/cluster/merkle-repair", req, &resp)
	return resp, err
}
