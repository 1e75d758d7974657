package cluster

import (
	"go.uber.org/zap"

	"meridian/internal/gc"
	"meridian/internal/proto"
)

// GCAdapter satisfies gc.Membership and gc.PeerReporter on top of a
// Manager, mirroring ReplicationAdapter's shape (Design Notes §9): gc
// never imports cluster directly.
type GCAdapter struct {
	manager *Manager
}

// NewGCAdapter wraps m.
func NewGCAdapter(m *Manager) *GCAdapter { return &GCAdapter{manager: m} }

// SelfID implements gc.Membership.
func (a *GCAdapter) SelfID() string { return a.manager.SelfID() }

// IsLeader implements gc.Membership.
func (a *GCAdapter) IsLeader() bool { return a.manager.IsLeader() }

// AllNodes implements gc.Membership.
func (a *GCAdapter) AllNodes() []gc.MemberInfo {
	nodes := a.manager.AllNodes()
	out := make([]gc.MemberInfo, len(nodes))
	for i, n := range nodes {
		out[i] = gc.MemberInfo{ID: n.ID, Address: n.Address, IsAlive: n.IsAlive}
	}
	return out
}

// SendGCReport implements gc.PeerReporter.
func (a *GCAdapter) SendGCReport(address string, report proto.ClusterGCReport) error {
	return a.manager.RPC().Post(address, "/internal/cluster/gc-report", report, nil)
}

// BroadcastGCCommit implements gc.PeerReporter.
func (a *GCAdapter) BroadcastGCCommit(members []gc.MemberInfo, commit proto.ClusterGCCommit) {
	for _, m := range members {
		if m.ID == a.manager.SelfID() || !m.IsAlive {
			continue
		}
		if err := a.manager.RPC().Post(m.Address, "/internal/cluster/gc-commit", commit, nil); err != nil {
			a.manager.logger.Warn("gc commit broadcast failed", zap.String("nodeId", m.ID), zap.Error(err))
		}
	}
}
