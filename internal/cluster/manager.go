// Package cluster tracks peer membership, drives the partition
// rebalancer, and carries cluster RPC (spec.md §2 row 4, §4.2's
// rebalancing requirements, SPEC_FULL.md §9's JSON-over-HTTP peer
// transport). Adapted from the teacher's internal/cluster/{membership,
// ring,replicator}.go: consistent hashing for ownership, HTTP with
// exponential-backoff retry for peer calls, generalized from a fixed
// N/W/R quorum store to partition-map driven ownership.
package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meridian/internal/partition"
)

// Node is a cluster member.
type Node struct {
	ID      string `json:"id"`
	Address string `json:"address"` // host:port, admin/peer RPC listener
	IsAlive bool   `json:"isAlive"`
}

// Manager owns membership, the consistent-hash ring, and the partition
// registry that partition.Service reads from. It is the only component
// allowed to call partition.Registry.Publish (spec.md §4.2's "emit
// rebalanced events after version bumps from the cluster manager").
type Manager struct {
	mu          sync.RWMutex
	selfID      string
	nodes       map[string]*Node
	ring        *partition.Ring
	builder     *partition.Builder
	registry    *partition.Registry
	backupCount int
	version     int
	rpc         *RPCClient
	logger      *zap.Logger

	failedSince map[string]time.Time
	reassignDelay time.Duration
}

// Config configures a new Manager.
type Config struct {
	SelfID          string
	SelfAddress     string
	PartitionCount  int
	BackupCount     int
	Vnodes          int
	ReassignDelay   time.Duration // spec.md §4.2d, default 1s
	Logger          *zap.Logger
}

// NewManager creates a Manager seeded with only the local node. Peers
// join via Join (static/HTTP-announced, the teacher's default mode) or
// through the optional memberlist-backed GossipDiscovery.
func NewManager(cfg Config) *Manager {
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = partition.DefaultCount
	}
	if cfg.BackupCount < 0 {
		cfg.BackupCount = 0
	}
	if cfg.ReassignDelay <= 0 {
		cfg.ReassignDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ring := partition.NewRing(cfg.Vnodes)
	ring.AddNode(cfg.SelfID)

	m := &Manager{
		selfID:        cfg.SelfID,
		nodes:         map[string]*Node{cfg.SelfID: {ID: cfg.SelfID, Address: cfg.SelfAddress, IsAlive: true}},
		ring:          ring,
		builder:       partition.NewBuilder(ring),
		registry:      partition.NewRegistry(cfg.PartitionCount),
		backupCount:   cfg.BackupCount,
		rpc:           NewRPCClient(),
		logger:        cfg.Logger,
		failedSince:   make(map[string]time.Time),
		reassignDelay: cfg.ReassignDelay,
	}
	m.rebuild()
	return m
}

// SelfID returns the local node's id.
func (m *Manager) SelfID() string { return m.selfID }

// Registry exposes the partition registry other components subscribe to.
func (m *Manager) Registry() *partition.Registry { return m.registry }

// Join adds a peer and triggers a rebalance.
func (m *Manager) Join(node Node) error {
	m.mu.Lock()
	if _, exists := m.nodes[node.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("node %s already in cluster", node.ID)
	}
	node.IsAlive = true
	m.nodes[node.ID] = &node
	m.ring.AddNode(node.ID)
	delete(m.failedSince, node.ID)
	m.mu.Unlock()

	m.logger.Info("node joined", zap.String("nodeId", node.ID), zap.String("address", node.Address))
	m.rebuild()
	return nil
}

// Leave removes a peer (graceful departure) and triggers a rebalance.
func (m *Manager) Leave(nodeID string) error {
	m.mu.Lock()
	if _, ok := m.nodes[nodeID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("node %s not in cluster", nodeID)
	}
	delete(m.nodes, nodeID)
	delete(m.failedSince, nodeID)
	m.ring.RemoveNode(nodeID)
	m.mu.Unlock()

	m.logger.Info("node left", zap.String("nodeId", nodeID))
	m.rebuild()
	return nil
}

// MarkSuspect records a node as unresponsive. Once it has been suspect
// for longer than reassignDelay, ReapFailed removes it from the ring
// (spec.md §4.2d: "failed-node partitions are reassigned within a
// configurable delay").
func (m *Manager) MarkSuspect(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[nodeID]; ok {
		n.IsAlive = false
	}
	if _, ok := m.failedSince[nodeID]; !ok {
		m.failedSince[nodeID] = time.Now()
	}
}

// MarkAlive clears a suspect mark once a node is heard from again.
func (m *Manager) MarkAlive(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[nodeID]; ok {
		n.IsAlive = true
	}
	delete(m.failedSince, nodeID)
}

// ReapFailed removes any node that has been suspect for longer than
// reassignDelay, triggering a rebalance. Intended to be called on a
// periodic tick from the heartbeat loop.
func (m *Manager) ReapFailed() {
	var toRemove []string
	m.mu.RLock()
	for id, since := range m.failedSince {
		if time.Since(since) >= m.reassignDelay {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toRemove {
		_ = m.Leave(id)
	}
}

// GetNode returns the Node record for id.
func (m *Manager) GetNode(id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// AllNodes returns every known node, sorted by id (the GC leader
// election, spec.md §4.9, depends on this ordering).
func (m *Manager) AllNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsLeader reports whether selfID is the lexicographically smallest
// live node id, the GC leader rule of spec.md §4.9.
func (m *Manager) IsLeader() bool {
	nodes := m.AllNodes()
	for _, n := range nodes {
		if n.IsAlive {
			return n.ID == m.selfID
		}
	}
	return false
}

// rebuild recomputes the partition map from current ring membership and
// publishes it with a strictly-incremented version (spec.md §4.2c).
func (m *Manager) rebuild() {
	m.mu.Lock()
	m.version++
	version := m.version
	backupCount := m.backupCount
	m.mu.Unlock()

	next := m.builder.Build(version, m.registry.Current().Count, backupCount)
	m.registry.Publish(next)
}

// RPC exposes the peer RPC client for other components (replication,
// gc, distquery/distsearch, lock) that need to call CLUSTER_* endpoints.
func (m *Manager) RPC() *RPCClient { return m.rpc }

// Forward sends a ClientOp to the owner of its key and does not await a
// response (spec.md §4.3 step 2, SPEC_FULL.md §9's Open Question
// resolution: forward-ack is explicitly best-effort/future work).
func (m *Manager) Forward(targetNodeID string, body any) {
	node, ok := m.GetNode(targetNodeID)
	if !ok {
		m.logger.Warn("forward target not in membership", zap.String("nodeId", targetNodeID))
		return
	}
	go func() {
		if err := m.rpc.Post(node.Address, "/internal/cluster/op-forward", body, nil); err != nil {
			m.logger.Warn("forward failed", zap.String("nodeId", targetNodeID), zap.Error(err))
		}
	}()
}
