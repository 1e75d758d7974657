// Package gc implements the distributed garbage collector (spec.md
// §4.9): all-node HLC watermark consensus, leader-driven safe-timestamp
// broadcast, and the local TTL-sweep + prune that every node runs once
// it receives the committed safe timestamp. No teacher equivalent
// exists; grounded directly on spec.md §4.9 and on the general
// leader-report/commit shape used by single-sequencer coordination code
// elsewhere in the pack.
package gc

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"meridian/internal/hlc"
	"meridian/internal/proto"
)

// DefaultInterval is GC_INTERVAL_MS (spec.md §4.9 default: 1 hour).
const DefaultInterval = time.Hour

// DefaultAge is GC_AGE_MS (spec.md §4.9 default: 30 days).
const DefaultAge = 30 * 24 * time.Hour

// Membership is the subset of cluster.Manager the GC coordinator needs.
type Membership interface {
	SelfID() string
	IsLeader() bool
	AllNodes() []MemberInfo
}

// MemberInfo is the minimal peer info gc needs (mirrors cluster.Node,
// kept as its own type to avoid a gc <-> cluster import cycle).
type MemberInfo struct {
	ID      string
	Address string
	IsAlive bool
}

// PeerReporter sends this node's report to the leader and broadcasts
// the committed safe timestamp, once computed, to every peer.
type PeerReporter interface {
	SendGCReport(address string, report proto.ClusterGCReport) error
	BroadcastGCCommit(members []MemberInfo, commit proto.ClusterGCCommit)
}

// Sweeper is the non-generic façade a registered map exposes to the GC
// coordinator — spec.md Design Notes §9's "tagged variant, branch
// explicitly" guidance realized as one small interface instead of
// runtime type inspection of the underlying LWWMap[V]/ORMap[V].
type Sweeper interface {
	MapName() string
	// SweepTTL synthesizes tombstones for every record whose TTL has
	// elapsed as of now, applies them to the map, hands the expired keys
	// to the map's Persist callback, and returns how many were expired
	// (spec.md §4.9 step 1). It does not replicate or broadcast the
	// tombstones; the Persist hook the coordinator installs
	// (pipeline.GCPersistHook) only writes them to storage.
	SweepTTL(now hlc.Timestamp, selfNodeID string) int
	// Prune deletes tombstones strictly older than safeTimestamp from
	// the map and storage, updating __tombstones__ for OR maps (spec.md
	// §4.9 step 2).
	Prune(safeTimestamp hlc.Timestamp) []string
}

// LocalWatermark reports a node's current minimum safe-to-forget HLC:
// min(HLC.now(), min(client.lastActiveHLC)) per spec.md §4.9.
type LocalWatermark func() hlc.Timestamp

// Coordinator runs the periodic GC round.
type Coordinator struct {
	mu         sync.Mutex
	membership Membership
	peers      PeerReporter
	watermark  LocalWatermark
	sweepers   []Sweeper
	logger     *zap.Logger

	interval time.Duration
	ageMs    time.Duration

	// leader-side accumulation
	reports map[string]hlc.Timestamp
}

// New creates a Coordinator.
func New(membership Membership, peers PeerReporter, watermark LocalWatermark, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		membership: membership,
		peers:      peers,
		watermark:  watermark,
		logger:     logger,
		interval:   DefaultInterval,
		ageMs:      DefaultAge,
		reports:    make(map[string]hlc.Timestamp),
	}
}

// RegisterSweeper attaches a map's GC façade.
func (c *Coordinator) RegisterSweeper(s Sweeper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepers = append(c.sweepers, s)
}

// Run blocks, ticking every c.interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}

// RunOnce executes a single GC round: report to leader (or, if self is
// leader, record locally); the leader computes and broadcasts the safe
// timestamp once every known member has reported.
func (c *Coordinator) RunOnce() {
	report := proto.ClusterGCReport{NodeID: c.membership.SelfID(), Minimum: c.watermark()}

	if c.membership.IsLeader() {
		c.ReceiveReport(report)
		return
	}

	// The leader is the smallest live node id; self is not it here.
	var leaderID, leaderAddr string
	for _, m := range c.membership.AllNodes() {
		if m.ID == c.membership.SelfID() || !m.IsAlive {
			continue
		}
		if leaderID == "" || m.ID < leaderID {
			leaderID, leaderAddr = m.ID, m.Address
		}
	}
	if leaderID == "" {
		return
	}
	if err := c.peers.SendGCReport(leaderAddr, report); err != nil {
		c.logger.Warn("gc report send failed", zap.String("nodeId", leaderID), zap.Error(err))
	}
}

// ReceiveReport is called on the leader for every CLUSTER_GC_REPORT
// received (including its own). Once a report has been seen from every
// known live member, the safe timestamp is computed and committed.
func (c *Coordinator) ReceiveReport(report proto.ClusterGCReport) {
	c.mu.Lock()
	c.reports[report.NodeID] = report.Minimum

	members := c.membership.AllNodes()
	aliveCount := 0
	for _, m := range members {
		if m.IsAlive {
			aliveCount++
		}
	}
	if len(c.reports) < aliveCount {
		c.mu.Unlock()
		return
	}

	var minTs hlc.Timestamp
	first := true
	ids := make([]string, 0, len(c.reports))
	for id := range c.reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ts := c.reports[id]
		if first || ts.Compare(minTs) < 0 {
			minTs = ts
			first = false
		}
	}
	c.reports = make(map[string]hlc.Timestamp)
	c.mu.Unlock()

	safe := hlc.Timestamp{WallMS: minTs.WallMS - c.ageMs.Milliseconds(), Counter: minTs.Counter, NodeID: minTs.NodeID}
	commit := proto.ClusterGCCommit{SafeTimestamp: safe}
	c.peers.BroadcastGCCommit(members, commit)
	c.ApplyCommit(commit)
}

// ApplyCommit runs the local TTL sweep + prune for the committed safe
// timestamp (spec.md §4.9 steps 1-2), invoked both on the leader
// (directly) and on every follower (on receiving CLUSTER_GC_COMMIT).
func (c *Coordinator) ApplyCommit(commit proto.ClusterGCCommit) {
	now := c.watermark() // sweep uses the node's current HLC as "now" for TTL; prune uses the committed safe timestamp
	c.mu.Lock()
	sweepers := append([]Sweeper(nil), c.sweepers...)
	c.mu.Unlock()

	for _, s := range sweepers {
		s.SweepTTL(now, c.membership.SelfID())
		removed := s.Prune(commit.SafeTimestamp)
		if len(removed) > 0 {
			c.logger.Info("gc pruned tombstones", zap.String("mapName", s.MapName()), zap.Int("count", len(removed)))
		}
	}
}
