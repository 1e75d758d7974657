package gc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/crdt"
	"meridian/internal/hlc"
	"meridian/internal/proto"
)

type fakeMembership struct {
	self    string
	leader  bool
	members []MemberInfo
}

func (f *fakeMembership) SelfID() string          { return f.self }
func (f *fakeMembership) IsLeader() bool          { return f.leader }
func (f *fakeMembership) AllNodes() []MemberInfo  { return f.members }

type fakePeerReporter struct {
	reports  []proto.ClusterGCReport
	commits  []proto.ClusterGCCommit
	sendAddr []string
}

func (f *fakePeerReporter) SendGCReport(address string, report proto.ClusterGCReport) error {
	f.sendAddr = append(f.sendAddr, address)
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakePeerReporter) BroadcastGCCommit(members []MemberInfo, commit proto.ClusterGCCommit) {
	f.commits = append(f.commits, commit)
}

func ts(wallMS int64) hlc.Timestamp { return hlc.Timestamp{WallMS: wallMS, Counter: 0, NodeID: "n1"} }

func TestFollowerSendsReportToLeader(t *testing.T) {
	mem := &fakeMembership{self: "n1", leader: false, members: []MemberInfo{
		{ID: "n1", Address: "n1:1", IsAlive: true},
		{ID: "n2", Address: "n2:1", IsAlive: true},
		{ID: "n3", Address: "n3:1", IsAlive: false},
	}}
	peers := &fakePeerReporter{}
	c := New(mem, peers, func() hlc.Timestamp { return ts(1000) }, nil)

	c.RunOnce()

	require.Equal(t, []string{"n2:1"}, peers.sendAddr)
}

func TestLeaderCommitsOnceAllLiveMembersReport(t *testing.T) {
	mem := &fakeMembership{self: "n1", leader: true, members: []MemberInfo{
		{ID: "n1", Address: "n1:1", IsAlive: true},
		{ID: "n2", Address: "n2:1", IsAlive: true},
	}}
	peers := &fakePeerReporter{}
	c := New(mem, peers, func() hlc.Timestamp { return ts(5000) }, nil)
	c.ageMs = 0

	c.RunOnce() // self-report, not yet quorum
	require.Empty(t, peers.commits)

	c.ReceiveReport(proto.ClusterGCReport{NodeID: "n2", Minimum: ts(3000)})

	require.Len(t, peers.commits, 1)
	require.Equal(t, int64(3000), peers.commits[0].SafeTimestamp.WallMS)
}

func TestApplyCommitSweepsAndPrunesRegisteredMaps(t *testing.T) {
	mem := &fakeMembership{self: "n1", leader: true}
	peers := &fakePeerReporter{}
	c := New(mem, peers, func() hlc.Timestamp { return ts(0) }, nil)

	lww := crdt.NewLWWMap[string](2)
	lww.Merge("k1", crdt.LWWRecord[string]{Value: nil, Timestamp: ts(10)}) // tombstone at t=10

	var persisted []string
	sweeper := NewLWWSweeper("things", lww, func(_ string, keys []string) { persisted = append(persisted, keys...) })
	c.RegisterSweeper(sweeper)

	c.ApplyCommit(proto.ClusterGCCommit{SafeTimestamp: ts(100)})

	require.Contains(t, persisted, "k1")
	require.NotContains(t, lww.AllKeys(), "k1")
}

func TestORSweeperExpiresAndPrunesByTTL(t *testing.T) {
	m := crdt.NewORMap[string](2)
	m.Apply("tags:p1", crdt.ORRecord[string]{Tag: "t1", Value: "x", Timestamp: ts(0), TTLMillis: 10})

	s := NewORSweeper("tags", m, nil)

	expiredCount := s.SweepTTL(ts(50), "n1") // expires at t=10, now=50 > 10
	require.Equal(t, 1, expiredCount)
	require.Empty(t, m.Values("tags:p1"))

	removed := s.Prune(ts(1000))
	require.Equal(t, []string{"t1"}, removed)
	require.Empty(t, m.Tombstones())
}
