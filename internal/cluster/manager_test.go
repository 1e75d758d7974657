package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewManagerSeedsSelfAsOwnerOfAllPartitions(t *testing.T) {
	m := NewManager(Config{SelfID: "n1", SelfAddress: "127.0.0.1:9000", PartitionCount: 16})

	pmap := m.Registry().Current()
	require.Equal(t, 1, pmap.Version)
	for _, a := range pmap.Partitions() {
		require.Equal(t, "n1", a.OwnerNodeID)
	}
}

func TestJoinRebalancesAndBumpsVersion(t *testing.T) {
	m := NewManager(Config{SelfID: "n1", SelfAddress: "a1", PartitionCount: 16, BackupCount: 1})
	v1 := m.Registry().Current().Version

	require.NoError(t, m.Join(Node{ID: "n2", Address: "a2"}))

	pmap := m.Registry().Current()
	require.Greater(t, pmap.Version, v1)

	sawN2 := false
	for _, a := range pmap.Partitions() {
		if a.OwnerNodeID == "n2" || contains(a.BackupNodeIDs, "n2") {
			sawN2 = true
		}
	}
	require.True(t, sawN2)
}

func TestIsLeaderPicksSmallestLiveNodeID(t *testing.T) {
	m := NewManager(Config{SelfID: "n2", SelfAddress: "a2", PartitionCount: 4})
	require.True(t, m.IsLeader())

	require.NoError(t, m.Join(Node{ID: "n1", Address: "a1"}))
	require.False(t, m.IsLeader())
}

func TestLeaveRejectsUnknownNode(t *testing.T) {
	m := NewManager(Config{SelfID: "n1", SelfAddress: "a1", PartitionCount: 4})
	require.Error(t, m.Leave("ghost"))
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
