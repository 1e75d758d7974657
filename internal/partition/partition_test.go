package partition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionIDStableAcrossCalls(t *testing.T) {
	a := PartitionID("user:42", 256)
	b := PartitionID("user:42", 256)
	require.Equal(t, a, b)
	require.GreaterOrEqual(t, a, 0)
	require.Less(t, a, 256)
}

func TestBuilderNoOwnerBackupCollision(t *testing.T) {
	ring := NewRing(50)
	ring.AddNode("n1")
	ring.AddNode("n2")
	ring.AddNode("n3")

	m := NewBuilder(ring).Build(1, 16, 2)
	for _, a := range m.Partitions() {
		for _, b := range a.BackupNodeIDs {
			require.NotEqual(t, a.OwnerNodeID, b)
		}
	}
}

func TestRegistryPublishRejectsNonIncreasingVersion(t *testing.T) {
	r := NewRegistry(4)
	m1 := NewMap(1, 4, make([]Assignment, 4))
	require.True(t, r.Publish(m1))
	require.False(t, r.Publish(NewMap(1, 4, make([]Assignment, 4))))
	require.True(t, r.Publish(NewMap(2, 4, make([]Assignment, 4))))
}

func TestRegistryNotifiesListeners(t *testing.T) {
	r := NewRegistry(4)
	var got RebalancedEvent
	r.OnRebalanced(func(e RebalancedEvent) { got = e })
	r.Publish(NewMap(1, 4, make([]Assignment, 4)))
	require.Equal(t, 1, got.NewVersion)
}

func TestMapIsLocalOwnerAndRelated(t *testing.T) {
	assignments := []Assignment{
		{PartitionID: 0, OwnerNodeID: "n1", BackupNodeIDs: []string{"n2"}},
	}
	m := NewMap(1, 1, assignments)
	require.True(t, m.IsLocalOwner(keyForPartitionZero(m), "n1"))
	require.True(t, m.IsRelated(keyForPartitionZero(m), "n2"))
	require.False(t, m.IsRelated(keyForPartitionZero(m), "n3"))
}

// keyForPartitionZero returns a key that hashes to partition 0 for a
// 1-partition map (every key does, since count=1).
func keyForPartitionZero(m *Map) string { return "any-key" }
