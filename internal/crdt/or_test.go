package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/hlc"
)

func tsAt(wallMS int64, counter uint32, node string) hlc.Timestamp {
	return hlc.Timestamp{WallMS: wallMS, Counter: counter, NodeID: node}
}

func TestORMapApplyThenValues(t *testing.T) {
	m := NewORMap[string](2)
	m.Apply("tags:post1", ORRecord[string]{Tag: "t1", Value: "funny", Timestamp: tsAt(1, 0, "n1")})
	m.Apply("tags:post1", ORRecord[string]{Tag: "t2", Value: "sad", Timestamp: tsAt(2, 0, "n1")})

	vals := m.Values("tags:post1")
	require.ElementsMatch(t, []string{"funny", "sad"}, vals)
}

func TestORMapTombstoneRemovesValue(t *testing.T) {
	m := NewORMap[string](2)
	m.Apply("tags:post1", ORRecord[string]{Tag: "t1", Value: "funny", Timestamp: tsAt(1, 0, "n1")})
	m.ApplyTombstone("t1", tsAt(2, 0, "n1"))

	require.Empty(t, m.Values("tags:post1"))
	require.Contains(t, m.Tombstones(), "t1")
}

func TestORMapTombstoneBeatsLateApply(t *testing.T) {
	m := NewORMap[string](2)
	m.ApplyTombstone("t1", tsAt(1, 0, "n1"))
	m.Apply("tags:post1", ORRecord[string]{Tag: "t1", Value: "funny", Timestamp: tsAt(2, 0, "n1")})

	require.Empty(t, m.Values("tags:post1"))
}

func TestORMapPruneTombstonesRemovesFromEverySet(t *testing.T) {
	m := NewORMap[string](2)
	m.Apply("tags:post1", ORRecord[string]{Tag: "t1", Value: "funny", Timestamp: tsAt(1, 0, "n1")})
	m.ApplyTombstone("t1", tsAt(1, 0, "n1"))

	removed := m.PruneTombstones(tsAt(100, 0, "n1"))

	require.Equal(t, []string{"t1"}, removed)
	require.Empty(t, m.Tombstones())
	require.NotContains(t, m.AllKeys(), "tags:post1")
}

func TestORMapRootConvergesRegardlessOfApplyOrder(t *testing.T) {
	a := NewORMap[string](2)
	b := NewORMap[string](2)

	r1 := ORRecord[string]{Tag: "t1", Value: "x", Timestamp: tsAt(1, 0, "n1")}
	r2 := ORRecord[string]{Tag: "t2", Value: "y", Timestamp: tsAt(2, 0, "n1")}

	a.Apply("k", r1)
	a.Apply("k", r2)

	b.Apply("k", r2)
	b.Apply("k", r1)

	require.Equal(t, a.GetMerkleTree().Root(), b.GetMerkleTree().Root())
}
