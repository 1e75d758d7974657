package hlc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNowStrictlyIncreasing(t *testing.T) {
	clk := NewWithWallClock("node1", constWall(1000))

	prev := clk.Now()
	for i := 0; i < 1000; i++ {
		next := clk.Now()
		require.True(t, prev.Less(next), "expected %v < %v", prev, next)
		prev = next
	}
}

func TestNowSurvivesClockRegression(t *testing.T) {
	wall := 5000
	clk := NewWithWallClock("node1", func() int64 { return int64(wall) })

	first := clk.Now()
	wall = 1000 // system clock jumps backward
	second := clk.Now()

	require.True(t, first.Less(second))
	require.Equal(t, first.WallMS, second.WallMS)
	require.Equal(t, first.Counter+1, second.Counter)
}

func TestUpdateAdvancesPastRemote(t *testing.T) {
	clk := NewWithWallClock("local", constWall(100))
	remote := Timestamp{WallMS: 9999, Counter: 3, NodeID: "remote"}

	ts := clk.Update(remote)
	require.Equal(t, int64(9999), ts.WallMS)
	require.Equal(t, uint32(4), ts.Counter)
	require.Equal(t, "local", ts.NodeID)

	// subsequent Now() must still be strictly greater
	next := clk.Now()
	require.True(t, ts.Less(next))
}

func TestCompareTieBreaksOnNodeID(t *testing.T) {
	a := Timestamp{WallMS: 1, Counter: 1, NodeID: "a"}
	b := Timestamp{WallMS: 1, Counter: 1, NodeID: "b"}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.Equal(t, 0, a.Compare(a))
}

func constWall(ms int64) func() int64 {
	return func() int64 { return ms }
}
