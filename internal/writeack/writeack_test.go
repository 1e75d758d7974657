package writeack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meridian/internal/proto"
)

func TestFireAndForgetResolvesImmediately(t *testing.T) {
	tbl := NewTable(nil)
	ch := tbl.RegisterPending("op1", proto.ConcernFireAndForget, 0)
	res := <-ch
	require.True(t, res.Success)
	require.Equal(t, proto.ConcernFireAndForget, res.AchievedLevel)
}

func TestNotifyLevelResolvesAtTarget(t *testing.T) {
	tbl := NewTable(nil)
	ch := tbl.RegisterPending("op1", proto.ConcernApplied, 5000)

	tbl.NotifyLevel("op1", proto.ConcernMemory)
	select {
	case <-ch:
		t.Fatal("should not resolve before target level")
	case <-time.After(20 * time.Millisecond):
	}

	tbl.NotifyLevel("op1", proto.ConcernApplied)
	res := <-ch
	require.True(t, res.Success)
	require.Equal(t, proto.ConcernApplied, res.AchievedLevel)
}

func TestTimeoutResolvesWithHighestAchieved(t *testing.T) {
	tbl := NewTable(nil)
	ch := tbl.RegisterPending("op1", proto.ConcernPersisted, 20)
	tbl.NotifyLevel("op1", proto.ConcernApplied)

	res := <-ch
	require.False(t, res.Success)
	require.Equal(t, proto.ConcernApplied, res.AchievedLevel)
}

func TestShutdownResolvesAllPending(t *testing.T) {
	tbl := NewTable(nil)
	ch1 := tbl.RegisterPending("op1", proto.ConcernReplicated, 5000)
	ch2 := tbl.RegisterPending("op2", proto.ConcernPersisted, 5000)
	tbl.NotifyLevel("op1", proto.ConcernApplied)

	tbl.Shutdown()

	r1 := <-ch1
	require.False(t, r1.Success)
	require.Equal(t, proto.ConcernApplied, r1.AchievedLevel)

	r2 := <-ch2
	require.False(t, r2.Success)
}

func TestFailPendingResolvesFailure(t *testing.T) {
	tbl := NewTable(nil)
	ch := tbl.RegisterPending("op1", proto.ConcernApplied, 5000)
	tbl.FailPending("op1", nil)
	res := <-ch
	require.False(t, res.Success)
}
