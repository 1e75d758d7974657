package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireFreeLockGrantsImmediately(t *testing.T) {
	m := New(nil)
	granted, token := m.Acquire("r1", "jobs:nightly", "c1", 0, nil)
	require.True(t, granted)
	require.Equal(t, uint64(1), token)
}

func TestSecondAcquireQueuesAndFencingTokenIncreases(t *testing.T) {
	m := New(nil)
	granted1, tok1 := m.Acquire("r1", "jobs:nightly", "c1", 0, nil)
	require.True(t, granted1)

	var mu sync.Mutex
	var grantedRequestID string
	var grantedToken uint64
	granted2, _ := m.Acquire("r2", "jobs:nightly", "c2", 0, func(reqID, name string, token uint64) {
		mu.Lock()
		grantedRequestID = reqID
		grantedToken = token
		mu.Unlock()
	})
	require.False(t, granted2)

	require.True(t, m.Release("jobs:nightly", tok1))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "r2", grantedRequestID)
	require.Greater(t, grantedToken, tok1)
}

func TestReleaseWithStaleFencingTokenFails(t *testing.T) {
	m := New(nil)
	_, tok1 := m.Acquire("r1", "jobs:nightly", "c1", 0, nil)
	require.False(t, m.Release("jobs:nightly", tok1+999))
}

func TestTTLExpiryPromotesNextWaiter(t *testing.T) {
	m := New(nil)
	m.Acquire("r1", "jobs:nightly", "c1", 20*time.Millisecond, nil)

	granted := make(chan struct{})
	m.Acquire("r2", "jobs:nightly", "c2", 0, func(string, string, uint64) { close(granted) })

	select {
	case <-granted:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("waiter was never promoted after TTL expiry")
	}
}

func TestClientDisconnectedReleasesHeldLocksAndDropsQueuedWaits(t *testing.T) {
	m := New(nil)
	_, tok1 := m.Acquire("r1", "jobs:nightly", "c1", 0, nil)
	calledC3 := false
	m.Acquire("r2", "jobs:nightly", "c2", 0, nil)
	m.Acquire("r3", "jobs:nightly", "c3", 0, func(string, string, uint64) { calledC3 = true })

	m.ClientDisconnected("c1") // releases c1's held lock, promotes c2

	require.False(t, m.Release("jobs:nightly", tok1)) // c1's token is gone

	m.ClientDisconnected("c3") // was only queued; should not be granted

	require.False(t, calledC3)
}
