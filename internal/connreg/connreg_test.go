package connreg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/hlc"
)

type fakeWriter struct{ closed bool }

func (f *fakeWriter) Write(msg any, urgent bool) {}
func (f *fakeWriter) WriteRaw(b []byte)           {}
func (f *fakeWriter) Close() error                { f.closed = true; return nil }

func TestAcceptAndAuthenticate(t *testing.T) {
	r := NewRegistry()
	conn := r.Accept("c1", &fakeWriter{})
	require.False(t, conn.IsAuthenticated())

	conn.Authenticate(Principal{UserID: "u1", Roles: []string{"USER"}})
	require.True(t, conn.IsAuthenticated())
	require.True(t, conn.Principal.HasRole("USER"))
}

func TestSubscriptionLifecycle(t *testing.T) {
	r := NewRegistry()
	conn := r.Accept("c1", &fakeWriter{})
	conn.AddSubscription("sub1")
	require.Contains(t, conn.SubscriptionIDs(), "sub1")
	conn.RemoveSubscription("sub1")
	require.NotContains(t, conn.SubscriptionIDs(), "sub1")
}

func TestMinActivityWatermarkIgnoresZeroWatermarks(t *testing.T) {
	r := NewRegistry()
	c1 := r.Accept("c1", &fakeWriter{})
	c2 := r.Accept("c2", &fakeWriter{})

	older := hlc.Timestamp{WallMS: 100, NodeID: "n1"}
	c1.Touch(older, 100)
	// c2 never touched.

	now := hlc.Timestamp{WallMS: 1000, NodeID: "n1"}
	require.Equal(t, older, r.MinActivityWatermark(now))
	_ = c2
}

func TestRemoveDropsConnection(t *testing.T) {
	r := NewRegistry()
	r.Accept("c1", &fakeWriter{})
	r.Remove("c1")
	_, ok := r.Get("c1")
	require.False(t, ok)
}
