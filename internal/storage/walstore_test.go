package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *WALStore {
	t.Helper()
	s := NewWALStore(t.TempDir())
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store("orders", "k1", []byte("v1")))

	all, err := s.LoadAll("orders")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), all["k1"])
}

func TestDeleteRemovesKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store("orders", "k1", []byte("v1")))
	require.NoError(t, s.Delete("orders", "k1"))

	keys, err := s.LoadAllKeys("orders")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestDeleteAllClearsMap(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store("orders", "k1", []byte("v1")))
	require.NoError(t, s.Store("orders", "k2", []byte("v2")))
	require.NoError(t, s.DeleteAll("orders"))

	keys, err := s.LoadAllKeys("orders")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestReopenReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	s1 := NewWALStore(dir)
	require.NoError(t, s1.Initialize())
	require.NoError(t, s1.Store("orders", "k1", []byte("v1")))
	require.NoError(t, s1.Close())

	s2 := NewWALStore(dir)
	require.NoError(t, s2.Initialize())
	defer s2.Close()

	all, err := s2.LoadAll("orders")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), all["k1"])
}

func TestSnapshotThenReopenLoadsFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	s1 := NewWALStore(dir)
	require.NoError(t, s1.Initialize())
	require.NoError(t, s1.Store("orders", "k1", []byte("v1")))
	require.NoError(t, s1.Snapshot())
	require.NoError(t, s1.Close())

	s2 := NewWALStore(dir)
	require.NoError(t, s2.Initialize())
	defer s2.Close()

	all, err := s2.LoadAll("orders")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), all["k1"])
}
