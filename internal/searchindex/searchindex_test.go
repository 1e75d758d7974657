package searchindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOnDataChangeIndexesAndSearchFindsIt(t *testing.T) {
	idx := NewBleveIndex()
	require.NoError(t, idx.OnDataChange("articles", "a1", map[string]any{"body": "graceful shutdown in go"}, false))
	require.NoError(t, idx.OnDataChange("articles", "a2", map[string]any{"body": "unrelated recipe for bread"}, false))

	hits, err := idx.Search("articles", "shutdown", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a1", hits[0].Key)
}

func TestOnDataChangeDeleteRemovesFromIndex(t *testing.T) {
	idx := NewBleveIndex()
	require.NoError(t, idx.OnDataChange("articles", "a1", map[string]any{"body": "graceful shutdown"}, false))
	require.NoError(t, idx.OnDataChange("articles", "a1", nil, true))

	hits, err := idx.Search("articles", "shutdown", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}
