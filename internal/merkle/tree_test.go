package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootEqualAfterSameUpdates(t *testing.T) {
	a := New(2)
	b := New(2)

	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		point := Point(key, int64(1000+i), uint32(i), "node1")
		a.Update(key, point)
		b.Update(key, point)
	}

	require.Equal(t, a.Root(), b.Root())
}

func TestUpdateChangesRoot(t *testing.T) {
	tr := New(2)
	tr.Update("k1", Point("k1", 100, 0, "n1"))
	r1 := tr.Root()
	tr.Update("k1", Point("k1", 200, 0, "n1"))
	r2 := tr.Root()
	require.NotEqual(t, r1, r2)
}

func TestRemoveConvergesWithNeverInserted(t *testing.T) {
	a := New(2)
	a.Update("k1", Point("k1", 1, 0, "n1"))
	a.Remove("k1")

	b := New(2)

	require.Equal(t, a.Root(), b.Root())
}

func TestLeafKeysAndChildrenDescend(t *testing.T) {
	tr := New(2)
	tr.Update("alpha", Point("alpha", 1, 0, "n1"))
	tr.Update("beta", Point("beta", 2, 0, "n1"))

	top := tr.Children(nil)
	require.NotEmpty(t, top)

	// descend through every populated branch to its depth-2 leaves and
	// confirm both inserted keys are reachable.
	var found []string
	for _, b := range top {
		for _, leaf := range tr.Children([]byte{b.Digit}) {
			found = append(found, tr.LeafKeys([]byte{b.Digit, leaf.Digit})...)
		}
	}
	require.ElementsMatch(t, []string{"alpha", "beta"}, found)
}
