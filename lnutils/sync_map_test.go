package lnutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSyncMap checks the typed accessors of the map.
func TestSyncMap(t *testing.T) {
	t.Parallel()

	var m SyncMap[string, int]

	_, ok := m.Load("a")
	require.False(t, ok)

	m.Store("a", 1)
	v, loaded := m.LoadOrStore("a", 2)
	require.True(t, loaded)
	require.Equal(t, 1, v)

	v, loaded = m.LoadOrStore("b", 3)
	require.False(t, loaded)
	require.Equal(t, 3, v)
	require.Equal(t, 2, m.Len())
	require.ElementsMatch(t, []int{1, 3}, m.Values())

	require.False(t, m.CompareAndDelete("a", 5))
	require.True(t, m.CompareAndDelete("a", 1))

	m.Delete("b")
	require.Zero(t, m.Len())
}
