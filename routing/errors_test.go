package routing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIsError checks codes are found through wrapping.
func TestIsError(t *testing.T) {
	t.Parallel()

	err := newErrf(ErrNoPathFound, "no path to %v", "carol")
	require.True(t, IsError(err, ErrNoPathFound))
	require.True(t, IsError(err, ErrTargetNotInNetwork, ErrNoPathFound))
	require.False(t, IsError(err, ErrLimitExceeded))
	require.Equal(t, "no path found: no path to carol", err.Error())

	wrapped := fmt.Errorf("payment 1: %w", err)
	require.True(t, IsError(wrapped, ErrNoPathFound))

	require.False(t, IsError(nil, ErrNoPathFound))
	require.False(t, IsError(fmt.Errorf("other"), ErrNoPathFound))
}
