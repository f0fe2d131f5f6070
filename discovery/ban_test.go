package discovery

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestBanListExpiry checks that bans and scores are forgotten once their
// last update is older than banDuration.
func TestBanListExpiry(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(testTime)
	bans := newBanList(2, testClock)

	banned := newTestNode(t).vertex
	scored := newTestNode(t).vertex

	bans.punish(banned)
	require.False(t, bans.banned(banned))
	bans.punish(banned)
	require.True(t, bans.banned(banned))

	testClock.SetTime(testTime.Add(time.Hour))
	bans.punish(scored)

	// Only the first peer's entry is old enough.
	testClock.SetTime(testTime.Add(banDuration + time.Minute))
	bans.dropExpired()
	require.False(t, bans.banned(banned))

	bans.punish(scored)
	require.True(t, bans.banned(scored))
}

// TestBanListDisabled checks that a zero threshold never bans.
func TestBanListDisabled(t *testing.T) {
	t.Parallel()

	bans := newBanList(0, clock.NewTestClock(testTime))
	peer := newTestNode(t).vertex

	for i := 0; i < 10; i++ {
		bans.punish(peer)
	}
	require.False(t, bans.banned(peer))
}
