package hopd

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwire"
	"github.com/stretchr/testify/require"
)

// newTestServer creates a server over a fresh store and an in-memory chain.
// The server is not started.
func newTestServer(t *testing.T) (*server, *chainntnfs.MockChain) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ActiveNetParams = bitcoinRegTestNetParams
	cfg.Alias = "alice"
	cfg.NodeKey = hex.EncodeToString(priv.Serialize())
	cfg.Chain.Mock = true
	cfg.DB.Path = t.TempDir()

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	chain := chainntnfs.NewMockChain()
	chain.MineBlocks(10)

	node, err := newNodeContext(&cfg, db, chain)
	require.NoError(t, err)

	s, err := newServer(&cfg, node)
	require.NoError(t, err)

	return s, chain
}

// startTestServer creates and starts a server stopped at the end of the
// test.
func startTestServer(t *testing.T) (*server, *chainntnfs.MockChain) {
	t.Helper()

	s, chain := newTestServer(t)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return s, chain
}

// TestServerStartStop checks the server starts once, tracks the chain tip and
// stops once.
func TestServerStartStop(t *testing.T) {
	t.Parallel()

	s, chain := newTestServer(t)
	require.ErrorIs(t, s.checkActive(), errServerNotActive)

	require.NoError(t, s.Start())
	require.NoError(t, s.checkActive())
	require.EqualValues(t, 10, s.bestHeight.Load())

	// A second start is a noop.
	require.NoError(t, s.Start())

	chain.MineBlocks(5)

	require.NoError(t, s.Stop())
	require.True(t, s.Stopped())
	require.ErrorIs(t, s.checkActive(), errServerNotActive)
	require.NoError(t, s.Stop())
}

// TestNodeAnnouncementTimestamps checks our node announcements are signed
// and carry strictly increasing timestamps.
func TestNodeAnnouncementTimestamps(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	first, err := s.genNodeAnnouncement()
	require.NoError(t, err)
	second, err := s.genNodeAnnouncement()
	require.NoError(t, err)

	require.Greater(t, second.Timestamp, first.Timestamp)
	require.Equal(t, "alice", second.Alias.String())

	self := s.node.IdentityKey.PubKey().SerializeCompressed()
	require.Equal(t, self, second.NodeID[:])
}

// TestChannelPeers checks every channel counterparty is returned once.
func TestChannelPeers(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	peers, err := s.channelPeers()
	require.NoError(t, err)
	require.Empty(t, peers)
}

// TestPeerChannelsRouting checks announcement signatures are handed to the
// announcer instead of the channel manager.
func TestPeerChannelsRouting(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	pc := &peerChannels{s: s}

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	// Signatures for a channel the announcer doesn't track are stored for
	// later.
	err = pc.HandleMessage(t.Context(), priv.PubKey(),
		&lnwire.AnnounceSignatures{
			ShortChannelID: lnwire.NewShortChanIDFromInt(1 << 40),
		},
	)
	require.NoError(t, err)
}
