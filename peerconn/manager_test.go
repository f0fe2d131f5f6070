package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/brontide"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/peer"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

type mockChannels struct{}

func (m *mockChannels) HandleMessage(context.Context, *btcec.PublicKey,
	lnwire.Message) error {

	return nil
}

func (m *mockChannels) PeerConnected(context.Context, *btcec.PublicKey) {}

func (m *mockChannels) PeerDisconnected(context.Context, *btcec.PublicKey) {}

type mockGossiper struct{}

func (m *mockGossiper) ProcessRemoteAnnouncement(lnwire.Message,
	discovery.Peer) chan error {

	errChan := make(chan error, 1)
	errChan <- nil

	return errChan
}

type testNode struct {
	key  *keychain.PrivKeyECDH
	addr *lnwire.NetAddress
	mgr  *Manager
	db   *channeldb.DB
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	key := &keychain.PrivKeyECDH{PrivKey: priv}

	listener, err := brontide.NewListener(key, "localhost:0")
	require.NoError(t, err)

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	mgr := NewManager(key, &Config{
		PartialPeerConfig: peer.Config{
			Channels: &mockChannels{},
			Gossiper: &mockGossiper{},
		},
		Listeners:  []net.Listener{listener},
		MinBackoff: time.Second,
		MaxBackoff: time.Minute,
		AddrSource: db,
		ChannelPeers: func() ([]*btcec.PublicKey, error) {
			return nil, nil
		},
		StorePeerAddr: func(pub *btcec.PublicKey, addr net.Addr) error {
			return db.AddPeerAddrs(pub, addr)
		},
	})
	require.NoError(t, mgr.Start())
	t.Cleanup(func() {
		require.NoError(t, mgr.Stop())
	})

	return &testNode{
		key: key,
		addr: &lnwire.NetAddress{
			IdentityKey: priv.PubKey(),
			Address:     listener.Addr(),
		},
		mgr: mgr,
		db:  db,
	}
}

func (n *testNode) requirePeers(t *testing.T, num int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return n.mgr.NumPeers() == num
	}, waitTimeout, 10*time.Millisecond)
}

// TestConnectAndDisconnect checks a dialed session shows up on both nodes
// and is removed from both once one side hangs up.
func TestConnectAndDisconnect(t *testing.T) {
	t.Parallel()

	alice := newTestNode(t)
	bob := newTestNode(t)

	err := bob.mgr.ConnectToPeer(alice.addr, false, waitTimeout)
	require.NoError(t, err)

	alice.requirePeers(t, 1)
	bob.requirePeers(t, 1)

	p, err := alice.mgr.FindPeer(bob.addr.IdentityKey)
	require.NoError(t, err)
	require.True(t, p.Inbound())
	require.True(t, bob.mgr.IsConnected(alice.addr.IdentityKey))

	// A second dial is refused while the session exists.
	err = bob.mgr.ConnectToPeer(alice.addr, false, waitTimeout)
	require.ErrorAs(t, err, new(*ErrPeerAlreadyConnected))

	// The outbound side remembers the address it reached alice at.
	require.Eventually(t, func() bool {
		_, addrs, err := bob.db.AddrsForNode(
			context.Background(), alice.addr.IdentityKey,
		)
		return err == nil && len(addrs) == 1
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, bob.mgr.DisconnectPeer(alice.addr.IdentityKey))

	alice.requirePeers(t, 0)
	bob.requirePeers(t, 0)

	_, err = bob.mgr.FindPeer(alice.addr.IdentityKey)
	require.ErrorIs(t, err, ErrPeerNotConnected)

	err = bob.mgr.DisconnectPeer(alice.addr.IdentityKey)
	require.Error(t, err)
}

// TestPersistentReconnect checks a permanent peer is dialed again after the
// remote side drops the session.
func TestPersistentReconnect(t *testing.T) {
	t.Parallel()

	alice := newTestNode(t)
	bob := newTestNode(t)

	err := bob.mgr.ConnectToPeer(alice.addr, true, waitTimeout)
	require.NoError(t, err)

	alice.requirePeers(t, 1)
	bob.requirePeers(t, 1)

	first, err := bob.mgr.FindPeer(alice.addr.IdentityKey)
	require.NoError(t, err)

	// Alice hangs up, bob dials her again after his backoff.
	require.NoError(t, alice.mgr.DisconnectPeer(bob.addr.IdentityKey))

	require.Eventually(t, func() bool {
		p, err := bob.mgr.FindPeer(alice.addr.IdentityKey)
		return err == nil && p != first
	}, waitTimeout, 10*time.Millisecond)
	alice.requirePeers(t, 1)
}

// TestBroadcastSkips checks broadcasts reach every peer not skipped.
func TestBroadcastSkips(t *testing.T) {
	t.Parallel()

	alice := newTestNode(t)
	bob := newTestNode(t)
	carol := newTestNode(t)

	require.NoError(t, bob.mgr.ConnectToPeer(alice.addr, false, waitTimeout))
	require.NoError(t, carol.mgr.ConnectToPeer(alice.addr, false, waitTimeout))
	alice.requirePeers(t, 2)

	skips := map[graph.Vertex]struct{}{
		graph.NewVertex(bob.addr.IdentityKey): {},
	}
	err := alice.mgr.BroadcastMessage(skips, lnwire.NewPing(0))
	require.NoError(t, err)

	bobPeer, err := alice.mgr.FindPeer(bob.addr.IdentityKey)
	require.NoError(t, err)
	carolPeer, err := alice.mgr.FindPeer(carol.addr.IdentityKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return carolPeer.BytesSent() > bobPeer.BytesSent()
	}, waitTimeout, 10*time.Millisecond)
}

// TestPrunePersistentPeer checks only peers not requested by the user are
// pruned.
func TestPrunePersistentPeer(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	mgr := NewManager(&keychain.PrivKeyECDH{PrivKey: priv}, &Config{
		MinBackoff: time.Second,
	})

	channelPeer, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	userPeer, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	channelKey := keyOf(channelPeer.PubKey())
	userKey := keyOf(userPeer.PubKey())

	mgr.persistentFor(channelKey, false)
	mgr.persistentFor(userKey, true)

	// A channel peer later requested by the user stays permanent.
	require.True(t, mgr.persistentFor(userKey, false).perm)
	require.Equal(t, time.Second, mgr.persistent[channelKey].backoff)

	mgr.PrunePersistentPeer(channelPeer.PubKey())
	mgr.PrunePersistentPeer(userPeer.PubKey())

	require.NotContains(t, mgr.persistent, channelKey)
	require.Contains(t, mgr.persistent, userKey)
}

// TestPersistentPeerAddrs checks addresses are merged in order without
// duplicates.
func TestPersistentPeerAddrs(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey()

	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9735}
	b := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 9735}

	var pp persistentPeer
	pp.addAddrs(pub, a, b)
	pp.addAddrs(pub, b, a)

	require.Len(t, pp.addrs, 2)
	require.Equal(t, a.String(), pp.addrs[0].Address.String())
	require.Equal(t, b.String(), pp.addrs[1].Address.String())
	require.Equal(t, pub, pp.addrs[0].IdentityKey)
}

// TestComputeNextBackoff checks backoffs roughly double up to the cap.
func TestComputeNextBackoff(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		next := computeNextBackoff(time.Second, time.Hour)
		require.GreaterOrEqual(t, next, 2*time.Second-100*time.Millisecond)
		require.LessOrEqual(t, next, 2*time.Second+100*time.Millisecond)

		capped := computeNextBackoff(time.Hour, time.Hour)
		require.GreaterOrEqual(t, capped, time.Hour-3*time.Minute)
		require.LessOrEqual(t, capped, time.Hour+3*time.Minute)
	}

	require.Zero(t, computeNextBackoff(0, time.Hour))
}

// TestNextBackoff checks stable sessions relax the backoff.
func TestNextBackoff(t *testing.T) {
	t.Parallel()

	// Nodes without a backoff start from the minimum.
	require.Equal(t, time.Second,
		nextBackoff(0, time.Time{}, time.Second, time.Hour))

	// A failed start grows the backoff.
	next := nextBackoff(time.Minute, time.Time{}, time.Second, time.Hour)
	require.Greater(t, next, time.Minute)

	// So does a short session.
	next = nextBackoff(
		time.Minute, time.Now().Add(-time.Minute), time.Second,
		time.Hour,
	)
	require.Greater(t, next, time.Minute)

	// A session that lasted long falls back to the minimum.
	next = nextBackoff(
		time.Minute, time.Now().Add(-2*time.Hour), time.Second,
		time.Hour,
	)
	require.Equal(t, time.Second, next)
}

// TestLocalDialWins checks both sides agree on the connection to keep.
func TestLocalDialWins(t *testing.T) {
	t.Parallel()

	a, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	b, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	require.NotEqual(t,
		localDialWins(a.PubKey(), b.PubKey()),
		localDialWins(b.PubKey(), a.PubKey()),
	)
}
