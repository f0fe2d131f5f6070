package hopd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lncfg"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

type mockGossiper struct {
	mu   sync.Mutex
	msgs []lnwire.Message
}

func (m *mockGossiper) ProcessLocalAnnouncement(msg lnwire.Message) chan error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()

	errChan := make(chan error, 1)
	errChan <- nil

	return errChan
}

func (m *mockGossiper) messages() []lnwire.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]lnwire.Message(nil), m.msgs...)
}

type announcerNode struct {
	key       *keychain.NodeKey
	gossiper  *mockGossiper
	announcer *channelAnnouncer

	// outbox collects the messages sent to the peer.
	outbox []lnwire.Message
}

func newAnnouncerNode(t *testing.T) *announcerNode {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	proofs, err := channeldb.NewWaitingProofStore(db)
	require.NoError(t, err)

	node := &announcerNode{
		key:      keychain.NewNodeKey(priv),
		gossiper: &mockGossiper{},
	}

	node.announcer = newChannelAnnouncer(announcerConfig{
		ChainHash: *chaincfg.RegressionNetParams.GenesisHash,
		NodeKey:   node.key,
		Proofs:    proofs,
		Gossiper:  node.gossiper,
		KnownChannel: func(lnwire.ShortChannelID) bool {
			return false
		},
		SendToPeer: func(_ context.Context, _ *btcec.PublicKey,
			msgs ...lnwire.Message) error {

			node.outbox = append(node.outbox, msgs...)
			return nil
		},
		NodeAnnouncement: func() (*lnwire.NodeAnnouncement, error) {
			ann := &lnwire.NodeAnnouncement{
				Features:  lnwire.NewRawFeatureVector(),
				Timestamp: 1,
				Alias:     lnwire.NodeAlias{'n'},
			}
			copy(ann.NodeID[:], node.key.PubKey().SerializeCompressed())

			return ann, discovery.SignNodeAnnouncement(node.key, ann)
		},
		Routing: lncfg.DefaultRouting(),
		MinHTLC: 1000,
		Clock:   clock.NewTestClock(time.Unix(1_700_000_000, 0)),
	})
	t.Cleanup(node.announcer.Stop)

	return node
}

func (n *announcerNode) channel(peer *announcerNode) *announcedChannel {
	return &announcedChannel{
		scid: lnwire.ShortChannelID{
			BlockHeight: 100, TxIndex: 1, TxPosition: 0,
		},
		chanID:    lnwire.ChannelID{9},
		chanPoint: wire.OutPoint{Index: 0},
		capacity:  1_000_000,
		peer:      peer.key.PubKey(),
	}
}

// deliver hands the first announcement signatures of from's outbox to to.
func deliver(t *testing.T, from, to *announcerNode) {
	t.Helper()

	require.NotEmpty(t, from.outbox)
	msg, ok := from.outbox[0].(*lnwire.AnnounceSignatures)
	require.True(t, ok)
	from.outbox = from.outbox[1:]

	err := to.announcer.HandleAnnounceSignatures(from.key.PubKey(), msg)
	require.NoError(t, err)
}

// requireAnnounced checks the node handed a public channel announcement, its
// own channel update and its node announcement to the gossiper.
func requireAnnounced(t *testing.T, node *announcerNode) {
	t.Helper()

	msgs := node.gossiper.messages()
	require.Len(t, msgs, 3)

	ann, ok := msgs[0].(*lnwire.ChannelAnnouncement)
	require.True(t, ok)
	require.NoError(t, discovery.ValidateChannelAnn(ann))

	upd, ok := msgs[1].(*lnwire.ChannelUpdate)
	require.True(t, ok)

	nodeID := ann.NodeID1
	if upd.ChannelFlags&lnwire.ChanUpdateDirection != 0 {
		nodeID = ann.NodeID2
	}
	require.Equal(t, node.key.PubKey().SerializeCompressed(), nodeID[:])
	require.NoError(t, discovery.ValidateChannelUpdateAnn(nodeID, upd))
	require.EqualValues(t, lncfg.DefaultTimeLockDelta, upd.TimeLockDelta)
	require.Equal(t, lnwire.NewMSatFromSatoshis(1_000_000),
		upd.HtlcMaximumMsat)

	_, ok = msgs[2].(*lnwire.NodeAnnouncement)
	require.True(t, ok)
}

// TestChannelAnnouncerExchange checks both parties announce the channel once
// the halves of the proof are exchanged, in either order of arrival.
func TestChannelAnnouncerExchange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	alice := newAnnouncerNode(t)
	bob := newAnnouncerNode(t)

	// Alice opens first. Nothing is announced without Bob's half.
	err := alice.announcer.announceChannel(ctx, alice.channel(bob))
	require.NoError(t, err)
	require.Empty(t, alice.gossiper.messages())

	// Bob learns Alice's half before his side of the channel is open.
	deliver(t, alice, bob)
	require.Empty(t, bob.gossiper.messages())

	// Bob's opening completes his announcement right away.
	err = bob.announcer.announceChannel(ctx, bob.channel(alice))
	require.NoError(t, err)
	requireAnnounced(t, bob)

	deliver(t, bob, alice)
	requireAnnounced(t, alice)

	// Both announcements are identical.
	require.Equal(t, alice.gossiper.messages()[0],
		bob.gossiper.messages()[0])
}

// TestChannelAnnouncerRejectsStranger checks signatures for a pending channel
// are only accepted from its counterparty.
func TestChannelAnnouncerRejectsStranger(t *testing.T) {
	t.Parallel()

	alice := newAnnouncerNode(t)
	bob := newAnnouncerNode(t)
	mallory := newAnnouncerNode(t)

	err := alice.announcer.announceChannel(
		context.Background(), alice.channel(bob),
	)
	require.NoError(t, err)

	sig := &lnwire.AnnounceSignatures{
		ShortChannelID: alice.channel(bob).scid,
	}
	err = alice.announcer.HandleAnnounceSignatures(
		mallory.key.PubKey(), sig,
	)
	require.Error(t, err)
	require.Empty(t, alice.gossiper.messages())
}

// TestChannelAnnouncerSkipsKnown checks channels already in the graph are not
// announced again.
func TestChannelAnnouncerSkipsKnown(t *testing.T) {
	t.Parallel()

	alice := newAnnouncerNode(t)
	bob := newAnnouncerNode(t)
	alice.announcer.cfg.KnownChannel = func(lnwire.ShortChannelID) bool {
		return true
	}

	err := alice.announcer.announceChannel(
		context.Background(), alice.channel(bob),
	)
	require.NoError(t, err)
	require.Empty(t, alice.outbox)

	// A channel without short channel id can't be announced.
	ch := alice.channel(bob)
	ch.scid = lnwire.ShortChannelID{}
	err = alice.announcer.announceChannel(context.Background(), ch)
	require.Error(t, err)

	// Closing a channel without proofs is harmless.
	alice.announcer.ChannelClosed(&channeldb.ChannelCloseSummary{
		ShortChanID: ch.scid,
	})
}
