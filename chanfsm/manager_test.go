package chanfsm

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/actor"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

var testStartTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// testNode is one side of the manager harness.
type testNode struct {
	party    *lnwallet.TestParty
	mgr      *Manager
	observer *testObserver
	arbiter  *testArbiter
	system   *actor.ActorSystem
}

// testHarness connects two managers through an in-memory link and a mock
// chain.
type testHarness struct {
	t     *testing.T
	ctx   context.Context
	chain *chainntnfs.MockChain
	clock *clock.TestClock

	alice *testNode
	bob   *testNode

	// linkUp is cleared to drop every message between the nodes.
	linkUp atomic.Bool

	// sendMu keeps the messages of one sender in order.
	sendMu sync.Mutex

	// held queues messages while a reconnect is in progress.
	held    []heldMsg
	holding bool
}

// heldMsg is a message queued during a reconnect.
type heldMsg struct {
	from *testNode
	msg  lnwire.Message
}

func newTestHarness(t *testing.T, peerTimeout time.Duration) *testHarness {
	t.Helper()

	seed := chainhash.Hash{1, 2, 3}
	h := &testHarness{
		t:     t,
		ctx:   context.Background(),
		chain: chainntnfs.NewMockChain(),
		clock: clock.NewTestClock(testStartTime),
	}
	h.linkUp.Store(true)

	h.alice = h.newNode(seed, 1, channeldb.LocalForceClose, peerTimeout)
	h.bob = h.newNode(
		sha256.Sum256(seed[:]), 2, channeldb.RemoteForceClose,
		peerTimeout,
	)

	for _, node := range []*testNode{h.alice, h.bob} {
		require.NoError(t, node.mgr.Start(h.ctx))
	}

	t.Cleanup(func() {
		for _, node := range []*testNode{h.alice, h.bob} {
			node.mgr.Stop()
			node.system.Shutdown()
		}
	})

	return h
}

func (h *testHarness) newNode(seed chainhash.Hash, scriptSeed byte,
	forceCloseType channeldb.ClosureType,
	peerTimeout time.Duration) *testNode {

	party := lnwallet.NewTestParty(h.t, seed)
	node := &testNode{
		party:    party,
		observer: newTestObserver(),
		arbiter:  &testArbiter{closeType: forceCloseType, async: true},
		system:   actor.NewActorSystem(),
	}

	prevOut := wire.OutPoint{Hash: seed, Index: 0}
	node.mgr = NewManager(Config{
		ChainHash: *chaincfg.RegressionNetParams.GenesisHash,
		KeyRing:   party.KeyRing,
		Signers:   party.Signers,
		Assembler: chanfunding.NewCannedAssembler(
			prevOut, lnwallet.TestChannelCapacity,
		),
		Policy: lnwallet.TestPolicy(),
		DB:     party.DB,
		FeeEstimator: chainfee.NewStaticEstimator(
			lnwallet.TestFeePerKw, 0,
		),
		Daemon:      NewDaemon(h.chain, h.sender(node)),
		System:      node.system,
		Clock:       h.clock,
		PeerTimeout: peerTimeout,
		BestHeight: func() uint32 {
			height, _ := h.chain.CurrentHeight(h.ctx)
			return height
		},
		DeliveryScript: func() (lnwire.DeliveryAddress, error) {
			return testScript(h.t, scriptSeed), nil
		},
		Arbiter:  node.arbiter,
		Observer: node.observer,
	})

	return node
}

// peerOf returns the other node.
func (h *testHarness) peerOf(node *testNode) *testNode {
	if node == h.alice {
		return h.bob
	}

	return h.alice
}

// sender returns the send function of node, delivering to its peer.
func (h *testHarness) sender(node *testNode) SendFunc {
	return func(ctx context.Context, _ *btcec.PublicKey,
		msgs []lnwire.Message) error {

		if !h.linkUp.Load() {
			return errors.New("link down")
		}

		h.sendMu.Lock()
		defer h.sendMu.Unlock()

		for _, msg := range msgs {
			if h.holding {
				h.held = append(h.held, heldMsg{node, msg})
				continue
			}
			h.deliver(ctx, node, msg)
		}

		return nil
	}
}

func (h *testHarness) deliver(ctx context.Context, from *testNode,
	msg lnwire.Message) {

	peer := h.peerOf(from)
	err := peer.mgr.HandleMessage(ctx, from.party.NodeKey, msg)
	if err != nil {
		h.t.Logf("%v rejected: %v", msg.MsgType(), err)
	}
}

// disconnect drops the link and tells both managers.
func (h *testHarness) disconnect() {
	h.linkUp.Store(false)
	for _, node := range []*testNode{h.alice, h.bob} {
		node.mgr.PeerDisconnected(h.ctx, h.peerOf(node).party.NodeKey)
	}
}

// reconnect brings the link back. Messages are held until both managers
// processed the connect, as a peer does before reading from a new session.
func (h *testHarness) reconnect(chanID lnwire.ChannelID) {
	h.t.Helper()

	h.sendMu.Lock()
	h.holding = true
	h.sendMu.Unlock()
	h.linkUp.Store(true)

	for _, node := range []*testNode{h.alice, h.bob} {
		node.mgr.PeerConnected(h.ctx, h.peerOf(node).party.NodeKey)

		// The query is answered after the connect was processed.
		_, err := node.mgr.Channel(h.ctx, chanID)
		require.NoError(h.t, err)
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	for _, held := range h.held {
		h.deliver(h.ctx, held.from, held.msg)
	}
	h.held = nil
	h.holding = false
}

// waitState waits until the channel of node with the given pending id is
// in the named state and returns its view.
func (h *testHarness) waitState(node *testNode, chanID lnwire.ChannelID,
	state string) *ChannelInfo {

	h.t.Helper()

	var info *ChannelInfo
	require.Eventually(h.t, func() bool {
		var err error
		info, err = node.mgr.Channel(h.ctx, chanID)
		return err == nil && info.State == state
	}, testTimeout, 10*time.Millisecond, "channel never reached %v", state)

	return info
}

// waitGone waits until node forgot the channel.
func (h *testHarness) waitGone(node *testNode, chanID lnwire.ChannelID) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		_, err := node.mgr.Channel(h.ctx, chanID)
		return errors.Is(err, ErrUnknownChannel)
	}, testTimeout, 10*time.Millisecond)
}

// waitMempool waits until n transactions wait in the mempool.
func (h *testHarness) waitMempool(n int) []*wire.MsgTx {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		return len(h.chain.Mempool()) == n
	}, testTimeout, 10*time.Millisecond)

	return h.chain.Mempool()
}

// openChannel opens a channel from alice to bob and waits until both use
// it.
func (h *testHarness) openChannel() lnwire.ChannelID {
	h.t.Helper()

	info, err := h.alice.mgr.OpenChannel(
		h.ctx, h.bob.party.NodeKey, lnwallet.TestChannelCapacity, 0,
	)
	require.NoError(h.t, err)
	require.True(h.t, info.Initiator)

	// The funding transaction is broadcast once both commitments zero
	// are signed.
	fundingTx := h.waitMempool(1)[0]
	chanPoint := wire.OutPoint{Hash: fundingTx.TxHash(), Index: 0}
	for i, out := range fundingTx.TxOut {
		if out.Value == int64(lnwallet.TestChannelCapacity) {
			chanPoint.Index = uint32(i)
		}
	}
	chanID := lnwire.NewChanIDFromOutPoint(chanPoint)

	h.waitState(h.alice, chanID, "AwaitingConfirmation")
	h.waitState(h.bob, chanID, "AwaitingConfirmation")

	numConfs := lnwallet.TestPolicy().NumConfs
	h.chain.MineBlocks(int(numConfs))

	h.waitState(h.alice, chanID, "Normal")
	h.waitState(h.bob, chanID, "Normal")

	select {
	case <-h.alice.observer.opened:
	case <-time.After(testTimeout):
		h.t.Fatal("alice never saw the channel open")
	}
	select {
	case <-h.bob.observer.opened:
	case <-time.After(testTimeout):
		h.t.Fatal("bob never saw the channel open")
	}

	return chanID
}

// TestManagerPaymentFlow opens a channel, pays bob over it and closes it
// cooperatively.
func TestManagerPaymentFlow(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	chanID := h.openChannel()

	height, err := h.chain.CurrentHeight(h.ctx)
	require.NoError(t, err)

	htlc, preimage := lnwallet.CreateHTLC(0, 20_000_000, height+144)
	index, err := h.alice.mgr.AddHTLC(h.ctx, chanID, htlc)
	require.NoError(t, err)
	require.Equal(t, uint64(0), index)

	added := h.bob.observer.nextAdd(t)
	require.Equal(t, chanID, added.chanID)
	require.Equal(t, lnwire.MilliSatoshi(20_000_000), added.htlc.Amount)

	err = h.bob.mgr.FulfillHTLC(
		h.ctx, chanID, added.htlc.HtlcIndex, preimage,
	)
	require.NoError(t, err)

	settled := h.alice.observer.nextSettle(t)
	require.Equal(t, index, settled.index)
	require.Equal(t, preimage, settled.preimage)

	// Both commitments reflect the payment once the dance completed.
	require.Eventually(t, func() bool {
		info, err := h.bob.mgr.Channel(h.ctx, chanID)
		if err != nil {
			return false
		}

		return info.Snapshot.LocalBalance == 20_000_000 &&
			len(info.Snapshot.Htlcs) == 0
	}, testTimeout, 10*time.Millisecond)

	// A second HTLC is failed back.
	htlc2, _ := lnwallet.CreateHTLC(1, 5_000_000, height+144)
	index2, err := h.alice.mgr.AddHTLC(h.ctx, chanID, htlc2)
	require.NoError(t, err)

	added = h.bob.observer.nextAdd(t)
	reason := []byte("unknown payment hash")
	err = h.bob.mgr.FailHTLC(h.ctx, chanID, added.htlc.HtlcIndex, reason)
	require.NoError(t, err)

	failed := h.alice.observer.nextFail(t)
	require.Equal(t, index2, failed.index)
	require.Equal(t, reason, failed.reason)

	// Close cooperatively.
	_, err = h.alice.mgr.CloseChannel(h.ctx, chanID, false, nil)
	require.NoError(t, err)

	closeTx := h.waitMempool(1)[0]
	h.chain.MineBlock()

	for _, node := range []*testNode{h.alice, h.bob} {
		summary := node.observer.nextClosed(t)
		require.Equal(t, channeldb.CooperativeClose, summary.CloseType)
		require.Equal(t, closeTx.TxHash(), summary.ClosingTXID)

		h.waitGone(node, chanID)
	}

	closed, err := h.bob.party.DB.FetchClosedChannels(false)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, btcutil.Amount(20_000), closed[0].SettledBalance)
}

// TestManagerForceClose asserts that a force close is broadcast and the
// channel archived once the arbiter resolved it on both sides.
func TestManagerForceClose(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	chanID := h.openChannel()

	info, err := h.alice.mgr.CloseChannel(h.ctx, chanID, true, nil)
	require.NoError(t, err)
	require.Equal(t, "ForceClosing", info.State)

	// Local requests are refused while the close resolves.
	htlc, _ := lnwallet.CreateHTLC(0, 1_000_000, 500)
	_, err = h.alice.mgr.AddHTLC(h.ctx, chanID, htlc)
	require.ErrorIs(t, err, lnwallet.ErrChannelClosing)

	commitTx := h.waitMempool(1)[0]
	h.chain.MineBlock()

	aliceSummary := h.alice.observer.nextClosed(t)
	require.Equal(t, channeldb.LocalForceClose, aliceSummary.CloseType)
	require.Equal(t, commitTx.TxHash(), aliceSummary.ClosingTXID)

	bobSummary := h.bob.observer.nextClosed(t)
	require.Equal(t, channeldb.RemoteForceClose, bobSummary.CloseType)

	h.waitGone(h.alice, chanID)
	h.waitGone(h.bob, chanID)
}

// TestManagerReconnect asserts that updates lost while the link was down
// are retransmitted after the reestablish exchange.
func TestManagerReconnect(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	chanID := h.openChannel()

	h.disconnect()

	// The add goes nowhere while the link is down.
	height, err := h.chain.CurrentHeight(h.ctx)
	require.NoError(t, err)
	htlc, _ := lnwallet.CreateHTLC(0, 3_000_000, height+144)
	_, err = h.alice.mgr.AddHTLC(h.ctx, chanID, htlc)
	require.NoError(t, err)

	h.reconnect(chanID)

	added := h.bob.observer.nextAdd(t)
	require.Equal(t, lntypes.Hash(htlc.PaymentHash), added.htlc.RHash)

	// A second reconnect without updates changes nothing.
	before, err := h.alice.mgr.Channel(h.ctx, chanID)
	require.NoError(t, err)
	h.disconnect()
	h.reconnect(chanID)

	after := h.waitState(h.alice, chanID, "Normal")
	require.Equal(
		t, before.Snapshot.LocalCommitHeight,
		after.Snapshot.LocalCommitHeight,
	)
}

// TestManagerPeerTimeout asserts that a channel awaiting a revocation is
// force closed once the peer stayed silent for the timeout.
func TestManagerPeerTimeout(t *testing.T) {
	t.Parallel()

	const peerTimeout = time.Minute

	h := newTestHarness(t, peerTimeout)
	chanID := h.openChannel()

	// Bob never sees the update nor the signature.
	h.linkUp.Store(false)

	height, err := h.chain.CurrentHeight(h.ctx)
	require.NoError(t, err)
	htlc, _ := lnwallet.CreateHTLC(0, 3_000_000, height+144)
	_, err = h.alice.mgr.AddHTLC(h.ctx, chanID, htlc)
	require.NoError(t, err)

	// The timer was armed when the signature went out.
	h.clock.SetTime(testStartTime.Add(peerTimeout))

	h.waitState(h.alice, chanID, "ForceClosing")
	commitTx := h.waitMempool(1)[0]

	h.linkUp.Store(true)
	h.chain.MineBlock()

	summary := h.alice.observer.nextClosed(t)
	require.Equal(t, commitTx.TxHash(), summary.ClosingTXID)
}

// TestManagerRejectsOpen asserts that an open_channel with unacceptable
// parameters is answered with an error and leaves no channel behind.
func TestManagerRejectsOpen(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)

	var errMsg *lnwire.Error
	done := make(chan struct{})
	h.bob.mgr.cfg.Daemon = NewDaemon(h.chain, func(_ context.Context,
		_ *btcec.PublicKey, msgs []lnwire.Message) error {

		errMsg, _ = msgs[0].(*lnwire.Error)
		close(done)

		return nil
	})

	pendingID := [32]byte{1}
	err := h.bob.mgr.HandleMessage(h.ctx, h.alice.party.NodeKey,
		&lnwire.OpenChannel{
			ChainHash:        *chaincfg.RegressionNetParams.GenesisHash,
			PendingChannelID: pendingID,
			FundingAmount:    1_000,
			FeePerKiloWeight: uint32(lnwallet.TestFeePerKw),
		},
	)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("no error sent")
	}
	require.NotNil(t, errMsg)
	require.Equal(t, lnwire.ChannelID(pendingID), errMsg.ChanID)

	channels, err := h.bob.mgr.Channels(h.ctx)
	require.NoError(t, err)
	require.Empty(t, channels)

	// Messages for unknown channels are protocol errors, errors about
	// them are dropped.
	err = h.bob.mgr.HandleMessage(
		h.ctx, h.alice.party.NodeKey, &lnwire.CommitSig{},
	)
	var protoErr *lnwire.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, lnwire.CodeUnknownChannel, protoErr.Code)

	err = h.bob.mgr.HandleMessage(
		h.ctx, h.alice.party.NodeKey, &lnwire.Error{},
	)
	require.NoError(t, err)
}

// TestManagerRestart asserts that an open channel is restored in its
// normal state.
func TestManagerRestart(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	chanID := h.openChannel()

	h.disconnect()
	h.alice.mgr.Stop()
	_, err := h.alice.mgr.Channel(h.ctx, chanID)
	require.ErrorIs(t, err, ErrUnknownChannel)

	require.NoError(t, h.alice.mgr.Start(h.ctx))
	info := h.waitState(h.alice, chanID, "Normal")
	require.True(t, info.Initiator)
	require.Equal(t, chanID, info.ChanID)

	select {
	case <-h.alice.observer.opened:
	case <-time.After(testTimeout):
		t.Fatal("restored channel not announced")
	}

	// The restored channel resyncs with bob and carries payments.
	h.reconnect(chanID)

	height, err := h.chain.CurrentHeight(h.ctx)
	require.NoError(t, err)
	htlc, _ := lnwallet.CreateHTLC(0, 3_000_000, height+144)
	_, err = h.alice.mgr.AddHTLC(h.ctx, chanID, htlc)
	require.NoError(t, err)

	h.bob.observer.nextAdd(t)
}
