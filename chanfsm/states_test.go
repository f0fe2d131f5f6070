package chanfsm

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
	"github.com/stretchr/testify/require"
)

// testScript returns a p2wkh script derived from seed.
func testScript(t *testing.T, seed byte) lnwire.DeliveryAddress {
	var hash [20]byte
	hash[0] = seed

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		hash[:], &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

// testEnv returns an environment for the channel of party with peer.
func testEnv(t *testing.T, party, peer *lnwallet.TestParty) *Environment {
	return &Environment{
		name:       "test",
		PeerPub:    peer.NodeKey,
		KeyRing:    party.KeyRing,
		ChainHash:  *chaincfg.RegressionNetParams.GenesisHash,
		BestHeight: func() uint32 { return 100 },
		DeliveryScript: func() (lnwire.DeliveryAddress, error) {
			return testScript(t, 1), nil
		},
		Dispatch: func(ChannelEvent) {},
	}
}

// emitted splits the events of a transition.
func emitted(tr *ChannelTransition) ([]ChannelEvent,
	protofsm.DaemonEventSet) {

	events := tr.NewEvents.UnwrapOr(protofsm.EmittedEvent[ChannelEvent]{})

	return events.InternalEvent, events.ExternalEvents
}

// sentMsgs returns the messages of all send events in events.
func sentMsgs(events protofsm.DaemonEventSet) []lnwire.Message {
	var msgs []lnwire.Message
	for _, event := range events {
		if send, ok := event.(*protofsm.SendMsgEvent[ChannelEvent]); ok {
			msgs = append(msgs, send.Msgs...)
		}
	}

	return msgs
}

// broadcasts returns the transactions of all broadcast events in events.
func broadcasts(events protofsm.DaemonEventSet) []*wire.MsgTx {
	var txs []*wire.MsgTx
	for _, event := range events {
		if b, ok := event.(*protofsm.BroadcastTxn); ok {
			txs = append(txs, b.Tx)
		}
	}

	return txs
}

// TestNormalAddHtlc asserts that a local add is sent and followed by a
// commitment signature.
func TestNormalAddHtlc(t *testing.T) {
	t.Parallel()

	aliceChan, _, alice, bob := lnwallet.CreateTestChannels(t)
	env := testEnv(t, alice, bob)
	state := NewNormal(aliceChan)

	htlc, _ := lnwallet.CreateHTLC(0, 10_000_000, 500)
	tr, err := state.ProcessEvent(&AddHtlcRequest{Htlc: htlc}, env)
	require.NoError(t, err)
	require.Equal(t, state, tr.NextState)

	internal, external := emitted(tr)
	require.Len(t, internal, 1)
	require.IsType(t, &SignCommitment{}, internal[0])

	msgs := sentMsgs(external)
	require.Len(t, msgs, 1)
	add, ok := msgs[0].(*lnwire.UpdateAddHTLC)
	require.True(t, ok)
	require.Equal(t, aliceChan.ChanID(), add.ChanID)

	tr, err = state.ProcessEvent(&SignCommitment{}, env)
	require.NoError(t, err)

	_, external = emitted(tr)
	msgs = sentMsgs(external)
	require.Len(t, msgs, 1)
	require.IsType(t, &lnwire.CommitSig{}, msgs[0])
	require.True(t, aliceChan.AwaitingRevocation())

	// A second sign request is a no-op while the revocation is owed.
	tr, err = state.ProcessEvent(&SignCommitment{}, env)
	require.NoError(t, err)
	_, external = emitted(tr)
	require.Empty(t, sentMsgs(external))
}

// TestNormalCommitmentDance runs an HTLC through both commitments by
// passing the emitted messages between two Normal states.
func TestNormalCommitmentDance(t *testing.T) {
	t.Parallel()

	aliceChan, bobChan, alice, bob := lnwallet.CreateTestChannels(t)
	aliceEnv := testEnv(t, alice, bob)
	bobEnv := testEnv(t, bob, alice)

	obs := newTestObserver()
	bobEnv.Observer = obs
	aliceEnv.Observer = obs

	aliceState, bobState := NewNormal(aliceChan), NewNormal(bobChan)

	// deliver feeds the messages emitted by one side to the other and
	// runs internal events to completion on both.
	var deliver func(from, to *Normal, fromEnv, toEnv *Environment,
		tr *ChannelTransition)
	deliver = func(from, to *Normal, fromEnv, toEnv *Environment,
		tr *ChannelTransition) {

		internal, external := emitted(tr)
		for _, msg := range sentMsgs(external) {
			event := msgMapper{}.MapMsg(msg).UnwrapOrFail(t)
			next, err := to.ProcessEvent(event, toEnv)
			require.NoError(t, err)
			deliver(to, from, toEnv, fromEnv, next)
		}
		for _, event := range internal {
			next, err := from.ProcessEvent(event, fromEnv)
			require.NoError(t, err)
			deliver(from, to, fromEnv, toEnv, next)
		}
	}

	htlc, preimage := lnwallet.CreateHTLC(0, 10_000_000, 500)
	tr, err := aliceState.ProcessEvent(&AddHtlcRequest{Htlc: htlc}, aliceEnv)
	require.NoError(t, err)
	deliver(aliceState, bobState, aliceEnv, bobEnv, tr)

	added := obs.nextAdd(t)
	require.Equal(t, bobChan.ChanID(), added.chanID)
	require.Equal(t, lntypes.Hash(htlc.PaymentHash), added.htlc.RHash)

	tr, err = bobState.ProcessEvent(&FulfillHtlcRequest{
		Index:    added.htlc.HtlcIndex,
		Preimage: preimage,
	}, bobEnv)
	require.NoError(t, err)
	deliver(bobState, aliceState, bobEnv, aliceEnv, tr)

	settled := obs.nextSettle(t)
	require.Equal(t, uint64(0), settled.index)
	require.Equal(t, preimage, settled.preimage)

	require.Empty(t, aliceChan.StateSnapshot().Htlcs)
	require.Empty(t, bobChan.StateSnapshot().Htlcs)
	require.Equal(
		t, lnwire.MilliSatoshi(10_000_000),
		bobChan.StateSnapshot().LocalBalance,
	)
}

// TestShutdownWithoutNonce asserts that a shutdown lacking the closing
// nonce fails the channel.
func TestShutdownWithoutNonce(t *testing.T) {
	t.Parallel()

	aliceChan, _, alice, bob := lnwallet.CreateTestChannels(t)
	env := testEnv(t, alice, bob)

	tr, err := NewNormal(aliceChan).ProcessEvent(&ShutdownReceived{
		Msg: lnwire.NewShutdown(
			aliceChan.ChanID(), testScript(t, 2), nil,
		),
	}, env)
	require.NoError(t, err)
	require.IsType(t, &ForceClosing{}, tr.NextState)

	_, external := emitted(tr)
	require.Len(t, broadcasts(external), 1)

	msgs := sentMsgs(external)
	require.Len(t, msgs, 1)
	errMsg, ok := msgs[0].(*lnwire.Error)
	require.True(t, ok)
	require.Equal(t, lnwire.CodeInvalidNonce, errMsg.Code)

	require.True(t, aliceChan.State().HasChanStatus(
		channeldb.ChanStatusCommitBroadcasted,
	))
}

// TestShutdownRejectsAdds asserts that no HTLC is offered once a close
// started.
func TestShutdownRejectsAdds(t *testing.T) {
	t.Parallel()

	aliceChan, _, alice, bob := lnwallet.CreateTestChannels(t)
	env := testEnv(t, alice, bob)

	tr, err := NewNormal(aliceChan).ProcessEvent(&ShutdownRequest{}, env)
	require.NoError(t, err)

	state, ok := tr.NextState.(*ShutdownInitiated)
	require.True(t, ok)
	require.True(t, state.awaitingShutdown())

	_, external := emitted(tr)
	msgs := sentMsgs(external)
	require.Len(t, msgs, 1)
	shutdown, ok := msgs[0].(*lnwire.Shutdown)
	require.True(t, ok)
	require.NotNil(t, shutdown.Nonce)

	htlc, _ := lnwallet.CreateHTLC(0, 10_000_000, 500)
	_, err = state.ProcessEvent(&AddHtlcRequest{Htlc: htlc}, env)
	require.ErrorIs(t, err, lnwallet.ErrChannelClosing)

	_, err = state.ProcessEvent(&ShutdownRequest{}, env)
	require.ErrorIs(t, err, ErrCloseInProgress)

	// The restored state remembers the local script.
	restored := NewShutdownInitiated(aliceChan)
	require.Equal(t, shutdown.Address, restored.localScript)
}

// TestForceClosingResolution asserts that a force closed channel waits for
// the arbiter and rejects local requests meanwhile.
func TestForceClosingResolution(t *testing.T) {
	t.Parallel()

	aliceChan, _, alice, bob := lnwallet.CreateTestChannels(t)
	env := testEnv(t, alice, bob)

	arbiter := &testArbiter{closeType: channeldb.LocalForceClose}
	env.Arbiter = arbiter

	var resolved []ChannelEvent
	env.Dispatch = func(event ChannelEvent) {
		resolved = append(resolved, event)
	}

	tr, err := NewNormal(aliceChan).ProcessEvent(&ForceCloseRequest{}, env)
	require.NoError(t, err)
	state, ok := tr.NextState.(*ForceClosing)
	require.True(t, ok)

	_, external := emitted(tr)
	txs := broadcasts(external)
	require.Len(t, txs, 1)

	htlc, _ := lnwallet.CreateHTLC(0, 10_000_000, 500)
	_, err = state.ProcessEvent(&AddHtlcRequest{Htlc: htlc}, env)
	require.ErrorIs(t, err, lnwallet.ErrChannelClosing)

	tr, err = state.ProcessEvent(&FundingSpent{
		SpendTx: txs[0],
		Height:  101,
	}, env)
	require.NoError(t, err)
	state, ok = tr.NextState.(*ForceClosing)
	require.True(t, ok)
	require.True(t, state.resolving)

	// The arbiter reported synchronously in this test.
	require.Len(t, resolved, 1)
	tr, err = state.ProcessEvent(resolved[0], env)
	require.NoError(t, err)

	closed, ok := tr.NextState.(*Closed)
	require.True(t, ok)
	require.True(t, closed.IsTerminal())
	require.Equal(t, channeldb.LocalForceClose, closed.Summary.CloseType)
}

// TestRemoteCloseArchivedAtOnce asserts that a remote commitment the
// arbiter archives while resolveSpend still runs moves the channel to
// ForceClosing, and that the resolution then closes it.
func TestRemoteCloseArchivedAtOnce(t *testing.T) {
	t.Parallel()

	aliceChan, _, alice, bob := lnwallet.CreateTestChannels(t)
	env := testEnv(t, alice, bob)

	// The arbiter archives the channel before it returns, as it does
	// when there is nothing to sweep.
	env.Arbiter = &testArbiter{closeType: channeldb.RemoteForceClose}

	var resolved []ChannelEvent
	env.Dispatch = func(event ChannelEvent) {
		resolved = append(resolved, event)
	}

	spendTx := wire.NewMsgTx(2)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: aliceChan.ChannelPoint(),
	})

	tr, err := NewNormal(aliceChan).ProcessEvent(&FundingSpent{
		SpendTx: spendTx,
		Height:  101,
	}, env)
	require.NoError(t, err)

	state, ok := tr.NextState.(*ForceClosing)
	require.True(t, ok)
	require.True(t, state.resolving)
	require.Equal(t, channeldb.RemoteForceClose, state.closeType)

	require.Len(t, resolved, 1)
	tr, err = state.ProcessEvent(resolved[0], env)
	require.NoError(t, err)

	closed, ok := tr.NextState.(*Closed)
	require.True(t, ok)
	require.Equal(t, spendTx.TxHash(), closed.Summary.ClosingTXID)
}

// TestClosedIgnoresEvents asserts that the terminal state swallows every
// event.
func TestClosedIgnoresEvents(t *testing.T) {
	t.Parallel()

	closed := &Closed{Reason: errors.New("gone")}
	tr, err := closed.ProcessEvent(&PeerConnected{}, nil)
	require.NoError(t, err)
	require.Equal(t, closed, tr.NextState)
	require.True(t, tr.NewEvents.IsNone())
}

// TestWireError asserts the codes local failures are reported with.
func TestWireError(t *testing.T) {
	t.Parallel()

	chanID := lnwire.ChannelID{1}

	protoErr := lnwire.NewProtocolError(
		lnwire.CodeInvalidSignature, chanID, "bad sig",
	)
	require.Equal(
		t, lnwire.CodeInvalidSignature, wireError(chanID, protoErr).Code,
	)

	negErr := &lnwallet.NegotiationError{Reason: "channel too small"}
	require.Equal(
		t, lnwire.CodeIncompatibleFeatures,
		wireError(chanID, negErr).Code,
	)

	other := wireError(chanID, errors.New("boom"))
	require.Equal(t, lnwire.CodeMalformedMessage, other.Code)
	require.Equal(t, chanID, other.ChanID)
}

// TestMessageChanID asserts funding messages are routed by pending id and
// every other channel message by its channel id.
func TestMessageChanID(t *testing.T) {
	t.Parallel()

	pending := [32]byte{7}
	chanID := lnwire.ChannelID{9}

	id, ok := messageChanID(&lnwire.OpenChannel{PendingChannelID: pending})
	require.True(t, ok)
	require.Equal(t, lnwire.ChannelID(pending), id)

	id, ok = messageChanID(&lnwire.CommitSig{ChanID: chanID})
	require.True(t, ok)
	require.Equal(t, chanID, id)

	_, ok = messageChanID(&lnwire.Ping{})
	require.False(t, ok)

	require.True(t, msgMapper{}.MapMsg(&lnwire.Ping{}).IsNone())
}

type addNotification struct {
	chanID lnwire.ChannelID
	htlc   *lnwallet.PaymentDescriptor
}

type settleNotification struct {
	chanID   lnwire.ChannelID
	index    uint64
	preimage lntypes.Preimage
}

type failNotification struct {
	chanID lnwire.ChannelID
	index  uint64
	reason []byte
}

// testObserver records the notifications of channels.
type testObserver struct {
	opened  chan *lnwallet.LightningChannel
	closed  chan *channeldb.ChannelCloseSummary
	adds    chan addNotification
	settles chan settleNotification
	fails   chan failNotification
}

func newTestObserver() *testObserver {
	return &testObserver{
		opened:  make(chan *lnwallet.LightningChannel, 10),
		closed:  make(chan *channeldb.ChannelCloseSummary, 10),
		adds:    make(chan addNotification, 10),
		settles: make(chan settleNotification, 10),
		fails:   make(chan failNotification, 10),
	}
}

func (o *testObserver) ChannelOpened(lc *lnwallet.LightningChannel) {
	o.opened <- lc
}

func (o *testObserver) ChannelClosed(summary *channeldb.ChannelCloseSummary) {
	o.closed <- summary
}

func (o *testObserver) HtlcAdded(chanID lnwire.ChannelID,
	htlc *lnwallet.PaymentDescriptor) {

	o.adds <- addNotification{chanID: chanID, htlc: htlc}
}

func (o *testObserver) HtlcSettled(chanID lnwire.ChannelID, index uint64,
	preimage lntypes.Preimage) {

	o.settles <- settleNotification{chanID, index, preimage}
}

func (o *testObserver) HtlcFailed(chanID lnwire.ChannelID, index uint64,
	reason []byte) {

	o.fails <- failNotification{chanID, index, reason}
}

func (o *testObserver) nextAdd(t *testing.T) addNotification {
	t.Helper()

	select {
	case n := <-o.adds:
		return n
	case <-time.After(testTimeout):
		t.Fatal("no htlc added")
		return addNotification{}
	}
}

func (o *testObserver) nextSettle(t *testing.T) settleNotification {
	t.Helper()

	select {
	case n := <-o.settles:
		return n
	case <-time.After(testTimeout):
		t.Fatal("no htlc settled")
		return settleNotification{}
	}
}

func (o *testObserver) nextFail(t *testing.T) failNotification {
	t.Helper()

	select {
	case n := <-o.fails:
		return n
	case <-time.After(testTimeout):
		t.Fatal("no htlc failed")
		return failNotification{}
	}
}

func (o *testObserver) nextClosed(t *testing.T) *channeldb.ChannelCloseSummary {
	t.Helper()

	select {
	case s := <-o.closed:
		return s
	case <-time.After(testTimeout):
		t.Fatal("no channel closed")
		return nil
	}
}

// testArbiter archives every resolved channel right away with a fixed
// closure type.
type testArbiter struct {
	closeType channeldb.ClosureType

	// async reports the resolution from a goroutine.
	async bool
}

func (a *testArbiter) ResolveContract(state *channeldb.OpenChannel,
	spendTx *wire.MsgTx, height uint32,
	onResolved func(*channeldb.ChannelCloseSummary)) (channeldb.ClosureType,
	error) {

	if a.closeType == channeldb.CooperativeClose {
		return a.closeType, nil
	}

	summary := &channeldb.ChannelCloseSummary{
		ChanPoint:   state.FundingOutpoint,
		ShortChanID: state.ShortChannelID,
		ChainHash:   state.ChainHash,
		ClosingTXID: spendTx.TxHash(),
		RemotePub:   state.IdentityPub,
		Capacity:    state.Capacity,
		CloseHeight: height,
		CloseType:   a.closeType,
	}
	if err := state.CloseChannel(summary); err != nil {
		return 0, err
	}

	if a.async {
		go onResolved(summary)
	} else {
		onResolved(summary)
	}

	return a.closeType, nil
}
