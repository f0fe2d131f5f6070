package htlcswitch

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/actor"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/chanfsm"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/invoices"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/sphinx"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 10 * time.Second

	testBaseFee = 1000
	testFeeRate = 100

	testTimeLockDelta = 40

	testFinalCltvDelta = 50
)

var testStartTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// switchNode is a node of the switch harness: a channel manager observed by
// a switch that settles against the node's invoice registry.
type switchNode struct {
	name     string
	party    *lnwallet.TestParty
	mgr      *chanfsm.Manager
	sw       *Switch
	registry *invoices.InvoiceRegistry
	payments *channeldb.PaymentControl
	system   *actor.ActorSystem
}

// switchHarness runs alice, bob and carol over an in-memory network and a
// mock chain.
type switchHarness struct {
	t     *testing.T
	ctx   context.Context
	chain *chainntnfs.MockChain
	clock *clock.TestClock

	alice *switchNode
	bob   *switchNode
	carol *switchNode

	nodes map[[33]byte]*switchNode

	// sendMu keeps the messages of every sender in order.
	sendMu sync.Mutex
}

func newSwitchHarness(t *testing.T) *switchHarness {
	t.Helper()

	h := &switchHarness{
		t:     t,
		ctx:   context.Background(),
		chain: chainntnfs.NewMockChain(),
		clock: clock.NewTestClock(testStartTime),
		nodes: make(map[[33]byte]*switchNode),
	}

	h.alice = h.newNode("alice", chainhash.Hash{1})
	h.bob = h.newNode("bob", chainhash.Hash{2})
	h.carol = h.newNode("carol", chainhash.Hash{3})

	for _, node := range []*switchNode{h.alice, h.bob, h.carol} {
		require.NoError(t, node.registry.Start())
		require.NoError(t, node.sw.Start())
		require.NoError(t, node.mgr.Start(h.ctx))
	}

	t.Cleanup(func() {
		for _, node := range []*switchNode{h.alice, h.bob, h.carol} {
			node.mgr.Stop()
			require.NoError(t, node.sw.Stop())
			require.NoError(t, node.registry.Stop())
			require.NoError(t, node.system.Shutdown())
		}
	})

	return h
}

func (h *switchHarness) newNode(name string, seed chainhash.Hash) *switchNode {
	t := h.t
	party := lnwallet.NewTestParty(t, seed)

	nodeKeyDesc, err := party.KeyRing.DeriveKey(keychain.KeyLocator{
		Family: keychain.KeyFamilyNodeKey,
	})
	require.NoError(t, err)
	require.True(t, nodeKeyDesc.PubKey.IsEqual(party.NodeKey))

	nodePriv, err := party.KeyRing.DerivePrivKey(nodeKeyDesc)
	require.NoError(t, err)

	replayLog, err := sphinx.NewMemoryReplayLog(100)
	require.NoError(t, err)

	node := &switchNode{
		name:     name,
		party:    party,
		payments: channeldb.NewPaymentControl(party.DB),
		system:   actor.NewActorSystem(),
	}

	node.registry = invoices.NewRegistry(&invoices.RegistryConfig{
		DB:                   party.DB,
		Clock:                h.clock,
		ChainParams:          &chaincfg.RegressionNetParams,
		NodeKey:              keychain.NewNodeKey(nodePriv),
		FinalCltvRejectDelta: 10,
		ExpiryTicker:         ticker.NewForce(time.Hour),
	})

	bestHeight := func() uint32 {
		height, _ := h.chain.CurrentHeight(h.ctx)
		return height
	}

	node.sw = New(Config{
		OnionRouter: sphinx.NewRouter(
			keychain.NewPubKeyECDH(nodeKeyDesc, party.KeyRing),
			replayLog,
		),
		Registry: node.registry,
		DB:       party.DB,
		Payments: node.payments,
		AddHTLC: func(ctx context.Context, chanID lnwire.ChannelID,
			htlc *lnwire.UpdateAddHTLC) (uint64, error) {

			return node.mgr.AddHTLC(ctx, chanID, htlc)
		},
		FulfillHTLC: func(ctx context.Context, chanID lnwire.ChannelID,
			index uint64, preimage lntypes.Preimage) error {

			return node.mgr.FulfillHTLC(ctx, chanID, index, preimage)
		},
		FailHTLC: func(ctx context.Context, chanID lnwire.ChannelID,
			index uint64, reason []byte) error {

			return node.mgr.FailHTLC(ctx, chanID, index, reason)
		},
		BestHeight: bestHeight,
		Policy: ForwardingPolicy{
			MinHTLC:       1000,
			BaseFee:       testBaseFee,
			FeeRate:       testFeeRate,
			TimeLockDelta: testTimeLockDelta,
		},
		FwdEventTicker: ticker.NewForce(time.Hour),
		Clock:          h.clock,
	})

	prevOut := wire.OutPoint{Hash: seed, Index: 0}
	node.mgr = chanfsm.NewManager(chanfsm.Config{
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
		Daemon:     chanfsm.NewDaemon(h.chain, h.sender(node)),
		System:     node.system,
		Clock:      h.clock,
		BestHeight: bestHeight,
		DeliveryScript: func() (lnwire.DeliveryAddress, error) {
			return testScript(t, seed), nil
		},
		Observer: node.sw,
	})

	var key [33]byte
	copy(key[:], party.NodeKey.SerializeCompressed())
	h.nodes[key] = node

	return node
}

// testScript returns a p2wkh delivery script unique to the seed.
func testScript(t *testing.T, seed chainhash.Hash) lnwire.DeliveryAddress {
	t.Helper()

	hash := sha256.Sum256(seed[:])
	script := append([]byte{0x00, 0x14}, hash[:20]...)

	return lnwire.DeliveryAddress(script)
}

// sender returns the send function of node, delivering to the addressed
// peer.
func (h *switchHarness) sender(from *switchNode) chanfsm.SendFunc {
	return func(ctx context.Context, peer *btcec.PublicKey,
		msgs []lnwire.Message) error {

		var key [33]byte
		copy(key[:], peer.SerializeCompressed())
		to, ok := h.nodes[key]
		if !ok {
			return errors.New("unknown peer")
		}

		h.sendMu.Lock()
		defer h.sendMu.Unlock()

		for _, msg := range msgs {
			err := to.mgr.HandleMessage(ctx, from.party.NodeKey, msg)
			if err != nil {
				h.t.Logf("%v: %v rejected: %v", to.name,
					msg.MsgType(), err)
			}
		}

		return nil
	}
}

// openChannel opens a channel from one node to another and waits until
// both switches forward over it.
func (h *switchHarness) openChannel(from, to *switchNode) (lnwire.ChannelID,
	lnwire.ShortChannelID) {

	h.t.Helper()

	_, err := from.mgr.OpenChannel(
		h.ctx, to.party.NodeKey, lnwallet.TestChannelCapacity, 0,
	)
	require.NoError(h.t, err)

	var fundingTx *wire.MsgTx
	require.Eventually(h.t, func() bool {
		mempool := h.chain.Mempool()
		if len(mempool) != 1 {
			return false
		}
		fundingTx = mempool[0]

		return true
	}, testTimeout, 10*time.Millisecond)

	chanPoint := wire.OutPoint{Hash: fundingTx.TxHash()}
	for i, out := range fundingTx.TxOut {
		if out.Value == int64(lnwallet.TestChannelCapacity) {
			chanPoint.Index = uint32(i)
		}
	}
	chanID := lnwire.NewChanIDFromOutPoint(chanPoint)

	h.chain.MineBlocks(int(lnwallet.TestPolicy().NumConfs))

	var scid lnwire.ShortChannelID
	require.Eventually(h.t, func() bool {
		info, err := from.mgr.Channel(h.ctx, chanID)
		if err != nil || info.State != "Normal" {
			return false
		}
		scid = info.ShortChanID

		_, fromOK := from.sw.Bandwidth(scid)
		_, toOK := to.sw.Bandwidth(scid)

		return fromOK && toOK
	}, testTimeout, 10*time.Millisecond)

	return chanID, scid
}

// network opens alice -> bob -> carol and returns the short channel ids
// along with the id of the channel to carol.
func (h *switchHarness) network() (lnwire.ShortChannelID,
	lnwire.ShortChannelID, lnwire.ChannelID) {

	_, scidAB := h.openChannel(h.alice, h.bob)
	chanBC, scidBC := h.openChannel(h.bob, h.carol)

	return scidAB, scidBC, chanBC
}

// testPayment is an onion to send from alice.
type testPayment struct {
	htlc      *lnwire.UpdateAddHTLC
	decrypter *SphinxErrorDecrypter
}

// newTestPayment builds the HTLC of alice paying amt to the last node of
// hops. Every hop but the last one forwards over the channel in scids at
// the same position.
func (h *switchHarness) newTestPayment(hash lntypes.Hash,
	amt lnwire.MilliSatoshi, hops []*switchNode,
	scids []lnwire.ShortChannelID) *testPayment {

	h.t.Helper()

	height, err := h.chain.CurrentHeight(h.ctx)
	require.NoError(h.t, err)

	// Walk backwards from the receiver. Every forwarding hop is paid its
	// fee and delta on top of what it sends on.
	var (
		n          = len(hops)
		path       = make(sphinx.PaymentPath, n)
		policy     = ForwardingPolicy{BaseFee: testBaseFee, FeeRate: testFeeRate}
		htlcAmount = amt
		htlcExpiry = height + testFinalCltvDelta
	)
	for i := n - 1; i >= 0; i-- {
		payload := sphinx.HopPayload{
			AmountToForward: htlcAmount,
			OutgoingCltv:    htlcExpiry,
		}
		if i < n-1 {
			payload.NextHop = scids[i]
			htlcAmount += policy.ComputeFee(htlcAmount)
			htlcExpiry += testTimeLockDelta
		}
		path[i] = sphinx.OnionHop{
			NodePub: *hops[i].party.NodeKey,
			Payload: payload,
		}
	}

	sessionKey, err := btcec.NewPrivateKey()
	require.NoError(h.t, err)

	onion, err := sphinx.NewOnionPacket(
		path, sessionKey, hash[:], amt, sphinx.DeterministicPacketFiller,
	)
	require.NoError(h.t, err)

	blob, err := onion.ToBlob()
	require.NoError(h.t, err)

	return &testPayment{
		htlc: &lnwire.UpdateAddHTLC{
			Amount:      htlcAmount,
			PaymentHash: hash,
			Expiry:      htlcExpiry,
			OnionBlob:   blob,
		},
		decrypter: NewSphinxErrorDecrypter(&sphinx.Circuit{
			SessionKey:  sessionKey,
			PaymentPath: path.NodeKeys(),
		}),
	}
}

// waitResult waits for the result of a payment attempt.
func waitResult(t *testing.T,
	resultChan <-chan *PaymentResult) *PaymentResult {

	t.Helper()

	select {
	case result := <-resultChan:
		return result
	case <-time.After(testTimeout):
		t.Fatal("no payment result")
		return nil
	}
}

// TestSwitchForwardSettle pays an invoice of carol through bob and checks
// the preimage travels back, the invoice is settled and bob logs the
// forward with its fee.
func TestSwitchForwardSettle(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t)
	scidAB, scidBC, chanBC := h.network()

	const amt = lnwire.MilliSatoshi(20_000_000)
	preimage := lntypes.Preimage{1, 2, 3}
	invoice, _, err := h.carol.registry.CreateInvoice(
		&invoices.AddInvoiceData{
			Memo:     "switch test",
			Value:    amt,
			Preimage: &preimage,
		},
	)
	require.NoError(t, err)
	hash := preimage.Hash()

	require.NoError(t, h.alice.payments.InitPayment(&channeldb.Payment{
		PaymentHash:  hash,
		Value:        amt,
		CreationTime: testStartTime,
	}))

	payment := h.newTestPayment(
		hash, amt, []*switchNode{h.bob, h.carol},
		[]lnwire.ShortChannelID{scidBC},
	)
	fee := payment.htlc.Amount - amt
	require.Equal(t, lnwire.MilliSatoshi(testBaseFee+2000), fee)

	resultChan, err := h.alice.sw.SendHTLC(
		scidAB, 1, payment.htlc, payment.decrypter,
	)
	require.NoError(t, err)

	result := waitResult(t, resultChan)
	require.NoError(t, result.Error)
	require.Equal(t, preimage, result.Preimage)

	stored, err := h.carol.registry.LookupInvoice(hash)
	require.NoError(t, err)
	require.Equal(t, channeldb.ContractSettled, stored.State)
	require.Equal(t, invoice.Value, stored.Value)

	paid, err := h.alice.payments.FetchPayment(hash)
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusSucceeded, paid.Status)
	require.Equal(t, preimage, paid.Preimage)

	// Bob logs the forward once the incoming HTLC is settled.
	var events []channeldb.ForwardingEvent
	require.Eventually(t, func() bool {
		if err := h.bob.sw.FlushForwardingEvents(); err != nil {
			return false
		}

		slice, err := h.bob.party.DB.ForwardingLog().Query(
			channeldb.ForwardingEventQuery{
				EndTime:      testStartTime.Add(time.Hour),
				NumMaxEvents: 10,
			},
		)
		if err != nil {
			return false
		}
		events = slice.ForwardingEvents

		return len(events) == 1
	}, testTimeout, 10*time.Millisecond)

	require.Equal(t, scidAB, events[0].IncomingChanID)
	require.Equal(t, scidBC, events[0].OutgoingChanID)
	require.Equal(t, amt+fee, events[0].AmtIn)
	require.Equal(t, amt, events[0].AmtOut)

	require.Eventually(t, func() bool {
		return h.bob.sw.NumPendingCircuits() == 0 &&
			h.alice.sw.NumPendingCircuits() == 0
	}, testTimeout, 10*time.Millisecond)

	circuits, err := h.bob.party.DB.FetchCircuits()
	require.NoError(t, err)
	require.Empty(t, circuits)

	// Carol received exactly the invoice amount.
	require.Eventually(t, func() bool {
		info, err := h.carol.mgr.Channel(h.ctx, chanBC)
		if err != nil || info.Snapshot == nil {
			return false
		}

		return info.Snapshot.LocalBalance == amt &&
			len(info.Snapshot.Htlcs) == 0
	}, testTimeout, 10*time.Millisecond)

	forwarded, settled, _ := h.bob.sw.Stats()
	require.Equal(t, uint64(1), forwarded)
	require.Zero(t, settled)

	require.Eventually(t, func() bool {
		_, settled, _ := h.carol.sw.Stats()
		return settled == 1
	}, testTimeout, 10*time.Millisecond)
}

// TestSwitchUnknownPaymentHash pays carol a hash she has no invoice for and
// checks alice attributes the failure to carol.
func TestSwitchUnknownPaymentHash(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t)
	scidAB, scidBC, _ := h.network()

	hash := lntypes.Hash{0xaa}
	payment := h.newTestPayment(
		hash, 10_000_000, []*switchNode{h.bob, h.carol},
		[]lnwire.ShortChannelID{scidBC},
	)

	resultChan, err := h.alice.sw.SendHTLC(
		scidAB, 1, payment.htlc, payment.decrypter,
	)
	require.NoError(t, err)

	result := waitResult(t, resultChan)

	var fwdErr *ForwardingError
	require.ErrorAs(t, result.Error, &fwdErr)
	require.Equal(t, 1, fwdErr.FailureSourceIdx)
	require.Equal(
		t, lnwire.CodeIncorrectOrUnknownPaymentDetails, fwdErr.Code,
	)
	require.True(t, fwdErr.Code.IsPermanent())

	// Bob removed the circuit once the failure passed through.
	require.Eventually(t, func() bool {
		return h.bob.sw.NumPendingCircuits() == 0
	}, testTimeout, 10*time.Millisecond)
}

// TestSwitchUnknownNextPeer names a channel bob doesn't have and checks
// bob reports it.
func TestSwitchUnknownNextPeer(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t)
	scidAB, _, _ := h.network()

	hash := lntypes.Hash{0xbb}
	payment := h.newTestPayment(
		hash, 10_000_000, []*switchNode{h.bob, h.carol},
		[]lnwire.ShortChannelID{lnwire.NewShortChanIDFromInt(99)},
	)

	resultChan, err := h.alice.sw.SendHTLC(
		scidAB, 1, payment.htlc, payment.decrypter,
	)
	require.NoError(t, err)

	result := waitResult(t, resultChan)

	var fwdErr *ForwardingError
	require.ErrorAs(t, result.Error, &fwdErr)
	require.Equal(t, 0, fwdErr.FailureSourceIdx)
	require.Equal(t, lnwire.CodeUnknownNextPeer, fwdErr.Code)
}

// TestSwitchFeeInsufficient underpays bob's fee.
func TestSwitchFeeInsufficient(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t)
	scidAB, scidBC, _ := h.network()

	hash := lntypes.Hash{0xcc}
	payment := h.newTestPayment(
		hash, 10_000_000, []*switchNode{h.bob, h.carol},
		[]lnwire.ShortChannelID{scidBC},
	)
	payment.htlc.Amount -= 1

	resultChan, err := h.alice.sw.SendHTLC(
		scidAB, 1, payment.htlc, payment.decrypter,
	)
	require.NoError(t, err)

	result := waitResult(t, resultChan)

	var fwdErr *ForwardingError
	require.ErrorAs(t, result.Error, &fwdErr)
	require.Equal(t, 0, fwdErr.FailureSourceIdx)
	require.Equal(t, lnwire.CodeFeeInsufficient, fwdErr.Code)
}

// TestSwitchDirectPayment pays bob over the single channel and checks the
// balances of both sides.
func TestSwitchDirectPayment(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t)
	chanID, scidAB := h.openChannel(h.alice, h.bob)

	const amt = lnwire.MilliSatoshi(30_000_000)
	invoice, _, err := h.bob.registry.CreateInvoice(
		&invoices.AddInvoiceData{Value: amt},
	)
	require.NoError(t, err)

	payment := h.newTestPayment(
		invoice.Preimage.Hash(), amt,
		[]*switchNode{h.bob}, nil,
	)
	require.Equal(t, amt, payment.htlc.Amount)

	resultChan, err := h.alice.sw.SendHTLC(
		scidAB, 7, payment.htlc, payment.decrypter,
	)
	require.NoError(t, err)

	result := waitResult(t, resultChan)
	require.NoError(t, result.Error)

	require.Eventually(t, func() bool {
		info, err := h.bob.mgr.Channel(h.ctx, chanID)
		if err != nil || info.Snapshot == nil {
			return false
		}

		return info.Snapshot.LocalBalance == amt &&
			len(info.Snapshot.Htlcs) == 0
	}, testTimeout, 10*time.Millisecond)
}

// TestSwitchUnknownFirstHop checks local payments need an active first
// hop.
func TestSwitchUnknownFirstHop(t *testing.T) {
	t.Parallel()

	h := newSwitchHarness(t)

	_, err := h.alice.sw.SendHTLC(
		lnwire.NewShortChanIDFromInt(5), 1, &lnwire.UpdateAddHTLC{},
		nil,
	)
	require.ErrorIs(t, err, ErrUnknownFirstHop)
}
