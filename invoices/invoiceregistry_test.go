package invoices

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/zpay32"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var (
	testTimeout = 5 * time.Second

	testNow = time.Unix(1_700_000_000, 0)

	preimage = lntypes.Preimage{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
	}

	hash = preimage.Hash()

	testHtlcExpiry = uint32(50)

	testInvoiceCltvDelta = uint32(40)

	testFinalCltvRejectDelta = int32(4)

	testCurrentHeight = int32(1)
)

func newTestInvoice() *channeldb.Invoice {
	return &channeldb.Invoice{
		Memo:           []byte("coffee"),
		CreationDate:   testNow,
		Preimage:       preimage,
		Value:          lnwire.MilliSatoshi(100000),
		FinalCltvDelta: testInvoiceCltvDelta,
		Expiry:         time.Hour,
		State:          channeldb.ContractOpen,
	}
}

type testContext struct {
	registry *InvoiceRegistry
	clock    *clock.TestClock
	expiry   *ticker.Force
	nodeKey  *keychain.NodeKey
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	testClock := clock.NewTestClock(testNow)
	cdb, err := channeldb.MakeTestDB(
		t, channeldb.OptionClock(testClock),
	)
	require.NoError(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	expiryTicker := ticker.NewForce(time.Hour)
	nodeKey := keychain.NewNodeKey(priv)

	registry := NewRegistry(&RegistryConfig{
		DB:                   cdb,
		Clock:                testClock,
		ChainParams:          &chaincfg.RegressionNetParams,
		NodeKey:              nodeKey,
		FinalCltvRejectDelta: testFinalCltvRejectDelta,
		ExpiryTicker:         expiryTicker,
	})
	require.NoError(t, registry.Start())
	t.Cleanup(func() {
		require.NoError(t, registry.Stop())
	})

	return &testContext{
		registry: registry,
		clock:    testClock,
		expiry:   expiryTicker,
		nodeKey:  nodeKey,
	}
}

func recv(t *testing.T, c <-chan *channeldb.Invoice) *channeldb.Invoice {
	t.Helper()

	select {
	case invoice := <-c:
		return invoice
	case <-time.After(testTimeout):
		t.Fatal("no update received")
	}

	return nil
}

// TestSettleInvoice tests settling of an invoice and related notifications.
func TestSettleInvoice(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	registry := ctx.registry

	allSubscriptions := registry.SubscribeNotifications(0, 0)
	defer allSubscriptions.Cancel()

	// Subscribe to the not yet existing invoice.
	subscription, err := registry.SubscribeSingleInvoice(hash)
	require.NoError(t, err)
	defer subscription.Cancel()
	require.Equal(t, hash, subscription.hash)

	addIdx, err := registry.AddInvoice(newTestInvoice())
	require.NoError(t, err)
	require.EqualValues(t, 1, addIdx)

	// The open state goes to both subscribers.
	update := recv(t, subscription.Updates)
	require.Equal(t, channeldb.ContractOpen, update.State)

	newInvoice := recv(t, allSubscriptions.NewInvoices)
	require.Equal(t, channeldb.ContractOpen, newInvoice.State)

	// Settle invoice with a slightly higher amount.
	amtPaid := lnwire.MilliSatoshi(100500)
	resolution, err := registry.NotifyExitHopHtlc(
		hash, amtPaid, testHtlcExpiry, testCurrentHeight,
	)
	require.NoError(t, err)
	require.Equal(t, ResultSettled, resolution.Outcome)
	require.Equal(t, preimage, *resolution.Preimage)

	update = recv(t, subscription.Updates)
	require.Equal(t, channeldb.ContractSettled, update.State)
	require.Equal(t, amtPaid, update.AmtPaid)

	settled := recv(t, allSubscriptions.SettledInvoices)
	require.Equal(t, channeldb.ContractSettled, settled.State)
	require.EqualValues(t, 1, settled.SettleIndex)

	// A replayed htlc is settled again, also for a higher amount, so a
	// paid invoice does not answer differently to test payments.
	resolution, err = registry.NotifyExitHopHtlc(
		hash, amtPaid+600, testHtlcExpiry, testCurrentHeight,
	)
	require.NoError(t, err)
	require.Equal(t, ResultReplayToSettled, resolution.Outcome)
	require.NotNil(t, resolution.Preimage)

	// A lower amount fails just as it would have for the first payment.
	resolution, err = registry.NotifyExitHopHtlc(
		hash, 99_000, testHtlcExpiry, testCurrentHeight,
	)
	require.NoError(t, err)
	require.Equal(t, ResultAmountTooLow, resolution.Outcome)
	require.Nil(t, resolution.Preimage)

	// The settled amount is unchanged.
	inv, err := registry.LookupInvoice(hash)
	require.NoError(t, err)
	require.Equal(t, amtPaid, inv.AmtPaid)

	err = registry.CancelInvoice(hash)
	require.ErrorIs(t, err, channeldb.ErrInvoiceAlreadySettled)
}

// TestCancelInvoice tests cancelation of an invoice and related notifications.
func TestCancelInvoice(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	registry := ctx.registry

	allSubscriptions := registry.SubscribeNotifications(0, 0)
	defer allSubscriptions.Cancel()

	// Canceling a not yet existing invoice fails.
	err := registry.CancelInvoice(hash)
	require.Error(t, err)

	subscription, err := registry.SubscribeSingleInvoice(hash)
	require.NoError(t, err)
	defer subscription.Cancel()

	_, err = registry.AddInvoice(newTestInvoice())
	require.NoError(t, err)

	update := recv(t, subscription.Updates)
	require.Equal(t, channeldb.ContractOpen, update.State)
	recv(t, allSubscriptions.NewInvoices)

	require.NoError(t, registry.CancelInvoice(hash))

	update = recv(t, subscription.Updates)
	require.Equal(t, channeldb.ContractCanceled, update.State)

	// Canceling twice is fine.
	require.NoError(t, registry.CancelInvoice(hash))

	// An htlc for the canceled invoice is failed back.
	resolution, err := registry.NotifyExitHopHtlc(
		hash, 100000, testHtlcExpiry, testCurrentHeight,
	)
	require.NoError(t, err)
	require.Equal(t, ResultInvoiceAlreadyCanceled, resolution.Outcome)
	require.Nil(t, resolution.Preimage)

	// Cancel events never reach the all-invoice subscribers.
	select {
	case inv := <-allSubscriptions.NewInvoices:
		t.Fatalf("unexpected invoice %v", inv.State)
	case inv := <-allSubscriptions.SettledInvoices:
		t.Fatalf("unexpected invoice %v", inv.State)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestUnknownInvoice asserts that an htlc paying an unknown hash is failed.
func TestUnknownInvoice(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)

	resolution, err := ctx.registry.NotifyExitHopHtlc(
		hash, 100000, testHtlcExpiry, testCurrentHeight,
	)
	require.NoError(t, err)
	require.Equal(t, ResultInvoiceNotFound, resolution.Outcome)
	require.False(t, resolution.Outcome.IsSettle())
}

// TestHtlcExpiryTooSoon checks htlcs too close to their expiry are failed and
// leave the invoice open.
func TestHtlcExpiryTooSoon(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	_, err := ctx.registry.AddInvoice(newTestInvoice())
	require.NoError(t, err)

	// Enough blocks for the reject delta but not for the invoice's final
	// delta.
	expiry := uint32(testCurrentHeight) + testInvoiceCltvDelta - 1
	resolution, err := ctx.registry.NotifyExitHopHtlc(
		hash, 100000, expiry, testCurrentHeight,
	)
	require.NoError(t, err)
	require.Equal(t, ResultExpiryTooSoon, resolution.Outcome)

	inv, err := ctx.registry.LookupInvoice(hash)
	require.NoError(t, err)
	require.Equal(t, channeldb.ContractOpen, inv.State)
}

// TestInvoiceExpiry checks expired invoices are not settled and are canceled
// by the expiry sweep.
func TestInvoiceExpiry(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	registry := ctx.registry

	subscription, err := registry.SubscribeSingleInvoice(hash)
	require.NoError(t, err)
	defer subscription.Cancel()

	_, err = registry.AddInvoice(newTestInvoice())
	require.NoError(t, err)
	recv(t, subscription.Updates)

	ctx.clock.SetTime(testNow.Add(2 * time.Hour))

	resolution, err := registry.NotifyExitHopHtlc(
		hash, 100000, testHtlcExpiry, testCurrentHeight,
	)
	require.NoError(t, err)
	require.Equal(t, ResultInvoiceExpired, resolution.Outcome)

	ctx.expiry.Force <- ctx.clock.Now()

	update := recv(t, subscription.Updates)
	require.Equal(t, channeldb.ContractCanceled, update.State)
}

// TestSubscribeBacklog checks a subscriber catches up on the adds and settles
// after the indexes it passes.
func TestSubscribeBacklog(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	registry := ctx.registry

	var hashes []lntypes.Hash
	for seed := byte(1); seed <= 3; seed++ {
		invoice := newTestInvoice()
		invoice.Preimage[0] = seed
		_, err := registry.AddInvoice(invoice)
		require.NoError(t, err)
		hashes = append(hashes, invoice.PaymentHash())
	}

	_, err := registry.NotifyExitHopHtlc(
		hashes[2], 100000, testHtlcExpiry, testCurrentHeight,
	)
	require.NoError(t, err)

	client := registry.SubscribeNotifications(1, 0)
	defer client.Cancel()

	first := recv(t, client.NewInvoices)
	require.EqualValues(t, 2, first.AddIndex)
	second := recv(t, client.NewInvoices)
	require.EqualValues(t, 3, second.AddIndex)

	settled := recv(t, client.SettledInvoices)
	require.Equal(t, hashes[2], settled.PaymentHash())
	require.Equal(t, channeldb.ContractSettled, settled.State)
}

// TestCreateInvoice creates a signed invoice and pays it.
func TestCreateInvoice(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)

	invoice, payReq, err := ctx.registry.CreateInvoice(&AddInvoiceData{
		Memo:  "two coffees",
		Value: 2_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, DefaultInvoiceExpiry, invoice.Expiry)
	require.EqualValues(t, DefaultFinalCltvDelta, invoice.FinalCltvDelta)

	decoded, err := zpay32.Decode(payReq, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.True(t, decoded.Destination.IsEqual(ctx.nodeKey.PubKey()))
	require.Equal(t, invoice.PaymentHash(), lntypes.Hash(*decoded.PaymentHash))
	require.Equal(t, invoice.Value, *decoded.MilliSat)
	require.Equal(t, "two coffees", *decoded.Description)
	require.EqualValues(t, DefaultFinalCltvDelta, decoded.MinFinalCLTVExpiry())

	stored, err := ctx.registry.LookupInvoice(invoice.PaymentHash())
	require.NoError(t, err)
	require.Equal(t, payReq, string(stored.PaymentRequest))

	resolution, err := ctx.registry.NotifyExitHopHtlc(
		invoice.PaymentHash(), 2_000_000, 100, testCurrentHeight,
	)
	require.NoError(t, err)
	require.True(t, resolution.Outcome.IsSettle())
	require.True(t, resolution.Preimage.Matches(invoice.PaymentHash()))

	_, _, err = ctx.registry.CreateInvoice(&AddInvoiceData{
		Value: MaxPaymentMSat + 1,
	})
	require.ErrorIs(t, err, ErrInvalidAmount)
}
