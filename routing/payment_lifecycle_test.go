package routing

import (
	"context"
	"testing"
	"time"

	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/htlcswitch"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockDispatcher answers payment attempts with scripted results.
type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) SendHTLC(firstHop lnwire.ShortChannelID,
	attemptID uint64, htlc *lnwire.UpdateAddHTLC,
	decrypter htlcswitch.ErrorDecrypter) (<-chan *htlcswitch.PaymentResult,
	error) {

	args := m.Called(firstHop, attemptID, htlc, decrypter)

	resultChan, _ := args.Get(0).(chan *htlcswitch.PaymentResult)
	return resultChan, args.Error(1)
}

// resultOf returns a result channel holding the given result.
func resultOf(result *htlcswitch.PaymentResult) chan *htlcswitch.PaymentResult {
	c := make(chan *htlcswitch.PaymentResult, 1)
	c <- result

	return c
}

// failureAt returns the result of an attempt failed by the hop at idx.
func failureAt(code lnwire.FailCode, idx int) *htlcswitch.PaymentResult {
	return &htlcswitch.PaymentResult{
		Error: htlcswitch.NewForwardingError(
			&lnwire.OnionFailure{Code: code}, idx,
		),
	}
}

type lifecycleContext struct {
	graph      *testGraph
	router     *Router
	dispatcher *mockDispatcher
	payments   *channeldb.PaymentControl
}

// newLifecycleContext pays from a to c over two routes: the cheap one
// through b and the expensive one through d.
func newLifecycleContext(t *testing.T) *lifecycleContext {
	t.Helper()

	g := newTestGraph(t, []testChannel{
		{"a", "b", 1, 1_000_000, 1000, 1, 40},
		{"b", "c", 2, 1_000_000, 1000, 1, 40},
		{"a", "d", 3, 1_000_000, 5000, 1, 40},
		{"d", "c", 4, 1_000_000, 5000, 1, 40},
	})

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	dispatcher := &mockDispatcher{}
	payments := channeldb.NewPaymentControl(db)
	router := New(Config{
		Graph:    g.graph,
		SelfNode: g.vertex("a"),
		BestHeight: func() (uint32, error) {
			return testHeight, nil
		},
		Payments:   payments,
		Dispatcher: dispatcher,
		Clock:      clock.NewTestClock(time.Unix(1_700_000_000, 0)),
	})
	t.Cleanup(router.Stop)

	return &lifecycleContext{
		graph:      g,
		router:     router,
		dispatcher: dispatcher,
		payments:   payments,
	}
}

func (c *lifecycleContext) payment(hash lntypes.Hash) *LightningPayment {
	return &LightningPayment{
		Target:      c.graph.vertex("c"),
		Amount:      lnwire.NewMSatFromSatoshis(10_000),
		FeeLimit:    NoFeeLimit,
		PaymentHash: hash,
	}
}

// hashIs matches the HTLCs locked to the hash.
func hashIs(hash lntypes.Hash) interface{} {
	return mock.MatchedBy(func(htlc *lnwire.UpdateAddHTLC) bool {
		return htlc.PaymentHash == [32]byte(hash)
	})
}

// TestSendPaymentSuccess pays over the cheapest route and checks the
// payment is recorded as succeeded and can't be paid twice.
func TestSendPaymentSuccess(t *testing.T) {
	t.Parallel()

	c := newLifecycleContext(t)

	preimage := lntypes.Preimage{1}
	hash := preimage.Hash()

	c.dispatcher.On(
		"SendHTLC", lnwire.NewShortChanIDFromInt(1), uint64(1),
		hashIs(hash), mock.Anything,
	).Return(resultOf(&htlcswitch.PaymentResult{Preimage: preimage}), nil)

	got, route, err := c.router.SendPayment(
		context.Background(), c.payment(hash),
	)
	require.NoError(t, err)
	require.Equal(t, preimage, got)
	require.Len(t, route.Hops, 2)
	require.Equal(t, c.graph.vertex("b"), route.Hops[0].PubKeyBytes)
	c.dispatcher.AssertExpectations(t)

	payment, err := c.payments.FetchPayment(hash)
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusSucceeded, payment.Status)
	require.Equal(t, route.TotalFees(), payment.Fee)
	require.Len(t, payment.Route, 2)

	_, _, err = c.router.SendPayment(context.Background(), c.payment(hash))
	require.ErrorIs(t, err, channeldb.ErrAlreadyPaid)
}

// TestSendPaymentRetry fails the cheap route at its first hop and checks
// the payment succeeds over the second route.
func TestSendPaymentRetry(t *testing.T) {
	t.Parallel()

	c := newLifecycleContext(t)

	preimage := lntypes.Preimage{2}
	hash := preimage.Hash()

	c.dispatcher.On(
		"SendHTLC", lnwire.NewShortChanIDFromInt(1), mock.Anything,
		hashIs(hash), mock.Anything,
	).Return(
		resultOf(failureAt(lnwire.CodeTemporaryChannelFailure, 0)), nil,
	).Once()
	c.dispatcher.On(
		"SendHTLC", lnwire.NewShortChanIDFromInt(3), mock.Anything,
		hashIs(hash), mock.Anything,
	).Return(
		resultOf(&htlcswitch.PaymentResult{Preimage: preimage}), nil,
	).Once()

	got, route, err := c.router.SendPayment(
		context.Background(), c.payment(hash),
	)
	require.NoError(t, err)
	require.Equal(t, preimage, got)
	require.Equal(t, c.graph.vertex("d"), route.Hops[0].PubKeyBytes)
	c.dispatcher.AssertExpectations(t)
	c.dispatcher.AssertNumberOfCalls(t, "SendHTLC", 2)
}

// TestSendPaymentFinalFailure checks a failure of the receiver ends the
// payment without trying other routes.
func TestSendPaymentFinalFailure(t *testing.T) {
	t.Parallel()

	c := newLifecycleContext(t)
	hash := lntypes.Hash{3}

	c.dispatcher.On(
		"SendHTLC", mock.Anything, mock.Anything, hashIs(hash),
		mock.Anything,
	).Return(
		resultOf(failureAt(
			lnwire.CodeIncorrectOrUnknownPaymentDetails, 1,
		)), nil,
	).Once()

	_, _, err := c.router.SendPayment(context.Background(), c.payment(hash))

	var paymentErr *PaymentError
	require.ErrorAs(t, err, &paymentErr)
	require.Equal(
		t, channeldb.FailureReasonPaymentDetails, paymentErr.Reason,
	)
	c.dispatcher.AssertNumberOfCalls(t, "SendHTLC", 1)

	payment, err := c.payments.FetchPayment(hash)
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusFailed, payment.Status)
	require.Equal(
		t, channeldb.FailureReasonPaymentDetails, payment.FailureReason,
	)

	// A failed payment may be retried.
	c.dispatcher.On(
		"SendHTLC", mock.Anything, mock.Anything, hashIs(hash),
		mock.Anything,
	).Return(
		resultOf(&htlcswitch.PaymentResult{Preimage: lntypes.Preimage{}}),
		nil,
	).Once()

	_, _, err = c.router.SendPayment(context.Background(), c.payment(hash))
	require.NoError(t, err)
}

// TestSendPaymentRoutesExhausted fails every route and checks the payment
// fails with the reason of the last attempt.
func TestSendPaymentRoutesExhausted(t *testing.T) {
	t.Parallel()

	c := newLifecycleContext(t)
	hash := lntypes.Hash{4}

	c.dispatcher.On(
		"SendHTLC", mock.Anything, mock.Anything, hashIs(hash),
		mock.Anything,
	).Return(
		resultOf(failureAt(lnwire.CodeTemporaryChannelFailure, 1)),
		nil,
	).Once()
	c.dispatcher.On(
		"SendHTLC", mock.Anything, mock.Anything, hashIs(hash),
		mock.Anything,
	).Return(nil, htlcswitch.ErrUnknownFirstHop).Once()

	_, _, err := c.router.SendPayment(context.Background(), c.payment(hash))

	var paymentErr *PaymentError
	require.ErrorAs(t, err, &paymentErr)
	require.Equal(
		t, channeldb.FailureReasonPeerUnreachable, paymentErr.Reason,
	)
	require.ErrorIs(t, err, htlcswitch.ErrUnknownFirstHop)
	c.dispatcher.AssertNumberOfCalls(t, "SendHTLC", 2)
}

// TestSendPaymentNoRoute pays a node outside the graph.
func TestSendPaymentNoRoute(t *testing.T) {
	t.Parallel()

	c := newLifecycleContext(t)
	hash := lntypes.Hash{5}

	payment := c.payment(hash)
	payment.Amount = lnwire.NewMSatFromSatoshis(5_000_000)

	_, _, err := c.router.SendPayment(context.Background(), payment)

	var paymentErr *PaymentError
	require.ErrorAs(t, err, &paymentErr)
	require.Equal(t, channeldb.FailureReasonNoRoute, paymentErr.Reason)
	c.dispatcher.AssertNotCalled(
		t, "SendHTLC", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything,
	)
}
