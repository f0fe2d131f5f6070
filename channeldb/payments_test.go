package channeldb

import (
	"testing"
	"time"

	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/stretchr/testify/require"
)

func genPayment(seed byte) (*Payment, lntypes.Preimage) {
	var preimage lntypes.Preimage
	preimage[0] = seed
	preimage[1] = 0x42

	return &Payment{
		PaymentHash:    preimage.Hash(),
		Value:          lnwire.MilliSatoshi(30_000),
		CreationTime:   time.Unix(1_700_000_000, 0),
		PaymentRequest: []byte("lnhop1ppp"),
	}, preimage
}

func TestPaymentControlSuccess(t *testing.T) {
	t.Parallel()

	cdb, err := MakeTestDB(t)
	require.NoError(t, err)

	pControl := NewPaymentControl(cdb)
	payment, preimage := genPayment(1)

	// Nothing can be recorded before the payment is initiated.
	err = pControl.Success(payment.PaymentHash, preimage)
	require.ErrorIs(t, err, ErrPaymentNotInitiated)

	require.NoError(t, pControl.InitPayment(payment))

	// A second attempt while the first is still in flight is refused.
	dup, _ := genPayment(1)
	require.ErrorIs(t, pControl.InitPayment(dup), ErrPaymentInFlight)

	route := []PaymentHop{{
		ChannelID:        123,
		OutgoingTimeLock: 500,
		AmtToForward:     30_000,
	}}
	require.NoError(t, pControl.RegisterAttempt(
		payment.PaymentHash, route, 10,
	))

	inFlight, err := pControl.FetchInFlightPayments()
	require.NoError(t, err)
	require.Len(t, inFlight, 1)

	require.NoError(t, pControl.Success(payment.PaymentHash, preimage))

	stored, err := pControl.FetchPayment(payment.PaymentHash)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, stored.Status)
	require.Equal(t, preimage, stored.Preimage)
	require.Equal(t, route, stored.Route)
	require.Equal(t, lnwire.MilliSatoshi(10), stored.Fee)
	require.False(t, stored.ResolveTime.IsZero())

	// A paid hash can't be paid again, and can't be failed afterwards.
	require.ErrorIs(t, pControl.InitPayment(dup), ErrAlreadyPaid)
	require.ErrorIs(
		t, pControl.Fail(payment.PaymentHash, FailureReasonError),
		ErrPaymentAlreadyCompleted,
	)
	require.ErrorIs(
		t, pControl.Success(payment.PaymentHash, preimage),
		ErrPaymentAlreadyCompleted,
	)

	inFlight, err = pControl.FetchInFlightPayments()
	require.NoError(t, err)
	require.Empty(t, inFlight)
}

func TestPaymentControlFailAndRetry(t *testing.T) {
	t.Parallel()

	cdb, err := MakeTestDB(t)
	require.NoError(t, err)

	pControl := NewPaymentControl(cdb)
	payment, preimage := genPayment(2)

	require.NoError(t, pControl.InitPayment(payment))
	require.NoError(t, pControl.Fail(
		payment.PaymentHash, FailureReasonNoRoute,
	))

	stored, err := pControl.FetchPayment(payment.PaymentHash)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.Equal(t, FailureReasonNoRoute, stored.FailureReason)

	require.ErrorIs(
		t, pControl.Fail(payment.PaymentHash, FailureReasonError),
		ErrPaymentNotInFlight,
	)
	require.ErrorIs(
		t, pControl.RegisterAttempt(payment.PaymentHash, nil, 0),
		ErrPaymentNotInFlight,
	)

	// A failed payment may be retried.
	retry, _ := genPayment(2)
	require.NoError(t, pControl.InitPayment(retry))
	require.NoError(t, pControl.Success(payment.PaymentHash, preimage))

	all, err := pControl.FetchPayments()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, StatusSucceeded, all[0].Status)
	require.Equal(t, FailureReasonNone, all[0].FailureReason)
}
