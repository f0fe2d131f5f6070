package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/htlcswitch"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/sphinx"
)

// DefaultMaxPaymentAttempts is the number of routes tried for a payment
// that doesn't set its own limit.
const DefaultMaxPaymentAttempts = 3

// ErrRouterShuttingDown is returned if the router stops while a payment
// waits for the result of an attempt.
var ErrRouterShuttingDown = errors.New("router shutting down")

// PaymentAttemptDispatcher offers the HTLC of a payment attempt on our
// channel with the first hop of its route.
type PaymentAttemptDispatcher interface {
	// SendHTLC offers the HTLC. The returned channel receives the single
	// result of the attempt.
	SendHTLC(firstHop lnwire.ShortChannelID, attemptID uint64,
		htlc *lnwire.UpdateAddHTLC,
		decrypter htlcswitch.ErrorDecrypter) (
		<-chan *htlcswitch.PaymentResult, error)
}

// LightningPayment describes a payment to send.
type LightningPayment struct {
	// Target is the node paid.
	Target graph.Vertex

	// Amount is what the target receives.
	Amount lnwire.MilliSatoshi

	// FeeLimit is the most we pay in fees. NoFeeLimit disables the check.
	FeeLimit lnwire.MilliSatoshi

	// CltvLimit is the maximum total time lock of a route. Zero uses the
	// default limit.
	CltvLimit uint32

	// PaymentHash is the hash the HTLCs are locked to.
	PaymentHash lntypes.Hash

	// FinalCLTVDelta is the time lock delta the target requires.
	FinalCLTVDelta uint16

	// PaymentRequest is the encoded invoice paid, if any. It is stored
	// with the payment.
	PaymentRequest []byte

	// MaxAttempts bounds the number of routes tried.
	MaxAttempts int
}

// PaymentError is returned for a payment that failed for good. Reason is
// what the payment store records.
type PaymentError struct {
	Reason channeldb.FailureReason

	// Err is the failure of the last attempt, if any.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payment failed: %v", e.Reason)
	}

	return fmt.Sprintf("payment failed: %v: %v", e.Reason, e.Err)
}

// Unwrap returns the failure of the last attempt.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// SendPayment pays the target along the cheapest routes to it, trying the
// next route when an attempt fails with a failure another route may avoid.
// It returns the preimage and the route that succeeded. The payment is
// recorded in the payment store before the first attempt, so a second
// payment to the same hash is rejected while this one is in flight or after
// it succeeded.
func (r *Router) SendPayment(ctx context.Context,
	payment *LightningPayment) (lntypes.Preimage, *Route, error) {

	err := r.cfg.Payments.InitPayment(&channeldb.Payment{
		PaymentHash:    payment.PaymentHash,
		Value:          payment.Amount,
		CreationTime:   r.cfg.Clock.Now(),
		PaymentRequest: payment.PaymentRequest,
	})
	if err != nil {
		return lntypes.Preimage{}, nil, err
	}

	p := &paymentLifecycle{
		router:  r,
		payment: payment,
	}

	return p.resume(ctx)
}

// paymentLifecycle drives a single payment through its attempts.
type paymentLifecycle struct {
	router  *Router
	payment *LightningPayment
}

// resume finds the routes of the payment and tries them in order.
func (p *paymentLifecycle) resume(
	ctx context.Context) (lntypes.Preimage, *Route, error) {

	payment := p.payment

	maxAttempts := payment.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPaymentAttempts
	}

	routes, err := p.router.QueryRoutes(
		p.router.cfg.SelfNode, payment.Target, payment.Amount,
		RestrictParams{
			FeeLimit:       payment.FeeLimit,
			CltvLimit:      payment.CltvLimit,
			NumRoutes:      maxAttempts,
			FinalCltvDelta: payment.FinalCLTVDelta,
		},
	)
	if err != nil {
		return p.fail(channeldb.FailureReasonError, err)
	}
	if len(routes) == 0 {
		return p.fail(channeldb.FailureReasonNoRoute, nil)
	}

	var (
		lastReason = channeldb.FailureReasonNoRoute
		lastErr    error
	)
	for i, route := range routes {
		select {
		case <-ctx.Done():
			return p.fail(channeldb.FailureReasonError, ctx.Err())
		case <-p.router.quit:
			return lntypes.Preimage{}, nil, ErrRouterShuttingDown
		default:
		}

		log.Debugf("Payment %v: attempt %d/%d over %v",
			payment.PaymentHash, i+1, len(routes), route)

		preimage, err := p.sendAttempt(route)
		switch {
		case err == nil:
			log.Infof("Payment %v succeeded over %v",
				payment.PaymentHash, route)

			err := p.router.cfg.Payments.Success(
				payment.PaymentHash, preimage,
			)
			if err != nil &&
				!errors.Is(err, channeldb.ErrPaymentAlreadyCompleted) {

				log.Errorf("Unable to record payment %v: %v",
					payment.PaymentHash, err)
			}

			return preimage, route, nil

		case errors.Is(err, ErrRouterShuttingDown):
			return lntypes.Preimage{}, nil, err
		}

		reason, terminal := classifyFailure(route, err)

		log.Debugf("Payment %v: attempt %d failed: %v (%v)",
			payment.PaymentHash, i+1, err, reason)

		if terminal {
			return p.fail(reason, err)
		}
		lastReason, lastErr = reason, err
	}

	return p.fail(lastReason, lastErr)
}

// sendAttempt builds the onion of the route, records the attempt and waits
// for its result.
func (p *paymentLifecycle) sendAttempt(
	route *Route) (lntypes.Preimage, error) {

	hash := p.payment.PaymentHash

	path, err := route.ToSphinxPath()
	if err != nil {
		return lntypes.Preimage{}, err
	}

	sessionKey, err := btcec.NewPrivateKey()
	if err != nil {
		return lntypes.Preimage{}, err
	}

	onion, err := sphinx.NewOnionPacket(
		path, sessionKey, hash[:], route.ReceiverAmt(),
		sphinx.DeterministicPacketFiller,
	)
	if err != nil {
		return lntypes.Preimage{}, err
	}

	blob, err := onion.ToBlob()
	if err != nil {
		return lntypes.Preimage{}, err
	}

	err = p.router.cfg.Payments.RegisterAttempt(
		hash, route.ToPaymentHops(), route.TotalFees(),
	)
	if err != nil {
		return lntypes.Preimage{}, err
	}

	htlc := &lnwire.UpdateAddHTLC{
		Amount:      route.TotalAmount,
		PaymentHash: hash,
		Expiry:      route.TotalTimeLock,
		OnionBlob:   blob,
	}
	decrypter := htlcswitch.NewSphinxErrorDecrypter(&sphinx.Circuit{
		SessionKey:  sessionKey,
		PaymentPath: path.NodeKeys(),
	})

	attemptID := p.router.nextAttemptID.Add(1)
	resultChan, err := p.router.cfg.Dispatcher.SendHTLC(
		route.Hops[0].ChannelID, attemptID, htlc, decrypter,
	)
	if err != nil {
		return lntypes.Preimage{}, err
	}

	// Once the HTLC is out only its result or our shutdown ends the
	// wait.
	select {
	case result, ok := <-resultChan:
		if !ok {
			return lntypes.Preimage{}, ErrRouterShuttingDown
		}
		if result.Error != nil {
			return lntypes.Preimage{}, result.Error
		}

		return result.Preimage, nil

	case <-p.router.quit:
		return lntypes.Preimage{}, ErrRouterShuttingDown
	}
}

// fail records the final failure of the payment.
func (p *paymentLifecycle) fail(reason channeldb.FailureReason,
	err error) (lntypes.Preimage, *Route, error) {

	hash := p.payment.PaymentHash
	log.Infof("Payment %v failed: %v", hash, reason)

	if dbErr := p.router.cfg.Payments.Fail(hash, reason); dbErr != nil {
		log.Errorf("Unable to record failure of payment %v: %v", hash,
			dbErr)
	}

	return lntypes.Preimage{}, nil, &PaymentError{Reason: reason, Err: err}
}

// classifyFailure returns the failure reason of an attempt and whether no
// other route can succeed.
func classifyFailure(route *Route, err error) (channeldb.FailureReason,
	bool) {

	var fwdErr *htlcswitch.ForwardingError
	if !errors.As(err, &fwdErr) {
		switch {
		case errors.Is(err, htlcswitch.ErrUnknownFirstHop):
			return channeldb.FailureReasonPeerUnreachable, false

		case errors.Is(err, lnwallet.ErrInsufficientBalance):
			return channeldb.FailureReasonInsufficientCapacity,
				false

		default:
			return channeldb.FailureReasonError, false
		}
	}

	finalHop := fwdErr.FailureSourceIdx == len(route.Hops)-1

	switch fwdErr.Code {
	case lnwire.CodeIncorrectOrUnknownPaymentDetails,
		lnwire.CodeFinalIncorrectHtlcAmount:

		return channeldb.FailureReasonPaymentDetails, true

	case lnwire.CodeFinalIncorrectCltvExpiry, lnwire.CodeExpiryTooSoon,
		lnwire.CodeIncorrectCltvExpiry:

		return channeldb.FailureReasonExpiredRoute, finalHop

	case lnwire.CodeTemporaryChannelFailure, lnwire.CodeFeeInsufficient,
		lnwire.CodeAmountBelowMinimum:

		return channeldb.FailureReasonInsufficientCapacity, false

	case lnwire.CodeUnknownNextPeer:
		return channeldb.FailureReasonPeerUnreachable, false
	}

	if finalHop && fwdErr.Code.IsPermanent() {
		return channeldb.FailureReasonPaymentDetails, true
	}

	return channeldb.FailureReasonNoRoute, false
}
