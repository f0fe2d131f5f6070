package htlcswitch

import (
	"errors"

	"github.com/hopline/hopd/lntypes"
)

var (
	// ErrSwitchExiting is returned when the switch shuts down while a
	// request is pending.
	ErrSwitchExiting = errors.New("htlcswitch shutting down")

	// ErrUnknownFirstHop is returned when a payment names a first hop we
	// have no active channel for.
	ErrUnknownFirstHop = errors.New("no active channel for first hop")
)

// PaymentResult is the outcome of an HTLC of a local payment. Error is nil
// iff the HTLC was settled with Preimage.
type PaymentResult struct {
	// Preimage settles the payment.
	Preimage lntypes.Preimage

	// Error is a *ForwardingError if a hop failed the HTLC, or the
	// reason the failure could not be decrypted.
	Error error
}

// pendingPayment is the local side of an attempt while its HTLC is in
// flight.
type pendingPayment struct {
	attemptID uint64

	decrypter ErrorDecrypter

	// resultChan is buffered so the forwarder never blocks on it.
	resultChan chan *PaymentResult
}

func newPendingPayment(attemptID uint64,
	decrypter ErrorDecrypter) *pendingPayment {

	return &pendingPayment{
		attemptID:  attemptID,
		decrypter:  decrypter,
		resultChan: make(chan *PaymentResult, 1),
	}
}

// resolve delivers the result of the attempt.
func (p *pendingPayment) resolve(result *PaymentResult) {
	select {
	case p.resultChan <- result:
	default:
		log.Warnf("Duplicate result for payment attempt %d",
			p.attemptID)
	}
}
