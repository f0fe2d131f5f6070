package channeldb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// paymentsBucket is the name of the top-level bucket within the
	// database that stores all data related to payments. Each payment is
	// keyed by its payment hash.
	//
	// payments-bucket -> payment hash -> payment
	paymentsBucket = []byte("payments-bucket")
)

// PaymentStatus represent current status of payment.
type PaymentStatus byte

const (
	// StatusInFlight is the status where a payment has been initiated, but
	// a response has not been received.
	StatusInFlight PaymentStatus = 1

	// StatusSucceeded is the status where a payment has been initiated and
	// the payment was completed successfully.
	StatusSucceeded PaymentStatus = 2

	// StatusFailed is the status where a payment has been initiated and a
	// failure result has come back.
	StatusFailed PaymentStatus = 3
)

// String returns readable representation of payment status.
func (ps PaymentStatus) String() string {
	switch ps {
	case StatusInFlight:
		return "In Flight"

	case StatusSucceeded:
		return "Succeeded"

	case StatusFailed:
		return "Failed"

	default:
		return "Unknown"
	}
}

// FailureReason encodes the reason a payment ultimately failed.
type FailureReason byte

const (
	// FailureReasonNone means the payment didn't fail (yet).
	FailureReasonNone FailureReason = 0

	// FailureReasonInsufficientCapacity indicates that no channel along
	// the route had enough capacity for the payment.
	FailureReasonInsufficientCapacity FailureReason = 1

	// FailureReasonExpiredRoute indicates that an HTLC of the payment
	// expired before it was resolved.
	FailureReasonExpiredRoute FailureReason = 2

	// FailureReasonPeerUnreachable indicates that the first hop peer
	// wasn't connected.
	FailureReasonPeerUnreachable FailureReason = 3

	// FailureReasonNoRoute indicates no successful route to the
	// destination was found during path finding.
	FailureReasonNoRoute FailureReason = 4

	// FailureReasonPaymentDetails indicates that either the hash is
	// unknown or the final cltv delta or amount is incorrect.
	FailureReasonPaymentDetails FailureReason = 5

	// FailureReasonError indicates that an unexpected error happened
	// during payment.
	FailureReasonError FailureReason = 6
)

// String returns a human readable FailureReason.
func (r FailureReason) String() string {
	switch r {
	case FailureReasonNone:
		return "none"
	case FailureReasonInsufficientCapacity:
		return "insufficient_capacity"
	case FailureReasonExpiredRoute:
		return "expired_route"
	case FailureReasonPeerUnreachable:
		return "peer_unreachable"
	case FailureReasonNoRoute:
		return "no_route"
	case FailureReasonPaymentDetails:
		return "incorrect_payment_details"
	case FailureReasonError:
		return "error"
	}

	return "unknown"
}

// PaymentHop is one hop of the route a payment was sent along.
type PaymentHop struct {
	// PubKeyBytes is the raw bytes of the public key of the target node.
	PubKeyBytes [33]byte

	// ChannelID is the unique channel ID for the channel. The first 3
	// bytes are the block height, the next 3 the index within the block,
	// and the last 2 bytes are the output index for the channel.
	ChannelID uint64

	// OutgoingTimeLock is the timelock value that should be used when
	// crafting the _outgoing_ HTLC from this hop.
	OutgoingTimeLock uint32

	// AmtToForward is the amount that this hop will forward to the next
	// hop. This value is less than the value that the incoming HTLC
	// carries as a fee will be subtracted by the hop.
	AmtToForward lnwire.MilliSatoshi
}

// Payment is an outgoing payment along with its route and outcome.
type Payment struct {
	// PaymentHash is the hash the payment is paying to.
	PaymentHash lntypes.Hash

	// Value is the amount we are paying.
	Value lnwire.MilliSatoshi

	// Fee is the total fee paid to the intermediate hops.
	Fee lnwire.MilliSatoshi

	// CreationTime is the time when this payment was initiated.
	CreationTime time.Time

	// ResolveTime is the time the payment succeeded or failed.
	ResolveTime time.Time

	// PaymentRequest is the full payment request, if any.
	PaymentRequest []byte

	// Status is the current status of the payment.
	Status PaymentStatus

	// Route is the route of the last attempt.
	Route []PaymentHop

	// Preimage is set once the payment succeeded.
	Preimage lntypes.Preimage

	// FailureReason is set once the payment failed.
	FailureReason FailureReason
}

// String returns a human-readable description of the payment.
func (p *Payment) String() string {
	return fmt.Sprintf("payment_hash=%v, amount=%v, status=%v, "+
		"created_at=%v", p.PaymentHash, p.Value, p.Status,
		p.CreationTime)
}

// PaymentControl tracks all outgoing payments, whose primary purpose is to
// prevent duplicate payments to the same payment hash. Payments transition
// from InFlight to either Succeeded or Failed, a failed payment may be
// retried.
type PaymentControl struct {
	db *DB
}

// NewPaymentControl creates a new instance of the PaymentControl.
func NewPaymentControl(db *DB) *PaymentControl {
	return &PaymentControl{
		db: db,
	}
}

// InitPayment checks that we don't already have an InFlight or Succeeded
// payment identified by the same payment hash, and records the new payment
// as InFlight.
func (p *PaymentControl) InitPayment(payment *Payment) error {
	var takeoffErr error
	err := kvdb.Update(p.db, func(tx kvdb.RwTx) error {
		// Reset the takeoff error, to avoid carrying over an error
		// from a previous execution of the db transaction.
		takeoffErr = nil

		payments := tx.ReadWriteBucket(paymentsBucket)
		if payments == nil {
			return ErrNoChanDBExists
		}

		existing, err := fetchPayment(payments, payment.PaymentHash)
		switch {
		case err == ErrPaymentNotInitiated:

		case err != nil:
			return err

		case existing.Status == StatusInFlight:
			// We already have an InFlight payment on the network.
			// We will disallow any more payment until a response
			// is received.
			takeoffErr = ErrPaymentInFlight
			return nil

		case existing.Status == StatusSucceeded:
			// We've already completed a payment to this payment
			// hash, forbid the switch from sending another.
			takeoffErr = ErrAlreadyPaid
			return nil
		}

		payment.Status = StatusInFlight
		payment.FailureReason = FailureReasonNone
		payment.ResolveTime = time.Time{}
		if payment.CreationTime.IsZero() {
			payment.CreationTime = p.db.clock.Now()
		}

		return putPayment(payments, payment)
	}, func() {})
	if err != nil {
		return err
	}

	return takeoffErr
}

// RegisterAttempt records the route an InFlight payment is being sent along.
func (p *PaymentControl) RegisterAttempt(hash lntypes.Hash,
	route []PaymentHop, fee lnwire.MilliSatoshi) error {

	return p.updatePayment(hash, func(payment *Payment) error {
		if payment.Status != StatusInFlight {
			return ErrPaymentNotInFlight
		}

		payment.Route = route
		payment.Fee = fee

		return nil
	})
}

// Success transitions an InFlight payment to Succeeded, otherwise it returns
// an error. After calling Success, InitPayment should prevent any further
// attempts for the same payment hash.
func (p *PaymentControl) Success(hash lntypes.Hash,
	preimage lntypes.Preimage) error {

	return p.updatePayment(hash, func(payment *Payment) error {
		switch payment.Status {
		case StatusInFlight:
		case StatusSucceeded:
			return ErrPaymentAlreadyCompleted
		default:
			return ErrPaymentNotInFlight
		}

		payment.Status = StatusSucceeded
		payment.Preimage = preimage
		payment.ResolveTime = p.db.clock.Now()

		return nil
	})
}

// Fail transitions an InFlight payment to Failed with the given reason. A
// failed payment may be initiated again.
func (p *PaymentControl) Fail(hash lntypes.Hash, reason FailureReason) error {
	return p.updatePayment(hash, func(payment *Payment) error {
		switch payment.Status {
		case StatusInFlight:
		case StatusSucceeded:
			// The payment was completed previously, and we are now
			// reporting that it has failed. Leave the status as
			// completed, but alert the user that something is
			// wrong.
			return ErrPaymentAlreadyCompleted
		default:
			return ErrPaymentNotInFlight
		}

		payment.Status = StatusFailed
		payment.FailureReason = reason
		payment.ResolveTime = p.db.clock.Now()

		return nil
	})
}

// FetchPayment returns the payment of the hash.
func (p *PaymentControl) FetchPayment(hash lntypes.Hash) (*Payment, error) {
	var payment *Payment
	err := kvdb.View(p.db, func(tx kvdb.RTx) error {
		payments := tx.ReadBucket(paymentsBucket)
		if payments == nil {
			return ErrPaymentNotInitiated
		}

		var err error
		payment, err = fetchPayment(payments, hash)

		return err
	}, func() {
		payment = nil
	})
	if err != nil {
		return nil, err
	}

	return payment, nil
}

// FetchInFlightPayments returns all payments with status InFlight. They are
// resumed after a restart.
func (p *PaymentControl) FetchInFlightPayments() ([]*Payment, error) {
	all, err := p.FetchPayments()
	if err != nil {
		return nil, err
	}

	var inFlight []*Payment
	for _, payment := range all {
		if payment.Status == StatusInFlight {
			inFlight = append(inFlight, payment)
		}
	}

	return inFlight, nil
}

// FetchPayments returns all sent payments found in the DB.
func (p *PaymentControl) FetchPayments() ([]*Payment, error) {
	var payments []*Payment
	err := kvdb.View(p.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(paymentsBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			payment, err := deserializePayment(bytes.NewReader(v))
			if err != nil {
				return err
			}
			payments = append(payments, payment)

			return nil
		})
	}, func() {
		payments = nil
	})
	if err != nil {
		return nil, err
	}

	return payments, nil
}

func (p *PaymentControl) updatePayment(hash lntypes.Hash,
	cb func(*Payment) error) error {

	return kvdb.Update(p.db, func(tx kvdb.RwTx) error {
		payments := tx.ReadWriteBucket(paymentsBucket)
		if payments == nil {
			return ErrPaymentNotInitiated
		}

		payment, err := fetchPayment(payments, hash)
		if err != nil {
			return err
		}

		if err := cb(payment); err != nil {
			return err
		}

		return putPayment(payments, payment)
	}, func() {})
}

func fetchPayment(payments kvdb.RBucket, hash lntypes.Hash) (*Payment, error) {
	paymentBytes := payments.Get(hash[:])
	if paymentBytes == nil {
		return nil, ErrPaymentNotInitiated
	}

	return deserializePayment(bytes.NewReader(paymentBytes))
}

func putPayment(payments kvdb.RwBucket, payment *Payment) error {
	var b bytes.Buffer
	if err := serializePayment(&b, payment); err != nil {
		return err
	}

	return payments.Put(payment.PaymentHash[:], b.Bytes())
}

func serializePayment(w io.Writer, p *Payment) error {
	err := WriteElements(w,
		[32]byte(p.PaymentHash), p.Value, p.Fee, p.CreationTime,
		p.ResolveTime, p.PaymentRequest, uint8(p.Status),
		[32]byte(p.Preimage), uint8(p.FailureReason),
		uint16(len(p.Route)),
	)
	if err != nil {
		return err
	}

	for _, hop := range p.Route {
		err := WriteElements(w,
			hop.PubKeyBytes, hop.ChannelID, hop.OutgoingTimeLock,
			hop.AmtToForward,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

func deserializePayment(r io.Reader) (*Payment, error) {
	var (
		p                     Payment
		hash, preimage        [32]byte
		status, failureReason uint8
		numHops               uint16
	)

	err := ReadElements(r,
		&hash, &p.Value, &p.Fee, &p.CreationTime, &p.ResolveTime,
		&p.PaymentRequest, &status, &preimage, &failureReason,
		&numHops,
	)
	if err != nil {
		return nil, err
	}

	p.PaymentHash = lntypes.Hash(hash)
	p.Preimage = lntypes.Preimage(preimage)
	p.Status = PaymentStatus(status)
	p.FailureReason = FailureReason(failureReason)

	if numHops > 0 {
		p.Route = make([]PaymentHop, numHops)
	}
	for i := range p.Route {
		hop := &p.Route[i]
		err := ReadElements(r,
			&hop.PubKeyBytes, &hop.ChannelID,
			&hop.OutgoingTimeLock, &hop.AmtToForward,
		)
		if err != nil {
			return nil, err
		}
	}

	return &p, nil
}
