package invoices

import "errors"

var (
	// ErrInvoiceExpiryTooSoon is returned when an htlc pays an invoice with
	// fewer blocks left before its expiry than the invoice requires.
	ErrInvoiceExpiryTooSoon = errors.New("invoice expiry too soon")

	// ErrInvoiceAmountTooLow is returned when an htlc pays less than the
	// invoice amount.
	ErrInvoiceAmountTooLow = errors.New("paid amount less than invoice " +
		"amount")

	// ErrShuttingDown is returned when an operation failed because the
	// invoice registry is shutting down.
	ErrShuttingDown = errors.New("invoice registry shutting down")

	// ErrInvalidAmount is returned when an invoice is requested for a
	// negative or oversized amount.
	ErrInvalidAmount = errors.New("invalid invoice amount")
)

// ResolutionResult is the outcome of an htlc that reached us as the final
// hop.
type ResolutionResult uint8

const (
	// ResultSettled means the invoice was settled by this htlc.
	ResultSettled ResolutionResult = iota

	// ResultReplayToSettled means the invoice was already settled and the
	// htlc is settled again with the same preimage.
	ResultReplayToSettled

	// ResultInvoiceNotFound means no invoice exists for the hash.
	ResultInvoiceNotFound

	// ResultInvoiceAlreadyCanceled means the invoice was canceled.
	ResultInvoiceAlreadyCanceled

	// ResultInvoiceExpired means the invoice expired before the htlc
	// arrived.
	ResultInvoiceExpired

	// ResultAmountTooLow means the htlc pays less than the invoice.
	ResultAmountTooLow

	// ResultExpiryTooSoon means the htlc expires too close to the
	// current height to be settled safely.
	ResultExpiryTooSoon
)

// String returns a human readable representation of the result.
func (r ResolutionResult) String() string {
	switch r {
	case ResultSettled:
		return "settled"

	case ResultReplayToSettled:
		return "replayed htlc to settled invoice"

	case ResultInvoiceNotFound:
		return "invoice not found"

	case ResultInvoiceAlreadyCanceled:
		return "invoice already canceled"

	case ResultInvoiceExpired:
		return "invoice expired"

	case ResultAmountTooLow:
		return "amount too low"

	case ResultExpiryTooSoon:
		return "expiry too soon"

	default:
		return "unknown"
	}
}

// IsSettle returns true if the htlc must be settled with the preimage.
func (r ResolutionResult) IsSettle() bool {
	return r == ResultSettled || r == ResultReplayToSettled
}
