package lnwallet

import (
	"errors"
	"fmt"

	"github.com/hopline/hopd/lnwire"
)

// ChannelErrorCode identifies why a channel operation was refused.
type ChannelErrorCode uint8

const (
	// CodeInsufficientBalance means the offering side can't pay for an
	// HTLC on top of its reserve and, if it's the initiator, the
	// commitment fee.
	CodeInsufficientBalance ChannelErrorCode = iota + 1

	// CodeTooManyHTLCs means the HTLC count or the value in flight would
	// exceed the limit set by the receiver.
	CodeTooManyHTLCs

	// CodeExpiryTooSoon means the HTLC expires before the current height
	// plus the minimum delta.
	CodeExpiryTooSoon

	// CodeHtlcBelowMinimum means the HTLC is smaller than the receiver's
	// minimum.
	CodeHtlcBelowMinimum

	// CodeInvalidPreimage means a preimage didn't hash to the payment
	// hash of the HTLC it settles.
	CodeInvalidPreimage

	// CodeUnknownHtlc means no HTLC with the given index exists.
	CodeUnknownHtlc

	// CodeHtlcNotCommitted means the HTLC can't be removed yet as it
	// isn't locked into both commitments, or a removal is already
	// pending.
	CodeHtlcNotCommitted

	// CodeNoPendingUpdates means a commitment was requested or received
	// that would cover no new updates.
	CodeNoPendingUpdates

	// CodeRevocationWindowExhausted means a new commitment can't be
	// signed until the counterparty revokes its current one.
	CodeRevocationWindowExhausted

	// CodeChannelClosing means the channel doesn't accept new HTLCs as a
	// close is in progress.
	CodeChannelClosing
)

// String returns a human readable name of the code.
func (c ChannelErrorCode) String() string {
	switch c {
	case CodeInsufficientBalance:
		return "InsufficientBalance"
	case CodeTooManyHTLCs:
		return "TooManyHTLCs"
	case CodeExpiryTooSoon:
		return "ExpiryTooSoon"
	case CodeHtlcBelowMinimum:
		return "HtlcBelowMinimum"
	case CodeInvalidPreimage:
		return "InvalidPreimage"
	case CodeUnknownHtlc:
		return "UnknownHtlc"
	case CodeHtlcNotCommitted:
		return "HtlcNotCommitted"
	case CodeNoPendingUpdates:
		return "NoPendingUpdates"
	case CodeRevocationWindowExhausted:
		return "RevocationWindowExhausted"
	case CodeChannelClosing:
		return "ChannelClosing"
	default:
		return fmt.Sprintf("ChannelErrorCode(%d)", uint8(c))
	}
}

// ChannelError is returned when a channel update is refused. The channel
// state is left untouched.
type ChannelError struct {
	Code   ChannelErrorCode
	ChanID lnwire.ChannelID
	Detail string
}

// Error returns the error string.
func (e *ChannelError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("channel error %v", e.Code)
	}

	return fmt.Sprintf("ChannelID(%v): %v: %s", e.ChanID, e.Code,
		e.Detail)
}

// Is matches any ChannelError with the same code.
func (e *ChannelError) Is(target error) bool {
	var t *ChannelError
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

// newChannelError creates a ChannelError with a formatted detail string.
func newChannelError(code ChannelErrorCode, chanID lnwire.ChannelID,
	format string, args ...interface{}) *ChannelError {

	return &ChannelError{
		Code:   code,
		ChanID: chanID,
		Detail: fmt.Sprintf(format, args...),
	}
}

var (
	ErrInsufficientBalance = &ChannelError{Code: CodeInsufficientBalance}
	ErrTooManyHTLCs        = &ChannelError{Code: CodeTooManyHTLCs}
	ErrExpiryTooSoon       = &ChannelError{Code: CodeExpiryTooSoon}
	ErrHtlcBelowMinimum    = &ChannelError{Code: CodeHtlcBelowMinimum}
	ErrInvalidPreimage     = &ChannelError{Code: CodeInvalidPreimage}
	ErrUnknownHtlc         = &ChannelError{Code: CodeUnknownHtlc}
	ErrHtlcNotCommitted    = &ChannelError{Code: CodeHtlcNotCommitted}
	ErrNoPendingUpdates    = &ChannelError{Code: CodeNoPendingUpdates}
	ErrNoRevocationWindow  = &ChannelError{
		Code: CodeRevocationWindowExhausted,
	}
	ErrChannelClosing = &ChannelError{Code: CodeChannelClosing}
)

// NegotiationError is returned when the parameters proposed by a peer for a
// new channel are unacceptable. The channel is discarded without any
// on-chain action.
type NegotiationError struct {
	Reason string
}

// Error returns the error string.
func (e *NegotiationError) Error() string {
	return "channel negotiation failed: " + e.Reason
}

// newNegotiationError creates a NegotiationError from a format string.
func newNegotiationError(format string,
	args ...interface{}) *NegotiationError {

	return &NegotiationError{Reason: fmt.Sprintf(format, args...)}
}

// ErrDataLoss is returned by ProcessChanSyncMsg when the remote party proved
// that our state is behind. Our commitment must not be broadcast.
var ErrDataLoss = errors.New("remote party proved local state is stale")
