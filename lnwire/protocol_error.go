package lnwire

import "fmt"

// ProtocolErrorCode classifies a violation of the peer protocol.
type ProtocolErrorCode uint16

const (
	// CodeInvalidNonce means a revealed MuSig2 nonce did not match the
	// commitment received earlier.
	CodeInvalidNonce ProtocolErrorCode = 1

	// CodeUnexpectedMessage means a message arrived in a channel state
	// that does not accept it.
	CodeUnexpectedMessage ProtocolErrorCode = 2

	// CodeStaleCommitment means a message referenced a commitment height
	// that has already been superseded.
	CodeStaleCommitment ProtocolErrorCode = 3

	// CodeInvalidSignature means a gossip or commitment signature did not
	// verify.
	CodeInvalidSignature ProtocolErrorCode = 4

	// CodeMalformedMessage means a message could not be decoded or had
	// inconsistent fields.
	CodeMalformedMessage ProtocolErrorCode = 5

	// CodeInvalidRevocation means a revealed revocation secret did not
	// match the commitment point it revokes.
	CodeInvalidRevocation ProtocolErrorCode = 6

	// CodeUnknownChannel means a message named a channel we don't have.
	CodeUnknownChannel ProtocolErrorCode = 7

	// CodeInvalidCommitment means the peer's view of a transaction we
	// must co-sign disagrees with ours.
	CodeInvalidCommitment ProtocolErrorCode = 8

	// CodeSyncFailure means channel_reestablish heights can not be
	// reconciled.
	CodeSyncFailure ProtocolErrorCode = 9

	// CodeIncompatibleFeatures means the peer requires feature bits we
	// do not understand.
	CodeIncompatibleFeatures ProtocolErrorCode = 10
)

// String returns a human readable name of the code.
func (c ProtocolErrorCode) String() string {
	switch c {
	case CodeInvalidNonce:
		return "InvalidNonce"
	case CodeUnexpectedMessage:
		return "UnexpectedMessage"
	case CodeStaleCommitment:
		return "StaleCommitment"
	case CodeInvalidSignature:
		return "InvalidSignature"
	case CodeMalformedMessage:
		return "MalformedMessage"
	case CodeInvalidRevocation:
		return "InvalidRevocation"
	case CodeUnknownChannel:
		return "UnknownChannel"
	case CodeInvalidCommitment:
		return "InvalidCommitment"
	case CodeSyncFailure:
		return "SyncFailure"
	case CodeIncompatibleFeatures:
		return "IncompatibleFeatures"
	default:
		return fmt.Sprintf("ProtocolErrorCode(%d)", uint16(c))
	}
}

// ProtocolError is returned when a peer sends a malformed or out of order
// message. It tears down the offending channel or session only.
type ProtocolError struct {
	// Code classifies the violation.
	Code ProtocolErrorCode

	// ChanID is the channel the violation happened on. It is the
	// connection wide id if the error concerns the whole session.
	ChanID ChannelID

	// Detail is free form context for logs.
	Detail string
}

// NewProtocolError creates a ProtocolError for the given channel.
func NewProtocolError(code ProtocolErrorCode, chanID ChannelID,
	format string, args ...interface{}) *ProtocolError {

	return &ProtocolError{
		Code:   code,
		ChanID: chanID,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Error returns the error string.
func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("protocol error %v on chan %v", e.Code,
			e.ChanID)
	}

	return fmt.Sprintf("protocol error %v on chan %v: %v", e.Code,
		e.ChanID, e.Detail)
}

// Is makes errors.Is match any ProtocolError with the same code, so callers
// can compare against the exported sentinels.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}

	return t.Code == e.Code
}

// ToWireError converts the protocol error into an Error message for the
// peer.
func (e *ProtocolError) ToWireError() *Error {
	return &Error{
		ChanID: e.ChanID,
		Code:   e.Code,
		Data:   ErrorData(e.Error()),
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidNonce        = &ProtocolError{Code: CodeInvalidNonce}
	ErrUnexpectedMessage   = &ProtocolError{Code: CodeUnexpectedMessage}
	ErrStaleCommitment     = &ProtocolError{Code: CodeStaleCommitment}
	ErrInvalidSignature    = &ProtocolError{Code: CodeInvalidSignature}
	ErrMalformedMessage    = &ProtocolError{Code: CodeMalformedMessage}
	ErrInvalidRevocation   = &ProtocolError{Code: CodeInvalidRevocation}
	ErrUnknownChannel      = &ProtocolError{Code: CodeUnknownChannel}
	ErrInvalidCommitment   = &ProtocolError{Code: CodeInvalidCommitment}
	ErrSyncFailure         = &ProtocolError{Code: CodeSyncFailure}
	ErrIncompatibleFeature = &ProtocolError{Code: CodeIncompatibleFeatures}
)
