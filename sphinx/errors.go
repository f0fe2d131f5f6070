package sphinx

import (
	"errors"
	"fmt"
)

// RoutingErrorCode enumerates the failures of onion construction, onion
// processing and route finding.
type RoutingErrorCode uint8

const (
	// CodePacketTooLarge means the route has more hops than the fixed
	// packet holds, or a hop payload overflows its frame.
	CodePacketTooLarge RoutingErrorCode = iota + 1

	// CodeTagMismatch means the header MAC of a packet did not verify.
	CodeTagMismatch

	// CodeReplayedSharedSecret means the packet's shared secret was seen
	// before.
	CodeReplayedSharedSecret

	// CodeInvalidOnionVersion means the packet version is unknown.
	CodeInvalidOnionVersion

	// CodeInvalidOnionKey means the ephemeral key is not a valid point.
	CodeInvalidOnionKey

	// CodeInvalidPayload means a decrypted hop frame could not be parsed.
	CodeInvalidPayload

	// CodeNoRoute means no path satisfies the payment constraints.
	CodeNoRoute

	// CodeInvalidErrorOnion means a failure onion could not be attributed
	// to any hop of the circuit.
	CodeInvalidErrorOnion
)

// String returns a human readable name for the code.
func (c RoutingErrorCode) String() string {
	switch c {
	case CodePacketTooLarge:
		return "PacketTooLarge"
	case CodeTagMismatch:
		return "TagMismatch"
	case CodeReplayedSharedSecret:
		return "ReplayedSharedSecret"
	case CodeInvalidOnionVersion:
		return "InvalidOnionVersion"
	case CodeInvalidOnionKey:
		return "InvalidOnionKey"
	case CodeInvalidPayload:
		return "InvalidPayload"
	case CodeNoRoute:
		return "NoRoute"
	case CodeInvalidErrorOnion:
		return "InvalidErrorOnion"
	default:
		return fmt.Sprintf("RoutingErrorCode(%d)", uint8(c))
	}
}

// RoutingError is returned for onion and path failures. It is surfaced to the
// payment initiator as a failed payment.
type RoutingError struct {
	Code RoutingErrorCode
	Err  error
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("routing error: %v", e.Code)
	}

	return fmt.Sprintf("routing error: %v: %v", e.Code, e.Err)
}

// Unwrap returns the cause of the error.
func (e *RoutingError) Unwrap() error {
	return e.Err
}

// Is matches any RoutingError carrying the same code.
func (e *RoutingError) Is(target error) bool {
	var t *RoutingError
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

var (
	// ErrPacketTooLarge matches RoutingErrors with CodePacketTooLarge.
	ErrPacketTooLarge = &RoutingError{Code: CodePacketTooLarge}

	// ErrTagMismatch matches RoutingErrors with CodeTagMismatch.
	ErrTagMismatch = &RoutingError{Code: CodeTagMismatch}

	// ErrReplayedPacket matches RoutingErrors with
	// CodeReplayedSharedSecret.
	ErrReplayedPacket = &RoutingError{Code: CodeReplayedSharedSecret}

	// ErrInvalidOnionVersion matches RoutingErrors with
	// CodeInvalidOnionVersion.
	ErrInvalidOnionVersion = &RoutingError{Code: CodeInvalidOnionVersion}

	// ErrInvalidOnionKey matches RoutingErrors with CodeInvalidOnionKey.
	ErrInvalidOnionKey = &RoutingError{Code: CodeInvalidOnionKey}

	// ErrInvalidPayload matches RoutingErrors with CodeInvalidPayload.
	ErrInvalidPayload = &RoutingError{Code: CodeInvalidPayload}

	// ErrNoRoute matches RoutingErrors with CodeNoRoute.
	ErrNoRoute = &RoutingError{Code: CodeNoRoute}

	// ErrInvalidErrorOnion matches RoutingErrors with
	// CodeInvalidErrorOnion.
	ErrInvalidErrorOnion = &RoutingError{Code: CodeInvalidErrorOnion}
)

// NewRoutingError creates a routing error with a formatted cause.
func NewRoutingError(code RoutingErrorCode, format string,
	args ...interface{}) *RoutingError {

	return &RoutingError{Code: code, Err: fmt.Errorf(format, args...)}
}
