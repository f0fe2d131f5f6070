package signer

import (
	"errors"
	"fmt"
)

// CryptoErrorCode enumerates the ways a signing round can fail on our side of
// the protocol.
type CryptoErrorCode uint8

const (
	// CodeInvalidSignature is returned when a partial or final signature
	// does not verify.
	CodeInvalidSignature CryptoErrorCode = iota + 1

	// CodeInvalidKey is returned when a key can't take part in the
	// aggregate funding key.
	CodeInvalidKey

	// CodeNonceReuse is returned when a session is asked to sign twice.
	CodeNonceReuse

	// CodeNoncesMissing is returned when a session is asked to sign or
	// combine before the remote nonce is known.
	CodeNoncesMissing
)

// String returns a human readable name for the code.
func (c CryptoErrorCode) String() string {
	switch c {
	case CodeInvalidSignature:
		return "InvalidSignature"
	case CodeInvalidKey:
		return "InvalidKey"
	case CodeNonceReuse:
		return "NonceReuse"
	case CodeNoncesMissing:
		return "NoncesMissing"
	default:
		return fmt.Sprintf("CryptoErrorCode(%d)", uint8(c))
	}
}

// CryptoError is returned by the signer for failures of the signing primitives
// themselves, as opposed to protocol violations of the counterparty.
type CryptoError struct {
	Code CryptoErrorCode
	Err  error
}

// Error implements the error interface.
func (e *CryptoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("crypto error: %v", e.Code)
	}

	return fmt.Sprintf("crypto error: %v: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Is matches any CryptoError with the same code, which lets callers compare
// against the sentinels below with errors.Is.
func (e *CryptoError) Is(target error) bool {
	var t *CryptoError
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

var (
	// ErrInvalidSignature matches any CryptoError with
	// CodeInvalidSignature.
	ErrInvalidSignature = &CryptoError{Code: CodeInvalidSignature}

	// ErrInvalidKey matches any CryptoError with CodeInvalidKey.
	ErrInvalidKey = &CryptoError{Code: CodeInvalidKey}

	// ErrNonceReuse matches any CryptoError with CodeNonceReuse.
	ErrNonceReuse = &CryptoError{Code: CodeNonceReuse}

	// ErrNoncesMissing matches any CryptoError with CodeNoncesMissing.
	ErrNoncesMissing = &CryptoError{Code: CodeNoncesMissing}
)

func newCryptoError(code CryptoErrorCode, format string,
	args ...interface{}) *CryptoError {

	return &CryptoError{Code: code, Err: fmt.Errorf(format, args...)}
}
