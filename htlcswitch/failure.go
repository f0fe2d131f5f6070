package htlcswitch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/sphinx"
)

// ForwardingError wraps an onion failure together with the position of the
// hop that sent it. Index zero is the first hop of the route.
type ForwardingError struct {
	// FailureSourceIdx is the index of the node that sent the failure.
	FailureSourceIdx int

	*lnwire.OnionFailure
}

// Error implements the error interface.
func (f *ForwardingError) Error() string {
	return fmt.Sprintf("%v@%d", f.Code, f.FailureSourceIdx)
}

// NewForwardingError creates a forwarding error for the given hop.
func NewForwardingError(failure *lnwire.OnionFailure,
	index int) *ForwardingError {

	return &ForwardingError{
		FailureSourceIdx: index,
		OnionFailure:     failure,
	}
}

// ErrorEncrypter encrypts failures of an HTLC on its way back to the
// sender. Each hop adds one layer with the shared secret of its onion.
type ErrorEncrypter interface {
	// EncryptFirstHop encodes the failure and encrypts it with a MAC, it
	// is used by the hop the failure happens at.
	EncryptFirstHop(failure *lnwire.OnionFailure) (lnwire.OpaqueReason,
		error)

	// IntermediateEncrypt wraps a failure that came from downstream in
	// one more layer.
	IntermediateEncrypt(reason lnwire.OpaqueReason) (lnwire.OpaqueReason,
		error)
}

// SphinxErrorEncrypter is the ErrorEncrypter of a hop, keyed by the shared
// secret of its onion layer.
type SphinxErrorEncrypter struct {
	*sphinx.OnionErrorEncrypter

	sharedSecret sphinx.Hash256
}

// NewSphinxErrorEncrypter creates the encrypter of the given shared secret.
func NewSphinxErrorEncrypter(sharedSecret sphinx.Hash256) *SphinxErrorEncrypter {
	return &SphinxErrorEncrypter{
		OnionErrorEncrypter: sphinx.NewOnionErrorEncrypter(sharedSecret),
		sharedSecret:        sharedSecret,
	}
}

// EncryptFirstHop encodes and encrypts the failure at the failing hop.
//
// NOTE: Part of the ErrorEncrypter interface.
func (s *SphinxErrorEncrypter) EncryptFirstHop(
	failure *lnwire.OnionFailure) (lnwire.OpaqueReason, error) {

	var b bytes.Buffer
	if err := failure.Encode(&b); err != nil {
		return nil, err
	}

	return s.EncryptError(true, b.Bytes())
}

// IntermediateEncrypt adds our layer to a failure from downstream.
//
// NOTE: Part of the ErrorEncrypter interface.
func (s *SphinxErrorEncrypter) IntermediateEncrypt(
	reason lnwire.OpaqueReason) (lnwire.OpaqueReason, error) {

	return s.EncryptError(false, reason)
}

// SharedSecret returns the secret the encrypter is keyed with.
func (s *SphinxErrorEncrypter) SharedSecret() sphinx.Hash256 {
	return s.sharedSecret
}

var _ ErrorEncrypter = (*SphinxErrorEncrypter)(nil)

// ErrorDecrypter recovers the failure of a payment attempt at its sender.
type ErrorDecrypter interface {
	// DecryptError peels every layer off the reason and returns the
	// failure along with the hop that sent it.
	DecryptError(reason lnwire.OpaqueReason) (*ForwardingError, error)
}

// SphinxErrorDecrypter decrypts failures of a payment attempt using the
// session key and the path of its onion.
type SphinxErrorDecrypter struct {
	decrypter *sphinx.OnionErrorDecrypter
}

// NewSphinxErrorDecrypter creates a decrypter for the given circuit.
func NewSphinxErrorDecrypter(circuit *sphinx.Circuit) *SphinxErrorDecrypter {
	return &SphinxErrorDecrypter{
		decrypter: sphinx.NewOnionErrorDecrypter(circuit),
	}
}

// DecryptError peels the failure and decodes it.
//
// NOTE: Part of the ErrorDecrypter interface.
func (s *SphinxErrorDecrypter) DecryptError(
	reason lnwire.OpaqueReason) (*ForwardingError, error) {

	decrypted, err := s.decrypter.DecryptError(reason)
	if err != nil {
		return nil, err
	}

	failure, err := lnwire.DecodeOnionFailure(
		bytes.NewReader(decrypted.Message),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to decode failure from hop %d: "+
			"%w", decrypted.SenderIdx, err)
	}

	return NewForwardingError(failure, decrypted.SenderIdx), nil
}

var _ ErrorDecrypter = (*SphinxErrorDecrypter)(nil)

// encodeClearFailure encodes a failure without encryption. It is used when
// the onion could not be processed and no shared secret exists, the
// upstream hop encrypts it in our place.
func encodeClearFailure(failure *lnwire.OnionFailure) (lnwire.OpaqueReason,
	error) {

	var b bytes.Buffer
	if err := failure.Encode(&b); err != nil {
		return nil, err
	}

	return append(append([]byte(nil), clearFailurePrefix...),
		b.Bytes()...), nil
}

// clearFailurePrefix marks a failure reason that is sent in the clear.
var clearFailurePrefix = []byte{0xba, 0xd0, 0x91, 0x0e}

// decodeClearFailure returns the failure of a reason created by
// encodeClearFailure, or false if the reason is encrypted.
func decodeClearFailure(reason lnwire.OpaqueReason) (*lnwire.OnionFailure,
	bool) {

	if len(reason) < len(clearFailurePrefix) ||
		!bytes.HasPrefix(reason, clearFailurePrefix) {

		return nil, false
	}

	failure, err := lnwire.DecodeOnionFailure(
		bytes.NewReader(reason[len(clearFailurePrefix):]),
	)
	if err != nil {
		return nil, false
	}

	return failure, true
}

// failureFromError maps an onion processing error to the failure reported
// back to the sender.
func failureFromError(err error) *lnwire.OnionFailure {
	code := lnwire.CodeTemporaryNodeFailure
	switch {
	case errors.Is(err, sphinx.ErrInvalidOnionVersion):
		code = lnwire.CodeInvalidOnionVersion
	case errors.Is(err, sphinx.ErrTagMismatch):
		code = lnwire.CodeInvalidOnionHmac
	case errors.Is(err, sphinx.ErrInvalidOnionKey):
		code = lnwire.CodeInvalidOnionKey
	case errors.Is(err, sphinx.ErrReplayedPacket):
		code = lnwire.CodeReplayedOnion
	case errors.Is(err, sphinx.ErrInvalidPayload):
		code = lnwire.CodeInvalidOnionPayload
	}

	return &lnwire.OnionFailure{Code: code}
}
