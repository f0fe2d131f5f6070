package lnwire

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Sig is a fixed-sized BIP-340 Schnorr signature. Gossip records and final
// commitment signatures are carried in this form.
type Sig [schnorr.SignatureSize]byte

// NewSigFromSchnorr serializes a Schnorr signature into its wire form.
func NewSigFromSchnorr(sig *schnorr.Signature) Sig {
	var s Sig
	copy(s[:], sig.Serialize())

	return s
}

// ToSignature parses the wire form back into a Schnorr signature.
func (s Sig) ToSignature() (*schnorr.Signature, error) {
	return schnorr.ParseSignature(s[:])
}

// Verify checks the signature over the given 32-byte digest against the
// passed public key.
func (s Sig) Verify(digest []byte, pub *btcec.PublicKey) error {
	sig, err := s.ToSignature()
	if err != nil {
		return fmt.Errorf("unable to parse signature: %w", err)
	}

	if !sig.Verify(digest, pub) {
		return fmt.Errorf("signature does not verify")
	}

	return nil
}
