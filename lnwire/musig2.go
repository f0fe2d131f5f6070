package lnwire

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/lightningnetwork/lnd/tlv"
)

// Musig2Nonce is a public MuSig2 nonce: two compressed points.
type Musig2Nonce [musig2.PubNonceSize]byte

// NonceCommitment is the sha256 of a public nonce that will be revealed in a
// later message. The receiver checks the revealed nonce against it.
type NonceCommitment [32]byte

// PartialSig is the scalar half of a MuSig2 partial signature. The nonce
// point is recomputed by the receiver from the public nonces.
type PartialSig struct {
	Sig btcec.ModNScalar
}

// NewPartialSig wraps the scalar of a MuSig2 partial signature.
func NewPartialSig(s btcec.ModNScalar) PartialSig {
	return PartialSig{Sig: s}
}

// Encode writes the 32-byte big endian scalar.
func (p *PartialSig) Encode(w io.Writer) error {
	var b [32]byte
	p.Sig.PutBytes(&b)

	_, err := w.Write(b[:])
	return err
}

// Decode reads a 32-byte big endian scalar. Values that overflow the group
// order are rejected.
func (p *PartialSig) Decode(r io.Reader) error {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}

	if overflow := p.Sig.SetBytes(&b); overflow != 0 {
		return ErrPartialSigOverflow
	}

	return nil
}

// PartialSigWithNonce is a partial signature together with the signer's
// public nonce that was used to create it. The nonce is revealed here for the
// first time and must match the commitment sent in an earlier message.
type PartialSigWithNonce struct {
	PartialSig

	// Nonce is the signer's public nonce.
	Nonce Musig2Nonce
}

// NewPartialSigWithNonce creates a new partial signature with a nonce.
func NewPartialSigWithNonce(nonce Musig2Nonce,
	sig btcec.ModNScalar) *PartialSigWithNonce {

	return &PartialSigWithNonce{
		PartialSig: NewPartialSig(sig),
		Nonce:      nonce,
	}
}

// Encode writes the scalar followed by the nonce.
func (p *PartialSigWithNonce) Encode(w io.Writer) error {
	if err := p.PartialSig.Encode(w); err != nil {
		return err
	}

	_, err := w.Write(p.Nonce[:])
	return err
}

// Decode reads a partial signature and nonce.
func (p *PartialSigWithNonce) Decode(r io.Reader) error {
	if err := p.PartialSig.Decode(r); err != nil {
		return err
	}

	_, err := io.ReadFull(r, p.Nonce[:])
	return err
}

// ShutdownNonceType is the TLV type of the closing nonce carried in the
// shutdown message.
const ShutdownNonceType tlv.Type = 8

// ShutdownNonce is the public nonce a party will use to sign the cooperative
// closing transaction.
type ShutdownNonce Musig2Nonce

// Record returns the TLV record of the shutdown nonce.
func (s *ShutdownNonce) Record() tlv.Record {
	return tlv.MakeStaticRecord(
		ShutdownNonceType, s, musig2.PubNonceSize, encodeShutdownNonce,
		decodeShutdownNonce,
	)
}

func encodeShutdownNonce(w io.Writer, val interface{}, _ *[8]byte) error {
	if v, ok := val.(*ShutdownNonce); ok {
		_, err := w.Write(v[:])
		return err
	}

	return tlv.NewTypeForEncodingErr(val, "lnwire.ShutdownNonce")
}

func decodeShutdownNonce(r io.Reader, val interface{}, _ *[8]byte,
	l uint64) error {

	if v, ok := val.(*ShutdownNonce); ok && l == musig2.PubNonceSize {
		_, err := io.ReadFull(r, v[:])
		return err
	}

	return tlv.NewTypeForDecodingErr(
		val, "lnwire.ShutdownNonce", l, musig2.PubNonceSize,
	)
}
