package signer

import (
	"crypto/sha256"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// PartialSig is a MuSig2 partial signature along with the public nonce of the
// party that produced it.
type PartialSig struct {
	Sig   *musig2.PartialSignature
	Nonce lnwire.Musig2Nonce
}

// ToWireSig converts the partial signature into its wire form.
func (p *PartialSig) ToWireSig() *lnwire.PartialSigWithNonce {
	return lnwire.NewPartialSigWithNonce(p.Nonce, *p.Sig.S)
}

// FromWireSig converts a partial signature received from the counterparty.
func FromWireSig(sig *lnwire.PartialSigWithNonce) *PartialSig {
	s := sig.Sig

	return &PartialSig{
		Sig:   &musig2.PartialSignature{S: &s},
		Nonce: sig.Nonce,
	}
}

// FromWireScalar converts a bare partial signature whose nonce was exchanged
// earlier, as used by closing_signed.
func FromWireScalar(sig lnwire.PartialSig,
	nonce lnwire.Musig2Nonce) *PartialSig {

	s := sig.Sig

	return &PartialSig{
		Sig:   &musig2.PartialSignature{S: &s},
		Nonce: nonce,
	}
}

// Session is a single MuSig2 signing round for one transaction. The secret
// nonce it holds is used for exactly one partial signature and is zeroed
// right after.
type Session struct {
	signer *Signer
	ctx    SigningContext

	mu sync.Mutex

	nonces        *musig2.Nonces
	remoteNonce   fn.Option[lnwire.Musig2Nonce]
	combinedNonce fn.Option[[musig2.PubNonceSize]byte]

	// msg is the digest signed by PartialSign.
	msg fn.Option[[32]byte]

	signed bool
}

// Context returns the signing context the session is bound to.
func (s *Session) Context() SigningContext {
	return s.ctx
}

// PublicNonce returns our public nonce for this session.
func (s *Session) PublicNonce() lnwire.Musig2Nonce {
	return s.nonces.PubNonce
}

// RemoteNonce returns the remote public nonce once it is known.
func (s *Session) RemoteNonce() fn.Option[lnwire.Musig2Nonce] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remoteNonce
}

// AggregateNonces records the remote nonce and produces the combined nonce of
// the session. When remoteCommit is set, the revealed nonce must hash to it,
// otherwise a ProtocolError with code InvalidNonce is returned.
func (s *Session) AggregateNonces(remoteNonce lnwire.Musig2Nonce,
	remoteCommit fn.Option[lnwire.NonceCommitment]) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	var mismatch bool
	remoteCommit.WhenSome(func(c lnwire.NonceCommitment) {
		mismatch = sha256.Sum256(remoteNonce[:]) != c
	})
	if mismatch {
		return lnwire.NewProtocolError(
			lnwire.CodeInvalidNonce, s.ctx.ChanID, "revealed "+
				"nonce does not match commitment at height %d",
			s.ctx.Height,
		)
	}

	combined, err := musig2.AggregateNonces(
		[][musig2.PubNonceSize]byte{
			s.nonces.PubNonce, remoteNonce,
		},
	)
	if err != nil {
		return lnwire.NewProtocolError(
			lnwire.CodeInvalidNonce, s.ctx.ChanID, "unable to "+
				"aggregate nonces: %v", err,
		)
	}

	s.remoteNonce = fn.Some(remoteNonce)
	s.combinedNonce = fn.Some(combined)

	return nil
}

// PartialSign produces our partial signature over msg, the taproot key
// spend sighash of the transaction. It can only be called once per session.
func (s *Session) PartialSign(msg [32]byte) (*PartialSig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signed {
		return nil, newCryptoError(
			CodeNonceReuse, "session for %v height %d already "+
				"signed", s.ctx.Owner, s.ctx.Height,
		)
	}

	combined, err := s.combinedNonce.UnwrapOrErr(newCryptoError(
		CodeNoncesMissing, "remote nonce not aggregated",
	))
	if err != nil {
		return nil, err
	}

	sig, err := musig2.Sign(
		s.nonces.SecNonce, s.signer.localKey, combined, s.signer.keys,
		msg, musig2.WithSortedKeys(), musig2.WithBip86SignTweak(),
	)

	// The secret nonce is gone whether or not signing succeeded.
	s.nonces.SecNonce = [musig2.SecNonceSize]byte{}
	s.signed = true

	if err != nil {
		return nil, &CryptoError{Code: CodeInvalidSignature, Err: err}
	}

	s.msg = fn.Some(msg)

	return &PartialSig{
		Sig:   sig,
		Nonce: s.nonces.PubNonce,
	}, nil
}

// VerifyPartial checks a remote partial signature over msg against the
// remote funding key and the combined nonce of the session.
func (s *Session) VerifyPartial(remote *PartialSig, msg [32]byte) error {
	s.mu.Lock()
	combined := s.combinedNonce
	s.mu.Unlock()

	c, err := combined.UnwrapOrErr(newCryptoError(
		CodeNoncesMissing, "remote nonce not aggregated",
	))
	if err != nil {
		return err
	}

	ok := remote.Sig.Verify(
		remote.Nonce, c, s.signer.keys, s.signer.remoteKey, msg,
		musig2.WithSortedKeys(), musig2.WithBip86SignTweak(),
	)
	if !ok {
		return newCryptoError(
			CodeInvalidSignature, "remote partial signature "+
				"invalid for %v height %d", s.ctx.Owner,
			s.ctx.Height,
		)
	}

	return nil
}

// VerifyAndCombine verifies the remote partial signature, combines it with
// our own into the final Schnorr signature and checks that signature against
// the aggregate funding key.
func (s *Session) VerifyAndCombine(local, remote *PartialSig) (
	*schnorr.Signature, error) {

	s.mu.Lock()
	m := s.msg
	s.mu.Unlock()

	msg, err := m.UnwrapOrErr(newCryptoError(
		CodeNoncesMissing, "local partial signature missing",
	))
	if err != nil {
		return nil, err
	}

	if err := s.VerifyPartial(remote, msg); err != nil {
		return nil, err
	}

	finalSig := musig2.CombineSigs(
		local.Sig.R, []*musig2.PartialSignature{local.Sig, remote.Sig},
		musig2.WithBip86TweakedCombine(msg, s.signer.keys, true),
	)

	if err := s.signer.VerifyFinal(msg, finalSig); err != nil {
		return nil, err
	}

	log.Debugf("ChannelID(%v): combined %v signature at height %d",
		s.ctx.ChanID, s.ctx.Owner, s.ctx.Height)

	return finalSig, nil
}
