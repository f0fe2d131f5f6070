package signer

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwire"
)

// CommitmentOwner names the party whose commitment transaction is being
// signed.
type CommitmentOwner uint8

const (
	// LocalCommitment is the commitment transaction we hold and would
	// broadcast.
	LocalCommitment CommitmentOwner = iota

	// RemoteCommitment is the commitment transaction held by the
	// counterparty.
	RemoteCommitment

	// CooperativeClose is the single closing transaction of the channel.
	CooperativeClose
)

// String returns a human readable name for the owner.
func (o CommitmentOwner) String() string {
	switch o {
	case LocalCommitment:
		return "local"
	case RemoteCommitment:
		return "remote"
	case CooperativeClose:
		return "close"
	default:
		return fmt.Sprintf("owner(%d)", uint8(o))
	}
}

// SigningContext identifies the transaction a signing session is bound to.
// It is mixed into nonce generation so that two sessions never share a
// nonce even if the randomness source misbehaves.
type SigningContext struct {
	// ChanID is the channel the transaction belongs to.
	ChanID lnwire.ChannelID

	// Owner is the party holding the transaction.
	Owner CommitmentOwner

	// Height is the commitment height.
	Height uint64
}

// digest returns a 32-byte digest of the context used as the nonce message
// auxiliary input.
func (c SigningContext) digest() [32]byte {
	var buf [32 + 1 + 8]byte
	copy(buf[:32], c.ChanID[:])
	buf[32] = byte(c.Owner)
	binary.BigEndian.PutUint64(buf[33:], c.Height)

	return sha256.Sum256(buf[:])
}

// CommitNonce returns the commitment a signer sends one message ahead of the
// nonce itself.
func CommitNonce(nonce lnwire.Musig2Nonce) lnwire.NonceCommitment {
	return sha256.Sum256(nonce[:])
}

// Signer holds the local funding key of a channel and the counterparty's
// funding key. It creates one Session per signed transaction.
type Signer struct {
	localKey  *btcec.PrivateKey
	remoteKey *btcec.PublicKey

	keys   []*btcec.PublicKey
	aggKey *musig2.AggregateKey
}

// New creates a signer for the 2-of-2 funding output formed by the local
// private key and the remote public key.
func New(localKey *btcec.PrivateKey, remoteKey *btcec.PublicKey) (*Signer,
	error) {

	if localKey == nil {
		return nil, newCryptoError(CodeInvalidKey, "missing funding key")
	}

	s := NewUnbound(localKey)
	if err := s.Bind(remoteKey); err != nil {
		return nil, err
	}

	return s, nil
}

// NewUnbound creates a signer whose counterparty key isn't known yet. Nonces
// for the first commitments can be generated right away, signing needs a
// call to Bind first.
func NewUnbound(localKey *btcec.PrivateKey) *Signer {
	return &Signer{localKey: localKey}
}

// Bind sets the counterparty's funding key.
func (s *Signer) Bind(remoteKey *btcec.PublicKey) error {
	if remoteKey == nil {
		return newCryptoError(CodeInvalidKey, "missing funding key")
	}
	if s.localKey.PubKey().IsEqual(remoteKey) {
		return newCryptoError(
			CodeInvalidKey, "local and remote funding keys are equal",
		)
	}

	keys := []*btcec.PublicKey{s.localKey.PubKey(), remoteKey}
	aggKey, err := AggregateFundingKey(keys[0], keys[1])
	if err != nil {
		return err
	}

	s.remoteKey = remoteKey
	s.keys = keys
	s.aggKey = aggKey

	return nil
}

// AggregateFundingKey returns the BIP-86 tweaked MuSig2 aggregate of the two
// funding keys. The keys are sorted so both parties arrive at the same key.
func AggregateFundingKey(a, b *btcec.PublicKey) (*musig2.AggregateKey,
	error) {

	aggKey, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{a, b}, true, musig2.WithBIP86KeyTweak(),
	)
	if err != nil {
		return nil, &CryptoError{Code: CodeInvalidKey, Err: err}
	}

	return aggKey, nil
}

// FundingScript returns the P2TR output script locking the channel funds to
// the aggregate key.
func FundingScript(a, b *btcec.PublicKey) ([]byte, error) {
	aggKey, err := AggregateFundingKey(a, b)
	if err != nil {
		return nil, err
	}

	return txscript.PayToTaprootScript(aggKey.FinalKey)
}

// FundingKey returns the tweaked aggregate key of the funding output.
func (s *Signer) FundingKey() *btcec.PublicKey {
	return s.aggKey.FinalKey
}

// FundingScript returns the P2TR script of the funding output.
func (s *Signer) FundingScript() ([]byte, error) {
	return txscript.PayToTaprootScript(s.aggKey.FinalKey)
}

// LocalKey returns the local funding public key.
func (s *Signer) LocalKey() *btcec.PublicKey {
	return s.localKey.PubKey()
}

// RemoteKey returns the remote funding public key.
func (s *Signer) RemoteKey() *btcec.PublicKey {
	return s.remoteKey
}

// BeginSigning starts the first round of a signing session bound to ctx. A
// fresh nonce is drawn from crypto/rand and mixed with the context and the
// local secret key. The returned commitment is what the signer sends to the
// counterparty before revealing the nonce.
func (s *Signer) BeginSigning(ctx SigningContext) (*Session,
	lnwire.NonceCommitment, error) {

	opts := []musig2.NonceGenOption{
		musig2.WithPublicKey(s.localKey.PubKey()),
		musig2.WithNonceSecretKeyAux(s.localKey),
		musig2.WithNonceMessageAux(ctx.digest()),
	}
	if s.aggKey != nil {
		opts = append(
			opts, musig2.WithNonceCombinedKeyAux(s.aggKey.FinalKey),
		)
	}

	nonces, err := musig2.GenNonces(opts...)
	if err != nil {
		return nil, lnwire.NonceCommitment{}, fmt.Errorf("unable to "+
			"generate nonce: %w", err)
	}

	session := &Session{
		signer: s,
		ctx:    ctx,
		nonces: nonces,
	}

	log.Tracef("ChannelID(%v): began %v signing session at height %d",
		ctx.ChanID, ctx.Owner, ctx.Height)

	return session, CommitNonce(nonces.PubNonce), nil
}

// VerifyFinal checks a final aggregate signature against the funding key.
func (s *Signer) VerifyFinal(msg [32]byte, sig *schnorr.Signature) error {
	if !sig.Verify(msg[:], s.aggKey.FinalKey) {
		return newCryptoError(
			CodeInvalidSignature, "final signature invalid for "+
				"funding key",
		)
	}

	return nil
}

// Factory builds signers for channels from the node's key ring.
type Factory struct {
	keyRing keychain.SecretKeyRing
}

// NewFactory creates a signer factory over the given key ring.
func NewFactory(keyRing keychain.SecretKeyRing) *Factory {
	return &Factory{keyRing: keyRing}
}

// NewFundingKey reserves a fresh multisig key for a new channel.
func (f *Factory) NewFundingKey() (keychain.KeyDescriptor, error) {
	return f.keyRing.DeriveNextKey(keychain.KeyFamilyMultiSig)
}

// NewSigner derives the private key behind local and returns a signer for
// the channel funded with it and remote.
func (f *Factory) NewSigner(local keychain.KeyDescriptor,
	remote *btcec.PublicKey) (*Signer, error) {

	priv, err := f.keyRing.DerivePrivKey(local)
	if err != nil {
		return nil, &CryptoError{Code: CodeInvalidKey, Err: err}
	}

	return New(priv, remote)
}

// NewUnboundSigner derives the private key behind local and returns a signer
// still waiting for the counterparty's funding key.
func (f *Factory) NewUnboundSigner(local keychain.KeyDescriptor) (*Signer,
	error) {

	priv, err := f.keyRing.DerivePrivKey(local)
	if err != nil {
		return nil, &CryptoError{Code: CodeInvalidKey, Err: err}
	}

	return NewUnbound(priv), nil
}

// TaprootKeySpendDigest returns the BIP-341 key spend sighash of the first
// input of tx, which spends fundingOut.
func TaprootKeySpendDigest(tx *wire.MsgTx, fundingOut *wire.TxOut) ([32]byte,
	error) {

	var digest [32]byte

	fetcher := txscript.NewCannedPrevOutputFetcher(
		fundingOut.PkScript, fundingOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	hash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, 0, fetcher,
	)
	if err != nil {
		return digest, err
	}
	copy(digest[:], hash)

	return digest, nil
}
