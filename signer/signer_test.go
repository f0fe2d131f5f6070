package signer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

type testParty struct {
	priv   *btcec.PrivateKey
	signer *Signer
}

func newTestParties(t *testing.T) (*testParty, *testParty) {
	t.Helper()

	alicePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bobPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	alice, err := New(alicePriv, bobPriv.PubKey())
	require.NoError(t, err)
	bob, err := New(bobPriv, alicePriv.PubKey())
	require.NoError(t, err)

	return &testParty{alicePriv, alice}, &testParty{bobPriv, bob}
}

// spendingTx builds a one input, one output transaction spending the funding
// output of the parties.
func spendingTx(t *testing.T, s *Signer) (*wire.MsgTx, *wire.TxOut) {
	t.Helper()

	pkScript, err := s.FundingScript()
	require.NoError(t, err)
	fundingOut := wire.NewTxOut(100_000, pkScript)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{1},
			Index: 0,
		},
	})
	tx.AddTxOut(wire.NewTxOut(99_000, pkScript))

	return tx, fundingOut
}

// roundTrip passes a partial signature through its wire encoding.
func roundTrip(t *testing.T, sig *PartialSig) *PartialSig {
	t.Helper()

	var b bytes.Buffer
	require.NoError(t, sig.ToWireSig().Encode(&b))

	var decoded lnwire.PartialSigWithNonce
	require.NoError(t, decoded.Decode(&b))

	return FromWireSig(&decoded)
}

// TestCommitmentSigningRound runs the full two round protocol for one
// commitment and checks the result with the script engine.
func TestCommitmentSigningRound(t *testing.T) {
	t.Parallel()

	alice, bob := newTestParties(t)
	require.True(t, alice.signer.FundingKey().IsEqual(
		bob.signer.FundingKey(),
	))

	var chanID lnwire.ChannelID
	chanID[0] = 0xaa

	// Bob signs Alice's commitment at height 1. Alice sent her
	// verification nonce in clear, Bob sent only the commitment to his.
	aliceSession, _, err := alice.signer.BeginSigning(SigningContext{
		ChanID: chanID, Owner: LocalCommitment, Height: 1,
	})
	require.NoError(t, err)
	bobSession, bobCommit, err := bob.signer.BeginSigning(SigningContext{
		ChanID: chanID, Owner: RemoteCommitment, Height: 1,
	})
	require.NoError(t, err)
	require.Equal(t, CommitNonce(bobSession.PublicNonce()), bobCommit)

	tx, fundingOut := spendingTx(t, alice.signer)
	msg, err := TaprootKeySpendDigest(tx, fundingOut)
	require.NoError(t, err)

	err = bobSession.AggregateNonces(
		aliceSession.PublicNonce(), fn.None[lnwire.NonceCommitment](),
	)
	require.NoError(t, err)
	bobSig, err := bobSession.PartialSign(msg)
	require.NoError(t, err)

	// Alice checks the revealed nonce against the commitment and
	// completes the signature.
	received := roundTrip(t, bobSig)
	err = aliceSession.AggregateNonces(received.Nonce, fn.Some(bobCommit))
	require.NoError(t, err)
	aliceSig, err := aliceSession.PartialSign(msg)
	require.NoError(t, err)

	finalSig, err := aliceSession.VerifyAndCombine(aliceSig, received)
	require.NoError(t, err)

	tx.TxIn[0].Witness = wire.TxWitness{finalSig.Serialize()}
	fetcher := txscript.NewCannedPrevOutputFetcher(
		fundingOut.PkScript, fundingOut.Value,
	)
	vm, err := txscript.NewEngine(
		fundingOut.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), fundingOut.Value,
		fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestAggregateNoncesMismatch asserts a revealed nonce that doesn't match the
// earlier commitment is rejected as a protocol violation.
func TestAggregateNoncesMismatch(t *testing.T) {
	t.Parallel()

	alice, bob := newTestParties(t)

	aliceSession, _, err := alice.signer.BeginSigning(SigningContext{
		Owner: LocalCommitment,
	})
	require.NoError(t, err)
	_, bobCommit, err := bob.signer.BeginSigning(SigningContext{
		Owner: RemoteCommitment,
	})
	require.NoError(t, err)

	// A different session's nonce is revealed.
	other, _, err := bob.signer.BeginSigning(SigningContext{
		Owner: RemoteCommitment, Height: 1,
	})
	require.NoError(t, err)

	err = aliceSession.AggregateNonces(
		other.PublicNonce(), fn.Some(bobCommit),
	)
	require.ErrorIs(t, err, lnwire.ErrInvalidNonce)

	var protoErr *lnwire.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	require.Equal(t, lnwire.CodeInvalidNonce, protoErr.Code)
}

// TestPartialSignOnce asserts a session refuses to sign a second time.
func TestPartialSignOnce(t *testing.T) {
	t.Parallel()

	alice, bob := newTestParties(t)

	aliceSession, _, err := alice.signer.BeginSigning(SigningContext{})
	require.NoError(t, err)
	bobSession, _, err := bob.signer.BeginSigning(SigningContext{
		Owner: RemoteCommitment,
	})
	require.NoError(t, err)

	// Signing before the nonces are combined fails.
	_, err = aliceSession.PartialSign([32]byte{1})
	require.ErrorIs(t, err, ErrNoncesMissing)

	err = aliceSession.AggregateNonces(
		bobSession.PublicNonce(), fn.None[lnwire.NonceCommitment](),
	)
	require.NoError(t, err)

	_, err = aliceSession.PartialSign([32]byte{1})
	require.NoError(t, err)

	_, err = aliceSession.PartialSign([32]byte{2})
	require.ErrorIs(t, err, ErrNonceReuse)
}

// TestVerifyAndCombineBadPartial asserts a partial signature over another
// message is rejected with a crypto error.
func TestVerifyAndCombineBadPartial(t *testing.T) {
	t.Parallel()

	alice, bob := newTestParties(t)

	aliceSession, _, err := alice.signer.BeginSigning(SigningContext{})
	require.NoError(t, err)
	bobSession, bobCommit, err := bob.signer.BeginSigning(SigningContext{
		Owner: RemoteCommitment,
	})
	require.NoError(t, err)

	require.NoError(t, bobSession.AggregateNonces(
		aliceSession.PublicNonce(), fn.None[lnwire.NonceCommitment](),
	))
	bobSig, err := bobSession.PartialSign([32]byte{0xbb})
	require.NoError(t, err)

	require.NoError(t, aliceSession.AggregateNonces(
		bobSig.Nonce, fn.Some(bobCommit),
	))
	aliceSig, err := aliceSession.PartialSign([32]byte{0xaa})
	require.NoError(t, err)

	_, err = aliceSession.VerifyAndCombine(aliceSig, bobSig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

// TestNewSignerRejectsSameKey asserts both funding keys must differ.
func TestNewSignerRejectsSameKey(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = New(priv, priv.PubKey())
	require.ErrorIs(t, err, ErrInvalidKey)
}

// TestFactoryDerivesFundingKey asserts the factory builds signers from key
// ring descriptors.
func TestFactoryDerivesFundingKey(t *testing.T) {
	t.Parallel()

	seedKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ring, err := keychain.NewHDKeyRing(
		keychain.SeedFromKey(seedKey), &chaincfg.RegressionNetParams,
		keychain.CoinTypeTestnet, nil,
	)
	require.NoError(t, err)

	factory := NewFactory(ring)
	desc, err := factory.NewFundingKey()
	require.NoError(t, err)
	require.Equal(t, keychain.KeyFamilyMultiSig, desc.Family)

	remote, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	s, err := factory.NewSigner(desc, remote.PubKey())
	require.NoError(t, err)
	require.True(t, s.LocalKey().IsEqual(desc.PubKey))
}

// TestUnboundSignerNonces asserts nonces drawn before the counterparty's key
// is known can be used once the signer is bound.
func TestUnboundSignerNonces(t *testing.T) {
	t.Parallel()

	alicePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bobPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	alice := NewUnbound(alicePriv)
	ctx := SigningContext{Owner: RemoteCommitment}
	aliceSession, aliceCommit, err := alice.BeginSigning(ctx)
	require.NoError(t, err)

	require.NoError(t, alice.Bind(bobPriv.PubKey()))
	require.ErrorIs(t, alice.Bind(alicePriv.PubKey()), ErrInvalidKey)

	bob, err := New(bobPriv, alicePriv.PubKey())
	require.NoError(t, err)
	bobSession, _, err := bob.BeginSigning(SigningContext{
		Owner: LocalCommitment,
	})
	require.NoError(t, err)

	tx, fundingOut := spendingTx(t, bob)
	msg, err := TaprootKeySpendDigest(tx, fundingOut)
	require.NoError(t, err)

	require.NoError(t, aliceSession.AggregateNonces(
		bobSession.PublicNonce(), fn.None[lnwire.NonceCommitment](),
	))
	aliceSig, err := aliceSession.PartialSign(msg)
	require.NoError(t, err)

	require.NoError(t, bobSession.AggregateNonces(
		aliceSig.Nonce, fn.Some(aliceCommit),
	))
	bobSig, err := bobSession.PartialSign(msg)
	require.NoError(t, err)

	_, err = bobSession.VerifyAndCombine(bobSig, aliceSig)
	require.NoError(t, err)
}
