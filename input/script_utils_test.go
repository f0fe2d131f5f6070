package input

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *btcec.PrivateKey {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv
}

// TestRevocationKeyDerivation checks that the revocation private key derived
// from the revealed secret matches the public key both parties computed
// before the secret was known.
func TestRevocationKeyDerivation(t *testing.T) {
	t.Parallel()

	revocationBase := newKey(t)
	commitSecret := newKey(t)
	commitPoint := ComputeCommitmentPoint(commitSecret.Serialize())

	revocationPub := DeriveRevocationPubkey(
		revocationBase.PubKey(), commitPoint,
	)
	revocationPriv := DeriveRevocationPrivKey(revocationBase, commitSecret)

	require.True(t, revocationPub.IsEqual(revocationPriv.PubKey()))
}

func TestTweakKeyDerivation(t *testing.T) {
	t.Parallel()

	base := newKey(t)
	commitPoint := newKey(t).PubKey()

	tweakedPub := TweakPubKey(base.PubKey(), commitPoint)
	tweakedPriv := TweakPrivKey(
		base, SingleTweakBytes(commitPoint, base.PubKey()),
	)

	require.True(t, tweakedPub.IsEqual(tweakedPriv.PubKey()))
	require.False(t, tweakedPub.IsEqual(base.PubKey()))
}

// spendCtx is a single output and a transaction spending it.
type spendCtx struct {
	prevOut *wire.TxOut
	tx      *wire.MsgTx
	fetcher txscript.PrevOutputFetcher
}

func newSpendCtx(t *testing.T, pkScript []byte) *spendCtx {
	prevOut := wire.NewTxOut(50_000, pkScript)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{1}},
	})
	tx.AddTxOut(wire.NewTxOut(40_000, pkScript))

	return &spendCtx{
		prevOut: prevOut,
		tx:      tx,
		fetcher: txscript.NewCannedPrevOutputFetcher(
			prevOut.PkScript, prevOut.Value,
		),
	}
}

func (s *spendCtx) spend(t *testing.T, wt WitnessType,
	desc *SignDescriptor) error {

	desc.Output = s.prevOut
	hashCache := txscript.NewTxSigHashes(s.tx, s.fetcher)

	witness, err := wt.GenWitness(s.tx, hashCache, desc)
	require.NoError(t, err)
	s.tx.TxIn[0].Witness = witness

	vm, err := txscript.NewEngine(
		s.prevOut.PkScript, s.tx, 0, txscript.StandardVerifyFlags,
		nil, hashCache, s.prevOut.Value, s.fetcher,
	)
	require.NoError(t, err)

	return vm.Execute()
}

func TestToLocalSpends(t *testing.T) {
	t.Parallel()

	const csvDelay = 144

	delayKey := newKey(t)
	revocationKey := newKey(t)

	tree, err := ToLocalTree(
		csvDelay, delayKey.PubKey(), revocationKey.PubKey(),
	)
	require.NoError(t, err)

	pkScript, err := tree.PkScript()
	require.NoError(t, err)

	// The owner sweeps after the delay.
	ctx := newSpendCtx(t, pkScript)
	ctx.tx.TxIn[0].Sequence = LockTimeToSequence(false, csvDelay)
	require.NoError(t, ctx.spend(t, CommitmentTimeLock, &SignDescriptor{
		PrivKey: delayKey,
		Tree:    tree,
		Leaf:    tree.Leaves[0],
	}))

	// Before the delay the same witness is invalid.
	ctx = newSpendCtx(t, pkScript)
	ctx.tx.TxIn[0].Sequence = csvDelay - 1
	require.Error(t, ctx.spend(t, CommitmentTimeLock, &SignDescriptor{
		PrivKey: delayKey,
		Tree:    tree,
		Leaf:    tree.Leaves[0],
	}))

	// The revocation key spends at once.
	ctx = newSpendCtx(t, pkScript)
	require.NoError(t, ctx.spend(t, CommitmentRevoke, &SignDescriptor{
		PrivKey: revocationKey,
		Tree:    tree,
	}))
}

func TestToRemoteSpend(t *testing.T) {
	t.Parallel()

	paymentKey := newKey(t)
	pkScript, err := ToRemoteScript(paymentKey.PubKey())
	require.NoError(t, err)

	ctx := newSpendCtx(t, pkScript)
	require.NoError(t, ctx.spend(t, CommitmentNoDelay, &SignDescriptor{
		PrivKey: paymentKey,
	}))
}

func TestHtlcSpends(t *testing.T) {
	t.Parallel()

	const (
		expiry   = 500
		csvDelay = 6
	)

	var preimage [32]byte
	preimage[0] = 7
	paymentHash := sha256.Sum256(preimage[:])

	localHtlc, remoteHtlc, revocation := newKey(t), newKey(t), newKey(t)

	offered, err := OfferedHtlcTree(
		localHtlc.PubKey(), remoteHtlc.PubKey(), revocation.PubKey(),
		paymentHash, expiry, csvDelay,
	)
	require.NoError(t, err)
	offeredScript, err := offered.PkScript()
	require.NoError(t, err)

	// The receiver of an offered HTLC claims it with the preimage.
	ctx := newSpendCtx(t, offeredScript)
	require.NoError(t, ctx.spend(t, HtlcAcceptedRemoteSuccess,
		&SignDescriptor{
			PrivKey:  remoteHtlc,
			Tree:     offered.TapscriptTree,
			Leaf:     offered.SuccessLeaf,
			Preimage: preimage[:],
		},
	))

	// The offerer reclaims it after expiry and delay.
	ctx = newSpendCtx(t, offeredScript)
	ctx.tx.LockTime = expiry
	ctx.tx.TxIn[0].Sequence = csvDelay
	require.NoError(t, ctx.spend(t, HtlcOfferedTimeout, &SignDescriptor{
		PrivKey: localHtlc,
		Tree:    offered.TapscriptTree,
		Leaf:    offered.TimeoutLeaf,
	}))

	accepted, err := AcceptedHtlcTree(
		localHtlc.PubKey(), remoteHtlc.PubKey(), revocation.PubKey(),
		paymentHash, expiry, csvDelay,
	)
	require.NoError(t, err)
	acceptedScript, err := accepted.PkScript()
	require.NoError(t, err)

	// A wrong preimage is rejected.
	ctx = newSpendCtx(t, acceptedScript)
	ctx.tx.TxIn[0].Sequence = csvDelay
	require.Error(t, ctx.spend(t, HtlcAcceptedSuccess, &SignDescriptor{
		PrivKey:  localHtlc,
		Tree:     accepted.TapscriptTree,
		Leaf:     accepted.SuccessLeaf,
		Preimage: make([]byte, 32),
	}))

	// The revocation key sweeps both kinds through the key path.
	for _, tree := range []*HtlcTree{offered, accepted} {
		pkScript, err := tree.PkScript()
		require.NoError(t, err)

		ctx = newSpendCtx(t, pkScript)
		require.NoError(t, ctx.spend(t, HtlcOfferedRevoke,
			&SignDescriptor{
				PrivKey: revocation,
				Tree:    tree.TapscriptTree,
			},
		))
	}
}

func TestTxWeightEstimator(t *testing.T) {
	t.Parallel()

	pkScript, err := ToRemoteScript(newKey(t).PubKey())
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		Witness: wire.TxWitness{make([]byte, SchnorrSigSize)},
	})
	tx.AddTxOut(wire.NewTxOut(1000, pkScript))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14, 1, 2, 3, 4, 5,
		6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}))

	var estimator TxWeightEstimator
	estimator.AddTaprootKeySpendInput()
	estimator.AddP2TROutput()
	estimator.AddOutput(tx.TxOut[1].PkScript)

	weight := tx.SerializeSizeStripped()*3 + tx.SerializeSize()
	require.Equal(t, int64(weight), estimator.Weight())
}
