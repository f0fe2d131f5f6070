package lnwallet

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/input"
	"github.com/hopline/hopd/lnwire"
	"github.com/stretchr/testify/require"
)

// sweepResolutions spends the given outputs of spendTx into one output and
// checks the witnesses with the script engine.
func sweepResolutions(t *testing.T, spendTx *wire.MsgTx,
	resolutions []OutputResolution) *wire.MsgTx {

	t.Helper()

	sweepTx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)

	var total int64
	for _, res := range resolutions {
		txOut := spendTx.TxOut[res.OutPoint.Index]
		prevOuts[res.OutPoint] = txOut
		total += txOut.Value

		sweepTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: res.OutPoint,
			Sequence:         res.CsvDelay,
		})
		if res.CltvExpiry > sweepTx.LockTime {
			sweepTx.LockTime = res.CltvExpiry
		}
	}
	sweepTx.AddTxOut(&wire.TxOut{
		PkScript: deliveryScript(t),
		Value:    total - 1_000,
	})

	fetcher := txscriptFetcher(prevOuts)
	for i := range resolutions {
		witness, err := resolutions[i].SweepWitness(sweepTx, i, fetcher)
		require.NoError(t, err)
		sweepTx.TxIn[i].Witness = witness
	}

	verifySpend(t, sweepTx, prevOuts)

	return sweepTx
}

// TestLocalForceClose broadcasts alice's commitment with a pending HTLC and
// sweeps her delayed balance and the HTLC after its timeout.
func TestLocalForceClose(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, alice, _ := CreateTestChannels(t)

	addHtlc(t, aliceChannel, bobChannel, 0, 20_000)
	require.NoError(t, ForceStateTransition(aliceChannel, bobChannel))

	summary, err := aliceChannel.ForceClose(alice.KeyRing)
	require.NoError(t, err)

	require.Equal(t, aliceChannel.ChannelPoint(), summary.ChanPoint)
	require.EqualValues(t, 1, summary.CommitHeight)
	require.True(t, aliceChannel.State().HasChanStatus(
		channeldb.ChanStatusCommitBroadcasted,
	))

	verifySpend(t, summary.CloseTx, map[wire.OutPoint]*wire.TxOut{
		aliceChannel.ChannelPoint(): aliceChannel.FundingOutput(),
	})

	require.Len(t, summary.Resolutions, 2)

	toLocal := summary.Resolutions[0]
	require.Equal(t, input.CommitmentTimeLock, toLocal.WitnessType)
	require.EqualValues(t, TestPolicy().RemoteCsvDelay, toLocal.CsvDelay)

	htlc := summary.Resolutions[1]
	require.True(t, htlc.IsHtlc)
	require.False(t, htlc.Incoming)
	require.Equal(t, input.HtlcOfferedTimeout, htlc.WitnessType)
	require.EqualValues(t, testExpiry, htlc.CltvExpiry)

	sweepResolutions(t, summary.CloseTx, summary.Resolutions)
}

// TestRemoteUnilateralClose checks the outputs alice can sweep when bob
// broadcasts his latest commitment.
func TestRemoteUnilateralClose(t *testing.T) {
	t.Parallel()

	alice := NewTestParty(t, testHdSeed)
	bob := NewTestParty(t, sha256.Sum256(testHdSeed[:]))
	aliceChannel, bobChannel := OpenTestChannel(
		t, alice, bob, TestChannelCapacity,
		lnwire.NewMSatFromSatoshis(20_000),
	)

	addHtlc(t, aliceChannel, bobChannel, 0, 15_000)
	require.NoError(t, ForceStateTransition(aliceChannel, bobChannel))

	bobCommit, err := bobChannel.ForceCloseTx()
	require.NoError(t, err)

	summary, err := NewUnilateralCloseSummary(
		aliceChannel.State(), alice.KeyRing, bobCommit,
	)
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.CommitHeight)
	require.Len(t, summary.Resolutions, 2)

	require.Equal(
		t, input.CommitmentNoDelay, summary.Resolutions[0].WitnessType,
	)
	require.Equal(
		t, input.HtlcOfferedRemoteTimeout,
		summary.Resolutions[1].WitnessType,
	)

	sweepResolutions(t, bobCommit, summary.Resolutions)

	// A transaction that isn't one of bob's commitments is refused.
	other := bobCommit.Copy()
	other.LockTime++
	_, err = NewUnilateralCloseSummary(
		aliceChannel.State(), alice.KeyRing, other,
	)
	require.ErrorIs(t, err, ErrUnknownCommitment)
}

// TestBreachRetribution has bob broadcast a revoked commitment and checks
// that alice can claim every output of it.
func TestBreachRetribution(t *testing.T) {
	t.Parallel()

	alice := NewTestParty(t, testHdSeed)
	bob := NewTestParty(t, sha256.Sum256(testHdSeed[:]))
	aliceChannel, bobChannel := OpenTestChannel(
		t, alice, bob, TestChannelCapacity,
		lnwire.NewMSatFromSatoshis(20_000),
	)

	index, preimage := addHtlc(t, aliceChannel, bobChannel, 0, 15_000)
	require.NoError(t, ForceStateTransition(aliceChannel, bobChannel))

	revokedCommit, err := bobChannel.ForceCloseTx()
	require.NoError(t, err)

	require.NoError(t, bobChannel.SettleHTLC(preimage, index))
	require.NoError(t, aliceChannel.ReceiveHTLCSettle(preimage, index))
	require.NoError(t, ForceStateTransition(bobChannel, aliceChannel))

	retribution, err := NewBreachRetribution(
		aliceChannel.State(), alice.KeyRing, 1, revokedCommit,
	)
	require.NoError(t, err)
	require.EqualValues(t, 1, retribution.RevokedStateNum)

	// to_remote, bob's revoked to_local and the HTLC.
	require.Len(t, retribution.Outputs, 3)

	var claimed btcutil.Amount
	for _, res := range retribution.Outputs {
		claimed += btcutil.Amount(
			revokedCommit.TxOut[res.OutPoint.Index].Value,
		)
	}
	var total btcutil.Amount
	for _, txOut := range revokedCommit.TxOut {
		total += btcutil.Amount(txOut.Value)
	}
	require.Equal(t, total, claimed)

	sweepResolutions(t, revokedCommit, retribution.Outputs)

	// The current commitment of bob isn't revoked yet.
	_, err = NewBreachRetribution(
		aliceChannel.State(), alice.KeyRing, 2, revokedCommit,
	)
	require.Error(t, err)
}
