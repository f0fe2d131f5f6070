package contractcourt

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/input"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwallet/chainfee"
)

// ErrDustSweep is returned when the outputs to sweep don't pay for the fee
// of the sweep transaction.
var ErrDustSweep = errors.New("sweep output below dust limit")

// needsPreimage returns true for witness types that claim an HTLC with its
// preimage.
func needsPreimage(wt input.WitnessType) bool {
	return wt == input.HtlcAcceptedSuccess ||
		wt == input.HtlcAcceptedRemoteSuccess
}

// isKeySpend returns true for witness types that spend through the taproot
// key path.
func isKeySpend(wt input.WitnessType) bool {
	switch wt {
	case input.CommitmentNoDelay, input.CommitmentRevoke,
		input.HtlcOfferedRevoke, input.HtlcAcceptedRevoke:

		return true

	default:
		return false
	}
}

// witnessSize returns the size of the witness spending res.
func witnessSize(res *lnwallet.OutputResolution) (int, error) {
	if isKeySpend(res.WitnessType) {
		return input.TaprootKeyPathWitnessSize, nil
	}

	ctrlBlock, err := res.SignDesc.Tree.ControlBlock(res.SignDesc.Leaf)
	if err != nil {
		return 0, err
	}

	items := [][]byte{make([]byte, input.SchnorrSigSize)}
	if needsPreimage(res.WitnessType) {
		items = append(items, make([]byte, lntypes.PreimageSize))
	}

	return input.TapscriptWitnessSize(
		res.SignDesc.Leaf.Script, ctrlBlock, items...,
	), nil
}

// mature returns true once res can be swept in the block after tip. The
// commitment holding res confirmed at confHeight.
func mature(res *lnwallet.OutputResolution, confHeight, tip uint32) bool {
	if res.CsvDelay > 0 && tip+1 < confHeight+res.CsvDelay {
		return false
	}

	return res.CltvExpiry == 0 || tip >= res.CltvExpiry
}

// createSweepTx spends inputs into one output paying to sweepScript at the
// given fee rate.
func createSweepTx(inputs []*lnwallet.OutputResolution, sweepScript []byte,
	feeRate chainfee.SatPerKWeight) (*wire.MsgTx, error) {

	sweepTx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))

	var (
		weightEstimate input.TxWeightEstimator
		total          btcutil.Amount
	)
	for _, res := range inputs {
		size, err := witnessSize(res)
		if err != nil {
			return nil, fmt.Errorf("unable to size %v: %w", res, err)
		}
		weightEstimate.AddWitnessInput(size)

		sweepTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: res.OutPoint,
			Sequence:         res.CsvDelay,
		})
		if res.CltvExpiry > sweepTx.LockTime {
			sweepTx.LockTime = res.CltvExpiry
		}

		prevOuts[res.OutPoint] = res.SignDesc.Output
		total += btcutil.Amount(res.SignDesc.Output.Value)
	}
	weightEstimate.AddOutput(sweepScript)

	fee := feeRate.FeeForWeight(weightEstimate.Weight())
	sweepAmt := total - fee
	if sweepAmt < lnwallet.MinDustLimit {
		return nil, fmt.Errorf("%w: %v after fee %v", ErrDustSweep,
			sweepAmt, fee)
	}

	sweepTx.AddTxOut(&wire.TxOut{
		PkScript: sweepScript,
		Value:    int64(sweepAmt),
	})

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	for i, res := range inputs {
		witness, err := res.SweepWitness(sweepTx, i, fetcher)
		if err != nil {
			return nil, fmt.Errorf("unable to sign %v: %w", res, err)
		}
		sweepTx.TxIn[i].Witness = witness
	}

	log.Debugf("Created sweep tx %v spending %d inputs at %v, fee %v",
		sweepTx.TxHash(), len(inputs), feeRate, fee)

	return sweepTx, nil
}
