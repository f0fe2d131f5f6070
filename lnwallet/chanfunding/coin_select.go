package chanfunding

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/hopline/hopd/input"
	"github.com/hopline/hopd/lnwallet/chainfee"
)

const (
	// p2wkhWitnessSize assumes a signature of the maximum size.
	p2wkhWitnessSize = 1 + 1 + 73 + 1 + 33

	// DefaultMaxFeeRatio is the share of the outputs a funding
	// transaction may spend on fees.
	DefaultMaxFeeRatio float64 = 0.2
)

// ErrInsufficientFunds is returned when the coins of the wallet don't cover
// a funding amount.
type ErrInsufficientFunds struct {
	amountAvailable btcutil.Amount
	amountSelected  btcutil.Amount
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("not enough witness outputs to create funding "+
		"transaction, need %v only have %v available",
		e.amountAvailable, e.amountSelected)
}

// errUnsupportedInput is returned for coins whose spend size is unknown.
type errUnsupportedInput struct {
	PkScript []byte
}

func (e *errUnsupportedInput) Error() string {
	return fmt.Sprintf("unsupported address type: %x", e.PkScript)
}

// selectInputs picks coins, largest first, until they add up to amt. It
// returns their total along with them.
func selectInputs(amt btcutil.Amount, coins []Coin) (btcutil.Amount, []Coin,
	error) {

	sorted := slices.SortedStableFunc(slices.Values(coins),
		func(a, b Coin) int {
			return cmp.Compare(b.Value, a.Value)
		},
	)

	var total btcutil.Amount
	for i := range sorted {
		total += btcutil.Amount(sorted[i].Value)
		if total >= amt {
			return total, sorted[:i+1], nil
		}
	}

	return 0, nil, &ErrInsufficientFunds{amt, total}
}

// calculateFees returns the fee of spending utxos at feeRate on top of
// existingWeight, first without and then with a P2TR change output.
func calculateFees(utxos []Coin, feeRate chainfee.SatPerKWeight,
	existingWeight input.TxWeightEstimator) (btcutil.Amount,
	btcutil.Amount, error) {

	estimate := existingWeight
	for _, utxo := range utxos {
		switch script := utxo.PkScript; {
		case txscript.IsPayToTaproot(script):
			estimate.AddTaprootKeySpendInput()

		case txscript.IsPayToWitnessPubKeyHash(script):
			estimate.AddWitnessInput(p2wkhWitnessSize)

		default:
			return 0, 0, &errUnsupportedInput{script}
		}
	}
	noChange := feeRate.FeeForWeight(estimate.Weight())

	estimate.AddP2TROutput()
	withChange := feeRate.FeeForWeight(estimate.Weight())

	return noChange, withChange, nil
}

// sanityCheckFee refuses fees above maxFeeRatio of totalOut.
func sanityCheckFee(totalOut, fee btcutil.Amount, maxFeeRatio float64) error {
	if maxFeeRatio <= 0 || maxFeeRatio > 1 {
		return fmt.Errorf("maxFeeRatio must be between 0.00 and 1.00 "+
			"got %.2f", maxFeeRatio)
	}

	maxFee := btcutil.Amount(float64(totalOut) * maxFeeRatio)
	if fee > maxFee {
		return fmt.Errorf("fee %v exceeds max fee (%v) on total "+
			"output value %v with max fee ratio of %.2f", fee,
			maxFee, totalOut, maxFeeRatio)
	}

	return nil
}

// CoinSelect picks coins funding amt at feeRate and returns them with the
// change to add, zero when change would be dust. existingWeight covers the
// outputs of the caller, such as the funding output.
func CoinSelect(feeRate chainfee.SatPerKWeight, amt, dustLimit btcutil.Amount,
	coins []Coin, existingWeight input.TxWeightEstimator,
	maxFeeRatio float64) ([]Coin, btcutil.Amount, error) {

	// Every round that falls short of the fee selects again for the
	// amount plus that fee.
	target := amt
	for {
		total, selected, err := selectInputs(target, coins)
		if err != nil {
			return nil, 0, err
		}

		feeNoChange, feeWithChange, err := calculateFees(
			selected, feeRate, existingWeight,
		)
		if err != nil {
			return nil, 0, err
		}

		change, needed, err := CalculateChangeAmount(
			total, amt, feeNoChange, feeWithChange, dustLimit,
			maxFeeRatio,
		)
		switch {
		case err != nil:
			return nil, 0, err

		case needed != 0:
			target = needed

		default:
			return selected, change, nil
		}
	}
}

// CalculateChangeAmount splits the excess of totalInputAmt over requiredAmt
// into fee and change. It returns the change, zero below dustLimit, or a
// non-zero second amount asking for a new selection covering it when the
// inputs can't even pay the fee without change.
func CalculateChangeAmount(totalInputAmt, requiredAmt, requiredFeeNoChange,
	requiredFeeWithChange, dustLimit btcutil.Amount,
	maxFeeRatio float64) (btcutil.Amount, btcutil.Amount, error) {

	excess := totalInputAmt - requiredAmt
	if excess < requiredFeeNoChange {
		return 0, requiredAmt + requiredFeeNoChange, nil
	}

	var change btcutil.Amount
	if excess > requiredFeeWithChange {
		change = excess - requiredFeeWithChange
	}

	// Dust change is left to the miners.
	if change < dustLimit {
		change = 0
	}

	totalOut := requiredAmt + change
	err := sanityCheckFee(totalOut, totalInputAmt-totalOut, maxFeeRatio)
	if err != nil {
		return 0, 0, err
	}

	return change, 0, nil
}
