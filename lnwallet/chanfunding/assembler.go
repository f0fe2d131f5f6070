package chanfunding

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/lnwallet/chainfee"
)

// Coin is a spendable output of the backing wallet.
type Coin struct {
	wire.TxOut

	OutPoint wire.OutPoint
}

// CoinSource is an interface that allows a caller to access a source of UTXOs
// to use when attempting to fund a new channel.
type CoinSource interface {
	// ListCoins returns all UTXOs from the source that have between
	// minConfs and maxConfs number of confirmations.
	ListCoins(minConfs, maxConfs int32) ([]Coin, error)
}

// OutpointLocker allows a caller to lock/unlock an outpoint. When locked, the
// outpoints shouldn't be used for any sort of channel funding of coin
// selection. Locked outpoints are not expected to be persisted between
// restarts.
type OutpointLocker interface {
	// LockOutpoint locks a target outpoint, rendering it unusable for coin
	// selection.
	LockOutpoint(o wire.OutPoint)

	// UnlockOutpoint unlocks a target outpoint, allowing it to be used for
	// coin selection once again.
	UnlockOutpoint(o wire.OutPoint)
}

// InputSigner adds the witnesses of the wallet owned inputs of a funding
// transaction.
type InputSigner interface {
	// SignInputs signs every input of tx that spends one of coins.
	SignInputs(tx *wire.MsgTx, coins []Coin) error
}

// Request is a new request for funding a channel. The items in the struct
// governs how the final channel point will be provisioned by the target
// Assembler.
type Request struct {
	// LocalAmt is the amount of coins we're placing into the funding
	// output.
	LocalAmt btcutil.Amount

	// PushAmt is the number of satoshis that should be pushed over the
	// responder as part of the initial channel creation.
	PushAmt btcutil.Amount

	// MinConfs controls how many confirmations a coin need to be eligible
	// to be used as an input to the funding transaction.
	MinConfs int32

	// FeeRate is the fee rate in sat/kw that the funding transaction
	// should carry.
	FeeRate chainfee.SatPerKWeight

	// ChangeScript is a closure that will provide the Assembler with a
	// change script for the funding transaction if needed.
	ChangeScript func() ([]byte, error)
}

// Intent is returned by an Assembler and represents the base functionality
// the caller needs to proceed with channel funding on a higher level. If the
// Cancel method is called, then all resources assembled to fund the channel
// will be released back to the eligible pool.
type Intent interface {
	// FundingTx builds the funding transaction paying the channel
	// capacity to fundingScript. It can only be called once the
	// counterparty's funding key, and thus the script, is known.
	FundingTx(fundingScript []byte) (*wire.MsgTx, error)

	// ChanPoint returns the final outpoint that will create the funding
	// output. It is only known after FundingTx succeeded.
	ChanPoint() (*wire.OutPoint, error)

	// LocalFundingAmt is the amount we put into the channel. This may
	// differ from the local amount requested, as depending on coin
	// selection, we may bleed from of that LocalAmt into fees to minimize
	// change.
	LocalFundingAmt() btcutil.Amount

	// Inputs returns all inputs to the final funding transaction.
	Inputs() []wire.OutPoint

	// Cancel allows the caller to cancel a funding Intent at any time.
	// This will return any resources such as coins back to the eligible
	// pool to be used in order channel fundings.
	Cancel()
}

// Assembler is an abstract object that is capable of assembling everything
// needed to create a new funding output. As an example, this assembler may be
// our core backing wallet, or an external party that creates a funding
// output out-of-band.
type Assembler interface {
	// ProvisionChannel returns a populated Intent that can be used to
	// further the channel funding workflow.
	ProvisionChannel(*Request) (Intent, error)
}

// locateFundingOutput returns the index of the output of tx paying to
// fundingScript.
func locateFundingOutput(tx *wire.MsgTx, fundingScript []byte) (uint32, bool) {
	for i, txOut := range tx.TxOut {
		if string(txOut.PkScript) == string(fundingScript) {
			return uint32(i), true
		}
	}

	return 0, false
}
