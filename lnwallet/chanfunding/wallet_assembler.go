package chanfunding

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/input"
)

// FullIntent is an intent that is fully backed by the internal wallet. This
// intent differs from the ShimIntent, in that the funding transaction will
// be constructed internally, and will consist of only inputs we wholly
// control.
//
// If FundingTx fails, then the Cancel method MUST be called.
type FullIntent struct {
	// localFundingAmt is the final amount we put into the funding output.
	localFundingAmt btcutil.Amount

	// InputCoins are the set of coins selected as inputs to this funding
	// transaction.
	InputCoins []Coin

	// ChangeOutputs are the set of outputs that the Assembler will use as
	// change from the main funding transaction.
	ChangeOutputs []*wire.TxOut

	chanPoint *wire.OutPoint

	// coinLocker is the Assembler's instance of the OutpointLocker
	// interface.
	coinLocker OutpointLocker

	// signer is the Assembler's instance of the InputSigner interface.
	signer InputSigner
}

// FundingTx constructs the final funding transaction, and fully signs all
// inputs. After this method returns, the Intent is assumed to be complete,
// as the output can be created at any point.
//
// NOTE: This method satisfies the chanfunding.Intent interface.
func (f *FullIntent) FundingTx(fundingScript []byte) (*wire.MsgTx, error) {
	// Create a blank, fresh transaction. Soon to be a complete funding
	// transaction which will allow opening a lightning channel.
	fundingTx := wire.NewMsgTx(2)
	for _, coin := range f.InputCoins {
		fundingTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: coin.OutPoint,
		})
	}
	for _, ourChangeOutput := range f.ChangeOutputs {
		fundingTx.AddTxOut(ourChangeOutput)
	}
	fundingTx.AddTxOut(
		wire.NewTxOut(int64(f.localFundingAmt), fundingScript),
	)

	// Sort the transaction. Since both side agree to a canonical ordering,
	// by sorting we no longer need to send the entire transaction. Only
	// signatures will be exchanged.
	txsort.InPlaceSort(fundingTx)

	// Now that the funding tx has been fully assembled, we'll locate the
	// index of the funding output so we can create our final channel
	// point.
	fundingIndex, ok := locateFundingOutput(fundingTx, fundingScript)
	if !ok {
		return nil, fmt.Errorf("funding output not found")
	}

	if err := f.signer.SignInputs(fundingTx, f.InputCoins); err != nil {
		return nil, fmt.Errorf("unable to sign funding inputs: %w", err)
	}

	// Finally, we'll populate the chanPoint now that we've fully
	// constructed the funding transaction.
	f.chanPoint = &wire.OutPoint{
		Hash:  fundingTx.TxHash(),
		Index: fundingIndex,
	}

	return fundingTx, nil
}

// ChanPoint returns the final outpoint that will create the funding output.
//
// NOTE: This method satisfies the chanfunding.Intent interface.
func (f *FullIntent) ChanPoint() (*wire.OutPoint, error) {
	if f.chanPoint == nil {
		return nil, fmt.Errorf("chan point unknown, funding tx not " +
			"built yet")
	}

	return f.chanPoint, nil
}

// LocalFundingAmt is the amount we put into the channel.
//
// NOTE: This method satisfies the chanfunding.Intent interface.
func (f *FullIntent) LocalFundingAmt() btcutil.Amount {
	return f.localFundingAmt
}

// Inputs returns all inputs to the final funding transaction that we
// know about. Since this funding transaction is created all from our wallet,
// it will be all inputs.
func (f *FullIntent) Inputs() []wire.OutPoint {
	var ins []wire.OutPoint
	for _, coin := range f.InputCoins {
		ins = append(ins, coin.OutPoint)
	}

	return ins
}

// Cancel allows the caller to cancel a funding Intent at any time.  This will
// return any resources such as coins back to the eligible pool to be used in
// order channel fundings.
//
// NOTE: Part of the chanfunding.Intent interface.
func (f *FullIntent) Cancel() {
	for _, coin := range f.InputCoins {
		f.coinLocker.UnlockOutpoint(coin.OutPoint)
	}
}

// A compile-time check to ensure FullIntent meets the Intent interface.
var _ Intent = (*FullIntent)(nil)

// WalletConfig is the main config of the WalletAssembler.
type WalletConfig struct {
	// CoinSource is what the WalletAssembler uses to list/locate coins.
	CoinSource CoinSource

	// CoinLocker is what the WalletAssembler uses to lock coins that may
	// be used as inputs for a new funding transaction.
	CoinLocker OutpointLocker

	// Signer allows the WalletAssembler to sign inputs on any potential
	// funding transactions.
	Signer InputSigner

	// DustLimit is the current dust limit. We'll use this to ensure that
	// we don't make dust outputs on the funding transaction.
	DustLimit btcutil.Amount
}

// WalletAssembler is an instance of the Assembler interface that is backed by
// a full wallet. This variant of the Assembler interface will produce the
// entirety of the funding transaction within the wallet.
type WalletAssembler struct {
	cfg WalletConfig

	// coinSelectMtx is held while coins are listed and locked so two
	// fundings never select the same coin.
	coinSelectMtx sync.Mutex
}

// NewWalletAssembler creates a new instance of the WalletAssembler from a
// fully populated wallet config.
func NewWalletAssembler(cfg WalletConfig) *WalletAssembler {
	return &WalletAssembler{
		cfg: cfg,
	}
}

// ProvisionChannel is the main entry point to begin a funding workflow given
// a fully populated request. The WalletAssembler will perform coin selection
// in a goroutine safe manner, returning an Intent that will allow the caller
// to finalize the funding process.
//
// NOTE: To cancel the funding flow the Cancel() method on the returned
// Intent, MUST be called.
//
// NOTE: This is a part of the chanfunding.Assembler interface.
func (w *WalletAssembler) ProvisionChannel(r *Request) (Intent, error) {
	if r.PushAmt > r.LocalAmt {
		return nil, fmt.Errorf("push amt %v exceeds funding amt %v",
			r.PushAmt, r.LocalAmt)
	}

	// We hold the coin select mutex while querying for outputs, and
	// performing coin selection in order to avoid inadvertent double
	// spends across funding transactions.
	w.coinSelectMtx.Lock()
	defer w.coinSelectMtx.Unlock()

	log.Infof("Performing funding tx coin selection using %v sat/kw as "+
		"fee rate", int64(r.FeeRate))

	coins, err := w.cfg.CoinSource.ListCoins(r.MinConfs, int32(^uint32(0)>>1))
	if err != nil {
		return nil, err
	}

	// The funding output is always part of the transaction.
	var weightEstimate input.TxWeightEstimator
	weightEstimate.AddP2TROutput()

	selectedCoins, changeAmt, err := CoinSelect(
		r.FeeRate, r.LocalAmt, w.cfg.DustLimit, coins, weightEstimate,
		DefaultMaxFeeRatio,
	)
	if err != nil {
		return nil, err
	}

	var changeOutputs []*wire.TxOut
	if changeAmt != 0 {
		changeScript, err := r.ChangeScript()
		if err != nil {
			return nil, err
		}

		changeOutputs = append(
			changeOutputs, wire.NewTxOut(int64(changeAmt), changeScript),
		)
	}

	// Lock the selected coins. These coins are now "reserved", this
	// prevents concurrent funding requests from referring to and this
	// double-spending the same set of coins.
	for _, coin := range selectedCoins {
		w.cfg.CoinLocker.LockOutpoint(coin.OutPoint)
	}

	log.Debugf("Selected %d coins for funding of %v, change %v",
		len(selectedCoins), r.LocalAmt, changeAmt)

	return &FullIntent{
		localFundingAmt: r.LocalAmt,
		InputCoins:      selectedCoins,
		ChangeOutputs:   changeOutputs,
		coinLocker:      w.cfg.CoinLocker,
		signer:          w.cfg.Signer,
	}, nil
}

// A compile-time assertion to ensure the WalletAssembler meets the Assembler
// interface.
var _ Assembler = (*WalletAssembler)(nil)
