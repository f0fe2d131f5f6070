package chanfunding

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// ShimIntent is an intent created by the CannedAssembler which represents a
// funding output to be created that was constructed outside the wallet. The
// funding transaction spends a single outpoint controlled by an external
// party, such as a hardware wallet, which also signs it.
type ShimIntent struct {
	// localFundingAmt is the final amount we put into the funding output.
	localFundingAmt btcutil.Amount

	// prevOut is the outpoint the funding transaction spends.
	prevOut wire.OutPoint

	// chanPoint is the final channel point for the to be created channel.
	chanPoint *wire.OutPoint
}

// FundingTx returns an unsigned transaction spending the canned outpoint to
// the funding output.
//
// NOTE: This method satisfies the chanfunding.Intent interface.
func (s *ShimIntent) FundingTx(fundingScript []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: s.prevOut})
	tx.AddTxOut(wire.NewTxOut(int64(s.localFundingAmt), fundingScript))

	s.chanPoint = &wire.OutPoint{Hash: tx.TxHash(), Index: 0}

	return tx, nil
}

// Cancel allows the caller to cancel a funding Intent at any time.
//
// NOTE: This method satisfies the chanfunding.Intent interface.
func (s *ShimIntent) Cancel() {
}

// LocalFundingAmt is the amount we put into the channel.
//
// NOTE: This method satisfies the chanfunding.Intent interface.
func (s *ShimIntent) LocalFundingAmt() btcutil.Amount {
	return s.localFundingAmt
}

// Inputs returns the outpoint the funding transaction spends.
//
// NOTE: This method satisfies the chanfunding.Intent interface.
func (s *ShimIntent) Inputs() []wire.OutPoint {
	return []wire.OutPoint{s.prevOut}
}

// ChanPoint returns the final outpoint that will create the funding output.
//
// NOTE: This method satisfies the chanfunding.Intent interface.
func (s *ShimIntent) ChanPoint() (*wire.OutPoint, error) {
	if s.chanPoint == nil {
		return nil, fmt.Errorf("chan point unknown, funding tx not " +
			"built yet")
	}

	return s.chanPoint, nil
}

// CannedAssembler is a type of chanfunding.Assembler wherein the funding
// transaction is constructed outside of the wallet, spending an outpoint the
// operator supplied.
type CannedAssembler struct {
	prevOut    wire.OutPoint
	fundingAmt btcutil.Amount
}

// NewCannedAssembler creates a new CannedAssembler whose funding transaction
// spends prevOut, worth fundingAmt plus the fee the external signer pays.
func NewCannedAssembler(prevOut wire.OutPoint,
	fundingAmt btcutil.Amount) *CannedAssembler {

	return &CannedAssembler{
		prevOut:    prevOut,
		fundingAmt: fundingAmt,
	}
}

// ProvisionChannel creates a new ShimIntent given the passed funding
// Request.
//
// NOTE: This method satisfies the chanfunding.Assembler interface.
func (c *CannedAssembler) ProvisionChannel(req *Request) (Intent, error) {
	switch {
	case req.LocalAmt != c.fundingAmt:
		return nil, fmt.Errorf("local amt mismatch: request %v, "+
			"canned %v", req.LocalAmt, c.fundingAmt)

	case req.PushAmt > c.fundingAmt:
		return nil, fmt.Errorf("push amt %v exceeds funding amt %v",
			req.PushAmt, c.fundingAmt)
	}

	return &ShimIntent{
		localFundingAmt: c.fundingAmt,
		prevOut:         c.prevOut,
	}, nil
}

// A compile-time assertion to ensure CannedAssembler meets the Assembler
// interface.
var _ Assembler = (*CannedAssembler)(nil)
