package lnwallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/input"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrChanNotClean is returned when a cooperative close is attempted
	// while HTLCs are still pending.
	ErrChanNotClean = errors.New("channel has pending htlcs")

	// errNoCloseSession is returned when closing signatures are handled
	// before the nonces of the close were exchanged.
	errNoCloseSession = errors.New("closing nonces not exchanged")
)

// BeginCooperativeClose starts the signing session of the closing
// transaction and returns the nonce to send in our shutdown message. The
// same nonce is returned if a session is already running.
func (lc *LightningChannel) BeginCooperativeClose() (lnwire.Musig2Nonce,
	error) {

	lc.Lock()
	defer lc.Unlock()

	if lc.closeSession != nil {
		return lc.closeSession.PublicNonce(), nil
	}

	session, _, err := lc.musig.BeginSigning(signer.SigningContext{
		ChanID: lc.chanID,
		Owner:  signer.CooperativeClose,
		Height: lc.localCommitChain.tail().height,
	})
	if err != nil {
		return lnwire.Musig2Nonce{}, err
	}
	lc.closeSession = session

	return session.PublicNonce(), nil
}

// SetRemoteCloseNonce records the closing nonce of the remote party, sent
// in clear in its shutdown message.
func (lc *LightningChannel) SetRemoteCloseNonce(nonce lnwire.Musig2Nonce) {
	lc.Lock()
	defer lc.Unlock()

	lc.remoteCloseNonce = fn.Some(nonce)
}

// AbortCooperativeClose drops the closing session, as when a shutdown is
// withdrawn by a reestablish.
func (lc *LightningChannel) AbortCooperativeClose() {
	lc.Lock()
	defer lc.Unlock()

	lc.closeSession = nil
	lc.closeLocalSig = nil
	lc.remoteCloseNonce = fn.None[lnwire.Musig2Nonce]()
}

// ClosingFee returns the fee of the closing transaction paying to the two
// delivery scripts. Both parties compute it from the fee rate of the
// current commitment, so it needs no negotiation.
func (lc *LightningChannel) ClosingFee(localScript,
	remoteScript []byte) btcutil.Amount {

	lc.RLock()
	defer lc.RUnlock()

	return lc.closingFee(localScript, remoteScript)
}

func (lc *LightningChannel) closingFee(localScript,
	remoteScript []byte) btcutil.Amount {

	var estimator input.TxWeightEstimator
	estimator.AddTaprootKeySpendInput()
	estimator.AddOutput(localScript)
	estimator.AddOutput(remoteScript)

	feeRate := lc.localCommitChain.tail().feePerKw

	return feeRate.FeeForWeight(estimator.Weight())
}

// closeBalances returns the settled balances of both parties once the
// closing fee is taken from the initiator.
func (lc *LightningChannel) closeBalances(
	fee btcutil.Amount) (btcutil.Amount, btcutil.Amount, error) {

	tail := lc.localCommitChain.tail()
	ourBalance := tail.ourBalance.ToSatoshis()
	theirBalance := tail.theirBalance.ToSatoshis()

	// The commitment fee is returned to the initiator, which pays the
	// closing fee instead.
	if lc.channelState.IsInitiator {
		ourBalance = ourBalance + tail.fee - fee
	} else {
		theirBalance = theirBalance + tail.fee - fee
	}

	if ourBalance < 0 || theirBalance < 0 {
		return 0, 0, newChannelError(
			CodeInsufficientBalance, lc.chanID, "initiator can't "+
				"pay closing fee %v", fee,
		)
	}

	return ourBalance, theirBalance, nil
}

// CreateCloseTx creates a transaction which spends the funding output to
// the two delivery scripts. Outputs below the dust limit of their owner are
// omitted, the outputs are sorted following BIP-69.
func CreateCloseTx(fundingTxIn wire.TxIn, localScript, remoteScript []byte,
	ourBalance, theirBalance, localDust,
	remoteDust btcutil.Amount) *wire.MsgTx {

	closeTx := wire.NewMsgTx(2)
	closeTx.AddTxIn(&fundingTxIn)

	if ourBalance >= localDust {
		closeTx.AddTxOut(&wire.TxOut{
			PkScript: localScript,
			Value:    int64(ourBalance),
		})
	}
	if theirBalance >= remoteDust {
		closeTx.AddTxOut(&wire.TxOut{
			PkScript: remoteScript,
			Value:    int64(theirBalance),
		})
	}

	txsort.InPlaceSort(closeTx)

	return closeTx
}

// buildCloseTx assembles the closing transaction of the channel.
func (lc *LightningChannel) buildCloseTx(localScript, remoteScript []byte,
	fee btcutil.Amount) (*wire.MsgTx, error) {

	if !lc.isChannelClean() {
		return nil, ErrChanNotClean
	}

	ourBalance, theirBalance, err := lc.closeBalances(fee)
	if err != nil {
		return nil, err
	}

	state := lc.channelState

	return CreateCloseTx(
		fundingTxIn(state), localScript, remoteScript, ourBalance,
		theirBalance, state.LocalChanCfg.DustLimit,
		state.RemoteChanCfg.DustLimit,
	), nil
}

// CreateCloseProposal signs the closing transaction paying to the given
// delivery scripts. The nonces must have been exchanged through
// BeginCooperativeClose and SetRemoteCloseNonce.
func (lc *LightningChannel) CreateCloseProposal(localScript,
	remoteScript []byte) (*lnwire.ClosingSigned, error) {

	lc.Lock()
	defer lc.Unlock()

	if lc.closeLocalSig != nil {
		return &lnwire.ClosingSigned{
			ChannelID:   lc.chanID,
			FeeSatoshis: lc.closeFee,
			PartialSig:  lnwire.NewPartialSig(*lc.closeLocalSig.Sig.S),
		}, nil
	}

	if lc.closeSession == nil {
		return nil, errNoCloseSession
	}
	remoteNonce, err := lc.remoteCloseNonce.UnwrapOrErr(errNoCloseSession)
	if err != nil {
		return nil, err
	}

	fee := lc.closingFee(localScript, remoteScript)
	closeTx, err := lc.buildCloseTx(localScript, remoteScript, fee)
	if err != nil {
		return nil, err
	}

	digest, err := signer.TaprootKeySpendDigest(closeTx, lc.fundingOutput)
	if err != nil {
		return nil, err
	}

	err = lc.closeSession.AggregateNonces(
		remoteNonce, fn.None[lnwire.NonceCommitment](),
	)
	if err != nil {
		return nil, err
	}
	localSig, err := lc.closeSession.PartialSign(digest)
	if err != nil {
		return nil, err
	}
	lc.closeLocalSig = localSig
	lc.closeFee = fee

	lc.log.Infof("proposing closing fee %v", fee)

	return &lnwire.ClosingSigned{
		ChannelID:   lc.chanID,
		FeeSatoshis: fee,
		PartialSig:  lnwire.NewPartialSig(*localSig.Sig.S),
	}, nil
}

// CompleteCooperativeClose combines the remote partial signature with ours
// and returns the fully signed closing transaction. A fee that differs from
// ours is a ProtocolError with code InvalidCommitment.
func (lc *LightningChannel) CompleteCooperativeClose(localScript,
	remoteScript []byte, msg *lnwire.ClosingSigned) (*wire.MsgTx, error) {

	lc.Lock()
	defer lc.Unlock()

	if lc.closeSession == nil || lc.closeLocalSig == nil {
		return nil, errNoCloseSession
	}
	remoteNonce, err := lc.remoteCloseNonce.UnwrapOrErr(errNoCloseSession)
	if err != nil {
		return nil, err
	}

	if msg.FeeSatoshis != lc.closeFee {
		return nil, lnwire.NewProtocolError(
			lnwire.CodeInvalidCommitment, lc.chanID, "closing fee "+
				"%v, expected %v", msg.FeeSatoshis, lc.closeFee,
		)
	}

	closeTx, err := lc.buildCloseTx(localScript, remoteScript, lc.closeFee)
	if err != nil {
		return nil, err
	}

	remoteSig := signer.FromWireScalar(msg.PartialSig, remoteNonce)
	finalSig, err := lc.closeSession.VerifyAndCombine(
		lc.closeLocalSig, remoteSig,
	)
	if err != nil {
		return nil, lnwire.NewProtocolError(
			lnwire.CodeInvalidSignature, lc.chanID, "closing "+
				"signature invalid: %v", err,
		)
	}

	closeTx.TxIn[0].Witness = wire.TxWitness{finalSig.Serialize()}

	return closeTx, nil
}
