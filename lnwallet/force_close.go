package lnwallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/input"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lntypes"
)

var (
	// ErrUnknownCommitment is returned when a spend of the funding output
	// matches none of the commitments we know.
	ErrUnknownCommitment = errors.New("spend is not a known commitment")

	// ErrNoCommitSig is returned when our commitment has no final
	// signature yet, as during funding.
	ErrNoCommitSig = errors.New("local commitment not signed")
)

// OutputResolution describes how to sweep one output of a commitment
// transaction that confirmed on chain.
type OutputResolution struct {
	// OutPoint is the output to sweep.
	OutPoint wire.OutPoint

	// WitnessType is the spend path used.
	WitnessType input.WitnessType

	// SignDesc holds the key and script tree of the output. The preimage
	// of success spends is filled in once it's known.
	SignDesc input.SignDescriptor

	// CsvDelay is the relative delay before the output can be swept.
	CsvDelay uint32

	// CltvExpiry is the absolute height before which the output can't be
	// swept, zero if there is none.
	CltvExpiry uint32

	// RHash is the payment hash of an HTLC output.
	RHash lntypes.Hash

	// HtlcIndex is the index of the HTLC in the log of the side that
	// offered it.
	HtlcIndex uint64

	// Incoming is true if the HTLC was offered to us.
	Incoming bool

	// IsHtlc is set for HTLC outputs.
	IsHtlc bool
}

// String returns a short description of the resolution.
func (o *OutputResolution) String() string {
	if o.IsHtlc {
		return fmt.Sprintf("%v(%v, htlc=%v)", o.WitnessType,
			o.OutPoint, o.RHash)
	}

	return fmt.Sprintf("%v(%v)", o.WitnessType, o.OutPoint)
}

// LocalForceCloseSummary describes the final state of a channel closed by
// broadcasting our commitment.
type LocalForceCloseSummary struct {
	// ChanPoint is the funding outpoint of the channel.
	ChanPoint wire.OutPoint

	// CloseTx is our commitment transaction.
	CloseTx *wire.MsgTx

	// CommitHeight is the height of the broadcast commitment.
	CommitHeight uint64

	// Resolutions are the outputs we can sweep, to_local first if
	// present.
	Resolutions []OutputResolution
}

// UnilateralCloseSummary describes the outputs we can sweep from a
// commitment broadcast by the remote party that wasn't revoked.
type UnilateralCloseSummary struct {
	ChanPoint wire.OutPoint

	// SpendTx is the remote commitment.
	SpendTx *wire.MsgTx

	// CommitHeight is the height of the remote commitment.
	CommitHeight uint64

	Resolutions []OutputResolution
}

// BreachRetribution contains everything needed to sweep all outputs of a
// revoked remote commitment.
type BreachRetribution struct {
	ChanPoint wire.OutPoint

	// BreachTx is the revoked commitment that confirmed.
	BreachTx *wire.MsgTx

	// RevokedStateNum is the height of the revoked commitment.
	RevokedStateNum uint64

	// Outputs are all outputs of BreachTx we can claim.
	Outputs []OutputResolution
}

// ForceCloseTx returns our latest fully signed commitment transaction with
// its witness, ready to broadcast.
func (lc *LightningChannel) ForceCloseTx() (*wire.MsgTx, error) {
	lc.RLock()
	defer lc.RUnlock()

	return forceCloseTx(lc.channelState)
}

func forceCloseTx(state *channeldb.OpenChannel) (*wire.MsgTx, error) {
	commit := &state.LocalCommitment
	if len(commit.CommitSig) == 0 || commit.CommitTx == nil {
		return nil, ErrNoCommitSig
	}

	commitTx := commit.CommitTx.Copy()
	commitTx.TxIn[0].Witness = wire.TxWitness{commit.CommitSig}

	return commitTx, nil
}

// ForceClose marks the channel as force closed and returns the summary of
// our commitment, which the caller broadcasts. The channel no longer
// accepts updates.
func (lc *LightningChannel) ForceClose(
	keyRing keychain.SecretKeyRing) (*LocalForceCloseSummary, error) {

	lc.Lock()
	defer lc.Unlock()

	summary, err := NewLocalForceCloseSummary(lc.channelState, keyRing)
	if err != nil {
		return nil, err
	}

	err = lc.channelState.MarkCommitmentBroadcasted(summary.CloseTx, true)
	if err != nil {
		return nil, err
	}

	lc.log.Infof("force closing at height %d, closing txid %v",
		summary.CommitHeight, summary.CloseTx.TxHash())

	return summary, nil
}

// tweakedPrivKey derives the private key of a base point tweaked with a
// per-commitment point.
func tweakedPrivKey(keyRing keychain.SecretKeyRing,
	base keychain.KeyDescriptor,
	commitPoint *btcec.PublicKey) (*btcec.PrivateKey, error) {

	basePriv, err := keyRing.DerivePrivKey(base)
	if err != nil {
		return nil, err
	}

	return input.TweakPrivKey(
		basePriv, input.SingleTweakBytes(commitPoint, base.PubKey),
	), nil
}

// htlcTreeFor rebuilds the script tree of a persisted HTLC output.
func htlcTreeFor(keyRing *CommitmentKeyRing, htlc *channeldb.HTLC,
	ownerIsOffering bool, csvDelay uint16) (*input.HtlcTree, error) {

	return htlcTree(
		keyRing, ownerIsOffering, htlc.RHash, htlc.RefundTimeout,
		csvDelay,
	)
}

// NewLocalForceCloseSummary computes the outputs we can sweep from our own
// latest commitment.
func NewLocalForceCloseSummary(state *channeldb.OpenChannel,
	keyRing keychain.SecretKeyRing) (*LocalForceCloseSummary, error) {

	closeTx, err := forceCloseTx(state)
	if err != nil {
		return nil, err
	}
	commit := &state.LocalCommitment
	txHash := closeTx.TxHash()

	commitPoint, err := state.CommitPoint(commit.CommitHeight)
	if err != nil {
		return nil, err
	}
	commitKeys := DeriveCommitmentKeys(
		commitPoint, true, &state.LocalChanCfg, &state.RemoteChanCfg,
	)
	csvDelay := state.LocalChanCfg.CsvDelay

	summary := &LocalForceCloseSummary{
		ChanPoint:    state.FundingOutpoint,
		CloseTx:      closeTx,
		CommitHeight: commit.CommitHeight,
	}

	// Our settled balance sits behind the csv delay.
	toLocalTree, err := input.ToLocalTree(
		uint32(csvDelay), commitKeys.ToLocalKey, commitKeys.RevocationKey,
	)
	if err != nil {
		return nil, err
	}
	toLocalScript, err := toLocalTree.PkScript()
	if err != nil {
		return nil, err
	}
	if found, idx := input.FindScriptOutputIndex(closeTx, toLocalScript); found {
		delayPriv, err := tweakedPrivKey(
			keyRing, state.LocalChanCfg.DelayBasePoint, commitPoint,
		)
		if err != nil {
			return nil, err
		}

		summary.Resolutions = append(summary.Resolutions,
			OutputResolution{
				OutPoint:    wire.OutPoint{Hash: txHash, Index: idx},
				WitnessType: input.CommitmentTimeLock,
				SignDesc: input.SignDescriptor{
					PrivKey: delayPriv,
					Output:  closeTx.TxOut[idx],
					Tree:    toLocalTree,
					Leaf:    toLocalTree.Leaves[0],
				},
				CsvDelay: uint32(csvDelay),
			},
		)
	}

	htlcPriv, err := tweakedPrivKey(
		keyRing, state.LocalChanCfg.HtlcBasePoint, commitPoint,
	)
	if err != nil {
		return nil, err
	}

	for i := range commit.Htlcs {
		htlc := &commit.Htlcs[i]
		if htlc.OutputIndex < 0 {
			continue
		}

		tree, err := htlcTreeFor(commitKeys, htlc, !htlc.Incoming, csvDelay)
		if err != nil {
			return nil, err
		}

		res := OutputResolution{
			OutPoint: wire.OutPoint{
				Hash: txHash, Index: uint32(htlc.OutputIndex),
			},
			SignDesc: input.SignDescriptor{
				PrivKey: htlcPriv,
				Output:  closeTx.TxOut[htlc.OutputIndex],
				Tree:    tree.TapscriptTree,
			},
			CsvDelay:  uint32(csvDelay),
			RHash:     lntypes.Hash(htlc.RHash),
			HtlcIndex: htlc.HtlcIndex,
			Incoming:  htlc.Incoming,
			IsHtlc:    true,
		}
		if htlc.Incoming {
			res.WitnessType = input.HtlcAcceptedSuccess
			res.SignDesc.Leaf = tree.SuccessLeaf
		} else {
			res.WitnessType = input.HtlcOfferedTimeout
			res.SignDesc.Leaf = tree.TimeoutLeaf
			res.CltvExpiry = htlc.RefundTimeout
		}

		summary.Resolutions = append(summary.Resolutions, res)
	}

	return summary, nil
}

// remoteCommitOutputs computes the outputs we can sweep from a remote
// commitment with the given per-commitment point. When revocationPriv is
// set, every output is claimed through the revocation key.
func remoteCommitOutputs(state *channeldb.OpenChannel,
	keyRing keychain.SecretKeyRing, commit *channeldb.ChannelCommitment,
	spendTx *wire.MsgTx, commitPoint *btcec.PublicKey,
	revocationPriv *btcec.PrivateKey) ([]OutputResolution, error) {

	txHash := spendTx.TxHash()
	commitKeys := DeriveCommitmentKeys(
		commitPoint, false, &state.LocalChanCfg, &state.RemoteChanCfg,
	)
	csvDelay := state.RemoteChanCfg.CsvDelay

	var resolutions []OutputResolution
	outPoint := func(idx uint32) wire.OutPoint {
		return wire.OutPoint{Hash: txHash, Index: idx}
	}

	// Our settled balance is a plain key spend of our payment key.
	toRemoteScript, err := input.ToRemoteScript(commitKeys.ToRemoteKey)
	if err != nil {
		return nil, err
	}
	if found, idx := input.FindScriptOutputIndex(spendTx, toRemoteScript); found {
		paymentPriv, err := keyRing.DerivePrivKey(
			state.LocalChanCfg.PaymentBasePoint,
		)
		if err != nil {
			return nil, err
		}

		resolutions = append(resolutions, OutputResolution{
			OutPoint:    outPoint(idx),
			WitnessType: input.CommitmentNoDelay,
			SignDesc: input.SignDescriptor{
				PrivKey: paymentPriv,
				Output:  spendTx.TxOut[idx],
			},
		})
	}

	// Their settled balance is only ours on a breach.
	if revocationPriv != nil {
		toLocalTree, err := input.ToLocalTree(
			uint32(csvDelay), commitKeys.ToLocalKey,
			commitKeys.RevocationKey,
		)
		if err != nil {
			return nil, err
		}
		toLocalScript, err := toLocalTree.PkScript()
		if err != nil {
			return nil, err
		}
		found, idx := input.FindScriptOutputIndex(spendTx, toLocalScript)
		if found {
			resolutions = append(resolutions, OutputResolution{
				OutPoint:    outPoint(idx),
				WitnessType: input.CommitmentRevoke,
				SignDesc: input.SignDescriptor{
					PrivKey: revocationPriv,
					Output:  spendTx.TxOut[idx],
					Tree:    toLocalTree,
				},
			})
		}
	}

	var htlcPriv *btcec.PrivateKey
	if revocationPriv == nil {
		htlcPriv, err = tweakedPrivKey(
			keyRing, state.LocalChanCfg.HtlcBasePoint, commitPoint,
		)
		if err != nil {
			return nil, err
		}
	}

	for i := range commit.Htlcs {
		htlc := &commit.Htlcs[i]
		if htlc.OutputIndex < 0 ||
			int(htlc.OutputIndex) >= len(spendTx.TxOut) {

			continue
		}

		// The owner of the remote commitment offered the HTLCs that
		// are incoming from our point of view.
		tree, err := htlcTreeFor(commitKeys, htlc, htlc.Incoming, csvDelay)
		if err != nil {
			return nil, err
		}

		res := OutputResolution{
			OutPoint: outPoint(uint32(htlc.OutputIndex)),
			SignDesc: input.SignDescriptor{
				Output: spendTx.TxOut[htlc.OutputIndex],
				Tree:   tree.TapscriptTree,
			},
			RHash:     lntypes.Hash(htlc.RHash),
			HtlcIndex: htlc.HtlcIndex,
			Incoming:  htlc.Incoming,
			IsHtlc:    true,
		}

		switch {
		case revocationPriv != nil && htlc.Incoming:
			res.WitnessType = input.HtlcAcceptedRevoke
			res.SignDesc.PrivKey = revocationPriv

		case revocationPriv != nil:
			res.WitnessType = input.HtlcOfferedRevoke
			res.SignDesc.PrivKey = revocationPriv

		case htlc.Incoming:
			res.WitnessType = input.HtlcAcceptedRemoteSuccess
			res.SignDesc.PrivKey = htlcPriv
			res.SignDesc.Leaf = tree.SuccessLeaf

		default:
			res.WitnessType = input.HtlcOfferedRemoteTimeout
			res.SignDesc.PrivKey = htlcPriv
			res.SignDesc.Leaf = tree.TimeoutLeaf
			res.CltvExpiry = htlc.RefundTimeout
		}

		resolutions = append(resolutions, res)
	}

	return resolutions, nil
}

// NewUnilateralCloseSummary computes the outputs we can sweep from a
// remote commitment that wasn't revoked. The commitment is either the
// remote tail or the pending one we signed last.
func NewUnilateralCloseSummary(state *channeldb.OpenChannel,
	keyRing keychain.SecretKeyRing,
	spendTx *wire.MsgTx) (*UnilateralCloseSummary, error) {

	txHash := spendTx.TxHash()

	var (
		commit      *channeldb.ChannelCommitment
		commitPoint *btcec.PublicKey
	)
	switch {
	case state.RemoteCommitment.CommitTx != nil &&
		state.RemoteCommitment.CommitTx.TxHash() == txHash:

		commit = &state.RemoteCommitment
		commitPoint = state.RemoteCurrentRevocation

	case state.RemotePendingCommit != nil &&
		state.RemotePendingCommit.CommitTx.TxHash() == txHash:

		commit = state.RemotePendingCommit
		commitPoint = state.RemoteNextRevocation

	default:
		return nil, ErrUnknownCommitment
	}

	resolutions, err := remoteCommitOutputs(
		state, keyRing, commit, spendTx, commitPoint, nil,
	)
	if err != nil {
		return nil, err
	}

	return &UnilateralCloseSummary{
		ChanPoint:    state.FundingOutpoint,
		SpendTx:      spendTx,
		CommitHeight: commit.CommitHeight,
		Resolutions:  resolutions,
	}, nil
}

// NewBreachRetribution builds the retribution for a revoked remote
// commitment of the given height. The revocation secret and the revoked
// state are taken from the store.
func NewBreachRetribution(state *channeldb.OpenChannel,
	keyRing keychain.SecretKeyRing, stateNum uint64,
	breachTx *wire.MsgTx) (*BreachRetribution, error) {

	revokedState, err := state.FindPreviousState(stateNum)
	if err != nil {
		return nil, err
	}

	breachHash := breachTx.TxHash()
	if revokedState.CommitTxHash != (chainhash.Hash{}) &&
		revokedState.CommitTxHash != breachHash {

		return nil, fmt.Errorf("%w: revoked state %d has txid %v, "+
			"spend is %v", ErrUnknownCommitment, stateNum,
			revokedState.CommitTxHash, breachHash)
	}

	secret, err := state.RevocationStore.LookUp(stateNum)
	if err != nil {
		return nil, err
	}
	commitSecret, commitPoint := btcec.PrivKeyFromBytes(secret[:])

	revokeBasePriv, err := keyRing.DerivePrivKey(
		state.LocalChanCfg.RevocationBasePoint,
	)
	if err != nil {
		return nil, err
	}
	revocationPriv := input.DeriveRevocationPrivKey(
		revokeBasePriv, commitSecret,
	)

	outputs, err := remoteCommitOutputs(
		state, keyRing, &revokedState.Commitment, breachTx, commitPoint,
		revocationPriv,
	)
	if err != nil {
		return nil, err
	}

	return &BreachRetribution{
		ChanPoint:       state.FundingOutpoint,
		BreachTx:        breachTx,
		RevokedStateNum: stateNum,
		Outputs:         outputs,
	}, nil
}

// SweepWitness signs input inputIndex of sweepTx spending the resolved
// output. prevOuts must cover every input of sweepTx.
func (o *OutputResolution) SweepWitness(sweepTx *wire.MsgTx, inputIndex int,
	prevOuts txscript.PrevOutputFetcher) (wire.TxWitness, error) {

	desc := o.SignDesc
	desc.InputIndex = inputIndex
	hashCache := txscript.NewTxSigHashes(sweepTx, prevOuts)

	return o.WitnessType.GenWitness(sweepTx, hashCache, &desc)
}
