package lnwallet

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/input"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwire"
)

const (
	// StateHintSize is the total number of bytes used between the sequence
	// number and locktime of the commitment transaction use to encode a hint
	// to the state number of a particular commitment transaction.
	StateHintSize = 6

	// maxStateHint is the maximum state number we're able to encode using
	// StateHintSize bytes amongst the sequence number and locktime fields
	// of the commitment transaction.
	maxStateHint uint64 = (1 << 48) - 1
)

// TimelockShift is used to make sure the commitment transaction is spendable
// by setting the locktime with it so that it is larger than 500,000,000, thus
// interpreting it as Unix epoch timestamp and not a block height. It is also
// smaller than the current timestamp which has bit (1 << 30) set, so there is
// no risk of having the commitment transaction be rejected. This way we can
// safely use the lower 24 bits of the locktime field for part of the obscured
// commitment transaction number.
var TimelockShift = uint32(1 << 29)

// DeriveStateHintObfuscator derives the bytes to be used for obfuscating the
// state hints from the payment base points of the initiator and the
// responder, in that order. The obfuscator is the last six bytes of their
// hash.
func DeriveStateHintObfuscator(key1,
	key2 *btcec.PublicKey) [StateHintSize]byte {

	h := sha256.New()
	h.Write(key1.SerializeCompressed())
	h.Write(key2.SerializeCompressed())

	sha := h.Sum(nil)

	var obfuscator [StateHintSize]byte
	copy(obfuscator[:], sha[26:])

	return obfuscator
}

// SetStateNumHint encodes the current state number within the passed
// commitment transaction by re-purposing the locktime and sequence fields in
// the commitment transaction to encode the obfuscated state number.  The state
// number is encoded using 48 bits. The lower 24 bits of the lock time are the
// lower 24 bits of the obfuscated state number and the lower 24 bits of the
// sequence field are the higher 24 bits. Finally before encoding, the
// obfuscator is XOR'd against the state number in order to hide the exact
// state number from the PoV of outside parties.
func SetStateNumHint(commitTx *wire.MsgTx, stateNum uint64,
	obfuscator [StateHintSize]byte) error {

	// With the current schema we are only able to encode state num
	// hints up to 2^48. Therefore if the passed height is greater than our
	// state hint ceiling, then exit early.
	if stateNum > maxStateHint {
		return fmt.Errorf("unable to encode state, %v is greater "+
			"state num that max of %v", stateNum, maxStateHint)
	}

	if len(commitTx.TxIn) != 1 {
		return fmt.Errorf("commitment tx must have exactly 1 input, "+
			"instead has %v", len(commitTx.TxIn))
	}

	// Convert the obfuscator into a uint64, then XOR that against the
	// targeted height in order to obfuscate the state number of the
	// commitment transaction in the case that either commitment
	// transaction is broadcast directly on chain.
	var obfs [8]byte
	copy(obfs[2:], obfuscator[:])
	xorInt := binary.BigEndian.Uint64(obfs[:])

	stateNum ^= xorInt

	// Set the height bit of the sequence number in order to disable any
	// sequence locks semantics.
	commitTx.TxIn[0].Sequence = uint32(stateNum>>24) |
		wire.SequenceLockTimeDisabled
	commitTx.LockTime = uint32(stateNum&0xFFFFFF) | TimelockShift

	return nil
}

// GetStateNumHint recovers the current state number given a commitment
// transaction which has previously had the state number encoded within it via
// SetStateNumHint and a shared obfuscator.
func GetStateNumHint(commitTx *wire.MsgTx,
	obfuscator [StateHintSize]byte) uint64 {

	// Convert the obfuscator into a uint64, this will be used to
	// de-obfuscate the final recovered state number.
	var obfs [8]byte
	copy(obfs[2:], obfuscator[:])
	xorInt := binary.BigEndian.Uint64(obfs[:])

	// Retrieve the state hint from the sequence number and locktime
	// of the transaction.
	stateNumXor := uint64(commitTx.TxIn[0].Sequence&0xFFFFFF) << 24
	stateNumXor |= uint64(commitTx.LockTime & 0xFFFFFF)

	// Finally, to obtain the final state number, we XOR by the obfuscator
	// value to de-obfuscate the state number.
	return stateNumXor ^ xorInt
}

// CommitmentKeyRing holds all derived keys needed to construct commitment
// and HTLC transactions. The keys are derived differently depending whether
// the commitment transaction is ours or the remote peer's. Private keys
// associated with each key may belong to the commitment owner or the
// "other party" which is referred to in the field comments, regardless of
// which is local and which is remote.
type CommitmentKeyRing struct {
	// CommitPoint is the "per commitment point" used to derive the tweak
	// for each base point.
	CommitPoint *btcec.PublicKey

	// ToLocalKey is the commitment transaction owner's key which is
	// included in the delay leaf of the to_local output.
	ToLocalKey *btcec.PublicKey

	// ToRemoteKey is the non-owner's payment key. The to_remote output is
	// a plain key spend to it.
	ToRemoteKey *btcec.PublicKey

	// LocalHtlcKey is the key of the commitment owner in HTLC leaves.
	LocalHtlcKey *btcec.PublicKey

	// RemoteHtlcKey is the key of the non-owner in HTLC leaves.
	RemoteHtlcKey *btcec.PublicKey

	// RevocationKey is the internal key of every output but to_remote.
	// The non-owner can derive its private key once the owner revoked the
	// commitment.
	RevocationKey *btcec.PublicKey
}

// DeriveCommitmentKeys generates a new commitment key set using the base
// points and commitment point. The keys are derived differently depending on
// the type of channel, and whether the commitment transaction is ours or the
// remote peer's.
func DeriveCommitmentKeys(commitPoint *btcec.PublicKey, isOurCommit bool,
	localChanCfg, remoteChanCfg *channeldb.ChannelConfig) *CommitmentKeyRing {

	owner, other := localChanCfg, remoteChanCfg
	if !isOurCommit {
		owner, other = remoteChanCfg, localChanCfg
	}

	return &CommitmentKeyRing{
		CommitPoint: commitPoint,
		ToLocalKey: input.TweakPubKey(
			owner.DelayBasePoint.PubKey, commitPoint,
		),
		ToRemoteKey: other.PaymentBasePoint.PubKey,
		LocalHtlcKey: input.TweakPubKey(
			owner.HtlcBasePoint.PubKey, commitPoint,
		),
		RemoteHtlcKey: input.TweakPubKey(
			other.HtlcBasePoint.PubKey, commitPoint,
		),
		RevocationKey: input.DeriveRevocationPubkey(
			other.RevocationBasePoint.PubKey, commitPoint,
		),
	}
}

// CommitFee returns the fee of a commitment transaction with numHtlcs
// untrimmed HTLC outputs.
func CommitFee(feePerKw chainfee.SatPerKWeight, numHtlcs int) btcutil.Amount {
	weight := input.CommitWeight + input.HTLCWeight*int64(numHtlcs)
	return feePerKw.FeeForWeight(weight)
}

// htlcIsDust determines if an HTLC output is dust or not depending on the
// dust limit of the commitment owner.
func htlcIsDust(amt btcutil.Amount, dustLimit btcutil.Amount) bool {
	return amt < dustLimit
}

// countNonDust returns the number of HTLCs in the sets at or above
// dustLimit.
func countNonDust(dustLimit btcutil.Amount,
	sets ...[]*PaymentDescriptor) int {

	var n int
	for _, set := range sets {
		for _, htlc := range set {
			if !htlcIsDust(htlc.Amount.ToSatoshis(), dustLimit) {
				n++
			}
		}
	}

	return n
}

// htlcOutput describes one HTLC to be placed on a commitment transaction.
type htlcOutput struct {
	pd *PaymentDescriptor

	// offeredByOwner is true if the owner of the commitment offered the
	// HTLC.
	offeredByOwner bool
}

// htlcTree returns the script tree of an HTLC output on a commitment with
// the given key ring.
func htlcTree(keyRing *CommitmentKeyRing, offeredByOwner bool,
	rHash [32]byte, expiry uint32, csvDelay uint16) (*input.HtlcTree,
	error) {

	if offeredByOwner {
		return input.OfferedHtlcTree(
			keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, rHash, expiry, uint32(csvDelay),
		)
	}

	return input.AcceptedHtlcTree(
		keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
		keyRing.RevocationKey, rHash, expiry, uint32(csvDelay),
	)
}

// CreateCommitTx creates a commitment transaction, spending from specified
// funding output. The commitment transaction contains two outputs: one local
// output paying to the "owner" of the commitment transaction which can be
// spent after a relative block delay or revocation event, and a remote output
// paying the counterparty within the channel, which can be spent immediately.
// HTLC outputs are added by the caller, outputs are sorted by CreateCommitTx's
// callers once complete.
func CreateCommitTx(fundingOutput wire.TxIn, keyRing *CommitmentKeyRing,
	ownerChanCfg *channeldb.ChannelConfig, amountToLocal,
	amountToRemote btcutil.Amount) (*wire.MsgTx, error) {

	toLocalTree, err := input.ToLocalTree(
		uint32(ownerChanCfg.CsvDelay), keyRing.ToLocalKey,
		keyRing.RevocationKey,
	)
	if err != nil {
		return nil, err
	}
	toLocalScript, err := toLocalTree.PkScript()
	if err != nil {
		return nil, err
	}

	toRemoteScript, err := input.ToRemoteScript(keyRing.ToRemoteKey)
	if err != nil {
		return nil, err
	}

	// Now that both output scripts have been created, we can finally
	// create the transaction itself. We use a transaction version of 2
	// since CSV will fail unless the tx version is >= 2.
	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(&fundingOutput)

	// Avoid creating dust outputs within the commitment transaction.
	if amountToLocal >= ownerChanCfg.DustLimit {
		commitTx.AddTxOut(wire.NewTxOut(
			int64(amountToLocal), toLocalScript,
		))
	}
	if amountToRemote >= ownerChanCfg.DustLimit {
		commitTx.AddTxOut(wire.NewTxOut(
			int64(amountToRemote), toRemoteScript,
		))
	}

	return commitTx, nil
}

// fundingTxIn returns the input spending the funding output of a channel.
func fundingTxIn(state *channeldb.OpenChannel) wire.TxIn {
	return *wire.NewTxIn(&state.FundingOutpoint, nil, nil)
}

// buildCommitmentTx generates the unsigned commitment transaction for a
// commitment view and assigns it to the view. The balances of the view are
// taken before fees, the fee is then taken from the initiator's balance and
// the output index of every HTLC is recorded.
func buildCommitmentTx(state *channeldb.OpenChannel,
	obfuscator [StateHintSize]byte, c *commitment,
	filteredHTLCView *htlcView, keyRing *CommitmentKeyRing) error {

	ownerCfg := &state.LocalChanCfg
	if !c.isOurs {
		ownerCfg = &state.RemoteChanCfg
	}
	dustLimit := ownerCfg.DustLimit

	// Gather the HTLCs that make it on chain, from the point of view of
	// the owner of the commitment.
	var htlcs []htlcOutput
	for _, pd := range filteredHTLCView.ourUpdates {
		if htlcIsDust(pd.Amount.ToSatoshis(), dustLimit) {
			continue
		}
		htlcs = append(htlcs, htlcOutput{pd: pd, offeredByOwner: c.isOurs})
	}
	for _, pd := range filteredHTLCView.theirUpdates {
		if htlcIsDust(pd.Amount.ToSatoshis(), dustLimit) {
			continue
		}
		htlcs = append(htlcs, htlcOutput{
			pd: pd, offeredByOwner: !c.isOurs,
		})
	}

	// The fee is paid by the initiator out of its settled balance.
	commitFee := CommitFee(c.feePerKw, len(htlcs))
	commitFeeMSat := lnwire.NewMSatFromSatoshis(commitFee)

	ourBalance, theirBalance := c.ourBalance, c.theirBalance
	if state.IsInitiator {
		if ourBalance < commitFeeMSat {
			return fmt.Errorf("%w: local balance %v can't pay "+
				"commit fee %v", ErrInsufficientBalance,
				ourBalance, commitFee)
		}
		ourBalance -= commitFeeMSat
	} else {
		if theirBalance < commitFeeMSat {
			return fmt.Errorf("%w: remote balance %v can't pay "+
				"commit fee %v", ErrInsufficientBalance,
				theirBalance, commitFee)
		}
		theirBalance -= commitFeeMSat
	}

	toLocal, toRemote := ourBalance, theirBalance
	if !c.isOurs {
		toLocal, toRemote = theirBalance, ourBalance
	}

	commitTx, err := CreateCommitTx(
		fundingTxIn(state), keyRing, ownerCfg, toLocal.ToSatoshis(),
		toRemote.ToSatoshis(),
	)
	if err != nil {
		return err
	}

	// Add an output for each HTLC, remembering its script so we can
	// locate it once the outputs have been sorted.
	htlcScripts := make([][]byte, len(htlcs))
	for i, h := range htlcs {
		tree, err := htlcTree(
			keyRing, h.offeredByOwner, h.pd.RHash, h.pd.Timeout,
			ownerCfg.CsvDelay,
		)
		if err != nil {
			return err
		}
		pkScript, err := tree.PkScript()
		if err != nil {
			return err
		}

		htlcScripts[i] = pkScript
		commitTx.AddTxOut(wire.NewTxOut(
			int64(h.pd.Amount.ToSatoshis()), pkScript,
		))
	}

	err = SetStateNumHint(commitTx, c.height, obfuscator)
	if err != nil {
		return err
	}

	// Sort the transactions according to the agreed upon canonical
	// ordering. This lets us skip sending the entire transaction over,
	// instead we'll just send signatures.
	txsort.InPlaceSort(commitTx)

	// Copy the HTLCs into the commitment so later changes to the log
	// entries don't alter it, and record their output index.
	outputIndex := locateOutputs(commitTx, htlcs, htlcScripts)

	c.outgoingHTLCs = c.outgoingHTLCs[:0]
	c.incomingHTLCs = c.incomingHTLCs[:0]
	addHtlc := func(pd *PaymentDescriptor, outgoing bool) {
		htlc := *pd
		idx, ok := outputIndex[pd]
		if !ok {
			idx = -1
		}
		if c.isOurs {
			htlc.localOutputIndex = idx
		} else {
			htlc.remoteOutputIndex = idx
		}

		if outgoing {
			c.outgoingHTLCs = append(c.outgoingHTLCs, htlc)
		} else {
			c.incomingHTLCs = append(c.incomingHTLCs, htlc)
		}
	}
	for _, pd := range filteredHTLCView.ourUpdates {
		addHtlc(pd, true)
	}
	for _, pd := range filteredHTLCView.theirUpdates {
		addHtlc(pd, false)
	}

	c.txn = commitTx
	c.fee = commitFee
	c.ourBalance = ourBalance
	c.theirBalance = theirBalance

	return nil
}

// locateOutputs maps every HTLC to its output index in the sorted
// commitment transaction. HTLCs with identical scripts and amounts are
// assigned distinct outputs.
func locateOutputs(tx *wire.MsgTx, htlcs []htlcOutput,
	scripts [][]byte) map[*PaymentDescriptor]int32 {

	used := make(map[int]struct{})
	indexes := make(map[*PaymentDescriptor]int32, len(htlcs))

	for i, h := range htlcs {
		for j, out := range tx.TxOut {
			if _, ok := used[j]; ok {
				continue
			}
			if out.Value != int64(h.pd.Amount.ToSatoshis()) ||
				!bytes.Equal(out.PkScript, scripts[i]) {

				continue
			}

			used[j] = struct{}{}
			indexes[h.pd] = int32(j)

			break
		}
	}

	return indexes
}
