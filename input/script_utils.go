package input

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TapscriptTree is a taproot output committing to an internal key and a set
// of script leaves. Every non-funding output of a commitment transaction is
// one of these.
type TapscriptTree struct {
	// InternalKey is the key that can spend the output through the key
	// path once tweaked with the tree root.
	InternalKey *btcec.PublicKey

	// TaprootKey is the output key committed to in the pkScript.
	TaprootKey *btcec.PublicKey

	// Leaves are the script leaves of the tree in the order they were
	// given.
	Leaves []txscript.TapLeaf

	tree *txscript.IndexedTapScriptTree
}

// NewTapscriptTree assembles leaves into a tree under internalKey.
func NewTapscriptTree(internalKey *btcec.PublicKey,
	leaves ...txscript.TapLeaf) *TapscriptTree {

	tree := txscript.AssembleTaprootScriptTree(leaves...)
	root := tree.RootNode.TapHash()

	return &TapscriptTree{
		InternalKey: internalKey,
		TaprootKey: txscript.ComputeTaprootOutputKey(
			internalKey, root[:],
		),
		Leaves: leaves,
		tree:   tree,
	}
}

// RootHash returns the merkle root of the script tree, the tweak applied to
// the internal key.
func (t *TapscriptTree) RootHash() []byte {
	root := t.tree.RootNode.TapHash()
	return root[:]
}

// PkScript returns the P2TR output script of the tree.
func (t *TapscriptTree) PkScript() ([]byte, error) {
	return txscript.PayToTaprootScript(t.TaprootKey)
}

// ControlBlock returns the serialized control block proving that leaf is
// part of the tree.
func (t *TapscriptTree) ControlBlock(leaf txscript.TapLeaf) ([]byte, error) {
	idx, ok := t.tree.LeafProofIndex[leaf.TapHash()]
	if !ok {
		return nil, fmt.Errorf("leaf %x not in tree", leaf.TapHash())
	}

	proof := t.tree.LeafMerkleProofs[idx]
	ctrlBlock := proof.ToControlBlock(t.InternalKey)

	return ctrlBlock.ToBytes()
}

// ToLocalTree is the output paying the owner of a commitment its settled
// balance. The owner can sweep it after csvDelay blocks through the delay
// leaf, while the counterparty spends it at once through the key path if it
// learns the revocation secret:
//
//	internal key: revocationKey
//	delay leaf:   <delayKey> OP_CHECKSIGVERIFY <csvDelay> OP_CHECKSEQUENCEVERIFY
func ToLocalTree(csvDelay uint32, delayKey,
	revocationKey *btcec.PublicKey) (*TapscriptTree, error) {

	delayScript, err := DelayLeafScript(csvDelay, delayKey)
	if err != nil {
		return nil, err
	}

	return NewTapscriptTree(
		revocationKey, txscript.NewBaseTapLeaf(delayScript),
	), nil
}

// DelayLeafScript returns the csv delayed script of a to_local output.
func DelayLeafScript(csvDelay uint32, delayKey *btcec.PublicKey) ([]byte,
	error) {

	builder := txscript.NewScriptBuilder()
	builder.AddData(schnorr.SerializePubKey(delayKey))
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(int64(csvDelay))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	return builder.Script()
}

// ToRemoteScript returns the output paying the counterparty of a commitment
// its settled balance. It is a plain BIP-86 key spend output of the
// counterparty's static payment key.
func ToRemoteScript(paymentKey *btcec.PublicKey) ([]byte, error) {
	return txscript.PayToTaprootScript(
		txscript.ComputeTaprootKeyNoScript(paymentKey),
	)
}

// OfferedHtlcTree is the output of an HTLC offered by the commitment owner.
// The counterparty claims it with the preimage, the owner reclaims it after
// both the absolute expiry and its csv delay:
//
//	internal key:  revocationKey
//	success leaf:  OP_SIZE 32 OP_EQUALVERIFY OP_SHA256 <hash> OP_EQUALVERIFY
//	               <remoteHtlcKey> OP_CHECKSIG
//	timeout leaf:  <localHtlcKey> OP_CHECKSIGVERIFY <expiry>
//	               OP_CHECKLOCKTIMEVERIFY OP_DROP <csvDelay>
//	               OP_CHECKSEQUENCEVERIFY
func OfferedHtlcTree(localHtlcKey, remoteHtlcKey,
	revocationKey *btcec.PublicKey, paymentHash [32]byte, expiry,
	csvDelay uint32) (*HtlcTree, error) {

	success, err := preimageScript(paymentHash, remoteHtlcKey, 0)
	if err != nil {
		return nil, err
	}

	timeout, err := timeoutScript(localHtlcKey, expiry, csvDelay)
	if err != nil {
		return nil, err
	}

	return newHtlcTree(revocationKey, success, timeout), nil
}

// AcceptedHtlcTree is the output of an HTLC offered to the commitment owner.
// The owner claims it with the preimage after its csv delay, the
// counterparty reclaims it after the absolute expiry:
//
//	internal key:  revocationKey
//	success leaf:  OP_SIZE 32 OP_EQUALVERIFY OP_SHA256 <hash> OP_EQUALVERIFY
//	               <localHtlcKey> OP_CHECKSIGVERIFY <csvDelay>
//	               OP_CHECKSEQUENCEVERIFY
//	timeout leaf:  <remoteHtlcKey> OP_CHECKSIGVERIFY <expiry>
//	               OP_CHECKLOCKTIMEVERIFY
func AcceptedHtlcTree(localHtlcKey, remoteHtlcKey,
	revocationKey *btcec.PublicKey, paymentHash [32]byte, expiry,
	csvDelay uint32) (*HtlcTree, error) {

	success, err := preimageScript(paymentHash, localHtlcKey, csvDelay)
	if err != nil {
		return nil, err
	}

	timeout, err := timeoutScript(remoteHtlcKey, expiry, 0)
	if err != nil {
		return nil, err
	}

	return newHtlcTree(revocationKey, success, timeout), nil
}

// HtlcTree is the taproot output of an HTLC with its two leaves.
type HtlcTree struct {
	*TapscriptTree

	// SuccessLeaf is spent with the payment preimage.
	SuccessLeaf txscript.TapLeaf

	// TimeoutLeaf is spent after the HTLC expired.
	TimeoutLeaf txscript.TapLeaf
}

func newHtlcTree(revocationKey *btcec.PublicKey, success,
	timeout []byte) *HtlcTree {

	successLeaf := txscript.NewBaseTapLeaf(success)
	timeoutLeaf := txscript.NewBaseTapLeaf(timeout)

	return &HtlcTree{
		TapscriptTree: NewTapscriptTree(
			revocationKey, successLeaf, timeoutLeaf,
		),
		SuccessLeaf: successLeaf,
		TimeoutLeaf: timeoutLeaf,
	}
}

// preimageScript builds a leaf requiring the preimage of paymentHash and a
// signature of key. A non-zero csvDelay adds a relative delay.
func preimageScript(paymentHash [32]byte, key *btcec.PublicKey,
	csvDelay uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(paymentHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(schnorr.SerializePubKey(key))

	if csvDelay == 0 {
		builder.AddOp(txscript.OP_CHECKSIG)
		return builder.Script()
	}

	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(int64(csvDelay))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	return builder.Script()
}

// timeoutScript builds a leaf requiring a signature of key after the
// absolute expiry, and after csvDelay blocks if it is non-zero.
func timeoutScript(key *btcec.PublicKey, expiry,
	csvDelay uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()
	builder.AddData(schnorr.SerializePubKey(key))
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(int64(expiry))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)

	if csvDelay != 0 {
		builder.AddOp(txscript.OP_DROP)
		builder.AddInt64(int64(csvDelay))
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	}

	return builder.Script()
}

// FindScriptOutputIndex finds the index of the public key script output
// matching 'script'. Additionally, a boolean is returned indicating if a
// matching output was found at all.
func FindScriptOutputIndex(tx *wire.MsgTx, script []byte) (bool, uint32) {
	for i, txOut := range tx.TxOut {
		if string(txOut.PkScript) == string(script) {
			return true, uint32(i)
		}
	}

	return false, 0
}

// LockTimeToSequence converts the passed relative locktime to a sequence
// number in accordance to BIP-68.
// See: https://github.com/bitcoin/bips/blob/master/bip-0068.mediawiki
//   - (Compatibility)
func LockTimeToSequence(isSeconds bool, locktime uint32) uint32 {
	if !isSeconds {
		// The locktime is to be expressed in confirmations.
		return locktime
	}

	// Set the 22nd bit which indicates the lock time is in seconds, then
	// shift the locktime over by 9 since the time granularity is in
	// 512-second intervals (2^9). This results in a max lock-time of
	// 33,554,431 seconds, or 1.06 years.
	return wire.SequenceLockTimeIsSeconds | (locktime >> 9)
}

// SingleTweakBytes computes set of bytes we call the single tweak. The purpose
// of the single tweak is to randomize all regular delay and payment base
// points. To do this, we generate a hash that binds the commitment point to
// the pay/delay base point. The end result is that the basePoint is
// tweaked as follows:
//
//   - key = basePoint + sha256(commitPoint || basePoint)*G
func SingleTweakBytes(commitPoint, basePoint *btcec.PublicKey) []byte {
	h := sha256.New()
	h.Write(commitPoint.SerializeCompressed())
	h.Write(basePoint.SerializeCompressed())
	return h.Sum(nil)
}

// TweakPubKey tweaks a public base point given a per commitment point. The per
// commitment point is a unique point on our target curve for each commitment
// transaction. When tweaking a local base point for use in a remote commitment
// transaction, the remote party's current per commitment point is to be used.
// The opposite applies for when tweaking remote keys. Precisely, the following
// operation is used to "tweak" public keys:
//
//	tweakPub := basePoint + sha256(commitPoint || basePoint) * G
//	         := G*k + sha256(commitPoint || basePoint)*G
//	         := G*(k + sha256(commitPoint || basePoint))
//
// Therefore, if a party possess the value k, the private key of the base
// point, then they are able to derive the proper private key for the
// revokeKey by computing:
//
//	revokePriv := k + sha256(commitPoint || basePoint) mod N
//
// Where N is the order of the sub-group.
func TweakPubKey(basePoint, commitPoint *btcec.PublicKey) *btcec.PublicKey {
	tweakBytes := SingleTweakBytes(commitPoint, basePoint)
	return TweakPubKeyWithTweak(basePoint, tweakBytes)
}

// TweakPubKeyWithTweak is the exact same as the TweakPubKey function, however
// it accepts the raw tweak bytes directly rather than the commitment point.
func TweakPubKeyWithTweak(pubKey *btcec.PublicKey,
	tweakBytes []byte) *btcec.PublicKey {

	var (
		pubKeyJacobian btcec.JacobianPoint
		tweakJacobian  btcec.JacobianPoint
		resultJacobian btcec.JacobianPoint
	)
	tweakKey, _ := btcec.PrivKeyFromBytes(tweakBytes)
	btcec.ScalarBaseMultNonConst(&tweakKey.Key, &tweakJacobian)

	pubKey.AsJacobian(&pubKeyJacobian)
	btcec.AddNonConst(&pubKeyJacobian, &tweakJacobian, &resultJacobian)

	resultJacobian.ToAffine()
	return btcec.NewPublicKey(&resultJacobian.X, &resultJacobian.Y)
}

// TweakPrivKey tweaks the private key of a public base point given a per
// commitment point. The per commitment secret is the revealed revocation
// secret for the commitment state in question. This private key will only need
// to be generated in the case that a channel counter party broadcasts a
// revoked state. Precisely, the following operation is used to derive a
// tweaked private key:
//
//   - tweakPriv := basePriv + sha256(commitment || basePub) mod N
//
// Where N is the order of the sub-group.
func TweakPrivKey(basePriv *btcec.PrivateKey,
	commitTweak []byte) *btcec.PrivateKey {

	// tweakInt := sha256(commitPoint || basePub)
	var tweakScalar btcec.ModNScalar
	tweakScalar.SetByteSlice(commitTweak)

	tweakScalar.Add(&basePriv.Key)

	return &btcec.PrivateKey{Key: tweakScalar}
}

// DeriveRevocationPubkey derives the revocation public key given the
// counterparty's commitment key, and revocation preimage derived via a
// pseudo-random-function. In the event that we (for some reason) broadcast a
// revoked commitment transaction, then if the other party knows the revocation
// preimage, then they'll be able to derive the corresponding private key to
// this private key by exploiting the homomorphism in the elliptic curve group.
//
// The derivation is performed as follows:
//
//	revokeKey := revokeBase * sha256(revocationBase || commitPoint) +
//	             commitPoint * sha256(commitPoint || revocationBase)
//
//	          := G*(revokeBasePriv * sha256(revocationBase || commitPoint)) +
//	             G*(commitSecret * sha256(commitPoint || revocationBase))
//
//	          := G*(revokeBasePriv * sha256(revocationBase || commitPoint) +
//	                commitSecret * sha256(commitPoint || revocationBase))
//
// Therefore, once we divulge the revocation secret, the remote peer is able to
// compute the proper private key for the revokeKey by computing:
//
//	revokePriv := (revokeBasePriv * sha256(revocationBase || commitPoint)) +
//	              (commitSecret * sha256(commitPoint || revocationBase)) mod N
//
// Where N is the order of the sub-group.
func DeriveRevocationPubkey(revokeBase,
	commitPoint *btcec.PublicKey) *btcec.PublicKey {

	// R = revokeBase * sha256(revocationBase || commitPoint)
	revokeTweakBytes := SingleTweakBytes(revokeBase, commitPoint)

	var (
		revokeBaseJacobian btcec.JacobianPoint
		rJacobian          btcec.JacobianPoint
		revokeTweakScalar  btcec.ModNScalar
	)
	revokeBase.AsJacobian(&revokeBaseJacobian)
	revokeTweakScalar.SetByteSlice(revokeTweakBytes)
	btcec.ScalarMultNonConst(
		&revokeTweakScalar, &revokeBaseJacobian, &rJacobian,
	)

	// C = commitPoint * sha256(commitPoint || revocationBase)
	commitTweakBytes := SingleTweakBytes(commitPoint, revokeBase)

	var (
		commitPointJacobian btcec.JacobianPoint
		cJacobian           btcec.JacobianPoint
		commitTweakScalar   btcec.ModNScalar
	)
	commitPoint.AsJacobian(&commitPointJacobian)
	commitTweakScalar.SetByteSlice(commitTweakBytes)
	btcec.ScalarMultNonConst(
		&commitTweakScalar, &commitPointJacobian, &cJacobian,
	)

	// Now that we have the revocation point, we add this to their commitment
	// public key in order to obtain the revocation public key.
	//
	// P = R + C
	var resultJacobian btcec.JacobianPoint
	btcec.AddNonConst(&rJacobian, &cJacobian, &resultJacobian)

	resultJacobian.ToAffine()
	return btcec.NewPublicKey(&resultJacobian.X, &resultJacobian.Y)
}

// DeriveRevocationPrivKey derives the revocation private key given a node's
// commitment private key, and the preimage to a previously seen revocation
// hash. Using this derived private key, a node is able to claim the output
// within the commitment transaction of a node in the case that they broadcast
// a previously revoked commitment transaction.
//
// The private key is derived as follows:
//
//	revokePriv := (revokeBasePriv * sha256(revocationBase || commitPoint)) +
//	              (commitSecret * sha256(commitPoint || revocationBase)) mod N
//
// Where N is the order of the sub-group.
func DeriveRevocationPrivKey(revokeBasePriv *btcec.PrivateKey,
	commitSecret *btcec.PrivateKey) *btcec.PrivateKey {

	// r = sha256(revokeBasePub || commitPoint)
	revokeTweakBytes := SingleTweakBytes(
		revokeBasePriv.PubKey(), commitSecret.PubKey(),
	)
	var revokeTweakScalar btcec.ModNScalar
	revokeTweakScalar.SetByteSlice(revokeTweakBytes)

	// c = sha256(commitPoint || revokeBasePub)
	commitTweakBytes := SingleTweakBytes(
		commitSecret.PubKey(), revokeBasePriv.PubKey(),
	)
	var commitTweakScalar btcec.ModNScalar
	commitTweakScalar.SetByteSlice(commitTweakBytes)

	// Finally to derive the revocation secret key we'll perform the
	// following operation:
	//
	//  k = (revocationPriv * r) + (commitSecret * c) mod N
	//
	// This works since:
	//  P = (G*a)*b + (G*c)*d
	//  P = G*(a*b) + G*(c*d)
	//  P = G*(a*b + c*d)
	revokeHalfPriv := revokeTweakScalar.Mul(&revokeBasePriv.Key)
	commitHalfPriv := commitTweakScalar.Mul(&commitSecret.Key)

	revocationPriv := revokeHalfPriv.Add(commitHalfPriv)

	return &btcec.PrivateKey{Key: *revocationPriv}
}

// ComputeCommitmentPoint generates a commitment point given a commitment
// secret. The commitment point for each state is used to randomize each key in
// the key-ring and also to used as a tweak to derive new public+private keys
// for the state.
func ComputeCommitmentPoint(commitSecret []byte) *btcec.PublicKey {
	_, pubKey := btcec.PrivKeyFromBytes(commitSecret)
	return pubKey
}
