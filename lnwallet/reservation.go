package lnwallet

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/input"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/shachain"
	"github.com/hopline/hopd/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// MinDustLimit is the lowest dust limit we accept from a peer.
	MinDustLimit = btcutil.Amount(354)

	// MaxHTLCNumber is the maximum number of HTLCs a side may have
	// pending on a commitment.
	MaxHTLCNumber = 483

	// DefaultMaxCsvDelay is the largest to_local delay we accept to be
	// imposed on us.
	DefaultMaxCsvDelay = 2016

	// MaxReserveDivisor bounds the reserve a peer can require of us to a
	// fifth of the capacity.
	MaxReserveDivisor = 5
)

var (
	// ErrReservationState is returned when a funding step is taken out of
	// order.
	ErrReservationState = errors.New("funding step out of order")
)

// ChannelPolicy holds the limits we impose on a new channel, and the limits
// we accept to have imposed on us.
type ChannelPolicy struct {
	// DustLimit is the dust limit of our commitment.
	DustLimit btcutil.Amount

	// MaxPendingAmount is the most value the remote party may have in
	// flight towards us.
	MaxPendingAmount lnwire.MilliSatoshi

	// MinHTLC is the smallest HTLC we accept.
	MinHTLC lnwire.MilliSatoshi

	// MaxAcceptedHtlcs is the most HTLCs the remote party may offer us
	// at once.
	MaxAcceptedHtlcs uint16

	// ReserveRatio is the fraction of the capacity the remote party must
	// keep as its reserve.
	ReserveRatio float64

	// RemoteCsvDelay is the delay we impose on the remote to_local
	// output.
	RemoteCsvDelay uint16

	// MaxCsvDelay is the largest delay we accept on our to_local output.
	MaxCsvDelay uint16

	// MinChanSize and MaxChanSize bound the capacity of channels we
	// accept.
	MinChanSize btcutil.Amount
	MaxChanSize btcutil.Amount

	// NumConfs is the funding depth we require as acceptor.
	NumConfs uint16
}

// remoteReserve returns the reserve we require of the remote party for the
// given capacity. It never falls below the dust limit.
func (p *ChannelPolicy) remoteReserve(capacity btcutil.Amount) btcutil.Amount {
	reserve := btcutil.Amount(float64(capacity) * p.ReserveRatio)
	if reserve < p.DustLimit {
		reserve = p.DustLimit
	}

	return reserve
}

// ChannelContribution is what each side brings to a new channel: its keys,
// its first per-commitment point, the limits it imposes and the nonce
// material for the signatures of commitment zero.
type ChannelContribution struct {
	// FundingAmount is the amount the sender puts into the channel.
	FundingAmount btcutil.Amount

	// ChannelConfig carries the sender's keys and the limits on HTLCs
	// offered to the sender. ChanReserve and CsvDelay are left empty,
	// they are set by the counterparty.
	ChannelConfig *channeldb.ChannelConfig

	// RemoteReserve is the reserve the sender requires of the receiver.
	RemoteReserve btcutil.Amount

	// RemoteCsvDelay is the delay the sender imposes on the receiver's
	// to_local output.
	RemoteCsvDelay uint16

	// FirstCommitmentPoint is the sender's per-commitment point of
	// height zero.
	FirstCommitmentPoint *btcec.PublicKey

	// VerifyNonce is the nonce the sender uses to complete the signature
	// of its own commitment zero.
	VerifyNonce lnwire.Musig2Nonce

	// SignNonceCommit commits to the nonce the sender reveals when
	// signing the receiver's commitment zero.
	SignNonceCommit lnwire.NonceCommitment

	// MinDepth is the funding depth required by the acceptor.
	MinDepth uint32
}

// ReservationConfig holds the node level dependencies of a reservation.
type ReservationConfig struct {
	// ChainHash is the genesis hash of the chain the channel lives on.
	ChainHash chainhash.Hash

	// KeyRing derives the channel keys and the revocation root.
	KeyRing keychain.SecretKeyRing

	// Signers creates the MuSig2 signer of the funding output.
	Signers *signer.Factory

	// Assembler provisions the funding transaction. Only the initiator
	// uses it.
	Assembler chanfunding.Assembler

	// Policy is our channel policy.
	Policy ChannelPolicy

	// DB is where the channel is written once funding is signed.
	DB *channeldb.DB
}

// ReservationParams describe one channel being opened.
type ReservationParams struct {
	// PendingChanID is the temporary id used until the funding outpoint
	// is known.
	PendingChanID [32]byte

	// NodeID is the identity key of the counterparty.
	NodeID *btcec.PublicKey

	// Initiator is true if we fund the channel.
	Initiator bool

	// Capacity is the size of the channel.
	Capacity btcutil.Amount

	// PushMSat is what the initiator gives to the acceptor at opening.
	PushMSat lnwire.MilliSatoshi

	// CommitFeePerKw is the fee rate of the commitment transactions.
	CommitFeePerKw chainfee.SatPerKWeight

	// FundingFeePerKw is the fee rate of the funding transaction.
	FundingFeePerKw chainfee.SatPerKWeight

	// MinConfs is the depth of the coins used for funding.
	MinConfs int32

	// ChangeScript provides a script for the funding change output.
	ChangeScript func() ([]byte, error)
}

// ChannelReservation tracks one channel through the funding flow. The
// initiator goes through ProcessContribution, FundingCreated and
// CompleteFundingSigned, the acceptor through ProcessContribution and
// ReceiveFundingCreated. Channel hands over the resulting LightningChannel.
type ChannelReservation struct {
	cfg    *ReservationConfig
	params ReservationParams

	ourContribution   *ChannelContribution
	theirContribution *ChannelContribution

	partialState *channeldb.OpenChannel

	musig *signer.Signer

	// verifySession completes our commitment zero, signSession signs the
	// remote commitment zero.
	verifySession *signer.Session
	signSession   *signer.Session

	// nextSignSession and remoteSignCommit carry the nonce material of
	// the first update over into the channel.
	nextSignSession  *signer.Session
	remoteSignCommit fn.Option[lnwire.NonceCommitment]

	// ourCommit and theirCommit are the commitments of height zero.
	ourCommit   *commitment
	theirCommit *commitment

	fundingIntent chanfunding.Intent
	fundingTx     *wire.MsgTx

	completed bool

	sync.Mutex
}

// NewChannelReservation derives the keys of a new channel and, as the
// initiator, provisions its funding.
func NewChannelReservation(cfg *ReservationConfig,
	params ReservationParams) (*ChannelReservation, error) {

	if params.PushMSat > lnwire.NewMSatFromSatoshis(params.Capacity) {
		return nil, newNegotiationError("push %v exceeds capacity %v",
			params.PushMSat, params.Capacity)
	}

	res := &ChannelReservation{
		cfg:    cfg,
		params: params,
	}

	var intent chanfunding.Intent
	if params.Initiator {
		var err error
		intent, err = cfg.Assembler.ProvisionChannel(&chanfunding.Request{
			LocalAmt:     params.Capacity,
			PushAmt:      params.PushMSat.ToSatoshis(),
			MinConfs:     params.MinConfs,
			FeeRate:      params.FundingFeePerKw,
			ChangeScript: params.ChangeScript,
		})
		if err != nil {
			return nil, err
		}
		res.fundingIntent = intent
	}

	chanCfg, producer, err := res.deriveChannelConfig()
	if err != nil {
		res.cancel()
		return nil, err
	}

	firstPoint, err := producer.AtIndex(0)
	if err != nil {
		res.cancel()
		return nil, err
	}

	musig, err := cfg.Signers.NewUnboundSigner(chanCfg.MultiSigKey)
	if err != nil {
		res.cancel()
		return nil, err
	}
	res.musig = musig

	pendingID := lnwire.ChannelID(params.PendingChanID)
	res.verifySession, _, err = musig.BeginSigning(signer.SigningContext{
		ChanID: pendingID,
		Owner:  signer.LocalCommitment,
	})
	if err != nil {
		res.cancel()
		return nil, err
	}

	var signCommit lnwire.NonceCommitment
	res.signSession, signCommit, err = musig.BeginSigning(
		signer.SigningContext{
			ChanID: pendingID,
			Owner:  signer.RemoteCommitment,
		},
	)
	if err != nil {
		res.cancel()
		return nil, err
	}

	policy := &cfg.Policy
	ourAmt := btcutil.Amount(0)
	if params.Initiator {
		ourAmt = params.Capacity
	}

	res.ourContribution = &ChannelContribution{
		FundingAmount:        ourAmt,
		ChannelConfig:        chanCfg,
		RemoteReserve:        policy.remoteReserve(params.Capacity),
		RemoteCsvDelay:       policy.RemoteCsvDelay,
		FirstCommitmentPoint: input.ComputeCommitmentPoint(firstPoint[:]),
		VerifyNonce:          res.verifySession.PublicNonce(),
		SignNonceCommit:      signCommit,
		MinDepth:             uint32(policy.NumConfs),
	}

	res.partialState = &channeldb.OpenChannel{
		ChainHash:          cfg.ChainHash,
		IsPending:          true,
		IsInitiator:        params.Initiator,
		IdentityPub:        params.NodeID,
		Capacity:           params.Capacity,
		LocalChanCfg:       *chanCfg,
		RevocationProducer: producer,
		RevocationStore:    shachain.NewRevocationStore(),
	}
	res.partialState.SetDB(cfg.DB)

	return res, nil
}

// deriveChannelConfig draws a fresh key for every base point and the
// revocation root of the channel.
func (r *ChannelReservation) deriveChannelConfig() (*channeldb.ChannelConfig,
	*shachain.RevocationProducer, error) {

	keyRing := r.cfg.KeyRing
	policy := &r.cfg.Policy

	chanCfg := &channeldb.ChannelConfig{
		ChannelConstraints: channeldb.ChannelConstraints{
			DustLimit:        policy.DustLimit,
			MaxPendingAmount: policy.MaxPendingAmount,
			MinHTLC:          policy.MinHTLC,
			MaxAcceptedHtlcs: policy.MaxAcceptedHtlcs,
		},
	}

	keys := []struct {
		fam  keychain.KeyFamily
		desc *keychain.KeyDescriptor
	}{
		{keychain.KeyFamilyMultiSig, &chanCfg.MultiSigKey},
		{keychain.KeyFamilyRevocationBase, &chanCfg.RevocationBasePoint},
		{keychain.KeyFamilyHtlcBase, &chanCfg.HtlcBasePoint},
		{keychain.KeyFamilyPaymentBase, &chanCfg.PaymentBasePoint},
		{keychain.KeyFamilyDelayBase, &chanCfg.DelayBasePoint},
	}
	for _, k := range keys {
		desc, err := keyRing.DeriveNextKey(k.fam)
		if err != nil {
			return nil, nil, err
		}
		*k.desc = desc
	}

	rootDesc, err := keyRing.DeriveNextKey(keychain.KeyFamilyRevocationRoot)
	if err != nil {
		return nil, nil, err
	}
	rootKey, err := keyRing.DerivePrivKey(rootDesc)
	if err != nil {
		return nil, nil, err
	}
	root := chainhash.Hash(sha256.Sum256(rootKey.Serialize()))

	return chanCfg, shachain.NewRevocationProducer(root), nil
}

// OurContribution returns our contribution to the channel.
func (r *ChannelReservation) OurContribution() *ChannelContribution {
	r.Lock()
	defer r.Unlock()

	return r.ourContribution
}

// TheirContribution returns the counterparty's contribution, nil until it
// was processed.
func (r *ChannelReservation) TheirContribution() *ChannelContribution {
	r.Lock()
	defer r.Unlock()

	return r.theirContribution
}

// PendingChanID returns the temporary id of the channel.
func (r *ChannelReservation) PendingChanID() [32]byte {
	return r.params.PendingChanID
}

// Capacity returns the size of the channel.
func (r *ChannelReservation) Capacity() btcutil.Amount {
	return r.params.Capacity
}

// PushAmt returns the amount given to the acceptor at opening.
func (r *ChannelReservation) PushAmt() lnwire.MilliSatoshi {
	return r.params.PushMSat
}

// CommitFeePerKw returns the fee rate of the commitment transactions.
func (r *ChannelReservation) CommitFeePerKw() chainfee.SatPerKWeight {
	return r.params.CommitFeePerKw
}

// IsInitiator returns true if we fund the channel.
func (r *ChannelReservation) IsInitiator() bool {
	return r.params.Initiator
}

// ValidateOpenParams checks the channel wide parameters proposed in an
// open_channel against our policy.
func ValidateOpenParams(policy *ChannelPolicy, capacity btcutil.Amount,
	push lnwire.MilliSatoshi, feePerKw chainfee.SatPerKWeight) error {

	switch {
	case capacity < policy.MinChanSize:
		return newNegotiationError("capacity %v below minimum %v",
			capacity, policy.MinChanSize)

	case policy.MaxChanSize != 0 && capacity > policy.MaxChanSize:
		return newNegotiationError("capacity %v above maximum %v",
			capacity, policy.MaxChanSize)

	case push > lnwire.NewMSatFromSatoshis(capacity):
		return newNegotiationError("push %v exceeds capacity %v",
			push, capacity)

	case feePerKw < chainfee.FeePerKwFloor:
		return newNegotiationError("commitment fee rate %v below "+
			"floor %v", feePerKw, chainfee.FeePerKwFloor)
	}

	return nil
}

// validateContribution checks the limits the counterparty proposes.
func (r *ChannelReservation) validateContribution(
	their *ChannelContribution) error {

	policy := &r.cfg.Policy
	capacity := r.params.Capacity
	theirCfg := their.ChannelConfig

	maxCsv := policy.MaxCsvDelay
	if maxCsv == 0 {
		maxCsv = DefaultMaxCsvDelay
	}

	switch {
	case theirCfg == nil || their.FirstCommitmentPoint == nil:
		return newNegotiationError("incomplete contribution")

	case theirCfg.MultiSigKey.PubKey == nil ||
		theirCfg.RevocationBasePoint.PubKey == nil ||
		theirCfg.PaymentBasePoint.PubKey == nil ||
		theirCfg.DelayBasePoint.PubKey == nil ||
		theirCfg.HtlcBasePoint.PubKey == nil:

		return newNegotiationError("missing base point")

	case theirCfg.DustLimit < MinDustLimit:
		return newNegotiationError("dust limit %v below %v",
			theirCfg.DustLimit, MinDustLimit)

	case their.RemoteReserve > capacity/MaxReserveDivisor:
		return newNegotiationError("reserve %v too large for "+
			"capacity %v", their.RemoteReserve, capacity)

	case their.RemoteReserve < r.cfg.Policy.DustLimit:
		return newNegotiationError("reserve %v below our dust "+
			"limit %v", their.RemoteReserve, r.cfg.Policy.DustLimit)

	case theirCfg.DustLimit > r.ourContribution.RemoteReserve:
		return newNegotiationError("dust limit %v above the reserve "+
			"%v we require", theirCfg.DustLimit,
			r.ourContribution.RemoteReserve)

	case their.RemoteCsvDelay > maxCsv:
		return newNegotiationError("csv delay %d above %d",
			their.RemoteCsvDelay, maxCsv)

	case theirCfg.MaxAcceptedHtlcs == 0:
		return newNegotiationError("max accepted htlcs is zero")

	case theirCfg.MaxAcceptedHtlcs > MaxHTLCNumber:
		return newNegotiationError("max accepted htlcs %d above %d",
			theirCfg.MaxAcceptedHtlcs, MaxHTLCNumber)

	case theirCfg.MinHTLC > lnwire.NewMSatFromSatoshis(capacity):
		return newNegotiationError("min htlc %v above capacity %v",
			theirCfg.MinHTLC, capacity)

	case theirCfg.MultiSigKey.PubKey.IsEqual(
		r.ourContribution.ChannelConfig.MultiSigKey.PubKey):

		return newNegotiationError("funding keys are equal")
	}

	return nil
}

// ProcessContribution validates the counterparty's contribution and binds
// the funding signer to its funding key. Any failure is a
// NegotiationError, the reservation must then be canceled.
func (r *ChannelReservation) ProcessContribution(
	their *ChannelContribution) error {

	r.Lock()
	defer r.Unlock()

	if r.theirContribution != nil {
		return ErrReservationState
	}

	if err := r.validateContribution(their); err != nil {
		return err
	}

	if err := r.musig.Bind(their.ChannelConfig.MultiSigKey.PubKey); err != nil {
		return newNegotiationError("unusable funding key: %v", err)
	}

	// The reserve and delay each side requires apply to the other one.
	r.partialState.LocalChanCfg.ChanReserve = their.RemoteReserve
	r.partialState.LocalChanCfg.CsvDelay = their.RemoteCsvDelay

	remoteCfg := *their.ChannelConfig
	remoteCfg.ChanReserve = r.ourContribution.RemoteReserve
	remoteCfg.CsvDelay = r.ourContribution.RemoteCsvDelay
	r.partialState.RemoteChanCfg = remoteCfg
	r.partialState.RemoteCurrentRevocation = their.FirstCommitmentPoint

	r.partialState.NumConfsRequired = uint16(r.ourContribution.MinDepth)
	if r.params.Initiator {
		r.partialState.NumConfsRequired = uint16(their.MinDepth)
	}

	r.theirContribution = their

	return nil
}

// createCommitments builds both commitments of height zero once the funding
// outpoint is known.
func (r *ChannelReservation) createCommitments(chanPoint wire.OutPoint) error {
	state := r.partialState
	state.FundingOutpoint = chanPoint

	capacity := lnwire.NewMSatFromSatoshis(r.params.Capacity)
	initiatorBal := capacity - r.params.PushMSat
	ourBal, theirBal := initiatorBal, r.params.PushMSat
	if !r.params.Initiator {
		ourBal, theirBal = theirBal, ourBal
	}

	ourPoint, err := state.CommitPoint(0)
	if err != nil {
		return err
	}

	obfuscator := StateObfuscator(state)
	build := func(isOurs bool, point *btcec.PublicKey) (*commitment,
		error) {

		c := &commitment{
			height:       0,
			isOurs:       isOurs,
			ourBalance:   ourBal,
			theirBalance: theirBal,
			feePerKw:     r.params.CommitFeePerKw,
		}
		keyRing := DeriveCommitmentKeys(
			point, isOurs, &state.LocalChanCfg, &state.RemoteChanCfg,
		)
		err := buildCommitmentTx(
			state, obfuscator, c, &htlcView{}, keyRing,
		)
		if err != nil {
			return nil, newNegotiationError("unable to build "+
				"commitment: %v", err)
		}

		return c, nil
	}

	r.ourCommit, err = build(true, ourPoint)
	if err != nil {
		return err
	}
	r.theirCommit, err = build(false, r.theirContribution.FirstCommitmentPoint)
	if err != nil {
		return err
	}

	// The initiator has to be able to pay the fee of the first
	// commitment and keep its reserve.
	initiatorCfg := &state.LocalChanCfg
	initiatorBalance := r.ourCommit.ourBalance
	if !r.params.Initiator {
		initiatorCfg = &state.RemoteChanCfg
		initiatorBalance = r.ourCommit.theirBalance
	}
	if initiatorBalance < lnwire.NewMSatFromSatoshis(initiatorCfg.ChanReserve) {
		return newNegotiationError("initiator balance %v below "+
			"reserve %v", initiatorBalance, initiatorCfg.ChanReserve)
	}

	return nil
}

// fundingOutput returns the output locking the channel funds.
func (r *ChannelReservation) fundingOutput() (*wire.TxOut, error) {
	script, err := r.musig.FundingScript()
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(int64(r.params.Capacity), script), nil
}

// signTheirCommitment produces our partial signature of the remote
// commitment zero, and starts the session of remote commitment one.
func (r *ChannelReservation) signTheirCommitment(
	chanID lnwire.ChannelID) (*lnwire.PartialSigWithNonce,
	lnwire.NonceCommitment, error) {

	fundingOut, err := r.fundingOutput()
	if err != nil {
		return nil, lnwire.NonceCommitment{}, err
	}
	digest, err := signer.TaprootKeySpendDigest(r.theirCommit.txn, fundingOut)
	if err != nil {
		return nil, lnwire.NonceCommitment{}, err
	}

	err = r.signSession.AggregateNonces(
		r.theirContribution.VerifyNonce,
		fn.None[lnwire.NonceCommitment](),
	)
	if err != nil {
		return nil, lnwire.NonceCommitment{}, err
	}
	sig, err := r.signSession.PartialSign(digest)
	if err != nil {
		return nil, lnwire.NonceCommitment{}, err
	}

	var nextCommit lnwire.NonceCommitment
	r.nextSignSession, nextCommit, err = r.musig.BeginSigning(
		signer.SigningContext{
			ChanID: chanID,
			Owner:  signer.RemoteCommitment,
			Height: 1,
		},
	)
	if err != nil {
		return nil, lnwire.NonceCommitment{}, err
	}

	return sig.ToWireSig(), nextCommit, nil
}

// completeOurCommitment verifies the remote partial signature of our
// commitment zero and stores the final signature.
func (r *ChannelReservation) completeOurCommitment(chanID lnwire.ChannelID,
	sig *lnwire.PartialSigWithNonce) error {

	fundingOut, err := r.fundingOutput()
	if err != nil {
		return err
	}
	digest, err := signer.TaprootKeySpendDigest(r.ourCommit.txn, fundingOut)
	if err != nil {
		return err
	}

	remoteSig := signer.FromWireSig(sig)
	err = r.verifySession.AggregateNonces(
		remoteSig.Nonce, fn.Some(r.theirContribution.SignNonceCommit),
	)
	if err != nil {
		return err
	}
	localSig, err := r.verifySession.PartialSign(digest)
	if err != nil {
		return err
	}

	finalSig, err := r.verifySession.VerifyAndCombine(localSig, remoteSig)
	if err != nil {
		return lnwire.NewProtocolError(
			lnwire.CodeInvalidSignature, chanID, "commitment zero "+
				"signature invalid: %v", err,
		)
	}
	r.ourCommit.sig = finalSig.Serialize()

	return nil
}

// persist writes the channel with both commitments of height zero.
func (r *ChannelReservation) persist() error {
	state := r.partialState
	state.LocalCommitment = *r.ourCommit.toDiskCommit()
	state.RemoteCommitment = *r.theirCommit.toDiskCommit()
	state.FundingTxn = r.fundingTx

	return state.FullSync()
}

// FundingCreated builds the funding transaction and signs the remote
// commitment zero. It is only called by the initiator, after
// ProcessContribution. The funding transaction must not be broadcast
// before CompleteFundingSigned succeeds.
func (r *ChannelReservation) FundingCreated() (*lnwire.FundingCreated, error) {
	r.Lock()
	defer r.Unlock()

	if !r.params.Initiator || r.theirContribution == nil ||
		r.fundingTx != nil {

		return nil, ErrReservationState
	}

	fundingOut, err := r.fundingOutput()
	if err != nil {
		return nil, err
	}
	fundingTx, err := r.fundingIntent.FundingTx(fundingOut.PkScript)
	if err != nil {
		return nil, err
	}
	chanPoint, err := r.fundingIntent.ChanPoint()
	if err != nil {
		return nil, err
	}
	r.fundingTx = fundingTx

	if err := r.createCommitments(*chanPoint); err != nil {
		return nil, err
	}

	chanID := lnwire.NewChanIDFromOutPoint(*chanPoint)
	sig, nextCommit, err := r.signTheirCommitment(chanID)
	if err != nil {
		return nil, err
	}

	// The channel is written before funding_created leaves, so a restart
	// can still discard it.
	if err := r.persist(); err != nil {
		return nil, err
	}

	walletLog.Infof("ChannelPoint(%v): funding created for pending "+
		"channel %x", chanPoint, r.params.PendingChanID[:])

	return &lnwire.FundingCreated{
		PendingChannelID: r.params.PendingChanID,
		FundingPoint:     *chanPoint,
		PartialSig:       *sig,
		NextNonceCommit:  nextCommit,
	}, nil
}

// CompleteFundingSigned verifies the acceptor's signature of our commitment
// zero and persists it. On success the funding transaction may be
// broadcast.
func (r *ChannelReservation) CompleteFundingSigned(
	msg *lnwire.FundingSigned) (*channeldb.OpenChannel, error) {

	r.Lock()
	defer r.Unlock()

	if !r.params.Initiator || r.ourCommit == nil || r.completed {
		return nil, ErrReservationState
	}

	chanID := r.partialState.ChanID()
	if msg.ChanID != chanID {
		return nil, lnwire.NewProtocolError(
			lnwire.CodeUnknownChannel, msg.ChanID, "expected "+
				"funding_signed for %v", chanID,
		)
	}

	if err := r.completeOurCommitment(chanID, &msg.PartialSig); err != nil {
		return nil, err
	}
	r.remoteSignCommit = fn.Some(msg.NextNonceCommit)

	if err := r.persist(); err != nil {
		return nil, err
	}
	r.completed = true

	return r.partialState, nil
}

// ReceiveFundingCreated completes the acceptor side of the funding flow: it
// verifies the initiator's signature of our commitment zero, signs the
// initiator's commitment zero and persists the channel before the returned
// funding_signed is sent.
func (r *ChannelReservation) ReceiveFundingCreated(
	msg *lnwire.FundingCreated) (*lnwire.FundingSigned,
	*channeldb.OpenChannel, error) {

	r.Lock()
	defer r.Unlock()

	if r.params.Initiator || r.theirContribution == nil || r.completed {
		return nil, nil, ErrReservationState
	}
	if msg.PendingChannelID != r.params.PendingChanID {
		return nil, nil, lnwire.NewProtocolError(
			lnwire.CodeUnknownChannel, msg.PendingChannelID,
			"unknown pending channel",
		)
	}

	if err := r.createCommitments(msg.FundingPoint); err != nil {
		return nil, nil, err
	}

	chanID := lnwire.NewChanIDFromOutPoint(msg.FundingPoint)
	if err := r.completeOurCommitment(chanID, &msg.PartialSig); err != nil {
		return nil, nil, err
	}
	r.remoteSignCommit = fn.Some(msg.NextNonceCommit)

	sig, nextCommit, err := r.signTheirCommitment(chanID)
	if err != nil {
		return nil, nil, err
	}

	if err := r.persist(); err != nil {
		return nil, nil, err
	}
	r.completed = true

	walletLog.Infof("ChannelPoint(%v): accepted funding of pending "+
		"channel %x", msg.FundingPoint, r.params.PendingChanID[:])

	return &lnwire.FundingSigned{
		ChanID:          chanID,
		PartialSig:      *sig,
		NextNonceCommit: nextCommit,
	}, r.partialState, nil
}

// FundingTx returns the funding transaction built by the initiator.
func (r *ChannelReservation) FundingTx() *wire.MsgTx {
	r.Lock()
	defer r.Unlock()

	return r.fundingTx
}

// Channel returns the LightningChannel of a completed reservation. The
// nonce material exchanged during funding is carried over so the first
// update needs no extra round.
func (r *ChannelReservation) Channel(opts ...ChannelOpt) (*LightningChannel,
	error) {

	r.Lock()
	defer r.Unlock()

	if !r.completed {
		return nil, ErrReservationState
	}

	lc, err := NewLightningChannel(r.musig, r.partialState, opts...)
	if err != nil {
		return nil, err
	}
	lc.signSession = r.nextSignSession
	lc.remoteSignCommit = r.remoteSignCommit

	return lc, nil
}

// Signer returns the funding signer of the reservation.
func (r *ChannelReservation) Signer() *signer.Signer {
	return r.musig
}

// Cancel releases the funding resources of the reservation. A channel that
// was already written is archived as canceled.
func (r *ChannelReservation) Cancel() error {
	r.Lock()
	defer r.Unlock()

	r.cancel()

	if r.ourCommit == nil || r.partialState.LocalCommitment.CommitTx == nil {
		return nil
	}

	return r.partialState.CloseChannel(&channeldb.ChannelCloseSummary{
		ChanPoint:   r.partialState.FundingOutpoint,
		ChainHash:   r.partialState.ChainHash,
		RemotePub:   r.partialState.IdentityPub,
		Capacity:    r.partialState.Capacity,
		CloseType:   channeldb.FundingCanceled,
		IsPending:   false,
		ShortChanID: r.partialState.ShortChannelID,
	})
}

func (r *ChannelReservation) cancel() {
	if r.fundingIntent != nil {
		r.fundingIntent.Cancel()
	}
}

// String returns a short description of the reservation.
func (r *ChannelReservation) String() string {
	return fmt.Sprintf("reservation(%x, capacity=%v, initiator=%v)",
		r.params.PendingChanID[:4], r.params.Capacity,
		r.params.Initiator)
}
