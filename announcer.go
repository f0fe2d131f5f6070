package hopd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lncfg"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
)

// localGossiper is the part of the gossiper our own announcements go
// through.
type localGossiper interface {
	ProcessLocalAnnouncement(msg lnwire.Message) chan error
}

// announcerConfig holds everything the announcer needs to make our channels
// public.
type announcerConfig struct {
	ChainHash chainhash.Hash

	NodeKey *keychain.NodeKey

	Proofs *channeldb.WaitingProofStore

	Gossiper localGossiper

	// KnownChannel reports whether the channel is already part of the
	// graph.
	KnownChannel func(scid lnwire.ShortChannelID) bool

	// SendToPeer delivers the half proof to the channel counterparty.
	SendToPeer func(ctx context.Context, peer *btcec.PublicKey,
		msgs ...lnwire.Message) error

	// NodeAnnouncement returns a fresh signed announcement of our node.
	NodeAnnouncement func() (*lnwire.NodeAnnouncement, error)

	Routing *lncfg.Routing

	MinHTLC lnwire.MilliSatoshi

	Clock clock.Clock
}

// announcedChannel is the part of an open channel its announcement is built
// from.
type announcedChannel struct {
	scid      lnwire.ShortChannelID
	chanID    lnwire.ChannelID
	chanPoint wire.OutPoint
	capacity  btcutil.Amount
	peer      *btcec.PublicKey
}

// channelAnnouncer exchanges announcement signatures with the counterparty of
// every open channel. Once both halves of the proof are known the public
// channel announcement, our channel update and a new node announcement are
// handed to the gossiper.
type channelAnnouncer struct {
	cfg announcerConfig

	mu      sync.Mutex
	pending map[lnwire.ShortChannelID]*announcedChannel

	quit chan struct{}
}

// newChannelAnnouncer creates an announcer from the config.
func newChannelAnnouncer(cfg announcerConfig) *channelAnnouncer {
	return &channelAnnouncer{
		cfg:     cfg,
		pending: make(map[lnwire.ShortChannelID]*announcedChannel),
		quit:    make(chan struct{}),
	}
}

// Stop aborts submissions still waiting on the gossiper.
func (a *channelAnnouncer) Stop() {
	close(a.quit)
}

// ChannelOpened starts the proof exchange for a channel that reached its
// normal state.
func (a *channelAnnouncer) ChannelOpened(lc *lnwallet.LightningChannel) {
	state := lc.State()

	ch := &announcedChannel{
		scid:      lc.ShortChanID(),
		chanID:    lc.ChanID(),
		chanPoint: lc.ChannelPoint(),
		capacity:  state.Capacity,
		peer:      state.IdentityPub,
	}

	go func() {
		if err := a.announceChannel(context.Background(), ch); err != nil {
			srvrLog.Errorf("Unable to announce channel %v: %v",
				ch.chanPoint, err)
		}
	}()
}

// ChannelClosed drops the proofs of a closed channel.
func (a *channelAnnouncer) ChannelClosed(
	summary *channeldb.ChannelCloseSummary) {

	a.mu.Lock()
	delete(a.pending, summary.ShortChanID)
	a.mu.Unlock()

	for _, isRemote := range []bool{false, true} {
		proof := channeldb.NewWaitingProof(
			isRemote, &lnwire.AnnounceSignatures{
				ShortChannelID: summary.ShortChanID,
			},
		)
		err := a.cfg.Proofs.Remove(proof.Key())
		if err != nil &&
			!errors.Is(err, channeldb.ErrWaitingProofNotFound) {

			srvrLog.Warnf("Unable to remove proof of %v: %v",
				summary.ShortChanID, err)
		}
	}
}

// announceChannel signs our half of the proof, stores it and sends it to the
// peer. If the peer's half arrived first the announcement is completed right
// away.
func (a *channelAnnouncer) announceChannel(ctx context.Context,
	ch *announcedChannel) error {

	if ch.scid.ToUint64() == 0 {
		return fmt.Errorf("channel %v has no short channel id",
			ch.chanPoint)
	}

	if a.cfg.KnownChannel(ch.scid) {
		srvrLog.Debugf("Channel %v already announced", ch.scid)
		return nil
	}

	ann, err := a.channelAnnouncement(ch)
	if err != nil {
		return err
	}

	sig, err := discovery.SignAnnouncement(a.cfg.NodeKey, ann)
	if err != nil {
		return err
	}

	local := channeldb.NewWaitingProof(false, &lnwire.AnnounceSignatures{
		ChannelID:      ch.chanID,
		ShortChannelID: ch.scid,
		NodeSignature:  sig,
	})
	if err := a.cfg.Proofs.Add(local); err != nil {
		return err
	}

	a.mu.Lock()
	a.pending[ch.scid] = ch
	a.mu.Unlock()

	srvrLog.Infof("Sending announcement signatures of %v to %x", ch.scid,
		ch.peer.SerializeCompressed())

	err = a.cfg.SendToPeer(ctx, ch.peer, local.AnnounceSignatures)
	if err != nil {
		// The peer gets the proof again once the channel is reopened
		// on the next connection.
		srvrLog.Warnf("Unable to send announcement signatures of "+
			"%v: %v", ch.scid, err)
	}

	return a.maybeComplete(ch.scid)
}

// HandleAnnounceSignatures stores the half proof of the counterparty and
// completes the announcement if ours is known.
func (a *channelAnnouncer) HandleAnnounceSignatures(peer *btcec.PublicKey,
	msg *lnwire.AnnounceSignatures) error {

	a.mu.Lock()
	ch, ok := a.pending[msg.ShortChannelID]
	a.mu.Unlock()

	if ok && !ch.peer.IsEqual(peer) {
		return fmt.Errorf("announcement signatures for %v from "+
			"unexpected peer %x", msg.ShortChannelID,
			peer.SerializeCompressed())
	}

	srvrLog.Debugf("Received announcement signatures of %v from %x",
		msg.ShortChannelID, peer.SerializeCompressed())

	remote := channeldb.NewWaitingProof(true, msg)
	if err := a.cfg.Proofs.Add(remote); err != nil {
		return err
	}

	// The channel may not be open on our side yet. Its opening picks the
	// proof up.
	if !ok {
		return nil
	}

	return a.maybeComplete(msg.ShortChannelID)
}

// maybeComplete assembles the public announcement once both halves of the
// proof are stored.
func (a *channelAnnouncer) maybeComplete(scid lnwire.ShortChannelID) error {
	local := channeldb.NewWaitingProof(false, &lnwire.AnnounceSignatures{
		ShortChannelID: scid,
	})

	localProof, err := a.cfg.Proofs.Get(local.Key())
	if err != nil {
		return err
	}
	remoteProof, err := a.cfg.Proofs.Get(local.OppositeKey())
	switch {
	case errors.Is(err, channeldb.ErrWaitingProofNotFound):
		return nil

	case err != nil:
		return err
	}

	a.mu.Lock()
	ch, ok := a.pending[scid]
	delete(a.pending, scid)
	a.mu.Unlock()

	if !ok {
		return nil
	}

	ann, err := a.channelAnnouncement(ch)
	if err != nil {
		return err
	}
	if a.isNode1(ch) {
		ann.NodeSig1 = localProof.NodeSignature
		ann.NodeSig2 = remoteProof.NodeSignature
	} else {
		ann.NodeSig1 = remoteProof.NodeSignature
		ann.NodeSig2 = localProof.NodeSignature
	}

	// A bad half from the peer is dropped so a later one can complete the
	// announcement.
	if err := discovery.ValidateChannelAnn(ann); err != nil {
		a.mu.Lock()
		a.pending[scid] = ch
		a.mu.Unlock()

		if rmErr := a.cfg.Proofs.Remove(remoteProof.Key()); rmErr != nil {
			return rmErr
		}

		return fmt.Errorf("invalid proof for %v: %w", scid, err)
	}

	upd, err := a.channelUpdate(ch)
	if err != nil {
		return err
	}

	nodeAnn, err := a.cfg.NodeAnnouncement()
	if err != nil {
		return err
	}

	for _, msg := range []lnwire.Message{ann, upd, nodeAnn} {
		if err := a.submit(msg); err != nil {
			return err
		}
	}

	srvrLog.Infof("Announced channel %v", scid)

	for _, key := range []channeldb.WaitingProofKey{
		localProof.Key(), remoteProof.Key(),
	} {
		if err := a.cfg.Proofs.Remove(key); err != nil {
			return err
		}
	}

	return nil
}

// submit hands one message to the gossiper and waits for its verdict.
func (a *channelAnnouncer) submit(msg lnwire.Message) error {
	select {
	case err := <-a.cfg.Gossiper.ProcessLocalAnnouncement(msg):
		if err != nil {
			return fmt.Errorf("gossiper rejected %v: %w",
				msg.MsgType(), err)
		}

		return nil

	case <-a.quit:
		return discovery.ErrGossiperShuttingDown
	}
}

// isNode1 reports whether our key sorts before the peer's.
func (a *channelAnnouncer) isNode1(ch *announcedChannel) bool {
	return bytes.Compare(
		a.cfg.NodeKey.PubKey().SerializeCompressed(),
		ch.peer.SerializeCompressed(),
	) < 0
}

// channelAnnouncement builds the unsigned announcement of the channel. Both
// parties build the same message.
func (a *channelAnnouncer) channelAnnouncement(
	ch *announcedChannel) (*lnwire.ChannelAnnouncement, error) {

	ann := &lnwire.ChannelAnnouncement{
		Features:        lnwire.NewRawFeatureVector(),
		ChainHash:       a.cfg.ChainHash,
		ShortChannelID:  ch.scid,
		FundingPoint:    ch.chanPoint,
		Capacity:        ch.capacity,
		ExtraOpaqueData: make([]byte, 0),
	}

	self := a.cfg.NodeKey.PubKey().SerializeCompressed()
	remote := ch.peer.SerializeCompressed()
	if bytes.Equal(self, remote) {
		return nil, errors.New("channel with ourselves")
	}

	if a.isNode1(ch) {
		copy(ann.NodeID1[:], self)
		copy(ann.NodeID2[:], remote)
	} else {
		copy(ann.NodeID1[:], remote)
		copy(ann.NodeID2[:], self)
	}

	return ann, nil
}

// channelUpdate builds our signed forwarding policy for the channel.
func (a *channelAnnouncer) channelUpdate(
	ch *announcedChannel) (*lnwire.ChannelUpdate, error) {

	var flags lnwire.ChanUpdateChanFlags
	if !a.isNode1(ch) {
		flags |= lnwire.ChanUpdateDirection
	}

	upd := &lnwire.ChannelUpdate{
		ChainHash:       a.cfg.ChainHash,
		ShortChannelID:  ch.scid,
		Timestamp:       uint32(a.cfg.Clock.Now().Unix()),
		ChannelFlags:    flags,
		TimeLockDelta:   uint16(a.cfg.Routing.TimeLockDelta),
		HtlcMinimumMsat: a.cfg.MinHTLC,
		HtlcMaximumMsat: lnwire.NewMSatFromSatoshis(ch.capacity),
		BaseFee:         uint32(a.cfg.Routing.BaseFee),
		FeeRate:         uint32(a.cfg.Routing.FeeRate),
		ExtraOpaqueData: make([]byte, 0),
	}

	if err := discovery.SignChannelUpdate(a.cfg.NodeKey, upd); err != nil {
		return nil, err
	}

	return upd, nil
}
