package chanfsm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hopline/hopd/actor"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
	"github.com/hopline/hopd/signer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultPeerTimeout is how long a channel waits for a reply the
	// protocol requires before it gives up on the peer.
	DefaultPeerTimeout = time.Minute

	// DefaultConfTarget is the confirmation target used to estimate the
	// fee rate of new channels.
	DefaultConfTarget = 6
)

// channelKey is the service key channel actors are registered under.
var channelKey = actor.NewServiceKey[*ChannelMsg, *ChannelInfo]("channel")

// Config holds the dependencies of the channel manager.
type Config struct {
	ChainHash chainhash.Hash

	KeyRing keychain.SecretKeyRing

	Signers *signer.Factory

	// Assembler funds the channels we open.
	Assembler chanfunding.Assembler

	Policy lnwallet.ChannelPolicy

	DB *channeldb.DB

	FeeEstimator chainfee.Estimator

	// ConfTarget is passed to FeeEstimator for new channels.
	ConfTarget uint32

	// Daemon connects the state machines to peers and the chain.
	Daemon protofsm.DaemonAdapters

	System *actor.ActorSystem

	Clock clock.Clock

	// PeerTimeout is the time a channel waits for a required reply.
	// Zero disables the timer.
	PeerTimeout time.Duration

	BestHeight func() uint32

	DeliveryScript func() (lnwire.DeliveryAddress, error)

	// ChangeScript provides change scripts for funding transactions.
	ChangeScript func() ([]byte, error)

	Arbiter ContractArbiter

	// Observer is optional.
	Observer Observer

	ChannelOpts []lnwallet.ChannelOpt

	// IsOnline reports whether a session with peer exists. Optional.
	IsOnline func(peer *btcec.PublicKey) bool

	// OnStateChange is optional and called on every state change of a
	// channel.
	OnStateChange func(from, to string)
}

// channelHandle tracks the actor of one channel.
type channelHandle struct {
	id        string
	peer      *btcec.PublicKey
	pendingID [32]byte
	ref       actor.ActorRef[*ChannelMsg, *ChannelInfo]
}

// Manager runs the funding flow of new channels and owns the actors of all
// channels: it restores them on start, routes peer messages to them and
// exposes the operator requests.
type Manager struct {
	cfg Config

	mu sync.RWMutex

	// byID indexes handles by pending and final channel id.
	byID map[lnwire.ChannelID]*channelHandle

	// handles indexes handles by actor id.
	handles map[string]*channelHandle
}

// NewManager creates a channel manager.
func NewManager(cfg Config) *Manager {
	if cfg.ConfTarget == 0 {
		cfg.ConfTarget = DefaultConfTarget
	}

	return &Manager{
		cfg:     cfg,
		byID:    make(map[lnwire.ChannelID]*channelHandle),
		handles: make(map[string]*channelHandle),
	}
}

// Start restores every channel found on disk.
func (m *Manager) Start(ctx context.Context) error {
	channels, err := m.cfg.DB.FetchAllChannels()
	if err != nil {
		return err
	}

	for _, state := range channels {
		if err := m.restore(ctx, state); err != nil {
			log.Errorf("Unable to restore ChannelPoint(%v): %v",
				state.FundingOutpoint, err)
		}
	}

	log.Infof("Channel manager started with %d channels", len(channels))

	return nil
}

// Stop stops all channel actors.
func (m *Manager) Stop() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*channelHandle)
	m.byID = make(map[lnwire.ChannelID]*channelHandle)
	m.mu.Unlock()

	for _, h := range handles {
		channelKey.Unregister(m.cfg.System, h.ref)
	}
}

func (m *Manager) reservationConfig() *lnwallet.ReservationConfig {
	return &lnwallet.ReservationConfig{
		ChainHash: m.cfg.ChainHash,
		KeyRing:   m.cfg.KeyRing,
		Signers:   m.cfg.Signers,
		Assembler: m.cfg.Assembler,
		Policy:    m.cfg.Policy,
		DB:        m.cfg.DB,
	}
}

// restore spawns the actor of a channel read from disk in the state its
// flags describe.
func (m *Manager) restore(ctx context.Context,
	state *channeldb.OpenChannel) error {

	// Our commitment zero was never signed by the peer, the funding
	// transaction was never published.
	if state.IsPending && len(state.LocalCommitment.CommitSig) == 0 {
		log.Infof("ChannelPoint(%v): discarding unsigned pending channel",
			state.FundingOutpoint)

		return state.CloseChannel(&channeldb.ChannelCloseSummary{
			ChanPoint: state.FundingOutpoint,
			ChainHash: state.ChainHash,
			RemotePub: state.IdentityPub,
			Capacity:  state.Capacity,
			CloseType: channeldb.FundingCanceled,
		})
	}

	musig, err := m.cfg.Signers.NewSigner(
		state.LocalChanCfg.MultiSigKey,
		state.RemoteChanCfg.MultiSigKey.PubKey,
	)
	if err != nil {
		return err
	}
	lc, err := lnwallet.NewLightningChannel(
		musig, state, m.cfg.ChannelOpts...,
	)
	if err != nil {
		return err
	}

	var (
		initial  ChannelState
		watch    protofsm.DaemonEvent = registerSpend(lc)
		opened   bool
		rebroadc = func() {}
	)
	switch {
	case state.HasChanStatus(channeldb.ChanStatusCommitBroadcasted),
		state.HasChanStatus(channeldb.ChanStatusBorked),
		state.HasChanStatus(channeldb.ChanStatusLocalDataLoss):

		initial = NewForceClosing(lc)
		if state.HasChanStatus(channeldb.ChanStatusCommitBroadcasted) {
			rebroadc = m.rebroadcastClose(ctx, state, "force close")
		}

	case state.HasChanStatus(channeldb.ChanStatusCoopBroadcasted):
		closeTx, err := state.BroadcastedCloseTx()
		if err != nil {
			return err
		}
		initial = NewClosingSigned(lc, closeTx)
		rebroadc = m.rebroadcastClose(ctx, state, "cooperative close")

	case state.IsPending:
		initial = &AwaitingConfirmation{
			lc:          lc,
			remoteReady: state.RemoteNextRevocation != nil,
		}
		watch = registerConf(lc)

		if state.IsInitiator && state.FundingTxn != nil {
			rebroadc = func() {
				err := m.cfg.Daemon.BroadcastTransaction(
					ctx, state.FundingTxn, "funding",
				)
				if err != nil {
					log.Warnf("ChannelPoint(%v): unable to "+
						"rebroadcast funding tx: %v",
						state.FundingOutpoint, err)
				}
			}
		}

	case state.HasChanStatus(channeldb.ChanStatusShutdownSent):
		initial = NewShutdownInitiated(lc)
		opened = true

	case state.RemoteNextRevocation == nil:
		initial = &AwaitingConfirmation{lc: lc, confirmed: true}

	default:
		initial = NewNormal(lc)
		opened = true
	}

	_, err = m.spawn(
		ctx, state.IdentityPub, state.ChanID(), state.IsInitiator,
		false, initial, fn.Some(watch),
	)
	if err != nil {
		return err
	}

	rebroadc()

	if opened && m.cfg.Observer != nil {
		m.cfg.Observer.ChannelOpened(lc)
	}

	log.Debugf("ChannelPoint(%v): restored in state %v",
		state.FundingOutpoint, initial)

	return nil
}

// rebroadcastClose returns a function publishing the closing transaction
// recorded for state again.
func (m *Manager) rebroadcastClose(ctx context.Context,
	state *channeldb.OpenChannel, label string) func() {

	return func() {
		closeTx, err := state.BroadcastedCloseTx()
		if err != nil {
			log.Warnf("ChannelPoint(%v): no close tx: %v",
				state.FundingOutpoint, err)
			return
		}

		err = m.cfg.Daemon.BroadcastTransaction(ctx, closeTx, label)
		if err != nil {
			log.Warnf("ChannelPoint(%v): unable to rebroadcast %v: "+
				"%v", state.FundingOutpoint, label, err)
		}
	}
}

// spawn creates, registers and starts the actor of a channel.
func (m *Manager) spawn(ctx context.Context, peer *btcec.PublicKey,
	pendingID [32]byte, initiator, connected bool, initial ChannelState,
	initEvent fn.Option[protofsm.DaemonEvent]) (*channelHandle, error) {

	h := &channelHandle{
		id:        fmt.Sprintf("channel-%x", pendingID[:]),
		peer:      peer,
		pendingID: pendingID,
	}

	env := &Environment{
		name:           fmt.Sprintf("chan-%x", pendingID[:6]),
		PeerPub:        peer,
		KeyRing:        m.cfg.KeyRing,
		ChainHash:      m.cfg.ChainHash,
		BestHeight:     m.cfg.BestHeight,
		DeliveryScript: m.cfg.DeliveryScript,
		Arbiter:        m.cfg.Arbiter,
		Observer:       m.cfg.Observer,
		ChannelOpts:    m.cfg.ChannelOpts,
		OnChanID:       m.registerChanID,
	}

	behavior := newChannelActor(actorConfig{
		pendingID:     pendingID,
		peer:          peer,
		initiator:     initiator,
		connected:     connected,
		clock:         m.cfg.Clock,
		peerTimeout:   m.cfg.PeerTimeout,
		onStateChange: m.cfg.OnStateChange,
		onTerminal: func(*ChannelActor) {
			m.remove(h)
		},
	}, env, m.cfg.Daemon, initial, initEvent)

	h.ref = channelKey.Spawn(m.cfg.System, h.id, behavior)

	if err := behavior.start(ctx, h.ref); err != nil {
		channelKey.Unregister(m.cfg.System, h.ref)
		return nil, err
	}

	// Only a started actor is reachable.
	m.mu.Lock()
	m.handles[h.id] = h
	m.byID[pendingID] = h
	if holder, ok := initial.(channelHolder); ok {
		m.byID[holder.channel().ChanID()] = h
	}
	m.mu.Unlock()

	return h, nil
}

// registerChanID indexes the channel of pendingID under its final id.
func (m *Manager) registerChanID(pendingID [32]byte, chanID lnwire.ChannelID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.byID[pendingID]; ok {
		m.byID[chanID] = h
	}
}

// remove forgets a channel and stops its actor.
func (m *Manager) remove(h *channelHandle) {
	m.mu.Lock()
	delete(m.handles, h.id)
	for id, other := range m.byID {
		if other == h {
			delete(m.byID, id)
		}
	}
	m.mu.Unlock()

	channelKey.Unregister(m.cfg.System, h.ref)
}

func (m *Manager) lookup(chanID lnwire.ChannelID) (*channelHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.byID[chanID]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownChannel, chanID)
	}

	return h, nil
}

func (m *Manager) peerHandles(peer *btcec.PublicKey) []*channelHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var handles []*channelHandle
	for _, h := range m.handles {
		if h.peer.IsEqual(peer) {
			handles = append(handles, h)
		}
	}

	return handles
}

// ask sends an event to a channel and waits for the reply.
func (m *Manager) ask(ctx context.Context, h *channelHandle,
	msg *ChannelMsg) (*ChannelInfo, error) {

	return h.ref.Ask(ctx, msg).Await(ctx).Unpack()
}

// OpenChannel starts the funding of a channel with peer. It returns once
// open_channel was sent.
func (m *Manager) OpenChannel(ctx context.Context, peer *btcec.PublicKey,
	capacity btcutil.Amount, push lnwire.MilliSatoshi) (*ChannelInfo,
	error) {

	if m.cfg.IsOnline != nil && !m.cfg.IsOnline(peer) {
		return nil, ErrPeerOffline
	}

	feePerKw, err := m.cfg.FeeEstimator.EstimateFeePerKW(m.cfg.ConfTarget)
	if err != nil {
		return nil, err
	}
	if feePerKw < chainfee.FeePerKwFloor {
		feePerKw = chainfee.FeePerKwFloor
	}

	err = lnwallet.ValidateOpenParams(&m.cfg.Policy, capacity, push, feePerKw)
	if err != nil {
		return nil, err
	}

	var pendingID [32]byte
	if _, err := rand.Read(pendingID[:]); err != nil {
		return nil, err
	}

	res, err := lnwallet.NewChannelReservation(
		m.reservationConfig(), lnwallet.ReservationParams{
			PendingChanID:   pendingID,
			NodeID:          peer,
			Initiator:       true,
			Capacity:        capacity,
			PushMSat:        push,
			CommitFeePerKw:  feePerKw,
			FundingFeePerKw: feePerKw,
			MinConfs:        1,
			ChangeScript:    m.cfg.ChangeScript,
		},
	)
	if err != nil {
		return nil, err
	}

	log.Infof("Opening channel of %v with %x, pending id %x", capacity,
		peer.SerializeCompressed(), pendingID[:])

	h, err := m.spawn(
		ctx, peer, pendingID, true, true, NewNegotiating(res),
		fn.None[protofsm.DaemonEvent](),
	)
	if err != nil {
		if cancelErr := res.Cancel(); cancelErr != nil {
			log.Errorf("Unable to cancel reservation: %v", cancelErr)
		}

		return nil, err
	}

	return m.ask(ctx, h, &ChannelMsg{Event: &InitiateOpen{}})
}

// HandleMessage routes a channel message received from peer to its
// channel. An open_channel creates a new channel if its parameters are
// acceptable.
func (m *Manager) HandleMessage(ctx context.Context, peer *btcec.PublicKey,
	msg lnwire.Message) error {

	if open, ok := msg.(*lnwire.OpenChannel); ok {
		return m.handleOpen(ctx, peer, open)
	}

	chanID, ok := messageChanID(msg)
	if !ok {
		return fmt.Errorf("not a channel message: %v", msg.MsgType())
	}

	h, err := m.lookup(chanID)
	if err != nil || !h.peer.IsEqual(peer) {
		// Errors about channels we don't know are dropped so two
		// nodes never bounce them.
		if _, isErr := msg.(*lnwire.Error); isErr {
			return nil
		}

		return lnwire.NewProtocolError(
			lnwire.CodeUnknownChannel, chanID, "%v for unknown "+
				"channel", msg.MsgType(),
		)
	}

	h.ref.Tell(ctx, &ChannelMsg{Wire: msg})

	return nil
}

// handleOpen checks the parameters of a remote open_channel and starts
// the acceptor side of the funding flow.
func (m *Manager) handleOpen(ctx context.Context, peer *btcec.PublicKey,
	msg *lnwire.OpenChannel) error {

	pendingID := lnwire.ChannelID(msg.PendingChannelID)
	reject := func(err error) error {
		log.Infof("Rejecting channel %x from %x: %v", pendingID[:4],
			peer.SerializeCompressed(), err)

		return m.cfg.Daemon.SendMessages(
			ctx, *peer, []lnwire.Message{wireError(pendingID, err)},
		)
	}

	if msg.ChainHash != m.cfg.ChainHash {
		return reject(fmt.Errorf("unknown chain %v", msg.ChainHash))
	}

	if _, err := m.lookup(pendingID); err == nil {
		return reject(errors.New("pending channel id in use"))
	}

	feePerKw := chainfee.SatPerKWeight(msg.FeePerKiloWeight)
	err := lnwallet.ValidateOpenParams(
		&m.cfg.Policy, msg.FundingAmount, msg.PushAmount, feePerKw,
	)
	if err != nil {
		return reject(err)
	}

	res, err := lnwallet.NewChannelReservation(
		m.reservationConfig(), lnwallet.ReservationParams{
			PendingChanID:  msg.PendingChannelID,
			NodeID:         peer,
			Capacity:       msg.FundingAmount,
			PushMSat:       msg.PushAmount,
			CommitFeePerKw: feePerKw,
		},
	)
	if err != nil {
		return reject(err)
	}

	h, err := m.spawn(
		ctx, peer, msg.PendingChannelID, false, true,
		NewNegotiating(res), fn.None[protofsm.DaemonEvent](),
	)
	if err != nil {
		if cancelErr := res.Cancel(); cancelErr != nil {
			log.Errorf("Unable to cancel reservation: %v", cancelErr)
		}

		return err
	}

	h.ref.Tell(ctx, &ChannelMsg{Wire: msg})

	return nil
}

// PeerConnected tells every channel with peer that a session exists. It
// must be called before messages of the session are handled, so each
// channel sends its reestablish first.
func (m *Manager) PeerConnected(ctx context.Context, peer *btcec.PublicKey) {
	for _, h := range m.peerHandles(peer) {
		h.ref.Tell(ctx, &ChannelMsg{Event: &PeerConnected{}})
	}
}

// PeerDisconnected tells every channel with peer that the session is gone.
func (m *Manager) PeerDisconnected(ctx context.Context,
	peer *btcec.PublicKey) {

	for _, h := range m.peerHandles(peer) {
		h.ref.Tell(ctx, &ChannelMsg{Event: &PeerDisconnected{}})
	}
}

// AddHTLC offers htlc on the channel and returns its index.
func (m *Manager) AddHTLC(ctx context.Context, chanID lnwire.ChannelID,
	htlc *lnwire.UpdateAddHTLC) (uint64, error) {

	h, err := m.lookup(chanID)
	if err != nil {
		return 0, err
	}

	_, err = m.ask(ctx, h, &ChannelMsg{Event: &AddHtlcRequest{Htlc: htlc}})
	if err != nil {
		return 0, err
	}

	return htlc.ID, nil
}

// FulfillHTLC settles the incoming HTLC with the given index.
func (m *Manager) FulfillHTLC(ctx context.Context, chanID lnwire.ChannelID,
	index uint64, preimage lntypes.Preimage) error {

	h, err := m.lookup(chanID)
	if err != nil {
		return err
	}

	_, err = m.ask(ctx, h, &ChannelMsg{Event: &FulfillHtlcRequest{
		Index:    index,
		Preimage: preimage,
	}})

	return err
}

// FailHTLC fails the incoming HTLC with the given index.
func (m *Manager) FailHTLC(ctx context.Context, chanID lnwire.ChannelID,
	index uint64, reason []byte) error {

	h, err := m.lookup(chanID)
	if err != nil {
		return err
	}

	_, err = m.ask(ctx, h, &ChannelMsg{Event: &FailHtlcRequest{
		Index:  index,
		Reason: reason,
	}})

	return err
}

// CloseChannel starts a cooperative close, or broadcasts our commitment if
// force is set. deliveryScript is optional.
func (m *Manager) CloseChannel(ctx context.Context, chanID lnwire.ChannelID,
	force bool, deliveryScript lnwire.DeliveryAddress) (*ChannelInfo,
	error) {

	h, err := m.lookup(chanID)
	if err != nil {
		return nil, err
	}

	var event ChannelEvent = &ShutdownRequest{
		DeliveryScript: deliveryScript,
	}
	if force {
		event = &ForceCloseRequest{}
	}

	return m.ask(ctx, h, &ChannelMsg{Event: event})
}

// Channel returns the current view of a channel.
func (m *Manager) Channel(ctx context.Context,
	chanID lnwire.ChannelID) (*ChannelInfo, error) {

	h, err := m.lookup(chanID)
	if err != nil {
		return nil, err
	}

	return m.ask(ctx, h, &ChannelMsg{})
}

// Channels returns the view of every channel that isn't closed yet.
func (m *Manager) Channels(ctx context.Context) ([]*ChannelInfo, error) {
	m.mu.RLock()
	handles := make([]*channelHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	infos := make([]*ChannelInfo, 0, len(handles))
	for _, h := range handles {
		info, err := m.ask(ctx, h, &ChannelMsg{})
		if errors.Is(err, actor.ErrActorTerminated) {
			continue
		}
		if err != nil {
			return nil, err
		}

		infos = append(infos, info)
	}

	return infos, nil
}
