package chanfsm

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ChannelState is a state of the channel state machine.
type ChannelState = protofsm.State[ChannelEvent, *Environment]

// ChannelTransition is a transition of the channel state machine.
type ChannelTransition = protofsm.StateTransition[ChannelEvent, *Environment]

// ContractArbiter resolves a channel whose funding output was spent by a
// commitment transaction.
type ContractArbiter interface {
	// ResolveContract classifies spendTx and, unless it's a cooperative
	// close, starts sweeping the outputs we own. onResolved is called
	// from the arbiter's goroutine once the channel is fully resolved
	// and archived. The returned closure type tells the caller how the
	// channel was closed.
	ResolveContract(state *channeldb.OpenChannel, spendTx *wire.MsgTx,
		height uint32,
		onResolved func(*channeldb.ChannelCloseSummary)) (
		channeldb.ClosureType, error)
}

// Observer is notified about channel life cycle and HTLC events. The calls
// are made from the goroutine of the channel and must not block on it.
type Observer interface {
	// ChannelOpened is called once a channel reached its normal state.
	ChannelOpened(lc *lnwallet.LightningChannel)

	// ChannelClosed is called once a channel was archived.
	ChannelClosed(summary *channeldb.ChannelCloseSummary)

	// HtlcAdded is called for every HTLC offered to us once it's locked
	// into both commitments.
	HtlcAdded(chanID lnwire.ChannelID, htlc *lnwallet.PaymentDescriptor)

	// HtlcSettled is called when the remote party settled one of our
	// HTLCs.
	HtlcSettled(chanID lnwire.ChannelID, htlcIndex uint64,
		preimage lntypes.Preimage)

	// HtlcFailed is called when the remote party failed one of our HTLCs
	// and the fail is locked in.
	HtlcFailed(chanID lnwire.ChannelID, htlcIndex uint64, reason []byte)
}

// Environment holds the dependencies of one channel state machine.
type Environment struct {
	name string

	// PeerPub is the identity key of the channel counterparty.
	PeerPub *btcec.PublicKey

	// KeyRing is used to sign sweeps of a force close.
	KeyRing keychain.SecretKeyRing

	ChainHash chainhash.Hash

	// BestHeight returns the height of the best block we know of.
	BestHeight func() uint32

	// DeliveryScript returns a fresh script for cooperative close
	// outputs.
	DeliveryScript func() (lnwire.DeliveryAddress, error)

	Arbiter ContractArbiter

	// Observer is optional.
	Observer Observer

	// ChannelOpts are applied to a channel created by funding.
	ChannelOpts []lnwallet.ChannelOpt

	// OnChanID is called once the funding outpoint and with it the final
	// channel id is known.
	OnChanID func(pendingID [32]byte, chanID lnwire.ChannelID)

	// Dispatch hands an event to the owner of the state machine, which
	// delivers it through its mailbox.
	Dispatch func(ChannelEvent)
}

// Name returns the name of the environment.
func (e *Environment) Name() string {
	return e.name
}

var _ protofsm.Environment = (*Environment)(nil)

func (e *Environment) channelOpened(lc *lnwallet.LightningChannel) {
	if e.Observer != nil {
		e.Observer.ChannelOpened(lc)
	}
}

func (e *Environment) channelClosed(summary *channeldb.ChannelCloseSummary) {
	if e.Observer != nil && summary != nil {
		e.Observer.ChannelClosed(summary)
	}
}

func (e *Environment) htlcAdded(chanID lnwire.ChannelID,
	htlc *lnwallet.PaymentDescriptor) {

	if e.Observer != nil {
		e.Observer.HtlcAdded(chanID, htlc)
	}
}

func (e *Environment) htlcSettled(chanID lnwire.ChannelID, htlcIndex uint64,
	preimage lntypes.Preimage) {

	if e.Observer != nil {
		e.Observer.HtlcSettled(chanID, htlcIndex, preimage)
	}
}

func (e *Environment) htlcFailed(chanID lnwire.ChannelID, htlcIndex uint64,
	reason []byte) {

	if e.Observer != nil {
		e.Observer.HtlcFailed(chanID, htlcIndex, reason)
	}
}

func (e *Environment) chanIDKnown(pendingID [32]byte,
	chanID lnwire.ChannelID) {

	if e.OnChanID != nil {
		e.OnChanID(pendingID, chanID)
	}
}

func (e *Environment) bestHeight() uint32 {
	if e.BestHeight == nil {
		return 0
	}

	return e.BestHeight()
}

// sendMsgs returns a daemon event sending msgs to the channel peer.
func (e *Environment) sendMsgs(
	msgs ...lnwire.Message) *protofsm.SendMsgEvent[ChannelEvent] {

	return &protofsm.SendMsgEvent[ChannelEvent]{
		TargetPeer: *e.PeerPub,
		Msgs:       msgs,
	}
}

// registerConf returns a daemon event watching the funding output of lc
// until it has the required depth.
func registerConf(
	lc *lnwallet.LightningChannel) *protofsm.RegisterConf[ChannelEvent] {

	state := lc.State()
	numConfs := uint32(state.NumConfsRequired)
	if numConfs == 0 {
		numConfs = 1
	}

	return &protofsm.RegisterConf[ChannelEvent]{
		OutPoint:   state.FundingOutpoint,
		PkScript:   lc.FundingOutput().PkScript,
		HeightHint: state.FundingBroadcastHeight,
		NumConfs:   fn.Some(numConfs),
		OnConf: fn.Some[protofsm.ChainMapper[ChannelEvent]](
			func(ev chainntnfs.ChainEvent) ChannelEvent {
				return &FundingConfirmed{
					Height:  ev.Height,
					TxIndex: ev.TxIndex,
				}
			},
		),
	}
}

// registerSpend returns a daemon event watching for the spend of the
// funding output of lc.
func registerSpend(
	lc *lnwallet.LightningChannel) *protofsm.RegisterSpend[ChannelEvent] {

	state := lc.State()

	return &protofsm.RegisterSpend[ChannelEvent]{
		OutPoint:   state.FundingOutpoint,
		PkScript:   lc.FundingOutput().PkScript,
		HeightHint: state.FundingBroadcastHeight,
		OnSpend: fn.Some[protofsm.ChainMapper[ChannelEvent]](
			func(ev chainntnfs.ChainEvent) ChannelEvent {
				return &FundingSpent{
					SpendTx: ev.Tx,
					Height:  ev.Height,
				}
			},
		),
	}
}

// transition builds a state transition with optional internal and daemon
// events.
func transition(next ChannelState, internal []ChannelEvent,
	external ...protofsm.DaemonEvent) (*ChannelTransition, error) {

	if len(internal) == 0 && len(external) == 0 {
		return &ChannelTransition{NextState: next}, nil
	}

	return &ChannelTransition{
		NextState: next,
		NewEvents: fn.Some(protofsm.EmittedEvent[ChannelEvent]{
			InternalEvent:  internal,
			ExternalEvents: external,
		}),
	}, nil
}

// stay keeps the machine in s, sending msgs if any.
func stay(s ChannelState, env *Environment,
	msgs ...lnwire.Message) (*ChannelTransition, error) {

	if len(msgs) == 0 {
		return transition(s, nil)
	}

	return transition(s, nil, env.sendMsgs(msgs...))
}

// unexpected returns the protocol error for an event a state can't handle.
func unexpected(chanID lnwire.ChannelID, state ChannelState,
	event ChannelEvent) error {

	return lnwire.NewProtocolError(
		lnwire.CodeUnexpectedMessage, chanID, "%v in state %v",
		eventName(event), state,
	)
}
