package chanfsm

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/actor"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ChannelMsg is the message type of a channel actor. Exactly one of Event
// and Wire is set; a message with neither only queries the channel.
type ChannelMsg struct {
	actor.BaseMessage

	// Event is a local request or chain event.
	Event ChannelEvent

	// Wire is a message received from the channel peer.
	Wire lnwire.Message

	// timerGen tags PeerTimeout events with the timer that produced them.
	timerGen uint64
}

// MessageType returns the name of the message.
func (m *ChannelMsg) MessageType() string {
	switch {
	case m.Wire != nil:
		return fmt.Sprintf("ChannelMsg(%v)", m.Wire.MsgType())
	case m.Event != nil:
		return fmt.Sprintf("ChannelMsg(%v)", eventName(m.Event))
	default:
		return "ChannelMsg(query)"
	}
}

// ChannelInfo is the reply of a channel actor: a view of the channel after
// the message was processed.
type ChannelInfo struct {
	// PendingID is the temporary id used during funding.
	PendingID [32]byte

	// ChanID is zero until the funding outpoint is known.
	ChanID lnwire.ChannelID

	ShortChanID lnwire.ShortChannelID

	Peer *btcec.PublicKey

	// State is the name of the current state.
	State string

	// Snapshot is nil until commitment zero was signed.
	Snapshot *lnwallet.ChannelSnapshot

	// CloseSummary is set once the channel is closed.
	CloseSummary *channeldb.ChannelCloseSummary

	// Initiator is true if we funded the channel.
	Initiator bool
}

// channelHolder is implemented by every state that has a channel.
type channelHolder interface {
	channel() *lnwallet.LightningChannel
}

// actorConfig holds what a ChannelActor needs besides its state machine.
type actorConfig struct {
	pendingID [32]byte
	peer      *btcec.PublicKey
	initiator bool

	// connected is true if the actor starts with a live session.
	connected bool

	clock       clock.Clock
	peerTimeout time.Duration

	// onTerminal is called from the actor goroutine once the channel
	// reached its terminal state.
	onTerminal func(*ChannelActor)

	// onStateChange is optional.
	onStateChange func(from, to string)
}

// ChannelActor owns the state machine of one channel. Every local request,
// wire message and chain event of the channel goes through its mailbox, so
// the machine processes them one at a time.
type ChannelActor struct {
	cfg actorConfig
	fsm *protofsm.StateMachine[ChannelEvent, *Environment]

	self actor.TellOnlyRef[*ChannelMsg]

	chanID    lnwire.ChannelID
	connected bool

	// timerGen identifies the armed reply timer, zero if none is armed.
	timerGen uint64
	nextGen  uint64
	done     bool
	quit     chan struct{}
}

// newChannelActor creates the actor of a channel in the given state. The
// returned actor must be spawned and then started.
func newChannelActor(cfg actorConfig, env *Environment,
	daemon protofsm.DaemonAdapters, initial ChannelState,
	initEvent fn.Option[protofsm.DaemonEvent]) *ChannelActor {

	c := &ChannelActor{
		cfg:       cfg,
		connected: cfg.connected,
		quit:      make(chan struct{}),
	}

	if holder, ok := initial.(channelHolder); ok {
		c.chanID = holder.channel().ChanID()
	}

	env.Dispatch = c.dispatch
	c.fsm = protofsm.NewStateMachine(
		protofsm.StateMachineCfg[ChannelEvent, *Environment]{
			ErrorReporter: c,
			Daemon:        daemon,
			InitialState:  initial,
			Env:           env,
			InitEvent:     initEvent,
			MsgMapper: fn.Some[protofsm.MsgMapper[ChannelEvent]](
				msgMapper{},
			),
			Dispatch: c.dispatch,
			OnStateChange: func(from, to ChannelState) {
				if c.cfg.onStateChange != nil &&
					from.String() != to.String() {

					c.cfg.onStateChange(
						from.String(), to.String(),
					)
				}
			},
		},
	)

	return c
}

// start binds the actor to its reference and runs the init event of the
// state machine.
func (c *ChannelActor) start(ctx context.Context,
	self actor.TellOnlyRef[*ChannelMsg]) error {

	c.self = self

	return c.fsm.Start(ctx)
}

// dispatch delivers an event through the mailbox.
func (c *ChannelActor) dispatch(event ChannelEvent) {
	c.self.Tell(context.Background(), &ChannelMsg{Event: event})
}

// ReportError logs failed transitions.
func (c *ChannelActor) ReportError(err error) {
	log.Debugf("Channel(%x): %v", c.cfg.pendingID[:4], err)
}

// Receive processes one channel message and replies with the channel view.
func (c *ChannelActor) Receive(ctx context.Context,
	msg *ChannelMsg) fn.Result[*ChannelInfo] {

	if c.done {
		return fn.Ok(c.info())
	}

	var err error
	switch {
	case msg.Wire != nil:
		var handled bool
		handled, err = c.fsm.SendMessage(ctx, msg.Wire)
		if err == nil && !handled {
			err = fmt.Errorf("unhandled message %v", msg.Wire.MsgType())
		}

	case msg.Event != nil:
		switch msg.Event.(type) {
		case *PeerTimeout:
			if msg.timerGen != c.timerGen {
				return fn.Ok(c.info())
			}
			c.timerGen = 0

		case *PeerConnected:
			c.connected = true

		case *PeerDisconnected:
			c.connected = false
		}

		err = c.fsm.SendEvent(ctx, msg.Event)
	}

	c.updateTimer(msg.Wire != nil)

	if c.fsm.CurrentState().IsTerminal() {
		c.done = true
		c.stopTimer()

		if c.cfg.onTerminal != nil {
			c.cfg.onTerminal(c)
		}
	}

	if err != nil {
		return fn.Err[*ChannelInfo](err)
	}

	return fn.Ok(c.info())
}

// awaitingReply returns true if the current state waits for a message of
// the peer that must arrive within the peer timeout.
func (c *ChannelActor) awaitingReply() bool {
	switch s := c.fsm.CurrentState().(type) {
	case *Negotiating:
		return true

	case *Normal:
		return s.lc.AwaitingRevocation()

	case *ShutdownInitiated:
		return s.lc.AwaitingRevocation() || s.awaitingShutdown()

	case *ClosingSigned:
		return s.closeTx == nil

	default:
		return false
	}
}

// updateTimer arms the reply timer when a reply is due and disarms it when
// not. A message of the peer restarts an armed timer.
func (c *ChannelActor) updateTimer(fromPeer bool) {
	if c.cfg.peerTimeout == 0 || c.cfg.clock == nil {
		return
	}

	if !c.connected || !c.awaitingReply() {
		c.stopTimer()
		return
	}

	if c.timerGen != 0 && !fromPeer {
		return
	}

	c.nextGen++
	gen := c.nextGen
	c.timerGen = gen

	tick := c.cfg.clock.TickAfter(c.cfg.peerTimeout)
	go func() {
		select {
		case <-tick:
			c.self.Tell(context.Background(), &ChannelMsg{
				Event:    &PeerTimeout{},
				timerGen: gen,
			})

		case <-c.quit:
		}
	}()
}

func (c *ChannelActor) stopTimer() {
	c.timerGen = 0
}

// info returns the current view of the channel.
func (c *ChannelActor) info() *ChannelInfo {
	state := c.fsm.CurrentState()

	info := &ChannelInfo{
		PendingID: c.cfg.pendingID,
		ChanID:    c.chanID,
		Peer:      c.cfg.peer,
		State:     state.String(),
		Initiator: c.cfg.initiator,
	}

	switch s := state.(type) {
	case channelHolder:
		lc := s.channel()
		c.chanID = lc.ChanID()
		info.ChanID = c.chanID
		info.ShortChanID = lc.ShortChanID()
		info.Snapshot = lc.StateSnapshot()

	case *Closed:
		info.CloseSummary = s.Summary
		if s.Summary != nil {
			info.ShortChanID = s.Summary.ShortChanID
		}
	}

	return info
}

// OnStop stops the state machine and its chain watchers.
func (c *ChannelActor) OnStop(_ context.Context) error {
	close(c.quit)
	c.fsm.Stop()

	return nil
}

var (
	_ actor.ActorBehavior[*ChannelMsg, *ChannelInfo] = (*ChannelActor)(nil)
	_ actor.Stoppable                                = (*ChannelActor)(nil)
)
