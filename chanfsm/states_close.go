package chanfsm

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
)

// ShutdownInitiated is the state of a channel with a cooperative close in
// progress. No new HTLCs are accepted, pending ones are still settled or
// failed. Once the channel is clean and both shutdown messages were
// exchanged the closing transaction is signed.
type ShutdownInitiated struct {
	lc *lnwallet.LightningChannel

	localScript  lnwire.DeliveryAddress
	remoteScript lnwire.DeliveryAddress

	// localInitiated is true if we sent the first shutdown.
	localInitiated bool

	// remoteShutdown is true once the peer's shutdown of the current
	// connection was received, its nonce is then known.
	remoteShutdown bool

	// earlySig is a closing_signed of the peer that arrived before our
	// side was clean.
	earlySig *lnwire.ClosingSigned
}

// NewShutdownInitiated returns the state of a restored channel that had a
// cooperative close in progress. The shutdown messages are exchanged again
// on reconnect.
func NewShutdownInitiated(lc *lnwallet.LightningChannel) *ShutdownInitiated {
	state := lc.State()

	return &ShutdownInitiated{
		lc:           lc,
		localScript:  state.LocalShutdownScript,
		remoteScript: state.RemoteShutdownScript,
		localInitiated: state.HasChanStatus(
			channeldb.ChanStatusLocalCloseInitiator,
		),
	}
}

// String returns the name of the state.
func (s *ShutdownInitiated) String() string {
	return "ShutdownInitiated"
}

// IsTerminal returns false.
func (s *ShutdownInitiated) IsTerminal() bool {
	return false
}

func (s *ShutdownInitiated) channel() *lnwallet.LightningChannel {
	return s.lc
}

// awaitingShutdown is true while we wait for the peer to answer our
// shutdown.
func (s *ShutdownInitiated) awaitingShutdown() bool {
	return !s.remoteShutdown
}

// ProcessEvent drains the pending HTLCs and starts signing once the
// channel is clean.
func (s *ShutdownInitiated) ProcessEvent(event ChannelEvent,
	env *Environment) (*ChannelTransition, error) {

	lc := s.lc

	switch ev := event.(type) {
	case *AddHtlcRequest:
		return nil, lnwallet.ErrChannelClosing

	case *UpdateAddReceived:
		return failChannel(lc, env, lnwire.NewProtocolError(
			lnwire.CodeUnexpectedMessage, lc.ChanID(),
			"update_add_htlc after shutdown",
		), false)

	case *ShutdownRequest:
		return nil, ErrCloseInProgress

	case *ShutdownReceived:
		if ev.Msg.Nonce == nil {
			return failChannel(lc, env, lnwire.NewProtocolError(
				lnwire.CodeInvalidNonce, lc.ChanID(),
				"shutdown without closing nonce",
			), false)
		}

		err := lc.State().MarkShutdown(
			s.localScript, ev.Msg.Address, s.localInitiated,
		)
		if err != nil {
			return nil, err
		}
		lc.SetRemoteCloseNonce(lnwire.Musig2Nonce(*ev.Msg.Nonce))

		next := *s
		next.remoteScript = ev.Msg.Address
		next.remoteShutdown = true

		return transition(&next, []ChannelEvent{&tryCoopClose{}})

	case *tryCoopClose:
		if !s.remoteShutdown || !lc.IsChannelClean() {
			return stay(s, env)
		}

		proposal, err := lc.CreateCloseProposal(
			s.localScript, s.remoteScript,
		)
		if err != nil {
			return nil, err
		}

		log.Infof("ChannelPoint(%v): channel clean, signing closing "+
			"transaction", lc.ChannelPoint())

		next := &ClosingSigned{
			lc:             lc,
			localScript:    s.localScript,
			remoteScript:   s.remoteScript,
			localInitiated: s.localInitiated,
		}

		var internal []ChannelEvent
		if s.earlySig != nil {
			internal = append(internal, &ClosingSignedReceived{
				Msg: s.earlySig,
			})
		}

		return transition(next, internal, env.sendMsgs(proposal))

	case *ClosingSignedReceived:
		next := *s
		next.earlySig = ev.Msg

		return transition(&next, []ChannelEvent{&tryCoopClose{}})

	case *PeerConnected:
		// Closing nonces are never reused across connections, both
		// sides send a fresh shutdown after the reestablish.
		lc.AbortCooperativeClose()

		sync, err := lc.ChanSyncMsg()
		if err != nil {
			return nil, err
		}
		shutdown, err := shutdownMsg(lc, s.localScript)
		if err != nil {
			return nil, err
		}

		next := *s
		next.remoteShutdown = false
		next.earlySig = nil

		return transition(&next, nil, env.sendMsgs(sync, shutdown))

	case *PeerTimeout:
		if !lc.AwaitingRevocation() && !s.awaitingShutdown() {
			return stay(s, env)
		}

		log.Warnf("ChannelPoint(%v): peer stalled cooperative close",
			lc.ChannelPoint())

		return forceClose(lc, env, false)

	case *UpdateFulfillReceived, *UpdateFailReceived,
		*RevokeAndAckReceived, *CommitSigReceived:

		t, err := handleUpdate(s, lc, env, event)
		if err != nil {
			return nil, err
		}
		if _, ok := t.NextState.(*ShutdownInitiated); ok {
			withInternal(t, &tryCoopClose{})
		}

		return t, nil

	default:
		return handleUpdate(s, lc, env, event)
	}
}

// ClosingSigned is the state of a channel whose closing transaction was
// signed by us. The peer's signature completes it for broadcast.
type ClosingSigned struct {
	lc *lnwallet.LightningChannel

	localScript    lnwire.DeliveryAddress
	remoteScript   lnwire.DeliveryAddress
	localInitiated bool

	// closeTx is the fully signed closing transaction, nil until the
	// peer's signature arrived.
	closeTx *wire.MsgTx
}

// NewClosingSigned returns the state of a restored channel whose closing
// transaction was broadcast.
func NewClosingSigned(lc *lnwallet.LightningChannel,
	closeTx *wire.MsgTx) *ClosingSigned {

	state := lc.State()

	return &ClosingSigned{
		lc:           lc,
		localScript:  state.LocalShutdownScript,
		remoteScript: state.RemoteShutdownScript,
		localInitiated: state.HasChanStatus(
			channeldb.ChanStatusLocalCloseInitiator,
		),
		closeTx: closeTx,
	}
}

// String returns the name of the state.
func (c *ClosingSigned) String() string {
	return "ClosingSigned"
}

// IsTerminal returns false.
func (c *ClosingSigned) IsTerminal() bool {
	return false
}

func (c *ClosingSigned) channel() *lnwallet.LightningChannel {
	return c.lc
}

// ProcessEvent completes the closing transaction and waits for it to
// confirm.
func (c *ClosingSigned) ProcessEvent(event ChannelEvent,
	env *Environment) (*ChannelTransition, error) {

	lc := c.lc

	switch ev := event.(type) {
	case *ClosingSignedReceived:
		if c.closeTx != nil {
			return stay(c, env)
		}

		closeTx, err := lc.CompleteCooperativeClose(
			c.localScript, c.remoteScript, ev.Msg,
		)
		if err != nil {
			return failChannel(lc, env, err, false)
		}

		err = lc.State().MarkCoopBroadcasted(closeTx, c.localInitiated)
		if err != nil {
			return nil, err
		}

		log.Infof("ChannelPoint(%v): broadcasting closing tx %v",
			lc.ChannelPoint(), closeTx.TxHash())

		next := *c
		next.closeTx = closeTx

		return transition(&next, nil, &protofsm.BroadcastTxn{
			Tx:    closeTx,
			Label: "cooperative close",
		})

	case *FundingSpent:
		if c.closeTx != nil &&
			ev.SpendTx.TxHash() == c.closeTx.TxHash() {

			return archiveCoopClose(lc, env, ev)
		}

		return resolveSpend(lc, env, ev)

	case *PeerConnected:
		sync, err := lc.ChanSyncMsg()
		if err != nil {
			return nil, err
		}
		if c.closeTx != nil {
			return stay(c, env, sync)
		}

		// The peer's signature was lost with the connection, the
		// close is negotiated again with fresh nonces.
		lc.AbortCooperativeClose()
		shutdown, err := shutdownMsg(lc, c.localScript)
		if err != nil {
			return nil, err
		}

		return transition(&ShutdownInitiated{
			lc:             lc,
			localScript:    c.localScript,
			remoteScript:   c.remoteScript,
			localInitiated: c.localInitiated,
		}, nil, env.sendMsgs(sync, shutdown))

	case *ReestablishReceived:
		msgs, err := processReestablish(lc, ev.Msg)
		if err != nil {
			log.Warnf("ChannelPoint(%v): reestablish during close: "+
				"%v", lc.ChannelPoint(), err)

			return stay(c, env)
		}

		return stay(c, env, msgs...)

	case *PeerDisconnected:
		return stay(c, env)

	case *PeerTimeout:
		if c.closeTx != nil {
			return stay(c, env)
		}

		log.Warnf("ChannelPoint(%v): peer didn't sign closing tx in "+
			"time", lc.ChannelPoint())

		return forceClose(lc, env, false)

	case *ForceCloseRequest:
		return forceClose(lc, env, false)

	case *ErrorReceived:
		log.Warnf("ChannelPoint(%v): peer sent error: %v",
			lc.ChannelPoint(), ev.Msg)

		if c.closeTx != nil {
			return stay(c, env)
		}

		return forceClose(lc, env, false)

	case *AddHtlcRequest, *FulfillHtlcRequest, *FailHtlcRequest:
		return nil, lnwallet.ErrChannelClosing

	case *ShutdownRequest:
		return nil, ErrCloseInProgress

	case *ShutdownReceived, *tryCoopClose:
		return stay(c, env)

	default:
		return nil, unexpected(lc.ChanID(), c, event)
	}
}

// ForceClosing is the state of a channel closed by a commitment
// transaction. It waits for the commitment to confirm and for the arbiter
// to sweep every output we own.
type ForceClosing struct {
	lc *lnwallet.LightningChannel

	closeType channeldb.ClosureType

	// resolving is set once the arbiter took over the spend.
	resolving bool
}

// NewForceClosing returns the state of a restored channel whose
// commitment was broadcast.
func NewForceClosing(lc *lnwallet.LightningChannel) *ForceClosing {
	closeType := channeldb.LocalForceClose
	if lc.State().HasChanStatus(channeldb.ChanStatusLocalDataLoss) {
		closeType = channeldb.RemoteForceClose
	}

	return &ForceClosing{lc: lc, closeType: closeType}
}

// String returns the name of the state.
func (f *ForceClosing) String() string {
	return "ForceClosing"
}

// IsTerminal returns false.
func (f *ForceClosing) IsTerminal() bool {
	return false
}

func (f *ForceClosing) channel() *lnwallet.LightningChannel {
	return f.lc
}

// ProcessEvent waits for the resolution of the channel. Channel messages
// are ignored.
func (f *ForceClosing) ProcessEvent(event ChannelEvent,
	env *Environment) (*ChannelTransition, error) {

	switch ev := event.(type) {
	case *FundingSpent:
		if f.resolving {
			return stay(f, env)
		}

		return resolveSpend(f.lc, env, ev)

	case *ContractResolved:
		log.Infof("ChannelPoint(%v): %v fully resolved",
			f.lc.ChannelPoint(), f.closeType)

		env.channelClosed(ev.Summary)

		return transition(&Closed{Summary: ev.Summary}, nil)

	case *AddHtlcRequest, *FulfillHtlcRequest, *FailHtlcRequest,
		*ShutdownRequest:

		return nil, lnwallet.ErrChannelClosing

	default:
		return stay(f, env)
	}
}

// Closed is the terminal state. Summary is nil for a channel whose funding
// was aborted before anything was written.
type Closed struct {
	Summary *channeldb.ChannelCloseSummary
	Reason  error
}

// String returns the name of the state.
func (c *Closed) String() string {
	return "Closed"
}

// IsTerminal returns true.
func (c *Closed) IsTerminal() bool {
	return true
}

// ProcessEvent ignores every event.
func (c *Closed) ProcessEvent(_ ChannelEvent,
	_ *Environment) (*ChannelTransition, error) {

	return stay(c, nil)
}

var (
	_ ChannelState = (*Negotiating)(nil)
	_ ChannelState = (*FundingSigned)(nil)
	_ ChannelState = (*AwaitingConfirmation)(nil)
	_ ChannelState = (*Normal)(nil)
	_ ChannelState = (*ShutdownInitiated)(nil)
	_ ChannelState = (*ClosingSigned)(nil)
	_ ChannelState = (*ForceClosing)(nil)
	_ ChannelState = (*Closed)(nil)
)
