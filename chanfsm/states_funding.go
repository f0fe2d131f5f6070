package chanfsm

import (
	"errors"
	"fmt"

	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
)

// Negotiating is the state of a channel whose parameters and commitment
// signatures are being exchanged. Nothing is on disk until funding_created
// was signed.
type Negotiating struct {
	res *lnwallet.ChannelReservation
}

// NewNegotiating returns the initial state of a channel being opened.
func NewNegotiating(res *lnwallet.ChannelReservation) *Negotiating {
	return &Negotiating{res: res}
}

// String returns the name of the state.
func (n *Negotiating) String() string {
	return "Negotiating"
}

// IsTerminal returns false.
func (n *Negotiating) IsTerminal() bool {
	return false
}

func (n *Negotiating) pendingID() lnwire.ChannelID {
	return lnwire.ChannelID(n.res.PendingChanID())
}

// ProcessEvent drives the funding flow up to commitment zero.
func (n *Negotiating) ProcessEvent(event ChannelEvent,
	env *Environment) (*ChannelTransition, error) {

	res := n.res

	switch ev := event.(type) {
	case *InitiateOpen:
		if !res.IsInitiator() {
			return nil, unexpected(n.pendingID(), n, event)
		}

		return stay(n, env, newOpenChannelMsg(res, env.ChainHash))

	case *OpenChannelReceived:
		if res.IsInitiator() {
			return nil, unexpected(n.pendingID(), n, event)
		}

		err := res.ProcessContribution(contributionFromOpen(ev.Msg))
		if err != nil {
			return n.abort(env, err, true)
		}

		return stay(n, env, newAcceptChannelMsg(res))

	case *AcceptChannelReceived:
		if !res.IsInitiator() {
			return nil, unexpected(n.pendingID(), n, event)
		}

		err := res.ProcessContribution(contributionFromAccept(ev.Msg))
		if err != nil {
			return n.abort(env, err, true)
		}

		fundingCreated, err := res.FundingCreated()
		if err != nil {
			return n.abort(env, err, true)
		}
		env.chanIDKnown(
			res.PendingChanID(),
			lnwire.NewChanIDFromOutPoint(fundingCreated.FundingPoint),
		)

		return stay(n, env, fundingCreated)

	case *FundingCreatedReceived:
		if res.IsInitiator() {
			return nil, unexpected(n.pendingID(), n, event)
		}

		fundingSigned, _, err := res.ReceiveFundingCreated(ev.Msg)
		if err != nil {
			return n.abort(env, err, true)
		}
		lc, err := res.Channel(env.ChannelOpts...)
		if err != nil {
			return n.abort(env, err, true)
		}
		env.chanIDKnown(res.PendingChanID(), lc.ChanID())

		return transition(
			&FundingSigned{lc: lc, res: res},
			[]ChannelEvent{&fundingPersisted{}},
			env.sendMsgs(fundingSigned),
		)

	case *FundingSignedReceived:
		if !res.IsInitiator() {
			return nil, unexpected(n.pendingID(), n, event)
		}

		if _, err := res.CompleteFundingSigned(ev.Msg); err != nil {
			return n.abort(env, err, true)
		}
		lc, err := res.Channel(env.ChannelOpts...)
		if err != nil {
			return nil, err
		}

		return transition(
			&FundingSigned{lc: lc, res: res},
			[]ChannelEvent{&fundingPersisted{}},
		)

	case *PeerTimeout:
		return n.abort(env, errors.New("peer timed out"), true)

	case *PeerDisconnected:
		return n.abort(env, ErrPeerOffline, false)

	case *ErrorReceived:
		return n.abort(
			env, fmt.Errorf("peer error: %w", ev.Msg), false,
		)

	case *AddHtlcRequest, *FulfillHtlcRequest, *FailHtlcRequest,
		*ShutdownRequest, *ForceCloseRequest:

		return nil, ErrChannelNotActive

	default:
		return nil, unexpected(n.pendingID(), n, event)
	}
}

// abort cancels the reservation, optionally telling the peer why.
func (n *Negotiating) abort(env *Environment, reason error,
	notify bool) (*ChannelTransition, error) {

	log.Infof("Pending channel %x: funding aborted: %v",
		n.res.PendingChanID(), reason)

	if err := n.res.Cancel(); err != nil {
		log.Errorf("Unable to cancel reservation %v: %v", n.res, err)
	}

	closed := &Closed{Reason: reason}
	if !notify {
		return transition(closed, nil)
	}

	return transition(
		closed, nil, env.sendMsgs(wireError(n.pendingID(), reason)),
	)
}

// FundingSigned is the state of a channel whose commitment zero is signed
// by both parties and written. The funding transaction is broadcast on
// entry by the initiator.
type FundingSigned struct {
	lc  *lnwallet.LightningChannel
	res *lnwallet.ChannelReservation
}

// String returns the name of the state.
func (f *FundingSigned) String() string {
	return "FundingSigned"
}

// IsTerminal returns false.
func (f *FundingSigned) IsTerminal() bool {
	return false
}

func (f *FundingSigned) channel() *lnwallet.LightningChannel {
	return f.lc
}

// ProcessEvent publishes the funding transaction and starts waiting for its
// confirmation.
func (f *FundingSigned) ProcessEvent(event ChannelEvent,
	env *Environment) (*ChannelTransition, error) {

	switch event.(type) {
	case *fundingPersisted:
		state := f.lc.State()
		if err := state.MarkFundingBroadcast(env.bestHeight()); err != nil {
			return nil, err
		}

		// The confirmation is registered first, a failed broadcast is
		// retried on restart.
		events := []protofsm.DaemonEvent{registerConf(f.lc)}
		if f.lc.IsInitiator() {
			events = append(events, &protofsm.BroadcastTxn{
				Tx:    f.res.FundingTx(),
				Label: "funding",
			})
		}

		return transition(&AwaitingConfirmation{lc: f.lc}, nil, events...)

	default:
		return nil, unexpected(f.lc.ChanID(), f, event)
	}
}

// AwaitingConfirmation is the state of a channel whose funding transaction
// waits for the required depth. The channel becomes usable once it
// confirmed and both parties exchanged channel_ready.
type AwaitingConfirmation struct {
	lc *lnwallet.LightningChannel

	confirmed   bool
	remoteReady bool
}

// String returns the name of the state.
func (a *AwaitingConfirmation) String() string {
	return "AwaitingConfirmation"
}

// IsTerminal returns false.
func (a *AwaitingConfirmation) IsTerminal() bool {
	return false
}

func (a *AwaitingConfirmation) channel() *lnwallet.LightningChannel {
	return a.lc
}

// ProcessEvent handles the funding confirmation and channel_ready.
func (a *AwaitingConfirmation) ProcessEvent(event ChannelEvent,
	env *Environment) (*ChannelTransition, error) {

	lc := a.lc

	switch ev := event.(type) {
	case *FundingConfirmed:
		if a.confirmed {
			return stay(a, env)
		}

		state := lc.State()
		scid := lnwire.ShortChannelID{
			BlockHeight: ev.Height,
			TxIndex:     ev.TxIndex,
			TxPosition:  uint16(state.FundingOutpoint.Index),
		}
		if err := state.MarkAsOpen(scid); err != nil {
			return nil, err
		}

		log.Infof("ChannelPoint(%v): funding confirmed at %v",
			lc.ChannelPoint(), scid)

		ready, err := lc.ChannelReadyMsg()
		if err != nil {
			return nil, err
		}

		events := []protofsm.DaemonEvent{
			env.sendMsgs(ready), registerSpend(lc),
		}
		if a.remoteReady {
			env.channelOpened(lc)

			return transition(&Normal{lc: lc}, nil, events...)
		}

		return transition(&AwaitingConfirmation{
			lc:        lc,
			confirmed: true,
		}, nil, events...)

	case *ChannelReadyReceived:
		if err := lc.ReceiveChannelReady(ev.Msg); err != nil {
			return nil, err
		}

		if !a.confirmed {
			return transition(&AwaitingConfirmation{
				lc:          lc,
				remoteReady: true,
			}, nil)
		}

		env.channelOpened(lc)

		return transition(&Normal{lc: lc}, nil)

	case *PeerConnected:
		sync, err := lc.ChanSyncMsg()
		if err != nil {
			return nil, err
		}
		if !a.confirmed {
			return stay(a, env, sync)
		}

		ready, err := lc.ChannelReadyMsg()
		if err != nil {
			return nil, err
		}

		return stay(a, env, sync, ready)

	case *ReestablishReceived:
		msgs, err := processReestablish(lc, ev.Msg)
		switch {
		case errors.Is(err, lnwallet.ErrDataLoss):
			return dataLoss(lc, env, !a.confirmed)

		case err != nil:
			return failChannel(lc, env, err, !a.confirmed)
		}

		return stay(a, env, msgs...)

	case *PeerDisconnected:
		if err := lc.ResetState(); err != nil {
			return nil, err
		}

		return stay(a, env)

	case *PeerTimeout:
		return stay(a, env)

	case *ForceCloseRequest:
		return forceClose(lc, env, !a.confirmed)

	case *ErrorReceived:
		log.Warnf("ChannelPoint(%v): peer sent error: %v",
			lc.ChannelPoint(), ev.Msg)

		return forceClose(lc, env, !a.confirmed)

	case *FundingSpent:
		return resolveSpend(lc, env, ev)

	case *AddHtlcRequest, *FulfillHtlcRequest, *FailHtlcRequest,
		*ShutdownRequest:

		return nil, ErrChannelNotActive

	default:
		return nil, unexpected(lc.ChanID(), a, event)
	}
}
