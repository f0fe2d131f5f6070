package chanfsm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Normal is the state of an open channel that forwards HTLCs.
type Normal struct {
	lc *lnwallet.LightningChannel
}

// NewNormal returns the state of an open channel restored from disk.
func NewNormal(lc *lnwallet.LightningChannel) *Normal {
	return &Normal{lc: lc}
}

// String returns the name of the state.
func (n *Normal) String() string {
	return "Normal"
}

// IsTerminal returns false.
func (n *Normal) IsTerminal() bool {
	return false
}

func (n *Normal) channel() *lnwallet.LightningChannel {
	return n.lc
}

// ProcessEvent handles HTLC updates, the commitment dance and the start of
// a close.
func (n *Normal) ProcessEvent(event ChannelEvent,
	env *Environment) (*ChannelTransition, error) {

	lc := n.lc

	switch ev := event.(type) {
	case *AddHtlcRequest:
		htlc := ev.Htlc
		htlc.ChanID = lc.ChanID()

		index, err := lc.AddHTLC(htlc, env.bestHeight())
		if err != nil {
			return nil, err
		}
		htlc.ID = index

		return transition(
			n, []ChannelEvent{&SignCommitment{}}, env.sendMsgs(htlc),
		)

	case *UpdateAddReceived:
		if _, err := lc.ReceiveHTLC(ev.Msg, env.bestHeight()); err != nil {
			return failChannel(lc, env, err, false)
		}

		return stay(n, env)

	case *ShutdownRequest:
		script := ev.DeliveryScript
		if len(script) == 0 {
			var err error
			script, err = env.DeliveryScript()
			if err != nil {
				return nil, err
			}
		}

		if err := lc.State().MarkShutdown(script, nil, true); err != nil {
			return nil, err
		}
		shutdown, err := shutdownMsg(lc, script)
		if err != nil {
			return nil, err
		}

		log.Infof("ChannelPoint(%v): starting cooperative close",
			lc.ChannelPoint())

		return transition(&ShutdownInitiated{
			lc:             lc,
			localScript:    script,
			localInitiated: true,
		}, nil, env.sendMsgs(shutdown))

	case *ShutdownReceived:
		if ev.Msg.Nonce == nil {
			return failChannel(lc, env, lnwire.NewProtocolError(
				lnwire.CodeInvalidNonce, lc.ChanID(),
				"shutdown without closing nonce",
			), false)
		}

		script, err := env.DeliveryScript()
		if err != nil {
			return nil, err
		}
		err = lc.State().MarkShutdown(script, ev.Msg.Address, false)
		if err != nil {
			return nil, err
		}
		shutdown, err := shutdownMsg(lc, script)
		if err != nil {
			return nil, err
		}
		lc.SetRemoteCloseNonce(lnwire.Musig2Nonce(*ev.Msg.Nonce))

		log.Infof("ChannelPoint(%v): peer started cooperative close",
			lc.ChannelPoint())

		return transition(&ShutdownInitiated{
			lc:             lc,
			localScript:    script,
			remoteScript:   ev.Msg.Address,
			remoteShutdown: true,
		}, []ChannelEvent{&tryCoopClose{}}, env.sendMsgs(shutdown))

	default:
		return handleUpdate(n, lc, env, event)
	}
}

// handleUpdate processes the events shared by the states of an open
// channel: settles and fails, the commitment dance, reconnects and the
// on-chain close paths.
func handleUpdate(s ChannelState, lc *lnwallet.LightningChannel,
	env *Environment, event ChannelEvent) (*ChannelTransition, error) {

	chanID := lc.ChanID()

	switch ev := event.(type) {
	case *FulfillHtlcRequest:
		if err := lc.SettleHTLC(ev.Preimage, ev.Index); err != nil {
			return nil, err
		}

		return transition(
			s, []ChannelEvent{&SignCommitment{}},
			env.sendMsgs(&lnwire.UpdateFulfillHTLC{
				ChanID:          chanID,
				ID:              ev.Index,
				PaymentPreimage: ev.Preimage,
			}),
		)

	case *FailHtlcRequest:
		if err := lc.FailHTLC(ev.Index, ev.Reason); err != nil {
			return nil, err
		}

		return transition(
			s, []ChannelEvent{&SignCommitment{}},
			env.sendMsgs(&lnwire.UpdateFailHTLC{
				ChanID: chanID,
				ID:     ev.Index,
				Reason: lnwire.OpaqueReason(ev.Reason),
			}),
		)

	case *SignCommitment:
		if !lc.OweCommitment() || lc.AwaitingRevocation() {
			return stay(s, env)
		}

		sig, err := lc.SignNextCommitment()
		if err != nil {
			// Without the remote nonce of this connection there is
			// nothing to sign with, the updates are covered after
			// the next reestablish.
			log.Debugf("ChannelPoint(%v): unable to sign "+
				"commitment: %v", lc.ChannelPoint(), err)

			return stay(s, env)
		}

		return stay(s, env, sig)

	case *UpdateFulfillReceived:
		err := lc.ReceiveHTLCSettle(ev.Msg.PaymentPreimage, ev.Msg.ID)
		if err != nil {
			return failChannel(lc, env, err, false)
		}
		env.htlcSettled(chanID, ev.Msg.ID, ev.Msg.PaymentPreimage)

		return stay(s, env)

	case *UpdateFailReceived:
		err := lc.ReceiveFailHTLC(ev.Msg.ID, ev.Msg.Reason)
		if err != nil {
			return failChannel(lc, env, err, false)
		}

		return stay(s, env)

	case *CommitSigReceived:
		if err := lc.ReceiveNewCommitment(ev.Msg); err != nil {
			return failChannel(lc, env, err, false)
		}
		revocation, err := lc.RevokeCurrentCommitment()
		if err != nil {
			return failChannel(lc, env, err, false)
		}

		return transition(
			s, []ChannelEvent{&SignCommitment{}},
			env.sendMsgs(revocation),
		)

	case *RevokeAndAckReceived:
		result, err := lc.ReceiveRevocation(ev.Msg)
		if err != nil {
			return failChannel(lc, env, err, false)
		}

		for _, add := range result.Adds {
			env.htlcAdded(chanID, add)
		}
		for _, fail := range result.Fails {
			env.htlcFailed(chanID, fail.ParentIndex, fail.FailReason)
		}

		return transition(s, []ChannelEvent{&SignCommitment{}})

	case *ChannelReadyReceived:
		if err := lc.ReceiveChannelReady(ev.Msg); err != nil {
			return failChannel(lc, env, err, false)
		}

		return stay(s, env)

	case *PeerConnected:
		sync, err := lc.ChanSyncMsg()
		if err != nil {
			return nil, err
		}

		return stay(s, env, sync)

	case *ReestablishReceived:
		msgs, err := processReestablish(lc, ev.Msg)
		switch {
		case errors.Is(err, lnwallet.ErrDataLoss):
			return dataLoss(lc, env, false)

		case err != nil:
			return failChannel(lc, env, err, false)
		}

		if len(msgs) == 0 {
			return transition(s, []ChannelEvent{&SignCommitment{}})
		}

		return transition(
			s, []ChannelEvent{&SignCommitment{}},
			env.sendMsgs(msgs...),
		)

	case *PeerDisconnected:
		if err := lc.ResetState(); err != nil {
			return nil, err
		}

		return stay(s, env)

	case *PeerTimeout:
		if !lc.AwaitingRevocation() {
			return stay(s, env)
		}

		log.Warnf("ChannelPoint(%v): peer didn't revoke in time",
			lc.ChannelPoint())

		return forceClose(lc, env, false)

	case *ForceCloseRequest:
		return forceClose(lc, env, false)

	case *ErrorReceived:
		log.Warnf("ChannelPoint(%v): peer sent error: %v",
			lc.ChannelPoint(), ev.Msg)

		return forceClose(lc, env, false)

	case *FundingSpent:
		return resolveSpend(lc, env, ev)

	default:
		return nil, unexpected(chanID, s, event)
	}
}

// processReestablish processes the remote channel_reestablish. If ours
// wasn't produced yet on this connection it's generated first and put in
// front of the retransmissions.
func processReestablish(lc *lnwallet.LightningChannel,
	msg *lnwire.ChannelReestablish) ([]lnwire.Message, error) {

	msgs, err := lc.ProcessChanSyncMsg(msg)
	if !errors.Is(err, lnwallet.ErrChanSyncRequired) {
		return msgs, err
	}

	sync, err := lc.ChanSyncMsg()
	if err != nil {
		return nil, err
	}
	msgs, err = lc.ProcessChanSyncMsg(msg)
	if err != nil {
		return nil, err
	}

	return append([]lnwire.Message{sync}, msgs...), nil
}

// shutdownMsg starts the closing session and returns our shutdown.
func shutdownMsg(lc *lnwallet.LightningChannel,
	script lnwire.DeliveryAddress) (*lnwire.Shutdown, error) {

	nonce, err := lc.BeginCooperativeClose()
	if err != nil {
		return nil, err
	}
	shutdownNonce := lnwire.ShutdownNonce(nonce)

	return lnwire.NewShutdown(lc.ChanID(), script, &shutdownNonce), nil
}

// failChannel force closes the channel after a protocol violation of the
// peer and tells it why.
func failChannel(lc *lnwallet.LightningChannel, env *Environment,
	cause error, watchSpend bool) (*ChannelTransition, error) {

	log.Errorf("ChannelPoint(%v): failing channel: %v", lc.ChannelPoint(),
		cause)

	return forceClose(
		lc, env, watchSpend, wireError(lc.ChanID(), cause),
	)
}

// forceClose broadcasts our latest commitment. watchSpend registers the
// spend of the funding output for channels that weren't confirmed yet.
func forceClose(lc *lnwallet.LightningChannel, env *Environment,
	watchSpend bool, msgs ...lnwire.Message) (*ChannelTransition, error) {

	summary, err := lc.ForceClose(env.KeyRing)
	if err != nil {
		return nil, fmt.Errorf("unable to force close: %w", err)
	}

	events := []protofsm.DaemonEvent{&protofsm.BroadcastTxn{
		Tx:    summary.CloseTx,
		Label: "force close",
	}}
	if watchSpend {
		events = append(events, registerSpend(lc))
	}
	if len(msgs) > 0 {
		events = append(events, env.sendMsgs(msgs...))
	}

	return transition(&ForceClosing{
		lc:        lc,
		closeType: channeldb.LocalForceClose,
	}, nil, events...)
}

// dataLoss handles a reestablish proving our state is outdated. Our
// commitment must not be broadcast: we ask the peer to close and wait for
// its commitment.
func dataLoss(lc *lnwallet.LightningChannel, env *Environment,
	watchSpend bool) (*ChannelTransition, error) {

	log.Criticalf("ChannelPoint(%v): local state is outdated, waiting "+
		"for the peer to close", lc.ChannelPoint())

	errMsg := &lnwire.Error{
		ChanID: lc.ChanID(),
		Code:   lnwire.CodeSyncFailure,
		Data:   lnwire.ErrorData("local data loss, please force close"),
	}

	events := []protofsm.DaemonEvent{env.sendMsgs(errMsg)}
	if watchSpend {
		events = append(events, registerSpend(lc))
	}

	return transition(&ForceClosing{
		lc:        lc,
		closeType: channeldb.RemoteForceClose,
	}, nil, events...)
}

// resolveSpend hands a spend of the funding output to the arbiter. A
// cooperative close is archived right away, any other close waits for its
// outputs to be swept.
func resolveSpend(lc *lnwallet.LightningChannel, env *Environment,
	ev *FundingSpent) (*ChannelTransition, error) {

	state := lc.State()

	// Remote closes carry no broadcast status, the flag keeps the
	// channel out of the normal state on restart. It is written before
	// the arbiter runs, which may archive the channel at once.
	if !state.HasChanStatus(channeldb.ChanStatusCommitBroadcasted) &&
		!state.HasChanStatus(channeldb.ChanStatusBorked) {

		if err := state.ApplyChanStatus(
			channeldb.ChanStatusBorked,
		); err != nil {
			return nil, err
		}
	}

	closeType, err := env.Arbiter.ResolveContract(
		state, ev.SpendTx, ev.Height,
		func(summary *channeldb.ChannelCloseSummary) {
			env.Dispatch(&ContractResolved{Summary: summary})
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve spend %v: %w",
			ev.SpendTx.TxHash(), err)
	}

	if closeType == channeldb.CooperativeClose {
		return archiveCoopClose(lc, env, ev)
	}

	log.Infof("ChannelPoint(%v): %v confirmed at height %d, resolving",
		lc.ChannelPoint(), closeType, ev.Height)

	return transition(&ForceClosing{
		lc:        lc,
		closeType: closeType,
		resolving: true,
	}, nil)
}

// archiveCoopClose moves a cooperatively closed channel to the closed
// channel bucket.
func archiveCoopClose(lc *lnwallet.LightningChannel, env *Environment,
	ev *FundingSpent) (*ChannelTransition, error) {

	state := lc.State()

	var settled btcutil.Amount
	for _, out := range ev.SpendTx.TxOut {
		if len(state.LocalShutdownScript) > 0 &&
			bytes.Equal(out.PkScript, state.LocalShutdownScript) {

			settled = btcutil.Amount(out.Value)
		}
	}

	summary := &channeldb.ChannelCloseSummary{
		ChanPoint:      state.FundingOutpoint,
		ShortChanID:    state.ShortChannelID,
		ChainHash:      state.ChainHash,
		ClosingTXID:    ev.SpendTx.TxHash(),
		RemotePub:      state.IdentityPub,
		Capacity:       state.Capacity,
		CloseHeight:    ev.Height,
		SettledBalance: settled,
		CloseType:      channeldb.CooperativeClose,
	}
	if err := state.CloseChannel(summary); err != nil {
		return nil, err
	}

	log.Infof("ChannelPoint(%v): cooperatively closed at height %d",
		lc.ChannelPoint(), ev.Height)

	env.channelClosed(summary)

	return transition(&Closed{Summary: summary}, nil)
}

// withInternal appends internal events to a transition.
func withInternal(t *ChannelTransition, events ...ChannelEvent) {
	emitted := t.NewEvents.UnwrapOr(protofsm.EmittedEvent[ChannelEvent]{})
	emitted.InternalEvent = append(emitted.InternalEvent, events...)
	t.NewEvents = fn.Some(emitted)
}
