package chanfsm

import (
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// msgMapper maps the channel messages of the wire protocol into channel
// events.
type msgMapper struct{}

// MapMsg returns the event of msg, None for messages that don't belong to a
// channel.
func (msgMapper) MapMsg(msg lnwire.Message) fn.Option[ChannelEvent] {
	var event ChannelEvent

	switch m := msg.(type) {
	case *lnwire.OpenChannel:
		event = &OpenChannelReceived{Msg: m}
	case *lnwire.AcceptChannel:
		event = &AcceptChannelReceived{Msg: m}
	case *lnwire.FundingCreated:
		event = &FundingCreatedReceived{Msg: m}
	case *lnwire.FundingSigned:
		event = &FundingSignedReceived{Msg: m}
	case *lnwire.ChannelReady:
		event = &ChannelReadyReceived{Msg: m}
	case *lnwire.UpdateAddHTLC:
		event = &UpdateAddReceived{Msg: m}
	case *lnwire.UpdateFulfillHTLC:
		event = &UpdateFulfillReceived{Msg: m}
	case *lnwire.UpdateFailHTLC:
		event = &UpdateFailReceived{Msg: m}
	case *lnwire.CommitSig:
		event = &CommitSigReceived{Msg: m}
	case *lnwire.RevokeAndAck:
		event = &RevokeAndAckReceived{Msg: m}
	case *lnwire.ChannelReestablish:
		event = &ReestablishReceived{Msg: m}
	case *lnwire.Shutdown:
		event = &ShutdownReceived{Msg: m}
	case *lnwire.ClosingSigned:
		event = &ClosingSignedReceived{Msg: m}
	case *lnwire.Error:
		event = &ErrorReceived{Msg: m}
	default:
		return fn.None[ChannelEvent]()
	}

	return fn.Some(event)
}

var _ protofsm.MsgMapper[ChannelEvent] = msgMapper{}

// messageChanID returns the id of the channel msg belongs to. Funding
// messages sent before the funding outpoint is known carry the pending
// channel id instead.
func messageChanID(msg lnwire.Message) (lnwire.ChannelID, bool) {
	switch m := msg.(type) {
	case *lnwire.OpenChannel:
		return m.PendingChannelID, true
	case *lnwire.AcceptChannel:
		return m.PendingChannelID, true
	case *lnwire.FundingCreated:
		return m.PendingChannelID, true
	case interface{ TargetChanID() lnwire.ChannelID }:
		return m.TargetChanID(), true
	default:
		return lnwire.ChannelID{}, false
	}
}
