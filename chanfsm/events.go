package chanfsm

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
)

// ChannelEvent is an event processed by a channel state. The set of events
// is sealed: only the types of this package implement it, so every state
// can switch over all of them.
type ChannelEvent interface {
	channelEventSealed()
}

// InitiateOpen starts the funding flow of a channel we fund.
type InitiateOpen struct{}

// OpenChannelReceived carries the open_channel of a remote funder.
type OpenChannelReceived struct {
	Msg *lnwire.OpenChannel
}

// AcceptChannelReceived carries the accept_channel of the acceptor.
type AcceptChannelReceived struct {
	Msg *lnwire.AcceptChannel
}

// FundingCreatedReceived carries the funder's funding_created.
type FundingCreatedReceived struct {
	Msg *lnwire.FundingCreated
}

// FundingSignedReceived carries the acceptor's funding_signed.
type FundingSignedReceived struct {
	Msg *lnwire.FundingSigned
}

// fundingPersisted is emitted once commitment zero is signed by both
// parties and written.
type fundingPersisted struct{}

// FundingConfirmed is dispatched once the funding transaction reached the
// required depth.
type FundingConfirmed struct {
	Height  uint32
	TxIndex uint32
}

// ChannelReadyReceived carries the remote channel_ready.
type ChannelReadyReceived struct {
	Msg *lnwire.ChannelReady
}

// AddHtlcRequest offers a new HTLC to the remote party. Htlc.ID is set to
// the assigned index once the event was processed.
type AddHtlcRequest struct {
	Htlc *lnwire.UpdateAddHTLC
}

// FulfillHtlcRequest settles an HTLC offered to us.
type FulfillHtlcRequest struct {
	Index    uint64
	Preimage lntypes.Preimage
}

// FailHtlcRequest fails back an HTLC offered to us.
type FailHtlcRequest struct {
	Index  uint64
	Reason []byte
}

// SignCommitment signs a new remote commitment if there are updates to
// lock in and the revocation window allows it.
type SignCommitment struct{}

// UpdateAddReceived carries an HTLC offered by the remote party.
type UpdateAddReceived struct {
	Msg *lnwire.UpdateAddHTLC
}

// UpdateFulfillReceived carries the settle of one of our HTLCs.
type UpdateFulfillReceived struct {
	Msg *lnwire.UpdateFulfillHTLC
}

// UpdateFailReceived carries the fail of one of our HTLCs.
type UpdateFailReceived struct {
	Msg *lnwire.UpdateFailHTLC
}

// CommitSigReceived carries a new signature of our commitment.
type CommitSigReceived struct {
	Msg *lnwire.CommitSig
}

// RevokeAndAckReceived carries the revocation of a remote commitment.
type RevokeAndAckReceived struct {
	Msg *lnwire.RevokeAndAck
}

// PeerConnected is sent when a session with the channel peer was
// established.
type PeerConnected struct{}

// PeerDisconnected is sent when the session with the channel peer was
// lost.
type PeerDisconnected struct{}

// ReestablishReceived carries the remote channel_reestablish.
type ReestablishReceived struct {
	Msg *lnwire.ChannelReestablish
}

// PeerTimeout is sent when the remote party didn't answer a message that
// requires a reply in time.
type PeerTimeout struct{}

// ShutdownRequest starts a cooperative close. DeliveryScript is optional,
// a fresh script is drawn if empty.
type ShutdownRequest struct {
	DeliveryScript lnwire.DeliveryAddress
}

// ShutdownReceived carries the remote shutdown.
type ShutdownReceived struct {
	Msg *lnwire.Shutdown
}

// tryCoopClose is emitted whenever a cooperative close may be able to
// proceed to closing_signed.
type tryCoopClose struct{}

// ClosingSignedReceived carries the remote signature of the closing
// transaction.
type ClosingSignedReceived struct {
	Msg *lnwire.ClosingSigned
}

// ForceCloseRequest broadcasts our latest commitment.
type ForceCloseRequest struct{}

// FundingSpent is dispatched when a transaction spending the funding output
// confirmed.
type FundingSpent struct {
	SpendTx *wire.MsgTx
	Height  uint32
}

// ContractResolved is sent once every output of a force closed channel was
// swept and the channel archived.
type ContractResolved struct {
	Summary *channeldb.ChannelCloseSummary
}

// ErrorReceived carries an error message the remote party sent for this
// channel.
type ErrorReceived struct {
	Msg *lnwire.Error
}

func (*InitiateOpen) channelEventSealed()           {}
func (*OpenChannelReceived) channelEventSealed()    {}
func (*AcceptChannelReceived) channelEventSealed()  {}
func (*FundingCreatedReceived) channelEventSealed() {}
func (*FundingSignedReceived) channelEventSealed()  {}
func (*fundingPersisted) channelEventSealed()       {}
func (*FundingConfirmed) channelEventSealed()       {}
func (*ChannelReadyReceived) channelEventSealed()   {}
func (*AddHtlcRequest) channelEventSealed()         {}
func (*FulfillHtlcRequest) channelEventSealed()     {}
func (*FailHtlcRequest) channelEventSealed()        {}
func (*SignCommitment) channelEventSealed()         {}
func (*UpdateAddReceived) channelEventSealed()      {}
func (*UpdateFulfillReceived) channelEventSealed()  {}
func (*UpdateFailReceived) channelEventSealed()     {}
func (*CommitSigReceived) channelEventSealed()      {}
func (*RevokeAndAckReceived) channelEventSealed()   {}
func (*PeerConnected) channelEventSealed()          {}
func (*PeerDisconnected) channelEventSealed()       {}
func (*ReestablishReceived) channelEventSealed()    {}
func (*PeerTimeout) channelEventSealed()            {}
func (*ShutdownRequest) channelEventSealed()        {}
func (*ShutdownReceived) channelEventSealed()       {}
func (*tryCoopClose) channelEventSealed()           {}
func (*ClosingSignedReceived) channelEventSealed()  {}
func (*ForceCloseRequest) channelEventSealed()      {}
func (*FundingSpent) channelEventSealed()           {}
func (*ContractResolved) channelEventSealed()       {}
func (*ErrorReceived) channelEventSealed()          {}

// eventName returns a short name of the event for errors and logs.
func eventName(event ChannelEvent) string {
	switch event.(type) {
	case *InitiateOpen:
		return "InitiateOpen"
	case *OpenChannelReceived:
		return "open_channel"
	case *AcceptChannelReceived:
		return "accept_channel"
	case *FundingCreatedReceived:
		return "funding_created"
	case *FundingSignedReceived:
		return "funding_signed"
	case *fundingPersisted:
		return "FundingPersisted"
	case *FundingConfirmed:
		return "FundingConfirmed"
	case *ChannelReadyReceived:
		return "channel_ready"
	case *AddHtlcRequest:
		return "AddHtlc"
	case *FulfillHtlcRequest:
		return "FulfillHtlc"
	case *FailHtlcRequest:
		return "FailHtlc"
	case *SignCommitment:
		return "SignCommitment"
	case *UpdateAddReceived:
		return "update_add_htlc"
	case *UpdateFulfillReceived:
		return "update_fulfill_htlc"
	case *UpdateFailReceived:
		return "update_fail_htlc"
	case *CommitSigReceived:
		return "commit_sig"
	case *RevokeAndAckReceived:
		return "revoke_and_ack"
	case *PeerConnected:
		return "PeerConnected"
	case *PeerDisconnected:
		return "PeerDisconnected"
	case *ReestablishReceived:
		return "channel_reestablish"
	case *PeerTimeout:
		return "PeerTimeout"
	case *ShutdownRequest:
		return "ShutdownRequest"
	case *ShutdownReceived:
		return "shutdown"
	case *tryCoopClose:
		return "TryCoopClose"
	case *ClosingSignedReceived:
		return "closing_signed"
	case *ForceCloseRequest:
		return "ForceClose"
	case *FundingSpent:
		return "FundingSpent"
	case *ContractResolved:
		return "ContractResolved"
	case *ErrorReceived:
		return "error"
	default:
		return "unknown"
	}
}
