package lnwallet

import (
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
)

// HtlcState is the lifecycle stage of an HTLC as seen from both commitment
// chains.
type HtlcState uint8

const (
	// HtlcPendingAdd is an HTLC that isn't yet locked into both
	// commitments.
	HtlcPendingAdd HtlcState = iota

	// HtlcCommitted is an HTLC present in the revoked-up-to tail of both
	// commitment chains.
	HtlcCommitted

	// HtlcPendingFulfill is a committed HTLC with a settle in flight.
	HtlcPendingFulfill

	// HtlcPendingFail is a committed HTLC with a fail in flight.
	HtlcPendingFail

	// HtlcSettled is an HTLC whose removal is locked into both chains.
	HtlcSettled
)

// String returns the name of the state.
func (s HtlcState) String() string {
	switch s {
	case HtlcPendingAdd:
		return "PendingAdd"
	case HtlcCommitted:
		return "Committed"
	case HtlcPendingFulfill:
		return "PendingFulfill"
	case HtlcPendingFail:
		return "PendingFail"
	case HtlcSettled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// PaymentDescriptor represents a commitment state update which either adds,
// settles, or removes an HTLC. PaymentDescriptors encapsulate all necessary
// metadata w.r.t to an HTLC, and additional data pairing a settle message to
// the original added HTLC.
type PaymentDescriptor struct {
	// ChanID is the channel the update belongs to.
	ChanID lnwire.ChannelID

	// RHash is the payment hash for this HTLC. The HTLC can be settled iff
	// the preimage to this hash is presented.
	RHash lntypes.Hash

	// RPreimage is the preimage that settles the HTLC pointed to within
	// the log by the ParentIndex.
	RPreimage lntypes.Preimage

	// Timeout is the absolute timeout in blocks, after which this HTLC
	// expires.
	Timeout uint32

	// Amount is the HTLC amount in milli-satoshis.
	Amount lnwire.MilliSatoshi

	// LogIndex is the log entry number that his HTLC update has within
	// the log. Depending on if IsIncoming is true, this is either an
	// entry the remote party added, or one that we added locally.
	LogIndex uint64

	// HtlcIndex is the index within the main update log for this HTLC.
	// Entries within the log of type Add will have this field populated,
	// as other entries will point to the entry via this counter.
	HtlcIndex uint64

	// ParentIndex is the HTLC index of the entry that this update settles
	// or fails.
	ParentIndex uint64

	// EntryType denotes the exact type of the PaymentDescriptor.
	EntryType channeldb.UpdateType

	// OnionBlob is the raw serialized onion of an Add.
	OnionBlob []byte

	// FailReason is the encrypted failure of a Fail.
	FailReason []byte

	// addCommitHeightRemote and addCommitHeightLocal are the heights of
	// the first remote and local commitment that contain this Add, zero
	// while not yet included.
	addCommitHeightRemote uint64
	addCommitHeightLocal  uint64

	// removeCommitHeightRemote and removeCommitHeightLocal are the
	// heights of the first commitments in which a Settle or Fail took
	// effect.
	removeCommitHeightRemote uint64
	removeCommitHeightLocal  uint64

	// localOutputIndex and remoteOutputIndex are the output indexes of
	// an Add on our and their latest commitment, -1 if trimmed.
	localOutputIndex  int32
	remoteOutputIndex int32
}

// toLogEntry converts the descriptor into its persisted form.
func (pd *PaymentDescriptor) toLogEntry() channeldb.LogEntry {
	return channeldb.LogEntry{
		EntryType:          pd.EntryType,
		LogIndex:           pd.LogIndex,
		HtlcIndex:          pd.HtlcIndex,
		ParentIndex:        pd.ParentIndex,
		Amount:             pd.Amount,
		RHash:              pd.RHash,
		Timeout:            pd.Timeout,
		OnionBlob:          pd.OnionBlob,
		Preimage:           pd.RPreimage,
		FailReason:         pd.FailReason,
		AddHeightLocal:     pd.addCommitHeightLocal,
		AddHeightRemote:    pd.addCommitHeightRemote,
		RemoveHeightLocal:  pd.removeCommitHeightLocal,
		RemoveHeightRemote: pd.removeCommitHeightRemote,
	}
}

// descriptorFromLogEntry restores a descriptor from the persisted log.
func descriptorFromLogEntry(chanID lnwire.ChannelID,
	e *channeldb.LogEntry) *PaymentDescriptor {

	return &PaymentDescriptor{
		ChanID:                   chanID,
		RHash:                    e.RHash,
		RPreimage:                e.Preimage,
		Timeout:                  e.Timeout,
		Amount:                   e.Amount,
		LogIndex:                 e.LogIndex,
		HtlcIndex:                e.HtlcIndex,
		ParentIndex:              e.ParentIndex,
		EntryType:                e.EntryType,
		OnionBlob:                e.OnionBlob,
		FailReason:               e.FailReason,
		addCommitHeightLocal:     e.AddHeightLocal,
		addCommitHeightRemote:    e.AddHeightRemote,
		removeCommitHeightLocal:  e.RemoveHeightLocal,
		removeCommitHeightRemote: e.RemoveHeightRemote,
		localOutputIndex:         -1,
		remoteOutputIndex:        -1,
	}
}

// toWireMsg returns the update message that (re)transmits the descriptor to
// the counterparty.
func (pd *PaymentDescriptor) toWireMsg() lnwire.Message {
	switch pd.EntryType {
	case channeldb.Add:
		msg := &lnwire.UpdateAddHTLC{
			ChanID:      pd.ChanID,
			ID:          pd.HtlcIndex,
			Amount:      pd.Amount,
			PaymentHash: pd.RHash,
			Expiry:      pd.Timeout,
		}
		copy(msg.OnionBlob[:], pd.OnionBlob)

		return msg

	case channeldb.Settle:
		return &lnwire.UpdateFulfillHTLC{
			ChanID:          pd.ChanID,
			ID:              pd.ParentIndex,
			PaymentPreimage: pd.RPreimage,
		}

	default:
		return &lnwire.UpdateFailHTLC{
			ChanID: pd.ChanID,
			ID:     pd.ParentIndex,
			Reason: pd.FailReason,
		}
	}
}
