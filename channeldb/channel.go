package channeldb

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/shachain"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// openChannelBucket stores all the currently open channels. This
	// bucket has a second, nested bucket which is keyed by a node's ID.
	// Within that node ID bucket, all attributes required to track, update,
	// and close a channel are stored in a bucket keyed by the channel id.
	//
	// open-chan-bucket -> nodeID -> chanID -> {chan-info, commitments, ..}
	openChannelBucket = []byte("open-chan-bucket")

	// chanIDIndexBucket maps every open channel id to the node it belongs
	// to, so a channel can be fetched by its id alone.
	chanIDIndexBucket = []byte("chan-id-index")

	// closedChannelBucket stores summarization information concerning
	// previously open, but now closed channels.
	closedChannelBucket = []byte("closed-chan-bucket")

	// chanInfoKey can be accessed within the bucket for a channel
	// (identified by its chanID). This key stores all the static
	// information for a channel which is decided at the end of the
	// funding flow.
	chanInfoKey = []byte("chan-info-key")

	// localCommitKey stores the tail of the local commitment chain.
	localCommitKey = []byte("local-commitment-key")

	// remoteCommitKey stores the tail of the remote commitment chain.
	remoteCommitKey = []byte("remote-commitment-key")

	// commitDiffKey stores the current pending commitment state we've
	// extended to the remote party (if any). Each time we propose a new
	// state, we store the information necessary to reconstruct this state
	// from the prior commitment. This allows us to resync the remote party
	// to their expected state in the case of message loss.
	commitDiffKey = []byte("commit-diff-key")

	// revocationStateKey stores their current revocation hash, our
	// preimage producer and their preimage store.
	revocationStateKey = []byte("revocation-state-key")

	// updateLogsKey stores both update logs of the channel. Entries stay
	// in the logs until they're removed from the tail of both commitment
	// chains.
	updateLogsKey = []byte("update-logs-key")

	// closeTxKey stores the closing or commitment transaction we
	// broadcast, if any.
	closeTxKey = []byte("close-tx-key")
)

// ChannelStatus is a bit vector used to indicate whether an OpenChannel is in
// the default usable state, or a state where it shouldn't be used.
type ChannelStatus uint64

var (
	// ChanStatusDefault is the normal state of an open channel.
	ChanStatusDefault ChannelStatus

	// ChanStatusBorked indicates that the channel has entered an
	// irreconcilable state, triggered by a state desynchronization or
	// channel breach. Channels in this state should never be added to the
	// htlc switch.
	ChanStatusBorked ChannelStatus = 1

	// ChanStatusCommitBroadcasted indicates that a commitment for this
	// channel has been broadcasted.
	ChanStatusCommitBroadcasted ChannelStatus = 1 << 1

	// ChanStatusLocalDataLoss indicates that we have lost channel state
	// for this channel, and broadcasting our latest commitment might be
	// considered a breach.
	ChanStatusLocalDataLoss ChannelStatus = 1 << 2

	// ChanStatusCoopBroadcasted indicates that a cooperative close for
	// this channel has been broadcasted.
	ChanStatusCoopBroadcasted ChannelStatus = 1 << 3

	// ChanStatusShutdownSent indicates that we've sent or received a
	// shutdown message and no new HTLCs may be added.
	ChanStatusShutdownSent ChannelStatus = 1 << 4

	// ChanStatusLocalCloseInitiator indicates that we initiated closing
	// the channel.
	ChanStatusLocalCloseInitiator ChannelStatus = 1 << 5

	// ChanStatusRemoteCloseInitiator indicates that the remote node
	// initiated closing the channel.
	ChanStatusRemoteCloseInitiator ChannelStatus = 1 << 6
)

// chanStatusStrings maps a ChannelStatus to a human friendly string that
// describes that status.
var chanStatusStrings = map[ChannelStatus]string{
	ChanStatusDefault:              "ChanStatusDefault",
	ChanStatusBorked:               "ChanStatusBorked",
	ChanStatusCommitBroadcasted:    "ChanStatusCommitBroadcasted",
	ChanStatusLocalDataLoss:        "ChanStatusLocalDataLoss",
	ChanStatusCoopBroadcasted:      "ChanStatusCoopBroadcasted",
	ChanStatusShutdownSent:         "ChanStatusShutdownSent",
	ChanStatusLocalCloseInitiator:  "ChanStatusLocalCloseInitiator",
	ChanStatusRemoteCloseInitiator: "ChanStatusRemoteCloseInitiator",
}

// orderedChanStatusFlags is an in-order list of all that channel status
// flags.
var orderedChanStatusFlags = []ChannelStatus{
	ChanStatusBorked,
	ChanStatusCommitBroadcasted,
	ChanStatusLocalDataLoss,
	ChanStatusCoopBroadcasted,
	ChanStatusShutdownSent,
	ChanStatusLocalCloseInitiator,
	ChanStatusRemoteCloseInitiator,
}

// String returns a human-readable representation of the ChannelStatus.
func (c ChannelStatus) String() string {
	// If no flags are set, then this is the default case.
	if c == ChanStatusDefault {
		return chanStatusStrings[ChanStatusDefault]
	}

	// Add individual bit flags.
	statusStr := ""
	for _, flag := range orderedChanStatusFlags {
		if c&flag == flag {
			statusStr += chanStatusStrings[flag] + "|"
			c -= flag
		}
	}

	// Remove anything to the right of the final bar, including it as well.
	statusStr = strings.TrimRight(statusStr, "|")

	// Add any remaining flags which aren't accounted for as hex.
	if c != 0 {
		statusStr += fmt.Sprintf("|0x%x", uint64(c))
	}

	// If this was purely an unknown flag, then remove the extra bar at the
	// start of the string.
	statusStr = strings.TrimLeft(statusStr, "|")

	return statusStr
}

// ChannelConstraints represents a set of constraints meant to allow a node to
// limit their exposure, enact flow control and ensure that all HTLCs are
// economically relevant. This struct will be mirrored for both sides of the
// channel, as each side will enforce various constraints that MUST be adhered
// to for the life time of the channel.
type ChannelConstraints struct {
	// DustLimit is the threshold (in satoshis) below which any outputs
	// should be trimmed. When an output is trimmed, it isn't materialized
	// as an actual output, but is instead burned to miner's fees.
	DustLimit btcutil.Amount

	// ChanReserve is an absolute reservation on the channel for the
	// owner of this set of constraints. This means that the current
	// settled balance for this node CANNOT dip below the reservation
	// amount.
	ChanReserve btcutil.Amount

	// MaxPendingAmount is the maximum pending HTLC value that the
	// owner of these constraints can offer the remote node at a
	// particular time.
	MaxPendingAmount lnwire.MilliSatoshi

	// MinHTLC is the minimum HTLC value that the owner of these
	// constraints can offer the remote node.
	MinHTLC lnwire.MilliSatoshi

	// MaxAcceptedHtlcs is the maximum number of HTLCs that the owner of
	// this set of constraints can offer the remote node.
	MaxAcceptedHtlcs uint16

	// CsvDelay is the relative time lock delay expressed in blocks. Any
	// settled outputs that pay to the owner of this channel configuration
	// MUST ensure that the delay branch uses this value as the relative
	// time lock.
	CsvDelay uint16
}

// ChannelConfig is a struct that houses the various configuration opens for
// channels. Each side maintains an instance of this configuration file as it
// governs: how the funding and commitment transaction to be created, the
// nature of HTLC's allotted, the keys to be used for delivery, and relative
// time lock parameters.
type ChannelConfig struct {
	// ChannelConstraints is the set of constraints that must be upheld for
	// the duration of the channel for the owner of this channel
	// configuration.
	ChannelConstraints

	// MultiSigKey is the key to be used within the 2-of-2 output script
	// for the owner of this channel config.
	MultiSigKey keychain.KeyDescriptor

	// RevocationBasePoint is the base public key to be used when deriving
	// revocation keys for the remote node's commitment transaction.
	RevocationBasePoint keychain.KeyDescriptor

	// PaymentBasePoint is the base public key to be used when deriving
	// the key used within the non-delayed pay-to-self output on the
	// commitment transaction for a node.
	PaymentBasePoint keychain.KeyDescriptor

	// DelayBasePoint is the base public key to be used when deriving the
	// key used within the delayed pay-to-self output on the commitment
	// transaction for a node.
	DelayBasePoint keychain.KeyDescriptor

	// HtlcBasePoint is the base public key to be used when deriving the
	// local HTLC key.
	HtlcBasePoint keychain.KeyDescriptor
}

// HTLC is the on-disk representation of a hash time-locked contract. HTLCs
// are contained within ChannelCommitments and the revocation log.
type HTLC struct {
	// RHash is the payment hash of the HTLC.
	RHash [32]byte

	// Amt is the amount of milli-satoshis this HTLC escrows.
	Amt lnwire.MilliSatoshi

	// RefundTimeout is the absolute timeout on the HTLC that the sender
	// must wait before reclaiming the funds in limbo.
	RefundTimeout uint32

	// OutputIndex is the output index for this particular HTLC output
	// within the commitment transaction. A value of -1 means the output
	// was trimmed as dust.
	OutputIndex int32

	// Incoming denotes whether we're the receiver or the sender of this
	// HTLC.
	Incoming bool

	// OnionBlob is an opaque blob which is used to complete multi-hop
	// routing.
	OnionBlob []byte

	// HtlcIndex is the HTLC counter index of this active, outstanding
	// HTLC. This differs from the LogIndex, as the HtlcIndex is only
	// incremented for each offered HTLC, while they LogIndex is
	// incremented for each update (includes settle+fail).
	HtlcIndex uint64

	// LogIndex is the cumulative log index of this HTLC. This differs
	// from the HtlcIndex as this will be incremented for each new log
	// update added.
	LogIndex uint64
}

// ChannelCommitment is a snapshot of the commitment state at a particular
// point in the commitment chain. With each state transition, a snapshot of
// the current state along with all non-settled HTLCs are recorded. These
// snapshots detail the state of the _remote_ party's commitment at a
// particular state number. For ourselves (the local node) we ONLY store our
// most recent (unrevoked) state for safety purposes.
type ChannelCommitment struct {
	// CommitHeight is the update number that this ChannelDelta represents
	// the total number of commitment updates to this point. This can be
	// viewed as sort of a "commitment height" as this number is
	// monotonically increasing.
	CommitHeight uint64

	// LocalLogIndex is the cumulative log index index of the local node at
	// this point in the commitment chain. This value will be incremented
	// for each _update_ added to the local update log.
	LocalLogIndex uint64

	// LocalHtlcIndex is the current local running HTLC index. This value
	// will be incremented for each outgoing HTLC the local node offers.
	LocalHtlcIndex uint64

	// RemoteLogIndex is the cumulative log index index of the remote node
	// at this point in the commitment chain. This value will be
	// incremented for each _update_ added to the remote update log.
	RemoteLogIndex uint64

	// RemoteHtlcIndex is the current remote running HTLC index. This value
	// will be incremented for each outgoing HTLC the remote node offers.
	RemoteHtlcIndex uint64

	// LocalBalance is the current available settled balance within the
	// channel directly spendable by us.
	LocalBalance lnwire.MilliSatoshi

	// RemoteBalance is the current available settled balance within the
	// channel directly spendable by the remote node.
	RemoteBalance lnwire.MilliSatoshi

	// CommitFee is the amount calculated to be paid in fees for the
	// current set of commitment transactions. The fee amount is persisted
	// with the channel in order to allow the fee amount to be removed and
	// recalculated with each channel state update, including updates that
	// happen after a system restart.
	CommitFee btcutil.Amount

	// FeePerKw is the min satoshis/kilo-weight that should be paid within
	// the commitment transaction for the entire duration of the channel's
	// lifetime.
	FeePerKw btcutil.Amount

	// CommitTx is the latest version of the commitment state, broadcast
	// able by us.
	CommitTx *wire.MsgTx

	// CommitSig is the final Schnorr signature of the commitment
	// transaction. It is only set for our local commitment.
	CommitSig []byte

	// Htlcs is the set of HTLC's that are pending at this particular
	// commitment height.
	Htlcs []HTLC
}

// Copy returns a deep copy of the commitment.
func (c *ChannelCommitment) Copy() *ChannelCommitment {
	cp := *c
	if c.CommitTx != nil {
		cp.CommitTx = c.CommitTx.Copy()
	}
	cp.CommitSig = append([]byte(nil), c.CommitSig...)
	cp.Htlcs = make([]HTLC, len(c.Htlcs))
	copy(cp.Htlcs, c.Htlcs)

	return &cp
}

// UpdateType is the exact type of an entry within the update logs.
type UpdateType uint8

const (
	// Add is an update type that adds a new HTLC entry into the log.
	Add UpdateType = iota

	// Fail is an update type which removes a prior HTLC entry from the
	// log. Adding a Fail entry to the log will cause the HTLC to be
	// returned to the sender.
	Fail

	// Settle is an update type which settles a prior HTLC crediting the
	// balance of the receiving node. Adding a Settle entry to a log will
	// result in the settle entry being removed on the log as well as the
	// original add entry from the remote party's log after the next state
	// transition.
	Settle
)

// String returns a human readable string that uniquely identifies the
// target update type.
func (u UpdateType) String() string {
	switch u {
	case Add:
		return "Add"
	case Fail:
		return "Fail"
	case Settle:
		return "Settle"
	default:
		return "<unknown type>"
	}
}

// LogEntry is the durable form of an entry in one of the two update logs.
// Together with the commitment heights at which it was added and removed on
// each chain, it is enough to rebuild the in-memory logs after a restart.
type LogEntry struct {
	EntryType   UpdateType
	LogIndex    uint64
	HtlcIndex   uint64
	ParentIndex uint64

	Amount    lnwire.MilliSatoshi
	RHash     [32]byte
	Timeout   uint32
	OnionBlob []byte

	Preimage   [32]byte
	FailReason []byte

	AddHeightLocal     uint64
	AddHeightRemote    uint64
	RemoveHeightLocal  uint64
	RemoveHeightRemote uint64
}

// RevocationRelease is handed out by CommitRevocation once the commitment
// that supersedes a revoked one is durably written. It is the only way to
// obtain the revocation secret of a commitment, so a secret can never be
// released before that write succeeded.
type RevocationRelease struct {
	chanID lnwire.ChannelID
	height uint64
}

// Height returns the commitment height whose secret the token releases.
func (r *RevocationRelease) Height() uint64 {
	return r.height
}

// OpenChannel encapsulates the persistent and dynamic state of an open channel
// with a remote node. An open channel supports several options for on-disk
// serialization depending on the exact context. Full (upon channel creation)
// state commitments, and partial (due to a commitment update) writes are
// supported. Each partial write due to a state update appends the new update
// to an on-disk log, which can then subsequently be queried in order to
// "time-travel" to a prior state.
type OpenChannel struct {
	// ChainHash is a hash which represents the blockchain that this
	// channel will be opened within. This value is typically the genesis
	// hash. In the case that the original chain went through a contentious
	// hard-fork, then this value will be tweaked using the unique fork
	// point on each branch.
	ChainHash chainhash.Hash

	// FundingOutpoint is the outpoint of the final funding transaction.
	// This value uniquely and globally identifies the channel within the
	// target blockchain as specified by the chain hash parameter.
	FundingOutpoint wire.OutPoint

	// ShortChannelID encodes the exact location in the chain in which the
	// channel was initially confirmed. This includes: the block height,
	// transaction index, and the output within the target transaction.
	ShortChannelID lnwire.ShortChannelID

	// IsPending indicates whether a channel's funding transaction has been
	// confirmed.
	IsPending bool

	// IsInitiator is a bool which indicates if we were the original
	// initiator for the channel. This value may affect how higher levels
	// negotiate fees, or close the channel.
	IsInitiator bool

	// chanStatus is the current status of this channel. If it is not in
	// the state Default, it should not be used for forwarding payments.
	chanStatus ChannelStatus

	// FundingBroadcastHeight is the height in which the funding
	// transaction was broadcast. A value of zero means the funding
	// transaction hasn't been broadcast yet.
	FundingBroadcastHeight uint32

	// NumConfsRequired is the number of confirmations a channel's funding
	// transaction must have received in order to be considered available
	// for normal transactional use.
	NumConfsRequired uint16

	// IdentityPub is the identity public key of remote node this channel
	// has been established with.
	IdentityPub *btcec.PublicKey

	// Capacity is the total capacity of this channel.
	Capacity btcutil.Amount

	// TotalMSatSent is the total number of milli-satoshis we've sent
	// within this channel.
	TotalMSatSent lnwire.MilliSatoshi

	// TotalMSatReceived is the total number of milli-satoshis we've
	// received within this channel.
	TotalMSatReceived lnwire.MilliSatoshi

	// LocalChanCfg is the channel configuration for the local node.
	LocalChanCfg ChannelConfig

	// RemoteChanCfg is the channel configuration for the remote node.
	RemoteChanCfg ChannelConfig

	// LocalCommitment is the current local commitment state for the local
	// party. This is stored distinct from the state of the remote party
	// as there are certain asymmetric parameters which affect the
	// structure of each commitment.
	LocalCommitment ChannelCommitment

	// RemoteCommitment is the current remote commitment state for the
	// remote party. This is stored distinct from the state of the local
	// party as there are certain asymmetric parameters which affect the
	// structure of each commitment.
	RemoteCommitment ChannelCommitment

	// RemotePendingCommit is the commitment we signed for the remote party
	// but for which we haven't received a revocation of the prior state
	// yet. It is nil when the remote chain has a single entry.
	RemotePendingCommit *ChannelCommitment

	// RemoteCurrentRevocation is the current revocation for their
	// commitment transaction. However, since this the derived public key,
	// we don't yet have the private key so we aren't yet able to verify
	// that it's actually in the hash chain.
	RemoteCurrentRevocation *btcec.PublicKey

	// RemoteNextRevocation is the revocation key to be used for the *next*
	// commitment transaction we create for the local node. BOLT 3 calls
	// this value the per-commitment-point.
	RemoteNextRevocation *btcec.PublicKey

	// RevocationProducer is used to generate the revocation in such a way
	// that remote side might store it efficiently and have the ability to
	// restore the revocation by index if needed. Current implementation of
	// secret producer is shachain producer.
	RevocationProducer shachain.Producer

	// RevocationStore is used to efficiently store the revocations for
	// previous channels states sent to us by remote side. Current
	// implementation of secret store is shachain store.
	RevocationStore shachain.Store

	// FundingTxn is the transaction containing this channel's funding
	// outpoint. Upon restarts, this txn will be rebroadcast if the channel
	// is found to be pending.
	//
	// NOTE: This value will only be populated for single-funder channels
	// for which we are the initiator.
	FundingTxn *wire.MsgTx

	// LocalShutdownScript is set when we sent a shutdown message, and is
	// the script our share of the cooperative close pays to.
	LocalShutdownScript lnwire.DeliveryAddress

	// RemoteShutdownScript is set when we received a shutdown message.
	RemoteShutdownScript lnwire.DeliveryAddress

	// LocalUpdateLog holds all updates we proposed that are still
	// referenced by one of the commitment chains.
	LocalUpdateLog []LogEntry

	// RemoteUpdateLog holds all updates the remote party proposed that are
	// still referenced by one of the commitment chains.
	RemoteUpdateLog []LogEntry

	// LastWasRevoke is true if the last message we sent on the channel
	// was a revoke_and_ack, and false if it was a commit_sig. It decides
	// the order of retransmission on reestablish.
	LastWasRevoke bool

	db *DB

	sync.RWMutex
}

// ChanID returns the channel id derived from the funding outpoint.
func (c *OpenChannel) ChanID() lnwire.ChannelID {
	return lnwire.NewChanIDFromOutPoint(c.FundingOutpoint)
}

// String returns a string representation of the channel.
func (c *OpenChannel) String() string {
	indexStr := "height=%v, local_htlc_index=%v, local_log_index=%v, " +
		"remote_htlc_index=%v, remote_log_index=%v"

	commit := c.LocalCommitment
	local := fmt.Sprintf(indexStr, commit.CommitHeight,
		commit.LocalHtlcIndex, commit.LocalLogIndex,
		commit.RemoteHtlcIndex, commit.RemoteLogIndex,
	)

	commit = c.RemoteCommitment
	remote := fmt.Sprintf(indexStr, commit.CommitHeight,
		commit.LocalHtlcIndex, commit.LocalLogIndex,
		commit.RemoteHtlcIndex, commit.RemoteLogIndex,
	)

	return fmt.Sprintf("SCID=%v, status=%v, initiator=%v, pending=%v, "+
		"local commitment has %s, remote commitment has %s",
		c.ShortChannelID, c.chanStatus, c.IsInitiator, c.IsPending,
		local, remote,
	)
}

// SetDB sets the database the channel is written to.
func (c *OpenChannel) SetDB(db *DB) {
	c.Lock()
	defer c.Unlock()

	c.db = db
}

// ChanStatus returns the current ChannelStatus of this channel.
func (c *OpenChannel) ChanStatus() ChannelStatus {
	c.RLock()
	defer c.RUnlock()

	return c.chanStatus
}

// HasChanStatus returns true if the internal bitfield channel status of the
// target channel has the specified status bit set.
func (c *OpenChannel) HasChanStatus(status ChannelStatus) bool {
	c.RLock()
	defer c.RUnlock()

	return c.hasChanStatus(status)
}

func (c *OpenChannel) hasChanStatus(status ChannelStatus) bool {
	// Special case ChanStatusDefualt since it isn't actually flag, but a
	// particular combination (or lack-there-of) of flags.
	if status == ChanStatusDefault {
		return c.chanStatus == ChanStatusDefault
	}

	return c.chanStatus&status == status
}

// ApplyChanStatus allows the caller to modify the internal channel state in a
// thead-safe manner.
func (c *OpenChannel) ApplyChanStatus(status ChannelStatus) error {
	c.Lock()
	defer c.Unlock()

	return c.putChanStatus(c.chanStatus | status)
}

// ClearChanStatus allows the caller to clear a particular channel status from
// the primary channel status bit field. After this method returns, a call to
// HasChanStatus(status) should return false.
func (c *OpenChannel) ClearChanStatus(status ChannelStatus) error {
	c.Lock()
	defer c.Unlock()

	return c.putChanStatus(c.chanStatus & ^status)
}

// putChanStatus writes the channel with the new status and only then
// updates the in-memory copy.
func (c *OpenChannel) putChanStatus(status ChannelStatus) error {
	prev := c.chanStatus
	c.chanStatus = status

	if err := c.writeChannel(nil); err != nil {
		c.chanStatus = prev
		return err
	}

	return nil
}

// FullSync serializes, and writes to disk the *full* channel state, using
// both the active channel bucket to store the prefixed column fields, and the
// remote node's ID to store the remainder of the channel state.
func (c *OpenChannel) FullSync() error {
	c.Lock()
	defer c.Unlock()

	return kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		chanID := c.ChanID()

		// Index the channel under its id so it can be fetched without
		// knowing the node it belongs to.
		err := tx.ReadWriteBucket(chanIDIndexBucket).Put(
			chanID[:], c.IdentityPub.SerializeCompressed(),
		)
		if err != nil {
			return err
		}

		return c.putChannelTx(tx)
	}, func() {})
}

// MarkFundingBroadcast records the height at which the funding transaction
// was broadcast.
func (c *OpenChannel) MarkFundingBroadcast(height uint32) error {
	c.Lock()
	defer c.Unlock()

	prev := c.FundingBroadcastHeight
	c.FundingBroadcastHeight = height

	if err := c.writeChannel(nil); err != nil {
		c.FundingBroadcastHeight = prev
		return err
	}

	return nil
}

// MarkAsOpen marks a channel as fully open given a locator that uniquely
// describes its location within the chain.
func (c *OpenChannel) MarkAsOpen(openLoc lnwire.ShortChannelID) error {
	c.Lock()
	defer c.Unlock()

	prevLoc, prevPending := c.ShortChannelID, c.IsPending
	c.IsPending = false
	c.ShortChannelID = openLoc

	if err := c.writeChannel(nil); err != nil {
		c.ShortChannelID, c.IsPending = prevLoc, prevPending
		return err
	}

	return nil
}

// InsertNextRevocation stores the per-commitment point the remote party sent
// in channel_ready. It is the point of its commitment at height one.
func (c *OpenChannel) InsertNextRevocation(point *btcec.PublicKey) error {
	c.Lock()
	defer c.Unlock()

	prev := c.RemoteNextRevocation
	c.RemoteNextRevocation = point

	if err := c.writeChannel(nil); err != nil {
		c.RemoteNextRevocation = prev
		return err
	}

	return nil
}

// MarkShutdown records the delivery scripts of a cooperative close and sets
// ChanStatusShutdownSent. Either script may be nil if its shutdown message
// wasn't exchanged yet.
func (c *OpenChannel) MarkShutdown(local, remote lnwire.DeliveryAddress,
	locallyInitiated bool) error {

	c.Lock()
	defer c.Unlock()

	prevLocal, prevRemote := c.LocalShutdownScript, c.RemoteShutdownScript
	prevStatus := c.chanStatus

	if local != nil {
		c.LocalShutdownScript = local
	}
	if remote != nil {
		c.RemoteShutdownScript = remote
	}

	status := ChanStatusShutdownSent
	switch {
	case c.hasChanStatus(ChanStatusLocalCloseInitiator),
		c.hasChanStatus(ChanStatusRemoteCloseInitiator):

	case locallyInitiated:
		status |= ChanStatusLocalCloseInitiator

	default:
		status |= ChanStatusRemoteCloseInitiator
	}
	c.chanStatus |= status

	if err := c.writeChannel(nil); err != nil {
		c.LocalShutdownScript, c.RemoteShutdownScript = prevLocal,
			prevRemote
		c.chanStatus = prevStatus

		return err
	}

	return nil
}

// ClearShutdown withdraws a shutdown that was never followed by a closing
// signature.
func (c *OpenChannel) ClearShutdown() error {
	c.Lock()
	defer c.Unlock()

	prevLocal, prevRemote := c.LocalShutdownScript, c.RemoteShutdownScript
	prevStatus := c.chanStatus

	c.LocalShutdownScript, c.RemoteShutdownScript = nil, nil
	c.chanStatus &^= ChanStatusShutdownSent |
		ChanStatusLocalCloseInitiator | ChanStatusRemoteCloseInitiator

	if err := c.writeChannel(nil); err != nil {
		c.LocalShutdownScript, c.RemoteShutdownScript = prevLocal,
			prevRemote
		c.chanStatus = prevStatus

		return err
	}

	return nil
}

// MarkCommitmentBroadcasted marks the channel as a channel whose commitment
// transaction has been broadcast, either our own or the remote, and we
// should watch the chain for it to confirm before taking any further action.
// It takes as argument the closing tx _we believe_ will appear in the chain.
func (c *OpenChannel) MarkCommitmentBroadcasted(closeTx *wire.MsgTx,
	locallyInitiated bool) error {

	return c.markBroadcasted(
		ChanStatusCommitBroadcasted, closeTx, locallyInitiated,
	)
}

// MarkCoopBroadcasted marks the channel to indicate that a cooperative close
// transaction has been broadcast, either our own or the remote, and that we
// should watch the chain for it to confirm before taking further action.
func (c *OpenChannel) MarkCoopBroadcasted(closeTx *wire.MsgTx,
	locallyInitiated bool) error {

	return c.markBroadcasted(
		ChanStatusCoopBroadcasted, closeTx, locallyInitiated,
	)
}

// markBroadcasted is a helper function which modifies the channel status of
// the receiving channel and inserts a close transaction under the requested
// key, which should specify either a coop or force close. It adds a status
// which indicates the party that initiated the channel close.
func (c *OpenChannel) markBroadcasted(status ChannelStatus,
	closeTx *wire.MsgTx, locallyInitiated bool) error {

	c.Lock()
	defer c.Unlock()

	// Add the initiator status to the status provided. These statuses are
	// set in addition to the broadcast status so that we do not need to
	// migrate the original logic which does not store initiator.
	if !c.hasChanStatus(ChanStatusLocalCloseInitiator) &&
		!c.hasChanStatus(ChanStatusRemoteCloseInitiator) {

		if locallyInitiated {
			status |= ChanStatusLocalCloseInitiator
		} else {
			status |= ChanStatusRemoteCloseInitiator
		}
	}

	prev := c.chanStatus
	c.chanStatus |= status

	err := c.writeChannel(func(_ kvdb.RwTx, chanBucket kvdb.RwBucket) error {
		var b bytes.Buffer
		if err := WriteElement(&b, closeTx); err != nil {
			return err
		}

		return chanBucket.Put(closeTxKey, b.Bytes())
	})
	if err != nil {
		c.chanStatus = prev
		return err
	}

	return nil
}

// BroadcastedCloseTx returns the closing or commitment transaction recorded
// by MarkCoopBroadcasted or MarkCommitmentBroadcasted.
func (c *OpenChannel) BroadcastedCloseTx() (*wire.MsgTx, error) {
	var closeTx *wire.MsgTx

	err := c.viewChannel(func(chanBucket kvdb.RBucket) error {
		b := chanBucket.Get(closeTxKey)
		if b == nil {
			return ErrNoCloseTx
		}

		return ReadElement(bytes.NewReader(b), &closeTx)
	})
	if err != nil {
		return nil, err
	}

	return closeTx, nil
}

// SyncUpdateLogs writes the in-memory update logs. It is used for updates
// that don't change a commitment, such as a newly proposed HTLC.
func (c *OpenChannel) SyncUpdateLogs() error {
	c.Lock()
	defer c.Unlock()

	return c.writeChannel(nil)
}

// AppendRemoteCommitChain appends a new CommitDiff to the end of the
// commitment chain for the remote party. This method is to be used once we
// have prepared a new commitment state for the remote party, but before we
// transmit it to the remote party. The contents of the argument should be
// sufficient to retransmit the updates and signature needed to reconstruct
// the state in full, in the case that we need to retransmit.
func (c *OpenChannel) AppendRemoteCommitChain(diff *ChannelCommitment) error {
	c.Lock()
	defer c.Unlock()

	// If the channel is marked as borked, then for safety reasons, we
	// shouldn't attempt any further updates.
	if c.hasChanStatus(ChanStatusBorked) {
		return ErrChanBorked
	}

	if c.RemotePendingCommit != nil {
		return fmt.Errorf("remote commitment %d still unrevoked",
			c.RemotePendingCommit.CommitHeight)
	}
	if diff.CommitHeight != c.RemoteCommitment.CommitHeight+1 {
		return fmt.Errorf("%w: remote commitment height %d does not "+
			"extend %d", ErrInvalidCommitHeight, diff.CommitHeight,
			c.RemoteCommitment.CommitHeight)
	}

	prevLastWasRevoke := c.LastWasRevoke
	c.RemotePendingCommit = diff
	c.LastWasRevoke = false

	if err := c.writeChannel(nil); err != nil {
		c.RemotePendingCommit = nil
		c.LastWasRevoke = prevLastWasRevoke

		return err
	}

	return nil
}

// RemoteCommitChainTip returns the "tip" of the current remote commitment
// chain. This value will be non-nil iff, we've created a new commitment for
// the remote party that they haven't yet ACK'd. In this case, their
// commitment chain will have a length of two: their current unrevoked
// commitment, and this new pending commitment. Once they revoked their prior
// state, we'll swap these pointers, causing the tip and the tail to point to
// the same entry.
func (c *OpenChannel) RemoteCommitChainTip() (*ChannelCommitment, error) {
	c.RLock()
	defer c.RUnlock()

	if c.RemotePendingCommit == nil {
		return nil, ErrNoPendingCommit
	}

	return c.RemotePendingCommit.Copy(), nil
}

// CommitRevocation writes newCommitment as our new local commitment, the
// tail of the local chain. The prior local commitment is thereby superseded
// and the returned token can be used to release its revocation secret.
func (c *OpenChannel) CommitRevocation(
	newCommitment *ChannelCommitment) (*RevocationRelease, error) {

	c.Lock()
	defer c.Unlock()

	if c.hasChanStatus(ChanStatusBorked) {
		return nil, ErrChanBorked
	}

	prevHeight := c.LocalCommitment.CommitHeight
	if newCommitment.CommitHeight != prevHeight+1 {
		return nil, fmt.Errorf("%w: local commitment height %d does "+
			"not extend %d", ErrInvalidCommitHeight,
			newCommitment.CommitHeight, prevHeight)
	}

	prevCommit, prevLastWasRevoke := c.LocalCommitment, c.LastWasRevoke
	c.LocalCommitment = *newCommitment
	c.LastWasRevoke = true

	if err := c.writeChannel(nil); err != nil {
		c.LocalCommitment = prevCommit
		c.LastWasRevoke = prevLastWasRevoke

		return nil, err
	}

	log.Tracef("ChannelPoint(%v): local commitment %d persisted, "+
		"releasing revocation of %d", c.FundingOutpoint,
		newCommitment.CommitHeight, prevHeight)

	return &RevocationRelease{
		chanID: c.ChanID(),
		height: prevHeight,
	}, nil
}

// LastRevocationRelease returns the token for the most recently revoked
// local commitment. It is used to retransmit a revocation after a
// reconnect. ErrNoPriorRevocation is returned at height zero.
func (c *OpenChannel) LastRevocationRelease() (*RevocationRelease, error) {
	c.RLock()
	defer c.RUnlock()

	if c.LocalCommitment.CommitHeight == 0 {
		return nil, ErrNoPriorRevocation
	}

	return &RevocationRelease{
		chanID: c.ChanID(),
		height: c.LocalCommitment.CommitHeight - 1,
	}, nil
}

// ReleaseRevocation returns the revocation secret named by the token. The
// token must belong to this channel and name a height below our current
// local commitment.
func (c *OpenChannel) ReleaseRevocation(
	r *RevocationRelease) (*chainhash.Hash, error) {

	c.RLock()
	defer c.RUnlock()

	if r == nil || r.chanID != c.ChanID() ||
		r.height >= c.LocalCommitment.CommitHeight {

		return nil, ErrInvalidRevocationRelease
	}

	return c.RevocationProducer.AtIndex(r.height)
}

// CommitPoint returns our per-commitment point for the given height. The
// secret behind it stays inside the channel until it's released.
func (c *OpenChannel) CommitPoint(height uint64) (*btcec.PublicKey, error) {
	c.RLock()
	defer c.RUnlock()

	secret, err := c.RevocationProducer.AtIndex(height)
	if err != nil {
		return nil, err
	}

	_, point := btcec.PrivKeyFromBytes(secret[:])

	return point, nil
}

// AdvanceCommitChainTail records the counterparty's revocation of its
// current commitment: the revealed secret is added to the revocation store,
// the revoked commitment is appended to the revocation log and the pending
// remote commitment becomes the new tail. nextPoint is the per-commitment
// point the remote party will use for its next commitment.
func (c *OpenChannel) AdvanceCommitChainTail(secret *chainhash.Hash,
	nextPoint *btcec.PublicKey) error {

	c.Lock()
	defer c.Unlock()

	if c.hasChanStatus(ChanStatusBorked) {
		return ErrChanBorked
	}

	if c.RemotePendingCommit == nil {
		return ErrNoPendingCommit
	}

	// Work on a copy of the revocation store so a failed write leaves
	// the in-memory state untouched.
	var storeBuf bytes.Buffer
	if err := c.RevocationStore.Encode(&storeBuf); err != nil {
		return err
	}
	newStore, err := shachain.NewRevocationStoreFromBytes(&storeBuf)
	if err != nil {
		return err
	}
	if err := newStore.AddNextEntry(secret); err != nil {
		return err
	}

	revoked := c.RemoteCommitment
	prev := struct {
		store         shachain.Store
		tail          ChannelCommitment
		pending       *ChannelCommitment
		current, next *btcec.PublicKey
	}{
		c.RevocationStore, c.RemoteCommitment, c.RemotePendingCommit,
		c.RemoteCurrentRevocation, c.RemoteNextRevocation,
	}

	c.RevocationStore = newStore
	c.RemoteCommitment = *c.RemotePendingCommit
	c.RemotePendingCommit = nil
	c.RemoteCurrentRevocation = c.RemoteNextRevocation
	c.RemoteNextRevocation = nextPoint

	err = c.writeChannel(func(tx kvdb.RwTx, _ kvdb.RwBucket) error {
		return putRevocationLog(tx, c.ChanID(), &revoked)
	})
	if err != nil {
		c.RevocationStore = prev.store
		c.RemoteCommitment = prev.tail
		c.RemotePendingCommit = prev.pending
		c.RemoteCurrentRevocation = prev.current
		c.RemoteNextRevocation = prev.next

		return err
	}

	return nil
}

// CloseChannel closes a previously active Lightning channel. Closing a
// channel entails deleting all saved state within the database concerning
// this channel. This method also takes a struct that summarizes the state of
// the channel at closing, this compact representation will be the only
// component of a channel left over after a full closing.
func (c *OpenChannel) CloseChannel(summary *ChannelCloseSummary) error {
	c.Lock()
	defer c.Unlock()

	return kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		openChanBucket := tx.ReadWriteBucket(openChannelBucket)
		if openChanBucket == nil {
			return ErrNoChanDBExists
		}

		nodePub := c.IdentityPub.SerializeCompressed()
		nodeChanBucket := openChanBucket.NestedReadWriteBucket(nodePub)
		if nodeChanBucket == nil {
			return ErrNoActiveChannels
		}

		chanID := c.ChanID()
		if nodeChanBucket.NestedReadWriteBucket(chanID[:]) == nil {
			return ErrChannelNotFound
		}

		// Now that the index to this channel has been deleted, purge
		// the remaining channel metadata from the database.
		err := nodeChanBucket.DeleteNestedBucket(chanID[:])
		if err != nil {
			return err
		}

		err = tx.ReadWriteBucket(chanIDIndexBucket).Delete(chanID[:])
		if err != nil {
			return err
		}

		// With the base channel data deleted, attempt to delete the
		// information stored within the revocation log.
		revLogBucket := tx.ReadWriteBucket(revocationLogBucket)
		if revLogBucket.NestedReadWriteBucket(chanID[:]) != nil {
			err := revLogBucket.DeleteNestedBucket(chanID[:])
			if err != nil {
				return err
			}
		}

		// Finally, create a summary of this channel in the closed
		// channel bucket for this node.
		return putChannelCloseSummary(tx, chanID, summary)
	}, func() {})
}

// viewChannel runs f over the bucket of the channel.
func (c *OpenChannel) viewChannel(f func(kvdb.RBucket) error) error {
	return kvdb.View(c.db, func(tx kvdb.RTx) error {
		chanBucket, err := fetchChanBucket(
			tx, c.IdentityPub, c.ChanID(),
		)
		if err != nil {
			return err
		}

		return f(chanBucket)
	}, func() {})
}

// writeChannel writes the full channel state and runs extra within the same
// transaction. The caller must hold the channel's lock.
func (c *OpenChannel) writeChannel(
	extra func(kvdb.RwTx, kvdb.RwBucket) error) error {

	if c.db == nil {
		return ErrNoChanDBExists
	}

	return kvdb.Update(c.db, func(tx kvdb.RwTx) error {
		chanBucket, err := fetchChanBucketRw(
			tx, c.IdentityPub, c.ChanID(),
		)
		if err != nil {
			return err
		}

		if err := putOpenChannel(chanBucket, c); err != nil {
			return err
		}

		if extra != nil {
			return extra(tx, chanBucket)
		}

		return nil
	}, func() {})
}

// putChannelTx creates the buckets of the channel if needed and writes its
// full state.
func (c *OpenChannel) putChannelTx(tx kvdb.RwTx) error {
	openChanBucket := tx.ReadWriteBucket(openChannelBucket)
	if openChanBucket == nil {
		return ErrNoChanDBExists
	}

	nodeChanBucket, err := openChanBucket.CreateBucketIfNotExists(
		c.IdentityPub.SerializeCompressed(),
	)
	if err != nil {
		return err
	}

	chanID := c.ChanID()
	chanBucket, err := nodeChanBucket.CreateBucketIfNotExists(chanID[:])
	if err != nil {
		return err
	}

	return putOpenChannel(chanBucket, c)
}

// fetchChanBucket is a helper function that returns the bucket where a
// channel's data resides in given: the public key for the node, the outpoint,
// and the chainhash that the channel resides on.
func fetchChanBucket(tx kvdb.RTx, nodeKey *btcec.PublicKey,
	chanID lnwire.ChannelID) (kvdb.RBucket, error) {

	openChanBucket := tx.ReadBucket(openChannelBucket)
	if openChanBucket == nil {
		return nil, ErrNoChanDBExists
	}

	nodeChanBucket := openChanBucket.NestedReadBucket(
		nodeKey.SerializeCompressed(),
	)
	if nodeChanBucket == nil {
		return nil, ErrNoActiveChannels
	}

	chanBucket := nodeChanBucket.NestedReadBucket(chanID[:])
	if chanBucket == nil {
		return nil, ErrChannelNotFound
	}

	return chanBucket, nil
}

// fetchChanBucketRw is a helper function that returns the bucket where a
// channel's data resides in given: the public key for the node, the outpoint,
// and the chainhash that the channel resides on. This differs from
// fetchChanBucket in that it returns a writeable bucket.
func fetchChanBucketRw(tx kvdb.RwTx, nodeKey *btcec.PublicKey,
	chanID lnwire.ChannelID) (kvdb.RwBucket, error) {

	openChanBucket := tx.ReadWriteBucket(openChannelBucket)
	if openChanBucket == nil {
		return nil, ErrNoChanDBExists
	}

	nodeChanBucket := openChanBucket.NestedReadWriteBucket(
		nodeKey.SerializeCompressed(),
	)
	if nodeChanBucket == nil {
		return nil, ErrNoActiveChannels
	}

	chanBucket := nodeChanBucket.NestedReadWriteBucket(chanID[:])
	if chanBucket == nil {
		return nil, ErrChannelNotFound
	}

	return chanBucket, nil
}

// putOpenChannel writes every record of the channel into its bucket.
func putOpenChannel(chanBucket kvdb.RwBucket, channel *OpenChannel) error {
	var infoBuf bytes.Buffer
	if err := serializeChanInfo(&infoBuf, channel); err != nil {
		return fmt.Errorf("unable to store chan info: %w", err)
	}
	if err := chanBucket.Put(chanInfoKey, infoBuf.Bytes()); err != nil {
		return err
	}

	var localBuf bytes.Buffer
	err := serializeChanCommit(&localBuf, &channel.LocalCommitment)
	if err != nil {
		return err
	}
	if err := chanBucket.Put(localCommitKey, localBuf.Bytes()); err != nil {
		return err
	}

	var remoteBuf bytes.Buffer
	err = serializeChanCommit(&remoteBuf, &channel.RemoteCommitment)
	if err != nil {
		return err
	}
	if err := chanBucket.Put(remoteCommitKey, remoteBuf.Bytes()); err != nil {
		return err
	}

	if channel.RemotePendingCommit == nil {
		if err := chanBucket.Delete(commitDiffKey); err != nil {
			return err
		}
	} else {
		var diffBuf bytes.Buffer
		err := serializeChanCommit(&diffBuf, channel.RemotePendingCommit)
		if err != nil {
			return err
		}
		if err := chanBucket.Put(commitDiffKey, diffBuf.Bytes()); err != nil {
			return err
		}
	}

	var revBuf bytes.Buffer
	if err := serializeRevocationState(&revBuf, channel); err != nil {
		return err
	}
	if err := chanBucket.Put(revocationStateKey, revBuf.Bytes()); err != nil {
		return err
	}

	var logBuf bytes.Buffer
	if err := serializeUpdateLogs(&logBuf, channel); err != nil {
		return err
	}

	return chanBucket.Put(updateLogsKey, logBuf.Bytes())
}

// fetchOpenChannel reads every record of the channel from its bucket.
func fetchOpenChannel(chanBucket kvdb.RBucket) (*OpenChannel, error) {
	channel := &OpenChannel{}

	infoBytes := chanBucket.Get(chanInfoKey)
	if infoBytes == nil {
		return nil, ErrNoChanInfoFound
	}
	err := deserializeChanInfo(bytes.NewReader(infoBytes), channel)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch chan info: %w", err)
	}

	localBytes := chanBucket.Get(localCommitKey)
	if localBytes == nil {
		return nil, ErrNoCommitmentsFound
	}
	channel.LocalCommitment, err = deserializeChanCommit(
		bytes.NewReader(localBytes),
	)
	if err != nil {
		return nil, err
	}

	remoteBytes := chanBucket.Get(remoteCommitKey)
	if remoteBytes == nil {
		return nil, ErrNoCommitmentsFound
	}
	channel.RemoteCommitment, err = deserializeChanCommit(
		bytes.NewReader(remoteBytes),
	)
	if err != nil {
		return nil, err
	}

	if diffBytes := chanBucket.Get(commitDiffKey); diffBytes != nil {
		diff, err := deserializeChanCommit(bytes.NewReader(diffBytes))
		if err != nil {
			return nil, err
		}
		channel.RemotePendingCommit = &diff
	}

	revBytes := chanBucket.Get(revocationStateKey)
	if revBytes == nil {
		return nil, ErrNoRevocationsFound
	}
	err = deserializeRevocationState(bytes.NewReader(revBytes), channel)
	if err != nil {
		return nil, err
	}

	logBytes := chanBucket.Get(updateLogsKey)
	if logBytes != nil {
		err := deserializeUpdateLogs(bytes.NewReader(logBytes), channel)
		if err != nil {
			return nil, err
		}
	}

	return channel, nil
}

const (
	// localShutdownType and remoteShutdownType are the TLV types of the
	// delivery scripts appended to the channel info.
	localShutdownType  tlv.Type = 1
	remoteShutdownType tlv.Type = 3
)

func serializeChanInfo(w io.Writer, c *OpenChannel) error {
	err := WriteElements(w,
		c.ChainHash, c.FundingOutpoint, c.ShortChannelID, c.IsPending,
		c.IsInitiator, c.chanStatus, c.FundingBroadcastHeight,
		c.NumConfsRequired, c.IdentityPub, c.Capacity,
		c.TotalMSatSent, c.TotalMSatReceived, c.FundingTxn,
	)
	if err != nil {
		return err
	}

	if err := writeChanConfig(w, &c.LocalChanCfg); err != nil {
		return err
	}
	if err := writeChanConfig(w, &c.RemoteChanCfg); err != nil {
		return err
	}

	// The delivery scripts are optional, so they're written as a TLV
	// stream at the end of the record.
	localScript := []byte(c.LocalShutdownScript)
	remoteScript := []byte(c.RemoteShutdownScript)

	var records []tlv.Record
	if len(localScript) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			localShutdownType, &localScript,
		))
	}
	if len(remoteScript) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			remoteShutdownType, &remoteScript,
		))
	}

	tlvStream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return tlvStream.Encode(w)
}

func deserializeChanInfo(r io.Reader, c *OpenChannel) error {
	err := ReadElements(r,
		&c.ChainHash, &c.FundingOutpoint, &c.ShortChannelID,
		&c.IsPending, &c.IsInitiator, &c.chanStatus,
		&c.FundingBroadcastHeight, &c.NumConfsRequired,
		&c.IdentityPub, &c.Capacity, &c.TotalMSatSent,
		&c.TotalMSatReceived, &c.FundingTxn,
	)
	if err != nil {
		return err
	}

	if err := readChanConfig(r, &c.LocalChanCfg); err != nil {
		return err
	}
	if err := readChanConfig(r, &c.RemoteChanCfg); err != nil {
		return err
	}

	var localScript, remoteScript []byte
	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(localShutdownType, &localScript),
		tlv.MakePrimitiveRecord(remoteShutdownType, &remoteScript),
	)
	if err != nil {
		return err
	}

	parsed, err := tlvStream.DecodeWithParsedTypes(r)
	if err != nil {
		return err
	}

	if _, ok := parsed[localShutdownType]; ok {
		c.LocalShutdownScript = localScript
	}
	if _, ok := parsed[remoteShutdownType]; ok {
		c.RemoteShutdownScript = remoteScript
	}

	return nil
}

func writeChanConfig(w io.Writer, c *ChannelConfig) error {
	return WriteElements(w,
		c.DustLimit, c.ChanReserve, c.MaxPendingAmount, c.MinHTLC,
		c.MaxAcceptedHtlcs, c.CsvDelay, c.MultiSigKey,
		c.RevocationBasePoint, c.PaymentBasePoint, c.DelayBasePoint,
		c.HtlcBasePoint,
	)
}

func readChanConfig(r io.Reader, c *ChannelConfig) error {
	return ReadElements(r,
		&c.DustLimit, &c.ChanReserve, &c.MaxPendingAmount, &c.MinHTLC,
		&c.MaxAcceptedHtlcs, &c.CsvDelay, &c.MultiSigKey,
		&c.RevocationBasePoint, &c.PaymentBasePoint,
		&c.DelayBasePoint, &c.HtlcBasePoint,
	)
}

// SerializeHtlcs writes out the passed set of HTLC's into the passed writer
// using the current default on-disk serialization format.
func SerializeHtlcs(b io.Writer, htlcs ...HTLC) error {
	numHtlcs := uint16(len(htlcs))
	if err := WriteElement(b, numHtlcs); err != nil {
		return err
	}

	for _, htlc := range htlcs {
		err := WriteElements(b,
			htlc.RHash, htlc.Amt, htlc.RefundTimeout,
			htlc.OutputIndex, htlc.Incoming, htlc.OnionBlob,
			htlc.HtlcIndex, htlc.LogIndex,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// DeserializeHtlcs attempts to read out a slice of HTLC's from the passed
// io.Reader. The bytes within the passed reader MUST have been previously
// written to using the SerializeHtlcs function.
func DeserializeHtlcs(r io.Reader) ([]HTLC, error) {
	var numHtlcs uint16
	if err := ReadElement(r, &numHtlcs); err != nil {
		return nil, err
	}

	var htlcs []HTLC
	if numHtlcs == 0 {
		return htlcs, nil
	}

	htlcs = make([]HTLC, numHtlcs)
	for i := uint16(0); i < numHtlcs; i++ {
		err := ReadElements(r,
			&htlcs[i].RHash, &htlcs[i].Amt,
			&htlcs[i].RefundTimeout, &htlcs[i].OutputIndex,
			&htlcs[i].Incoming, &htlcs[i].OnionBlob,
			&htlcs[i].HtlcIndex, &htlcs[i].LogIndex,
		)
		if err != nil {
			return htlcs, err
		}
	}

	return htlcs, nil
}

func serializeChanCommit(w io.Writer, c *ChannelCommitment) error {
	err := WriteElements(w,
		c.CommitHeight, c.LocalLogIndex, c.LocalHtlcIndex,
		c.RemoteLogIndex, c.RemoteHtlcIndex, c.LocalBalance,
		c.RemoteBalance, c.CommitFee, c.FeePerKw, c.CommitTx,
		c.CommitSig,
	)
	if err != nil {
		return err
	}

	return SerializeHtlcs(w, c.Htlcs...)
}

func deserializeChanCommit(r io.Reader) (ChannelCommitment, error) {
	var c ChannelCommitment

	err := ReadElements(r,
		&c.CommitHeight, &c.LocalLogIndex, &c.LocalHtlcIndex,
		&c.RemoteLogIndex, &c.RemoteHtlcIndex, &c.LocalBalance,
		&c.RemoteBalance, &c.CommitFee, &c.FeePerKw, &c.CommitTx,
		&c.CommitSig,
	)
	if err != nil {
		return c, err
	}

	c.Htlcs, err = DeserializeHtlcs(r)
	if err != nil {
		return c, err
	}

	return c, nil
}

func serializeRevocationState(w io.Writer, c *OpenChannel) error {
	err := WriteElements(w,
		c.RemoteCurrentRevocation, c.RemoteNextRevocation,
	)
	if err != nil {
		return err
	}

	if err := c.RevocationProducer.Encode(w); err != nil {
		return err
	}

	return c.RevocationStore.Encode(w)
}

func deserializeRevocationState(r io.Reader, c *OpenChannel) error {
	err := ReadElements(r,
		&c.RemoteCurrentRevocation, &c.RemoteNextRevocation,
	)
	if err != nil {
		return err
	}

	c.RevocationProducer, err = shachain.NewRevocationProducerFromBytes(r)
	if err != nil {
		return err
	}

	c.RevocationStore, err = shachain.NewRevocationStoreFromBytes(r)

	return err
}

func serializeLogEntries(w io.Writer, entries []LogEntry) error {
	if err := WriteElement(w, uint32(len(entries))); err != nil {
		return err
	}

	for _, e := range entries {
		err := WriteElements(w,
			uint8(e.EntryType), e.LogIndex, e.HtlcIndex,
			e.ParentIndex, e.Amount, e.RHash, e.Timeout,
			e.OnionBlob, e.Preimage, e.FailReason,
			e.AddHeightLocal, e.AddHeightRemote,
			e.RemoveHeightLocal, e.RemoveHeightRemote,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

func deserializeLogEntries(r io.Reader) ([]LogEntry, error) {
	var numEntries uint32
	if err := ReadElement(r, &numEntries); err != nil {
		return nil, err
	}

	entries := make([]LogEntry, numEntries)
	for i := range entries {
		var entryType uint8
		e := &entries[i]
		err := ReadElements(r,
			&entryType, &e.LogIndex, &e.HtlcIndex, &e.ParentIndex,
			&e.Amount, &e.RHash, &e.Timeout, &e.OnionBlob,
			&e.Preimage, &e.FailReason, &e.AddHeightLocal,
			&e.AddHeightRemote, &e.RemoveHeightLocal,
			&e.RemoveHeightRemote,
		)
		if err != nil {
			return nil, err
		}
		e.EntryType = UpdateType(entryType)
	}

	return entries, nil
}

func serializeUpdateLogs(w io.Writer, c *OpenChannel) error {
	if err := WriteElement(w, c.LastWasRevoke); err != nil {
		return err
	}
	if err := serializeLogEntries(w, c.LocalUpdateLog); err != nil {
		return err
	}

	return serializeLogEntries(w, c.RemoteUpdateLog)
}

func deserializeUpdateLogs(r io.Reader, c *OpenChannel) error {
	if err := ReadElement(r, &c.LastWasRevoke); err != nil {
		return err
	}

	var err error
	c.LocalUpdateLog, err = deserializeLogEntries(r)
	if err != nil {
		return err
	}

	c.RemoteUpdateLog, err = deserializeLogEntries(r)

	return err
}
