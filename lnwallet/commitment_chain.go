package lnwallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// commitment represents a commitment to a new state within an active channel.
// New commitments can be initiated by either side. Commitments are ordered
// into a commitment chain, with one existing for both parties. Each side can
// independently extend the other side's commitment chain, up to a maximum of
// one unrevoked commitment.
type commitment struct {
	// height represents the commitment height of this commitment, or the
	// update number of this commitment.
	height uint64

	// isOurs indicates whether this is the local or remote node's version
	// of the commitment.
	isOurs bool

	// ourMessageIndex and theirMessageIndex are the log indexes of our
	// and their update logs up to which this commitment reaches.
	ourMessageIndex   uint64
	theirMessageIndex uint64

	// ourHtlcIndex and theirHtlcIndex are the HTLC counters of both logs
	// at the time this commitment was created.
	ourHtlcIndex   uint64
	theirHtlcIndex uint64

	// txn is the commitment transaction generated by including any HTLC
	// updates whose index are below the two indexes listed above.
	txn *wire.MsgTx

	// sig is the final signature of txn. It is only known for our own
	// commitments.
	sig []byte

	// ourBalance represents the settled balance at this point within the
	// commitment chain. This balance is computed by properly evaluating
	// all the add/remove/settle log entries before the listed indexes.
	// The commitment fee has already been taken from the initiator.
	ourBalance   lnwire.MilliSatoshi
	theirBalance lnwire.MilliSatoshi

	// fee is the amount that will be paid as fees for this commitment
	// transaction.
	fee btcutil.Amount

	// feePerKw is the fee per kw used to calculate this commitment
	// transaction's fee.
	feePerKw chainfee.SatPerKWeight

	// outgoingHTLCs is a slice of all the outgoing HTLC's (from our PoV)
	// on this commitment transaction.
	outgoingHTLCs []PaymentDescriptor

	// incomingHTLCs is a slice of all the incoming HTLC's (from our PoV)
	// on this commitment transaction.
	incomingHTLCs []PaymentDescriptor
}

// toDiskCommit converts the target commitment into a format suitable to be
// written to disk after an accepted state transition.
func (c *commitment) toDiskCommit() *channeldb.ChannelCommitment {
	numHtlcs := len(c.outgoingHTLCs) + len(c.incomingHTLCs)

	commit := &channeldb.ChannelCommitment{
		CommitHeight:    c.height,
		LocalLogIndex:   c.ourMessageIndex,
		LocalHtlcIndex:  c.ourHtlcIndex,
		RemoteLogIndex:  c.theirMessageIndex,
		RemoteHtlcIndex: c.theirHtlcIndex,
		LocalBalance:    c.ourBalance,
		RemoteBalance:   c.theirBalance,
		CommitFee:       c.fee,
		FeePerKw:        btcutil.Amount(c.feePerKw),
		CommitTx:        c.txn,
		CommitSig:       c.sig,
		Htlcs:           make([]channeldb.HTLC, 0, numHtlcs),
	}

	toDisk := func(htlc *PaymentDescriptor, incoming bool) channeldb.HTLC {
		outputIndex := htlc.remoteOutputIndex
		if c.isOurs {
			outputIndex = htlc.localOutputIndex
		}

		return channeldb.HTLC{
			RHash:         htlc.RHash,
			Amt:           htlc.Amount,
			RefundTimeout: htlc.Timeout,
			OutputIndex:   outputIndex,
			Incoming:      incoming,
			OnionBlob:     htlc.OnionBlob,
			HtlcIndex:     htlc.HtlcIndex,
			LogIndex:      htlc.LogIndex,
		}
	}

	for i := range c.outgoingHTLCs {
		commit.Htlcs = append(
			commit.Htlcs, toDisk(&c.outgoingHTLCs[i], false),
		)
	}
	for i := range c.incomingHTLCs {
		commit.Htlcs = append(
			commit.Htlcs, toDisk(&c.incomingHTLCs[i], true),
		)
	}

	return commit
}

// commitmentFromDisk rebuilds an in-memory commitment from its persisted
// form.
func commitmentFromDisk(chanID lnwire.ChannelID,
	disk *channeldb.ChannelCommitment, isOurs bool) *commitment {

	c := &commitment{
		height:            disk.CommitHeight,
		isOurs:            isOurs,
		ourMessageIndex:   disk.LocalLogIndex,
		theirMessageIndex: disk.RemoteLogIndex,
		ourHtlcIndex:      disk.LocalHtlcIndex,
		theirHtlcIndex:    disk.RemoteHtlcIndex,
		txn:               disk.CommitTx,
		sig:               disk.CommitSig,
		ourBalance:        disk.LocalBalance,
		theirBalance:      disk.RemoteBalance,
		fee:               disk.CommitFee,
		feePerKw:          chainfee.SatPerKWeight(disk.FeePerKw),
	}

	for _, htlc := range disk.Htlcs {
		pd := PaymentDescriptor{
			ChanID:            chanID,
			RHash:             htlc.RHash,
			Timeout:           htlc.RefundTimeout,
			Amount:            htlc.Amt,
			LogIndex:          htlc.LogIndex,
			HtlcIndex:         htlc.HtlcIndex,
			EntryType:         channeldb.Add,
			OnionBlob:         htlc.OnionBlob,
			localOutputIndex:  -1,
			remoteOutputIndex: -1,
		}
		if isOurs {
			pd.localOutputIndex = htlc.OutputIndex
		} else {
			pd.remoteOutputIndex = htlc.OutputIndex
		}

		if htlc.Incoming {
			c.incomingHTLCs = append(c.incomingHTLCs, pd)
		} else {
			c.outgoingHTLCs = append(c.outgoingHTLCs, pd)
		}
	}

	return c
}

// commitmentChain represents a chain of unrevoked commitments. The tail of the
// chain is the latest fully signed, yet unrevoked commitment. Two chains are
// tracked, one for the local node, and another for the remote node. New
// commitments we create locally extend the remote node's chain, and vice
// versa. Commitment chains are allowed to grow to a bounded length, after
// which the tail needs to be "dropped" before new commitments can be received.
// The tail is "dropped" when the owner of the chain sends a revocation for the
// previous tail.
type commitmentChain struct {
	// commitments is a linked list of commitments to new states. New
	// commitments are added to the end of the chain with increase height.
	// Once a commitment transaction is revoked, the tail is incremented,
	// freeing up the revocation window for new commitments.
	commitments *fn.List[*commitment]
}

// newCommitmentChain creates a new commitment chain.
func newCommitmentChain() *commitmentChain {
	return &commitmentChain{
		commitments: fn.NewList[*commitment](),
	}
}

// addCommitment extends the commitment chain by a single commitment. This
// added commitment represents a state update proposed by either party. Once
// the commitment prior to this commitment is revoked, the commitment becomes
// the new defacto state within the channel.
func (s *commitmentChain) addCommitment(c *commitment) {
	s.commitments.PushBack(c)
}

// advanceTail reduces the length of the commitment chain by one. The tail of
// the chain should be advanced once a revocation for the lowest unrevoked
// commitment in the chain is received.
func (s *commitmentChain) advanceTail() {
	s.commitments.Remove(s.commitments.Front())
}

// tip returns the latest commitment added to the chain.
func (s *commitmentChain) tip() *commitment {
	return s.commitments.Back().Value
}

// tail returns the lowest unrevoked commitment transaction in the chain.
func (s *commitmentChain) tail() *commitment {
	return s.commitments.Front().Value
}

// hasUnackedCommitment returns true if the commitment chain has more than one
// entry. The tail of the commitment chain has been ACKed by revoking all prior
// commitments, but any subsequent commitments have not yet been ACKed.
func (s *commitmentChain) hasUnackedCommitment() bool {
	return s.commitments.Front() != s.commitments.Back()
}
