package channeldb

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// revocationLogBucket is dedicated for storing the necessary delta
	// state between channel updates required to re-construct a past state
	// in order to punish a counterparty attempting a non-cooperative
	// channel closure. This key should be accessed from within the
	// sub-bucket of a target channel, identified by its channel id.
	//
	// revocation-log -> chanID -> height -> commitment
	revocationLogBucket = []byte("revocation-log")
)

// RevocationLog is a revoked remote commitment. The revocation store holds
// the matching secret, so everything needed to sweep a breach of this state
// is at hand.
type RevocationLog struct {
	// Commitment is the remote commitment as it was when the remote
	// party revoked it.
	Commitment ChannelCommitment

	// CommitTxHash is the txid of the revoked commitment transaction.
	CommitTxHash chainhash.Hash
}

// putRevocationLog appends a revoked remote commitment to the revocation log
// of the channel.
func putRevocationLog(tx kvdb.RwTx, chanID lnwire.ChannelID,
	commit *ChannelCommitment) error {

	logBucket, err := tx.CreateTopLevelBucket(revocationLogBucket)
	if err != nil {
		return err
	}

	chanLogBucket, err := logBucket.CreateBucketIfNotExists(chanID[:])
	if err != nil {
		return err
	}

	var b bytes.Buffer
	if err := serializeChanCommit(&b, commit); err != nil {
		return err
	}

	var key [8]byte
	byteOrder.PutUint64(key[:], commit.CommitHeight)

	return chanLogBucket.Put(key[:], b.Bytes())
}

// fetchRevocationLog queries the revocation log of the channel for the
// commitment at the given height.
func fetchRevocationLog(tx kvdb.RTx, chanID lnwire.ChannelID,
	height uint64) (*RevocationLog, error) {

	logBucket := tx.ReadBucket(revocationLogBucket)
	if logBucket == nil {
		return nil, ErrNoRevocationLogFound
	}

	chanLogBucket := logBucket.NestedReadBucket(chanID[:])
	if chanLogBucket == nil {
		return nil, ErrNoRevocationLogFound
	}

	var key [8]byte
	byteOrder.PutUint64(key[:], height)

	commitBytes := chanLogBucket.Get(key[:])
	if commitBytes == nil {
		return nil, ErrNoRevocationLogFound
	}

	commit, err := deserializeChanCommit(bytes.NewReader(commitBytes))
	if err != nil {
		return nil, err
	}

	rl := &RevocationLog{Commitment: commit}
	if commit.CommitTx != nil {
		rl.CommitTxHash = commit.CommitTx.TxHash()
	}

	return rl, nil
}

// FindPreviousState scans through the append-only log in an attempt to
// recover the previous channel state indicated by the update number. This
// method is intended to be used for obtaining the relevant data needed to
// claim all funds rightfully spendable in the case of an on-chain broadcast
// of the commitment transaction.
func (c *OpenChannel) FindPreviousState(
	updateNum uint64) (*RevocationLog, error) {

	c.RLock()
	defer c.RUnlock()

	var rl *RevocationLog
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		var err error
		rl, err = fetchRevocationLog(tx, c.ChanID(), updateNum)

		return err
	}, func() {
		rl = nil
	})
	if err != nil {
		return nil, err
	}

	return rl, nil
}

// RevocationLogHeights returns the heights of all revoked remote commitments
// of the channel in ascending order.
func (c *OpenChannel) RevocationLogHeights() ([]uint64, error) {
	c.RLock()
	defer c.RUnlock()

	var heights []uint64
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		logBucket := tx.ReadBucket(revocationLogBucket)
		if logBucket == nil {
			return nil
		}

		chanID := c.ChanID()
		chanLogBucket := logBucket.NestedReadBucket(chanID[:])
		if chanLogBucket == nil {
			return nil
		}

		return chanLogBucket.ForEach(func(k, _ []byte) error {
			if len(k) != 8 {
				return errors.New("malformed revocation log key")
			}
			heights = append(heights, byteOrder.Uint64(k))

			return nil
		})
	}, func() {
		heights = nil
	})
	if err != nil {
		return nil, err
	}

	return heights, nil
}
