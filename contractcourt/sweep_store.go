package contractcourt

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// sweepBucket maps every output we tried to sweep to the txids of the
	// sweep transactions we broadcast for it.
	sweepBucket = []byte("contract-sweeps")

	// ErrCorruptedSweepStore is returned when the sweep bucket is
	// missing.
	ErrCorruptedSweepStore = errors.New("sweep store has been corrupted")
)

// SweepStore remembers the transactions we broadcast to sweep contract
// outputs. After a restart it tells our own sweeps apart from spends by
// the counterparty.
type SweepStore struct {
	db kvdb.Backend
}

// NewSweepStore creates the store on top of db.
func NewSweepStore(db kvdb.Backend) (*SweepStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(sweepBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &SweepStore{db: db}, nil
}

func sweepKey(op wire.OutPoint) ([]byte, error) {
	var b bytes.Buffer
	if err := channeldb.WriteElement(&b, op); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// AddSweep records txid as a sweep of every outpoint in ops.
func (s *SweepStore) AddSweep(txid chainhash.Hash,
	ops ...wire.OutPoint) error {

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		sweeps := tx.ReadWriteBucket(sweepBucket)
		if sweeps == nil {
			return ErrCorruptedSweepStore
		}

		for _, op := range ops {
			key, err := sweepKey(op)
			if err != nil {
				return err
			}

			var txids []byte
			txids = append(txids, sweeps.Get(key)...)
			if containsTxid(txids, txid) {
				continue
			}

			txids = append(txids, txid[:]...)
			if err := sweeps.Put(key, txids); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// IsSweep returns true if txid was recorded as a sweep of op.
func (s *SweepStore) IsSweep(op wire.OutPoint, txid chainhash.Hash) (bool,
	error) {

	key, err := sweepKey(op)
	if err != nil {
		return false, err
	}

	var found bool
	err = kvdb.View(s.db, func(tx kvdb.RTx) error {
		sweeps := tx.ReadBucket(sweepBucket)
		if sweeps == nil {
			return ErrCorruptedSweepStore
		}

		found = containsTxid(sweeps.Get(key), txid)

		return nil
	}, func() {
		found = false
	})

	return found, err
}

// RemoveSweeps forgets the sweeps of ops once they're resolved.
func (s *SweepStore) RemoveSweeps(ops ...wire.OutPoint) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		sweeps := tx.ReadWriteBucket(sweepBucket)
		if sweeps == nil {
			return ErrCorruptedSweepStore
		}

		for _, op := range ops {
			key, err := sweepKey(op)
			if err != nil {
				return err
			}
			if err := sweeps.Delete(key); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

func containsTxid(txids []byte, txid chainhash.Hash) bool {
	for i := 0; i+chainhash.HashSize <= len(txids); i += chainhash.HashSize {
		if bytes.Equal(txids[i:i+chainhash.HashSize], txid[:]) {
			return true
		}
	}

	return false
}
