package channeldb

import (
	"fmt"

	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// metaBucket stores all the meta information concerning the state of
	// the database.
	metaBucket = []byte("metadata")

	// dbVersionKey is a boltdb key and it's used for storing/retrieving
	// current database version.
	dbVersionKey = []byte("dbp")

	// keyIndexBucket is a sub-bucket of the meta bucket that stores the
	// next unused key index of every key family.
	keyIndexBucket = []byte("key-index")

	// ErrMetaNotFound is returned when meta bucket hasn't been
	// created.
	ErrMetaNotFound = fmt.Errorf("unable to locate meta information")
)

// Meta structure holds the database meta information.
type Meta struct {
	// DbVersionNumber is the current schema version of the database.
	DbVersionNumber uint32
}

// FetchMeta fetches the metadata from boltdb and returns filled meta
// structure.
func (d *DB) FetchMeta() (*Meta, error) {
	var meta *Meta

	err := kvdb.View(d, func(tx kvdb.RTx) error {
		metaBucket := tx.ReadBucket(metaBucket)
		if metaBucket == nil {
			return ErrMetaNotFound
		}

		data := metaBucket.Get(dbVersionKey)
		if data == nil {
			meta = &Meta{}
			return nil
		}

		meta = &Meta{DbVersionNumber: byteOrder.Uint32(data)}

		return nil
	}, func() {
		meta = nil
	})
	if err != nil {
		return nil, err
	}

	return meta, nil
}

// putMeta is an internal helper function used in order to allow callers to
// re-use a database transaction.
func putMeta(meta *Meta, tx kvdb.RwTx) error {
	metaBucket, err := tx.CreateTopLevelBucket(metaBucket)
	if err != nil {
		return err
	}

	var scratch [4]byte
	byteOrder.PutUint32(scratch[:], meta.DbVersionNumber)

	return metaBucket.Put(dbVersionKey, scratch[:])
}

// NextKeyIndex reserves and returns the next unused key index of the given
// key family. The counter is persisted so an index is never handed out
// twice, across restarts too.
func (d *DB) NextKeyIndex(family uint32) (uint32, error) {
	var index uint32

	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		meta, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}

		keyIndexes, err := meta.CreateBucketIfNotExists(keyIndexBucket)
		if err != nil {
			return err
		}

		var famKey [4]byte
		byteOrder.PutUint32(famKey[:], family)

		if v := keyIndexes.Get(famKey[:]); v != nil {
			index = byteOrder.Uint32(v)
		}

		var next [4]byte
		byteOrder.PutUint32(next[:], index+1)

		return keyIndexes.Put(famKey[:], next[:])
	}, func() {
		index = 0
	})
	if err != nil {
		return 0, err
	}

	return index, nil
}
