package channeldb

import (
	"errors"

	"github.com/hopline/hopd/lntypes"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// ErrNoWitnesses is an error that's returned when no new witnesses have
	// been added to the WitnessCache.
	ErrNoWitnesses = errors.New("no witnesses")

	// ErrNoWitness is returned if a witness is looked up that we don't
	// know of.
	ErrNoWitness = errors.New("witness not found")

	// witnessBucketKey is the name of the bucket that we use to store all
	// witnesses encountered. Within this bucket, we'll create a sub-bucket
	// for each witness type.
	witnessBucketKey = []byte("byte")

	// sha256HashBucketKey is the sub-bucket of the witness bucket that
	// holds payment preimages keyed by their sha256 hash.
	sha256HashBucketKey = []byte("sha256")
)

// WitnessCache is a persistent cache of all witnesses we've encountered on
// the network. The only witness type in use is the preimage of a payment
// hash, learned from settles of our outgoing HTLCs or from on-chain spends.
type WitnessCache struct {
	db *DB
}

// NewWitnessCache returns a new instance of the witness cache.
func (d *DB) NewWitnessCache() *WitnessCache {
	return &WitnessCache{
		db: d,
	}
}

// AddSha256Witnesses adds a batch of new sha256 preimages into the witness
// cache. This is an alias for AddWitnesses that uses Sha256HashWitness as the
// preimages' witness type.
func (w *WitnessCache) AddSha256Witnesses(preimages ...lntypes.Preimage) error {
	if len(preimages) == 0 {
		return ErrNoWitnesses
	}

	return kvdb.Update(w.db, func(tx kvdb.RwTx) error {
		witnessBucket, err := tx.CreateTopLevelBucket(witnessBucketKey)
		if err != nil {
			return err
		}

		hashBucket, err := witnessBucket.CreateBucketIfNotExists(
			sha256HashBucketKey,
		)
		if err != nil {
			return err
		}

		for _, preimage := range preimages {
			hash := preimage.Hash()
			if err := hashBucket.Put(hash[:], preimage[:]); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// LookupSha256Witness attempts to lookup the preimage for a sha256 hash. If
// the witness isn't found, ErrNoWitness will be returned.
func (w *WitnessCache) LookupSha256Witness(hash lntypes.Hash) (
	lntypes.Preimage, error) {

	var preimage lntypes.Preimage
	err := kvdb.View(w.db, func(tx kvdb.RTx) error {
		witnessBucket := tx.ReadBucket(witnessBucketKey)
		if witnessBucket == nil {
			return ErrNoWitness
		}

		hashBucket := witnessBucket.NestedReadBucket(sha256HashBucketKey)
		if hashBucket == nil {
			return ErrNoWitness
		}

		witness := hashBucket.Get(hash[:])
		if witness == nil {
			return ErrNoWitness
		}

		copy(preimage[:], witness)

		return nil
	}, func() {
		preimage = lntypes.Preimage{}
	})
	if err != nil {
		return lntypes.Preimage{}, err
	}

	return preimage, nil
}

// DeleteSha256Witness attempts to delete a sha256 preimage identified by
// hash.
func (w *WitnessCache) DeleteSha256Witness(hash lntypes.Hash) error {
	return kvdb.Update(w.db, func(tx kvdb.RwTx) error {
		witnessBucket := tx.ReadWriteBucket(witnessBucketKey)
		if witnessBucket == nil {
			return ErrNoWitness
		}

		hashBucket := witnessBucket.NestedReadWriteBucket(
			sha256HashBucketKey,
		)
		if hashBucket == nil {
			return ErrNoWitness
		}

		return hashBucket.Delete(hash[:])
	}, func() {})
}
