package chainntnfs

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// ErrCorruptedHeightHintCache is returned when a hint bucket vanished
	// after the cache was opened.
	ErrCorruptedHeightHintCache = errors.New("height hint cache has been " +
		"corrupted")

	// ErrSpendHintNotFound is returned for outpoints without a spend hint.
	ErrSpendHintNotFound = errors.New("spend hint not found")

	// ErrConfirmHintNotFound is returned for transactions without a
	// confirm hint.
	ErrConfirmHintNotFound = errors.New("confirm hint not found")
)

// hintKind is one of the two hint tables.
type hintKind struct {
	bucket   []byte
	notFound error
}

var (
	// spendHints maps an outpoint to the lowest height its spend can
	// still be found at.
	spendHints = hintKind{[]byte("spend-hints"), ErrSpendHintNotFound}

	// confirmHints maps a txid to the lowest height its confirmation can
	// still be found at.
	confirmHints = hintKind{[]byte("confirm-hints"), ErrConfirmHintNotFound}
)

// CacheConfig contains the HeightHintCache configuration.
type CacheConfig struct {
	// QueryDisable makes every query miss, forcing full rescans from the
	// caller's height hint. It recovers from a hint recorded above the
	// real spend height.
	QueryDisable bool
}

// HeightHintCache persists how far the chain has been scanned for watched
// outpoints, so a restarted watch does not rescan from the funding height.
type HeightHintCache struct {
	cfg CacheConfig
	db  kvdb.Backend
}

// NewHeightHintCache opens the hint tables in db, creating them if needed.
func NewHeightHintCache(cfg CacheConfig, db kvdb.Backend) (*HeightHintCache,
	error) {

	err := kvdb.Batch(db, func(tx kvdb.RwTx) error {
		for _, kind := range []hintKind{spendHints, confirmHints} {
			_, err := tx.CreateTopLevelBucket(kind.bucket)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &HeightHintCache{cfg: cfg, db: db}, nil
}

func outpointKey(op wire.OutPoint) ([]byte, error) {
	var b bytes.Buffer
	if err := channeldb.WriteElement(&b, op); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// CommitSpendHint records height as the spend hint of every outpoint.
func (c *HeightHintCache) CommitSpendHint(height uint32,
	ops ...wire.OutPoint) error {

	keys := make([][]byte, 0, len(ops))
	for _, op := range ops {
		key, err := outpointKey(op)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	log.Tracef("Updating spend hint to height %d for %v", height, ops)

	return c.put(spendHints, height, keys)
}

// QuerySpendHint returns the spend hint of op or ErrSpendHintNotFound.
func (c *HeightHintCache) QuerySpendHint(op wire.OutPoint) (uint32, error) {
	key, err := outpointKey(op)
	if err != nil {
		return 0, err
	}

	return c.get(spendHints, key)
}

// CommitConfirmHint records height as the confirm hint of every txid.
func (c *HeightHintCache) CommitConfirmHint(height uint32,
	txids ...chainhash.Hash) error {

	keys := make([][]byte, len(txids))
	for i := range txids {
		keys[i] = txids[i][:]
	}

	log.Tracef("Updating confirm hints to height %d for %v", height,
		txids)

	return c.put(confirmHints, height, keys)
}

// QueryConfirmHint returns the confirm hint of txid or
// ErrConfirmHintNotFound.
func (c *HeightHintCache) QueryConfirmHint(txid chainhash.Hash) (uint32,
	error) {

	return c.get(confirmHints, txid[:])
}

func (c *HeightHintCache) put(kind hintKind, height uint32,
	keys [][]byte) error {

	if len(keys) == 0 {
		return nil
	}

	var hint bytes.Buffer
	if err := channeldb.WriteElement(&hint, height); err != nil {
		return err
	}

	return kvdb.Batch(c.db, func(tx kvdb.RwTx) error {
		hints := tx.ReadWriteBucket(kind.bucket)
		if hints == nil {
			return ErrCorruptedHeightHintCache
		}

		for _, key := range keys {
			if err := hints.Put(key, hint.Bytes()); err != nil {
				return err
			}
		}

		return nil
	})
}

func (c *HeightHintCache) get(kind hintKind, key []byte) (uint32, error) {
	if c.cfg.QueryDisable {
		log.Debugf("Ignoring %s entry %x, height hint cache query "+
			"disabled", kind.bucket, key)

		return 0, kind.notFound
	}

	var hint uint32
	err := kvdb.View(c.db, func(tx kvdb.RTx) error {
		hints := tx.ReadBucket(kind.bucket)
		if hints == nil {
			return ErrCorruptedHeightHintCache
		}

		v := hints.Get(key)
		if v == nil {
			return kind.notFound
		}

		return channeldb.ReadElement(bytes.NewReader(v), &hint)
	}, func() {
		hint = 0
	})
	if err != nil {
		return 0, err
	}

	return hint, nil
}
