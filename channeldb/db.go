package channeldb

import (
	"bytes"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	dbName = "channel.db"
)

// migration is a function which takes a prior outdated version of the database
// instances and mutates the key/bucket structure to arrive at a more
// up-to-date version of the database.
type migration func(tx kvdb.RwTx) error

type version struct {
	number    uint32
	migration migration
}

var (
	// dbVersions is storing all versions of database. If current version
	// of database don't match with latest version this list will be used
	// for retrieving all migration function that are need to apply to the
	// current db.
	dbVersions = []version{
		{
			// The base DB version requires no migration.
			number:    0,
			migration: nil,
		},
	}

	// topLevelBuckets are created when the database is first opened.
	topLevelBuckets = [][]byte{
		openChannelBucket,
		chanIDIndexBucket,
		closedChannelBucket,
		revocationLogBucket,
		nodeBucket,
		edgeBucket,
		edgeUpdateBucket,
		updateIndexBucket,
		invoiceBucket,
		paymentsBucket,
		peerAddrBucket,
		metaBucket,
	}
)

// DB is the primary datastore for the hopd daemon. The database stores
// information related to nodes, routing data, open/closed channels,
// invoices and payments.
type DB struct {
	kvdb.Backend

	dbPath string
	clock  clock.Clock

	graph *ChannelGraph
}

// Open opens or creates channeldb. Any necessary schemas migrations due to
// updates will take place as necessary.
func Open(dbPath string, modifiers ...OptionModifier) (*DB, error) {
	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, err
		}
	}

	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dbPath,
		DBFileName:        dbName,
		NoFreelistSync:    opts.NoFreelistSync,
		AutoCompact:       opts.AutoCompact,
		AutoCompactMinAge: opts.AutoCompactMinAge,
		DBTimeout:         opts.DBTimeout,
	})
	if err != nil {
		return nil, err
	}

	db, err := CreateWithBackend(backend, modifiers...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	db.dbPath = dbPath

	return db, nil
}

// CreateWithBackend creates channeldb instance using the passed kvdb.Backend.
// Any necessary schemas migrations due to updates will take place as
// necessary.
func CreateWithBackend(backend kvdb.Backend,
	modifiers ...OptionModifier) (*DB, error) {

	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	chanDB := &DB{
		Backend: backend,
		clock:   opts.clock,
	}
	chanDB.graph = &ChannelGraph{db: chanDB}

	if err := initChannelDB(backend); err != nil {
		return nil, err
	}

	// Synchronize the version of database and apply migrations if needed.
	if err := chanDB.syncVersions(dbVersions); err != nil {
		return nil, err
	}

	return chanDB, nil
}

// Path returns the file path to the channel database.
func (d *DB) Path() string {
	return d.dbPath
}

// ChannelGraph returns the durable channel graph of the database.
func (d *DB) ChannelGraph() *ChannelGraph {
	return d.graph
}

// initChannelDB creates all top-level buckets if they don't exist yet.
func initChannelDB(db kvdb.Backend) error {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, tlb := range topLevelBuckets {
			if _, err := tx.CreateTopLevelBucket(tlb); err != nil {
				return err
			}
		}

		metaBucket := tx.ReadWriteBucket(metaBucket)
		if metaBucket.Get(dbVersionKey) != nil {
			return nil
		}

		meta := &Meta{
			DbVersionNumber: getLatestDBVersion(dbVersions),
		}

		return putMeta(meta, tx)
	}, func() {})
	if err != nil {
		return fmt.Errorf("unable to create new channeldb: %w", err)
	}

	return nil
}

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// FetchOpenChannels starts a new database transaction and returns all stored
// currently active/open channels associated with the target nodeID. In the
// case that no active channels are known to have been created with this
// node, then a zero-length slice is returned.
func (d *DB) FetchOpenChannels(nodeID *btcec.PublicKey) ([]*OpenChannel,
	error) {

	var channels []*OpenChannel
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		channels, err = d.fetchOpenChannels(tx, nodeID)
		return err
	}, func() {
		channels = nil
	})

	return channels, err
}

// fetchOpenChannels uses and existing database transaction and returns all
// stored currently active/open channels associated with the target nodeID.
func (d *DB) fetchOpenChannels(tx kvdb.RTx,
	nodeID *btcec.PublicKey) ([]*OpenChannel, error) {

	openChanBucket := tx.ReadBucket(openChannelBucket)
	if openChanBucket == nil {
		return nil, nil
	}

	nodeChanBucket := openChanBucket.NestedReadBucket(
		nodeID.SerializeCompressed(),
	)
	if nodeChanBucket == nil {
		return nil, nil
	}

	return d.fetchNodeChannels(nodeChanBucket)
}

// fetchNodeChannels retrieves all active channels from the target
// nodeChanBucket. This function is typically used to fetch all the active
// channels related to a particular node.
func (d *DB) fetchNodeChannels(nodeChanBucket kvdb.RBucket) ([]*OpenChannel,
	error) {

	var channels []*OpenChannel

	err := nodeChanBucket.ForEach(func(chanID, _ []byte) error {
		chanBucket := nodeChanBucket.NestedReadBucket(chanID)
		if chanBucket == nil {
			return nil
		}

		channel, err := fetchOpenChannel(chanBucket)
		if err != nil {
			return fmt.Errorf("unable to read channel %x: %w",
				chanID, err)
		}
		channel.db = d

		channels = append(channels, channel)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return channels, nil
}

// FetchChannel attempts to locate a channel specified by the passed channel
// ID. If the channel cannot be found, then an error will be returned.
func (d *DB) FetchChannel(chanID [32]byte) (*OpenChannel, error) {
	var channel *OpenChannel

	err := kvdb.View(d, func(tx kvdb.RTx) error {
		nodePub := tx.ReadBucket(chanIDIndexBucket).Get(chanID[:])
		if nodePub == nil {
			return ErrChannelNotFound
		}

		nodeChanBucket := tx.ReadBucket(openChannelBucket).
			NestedReadBucket(nodePub)
		if nodeChanBucket == nil {
			return ErrChannelNotFound
		}

		chanBucket := nodeChanBucket.NestedReadBucket(chanID[:])
		if chanBucket == nil {
			return ErrChannelNotFound
		}

		var err error
		channel, err = fetchOpenChannel(chanBucket)
		if err != nil {
			return err
		}
		channel.db = d

		return nil
	}, func() {
		channel = nil
	})
	if err != nil {
		return nil, err
	}

	return channel, nil
}

// FetchAllChannels attempts to retrieve all open channels currently stored
// within the database, including pending open channels.
func (d *DB) FetchAllChannels() ([]*OpenChannel, error) {
	return d.fetchChannels(func(*OpenChannel) bool { return true })
}

// FetchAllOpenChannels will return all channels that have the funding
// transaction confirmed, and is not waiting for a closing transaction to be
// confirmed.
func (d *DB) FetchAllOpenChannels() ([]*OpenChannel, error) {
	return d.fetchChannels(func(c *OpenChannel) bool {
		return !c.IsPending && c.ChanStatus() == ChanStatusDefault
	})
}

// FetchPendingChannels will return channels that have completed the process
// of generating and broadcasting funding transactions, but whose funding
// transactions have yet to be confirmed on the blockchain.
func (d *DB) FetchPendingChannels() ([]*OpenChannel, error) {
	return d.fetchChannels(func(c *OpenChannel) bool {
		return c.IsPending
	})
}

// FetchWaitingCloseChannels will return all channels that have been
// committed to a close on chain, but that haven't been archived yet.
func (d *DB) FetchWaitingCloseChannels() ([]*OpenChannel, error) {
	return d.fetchChannels(func(c *OpenChannel) bool {
		return c.HasChanStatus(ChanStatusCommitBroadcasted) ||
			c.HasChanStatus(ChanStatusCoopBroadcasted)
	})
}

// fetchChannels attempts to retrieve channels currently stored in the
// database that satisfy filter.
func (d *DB) fetchChannels(filter func(*OpenChannel) bool) ([]*OpenChannel,
	error) {

	var channels []*OpenChannel

	err := kvdb.View(d, func(tx kvdb.RTx) error {
		// Get the bucket dedicated to storing the metadata for open
		// channels.
		openChanBucket := tx.ReadBucket(openChannelBucket)
		if openChanBucket == nil {
			return ErrNoActiveChannels
		}

		// Next, fetch the bucket dedicated to storing metadata related
		// to all nodes. All keys within this bucket are the serialized
		// public keys of all our direct counterparties.
		return openChanBucket.ForEach(func(k, v []byte) error {
			// If the value is non-nil, then this isn't a bucket.
			if v != nil {
				return nil
			}

			nodeChanBucket := openChanBucket.NestedReadBucket(k)
			if nodeChanBucket == nil {
				return fmt.Errorf("no bucket for node %x", k)
			}

			nodeChans, err := d.fetchNodeChannels(nodeChanBucket)
			if err != nil {
				return fmt.Errorf("unable to read channel for "+
					"node_key=%x: %w", k, err)
			}

			for _, channel := range nodeChans {
				if filter(channel) {
					channels = append(channels, channel)
				}
			}

			return nil
		})
	}, func() {
		channels = nil
	})
	if err != nil {
		return nil, err
	}

	return channels, nil
}

// FetchClosedChannels attempts to fetch all closed channels from the
// database. The pendingOnly bool toggles if channels that aren't yet fully
// closed should be returned in the response or not.
func (d *DB) FetchClosedChannels(pendingOnly bool) ([]*ChannelCloseSummary,
	error) {

	var chanSummaries []*ChannelCloseSummary

	err := kvdb.View(d, func(tx kvdb.RTx) error {
		closeBucket := tx.ReadBucket(closedChannelBucket)
		if closeBucket == nil {
			return ErrNoClosedChannels
		}

		return closeBucket.ForEach(func(chanID []byte, summaryBytes []byte) error {
			summaryReader := bytes.NewReader(summaryBytes)
			chanSummary, err := deserializeCloseChannelSummary(
				summaryReader,
			)
			if err != nil {
				return err
			}

			// If the query specified to only include pending
			// channels, then we'll skip any channels which aren't
			// currently pending.
			if !chanSummary.IsPending && pendingOnly {
				return nil
			}

			chanSummaries = append(chanSummaries, chanSummary)

			return nil
		})
	}, func() {
		chanSummaries = nil
	})
	if err != nil {
		return nil, err
	}

	return chanSummaries, nil
}

// FetchClosedChannel queries for a channel close summary using the channel
// ID of the channel in question.
func (d *DB) FetchClosedChannel(chanID [32]byte) (*ChannelCloseSummary,
	error) {

	var chanSummary *ChannelCloseSummary

	err := kvdb.View(d, func(tx kvdb.RTx) error {
		closeBucket := tx.ReadBucket(closedChannelBucket)
		if closeBucket == nil {
			return ErrClosedChannelNotFound
		}

		summaryBytes := closeBucket.Get(chanID[:])
		if summaryBytes == nil {
			return ErrClosedChannelNotFound
		}

		var err error
		chanSummary, err = deserializeCloseChannelSummary(
			bytes.NewReader(summaryBytes),
		)

		return err
	}, func() {
		chanSummary = nil
	})
	if err != nil {
		return nil, err
	}

	return chanSummary, nil
}

// MarkChanFullyClosed marks a channel as fully closed within the database. A
// channel should be marked as fully closed if the channel was initially
// cooperatively closed and it's reached a single confirmation, or after all
// the pending funds in a channel that has been forcibly closed have been
// swept.
func (d *DB) MarkChanFullyClosed(chanID [32]byte) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		closedChanBucket := tx.ReadWriteBucket(closedChannelBucket)
		if closedChanBucket == nil {
			return ErrClosedChannelNotFound
		}

		chanSummaryBytes := closedChanBucket.Get(chanID[:])
		if chanSummaryBytes == nil {
			return fmt.Errorf("no closed channel for chan_id=%x "+
				"found", chanID)
		}

		chanSummary, err := deserializeCloseChannelSummary(
			bytes.NewReader(chanSummaryBytes),
		)
		if err != nil {
			return err
		}

		chanSummary.IsPending = false

		var newSummary bytes.Buffer
		err = serializeChannelCloseSummary(&newSummary, chanSummary)
		if err != nil {
			return err
		}

		log.Debugf("ChannelID(%x): marked fully closed", chanID[:])

		return closedChanBucket.Put(chanID[:], newSummary.Bytes())
	}, func() {})
}

// syncVersions function is used for safe db version synchronization. It
// applies migration functions to the current database and recovers the
// previous state of db if at least one error/panic appeared during migration.
func (d *DB) syncVersions(versions []version) error {
	meta, err := d.FetchMeta()
	if err != nil {
		return err
	}

	// If the current database version matches the latest version number,
	// then we don't need to perform any migrations.
	latestVersion := getLatestDBVersion(versions)
	switch {
	case meta.DbVersionNumber == latestVersion:
		return nil

	case meta.DbVersionNumber > latestVersion:
		return fmt.Errorf("refusing to revert from db_version=%d to "+
			"lower version=%d", meta.DbVersionNumber,
			latestVersion)
	}

	log.Infof("Performing database schema migration from version %d "+
		"to %d", meta.DbVersionNumber, latestVersion)

	// Otherwise, we fetch the migrations which need to applied, and
	// execute them serially within a single database transaction to ensure
	// the migration is atomic.
	migrations := getMigrationsToApply(versions, meta.DbVersionNumber)

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		for _, migration := range migrations {
			if migration == nil {
				continue
			}

			if err := migration(tx); err != nil {
				return err
			}
		}

		meta.DbVersionNumber = latestVersion

		return putMeta(meta, tx)
	}, func() {})
}

func getLatestDBVersion(versions []version) uint32 {
	return versions[len(versions)-1].number
}

// getMigrationsToApply retrieves the migration function that should be
// applied to the database.
func getMigrationsToApply(versions []version, version uint32) []migration {
	migrations := make([]migration, 0, len(versions))

	for _, v := range versions {
		if v.number > version {
			migrations = append(migrations, v.migration)
		}
	}

	return migrations
}
