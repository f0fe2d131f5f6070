package lncfg

import (
	"fmt"
	"time"

	"github.com/hopline/hopd/channeldb"
	"github.com/lightningnetwork/lnd/kvdb"
)

// DefaultDBDirname is the directory below hopdir the channel database
// lives in.
const DefaultDBDirname = "data"

// DB holds database configuration for hopd.
//
//nolint:lll
type DB struct {
	Path string `long:"path" description:"The directory of the channel database. Defaults to a directory below hopdir named after the network."`

	Timeout time.Duration `long:"timeout" description:"The time to wait for the database file lock before giving up."`

	NoFreelistSync bool `long:"no-freelist-sync" description:"Whether the freelist is not synced to disk. Speeds up writes at the cost of a slower startup."`

	AutoCompact bool `long:"auto-compact" description:"Compact the database on startup."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		Timeout:        kvdb.DefaultDBTimeout,
		NoFreelistSync: true,
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	if db.Timeout <= 0 {
		return fmt.Errorf("db timeout must be positive, got %v",
			db.Timeout)
	}

	return nil
}

// Options returns the channeldb options described by the config.
func (db *DB) Options() []channeldb.OptionModifier {
	opts := []channeldb.OptionModifier{
		channeldb.OptionDBTimeout(db.Timeout),
		channeldb.OptionSetSyncFreelist(!db.NoFreelistSync),
	}
	if db.AutoCompact {
		opts = append(opts, channeldb.OptionAutoCompact())
	}

	return opts
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
