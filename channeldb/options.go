package channeldb

import (
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
)

// Options holds parameters for tuning and customizing a channeldb.DB.
type Options struct {
	// NoFreelistSync, if true, prevents the database from syncing its
	// freelist to disk, resulting in improved performance at the expense
	// of increased startup time.
	NoFreelistSync bool

	// AutoCompact specifies if a Bolt based database backend should be
	// automatically compacted on startup.
	AutoCompact bool

	// AutoCompactMinAge is the minimum age the database file must have
	// before it is compacted again.
	AutoCompactMinAge time.Duration

	// DBTimeout is the timeout used when opening the bolt file.
	DBTimeout time.Duration

	// clock is the time source used by the database.
	clock clock.Clock
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{
		NoFreelistSync:    true,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         kvdb.DefaultDBTimeout,
		clock:             clock.NewDefaultClock(),
	}
}

// OptionModifier is a function signature for modifying the default Options.
type OptionModifier func(*Options)

// OptionSetSyncFreelist allows the database to sync its freelist.
func OptionSetSyncFreelist(b bool) OptionModifier {
	return func(o *Options) {
		o.NoFreelistSync = !b
	}
}

// OptionAutoCompact turns on automatic database compaction on startup.
func OptionAutoCompact() OptionModifier {
	return func(o *Options) {
		o.AutoCompact = true
	}
}

// OptionDBTimeout sets the timeout used when opening the database file.
func OptionDBTimeout(timeout time.Duration) OptionModifier {
	return func(o *Options) {
		o.DBTimeout = timeout
	}
}

// OptionClock sets a non-default clock dependency.
func OptionClock(clock clock.Clock) OptionModifier {
	return func(o *Options) {
		o.clock = clock
	}
}
