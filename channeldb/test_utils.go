package channeldb

import (
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/lnd/kvdb"
)

// MakeTestDB creates a new instance of the ChannelDB for testing purposes.
// A callback which cleans up the created temporary directories is registered
// with the test.
func MakeTestDB(t testing.TB, modifiers ...OptionModifier) (*DB, error) {
	backend, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), dbName), true,
		kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, err
	}

	cdb, err := CreateWithBackend(backend, modifiers...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	t.Cleanup(func() {
		cdb.Close()
	})

	return cdb, nil
}
