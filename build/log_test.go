package build

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

// TestParseAndSetDebugLevels checks the global and per subsystem forms of the
// debug level string.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf, DefaultLogConfig())
	chdb := mgr.GenSubLogger("CHDB")
	peer := mgr.GenSubLogger("PEER")

	require.NoError(t, ParseAndSetDebugLevels("debug", mgr))
	require.Equal(t, btclog.LevelDebug, chdb.Level())
	require.Equal(t, btclog.LevelDebug, peer.Level())

	require.NoError(t, ParseAndSetDebugLevels("info,PEER=trace", mgr))
	require.Equal(t, btclog.LevelInfo, chdb.Level())
	require.Equal(t, btclog.LevelTrace, peer.Level())

	require.Error(t, ParseAndSetDebugLevels("loud", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,NOPE=debug", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,PEER", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,PEER=loud", mgr))

	require.Equal(t, []string{"CHDB", "PEER"}, mgr.SupportedSubsystems())
}

// TestLogConfigValidate makes sure unsupported options are rejected.
func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	cfg.Compressor = "lz4"
	require.Error(t, cfg.Validate())

	cfg = DefaultLogConfig()
	cfg.CallSite = "everywhere"
	require.Error(t, cfg.Validate())

	require.Equal(t, btclog.Disabled, NewSubLogger("TEST", nil))
}

// TestShutdownLogger checks critical messages request a single shutdown.
func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf, DefaultLogConfig())

	var requests int
	log := NewShutdownLogger(mgr.GenSubLogger("HOPD"), func() {
		requests++
	})

	log.Errorf("not critical")
	require.Zero(t, requests)

	log.Criticalf("disk %s", "full")
	log.Critical("still full")
	require.Equal(t, 1, requests)
	require.Contains(t, buf.String(), "disk full")
}
