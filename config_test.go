package hopd

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConfig returns a default config rooted in a temporary directory.
func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.HopDir = t.TempDir()
	cfg.Log.DisableConsole = true
	cfg.Log.DisableFile = true

	return cfg
}

// TestValidateConfigDefaults checks the defaults are filled in relative to the
// hop directory.
func TestValidateConfigDefaults(t *testing.T) {
	cfg := testConfig(t)

	clean, err := ValidateConfig(cfg)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(cfg.HopDir, defaultDataDirname),
		clean.DataDir)
	require.Equal(t, filepath.Join(clean.DataDir, defaultChainDirname,
		"regtest"), clean.DB.Path)
	require.Equal(t, "regtest", clean.ActiveNetParams.Name)

	// The btcd port follows the network.
	_, port, err := net.SplitHostPort(clean.Chain.RPCHost)
	require.NoError(t, err)
	require.Equal(t, clean.ActiveNetParams.RPCPort, port)
	require.Equal(t, "18334", port)

	require.Len(t, clean.Listeners, 1)
	require.True(t, strings.HasSuffix(clean.Listeners[0].String(), ":9735"))
	require.Len(t, clean.RESTListeners, 1)
	require.True(t, strings.HasSuffix(
		clean.RESTListeners[0].String(), ":8080",
	))
	require.Equal(t, filepath.Join(clean.DB.Path, defaultSeedFilename),
		clean.seedPath())
}

// TestValidateConfigRPCPort checks the btcd port follows the network unless
// the host names one.
func TestValidateConfigRPCPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chain.Network = "testnet"

	clean, err := ValidateConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "localhost:18334", clean.Chain.RPCHost)

	cfg = testConfig(t)
	cfg.Chain.Network = "simnet"
	cfg.Chain.RPCHost = "btcd.local:9999"

	clean, err = ValidateConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "btcd.local:9999", clean.Chain.RPCHost)
}

// TestValidateConfigConnectPeers checks persistent peers are parsed with the
// default port.
func TestValidateConfigConnectPeers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chain.Mock = true
	cfg.DisableRest = true

	pub := randPubKeyHex(t)
	cfg.RawConnectPeers = []string{pub + "@127.0.0.1"}
	clean, err := ValidateConfig(cfg)
	require.NoError(t, err)
	require.Empty(t, clean.RESTListeners)
	require.Len(t, clean.ConnectPeers, 1)
	require.Equal(t, "127.0.0.1:9735", clean.ConnectPeers[0].Address.String())
}

// TestValidateConfigErrors checks invalid settings are refused.
func TestValidateConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{
			name: "unknown network",
			modify: func(c *Config) {
				c.Chain.Network = "moonnet"
			},
		},
		{
			name: "backoff order",
			modify: func(c *Config) {
				c.MinBackoff = time.Minute
				c.MaxBackoff = time.Second
			},
		},
		{
			name: "alias too long",
			modify: func(c *Config) {
				c.Alias = strings.Repeat("x", 33)
			},
		},
		{
			name: "short node key",
			modify: func(c *Config) {
				c.NodeKey = "abcd"
			},
		},
		{
			name: "bad debug level",
			modify: func(c *Config) {
				c.DebugLevel = "loud"
			},
		},
		{
			name: "bad connect peer",
			modify: func(c *Config) {
				c.RawConnectPeers = []string{"127.0.0.1:9735"}
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Chain.Mock = true
			test.modify(&cfg)

			_, err := ValidateConfig(cfg)
			require.Error(t, err)
		})
	}
}
