package lncfg

import (
	"fmt"
	"time"

	"github.com/hopline/hopd/chainntnfs"
)

// DefaultRPCHost is the btcd RPC host used when none is configured. The
// RPC port of the active network is added during validation.
const DefaultRPCHost = "localhost"

// Chain holds the connection to the btcd node hopd watches the chain
// through.
//
//nolint:lll
type Chain struct {
	Network string `long:"network" description:"The bitcoin network to run on." choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet" choice:"simnet"`

	RPCHost string `long:"rpchost" description:"The btcd RPC endpoint, host[:port]. The port defaults to the btcd RPC port of the network."`

	RPCUser string `long:"rpcuser" description:"Username for the btcd RPC connection."`

	RPCPass string `long:"rpcpass" default-mask:"-" description:"Password for the btcd RPC connection."`

	RPCCert string `long:"rpccert" description:"The TLS certificate of btcd. TLS is disabled if not set."`

	PollInterval time.Duration `long:"poll-interval" description:"The interval at which btcd is polled for a new block."`

	// Mock runs the daemon against an in-memory chain. Used by tests.
	Mock bool `long:"mock" hidden:"true"`
}

// DefaultChain returns the default chain settings.
func DefaultChain() *Chain {
	return &Chain{
		Network:      "regtest",
		RPCHost:      DefaultRPCHost,
		PollInterval: chainntnfs.DefaultPollInterval,
	}
}

// Validate checks the chain settings.
func (c *Chain) Validate() error {
	if c.Mock {
		return nil
	}

	if c.RPCHost == "" {
		return fmt.Errorf("chain.rpchost must be set")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("chain.poll-interval must be positive")
	}

	return nil
}

// ConnConfig returns the btcd connection parameters.
func (c *Chain) ConnConfig() chainntnfs.BtcdConnConfig {
	return chainntnfs.BtcdConnConfig{
		Host:     c.RPCHost,
		User:     c.RPCUser,
		Pass:     c.RPCPass,
		CertPath: CleanAndExpandPath(c.RPCCert),
	}
}

// Compile-time constraint to ensure Chain implements the Validator
// interface.
var _ Validator = (*Chain)(nil)
