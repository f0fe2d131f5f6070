package hopd

import (
	"github.com/btcsuite/btcd/connmgr"
	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/hopline/hopd/actor"
	"github.com/hopline/hopd/build"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/chanfsm"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/contractcourt"
	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/htlcswitch"
	"github.com/hopline/hopd/invoices"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/peer"
	"github.com/hopline/hopd/peerconn"
	"github.com/hopline/hopd/protofsm"
	"github.com/hopline/hopd/routing"
	"github.com/hopline/hopd/signal"
	"github.com/hopline/hopd/signer"
	"github.com/hopline/hopd/sphinx"
	"github.com/hopline/hopd/wallet"
)

// Loggers per subsystem. The daemon loggers are disabled until SetupLoggers
// hands them a real logger, so they can be used before the config is
// parsed.
var (
	hopdLog = build.NewSubLogger("HOPD", nil)
	srvrLog = build.NewSubLogger("SRVR", nil)
	rpcsLog = build.NewSubLogger("RPCS", nil)
)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	genLogger := root.GenSubLogger

	// Add the hopd root loggers.
	hopdLog = build.NewSubLogger("HOPD", genLogger)
	srvrLog = build.NewSubLogger("SRVR", genLogger)
	rpcsLog = build.NewSubLogger("RPCS", genLogger)

	SetSubLogger(root, "HOPD", hopdLog)
	SetSubLogger(root, "SRVR", srvrLog)
	SetSubLogger(root, "RPCS", rpcsLog)

	AddSubLogger(root, actor.Subsystem, actor.UseLogger)
	AddSubLogger(root, chainntnfs.Subsystem, chainntnfs.UseLogger)
	AddSubLogger(root, chanfsm.Subsystem, chanfsm.UseLogger)
	AddSubLogger(root, channeldb.Subsystem, channeldb.UseLogger)
	AddSubLogger(root, contractcourt.Subsystem, contractcourt.UseLogger)
	AddSubLogger(root, discovery.Subsystem, discovery.UseLogger)
	AddSubLogger(root, graph.Subsystem, graph.UseLogger)
	AddSubLogger(root, htlcswitch.Subsystem, htlcswitch.UseLogger)
	AddSubLogger(root, invoices.Subsystem, invoices.UseLogger)
	AddSubLogger(root, lnwallet.Subsystem, lnwallet.UseLogger)
	AddSubLogger(root, chainfee.Subsystem, chainfee.UseLogger)
	AddSubLogger(root, chanfunding.Subsystem, chanfunding.UseLogger)
	AddSubLogger(root, peer.Subsystem, peer.UseLogger)
	AddSubLogger(root, peerconn.Subsystem, peerconn.UseLogger)
	AddSubLogger(root, protofsm.Subsystem, protofsm.UseLogger)
	AddSubLogger(root, routing.Subsystem, routing.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
	AddSubLogger(root, signer.Subsystem, signer.UseLogger)
	AddSubLogger(root, sphinx.Subsystem, sphinx.UseLogger)
	AddSubLogger(root, wallet.Subsystem, wallet.UseLogger)

	AddV1SubLogger(root, "CMGR", connmgr.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// AddV1SubLogger registers the logger of a sub system that still expects the
// first version of the btclog interface. The v2 logger satisfies it.
func AddV1SubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclogv1.Logger)) {

	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
