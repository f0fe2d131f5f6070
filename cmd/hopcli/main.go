package main

import (
	"fmt"
	"os"
	"time"

	"github.com/hopline/hopd/build"
	"github.com/urfave/cli"
)

const (
	defaultRESTHostPort = "localhost:8080"
	defaultTimeout      = 2 * time.Minute
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[hopcli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "hopcli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "control plane for your hop daemon (hopd)"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "restserver",
			Value: defaultRESTHostPort,
			Usage: "The host:port of the REST API of hopd.",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: defaultTimeout,
			Usage: "The time to wait for a response of hopd.",
		},
	}
	app.Commands = []cli.Command{
		getInfoCommand,
		connectCommand,
		disconnectCommand,
		listPeersCommand,
		openChannelCommand,
		closeChannelCommand,
		listChannelsCommand,
		getChanInfoCommand,
		addInvoiceCommand,
		lookupInvoiceCommand,
		cancelInvoiceCommand,
		sendPaymentCommand,
		trackPaymentCommand,
		queryRoutesCommand,
		forwardingHistoryCommand,
		describeGraphCommand,
		newAddressCommand,
		walletBalanceCommand,
		listCoinsCommand,
		addCoinCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
