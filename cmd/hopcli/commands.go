package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hopline/hopd"
	"github.com/urfave/cli"
)

// actionDecorator prefixes errors of a command with the command name.
func actionDecorator(f func(*cli.Context) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		if err := f(c); err != nil {
			return fmt.Errorf("%s: %w", c.Command.Name, err)
		}

		return nil
	}
}

// argOrFlag returns the flag named name if set, otherwise the next
// positional argument.
func argOrFlag(ctx *cli.Context, args *cli.Args, name string) string {
	if ctx.IsSet(name) {
		return ctx.String(name)
	}
	if args.Present() {
		v := args.First()
		*args = args.Tail()

		return v
	}

	return ""
}

// int64ArgOrFlag is argOrFlag for integers.
func int64ArgOrFlag(ctx *cli.Context, args *cli.Args,
	name string) (int64, error) {

	if ctx.IsSet(name) {
		return ctx.Int64(name), nil
	}
	if args.Present() {
		v, err := strconv.ParseInt(args.First(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unable to decode %s: %w", name, err)
		}
		*args = args.Tail()

		return v, nil
	}

	return 0, nil
}

var getInfoCommand = cli.Command{
	Name:   "getinfo",
	Usage:  "Returns basic information related to the active daemon.",
	Action: actionDecorator(getInfo),
}

func getInfo(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/v1/info", nil, nil)
}

var connectCommand = cli.Command{
	Name:      "connect",
	Category:  "Peers",
	Usage:     "Connect to a remote hopd peer.",
	ArgsUsage: "<pubkey>@host",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name: "perm",
			Usage: "If set, the daemon will attempt to persistently " +
				"connect to the target peer.",
		},
	},
	Action: actionDecorator(connectPeer),
}

func connectPeer(ctx *cli.Context) error {
	addr := ctx.Args().First()
	if addr == "" {
		return cli.ShowCommandHelp(ctx, "connect")
	}

	return call(ctx, http.MethodPost, "/v1/peers", nil,
		&hopd.ConnectPeerRequest{
			Addr: addr,
			Perm: ctx.Bool("perm"),
		},
	)
}

var disconnectCommand = cli.Command{
	Name:      "disconnect",
	Category:  "Peers",
	Usage:     "Disconnect a remote hopd peer identified by public key.",
	ArgsUsage: "<pubkey>",
	Action:    actionDecorator(disconnectPeer),
}

func disconnectPeer(ctx *cli.Context) error {
	pubKey := ctx.Args().First()
	if pubKey == "" {
		return cli.ShowCommandHelp(ctx, "disconnect")
	}

	return call(ctx, http.MethodDelete, "/v1/peers/"+pubKey, nil, nil)
}

var listPeersCommand = cli.Command{
	Name:     "listpeers",
	Category: "Peers",
	Usage:    "List all active, currently connected peers.",
	Action:   actionDecorator(listPeers),
}

func listPeers(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/v1/peers", nil, nil)
}

var openChannelCommand = cli.Command{
	Name:     "openchannel",
	Category: "Channels",
	Usage:    "Open a channel to a node.",
	Description: `
	Attempt to open a new channel to an existing peer with the key
	node_key. If a connect address is given the peer is connected to first.

	One can also specify a short string memo to attach to the channel.
	The channel is funded from the coins of the wallet.`,
	ArgsUsage: "node_key local_amt push_amt",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "node_key",
			Usage: "the identity public key of the target node/peer " +
				"serialized in compressed format",
		},
		cli.StringFlag{
			Name:  "connect",
			Usage: "(optional) the host:port of the target node",
		},
		cli.Int64Flag{
			Name:  "local_amt",
			Usage: "the number of satoshis the wallet should commit to the channel",
		},
		cli.Int64Flag{
			Name: "push_amt",
			Usage: "the number of millisatoshis to give the remote side " +
				"as part of the initial commitment state",
		},
	},
	Action: actionDecorator(openChannel),
}

func openChannel(ctx *cli.Context) error {
	args := ctx.Args()
	if ctx.NArg() == 0 && ctx.NumFlags() == 0 {
		return cli.ShowCommandHelp(ctx, "openchannel")
	}

	nodeKey := argOrFlag(ctx, &args, "node_key")
	if nodeKey == "" {
		return fmt.Errorf("node id argument missing")
	}

	localAmt, err := int64ArgOrFlag(ctx, &args, "local_amt")
	if err != nil {
		return err
	}
	if localAmt == 0 {
		return fmt.Errorf("local amt argument missing")
	}

	pushAmt, err := int64ArgOrFlag(ctx, &args, "push_amt")
	if err != nil {
		return err
	}
	if pushAmt < 0 {
		return fmt.Errorf("push amt must not be negative")
	}

	return call(ctx, http.MethodPost, "/v1/channels", nil,
		&hopd.OpenChannelRequest{
			NodePubkey:         nodeKey,
			Address:            ctx.String("connect"),
			LocalFundingAmount: localAmt,
			PushMsat:           uint64(pushAmt),
		},
	)
}

var closeChannelCommand = cli.Command{
	Name:     "closechannel",
	Category: "Channels",
	Usage:    "Close an existing channel.",
	Description: `
	Close an existing channel. The channel can be closed either
	cooperatively, or unilaterally (--force).

	A unilateral channel closure means that the latest commitment
	transaction will be broadcast to the network. As a result, any settled
	funds will be time locked for a few blocks before they can be spent.

	The channel is identified by its channel id or its funding outpoint
	txid:index.`,
	ArgsUsage: "channel",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name: "force",
			Usage: "attempt an uncooperative closure with the " +
				"commitment transaction",
		},
		cli.StringFlag{
			Name: "delivery_addr",
			Usage: "(optional) an address to deliver funds upon " +
				"cooperative channel closing",
		},
	},
	Action: actionDecorator(closeChannel),
}

func closeChannel(ctx *cli.Context) error {
	channel := ctx.Args().First()
	if channel == "" {
		return cli.ShowCommandHelp(ctx, "closechannel")
	}

	query := url.Values{}
	if ctx.Bool("force") {
		query.Set("force", "true")
	}
	if addr := ctx.String("delivery_addr"); addr != "" {
		query.Set("delivery_address", addr)
	}

	return call(ctx, http.MethodDelete, "/v1/channels/"+channel, query,
		nil)
}

var listChannelsCommand = cli.Command{
	Name:     "listchannels",
	Category: "Channels",
	Usage:    "List all open channels.",
	Action:   actionDecorator(listChannels),
}

func listChannels(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/v1/channels", nil, nil)
}

var getChanInfoCommand = cli.Command{
	Name:      "getchaninfo",
	Category:  "Channels",
	Usage:     "Get the state of a specific channel.",
	ArgsUsage: "channel",
	Action:    actionDecorator(getChanInfo),
}

func getChanInfo(ctx *cli.Context) error {
	channel := ctx.Args().First()
	if channel == "" {
		return cli.ShowCommandHelp(ctx, "getchaninfo")
	}

	return call(ctx, http.MethodGet, "/v1/channels/"+channel, nil, nil)
}

var addInvoiceCommand = cli.Command{
	Name:     "addinvoice",
	Category: "Invoices",
	Usage:    "Add a new invoice.",
	Description: `
	Add a new invoice, expressing intent for a future payment.

	Invoices without an amount can be created by not supplying any
	parameters or providing an amount of 0. These invoices allow the payer
	to specify the amount they wish to send.`,
	ArgsUsage: "amt_msat",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "memo",
			Usage: "a description of the payment to attach along " +
				"with the invoice (default=\"\")",
		},
		cli.StringFlag{
			Name: "preimage",
			Usage: "the hex-encoded preimage (32 byte) which will " +
				"allow settling an incoming HTLC payable to this " +
				"preimage. If not set, a random preimage will be " +
				"created.",
		},
		cli.Int64Flag{
			Name:  "amt_msat",
			Usage: "the amt of millisatoshis in this invoice",
		},
		cli.Int64Flag{
			Name: "expiry",
			Usage: "the invoice's expiry time in seconds. If not " +
				"specified, an expiry of 3600 seconds is implied.",
		},
		cli.Uint64Flag{
			Name:  "cltv_expiry_delta",
			Usage: "the final cltv delta of the invoice",
		},
	},
	Action: actionDecorator(addInvoice),
}

func addInvoice(ctx *cli.Context) error {
	args := ctx.Args()

	amt, err := int64ArgOrFlag(ctx, &args, "amt_msat")
	if err != nil {
		return err
	}
	if amt < 0 {
		return fmt.Errorf("amount must not be negative")
	}

	return call(ctx, http.MethodPost, "/v1/invoices", nil,
		&hopd.AddInvoiceRequest{
			Memo:       ctx.String("memo"),
			ValueMsat:  uint64(amt),
			Expiry:     ctx.Int64("expiry"),
			CltvExpiry: uint32(ctx.Uint64("cltv_expiry_delta")),
			Preimage:   ctx.String("preimage"),
		},
	)
}

var lookupInvoiceCommand = cli.Command{
	Name:      "lookupinvoice",
	Category:  "Invoices",
	Usage:     "Lookup an existing invoice by its payment hash.",
	ArgsUsage: "rhash",
	Action:    actionDecorator(lookupInvoice),
}

func lookupInvoice(ctx *cli.Context) error {
	hash := ctx.Args().First()
	if hash == "" {
		return cli.ShowCommandHelp(ctx, "lookupinvoice")
	}

	return call(ctx, http.MethodGet, "/v1/invoices/"+hash, nil, nil)
}

var cancelInvoiceCommand = cli.Command{
	Name:      "cancelinvoice",
	Category:  "Invoices",
	Usage:     "Cancel an open invoice by its payment hash.",
	ArgsUsage: "rhash",
	Action:    actionDecorator(cancelInvoice),
}

func cancelInvoice(ctx *cli.Context) error {
	hash := ctx.Args().First()
	if hash == "" {
		return cli.ShowCommandHelp(ctx, "cancelinvoice")
	}

	return call(ctx, http.MethodDelete, "/v1/invoices/"+hash, nil, nil)
}

var sendPaymentCommand = cli.Command{
	Name:     "sendpayment",
	Category: "Payments",
	Usage:    "Send a payment over lightning.",
	Description: `
	Send a payment over Lightning. One can either specify the full
	parameters of the payment, or the payment request (--pay_req).

	The call blocks until the payment succeeded or failed for good.`,
	ArgsUsage: "dest amt_msat payment_hash final_cltv_delta | --pay_req=R",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "pay_req",
			Usage: "a zpay32 encoded payment request to fulfill",
		},
		cli.StringFlag{
			Name: "dest, d",
			Usage: "the compressed identity pubkey of the " +
				"payment recipient",
		},
		cli.Int64Flag{
			Name:  "amt_msat",
			Usage: "number of millisatoshis to send",
		},
		cli.StringFlag{
			Name:  "payment_hash, r",
			Usage: "the hash to use within the payment's HTLC",
		},
		cli.Int64Flag{
			Name:  "final_cltv_delta",
			Usage: "the number of blocks the last hop has to reveal the preimage",
		},
		cli.Int64Flag{
			Name:  "fee_limit_msat",
			Usage: "maximum fee allowed in millisatoshis",
		},
		cli.Uint64Flag{
			Name:  "cltv_limit",
			Usage: "the maximum time lock that may be used for this payment",
		},
		cli.IntFlag{
			Name:  "max_attempts",
			Usage: "the number of routes tried at most",
		},
	},
	Action: actionDecorator(sendPayment),
}

func sendPayment(ctx *cli.Context) error {
	if ctx.NArg() == 0 && ctx.NumFlags() == 0 {
		return cli.ShowCommandHelp(ctx, "sendpayment")
	}

	req := &hopd.SendPaymentRequest{
		PaymentRequest: ctx.String("pay_req"),
		FeeLimitMsat:   uint64(ctx.Int64("fee_limit_msat")),
		CltvLimit:      uint32(ctx.Uint64("cltv_limit")),
		MaxAttempts:    ctx.Int("max_attempts"),
	}

	args := ctx.Args()
	if req.PaymentRequest == "" {
		req.Dest = argOrFlag(ctx, &args, "dest")
		if req.Dest == "" {
			return fmt.Errorf("destination argument missing")
		}

		amt, err := int64ArgOrFlag(ctx, &args, "amt_msat")
		if err != nil {
			return err
		}
		req.AmtMsat = uint64(amt)

		req.PaymentHash = argOrFlag(ctx, &args, "payment_hash")
		if req.PaymentHash == "" {
			return fmt.Errorf("payment hash argument missing")
		}

		delta, err := int64ArgOrFlag(ctx, &args, "final_cltv_delta")
		if err != nil {
			return err
		}
		req.FinalCltvDelta = uint16(delta)
	} else if ctx.IsSet("amt_msat") {
		req.AmtMsat = uint64(ctx.Int64("amt_msat"))
	}

	return call(ctx, http.MethodPost, "/v1/payments", nil, req)
}

var trackPaymentCommand = cli.Command{
	Name:      "trackpayment",
	Category:  "Payments",
	Usage:     "Look up the status of a payment by its hash.",
	ArgsUsage: "hash",
	Action:    actionDecorator(trackPayment),
}

func trackPayment(ctx *cli.Context) error {
	hash := ctx.Args().First()
	if hash == "" {
		return cli.ShowCommandHelp(ctx, "trackpayment")
	}

	return call(ctx, http.MethodGet, "/v1/payments/"+hash, nil, nil)
}

var queryRoutesCommand = cli.Command{
	Name:        "queryroutes",
	Category:    "Payments",
	Usage:       "Query a route to a destination.",
	Description: "Queries the channel router for potential routes to a destination",
	ArgsUsage:   "dest amt_msat",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "dest",
			Usage: "the 33-byte hex-encoded public key for the payment " +
				"destination",
		},
		cli.Int64Flag{
			Name:  "amt_msat",
			Usage: "the amount to send expressed in millisatoshis",
		},
		cli.Int64Flag{
			Name:  "fee_limit_msat",
			Usage: "maximum fee allowed in millisatoshis",
		},
		cli.Uint64Flag{
			Name:  "cltv_limit",
			Usage: "the maximum time lock that may be used",
		},
		cli.IntFlag{
			Name:  "num_routes",
			Usage: "the number of routes returned at most",
		},
	},
	Action: actionDecorator(queryRoutes),
}

func queryRoutes(ctx *cli.Context) error {
	args := ctx.Args()

	dest := argOrFlag(ctx, &args, "dest")
	if dest == "" {
		return fmt.Errorf("dest argument missing")
	}

	amt, err := int64ArgOrFlag(ctx, &args, "amt_msat")
	if err != nil {
		return err
	}
	if amt <= 0 {
		return fmt.Errorf("amt argument missing")
	}

	query := url.Values{}
	query.Set("dest", dest)
	query.Set("amt_msat", strconv.FormatInt(amt, 10))
	if ctx.IsSet("fee_limit_msat") {
		query.Set("fee_limit_msat",
			strconv.FormatInt(ctx.Int64("fee_limit_msat"), 10))
	}
	if ctx.IsSet("cltv_limit") {
		query.Set("cltv_limit",
			strconv.FormatUint(ctx.Uint64("cltv_limit"), 10))
	}
	if ctx.IsSet("num_routes") {
		query.Set("num_routes", strconv.Itoa(ctx.Int("num_routes")))
	}

	return call(ctx, http.MethodGet, "/v1/routes", query, nil)
}

var forwardingHistoryCommand = cli.Command{
	Name:      "fwdinghistory",
	Category:  "Payments",
	Usage:     "Query the history of all forwarded HTLCs.",
	ArgsUsage: "start_time [end_time] [index_offset] [max_events]",
	Description: `
	Query the HTLCs settled through this node within a time range.

	The times are unix timestamps in seconds. The end time defaults to now.
	The index offset skips that many matching events, which pages through
	a large history together with max_events.`,
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "start_time",
			Usage: "the starting time for the query",
		},
		cli.Int64Flag{
			Name:  "end_time",
			Usage: "the end time for the query",
		},
		cli.Int64Flag{
			Name:  "index_offset",
			Usage: "the number of events to skip",
		},
		cli.Int64Flag{
			Name:  "max_events",
			Usage: "the max number of events to return",
		},
		cli.StringSliceFlag{
			Name: "incoming_chan_ids",
			Usage: "only events of these incoming channels, as " +
				"BLOCKxTXxOUT or integer (repeatable)",
		},
		cli.StringSliceFlag{
			Name:  "outgoing_chan_ids",
			Usage: "only events of these outgoing channels (repeatable)",
		},
	},
	Action: actionDecorator(forwardingHistory),
}

func forwardingHistory(ctx *cli.Context) error {
	args := ctx.Args()

	query := url.Values{}
	params := []struct {
		flag string
		key  string
	}{
		{"start_time", "start"},
		{"end_time", "end"},
		{"index_offset", "offset"},
		{"max_events", "max"},
	}
	for _, p := range params {
		v, err := int64ArgOrFlag(ctx, &args, p.flag)
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("%s must not be negative", p.flag)
		}
		if v != 0 {
			query.Set(p.key, strconv.FormatInt(v, 10))
		}
	}
	for _, id := range ctx.StringSlice("incoming_chan_ids") {
		query.Add("chan_in", id)
	}
	for _, id := range ctx.StringSlice("outgoing_chan_ids") {
		query.Add("chan_out", id)
	}

	return call(ctx, http.MethodGet, "/v1/forwarding", query, nil)
}

var describeGraphCommand = cli.Command{
	Name:     "describegraph",
	Category: "Graph",
	Usage:    "Describe the network graph.",
	Description: "Prints a JSON representation of all the nodes and " +
		"channels in the network graph.",
	Action: actionDecorator(describeGraph),
}

func describeGraph(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/v1/graph", nil, nil)
}

var newAddressCommand = cli.Command{
	Name:     "newaddress",
	Category: "Wallet",
	Usage:    "Generates a new taproot address.",
	Action:   actionDecorator(newAddress),
}

func newAddress(ctx *cli.Context) error {
	return call(ctx, http.MethodPost, "/v1/wallet/address", nil, nil)
}

var walletBalanceCommand = cli.Command{
	Name:     "walletbalance",
	Category: "Wallet",
	Usage:    "Compute and display the wallet's current balance.",
	Action:   actionDecorator(walletBalance),
}

func walletBalance(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/v1/wallet/balance", nil, nil)
}

var listCoinsCommand = cli.Command{
	Name:     "listcoins",
	Category: "Wallet",
	Usage:    "List the confirmed coins of the wallet.",
	Action:   actionDecorator(listCoins),
}

func listCoins(ctx *cli.Context) error {
	return call(ctx, http.MethodGet, "/v1/wallet/coins", nil, nil)
}

var addCoinCommand = cli.Command{
	Name:     "addcoin",
	Category: "Wallet",
	Usage:    "Add an output paying to a wallet address.",
	Description: `
	Hands the wallet an output paying to one of its addresses. The coin is
	spendable once the output confirmed.`,
	ArgsUsage: "txid:index [height_hint]",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "height_hint",
			Usage: "a height at or below the confirmation of the output",
		},
	},
	Action: actionDecorator(addCoin),
}

func addCoin(ctx *cli.Context) error {
	args := ctx.Args()

	outpoint := args.First()
	if outpoint == "" {
		return cli.ShowCommandHelp(ctx, "addcoin")
	}
	args = args.Tail()

	hint, err := int64ArgOrFlag(ctx, &args, "height_hint")
	if err != nil {
		return err
	}

	return call(ctx, http.MethodPost, "/v1/wallet/coins", nil,
		&hopd.AddCoinRequest{
			Outpoint:   outpoint,
			HeightHint: uint32(hint),
		},
	)
}
