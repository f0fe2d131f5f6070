package hopd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/gin-gonic/gin"
	"github.com/hopline/hopd/build"
	"github.com/hopline/hopd/chanfsm"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/invoices"
	"github.com/hopline/hopd/lncfg"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/peerconn"
	"github.com/hopline/hopd/routing"
	"github.com/hopline/hopd/wallet"
	"github.com/hopline/hopd/zpay32"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// errBadRequest marks errors caused by the request itself.
var errBadRequest = errors.New("bad request")

// badRequest wraps err so the caller gets a 400.
func badRequest(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, a...))
}

// rpcServer is the REST front end of the hop daemon.
type rpcServer struct {
	server *server
}

// newRPCServer creates the REST front end over s.
func newRPCServer(s *server) *rpcServer {
	return &rpcServer{server: s}
}

// handler returns the router of the REST API.
func (r *rpcServer) handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), logRequests, r.requireActive)

	v1 := router.Group("/v1")

	v1.POST("/channels", r.openChannel)
	v1.GET("/channels", r.listChannels)
	v1.GET("/channels/:id", r.getChannel)
	v1.DELETE("/channels/:id", r.closeChannel)

	v1.POST("/payments", r.sendPayment)
	v1.GET("/payments/:hash", r.lookupPayment)
	v1.GET("/routes", r.queryRoutes)
	v1.GET("/forwarding", r.forwardingHistory)

	v1.POST("/invoices", r.addInvoice)
	v1.GET("/invoices/:hash", r.lookupInvoice)
	v1.DELETE("/invoices/:hash", r.cancelInvoice)

	v1.POST("/peers", r.connectPeer)
	v1.GET("/peers", r.listPeers)
	v1.DELETE("/peers/:pubkey", r.disconnectPeer)

	v1.GET("/graph", r.describeGraph)
	v1.GET("/info", r.getInfo)

	v1.POST("/wallet/address", r.newAddress)
	v1.GET("/wallet/balance", r.walletBalance)
	v1.GET("/wallet/coins", r.listCoins)
	v1.POST("/wallet/coins", r.addCoin)

	return router
}

// logRequests logs every request with its status and latency.
func logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()

	rpcsLog.Debugf("[%s] %s %d (%v)", c.Request.Method,
		c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

// requireActive rejects requests while the server isn't running.
func (r *rpcServer) requireActive(c *gin.Context) {
	if err := r.server.checkActive(); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.Next()
}

// writeError sends err with the status matching its kind.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var alreadyConnected *peerconn.ErrPeerAlreadyConnected
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, invoices.ErrInvalidAmount),
		errors.Is(err, wallet.ErrUnknownScript),
		errors.Is(err, wallet.ErrNoOutput):

		status = http.StatusBadRequest

	case errors.Is(err, chanfsm.ErrUnknownChannel),
		errors.Is(err, channeldb.ErrPaymentNotInitiated),
		errors.Is(err, channeldb.ErrInvoiceNotFound),
		errors.Is(err, peerconn.ErrPeerNotConnected),
		routing.IsError(err, routing.ErrNoPathFound,
			routing.ErrTargetNotInNetwork):

		status = http.StatusNotFound

	case errors.Is(err, chanfsm.ErrCloseInProgress),
		errors.Is(err, chanfsm.ErrChannelNotActive),
		errors.Is(err, channeldb.ErrAlreadyPaid),
		errors.Is(err, channeldb.ErrPaymentInFlight),
		errors.Is(err, wallet.ErrCoinSpent),
		errors.As(err, &alreadyConnected):

		status = http.StatusConflict

	case errors.Is(err, chanfsm.ErrPeerOffline):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		rpcsLog.Errorf("[%s] %s: %v", c.Request.Method,
			c.Request.URL.Path, err)
	}

	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// parsePubKey decodes a hex encoded compressed public key.
func parsePubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, badRequest("invalid pubkey %q", s)
	}

	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, badRequest("invalid pubkey %q: %v", s, err)
	}

	return pub, nil
}

// parseChanID accepts a hex channel id or a funding outpoint txid:index.
func parseChanID(s string) (lnwire.ChannelID, error) {
	if strings.Contains(s, ":") {
		op, err := wire.NewOutPointFromString(s)
		if err != nil {
			return lnwire.ChannelID{}, badRequest("invalid channel "+
				"point %q", s)
		}

		return lnwire.NewChanIDFromOutPoint(*op), nil
	}

	var chanID lnwire.ChannelID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(chanID) {
		return chanID, badRequest("invalid channel id %q", s)
	}
	copy(chanID[:], b)

	return chanID, nil
}

// parseHash decodes a hex payment hash.
func parseHash(s string) (lntypes.Hash, error) {
	hash, err := lntypes.MakeHashFromStr(s)
	if err != nil {
		return hash, badRequest("invalid payment hash %q", s)
	}

	return hash, nil
}

// queryUint parses an optional unsigned query parameter.
func queryUint(c *gin.Context, key string) (uint64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", key, v)
	}

	return n, nil
}

// Channel is the REST view of a channel.
type Channel struct {
	ChannelID     string `json:"channel_id,omitempty"`
	PendingID     string `json:"pending_id,omitempty"`
	ChannelPoint  string `json:"channel_point,omitempty"`
	ShortChanID   uint64 `json:"short_chan_id,omitempty"`
	RemotePubkey  string `json:"remote_pubkey"`
	State         string `json:"state"`
	Initiator     bool   `json:"initiator"`
	Capacity      int64  `json:"capacity,omitempty"`
	LocalBalance  uint64 `json:"local_balance_msat"`
	RemoteBalance uint64 `json:"remote_balance_msat"`
	CommitFee     int64  `json:"commit_fee,omitempty"`
	CommitHeight  uint64 `json:"commit_height"`
	NumHtlcs      int    `json:"num_htlcs"`
	TotalSent     uint64 `json:"total_msat_sent"`
	TotalReceived uint64 `json:"total_msat_received"`
	ClosingTxid   string `json:"closing_txid,omitempty"`
	CloseType     string `json:"close_type,omitempty"`
}

// marshalChannel converts the view of a channel actor.
func marshalChannel(info *chanfsm.ChannelInfo) *Channel {
	ch := &Channel{
		State:     info.State,
		Initiator: info.Initiator,
	}
	if info.Peer != nil {
		ch.RemotePubkey = hex.EncodeToString(
			info.Peer.SerializeCompressed(),
		)
	}
	if info.ChanID != (lnwire.ChannelID{}) {
		ch.ChannelID = info.ChanID.String()
	} else {
		ch.PendingID = hex.EncodeToString(info.PendingID[:])
	}
	ch.ShortChanID = info.ShortChanID.ToUint64()

	if snap := info.Snapshot; snap != nil {
		ch.ChannelPoint = snap.ChannelPoint.String()
		ch.Capacity = int64(snap.Capacity)
		ch.LocalBalance = uint64(snap.LocalBalance)
		ch.RemoteBalance = uint64(snap.RemoteBalance)
		ch.CommitFee = int64(snap.CommitFee)
		ch.CommitHeight = snap.LocalCommitHeight
		ch.NumHtlcs = len(snap.Htlcs)
		ch.TotalSent = uint64(snap.TotalMSatSent)
		ch.TotalReceived = uint64(snap.TotalMSatReceived)
	}

	if sum := info.CloseSummary; sum != nil {
		ch.ClosingTxid = sum.ClosingTXID.String()
		ch.CloseType = sum.CloseType.String()
		if ch.ChannelPoint == "" {
			ch.ChannelPoint = sum.ChanPoint.String()
		}
	}

	return ch
}

// OpenChannelRequest opens a channel with a peer, connecting to it first if
// an address is given.
type OpenChannelRequest struct {
	NodePubkey         string `json:"node_pubkey" binding:"required"`
	Address            string `json:"address"`
	LocalFundingAmount int64  `json:"local_funding_amount" binding:"required"`
	PushMsat           uint64 `json:"push_msat"`
}

func (r *rpcServer) openChannel(c *gin.Context) {
	var req OpenChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("%v", err))
		return
	}

	pub, err := parsePubKey(req.NodePubkey)
	if err != nil {
		writeError(c, err)
		return
	}

	if req.LocalFundingAmount <= 0 {
		writeError(c, badRequest("funding amount must be positive"))
		return
	}
	capacity := btcutil.Amount(req.LocalFundingAmount)
	if lnwire.MilliSatoshi(req.PushMsat) > lnwire.NewMSatFromSatoshis(capacity) {
		writeError(c, badRequest("push amount exceeds capacity"))
		return
	}

	if req.Address != "" {
		err := r.connect(pub, req.Address, false)

		var alreadyConnected *peerconn.ErrPeerAlreadyConnected
		if err != nil && !errors.As(err, &alreadyConnected) {
			writeError(c, err)
			return
		}
	}

	info, err := r.server.channels.OpenChannel(
		c.Request.Context(), pub, capacity,
		lnwire.MilliSatoshi(req.PushMsat),
	)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, marshalChannel(info))
}

func (r *rpcServer) listChannels(c *gin.Context) {
	infos, err := r.server.channels.Channels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	channels := make([]*Channel, 0, len(infos))
	for _, info := range infos {
		channels = append(channels, marshalChannel(info))
	}

	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (r *rpcServer) getChannel(c *gin.Context) {
	chanID, err := parseChanID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	info, err := r.server.channels.Channel(c.Request.Context(), chanID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, marshalChannel(info))
}

func (r *rpcServer) closeChannel(c *gin.Context) {
	chanID, err := parseChanID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	force, _ := strconv.ParseBool(c.Query("force"))

	var deliveryScript lnwire.DeliveryAddress
	if addr := c.Query("delivery_address"); addr != "" {
		deliveryScript, err = r.deliveryScript(addr)
		if err != nil {
			writeError(c, err)
			return
		}
	}

	rpcsLog.Infof("Closing channel %v (force=%v)", chanID, force)

	info, err := r.server.channels.CloseChannel(
		c.Request.Context(), chanID, force, deliveryScript,
	)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, marshalChannel(info))
}

// deliveryScript returns the output script paying to addr.
func (r *rpcServer) deliveryScript(addr string) (lnwire.DeliveryAddress,
	error) {

	params := r.server.cfg.ActiveNetParams.Params
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil || !decoded.IsForNet(params) {
		return nil, badRequest("invalid delivery address %q", addr)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, badRequest("unsupported delivery address %q", addr)
	}

	return script, nil
}

// PaymentHop is one hop of a route.
type PaymentHop struct {
	PubKey       string `json:"pub_key"`
	ChanID       uint64 `json:"chan_id"`
	AmtToForward uint64 `json:"amt_to_forward_msat"`
	Expiry       uint32 `json:"expiry"`
}

// Payment is the REST view of an outgoing payment.
type Payment struct {
	PaymentHash    string        `json:"payment_hash"`
	Preimage       string        `json:"payment_preimage,omitempty"`
	Status         string        `json:"status"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	ValueMsat      uint64        `json:"value_msat"`
	FeeMsat        uint64        `json:"fee_msat"`
	CreationTime   int64         `json:"creation_time"`
	PaymentRequest string        `json:"payment_request,omitempty"`
	Route          []*PaymentHop `json:"route,omitempty"`
}

// marshalPayment converts a stored payment.
func marshalPayment(p *channeldb.Payment) *Payment {
	payment := &Payment{
		PaymentHash:    p.PaymentHash.String(),
		Status:         p.Status.String(),
		ValueMsat:      uint64(p.Value),
		FeeMsat:        uint64(p.Fee),
		CreationTime:   p.CreationTime.Unix(),
		PaymentRequest: string(p.PaymentRequest),
	}

	if p.Status == channeldb.StatusSucceeded {
		payment.Preimage = p.Preimage.String()
	}
	if p.Status == channeldb.StatusFailed {
		payment.FailureReason = p.FailureReason.String()
	}

	for _, hop := range p.Route {
		payment.Route = append(payment.Route, &PaymentHop{
			PubKey:       hex.EncodeToString(hop.PubKeyBytes[:]),
			ChanID:       hop.ChannelID,
			AmtToForward: uint64(hop.AmtToForward),
			Expiry:       hop.OutgoingTimeLock,
		})
	}

	return payment
}

// SendPaymentRequest pays an invoice, or a hash to a node given explicitly.
type SendPaymentRequest struct {
	PaymentRequest string `json:"payment_request"`
	Dest           string `json:"dest"`
	AmtMsat        uint64 `json:"amt_msat"`
	PaymentHash    string `json:"payment_hash"`
	FinalCltvDelta uint16 `json:"final_cltv_delta"`
	FeeLimitMsat   uint64 `json:"fee_limit_msat"`
	CltvLimit      uint32 `json:"cltv_limit"`
	MaxAttempts    int    `json:"max_attempts"`
}

// lightningPayment validates the request and builds the payment the router
// sends.
func (r *rpcServer) lightningPayment(
	req *SendPaymentRequest) (*routing.LightningPayment, error) {

	payment := &routing.LightningPayment{
		Amount:         lnwire.MilliSatoshi(req.AmtMsat),
		FeeLimit:       routing.NoFeeLimit,
		CltvLimit:      req.CltvLimit,
		FinalCLTVDelta: req.FinalCltvDelta,
		MaxAttempts:    req.MaxAttempts,
	}
	if req.FeeLimitMsat != 0 {
		payment.FeeLimit = lnwire.MilliSatoshi(req.FeeLimitMsat)
	}
	if payment.MaxAttempts == 0 {
		payment.MaxAttempts = r.server.cfg.Routing.MaxPaymentAttempts
	}

	if req.PaymentRequest != "" {
		invoice, err := zpay32.Decode(
			req.PaymentRequest, r.server.cfg.ActiveNetParams.Params,
		)
		if err != nil {
			return nil, badRequest("invalid payment request: %v",
				err)
		}

		expiry := invoice.Timestamp.Add(invoice.Expiry())
		if r.server.node.Clock.Now().After(expiry) {
			return nil, badRequest("invoice expired at %v", expiry)
		}

		switch {
		case invoice.MilliSat != nil && *invoice.MilliSat != 0:
			if req.AmtMsat != 0 &&
				lnwire.MilliSatoshi(req.AmtMsat) != *invoice.MilliSat {

				return nil, badRequest("amount doesn't match " +
					"invoice")
			}
			payment.Amount = *invoice.MilliSat

		case req.AmtMsat == 0:
			return nil, badRequest("amount must be given for " +
				"zero amount invoice")
		}

		payment.Target = graph.NewVertex(invoice.Destination)
		payment.PaymentHash = *invoice.PaymentHash
		payment.FinalCLTVDelta = uint16(invoice.MinFinalCLTVExpiry())
		payment.PaymentRequest = []byte(req.PaymentRequest)

		return payment, nil
	}

	dest, err := parsePubKey(req.Dest)
	if err != nil {
		return nil, err
	}
	payment.Target = graph.NewVertex(dest)

	payment.PaymentHash, err = parseHash(req.PaymentHash)
	if err != nil {
		return nil, err
	}

	if payment.Amount == 0 {
		return nil, badRequest("amount must be positive")
	}
	if payment.FinalCLTVDelta == 0 {
		payment.FinalCLTVDelta = invoices.DefaultFinalCltvDelta
	}

	return payment, nil
}

func (r *rpcServer) sendPayment(c *gin.Context) {
	var req SendPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("%v", err))
		return
	}

	payment, err := r.lightningPayment(&req)
	if err != nil {
		writeError(c, err)
		return
	}

	rpcsLog.Infof("Sending %v to %v, hash=%v", payment.Amount,
		payment.Target, payment.PaymentHash)

	_, _, err = r.server.chanRouter.SendPayment(
		c.Request.Context(), payment,
	)

	// A payment that failed for good is reported through its stored
	// status.
	var payErr *routing.PaymentError
	if err != nil && !errors.As(err, &payErr) {
		writeError(c, err)
		return
	}

	stored, err := r.server.payments.FetchPayment(payment.PaymentHash)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, marshalPayment(stored))
}

func (r *rpcServer) lookupPayment(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}

	payment, err := r.server.payments.FetchPayment(hash)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, marshalPayment(payment))
}

// Route is the REST view of a route.
type Route struct {
	TotalTimeLock uint32        `json:"total_time_lock"`
	TotalFeesMsat uint64        `json:"total_fees_msat"`
	TotalAmtMsat  uint64        `json:"total_amt_msat"`
	Hops          []*PaymentHop `json:"hops"`
}

func (r *rpcServer) queryRoutes(c *gin.Context) {
	dest, err := parsePubKey(c.Query("dest"))
	if err != nil {
		writeError(c, err)
		return
	}

	amt, err := queryUint(c, "amt_msat")
	if err != nil {
		writeError(c, err)
		return
	}
	if amt == 0 {
		writeError(c, badRequest("amt_msat must be positive"))
		return
	}

	feeLimit, err := queryUint(c, "fee_limit_msat")
	if err != nil {
		writeError(c, err)
		return
	}
	cltvLimit, err := queryUint(c, "cltv_limit")
	if err != nil {
		writeError(c, err)
		return
	}
	numRoutes, err := queryUint(c, "num_routes")
	if err != nil {
		writeError(c, err)
		return
	}

	restrictions := routing.RestrictParams{
		FeeLimit:  routing.NoFeeLimit,
		CltvLimit: uint32(cltvLimit),
		NumRoutes: int(numRoutes),
	}
	if feeLimit != 0 {
		restrictions.FeeLimit = lnwire.MilliSatoshi(feeLimit)
	}

	self := graph.NewVertex(r.server.node.IdentityKey.PubKey())
	routes, err := r.server.chanRouter.QueryRoutes(
		self, graph.NewVertex(dest), lnwire.MilliSatoshi(amt),
		restrictions,
	)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]*Route, 0, len(routes))
	for _, route := range routes {
		rr := &Route{
			TotalTimeLock: route.TotalTimeLock,
			TotalFeesMsat: uint64(route.TotalFees()),
			TotalAmtMsat:  uint64(route.TotalAmount),
		}
		for _, hop := range route.Hops {
			rr.Hops = append(rr.Hops, &PaymentHop{
				PubKey:       hop.PubKeyBytes.String(),
				ChanID:       hop.ChannelID.ToUint64(),
				AmtToForward: uint64(hop.AmtToForward),
				Expiry:       hop.OutgoingTimeLock,
			})
		}
		resp = append(resp, rr)
	}

	c.JSON(http.StatusOK, gin.H{"routes": resp})
}

// Invoice is the REST view of an invoice.
type Invoice struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Memo           string `json:"memo,omitempty"`
	ValueMsat      uint64 `json:"value_msat"`
	AmtPaidMsat    uint64 `json:"amt_paid_msat"`
	State          string `json:"state"`
	CreationDate   int64  `json:"creation_date"`
	SettleDate     int64  `json:"settle_date,omitempty"`
	Expiry         int64  `json:"expiry"`
	CltvExpiry     uint32 `json:"cltv_expiry"`
	AddIndex       uint64 `json:"add_index"`
}

// marshalInvoice converts a stored invoice. The preimage is never
// returned.
func marshalInvoice(inv *channeldb.Invoice) *Invoice {
	invoice := &Invoice{
		PaymentHash:    inv.PaymentHash().String(),
		PaymentRequest: string(inv.PaymentRequest),
		Memo:           string(inv.Memo),
		ValueMsat:      uint64(inv.Value),
		AmtPaidMsat:    uint64(inv.AmtPaid),
		State:          inv.State.String(),
		CreationDate:   inv.CreationDate.Unix(),
		Expiry:         int64(inv.Expiry.Seconds()),
		CltvExpiry:     inv.FinalCltvDelta,
		AddIndex:       inv.AddIndex,
	}
	if !inv.SettleDate.IsZero() {
		invoice.SettleDate = inv.SettleDate.Unix()
	}

	return invoice
}

// AddInvoiceRequest creates an invoice.
type AddInvoiceRequest struct {
	Memo       string `json:"memo"`
	ValueMsat  uint64 `json:"value_msat"`
	Expiry     int64  `json:"expiry"`
	CltvExpiry uint32 `json:"cltv_expiry"`
	Preimage   string `json:"r_preimage"`
}

func (r *rpcServer) addInvoice(c *gin.Context) {
	var req AddInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("%v", err))
		return
	}

	if req.Expiry < 0 {
		writeError(c, badRequest("expiry must not be negative"))
		return
	}

	data := &invoices.AddInvoiceData{
		Memo:      req.Memo,
		Value:     lnwire.MilliSatoshi(req.ValueMsat),
		Expiry:    time.Duration(req.Expiry) * time.Second,
		CltvDelta: req.CltvExpiry,
	}
	if req.Preimage != "" {
		preimage, err := lntypes.MakePreimageFromStr(req.Preimage)
		if err != nil {
			writeError(c, badRequest("invalid preimage"))
			return
		}
		data.Preimage = &preimage
	}

	invoice, _, err := r.server.invoices.CreateInvoice(data)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, marshalInvoice(invoice))
}

func (r *rpcServer) lookupInvoice(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}

	invoice, err := r.server.invoices.LookupInvoice(hash)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, marshalInvoice(&invoice))
}

func (r *rpcServer) cancelInvoice(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}

	if err := r.server.invoices.CancelInvoice(hash); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// defaultForwardingEvents is the page size of the forwarding history when
// the caller sets none.
const defaultForwardingEvents = 100

// ForwardingEvent is the REST view of a settled forward.
type ForwardingEvent struct {
	Timestamp  int64  `json:"timestamp_ns"`
	ChanIDIn   uint64 `json:"chan_id_in"`
	ChanIDOut  uint64 `json:"chan_id_out"`
	AmtInMsat  uint64 `json:"amt_in_msat"`
	AmtOutMsat uint64 `json:"amt_out_msat"`
	FeeMsat    uint64 `json:"fee_msat"`
	HtlcIDIn   uint64 `json:"htlc_id_in"`
	HtlcIDOut  uint64 `json:"htlc_id_out"`
}

// forwardingHistory pages through the forwards settled between start and end,
// given in unix seconds. The end defaults to now. The chan_in and chan_out
// parameters, repeatable, restrict the channels.
func (r *rpcServer) forwardingHistory(c *gin.Context) {
	var vals [4]uint64
	for i, key := range []string{"start", "end", "offset", "max"} {
		v, err := queryUint(c, key)
		if err != nil {
			writeError(c, err)
			return
		}
		vals[i] = v
	}
	start, end, offset, maxEvents := vals[0], vals[1], vals[2], vals[3]

	endTime := time.Now()
	if end != 0 {
		endTime = time.Unix(int64(end), 0)
	}
	if start > uint64(endTime.Unix()) {
		writeError(c, badRequest("start after end"))
		return
	}

	switch {
	case maxEvents == 0:
		maxEvents = defaultForwardingEvents
	case maxEvents > channeldb.MaxResponseEvents:
		maxEvents = channeldb.MaxResponseEvents
	}

	query := channeldb.ForwardingEventQuery{
		StartTime:       time.Unix(int64(start), 0),
		EndTime:         endTime,
		IndexOffset:     uint32(offset),
		NumMaxEvents:    uint32(maxEvents),
		IncomingChanIDs: fn.NewSet[uint64](),
		OutgoingChanIDs: fn.NewSet[uint64](),
	}
	filters := map[string]fn.Set[uint64]{
		"chan_in":  query.IncomingChanIDs,
		"chan_out": query.OutgoingChanIDs,
	}
	for key, set := range filters {
		for _, v := range c.QueryArray(key) {
			scid, err := lnwire.ParseShortChanID(v)
			if err != nil {
				writeError(c, badRequest("%v", err))
				return
			}
			set.Add(scid.ToUint64())
		}
	}

	slice, err := r.server.node.DB.ForwardingLog().Query(query)
	if err != nil {
		writeError(c, err)
		return
	}

	events := make([]*ForwardingEvent, 0, len(slice.ForwardingEvents))
	for _, e := range slice.ForwardingEvents {
		events = append(events, &ForwardingEvent{
			Timestamp:  e.Timestamp.UnixNano(),
			ChanIDIn:   e.IncomingChanID.ToUint64(),
			ChanIDOut:  e.OutgoingChanID.ToUint64(),
			AmtInMsat:  uint64(e.AmtIn),
			AmtOutMsat: uint64(e.AmtOut),
			FeeMsat:    uint64(e.Fee()),
			HtlcIDIn:   e.IncomingHtlcID,
			HtlcIDOut:  e.OutgoingHtlcID,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"forwarding_events": events,
		"last_offset_index": slice.LastIndexOffset,
	})
}

// Peer is the REST view of a connected peer.
type Peer struct {
	PubKey       string `json:"pub_key"`
	Address      string `json:"address"`
	Inbound      bool   `json:"inbound"`
	BytesSent    uint64 `json:"bytes_sent"`
	BytesRecv    uint64 `json:"bytes_recv"`
	PingTime     int64  `json:"ping_time"`
	ConnectedFor int64  `json:"connected_for"`
	NumChannels  int    `json:"num_channels"`
}

// ConnectPeerRequest connects to a peer at pubkey@host.
type ConnectPeerRequest struct {
	Addr string `json:"addr" binding:"required"`
	Perm bool   `json:"perm"`
}

func (r *rpcServer) connectPeer(c *gin.Context) {
	var req ConnectPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("%v", err))
		return
	}

	addr, err := lncfg.ParseLNAddressString(
		req.Addr, strconv.Itoa(defaultPeerPort), net.ResolveTCPAddr,
	)
	if err != nil {
		writeError(c, badRequest("%v", err))
		return
	}

	if err := r.connectAddr(addr, req.Perm); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// connect dials pub at host. The default peer port applies when host has
// none.
func (r *rpcServer) connect(pub *btcec.PublicKey, host string,
	perm bool) error {

	addr, err := lncfg.ParseLNAddressString(
		hex.EncodeToString(pub.SerializeCompressed())+"@"+host,
		strconv.Itoa(defaultPeerPort), net.ResolveTCPAddr,
	)
	if err != nil {
		return badRequest("%v", err)
	}

	return r.connectAddr(addr, perm)
}

func (r *rpcServer) connectAddr(addr *lnwire.NetAddress, perm bool) error {
	if addr.IdentityKey.IsEqual(r.server.node.IdentityKey.PubKey()) {
		return badRequest("cannot connect to self")
	}

	return r.server.connMgr.ConnectToPeer(addr, perm, 0)
}

func (r *rpcServer) listPeers(c *gin.Context) {
	now := time.Now()

	peers := make([]*Peer, 0)
	for _, p := range r.server.connMgr.Peers() {
		pub := p.PubKey()
		peers = append(peers, &Peer{
			PubKey:       hex.EncodeToString(pub[:]),
			Address:      p.Address().String(),
			Inbound:      p.Inbound(),
			BytesSent:    p.BytesSent(),
			BytesRecv:    p.BytesReceived(),
			PingTime:     p.PingTime().UnwrapOr(0).Microseconds(),
			ConnectedFor: int64(now.Sub(p.StartTime()).Seconds()),
			NumChannels:  len(p.ChannelIDs()),
		})
	}

	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (r *rpcServer) disconnectPeer(c *gin.Context) {
	pub, err := parsePubKey(c.Param("pubkey"))
	if err != nil {
		writeError(c, err)
		return
	}

	// Channels with the peer would be reconnected right away.
	channels, err := r.server.node.DB.FetchOpenChannels(pub)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(channels) > 0 {
		writeError(c, badRequest("cannot disconnect from peer with "+
			"%d active channels", len(channels)))
		return
	}

	if err := r.server.connMgr.DisconnectPeer(pub); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// GraphNode is the REST view of an announced node.
type GraphNode struct {
	PubKey     string   `json:"pub_key"`
	Alias      string   `json:"alias"`
	LastUpdate uint32   `json:"last_update"`
	Addresses  []string `json:"addresses"`
}

// RoutingPolicy is the REST view of the policy of one channel direction.
type RoutingPolicy struct {
	TimeLockDelta uint16 `json:"time_lock_delta"`
	MinHtlc       uint64 `json:"min_htlc_msat"`
	MaxHtlc       uint64 `json:"max_htlc_msat"`
	FeeBaseMsat   uint32 `json:"fee_base_msat"`
	FeeRate       uint32 `json:"fee_rate_milli_msat"`
	Disabled      bool   `json:"disabled"`
	LastUpdate    uint32 `json:"last_update"`
}

// GraphEdge is the REST view of an announced channel.
type GraphEdge struct {
	ChannelID   uint64         `json:"channel_id"`
	ChanPoint   string         `json:"chan_point"`
	Capacity    int64          `json:"capacity"`
	Node1Pub    string         `json:"node1_pub"`
	Node2Pub    string         `json:"node2_pub"`
	Node1Policy *RoutingPolicy `json:"node1_policy,omitempty"`
	Node2Policy *RoutingPolicy `json:"node2_policy,omitempty"`
}

// marshalPolicy converts the policy of one direction, if known.
func marshalPolicy(upd *lnwire.ChannelUpdate) *RoutingPolicy {
	if upd == nil {
		return nil
	}

	return &RoutingPolicy{
		TimeLockDelta: upd.TimeLockDelta,
		MinHtlc:       uint64(upd.HtlcMinimumMsat),
		MaxHtlc:       uint64(upd.HtlcMaximumMsat),
		FeeBaseMsat:   upd.BaseFee,
		FeeRate:       upd.FeeRate,
		Disabled:      upd.ChannelFlags&lnwire.ChanUpdateDisabled != 0,
		LastUpdate:    upd.Timestamp,
	}
}

func (r *rpcServer) describeGraph(c *gin.Context) {
	nodes := make([]*GraphNode, 0)
	err := r.server.graph.ForEachNode(
		func(ann *lnwire.NodeAnnouncement) error {
			node := &GraphNode{
				PubKey:     hex.EncodeToString(ann.NodeID[:]),
				Alias:      ann.Alias.String(),
				LastUpdate: ann.Timestamp,
				Addresses:  make([]string, 0, len(ann.Addresses)),
			}
			for _, addr := range ann.Addresses {
				node.Addresses = append(
					node.Addresses, addr.String(),
				)
			}
			nodes = append(nodes, node)

			return nil
		},
	)
	if err != nil {
		writeError(c, err)
		return
	}

	edges := make([]*GraphEdge, 0)
	err = r.server.graph.ForEachChannel(func(e *channeldb.ChannelEdge) error {
		edges = append(edges, &GraphEdge{
			ChannelID:   e.Info.ShortChannelID.ToUint64(),
			ChanPoint:   e.Info.FundingPoint.String(),
			Capacity:    int64(e.Info.Capacity),
			Node1Pub:    hex.EncodeToString(e.Info.NodeID1[:]),
			Node2Pub:    hex.EncodeToString(e.Info.NodeID2[:]),
			Node1Policy: marshalPolicy(e.Policies[0]),
			Node2Policy: marshalPolicy(e.Policies[1]),
		})

		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "edges": edges})
}

func (r *rpcServer) getInfo(c *gin.Context) {
	s := r.server

	channels, err := s.channels.Channels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	uris := make([]string, 0, len(s.cfg.ExternalIPs))
	pub := hex.EncodeToString(s.node.IdentityKey.PubKey().SerializeCompressed())
	for _, addr := range s.cfg.ExternalIPs {
		uris = append(uris, fmt.Sprintf("%s@%s", pub, addr))
	}

	c.JSON(http.StatusOK, gin.H{
		"identity_pubkey": pub,
		"alias":           s.cfg.Alias,
		"network":         s.cfg.ActiveNetParams.Name,
		"block_height":    s.bestHeight.Load(),
		"num_peers":       s.connMgr.NumPeers(),
		"num_channels":    len(channels),
		"uris":            uris,
		"version":         build.Version(),
	})
}

func (r *rpcServer) newAddress(c *gin.Context) {
	addr, err := r.server.wallet.NewAddress()
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": addr.EncodeAddress()})
}

func (r *rpcServer) walletBalance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"confirmed_balance": int64(r.server.wallet.Balance()),
	})
}

// Coin is the REST view of a wallet coin.
type Coin struct {
	Outpoint string `json:"outpoint"`
	Value    int64  `json:"value"`
	Height   uint32 `json:"height"`
}

func marshalCoin(coin *wallet.Coin) *Coin {
	return &Coin{
		Outpoint: coin.OutPoint.String(),
		Value:    int64(coin.Value),
		Height:   coin.Height,
	}
}

func (r *rpcServer) listCoins(c *gin.Context) {
	coins := r.server.wallet.Coins()

	resp := make([]*Coin, 0, len(coins))
	for _, coin := range coins {
		resp = append(resp, marshalCoin(coin))
	}

	c.JSON(http.StatusOK, gin.H{"coins": resp})
}

// AddCoinRequest hands the wallet an output paying to one of its addresses.
type AddCoinRequest struct {
	Outpoint   string `json:"outpoint" binding:"required"`
	HeightHint uint32 `json:"height_hint"`
}

func (r *rpcServer) addCoin(c *gin.Context) {
	var req AddCoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("%v", err))
		return
	}

	op, err := wire.NewOutPointFromString(req.Outpoint)
	if err != nil {
		writeError(c, badRequest("invalid outpoint %q", req.Outpoint))
		return
	}

	coin, err := r.server.wallet.AddCoin(
		c.Request.Context(), *op, req.HeightHint,
	)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, marshalCoin(coin))
}
