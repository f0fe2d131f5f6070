package hopd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/gin-gonic/gin"
	"github.com/hopline/hopd/chanfsm"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/stretchr/testify/require"
)

// request performs a request against the REST handler of s and decodes the
// JSON response into resp, if given.
func request(t *testing.T, h http.Handler, method, path string,
	body interface{}, resp interface{}) int {

	t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}

	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if resp != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), resp),
			rec.Body.String())
	}

	return rec.Code
}

func randPubKeyHex(t *testing.T) string {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

// TestRESTRequiresActiveServer checks requests are refused before the server
// started.
func TestRESTRequiresActiveServer(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	h := newRPCServer(s).handler()

	code := request(t, h, http.MethodGet, "/v1/channels", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
}

// TestRESTInvoices checks invoices are created, looked up and canceled.
func TestRESTInvoices(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	h := newRPCServer(s).handler()

	var created Invoice
	code := request(t, h, http.MethodPost, "/v1/invoices",
		&AddInvoiceRequest{Memo: "coffee", ValueMsat: 100_000},
		&created,
	)
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.HasPrefix(created.PaymentRequest, "lnbcrt"))
	require.Equal(t, "Open", created.State)
	require.EqualValues(t, 100_000, created.ValueMsat)

	var found Invoice
	code = request(t, h, http.MethodGet,
		"/v1/invoices/"+created.PaymentHash, nil, &found,
	)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, created.PaymentRequest, found.PaymentRequest)

	code = request(t, h, http.MethodDelete,
		"/v1/invoices/"+created.PaymentHash, nil, nil,
	)
	require.Equal(t, http.StatusOK, code)

	code = request(t, h, http.MethodGet,
		"/v1/invoices/"+created.PaymentHash, nil, &found,
	)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Canceled", found.State)

	// The invoice carries our preimage when one is given.
	preimage := lntypes.Preimage{1, 2, 3}
	code = request(t, h, http.MethodPost, "/v1/invoices",
		&AddInvoiceRequest{ValueMsat: 1000, Preimage: preimage.String()},
		&created,
	)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, preimage.Hash().String(), created.PaymentHash)

	// Unknown invoices and malformed hashes.
	var unknown lntypes.Hash
	code = request(t, h, http.MethodGet, "/v1/invoices/"+unknown.String(),
		nil, nil,
	)
	require.Equal(t, http.StatusNotFound, code)

	code = request(t, h, http.MethodGet, "/v1/invoices/zz", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

// TestRESTPayments checks a payment without route fails and is stored, and
// malformed payments are rejected.
func TestRESTPayments(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	h := newRPCServer(s).handler()

	hash := lntypes.Hash{7}

	code := request(t, h, http.MethodGet, "/v1/payments/"+hash.String(),
		nil, nil,
	)
	require.Equal(t, http.StatusNotFound, code)

	var payment Payment
	code = request(t, h, http.MethodPost, "/v1/payments",
		&SendPaymentRequest{
			Dest:        randPubKeyHex(t),
			AmtMsat:     10_000,
			PaymentHash: hash.String(),
		},
		&payment,
	)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, channeldb.StatusFailed.String(), payment.Status)
	require.NotEmpty(t, payment.FailureReason)
	require.Empty(t, payment.Preimage)

	code = request(t, h, http.MethodGet, "/v1/payments/"+hash.String(),
		nil, &payment,
	)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, hash.String(), payment.PaymentHash)

	tests := []struct {
		name string
		req  *SendPaymentRequest
	}{
		{
			name: "invalid payment request",
			req:  &SendPaymentRequest{PaymentRequest: "lnbcrt1bogus"},
		},
		{
			name: "missing amount",
			req: &SendPaymentRequest{
				Dest:        randPubKeyHex(t),
				PaymentHash: hash.String(),
			},
		},
		{
			name: "invalid destination",
			req: &SendPaymentRequest{
				Dest:        "02abcd",
				AmtMsat:     1,
				PaymentHash: hash.String(),
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code := request(
				t, h, http.MethodPost, "/v1/payments", test.req,
				nil,
			)
			require.Equal(t, http.StatusBadRequest, code)
		})
	}
}

// TestRESTChannels checks the channel endpoints on a node without channels.
func TestRESTChannels(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	h := newRPCServer(s).handler()

	var list struct {
		Channels []*Channel `json:"channels"`
	}
	code := request(t, h, http.MethodGet, "/v1/channels", nil, &list)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, list.Channels)

	chanID := lnwire.ChannelID{1}
	code = request(t, h, http.MethodDelete,
		"/v1/channels/"+chanID.String()+"?force=true", nil, nil,
	)
	require.Equal(t, http.StatusNotFound, code)

	code = request(t, h, http.MethodGet, "/v1/channels/nope", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)

	// Opening a channel with an offline peer fails.
	code = request(t, h, http.MethodPost, "/v1/channels",
		&OpenChannelRequest{
			NodePubkey:         randPubKeyHex(t),
			LocalFundingAmount: 100_000,
		}, nil,
	)
	require.NotEqual(t, http.StatusOK, code)

	code = request(t, h, http.MethodPost, "/v1/channels",
		&OpenChannelRequest{
			NodePubkey:         randPubKeyHex(t),
			LocalFundingAmount: 1000,
			PushMsat:           2_000_000,
		}, nil,
	)
	require.Equal(t, http.StatusBadRequest, code)

	// The address of the peer is dialed before the channel is opened.
	self := hex.EncodeToString(
		s.node.IdentityKey.PubKey().SerializeCompressed(),
	)
	code = request(t, h, http.MethodPost, "/v1/channels",
		&OpenChannelRequest{
			NodePubkey:         self,
			Address:            "127.0.0.1:9735",
			LocalFundingAmount: 100_000,
		}, nil,
	)
	require.Equal(t, http.StatusBadRequest, code)

	code = request(t, h, http.MethodPost, "/v1/channels",
		&OpenChannelRequest{
			NodePubkey:         randPubKeyHex(t),
			Address:            "127.0.0.1:notaport",
			LocalFundingAmount: 100_000,
		}, nil,
	)
	require.Equal(t, http.StatusBadRequest, code)
}

// TestRESTNode checks the info, graph, peer, route and wallet endpoints.
func TestRESTNode(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	h := newRPCServer(s).handler()

	var info struct {
		IdentityPubkey string `json:"identity_pubkey"`
		Alias          string `json:"alias"`
		BlockHeight    uint32 `json:"block_height"`
		NumPeers       int    `json:"num_peers"`
	}
	code := request(t, h, http.MethodGet, "/v1/info", nil, &info)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "alice", info.Alias)
	require.EqualValues(t, 10, info.BlockHeight)
	require.Equal(t, hex.EncodeToString(
		s.node.IdentityKey.PubKey().SerializeCompressed(),
	), info.IdentityPubkey)

	var graph struct {
		Nodes []*GraphNode `json:"nodes"`
		Edges []*GraphEdge `json:"edges"`
	}
	code = request(t, h, http.MethodGet, "/v1/graph", nil, &graph)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, graph.Edges)

	var peers struct {
		Peers []*Peer `json:"peers"`
	}
	code = request(t, h, http.MethodGet, "/v1/peers", nil, &peers)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, peers.Peers)

	code = request(t, h, http.MethodPost, "/v1/peers",
		&ConnectPeerRequest{Addr: "no-at-sign"}, nil,
	)
	require.Equal(t, http.StatusBadRequest, code)

	code = request(t, h, http.MethodDelete,
		"/v1/peers/"+randPubKeyHex(t), nil, nil,
	)
	require.Equal(t, http.StatusNotFound, code)

	// No route to an unknown node is an empty result, not an error.
	var routes struct {
		Routes []*Route `json:"routes"`
	}
	code = request(t, h, http.MethodGet,
		"/v1/routes?amt_msat=1000&dest="+randPubKeyHex(t), nil, &routes,
	)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, routes.Routes)

	code = request(t, h, http.MethodGet,
		"/v1/routes?dest="+randPubKeyHex(t), nil, nil,
	)
	require.Equal(t, http.StatusBadRequest, code)

	var addr struct {
		Address string `json:"address"`
	}
	code = request(t, h, http.MethodPost, "/v1/wallet/address", nil, &addr)
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.HasPrefix(addr.Address, "bcrt1p"))

	var balance struct {
		Confirmed int64 `json:"confirmed_balance"`
	}
	code = request(t, h, http.MethodGet, "/v1/wallet/balance", nil,
		&balance,
	)
	require.Equal(t, http.StatusOK, code)
	require.Zero(t, balance.Confirmed)

	code = request(t, h, http.MethodPost, "/v1/wallet/coins",
		&AddCoinRequest{Outpoint: "bogus"}, nil,
	)
	require.Equal(t, http.StatusBadRequest, code)
}

// TestRESTForwardingHistory checks the forwarding log is paged by offset.
func TestRESTForwardingHistory(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	h := newRPCServer(s).handler()

	base := time.Unix(1_700_000_000, 0)
	events := make([]channeldb.ForwardingEvent, 3)
	for i := range events {
		events[i] = channeldb.ForwardingEvent{
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			IncomingChanID: lnwire.NewShortChanIDFromInt(1),
			OutgoingChanID: lnwire.NewShortChanIDFromInt(2),
			AmtIn:          1_100,
			AmtOut:         1_000,
			IncomingHtlcID: uint64(i),
		}
	}
	require.NoError(t, s.node.DB.ForwardingLog().AddForwardingEvents(events))

	type page struct {
		Events     []*ForwardingEvent `json:"forwarding_events"`
		LastOffset uint32             `json:"last_offset_index"`
	}

	var resp page
	code := request(t, h, http.MethodGet, "/v1/forwarding?max=2", nil, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Events, 2)
	require.EqualValues(t, 2, resp.LastOffset)
	require.EqualValues(t, 100, resp.Events[0].FeeMsat)
	require.EqualValues(t, 1, resp.Events[1].HtlcIDIn)

	code = request(t, h, http.MethodGet, "/v1/forwarding?offset=2", nil,
		&resp,
	)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Events, 1)
	require.EqualValues(t, 2, resp.Events[0].HtlcIDIn)
	require.EqualValues(t, 3, resp.LastOffset)

	code = request(t, h, http.MethodGet, "/v1/forwarding?chan_in=0x0x1",
		nil, &resp,
	)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Events, 3)

	code = request(t, h, http.MethodGet,
		"/v1/forwarding?chan_in=0x0x1&chan_out=5", nil, &resp,
	)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, resp.Events)

	for _, bad := range []string{"start=10&end=5", "chan_out=1x2"} {
		code = request(t, h, http.MethodGet, "/v1/forwarding?"+bad,
			nil, nil,
		)
		require.Equal(t, http.StatusBadRequest, code, bad)
	}
}

// TestParseChanID checks channels are addressed by id or funding outpoint.
func TestParseChanID(t *testing.T) {
	t.Parallel()

	op := wire.OutPoint{Hash: [32]byte{9}, Index: 3}
	want := lnwire.NewChanIDFromOutPoint(op)

	got, err := parseChanID(op.String())
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = parseChanID(want.String())
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = parseChanID("abcd")
	require.ErrorIs(t, err, errBadRequest)

	_, err = parseChanID("abcd:x")
	require.ErrorIs(t, err, errBadRequest)
}

// TestWriteErrorStatus checks errors map to their status codes.
func TestWriteErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
	}{
		{badRequest("x"), http.StatusBadRequest},
		{chanfsm.ErrUnknownChannel, http.StatusNotFound},
		{channeldb.ErrInvoiceNotFound, http.StatusNotFound},
		{chanfsm.ErrCloseInProgress, http.StatusConflict},
		{channeldb.ErrAlreadyPaid, http.StatusConflict},
		{chanfsm.ErrPeerOffline, http.StatusServiceUnavailable},
		{errServerNotActive, http.StatusInternalServerError},
	}
	for _, test := range tests {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/v1/test", nil)

		writeError(c, test.err)
		require.Equal(t, test.status, rec.Code, test.err.Error())
	}
}
