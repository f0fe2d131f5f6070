package main

import (
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hopline/hopd"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

// recordedRequest is a request as seen by the fake daemon.
type recordedRequest struct {
	method string
	path   string
	query  url.Values
	body   []byte
}

// fakeDaemon serves a fixed response and records the last request.
func fakeDaemon(t *testing.T, status int,
	resp string) (*httptest.Server, *recordedRequest) {

	t.Helper()

	var last recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			last = recordedRequest{
				method: r.Method,
				path:   r.URL.Path,
				query:  r.URL.Query(),
				body:   body,
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(resp))
		},
	))
	t.Cleanup(srv.Close)

	return srv, &last
}

// newTestContext builds a command context pointing at srv.
func newTestContext(t *testing.T, srv *httptest.Server, cmd cli.Command,
	args ...string) *cli.Context {

	t.Helper()

	app := cli.NewApp()

	global := flag.NewFlagSet("hopcli", flag.ContinueOnError)
	global.String("restserver", strings.TrimPrefix(srv.URL, "http://"), "")
	global.Duration("timeout", time.Second, "")
	globalCtx := cli.NewContext(app, global, nil)

	set := flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	for _, f := range cmd.Flags {
		f.Apply(set)
	}
	require.NoError(t, set.Parse(args))

	ctx := cli.NewContext(app, set, globalCtx)
	ctx.Command = cmd

	return ctx
}

func TestClientSurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv, _ := fakeDaemon(
		t, http.StatusNotFound, `{"error":"unable to locate invoice"}`,
	)
	client := &restClient{baseURL: srv.URL, http: srv.Client()}

	_, err := client.do(http.MethodGet, "/v1/invoices/00", nil, nil)
	require.ErrorContains(t, err, "unable to locate invoice (404)")

	srv, _ = fakeDaemon(t, http.StatusBadGateway, `not json`)
	client = &restClient{baseURL: srv.URL, http: srv.Client()}

	_, err = client.do(http.MethodGet, "/v1/info", nil, nil)
	require.ErrorContains(t, err, "unexpected status")
}

func TestSendPaymentRequestBody(t *testing.T) {
	t.Parallel()

	srv, last := fakeDaemon(t, http.StatusOK, `{}`)

	ctx := newTestContext(t, srv, sendPaymentCommand,
		"--fee_limit_msat=50", "02aa", "1000", "ff", "40",
	)
	require.NoError(t, sendPayment(ctx))

	require.Equal(t, http.MethodPost, last.method)
	require.Equal(t, "/v1/payments", last.path)

	var req hopd.SendPaymentRequest
	require.NoError(t, json.Unmarshal(last.body, &req))
	require.Equal(t, hopd.SendPaymentRequest{
		Dest:           "02aa",
		AmtMsat:        1000,
		PaymentHash:    "ff",
		FinalCltvDelta: 40,
		FeeLimitMsat:   50,
	}, req)
}

func TestOpenChannelArgs(t *testing.T) {
	t.Parallel()

	srv, last := fakeDaemon(t, http.StatusOK, `{}`)

	ctx := newTestContext(t, srv, openChannelCommand,
		"--node_key=02bb", "--connect=127.0.0.1:9735", "200000",
	)
	require.NoError(t, openChannel(ctx))

	var req hopd.OpenChannelRequest
	require.NoError(t, json.Unmarshal(last.body, &req))
	require.Equal(t, "02bb", req.NodePubkey)
	require.Equal(t, "127.0.0.1:9735", req.Address)
	require.EqualValues(t, 200000, req.LocalFundingAmount)
	require.Zero(t, req.PushMsat)

	ctx = newTestContext(t, srv, openChannelCommand, "--node_key=02bb")
	require.ErrorContains(t, openChannel(ctx), "local amt argument missing")
}

func TestCloseChannelQuery(t *testing.T) {
	t.Parallel()

	srv, last := fakeDaemon(t, http.StatusOK, `{}`)

	ctx := newTestContext(t, srv, closeChannelCommand,
		"--force", "--delivery_addr=bcrt1qxyz", "abcd:1",
	)
	require.NoError(t, closeChannel(ctx))

	require.Equal(t, http.MethodDelete, last.method)
	require.Equal(t, "/v1/channels/abcd:1", last.path)
	require.Equal(t, "true", last.query.Get("force"))
	require.Equal(t, "bcrt1qxyz", last.query.Get("delivery_address"))
}

func TestQueryRoutesValidation(t *testing.T) {
	t.Parallel()

	srv, last := fakeDaemon(t, http.StatusOK, `{"routes":[]}`)

	ctx := newTestContext(t, srv, queryRoutesCommand, "02cc")
	require.ErrorContains(t, queryRoutes(ctx), "amt argument missing")

	ctx = newTestContext(t, srv, queryRoutesCommand,
		"--num_routes=3", "02cc", "5000",
	)
	require.NoError(t, queryRoutes(ctx))
	require.Equal(t, "/v1/routes", last.path)
	require.Equal(t, "02cc", last.query.Get("dest"))
	require.Equal(t, "5000", last.query.Get("amt_msat"))
	require.Equal(t, "3", last.query.Get("num_routes"))
	require.Empty(t, last.query.Get("fee_limit_msat"))
}

func TestForwardingHistoryQuery(t *testing.T) {
	t.Parallel()

	srv, last := fakeDaemon(t, http.StatusOK, `{"forwarding_events":[]}`)

	ctx := newTestContext(t, srv, forwardingHistoryCommand,
		"--max_events=10", "--incoming_chan_ids=1x2x3",
		"--incoming_chan_ids=7", "1700000000", "1700003600",
	)
	require.NoError(t, forwardingHistory(ctx))
	require.Equal(t, "/v1/forwarding", last.path)
	require.Equal(t, "1700000000", last.query.Get("start"))
	require.Equal(t, "1700003600", last.query.Get("end"))
	require.Equal(t, "10", last.query.Get("max"))
	require.Empty(t, last.query.Get("offset"))
	require.Equal(t, []string{"1x2x3", "7"}, last.query["chan_in"])

	ctx = newTestContext(t, srv, forwardingHistoryCommand, "--start_time=-1")
	require.ErrorContains(t, forwardingHistory(ctx), "must not be negative")
}
