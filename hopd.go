package hopd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/hopline/hopd/build"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lncfg"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP servers.
const shutdownTimeout = 5 * time.Second

// Main is the true entry point for hopd. It's required since defers created
// in the top-level scope of a main method aren't executed if os.Exit() is
// called.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	// A critical error of the daemon requests a shutdown.
	hopdLog = build.NewShutdownLogger(hopdLog, interceptor.RequestShutdown)

	defer func() {
		hopdLog.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			hopdLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	hopdLog.Infof("Version: %s commit=%s, network=%s", build.Version(),
		build.Commit, cfg.ActiveNetParams.Name)

	// Open the channeldb, which is dedicated to storing channel, and
	// network related meta-data.
	hopdLog.Infof("Opening the main database at %v", cfg.DB.Path)
	db, err := channeldb.Open(cfg.DB.Path, cfg.DB.Options()...)
	if err != nil {
		err := fmt.Errorf("unable to open channeldb: %w", err)
		hopdLog.Error(err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			hopdLog.Errorf("Unable to close channeldb: %v", err)
		}
	}()

	chain, chainClient, err := newChainWatcher(cfg, db)
	if err != nil {
		err := fmt.Errorf("unable to connect to chain backend: %w", err)
		hopdLog.Error(err)
		return err
	}
	if chainClient != nil {
		defer chainClient.Shutdown()
	}

	node, err := newNodeContext(cfg, db, chain)
	if err != nil {
		err := fmt.Errorf("unable to load node keys: %w", err)
		hopdLog.Error(err)
		return err
	}

	// With a btcd backend the configured fee rate is only the fallback.
	if chainClient != nil {
		estimator := chainfee.NewBtcdEstimator(
			chainClient, chainfee.SatPerKWeight(cfg.Channel.FeeRate),
		)
		if err := estimator.Start(); err != nil {
			err := fmt.Errorf("unable to start fee estimator: %w",
				err)
			hopdLog.Error(err)
			return err
		}
		defer func() {
			_ = estimator.Stop()
		}()

		node.FeeEstimator = estimator
	}

	server, err := newServer(cfg, node)
	if err != nil {
		err := fmt.Errorf("unable to create server: %w", err)
		hopdLog.Error(err)
		return err
	}

	if err := server.Start(); err != nil {
		err := fmt.Errorf("unable to start server: %w", err)
		hopdLog.Error(err)

		// Services already started are stopped again.
		_ = server.Stop()

		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			hopdLog.Errorf("Unable to stop server: %v", err)
		}
	}()

	var httpServers []*http.Server
	defer func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		for _, srv := range httpServers {
			_ = srv.Shutdown(ctx)
		}
	}()

	if !cfg.DisableRest {
		rpcServer := newRPCServer(server)
		for _, addr := range cfg.RESTListeners {
			if !lncfg.IsLoopback(addr.String()) {
				hopdLog.Warnf("REST server on %v is reachable "+
					"from other hosts without authentication",
					addr)
			}

			srv, err := serveHTTP(addr, rpcServer.handler(), "REST")
			if err != nil {
				return err
			}
			httpServers = append(httpServers, srv)
		}
	}

	if cfg.PrometheusListen != "" {
		registry := prometheus.NewRegistry()
		if err := registerMetrics(registry, server); err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			registry, promhttp.HandlerOpts{},
		))

		addr, err := net.ResolveTCPAddr("tcp", cfg.PrometheusListen)
		if err != nil {
			return fmt.Errorf("invalid prometheus listen address: %w",
				err)
		}
		srv, err := serveHTTP(addr, mux, "Prometheus")
		if err != nil {
			return err
		}
		httpServers = append(httpServers, srv)
	}

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}

// newChainWatcher connects to the configured chain backend. The returned RPC
// client is nil when the daemon runs against the in-memory chain.
func newChainWatcher(cfg *Config, db *channeldb.DB) (chainntnfs.ChainWatcher,
	*rpcclient.Client, error) {

	if cfg.Chain.Mock {
		hopdLog.Warn("Running against an in-memory chain")
		return chainntnfs.NewMockChain(), nil, nil
	}

	client, err := chainntnfs.NewBtcdClient(cfg.Chain.ConnConfig())
	if err != nil {
		return nil, nil, err
	}

	hintCache, err := chainntnfs.NewHeightHintCache(
		chainntnfs.CacheConfig{}, db,
	)
	if err != nil {
		client.Shutdown()
		return nil, nil, err
	}

	watcher := chainntnfs.NewBtcdWatcher(chainntnfs.BtcdConfig{
		Client:       client,
		HintCache:    hintCache,
		PollInterval: cfg.Chain.PollInterval,
	})

	return chainntnfs.NewRetryingWatcher(
		watcher, chainntnfs.DefaultRetryConfig(),
	), client, nil
}

// serveHTTP starts serving handler on addr.
func serveHTTP(addr net.Addr, handler http.Handler,
	name string) (*http.Server, error) {

	lis, err := net.Listen("tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("unable to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		rpcsLog.Infof("%s server listening on %s", name, lis.Addr())

		err := srv.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			hopdLog.Criticalf("%s server stopped: %v", name, err)
		}
	}()

	return srv, nil
}
