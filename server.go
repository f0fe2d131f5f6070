package hopd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/actor"
	"github.com/hopline/hopd/brontide"
	"github.com/hopline/hopd/chanfsm"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/contractcourt"
	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/htlcswitch"
	"github.com/hopline/hopd/invoices"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/peer"
	"github.com/hopline/hopd/peerconn"
	"github.com/hopline/hopd/routing"
	"github.com/hopline/hopd/wallet"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// invoiceExpiryInterval is how often open invoices are checked for
	// expiry.
	invoiceExpiryInterval = time.Minute

	// finalCltvRejectDelta is the number of blocks before the expiry of an
	// incoming HTLC at which we no longer settle it.
	finalCltvRejectDelta = 10
)

// server is the main server of the hop daemon. The server houses the
// services of the node and wires them together: the channels, the HTLC
// switch, the gossiper and the connections to our peers.
type server struct {
	active   int32 // atomic
	stopping int32 // atomic

	cfg *Config

	node *NodeContext

	// bestHeight is the height of the chain tip, refreshed by the height
	// poller.
	bestHeight atomic.Uint32

	// nodeAnnTimestamp is the timestamp of our latest node announcement.
	nodeAnnTimestamp atomic.Uint32

	actorSystem *actor.ActorSystem

	wallet *wallet.Wallet

	invoices *invoices.InvoiceRegistry

	payments *channeldb.PaymentControl

	witnessCache *channeldb.WitnessCache

	chainArb *contractcourt.ChainArbitrator

	htlcSwitch *htlcswitch.Switch

	graph *graph.Graph

	gossiper *discovery.AuthenticatedGossiper

	chanRouter *routing.Router

	channels *chanfsm.Manager

	announcer *channelAnnouncer

	connMgr *peerconn.Manager

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// newServer creates a new instance of the server which is to listen using the
// passed listener address.
func newServer(cfg *Config, node *NodeContext) (*server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &server{
		cfg:          cfg,
		node:         node,
		actorSystem:  actor.NewActorSystem(),
		payments:     channeldb.NewPaymentControl(node.DB),
		witnessCache: node.DB.NewWitnessCache(),
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan struct{}),
	}

	if err := s.initServices(); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

// initServices builds every service of the node. The services only call each
// other through the server once it is started.
func (s *server) initServices() error {
	var (
		cfg     = s.cfg
		node    = s.node
		selfKey = node.IdentityKey.PubKey()
		chain   = node.NetParams
	)

	var err error
	s.wallet, err = wallet.New(wallet.Config{
		DB:        node.DB,
		KeyRing:   node.KeyRing,
		Chain:     node.Chain,
		NetParams: chain.Params,
	})
	if err != nil {
		return fmt.Errorf("unable to open wallet: %w", err)
	}

	s.invoices = invoices.NewRegistry(&invoices.RegistryConfig{
		DB:                   node.DB,
		Clock:                node.Clock,
		ChainParams:          chain.Params,
		NodeKey:              node.IdentityKey,
		FinalCltvRejectDelta: finalCltvRejectDelta,
		ExpiryTicker:         ticker.New(invoiceExpiryInterval),
	})

	sweepStore, err := contractcourt.NewSweepStore(node.DB)
	if err != nil {
		return err
	}
	s.chainArb = contractcourt.NewChainArbitrator(
		contractcourt.ChainArbitratorConfig{
			KeyRing:     node.KeyRing,
			Chain:       node.Chain,
			FeePolicy:   contractcourt.DefaultFeePolicy(node.FeeEstimator),
			SweepScript: s.wallet.NewScript,
			Store:       sweepStore,
			Preimages: newPreimageBeacon(
				s.invoices, s.witnessCache, s.payments,
			),
		},
	)

	s.htlcSwitch = htlcswitch.New(htlcswitch.Config{
		OnionRouter: node.OnionRouter,
		Registry:    s.invoices,
		DB:          node.DB,
		Payments:    s.payments,
		AddHTLC: func(ctx context.Context, chanID lnwire.ChannelID,
			htlc *lnwire.UpdateAddHTLC) (uint64, error) {

			return s.channels.AddHTLC(ctx, chanID, htlc)
		},
		FulfillHTLC: func(ctx context.Context, chanID lnwire.ChannelID,
			index uint64, preimage lntypes.Preimage) error {

			return s.channels.FulfillHTLC(ctx, chanID, index, preimage)
		},
		FailHTLC: func(ctx context.Context, chanID lnwire.ChannelID,
			index uint64, reason []byte) error {

			return s.channels.FailHTLC(ctx, chanID, index, reason)
		},
		BestHeight: s.bestHeight.Load,
		Policy: cfg.Routing.ForwardingPolicy(
			lnwire.MilliSatoshi(cfg.Channel.MinHtlc),
		),
		Clock: node.Clock,
	})

	s.graph, err = graph.New(graph.Config{
		DB:           node.DB.ChannelGraph(),
		Clock:        node.Clock,
		StaleHorizon: cfg.Gossip.StaleHorizon,
	})
	if err != nil {
		return err
	}

	s.gossiper = discovery.New(discovery.Config{
		ChainHash: *chain.GenesisHash,
		Graph:     s.graph,
		Chain:     node.Chain,
		Broadcast: func(skips map[graph.Vertex]struct{},
			msgs ...lnwire.Message) error {

			return s.connMgr.BroadcastMessage(skips, msgs...)
		},
		TrickleTicker:         ticker.New(cfg.Gossip.TrickleDelay),
		PruneTicker:           ticker.New(discovery.DefaultPruneInterval),
		PrematureHorizon:      discovery.DefaultPrematureHorizon,
		MaxChannelUpdateBurst: cfg.Gossip.MaxChannelUpdateBurst,
		ChannelUpdateInterval: cfg.Gossip.ChannelUpdateInterval,
		BanThreshold:          cfg.Gossip.BanThreshold,
		Clock:                 node.Clock,
	}, selfKey)

	s.chanRouter = routing.New(routing.Config{
		Graph:    s.graph,
		SelfNode: graph.NewVertex(selfKey),
		BestHeight: func() (uint32, error) {
			return s.bestHeight.Load(), nil
		},
		Bandwidth:  s.htlcSwitch.Bandwidth,
		Payments:   s.payments,
		Dispatcher: s.htlcSwitch,
		Clock:      node.Clock,
	})

	proofs, err := channeldb.NewWaitingProofStore(node.DB)
	if err != nil {
		return err
	}
	s.announcer = newChannelAnnouncer(announcerConfig{
		ChainHash: *chain.GenesisHash,
		NodeKey:   node.IdentityKey,
		Proofs:    proofs,
		Gossiper:  s.gossiper,
		KnownChannel: func(scid lnwire.ShortChannelID) bool {
			known, _, err := s.graph.HasChannel(scid)
			return err == nil && known
		},
		SendToPeer: func(_ context.Context, pub *btcec.PublicKey,
			msgs ...lnwire.Message) error {

			return s.connMgr.SendToPeer(pub, msgs...)
		},
		NodeAnnouncement: s.genNodeAnnouncement,
		Routing:          cfg.Routing,
		MinHTLC:          lnwire.MilliSatoshi(cfg.Channel.MinHtlc),
		Clock:            node.Clock,
	})

	s.channels = chanfsm.NewManager(chanfsm.Config{
		ChainHash: *chain.GenesisHash,
		KeyRing:   node.KeyRing,
		Signers:   node.Signers,
		Assembler: chanfunding.NewWalletAssembler(chanfunding.WalletConfig{
			CoinSource: s.wallet,
			CoinLocker: s.wallet,
			Signer:     s.wallet,
			DustLimit:  lnwallet.MinDustLimit,
		}),
		Policy:       node.Policy,
		DB:           node.DB,
		FeeEstimator: node.FeeEstimator,
		Daemon: chanfsm.NewDaemon(
			node.Chain, func(_ context.Context, pub *btcec.PublicKey,
				msgs []lnwire.Message) error {

				return s.connMgr.SendToPeer(pub, msgs...)
			},
		),
		System:         s.actorSystem,
		Clock:          node.Clock,
		PeerTimeout:    cfg.Channel.PeerTimeout,
		BestHeight:     s.bestHeight.Load,
		DeliveryScript: s.wallet.DeliveryScript,
		ChangeScript:   s.wallet.NewScript,
		Arbiter:        s.chainArb,
		Observer:       s,
		IsOnline: func(pub *btcec.PublicKey) bool {
			return s.connMgr.IsConnected(pub)
		},
		OnStateChange: channelStateChanged,
	})

	listeners := make([]net.Listener, 0, len(cfg.Listeners))
	for _, addr := range cfg.Listeners {
		listener, err := brontide.NewListener(
			node.IdentityKey, addr.String(),
		)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}

			return err
		}
		listeners = append(listeners, listener)
	}

	s.connMgr = peerconn.NewManager(
		node.IdentityKey, &peerconn.Config{
			PartialPeerConfig: peer.Config{
				Features: lnwire.DefaultFeatures(),
				Channels: &peerChannels{s: s},
				Gossiper: s.gossiper,
				Clock:    node.Clock,
			},
			Listeners:  listeners,
			MinBackoff: cfg.MinBackoff,
			MaxBackoff: cfg.MaxBackoff,
			AddrSource: channeldb.NewMultiAddrSource(node.DB, s.graph),
			ChannelPeers: s.channelPeers,
			StorePeerAddr: func(pub *btcec.PublicKey,
				addr net.Addr) error {

				return node.DB.AddPeerAddrs(pub, addr)
			},
		},
	)

	return nil
}

// Start starts the main daemon server, all requested listeners, and any helper
// goroutines.
func (s *server) Start() error {
	// Already running?
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return nil
	}

	height, err := s.node.Chain.CurrentHeight(s.ctx)
	if err != nil {
		return fmt.Errorf("unable to query chain height: %w", err)
	}
	s.bestHeight.Store(height)

	s.wg.Add(1)
	go s.heightPoller()

	// The services below don't depend on each other, so they're started
	// concurrently.
	var eg errgroup.Group
	eg.Go(s.wallet.Start)
	eg.Go(s.invoices.Start)
	eg.Go(s.htlcSwitch.Start)
	eg.Go(s.gossiper.Start)
	if err := eg.Wait(); err != nil {
		return err
	}

	// Channels are restored once the switch is able to take their links.
	if err := s.channels.Start(s.ctx); err != nil {
		return err
	}

	if err := s.connMgr.Start(); err != nil {
		return err
	}

	// In order to promote liveness of our active channels, instruct the
	// connection manager to attempt to establish and maintain persistent
	// connections to all our direct channel counter parties.
	if err := s.connMgr.EstablishPersistentConnections(); err != nil {
		return err
	}

	for _, addr := range s.cfg.ConnectPeers {
		err := s.connMgr.ConnectToPeer(addr, true, 0)
		if err != nil {
			return fmt.Errorf("unable to connect to %v: %w", addr,
				err)
		}
	}

	srvrLog.Infof("Server started, identity %x",
		s.node.IdentityKey.PubKey().SerializeCompressed())

	return nil
}

// Stop gracefully shutsdown the main daemon server. This function will signal
// any active goroutines, or helper objects to exit, then blocks until they've
// all successfully exited. Additionally, any/all listeners are closed.
func (s *server) Stop() error {
	// Bail if we're already shutting down.
	if !atomic.CompareAndSwapInt32(&s.stopping, 0, 1) {
		return nil
	}

	srvrLog.Info("Server shutting down...")

	close(s.quit)
	s.cancel()

	if err := s.connMgr.Stop(); err != nil {
		srvrLog.Warnf("Unable to stop peer conn manager: %v", err)
	}
	s.channels.Stop()
	s.announcer.Stop()
	s.chanRouter.Stop()
	if err := s.gossiper.Stop(); err != nil {
		srvrLog.Warnf("Unable to stop gossiper: %v", err)
	}
	if err := s.htlcSwitch.Stop(); err != nil {
		srvrLog.Warnf("Unable to stop switch: %v", err)
	}
	s.chainArb.Stop()
	if err := s.invoices.Stop(); err != nil {
		srvrLog.Warnf("Unable to stop invoice registry: %v", err)
	}
	s.wallet.Stop()
	if err := s.actorSystem.Shutdown(); err != nil {
		srvrLog.Warnf("Unable to shut down actors: %v", err)
	}

	s.wg.Wait()

	return nil
}

// Stopped returns true if the server has been instructed to shutdown.
func (s *server) Stopped() bool {
	return atomic.LoadInt32(&s.stopping) != 0
}

// heightPoller keeps the best height current.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) heightPoller() {
	defer s.wg.Done()

	t := ticker.New(s.cfg.Chain.PollInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			height, err := s.node.Chain.CurrentHeight(s.ctx)
			if err != nil {
				srvrLog.Warnf("Unable to query chain height: %v",
					err)
				continue
			}

			if old := s.bestHeight.Swap(height); old != height {
				srvrLog.Debugf("New chain height %d", height)
			}

		case <-s.quit:
			return
		}
	}
}

// channelPeers returns the nodes we have channels with.
func (s *server) channelPeers() ([]*btcec.PublicKey, error) {
	channels, err := s.node.DB.FetchAllChannels()
	if err != nil {
		return nil, err
	}

	seen := make(map[graph.Vertex]struct{}, len(channels))
	peers := make([]*btcec.PublicKey, 0, len(channels))
	for _, c := range channels {
		v := graph.NewVertex(c.IdentityPub)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		peers = append(peers, c.IdentityPub)
	}

	return peers, nil
}

// genNodeAnnouncement returns a fresh signed announcement of our node. Its
// timestamp is above the one of the previous announcement.
func (s *server) genNodeAnnouncement() (*lnwire.NodeAnnouncement, error) {
	alias, err := lnwire.NewNodeAlias(s.cfg.Alias)
	if err != nil {
		return nil, err
	}

	timestamp := uint32(s.node.Clock.Now().Unix())
	for {
		prev := s.nodeAnnTimestamp.Load()
		if timestamp <= prev {
			timestamp = prev + 1
		}
		if s.nodeAnnTimestamp.CompareAndSwap(prev, timestamp) {
			break
		}
	}

	ann := &lnwire.NodeAnnouncement{
		Features:        lnwire.DefaultFeatures(),
		Timestamp:       timestamp,
		Alias:           alias,
		Addresses:       s.cfg.ExternalIPs,
		ExtraOpaqueData: make([]byte, 0),
	}
	copy(ann.NodeID[:], s.node.IdentityKey.PubKey().SerializeCompressed())

	if err := discovery.SignNodeAnnouncement(s.node.IdentityKey, ann); err != nil {
		return nil, err
	}

	return ann, nil
}

// ChannelOpened hands the channel to the switch and starts its announcement.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *server) ChannelOpened(lc *lnwallet.LightningChannel) {
	s.htlcSwitch.ChannelOpened(lc)
	s.announcer.ChannelOpened(lc)
}

// ChannelClosed removes the channel from the switch. Peers we no longer have
// channels with are not reconnected to anymore.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *server) ChannelClosed(summary *channeldb.ChannelCloseSummary) {
	s.htlcSwitch.ChannelClosed(summary)
	s.announcer.ChannelClosed(summary)

	if summary.RemotePub == nil {
		return
	}

	channels, err := s.node.DB.FetchOpenChannels(summary.RemotePub)
	if err != nil {
		srvrLog.Errorf("Unable to fetch channels of %x: %v",
			summary.RemotePub.SerializeCompressed(), err)
		return
	}
	if len(channels) == 0 {
		s.connMgr.PrunePersistentPeer(summary.RemotePub)
	}
}

// HtlcAdded hands an HTLC offered to us to the switch.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *server) HtlcAdded(chanID lnwire.ChannelID,
	htlc *lnwallet.PaymentDescriptor) {

	s.htlcSwitch.HtlcAdded(chanID, htlc)
}

// HtlcSettled remembers the preimage so a later on-chain claim of the same
// hash can use it, then lets the switch settle the circuit.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *server) HtlcSettled(chanID lnwire.ChannelID, htlcIndex uint64,
	preimage lntypes.Preimage) {

	if err := s.witnessCache.AddSha256Witnesses(preimage); err != nil {
		srvrLog.Errorf("Unable to add preimage %v to witness cache: %v",
			preimage.Hash(), err)
	}

	s.htlcSwitch.HtlcSettled(chanID, htlcIndex, preimage)
}

// HtlcFailed lets the switch fail the circuit of the HTLC.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *server) HtlcFailed(chanID lnwire.ChannelID, htlcIndex uint64,
	reason []byte) {

	s.htlcSwitch.HtlcFailed(chanID, htlcIndex, reason)
}

var _ chanfsm.Observer = (*server)(nil)

// peerChannels routes the channel messages of our peers. The signatures
// announcing a channel go to the announcer, all other messages to the
// channel manager.
type peerChannels struct {
	s *server
}

// HandleMessage routes a channel message received from pub.
func (p *peerChannels) HandleMessage(ctx context.Context,
	pub *btcec.PublicKey, msg lnwire.Message) error {

	if sigs, ok := msg.(*lnwire.AnnounceSignatures); ok {
		return p.s.announcer.HandleAnnounceSignatures(pub, sigs)
	}

	return p.s.channels.HandleMessage(ctx, pub, msg)
}

// PeerConnected tells the channels of pub that its session is up.
func (p *peerChannels) PeerConnected(ctx context.Context,
	pub *btcec.PublicKey) {

	p.s.channels.PeerConnected(ctx, pub)
}

// PeerDisconnected tells the channels of pub that its session is gone.
func (p *peerChannels) PeerDisconnected(ctx context.Context,
	pub *btcec.PublicKey) {

	p.s.channels.PeerDisconnected(ctx, pub)
}

var _ peer.ChannelManager = (*peerChannels)(nil)

// errServerNotActive is returned by requests made before the server started
// or after it stopped.
var errServerNotActive = errors.New("server is not active")

// checkActive returns errServerNotActive unless the server is running.
func (s *server) checkActive() error {
	if atomic.LoadInt32(&s.active) == 0 || s.Stopped() {
		return errServerNotActive
	}

	return nil
}
