package peerconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/hopline/hopd/brontide"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/peer"
)

const (
	// DefaultConnectionTimeout is the time a dial and handshake may take.
	DefaultConnectionTimeout = 120 * time.Second

	// UnassignedConnID is the id of a connmgr request that wasn't
	// scheduled yet.
	UnassignedConnID uint64 = 0

	// retryDuration is how long connmgr waits before redialing a failed
	// permanent request.
	retryDuration = 5 * time.Second

	// targetOutbound bounds the outbound connections of connmgr.
	targetOutbound = 100
)

var (
	// ErrPeerNotConnected is returned for nodes without a session.
	ErrPeerNotConnected = errors.New("peer is not connected")

	// ErrServerShuttingDown is returned once Stop was called.
	ErrServerShuttingDown = errors.New("server is shutting down")
)

// ErrPeerAlreadyConnected is returned when asked to connect to a node we
// have a session with.
type ErrPeerAlreadyConnected struct {
	peer *peer.Brontide
}

// Error returns the human readable version of this error type.
func (e *ErrPeerAlreadyConnected) Error() string {
	return fmt.Sprintf("already connected to peer: %v", e.peer)
}

// Config holds the dependencies of the Manager.
type Config struct {
	// PartialPeerConfig is completed with the connection of every new
	// session.
	PartialPeerConfig peer.Config

	// Listeners accept the inbound brontide connections.
	Listeners []net.Listener

	// ConnectionTimeout bounds a dial and its handshake.
	ConnectionTimeout time.Duration

	// Dial opens the TCP connection brontide runs over.
	Dial func(network, address string,
		timeout time.Duration) (net.Conn, error)

	// MinBackoff and MaxBackoff bound the delay before a persistent peer
	// is redialed. The delay doubles with every short lived session.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// AddrSource knows the addresses a node was reached at or announced.
	AddrSource channeldb.AddrSource

	// ChannelPeers returns the nodes we have open channels with. We keep
	// a connection to each of them.
	ChannelPeers func() ([]*btcec.PublicKey, error)

	// StorePeerAddr records the address an outbound connection reached
	// the peer at. Optional.
	StorePeerAddr func(pub *btcec.PublicKey, addr net.Addr) error
}

// session is a live brontide session with a node.
type session struct {
	peer *peer.Brontide

	// connReq is the connmgr request the session was dialed for, if any.
	connReq *connmgr.ConnReq
}

// pendingConn is a connection that takes over from a session once that
// session is down.
type pendingConn struct {
	conn    *brontide.Conn
	connReq *connmgr.ConnReq
	inbound bool
}

// Manager keeps at most one session per node. It accepts inbound
// connections, dials nodes on request and redials persistent peers after
// their session ends.
type Manager struct {
	cfg *Config

	// nodeKey authenticates our side of every handshake.
	nodeKey keychain.SingleKeyECDH

	connMgr *connmgr.ConnManager

	mu sync.RWMutex

	// sessions is keyed by the compressed public key of the node.
	sessions map[string]*session

	// persistent holds the nodes we keep a connection to.
	persistent map[string]*persistentPeer

	// replaced holds sessions we tore down for a newer connection. Their
	// end starts the successor instead of counting as a disconnect.
	replaced map[*peer.Brontide]struct{}

	// successors holds the connections waiting for a replaced session.
	successors map[string]*pendingConn

	started  atomic.Bool
	stopping atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a Manager authenticating as nodeKey.
func NewManager(nodeKey keychain.SingleKeyECDH, cfg *Config) *Manager {
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = net.DialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:        cfg,
		nodeKey:    nodeKey,
		sessions:   make(map[string]*session),
		persistent: make(map[string]*persistentPeer),
		replaced:   make(map[*peer.Brontide]struct{}),
		successors: make(map[string]*pendingConn),
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
	}
}

// Start begins accepting connections on the listeners.
func (m *Manager) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	connLog.Info("Peer connection manager starting")

	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:      m.cfg.Listeners,
		OnAccept:       m.acceptConn,
		OnConnection:   m.dialedConn,
		RetryDuration:  retryDuration,
		TargetOutbound: targetOutbound,
		Dial:           m.dialAddr,
	})
	if err != nil {
		return fmt.Errorf("unable to create connmgr: %w", err)
	}
	m.connMgr = cmgr
	m.connMgr.Start()

	return nil
}

// Stop disconnects every session and waits for them to wind down.
func (m *Manager) Stop() error {
	if !m.stopping.CompareAndSwap(false, true) {
		return nil
	}

	connLog.Info("Peer connection manager shutting down")
	defer connLog.Debug("Peer connection manager shutdown complete")

	close(m.quit)
	m.cancel()

	for _, p := range m.Peers() {
		p.Disconnect(ErrServerShuttingDown)
	}

	if m.connMgr != nil {
		m.connMgr.Stop()
	}

	m.wg.Wait()

	return nil
}

// Stopped reports whether Stop was called.
func (m *Manager) Stopped() bool {
	return m.stopping.Load()
}

// dialAddr is the connmgr dialer. It performs the brontide handshake.
func (m *Manager) dialAddr(a net.Addr) (net.Conn, error) {
	addr, ok := a.(*lnwire.NetAddress)
	if !ok {
		return nil, fmt.Errorf("unexpected network address type %T", a)
	}

	return brontide.Dial(
		m.nodeKey, addr, m.cfg.ConnectionTimeout, m.cfg.Dial,
	)
}

// keyOf returns the map key of a node.
func keyOf(pub *btcec.PublicKey) string {
	return string(pub.SerializeCompressed())
}

// FindPeer returns the session with the node.
func (m *Manager) FindPeer(pub *btcec.PublicKey) (*peer.Brontide, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[keyOf(pub)]
	if !ok {
		return nil, ErrPeerNotConnected
	}

	return s.peer, nil
}

// IsConnected reports whether a session with the node exists.
func (m *Manager) IsConnected(pub *btcec.PublicKey) bool {
	_, err := m.FindPeer(pub)
	return err == nil
}

// Peers returns the live sessions.
func (m *Manager) Peers() []*peer.Brontide {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*peer.Brontide, 0, len(m.sessions))
	for _, s := range m.sessions {
		peers = append(peers, s.peer)
	}

	return peers
}

// NumPeers returns the number of live sessions.
func (m *Manager) NumPeers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// SendToPeer queues the messages for the node. The node must be connected.
func (m *Manager) SendToPeer(pub *btcec.PublicKey,
	msgs ...lnwire.Message) error {

	p, err := m.FindPeer(pub)
	if err != nil {
		return err
	}

	return p.SendMessage(false, msgs...)
}

// BroadcastMessage queues the messages for every connected node not in
// skips. Delivery failures are only logged.
func (m *Manager) BroadcastMessage(skips map[graph.Vertex]struct{},
	msgs ...lnwire.Message) error {

	var targets []*peer.Brontide
	for _, p := range m.Peers() {
		if _, ok := skips[p.PubKey()]; ok {
			continue
		}
		targets = append(targets, p)
	}

	connLog.Debugf("Broadcasting %d messages to %d peers", len(msgs),
		len(targets))

	for _, p := range targets {
		if err := p.SendMessage(false, msgs...); err != nil {
			connLog.Debugf("Unable to broadcast to %v: %v", p, err)
		}
	}

	return nil
}

// ConnectToPeer connects to the node at addr. A permanent connection is
// dialed in the background and redialed whenever it drops. Otherwise the
// call blocks until the handshake completed or failed.
func (m *Manager) ConnectToPeer(addr *lnwire.NetAddress, perm bool,
	timeout time.Duration) error {

	if m.Stopped() {
		return ErrServerShuttingDown
	}

	key := keyOf(addr.IdentityKey)

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return &ErrPeerAlreadyConnected{peer: s.peer}
	}

	if perm {
		pp := m.persistentFor(key, true)
		pp.addAddrs(addr.IdentityKey, addr.Address)

		req := &connmgr.ConnReq{Addr: addr, Permanent: true}
		pp.dials = append(pp.dials, req)
		m.mu.Unlock()

		connLog.Debugf("Connecting to %v permanently", addr)
		go m.connMgr.Connect(req)

		return nil
	}
	m.mu.Unlock()

	if timeout == 0 {
		timeout = m.cfg.ConnectionTimeout
	}

	connLog.Debugf("Connecting to %v", addr)

	conn, err := brontide.Dial(m.nodeKey, addr, timeout, m.cfg.Dial)
	if err != nil {
		connLog.Errorf("Unable to connect to %v: %v", addr, err)
		return err
	}

	m.handleConn(conn, nil, false)

	return nil
}

// DisconnectPeer ends the session with the node. The node is no longer
// redialed.
func (m *Manager) DisconnectPeer(pub *btcec.PublicKey) error {
	key := keyOf(pub)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("peer %x: %w", pub.SerializeCompressed(),
			ErrPeerNotConnected)
	}

	connLog.Infof("Disconnecting from %v", s.peer)

	m.cancelDials(key, nil)
	delete(m.persistent, key)

	s.peer.Disconnect(errors.New("disconnect requested"))

	return nil
}
