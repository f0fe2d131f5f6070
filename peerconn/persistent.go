package peerconn

import (
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/cenkalti/backoff/v4"
	"github.com/hopline/hopd/lnwire"
)

const (
	// stableConnDuration is how long a session must last before it
	// shortens the redial backoff.
	stableConnDuration = 10 * time.Minute

	// addrStagger spaces the dials to the addresses of one node.
	addrStagger = 10 * time.Second

	// backoffJitter spreads each backoff in either direction.
	backoffJitter = 0.05
)

// persistentPeer is a node we keep a connection to.
type persistentPeer struct {
	// perm is set for nodes the user asked for. Other nodes are pruned
	// once we have no channel with them.
	perm bool

	// backoff is the delay before the next redial.
	backoff time.Duration

	// addrs are the addresses to dial, in order of preference.
	addrs []*lnwire.NetAddress

	// dials are the connmgr requests currently reaching for the node.
	dials []*connmgr.ConnReq

	// retryCancel aborts a scheduled redial. Nil when none is pending.
	retryCancel chan struct{}
}

// addAddrs appends the addresses not known yet.
func (pp *persistentPeer) addAddrs(pub *btcec.PublicKey,
	addrs ...net.Addr) {

	seen := make(map[string]struct{}, len(pp.addrs))
	for _, a := range pp.addrs {
		seen[a.Address.String()] = struct{}{}
	}

	for _, a := range addrs {
		if _, ok := seen[a.String()]; ok {
			continue
		}
		seen[a.String()] = struct{}{}

		pp.addrs = append(pp.addrs, &lnwire.NetAddress{
			IdentityKey: pub,
			Address:     a,
		})
	}
}

// dialing reports whether req is one of the live dials of the node.
func (pp *persistentPeer) dialing(req *connmgr.ConnReq) bool {
	for _, d := range pp.dials {
		if d == req {
			return true
		}
	}

	return false
}

// persistentFor returns the persistent state of the node, creating it.
//
// NOTE: The mutex MUST be held.
func (m *Manager) persistentFor(key string, perm bool) *persistentPeer {
	pp, ok := m.persistent[key]
	if !ok {
		pp = &persistentPeer{backoff: m.cfg.MinBackoff}
		m.persistent[key] = pp
	}
	pp.perm = pp.perm || perm

	return pp
}

// knownAddrs returns the addresses the address source has for the node.
func (m *Manager) knownAddrs(pub *btcec.PublicKey) []net.Addr {
	if m.cfg.AddrSource == nil {
		return nil
	}

	_, addrs, err := m.cfg.AddrSource.AddrsForNode(m.ctx, pub)
	if err != nil {
		connLog.Errorf("Unable to retrieve addresses of %x: %v",
			pub.SerializeCompressed(), err)
	}

	return addrs
}

// EstablishPersistentConnections makes every channel peer persistent and
// dials it at all its known addresses.
func (m *Manager) EstablishPersistentConnections() error {
	pubs, err := m.cfg.ChannelPeers()
	if err != nil {
		return err
	}

	type target struct {
		pub   *btcec.PublicKey
		addrs []net.Addr
	}

	targets := make(map[string]target, len(pubs))
	for _, pub := range pubs {
		key := keyOf(pub)
		if _, ok := targets[key]; ok {
			continue
		}

		_, addrs, err := m.cfg.AddrSource.AddrsForNode(m.ctx, pub)
		if err != nil {
			return err
		}
		targets[key] = target{pub: pub, addrs: addrs}
	}

	connLog.Debugf("Establishing %d persistent connections", len(targets))

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, t := range targets {
		pp := m.persistentFor(key, false)
		pp.addAddrs(t.pub, t.addrs...)

		if len(pp.addrs) == 0 {
			connLog.Debugf("No address known for channel peer %x",
				t.pub.SerializeCompressed())
			continue
		}

		m.dialPersistent(key, pp)
	}

	return nil
}

// PrunePersistentPeer stops redialing a node we no longer have channels
// with. Nodes the user asked for stay.
func (m *Manager) PrunePersistentPeer(pub *btcec.PublicKey) {
	key := keyOf(pub)

	m.mu.Lock()
	defer m.mu.Unlock()

	pp, ok := m.persistent[key]
	if !ok || pp.perm {
		return
	}

	m.cancelDials(key, nil)
	delete(m.persistent, key)

	connLog.Infof("Pruned peer %x from persistent connections, peer has "+
		"no open channels", pub.SerializeCompressed())
}

// cancelDials stops the pending redial and the connmgr requests of the
// node, except keep.
//
// NOTE: The mutex MUST be held.
func (m *Manager) cancelDials(key string, keep *connmgr.ConnReq) {
	pp, ok := m.persistent[key]
	if !ok {
		return
	}

	if pp.retryCancel != nil {
		close(pp.retryCancel)
		pp.retryCancel = nil
	}

	for _, req := range pp.dials {
		id := req.ID()
		if id == UnassignedConnID || req == keep {
			continue
		}

		connLog.Tracef("Canceling %v", req)
		m.connMgr.Remove(id)
	}
	pp.dials = nil
}

// retrySignal returns the channel closed when the redials of the node are
// canceled.
//
// NOTE: The mutex MUST be held.
func (pp *persistentPeer) retrySignal() chan struct{} {
	if pp.retryCancel == nil {
		pp.retryCancel = make(chan struct{})
	}

	return pp.retryCancel
}

// scheduleRedial dials the node again once its backoff elapsed.
//
// NOTE: The mutex MUST be held.
func (m *Manager) scheduleRedial(key string, pp *persistentPeer) {
	cancel := pp.retrySignal()
	delay := pp.backoff

	connLog.Debugf("Redialing persistent peer %x in %v", []byte(key),
		delay)

	go func() {
		select {
		case <-time.After(delay):
		case <-cancel:
			return
		case <-m.quit:
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		select {
		case <-cancel:
			return
		default:
		}

		if pp, ok := m.persistent[key]; ok {
			m.dialPersistent(key, pp)
		}
	}()
}

// dialPersistent reconciles the dials of the node with its addresses:
// requests to forgotten addresses are removed and new addresses are dialed
// one after another.
//
// NOTE: The mutex MUST be held.
func (m *Manager) dialPersistent(key string, pp *persistentPeer) {
	if m.Stopped() {
		return
	}

	undialed := make(map[string]struct{}, len(pp.addrs))
	for _, a := range pp.addrs {
		undialed[a.Address.String()] = struct{}{}
	}

	var kept []*connmgr.ConnReq
	for _, req := range pp.dials {
		if addr, ok := req.Addr.(*lnwire.NetAddress); ok {
			if _, ok := undialed[addr.Address.String()]; ok {
				delete(undialed, addr.Address.String())
				kept = append(kept, req)

				continue
			}
		}

		connLog.Infof("Removing connection request to %v", req.Addr)
		m.connMgr.Remove(req.ID())
	}
	pp.dials = kept

	var addrs []*lnwire.NetAddress
	for _, a := range pp.addrs {
		if _, ok := undialed[a.Address.String()]; ok {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return
	}

	go m.staggerDials(key, addrs, pp.retrySignal())
}

// staggerDials hands a permanent request per address to connmgr, spaced by
// addrStagger.
func (m *Manager) staggerDials(key string, addrs []*lnwire.NetAddress,
	cancel <-chan struct{}) {

	ticker := time.NewTicker(addrStagger)
	defer ticker.Stop()

	for i, addr := range addrs {
		req := &connmgr.ConnReq{Addr: addr, Permanent: true}

		m.mu.Lock()
		select {
		case <-cancel:
			m.mu.Unlock()
			return
		default:
		}

		pp, ok := m.persistent[key]
		if ok {
			pp.dials = append(pp.dials, req)
		}
		m.mu.Unlock()

		if !ok {
			return
		}

		connLog.Debugf("Attempting persistent connection to %v", addr)
		go m.connMgr.Connect(req)

		if i == len(addrs)-1 {
			return
		}

		select {
		case <-ticker.C:
		case <-cancel:
			return
		case <-m.quit:
			return
		}
	}
}

// nextBackoff returns the redial delay after a session that started at
// started, zero if it never started. Short sessions double the delay, long
// ones shorten it by their duration.
func nextBackoff(prev time.Duration, started time.Time, minBackoff,
	maxBackoff time.Duration) time.Duration {

	if prev == 0 {
		return minBackoff
	}

	next := computeNextBackoff(prev, maxBackoff)
	if started.IsZero() {
		return next
	}

	connected := time.Since(started)
	if connected < stableConnDuration {
		return next
	}

	if relaxed := next - connected; relaxed > minBackoff {
		return relaxed
	}

	return minBackoff
}

// computeNextBackoff doubles curr up to maxBackoff and spreads the result by
// backoffJitter in either direction.
func computeNextBackoff(curr, maxBackoff time.Duration) time.Duration {
	next := 2 * curr
	if next > maxBackoff {
		next = maxBackoff
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     next,
		RandomizationFactor: backoffJitter,
		Multiplier:          1,
		MaxInterval:         next,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	return b.NextBackOff()
}
