package peerconn

import (
	"bytes"
	"errors"
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/hopline/hopd/brontide"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/peer"
)

// errReplaced is the disconnect reason of a session superseded by a newer
// connection.
var errReplaced = errors.New("replaced by a new connection")

// acceptConn is the connmgr callback of inbound connections.
func (m *Manager) acceptConn(conn net.Conn) {
	m.handleConn(conn, nil, true)
}

// dialedConn is the connmgr callback of the connections it dialed.
func (m *Manager) dialedConn(req *connmgr.ConnReq, conn net.Conn) {
	m.handleConn(conn, req, false)
}

// localDialWins reports whether, of two simultaneous connections, the one
// we dialed is kept. Both nodes keep the connection dialed by the node with
// the smaller key.
func localDialWins(local, remote *btcec.PublicKey) bool {
	return bytes.Compare(
		local.SerializeCompressed(), remote.SerializeCompressed(),
	) < 0
}

// keepExisting reports whether the live session wins over a new connection
// with the same node.
func (m *Manager) keepExisting(existing *peer.Brontide,
	remote *btcec.PublicKey, inbound bool) bool {

	// A new connection of the same direction is a reconnect.
	if existing.Inbound() == inbound {
		return false
	}

	return existing.Inbound() != localDialWins(m.nodeKey.PubKey(), remote)
}

// handleConn turns a fresh brontide connection into a session. A live
// session with the node is either kept, dropping conn, or replaced once it
// has shut down.
func (m *Manager) handleConn(conn net.Conn, req *connmgr.ConnReq,
	inbound bool) {

	if m.Stopped() {
		conn.Close()
		return
	}

	bConn, ok := conn.(*brontide.Conn)
	if !ok {
		connLog.Errorf("Unexpected connection type %T from %v", conn,
			conn.RemoteAddr())
		conn.Close()
		return
	}

	remote := bConn.RemotePub()
	key := keyOf(remote)

	m.mu.Lock()
	defer m.mu.Unlock()

	drop := func(reason string) {
		connLog.Debugf("Dropping connection with %x (inbound=%v): %s",
			remote.SerializeCompressed(), inbound, reason)

		if req != nil {
			m.connMgr.Remove(req.ID())
		}
		conn.Close()
	}

	if req != nil {
		pp, ok := m.persistent[key]
		if !ok || !pp.dialing(req) {
			drop("request was canceled")
			return
		}
	}

	if _, ok := m.successors[key]; ok {
		drop("another connection is waiting to take over")
		return
	}

	connLog.Infof("New connection with %x@%v, inbound=%v",
		remote.SerializeCompressed(), conn.RemoteAddr(), inbound)

	// The node is reached, other dials to it can stop.
	m.cancelDials(key, req)

	current, ok := m.sessions[key]
	if !ok {
		m.startSession(bConn, req, inbound)
		return
	}

	if m.keepExisting(current.peer, remote, inbound) {
		drop("keeping existing connection")
		return
	}

	connLog.Debugf("Replacing session %v", current.peer)

	m.endSession(current)
	m.replaced[current.peer] = struct{}{}
	m.successors[key] = &pendingConn{
		conn:    bConn,
		connReq: req,
		inbound: inbound,
	}
}

// startSession registers a session over conn and runs it in the
// background.
//
// NOTE: The mutex MUST be held.
func (m *Manager) startSession(conn *brontide.Conn, req *connmgr.ConnReq,
	inbound bool) {

	if m.Stopped() {
		conn.Close()
		return
	}

	addr := &lnwire.NetAddress{
		IdentityKey: conn.RemotePub(),
		Address:     conn.RemoteAddr(),
	}

	pCfg := m.cfg.PartialPeerConfig
	pCfg.Conn = conn
	pCfg.Addr = addr
	pCfg.Inbound = inbound

	p := peer.NewBrontide(pCfg)
	m.sessions[keyOf(addr.IdentityKey)] = &session{
		peer:    p,
		connReq: req,
	}

	// The init exchange happens without the mutex, a slow peer must not
	// stall the manager.
	m.wg.Add(1)
	go m.runSession(p)
}

// runSession starts the peer and waits for it to disconnect.
//
// NOTE: This MUST be run as a goroutine.
func (m *Manager) runSession(p *peer.Brontide) {
	defer m.wg.Done()

	if m.Stopped() {
		return
	}

	if err := p.Start(m.ctx); err != nil {
		connLog.Warnf("Unable to start peer %v: %v", p, err)
		m.sessionEnded(p, false)

		return
	}

	if !p.Inbound() && m.cfg.StorePeerAddr != nil {
		err := m.cfg.StorePeerAddr(p.IdentityKey(), p.Address())
		if err != nil {
			connLog.Errorf("Unable to store address of %v: %v", p,
				err)
		}
	}

	select {
	case <-p.Done():
	case <-m.quit:
		return
	}

	connLog.Debugf("Peer %v has been disconnected", p)

	m.sessionEnded(p, true)
}

// sessionEnded cleans up after a session and schedules a redial of
// persistent peers. A replaced session hands over to its successor.
func (m *Manager) sessionEnded(p *peer.Brontide, started bool) {
	if m.Stopped() {
		return
	}

	pub := p.IdentityKey()
	key := keyOf(pub)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.replaced[p]; ok {
		delete(m.replaced, p)

		if next, ok := m.successors[key]; ok {
			delete(m.successors, key)
			m.startSession(next.conn, next.connReq, next.inbound)
		}

		return
	}

	if started {
		p.Disconnect(errors.New("session ended"))
	}
	m.forgetSession(p)

	pp, ok := m.persistent[key]
	if !ok {
		return
	}

	// Inbound sessions don't tell us where the node listens, only the
	// address sources do.
	var addrs []net.Addr
	if !p.Inbound() {
		addrs = append(addrs, p.Address())
	}
	pp.addAddrs(pub, append(addrs, m.knownAddrs(pub)...)...)

	if len(pp.addrs) == 0 {
		connLog.Debugf("No address to redial %v", p)
		return
	}

	pp.backoff = nextBackoff(
		pp.backoff, p.StartTime(), m.cfg.MinBackoff, m.cfg.MaxBackoff,
	)
	m.scheduleRedial(key, pp)
}

// endSession disconnects the session and removes it.
//
// NOTE: The mutex MUST be held.
func (m *Manager) endSession(s *session) {
	s.peer.Disconnect(errReplaced)
	m.forgetSession(s.peer)
}

// forgetSession removes the session of p unless a newer session of the node
// took its place.
//
// NOTE: The mutex MUST be held.
func (m *Manager) forgetSession(p *peer.Brontide) {
	key := keyOf(p.IdentityKey())

	s, ok := m.sessions[key]
	if !ok || s.peer != p {
		return
	}

	if s.connReq != nil {
		m.connMgr.Remove(s.connReq.ID())
	}
	delete(m.sessions, key)
}
