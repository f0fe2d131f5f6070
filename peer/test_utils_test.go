package peer

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// timeout is how long the tests wait for the peer to act.
const timeout = 5 * time.Second

// mockMessageConn is a MessageConn whose remote end is driven by the test.
type mockMessageConn struct {
	t *testing.T

	// writtenMessages receives every flushed message.
	writtenMessages chan []byte

	// readMessages feeds the messages the peer reads.
	readMessages chan []byte

	pending []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn(t *testing.T) *mockMessageConn {
	return &mockMessageConn{
		t:               t,
		writtenMessages: make(chan []byte, 20),
		readMessages:    make(chan []byte, 20),
		closed:          make(chan struct{}),
	}
}

func (m *mockMessageConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9735}
}

func (m *mockMessageConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9735}
}

func (m *mockMessageConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (m *mockMessageConn) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
	})

	return nil
}

func (m *mockMessageConn) WriteMessage(b []byte) error {
	m.pending = append([]byte(nil), b...)
	return nil
}

func (m *mockMessageConn) Flush() (int, error) {
	select {
	case m.writtenMessages <- m.pending:
	case <-m.closed:
		return 0, io.ErrClosedPipe
	}

	n := len(m.pending)
	m.pending = nil

	return n, nil
}

func (m *mockMessageConn) ReadNextMessage() ([]byte, error) {
	select {
	case b := <-m.readMessages:
		return b, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

// sendToPeer makes the peer read msg.
func (m *mockMessageConn) sendToPeer(msg lnwire.Message) {
	var b bytes.Buffer
	_, err := lnwire.WriteMessage(&b, msg, lnwire.ProtocolVersion)
	require.NoError(m.t, err)

	m.readMessages <- b.Bytes()
}

// receive returns the next message the peer wrote.
func (m *mockMessageConn) receive() lnwire.Message {
	m.t.Helper()

	select {
	case b := <-m.writtenMessages:
		msg, err := lnwire.ReadMessage(
			bytes.NewReader(b), lnwire.ProtocolVersion,
		)
		require.NoError(m.t, err)

		return msg

	case <-time.After(timeout):
		m.t.Fatalf("peer wrote no message")
		return nil
	}
}

// mockChannels records the channel messages handed over by the peer.
type mockChannels struct {
	handled      chan lnwire.Message
	connected    chan *btcec.PublicKey
	disconnected chan *btcec.PublicKey

	// handleErr is returned for every message.
	handleErr error
}

func newMockChannels() *mockChannels {
	return &mockChannels{
		handled:      make(chan lnwire.Message, 20),
		connected:    make(chan *btcec.PublicKey, 1),
		disconnected: make(chan *btcec.PublicKey, 1),
	}
}

func (m *mockChannels) HandleMessage(_ context.Context, _ *btcec.PublicKey,
	msg lnwire.Message) error {

	m.handled <- msg
	return m.handleErr
}

func (m *mockChannels) PeerConnected(_ context.Context,
	peer *btcec.PublicKey) {

	m.connected <- peer
}

func (m *mockChannels) PeerDisconnected(_ context.Context,
	peer *btcec.PublicKey) {

	m.disconnected <- peer
}

// mockGossiper answers every announcement with err.
type mockGossiper struct {
	received chan lnwire.Message
	err      error
}

func (m *mockGossiper) ProcessRemoteAnnouncement(msg lnwire.Message,
	_ discovery.Peer) chan error {

	m.received <- msg

	errChan := make(chan error, 1)
	errChan <- m.err

	return errChan
}

type peerHarness struct {
	peer     *Brontide
	conn     *mockMessageConn
	channels *mockChannels
	gossiper *mockGossiper
	ping     *ticker.Force
	remote   *btcec.PublicKey

	disconnected chan struct{}
}

// newPeerHarness creates a peer over a mock connection without starting
// it.
func newPeerHarness(t *testing.T) *peerHarness {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := &peerHarness{
		conn:     newMockConn(t),
		channels: newMockChannels(),
		gossiper: &mockGossiper{
			received: make(chan lnwire.Message, 20),
		},
		ping:         ticker.NewForce(time.Hour),
		remote:       priv.PubKey(),
		disconnected: make(chan struct{}),
	}

	h.peer = NewBrontide(Config{
		Conn: h.conn,
		Addr: &lnwire.NetAddress{
			IdentityKey: h.remote,
			Address:     h.conn.RemoteAddr(),
		},
		Channels:   h.channels,
		Gossiper:   h.gossiper,
		PingTicker: h.ping,
		OnDisconnect: func(*Brontide) {
			close(h.disconnected)
		},
	})
	t.Cleanup(func() {
		h.peer.Disconnect(ErrPeerExiting)
	})

	return h
}

// start starts the peer with the remote sending init, and consumes our
// init.
func (h *peerHarness) start(t *testing.T) {
	t.Helper()

	h.conn.sendToPeer(lnwire.NewInitMessage(
		lnwire.NewRawFeatureVector(), lnwire.DefaultFeatures(),
	))
	require.NoError(t, h.peer.Start(context.Background()))

	_, ok := h.conn.receive().(*lnwire.Init)
	require.True(t, ok)

	select {
	case pub := <-h.channels.connected:
		require.True(t, pub.IsEqual(h.remote))
	case <-time.After(timeout):
		t.Fatalf("channels not told about the session")
	}
}

// waitDisconnect waits for the teardown of the peer.
func (h *peerHarness) waitDisconnect(t *testing.T) {
	t.Helper()

	select {
	case <-h.disconnected:
	case <-time.After(timeout):
		t.Fatalf("peer not disconnected")
	}
}
