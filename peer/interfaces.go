package peer

import (
	"context"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/lnwire"
)

// MessageConn is an interface implemented by anything that delivers
// an lnwire.Message using a net.Conn interface.
type MessageConn interface {
	// RemoteAddr returns the remote address on the other end of the connection.
	RemoteAddr() net.Addr

	// LocalAddr returns the local address on our end of the connection.
	LocalAddr() net.Addr

	// SetWriteDeadline sets the write deadline.
	SetWriteDeadline(time.Time) error

	// Close closes the connection.
	Close() error

	// Flush attempts a flush.
	Flush() (int, error)

	// WriteMessage writes the message.
	WriteMessage([]byte) error

	// ReadNextMessage reads and decrypts the next message.
	ReadNextMessage() ([]byte, error)
}

// ChannelManager owns the channels multiplexed over the session.
type ChannelManager interface {
	// HandleMessage routes a channel message, or an open_channel, sent by
	// peer.
	HandleMessage(ctx context.Context, peer *btcec.PublicKey,
		msg lnwire.Message) error

	// PeerConnected is called once the session is ready and before any
	// message of it is handled.
	PeerConnected(ctx context.Context, peer *btcec.PublicKey)

	// PeerDisconnected is called once the session is torn down.
	PeerDisconnected(ctx context.Context, peer *btcec.PublicKey)
}

// Gossiper handles the gossip messages received from the peer.
type Gossiper interface {
	// ProcessRemoteAnnouncement processes a remote message intended for
	// the Gossiper.
	ProcessRemoteAnnouncement(lnwire.Message, discovery.Peer) chan error
}
