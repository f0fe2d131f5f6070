package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hopline/hopd/lnwire"
	"github.com/stretchr/testify/require"
)

// TestPeerInitExchange checks the init messages are exchanged before the
// session starts and the remote features are kept.
func TestPeerInitExchange(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	h.start(t)

	require.True(t, h.peer.RemoteFeatures().HasFeature(
		lnwire.MuSig2ChannelsRequired,
	))
	pub := h.peer.PubKey()
	require.Equal(t, h.remote.SerializeCompressed(), pub[:])
	require.NotZero(t, h.peer.BytesSent())
	require.NotZero(t, h.peer.BytesReceived())

	// A second init is a protocol violation.
	h.conn.sendToPeer(lnwire.NewInitMessage(
		lnwire.NewRawFeatureVector(), lnwire.DefaultFeatures(),
	))

	errMsg, ok := h.conn.receive().(*lnwire.Error)
	require.True(t, ok)
	require.Equal(t, lnwire.CodeUnexpectedMessage, errMsg.Code)
	h.waitDisconnect(t)
}

// TestPeerInitUnknownRequiredFeature checks a peer requiring features we
// don't know is rejected with an error message.
func TestPeerInitUnknownRequiredFeature(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)

	h.conn.sendToPeer(lnwire.NewInitMessage(
		lnwire.NewRawFeatureVector(),
		lnwire.NewRawFeatureVector(lnwire.FeatureBit(100)),
	))
	err := h.peer.Start(context.Background())
	require.ErrorIs(t, err, &lnwire.ProtocolError{
		Code: lnwire.CodeIncompatibleFeatures,
	})

	_, ok := h.conn.receive().(*lnwire.Init)
	require.True(t, ok)

	errMsg, ok := h.conn.receive().(*lnwire.Error)
	require.True(t, ok)
	require.Equal(t, lnwire.CodeIncompatibleFeatures, errMsg.Code)

	select {
	case <-h.conn.closed:
	case <-time.After(timeout):
		t.Fatalf("connection not closed")
	}
}

// TestPeerInitUnexpectedMessage checks the session fails when the first
// message is not an init.
func TestPeerInitUnexpectedMessage(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)

	h.conn.sendToPeer(lnwire.NewPing(4))
	err := h.peer.Start(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedInit)
}

// TestPeerPingPong checks pings are answered with the requested number of
// bytes and our pings are matched with the pongs of the peer.
func TestPeerPingPong(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	h.start(t)

	h.conn.sendToPeer(lnwire.NewPing(10))
	pong, ok := h.conn.receive().(*lnwire.Pong)
	require.True(t, ok)
	require.Len(t, pong.PongBytes, 10)

	h.ping.Force <- time.Now()
	ping, ok := h.conn.receive().(*lnwire.Ping)
	require.True(t, ok)

	h.conn.sendToPeer(lnwire.NewPong(make([]byte, ping.NumPongBytes)))
	require.Eventually(t, func() bool {
		return h.peer.PingTime().IsSome()
	}, timeout, 10*time.Millisecond)
}

// TestPeerPongMismatch checks a pong of the wrong size ends the session.
func TestPeerPongMismatch(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	h.start(t)

	h.ping.Force <- time.Now()
	ping, ok := h.conn.receive().(*lnwire.Ping)
	require.True(t, ok)

	size := int(ping.NumPongBytes) + 1
	if ping.NumPongBytes > 0 {
		size = int(ping.NumPongBytes) - 1
	}
	h.conn.sendToPeer(lnwire.NewPong(make([]byte, size)))
	h.waitDisconnect(t)

	errs := h.peer.ErrorBuffer()
	require.NotEmpty(t, errs)
	require.ErrorIs(t, errs[len(errs)-1].Error, ErrPongSize)
}

// TestPeerRoutesMessages checks gossip goes to the gossiper and channel
// messages go to the channels.
func TestPeerRoutesMessages(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	h.start(t)

	update := &lnwire.ChannelUpdate{
		ShortChannelID: lnwire.NewShortChanIDFromInt(7),
		Timestamp:      1,
	}
	h.conn.sendToPeer(update)

	select {
	case msg := <-h.gossiper.received:
		got, ok := msg.(*lnwire.ChannelUpdate)
		require.True(t, ok)
		require.Equal(t, update.ShortChannelID, got.ShortChannelID)
	case <-time.After(timeout):
		t.Fatalf("gossip not routed")
	}

	chanID := lnwire.ChannelID{1, 2, 3}
	h.conn.sendToPeer(lnwire.NewUpdateFulfillHTLC(
		chanID, 4, [32]byte{5},
	))

	select {
	case msg := <-h.channels.handled:
		got, ok := msg.(*lnwire.UpdateFulfillHTLC)
		require.True(t, ok)
		require.Equal(t, chanID, got.ChanID)
		require.Equal(t, uint64(4), got.ID)
	case <-time.After(timeout):
		t.Fatalf("channel message not routed")
	}

	require.Equal(t, []lnwire.ChannelID{chanID}, h.peer.ChannelIDs())
}

// TestPeerChannelError checks a protocol error of a channel is sent back
// and recorded without ending the session.
func TestPeerChannelError(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	chanID := lnwire.ChannelID{9}
	h.channels.handleErr = lnwire.NewProtocolError(
		lnwire.CodeUnknownChannel, chanID, "no such channel",
	)
	h.start(t)

	h.conn.sendToPeer(&lnwire.UpdateFailHTLC{ChanID: chanID, ID: 1})

	errMsg, ok := h.conn.receive().(*lnwire.Error)
	require.True(t, ok)
	require.Equal(t, chanID, errMsg.ChanID)
	require.Equal(t, lnwire.CodeUnknownChannel, errMsg.Code)

	errs := h.peer.ErrorBuffer()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0].Error, h.channels.handleErr)

	// The session survives: pings are still answered.
	h.conn.sendToPeer(lnwire.NewPing(1))
	_, ok = h.conn.receive().(*lnwire.Pong)
	require.True(t, ok)
}

// TestPeerGossipRejection checks rejected gossip lands in the error buffer.
func TestPeerGossipRejection(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	h.gossiper.err = errors.New("invalid signature")
	h.start(t)

	h.conn.sendToPeer(&lnwire.ChannelUpdate{Timestamp: 1})

	require.Eventually(t, func() bool {
		return len(h.peer.ErrorBuffer()) == 1
	}, timeout, 10*time.Millisecond)
}

// TestPeerConnectionWideError checks an error naming no channel tears down
// the session and tells the channels.
func TestPeerConnectionWideError(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	h.start(t)

	h.conn.sendToPeer(&lnwire.Error{
		ChanID: lnwire.ConnectionWideID,
		Data:   lnwire.ErrorData("bye"),
	})
	h.waitDisconnect(t)

	select {
	case pub := <-h.channels.disconnected:
		require.True(t, pub.IsEqual(h.remote))
	default:
		t.Fatalf("channels not told about the disconnect")
	}

	require.ErrorIs(t, h.peer.SendMessage(false, lnwire.NewPing(1)),
		ErrPeerExiting)
}

// TestPeerChannelErrorForwarded checks an error naming a channel goes to
// that channel only.
func TestPeerChannelErrorForwarded(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	h.start(t)

	chanID := lnwire.ChannelID{3}
	h.conn.sendToPeer(&lnwire.Error{
		ChanID: chanID,
		Data:   lnwire.ErrorData("stale"),
	})

	select {
	case msg := <-h.channels.handled:
		got, ok := msg.(*lnwire.Error)
		require.True(t, ok)
		require.Equal(t, chanID, got.ChanID)
	case <-time.After(timeout):
		t.Fatalf("error not routed")
	}

	select {
	case <-h.peer.QuitSignal():
		t.Fatalf("session ended")
	default:
	}
}

// TestPeerSendMessageSync checks a synchronous send returns after the write.
func TestPeerSendMessageSync(t *testing.T) {
	t.Parallel()

	h := newPeerHarness(t)
	h.start(t)

	shutdown := &lnwire.Shutdown{ChannelID: lnwire.ChannelID{8}}
	require.NoError(t, h.peer.SendMessage(true, shutdown))

	got, ok := h.conn.receive().(*lnwire.Shutdown)
	require.True(t, ok)
	require.Equal(t, shutdown.ChannelID, got.ChannelID)
	require.Equal(t, []lnwire.ChannelID{{8}}, h.peer.ChannelIDs())
}
