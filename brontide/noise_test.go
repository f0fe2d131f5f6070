package brontide

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwire"
	"github.com/stretchr/testify/require"
)

type dialResult struct {
	conn net.Conn
	err  error
}

// newTestListener listens on a random local port with a fresh identity.
func newTestListener(t *testing.T) (*Listener, *lnwire.NetAddress) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	l, err := NewListener(&keychain.PrivKeyECDH{PrivKey: priv},
		"localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
	})

	return l, &lnwire.NetAddress{
		IdentityKey: priv.PubKey(),
		Address:     l.Addr().(*net.TCPAddr),
	}
}

// dialAsync dials addr with a fresh identity in the background.
func dialAsync(t *testing.T, addr *lnwire.NetAddress) <-chan dialResult {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	res := make(chan dialResult, 1)
	go func() {
		conn, err := Dial(
			&keychain.PrivKeyECDH{PrivKey: priv}, addr,
			DefaultConnTimeout, net.DialTimeout,
		)
		res <- dialResult{conn, err}
	}()

	return res
}

// connPair returns both ends of an authenticated connection.
func connPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	l, addr := newTestListener(t)
	dialed := dialAsync(t, addr)

	accepted, err := l.Accept()
	require.NoError(t, err)

	res := <-dialed
	require.NoError(t, res.err)

	t.Cleanup(func() {
		accepted.Close()
		res.conn.Close()
	})

	return accepted, res.conn
}

func TestConnReadWrite(t *testing.T) {
	t.Parallel()

	local, remote := connPair(t)

	// Keys are known to both sides after the handshake.
	require.True(t, local.(*Conn).RemotePub().IsEqual(
		remote.(*Conn).LocalPub(),
	))

	for i := 0; i < 10; i++ {
		msg := []byte(fmt.Sprintf("update_add_htlc %d", i))
		_, err := local.Write(msg)
		require.NoError(t, err)

		buf := make([]byte, len(msg))
		_, err = remote.Read(buf)
		require.NoError(t, err)
		require.Equal(t, msg, buf)
	}

	// A message read in two halves.
	msg := []byte("open_channel")
	_, err := local.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = remote.Read(buf[:len(msg)/2])
	require.NoError(t, err)
	_, err = remote.Read(buf[len(msg)/2:])
	require.NoError(t, err)
	require.Equal(t, msg, buf)
}

// TestStalledHandshakes checks stalled raw connections don't block the
// listener from accepting a real handshake.
func TestStalledHandshakes(t *testing.T) {
	t.Parallel()

	l, addr := newTestListener(t)

	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		t.Cleanup(func() {
			conn.Close()
		})
	}

	dialed := dialAsync(t, addr)

	conn, err := l.Accept()
	require.NoError(t, err)
	conn.Close()

	res := <-dialed
	require.NoError(t, res.err)
	res.conn.Close()
}

func TestMaxPayloadLength(t *testing.T) {
	t.Parallel()

	var b Machine
	b.split()

	err := b.WriteMessage(make([]byte, math.MaxUint16+1))
	require.ErrorIs(t, err, ErrMaxMessageLengthExceeded)

	require.NoError(t, b.WriteMessage(make([]byte, math.MaxUint16)))
}

// TestWriteChunking checks writes larger than a message are split.
func TestWriteChunking(t *testing.T) {
	t.Parallel()

	local, remote := connPair(t)

	msg := bytes.Repeat([]byte("hop"), math.MaxUint16*3)

	errCh := make(chan error, 1)
	go func() {
		n, err := local.Write(msg)
		if err == nil && n != len(msg) {
			err = fmt.Errorf("wrote %d of %d bytes", n, len(msg))
		}
		errCh <- err
	}()

	buf := make([]byte, len(msg))
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, msg, buf)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}

// keyOf returns a private key made of 32 copies of b.
func keyOf(t *testing.T, b string) *btcec.PrivateKey {
	t.Helper()

	priv, _ := btcec.PrivKeyFromBytes(mustHex(t, strings.Repeat(b, 32)))

	return priv
}

// TestHandshakeVectors runs the handshake and transport of BOLT 8 with the
// published keys and compares every byte.
func TestHandshakeVectors(t *testing.T) {
	t.Parallel()

	initiatorPriv := keyOf(t, "11")
	responderPriv := keyOf(t, "21")

	ephemeral := func(b string) func(*Machine) {
		return EphemeralGenerator(func() (*btcec.PrivateKey, error) {
			return keyOf(t, b), nil
		})
	}

	initiator := NewBrontideMachine(
		true, &keychain.PrivKeyECDH{PrivKey: initiatorPriv},
		responderPriv.PubKey(), ephemeral("12"),
	)
	responder := NewBrontideMachine(
		false, &keychain.PrivKeyECDH{PrivKey: responderPriv}, nil,
		ephemeral("22"),
	)

	actOne, err := initiator.GenActOne()
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "00036360e856310ce5d294e8be33fc807077dc"+
		"56ac80d95d9cd4ddbd21325eff73f70df6086551151f58b8afe6c195782"+
		"c6a"), actOne[:])
	require.NoError(t, responder.RecvActOne(actOne))

	actTwo, err := responder.GenActTwo()
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "0002466d7fcae563e5cb09a0d1870bb5803448"+
		"04617879a14949cf22285f1bae3f276e2470b93aac583c9ef6eafca3f73"+
		"0ae"), actTwo[:])
	require.NoError(t, initiator.RecvActTwo(actTwo))

	actThree, err := initiator.GenActThree()
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "00b9e3a702e93e3a9948c2ed6e5fd7590a6e1c"+
		"3a0344cfc9d5b57357049aa22355361aa02e55a8fc28fef5bd6d71ad0c3"+
		"8228dc68b1c466263b47fdf31e560e139ba"), actThree[:])
	require.NoError(t, responder.RecvActThree(actThree))

	sendKey := mustHex(t, "969ab31b4d288cedf6218839b27a3e2140827047f2c0"+
		"f01bf5c04435d43511a9")
	recvKey := mustHex(t, "bb9020b8965f4df047e07f955f3c4b88418984aadc5c"+
		"db35096b9ea8fa5c3442")
	chainKey := mustHex(t, "919219dbb2920afa8db80f9a51787a840bcf111ed8d5"+
		"88caf9ab4be716e42b01")

	require.Equal(t, sendKey, initiator.sendCipher.secretKey[:])
	require.Equal(t, recvKey, initiator.recvCipher.secretKey[:])
	require.Equal(t, chainKey, initiator.chainingKey[:])
	require.Equal(t, recvKey, responder.sendCipher.secretKey[:])
	require.Equal(t, sendKey, responder.recvCipher.secretKey[:])
	require.Equal(t, chainKey, responder.chainingKey[:])

	// Ciphertexts of "hello" across two key rotations.
	ciphertexts := map[int]string{
		0: "cf2b30ddf0cf3f80e7c35a6e6730b59fe802473180f396d88a8fb0db8" +
			"cbcf25d2f214cf9ea1d95",
		1: "72887022101f0b6753e0c7de21657d35a4cb2a1f5cde2650528bbc8f8" +
			"37d0f0d7ad833b1a256a1",
		500: "178cb9d7387190fa34db9c2d50027d21793c9bc2d40b1e14dcf30ebe" +
			"eeb220f48364f7a4c68bf8",
		501: "1b186c57d44eb6de4c057c49940d79bb838a145cb528d6e8fd26dbe5" +
			"0a60ca2c104b56b60e45bd",
		1000: "4a2f3cc3b5e78ddb83dcb426d9863d9d9a723b0337c89dd0b005d89" +
			"f8d3c05c52b76b29b740f09",
		1001: "2ecd8c8a5629d0d02ab457a0fdd0f7b90a192cd46be5ecb6ca570bf" +
			"c5e268338b1a16cf4ef2d36",
	}

	payload := []byte("hello")
	var wire bytes.Buffer
	for i := 0; i < 1002; i++ {
		require.NoError(t, initiator.WriteMessage(payload))
		_, err := initiator.Flush(&wire)
		require.NoError(t, err)

		if want, ok := ciphertexts[i]; ok {
			require.Equal(t, mustHex(t, want), wire.Bytes(),
				"message %d", i)
		}

		plain, err := responder.ReadMessage(&wire)
		require.NoError(t, err)
		require.Equal(t, payload, plain)
		wire.Reset()
	}
}

// cutWriter fails with iotest.ErrTimeout once it wrote n bytes.
type cutWriter struct {
	w io.Writer
	n int64
}

func (c *cutWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > c.n {
		p = p[:c.n]
	}

	n, err := c.w.Write(p)
	c.n -= int64(n)
	if err == nil && c.n == 0 {
		return n, iotest.ErrTimeout
	}

	return n, err
}

// TestFlushResumes checks partial flushes report the payload bytes written
// and resume where they stopped.
func TestFlushResumes(t *testing.T) {
	t.Parallel()

	const size = 10

	// Every step writes at most cut bytes (-1 for no limit), then expects
	// n payload bytes written and a timeout unless it is the last step.
	type step struct {
		cut int64
		n   int
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "split header",
			steps: []step{
				{cut: encHeaderSize - 2, n: 0},
				{cut: 2, n: 0},
				{cut: -1, n: size},
			},
		},
		{
			name: "payload then mac",
			steps: []step{
				{cut: encHeaderSize + size, n: size},
				{cut: -1, n: 0},
			},
		},
		{
			name: "straddle payload and mac",
			steps: []step{
				{cut: encHeaderSize + size - 1, n: size - 1},
				{cut: 2, n: 1},
				{cut: 10, n: 0},
				{cut: -1, n: 0},
			},
		},
	}

	run := func(t *testing.T, b *Machine, steps []step) {
		var out bytes.Buffer
		require.NoError(t, b.WriteMessage(make([]byte, size)))

		for i, s := range steps {
			var w io.Writer = &out
			if s.cut >= 0 {
				w = &cutWriter{w: &out, n: s.cut}
			}

			n, err := b.Flush(w)
			if i == len(steps)-1 {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, iotest.ErrTimeout)
			}
			require.Equal(t, s.n, n, "step %d", i)
		}

		// Nothing is left to flush.
		n, err := b.Flush(&cutWriter{w: &out, n: 0})
		require.NoError(t, err)
		require.Zero(t, n)
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var b Machine
			b.split()
			run(t, &b, test.steps)
		})
	}

	// The same machine across all cases.
	var b Machine
	b.split()
	for _, test := range tests {
		run(t, &b, test.steps)
	}
}
