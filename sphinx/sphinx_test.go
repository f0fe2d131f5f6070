package sphinx

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testKey derives a deterministic private key from a seed and an index.
func testKey(seed []byte, idx int) *btcec.PrivateKey {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(idx))
	h := sha256.Sum256(append(append([]byte{}, seed...), b[:]...))

	priv, _ := btcec.PrivKeyFromBytes(h[:])
	return priv
}

type testNode struct {
	priv   *btcec.PrivateKey
	router *Router
}

func newTestNodes(t require.TestingT, seed []byte, n int) []testNode {
	nodes := make([]testNode, n)
	for i := range nodes {
		replayLog, err := NewMemoryReplayLog(100)
		require.NoError(t, err)

		priv := testKey(seed, i)
		nodes[i] = testNode{
			priv: priv,
			router: NewRouter(
				&keychain.PrivKeyECDH{PrivKey: priv}, replayLog,
			),
		}
	}

	return nodes
}

func testRoute(nodes []testNode, payloads []HopPayload) PaymentPath {
	route := make(PaymentPath, len(nodes))
	for i := range nodes {
		route[i] = OnionHop{
			NodePub: *nodes[i].priv.PubKey(),
			Payload: payloads[i],
		}
	}

	return route
}

func simplePayloads(n int) []HopPayload {
	payloads := make([]HopPayload, n)
	for i := range payloads {
		payloads[i] = HopPayload{
			AmountToForward: lnwire.MilliSatoshi(1000 * (n - i)),
			OutgoingCltv:    uint32(500 + 40*(n-i)),
			NextHop:         lnwire.NewShortChanIDFromInt(uint64(i + 1)),
		}
	}
	payloads[n-1].NextHop = lnwire.ShortChannelID{}

	return payloads
}

// TestOnionRoundTrip asserts that peeling a packet hop by hop recovers
// exactly the instructions encoded for each hop, for any route length.
func TestOnionRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		numHops := rapid.IntRange(1, NumMaxHops).Draw(t, "numHops")
		seed := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "seed")
		paymentHash := rapid.SliceOfN(
			rapid.Byte(), 32, 32,
		).Draw(t, "paymentHash")
		total := lnwire.MilliSatoshi(
			rapid.Uint64().Draw(t, "total"),
		)

		nodes := newTestNodes(t, seed, numHops)
		payloads := make([]HopPayload, numHops)
		for i := range payloads {
			payloads[i] = HopPayload{
				AmountToForward: lnwire.MilliSatoshi(
					rapid.Uint64().Draw(t, "amt"),
				),
				OutgoingCltv: rapid.Uint32().Draw(t, "cltv"),
				NextHop: lnwire.NewShortChanIDFromInt(
					rapid.Uint64().Draw(t, "scid"),
				),
			}

			blinding := rapid.SliceOfN(
				rapid.Byte(), 0, 16,
			).Draw(t, "blinding")
			if len(blinding) > 0 {
				payloads[i].Blinding = blinding
			}
		}

		sessionKey := testKey(seed, 1000)
		pkt, err := NewOnionPacket(
			testRoute(nodes, payloads), sessionKey, paymentHash,
			total, DeterministicPacketFiller,
		)
		require.NoError(t, err)

		for i, node := range nodes {
			processed, err := node.router.ProcessOnionPacket(
				pkt, paymentHash,
			)
			require.NoError(t, err)

			expected := payloads[i]
			expected.TotalAmount = fn.None[lnwire.MilliSatoshi]()
			if i == numHops-1 {
				expected.TotalAmount = fn.Some(total)
				require.Equal(t, ExitNode, processed.Action)
			} else {
				require.Equal(t, MoreHops, processed.Action)
			}
			require.Equal(t, expected, processed.Payload)

			pkt = processed.NextPacket
		}
	})
}

// TestPacketSizeInvariance asserts every peeled packet encodes to the same
// number of bytes.
func TestPacketSizeInvariance(t *testing.T) {
	t.Parallel()

	const numHops = 5
	nodes := newTestNodes(t, []byte("size"), numHops)
	sessionKey := testKey([]byte("size"), 99)

	pkt, err := NewOnionPacket(
		testRoute(nodes, simplePayloads(numHops)), sessionKey,
		bytes.Repeat([]byte{1}, 32), 5000, RandPacketFiller,
	)
	require.NoError(t, err)

	for i := 0; i < numHops; i++ {
		var b bytes.Buffer
		require.NoError(t, pkt.Encode(&b))
		require.Equal(t, OnionPacketSize, b.Len())

		processed, err := nodes[i].router.ProcessOnionPacket(
			pkt, bytes.Repeat([]byte{1}, 32),
		)
		require.NoError(t, err)
		if processed.Action == ExitNode {
			require.Equal(t, numHops-1, i)
			break
		}
		pkt = processed.NextPacket
	}
}

// TestTagMismatch asserts corruption of the routing info, or a different
// payment hash, is detected by the hop owning the layer.
func TestTagMismatch(t *testing.T) {
	t.Parallel()

	nodes := newTestNodes(t, []byte("tag"), 3)
	hash := bytes.Repeat([]byte{2}, 32)

	pkt, err := NewOnionPacket(
		testRoute(nodes, simplePayloads(3)), testKey([]byte("tag"), 9),
		hash, 3000, BlankPacketFiller,
	)
	require.NoError(t, err)

	corrupted := *pkt
	corrupted.RoutingInfo[100] ^= 0x01
	_, err = nodes[0].router.ProcessOnionPacket(&corrupted, hash)
	require.ErrorIs(t, err, ErrTagMismatch)

	_, err = nodes[0].router.ProcessOnionPacket(
		pkt, bytes.Repeat([]byte{3}, 32),
	)
	require.ErrorIs(t, err, ErrTagMismatch)

	// A packet for the first hop can't be processed by the second.
	_, err = nodes[1].router.ProcessOnionPacket(pkt, hash)
	require.ErrorIs(t, err, ErrTagMismatch)
}

// TestReplayedPacket asserts the second processing of the same packet is
// rejected.
func TestReplayedPacket(t *testing.T) {
	t.Parallel()

	nodes := newTestNodes(t, []byte("replay"), 2)
	hash := bytes.Repeat([]byte{4}, 32)

	pkt, err := NewOnionPacket(
		testRoute(nodes, simplePayloads(2)),
		testKey([]byte("replay"), 9), hash, 2000, RandPacketFiller,
	)
	require.NoError(t, err)

	_, err = nodes[0].router.ProcessOnionPacket(pkt, hash)
	require.NoError(t, err)

	_, err = nodes[0].router.ProcessOnionPacket(pkt, hash)
	require.ErrorIs(t, err, ErrReplayedPacket)
}

// TestPacketTooLarge asserts routes over the hop limit and oversized
// payloads are rejected.
func TestPacketTooLarge(t *testing.T) {
	t.Parallel()

	nodes := newTestNodes(t, []byte("large"), NumMaxHops+1)
	_, err := NewOnionPacket(
		testRoute(nodes, simplePayloads(NumMaxHops+1)),
		testKey([]byte("large"), 99), nil, 1, RandPacketFiller,
	)
	require.ErrorIs(t, err, ErrPacketTooLarge)

	payloads := simplePayloads(1)
	payloads[0].Blinding = bytes.Repeat([]byte{1}, MaxPayloadSize)
	_, err = NewOnionPacket(
		testRoute(nodes[:1], payloads), testKey([]byte("large"), 98),
		nil, 1, RandPacketFiller,
	)
	require.ErrorIs(t, err, ErrPacketTooLarge)
}

// TestPacketBlobRoundTrip asserts the packet survives the update_add_htlc
// blob.
func TestPacketBlobRoundTrip(t *testing.T) {
	t.Parallel()

	nodes := newTestNodes(t, []byte("blob"), 2)
	pkt, err := NewOnionPacket(
		testRoute(nodes, simplePayloads(2)),
		testKey([]byte("blob"), 9), nil, 10, DeterministicPacketFiller,
	)
	require.NoError(t, err)

	blob, err := pkt.ToBlob()
	require.NoError(t, err)

	decoded, err := PacketFromBlob(blob)
	require.NoError(t, err)
	require.Equal(t, pkt.RoutingInfo, decoded.RoutingInfo)
	require.Equal(t, pkt.HeaderMAC, decoded.HeaderMAC)
	require.True(t, pkt.EphemeralKey.IsEqual(decoded.EphemeralKey))

	blob[0] = 1
	_, err = PacketFromBlob(blob)
	require.ErrorIs(t, err, ErrInvalidOnionVersion)
}

// TestDeterministicPacketFiller asserts the same session key yields the same
// packet.
func TestDeterministicPacketFiller(t *testing.T) {
	t.Parallel()

	nodes := newTestNodes(t, []byte("det"), 3)
	sessionKey := testKey([]byte("det"), 9)

	build := func() *OnionPacket {
		pkt, err := NewOnionPacket(
			testRoute(nodes, simplePayloads(3)), sessionKey, nil,
			10, DeterministicPacketFiller,
		)
		require.NoError(t, err)

		return pkt
	}

	require.Equal(t, build().RoutingInfo, build().RoutingInfo)
}

// TestErrorOnionAttribution asserts the origin can attribute a failure
// wrapped by every hop back to the failing hop.
func TestErrorOnionAttribution(t *testing.T) {
	t.Parallel()

	const numHops = 4
	nodes := newTestNodes(t, []byte("err"), numHops)
	sessionKey := testKey([]byte("err"), 9)
	hash := bytes.Repeat([]byte{5}, 32)

	route := testRoute(nodes, simplePayloads(numHops))
	pkt, err := NewOnionPacket(
		route, sessionKey, hash, 4000, RandPacketFiller,
	)
	require.NoError(t, err)

	// Collect every hop's shared secret while forwarding.
	secrets := make([]Hash256, 0, numHops)
	for _, node := range nodes {
		processed, err := node.router.ProcessOnionPacket(pkt, hash)
		require.NoError(t, err)

		secrets = append(secrets, processed.SharedSecret)
		pkt = processed.NextPacket
	}

	const failingHop = 2
	failure := []byte("temporary channel failure")

	encrypted, err := NewOnionErrorEncrypter(
		secrets[failingHop],
	).EncryptError(true, failure)
	require.NoError(t, err)

	for i := failingHop - 1; i >= 0; i-- {
		encrypted, err = NewOnionErrorEncrypter(
			secrets[i],
		).EncryptError(false, encrypted)
		require.NoError(t, err)
	}

	decrypter := NewOnionErrorDecrypter(&Circuit{
		SessionKey:  sessionKey,
		PaymentPath: route.NodeKeys(),
	})
	decrypted, err := decrypter.DecryptError(encrypted)
	require.NoError(t, err)
	require.Equal(t, failingHop, decrypted.SenderIdx)
	require.True(t, decrypted.Sender.IsEqual(nodes[failingHop].priv.PubKey()))
	require.Equal(t, failure, decrypted.Message)

	// Garbage can't be attributed.
	encrypted[40] ^= 0xff
	_, err = decrypter.DecryptError(encrypted)
	require.ErrorIs(t, err, ErrInvalidErrorOnion)
}
