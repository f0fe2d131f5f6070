package lnwire

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()

	var b bytes.Buffer
	_, err := WriteMessage(&b, msg, ProtocolVersion)
	require.NoError(t, err)

	decoded, err := ReadMessage(&b, ProtocolVersion)
	require.NoError(t, err)
	require.Equal(t, msg.MsgType(), decoded.MsgType())

	return decoded
}

func randPubKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

// TestCommitSigEncoding checks that the partial signature, its nonce and the
// next nonce commitment survive the wire.
func TestCommitSigEncoding(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		var (
			chanID ChannelID
			nonce  Musig2Nonce
			commit NonceCommitment
			scalar [32]byte
		)
		copy(chanID[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "cid"))
		copy(nonce[:], rapid.SliceOfN(rapid.Byte(), 66, 66).Draw(rt, "nonce"))
		copy(commit[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "commit"))
		copy(scalar[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(rt, "sig"))

		// Scalars must be below the group order to survive decoding.
		scalar[0] &= 0x7f

		var s btcec.ModNScalar
		s.SetBytes(&scalar)

		msg := &CommitSig{
			ChanID:          chanID,
			PartialSig:      *NewPartialSigWithNonce(nonce, s),
			NextNonceCommit: commit,
			ExtraData:       make([]byte, 0),
		}

		var b bytes.Buffer
		_, err := WriteMessage(&b, msg, ProtocolVersion)
		require.NoError(rt, err)

		decoded, err := ReadMessage(&b, ProtocolVersion)
		require.NoError(rt, err)
		require.Equal(rt, msg, decoded)
	})
}

// TestPartialSigOverflow makes sure a scalar above the group order is
// rejected.
func TestPartialSigOverflow(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte{0xff}, 32)

	var p PartialSig
	err := p.Decode(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrPartialSigOverflow)
}

// TestShutdownNonceRecord checks the closing nonce travels in the TLV
// extension and that a shutdown without it decodes to a nil nonce.
func TestShutdownNonceRecord(t *testing.T) {
	t.Parallel()

	var nonce ShutdownNonce
	for i := range nonce {
		nonce[i] = byte(i)
	}

	msg := NewShutdown(
		ChannelID{1}, DeliveryAddress{0x51, 0x20}, &nonce,
	)
	decoded := roundTrip(t, msg).(*Shutdown)
	require.NotNil(t, decoded.Nonce)
	require.Equal(t, nonce, *decoded.Nonce)
	require.Equal(t, msg.Address, decoded.Address)

	plain := NewShutdown(ChannelID{2}, DeliveryAddress{0x00}, nil)
	decoded = roundTrip(t, plain).(*Shutdown)
	require.Nil(t, decoded.Nonce)
}

// TestDeliveryAddressTooLong asserts oversized close scripts are rejected.
func TestDeliveryAddressTooLong(t *testing.T) {
	t.Parallel()

	msg := NewShutdown(ChannelID{}, make(DeliveryAddress, 35), nil)

	var b bytes.Buffer
	_, err := WriteMessage(&b, msg, ProtocolVersion)
	require.ErrorIs(t, err, ErrDeliveryAddressTooLong)
	require.Zero(t, b.Len())
}

// TestChannelUpdateSignature signs an update and verifies it after a round
// trip, which would fail if the signed fields were encoded differently.
func TestChannelUpdateSignature(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	update := &ChannelUpdate{
		ChainHash:       chainhash.Hash{9},
		ShortChannelID:  NewShortChanIDFromInt(42<<40 | 7<<16 | 1),
		Timestamp:       1000,
		ChannelFlags:    ChanUpdateDirection,
		TimeLockDelta:   40,
		HtlcMinimumMsat: 1000,
		HtlcMaximumMsat: 100_000_000,
		BaseFee:         1000,
		FeeRate:         1,
		ExtraOpaqueData: make([]byte, 0),
	}

	digest, err := AnnouncementDigest(update)
	require.NoError(t, err)

	sig, err := schnorr.Sign(priv, digest)
	require.NoError(t, err)
	update.Signature = NewSigFromSchnorr(sig)

	decoded := roundTrip(t, update).(*ChannelUpdate)
	require.Equal(t, update, decoded)
	require.EqualValues(t, 1, decoded.Direction())

	digest2, err := AnnouncementDigest(decoded)
	require.NoError(t, err)
	require.NoError(t, decoded.Signature.Verify(digest2, priv.PubKey()))

	// A changed timestamp invalidates the signature.
	decoded.Timestamp++
	digest3, err := AnnouncementDigest(decoded)
	require.NoError(t, err)
	require.Error(t, decoded.Signature.Verify(digest3, priv.PubKey()))
}

// TestNodeAnnouncementAddresses checks both address families.
func TestNodeAnnouncementAddresses(t *testing.T) {
	t.Parallel()

	alias, err := NewNodeAlias("hop-node")
	require.NoError(t, err)

	var nodeID [33]byte
	copy(nodeID[:], randPubKey(t).SerializeCompressed())

	ann := &NodeAnnouncement{
		Features:  DefaultFeatures(),
		Timestamp: 7,
		NodeID:    nodeID,
		Alias:     alias,
		Addresses: []net.Addr{
			&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: 9735},
			&net.TCPAddr{IP: net.ParseIP("::1"), Port: 9736},
		},
		ExtraOpaqueData: make([]byte, 0),
	}

	decoded := roundTrip(t, ann).(*NodeAnnouncement)
	require.Equal(t, "hop-node", decoded.Alias.String())
	require.Len(t, decoded.Addresses, 2)
	require.Equal(t, ann.Addresses[0].String(), decoded.Addresses[0].String())
	require.Equal(t, ann.Addresses[1].String(), decoded.Addresses[1].String())

	_, err = NewNodeAlias(string(make([]byte, 33)))
	require.Error(t, err)
}

// TestChannelReestablishEncoding round trips a reestablish message.
func TestChannelReestablishEncoding(t *testing.T) {
	t.Parallel()

	msg := &ChannelReestablish{
		ChanID:                    NewChanIDFromOutPoint(wire.OutPoint{Index: 3}),
		NextLocalCommitHeight:     5,
		RemoteCommitTailHeight:    4,
		LastRemoteCommitSecret:    [32]byte{1, 2, 3},
		LocalUnrevokedCommitPoint: randPubKey(t),
		LocalNonce:                Musig2Nonce{4},
		NonceCommit:               NonceCommitment{5},
		ExtraData:                 make([]byte, 0),
	}

	decoded := roundTrip(t, msg).(*ChannelReestablish)
	require.Equal(t, msg.NextLocalCommitHeight, decoded.NextLocalCommitHeight)
	require.True(t, msg.LocalUnrevokedCommitPoint.IsEqual(
		decoded.LocalUnrevokedCommitPoint,
	))
	require.Equal(t, msg.LocalNonce, decoded.LocalNonce)
	require.Equal(t, msg.TargetChanID(), decoded.TargetChanID())
}

// TestAnnounceSignatures checks a node signature carried by
// announce_signatures verifies against the channel announcement it covers.
func TestAnnounceSignatures(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ann := &ChannelAnnouncement{
		Features:        NewRawFeatureVector(),
		ChainHash:       chainhash.Hash{1},
		ShortChannelID:  NewShortChanIDFromInt(100<<40 | 2<<16),
		FundingPoint:    wire.OutPoint{Index: 0},
		Capacity:        100_000,
		ExtraOpaqueData: make([]byte, 0),
	}
	copy(ann.NodeID1[:], priv.PubKey().SerializeCompressed())

	digest, err := AnnouncementDigest(ann)
	require.NoError(t, err)
	sig, err := schnorr.Sign(priv, digest)
	require.NoError(t, err)

	msg := &AnnounceSignatures{
		ChannelID:       NewChanIDFromOutPoint(ann.FundingPoint),
		ShortChannelID:  ann.ShortChannelID,
		NodeSignature:   NewSigFromSchnorr(sig),
		ExtraOpaqueData: make([]byte, 0),
	}

	decoded := roundTrip(t, msg).(*AnnounceSignatures)
	require.Equal(t, msg, decoded)
	require.NoError(t, decoded.NodeSignature.Verify(digest, priv.PubKey()))
}

// TestUnknownMessage asserts unknown types are reported as such.
func TestUnknownMessage(t *testing.T) {
	t.Parallel()

	_, err := ReadMessage(bytes.NewReader([]byte{0xff, 0xff}), 0)

	var unknown *UnknownMessage
	require.ErrorAs(t, err, &unknown)
}

// TestProtocolErrorIs checks that wrapped protocol errors match their
// sentinel by code only.
func TestProtocolErrorIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("handling commit_sig: %w", NewProtocolError(
		CodeInvalidNonce, ChannelID{1}, "nonce mismatch",
	))

	require.ErrorIs(t, err, ErrInvalidNonce)
	require.False(t, errors.Is(err, ErrUnexpectedMessage))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ChannelID{1}, perr.ChanID)

	wireErr := perr.ToWireError()
	decoded := roundTrip(t, wireErr).(*Error)
	require.Equal(t, CodeInvalidNonce, decoded.Code)
	require.Contains(t, decoded.Error(), "nonce mismatch")
}

// TestFeatureVector checks encoding and the unknown required bit scan.
func TestFeatureVector(t *testing.T) {
	t.Parallel()

	fv := NewRawFeatureVector(MuSig2ChannelsRequired, 201)

	initMsg := NewInitMessage(NewRawFeatureVector(), fv)
	decoded := roundTrip(t, initMsg).(*Init)
	require.True(t, decoded.AllFeatures().IsSet(MuSig2ChannelsRequired))
	require.True(t, decoded.AllFeatures().IsSet(201))

	// 201 is odd so it is fine not to know it. An unknown even bit is
	// not.
	require.Empty(t, decoded.Features.UnknownRequiredFeatures())
	decoded.Features.Set(200)
	require.Equal(
		t, []FeatureBit{200},
		decoded.Features.UnknownRequiredFeatures(),
	)
}

// TestOnionFailureEncoding round trips a failure reason.
func TestOnionFailureEncoding(t *testing.T) {
	t.Parallel()

	f := &OnionFailure{
		Code: CodeIncorrectOrUnknownPaymentDetails,
		Data: []byte{0, 0, 0, 100},
	}

	var b bytes.Buffer
	require.NoError(t, f.Encode(&b))

	decoded, err := DecodeOnionFailure(&b)
	require.NoError(t, err)
	require.Equal(t, f, decoded)
	require.True(t, decoded.Code.IsPermanent())
	require.False(t, decoded.Code.IsBadOnion())
}

func TestParseShortChanID(t *testing.T) {
	t.Parallel()

	scid := ShortChannelID{BlockHeight: 700123, TxIndex: 42, TxPosition: 1}
	require.Equal(t, "700123x42x1", scid.String())

	parsed, err := ParseShortChanID(scid.String())
	require.NoError(t, err)
	require.Equal(t, scid, parsed)

	parsed, err = ParseShortChanID(fmt.Sprint(scid.ToUint64()))
	require.NoError(t, err)
	require.Equal(t, scid, parsed)

	for _, bad := range []string{
		"", "1x2", "1x2x3x4", "ax1x1", "16777216x0x0", "1x1x65536",
	} {
		_, err := ParseShortChanID(bad)
		require.Error(t, err, bad)
	}

	rapid.Check(t, func(rt *rapid.T) {
		id := rapid.Uint64().Draw(rt, "id")
		scid := NewShortChanIDFromInt(id)
		require.Equal(rt, id, scid.ToUint64())

		parsed, err := ParseShortChanID(scid.String())
		require.NoError(rt, err)
		require.Equal(rt, scid, parsed)
	})
}
