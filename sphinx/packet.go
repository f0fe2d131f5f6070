package sphinx

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// NumMaxHops is the maximum path length. There is a maximum of 20
	// hops, each with a fixed size frame.
	NumMaxHops = 20

	// MaxPayloadSize is the largest hop payload that fits a frame.
	MaxPayloadSize = 64

	// payloadSlotSize is the length byte plus the payload bytes of a
	// frame.
	payloadSlotSize = 1 + MaxPayloadSize

	// HopFrameSize is the size of a single hop frame: the payload slot
	// followed by the HMAC for the next hop.
	HopFrameSize = payloadSlotSize + HMACSize

	// routingInfoSize is the fixed size of the routing info. This
	// consists of NumMaxHops frames. In case fewer hops are used, the
	// remainder is filled with pseudo random bytes.
	routingInfoSize = NumMaxHops * HopFrameSize

	// numStreamBytes is the number of bytes produced by our CSPRG for the
	// key stream implementing our stream cipher to encrypt/decrypt the
	// routing info. The last HopFrameSize bytes are used to fill the
	// space vacated when a frame is shifted out.
	numStreamBytes = routingInfoSize + HopFrameSize

	// OnionPacketSize is the encoded size of a packet: version byte,
	// ephemeral key, routing info and header MAC.
	OnionPacketSize = 1 + btcec.PubKeyBytesLenCompressed +
		routingInfoSize + HMACSize

	// baseVersion is the only packet version we produce and accept.
	baseVersion = 0
)

// The wire blob of update_add_htlc must carry exactly one packet.
var _ [lnwire.OnionPacketSize - OnionPacketSize]struct{}
var _ [OnionPacketSize - lnwire.OnionPacketSize]struct{}

// OnionPacket is the onion wrapped hop-to-hop routing information necessary
// to propagate a payment through the network without intermediate nodes
// having knowledge of their position within the route, the source, the
// destination, and finally the identities of the past/future nodes in the
// route. At each hop the ephemeral key is used by the node to perform ECDH
// between itself and the source node. This derived secret key is used to
// check the MAC of the entire header, decrypt the next set of routing
// information, and re-randomize the ephemeral key for the next node in the
// path.
type OnionPacket struct {
	// Version denotes the version of this onion packet.
	Version byte

	// EphemeralKey is the public key that each hop will used in
	// combination with the private key in an ECDH to derive the shared
	// secret used to check the HMAC on the packet and also decrypted the
	// routing information.
	EphemeralKey *btcec.PublicKey

	// RoutingInfo is the full routing information for this onion packet.
	// This encodes all the forwarding instructions for this current hop
	// and all the hops in the route.
	RoutingInfo [routingInfoSize]byte

	// HeaderMAC is an HMAC computed with the shared secret of the routing
	// data and the associated data for this route.
	HeaderMAC [HMACSize]byte
}

// OnionHop represents an abstract hop (a link between two nodes) within the
// network. A hop is composed of the incoming node (able to decrypt the
// encrypted routing information), and the routing information itself.
type OnionHop struct {
	// NodePub is the target node for this hop. The payload will enter
	// this hop, it'll decrypt the routing information, and hand off the
	// payment to the next hop.
	NodePub btcec.PublicKey

	// Payload is the instructions of the hop.
	Payload HopPayload
}

// PaymentPath is the ordered list of hops a payment travels, first hop
// first.
type PaymentPath []OnionHop

// NodeKeys returns the public keys of the hops in order.
func (p PaymentPath) NodeKeys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, len(p))
	for i := range p {
		keys[i] = &p[i].NodePub
	}

	return keys
}

// generateHeaderPadding derives the bytes for padding the routing info to
// ensure it remains fixed sized throughout route transit. At each step, we
// add one frame of zeroes, concatenate it to the previous filler, then XOR it
// with the stream of the current hop. When building the header we
// essentially do the reverse of this operation: we "encrypt" the padding,
// and drop one frame of zeroes. As nodes process the header they add the
// padding in order to check the MAC and decrypt the next routing
// information, eventually leaving only the original "filler" bytes produced
// by this function at the last hop.
func generateHeaderPadding(key string, numHops int,
	sharedSecrets []Hash256) []byte {

	filler := make([]byte, (numHops-1)*HopFrameSize)
	for i := 1; i < numHops; i++ {
		totalFillerSize := (NumMaxHops - i + 1) * HopFrameSize

		streamKey := generateKey(key, &sharedSecrets[i-1])
		streamBytes := generateCipherStream(streamKey, numStreamBytes)

		xor(filler, filler,
			streamBytes[totalFillerSize:totalFillerSize+i*HopFrameSize])
	}

	return filler
}

// rightShift shifts the byte-slice by the given number of bytes to the right
// and 0-fills the resulting gap.
func rightShift(slice []byte, num int) {
	for i := len(slice) - num - 1; i >= 0; i-- {
		slice[num+i] = slice[i]
	}

	for i := 0; i < num; i++ {
		slice[i] = 0
	}
}

// NewOnionPacket creates a new onion packet which is capable of obliviously
// routing a payment through the path. The payment hash is used as the
// associated data of every HMAC. The total amount is written into the final
// hop's payload. The pktFiller fills the initial routing info so that the
// unused frames are indistinguishable from real ones.
func NewOnionPacket(route PaymentPath, sessionKey *btcec.PrivateKey,
	paymentHash []byte, totalAmount lnwire.MilliSatoshi,
	pktFiller PacketFiller) (*OnionPacket, error) {

	numHops := len(route)
	switch {
	case numHops == 0:
		return nil, NewRoutingError(
			CodePacketTooLarge, "route must have at least one hop",
		)

	case numHops > NumMaxHops:
		return nil, NewRoutingError(
			CodePacketTooLarge, "route of %d hops exceeds the "+
				"maximum of %d", numHops, NumMaxHops,
		)
	}

	// Encode every hop payload up front so an oversized payload fails
	// before any cryptographic work.
	payloads := make([][]byte, numHops)
	for i := range route {
		payload := route[i].Payload
		if i == numHops-1 {
			payload.TotalAmount = fn.Some(totalAmount)
		}

		encoded, err := payload.encodedPayload()
		if err != nil {
			return nil, NewRoutingError(
				CodeInvalidPayload, "hop %d: %v", i, err,
			)
		}
		if len(encoded) > MaxPayloadSize {
			return nil, NewRoutingError(
				CodePacketTooLarge, "hop %d payload of %d "+
					"bytes exceeds %d", i, len(encoded),
				MaxPayloadSize,
			)
		}
		payloads[i] = encoded
	}

	hopSharedSecrets := generateSharedSecrets(route.NodeKeys(), sessionKey)

	// Generate the padding, called "filler strings" in the paper.
	filler := generateHeaderPadding("rho", numHops, hopSharedSecrets)

	// Allocate zero'd out byte slices to store the final mix header packet
	// and the hmac for each hop.
	var (
		mixHeader  [routingInfoSize]byte
		nextHmac   [HMACSize]byte
		hopPayload [HopFrameSize]byte
	)

	// Fill the packet using the caller specified methodology.
	if err := pktFiller(sessionKey, &mixHeader); err != nil {
		return nil, err
	}

	// Now we compute the routing information for each hop, along with a
	// MAC of the routing info using the shared key for that hop.
	for i := numHops - 1; i >= 0; i-- {
		// We'll derive the two keys we need for each hop in order to:
		// generate our stream cipher bytes for the mixHeader, and
		// calculate the MAC over the entire constructed packet.
		rhoKey := generateKey("rho", &hopSharedSecrets[i])
		muKey := generateKey("mu", &hopSharedSecrets[i])

		// The frame for this hop is the length prefixed payload,
		// zero padded, followed by the HMAC for the next hop.
		hopPayload = [HopFrameSize]byte{}
		hopPayload[0] = byte(len(payloads[i]))
		copy(hopPayload[1:], payloads[i])
		copy(hopPayload[payloadSlotSize:], nextHmac[:])

		// Next, using the key dedicated for our stream cipher, we'll
		// generate enough bytes to obfuscate this layer of the onion
		// packet.
		streamBytes := generateCipherStream(rhoKey, routingInfoSize)

		// Before we assemble the packet, we'll shift the current
		// mix-header to the right in order to make room for this next
		// per-hop data.
		rightShift(mixHeader[:], HopFrameSize)
		copy(mixHeader[:], hopPayload[:])

		// With the routing info for this hop copied in, we'll now
		// encrypt this layer of the onion.
		xor(mixHeader[:], mixHeader[:], streamBytes)

		// If this is the "last" hop, then we'll override the tail of
		// the hop data.
		if i == numHops-1 {
			copy(mixHeader[len(mixHeader)-len(filler):], filler)
		}

		// The packet for this hop consists of the mixHeader. When
		// calculating the MAC, we'll also include the payment hash as
		// associated data so the onion can't be moved to another
		// HTLC.
		packet := append(mixHeader[:], paymentHash...)
		nextHmac = calcMac(muKey, packet)
	}

	return &OnionPacket{
		Version:      baseVersion,
		EphemeralKey: sessionKey.PubKey(),
		RoutingInfo:  mixHeader,
		HeaderMAC:    nextHmac,
	}, nil
}

// Encode serializes the raw bytes of the onion packet into the passed
// io.Writer. The form encoded within the passed io.Writer is suitable for
// either storing on disk, or sending over the network.
func (f *OnionPacket) Encode(w io.Writer) error {
	ephemeral := f.EphemeralKey.SerializeCompressed()

	if _, err := w.Write([]byte{f.Version}); err != nil {
		return err
	}

	if _, err := w.Write(ephemeral); err != nil {
		return err
	}

	if _, err := w.Write(f.RoutingInfo[:]); err != nil {
		return err
	}

	if _, err := w.Write(f.HeaderMAC[:]); err != nil {
		return err
	}

	return nil
}

// Decode fully populates the target onion packet from the raw bytes encoded
// within the io.Reader. In the case of any decoding errors, an error will be
// returned. If the method success, then the new onion packet is ready to be
// processed by a router.
func (f *OnionPacket) Decode(r io.Reader) error {
	var err error

	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	f.Version = buf[0]

	// If version of the onion packet protocol unknown for us than in
	// might lead to improperly decoded data.
	if f.Version != baseVersion {
		return NewRoutingError(
			CodeInvalidOnionVersion, "version %d", f.Version,
		)
	}

	var ephemeral [btcec.PubKeyBytesLenCompressed]byte
	if _, err := io.ReadFull(r, ephemeral[:]); err != nil {
		return err
	}
	f.EphemeralKey, err = btcec.ParsePubKey(ephemeral[:])
	if err != nil {
		return &RoutingError{Code: CodeInvalidOnionKey, Err: err}
	}

	if _, err := io.ReadFull(r, f.RoutingInfo[:]); err != nil {
		return err
	}

	if _, err := io.ReadFull(r, f.HeaderMAC[:]); err != nil {
		return err
	}

	return nil
}

// ToBlob encodes the packet into the fixed size blob carried by
// update_add_htlc.
func (f *OnionPacket) ToBlob() (lnwire.OnionBlob, error) {
	var (
		blob lnwire.OnionBlob
		b    bytes.Buffer
	)
	if err := f.Encode(&b); err != nil {
		return blob, err
	}
	copy(blob[:], b.Bytes())

	return blob, nil
}

// PacketFromBlob decodes the packet carried by update_add_htlc.
func PacketFromBlob(blob lnwire.OnionBlob) (*OnionPacket, error) {
	var pkt OnionPacket
	if err := pkt.Decode(bytes.NewReader(blob[:])); err != nil {
		return nil, err
	}

	return &pkt, nil
}

// ReplayHash returns the hash under which the packet's shared secret is
// recorded in the replay log.
func ReplayHash(sharedSecret Hash256) HashPrefix {
	h := sha256.Sum256(sharedSecret[:])

	var prefix HashPrefix
	copy(prefix[:], h[:HashPrefixSize])

	return prefix
}
