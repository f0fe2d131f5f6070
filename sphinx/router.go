package sphinx

import (
	"bytes"
	"crypto/hmac"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/keychain"
)

// ProcessCode is an enum-like type which describes to the high-level package
// user which action should be taken after processing a Sphinx packet.
type ProcessCode int

const (
	// ExitNode indicates that the node which processed the Sphinx packet
	// is the destination hop in the route.
	ExitNode ProcessCode = iota

	// MoreHops indicates that there are additional hops left within the
	// route. Therefore the caller should forward the packet to the node
	// denoted as the "NextHop".
	MoreHops
)

// String returns a human readable string for each of the ProcessCodes.
func (p ProcessCode) String() string {
	switch p {
	case ExitNode:
		return "ExitNode"
	case MoreHops:
		return "MoreHops"
	default:
		return "Unknown"
	}
}

// ProcessedPacket encapsulates the resulting state generated after processing
// an OnionPacket. A processed packet communicates to the caller what action
// should be taken after processing.
type ProcessedPacket struct {
	// Action represents the action the caller should take after processing
	// the packet.
	Action ProcessCode

	// Payload holds the instructions for this hop. For ExitNode it is the
	// final payload delivered to the recipient.
	Payload HopPayload

	// NextPacket is the packet to hand to the next hop.
	//
	// NOTE: This field will only be populated iff the above Action is
	// MoreHops.
	NextPacket *OnionPacket

	// SharedSecret is the shared secret of this hop. It keys the error
	// onion if the HTLC fails.
	SharedSecret Hash256
}

// Router is an onion router within the Sphinx network. The router is capable
// of processing incoming Sphinx onion packets thereby "peeling" a layer off
// the onion encryption which the packet is wrapped with.
type Router struct {
	onionKey keychain.SingleKeyECDH

	log ReplayLog
}

// NewRouter creates a new instance of a Sphinx onion Router given the node's
// currently advertised onion private key and the replay log to consult.
func NewRouter(nodeKey keychain.SingleKeyECDH, log ReplayLog) *Router {
	return &Router{
		onionKey: nodeKey,
		log:      log,
	}
}

// PubKey returns the onion public key of the router.
func (r *Router) PubKey() *btcec.PublicKey {
	return r.onionKey.PubKey()
}

// ProcessOnionPacket processes an incoming onion packet which has been
// forwarded to the target Sphinx router. If the MAC doesn't check the packet
// is rejected. Similarly, if the derived shared secret has been seen before
// the packet is rejected.
//
// In the case of a successful packet processing, a ProcessedPacket struct is
// returned which houses the newly parsed packet, along with instructions on
// what to do next.
func (r *Router) ProcessOnionPacket(onionPkt *OnionPacket,
	paymentHash []byte) (*ProcessedPacket, error) {

	if onionPkt.Version != baseVersion {
		return nil, NewRoutingError(
			CodeInvalidOnionVersion, "version %d", onionPkt.Version,
		)
	}
	if onionPkt.EphemeralKey == nil {
		return nil, ErrInvalidOnionKey
	}

	// Compute our shared secret.
	sharedSecret, err := r.onionKey.ECDH(onionPkt.EphemeralKey)
	if err != nil {
		return nil, &RoutingError{Code: CodeInvalidOnionKey, Err: err}
	}

	processed, err := peelLayer(onionPkt, sharedSecret, paymentHash)
	if err != nil {
		return nil, err
	}

	// The MAC checks out, mark this current shared secret as processed
	// in order to mitigate future replay attacks.
	if err := r.log.Put(ReplayHash(sharedSecret)); err != nil {
		log.Debugf("Rejecting replayed onion with ephemeral key %x",
			onionPkt.EphemeralKey.SerializeCompressed())

		return nil, err
	}

	return processed, nil
}

// peelLayer verifies the header MAC with the shared secret, decrypts the
// frame addressed to us and derives the packet for the next hop.
func peelLayer(onionPkt *OnionPacket, sharedSecret Hash256,
	assocData []byte) (*ProcessedPacket, error) {

	dhKey := onionPkt.EphemeralKey
	routeInfo := onionPkt.RoutingInfo
	headerMac := onionPkt.HeaderMAC

	// Using the derived shared secret, ensure the integrity of the routing
	// information by checking the attached MAC without leaking timing
	// information.
	message := append(routeInfo[:], assocData...)
	calculatedMac := calcMac(generateKey("mu", &sharedSecret), message)
	if !hmac.Equal(headerMac[:], calculatedMac[:]) {
		return nil, NewRoutingError(
			CodeTagMismatch, "header mac %x, computed %x",
			headerMac, calculatedMac,
		)
	}

	// Attach the padding zeroes in order to properly strip an encryption
	// layer off the routing info revealing the routing information for
	// the next hop. The padding becomes pseudo random once xor'd.
	var hopInfo [numStreamBytes]byte
	streamBytes := generateCipherStream(
		generateKey("rho", &sharedSecret), numStreamBytes,
	)
	var headerWithPadding [numStreamBytes]byte
	copy(headerWithPadding[:], routeInfo[:])
	xor(hopInfo[:], headerWithPadding[:], streamBytes)

	// The first frame is ours: a length byte, the payload and the HMAC
	// of the next hop.
	payloadLen := int(hopInfo[0])
	if payloadLen > MaxPayloadSize {
		return nil, NewRoutingError(
			CodeInvalidPayload, "payload length %d exceeds frame",
			payloadLen,
		)
	}

	var payload HopPayload
	err := payload.Decode(bytes.NewReader(hopInfo[1 : 1+payloadLen]))
	if err != nil {
		return nil, &RoutingError{Code: CodeInvalidPayload, Err: err}
	}

	var nextMac [HMACSize]byte
	copy(nextMac[:], hopInfo[payloadSlotSize:HopFrameSize])

	// By default we'll assume that there are additional hops in the
	// route. However if the uncovered next MAC is all zeroes, then this
	// indicates that we're the final hop in the route.
	if nextMac == ([HMACSize]byte{}) {
		return &ProcessedPacket{
			Action:       ExitNode,
			Payload:      payload,
			SharedSecret: sharedSecret,
		}, nil
	}

	// Randomize the DH group element for the next hop using the
	// deterministic blinding factor.
	blindingFactor := computeBlindingFactor(dhKey, sharedSecret[:])
	nextDHKey := blindGroupElement(dhKey, blindingFactor)

	next := &OnionPacket{
		Version:      onionPkt.Version,
		EphemeralKey: nextDHKey,
		HeaderMAC:    nextMac,
	}
	copy(next.RoutingInfo[:], hopInfo[HopFrameSize:])

	return &ProcessedPacket{
		Action:       MoreHops,
		Payload:      payload,
		NextPacket:   next,
		SharedSecret: sharedSecret,
	}, nil
}
