package sphinx

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// onionErrorLength is the padded length of a failure message, so its
	// size does not reveal the failure type.
	onionErrorLength = 256

	// errorPacketSize is the total size of an error onion: the HMAC over
	// the length prefixed, padded failure message.
	errorPacketSize = HMACSize + 2 + onionErrorLength
)

// OnionErrorEncrypter is a struct that's used to implement onion error
// encryption as defined within BOLT0004.
type OnionErrorEncrypter struct {
	sharedSecret Hash256
}

// NewOnionErrorEncrypter creates new instance of the onion encrypter backed
// by the passed router, with encryption to be done using the shared secret
// of the hop the failure happens at or passes through.
func NewOnionErrorEncrypter(sharedSecret Hash256) *OnionErrorEncrypter {
	return &OnionErrorEncrypter{sharedSecret: sharedSecret}
}

// EncryptError is used to make data obfuscation using the generated shared
// secret.
//
// In context of Lightning Network is either used by the nodes in order to
// make initial obfuscation with the creation of the hmac or by the forwarding
// nodes for backward failure obfuscation of the onion failure blob. By
// obfuscating the onion failure on every node in the path we are adding
// additional step of the security and barrier for malware nodes to retrieve
// valuable information. The reason for using onion obfuscation is to not give
// away to the nodes in the payment path the information about the exact
// failure and its origin.
func (o *OnionErrorEncrypter) EncryptError(initial bool,
	data []byte) ([]byte, error) {

	if initial {
		if len(data) > onionErrorLength {
			return nil, NewRoutingError(
				CodePacketTooLarge, "failure of %d bytes "+
					"exceeds %d", len(data),
				onionErrorLength,
			)
		}

		padded := make([]byte, 2+onionErrorLength)
		binary.BigEndian.PutUint16(padded[:2], uint16(len(data)))
		copy(padded[2:], data)

		umKey := generateKey("um", &o.sharedSecret)
		hash := calcMac(umKey, padded)
		data = append(hash[:], padded...)
	} else if len(data) != errorPacketSize {
		return nil, NewRoutingError(
			CodeInvalidErrorOnion, "error onion of %d bytes",
			len(data),
		)
	}

	return onionEncrypt(&o.sharedSecret, data), nil
}

// onionEncrypt obfuscates the data with compliance with BOLT#4. As we use a
// stream cipher, calling onionEncrypt on an already encrypted piece of data
// will decrypt it.
func onionEncrypt(sharedSecret *Hash256, data []byte) []byte {
	p := make([]byte, len(data))

	ammagKey := generateKey("ammag", sharedSecret)
	streamBytes := generateCipherStream(ammagKey, uint(len(data)))
	xor(p, data, streamBytes)

	return p
}

// Circuit is used encapsulate the data which is needed for data
// deobfuscation.
type Circuit struct {
	// SessionKey is the key which have been used during generation of the
	// shared secrets.
	SessionKey *btcec.PrivateKey

	// PaymentPath is the pub keys of the nodes in the payment path.
	PaymentPath []*btcec.PublicKey
}

// DecryptedError contains the decrypted error message and its sender.
type DecryptedError struct {
	// Sender is the node that sent the error. Note that a node may occur
	// in the path multiple times. If that is the case, the sender pubkey
	// does not tell the caller on which visit the error occurred.
	Sender *btcec.PublicKey

	// SenderIdx is the position of the error sending node in the path.
	// Index zero is the first hop.
	SenderIdx int

	// Message is the decrypted error message.
	Message []byte
}

// OnionErrorDecrypter is a struct that's used to decrypt onion errors in
// response to failed HTLC routing attempts according to BOLT#4.
type OnionErrorDecrypter struct {
	circuit *Circuit
}

// NewOnionErrorDecrypter creates new instance of onion decrypter.
func NewOnionErrorDecrypter(circuit *Circuit) *OnionErrorDecrypter {
	return &OnionErrorDecrypter{circuit: circuit}
}

// DecryptError attempts to decrypt the passed encrypted error response. The
// onion failure is encrypted in backward manner, starting from the node where
// error have occurred. As a result, in order to decrypt the error we need get
// all shared secret and apply decryption in the reverse order.
func (o *OnionErrorDecrypter) DecryptError(
	encryptedData []byte) (*DecryptedError, error) {

	if len(encryptedData) != errorPacketSize {
		return nil, NewRoutingError(
			CodeInvalidErrorOnion, "error onion of %d bytes",
			len(encryptedData),
		)
	}

	sharedSecrets := generateSharedSecrets(
		o.circuit.PaymentPath, o.circuit.SessionKey,
	)

	// We'll iterate a constant amount of hops to ensure that we don't give
	// away an timing information pertaining to the position in the route
	// that the error emanated from.
	var (
		sender      = -1
		msg         []byte
		dummySecret Hash256
	)
	copy(dummySecret[:], bytes.Repeat([]byte{0xff}, 32))

	for i := 0; i < NumMaxHops; i++ {
		// If we've already found the sender, then we'll use our dummy
		// secret to continue decryption attempts to fill out the rest
		// of the loop. Otherwise, we'll use the next shared secret in
		// line.
		var sharedSecret *Hash256
		if sender >= 0 || i >= len(sharedSecrets) {
			sharedSecret = &dummySecret
		} else {
			sharedSecret = &sharedSecrets[i]
		}

		// With the shared secret, we'll now strip off a layer of
		// encryption from the encrypted error payload.
		encryptedData = onionEncrypt(sharedSecret, encryptedData)

		// Next, we'll need to separate the data, from the MAC itself
		// so we can reconstruct and verify it.
		expectedMac := encryptedData[:HMACSize]
		data := encryptedData[HMACSize:]

		// With the data split, we'll now re-generate the MAC using its
		// specified key.
		umKey := generateKey("um", sharedSecret)
		h := hmac.New(sha256.New, umKey[:])
		h.Write(data)

		// If the MAC matches up, then we've found the sender of the
		// error and have also obtained the fully decrypted message.
		realMac := h.Sum(nil)
		if hmac.Equal(realMac, expectedMac) && sender < 0 {
			sender = i
			msg = append([]byte(nil), data...)
		}
	}

	// If the sender index is still negative, then we didn't find the
	// sender, meaning we've got garbage.
	if sender < 0 {
		return nil, NewRoutingError(
			CodeInvalidErrorOnion, "unable to retrieve onion "+
				"failure",
		)
	}

	msgLen := int(binary.BigEndian.Uint16(msg[:2]))
	if msgLen > onionErrorLength {
		return nil, NewRoutingError(
			CodeInvalidErrorOnion, "failure length %d", msgLen,
		)
	}

	return &DecryptedError{
		SenderIdx: sender,
		Sender:    o.circuit.PaymentPath[sender],
		Message:   msg[2 : 2+msgLen],
	}, nil
}
