package sphinx

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
)

const (
	// HMACSize is the length of the HMACs used to verify the integrity of
	// the onion.
	HMACSize = 32

	// keyLen is the length of the keys used to generate cipher streams
	// and encrypt payloads.
	keyLen = 32
)

// Hash256 is a statically sized, 32-byte array, typically containing the
// output of a SHA256 hash.
type Hash256 [sha256.Size]byte

// calcMac calculates HMAC-SHA-256 over the message using the passed secret
// key as input to the HMAC.
func calcMac(key [keyLen]byte, msg []byte) [HMACSize]byte {
	hmac := hmac.New(sha256.New, key[:])
	hmac.Write(msg)
	h := hmac.Sum(nil)

	var mac [HMACSize]byte
	copy(mac[:], h[:HMACSize])

	return mac
}

// xor computes the byte wise XOR of a and b, storing the result in dst. Only
// the first `min(len(a), len(b))` bytes will be xor'd.
func xor(dst, a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dst[i] = a[i] ^ b[i]
	}
	return n
}

// generateKey generates a new key for usage in Sphinx packet
// construction/processing based off of the denoted keyType. Within Sphinx
// various keys are used within the same onion packet for padding generation,
// MAC generation, and encryption/decryption.
func generateKey(keyType string, sharedKey *Hash256) [keyLen]byte {
	mac := hmac.New(sha256.New, []byte(keyType))
	mac.Write(sharedKey[:])
	h := mac.Sum(nil)

	var key [keyLen]byte
	copy(key[:], h[:keyLen])

	return key
}

// generateCipherStream generates a stream of cryptographic pseudo-random bytes
// intended to be used to encrypt a message using a one-time-pad like
// construction.
func generateCipherStream(key [keyLen]byte, numBytes uint) []byte {
	var (
		nonce [8 + 4]byte
		zeros = make([]byte, numBytes)
	)

	// The key and nonce sizes are fixed, so this can't fail.
	cipher, _ := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	output := make([]byte, numBytes)
	cipher.XORKeyStream(output, zeros)

	return output
}

// computeBlindingFactor for the next hop given the ephemeral pubKey and
// sharedSecret for this hop. The blinding factor is computed as the
// sha-256(pubkey || sharedSecret).
func computeBlindingFactor(hopPubKey *btcec.PublicKey,
	hopSharedSecret []byte) Hash256 {

	sha := sha256.New()
	sha.Write(hopPubKey.SerializeCompressed())
	sha.Write(hopSharedSecret)

	var hash Hash256
	copy(hash[:], sha.Sum(nil))
	return hash
}

// blindGroupElement blinds the group element P by performing scalar
// multiplication of the group element by blindingFactor: blindingFactor * P.
func blindGroupElement(hopPubKey *btcec.PublicKey,
	blindingFactor Hash256) *btcec.PublicKey {

	var (
		scalar    btcec.ModNScalar
		point     btcec.JacobianPoint
		resultJac btcec.JacobianPoint
	)
	scalar.SetBytes((*[32]byte)(&blindingFactor))
	hopPubKey.AsJacobian(&point)

	btcec.ScalarMultNonConst(&scalar, &point, &resultJac)
	resultJac.ToAffine()

	return btcec.NewPublicKey(&resultJac.X, &resultJac.Y)
}

// blindBaseElement blinds the private key by multiplying it with the
// blinding factor.
func blindBaseElement(priv *btcec.PrivateKey,
	blindingFactor Hash256) *btcec.PrivateKey {

	var factor, next btcec.ModNScalar
	factor.SetBytes((*[32]byte)(&blindingFactor))
	next.Mul2(&priv.Key, &factor)

	return btcec.PrivKeyFromScalar(&next)
}

// generateSharedSecret generates the shared secret by given ephemeral key.
// The secret is the sha256 of the compressed point priv * pub.
func generateSharedSecret(pub *btcec.PublicKey,
	priv *btcec.PrivateKey) Hash256 {

	var point, result btcec.JacobianPoint
	pub.AsJacobian(&point)

	btcec.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	shared := btcec.NewPublicKey(&result.X, &result.Y)
	return sha256.Sum256(shared.SerializeCompressed())
}

// generateSharedSecrets derives the shared secret of every hop of the path
// from the session key, blinding the ephemeral key between hops.
func generateSharedSecrets(paymentPath []*btcec.PublicKey,
	sessionKey *btcec.PrivateKey) []Hash256 {

	hopSharedSecrets := make([]Hash256, len(paymentPath))

	ephemeralPrivKey := sessionKey
	for i, pubKey := range paymentPath {
		ephemeralPubKey := ephemeralPrivKey.PubKey()

		hopSharedSecrets[i] = generateSharedSecret(
			pubKey, ephemeralPrivKey,
		)

		blindingFactor := computeBlindingFactor(
			ephemeralPubKey, hopSharedSecrets[i][:],
		)
		ephemeralPrivKey = blindBaseElement(
			ephemeralPrivKey, blindingFactor,
		)
	}

	return hopSharedSecrets
}
