package lntypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the size of a payment hash in bytes.
const HashSize = 32

// ZeroHash is the all zero hash.
var ZeroHash Hash

// Hash is a payment hash: the sha256 of a payment preimage.
type Hash [HashSize]byte

// String returns the hash as a hexadecimal string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MakeHash returns a new Hash from a byte slice of exactly HashSize bytes.
func MakeHash(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("invalid hash length of %v, want %v",
			len(b), HashSize)
	}

	var h Hash
	copy(h[:], b)

	return h, nil
}

// MakeHashFromStr parses a hex encoded hash.
func MakeHashFromStr(s string) (Hash, error) {
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash string length of %v, "+
			"want %v", len(s), HashSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}

	return MakeHash(b)
}

// PreimageSize is the size of a payment preimage in bytes.
const PreimageSize = 32

// Preimage is the secret that unlocks an HTLC.
type Preimage [PreimageSize]byte

// String returns the preimage as a hexadecimal string.
func (p Preimage) String() string {
	return hex.EncodeToString(p[:])
}

// MakePreimage returns a new Preimage from a byte slice of exactly
// PreimageSize bytes.
func MakePreimage(b []byte) (Preimage, error) {
	if len(b) != PreimageSize {
		return Preimage{}, fmt.Errorf("invalid preimage length of %v, "+
			"want %v", len(b), PreimageSize)
	}

	var p Preimage
	copy(p[:], b)

	return p, nil
}

// MakePreimageFromStr parses a hex encoded preimage.
func MakePreimageFromStr(s string) (Preimage, error) {
	if len(s) != PreimageSize*2 {
		return Preimage{}, fmt.Errorf("invalid preimage string length "+
			"of %v, want %v", len(s), PreimageSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return Preimage{}, err
	}

	return MakePreimage(b)
}

// Hash returns the sha256 hash of the preimage.
func (p Preimage) Hash() Hash {
	return Hash(sha256.Sum256(p[:]))
}

// Matches returns whether this preimage is the preimage of the given hash.
func (p Preimage) Matches(h Hash) bool {
	return h == p.Hash()
}
