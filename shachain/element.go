package shachain

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// maxHeight is the number of index bits used by the chain, which also
	// bounds the number of buckets a receiver has to keep around.
	maxHeight uint8 = 48

	// rootIndex is the index of the seed. Every other element can be
	// derived from it.
	rootIndex index = 0
)

// startIndex is the index of the first element handed out by a producer.
// Indexes count down from here so that earlier secrets live at higher
// indexes and can be derived from later ones.
const startIndex index = (1 << maxHeight) - 1

// index addresses an element of the chain. The bits that are set in an index
// and not in another one describe the flip-and-hash steps between them.
type index uint64

// newIndex maps a commitment height onto a chain index.
func newIndex(height uint64) index {
	return startIndex - index(height)
}

// trailingZeros returns the number of trailing zero bits of the index, capped
// at maxHeight. This is also the bucket the element lands in on the receiving
// side.
func (i index) trailingZeros() uint8 {
	var zeros uint8
	for zeros < maxHeight && (uint64(i)>>zeros)&1 == 0 {
		zeros++
	}

	return zeros
}

// derivationPath returns the bit positions, highest first, that must be
// flipped to go from i to the target index. Derivation is only possible if
// the target shares all bits of i above i's trailing zeros.
func (i index) derivationPath(to index) ([]uint8, error) {
	if i == to {
		return nil, nil
	}

	zeros := i.trailingZeros()
	mask := ^uint64(0) << zeros
	if uint64(i) != uint64(to)&mask {
		return nil, fmt.Errorf("index %x not derivable from %x", to, i)
	}

	var path []uint8
	for pos := int(zeros) - 1; pos >= 0; pos-- {
		if (uint64(to)>>uint(pos))&1 == 1 {
			path = append(path, uint8(pos))
		}
	}

	return path, nil
}

// element is one output of the chain together with its index.
type element struct {
	index index
	hash  chainhash.Hash
}

// derive computes the element at the target index from e by flipping the
// bits of the derivation path one after another and hashing after every
// flip.
func (e *element) derive(to index) (*element, error) {
	path, err := e.index.derivationPath(to)
	if err != nil {
		return nil, err
	}

	buf := e.hash
	for _, pos := range path {
		buf[pos/8] ^= 1 << (pos % 8)
		buf = sha256.Sum256(buf[:])
	}

	return &element{index: to, hash: buf}, nil
}

// isEqual returns true if two elements are identical and false otherwise.
func (e *element) isEqual(other *element) bool {
	return e.index == other.index && e.hash == other.hash
}
