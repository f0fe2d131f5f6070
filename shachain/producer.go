package shachain

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Producer hands out the revocation secrets of a channel. Secret n is the one
// belonging to commitment height n.
type Producer interface {
	// AtIndex produces the secret for the given commitment height.
	AtIndex(uint64) (*chainhash.Hash, error)

	// Encode writes the producer's root so it can be restored later.
	Encode(io.Writer) error
}

// RevocationProducer derives every secret from a single root seed. Only the
// root has to be stored.
type RevocationProducer struct {
	root *element
}

// A compile time check to ensure RevocationProducer implements the Producer
// interface.
var _ Producer = (*RevocationProducer)(nil)

// NewRevocationProducer creates a producer from the given root seed.
func NewRevocationProducer(root chainhash.Hash) *RevocationProducer {
	return &RevocationProducer{
		root: &element{
			index: rootIndex,
			hash:  root,
		},
	}
}

// NewRevocationProducerFromBytes restores a producer written by Encode.
func NewRevocationProducerFromBytes(r io.Reader) (*RevocationProducer,
	error) {

	var root chainhash.Hash
	if _, err := io.ReadFull(r, root[:]); err != nil {
		return nil, err
	}

	return NewRevocationProducer(root), nil
}

// AtIndex produces the secret for the given commitment height.
//
// NOTE: This function is part of the Producer interface.
func (p *RevocationProducer) AtIndex(height uint64) (*chainhash.Hash,
	error) {

	e, err := p.root.derive(newIndex(height))
	if err != nil {
		return nil, err
	}

	return &e.hash, nil
}

// Encode writes the root seed to w.
//
// NOTE: This function is part of the Producer interface.
func (p *RevocationProducer) Encode(w io.Writer) error {
	_, err := w.Write(p.root.hash[:])
	return err
}
