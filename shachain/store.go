package shachain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrNotDerivable is returned when a new secret does not match the secrets
// already stored, i.e. the sender is not using a single chain.
var ErrNotDerivable = errors.New("hash isn't derivable from previous ones")

// Store keeps the secrets received from the remote party in O(log n) space.
type Store interface {
	// LookUp returns the secret for the given commitment height, if it
	// was received already.
	LookUp(uint64) (*chainhash.Hash, error)

	// AddNextEntry stores the secret for the next commitment height.
	//
	// NOTE: Secrets MUST be inserted in the order they're produced.
	AddNextEntry(*chainhash.Hash) error

	// Encode writes a binary serialization of the store.
	Encode(io.Writer) error
}

// RevocationStore keeps one element per trailing-zero count. Every secret
// received so far can be derived from one of these buckets.
type RevocationStore struct {
	// lenBuckets is the number of buckets in use.
	lenBuckets uint8

	buckets [maxHeight]element

	// next is the index the next inserted secret gets.
	next index
}

// A compile time check to ensure RevocationStore implements the Store
// interface.
var _ Store = (*RevocationStore)(nil)

// NewRevocationStore creates an empty store.
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{
		next: startIndex,
	}
}

// NewRevocationStoreFromBytes restores a store written by Encode.
func NewRevocationStoreFromBytes(r io.Reader) (*RevocationStore, error) {
	store := &RevocationStore{}

	if err := binary.Read(r, binary.BigEndian, &store.lenBuckets); err != nil {
		return nil, err
	}
	if store.lenBuckets > maxHeight {
		return nil, fmt.Errorf("invalid bucket count %d",
			store.lenBuckets)
	}

	for i := uint8(0); i < store.lenBuckets; i++ {
		var raw [8]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, err
		}
		store.buckets[i].index = index(binary.BigEndian.Uint64(raw[:]))

		_, err := io.ReadFull(r, store.buckets[i].hash[:])
		if err != nil {
			return nil, err
		}
	}

	var raw [8]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, err
	}
	store.next = index(binary.BigEndian.Uint64(raw[:]))

	return store, nil
}

// LookUp returns the secret for the given commitment height.
//
// NOTE: This function is part of the Store interface.
func (s *RevocationStore) LookUp(height uint64) (*chainhash.Hash, error) {
	target := newIndex(height)
	if target < s.next+1 {
		return nil, fmt.Errorf("secret #%d not received yet", height)
	}

	for i := uint8(0); i < s.lenBuckets; i++ {
		e, err := s.buckets[i].derive(target)
		if err != nil {
			continue
		}

		return &e.hash, nil
	}

	return nil, fmt.Errorf("unable to derive hash #%d", height)
}

// AddNextEntry stores the secret for the next commitment height. The secret
// must allow re-deriving every bucket below the one it lands in, otherwise
// the sender did not use a single chain.
//
// NOTE: This function is part of the Store interface.
func (s *RevocationStore) AddNextEntry(hash *chainhash.Hash) error {
	newElement := &element{
		index: s.next,
		hash:  *hash,
	}

	bucket := newElement.index.trailingZeros()
	for i := uint8(0); i < bucket; i++ {
		e, err := newElement.derive(s.buckets[i].index)
		if err != nil {
			return err
		}

		if !e.isEqual(&s.buckets[i]) {
			return ErrNotDerivable
		}
	}

	s.buckets[bucket] = *newElement
	if bucket+1 > s.lenBuckets {
		s.lenBuckets = bucket + 1
	}

	s.next--

	return nil
}

// NextHeight returns the commitment height whose secret is expected next.
func (s *RevocationStore) NextHeight() uint64 {
	return uint64(startIndex - s.next)
}

// Encode writes a binary serialization of the store to w.
//
// NOTE: This function is part of the Store interface.
func (s *RevocationStore) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{s.lenBuckets}); err != nil {
		return err
	}

	var raw [8]byte
	for i := uint8(0); i < s.lenBuckets; i++ {
		binary.BigEndian.PutUint64(raw[:], uint64(s.buckets[i].index))
		if _, err := w.Write(raw[:]); err != nil {
			return err
		}
		if _, err := w.Write(s.buckets[i].hash[:]); err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint64(raw[:], uint64(s.next))
	_, err := w.Write(raw[:])

	return err
}
