package channeldb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// waitingProofsBucketKey holds the half proofs of channels waiting for
	// the other half, keyed by WaitingProofKey.
	waitingProofsBucketKey = []byte("waitingproofs")

	// ErrWaitingProofNotFound is returned for unknown proofs.
	ErrWaitingProofNotFound = errors.New("waiting proofs haven't been " +
		"found")
)

// WaitingProofKey is the short channel id of a proof followed by a byte
// telling the local half (0) from the remote half (1).
type WaitingProofKey [9]byte

// WaitingProof is one half of the announcement proof of a channel. Halves
// are stored until both are known, surviving restarts.
type WaitingProof struct {
	*lnwire.AnnounceSignatures
	isRemote bool
}

// NewWaitingProof wraps a half proof. isRemote is set for the half sent by
// the counterparty.
func NewWaitingProof(isRemote bool,
	proof *lnwire.AnnounceSignatures) *WaitingProof {

	return &WaitingProof{
		AnnounceSignatures: proof,
		isRemote:           isRemote,
	}
}

// IsRemote reports whether the counterparty sent the half.
func (p *WaitingProof) IsRemote() bool {
	return p.isRemote
}

func (p *WaitingProof) key(remote bool) WaitingProofKey {
	var key WaitingProofKey
	byteOrder.PutUint64(key[:8], p.ShortChannelID.ToUint64())
	if remote {
		key[8] = 1
	}

	return key
}

// Key returns the key of the proof.
func (p *WaitingProof) Key() WaitingProofKey {
	return p.key(p.isRemote)
}

// OppositeKey returns the key of the other half of the proof.
func (p *WaitingProof) OppositeKey() WaitingProofKey {
	return p.key(!p.isRemote)
}

// Encode writes the side byte followed by the wire message.
func (p *WaitingProof) Encode(w *bytes.Buffer) error {
	side := byte(0)
	if p.isRemote {
		side = 1
	}
	if err := w.WriteByte(side); err != nil {
		return err
	}

	return p.AnnounceSignatures.Encode(w, 0)
}

// Decode reads a proof written by Encode.
func (p *WaitingProof) Decode(r io.Reader) error {
	var side [1]byte
	if _, err := io.ReadFull(r, side[:]); err != nil {
		return err
	}
	if side[0] > 1 {
		return fmt.Errorf("invalid proof side %d", side[0])
	}

	msg := &lnwire.AnnounceSignatures{}
	if err := msg.Decode(r, 0); err != nil {
		return err
	}

	p.isRemote = side[0] == 1
	p.AnnounceSignatures = msg

	return nil
}

// WaitingProofStore persists half proofs. Their encodings are mirrored in
// memory so lookups don't touch the database.
type WaitingProofStore struct {
	db kvdb.Backend

	mu     sync.RWMutex
	proofs map[WaitingProofKey][]byte
}

// NewWaitingProofStore opens the store, loading the stored proofs.
func NewWaitingProofStore(db kvdb.Backend) (*WaitingProofStore, error) {
	s := &WaitingProofStore{
		db:     db,
		proofs: make(map[WaitingProofKey][]byte),
	}

	err := kvdb.View(db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(waitingProofsBucketKey)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			if v == nil || len(k) != len(WaitingProofKey{}) {
				return nil
			}

			var key WaitingProofKey
			copy(key[:], k)
			s.proofs[key] = append([]byte(nil), v...)

			return nil
		})
	}, func() {
		s.proofs = make(map[WaitingProofKey][]byte)
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Add stores the proof, replacing a proof with the same key.
func (s *WaitingProofStore) Add(proof *WaitingProof) error {
	var b bytes.Buffer
	if err := proof.Encode(&b); err != nil {
		return err
	}
	key := proof.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket, err := tx.CreateTopLevelBucket(waitingProofsBucketKey)
		if err != nil {
			return err
		}

		return bucket.Put(key[:], b.Bytes())
	}, func() {})
	if err != nil {
		return err
	}

	s.proofs[key] = b.Bytes()

	return nil
}

// Remove deletes the proof with the key.
func (s *WaitingProofStore) Remove(key WaitingProofKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.proofs[key]; !ok {
		return ErrWaitingProofNotFound
	}

	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(waitingProofsBucketKey)
		if bucket == nil {
			return ErrWaitingProofNotFound
		}

		return bucket.Delete(key[:])
	}, func() {})
	if err != nil {
		return err
	}

	delete(s.proofs, key)

	return nil
}

// Get returns the proof with the key.
func (s *WaitingProofStore) Get(key WaitingProofKey) (*WaitingProof, error) {
	s.mu.RLock()
	encoded, ok := s.proofs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrWaitingProofNotFound
	}

	proof := &WaitingProof{}
	if err := proof.Decode(bytes.NewReader(encoded)); err != nil {
		return nil, err
	}

	return proof, nil
}

// ForAll calls cb with every stored proof.
func (s *WaitingProofStore) ForAll(cb func(*WaitingProof) error,
	reset func()) error {

	return kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(waitingProofsBucketKey)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			if v == nil {
				return nil
			}

			proof := &WaitingProof{}
			if err := proof.Decode(bytes.NewReader(v)); err != nil {
				return err
			}

			return cb(proof)
		})
	}, reset)
}
