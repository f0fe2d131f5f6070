package channeldb

import (
	"errors"
	"testing"

	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/stretchr/testify/require"
)

// TestWaitingProofStore tests add/get/remove functions of the waiting proof
// storage.
func TestWaitingProofStore(t *testing.T) {
	t.Parallel()

	db, err := MakeTestDB(t)
	require.NoError(t, err, "failed to make test database")

	proof1 := NewWaitingProof(true, &lnwire.AnnounceSignatures{
		ChannelID:       lnwire.ChannelID{1},
		ShortChannelID:  lnwire.NewShortChanIDFromInt(100 << 40),
		NodeSignature:   lnwire.Sig{1, 2, 3},
		ExtraOpaqueData: make([]byte, 0),
	})

	store, err := NewWaitingProofStore(db)
	require.NoError(t, err)

	require.NoError(t, store.Add(proof1))

	proof2, err := store.Get(proof1.Key())
	require.NoError(t, err, "unable retrieve proof from storage")
	require.Equal(t, proof1, proof2)
	require.True(t, proof2.IsRemote())

	_, err = store.Get(proof1.OppositeKey())
	require.ErrorIs(t, err, ErrWaitingProofNotFound)

	// A new store over the same db finds the proof.
	reopened, err := NewWaitingProofStore(db)
	require.NoError(t, err)
	_, err = reopened.Get(proof1.Key())
	require.NoError(t, err)

	require.NoError(t, store.Remove(proof1.Key()))
	require.ErrorIs(t, store.Remove(proof1.Key()), ErrWaitingProofNotFound)

	err = store.ForAll(func(proof *WaitingProof) error {
		return errors.New("storage should be empty")
	}, func() {})
	require.NoError(t, err)
}

// TestWitnessCache checks preimages are found by their hash until deleted.
func TestWitnessCache(t *testing.T) {
	t.Parallel()

	db, err := MakeTestDB(t)
	require.NoError(t, err)

	wc := db.NewWitnessCache()

	preimage := lntypes.Preimage{1, 2, 3}
	_, err = wc.LookupSha256Witness(preimage.Hash())
	require.ErrorIs(t, err, ErrNoWitness)

	require.ErrorIs(t, wc.AddSha256Witnesses(), ErrNoWitnesses)
	require.NoError(t, wc.AddSha256Witnesses(preimage))

	got, err := wc.LookupSha256Witness(preimage.Hash())
	require.NoError(t, err)
	require.Equal(t, preimage, got)

	require.NoError(t, wc.DeleteSha256Witness(preimage.Hash()))
	_, err = wc.LookupSha256Witness(preimage.Hash())
	require.ErrorIs(t, err, ErrNoWitness)
}
