package shachain

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func hashFromHex(t *testing.T, s string) chainhash.Hash {
	t.Helper()

	raw, err := hex.DecodeString(s)
	require.NoError(t, err)

	var h chainhash.Hash
	copy(h[:], raw)

	return h
}

// TestGenerateFromSeed checks the derivation against the generate_from_seed
// vectors of BOLT 3.
func TestGenerateFromSeed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		seed   string
		index  uint64
		output string
	}{
		{
			name:   "generate_from_seed 0 final node",
			seed:   "0000000000000000000000000000000000000000000000000000000000000000",
			index:  0xffffffffffff,
			output: "02a40c85b6f28da08dfdbe0926c53fab2de6d28c10301f8f7c4073d5e42e3148",
		},
		{
			name:   "generate_from_seed FF final node",
			seed:   "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
			index:  0xffffffffffff,
			output: "7cc854b54e3e0dcdb010d7a3fee464a9687be6e8db3be6854c475621e007a5dc",
		},
		{
			name:   "generate_from_seed FF alternate bits 1",
			seed:   "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
			index:  0xaaaaaaaaaaa,
			output: "56f4008fb007ca9acf0e15b054d5c9fd12ee06cea347914ddbaed70d1c13a528",
		},
		{
			name:   "generate_from_seed FF alternate bits 2",
			seed:   "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
			index:  0x555555555555,
			output: "9015daaeb06dba4ccc05b91b2f73bd54405f2be9f217fbacd3c5ac2e62327d31",
		},
		{
			name:   "generate_from_seed 01 last nontrivial node",
			seed:   "0101010101010101010101010101010101010101010101010101010101010101",
			index:  1,
			output: "915c75942a26bb3a433a8ce2cb0427c29ec6c1775cfc78328b57f6ba7bfeaa9c",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			root := element{
				index: rootIndex,
				hash:  hashFromHex(t, test.seed),
			}

			e, err := root.derive(index(test.index))
			require.NoError(t, err)
			require.Equal(t, hashFromHex(t, test.output), e.hash)
		})
	}
}

// TestProducerHeights makes sure the producer maps height zero onto the
// first chain index.
func TestProducerHeights(t *testing.T) {
	t.Parallel()

	var seed chainhash.Hash
	producer := NewRevocationProducer(seed)

	secret, err := producer.AtIndex(0)
	require.NoError(t, err)
	require.Equal(t, hashFromHex(
		t, "02a40c85b6f28da08dfdbe0926c53fab2de6d28c10301f8f7c4073d5e42e3148",
	), *secret)

	var buf bytes.Buffer
	require.NoError(t, producer.Encode(&buf))

	restored, err := NewRevocationProducerFromBytes(&buf)
	require.NoError(t, err)

	again, err := restored.AtIndex(0)
	require.NoError(t, err)
	require.Equal(t, secret, again)
}

// TestStoreReceivesProducerSecrets feeds a random number of secrets into a
// store and checks every one of them can be looked up, including after an
// encode/decode cycle.
func TestStoreReceivesProducerSecrets(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		var seed chainhash.Hash
		copy(seed[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "seed"))
		n := rapid.Uint64Range(1, 300).Draw(t, "n")

		producer := NewRevocationProducer(seed)
		store := NewRevocationStore()

		for i := uint64(0); i < n; i++ {
			secret, err := producer.AtIndex(i)
			require.NoError(t, err)
			require.NoError(t, store.AddNextEntry(secret))
		}
		require.Equal(t, n, store.NextHeight())

		var buf bytes.Buffer
		require.NoError(t, store.Encode(&buf))
		restored, err := NewRevocationStoreFromBytes(&buf)
		require.NoError(t, err)

		for i := uint64(0); i < n; i++ {
			want, err := producer.AtIndex(i)
			require.NoError(t, err)

			got, err := restored.LookUp(i)
			require.NoError(t, err)
			require.Equal(t, want, got)
		}

		_, err = restored.LookUp(n)
		require.Error(t, err)
	})
}

// TestStoreRejectsForeignSecret checks that a secret from another chain is
// refused once it lands in a bucket that covers earlier secrets.
func TestStoreRejectsForeignSecret(t *testing.T) {
	t.Parallel()

	honest := NewRevocationProducer(chainhash.Hash{1})
	other := NewRevocationProducer(chainhash.Hash{2})
	store := NewRevocationStore()

	first, err := honest.AtIndex(0)
	require.NoError(t, err)
	require.NoError(t, store.AddNextEntry(first))

	// Height one lands in bucket one, which must re-derive bucket zero.
	forged, err := other.AtIndex(1)
	require.NoError(t, err)
	require.ErrorIs(t, store.AddNextEntry(forged), ErrNotDerivable)
}
