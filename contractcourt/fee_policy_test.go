package contractcourt

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

func TestFeePolicyBump(t *testing.T) {
	t.Parallel()

	policy := DefaultFeePolicy(chainfee.NewStaticEstimator(1_000, 0))
	policy.MaxFeeRate = 2_000

	require.EqualValues(t, 1_000, policy.FeeRate(0))
	require.EqualValues(t, 1_250, policy.FeeRate(1))
	require.EqualValues(t, 1_562, policy.FeeRate(2))
	require.EqualValues(t, 2_000, policy.FeeRate(10))

	require.False(t, policy.shouldBump(100, 102))
	require.True(t, policy.shouldBump(100, 103))

	policy.BumpInterval = 0
	require.False(t, policy.shouldBump(100, 1_000))
}

func TestFeePolicyFloor(t *testing.T) {
	t.Parallel()

	policy := DefaultFeePolicy(chainfee.NewStaticEstimator(1, 0))
	require.Equal(t, chainfee.FeePerKwFloor, policy.FeeRate(0))
}

func TestSweepStore(t *testing.T) {
	t.Parallel()

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	store, err := NewSweepStore(db)
	require.NoError(t, err)

	op1 := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}
	op2 := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 1}
	txid1 := chainhash.Hash{2}
	txid2 := chainhash.Hash{3}

	require.NoError(t, store.AddSweep(txid1, op1, op2))
	require.NoError(t, store.AddSweep(txid2, op1))
	require.NoError(t, store.AddSweep(txid2, op1))

	for _, tc := range []struct {
		op   wire.OutPoint
		txid chainhash.Hash
		want bool
	}{
		{op1, txid1, true},
		{op1, txid2, true},
		{op2, txid1, true},
		{op2, txid2, false},
	} {
		ok, err := store.IsSweep(tc.op, tc.txid)
		require.NoError(t, err)
		require.Equal(t, tc.want, ok, "%v %v", tc.op, tc.txid)
	}

	require.NoError(t, store.RemoveSweeps(op1))
	ok, err := store.IsSweep(op1, txid1)
	require.NoError(t, err)
	require.False(t, ok)

	// The store survives a reopen of the bucket.
	store, err = NewSweepStore(db)
	require.NoError(t, err)
	ok, err = store.IsSweep(op2, txid1)
	require.NoError(t, err)
	require.True(t, ok)
}
