package chainntnfs

import (
	"context"
	"iter"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestMockChainWatch walks an outpoint through confirmation and spend and
// checks an event is produced for every block.
func TestMockChainWatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := NewMockChain()
	funding := fundingTx(1)
	op := wire.OutPoint{Hash: funding.TxHash(), Index: 0}

	_, err := chain.Broadcast(ctx, funding)
	require.NoError(t, err)

	next, stop := iter.Pull(chain.Watch(ctx, op, testPkScript, 0))
	defer stop()

	confHeight := chain.MineBlock()

	ev := nextEvent(t, next)
	require.Equal(t, Confirmation, ev.Type)
	require.Equal(t, confHeight, ev.Height)
	require.EqualValues(t, 1, ev.NumConfs)
	require.Equal(t, funding.TxHash(), ev.Tx.TxHash())

	chain.MineBlock()
	ev = nextEvent(t, next)
	require.Equal(t, Confirmation, ev.Type)
	require.EqualValues(t, 2, ev.NumConfs)

	spend := spendTx(op, 90_000)
	_, err = chain.Broadcast(ctx, spend)
	require.NoError(t, err)
	spendHeight := chain.MineBlock()

	ev = nextEvent(t, next)
	require.Equal(t, Spend, ev.Type)
	require.Equal(t, spendHeight, ev.Height)
	require.EqualValues(t, 1, ev.NumConfs)
	require.Equal(t, spend.TxHash(), ev.Tx.TxHash())

	chain.MineBlock()
	ev = nextEvent(t, next)
	require.Equal(t, Spend, ev.Type)
	require.EqualValues(t, 2, ev.NumConfs)
}

// TestMockChainWatchRestart checks that every range over a watch sequence
// rescans from the height hint.
func TestMockChainWatchRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	chain := NewMockChain()
	funding := fundingTx(2)
	op := wire.OutPoint{Hash: funding.TxHash(), Index: 0}

	_, err := chain.Broadcast(ctx, funding)
	require.NoError(t, err)
	chain.MineBlocks(3)

	seq := chain.Watch(ctx, op, testPkScript, 0)

	for range 2 {
		var got []uint32
		for ev := range seq {
			got = append(got, ev.NumConfs)
			if len(got) == 3 {
				break
			}
		}
		require.Equal(t, []uint32{1, 2, 3}, got)
	}
}

// TestMockChainWatchScriptMismatch ensures a creating transaction with a
// different output script is not reported.
func TestMockChainWatchScriptMismatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	chain := NewMockChain()
	funding := fundingTx(3)
	op := wire.OutPoint{Hash: funding.TxHash(), Index: 0}

	_, err := chain.Broadcast(ctx, funding)
	require.NoError(t, err)
	chain.MineBlocks(2)

	events := make(chan ChainEvent, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range chain.Watch(ctx, op, []byte{0x00}, 0) {
			events <- ev
		}
	}()

	chain.MineBlock()
	cancel()
	<-done

	require.Empty(t, events)
}

func TestMockChainRejectsDoubleSpend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := NewMockChain()

	op := wire.OutPoint{Index: 7}
	first := spendTx(op, 1000)
	_, err := chain.Broadcast(ctx, first)
	require.NoError(t, err)

	// Re-broadcasting the same transaction is accepted.
	_, err = chain.Broadcast(ctx, first)
	require.NoError(t, err)
	require.Len(t, chain.Mempool(), 1)

	_, err = chain.Broadcast(ctx, spendTx(op, 900))
	require.ErrorIs(t, err, ErrTxRejected)

	height, err := chain.CurrentHeight(ctx)
	require.NoError(t, err)
	require.Zero(t, height)

	require.EqualValues(t, 1, chain.MineBlock())
	require.Empty(t, chain.Mempool())
}
