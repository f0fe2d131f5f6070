package chainntnfs

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  5 * time.Second,
	}
}

func TestRetryingWatcherRetriesChainErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := NewMockChain()
	w := NewRetryingWatcher(chain, testRetryConfig())

	chain.FailNext(3)
	tx := spendTx(wire.OutPoint{Index: 1}, 1000)
	txid, err := w.Broadcast(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), txid)

	chain.MineBlocks(4)
	chain.FailNext(2)
	height, err := w.CurrentHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, height)
}

func TestRetryingWatcherPermanentError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := NewMockChain()
	w := NewRetryingWatcher(chain, testRetryConfig())

	op := wire.OutPoint{Index: 2}
	_, err := w.Broadcast(ctx, spendTx(op, 1000))
	require.NoError(t, err)

	_, err = w.Broadcast(ctx, spendTx(op, 500))
	require.ErrorIs(t, err, ErrTxRejected)
	require.False(t, IsChainError(err))
}

func TestRetryingWatcherContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := NewMockChain()
	chain.FailNext(1000)

	cfg := testRetryConfig()
	cfg.MaxElapsedTime = 0
	w := NewRetryingWatcher(chain, cfg)

	_, err := w.CurrentHeight(ctx)
	require.Error(t, err)
}
