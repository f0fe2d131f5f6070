package chainntnfs

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockClient is a ChainClient serving blocks from a MockChain.
type mockClient struct {
	mock.Mock

	chain *MockChain

	mu        sync.Mutex
	fetched   []uint32
	hashIndex map[chainhash.Hash]uint32
}

func newMockClient(chain *MockChain) *mockClient {
	return &mockClient{
		chain:     chain,
		hashIndex: make(map[chainhash.Hash]uint32),
	}
}

func (m *mockClient) GetBlockCount() (int64, error) {
	h, err := m.chain.CurrentHeight(context.Background())
	return int64(h), err
}

func (m *mockClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	block, err := (*mockSource)(m.chain).blockAt(
		context.Background(), uint32(height),
	)
	if err != nil {
		return nil, err
	}

	hash := block.BlockHash()

	m.mu.Lock()
	m.hashIndex[hash] = uint32(height)
	m.mu.Unlock()

	return &hash, nil
}

func (m *mockClient) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	m.mu.Lock()
	height := m.hashIndex[*hash]
	m.fetched = append(m.fetched, height)
	m.mu.Unlock()

	return (*mockSource)(m.chain).blockAt(context.Background(), height)
}

func (m *mockClient) SendRawTransaction(tx *wire.MsgTx,
	allowHighFees bool) (*chainhash.Hash, error) {

	args := m.Called(tx, allowHighFees)

	hash, _ := args.Get(0).(*chainhash.Hash)
	return hash, args.Error(1)
}

func (m *mockClient) fetchedHeights() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uint32(nil), m.fetched...)
}

func TestBtcdWatcherBroadcast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newMockClient(NewMockChain())
	w := NewBtcdWatcher(BtcdConfig{Client: client})

	tx := spendTx(wire.OutPoint{Index: 3}, 1000)
	txid := tx.TxHash()

	client.On("SendRawTransaction", tx, false).Return(&txid, nil).Once()
	got, err := w.Broadcast(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, txid, got)

	client.On("SendRawTransaction", tx, false).Return(nil, &btcjson.RPCError{
		Code: btcjson.ErrRPCVerifyAlreadyInChain,
	}).Once()
	got, err = w.Broadcast(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, txid, got)

	client.On("SendRawTransaction", tx, false).Return(nil, &btcjson.RPCError{
		Code:    btcjson.ErrRPCVerifyRejected,
		Message: "non-final",
	}).Once()
	_, err = w.Broadcast(ctx, tx)
	require.ErrorIs(t, err, ErrTxRejected)

	client.On("SendRawTransaction", tx, false).Return(
		nil, errors.New("connection refused"),
	).Once()
	_, err = w.Broadcast(ctx, tx)
	require.True(t, IsChainError(err))

	client.AssertExpectations(t)
}

// TestBtcdWatcherHintCache checks that a second watch of a confirmed
// outpoint starts at the confirmation height and jumps to the recorded
// spend hint instead of rescanning every block.
func TestBtcdWatcherHintCache(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)
	cache, err := NewHeightHintCache(CacheConfig{}, db)
	require.NoError(t, err)

	chain := NewMockChain()
	chain.MineBlocks(2)

	funding := fundingTx(9)
	op := wire.OutPoint{Hash: funding.TxHash(), Index: 0}
	_, err = chain.Broadcast(ctx, funding)
	require.NoError(t, err)
	confHeight := chain.MineBlock()
	tip := chain.MineBlocks(4)

	client := newMockClient(chain)
	w := NewBtcdWatcher(BtcdConfig{
		Client:    client,
		HintCache: cache,
		NewTicker: func(time.Duration) ticker.Ticker {
			return ticker.NewForce(time.Hour)
		},
	})

	// Scan up to the tip once.
	for ev := range w.Watch(ctx, op, testPkScript, 0) {
		require.Equal(t, Confirmation, ev.Type)
		if ev.NumConfs == tip-confHeight+1 {
			break
		}
	}
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7}, client.fetchedHeights())

	hint, err := cache.QueryConfirmHint(op.Hash)
	require.NoError(t, err)
	require.Equal(t, confHeight, hint)

	// The consumer stopped at the tip, before the tip was recorded as
	// scanned.
	hint, err = cache.QuerySpendHint(op)
	require.NoError(t, err)
	require.Equal(t, tip, hint)

	// The restarted watch fetches the confirmation block, jumps to the
	// spend hint and continues from there.
	spend := spendTx(op, 50_000)
	_, err = chain.Broadcast(ctx, spend)
	require.NoError(t, err)
	spendHeight := chain.MineBlock()

	client2 := newMockClient(chain)
	w.cfg.Client = client2

	next, stop := iter.Pull(w.Watch(ctx, op, testPkScript, 0))
	defer stop()

	ev := nextEvent(t, next)
	require.Equal(t, Confirmation, ev.Type)
	require.Equal(t, confHeight, ev.Height)

	ev = nextEvent(t, next)
	require.Equal(t, Confirmation, ev.Type)
	require.Equal(t, tip-confHeight+1, ev.NumConfs)

	ev = nextEvent(t, next)
	require.Equal(t, Spend, ev.Type)
	require.Equal(t, spendHeight, ev.Height)
	require.Equal(t, spend.TxHash(), ev.Tx.TxHash())

	require.Equal(t, []uint32{confHeight, tip, spendHeight},
		client2.fetchedHeights())
}

func TestHeightHintCacheQueryDisable(t *testing.T) {
	t.Parallel()

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	op := wire.OutPoint{Index: 4}

	cache, err := NewHeightHintCache(CacheConfig{}, db)
	require.NoError(t, err)

	_, err = cache.QuerySpendHint(op)
	require.ErrorIs(t, err, ErrSpendHintNotFound)

	require.NoError(t, cache.CommitSpendHint(120, op))
	hint, err := cache.QuerySpendHint(op)
	require.NoError(t, err)
	require.EqualValues(t, 120, hint)

	disabled, err := NewHeightHintCache(CacheConfig{QueryDisable: true}, db)
	require.NoError(t, err)

	_, err = disabled.QuerySpendHint(op)
	require.ErrorIs(t, err, ErrSpendHintNotFound)
	_, err = disabled.QueryConfirmHint(op.Hash)
	require.ErrorIs(t, err, ErrConfirmHintNotFound)
}
