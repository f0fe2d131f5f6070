package chainntnfs

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MockChain is an in-memory ChainWatcher. Broadcast transactions wait in a
// mempool until MineBlock includes them.
type MockChain struct {
	mu sync.Mutex

	blocks  []*wire.MsgBlock
	mempool []*wire.MsgTx

	// spent maps every outpoint spent in the chain or mempool to the
	// spending txid.
	spent map[wire.OutPoint]chainhash.Hash

	// newBlock is closed and replaced whenever a block is mined.
	newBlock chan struct{}

	// failures is the number of calls that fail with a ChainError before
	// the chain starts answering.
	failures int
}

var _ ChainWatcher = (*MockChain)(nil)

// NewMockChain creates a chain holding a single empty genesis block.
func NewMockChain() *MockChain {
	genesis := wire.NewMsgBlock(&wire.BlockHeader{
		Timestamp: time.Unix(1_600_000_000, 0),
	})

	return &MockChain{
		blocks:   []*wire.MsgBlock{genesis},
		spent:    make(map[wire.OutPoint]chainhash.Hash),
		newBlock: make(chan struct{}),
	}
}

// FailNext makes the next n Broadcast or CurrentHeight calls fail with a
// ChainError.
func (m *MockChain) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = n
}

func (m *MockChain) takeFailure(op string) error {
	if m.failures == 0 {
		return nil
	}
	m.failures--

	return &ChainError{Op: op, Err: fmt.Errorf("backend unavailable")}
}

// Broadcast adds tx to the mempool. A transaction spending an outpoint that
// is already spent by another transaction is rejected.
func (m *MockChain) Broadcast(_ context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("broadcast"); err != nil {
		return chainhash.Hash{}, err
	}

	txid := tx.TxHash()
	for _, txIn := range tx.TxIn {
		spender, ok := m.spent[txIn.PreviousOutPoint]
		switch {
		case !ok:
		case spender == txid:
			return txid, nil

		default:
			return chainhash.Hash{}, fmt.Errorf("%w: %v double "+
				"spends %v", ErrTxRejected, txid,
				txIn.PreviousOutPoint)
		}
	}

	for _, txIn := range tx.TxIn {
		m.spent[txIn.PreviousOutPoint] = txid
	}
	m.mempool = append(m.mempool, tx.Copy())

	return txid, nil
}

// CurrentHeight returns the height of the last mined block.
func (m *MockChain) CurrentHeight(_ context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("height"); err != nil {
		return 0, err
	}

	return uint32(len(m.blocks) - 1), nil
}

// Mempool returns the transactions waiting to be mined.
func (m *MockChain) Mempool() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := make([]*wire.MsgTx, len(m.mempool))
	copy(txs, m.mempool)

	return txs
}

// MineBlock mines the mempool into a new block and returns its height.
func (m *MockChain) MineBlock() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.blocks[len(m.blocks)-1]
	block := wire.NewMsgBlock(&wire.BlockHeader{
		PrevBlock: prev.BlockHash(),
		Timestamp: prev.Header.Timestamp.Add(10 * time.Minute),
	})
	for _, tx := range m.mempool {
		_ = block.AddTransaction(tx)
	}
	m.mempool = nil
	m.blocks = append(m.blocks, block)

	close(m.newBlock)
	m.newBlock = make(chan struct{})

	return uint32(len(m.blocks) - 1)
}

// MineBlocks mines n blocks and returns the new height.
func (m *MockChain) MineBlocks(n int) uint32 {
	var height uint32
	for i := 0; i < n; i++ {
		height = m.MineBlock()
	}

	return height
}

// Watch scans the in-memory chain for op. Every range over the sequence
// scans from heightHint again.
func (m *MockChain) Watch(ctx context.Context, op wire.OutPoint,
	pkScript []byte, heightHint uint32) iter.Seq[ChainEvent] {

	return func(yield func(ChainEvent) bool) {
		s := newOutpointScanner(op, pkScript)
		walk := walkChain(ctx, (*mockSource)(m), s, heightHint, nextHeight)
		for ev := range walk {
			if !yield(ev) {
				return
			}
		}
	}
}

// mockSource is the blockSource view of a MockChain.
type mockSource MockChain

func (m *mockSource) bestHeight(_ context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return uint32(len(m.blocks) - 1), nil
}

func (m *mockSource) blockAt(_ context.Context,
	height uint32) (*wire.MsgBlock, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if int(height) >= len(m.blocks) {
		return nil, fmt.Errorf("no block at height %d", height)
	}

	return m.blocks[height], nil
}

func (m *mockSource) waitForBlock(ctx context.Context, height uint32) error {
	m.mu.Lock()
	if int(height) < len(m.blocks)-1 {
		m.mu.Unlock()
		return nil
	}
	wait := m.newBlock
	m.mu.Unlock()

	select {
	case <-wait:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
