package chainntnfs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultPollInterval is how often the btcd watcher asks for a new tip.
const DefaultPollInterval = 5 * time.Second

// ChainClient is the subset of the btcd RPC client used by BtcdWatcher.
type ChainClient interface {
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
}

var _ ChainClient = (*rpcclient.Client)(nil)

// BtcdConnConfig holds the connection parameters of a btcd node.
type BtcdConnConfig struct {
	Host string
	User string
	Pass string

	// CertPath is the btcd RPC TLS certificate. TLS is disabled when it
	// is empty.
	CertPath string
}

// NewBtcdClient creates an HTTP POST mode RPC client. No notifications are
// registered: the watcher polls.
func NewBtcdClient(cfg BtcdConnConfig) (*rpcclient.Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.CertPath == "",
	}

	if cfg.CertPath != "" {
		cert, err := os.ReadFile(cfg.CertPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read rpc cert: %w",
				err)
		}
		connCfg.Certificates = cert
	}

	return rpcclient.New(connCfg, nil)
}

// BtcdConfig configures a BtcdWatcher.
type BtcdConfig struct {
	// Client is the RPC connection to btcd.
	Client ChainClient

	// HintCache, if set, records scan progress per watched outpoint.
	HintCache *HeightHintCache

	// PollInterval is the delay between tip queries while waiting for a
	// block.
	PollInterval time.Duration

	// NewTicker creates the poll ticker of a watch. Defaults to
	// ticker.New.
	NewTicker func(time.Duration) ticker.Ticker
}

// BtcdWatcher is a ChainWatcher polling a btcd node over RPC.
type BtcdWatcher struct {
	cfg BtcdConfig
}

var _ ChainWatcher = (*BtcdWatcher)(nil)

// NewBtcdWatcher creates a watcher over cfg.Client.
func NewBtcdWatcher(cfg BtcdConfig) *BtcdWatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}

	return &BtcdWatcher{cfg: cfg}
}

// Broadcast publishes tx through sendrawtransaction.
func (b *BtcdWatcher) Broadcast(_ context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	txid := tx.TxHash()

	_, err := b.cfg.Client.SendRawTransaction(tx, false)
	if err == nil {
		log.Infof("Broadcast transaction %v", txid)
		return txid, nil
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case btcjson.ErrRPCVerifyAlreadyInChain:
			return txid, nil

		case btcjson.ErrRPCVerify, btcjson.ErrRPCVerifyRejected,
			btcjson.ErrRPCDeserialization:

			return chainhash.Hash{}, fmt.Errorf("%w: %v: %v",
				ErrTxRejected, txid, rpcErr.Message)
		}
	}

	return chainhash.Hash{}, &ChainError{Op: "broadcast", Err: err}
}

// CurrentHeight returns the block count of the node.
func (b *BtcdWatcher) CurrentHeight(_ context.Context) (uint32, error) {
	count, err := b.cfg.Client.GetBlockCount()
	if err != nil {
		return 0, &ChainError{Op: "getblockcount", Err: err}
	}

	return uint32(count), nil
}

// Watch scans the chain for op, resuming from the hint cache when one is
// configured.
func (b *BtcdWatcher) Watch(ctx context.Context, op wire.OutPoint,
	pkScript []byte, heightHint uint32) iter.Seq[ChainEvent] {

	return func(yield func(ChainEvent) bool) {
		t := b.cfg.NewTicker(b.cfg.PollInterval)
		t.Resume()
		defer t.Stop()

		src := &btcdSource{client: b.cfg.Client, ticker: t}
		s := newOutpointScanner(op, pkScript)

		start := b.startHeight(op, heightHint)
		for ev := range walkChain(ctx, src, s, start, b.advance(s)) {
			if !yield(ev) {
				return
			}
		}
	}
}

// startHeight returns where a scan for op begins: the caller's hint or the
// confirm hint of the creating transaction, whichever is higher.
func (b *BtcdWatcher) startHeight(op wire.OutPoint, heightHint uint32) uint32 {
	if b.cfg.HintCache == nil {
		return heightHint
	}

	hint, err := b.cfg.HintCache.QueryConfirmHint(op.Hash)
	if err != nil {
		if !errors.Is(err, ErrConfirmHintNotFound) {
			log.Errorf("Unable to query confirm hint of %v: %v",
				op.Hash, err)
		}

		return heightHint
	}

	return max(heightHint, hint)
}

// advance records scan progress for s in the hint cache. Once the creating
// transaction is found, the scan jumps to the spend hint.
func (b *BtcdWatcher) advance(s *outpointScanner) func(uint32) uint32 {
	cache := b.cfg.HintCache
	if cache == nil {
		return nextHeight
	}

	var jumped bool

	return func(height uint32) uint32 {
		next := height + 1

		var err error
		switch {
		case s.spent():
			return next

		case s.confirmed():
			if !jumped && height == s.confHeight {
				jumped = true

				err = cache.CommitConfirmHint(height, s.op.Hash)
				if err != nil {
					break
				}

				hint, qErr := cache.QuerySpendHint(s.op)
				if qErr == nil && hint > next {
					log.Debugf("Resuming spend scan of %v "+
						"at height %d", s.op, hint)

					next = hint
				}
			}

			err = cache.CommitSpendHint(next, s.op)

		default:
			err = cache.CommitConfirmHint(next, s.op.Hash)
		}
		if err != nil {
			log.Errorf("Unable to update height hints of %v: %v",
				s.op, err)
		}

		return next
	}
}

// btcdSource adapts the RPC client to a blockSource.
type btcdSource struct {
	client ChainClient
	ticker ticker.Ticker
}

func (b *btcdSource) bestHeight(_ context.Context) (uint32, error) {
	count, err := b.client.GetBlockCount()
	if err != nil {
		return 0, &ChainError{Op: "getblockcount", Err: err}
	}

	return uint32(count), nil
}

func (b *btcdSource) blockAt(_ context.Context,
	height uint32) (*wire.MsgBlock, error) {

	hash, err := b.client.GetBlockHash(int64(height))
	if err != nil {
		return nil, &ChainError{Op: "getblockhash", Err: err}
	}

	block, err := b.client.GetBlock(hash)
	if err != nil {
		return nil, &ChainError{Op: "getblock", Err: err}
	}

	return block, nil
}

func (b *btcdSource) waitForBlock(ctx context.Context, _ uint32) error {
	select {
	case <-b.ticker.Ticks():
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
