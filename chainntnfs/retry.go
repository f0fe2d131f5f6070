package chainntnfs

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the exponential backoff of a RetryingWatcher.
type RetryConfig struct {
	// InitialInterval is the first delay between attempts.
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration

	// MaxElapsedTime gives up after this much time. Zero retries until
	// the context is done.
	MaxElapsedTime time.Duration
}

// DefaultRetryConfig returns the backoff used by the daemon.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     time.Minute,
		MaxElapsedTime:  10 * time.Minute,
	}
}

// RetryingWatcher wraps a ChainWatcher and retries operations failing with
// a ChainError. Other errors are returned right away.
type RetryingWatcher struct {
	ChainWatcher

	cfg RetryConfig
}

var _ ChainWatcher = (*RetryingWatcher)(nil)

// NewRetryingWatcher wraps w.
func NewRetryingWatcher(w ChainWatcher, cfg RetryConfig) *RetryingWatcher {
	return &RetryingWatcher{
		ChainWatcher: w,
		cfg:          cfg,
	}
}

func (r *RetryingWatcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = r.cfg.MaxElapsedTime
	b.Reset()

	return backoff.WithContext(b, ctx)
}

// retry runs f until it succeeds, fails with an error that is not a
// ChainError, or the backoff gives up.
func (r *RetryingWatcher) retry(ctx context.Context, op string,
	f func() error) error {

	return backoff.RetryNotify(func() error {
		err := f()
		if err == nil || IsChainError(err) {
			return err
		}

		return backoff.Permanent(err)
	}, r.newBackOff(ctx), func(err error, wait time.Duration) {
		log.Warnf("Chain %s failed, retrying in %v: %v", op, wait, err)
	})
}

// Broadcast publishes tx, retrying transient failures.
func (r *RetryingWatcher) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	var txid chainhash.Hash
	err := r.retry(ctx, "broadcast", func() error {
		var err error
		txid, err = r.ChainWatcher.Broadcast(ctx, tx)
		return err
	})

	return txid, err
}

// CurrentHeight returns the tip height, retrying transient failures.
func (r *RetryingWatcher) CurrentHeight(ctx context.Context) (uint32, error) {
	var height uint32
	err := r.retry(ctx, "height", func() error {
		var err error
		height, err = r.ChainWatcher.CurrentHeight(ctx)
		return err
	})

	return height, err
}
