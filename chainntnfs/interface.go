package chainntnfs

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// EventType distinguishes the two kinds of events reported for a watched
// outpoint.
type EventType uint8

const (
	// Confirmation reports the depth of the transaction that created the
	// watched outpoint.
	Confirmation EventType = iota

	// Spend reports the transaction that spent the watched outpoint and
	// its depth.
	Spend
)

// String returns a human readable name of the event type.
func (e EventType) String() string {
	switch e {
	case Confirmation:
		return "Confirmation"
	case Spend:
		return "Spend"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(e))
	}
}

// ChainEvent is a single observation about a watched outpoint. A new event
// is produced for every block that changes its depth.
type ChainEvent struct {
	// Type is the kind of the event.
	Type EventType

	// OutPoint is the watched outpoint.
	OutPoint wire.OutPoint

	// Tx is the creating transaction for a Confirmation event and the
	// spending transaction for a Spend event.
	Tx *wire.MsgTx

	// Height is the height of the block that included Tx.
	Height uint32

	// TxIndex is the position of Tx in its block. It is only set for
	// Confirmation events.
	TxIndex uint32

	// NumConfs is the number of blocks on top of and including the block
	// at Height.
	NumConfs uint32
}

// String returns a short description of the event.
func (c ChainEvent) String() string {
	return fmt.Sprintf("%v(%v, height=%d, confs=%d)", c.Type, c.OutPoint,
		c.Height, c.NumConfs)
}

// ChainWatcher is the node's view of the chain: it broadcasts transactions
// and reports confirmations and spends of outpoints.
type ChainWatcher interface {
	// Broadcast publishes tx and returns its txid. Transient failures are
	// returned as a *ChainError.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// Watch returns an unbounded sequence of events for op. Every range
	// over the sequence starts a fresh scan at heightHint. pkScript, if
	// set, must match the created output. The sequence ends when ctx is
	// done or the consumer stops ranging.
	Watch(ctx context.Context, op wire.OutPoint, pkScript []byte,
		heightHint uint32) iter.Seq[ChainEvent]

	// CurrentHeight returns the height of the best block.
	CurrentHeight(ctx context.Context) (uint32, error)
}

// ChainError wraps a failure of the chain backend. It is considered
// transient: the operation may be retried.
type ChainError struct {
	// Op names the failed operation.
	Op string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (c *ChainError) Error() string {
	return fmt.Sprintf("chain %s: %v", c.Op, c.Err)
}

// Unwrap returns the underlying error.
func (c *ChainError) Unwrap() error {
	return c.Err
}

// IsChainError returns true if err is or wraps a *ChainError.
func IsChainError(err error) bool {
	var chainErr *ChainError
	return errors.As(err, &chainErr)
}

// ErrTxRejected is returned when the backend refused a transaction for a
// reason retrying won't fix.
var ErrTxRejected = errors.New("transaction rejected")
