package chainntnfs

import (
	"bytes"
	"context"
	"iter"

	"github.com/btcsuite/btcd/wire"
)

// blockSource is the part of a chain backend the outpoint scanner needs.
type blockSource interface {
	// bestHeight returns the height of the current tip.
	bestHeight(ctx context.Context) (uint32, error)

	// blockAt returns the block at height in the best chain.
	blockAt(ctx context.Context, height uint32) (*wire.MsgBlock, error)

	// waitForBlock blocks until a block above height may be available,
	// or ctx is done.
	waitForBlock(ctx context.Context, height uint32) error
}

// outpointScanner tracks the creation and spend of a single outpoint over a
// sequence of blocks.
type outpointScanner struct {
	op       wire.OutPoint
	pkScript []byte

	confHeight  uint32
	confTxIndex uint32
	confTx      *wire.MsgTx

	spendHeight uint32
	spendTx     *wire.MsgTx
}

func newOutpointScanner(op wire.OutPoint, pkScript []byte) *outpointScanner {
	return &outpointScanner{
		op:       op,
		pkScript: pkScript,
	}
}

// confirmed returns true once the creating transaction was found.
func (s *outpointScanner) confirmed() bool {
	return s.confTx != nil
}

// spent returns true once the spending transaction was found.
func (s *outpointScanner) spent() bool {
	return s.spendTx != nil
}

// scanBlock looks for the creating and spending transactions of the
// outpoint in block.
func (s *outpointScanner) scanBlock(block *wire.MsgBlock, height uint32) {
	for i, tx := range block.Transactions {
		if !s.confirmed() && tx.TxHash() == s.op.Hash &&
			s.matchesOutput(tx) {

			s.confHeight, s.confTx = height, tx
			s.confTxIndex = uint32(i)
		}

		if s.spent() {
			continue
		}

		for _, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == s.op {
				s.spendHeight, s.spendTx = height, tx
				break
			}
		}
	}
}

func (s *outpointScanner) matchesOutput(tx *wire.MsgTx) bool {
	if int(s.op.Index) >= len(tx.TxOut) {
		return false
	}
	if s.pkScript == nil {
		return true
	}

	return bytes.Equal(tx.TxOut[s.op.Index].PkScript, s.pkScript)
}

// event returns the event describing the outpoint after the block at
// height was scanned. A spend supersedes the confirmation.
func (s *outpointScanner) event(height uint32) (ChainEvent, bool) {
	switch {
	case s.spent():
		return ChainEvent{
			Type:     Spend,
			OutPoint: s.op,
			Tx:       s.spendTx,
			Height:   s.spendHeight,
			NumConfs: height - s.spendHeight + 1,
		}, true

	case s.confirmed():
		return ChainEvent{
			Type:     Confirmation,
			OutPoint: s.op,
			Tx:       s.confTx,
			Height:   s.confHeight,
			TxIndex:  s.confTxIndex,
			NumConfs: height - s.confHeight + 1,
		}, true

	default:
		return ChainEvent{}, false
	}
}

// walkChain scans the blocks of src for the outpoint tracked by s, starting
// at start. After each scanned block, advance is given the scanned height
// and returns the next height to scan. Backend failures are logged and the
// block is retried once the source signals a new block.
func walkChain(ctx context.Context, src blockSource, s *outpointScanner,
	start uint32, advance func(height uint32) uint32) iter.Seq[ChainEvent] {

	return func(yield func(ChainEvent) bool) {
		height := start
		for ctx.Err() == nil {
			best, err := src.bestHeight(ctx)
			if err != nil {
				log.Warnf("Unable to fetch best height while "+
					"watching %v: %v", s.op, err)

				if src.waitForBlock(ctx, height) != nil {
					return
				}
				continue
			}

			if height > best {
				if src.waitForBlock(ctx, best) != nil {
					return
				}
				continue
			}

			block, err := src.blockAt(ctx, height)
			if err != nil {
				log.Warnf("Unable to fetch block %d while "+
					"watching %v: %v", height, s.op, err)

				if src.waitForBlock(ctx, best) != nil {
					return
				}
				continue
			}

			s.scanBlock(block, height)

			if ev, ok := s.event(height); ok {
				log.Tracef("Outpoint %v: %v", s.op, ev)

				if !yield(ev) {
					return
				}
			}

			height = advance(height)
		}
	}
}

// nextHeight is the advance function that scans every block.
func nextHeight(height uint32) uint32 {
	return height + 1
}
