package chainntnfs

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var testPkScript = []byte{0x51, 0x20, 0x01, 0x02, 0x03}

// fundingTx creates a transaction paying to testPkScript from a made up
// input.
func fundingTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash: chainhash.Hash{seed}, Index: 1,
		},
	})
	tx.AddTxOut(wire.NewTxOut(100_000, testPkScript))

	return tx
}

// spendTx spends op to a fresh output.
func spendTx(op wire.OutPoint, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op})
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x00, 0x14}))

	return tx
}

// nextEvent pulls one event out of next or fails the test.
func nextEvent(t *testing.T, next func() (ChainEvent, bool)) ChainEvent {
	t.Helper()

	ev, ok := next()
	require.True(t, ok, "watch ended early")

	return ev
}
