package wallet

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/stretchr/testify/require"
)

const timeout = 5 * time.Second

type walletHarness struct {
	db    *channeldb.DB
	ring  *keychain.HDKeyRing
	chain *chainntnfs.MockChain
	w     *Wallet
}

func newWalletHarness(t *testing.T) *walletHarness {
	t.Helper()

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	ring, err := keychain.NewHDKeyRing(
		bytes.Repeat([]byte{7}, 32), &chaincfg.RegressionNetParams,
		keychain.CoinTypeTestnet, func(f keychain.KeyFamily) (uint32,
			error) {

			return db.NextKeyIndex(uint32(f))
		},
	)
	require.NoError(t, err)

	h := &walletHarness{
		db:    db,
		ring:  ring,
		chain: chainntnfs.NewMockChain(),
	}
	h.w = h.open(t)
	require.NoError(t, h.w.Start())
	t.Cleanup(h.w.Stop)

	return h
}

func (h *walletHarness) open(t *testing.T) *Wallet {
	t.Helper()

	w, err := New(Config{
		DB:        h.db,
		KeyRing:   h.ring,
		Chain:     h.chain,
		NetParams: &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)

	return w
}

func foreignScript(t *testing.T) []byte {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	script, err := pkScript(priv.PubKey())
	require.NoError(t, err)

	return script
}

// deposit mines a transaction paying value to script and a second output
// to a foreign script.
func (h *walletHarness) deposit(t *testing.T, script []byte,
	value int64) *wire.MsgTx {

	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: [32]byte{byte(value)}},
	})
	tx.AddTxOut(wire.NewTxOut(value, script))
	tx.AddTxOut(wire.NewTxOut(value, foreignScript(t)))

	_, err := h.chain.Broadcast(context.Background(), tx)
	require.NoError(t, err)
	h.chain.MineBlock()

	return tx
}

// TestWalletCoins checks coins paying to our addresses are added, listed by
// depth and kept across restarts, and foreign outputs are refused.
func TestWalletCoins(t *testing.T) {
	t.Parallel()

	h := newWalletHarness(t)

	addr, err := h.w.NewAddress()
	require.NoError(t, err)
	require.True(t, addr.IsForNet(&chaincfg.RegressionNetParams))

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	tx := h.deposit(t, script, 100_000)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	op := wire.OutPoint{Hash: tx.TxHash(), Index: 0}
	coin, err := h.w.AddCoin(ctx, op, 0)
	require.NoError(t, err)
	require.EqualValues(t, 100_000, coin.Value)
	require.EqualValues(t, 1, coin.Height)

	// Adding it twice is a no-op.
	again, err := h.w.AddCoin(ctx, op, 0)
	require.NoError(t, err)
	require.Equal(t, coin, again)

	_, err = h.w.AddCoin(ctx, wire.OutPoint{Hash: tx.TxHash(), Index: 1}, 0)
	require.ErrorIs(t, err, ErrUnknownScript)

	coins, err := h.w.ListCoins(1, math.MaxInt32)
	require.NoError(t, err)
	require.Len(t, coins, 1)

	coins, err = h.w.ListCoins(2, math.MaxInt32)
	require.NoError(t, err)
	require.Empty(t, coins)

	h.chain.MineBlock()
	coins, err = h.w.ListCoins(2, math.MaxInt32)
	require.NoError(t, err)
	require.Len(t, coins, 1)

	h.w.LockOutpoint(op)
	coins, err = h.w.ListCoins(1, math.MaxInt32)
	require.NoError(t, err)
	require.Empty(t, coins)
	require.Zero(t, h.w.Balance())

	h.w.UnlockOutpoint(op)
	require.Equal(t, btcutil.Amount(100_000), h.w.Balance())

	// A second instance over the same store knows the coin.
	reopened := h.open(t)
	require.Len(t, reopened.Coins(), 1)
	require.Equal(t, coin.KeyIndex, reopened.Coins()[0].KeyIndex)
}

// TestWalletSignInputs checks our coins are spent with valid taproot key
// spend signatures and removed once the spend confirms.
func TestWalletSignInputs(t *testing.T) {
	t.Parallel()

	h := newWalletHarness(t)

	// Skip a key so the coin isn't at index zero.
	_, err := h.w.NewScript()
	require.NoError(t, err)
	script, err := h.w.NewScript()
	require.NoError(t, err)

	deposit := h.deposit(t, script, 50_000)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	op := wire.OutPoint{Hash: deposit.TxHash(), Index: 0}
	coin, err := h.w.AddCoin(ctx, op, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, coin.KeyIndex)

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(&wire.TxIn{PreviousOutPoint: op})
	spend.AddTxOut(wire.NewTxOut(40_000, foreignScript(t)))

	coins, err := h.w.ListCoins(1, math.MaxInt32)
	require.NoError(t, err)
	require.NoError(t, h.w.SignInputs(spend, coins))

	fetcher := txscript.NewCannedPrevOutputFetcher(
		coin.PkScript, coin.Value,
	)
	vm, err := txscript.NewEngine(
		coin.PkScript, spend, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(spend, fetcher), coin.Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())

	_, err = h.chain.Broadcast(ctx, spend)
	require.NoError(t, err)
	h.chain.MineBlock()

	require.Eventually(t, func() bool {
		return len(h.w.Coins()) == 0
	}, timeout, 10*time.Millisecond)

	// The spent coin is gone from the store too.
	require.Empty(t, h.open(t).Coins())
}

// TestWalletScripts checks every script is fresh and delivery scripts pay
// to the wallet.
func TestWalletScripts(t *testing.T) {
	t.Parallel()

	h := newWalletHarness(t)

	first, err := h.w.NewScript()
	require.NoError(t, err)
	second, err := h.w.DeliveryScript()
	require.NoError(t, err)

	require.NotEqual(t, first, []byte(second))
	require.True(t, txscript.IsPayToTaproot(first))
	require.True(t, txscript.IsPayToTaproot(second))
}

