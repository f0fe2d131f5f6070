package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// ErrUnknownScript is returned when a coin doesn't pay to one of our
	// addresses.
	ErrUnknownScript = errors.New("output doesn't pay to the wallet")

	// ErrCoinSpent is returned when a coin added to the wallet was
	// already spent.
	ErrCoinSpent = errors.New("coin already spent")

	// ErrNoOutput is returned when the transaction of an added coin has
	// no output at the given index.
	ErrNoOutput = errors.New("no such output")
)

// Config holds the dependencies of the wallet.
type Config struct {
	// DB persists addresses and coins.
	DB kvdb.Backend

	// KeyRing derives the keys of the KeyFamilyWallet family.
	KeyRing keychain.SecretKeyRing

	// Chain confirms added coins and reports their spends.
	Chain chainntnfs.ChainWatcher

	NetParams *chaincfg.Params
}

// Coin is a confirmed output owned by the wallet.
type Coin struct {
	chanfunding.Coin

	// Height is the height of the block that confirmed the coin.
	Height uint32

	// KeyIndex locates the key of the coin in KeyFamilyWallet.
	KeyIndex uint32
}

// Wallet keeps the on-chain funds of the node. Funds are paid to taproot
// key spend outputs of keys of the KeyFamilyWallet family and become coins
// once the operator adds the outpoint and the chain confirms it. Spent
// coins are removed when their spend confirms.
//
// Wallet is the coin source, the coin locker and the input signer of the
// funding assembler.
type Wallet struct {
	cfg Config

	mu sync.Mutex

	// scripts maps the pkScript of every address to its key index.
	scripts map[string]uint32

	coins  map[wire.OutPoint]*Coin
	locked map[wire.OutPoint]struct{}

	bestHeight atomic.Uint32

	started sync.Once
	stopped sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ chanfunding.CoinSource     = (*Wallet)(nil)
	_ chanfunding.OutpointLocker = (*Wallet)(nil)
	_ chanfunding.InputSigner    = (*Wallet)(nil)
)

// New opens the wallet over cfg.DB and loads its addresses and coins.
func New(cfg Config) (*Wallet, error) {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Wallet{
		cfg:     cfg,
		scripts: make(map[string]uint32),
		coins:   make(map[wire.OutPoint]*Coin),
		locked:  make(map[wire.OutPoint]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := initStore(cfg.DB); err != nil {
		cancel()
		return nil, err
	}

	scripts, err := fetchScripts(cfg.DB)
	if err != nil {
		cancel()
		return nil, err
	}
	w.scripts = scripts

	coins, err := fetchCoins(cfg.DB)
	if err != nil {
		cancel()
		return nil, err
	}
	for _, c := range coins {
		w.coins[c.OutPoint] = c
	}

	return w, nil
}

// Start watches the spends of the stored coins.
func (w *Wallet) Start() error {
	w.started.Do(func() {
		log.Infof("Wallet starting with %d coins", len(w.coins))

		if height, err := w.cfg.Chain.CurrentHeight(w.ctx); err == nil {
			w.bestHeight.Store(height)
		}

		w.mu.Lock()
		for _, c := range w.coins {
			w.watchSpend(c)
		}
		w.mu.Unlock()
	})

	return nil
}

// Stop stops watching the coins.
func (w *Wallet) Stop() {
	w.stopped.Do(func() {
		log.Info("Wallet shutting down...")

		w.cancel()
		w.wg.Wait()
	})
}

// pkScript returns the taproot key spend script of pub.
func pkScript(pub *btcec.PublicKey) ([]byte, error) {
	return txscript.PayToTaprootScript(
		txscript.ComputeTaprootKeyNoScript(pub),
	)
}

// NewAddress derives a fresh key and returns its address.
func (w *Wallet) NewAddress() (*btcutil.AddressTaproot, error) {
	keyDesc, err := w.cfg.KeyRing.DeriveNextKey(keychain.KeyFamilyWallet)
	if err != nil {
		return nil, err
	}

	script, err := pkScript(keyDesc.PubKey)
	if err != nil {
		return nil, err
	}

	if err := putScript(w.cfg.DB, script, keyDesc.Index); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.scripts[string(script)] = keyDesc.Index
	w.mu.Unlock()

	outputKey := txscript.ComputeTaprootKeyNoScript(keyDesc.PubKey)

	return btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), w.cfg.NetParams,
	)
}

// NewScript returns the pkScript of a fresh address. It serves the change,
// sweep and delivery scripts.
func (w *Wallet) NewScript() ([]byte, error) {
	addr, err := w.NewAddress()
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// DeliveryScript returns a fresh script for cooperative close outputs.
func (w *Wallet) DeliveryScript() (lnwire.DeliveryAddress, error) {
	script, err := w.NewScript()
	if err != nil {
		return nil, err
	}

	return lnwire.DeliveryAddress(script), nil
}

// AddCoin waits for the transaction creating op to confirm and adds the
// output as a coin. The output must pay to one of our addresses.
func (w *Wallet) AddCoin(ctx context.Context, op wire.OutPoint,
	heightHint uint32) (*Coin, error) {

	w.mu.Lock()
	if c, ok := w.coins[op]; ok {
		w.mu.Unlock()
		return c, nil
	}
	w.mu.Unlock()

	for ev := range w.cfg.Chain.Watch(ctx, op, nil, heightHint) {
		if ev.Type == chainntnfs.Spend {
			return nil, fmt.Errorf("%w: %v", ErrCoinSpent, op)
		}

		if int(op.Index) >= len(ev.Tx.TxOut) {
			return nil, fmt.Errorf("%w: %v", ErrNoOutput, op)
		}
		txOut := ev.Tx.TxOut[op.Index]

		w.mu.Lock()
		keyIndex, ok := w.scripts[string(txOut.PkScript)]
		w.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownScript, op)
		}

		c := &Coin{
			Coin: chanfunding.Coin{
				TxOut:    *txOut,
				OutPoint: op,
			},
			Height:   ev.Height,
			KeyIndex: keyIndex,
		}
		if err := putCoin(w.cfg.DB, c); err != nil {
			return nil, err
		}

		w.mu.Lock()
		w.coins[op] = c
		w.watchSpend(c)
		w.mu.Unlock()

		log.Infof("Added coin %v of %v", op,
			btcutil.Amount(txOut.Value))

		return c, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return nil, fmt.Errorf("watch of %v ended", op)
}

// watchSpend removes c once its spend confirmed.
//
// NOTE: w.mu must be held.
func (w *Wallet) watchSpend(c *Coin) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		events := w.cfg.Chain.Watch(w.ctx, c.OutPoint, c.PkScript, c.Height)
		for ev := range events {
			if ev.Type != chainntnfs.Spend {
				w.updateHeight(ev.Height + ev.NumConfs - 1)
				continue
			}

			if err := deleteCoin(w.cfg.DB, c.OutPoint); err != nil {
				log.Errorf("Unable to remove spent coin %v: %v",
					c.OutPoint, err)

				return
			}

			w.mu.Lock()
			delete(w.coins, c.OutPoint)
			delete(w.locked, c.OutPoint)
			w.mu.Unlock()

			log.Infof("Coin %v spent by %v", c.OutPoint,
				ev.Tx.TxHash())

			return
		}
	}()
}

func (w *Wallet) updateHeight(height uint32) {
	for {
		cur := w.bestHeight.Load()
		if height <= cur || w.bestHeight.CompareAndSwap(cur, height) {
			return
		}
	}
}

// Coins returns all coins, locked ones included.
func (w *Wallet) Coins() []*Coin {
	w.mu.Lock()
	defer w.mu.Unlock()

	coins := make([]*Coin, 0, len(w.coins))
	for _, c := range w.coins {
		coins = append(coins, c)
	}

	return coins
}

// Balance returns the value of all unlocked coins.
func (w *Wallet) Balance() btcutil.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total btcutil.Amount
	for op, c := range w.coins {
		if _, ok := w.locked[op]; ok {
			continue
		}
		total += btcutil.Amount(c.Value)
	}

	return total
}

// ListCoins returns the unlocked coins with between minConfs and maxConfs
// confirmations.
//
// NOTE: This is part of the chanfunding.CoinSource interface.
func (w *Wallet) ListCoins(minConfs, maxConfs int32) ([]chanfunding.Coin,
	error) {

	if height, err := w.cfg.Chain.CurrentHeight(w.ctx); err == nil {
		w.updateHeight(height)
	}
	best := int64(w.bestHeight.Load())

	w.mu.Lock()
	defer w.mu.Unlock()

	var coins []chanfunding.Coin
	for op, c := range w.coins {
		if _, ok := w.locked[op]; ok {
			continue
		}

		confs := best - int64(c.Height) + 1
		if confs < int64(minConfs) || confs > int64(maxConfs) {
			continue
		}

		coins = append(coins, c.Coin)
	}

	return coins, nil
}

// LockOutpoint excludes op from coin selection.
//
// NOTE: This is part of the chanfunding.OutpointLocker interface.
func (w *Wallet) LockOutpoint(o wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.locked[o] = struct{}{}
}

// UnlockOutpoint makes op available to coin selection again.
//
// NOTE: This is part of the chanfunding.OutpointLocker interface.
func (w *Wallet) UnlockOutpoint(o wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.locked, o)
}

// SignInputs signs every input of tx that spends one of coins with a
// taproot key spend signature.
//
// NOTE: This is part of the chanfunding.InputSigner interface.
func (w *Wallet) SignInputs(tx *wire.MsgTx, coins []chanfunding.Coin) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i := range coins {
		fetcher.AddPrevOut(coins[i].OutPoint, &coins[i].TxOut)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, txIn := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if prevOut == nil {
			continue
		}

		w.mu.Lock()
		keyIndex, ok := w.scripts[string(prevOut.PkScript)]
		w.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %v", ErrUnknownScript,
				txIn.PreviousOutPoint)
		}

		priv, err := w.cfg.KeyRing.DerivePrivKey(keychain.KeyDescriptor{
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyWallet,
				Index:  keyIndex,
			},
		})
		if err != nil {
			return err
		}

		sig, err := txscript.RawTxInTaprootSignature(
			tx, sigHashes, i, prevOut.Value, prevOut.PkScript,
			[]byte{}, txscript.SigHashDefault, priv,
		)
		if err != nil {
			return err
		}

		tx.TxIn[i].Witness = wire.TxWitness{sig}
	}

	return nil
}
