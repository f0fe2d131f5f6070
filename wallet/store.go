package wallet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	byteOrder = binary.BigEndian

	// walletBucket is the top level bucket of the wallet.
	walletBucket = []byte("wallet")

	// addrBucket maps the pkScript of each address to the key index of
	// its key.
	//
	// pkScript -> keyIndex
	addrBucket = []byte("addrs")

	// coinBucket holds the confirmed coins.
	//
	// outpoint -> value || height || keyIndex || pkScript
	coinBucket = []byte("coins")

	errNoWallet = errors.New("wallet bucket not found")
)

// coinHeaderLen is the length of a coin record without its pkScript.
const coinHeaderLen = 8 + 4 + 4

func initStore(db kvdb.Backend) error {
	return kvdb.Update(db, func(tx kvdb.RwTx) error {
		wallet, err := tx.CreateTopLevelBucket(walletBucket)
		if err != nil {
			return err
		}

		if _, err := wallet.CreateBucketIfNotExists(addrBucket); err != nil {
			return err
		}

		_, err = wallet.CreateBucketIfNotExists(coinBucket)

		return err
	}, func() {})
}

func outpointKey(op wire.OutPoint) []byte {
	var key [chainhash.HashSize + 4]byte
	copy(key[:], op.Hash[:])
	byteOrder.PutUint32(key[chainhash.HashSize:], op.Index)

	return key[:]
}

func outpointFromKey(key []byte) (wire.OutPoint, error) {
	var op wire.OutPoint
	if len(key) != chainhash.HashSize+4 {
		return op, fmt.Errorf("invalid outpoint key length %d",
			len(key))
	}

	copy(op.Hash[:], key[:chainhash.HashSize])
	op.Index = byteOrder.Uint32(key[chainhash.HashSize:])

	return op, nil
}

func putScript(db kvdb.Backend, script []byte, keyIndex uint32) error {
	return kvdb.Update(db, func(tx kvdb.RwTx) error {
		wallet := tx.ReadWriteBucket(walletBucket)
		if wallet == nil {
			return errNoWallet
		}

		var v [4]byte
		byteOrder.PutUint32(v[:], keyIndex)

		return wallet.NestedReadWriteBucket(addrBucket).Put(script, v[:])
	}, func() {})
}

func fetchScripts(db kvdb.Backend) (map[string]uint32, error) {
	var scripts map[string]uint32

	err := kvdb.View(db, func(tx kvdb.RTx) error {
		wallet := tx.ReadBucket(walletBucket)
		if wallet == nil {
			return errNoWallet
		}

		return wallet.NestedReadBucket(addrBucket).ForEach(
			func(k, v []byte) error {
				scripts[string(k)] = byteOrder.Uint32(v)
				return nil
			},
		)
	}, func() {
		scripts = make(map[string]uint32)
	})

	return scripts, err
}

func putCoin(db kvdb.Backend, c *Coin) error {
	return kvdb.Update(db, func(tx kvdb.RwTx) error {
		wallet := tx.ReadWriteBucket(walletBucket)
		if wallet == nil {
			return errNoWallet
		}

		v := make([]byte, coinHeaderLen+len(c.PkScript))
		byteOrder.PutUint64(v[0:8], uint64(c.Value))
		byteOrder.PutUint32(v[8:12], c.Height)
		byteOrder.PutUint32(v[12:16], c.KeyIndex)
		copy(v[coinHeaderLen:], c.PkScript)

		return wallet.NestedReadWriteBucket(coinBucket).Put(
			outpointKey(c.OutPoint), v,
		)
	}, func() {})
}

func deleteCoin(db kvdb.Backend, op wire.OutPoint) error {
	return kvdb.Update(db, func(tx kvdb.RwTx) error {
		wallet := tx.ReadWriteBucket(walletBucket)
		if wallet == nil {
			return errNoWallet
		}

		return wallet.NestedReadWriteBucket(coinBucket).Delete(
			outpointKey(op),
		)
	}, func() {})
}

func fetchCoins(db kvdb.Backend) ([]*Coin, error) {
	var coins []*Coin

	err := kvdb.View(db, func(tx kvdb.RTx) error {
		wallet := tx.ReadBucket(walletBucket)
		if wallet == nil {
			return errNoWallet
		}

		return wallet.NestedReadBucket(coinBucket).ForEach(
			func(k, v []byte) error {
				op, err := outpointFromKey(k)
				if err != nil {
					return err
				}

				if len(v) < coinHeaderLen {
					return fmt.Errorf("coin %v: invalid "+
						"record", op)
				}

				script := make([]byte, len(v)-coinHeaderLen)
				copy(script, v[coinHeaderLen:])

				coins = append(coins, &Coin{
					Coin: chanfunding.Coin{
						TxOut: wire.TxOut{
							Value: int64(
								byteOrder.Uint64(v[0:8]),
							),
							PkScript: script,
						},
						OutPoint: op,
					},
					Height:   byteOrder.Uint32(v[8:12]),
					KeyIndex: byteOrder.Uint32(v[12:16]),
				})

				return nil
			},
		)
	}, func() {
		coins = nil
	})

	return coins, err
}
