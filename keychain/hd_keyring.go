package keychain

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// CoinTypeBitcoin specifies the BIP44 coin type for Bitcoin key
	// derivation.
	CoinTypeBitcoin uint32 = 0

	// CoinTypeTestnet specifies the BIP44 coin type for all testnet key
	// derivation.
	CoinTypeTestnet = 1
)

// IndexReserver hands out the next unused key index of a family. It must
// never return the same index twice for a family, across restarts too.
type IndexReserver func(fam KeyFamily) (uint32, error)

// HDKeyRing is an implementation of both the KeyRing and SecretKeyRing
// interfaces backed by a BIP32 extended key. All keys are derived from the
// node seed under m/1017'/coinType'/keyFamily'/0/index, so every key the node
// ever used can be recovered from the seed.
type HDKeyRing struct {
	// scope is the extended key at m/1017'/coinType'.
	scope *hdkeychain.ExtendedKey

	reserve IndexReserver

	mu sync.Mutex

	// nextIndex is used by the in-memory reserver.
	nextIndex map[KeyFamily]uint32
}

// A compile time check to ensure HDKeyRing implements SecretKeyRing.
var _ SecretKeyRing = (*HDKeyRing)(nil)

// NewHDKeyRing creates a key ring from a seed. If reserve is nil, indexes are
// handed out from an in-memory counter starting at zero.
func NewHDKeyRing(seed []byte, net *chaincfg.Params, coinType uint32,
	reserve IndexReserver) (*HDKeyRing, error) {

	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("unable to create master key: %w", err)
	}

	purpose, err := master.Derive(
		hdkeychain.HardenedKeyStart + BIP0043Purpose,
	)
	if err != nil {
		return nil, err
	}

	scope, err := purpose.Derive(hdkeychain.HardenedKeyStart + coinType)
	if err != nil {
		return nil, err
	}

	ring := &HDKeyRing{
		scope:     scope,
		nextIndex: make(map[KeyFamily]uint32),
	}
	ring.reserve = reserve
	if ring.reserve == nil {
		ring.reserve = ring.memReserve
	}

	return ring, nil
}

func (h *HDKeyRing) memReserve(fam KeyFamily) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.nextIndex[fam]
	h.nextIndex[fam] = idx + 1

	return idx, nil
}

// deriveExtended returns the extended key at the given locator.
func (h *HDKeyRing) deriveExtended(loc KeyLocator) (*hdkeychain.ExtendedKey,
	error) {

	account, err := h.scope.Derive(
		hdkeychain.HardenedKeyStart + uint32(loc.Family),
	)
	if err != nil {
		return nil, err
	}

	branch, err := account.Derive(0)
	if err != nil {
		return nil, err
	}

	return branch.Derive(loc.Index)
}

// DeriveNextKey attempts to derive the *next* key within the key family
// (account in BIP43) specified.
//
// NOTE: This is part of the keychain.KeyRing interface.
func (h *HDKeyRing) DeriveNextKey(keyFam KeyFamily) (KeyDescriptor, error) {
	idx, err := h.reserve(keyFam)
	if err != nil {
		return KeyDescriptor{}, fmt.Errorf("unable to reserve key "+
			"index: %w", err)
	}

	return h.DeriveKey(KeyLocator{Family: keyFam, Index: idx})
}

// DeriveKey attempts to derive an arbitrary key specified by the passed
// KeyLocator.
//
// NOTE: This is part of the keychain.KeyRing interface.
func (h *HDKeyRing) DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error) {
	key, err := h.deriveExtended(keyLoc)
	if err != nil {
		return KeyDescriptor{}, err
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return KeyDescriptor{}, err
	}

	return KeyDescriptor{
		KeyLocator: keyLoc,
		PubKey:     pub,
	}, nil
}

// DerivePrivKey attempts to derive the private key that corresponds to the
// passed key descriptor. If the public key is set and does not match the
// locator, the first MaxKeyRangeScan keys of the family are scanned.
//
// NOTE: This is part of the keychain.SecretKeyRing interface.
func (h *HDKeyRing) DerivePrivKey(keyDesc KeyDescriptor) (*btcec.PrivateKey,
	error) {

	key, err := h.deriveExtended(keyDesc.KeyLocator)
	if err != nil {
		return nil, err
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	if keyDesc.PubKey == nil || priv.PubKey().IsEqual(keyDesc.PubKey) {
		return priv, nil
	}

	for i := 0; i < MaxKeyRangeScan; i++ {
		loc := KeyLocator{Family: keyDesc.Family, Index: uint32(i)}
		key, err := h.deriveExtended(loc)
		if err != nil {
			// Some indexes are invalid in BIP32, skip them.
			continue
		}

		priv, err := key.ECPrivKey()
		if err != nil {
			return nil, err
		}

		if priv.PubKey().IsEqual(keyDesc.PubKey) {
			return priv, nil
		}
	}

	return nil, ErrCannotDerivePrivKey
}

// ECDH performs a scalar multiplication (ECDH-like operation) between the
// target key descriptor and remote public key. The output returned will be
// the sha256 of the resulting shared point serialized in compressed format.
//
// NOTE: This is part of the keychain.ECDHRing interface.
func (h *HDKeyRing) ECDH(keyDesc KeyDescriptor,
	pub *btcec.PublicKey) ([32]byte, error) {

	priv, err := h.DerivePrivKey(keyDesc)
	if err != nil {
		return [32]byte{}, err
	}

	return (&PrivKeyECDH{PrivKey: priv}).ECDH(pub)
}

// SeedFromKey derives a deterministic seed from a raw node key. It is used
// when the operator supplies a node key instead of a seed.
func SeedFromKey(priv *btcec.PrivateKey) []byte {
	h := sha256.Sum256(append([]byte("hopd-seed"), priv.Serialize()...))
	return h[:]
}
