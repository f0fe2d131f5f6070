package hopd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/signer"
	"github.com/hopline/hopd/sphinx"
	"github.com/lightningnetwork/lnd/clock"
)

// seedLen is the length of the seed the key ring is derived from.
const seedLen = 32

// NodeContext bundles the dependencies every component of the node is built
// from.
type NodeContext struct {
	// IdentityKey is the long-term key of the node. It authenticates our
	// sessions and signs our announcements and invoices.
	IdentityKey *keychain.NodeKey

	// KeyRing derives every other key of the node.
	KeyRing *keychain.HDKeyRing

	NetParams BitcoinNetParams

	Clock clock.Clock

	DB *channeldb.DB

	Chain chainntnfs.ChainWatcher

	Signers *signer.Factory

	OnionRouter *sphinx.Router

	Policy lnwallet.ChannelPolicy

	FeeEstimator chainfee.Estimator
}

// newNodeContext derives the node keys and builds the shared services over
// the store and the chain.
func newNodeContext(cfg *Config, db *channeldb.DB,
	chain chainntnfs.ChainWatcher) (*NodeContext, error) {

	keyRing, nodePriv, err := loadKeys(cfg, db)
	if err != nil {
		return nil, err
	}
	nodeKey := keychain.NewNodeKey(nodePriv)

	replayLog, err := sphinx.NewMemoryReplayLog(sphinx.DefaultReplayLogSize)
	if err != nil {
		return nil, err
	}

	return &NodeContext{
		IdentityKey:  nodeKey,
		KeyRing:      keyRing,
		NetParams:    cfg.ActiveNetParams,
		Clock:        clock.NewDefaultClock(),
		DB:           db,
		Chain:        chain,
		Signers:      signer.NewFactory(keyRing),
		OnionRouter:  sphinx.NewRouter(nodeKey, replayLog),
		Policy:       cfg.Channel.Policy(),
		FeeEstimator: cfg.Channel.FeeEstimator(),
	}, nil
}

// loadKeys returns the key ring and the identity key of the node. A node key
// given in the config is the identity and seeds the key ring. Otherwise the
// seed is read from the data directory, or created on first start, and the
// identity is the first key of the node key family.
func loadKeys(cfg *Config, db *channeldb.DB) (*keychain.HDKeyRing,
	*btcec.PrivateKey, error) {

	reserve := func(fam keychain.KeyFamily) (uint32, error) {
		return db.NextKeyIndex(uint32(fam))
	}

	params := cfg.ActiveNetParams
	if cfg.NodeKey != "" {
		keyBytes, err := hex.DecodeString(cfg.NodeKey)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid node key: %w", err)
		}
		nodePriv, _ := btcec.PrivKeyFromBytes(keyBytes)

		keyRing, err := keychain.NewHDKeyRing(
			keychain.SeedFromKey(nodePriv), params.Params,
			params.CoinType, reserve,
		)
		if err != nil {
			return nil, nil, err
		}

		return keyRing, nodePriv, nil
	}

	seed, err := loadSeed(cfg.seedPath())
	if err != nil {
		return nil, nil, err
	}

	keyRing, err := keychain.NewHDKeyRing(
		seed, params.Params, params.CoinType, reserve,
	)
	if err != nil {
		return nil, nil, err
	}

	desc, err := keyRing.DeriveKey(keychain.KeyLocator{
		Family: keychain.KeyFamilyNodeKey,
	})
	if err != nil {
		return nil, nil, err
	}
	nodePriv, err := keyRing.DerivePrivKey(desc)
	if err != nil {
		return nil, nil, err
	}

	return keyRing, nodePriv, nil
}

// loadSeed reads the seed file at path, creating it with a random seed if it
// doesn't exist.
func loadSeed(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(seed) != seedLen {
			return nil, fmt.Errorf("seed file %v has %d bytes, "+
				"expected %d", path, len(seed), seedLen)
		}

		return seed, nil

	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	seed = make([]byte, seedLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("unable to store seed: %w", err)
	}

	hopdLog.Infof("Created new node seed at %v", path)

	return seed, nil
}
