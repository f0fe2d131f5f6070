package keychain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// BIP0043Purpose is the purpose of every key the node derives:
//
//	m/1017'/coinType'/keyFamily'/0/index
const BIP0043Purpose = 1017

var (
	// MaxKeyRangeScan bounds the scan for the index of a known public
	// key.
	MaxKeyRangeScan = 100000

	// ErrCannotDerivePrivKey is returned when a public key isn't found in
	// the scanned range of its family.
	ErrCannotDerivePrivKey = errors.New("unable to derive private key")
)

// KeyFamily is a hardened account of the derivation path. Each use of keys
// in channels gets its own family so every key can be found again from the
// seed.
type KeyFamily uint32

const (
	// KeyFamilyMultiSig keys lock the funding outputs.
	KeyFamilyMultiSig KeyFamily = 0

	// KeyFamilyRevocationBase keys are the revocation basepoints given to
	// the counterparty.
	KeyFamilyRevocationBase KeyFamily = 1

	// KeyFamilyHtlcBase keys are the basepoints of HTLC scripts.
	KeyFamilyHtlcBase KeyFamily = 2

	// KeyFamilyPaymentBase keys are the basepoints of outputs paying us
	// without delay.
	KeyFamilyPaymentBase KeyFamily = 3

	// KeyFamilyDelayBase keys are the basepoints of our CSV delayed
	// outputs.
	KeyFamilyDelayBase KeyFamily = 4

	// KeyFamilyRevocationRoot keys seed the per commitment secrets of a
	// channel.
	KeyFamilyRevocationRoot KeyFamily = 5

	// KeyFamilyNodeKey holds the identity key of the node. Peers
	// authenticate the transport against it.
	KeyFamilyNodeKey KeyFamily = 6

	// KeyFamilyWallet keys receive our on-chain funds: funding coins,
	// change and close outputs.
	KeyFamilyWallet KeyFamily = 7
)

// KeyFamilies lists every family in use.
var KeyFamilies = []KeyFamily{
	KeyFamilyMultiSig,
	KeyFamilyRevocationBase,
	KeyFamilyHtlcBase,
	KeyFamilyPaymentBase,
	KeyFamilyDelayBase,
	KeyFamilyRevocationRoot,
	KeyFamilyNodeKey,
	KeyFamilyWallet,
}

// String returns the name of the family.
func (f KeyFamily) String() string {
	switch f {
	case KeyFamilyMultiSig:
		return "multisig"
	case KeyFamilyRevocationBase:
		return "revocation-base"
	case KeyFamilyHtlcBase:
		return "htlc-base"
	case KeyFamilyPaymentBase:
		return "payment-base"
	case KeyFamilyDelayBase:
		return "delay-base"
	case KeyFamilyRevocationRoot:
		return "revocation-root"
	case KeyFamilyNodeKey:
		return "node"
	case KeyFamilyWallet:
		return "wallet"
	default:
		return fmt.Sprintf("family(%d)", uint32(f))
	}
}

// KeyLocator is the family and index of a derived key.
type KeyLocator struct {
	Family KeyFamily
	Index  uint32
}

// String returns the locator as family/index.
func (k KeyLocator) String() string {
	return fmt.Sprintf("%v/%d", k.Family, k.Index)
}

// KeyDescriptor identifies a key by its locator, its public key or both.
// Keys of the counterparty only carry the public key.
type KeyDescriptor struct {
	KeyLocator

	// PubKey may be nil if the locator is known.
	PubKey *btcec.PublicKey
}

// KeyRing derives public keys.
type KeyRing interface {
	// DeriveNextKey returns the next unused key of the family.
	DeriveNextKey(keyFam KeyFamily) (KeyDescriptor, error)

	// DeriveKey returns the key at the locator.
	DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error)
}

// SecretKeyRing is a KeyRing with access to the private keys.
type SecretKeyRing interface {
	KeyRing

	ECDHRing

	// DerivePrivKey returns the private key of the descriptor. A
	// descriptor with only a public key is looked up by scanning the
	// first MaxKeyRangeScan keys of its family.
	DerivePrivKey(keyDesc KeyDescriptor) (*btcec.PrivateKey, error)
}

// ECDHRing performs ECDH with keys of the ring.
type ECDHRing interface {
	// ECDH returns sha256 of the compressed point k*P, where k is the
	// private key of keyDesc and P is pubKey.
	ECDH(keyDesc KeyDescriptor, pubKey *btcec.PublicKey) ([32]byte, error)
}

// SingleKeyECDH performs ECDH with a single private key.
type SingleKeyECDH interface {
	// PubKey returns the public key of the wrapped private key.
	PubKey() *btcec.PublicKey

	// ECDH returns sha256 of the compressed point k*P.
	ECDH(pubKey *btcec.PublicKey) ([32]byte, error)
}
