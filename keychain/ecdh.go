package keychain

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NewPubKeyECDH wraps a key of the ring so it can be used wherever a single
// ECDH key is expected, without handing out the private key.
func NewPubKeyECDH(keyDesc KeyDescriptor, ecdh ECDHRing) *PubKeyECDH {
	return &PubKeyECDH{
		keyDesc: keyDesc,
		ecdh:    ecdh,
	}
}

// PubKeyECDH is a SingleKeyECDH backed by a key ring.
type PubKeyECDH struct {
	keyDesc KeyDescriptor
	ecdh    ECDHRing
}

// PubKey returns the public half of the wrapped key.
func (p *PubKeyECDH) PubKey() *btcec.PublicKey {
	return p.keyDesc.PubKey
}

// ECDH returns sha256(k*P) where k is the wrapped ring key.
func (p *PubKeyECDH) ECDH(pubKey *btcec.PublicKey) ([32]byte, error) {
	return p.ecdh.ECDH(p.keyDesc, pubKey)
}

// PrivKeyECDH is a SingleKeyECDH over a private key held in memory. Onion
// and transport ephemeral keys use it, as does the node identity key.
type PrivKeyECDH struct {
	// PrivKey is the private key that is used for the ECDH operation.
	PrivKey *btcec.PrivateKey
}

// PubKey returns the public key of the private key.
func (p *PrivKeyECDH) PubKey() *btcec.PublicKey {
	return p.PrivKey.PubKey()
}

// ECDH performs a scalar multiplication between the private key and a remote
// public key and hashes the compressed result:
//
//	sx := k*P
//	s := sha256(sx.SerializeCompressed())
func (p *PrivKeyECDH) ECDH(pub *btcec.PublicKey) ([32]byte, error) {
	return ecdhPrivKey(p.PrivKey, pub), nil
}

func ecdhPrivKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) [32]byte {
	var (
		pubJacobian btcec.JacobianPoint
		s           btcec.JacobianPoint
	)
	pub.AsJacobian(&pubJacobian)

	btcec.ScalarMultNonConst(&priv.Key, &pubJacobian, &s)
	s.ToAffine()
	sPubKey := btcec.NewPublicKey(&s.X, &s.Y)

	return sha256.Sum256(sPubKey.SerializeCompressed())
}

// NodeKey is the node identity key. Besides ECDH for the transport and the
// onion it signs gossip with BIP-340 Schnorr and invoices with compact
// recoverable ECDSA.
type NodeKey struct {
	PrivKeyECDH
}

// NewNodeKey wraps the node's identity private key.
func NewNodeKey(priv *btcec.PrivateKey) *NodeKey {
	return &NodeKey{PrivKeyECDH{PrivKey: priv}}
}

// SignDigest signs a 32-byte digest with a Schnorr signature.
func (n *NodeKey) SignDigest(digest []byte) (*schnorr.Signature, error) {
	return schnorr.Sign(n.PrivKey, digest)
}

// SignMessageCompact hashes msg with a single SHA-256 (or two if doubleHash
// is set) and returns the 65-byte compact signature from which the public
// key can be recovered.
func (n *NodeKey) SignMessageCompact(msg []byte,
	doubleHash bool) ([]byte, error) {

	var digest []byte
	if doubleHash {
		digest = chainhash.DoubleHashB(msg)
	} else {
		digest = chainhash.HashB(msg)
	}

	return ecdsa.SignCompact(n.PrivKey, digest, true), nil
}

var _ SingleKeyECDH = (*PubKeyECDH)(nil)
var _ SingleKeyECDH = (*PrivKeyECDH)(nil)
var _ SingleKeyECDH = (*NodeKey)(nil)
