package discovery

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/hopline/hopd/lnwire"
)

// MessageSigner signs gossip digests with the node identity key.
// keychain.NodeKey implements it.
type MessageSigner interface {
	// SignDigest returns a Schnorr signature over the 32-byte digest.
	SignDigest(digest []byte) (*schnorr.Signature, error)

	// PubKey is the key signatures verify against.
	PubKey() *btcec.PublicKey
}

// SignAnnouncement signs the announcement's signed fields.
func SignAnnouncement(signer MessageSigner,
	msg lnwire.Announcement) (lnwire.Sig, error) {

	digest, err := lnwire.AnnouncementDigest(msg)
	if err != nil {
		return lnwire.Sig{}, fmt.Errorf("unable to get data to sign: %w",
			err)
	}

	sig, err := signer.SignDigest(digest)
	if err != nil {
		return lnwire.Sig{}, err
	}

	return lnwire.NewSigFromSchnorr(sig), nil
}

// SignNodeAnnouncement sets the signature of our own node announcement.
func SignNodeAnnouncement(signer MessageSigner,
	ann *lnwire.NodeAnnouncement) error {

	sig, err := SignAnnouncement(signer, ann)
	if err != nil {
		return err
	}
	ann.Signature = sig

	return nil
}

// SignChannelUpdate sets the signature of one of our channel updates.
func SignChannelUpdate(signer MessageSigner, upd *lnwire.ChannelUpdate) error {
	sig, err := SignAnnouncement(signer, upd)
	if err != nil {
		return err
	}
	upd.Signature = sig

	return nil
}
