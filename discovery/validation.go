package discovery

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-errors/errors"
	"github.com/hopline/hopd/lnwire"
)

// ValidateChannelAnn checks that both node signatures of the channel
// announcement cover its signed fields.
func ValidateChannelAnn(a *lnwire.ChannelAnnouncement) error {
	if a.NodeID1 == a.NodeID2 {
		return errors.New("channel announcement names the same node " +
			"twice")
	}

	digest, err := lnwire.AnnouncementDigest(a)
	if err != nil {
		return errors.Errorf("can't retrieve data to sign: %v", err)
	}

	pub1, err := btcec.ParsePubKey(a.NodeID1[:])
	if err != nil {
		return errors.Errorf("invalid first node key: %v", err)
	}
	pub2, err := btcec.ParsePubKey(a.NodeID2[:])
	if err != nil {
		return errors.Errorf("invalid second node key: %v", err)
	}

	if err := a.NodeSig1.Verify(digest, pub1); err != nil {
		return errors.Errorf("can't verify first node signature of "+
			"chan_id=%v: %v", a.ShortChannelID, err)
	}
	if err := a.NodeSig2.Verify(digest, pub2); err != nil {
		return errors.Errorf("can't verify second node signature of "+
			"chan_id=%v: %v", a.ShortChannelID, err)
	}

	return nil
}

// ValidateNodeAnn validates the node announcement by checking that the
// signature corresponds to the node key and covers the announcement data.
func ValidateNodeAnn(a *lnwire.NodeAnnouncement) error {
	digest, err := lnwire.AnnouncementDigest(a)
	if err != nil {
		return errors.Errorf("can't retrieve data to sign: %v", err)
	}

	pub, err := btcec.ParsePubKey(a.NodeID[:])
	if err != nil {
		return errors.Errorf("invalid node key: %v", err)
	}

	if err := a.Signature.Verify(digest, pub); err != nil {
		return errors.Errorf("can't check the node announcement "+
			"signature of %x: %v", a.NodeID, err)
	}

	return nil
}

// ValidateChannelUpdateAnn validates the channel update announcement by
// checking that the signature corresponds to the key of the node that
// created it.
func ValidateChannelUpdateAnn(pubKey [33]byte,
	a *lnwire.ChannelUpdate) error {

	digest, err := lnwire.AnnouncementDigest(a)
	if err != nil {
		return errors.Errorf("can't retrieve data to sign: %v", err)
	}

	pub, err := btcec.ParsePubKey(pubKey[:])
	if err != nil {
		return errors.Errorf("invalid node key: %v", err)
	}

	if err := a.Signature.Verify(digest, pub); err != nil {
		return errors.Errorf("verification of channel updates "+
			"failed chan_id=%v: %v", a.ShortChannelID, err)
	}

	return nil
}

// hasProof returns true if the channel announcement carries both node
// signatures. Announcements of private channels don't.
func hasProof(a *lnwire.ChannelAnnouncement) bool {
	var zero lnwire.Sig
	return a.NodeSig1 != zero && a.NodeSig2 != zero
}
