package lnwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChannelAnnouncement message is used to announce the existence of a channel
// between two peers in the overlay, which is propagated by the discovery
// service over broadcast handler.
type ChannelAnnouncement struct {
	// NodeSig1 and NodeSig2 are the Schnorr signatures of the two
	// endpoints over the double-SHA256 of the fields after them.
	NodeSig1 Sig
	NodeSig2 Sig

	// Features is the feature vector that encodes the features supported
	// by the target node. This field can be used to signal the type of the
	// channel, or modifications to the fields that would normally follow
	// this vector.
	Features *RawFeatureVector

	// ChainHash denotes the target chain that this channel was opened
	// within. This value should be the genesis hash of the target chain.
	ChainHash chainhash.Hash

	// ShortChannelID is the unique description of the funding
	// transaction, or where exactly it's located within the target
	// blockchain.
	ShortChannelID ShortChannelID

	// The public keys of the two nodes who are operating the channel, such
	// that is NodeID1 the numerically-lesser than NodeID2 (ascending
	// numerical order).
	NodeID1 [33]byte
	NodeID2 [33]byte

	// FundingPoint is the outpoint of the funding output. Spends of it
	// prune the channel from the graph.
	FundingPoint wire.OutPoint

	// Capacity is the total value locked in the channel.
	Capacity btcutil.Amount

	// ExtraOpaqueData is the set of data that was appended to this
	// message, some of which we may not actually know how to iterate or
	// parse. By holding onto this data, we ensure that we're able to
	// properly validate the set of signatures that cover these new fields,
	// and ensure we're able to make upgrades to the network in a forwards
	// compatible manner.
	ExtraOpaqueData ExtraOpaqueData
}

// A compile time check to ensure ChannelAnnouncement implements the
// lnwire.Message interface.
var _ Message = (*ChannelAnnouncement)(nil)

// Decode deserializes a serialized ChannelAnnouncement stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (a *ChannelAnnouncement) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&a.NodeSig1,
		&a.NodeSig2,
		&a.Features,
		&a.ChainHash,
		&a.ShortChannelID,
		&a.NodeID1,
		&a.NodeID2,
		&a.FundingPoint,
		&a.Capacity,
		&a.ExtraOpaqueData,
	)
}

// Encode serializes the target ChannelAnnouncement into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the lnwire.Message interface.
func (a *ChannelAnnouncement) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WriteElements(w, a.NodeSig1, a.NodeSig2); err != nil {
		return err
	}

	return a.encodeSigned(w)
}

func (a *ChannelAnnouncement) encodeSigned(w *bytes.Buffer) error {
	return WriteElements(w,
		a.Features,
		a.ChainHash,
		a.ShortChannelID,
		a.NodeID1,
		a.NodeID2,
		a.FundingPoint,
		a.Capacity,
		a.ExtraOpaqueData,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (a *ChannelAnnouncement) MsgType() MessageType {
	return MsgChannelAnnouncement
}

// DataToSign is used to retrieve part of the announcement message which should
// be signed.
func (a *ChannelAnnouncement) DataToSign() ([]byte, error) {
	var w bytes.Buffer
	if err := a.encodeSigned(&w); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}
