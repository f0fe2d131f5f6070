package lnwire

import (
	"bytes"
	"io"
)

// AnnounceSignatures is a direct message between the two endpoints of a
// channel and serves as an opt-in mechanism to allow the announcement of the
// channel to the rest of the network. It contains the node signature of the
// sender over the channel announcement.
type AnnounceSignatures struct {
	// ChannelID is the unique description of the funding transaction.
	ChannelID ChannelID

	// ShortChannelID is the unique description of the funding
	// transaction. It is constructed with the most significant 3 bytes as
	// the block height, the next 3 bytes indicating the transaction index
	// within the block, and the least significant two bytes indicating the
	// output index which pays to the channel.
	ShortChannelID ShortChannelID

	// NodeSignature is the signature of the sender over the signed fields
	// of the channel announcement.
	NodeSignature Sig

	// ExtraOpaqueData is the set of data that was appended to this
	// message, some of which we may not actually know how to iterate or
	// parse.
	ExtraOpaqueData ExtraOpaqueData
}

// A compile time check to ensure AnnounceSignatures implements the
// lnwire.Message interface.
var _ Message = (*AnnounceSignatures)(nil)

// Decode deserializes a serialized AnnounceSignatures stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (a *AnnounceSignatures) Decode(r io.Reader, _ uint32) error {
	return ReadElements(r,
		&a.ChannelID,
		&a.ShortChannelID,
		&a.NodeSignature,
		&a.ExtraOpaqueData,
	)
}

// Encode serializes the target AnnounceSignatures into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the lnwire.Message interface.
func (a *AnnounceSignatures) Encode(w *bytes.Buffer, _ uint32) error {
	return WriteElements(w,
		a.ChannelID,
		a.ShortChannelID,
		a.NodeSignature,
		a.ExtraOpaqueData,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (a *AnnounceSignatures) MsgType() MessageType {
	return MsgAnnounceSignatures
}

// TargetChanID returns the channel id of the link for which this message is
// intended.
//
// NOTE: Part of the LinkUpdater interface.
func (a *AnnounceSignatures) TargetChanID() ChannelID {
	return a.ChannelID
}
