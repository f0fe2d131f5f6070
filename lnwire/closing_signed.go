package lnwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcutil"
)

// ClosingSigned is sent by both parties to a channel once the channel is clear
// of HTLCs, and is primarily concerned with fee negotiation. Both sides
// derive the same fee from the channel fee rate, so each party sends exactly
// one ClosingSigned carrying its partial signature for the closing
// transaction.
type ClosingSigned struct {
	// ChannelID serves to identify which channel is to be closed.
	ChannelID ChannelID

	// FeeSatoshis is the total fee in satoshis that the party to the
	// channel would like to propose for the close transaction.
	FeeSatoshis btcutil.Amount

	// PartialSig is the sender's MuSig2 partial signature for the
	// closing transaction. The nonce was exchanged in Shutdown.
	PartialSig PartialSig

	// ExtraData is the set of data that was appended to this message to
	// fill out the full maximum transport message size. These fields can
	// be used to specify optional data such as custom TLV fields.
	ExtraData ExtraOpaqueData
}

// NewClosingSigned creates a new empty ClosingSigned message.
func NewClosingSigned(cid ChannelID, fee btcutil.Amount,
	sig PartialSig) *ClosingSigned {

	return &ClosingSigned{
		ChannelID:   cid,
		FeeSatoshis: fee,
		PartialSig:  sig,
	}
}

// A compile time check to ensure ClosingSigned implements the lnwire.Message
// interface.
var _ Message = (*ClosingSigned)(nil)

// Decode deserializes a serialized ClosingSigned message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (c *ClosingSigned) Decode(r io.Reader, pver uint32) error {
	if err := ReadElements(r, &c.ChannelID, &c.FeeSatoshis); err != nil {
		return err
	}

	if err := c.PartialSig.Decode(r); err != nil {
		return err
	}

	return ReadElement(r, &c.ExtraData)
}

// Encode serializes the target ClosingSigned into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the lnwire.Message interface.
func (c *ClosingSigned) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WriteElements(w, c.ChannelID, c.FeeSatoshis); err != nil {
		return err
	}

	if err := c.PartialSig.Encode(w); err != nil {
		return err
	}

	return WriteElement(w, c.ExtraData)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (c *ClosingSigned) MsgType() MessageType {
	return MsgClosingSigned
}

// TargetChanID returns the channel id of the link for which this message is
// intended.
//
// NOTE: Part of the LinkUpdater interface.
func (c *ClosingSigned) TargetChanID() ChannelID {
	return c.ChannelID
}
