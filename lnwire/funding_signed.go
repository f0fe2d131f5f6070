package lnwire

import (
	"bytes"
	"io"
)

// FundingSigned is sent from Bob (the responder) to Alice (the initiator)
// after receiving the funding outpoint and her signature for Bob's version of
// the commitment transaction.
type FundingSigned struct {
	// ChanID is the final channel ID that will be used to reference this
	// channel. This ID will be derived from the funding outpoint.
	ChanID ChannelID

	// PartialSig is Bob's partial signature for Alice's version of the
	// commitment transaction.
	PartialSig PartialSigWithNonce

	// NextNonceCommit commits to the nonce Bob will use to sign Alice's
	// next commitment.
	NextNonceCommit NonceCommitment

	// ExtraData is the set of data that was appended to this message to
	// fill out the full maximum transport message size. These fields can
	// be used to specify optional data such as custom TLV fields.
	ExtraData ExtraOpaqueData
}

// A compile time check to ensure FundingSigned implements the lnwire.Message
// interface.
var _ Message = (*FundingSigned)(nil)

// Encode serializes the target FundingSigned into the passed io.Writer
// implementation. Serialization will observe the rules defined by the passed
// protocol version.
//
// This is part of the lnwire.Message interface.
func (f *FundingSigned) Encode(w *bytes.Buffer, pver uint32) error {
	return WriteElements(w,
		f.ChanID,
		f.PartialSig,
		f.NextNonceCommit,
		f.ExtraData,
	)
}

// Decode deserializes the serialized FundingSigned stored in the passed
// io.Reader into the target FundingSigned using the deserialization rules
// defined by the passed protocol version.
//
// This is part of the lnwire.Message interface.
func (f *FundingSigned) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&f.ChanID,
		&f.PartialSig,
		&f.NextNonceCommit,
		&f.ExtraData,
	)
}

// MsgType returns the uint32 code which uniquely identifies this message as a
// FundingSigned on the wire.
//
// This is part of the lnwire.Message interface.
func (f *FundingSigned) MsgType() MessageType {
	return MsgFundingSigned
}

// TargetChanID returns the channel id of the link for which this message is
// intended.
//
// NOTE: Part of the LinkUpdater interface.
func (f *FundingSigned) TargetChanID() ChannelID {
	return f.ChanID
}
