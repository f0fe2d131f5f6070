package lnwire

import (
	"bytes"
	"io"
)

// Init is the first message that both sides send once the transport
// handshake completes. It advertises the features the node supports.
type Init struct {
	// GlobalFeatures is kept for layout compatibility and is always
	// empty when we send it. Remote bits are merged with Features.
	GlobalFeatures *RawFeatureVector

	// Features is the feature vector of the sending node.
	Features *RawFeatureVector

	// ExtraData is the set of data that was appended to this message to
	// fill out the full maximum transport message size. These fields can
	// be used to specify optional data such as custom TLV fields.
	ExtraData ExtraOpaqueData
}

// NewInitMessage creates a new Init message.
func NewInitMessage(gf *RawFeatureVector, f *RawFeatureVector) *Init {
	return &Init{
		GlobalFeatures: gf,
		Features:       f,
		ExtraData:      make([]byte, 0),
	}
}

// A compile time check to ensure Init implements the lnwire.Message
// interface.
var _ Message = (*Init)(nil)

// Decode deserializes a serialized Init message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (msg *Init) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&msg.GlobalFeatures,
		&msg.Features,
		&msg.ExtraData,
	)
}

// Encode serializes the target Init into the passed io.Writer observing
// the protocol version specified.
//
// This is part of the lnwire.Message interface.
func (msg *Init) Encode(w *bytes.Buffer, pver uint32) error {
	return WriteElements(w,
		msg.GlobalFeatures,
		msg.Features,
		msg.ExtraData,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (msg *Init) MsgType() MessageType {
	return MsgInit
}

// AllFeatures returns the union of both feature vectors.
func (msg *Init) AllFeatures() *RawFeatureVector {
	all := NewRawFeatureVector()
	for _, fv := range []*RawFeatureVector{msg.GlobalFeatures, msg.Features} {
		if fv == nil {
			continue
		}
		for _, bit := range fv.Bits() {
			all.Set(bit)
		}
	}

	return all
}
