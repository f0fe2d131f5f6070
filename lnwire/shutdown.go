package lnwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// Shutdown is sent by either side in order to initiate the cooperative closure
// of a channel. This message is sparse as both sides implicitly have the
// information necessary to construct a transaction that will send the settled
// funds of both parties to the final delivery addresses negotiated during the
// funding workflow.
type Shutdown struct {
	// ChannelID serves to identify which channel is to be closed.
	ChannelID ChannelID

	// Address is the script to which the channel funds will be paid.
	Address DeliveryAddress

	// Nonce is the public nonce the sender will use to co-sign the
	// closing transaction. It travels as a TLV record in ExtraData.
	Nonce *ShutdownNonce

	// ExtraData is the set of data that was appended to this message to
	// fill out the full maximum transport message size. These fields can
	// be used to specify optional data such as custom TLV fields.
	ExtraData ExtraOpaqueData
}

// NewShutdown creates a new Shutdown message.
func NewShutdown(cid ChannelID, addr DeliveryAddress,
	nonce *ShutdownNonce) *Shutdown {

	return &Shutdown{
		ChannelID: cid,
		Address:   addr,
		Nonce:     nonce,
	}
}

// A compile-time check to ensure Shutdown implements the lnwire.Message
// interface.
var _ Message = (*Shutdown)(nil)

// Decode deserializes a serialized Shutdown from the passed io.Reader,
// observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (s *Shutdown) Decode(r io.Reader, pver uint32) error {
	err := ReadElements(r, &s.ChannelID, &s.Address, &s.ExtraData)
	if err != nil {
		return err
	}

	var nonce ShutdownNonce
	typeMap, err := s.ExtraData.ExtractRecords(&nonce)
	if err != nil {
		return err
	}

	if val, ok := typeMap[ShutdownNonceType]; ok && val == nil {
		s.Nonce = &nonce
	}

	return nil
}

// Encode serializes the target Shutdown into the passed io.Writer observing
// the protocol version specified.
//
// This is part of the lnwire.Message interface.
func (s *Shutdown) Encode(w *bytes.Buffer, pver uint32) error {
	if s.Nonce != nil {
		records := []tlv.RecordProducer{s.Nonce}
		if err := s.ExtraData.PackRecords(records...); err != nil {
			return err
		}
	}

	return WriteElements(w, s.ChannelID, s.Address, s.ExtraData)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (s *Shutdown) MsgType() MessageType {
	return MsgShutdown
}

// TargetChanID returns the channel id of the link for which this message is
// intended.
//
// NOTE: Part of the LinkUpdater interface.
func (s *Shutdown) TargetChanID() ChannelID {
	return s.ChannelID
}
