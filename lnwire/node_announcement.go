package lnwire

import (
	"bytes"
	"io"
	"net"
)

// NodeAnnouncement message is used to announce the presence of a Lightning
// node and also to signal that the node is accepting incoming connections.
// Each NodeAnnouncement authenticating the advertised information within the
// announcement via a signature using the advertised node pubkey.
type NodeAnnouncement struct {
	// Signature is used to prove the ownership of node id.
	Signature Sig

	// Features is the list of protocol features this node supports.
	Features *RawFeatureVector

	// Timestamp allows ordering in the case of multiple announcements. It
	// acts as the sequence number of the announcement.
	Timestamp uint32

	// NodeID is a public key which is used as node identification.
	NodeID [33]byte

	// Alias is used to customize node's appearance in maps and
	// directories.
	Alias NodeAlias

	// Addresses includes two BOLT 7 fields: 'ipv4_and_port' and
	// 'ipv6_and_port', which are used to provide the set of addresses on
	// which the node accepts incoming connections.
	Addresses []net.Addr

	// ExtraOpaqueData is the set of data that was appended to this
	// message, some of which we may not actually know how to iterate or
	// parse. By holding onto this data, we ensure that we're able to
	// properly validate the set of signatures that cover these new fields,
	// and ensure we're able to make upgrades to the network in a forwards
	// compatible manner.
	ExtraOpaqueData ExtraOpaqueData
}

// A compile time check to ensure NodeAnnouncement implements the
// lnwire.Message interface.
var _ Message = (*NodeAnnouncement)(nil)

// Decode deserializes a serialized NodeAnnouncement stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the lnwire.Message interface.
func (a *NodeAnnouncement) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&a.Signature,
		&a.Features,
		&a.Timestamp,
		&a.NodeID,
		&a.Alias,
		&a.Addresses,
		&a.ExtraOpaqueData,
	)
}

// Encode serializes the target NodeAnnouncement into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the lnwire.Message interface.
func (a *NodeAnnouncement) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WriteElement(w, a.Signature); err != nil {
		return err
	}

	return a.encodeSigned(w)
}

func (a *NodeAnnouncement) encodeSigned(w *bytes.Buffer) error {
	return WriteElements(w,
		a.Features,
		a.Timestamp,
		a.NodeID,
		a.Alias,
		a.Addresses,
		a.ExtraOpaqueData,
	)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the lnwire.Message interface.
func (a *NodeAnnouncement) MsgType() MessageType {
	return MsgNodeAnnouncement
}

// DataToSign returns the part of the message that should be signed.
func (a *NodeAnnouncement) DataToSign() ([]byte, error) {
	var w bytes.Buffer
	if err := a.encodeSigned(&w); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}
