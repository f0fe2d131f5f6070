// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// code derived from https://github .com/btcsuite/btcd/blob/master/wire/message.go
// Copyright (C) 2015-2022 The Lightning Network Developers

package lnwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMsgBody is the largest payload any message is allowed to provide. This
// is two less than the MaxSliceLength as each message has a 2-byte type
// identifier.
const MaxMsgBody = 65533

// MessageType is the unique 2 byte big-endian integer that indicates the type
// of message on the wire. All messages have a very simple header which
// consists simply of 2-byte message type. We omit a length field, and checksum
// as the protocol is intended to be encapsulated within a
// confidential+authenticated cryptographic messaging protocol.
type MessageType uint16

// The currently defined message types within this version of the protocol.
const (
	MsgInit                MessageType = 16
	MsgError               MessageType = 17
	MsgPing                MessageType = 18
	MsgPong                MessageType = 19
	MsgOpenChannel         MessageType = 32
	MsgAcceptChannel       MessageType = 33
	MsgFundingCreated      MessageType = 34
	MsgFundingSigned       MessageType = 35
	MsgChannelReady        MessageType = 36
	MsgShutdown            MessageType = 38
	MsgClosingSigned       MessageType = 39
	MsgUpdateAddHTLC       MessageType = 128
	MsgUpdateFulfillHTLC   MessageType = 130
	MsgUpdateFailHTLC      MessageType = 131
	MsgCommitSig           MessageType = 132
	MsgRevokeAndAck        MessageType = 133
	MsgChannelReestablish  MessageType = 136
	MsgChannelAnnouncement MessageType = 256
	MsgNodeAnnouncement    MessageType = 257
	MsgChannelUpdate       MessageType = 258
	MsgAnnounceSignatures  MessageType = 259
)

// ProtocolVersion is the version of the wire protocol spoken by this node.
// It is passed to every Encode and Decode call so that message layouts can
// evolve. Fields that newer versions add travel in the trailing TLV stream
// of each message so older decoders can skip them.
const ProtocolVersion uint32 = 1

// String return the string representation of message type.
func (t MessageType) String() string {
	switch t {
	case MsgInit:
		return "Init"
	case MsgError:
		return "Error"
	case MsgPing:
		return "Ping"
	case MsgPong:
		return "Pong"
	case MsgOpenChannel:
		return "OpenChannel"
	case MsgAcceptChannel:
		return "AcceptChannel"
	case MsgFundingCreated:
		return "FundingCreated"
	case MsgFundingSigned:
		return "FundingSigned"
	case MsgChannelReady:
		return "ChannelReady"
	case MsgShutdown:
		return "Shutdown"
	case MsgClosingSigned:
		return "ClosingSigned"
	case MsgUpdateAddHTLC:
		return "UpdateAddHTLC"
	case MsgUpdateFulfillHTLC:
		return "UpdateFulfillHTLC"
	case MsgUpdateFailHTLC:
		return "UpdateFailHTLC"
	case MsgCommitSig:
		return "CommitSig"
	case MsgRevokeAndAck:
		return "RevokeAndAck"
	case MsgChannelReestablish:
		return "ChannelReestablish"
	case MsgChannelAnnouncement:
		return "ChannelAnnouncement"
	case MsgNodeAnnouncement:
		return "NodeAnnouncement"
	case MsgChannelUpdate:
		return "ChannelUpdate"
	case MsgAnnounceSignatures:
		return "AnnounceSignatures"
	default:
		return "<unknown>"
	}
}

// UnknownMessage is an implementation of the error interface that allows the
// creation of an error in response to an unknown message.
type UnknownMessage struct {
	messageType MessageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %v",
		u.messageType)
}

// Serializable is an interface which defines a wire serializable object.
type Serializable interface {
	// Decode reads the bytes stream and converts it to the object.
	Decode(io.Reader, uint32) error

	// Encode converts object to the bytes stream and write it into the
	// write buffer.
	Encode(*bytes.Buffer, uint32) error
}

// Message is an interface that defines a wire protocol message. The
// interface is general in order to allow implementing types full control over
// the representation of its data.
type Message interface {
	Serializable
	MsgType() MessageType
}

// LinkUpdater is implemented by every message that is scoped to a single
// channel. The peer uses it to route the message to the owning channel.
type LinkUpdater interface {
	Message

	// TargetChanID returns the channel id of the link for which this
	// message is intended.
	TargetChanID() ChannelID
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgInit:
		msg = &Init{}
	case MsgError:
		msg = &Error{}
	case MsgPing:
		msg = &Ping{}
	case MsgPong:
		msg = &Pong{}
	case MsgOpenChannel:
		msg = &OpenChannel{}
	case MsgAcceptChannel:
		msg = &AcceptChannel{}
	case MsgFundingCreated:
		msg = &FundingCreated{}
	case MsgFundingSigned:
		msg = &FundingSigned{}
	case MsgChannelReady:
		msg = &ChannelReady{}
	case MsgShutdown:
		msg = &Shutdown{}
	case MsgClosingSigned:
		msg = &ClosingSigned{}
	case MsgUpdateAddHTLC:
		msg = &UpdateAddHTLC{}
	case MsgUpdateFulfillHTLC:
		msg = &UpdateFulfillHTLC{}
	case MsgUpdateFailHTLC:
		msg = &UpdateFailHTLC{}
	case MsgCommitSig:
		msg = &CommitSig{}
	case MsgRevokeAndAck:
		msg = &RevokeAndAck{}
	case MsgChannelReestablish:
		msg = &ChannelReestablish{}
	case MsgChannelAnnouncement:
		msg = &ChannelAnnouncement{}
	case MsgNodeAnnouncement:
		msg = &NodeAnnouncement{}
	case MsgChannelUpdate:
		msg = &ChannelUpdate{}
	case MsgAnnounceSignatures:
		msg = &AnnounceSignatures{}
	default:
		return nil, &UnknownMessage{msgType}
	}

	return msg, nil
}

// WriteMessage writes a Message to a buffer including the necessary header
// information and returns the number of bytes written. If any error is
// encountered, the buffer passed will be reset to its original state since we
// don't want any broken bytes left. In other words, no bytes will be written
// if there's an error. Either all or none of the message bytes will be written
// to the buffer.
//
// NOTE: this method is not concurrent safe.
func WriteMessage(buf *bytes.Buffer, msg Message, pver uint32) (int, error) {
	oldByteSize := buf.Len()

	var mType [2]byte
	binary.BigEndian.PutUint16(mType[:], uint16(msg.MsgType()))
	if _, err := buf.Write(mType[:]); err != nil {
		buf.Truncate(oldByteSize)
		return 0, fmt.Errorf("failed to write message type: %w", err)
	}

	if err := msg.Encode(buf, pver); err != nil {
		buf.Truncate(oldByteSize)
		return 0, fmt.Errorf("failed to encode message to buffer: %w",
			err)
	}

	// Enforce maximum overall message payload, not counting the type.
	lenp := buf.Len() - oldByteSize - len(mType)
	if lenp > MaxMsgBody {
		buf.Truncate(oldByteSize)
		return 0, fmt.Errorf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			lenp, MaxMsgBody)
	}

	return buf.Len() - oldByteSize, nil
}

// ReadMessage reads, validates, and parses the next message from r for the
// provided protocol version.
func ReadMessage(r io.Reader, pver uint32) (Message, error) {
	var mType [2]byte
	if _, err := io.ReadFull(r, mType[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(mType[:]))

	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r, pver); err != nil {
		return nil, err
	}

	return msg, nil
}
