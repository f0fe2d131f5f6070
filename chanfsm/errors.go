package chanfsm

import (
	"errors"

	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
)

var (
	// ErrChannelNotActive is returned for payment operations on a channel
	// that isn't in its normal state.
	ErrChannelNotActive = errors.New("channel not active")

	// ErrUnknownChannel is returned for operations on a channel the
	// manager doesn't track.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrCloseInProgress is returned when a close is requested for a
	// channel that is already closing.
	ErrCloseInProgress = errors.New("channel close already in progress")

	// ErrPeerOffline is returned when a channel is opened with a peer we
	// have no session with.
	ErrPeerOffline = errors.New("peer is not connected")
)

// wireError converts err into the error message sent to the peer.
func wireError(chanID lnwire.ChannelID, err error) *lnwire.Error {
	var protoErr *lnwire.ProtocolError
	if errors.As(err, &protoErr) {
		msg := protoErr.ToWireError()
		msg.ChanID = chanID

		return msg
	}

	code := lnwire.CodeMalformedMessage
	var negErr *lnwallet.NegotiationError
	if errors.As(err, &negErr) {
		code = lnwire.CodeIncompatibleFeatures
	}

	return &lnwire.Error{
		ChanID: chanID,
		Code:   code,
		Data:   lnwire.ErrorData(err.Error()),
	}
}
