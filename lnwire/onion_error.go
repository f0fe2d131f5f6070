package lnwire

import (
	"bytes"
	"fmt"
	"io"
)

// FailCode specifies the precise reason that an upstream HTLC was canceled.
// Each UpdateFailHTLC message carries a FailCode which is to be passed
// backwards, encrypted at each step back to the source of the HTLC within the
// route.
type FailCode uint16

// The currently defined onion failure types within this current version of
// the Lightning protocol.
const (
	FlagBadOnion FailCode = 0x8000
	FlagPerm     FailCode = 0x4000
	FlagNode     FailCode = 0x2000
	FlagUpdate   FailCode = 0x1000

	CodeNone                             FailCode = 0
	CodeInvalidRealm                              = FlagPerm | 1
	CodeTemporaryNodeFailure                      = FlagNode | 2
	CodePermanentNodeFailure                      = FlagPerm | FlagNode | 2
	CodeInvalidOnionVersion                       = FlagBadOnion | FlagPerm | 4
	CodeInvalidOnionHmac                          = FlagBadOnion | FlagPerm | 5
	CodeInvalidOnionKey                           = FlagBadOnion | FlagPerm | 6
	CodeTemporaryChannelFailure                   = FlagUpdate | 7
	CodePermanentChannelFailure                   = FlagPerm | 8
	CodeUnknownNextPeer                           = FlagPerm | 10
	CodeAmountBelowMinimum                        = FlagUpdate | 11
	CodeFeeInsufficient                           = FlagUpdate | 12
	CodeIncorrectCltvExpiry                       = FlagUpdate | 13
	CodeExpiryTooSoon                             = FlagUpdate | 14
	CodeIncorrectOrUnknownPaymentDetails          = FlagPerm | 15
	CodeFinalIncorrectCltvExpiry         FailCode = 18
	CodeFinalIncorrectHtlcAmount         FailCode = 19
	CodeExpiryTooFar                     FailCode = 21
	CodeInvalidOnionPayload                       = FlagPerm | 22
	CodeReplayedOnion                             = FlagBadOnion | FlagPerm | 30
)

// String returns the string representation of the failure code.
func (c FailCode) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeInvalidRealm:
		return "InvalidRealm"
	case CodeTemporaryNodeFailure:
		return "TemporaryNodeFailure"
	case CodePermanentNodeFailure:
		return "PermanentNodeFailure"
	case CodeInvalidOnionVersion:
		return "InvalidOnionVersion"
	case CodeInvalidOnionHmac:
		return "InvalidOnionHmac"
	case CodeInvalidOnionKey:
		return "InvalidOnionKey"
	case CodeTemporaryChannelFailure:
		return "TemporaryChannelFailure"
	case CodePermanentChannelFailure:
		return "PermanentChannelFailure"
	case CodeUnknownNextPeer:
		return "UnknownNextPeer"
	case CodeAmountBelowMinimum:
		return "AmountBelowMinimum"
	case CodeFeeInsufficient:
		return "FeeInsufficient"
	case CodeIncorrectCltvExpiry:
		return "IncorrectCltvExpiry"
	case CodeExpiryTooSoon:
		return "ExpiryTooSoon"
	case CodeIncorrectOrUnknownPaymentDetails:
		return "IncorrectOrUnknownPaymentDetails"
	case CodeFinalIncorrectCltvExpiry:
		return "FinalIncorrectCltvExpiry"
	case CodeFinalIncorrectHtlcAmount:
		return "FinalIncorrectHtlcAmount"
	case CodeExpiryTooFar:
		return "ExpiryTooFar"
	case CodeInvalidOnionPayload:
		return "InvalidOnionPayload"
	case CodeReplayedOnion:
		return "ReplayedOnion"
	default:
		return fmt.Sprintf("<unknown failure code %d>", uint16(c))
	}
}

// IsPermanent returns true if retrying through the same hop can never
// succeed.
func (c FailCode) IsPermanent() bool {
	return c&FlagPerm != 0
}

// IsBadOnion returns true if the failing hop could not parse the onion.
// Such failures are reported in the clear by the upstream hop.
func (c FailCode) IsBadOnion() bool {
	return c&FlagBadOnion != 0
}

// OnionFailure is the plaintext of a failure sent back along a route. Data
// holds code specific fields such as the offending height or amount.
type OnionFailure struct {
	Code FailCode
	Data []byte
}

// Error returns the failure description.
func (f *OnionFailure) Error() string {
	return fmt.Sprintf("onion failure: %v", f.Code)
}

// Encode writes the failure code and its data.
func (f *OnionFailure) Encode(w *bytes.Buffer) error {
	return WriteElements(w, f.Code, OpaqueReason(f.Data))
}

// DecodeOnionFailure reads a failure written by Encode.
func DecodeOnionFailure(r io.Reader) (*OnionFailure, error) {
	var (
		f    OnionFailure
		data OpaqueReason
	)
	if err := ReadElements(r, &f.Code, &data); err != nil {
		return nil, err
	}
	f.Data = data

	return &f, nil
}
