package lnwire

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// maxBlockHeight and maxTxIndex are the largest values the 3 byte
	// fields of a short channel id hold.
	maxBlockHeight = 1<<24 - 1
	maxTxIndex     = 1<<24 - 1
)

// ShortChannelID locates the funding output of a channel on chain: the
// block, the transaction within it and the output.
type ShortChannelID struct {
	// BlockHeight is limited to 3 bytes.
	BlockHeight uint32

	// TxIndex is limited to 3 bytes.
	TxIndex uint32

	TxPosition uint16
}

// NewShortChanIDFromInt unpacks the compact form of a short channel id.
func NewShortChanIDFromInt(chanID uint64) ShortChannelID {
	return ShortChannelID{
		BlockHeight: uint32(chanID >> 40),
		TxIndex:     uint32(chanID>>16) & maxTxIndex,
		TxPosition:  uint16(chanID),
	}
}

// ParseShortChanID reads a short channel id either in its compact integer
// form or as block x tx x output, e.g. 700123x42x1.
func ParseShortChanID(s string) (ShortChannelID, error) {
	parts := strings.Split(s, "x")
	if len(parts) == 1 {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return ShortChannelID{}, fmt.Errorf("invalid short "+
				"channel id %q", s)
		}

		return NewShortChanIDFromInt(id), nil
	}

	if len(parts) != 3 {
		return ShortChannelID{}, fmt.Errorf("invalid short channel "+
			"id %q", s)
	}

	height, err1 := strconv.ParseUint(parts[0], 10, 32)
	index, err2 := strconv.ParseUint(parts[1], 10, 32)
	pos, err3 := strconv.ParseUint(parts[2], 10, 16)
	switch {
	case err1 != nil || err2 != nil || err3 != nil:
		return ShortChannelID{}, fmt.Errorf("invalid short channel "+
			"id %q", s)

	case height > maxBlockHeight || index > maxTxIndex:
		return ShortChannelID{}, fmt.Errorf("short channel id %q out "+
			"of range", s)
	}

	return ShortChannelID{
		BlockHeight: uint32(height),
		TxIndex:     uint32(index),
		TxPosition:  uint16(pos),
	}, nil
}

// ToUint64 packs the id: 3 bytes height, 3 bytes index, 2 bytes output.
func (c ShortChannelID) ToUint64() uint64 {
	return uint64(c.BlockHeight)<<40 | uint64(c.TxIndex)<<16 |
		uint64(c.TxPosition)
}

func (c ShortChannelID) String() string {
	return fmt.Sprintf("%dx%dx%d", c.BlockHeight, c.TxIndex, c.TxPosition)
}

// IsDefault reports whether c is the zero id.
func (c ShortChannelID) IsDefault() bool {
	return c == ShortChannelID{}
}
