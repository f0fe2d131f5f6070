package lnwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// FeatureBit represents a feature that can be enabled in either a local or
// global feature vector at a specific bit position. Feature bits follow the
// "it's OK to be odd" rule, where features at even bit positions must be known
// to a node receiving them from a peer while odd bits do not. In accordance,
// feature bits are usually assigned in pairs, first being assigned an odd bit
// position which may later be changed to the preceding even position once
// knowledge of the feature becomes required on the network.
type FeatureBit uint16

const (
	// TLVOnionPayloadRequired is a feature bit that indicates a node is
	// able to decode the TLV hop payloads inside our fixed size onion.
	TLVOnionPayloadRequired FeatureBit = 8

	// TLVOnionPayloadOptional is the optional variant of the TLV payload
	// feature.
	TLVOnionPayloadOptional FeatureBit = 9

	// MuSig2ChannelsRequired signals that the node only opens channels
	// whose funding output is a MuSig2 aggregate key and whose
	// commitments are signed with the two round MuSig2 protocol.
	MuSig2ChannelsRequired FeatureBit = 180

	// MuSig2ChannelsOptional is the optional variant of the MuSig2
	// channels feature.
	MuSig2ChannelsOptional FeatureBit = 181

	// maxAllowedSize is the maximum allowed size in bytes of a feature
	// vector.
	maxAllowedSize = 32781
)

// Features is a mapping of known feature bits to a descriptive name.
var Features = map[FeatureBit]string{
	TLVOnionPayloadRequired: "tlv-onion",
	TLVOnionPayloadOptional: "tlv-onion",
	MuSig2ChannelsRequired:  "musig2-channels",
	MuSig2ChannelsOptional:  "musig2-channels",
}

// IsRequired returns true if the feature bit is even, and false otherwise.
func (b FeatureBit) IsRequired() bool {
	return b&0x01 == 0x00
}

// RawFeatureVector represents a set of feature bits as defined in BOLT-09.
type RawFeatureVector struct {
	features map[FeatureBit]struct{}
}

// NewRawFeatureVector creates a feature vector with all of the feature bits
// given as arguments enabled.
func NewRawFeatureVector(bits ...FeatureBit) *RawFeatureVector {
	fv := &RawFeatureVector{features: make(map[FeatureBit]struct{})}
	for _, bit := range bits {
		fv.Set(bit)
	}

	return fv
}

// DefaultFeatures is the feature vector advertised by this node.
func DefaultFeatures() *RawFeatureVector {
	return NewRawFeatureVector(
		TLVOnionPayloadRequired, MuSig2ChannelsRequired,
	)
}

// IsSet returns whether a particular feature bit is enabled in the vector.
func (fv *RawFeatureVector) IsSet(feature FeatureBit) bool {
	_, ok := fv.features[feature]
	return ok
}

// Set marks a feature as enabled in the vector.
func (fv *RawFeatureVector) Set(feature FeatureBit) {
	fv.features[feature] = struct{}{}
}

// Unset marks a feature as disabled in the vector.
func (fv *RawFeatureVector) Unset(feature FeatureBit) {
	delete(fv.features, feature)
}

// HasFeature returns whether either the required or the optional bit of the
// given feature pair is set.
func (fv *RawFeatureVector) HasFeature(feature FeatureBit) bool {
	return fv.IsSet(feature) || fv.IsSet(feature^1)
}

// Bits returns the set feature bits in ascending order.
func (fv *RawFeatureVector) Bits() []FeatureBit {
	bits := make([]FeatureBit, 0, len(fv.features))
	for bit := range fv.features {
		bits = append(bits, bit)
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })

	return bits
}

// UnknownRequiredFeatures returns the even bits set in the vector that are not
// known to this node.
func (fv *RawFeatureVector) UnknownRequiredFeatures() []FeatureBit {
	var unknown []FeatureBit
	for _, bit := range fv.Bits() {
		if _, known := Features[bit]; !known && bit.IsRequired() {
			unknown = append(unknown, bit)
		}
	}

	return unknown
}

// String returns a human readable list of the set feature bits.
func (fv *RawFeatureVector) String() string {
	var b bytes.Buffer
	for i, bit := range fv.Bits() {
		if i > 0 {
			b.WriteString(",")
		}
		name, ok := Features[bit]
		if !ok {
			name = "unknown"
		}
		fmt.Fprintf(&b, "%s(%d)", name, bit)
	}

	return b.String()
}

// SerializeSize returns the number of bytes needed to represent feature vector
// in byte format.
func (fv *RawFeatureVector) SerializeSize() int {
	var length FeatureBit
	for feature := range fv.features {
		if feature+1 > length {
			length = feature + 1
		}
	}

	return int((length + 7) / 8)
}

// Encode writes the feature vector as a 2-byte length followed by the
// big-endian bit field.
func (fv *RawFeatureVector) Encode(w io.Writer) error {
	length := fv.SerializeSize()

	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(length))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}

	data := make([]byte, length)
	for feature := range fv.features {
		byteIndex := int(feature / 8)
		bitIndex := feature % 8
		data[length-byteIndex-1] |= 1 << bitIndex
	}

	_, err := w.Write(data)
	return err
}

// Decode reads a feature vector written by Encode.
func (fv *RawFeatureVector) Decode(r io.Reader) error {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint16(l[:])
	if int(length) > maxAllowedSize {
		return fmt.Errorf("feature vector length %d exceeds max", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}

	fv.features = make(map[FeatureBit]struct{})
	for i := 0; i < int(length)*8; i++ {
		byteIndex := int(length) - i/8 - 1
		if (data[byteIndex]>>(i%8))&1 == 1 {
			fv.Set(FeatureBit(i))
		}
	}

	return nil
}
