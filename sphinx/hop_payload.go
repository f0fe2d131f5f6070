package sphinx

import (
	"bytes"
	"io"

	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// AmtOnionType is the TLV type of the amount to forward.
	AmtOnionType tlv.Type = 2

	// LockTimeOnionType is the TLV type of the outgoing CLTV value.
	LockTimeOnionType tlv.Type = 4

	// NextHopOnionType is the TLV type of the next short channel id.
	NextHopOnionType tlv.Type = 6

	// BlindingOnionType is the TLV type of the opaque blinding material.
	BlindingOnionType tlv.Type = 8

	// TotalAmtOnionType is the TLV type of the total payment amount,
	// present only in the final hop's payload.
	TotalAmtOnionType tlv.Type = 10
)

// HopPayload is the set of instructions one hop finds in its layer of the
// onion.
type HopPayload struct {
	// AmountToForward is the amount the hop sends over the outgoing
	// channel, or receives if it is the final hop.
	AmountToForward lnwire.MilliSatoshi

	// OutgoingCltv is the absolute expiry of the outgoing HTLC.
	OutgoingCltv uint32

	// NextHop is the outgoing channel. It is zero on the final hop.
	NextHop lnwire.ShortChannelID

	// Blinding is opaque material for route blinding schemes layered on
	// top. It is not interpreted here.
	Blinding []byte

	// TotalAmount is the total value of the payment, set on the final
	// hop only.
	TotalAmount fn.Option[lnwire.MilliSatoshi]
}

// payloadRecords returns the TLV records of a hop payload bound to the given
// values. Optional records are left out when their pointer is nil.
func payloadRecords(amt *uint64, cltv *uint32, scid *uint64,
	blinding *[]byte, total *uint64) []tlv.Record {

	recs := []tlv.Record{
		tlv.MakeDynamicRecord(
			AmtOnionType, amt, func() uint64 {
				return tlv.SizeTUint64(*amt)
			}, tlv.ETUint64, tlv.DTUint64,
		),
		tlv.MakeDynamicRecord(
			LockTimeOnionType, cltv, func() uint64 {
				return tlv.SizeTUint32(*cltv)
			}, tlv.ETUint32, tlv.DTUint32,
		),
		tlv.MakePrimitiveRecord(NextHopOnionType, scid),
	}

	if blinding != nil {
		recs = append(recs, tlv.MakePrimitiveRecord(
			BlindingOnionType, blinding,
		))
	}

	if total != nil {
		recs = append(recs, tlv.MakeDynamicRecord(
			TotalAmtOnionType, total, func() uint64 {
				return tlv.SizeTUint64(*total)
			}, tlv.ETUint64, tlv.DTUint64,
		))
	}

	return recs
}

// Encode writes the payload as a TLV stream.
func (h *HopPayload) Encode(w io.Writer) error {
	amt := uint64(h.AmountToForward)
	cltv := h.OutgoingCltv
	scid := h.NextHop.ToUint64()

	var total *uint64
	h.TotalAmount.WhenSome(func(a lnwire.MilliSatoshi) {
		t := uint64(a)
		total = &t
	})

	var blinding *[]byte
	if len(h.Blinding) > 0 {
		blinding = &h.Blinding
	}

	stream, err := tlv.NewStream(
		payloadRecords(&amt, &cltv, &scid, blinding, total)...,
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a payload TLV stream. The amount, cltv and next hop records
// are mandatory.
func (h *HopPayload) Decode(r io.Reader) error {
	var (
		amt, scid, total uint64
		cltv             uint32
	)

	// Decoding binds every optional record so that it can be detected in
	// the parsed type map.
	var blinding []byte
	stream, err := tlv.NewStream(
		payloadRecords(&amt, &cltv, &scid, &blinding, &total)...,
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return err
	}

	for _, typ := range []tlv.Type{
		AmtOnionType, LockTimeOnionType, NextHopOnionType,
	} {
		if _, ok := parsed[typ]; !ok {
			return NewRoutingError(
				CodeInvalidPayload, "missing record %d", typ,
			)
		}
	}

	h.AmountToForward = lnwire.MilliSatoshi(amt)
	h.OutgoingCltv = cltv
	h.NextHop = lnwire.NewShortChanIDFromInt(scid)

	h.Blinding = nil
	if _, ok := parsed[BlindingOnionType]; ok {
		h.Blinding = blinding
	}

	h.TotalAmount = fn.None[lnwire.MilliSatoshi]()
	if _, ok := parsed[TotalAmtOnionType]; ok {
		h.TotalAmount = fn.Some(lnwire.MilliSatoshi(total))
	}

	return nil
}

// encodedPayload serializes the payload for a hop frame.
func (h *HopPayload) encodedPayload() ([]byte, error) {
	var b bytes.Buffer
	if err := h.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}
