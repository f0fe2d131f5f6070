package zpay32

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Decode parses an invoice for net and checks its signature. The
// destination is recovered from the signature unless an n field names it.
func Decode(invoice string, net *chaincfg.Params) (*Invoice, error) {
	// Bech32 decoding is costly, refuse oversized input first.
	if len(invoice) > maxInvoiceLength {
		return nil, ErrInvoiceTooLarge
	}

	hrp, data, err := bech32.DecodeNoLimit(invoice)
	if err != nil {
		return nil, err
	}

	decoded := &Invoice{Net: net}

	prefix, err := hrpFor(decoded)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(hrp, prefix) {
		return nil, fmt.Errorf("invoice not for current active "+
			"network '%s'", net.Name)
	}
	if amt := hrp[len(prefix):]; amt != "" {
		milliSat, err := decodeAmount(amt)
		if err != nil {
			return nil, err
		}
		decoded.MilliSat = &milliSat
	}

	if len(data) < timestampBase32Len+signatureBase32Len {
		return nil, errors.New("short invoice")
	}
	signed := data[:len(data)-signatureBase32Len]

	r := fieldReader{groups: signed}
	ts, err := base32ToUint64(r.next(timestampBase32Len))
	if err != nil {
		return nil, err
	}
	decoded.Timestamp = time.Unix(int64(ts), 0)

	if err := r.readTaggedFields(decoded); err != nil {
		return nil, err
	}

	pub, err := recoverSigner(hrp, signed, data[len(signed):])
	if err != nil {
		return nil, err
	}
	switch {
	case decoded.Destination == nil:
		decoded.Destination = pub

	case !pub.IsEqual(decoded.Destination):
		return nil, errors.New("invalid invoice signature")
	}

	if err := decoded.validate(); err != nil {
		return nil, err
	}

	return decoded, nil
}

// recoverSigner returns the key that signed hrp and the data groups. The
// signature groups carry 64 bytes of signature and a recovery id.
func recoverSigner(hrp string, signed,
	sigGroups []byte) (*btcec.PublicKey, error) {

	// 104 groups are exactly 520 bits.
	sig, err := bech32.ConvertBits(sigGroups, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	recoveryID := sig[64]
	if recoveryID > 3 {
		return nil, fmt.Errorf("invalid recovery id: %d", recoveryID)
	}

	data, err := bech32.ConvertBits(signed, 5, 8, true)
	if err != nil {
		return nil, err
	}
	digest := chainhash.HashB(append([]byte(hrp), data...))

	compact := make([]byte, 65)
	compact[0] = recoveryID + 27 + 4
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest)

	return pub, err
}

// fieldReader walks the 5 bit groups of the data part.
type fieldReader struct {
	groups []byte
	pos    int
}

// remaining returns the number of unread groups.
func (r *fieldReader) remaining() int {
	return len(r.groups) - r.pos
}

// next returns the following n groups. The caller checks remaining.
func (r *fieldReader) next(n int) []byte {
	groups := r.groups[r.pos : r.pos+n]
	r.pos += n

	return groups
}

// readField returns the type and data of the next tagged field.
func (r *fieldReader) readField() (byte, []byte, error) {
	if r.remaining() < 3 {
		return 0, nil, ErrBrokenTaggedField
	}

	header := r.next(3)
	length := int(header[1])<<5 | int(header[2])
	if r.remaining() < length {
		return 0, nil, ErrInvalidFieldLength
	}

	return header[0], r.next(length), nil
}

// readTaggedFields fills invoice from the tagged fields. Only the first
// usable field of a type counts, unknown types are skipped.
func (r *fieldReader) readTaggedFields(invoice *Invoice) error {
	for r.remaining() > 0 {
		typ, data, err := r.readField()
		if err != nil {
			return err
		}

		switch typ {
		case fieldTypeP:
			if invoice.PaymentHash == nil {
				invoice.PaymentHash, err = parse32Bytes(data)
			}

		case fieldTypeS:
			if invoice.PaymentAddr.IsNone() {
				var addr *[32]byte
				addr, err = parse32Bytes(data)
				if addr != nil {
					invoice.PaymentAddr = fn.Some(*addr)
				}
			}

		case fieldTypeH:
			if invoice.DescriptionHash == nil {
				invoice.DescriptionHash, err = parse32Bytes(data)
			}

		case fieldTypeD:
			if invoice.Description == nil {
				invoice.Description, err = parseDescription(data)
			}

		case fieldTypeN:
			if invoice.Destination == nil {
				invoice.Destination, err = parseDestination(data)
			}

		case fieldTypeX:
			if invoice.expiry == nil {
				var secs uint64
				secs, err = base32ToUint64(data)
				expiry := time.Duration(secs) * time.Second
				invoice.expiry = &expiry
			}

		case fieldTypeC:
			if invoice.minFinalCLTVExpiry == nil {
				var delta uint64
				delta, err = base32ToUint64(data)
				invoice.minFinalCLTVExpiry = &delta
			}
		}
		if err != nil {
			return fmt.Errorf("field %d: %w", typ, err)
		}
	}

	return nil
}

// parse32Bytes decodes a hash sized field. Fields of another length are
// skipped and yield nil.
func parse32Bytes(data []byte) (*[32]byte, error) {
	if len(data) != hashBase32Len {
		return nil, nil
	}

	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}

	var out [32]byte
	copy(out[:], b)

	return &out, nil
}

// parseDescription decodes a d field.
func parseDescription(data []byte) (*string, error) {
	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	description := string(b)

	return &description, nil
}

// parseDestination decodes an n field. Fields that can't hold a compressed
// key are skipped and yield nil.
func parseDestination(data []byte) (*btcec.PublicKey, error) {
	if len(data) != pubKeyBase32Len {
		return nil, nil
	}

	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(b)
}

// base32ToUint64 reads big endian 5 bit groups as a number.
func base32ToUint64(data []byte) (uint64, error) {
	// 13 groups are 65 bits, the top one must be clear.
	if len(data) > 13 || (len(data) == 13 && data[0] > 1) {
		return 0, fmt.Errorf("cannot parse data of length %d as uint64",
			len(data))
	}

	var val uint64
	for _, g := range data {
		val = val<<5 | uint64(g)
	}

	return val, nil
}
