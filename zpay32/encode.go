package zpay32

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// fieldWriter collects the 5 bit groups of the data part. The first error
// sticks and makes every later write a noop.
type fieldWriter struct {
	groups []byte
	err    error
}

// writeGroups appends raw groups.
func (w *fieldWriter) writeGroups(groups ...byte) {
	if w.err == nil {
		w.groups = append(w.groups, groups...)
	}
}

// writeField appends a tagged field: its type, a 10 bit length and the data.
func (w *fieldWriter) writeField(fieldType byte, data []byte) {
	if w.err != nil {
		return
	}
	if len(data) >= 1<<10 {
		w.err = fmt.Errorf("field %d of %d groups does not fit a 10 "+
			"bit length", fieldType, len(data))
		return
	}

	w.writeGroups(fieldType, byte(len(data)>>5), byte(len(data)&31))
	w.writeGroups(data...)
}

// writeBytes appends a tagged field holding bytes.
func (w *fieldWriter) writeBytes(fieldType byte, b []byte) {
	if w.err != nil {
		return
	}

	data, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		w.err = err
		return
	}
	w.writeField(fieldType, data)
}

// writeUint appends a tagged field holding a number in as few groups as
// possible.
func (w *fieldWriter) writeUint(fieldType byte, num uint64) {
	w.writeField(fieldType, uint64ToBase32(num))
}

// hrpFor returns the human readable part of an invoice on net.
func hrpFor(invoice *Invoice) (string, error) {
	// Signet shares the segwit prefix of testnet, so invoices add an s.
	hrp := "ln" + invoice.Net.Bech32HRPSegwit
	if invoice.Net.Name == chaincfg.SigNetParams.Name {
		hrp = "lntbs"
	}

	if invoice.MilliSat == nil {
		return hrp, nil
	}

	amt, err := encodeAmount(*invoice.MilliSat)
	if err != nil {
		return "", err
	}

	return hrp + amt, nil
}

// Encode signs the invoice with signer and returns its bech32 string.
func (invoice *Invoice) Encode(signer MessageSigner) (string, error) {
	if err := invoice.validate(); err != nil {
		return "", err
	}

	ts := uint64ToBase32(uint64(invoice.Timestamp.Unix()))
	if len(ts) > timestampBase32Len {
		return "", fmt.Errorf("timestamp too big: %d",
			invoice.Timestamp.Unix())
	}

	var w fieldWriter
	w.writeGroups(make([]byte, timestampBase32Len-len(ts))...)
	w.writeGroups(ts...)
	writeTaggedFields(&w, invoice)
	if w.err != nil {
		return "", w.err
	}

	hrp, err := hrpFor(invoice)
	if err != nil {
		return "", err
	}

	// The signature commits to the hrp and the data part as bytes.
	data, err := bech32.ConvertBits(w.groups, 5, 8, true)
	if err != nil {
		return "", err
	}
	toSign := append([]byte(hrp), data...)

	sig, err := signer.SignCompact(toSign)
	if err != nil {
		return "", err
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("invalid compact signature length: %d",
			len(sig))
	}

	if invoice.Destination != nil {
		pub, _, err := ecdsa.RecoverCompact(
			sig, chainhash.HashB(toSign),
		)
		if err != nil {
			return "", fmt.Errorf("unable to recover pubkey from "+
				"signature: %w", err)
		}
		if !pub.IsEqual(invoice.Destination) {
			return "", fmt.Errorf("signature does not match " +
				"destination")
		}
	}

	// The compact header byte becomes a trailing recovery id.
	recoveryID := sig[0] - 27 - 4
	sigGroups, err := bech32.ConvertBits(
		append(sig[1:], recoveryID), 8, 5, true,
	)
	if err != nil {
		return "", err
	}
	w.writeGroups(sigGroups...)

	encoded, err := bech32.Encode(hrp, w.groups)
	if err != nil {
		return "", err
	}
	if len(encoded) > maxInvoiceLength {
		return "", ErrInvoiceTooLarge
	}

	return encoded, nil
}

// writeTaggedFields writes every set field of the invoice.
func writeTaggedFields(w *fieldWriter, invoice *Invoice) {
	if invoice.PaymentHash != nil {
		w.writeBytes(fieldTypeP, invoice.PaymentHash[:])
	}
	if invoice.Description != nil {
		w.writeBytes(fieldTypeD, []byte(*invoice.Description))
	}
	if invoice.DescriptionHash != nil {
		w.writeBytes(fieldTypeH, invoice.DescriptionHash[:])
	}
	if invoice.minFinalCLTVExpiry != nil {
		w.writeUint(fieldTypeC, *invoice.minFinalCLTVExpiry)
	}
	if invoice.expiry != nil {
		w.writeUint(fieldTypeX, uint64(invoice.expiry.Seconds()))
	}
	if invoice.Destination != nil {
		w.writeBytes(
			fieldTypeN, invoice.Destination.SerializeCompressed(),
		)
	}
	invoice.PaymentAddr.WhenSome(func(addr [32]byte) {
		w.writeBytes(fieldTypeS, addr[:])
	})
}

// uint64ToBase32 returns num in big endian 5 bit groups without leading zero
// groups. Zero is a single group.
func uint64ToBase32(num uint64) []byte {
	if num == 0 {
		return []byte{0}
	}

	// A uint64 needs at most 13 groups.
	var arr [13]byte
	i := len(arr)
	for num > 0 {
		i--
		arr[i] = byte(num & 31)
		num >>= 5
	}

	return arr[i:]
}
