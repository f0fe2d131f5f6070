package zpay32

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultInvoiceExpiry applies to invoices without an x field.
	DefaultInvoiceExpiry = time.Hour

	// DefaultFinalCLTVDelta applies to invoices without a c field.
	DefaultFinalCLTVDelta = 18

	// maxInvoiceLength is the largest invoice that still fits one QR code.
	maxInvoiceLength = 7089

	// maxDescriptionLength is the longest d field a 10 bit field length
	// can carry.
	maxDescriptionLength = 639
)

// Sizes of the fixed parts of the data section, in 5 bit groups.
const (
	timestampBase32Len = 7
	signatureBase32Len = 104
	hashBase32Len      = 52
	pubKeyBase32Len    = 53
)

// Tagged field types, named after the bech32 character of their value.
const (
	fieldTypeP = 1
	fieldTypeX = 6
	fieldTypeD = 13
	fieldTypeS = 16
	fieldTypeN = 19
	fieldTypeH = 23
	fieldTypeC = 24
)

var (
	// ErrInvoiceTooLarge is returned for invoices longer than
	// maxInvoiceLength.
	ErrInvoiceTooLarge = errors.New("invoice is too large")

	// ErrInvalidFieldLength is returned when a tagged field claims more
	// data than is left.
	ErrInvalidFieldLength = errors.New("invalid field length")

	// ErrBrokenTaggedField is returned when the data ends inside the
	// header of a tagged field.
	ErrBrokenTaggedField = errors.New("last tagged field is broken")
)

// MessageSigner signs invoices for Encode.
type MessageSigner struct {
	// SignCompact returns a 65 byte compact ECDSA signature over the
	// sha256 of msg, header byte first.
	SignCompact func(msg []byte) ([]byte, error)
}

// Invoice is a payment request. Pointer fields are optional and only
// encoded when set.
type Invoice struct {
	Net *chaincfg.Params

	// MilliSat is nil for invoices that leave the amount to the payer.
	MilliSat *lnwire.MilliSatoshi

	Timestamp time.Time

	PaymentHash *[32]byte

	PaymentAddr fn.Option[[32]byte]

	// Destination is always set after decoding. When set before
	// encoding it is written as an n field and must match the signer.
	Destination *btcec.PublicKey

	// Exactly one of Description and DescriptionHash is set.
	Description     *string
	DescriptionHash *[32]byte

	// Read through MinFinalCLTVExpiry and Expiry, which apply the
	// defaults.
	minFinalCLTVExpiry *uint64
	expiry             *time.Duration
}

// Option sets an optional field of a new invoice.
type Option = func(*Invoice)

// Amount requests milliSat.
func Amount(milliSat lnwire.MilliSatoshi) Option {
	return func(i *Invoice) {
		i.MilliSat = &milliSat
	}
}

// Destination writes the payee key as an n field.
func Destination(destination *btcec.PublicKey) Option {
	return func(i *Invoice) {
		i.Destination = destination
	}
}

// Description sets the purpose of the payment in clear text.
func Description(description string) Option {
	return func(i *Invoice) {
		i.Description = &description
	}
}

// DescriptionHash commits to a description kept elsewhere.
func DescriptionHash(descriptionHash [32]byte) Option {
	return func(i *Invoice) {
		i.DescriptionHash = &descriptionHash
	}
}

// CLTVExpiry sets the time lock delta the final HTLC must carry.
func CLTVExpiry(delta uint64) Option {
	return func(i *Invoice) {
		i.minFinalCLTVExpiry = &delta
	}
}

// Expiry sets how long after its timestamp the invoice can be paid.
func Expiry(expiry time.Duration) Option {
	return func(i *Invoice) {
		i.expiry = &expiry
	}
}

// PaymentAddr sets the secret the final hop payload has to echo.
func PaymentAddr(addr [32]byte) Option {
	return func(i *Invoice) {
		i.PaymentAddr = fn.Some(addr)
	}
}

// NewInvoice creates an invoice for paymentHash and validates it.
func NewInvoice(net *chaincfg.Params, paymentHash [32]byte,
	timestamp time.Time, options ...Option) (*Invoice, error) {

	invoice := &Invoice{
		Net:         net,
		PaymentHash: &paymentHash,
		Timestamp:   timestamp,
	}
	for _, option := range options {
		option(invoice)
	}

	if err := invoice.validate(); err != nil {
		return nil, err
	}

	return invoice, nil
}

// Expiry returns the validity period of the invoice.
func (invoice *Invoice) Expiry() time.Duration {
	if invoice.expiry == nil {
		return DefaultInvoiceExpiry
	}

	return *invoice.expiry
}

// MinFinalCLTVExpiry returns the time lock delta the final HTLC must carry.
func (invoice *Invoice) MinFinalCLTVExpiry() uint64 {
	if invoice.minFinalCLTVExpiry == nil {
		return DefaultFinalCLTVDelta
	}

	return *invoice.minFinalCLTVExpiry
}

// IsExpired reports whether the invoice can no longer be paid at now.
func (invoice *Invoice) IsExpired(now time.Time) bool {
	return now.After(invoice.Timestamp.Add(invoice.Expiry()))
}

// validate checks the fields every encoded invoice needs.
func (invoice *Invoice) validate() error {
	switch {
	case invoice.Net == nil:
		return errors.New("net params not set")

	case invoice.PaymentHash == nil:
		return errors.New("no payment hash found")

	case invoice.Description != nil && invoice.DescriptionHash != nil:
		return errors.New("both description and description hash set")

	case invoice.Description == nil && invoice.DescriptionHash == nil:
		return errors.New("neither description nor description hash " +
			"set")

	case invoice.Description != nil &&
		len(*invoice.Description) > maxDescriptionLength:

		return fmt.Errorf("description too long: %d bytes",
			len(*invoice.Description))

	case invoice.MilliSat != nil && *invoice.MilliSat == 0:
		return errors.New("amount must be positive if set")
	}

	return nil
}
