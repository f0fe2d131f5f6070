package invoices

import (
	"crypto/rand"
	"fmt"
	"math"
	"time"

	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/zpay32"
)

const (
	// MaxPaymentMSat is the largest amount an invoice may ask for.
	MaxPaymentMSat = lnwire.MilliSatoshi(math.MaxUint32) * 1000

	// DefaultInvoiceExpiry is used when an invoice is requested without an
	// expiry.
	DefaultInvoiceExpiry = zpay32.DefaultInvoiceExpiry

	// DefaultFinalCltvDelta is used when an invoice is requested without a
	// final cltv delta.
	DefaultFinalCltvDelta = 40

	// maxMemoLen is the longest description a payment request can carry.
	maxMemoLen = 639
)

// AddInvoiceData describes an invoice to create.
type AddInvoiceData struct {
	// Memo is a human readable description of the payment.
	Memo string

	// Value is the amount asked for. Zero accepts any amount.
	Value lnwire.MilliSatoshi

	// Expiry is how long the invoice stays payable.
	Expiry time.Duration

	// CltvDelta is the minimum number of blocks the final htlc must have
	// left when it reaches us.
	CltvDelta uint32

	// Preimage is used instead of a random preimage when set.
	Preimage *lntypes.Preimage
}

// CreateInvoice creates, signs and stores a new invoice. It returns the
// stored invoice and its encoded payment request.
func (i *InvoiceRegistry) CreateInvoice(data *AddInvoiceData) (
	*channeldb.Invoice, string, error) {

	if data.Value > MaxPaymentMSat {
		return nil, "", fmt.Errorf("%w: %v exceeds %v", ErrInvalidAmount,
			data.Value, MaxPaymentMSat)
	}
	if len(data.Memo) > maxMemoLen {
		return nil, "", fmt.Errorf("memo too large: %d bytes",
			len(data.Memo))
	}

	var preimage lntypes.Preimage
	if data.Preimage != nil {
		preimage = *data.Preimage
	} else if _, err := rand.Read(preimage[:]); err != nil {
		return nil, "", err
	}
	paymentHash := preimage.Hash()

	expiry := data.Expiry
	if expiry == 0 {
		expiry = DefaultInvoiceExpiry
	}
	cltvDelta := data.CltvDelta
	if cltvDelta == 0 {
		cltvDelta = DefaultFinalCltvDelta
	}

	// Payment requests carry second precision.
	creationDate := i.cfg.Clock.Now().Truncate(time.Second)

	options := []func(*zpay32.Invoice){
		zpay32.Description(data.Memo),
		zpay32.Expiry(expiry),
		zpay32.CLTVExpiry(uint64(cltvDelta)),
	}
	if data.Value > 0 {
		options = append(options, zpay32.Amount(data.Value))
	}

	payReq, err := zpay32.NewInvoice(
		i.cfg.ChainParams, paymentHash, creationDate, options...,
	)
	if err != nil {
		return nil, "", err
	}

	payReqString, err := payReq.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return i.cfg.NodeKey.SignMessageCompact(msg, false)
		},
	})
	if err != nil {
		return nil, "", err
	}

	invoice := &channeldb.Invoice{
		Memo:           []byte(data.Memo),
		PaymentRequest: []byte(payReqString),
		CreationDate:   creationDate,
		Preimage:       preimage,
		Value:          data.Value,
		FinalCltvDelta: cltvDelta,
		Expiry:         expiry,
		State:          channeldb.ContractOpen,
	}

	if _, err := i.AddInvoice(invoice); err != nil {
		return nil, "", err
	}

	log.Infof("Invoice(%v): created for %v, expiry=%v", paymentHash,
		data.Value, expiry)

	return invoice, payReqString, nil
}
