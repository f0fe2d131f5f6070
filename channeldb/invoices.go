package channeldb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// invoiceBucket is the name of the bucket within the database that
	// stores all data related to invoices no matter their final state.
	// Within the invoice bucket, each invoice is keyed by its payment
	// hash.
	//
	// invoice-bucket -> payment hash -> invoice
	invoiceBucket = []byte("invoice-bucket")

	// addIndexBucket is an index bucket that we'll use to create a
	// monotonically increasing set of add indexes. Each time we add a new
	// invoice, this sequence number will be incremented and then populated
	// within the new invoice.
	//
	// In addition to this sequence number, we map:
	//
	//   addIndexNo => payHash
	addIndexBucket = []byte("invoice-add-index")
)

const (
	// A set of tlv type definitions used to serialize invoice htlcs to the
	// database.
	//
	// NOTE: A migration should be added whenever this list changes. This
	// prevents against the database being rolled back to an older
	// format where the surrounding logic might assume a different set of
	// fields are known.
	memoType        tlv.Type = 0
	payReqType      tlv.Type = 1
	createTimeType  tlv.Type = 2
	settleTimeType  tlv.Type = 3
	addIndexType    tlv.Type = 4
	settleIndexType tlv.Type = 5
	preimageType    tlv.Type = 6
	valueType       tlv.Type = 7
	cltvDeltaType   tlv.Type = 8
	expiryType      tlv.Type = 9
	invStateType    tlv.Type = 10
	amtPaidType     tlv.Type = 11
)

// ContractState describes the state the invoice is in.
type ContractState uint8

const (
	// ContractOpen means the invoice has only been created.
	ContractOpen ContractState = 0

	// ContractSettled means the htlc is settled and the invoice has been
	// paid.
	ContractSettled ContractState = 1

	// ContractCanceled means the invoice has been canceled.
	ContractCanceled ContractState = 2
)

// String returns a human readable identifier for the ContractState type.
func (c ContractState) String() string {
	switch c {
	case ContractOpen:
		return "Open"

	case ContractSettled:
		return "Settled"

	case ContractCanceled:
		return "Canceled"
	}

	return "Unknown"
}

// Invoice is a payment invoice generated by a payee in order to request
// payment for some good or service. The inclusion of invoices within Lightning
// creates a payment work flow for merchants very similar to that of the
// existing financial system within PayPal, etc.  Invoices are added to the
// database when a payment is requested, then can be settled manually once the
// payment is received at the upper layer.
type Invoice struct {
	// Memo is an optional memo to be stored along side an invoice.  The
	// memo may contain further details pertaining to the invoice itself,
	// or any other message which fits within the size constraints.
	Memo []byte

	// PaymentRequest is the encoded payment request for this invoice.
	PaymentRequest []byte

	// CreationDate is the exact time the invoice was created.
	CreationDate time.Time

	// SettleDate is the exact time the invoice was settled.
	SettleDate time.Time

	// Preimage is the preimage which is to be revealed in the occasion
	// that an HTLC paying to the hash of this preimage is extended.
	Preimage lntypes.Preimage

	// Value is the expected amount of milli-satoshis to be paid to an
	// HTLC which can be satisfied by the above preimage.
	Value lnwire.MilliSatoshi

	// FinalCltvDelta is the minimum required number of blocks before htlc
	// expiry when the invoice is accepted.
	FinalCltvDelta uint32

	// Expiry defines how long after creation this invoice should expire.
	Expiry time.Duration

	// State describes the state the invoice is in.
	State ContractState

	// AmtPaid is the final amount that we ultimately accepted for pay for
	// this invoice. We specify this value independently as it's possible
	// that the invoice originally didn't specify an amount, or the sender
	// overpaid.
	AmtPaid lnwire.MilliSatoshi

	// AddIndex is an auto-incrementing integer that acts as a
	// monotonically increasing sequence number for all invoices created.
	AddIndex uint64

	// SettleIndex is an auto-incrementing integer that acts as a
	// monotonically increasing sequence number for all settled invoices.
	SettleIndex uint64
}

// PaymentHash returns the hash the invoice is keyed by.
func (i *Invoice) PaymentHash() lntypes.Hash {
	return i.Preimage.Hash()
}

// IsExpired returns true if the invoice can no longer be paid at now.
func (i *Invoice) IsExpired(now time.Time) bool {
	return i.Expiry > 0 && now.After(i.CreationDate.Add(i.Expiry))
}

// AddInvoice inserts the targeted invoice into the database. If the invoice has
// *any* payment hashes which already exists within the database, then the
// insertion will be aborted and rejected due to the strict policy banning any
// duplicate payment hashes.
func (d *DB) AddInvoice(newInvoice *Invoice) (uint64, error) {
	var invoiceAddIndex uint64
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		invoices := tx.ReadWriteBucket(invoiceBucket)
		if invoices == nil {
			return ErrNoChanDBExists
		}

		hash := newInvoice.PaymentHash()
		if invoices.Get(hash[:]) != nil {
			return ErrDuplicateInvoice
		}

		addIndex, err := invoices.CreateBucketIfNotExists(
			addIndexBucket,
		)
		if err != nil {
			return err
		}

		// Obtain the new add index for this invoice, the sequence
		// number within the add index bucket.
		nextAddSeqNo, err := addIndex.NextSequence()
		if err != nil {
			return err
		}

		var seqNoBytes [8]byte
		byteOrder.PutUint64(seqNoBytes[:], nextAddSeqNo)
		if err := addIndex.Put(seqNoBytes[:], hash[:]); err != nil {
			return err
		}

		newInvoice.AddIndex = nextAddSeqNo
		invoiceAddIndex = nextAddSeqNo

		var b bytes.Buffer
		if err := serializeInvoice(&b, newInvoice); err != nil {
			return err
		}

		return invoices.Put(hash[:], b.Bytes())
	}, func() {
		invoiceAddIndex = 0
	})
	if err != nil {
		return 0, err
	}

	return invoiceAddIndex, nil
}

// LookupInvoice attempts to look up an invoice according to its 32 byte
// payment hash. If an invoice which can settle the HTLC identified by the
// passed payment hash isn't found, then an error is returned. Otherwise, the
// full invoice is returned.
func (d *DB) LookupInvoice(hash lntypes.Hash) (Invoice, error) {
	var invoice Invoice
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		invoices := tx.ReadBucket(invoiceBucket)
		if invoices == nil {
			return ErrNoInvoicesCreated
		}

		invoiceBytes := invoices.Get(hash[:])
		if invoiceBytes == nil {
			return ErrInvoiceNotFound
		}

		var err error
		invoice, err = deserializeInvoice(bytes.NewReader(invoiceBytes))

		return err
	}, func() {
		invoice = Invoice{}
	})

	return invoice, err
}

// FetchInvoices returns all invoices in the order they were added.
func (d *DB) FetchInvoices(pendingOnly bool) ([]Invoice, error) {
	var result []Invoice
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		invoices := tx.ReadBucket(invoiceBucket)
		if invoices == nil {
			return ErrNoInvoicesCreated
		}

		addIndex := invoices.NestedReadBucket(addIndexBucket)
		if addIndex == nil {
			return nil
		}

		return addIndex.ForEach(func(_, hash []byte) error {
			invoiceBytes := invoices.Get(hash)
			if invoiceBytes == nil {
				return fmt.Errorf("add index references "+
					"unknown invoice %x", hash)
			}

			invoice, err := deserializeInvoice(
				bytes.NewReader(invoiceBytes),
			)
			if err != nil {
				return err
			}

			if pendingOnly && invoice.State != ContractOpen {
				return nil
			}
			result = append(result, invoice)

			return nil
		})
	}, func() {
		result = nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// InvoicesAddedSince returns all invoices with an add index greater than
// sinceAddIndex, in add order.
func (d *DB) InvoicesAddedSince(sinceAddIndex uint64) ([]Invoice, error) {
	all, err := d.FetchInvoices(false)
	switch {
	case errors.Is(err, ErrNoInvoicesCreated):
		return nil, nil
	case err != nil:
		return nil, err
	}

	var added []Invoice
	for _, invoice := range all {
		if invoice.AddIndex > sinceAddIndex {
			added = append(added, invoice)
		}
	}

	return added, nil
}

// InvoicesSettledSince returns all invoices settled with a settle index
// greater than sinceSettleIndex, in settle order.
func (d *DB) InvoicesSettledSince(sinceSettleIndex uint64) ([]Invoice,
	error) {

	all, err := d.FetchInvoices(false)
	switch {
	case errors.Is(err, ErrNoInvoicesCreated):
		return nil, nil
	case err != nil:
		return nil, err
	}

	var settled []Invoice
	for _, invoice := range all {
		if invoice.State == ContractSettled &&
			invoice.SettleIndex > sinceSettleIndex {

			settled = append(settled, invoice)
		}
	}
	sort.Slice(settled, func(i, j int) bool {
		return settled[i].SettleIndex < settled[j].SettleIndex
	})

	return settled, nil
}

// SettleInvoice marks the invoice of the hash as paid with amtPaid. The
// settled invoice is returned.
func (d *DB) SettleInvoice(hash lntypes.Hash,
	amtPaid lnwire.MilliSatoshi) (*Invoice, error) {

	return d.updateInvoice(hash, func(invoice *Invoice) error {
		switch invoice.State {
		case ContractSettled:
			return ErrInvoiceAlreadySettled
		case ContractCanceled:
			return ErrInvoiceAlreadyCanceled
		}

		invoice.State = ContractSettled
		invoice.AmtPaid = amtPaid
		invoice.SettleDate = d.clock.Now()

		return nil
	})
}

// CancelInvoice marks an open invoice as canceled so it can't be paid
// anymore.
func (d *DB) CancelInvoice(hash lntypes.Hash) (*Invoice, error) {
	return d.updateInvoice(hash, func(invoice *Invoice) error {
		switch invoice.State {
		case ContractSettled:
			return ErrInvoiceAlreadySettled
		case ContractCanceled:
			return ErrInvoiceAlreadyCanceled
		}

		invoice.State = ContractCanceled

		return nil
	})
}

// updateInvoice applies the callback to the invoice and writes it back. Settle
// indexes are handed out from the invoice bucket's sequence.
func (d *DB) updateInvoice(hash lntypes.Hash,
	callback func(*Invoice) error) (*Invoice, error) {

	var updated *Invoice
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		invoices := tx.ReadWriteBucket(invoiceBucket)
		if invoices == nil {
			return ErrNoInvoicesCreated
		}

		invoiceBytes := invoices.Get(hash[:])
		if invoiceBytes == nil {
			return ErrInvoiceNotFound
		}

		invoice, err := deserializeInvoice(bytes.NewReader(invoiceBytes))
		if err != nil {
			return err
		}

		prevState := invoice.State
		if err := callback(&invoice); err != nil {
			return err
		}

		if prevState != ContractSettled &&
			invoice.State == ContractSettled {

			settleIndex, err := invoices.NextSequence()
			if err != nil {
				return err
			}
			invoice.SettleIndex = settleIndex
		}

		var b bytes.Buffer
		if err := serializeInvoice(&b, &invoice); err != nil {
			return err
		}
		updated = &invoice

		return invoices.Put(hash[:], b.Bytes())
	}, func() {
		updated = nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// serializeInvoice serializes an invoice to a writer.
//
// Note: this function is in use for a migration. Before making changes that
// would modify the serialized format, make a copy of the current function and
// use that instead in the migration.
func serializeInvoice(w io.Writer, i *Invoice) error {
	creationDateBytes, err := i.CreationDate.MarshalBinary()
	if err != nil {
		return err
	}

	settleDateBytes, err := i.SettleDate.MarshalBinary()
	if err != nil {
		return err
	}

	preimage := [32]byte(i.Preimage)
	value := uint64(i.Value)
	expiry := uint64(i.Expiry)
	amtPaid := uint64(i.AmtPaid)
	state := uint8(i.State)

	tlvStream, err := tlv.NewStream(
		// Memo and payreq.
		tlv.MakePrimitiveRecord(memoType, &i.Memo),
		tlv.MakePrimitiveRecord(payReqType, &i.PaymentRequest),

		// Add/settle metadata.
		tlv.MakePrimitiveRecord(createTimeType, &creationDateBytes),
		tlv.MakePrimitiveRecord(settleTimeType, &settleDateBytes),
		tlv.MakePrimitiveRecord(addIndexType, &i.AddIndex),
		tlv.MakePrimitiveRecord(settleIndexType, &i.SettleIndex),

		// Terms.
		tlv.MakePrimitiveRecord(preimageType, &preimage),
		tlv.MakePrimitiveRecord(valueType, &value),
		tlv.MakePrimitiveRecord(cltvDeltaType, &i.FinalCltvDelta),
		tlv.MakePrimitiveRecord(expiryType, &expiry),

		// Invoice state.
		tlv.MakePrimitiveRecord(invStateType, &state),
		tlv.MakePrimitiveRecord(amtPaidType, &amtPaid),
	)
	if err != nil {
		return err
	}

	return tlvStream.Encode(w)
}

func deserializeInvoice(r io.Reader) (Invoice, error) {
	var (
		preimage [32]byte
		value    uint64
		expiry   uint64
		amtPaid  uint64
		state    uint8

		creationDateBytes []byte
		settleDateBytes   []byte
	)

	var i Invoice
	tlvStream, err := tlv.NewStream(
		// Memo and payreq.
		tlv.MakePrimitiveRecord(memoType, &i.Memo),
		tlv.MakePrimitiveRecord(payReqType, &i.PaymentRequest),

		// Add/settle metadata.
		tlv.MakePrimitiveRecord(createTimeType, &creationDateBytes),
		tlv.MakePrimitiveRecord(settleTimeType, &settleDateBytes),
		tlv.MakePrimitiveRecord(addIndexType, &i.AddIndex),
		tlv.MakePrimitiveRecord(settleIndexType, &i.SettleIndex),

		// Terms.
		tlv.MakePrimitiveRecord(preimageType, &preimage),
		tlv.MakePrimitiveRecord(valueType, &value),
		tlv.MakePrimitiveRecord(cltvDeltaType, &i.FinalCltvDelta),
		tlv.MakePrimitiveRecord(expiryType, &expiry),

		// Invoice state.
		tlv.MakePrimitiveRecord(invStateType, &state),
		tlv.MakePrimitiveRecord(amtPaidType, &amtPaid),
	)
	if err != nil {
		return i, err
	}

	if err := tlvStream.Decode(r); err != nil {
		return i, err
	}

	i.Preimage = lntypes.Preimage(preimage)
	i.Value = lnwire.MilliSatoshi(value)
	i.Expiry = time.Duration(expiry)
	i.AmtPaid = lnwire.MilliSatoshi(amtPaid)
	i.State = ContractState(state)

	if err := i.CreationDate.UnmarshalBinary(creationDateBytes); err != nil {
		return i, err
	}

	if err := i.SettleDate.UnmarshalBinary(settleDateBytes); err != nil {
		return i, err
	}

	return i, nil
}
