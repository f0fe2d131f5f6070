package hopd

import (
	"errors"
	"testing"
	"time"

	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/stretchr/testify/require"
)

type mockInvoices struct {
	invoices map[lntypes.Hash]channeldb.Invoice
	err      error
}

func (m *mockInvoices) LookupInvoice(
	hash lntypes.Hash) (channeldb.Invoice, error) {

	if m.err != nil {
		return channeldb.Invoice{}, m.err
	}

	invoice, ok := m.invoices[hash]
	if !ok {
		return channeldb.Invoice{}, channeldb.ErrInvoiceNotFound
	}

	return invoice, nil
}

// TestPreimageBeaconLookup checks invoice preimages are found first and
// learned preimages through the witness cache.
func TestPreimageBeaconLookup(t *testing.T) {
	t.Parallel()

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	own := lntypes.Preimage{1}
	learned := lntypes.Preimage{2}

	invoices := &mockInvoices{
		invoices: map[lntypes.Hash]channeldb.Invoice{
			own.Hash(): {Preimage: own},
		},
	}
	beacon := newPreimageBeacon(invoices, db.NewWitnessCache(), nil)

	preimage, ok := beacon.LookupPreimage(own.Hash())
	require.True(t, ok)
	require.Equal(t, own, preimage)

	_, ok = beacon.LookupPreimage(learned.Hash())
	require.False(t, ok)

	require.NoError(t, beacon.AddPreimages())
	require.NoError(t, beacon.AddPreimages(learned))

	preimage, ok = beacon.LookupPreimage(learned.Hash())
	require.True(t, ok)
	require.Equal(t, learned, preimage)

	// Lookups fail closed when the registry errors.
	invoices.err = errors.New("db closed")
	_, ok = beacon.LookupPreimage(own.Hash())
	require.False(t, ok)
}

// TestPreimageBeaconCompletesPayment checks a preimage learned on chain
// marks the matching in-flight payment as succeeded.
func TestPreimageBeaconCompletesPayment(t *testing.T) {
	t.Parallel()

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	payments := channeldb.NewPaymentControl(db)
	beacon := newPreimageBeacon(
		&mockInvoices{}, db.NewWitnessCache(), payments,
	)

	preimage := lntypes.Preimage{3}
	require.NoError(t, payments.InitPayment(&channeldb.Payment{
		PaymentHash:  preimage.Hash(),
		Value:        10_000,
		CreationTime: time.Unix(1_700_000_000, 0),
	}))

	// Preimages of unknown payments are only cached.
	require.NoError(t, beacon.AddPreimages(preimage, lntypes.Preimage{4}))

	payment, err := payments.FetchPayment(preimage.Hash())
	require.NoError(t, err)
	require.Equal(t, channeldb.StatusSucceeded, payment.Status)
	require.Equal(t, preimage, payment.Preimage)

	// Adding it again is harmless.
	require.NoError(t, beacon.AddPreimages(preimage))
}
