package channeldb

import (
	"testing"
	"time"

	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

func testInvoice(t *testing.T, seed byte) *Invoice {
	var preimage lntypes.Preimage
	preimage[0] = seed
	preimage[31] = 0xaa

	return &Invoice{
		Memo:           []byte("coffee"),
		PaymentRequest: []byte("lnhop1qqq"),
		CreationDate:   time.Unix(1_700_000_000, 0),
		Preimage:       preimage,
		Value:          lnwire.MilliSatoshi(25_000),
		FinalCltvDelta: 40,
		Expiry:         time.Hour,
		State:          ContractOpen,
	}
}

func TestInvoiceWorkflow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_500, 0)
	cdb, err := MakeTestDB(t, OptionClock(clock.NewTestClock(now)))
	require.NoError(t, err)

	first := testInvoice(t, 1)
	second := testInvoice(t, 2)

	addIndex, err := cdb.AddInvoice(first)
	require.NoError(t, err)
	require.Equal(t, uint64(1), addIndex)

	_, err = cdb.AddInvoice(first)
	require.ErrorIs(t, err, ErrDuplicateInvoice)

	addIndex, err = cdb.AddInvoice(second)
	require.NoError(t, err)
	require.Equal(t, uint64(2), addIndex)

	stored, err := cdb.LookupInvoice(first.PaymentHash())
	require.NoError(t, err)
	require.Equal(t, first.Memo, stored.Memo)
	require.Equal(t, first.Value, stored.Value)
	require.Equal(t, first.Expiry, stored.Expiry)
	require.True(t, first.CreationDate.Equal(stored.CreationDate))
	require.True(t, stored.Preimage.Matches(first.PaymentHash()))

	settled, err := cdb.SettleInvoice(first.PaymentHash(), 26_000)
	require.NoError(t, err)
	require.Equal(t, ContractSettled, settled.State)
	require.Equal(t, lnwire.MilliSatoshi(26_000), settled.AmtPaid)
	require.NotZero(t, settled.SettleIndex)
	require.True(t, now.Equal(settled.SettleDate))

	_, err = cdb.SettleInvoice(first.PaymentHash(), 26_000)
	require.ErrorIs(t, err, ErrInvoiceAlreadySettled)
	_, err = cdb.CancelInvoice(first.PaymentHash())
	require.ErrorIs(t, err, ErrInvoiceAlreadySettled)

	canceled, err := cdb.CancelInvoice(second.PaymentHash())
	require.NoError(t, err)
	require.Equal(t, ContractCanceled, canceled.State)

	_, err = cdb.SettleInvoice(second.PaymentHash(), 1)
	require.ErrorIs(t, err, ErrInvoiceAlreadyCanceled)

	all, err := cdb.FetchInvoices(false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, uint64(1), all[0].AddIndex)

	pending, err := cdb.FetchInvoices(true)
	require.NoError(t, err)
	require.Empty(t, pending)

	var unknown lntypes.Hash
	_, err = cdb.LookupInvoice(unknown)
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestInvoiceExpiry(t *testing.T) {
	t.Parallel()

	invoice := testInvoice(t, 3)
	require.False(t, invoice.IsExpired(invoice.CreationDate.Add(time.Minute)))
	require.True(t, invoice.IsExpired(invoice.CreationDate.Add(2*time.Hour)))

	invoice.Expiry = 0
	require.False(t, invoice.IsExpired(invoice.CreationDate.Add(time.Hour*1e4)))
}
