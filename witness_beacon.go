package hopd

import (
	"errors"

	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/contractcourt"
	"github.com/hopline/hopd/lntypes"
)

// invoiceLookup is the part of the invoice registry the beacon uses.
type invoiceLookup interface {
	LookupInvoice(rHash lntypes.Hash) (channeldb.Invoice, error)
}

// preimageBeacon is an implementation of the contractcourt.PreimageBeacon
// interface. It knows the preimages of our own invoices and every preimage
// learned from the network, either when one of our outgoing HTLCs is
// settled or when a counterparty claims it on chain.
type preimageBeacon struct {
	invoices invoiceLookup

	wCache *channeldb.WitnessCache

	// payments is optional. A preimage learned on chain completes the
	// payment it belongs to.
	payments *channeldb.PaymentControl
}

// newPreimageBeacon creates a beacon over the invoice registry and the
// witness cache of the store.
func newPreimageBeacon(invoices invoiceLookup, wCache *channeldb.WitnessCache,
	payments *channeldb.PaymentControl) *preimageBeacon {

	return &preimageBeacon{
		invoices: invoices,
		wCache:   wCache,
		payments: payments,
	}
}

// LookupPreimage attempts to lookup a preimage in the global cache. True is
// returned for the second argument if the preimage is found.
func (p *preimageBeacon) LookupPreimage(
	payHash lntypes.Hash) (lntypes.Preimage, bool) {

	// First, we'll check the invoice registry to see if we already know of
	// the preimage as it's on that we created ourselves.
	invoice, err := p.invoices.LookupInvoice(payHash)
	switch {
	case err == nil:
		return invoice.Preimage, true

	case errors.Is(err, channeldb.ErrInvoiceNotFound):
		// If we get this error, then it simply means that this invoice
		// wasn't found, so we don't treat it as a critical error.

	default:
		srvrLog.Errorf("Unable to lookup invoice %v: %v", payHash, err)
		return lntypes.Preimage{}, false
	}

	// Otherwise, we'll perform a final check using the witness cache.
	preimage, err := p.wCache.LookupSha256Witness(payHash)
	switch {
	case err == nil:
		return preimage, true

	case errors.Is(err, channeldb.ErrNoWitness):

	default:
		srvrLog.Errorf("Unable to lookup witness: %v", err)
	}

	return lntypes.Preimage{}, false
}

// AddPreimages adds a batch of newly discovered preimages to the global cache,
// and completes the local payments they belong to.
func (p *preimageBeacon) AddPreimages(preimages ...lntypes.Preimage) error {
	// Exit early if no preimages are presented.
	if len(preimages) == 0 {
		return nil
	}

	for _, preimage := range preimages {
		srvrLog.Infof("Adding preimage=%v to witness cache",
			preimage.Hash())
	}

	err := p.wCache.AddSha256Witnesses(preimages...)
	if err != nil {
		return err
	}

	if p.payments == nil {
		return nil
	}

	for _, preimage := range preimages {
		err := p.payments.Success(preimage.Hash(), preimage)
		switch {
		case err == nil:
			srvrLog.Infof("Payment %v settled on chain",
				preimage.Hash())

		case errors.Is(err, channeldb.ErrPaymentNotInitiated),
			errors.Is(err, channeldb.ErrPaymentAlreadyCompleted),
			errors.Is(err, channeldb.ErrPaymentNotInFlight):

		default:
			return err
		}
	}

	return nil
}

var _ contractcourt.PreimageBeacon = (*preimageBeacon)(nil)
