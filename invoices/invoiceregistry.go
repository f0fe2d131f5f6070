package invoices

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnutils"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// HtlcResolution describes how an htlc that reached us as the final hop must
// be resolved. Preimage is set iff the htlc is to be settled.
type HtlcResolution struct {
	// Preimage settles the htlc. Nil for a failure.
	Preimage *lntypes.Preimage

	// Outcome is why the htlc is settled or failed.
	Outcome ResolutionResult

	// AcceptHeight is the height at which the htlc was resolved.
	AcceptHeight int32
}

// RegistryConfig holds the dependencies of the invoice registry.
type RegistryConfig struct {
	// DB is the store invoices are persisted in.
	DB *channeldb.DB

	// Clock decides invoice creation times and expiry.
	Clock clock.Clock

	// ChainParams selects the payment request prefix.
	ChainParams *chaincfg.Params

	// NodeKey signs payment requests.
	NodeKey *keychain.NodeKey

	// FinalCltvRejectDelta is the number of blocks before the expiry of
	// an htlc at which we no longer settle it and fail it back instead.
	FinalCltvRejectDelta int32

	// ExpiryTicker drives the sweep that cancels expired open invoices.
	ExpiryTicker ticker.Ticker
}

// InvoiceRegistry is the central registry of all the outstanding invoices
// created by the daemon. Every state change is written to the store first,
// then dispatched to subscribers in order by a single notifier goroutine.
type InvoiceRegistry struct {
	sync.Mutex

	cfg *RegistryConfig

	clientMtx                 sync.Mutex
	nextClientID              uint32
	notificationClients       map[uint32]*InvoiceSubscription
	singleNotificationClients map[uint32]*SingleInvoiceSubscription

	newSubscriptions    chan *InvoiceSubscription
	subscriptionCancels chan uint32

	// invoiceEvents is a single channel over which both invoice updates and
	// new single invoice subscriptions are carried.
	invoiceEvents chan interface{}

	started sync.Once
	stopped sync.Once
	wg      sync.WaitGroup
	quit    chan struct{}
}

// NewRegistry creates a new invoice registry over the given store.
func NewRegistry(cfg *RegistryConfig) *InvoiceRegistry {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &InvoiceRegistry{
		cfg:                       cfg,
		notificationClients:       make(map[uint32]*InvoiceSubscription),
		singleNotificationClients: make(map[uint32]*SingleInvoiceSubscription),
		newSubscriptions:          make(chan *InvoiceSubscription),
		subscriptionCancels:       make(chan uint32),
		invoiceEvents:             make(chan interface{}, 100),
		quit:                      make(chan struct{}),
	}
}

// Start launches the notifier and the expiry sweep.
func (i *InvoiceRegistry) Start() error {
	i.started.Do(func() {
		log.Info("InvoiceRegistry starting")

		i.wg.Add(1)
		go i.invoiceEventNotifier()

		if i.cfg.ExpiryTicker != nil {
			i.cfg.ExpiryTicker.Resume()

			i.wg.Add(1)
			go i.expiryWatcher()
		}
	})

	return nil
}

// Stop signals the registry for a graceful shutdown.
func (i *InvoiceRegistry) Stop() error {
	i.stopped.Do(func() {
		log.Info("InvoiceRegistry shutting down...")

		if i.cfg.ExpiryTicker != nil {
			i.cfg.ExpiryTicker.Stop()
		}
		close(i.quit)

		i.wg.Wait()
	})

	return nil
}

// invoiceEvent is a state change of one invoice.
type invoiceEvent struct {
	hash    lntypes.Hash
	invoice *channeldb.Invoice
}

// invoiceEventNotifier is the dedicated goroutine responsible for accepting
// new notification subscriptions, cancelling old subscriptions, and
// dispatching new invoice events.
func (i *InvoiceRegistry) invoiceEventNotifier() {
	defer i.wg.Done()

	for {
		select {
		// A new invoice subscription for all invoices has just arrived!
		// We'll query for any backlog notifications, then add it to the
		// set of clients.
		case newClient := <-i.newSubscriptions:
			err := i.deliverBacklogEvents(newClient)
			if err != nil {
				log.Errorf("Unable to deliver backlog invoice "+
					"notifications: %v", err)
			}

			log.Infof("New invoice subscription client: id=%v",
				newClient.id)

			i.notificationClients[newClient.id] = newClient

		case clientID := <-i.subscriptionCancels:
			log.Infof("Cancelling invoice subscription for "+
				"client=%v", clientID)

			delete(i.notificationClients, clientID)
			delete(i.singleNotificationClients, clientID)

		// Invoice updates and single invoice subscriptions share one
		// channel so a subscriber gets a consistent view of the
		// event sequence.
		case event := <-i.invoiceEvents:
			switch e := event.(type) {
			case *invoiceEvent:
				// Cancel events only go to single invoice
				// subscribers.
				if e.invoice.State != channeldb.ContractCanceled {
					i.dispatchToClients(e)
				}
				i.dispatchToSingleClients(e)

			case *SingleInvoiceSubscription:
				log.Infof("New single invoice subscription "+
					"client: id=%v, hash=%v", e.id, e.hash)

				i.singleNotificationClients[e.id] = e
			}

		case <-i.quit:
			return
		}
	}
}

// expiryWatcher cancels open invoices once they are past their expiry.
func (i *InvoiceRegistry) expiryWatcher() {
	defer i.wg.Done()

	for {
		select {
		case <-i.cfg.ExpiryTicker.Ticks():
			if err := i.cancelExpired(); err != nil {
				log.Errorf("Unable to cancel expired invoices: %v",
					err)
			}

		case <-i.quit:
			return
		}
	}
}

// cancelExpired cancels every open invoice past its expiry and returns the
// first error encountered.
func (i *InvoiceRegistry) cancelExpired() error {
	pending, err := i.cfg.DB.FetchInvoices(true)
	switch {
	case errors.Is(err, channeldb.ErrNoInvoicesCreated):
		return nil
	case err != nil:
		return err
	}

	now := i.cfg.Clock.Now()
	for idx := range pending {
		invoice := pending[idx]
		if !invoice.IsExpired(now) {
			continue
		}

		log.Debugf("Invoice(%v): expired at %v", invoice.PaymentHash(),
			invoice.CreationDate.Add(invoice.Expiry))

		err := i.CancelInvoice(invoice.PaymentHash())
		if err != nil && !errors.Is(err, channeldb.ErrInvoiceAlreadySettled) {
			return err
		}
	}

	return nil
}

// AddInvoice stores a new open invoice keyed by the hash of its preimage and
// returns its add index. The index is also set on the invoice.
func (i *InvoiceRegistry) AddInvoice(invoice *channeldb.Invoice) (uint64,
	error) {

	i.Lock()
	defer i.Unlock()

	paymentHash := invoice.PaymentHash()

	log.Debugf("Invoice(%v): added %v", paymentHash,
		lnutils.SpewLogClosure(invoice))

	addIndex, err := i.cfg.DB.AddInvoice(invoice)
	if err != nil {
		return 0, err
	}

	i.notifyClients(paymentHash, invoice)

	return addIndex, nil
}

// LookupInvoice looks up an invoice by its payment hash.
func (i *InvoiceRegistry) LookupInvoice(rHash lntypes.Hash) (channeldb.Invoice,
	error) {

	return i.cfg.DB.LookupInvoice(rHash)
}

// NotifyExitHopHtlc decides the fate of an htlc paying one of our invoices.
// A payable invoice is settled and the preimage handed back. An htlc paying
// an already settled invoice is settled again with the same preimage if it
// pays at least the invoice amount. Failures are returned as a resolution
// without a preimage rather than an error, errors are store failures.
func (i *InvoiceRegistry) NotifyExitHopHtlc(rHash lntypes.Hash,
	amtPaid lnwire.MilliSatoshi, expiry uint32,
	currentHeight int32) (*HtlcResolution, error) {

	i.Lock()
	defer i.Unlock()

	resolve := func(outcome ResolutionResult,
		preimage *lntypes.Preimage) (*HtlcResolution, error) {

		log.Debugf("Invoice(%v): %v, amt=%v, expiry=%v, height=%v",
			rHash, outcome, amtPaid, expiry, currentHeight)

		return &HtlcResolution{
			Preimage:     preimage,
			Outcome:      outcome,
			AcceptHeight: currentHeight,
		}, nil
	}

	invoice, err := i.cfg.DB.LookupInvoice(rHash)
	switch {
	case errors.Is(err, channeldb.ErrInvoiceNotFound),
		errors.Is(err, channeldb.ErrNoInvoicesCreated):

		return resolve(ResultInvoiceNotFound, nil)

	case err != nil:
		return nil, err
	}

	// An under payment fails no matter the state so a paid invoice does
	// not answer differently to test payments.
	if amtPaid < invoice.Value {
		return resolve(ResultAmountTooLow, nil)
	}

	switch invoice.State {
	case channeldb.ContractSettled:
		preimage := invoice.Preimage
		return resolve(ResultReplayToSettled, &preimage)

	case channeldb.ContractCanceled:
		return resolve(ResultInvoiceAlreadyCanceled, nil)
	}

	if invoice.IsExpired(i.cfg.Clock.Now()) {
		return resolve(ResultInvoiceExpired, nil)
	}

	// The htlc must leave enough blocks to claim it on chain, both with
	// respect to our own reject delta and the delta the invoice asked
	// for.
	blocksLeft := int64(expiry) - int64(currentHeight)
	if blocksLeft < int64(i.cfg.FinalCltvRejectDelta) ||
		blocksLeft < int64(invoice.FinalCltvDelta) {

		return resolve(ResultExpiryTooSoon, nil)
	}

	settled, err := i.cfg.DB.SettleInvoice(rHash, amtPaid)
	if err != nil {
		return nil, err
	}
	i.notifyClients(rHash, settled)

	preimage := settled.Preimage
	return resolve(ResultSettled, &preimage)
}

// CancelInvoice cancels an open invoice. Canceling an already canceled
// invoice succeeds, canceling a settled one returns
// channeldb.ErrInvoiceAlreadySettled.
func (i *InvoiceRegistry) CancelInvoice(payHash lntypes.Hash) error {
	i.Lock()
	defer i.Unlock()

	log.Debugf("Invoice(%v): canceling invoice", payHash)

	invoice, err := i.cfg.DB.CancelInvoice(payHash)
	if errors.Is(err, channeldb.ErrInvoiceAlreadyCanceled) {
		log.Debugf("Invoice(%v): already canceled", payHash)
		return nil
	}
	if err != nil {
		return err
	}

	log.Debugf("Invoice(%v): canceled", payHash)

	i.notifyClients(payHash, invoice)

	return nil
}

// notifyClients hands an invoice state change to the notifier.
func (i *InvoiceRegistry) notifyClients(hash lntypes.Hash,
	invoice *channeldb.Invoice) {

	event := &invoiceEvent{
		invoice: invoice,
		hash:    hash,
	}

	select {
	case i.invoiceEvents <- event:
	case <-i.quit:
	}
}
