package invoices

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/lightningnetwork/lnd/queue"
)

// invoiceSubscriptionKit holds what all-invoice and single-invoice
// subscribers share.
type invoiceSubscriptionKit struct {
	id        uint32
	inv       *InvoiceRegistry
	ntfnQueue *queue.ConcurrentQueue

	canceled   atomic.Bool
	cancelChan chan struct{}
	wg         sync.WaitGroup
}

// InvoiceSubscription receives every newly added and every newly settled
// invoice, starting after the add and settle indexes it was created with.
type InvoiceSubscription struct {
	invoiceSubscriptionKit

	// NewInvoices receives newly created invoices.
	NewInvoices chan *channeldb.Invoice

	// SettledInvoices receives newly settled invoices.
	SettledInvoices chan *channeldb.Invoice

	// addIndex is the highest add index the client has seen.
	addIndex uint64

	// settleIndex is the highest settle index the client has seen.
	settleIndex uint64
}

// SingleInvoiceSubscription receives every state of one invoice, starting
// with its current one.
type SingleInvoiceSubscription struct {
	invoiceSubscriptionKit

	hash lntypes.Hash

	// Updates receives each state of the invoice.
	Updates chan *channeldb.Invoice
}

// Cancel unregisters the subscription, freeing any previously allocated
// resources.
func (i *invoiceSubscriptionKit) Cancel() {
	if !i.canceled.CompareAndSwap(false, true) {
		return
	}

	select {
	case i.inv.subscriptionCancels <- i.id:
	case <-i.inv.quit:
	}

	i.ntfnQueue.Stop()
	close(i.cancelChan)

	i.wg.Wait()
}

func (i *invoiceSubscriptionKit) notify(event *invoiceEvent) error {
	select {
	case i.ntfnQueue.ChanIn() <- event:
	case <-i.inv.quit:
		return ErrShuttingDown
	}

	return nil
}

// dispatchToSingleClients passes the event to the clients watching its
// invoice.
func (i *InvoiceRegistry) dispatchToSingleClients(event *invoiceEvent) {
	for _, client := range i.singleNotificationClients {
		if client.hash != event.hash {
			continue
		}

		if err := client.notify(event); err != nil {
			return
		}
	}
}

// dispatchToClients passes the event to all invoice clients. Add and settle
// indexes make sure a client never sees an event twice, which can happen when
// an event is added while a new client is being caught up.
func (i *InvoiceRegistry) dispatchToClients(event *invoiceEvent) {
	invoice := event.invoice

	for clientID, client := range i.notificationClients {
		state := invoice.State
		switch {
		case state == channeldb.ContractSettled &&
			client.settleIndex >= invoice.SettleIndex:
			continue

		case state == channeldb.ContractOpen &&
			client.addIndex >= invoice.AddIndex:
			continue

		case state == channeldb.ContractOpen &&
			client.addIndex+1 != invoice.AddIndex:
			log.Warnf("client=%v for invoice notifications missed "+
				"an update, add_index=%v, new add event "+
				"index=%v", clientID, client.addIndex,
				invoice.AddIndex)

		case state == channeldb.ContractSettled &&
			client.settleIndex+1 != invoice.SettleIndex:
			log.Warnf("client=%v for invoice notifications missed "+
				"an update, settle_index=%v, new settle event "+
				"index=%v", clientID, client.settleIndex,
				invoice.SettleIndex)
		}

		select {
		case client.ntfnQueue.ChanIn() <- &invoiceEvent{
			invoice: invoice,
		}:
		case <-i.quit:
			return
		}

		switch state {
		case channeldb.ContractSettled:
			client.settleIndex = invoice.SettleIndex
		case channeldb.ContractOpen:
			client.addIndex = invoice.AddIndex
		default:
			log.Errorf("Unexpected invoice state: %v", state)
		}
	}
}

// deliverBacklogEvents queues the adds and settles the client missed since
// the indexes it subscribed with.
func (i *InvoiceRegistry) deliverBacklogEvents(
	client *InvoiceSubscription) error {

	addEvents, err := i.cfg.DB.InvoicesAddedSince(client.addIndex)
	if err != nil {
		return err
	}

	settleEvents, err := i.cfg.DB.InvoicesSettledSince(client.settleIndex)
	if err != nil {
		return err
	}

	// The backlog is delivered with the state each invoice had at that
	// point of the sequence.
	for idx := range addEvents {
		addEvent := addEvents[idx]
		addEvent.State = channeldb.ContractOpen

		select {
		case client.ntfnQueue.ChanIn() <- &invoiceEvent{
			invoice: &addEvent,
		}:
		case <-i.quit:
			return ErrShuttingDown
		}
		client.addIndex = addEvent.AddIndex
	}

	for idx := range settleEvents {
		settleEvent := settleEvents[idx]

		select {
		case client.ntfnQueue.ChanIn() <- &invoiceEvent{
			invoice: &settleEvent,
		}:
		case <-i.quit:
			return ErrShuttingDown
		}
		client.settleIndex = settleEvent.SettleIndex
	}

	return nil
}

// deliverSingleBacklogEvents sends the current state of the invoice to a new
// single invoice subscriber. Nothing is sent if the invoice does not exist
// yet.
func (i *InvoiceRegistry) deliverSingleBacklogEvents(
	client *SingleInvoiceSubscription) error {

	invoice, err := i.cfg.DB.LookupInvoice(client.hash)
	if errors.Is(err, channeldb.ErrInvoiceNotFound) ||
		errors.Is(err, channeldb.ErrNoInvoicesCreated) {

		return nil
	}
	if err != nil {
		return err
	}

	return client.notify(&invoiceEvent{
		hash:    client.hash,
		invoice: &invoice,
	})
}

func (i *InvoiceRegistry) newSubscriptionKit() invoiceSubscriptionKit {
	i.clientMtx.Lock()
	id := i.nextClientID
	i.nextClientID++
	i.clientMtx.Unlock()

	return invoiceSubscriptionKit{
		id:         id,
		inv:        i,
		ntfnQueue:  queue.NewConcurrentQueue(20),
		cancelChan: make(chan struct{}),
	}
}

// SubscribeNotifications returns a subscription that first receives all
// invoices added after addIndex and settled after settleIndex, then every
// new add and settle as it happens.
func (i *InvoiceRegistry) SubscribeNotifications(addIndex,
	settleIndex uint64) *InvoiceSubscription {

	client := &InvoiceSubscription{
		NewInvoices:            make(chan *channeldb.Invoice),
		SettledInvoices:        make(chan *channeldb.Invoice),
		addIndex:               addIndex,
		settleIndex:            settleIndex,
		invoiceSubscriptionKit: i.newSubscriptionKit(),
	}
	client.ntfnQueue.Start()

	// Proxy the queue to the two client channels.
	client.wg.Add(1)
	go func() {
		defer client.wg.Done()

		for {
			select {
			case ntfn := <-client.ntfnQueue.ChanOut():
				event := ntfn.(*invoiceEvent)

				var targetChan chan *channeldb.Invoice
				state := event.invoice.State
				switch state {
				case channeldb.ContractOpen:
					targetChan = client.NewInvoices
				case channeldb.ContractSettled:
					targetChan = client.SettledInvoices
				default:
					log.Errorf("Unknown invoice state: %v",
						state)

					continue
				}

				select {
				case targetChan <- event.invoice:
				case <-client.cancelChan:
					return
				case <-i.quit:
					return
				}

			case <-client.cancelChan:
				return

			case <-i.quit:
				return
			}
		}
	}()

	select {
	case i.newSubscriptions <- client:
	case <-i.quit:
	}

	return client
}

// SubscribeSingleInvoice returns a subscription to every state change of the
// invoice with the given hash. The invoice does not need to exist yet.
func (i *InvoiceRegistry) SubscribeSingleInvoice(
	hash lntypes.Hash) (*SingleInvoiceSubscription, error) {

	client := &SingleInvoiceSubscription{
		Updates:                make(chan *channeldb.Invoice),
		invoiceSubscriptionKit: i.newSubscriptionKit(),
		hash:                   hash,
	}
	client.ntfnQueue.Start()

	client.wg.Add(1)
	go func() {
		defer client.wg.Done()

		for {
			select {
			case ntfn := <-client.ntfnQueue.ChanOut():
				event := ntfn.(*invoiceEvent)

				select {
				case client.Updates <- event.invoice:
				case <-client.cancelChan:
					return
				case <-i.quit:
					return
				}

			case <-client.cancelChan:
				return

			case <-i.quit:
				return
			}
		}
	}()

	// The current state is read and the subscription registered under the
	// registry lock so no update can slip in between.
	i.Lock()
	defer i.Unlock()

	if err := i.deliverSingleBacklogEvents(client); err != nil {
		return nil, err
	}

	select {
	case i.invoiceEvents <- client:
	case <-i.quit:
		return nil, ErrShuttingDown
	}

	return client, nil
}
