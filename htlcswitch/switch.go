package htlcswitch

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hopline/hopd/chanfsm"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/invoices"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/sphinx"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultFwdEventInterval is the interval at which forwarding events
	// are written to the forwarding log.
	DefaultFwdEventInterval = 15 * time.Second

	// eventQueueSize is the initial buffer of the channel event queue.
	eventQueueSize = 50
)

// InvoiceRegistry decides the fate of HTLCs that pay one of our invoices.
type InvoiceRegistry interface {
	NotifyExitHopHtlc(rHash lntypes.Hash, amtPaid lnwire.MilliSatoshi,
		expiry uint32, currentHeight int32) (*invoices.HtlcResolution,
		error)
}

// ForwardingPolicy is the policy applied to every HTLC we forward. It must
// match the channel updates we announce.
type ForwardingPolicy struct {
	// MinHTLC is the smallest amount we forward.
	MinHTLC lnwire.MilliSatoshi

	// BaseFee is the fixed fee per forwarded HTLC.
	BaseFee lnwire.MilliSatoshi

	// FeeRate is the proportional fee in millionths of the forwarded
	// amount.
	FeeRate lnwire.MilliSatoshi

	// TimeLockDelta is the number of blocks the incoming HTLC must
	// outlast the outgoing one.
	TimeLockDelta uint32
}

// ComputeFee returns the fee for forwarding amt.
func (p *ForwardingPolicy) ComputeFee(
	amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {

	return p.BaseFee + (amt*p.FeeRate)/1_000_000
}

// Config holds the dependencies of the switch. The channel operations are
// functions so the switch can be created before the channel manager it
// observes.
type Config struct {
	// OnionRouter peels the onions of incoming HTLCs.
	OnionRouter *sphinx.Router

	// Registry settles HTLCs that pay our invoices.
	Registry InvoiceRegistry

	// DB persists forwarded circuits and the forwarding log.
	DB *channeldb.DB

	// Payments records the outcome of local payments.
	Payments *channeldb.PaymentControl

	// AddHTLC offers an HTLC on a channel and returns its index.
	AddHTLC func(ctx context.Context, chanID lnwire.ChannelID,
		htlc *lnwire.UpdateAddHTLC) (uint64, error)

	// FulfillHTLC settles a received HTLC.
	FulfillHTLC func(ctx context.Context, chanID lnwire.ChannelID,
		index uint64, preimage lntypes.Preimage) error

	// FailHTLC fails a received HTLC with an encrypted reason.
	FailHTLC func(ctx context.Context, chanID lnwire.ChannelID,
		index uint64, reason []byte) error

	// BestHeight returns the current block height.
	BestHeight func() uint32

	// Policy is our forwarding policy.
	Policy ForwardingPolicy

	// FwdEventTicker signals when the pending forwarding events are
	// flushed to the log.
	FwdEventTicker ticker.Ticker

	// Clock timestamps forwarding events.
	Clock clock.Clock
}

// link is an active channel as seen by the switch.
type link struct {
	chanID      lnwire.ChannelID
	shortChanID lnwire.ShortChannelID
	channel     *lnwallet.LightningChannel
}

// Events handed from the channel goroutines to the forwarder.
type (
	htlcAddEvent struct {
		chanID lnwire.ChannelID
		htlc   *lnwallet.PaymentDescriptor
	}

	htlcSettleEvent struct {
		chanID   lnwire.ChannelID
		index    uint64
		preimage lntypes.Preimage
	}

	htlcFailEvent struct {
		chanID lnwire.ChannelID
		index  uint64
		reason []byte
	}

	linkDownEvent struct {
		chanID lnwire.ChannelID
	}
)

// sendRequest asks the forwarder to offer an HTLC of a local payment.
type sendRequest struct {
	firstHop lnwire.ShortChannelID
	htlc     *lnwire.UpdateAddHTLC
	payment  *pendingPayment
	errChan  chan error
}

// Switch is the central messaging bus for all incoming and outgoing HTLCs.
// It observes every channel, forwards received HTLCs along the route their
// onion names, settles HTLCs paying our invoices and dispatches our own
// payments. Settles and fails travel back along the circuits it keeps.
// All HTLC handling happens on a single forwarder goroutine.
type Switch struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	circuits *circuitMap

	indexMtx    sync.RWMutex
	links       map[lnwire.ChannelID]*link
	linksByScid map[lnwire.ShortChannelID]*link

	// events carries the channel events in the order they happened.
	events *queue.ConcurrentQueue

	sendRequests chan *sendRequest

	fwdEventMtx         sync.Mutex
	pendingFwdingEvents []channeldb.ForwardingEvent

	numForwarded atomic.Uint64
	numSettled   atomic.Uint64
	numFailed    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a new switch. Circuits of forwarded HTLCs stored before a
// restart are loaded on Start.
func New(cfg Config) *Switch {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.FwdEventTicker == nil {
		cfg.FwdEventTicker = ticker.New(DefaultFwdEventInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Switch{
		cfg:          cfg,
		circuits:     newCircuitMap(),
		links:        make(map[lnwire.ChannelID]*link),
		linksByScid:  make(map[lnwire.ShortChannelID]*link),
		events:       queue.NewConcurrentQueue(eventQueueSize),
		sendRequests: make(chan *sendRequest),
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan struct{}),
	}
}

// Start restores the forwarded circuits and starts the forwarder.
func (s *Switch) Start() error {
	var err error
	s.started.Do(func() {
		log.Info("HTLC Switch starting")

		var stored []*channeldb.ForwardedCircuit
		stored, err = s.cfg.DB.FetchCircuits()
		if err != nil {
			return
		}
		for _, fc := range stored {
			s.circuits.add(circuitFromForwarded(fc))
		}
		log.Infof("Restored %d forwarded circuits", len(stored))

		s.events.Start()

		s.wg.Add(1)
		go s.htlcForwarder()
	})

	return err
}

// Stop shuts the forwarder down and flushes pending forwarding events.
func (s *Switch) Stop() error {
	s.stopped.Do(func() {
		log.Info("HTLC Switch shutting down...")

		close(s.quit)
		s.cancel()
		s.wg.Wait()

		s.events.Stop()
	})

	return nil
}

var _ chanfsm.Observer = (*Switch)(nil)

// pushEvent hands a channel event to the forwarder without blocking the
// channel goroutine.
func (s *Switch) pushEvent(event interface{}) {
	select {
	case s.events.ChanIn() <- event:
	case <-s.quit:
	}
}

// ChannelOpened registers the channel as a link.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *Switch) ChannelOpened(lc *lnwallet.LightningChannel) {
	l := &link{
		chanID:      lc.ChanID(),
		shortChanID: lc.ShortChanID(),
		channel:     lc,
	}

	s.indexMtx.Lock()
	s.links[l.chanID] = l
	s.linksByScid[l.shortChanID] = l
	s.indexMtx.Unlock()

	log.Infof("ChannelLink(%v) added, short_chan_id=%v", l.chanID,
		l.shortChanID)
}

// ChannelClosed removes the link and settles the fate of its circuits.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *Switch) ChannelClosed(summary *channeldb.ChannelCloseSummary) {
	chanID := lnwire.NewChanIDFromOutPoint(summary.ChanPoint)

	s.indexMtx.Lock()
	if l, ok := s.links[chanID]; ok {
		delete(s.linksByScid, l.shortChanID)
		delete(s.links, chanID)
	}
	s.indexMtx.Unlock()

	log.Infof("ChannelLink(%v) removed, close_type=%v", chanID,
		summary.CloseType)

	s.pushEvent(&linkDownEvent{chanID: chanID})
}

// HtlcAdded queues an HTLC offered to us for forwarding or settlement.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *Switch) HtlcAdded(chanID lnwire.ChannelID,
	htlc *lnwallet.PaymentDescriptor) {

	s.pushEvent(&htlcAddEvent{chanID: chanID, htlc: htlc})
}

// HtlcSettled queues the settle of one of our HTLCs.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *Switch) HtlcSettled(chanID lnwire.ChannelID, htlcIndex uint64,
	preimage lntypes.Preimage) {

	s.pushEvent(&htlcSettleEvent{
		chanID:   chanID,
		index:    htlcIndex,
		preimage: preimage,
	})
}

// HtlcFailed queues the fail of one of our HTLCs.
//
// NOTE: Part of the chanfsm.Observer interface.
func (s *Switch) HtlcFailed(chanID lnwire.ChannelID, htlcIndex uint64,
	reason []byte) {

	s.pushEvent(&htlcFailEvent{
		chanID: chanID,
		index:  htlcIndex,
		reason: reason,
	})
}

// SendHTLC offers the HTLC of a local payment attempt on the channel with
// the given short channel id. The returned channel receives the single
// result of the attempt. The decrypter recovers failures from the route.
func (s *Switch) SendHTLC(firstHop lnwire.ShortChannelID, attemptID uint64,
	htlc *lnwire.UpdateAddHTLC,
	decrypter ErrorDecrypter) (<-chan *PaymentResult, error) {

	req := &sendRequest{
		firstHop: firstHop,
		htlc:     htlc,
		payment:  newPendingPayment(attemptID, decrypter),
		errChan:  make(chan error, 1),
	}

	select {
	case s.sendRequests <- req:
	case <-s.quit:
		return nil, ErrSwitchExiting
	}

	select {
	case err := <-req.errChan:
		if err != nil {
			return nil, err
		}
	case <-s.quit:
		return nil, ErrSwitchExiting
	}

	return req.payment.resultChan, nil
}

// Bandwidth returns how much we can currently send over the channel. The
// boolean is false if the channel isn't one of our active links.
func (s *Switch) Bandwidth(scid lnwire.ShortChannelID) (lnwire.MilliSatoshi,
	bool) {

	s.indexMtx.RLock()
	l, ok := s.linksByScid[scid]
	s.indexMtx.RUnlock()
	if !ok {
		return 0, false
	}

	return l.channel.AvailableBalance(), true
}

// NumActiveLinks returns the number of channels the switch forwards over.
func (s *Switch) NumActiveLinks() int {
	s.indexMtx.RLock()
	defer s.indexMtx.RUnlock()

	return len(s.links)
}

// NumPendingCircuits returns the number of HTLCs we offered that are not
// resolved yet.
func (s *Switch) NumPendingCircuits() int {
	return s.circuits.numOpen()
}

// Stats returns the number of forwarded, settled and failed HTLCs since
// start up.
func (s *Switch) Stats() (forwarded, settled, failed uint64) {
	return s.numForwarded.Load(), s.numSettled.Load(), s.numFailed.Load()
}

// getLink returns the active link of a channel.
func (s *Switch) getLink(chanID lnwire.ChannelID) (*link, bool) {
	s.indexMtx.RLock()
	defer s.indexMtx.RUnlock()

	l, ok := s.links[chanID]
	return l, ok
}

// getLinkByShortID returns the active link of a short channel id.
func (s *Switch) getLinkByShortID(scid lnwire.ShortChannelID) (*link, bool) {
	s.indexMtx.RLock()
	defer s.indexMtx.RUnlock()

	l, ok := s.linksByScid[scid]
	return l, ok
}

// htlcForwarder is the main event loop of the switch. Channel events are
// handled in order, local payment attempts are interleaved with them.
func (s *Switch) htlcForwarder() {
	defer s.wg.Done()

	defer func() {
		if err := s.FlushForwardingEvents(); err != nil {
			log.Errorf("Unable to flush forwarding events: %v", err)
		}
	}()

	s.cfg.FwdEventTicker.Resume()
	defer s.cfg.FwdEventTicker.Stop()

	for {
		select {
		case item := <-s.events.ChanOut():
			switch event := item.(type) {
			case *htlcAddEvent:
				s.handleIncomingAdd(event.chanID, event.htlc)

			case *htlcSettleEvent:
				s.handleSettle(event)

			case *htlcFailEvent:
				s.handleFail(event)

			case *linkDownEvent:
				s.handleLinkDown(event.chanID)
			}

		case req := <-s.sendRequests:
			req.errChan <- s.handleLocalDispatch(req)

		case <-s.cfg.FwdEventTicker.Ticks():
			if err := s.FlushForwardingEvents(); err != nil {
				log.Errorf("Unable to flush forwarding events: "+
					"%v", err)
			}

		case <-s.quit:
			return
		}
	}
}

// handleLocalDispatch offers the HTLC of a local payment and opens its
// circuit.
func (s *Switch) handleLocalDispatch(req *sendRequest) error {
	l, ok := s.getLinkByShortID(req.firstHop)
	if !ok {
		return ErrUnknownFirstHop
	}

	index, err := s.cfg.AddHTLC(s.ctx, l.chanID, req.htlc)
	if err != nil {
		return err
	}

	circuit := &PaymentCircuit{
		Outgoing:       CircuitKey{ChanID: l.chanID, HtlcID: index},
		PaymentHash:    req.htlc.PaymentHash,
		IncomingAmount: req.htlc.Amount,
		OutgoingAmount: req.htlc.Amount,
		payment:        req.payment,
	}
	s.circuits.add(circuit)

	log.Debugf("Sent payment attempt %d: %v, hash=%v", req.payment.attemptID,
		circuit, circuit.PaymentHash)

	return nil
}

// handleIncomingAdd peels the onion of an HTLC offered to us and either
// settles it as the final hop or forwards it.
func (s *Switch) handleIncomingAdd(chanID lnwire.ChannelID,
	pd *lnwallet.PaymentDescriptor) {

	inKey := CircuitKey{ChanID: chanID, HtlcID: pd.HtlcIndex}
	if s.circuits.hasIncoming(inKey) {
		log.Debugf("HTLC %v:%d already forwarded", chanID, pd.HtlcIndex)
		return
	}

	var blob lnwire.OnionBlob
	copy(blob[:], pd.OnionBlob)

	onion, err := sphinx.PacketFromBlob(blob)
	if err == nil {
		var processed *sphinx.ProcessedPacket
		processed, err = s.cfg.OnionRouter.ProcessOnionPacket(
			onion, pd.RHash[:],
		)
		if err == nil {
			encrypter := NewSphinxErrorEncrypter(processed.SharedSecret)

			switch processed.Action {
			case sphinx.ExitNode:
				s.handleExitHop(inKey, pd, processed, encrypter)
			case sphinx.MoreHops:
				s.forward(inKey, pd, processed, encrypter)
			}

			return
		}
	}

	log.Debugf("Unable to process onion of HTLC %v:%d: %v", chanID,
		pd.HtlcIndex, err)

	// Without a shared secret the failure goes back in the clear, the
	// previous hop encrypts it.
	reason, encErr := encodeClearFailure(failureFromError(err))
	if encErr != nil {
		log.Errorf("Unable to encode failure: %v", encErr)
		return
	}
	s.failIncoming(inKey, reason)
}

// handleExitHop checks the final payload and asks the invoice registry
// whether to settle the HTLC.
func (s *Switch) handleExitHop(inKey CircuitKey, pd *lnwallet.PaymentDescriptor,
	processed *sphinx.ProcessedPacket, encrypter ErrorEncrypter) {

	payload := processed.Payload
	height := s.cfg.BestHeight()

	switch {
	case pd.Amount < payload.AmountToForward:
		s.failWithCode(
			inKey, encrypter, lnwire.CodeFinalIncorrectHtlcAmount,
			amountData(pd.Amount),
		)
		return

	case pd.Timeout < payload.OutgoingCltv:
		s.failWithCode(
			inKey, encrypter, lnwire.CodeFinalIncorrectCltvExpiry,
			heightData(pd.Timeout),
		)
		return
	}

	resolution, err := s.cfg.Registry.NotifyExitHopHtlc(
		pd.RHash, pd.Amount, pd.Timeout, int32(height),
	)
	if err != nil {
		log.Errorf("Unable to resolve exit hop HTLC %v:%d: %v",
			inKey.ChanID, inKey.HtlcID, err)

		s.failWithCode(
			inKey, encrypter, lnwire.CodeTemporaryNodeFailure, nil,
		)
		return
	}

	if resolution.Preimage == nil {
		log.Debugf("Failing exit hop HTLC %v:%d: %v", inKey.ChanID,
			inKey.HtlcID, resolution.Outcome)

		data := append(amountData(pd.Amount), heightData(height)...)
		s.failWithCode(
			inKey, encrypter,
			lnwire.CodeIncorrectOrUnknownPaymentDetails, data,
		)
		return
	}

	err = s.cfg.FulfillHTLC(
		s.ctx, inKey.ChanID, inKey.HtlcID, *resolution.Preimage,
	)
	if err != nil {
		log.Errorf("Unable to settle HTLC %v:%d: %v", inKey.ChanID,
			inKey.HtlcID, err)
		return
	}

	s.numSettled.Add(1)
}

// forward checks the HTLC against our policy and offers it on the channel
// the onion names.
func (s *Switch) forward(inKey CircuitKey, pd *lnwallet.PaymentDescriptor,
	processed *sphinx.ProcessedPacket, encrypter *SphinxErrorEncrypter) {

	payload := processed.Payload

	outLink, ok := s.getLinkByShortID(payload.NextHop)
	if !ok {
		s.failWithCode(inKey, encrypter, lnwire.CodeUnknownNextPeer, nil)
		return
	}

	policy := &s.cfg.Policy
	fee := policy.ComputeFee(payload.AmountToForward)

	switch {
	case payload.AmountToForward < policy.MinHTLC:
		s.failWithCode(
			inKey, encrypter, lnwire.CodeAmountBelowMinimum,
			amountData(payload.AmountToForward),
		)
		return

	case pd.Amount < payload.AmountToForward+fee:
		s.failWithCode(
			inKey, encrypter, lnwire.CodeFeeInsufficient,
			amountData(pd.Amount),
		)
		return

	case pd.Timeout < payload.OutgoingCltv+policy.TimeLockDelta:
		s.failWithCode(
			inKey, encrypter, lnwire.CodeIncorrectCltvExpiry,
			heightData(pd.Timeout),
		)
		return
	}

	blob, err := processed.NextPacket.ToBlob()
	if err != nil {
		s.failWithCode(
			inKey, encrypter, lnwire.CodeTemporaryNodeFailure, nil,
		)
		return
	}

	htlc := &lnwire.UpdateAddHTLC{
		Amount:      payload.AmountToForward,
		PaymentHash: pd.RHash,
		Expiry:      payload.OutgoingCltv,
		OnionBlob:   blob,
	}
	outIndex, err := s.cfg.AddHTLC(s.ctx, outLink.chanID, htlc)
	if err != nil {
		log.Debugf("Unable to forward HTLC %v:%d over %v: %v",
			inKey.ChanID, inKey.HtlcID, outLink.shortChanID, err)

		s.failWithCode(inKey, encrypter, addFailureCode(err), nil)
		return
	}

	circuit := &PaymentCircuit{
		Incoming:       inKey,
		Outgoing:       CircuitKey{ChanID: outLink.chanID, HtlcID: outIndex},
		PaymentHash:    pd.RHash,
		IncomingAmount: pd.Amount,
		OutgoingAmount: payload.AmountToForward,
		ErrorEncrypter: encrypter,
	}
	if err := s.cfg.DB.AddCircuit(circuit.toForwarded()); err != nil {
		log.Errorf("Unable to store circuit %v: %v", circuit, err)
	}
	s.circuits.add(circuit)
	s.numForwarded.Add(1)

	log.Debugf("Forwarded HTLC %v, amt=%v, fee=%v", circuit,
		payload.AmountToForward, pd.Amount-payload.AmountToForward)
}

// handleSettle sends the preimage of a settled outgoing HTLC back along its
// circuit.
func (s *Switch) handleSettle(event *htlcSettleEvent) {
	outKey := CircuitKey{ChanID: event.chanID, HtlcID: event.index}

	circuit, ok := s.circuits.lookupOutgoing(outKey)
	if !ok {
		// The attempt of a local payment did not survive a restart,
		// its outcome is still recorded by hash.
		log.Infof("Settle of HTLC %v:%d without circuit", event.chanID,
			event.index)
		s.recordPaymentSuccess(event.preimage)

		return
	}
	s.circuits.remove(circuit)

	if circuit.IsLocal() {
		s.recordPaymentSuccess(event.preimage)
		circuit.payment.resolve(&PaymentResult{Preimage: event.preimage})

		return
	}

	if err := s.cfg.DB.DeleteCircuit(circuit.Incoming); err != nil {
		log.Errorf("Unable to delete circuit %v: %v", circuit, err)
	}

	err := s.cfg.FulfillHTLC(
		s.ctx, circuit.Incoming.ChanID, circuit.Incoming.HtlcID,
		event.preimage,
	)
	if err != nil {
		log.Errorf("Unable to settle incoming HTLC of %v: %v", circuit,
			err)
		return
	}

	s.recordForward(circuit)
}

// recordPaymentSuccess marks the local payment of the preimage as
// succeeded.
func (s *Switch) recordPaymentSuccess(preimage lntypes.Preimage) {
	if s.cfg.Payments == nil {
		return
	}

	err := s.cfg.Payments.Success(preimage.Hash(), preimage)
	switch {
	case err == nil:
	case errors.Is(err, channeldb.ErrPaymentNotInitiated):
	case errors.Is(err, channeldb.ErrPaymentAlreadyCompleted):
	default:
		log.Errorf("Unable to record payment %v: %v", preimage.Hash(),
			err)
	}
}

// recordForward queues the forwarding event of a settled circuit.
func (s *Switch) recordForward(circuit *PaymentCircuit) {
	var inScid, outScid lnwire.ShortChannelID
	if l, ok := s.getLink(circuit.Incoming.ChanID); ok {
		inScid = l.shortChanID
	}
	if l, ok := s.getLink(circuit.Outgoing.ChanID); ok {
		outScid = l.shortChanID
	}

	s.fwdEventMtx.Lock()
	s.pendingFwdingEvents = append(
		s.pendingFwdingEvents, channeldb.ForwardingEvent{
			Timestamp:      s.cfg.Clock.Now(),
			IncomingChanID: inScid,
			OutgoingChanID: outScid,
			AmtIn:          circuit.IncomingAmount,
			AmtOut:         circuit.OutgoingAmount,
			IncomingHtlcID: circuit.Incoming.HtlcID,
			OutgoingHtlcID: circuit.Outgoing.HtlcID,
		},
	)
	s.fwdEventMtx.Unlock()
}

// handleFail sends the failure of an outgoing HTLC back along its circuit.
func (s *Switch) handleFail(event *htlcFailEvent) {
	outKey := CircuitKey{ChanID: event.chanID, HtlcID: event.index}

	circuit, ok := s.circuits.lookupOutgoing(outKey)
	if !ok {
		log.Warnf("Fail of HTLC %v:%d without circuit", event.chanID,
			event.index)
		return
	}
	s.circuits.remove(circuit)

	clearFailure, isClear := decodeClearFailure(event.reason)

	if circuit.IsLocal() {
		result := &PaymentResult{}
		if isClear {
			result.Error = NewForwardingError(clearFailure, 0)
		} else {
			fwdErr, err := circuit.payment.decrypter.DecryptError(
				event.reason,
			)
			if err != nil {
				result.Error = err
			} else {
				result.Error = fwdErr
			}
		}
		circuit.payment.resolve(result)

		return
	}

	if err := s.cfg.DB.DeleteCircuit(circuit.Incoming); err != nil {
		log.Errorf("Unable to delete circuit %v: %v", circuit, err)
	}

	var (
		reason lnwire.OpaqueReason
		err    error
	)
	if isClear {
		reason, err = circuit.ErrorEncrypter.EncryptFirstHop(clearFailure)
	} else {
		reason, err = circuit.ErrorEncrypter.IntermediateEncrypt(
			event.reason,
		)
	}
	if err != nil {
		log.Errorf("Unable to encrypt failure of %v: %v", circuit, err)
		return
	}

	s.failIncoming(circuit.Incoming, reason)
}

// handleLinkDown resolves the circuits of a closed channel. HTLCs we
// offered on it were not settled off chain, they are failed back. Received
// HTLCs can no longer be answered, their circuits are dropped.
func (s *Switch) handleLinkDown(chanID lnwire.ChannelID) {
	for _, circuit := range s.circuits.outgoingOn(chanID) {
		log.Infof("Failing circuit %v of closed channel", circuit)

		s.handleFail(&htlcFailEvent{
			chanID: chanID,
			index:  circuit.Outgoing.HtlcID,
			reason: mustClearFailure(
				lnwire.CodePermanentChannelFailure,
			),
		})
	}

	for _, circuit := range s.circuits.incomingOn(chanID) {
		log.Infof("Dropping circuit %v of closed channel", circuit)

		s.circuits.remove(circuit)
		if err := s.cfg.DB.DeleteCircuit(circuit.Incoming); err != nil {
			log.Errorf("Unable to delete circuit %v: %v", circuit,
				err)
		}
	}
}

// failWithCode fails a received HTLC with a failure encrypted for its
// sender.
func (s *Switch) failWithCode(inKey CircuitKey, encrypter ErrorEncrypter,
	code lnwire.FailCode, data []byte) {

	reason, err := encrypter.EncryptFirstHop(&lnwire.OnionFailure{
		Code: code,
		Data: data,
	})
	if err != nil {
		log.Errorf("Unable to encrypt failure %v: %v", code, err)
		return
	}

	s.failIncoming(inKey, reason)
}

// failIncoming fails a received HTLC with the given reason.
func (s *Switch) failIncoming(inKey CircuitKey, reason lnwire.OpaqueReason) {
	err := s.cfg.FailHTLC(s.ctx, inKey.ChanID, inKey.HtlcID, reason)
	if err != nil {
		log.Errorf("Unable to fail HTLC %v:%d: %v", inKey.ChanID,
			inKey.HtlcID, err)
		return
	}

	s.numFailed.Add(1)
}

// FlushForwardingEvents writes the pending forwarding events to the
// forwarding log.
func (s *Switch) FlushForwardingEvents() error {
	s.fwdEventMtx.Lock()
	if len(s.pendingFwdingEvents) == 0 {
		s.fwdEventMtx.Unlock()
		return nil
	}

	events := make([]channeldb.ForwardingEvent, len(s.pendingFwdingEvents))
	copy(events, s.pendingFwdingEvents)
	s.pendingFwdingEvents = s.pendingFwdingEvents[:0]
	s.fwdEventMtx.Unlock()

	return s.cfg.DB.ForwardingLog().AddForwardingEvents(events)
}

// addFailureCode maps the refusal of an outgoing HTLC to the failure sent
// upstream.
func addFailureCode(err error) lnwire.FailCode {
	switch {
	case errors.Is(err, lnwallet.ErrExpiryTooSoon):
		return lnwire.CodeExpiryTooSoon
	case errors.Is(err, lnwallet.ErrHtlcBelowMinimum):
		return lnwire.CodeAmountBelowMinimum
	case errors.Is(err, lnwallet.ErrChannelClosing):
		return lnwire.CodePermanentChannelFailure
	default:
		return lnwire.CodeTemporaryChannelFailure
	}
}

// mustClearFailure returns the clear reason of a failure without data.
func mustClearFailure(code lnwire.FailCode) []byte {
	reason, err := encodeClearFailure(&lnwire.OnionFailure{Code: code})
	if err != nil {
		panic(err)
	}

	return reason
}

func amountData(amt lnwire.MilliSatoshi) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(amt))

	return b[:]
}

func heightData(height uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], height)

	return b[:]
}
