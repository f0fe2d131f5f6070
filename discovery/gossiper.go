package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	// DefaultTrickleDelay is the period of the trickle timer which flushes
	// the pending batch of new announcements to the network.
	DefaultTrickleDelay = 90 * time.Second

	// DefaultPruneInterval is how often stale and unconfirmed channels are
	// removed from the graph.
	DefaultPruneInterval = time.Hour

	// DefaultMaxChannelUpdateBurst is the number of channel updates per
	// channel direction we accept in a burst.
	DefaultMaxChannelUpdateBurst = 10

	// DefaultChannelUpdateInterval is the interval at which the update
	// allowance of a channel direction refills.
	DefaultChannelUpdateInterval = time.Minute

	// DefaultPrematureHorizon is the number of blocks a channel update
	// for an unknown channel is held for.
	DefaultPrematureHorizon = 6

	// maxPrematureUpdates is the number of premature updates held per
	// channel.
	maxPrematureUpdates = 10

	// maxPrematureChannels is the number of unknown channels premature
	// updates are held for.
	maxPrematureChannels = 1000

	// maxRejectedUpdates tracks the max number of channels we'll keep in
	// the reject cache.
	maxRejectedUpdates = 10_000
)

var (
	// ErrGossiperShuttingDown is an error that is returned if the gossiper
	// is in the process of being shut down.
	ErrGossiperShuttingDown = errors.New("gossiper is shutting down")
)

// Peer is the sender of remote gossip.
type Peer interface {
	// PubKey is the identity key of the peer.
	PubKey() [33]byte

	// QuitSignal is closed when the peer disconnects.
	QuitSignal() <-chan struct{}
}

// networkMsg couples a routing related wire message with the peer that
// originally sent it.
type networkMsg struct {
	peer   Peer
	source graph.Vertex
	msg    lnwire.Message

	isRemote bool

	err chan error
}

// prematureUpdate is a channel update for a channel we don't know yet.
type prematureUpdate struct {
	msg *networkMsg

	// height is the best height when the update arrived.
	height uint32
}

// fundingEvent is a chain event for the funding output of a channel in
// the graph.
type fundingEvent struct {
	ann *lnwire.ChannelAnnouncement
	ev  chainntnfs.ChainEvent
}

// cachedReject is the empty value of the reject cache.
type cachedReject struct{}

// Size returns the "size" of an entry.
func (c *cachedReject) Size() (uint64, error) {
	return 1, nil
}

// Config defines the configuration for the service. ALL elements within the
// configuration MUST be non-nil for the service to carry out its duties.
type Config struct {
	// ChainHash is a hash that indicates which resident chain of the
	// AuthenticatedGossiper. Any announcements that don't match this
	// chain hash will be ignored.
	ChainHash chainhash.Hash

	// Graph is the routing graph validated announcements are applied to.
	Graph *graph.Graph

	// Chain is used to watch the funding outputs of announced channels.
	// A confirmation marks the channel confirmed, a spend removes it.
	Chain chainntnfs.ChainWatcher

	// Broadcast broadcasts a particular set of announcements to all peers
	// that the daemon is connected to. If supplied, the exclude parameter
	// indicates that the target peer should be excluded from the
	// broadcast.
	Broadcast func(skips map[graph.Vertex]struct{},
		msg ...lnwire.Message) error

	// TrickleTicker flushes the pending batch of new announcements we've
	// received since the last trickle tick.
	TrickleTicker ticker.Ticker

	// PruneTicker triggers the removal of stale and unconfirmed channels.
	PruneTicker ticker.Ticker

	// PrematureHorizon is the number of blocks updates for unknown
	// channels are held for.
	PrematureHorizon uint32

	// MaxChannelUpdateBurst is the number of updates per channel
	// direction accepted in a burst.
	MaxChannelUpdateBurst int

	// ChannelUpdateInterval is the interval at which the allowance of a
	// channel direction refills by one update.
	ChannelUpdateInterval time.Duration

	// BanThreshold is the number of invalid announcements after which a
	// peer's gossip is ignored.
	BanThreshold uint64

	// Clock drives the rate limiter and the ban timers.
	Clock clock.Clock
}

// AuthenticatedGossiper is a subsystem which is responsible for receiving
// announcements, validating them and applying the changes to the graph,
// broadcasting announcements after validation and handling the premature
// announcements. All announcements are expected to be properly signed, and
// invalid messages will be rejected by this struct.
type AuthenticatedGossiper struct {
	started sync.Once
	stopped sync.Once

	quit chan struct{}
	wg   sync.WaitGroup

	// ctx is cancelled on shutdown and bounds the funding watches.
	ctx    context.Context
	cancel context.CancelFunc

	// cfg is a copy of the configuration struct that the gossiper service
	// was initialized with.
	cfg *Config

	// selfKey is the identity public key of the backing Lightning node.
	selfKey graph.Vertex

	// networkMsgs is a channel that carries new network broadcasted
	// message from outside the gossiper service to be processed by the
	// networkHandler.
	networkMsgs chan *networkMsg

	// fundingEvents carries confirmations and spends of funding outputs
	// from the watch goroutines to the networkHandler.
	fundingEvents chan fundingEvent

	// prematureChannelUpdates is a map of ChannelUpdates we have received
	// that wasn't associated with any channel we know about. We store
	// them temporarily, such that we can reprocess them when a
	// ChannelAnnouncement for the channel is received. Only accessed by
	// the networkHandler.
	prematureChannelUpdates map[lnwire.ShortChannelID][]prematureUpdate

	// bestHeight is the last chain height we've seen.
	bestHeight uint32

	// updateLimiters bounds the channel updates we accept per channel
	// direction. Only accessed by the networkHandler.
	updateLimiters map[channelUpdateID]*rate.Limiter

	// recentRejects holds the channels whose announcement failed
	// validation.
	recentRejects *lru.Cache[uint64, *cachedReject]

	watchMtx sync.Mutex
	watches  map[lnwire.ShortChannelID]context.CancelFunc

	bans *banList

	metrics *gossipMetrics
}

// New creates a new AuthenticatedGossiper instance, initialized with the
// passed configuration parameters.
func New(cfg Config, selfKey *btcec.PublicKey) *AuthenticatedGossiper {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.TrickleTicker == nil {
		cfg.TrickleTicker = ticker.New(DefaultTrickleDelay)
	}
	if cfg.PruneTicker == nil {
		cfg.PruneTicker = ticker.New(DefaultPruneInterval)
	}
	if cfg.PrematureHorizon == 0 {
		cfg.PrematureHorizon = DefaultPrematureHorizon
	}
	if cfg.MaxChannelUpdateBurst <= 0 {
		cfg.MaxChannelUpdateBurst = DefaultMaxChannelUpdateBurst
	}
	if cfg.ChannelUpdateInterval <= 0 {
		cfg.ChannelUpdateInterval = DefaultChannelUpdateInterval
	}
	if cfg.BanThreshold == 0 {
		cfg.BanThreshold = DefaultBanThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &AuthenticatedGossiper{
		quit:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		cfg:           &cfg,
		selfKey:       graph.NewVertex(selfKey),
		networkMsgs:   make(chan *networkMsg),
		fundingEvents: make(chan fundingEvent),
		prematureChannelUpdates: make(
			map[lnwire.ShortChannelID][]prematureUpdate,
		),
		updateLimiters: make(map[channelUpdateID]*rate.Limiter),
		recentRejects: lru.NewCache[uint64, *cachedReject](
			maxRejectedUpdates,
		),
		watches: make(map[lnwire.ShortChannelID]context.CancelFunc),
		bans:    newBanList(cfg.BanThreshold, cfg.Clock),
		metrics: newGossipMetrics(),
	}
}

// Collectors returns the prometheus collectors of the gossiper.
func (d *AuthenticatedGossiper) Collectors() []prometheus.Collector {
	return d.metrics.collectors()
}

// Start spawns the network handler and watches the funding outputs of all
// channels in the graph.
func (d *AuthenticatedGossiper) Start() error {
	var err error
	d.started.Do(func() {
		log.Info("Authenticated Gossiper starting")
		err = d.start()
	})

	return err
}

func (d *AuthenticatedGossiper) start() error {
	if height, err := d.cfg.Chain.CurrentHeight(d.ctx); err == nil {
		d.bestHeight = height
	}

	// Channels loaded from disk count as unconfirmed until their funding
	// output is seen again.
	err := d.cfg.Graph.ForEachChannel(func(e *channeldb.ChannelEdge) error {
		d.watchFunding(e.Info)
		return nil
	})
	if err != nil {
		return err
	}

	d.bans.start()

	d.wg.Add(1)
	go d.networkHandler()

	return nil
}

// Stop signals any active goroutines for a graceful closure.
func (d *AuthenticatedGossiper) Stop() error {
	d.stopped.Do(func() {
		log.Info("Authenticated Gossiper is stopping...")
		defer log.Debug("Authenticated Gossiper stopped")

		d.bans.stop()

		close(d.quit)
		d.cancel()
		d.wg.Wait()
	})

	return nil
}

// ProcessRemoteAnnouncement sends a new remote announcement message along with
// the peer that sent the routing message. The announcement will be processed
// then added to a queue for batched trickled announcement to all connected
// peers. Remote channel announcements should contain the announcement proof
// and be fully validated.
func (d *AuthenticatedGossiper) ProcessRemoteAnnouncement(msg lnwire.Message,
	peer Peer) chan error {

	nMsg := &networkMsg{
		msg:      msg,
		isRemote: true,
		peer:     peer,
		source:   peer.PubKey(),
		err:      make(chan error, 1),
	}

	select {
	case d.networkMsgs <- nMsg:

	// If the peer that sent us this error is quitting, then we don't need
	// to send back an error and can return immediately.
	case <-peer.QuitSignal():
		return nil
	case <-d.quit:
		nMsg.err <- ErrGossiperShuttingDown
	}

	return nMsg.err
}

// ProcessLocalAnnouncement sends a new announcement of our own node along
// with our identity as the source. Local channel announcements without the
// proof of both nodes are applied to the graph but never broadcast.
func (d *AuthenticatedGossiper) ProcessLocalAnnouncement(
	msg lnwire.Message) chan error {

	nMsg := &networkMsg{
		msg:      msg,
		isRemote: false,
		source:   d.selfKey,
		err:      make(chan error, 1),
	}

	select {
	case d.networkMsgs <- nMsg:
	case <-d.quit:
		nMsg.err <- ErrGossiperShuttingDown
	}

	return nMsg.err
}

// networkHandler is the primary goroutine that drives this service. The roles
// of this goroutine includes answering queries related to the state of the
// network, syncing up newly connected peers, and also periodically
// broadcasting our latest topology state to all connected peers.
//
// NOTE: This MUST be run as a goroutine.
func (d *AuthenticatedGossiper) networkHandler() {
	defer d.wg.Done()

	// Initialize empty deDupedAnnouncements to store announcement batch.
	announcements := deDupedAnnouncements{}
	announcements.Reset()

	d.cfg.TrickleTicker.Resume()
	defer d.cfg.TrickleTicker.Stop()

	d.cfg.PruneTicker.Resume()
	defer d.cfg.PruneTicker.Stop()

	for {
		select {
		case nMsg := <-d.networkMsgs:
			toBroadcast, err := d.processNetworkAnnouncement(nMsg)
			nMsg.err <- err

			announcements.AddMsgs(toBroadcast...)

		case fe := <-d.fundingEvents:
			d.handleFundingEvent(fe)

		// A new slot has opened up within the trickle timer, so we'll
		// flush the batch of announcements we've accumulated since
		// the last tick.
		case <-d.cfg.TrickleTicker.Ticks():
			announcementBatch := announcements.Emit()
			if len(announcementBatch) == 0 {
				continue
			}

			log.Debugf("Broadcasting %v new announcements in batch",
				len(announcementBatch))

			for _, m := range announcementBatch {
				err := d.cfg.Broadcast(m.senders, m.msg)
				if err != nil {
					log.Errorf("Unable to broadcast %v: %v",
						m.msg.MsgType(), err)
				}
			}

		case <-d.cfg.PruneTicker.Ticks():
			d.prune()

		// The gossiper has been signalled to exit, to we exit our
		// main loop so the wait group can be decremented.
		case <-d.quit:
			return
		}
	}
}

// processNetworkAnnouncement processes a new network related authenticated
// channel or node announcement or announcements proofs. If the announcement
// didn't affect the internal state due to either being out of date, invalid,
// or redundant, then nil is returned. Otherwise, the set of announcements
// will be returned which should be broadcasted to the rest of the network.
func (d *AuthenticatedGossiper) processNetworkAnnouncement(
	nMsg *networkMsg) ([]networkMsg, error) {

	if nMsg.isRemote && d.bans.banned(nMsg.source) {
		return nil, ErrPeerBanned
	}

	switch msg := nMsg.msg.(type) {
	case *lnwire.NodeAnnouncement:
		return d.handleNodeAnnouncement(nMsg, msg)

	case *lnwire.ChannelAnnouncement:
		return d.handleChanAnnouncement(nMsg, msg)

	case *lnwire.ChannelUpdate:
		return d.handleChanUpdate(nMsg, msg)

	default:
		return nil, fmt.Errorf("invalid message type %T", msg)
	}
}

// handleNodeAnnouncement processes a new node announcement.
func (d *AuthenticatedGossiper) handleNodeAnnouncement(nMsg *networkMsg,
	ann *lnwire.NodeAnnouncement) ([]networkMsg, error) {

	if err := ValidateNodeAnn(ann); err != nil {
		d.rejectAnnouncement(nMsg)
		return nil, invalidSignature(err)
	}

	node := graph.Vertex(ann.NodeID)
	timestamp, known, err := d.cfg.Graph.NodeTimestamp(node)
	if err != nil {
		return nil, err
	}
	if known && ann.Timestamp <= timestamp {
		log.Tracef("Ignoring outdated announcement for node %v", node)
		d.metrics.deduped.WithLabelValues(msgLabel(ann)).Inc()

		return nil, nil
	}

	// Only nodes with channels are part of the graph.
	if !d.cfg.Graph.HasNode(node) {
		log.Debugf("Ignoring announcement for node %v without "+
			"channels", node)

		return nil, nil
	}

	if err := d.cfg.Graph.AddNode(ann); err != nil {
		return nil, err
	}
	d.metrics.accepted.WithLabelValues(msgLabel(ann)).Inc()

	log.Debugf("Processed NodeAnnouncement: peer=%v, timestamp=%v, "+
		"node=%v", nMsg.source, ann.Timestamp, node)

	return []networkMsg{*nMsg}, nil
}

// handleChanAnnouncement processes a new channel announcement. Updates
// waiting for the channel are applied right after it.
func (d *AuthenticatedGossiper) handleChanAnnouncement(nMsg *networkMsg,
	ann *lnwire.ChannelAnnouncement) ([]networkMsg, error) {

	scid := ann.ShortChannelID

	if ann.ChainHash != d.cfg.ChainHash {
		return nil, fmt.Errorf("ignoring ChannelAnnouncement from "+
			"chain=%v, gossiper on chain=%v", ann.ChainHash,
			d.cfg.ChainHash)
	}

	if d.isRecentlyRejected(scid) {
		return nil, fmt.Errorf("recently rejected channel %v", scid)
	}

	public := hasProof(ann)
	if nMsg.isRemote || public {
		if err := ValidateChannelAnn(ann); err != nil {
			_, _ = d.recentRejects.Put(scid.ToUint64(),
				&cachedReject{})
			d.rejectAnnouncement(nMsg)

			return nil, invalidSignature(err)
		}
	}

	exists, _, err := d.cfg.Graph.HasChannel(scid)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Tracef("Ignoring known ChannelAnnouncement for %v", scid)
		d.metrics.deduped.WithLabelValues(msgLabel(ann)).Inc()

		return nil, nil
	}

	err = d.cfg.Graph.AddChannel(ann)
	switch {
	case errors.Is(err, channeldb.ErrEdgeAlreadyExist):
		d.metrics.deduped.WithLabelValues(msgLabel(ann)).Inc()
		return nil, nil

	case err != nil:
		return nil, err
	}
	d.metrics.accepted.WithLabelValues(msgLabel(ann)).Inc()

	log.Debugf("Processed ChannelAnnouncement: peer=%v, short_chan_id=%v",
		nMsg.source, scid)

	d.watchFunding(ann)

	var announcements []networkMsg
	if public {
		announcements = append(announcements, *nMsg)
	}

	// Reprocess the updates that arrived before the channel.
	pending := d.prematureChannelUpdates[scid]
	delete(d.prematureChannelUpdates, scid)

	for _, p := range pending {
		upd := p.msg.msg.(*lnwire.ChannelUpdate)

		log.Debugf("Reprocessing ChannelUpdate for short_chan_id=%v",
			scid)

		msgs, err := d.handleChanUpdate(p.msg, upd)
		if err != nil {
			log.Debugf("Premature ChannelUpdate for %v "+
				"rejected: %v", scid, err)
			continue
		}
		announcements = append(announcements, msgs...)
	}

	return announcements, nil
}

// handleChanUpdate processes a new channel update.
func (d *AuthenticatedGossiper) handleChanUpdate(nMsg *networkMsg,
	upd *lnwire.ChannelUpdate) ([]networkMsg, error) {

	scid := upd.ShortChannelID

	if upd.ChainHash != d.cfg.ChainHash {
		return nil, fmt.Errorf("ignoring ChannelUpdate from "+
			"chain=%v, gossiper on chain=%v", upd.ChainHash,
			d.cfg.ChainHash)
	}

	if d.isRecentlyRejected(scid) {
		return nil, fmt.Errorf("recently rejected channel %v", scid)
	}

	edge, err := d.cfg.Graph.FetchChannel(scid)
	switch {
	// We don't know the channel yet. The update is held until the
	// announcement arrives or the premature horizon passes.
	case errors.Is(err, channeldb.ErrEdgeNotFound):
		d.holdPremature(nMsg, upd)
		return nil, nil

	case err != nil:
		return nil, err
	}

	info := edge.Info
	pubKey := info.NodeID1
	if upd.Direction() == 1 {
		pubKey = info.NodeID2
	}

	if err := ValidateChannelUpdateAnn(pubKey, upd); err != nil {
		d.rejectAnnouncement(nMsg)
		return nil, invalidSignature(err)
	}

	current := edge.Policies[upd.Direction()]
	if current != nil && upd.Timestamp <= current.Timestamp {
		log.Tracef("Ignoring outdated ChannelUpdate for %v, "+
			"direction=%d", scid, upd.Direction())
		d.metrics.deduped.WithLabelValues(msgLabel(upd)).Inc()

		return nil, nil
	}

	if nMsg.isRemote && !d.allowUpdate(upd) {
		log.Debugf("Rate limiting ChannelUpdate for %v, direction=%d",
			scid, upd.Direction())
		d.metrics.rateLimited.WithLabelValues(msgLabel(upd)).Inc()

		return nil, nil
	}

	if err := d.cfg.Graph.UpdatePolicy(upd); err != nil {
		return nil, err
	}
	d.metrics.accepted.WithLabelValues(msgLabel(upd)).Inc()

	log.Debugf("Processed ChannelUpdate: peer=%v, short_chan_id=%v, "+
		"direction=%d", nMsg.source, scid, upd.Direction())

	if !hasProof(info) {
		return nil, nil
	}

	return []networkMsg{*nMsg}, nil
}

// holdPremature stores an update for an unknown channel.
func (d *AuthenticatedGossiper) holdPremature(nMsg *networkMsg,
	upd *lnwire.ChannelUpdate) {

	scid := upd.ShortChannelID
	pending, ok := d.prematureChannelUpdates[scid]

	switch {
	case !ok && len(d.prematureChannelUpdates) >= maxPrematureChannels:
		log.Debugf("Dropping premature ChannelUpdate for %v, too many "+
			"unknown channels", scid)
		return

	case len(pending) >= maxPrematureUpdates:
		log.Debugf("Dropping premature ChannelUpdate for %v, too many "+
			"updates held", scid)
		return
	}

	log.Debugf("Got ChannelUpdate for unknown channel %v, holding it",
		scid)

	d.updateBestHeight()
	d.prematureChannelUpdates[scid] = append(pending, prematureUpdate{
		msg:    nMsg,
		height: d.bestHeight,
	})
}

// allowUpdate applies the burst limit of the update's channel direction.
func (d *AuthenticatedGossiper) allowUpdate(upd *lnwire.ChannelUpdate) bool {
	key := channelUpdateID{
		channelID: upd.ShortChannelID,
		direction: upd.Direction(),
	}

	limiter, ok := d.updateLimiters[key]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(d.cfg.ChannelUpdateInterval),
			d.cfg.MaxChannelUpdateBurst,
		)
		d.updateLimiters[key] = limiter
	}

	return limiter.AllowN(d.cfg.Clock.Now(), 1)
}

// rejectAnnouncement accounts an announcement that failed validation.
func (d *AuthenticatedGossiper) rejectAnnouncement(nMsg *networkMsg) {
	log.Debugf("Rejecting invalid %v from %v", nMsg.msg.MsgType(),
		nMsg.source)

	d.metrics.rejected.WithLabelValues(msgLabel(nMsg.msg)).Inc()

	if nMsg.isRemote {
		d.bans.punish(nMsg.source)
	}
}

// isRecentlyRejected returns true if the channel's announcement failed
// validation recently.
func (d *AuthenticatedGossiper) isRecentlyRejected(
	scid lnwire.ShortChannelID) bool {

	_, err := d.recentRejects.Get(scid.ToUint64())
	return err == nil
}

// watchFunding follows the funding output of the channel until it is spent.
func (d *AuthenticatedGossiper) watchFunding(ann *lnwire.ChannelAnnouncement) {
	scid := ann.ShortChannelID

	d.watchMtx.Lock()
	if _, ok := d.watches[scid]; ok {
		d.watchMtx.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.watches[scid] = cancel
	d.watchMtx.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		events := d.cfg.Chain.Watch(
			ctx, ann.FundingPoint, nil, scid.BlockHeight,
		)

		confirmed := false
		for ev := range events {
			if ev.Type == chainntnfs.Confirmation {
				if confirmed {
					continue
				}
				confirmed = true
			}

			select {
			case d.fundingEvents <- fundingEvent{ann: ann, ev: ev}:
			case <-ctx.Done():
				return
			}

			if ev.Type == chainntnfs.Spend {
				return
			}
		}
	}()
}

// stopWatch cancels the funding watch of the channel.
func (d *AuthenticatedGossiper) stopWatch(scid lnwire.ShortChannelID) {
	d.watchMtx.Lock()
	defer d.watchMtx.Unlock()

	if cancel, ok := d.watches[scid]; ok {
		cancel()
		delete(d.watches, scid)
	}
}

// handleFundingEvent marks a channel confirmed or removes it once its
// funding output is spent.
func (d *AuthenticatedGossiper) handleFundingEvent(fe fundingEvent) {
	scid := fe.ann.ShortChannelID

	switch fe.ev.Type {
	case chainntnfs.Confirmation:
		if err := checkFunding(fe.ann, fe.ev); err != nil {
			log.Warnf("Removing channel %v with invalid funding "+
				"output: %v", scid, err)
			d.removeChannels(scid)

			return
		}

		log.Debugf("Funding output of channel %v confirmed at "+
			"height %d", scid, fe.ev.Height)
		d.cfg.Graph.MarkConfirmed(scid)

	case chainntnfs.Spend:
		log.Infof("Funding output of channel %v spent at height %d, "+
			"removing channel", scid, fe.ev.Height)
		d.removeChannels(scid)
	}
}

// checkFunding verifies that the confirmed funding output matches the
// announcement.
func checkFunding(ann *lnwire.ChannelAnnouncement,
	ev chainntnfs.ChainEvent) error {

	scid := ann.ShortChannelID
	if ev.Height != scid.BlockHeight || ev.TxIndex != scid.TxIndex {
		return fmt.Errorf("funding tx confirmed at %d:%d",
			ev.Height, ev.TxIndex)
	}

	index := ann.FundingPoint.Index
	if index != uint32(scid.TxPosition) {
		return fmt.Errorf("funding output index %d doesn't match "+
			"position %d", index, scid.TxPosition)
	}

	if ev.Tx == nil || int(index) >= len(ev.Tx.TxOut) {
		return fmt.Errorf("funding output %v not found",
			ann.FundingPoint)
	}
	if ev.Tx.TxOut[index].Value != int64(ann.Capacity) {
		return fmt.Errorf("funding output of %d sat doesn't match "+
			"capacity %v", ev.Tx.TxOut[index].Value, ann.Capacity)
	}

	return nil
}

// removeChannels deletes the channels from the graph along with their
// watches and limiters.
func (d *AuthenticatedGossiper) removeChannels(
	scids ...lnwire.ShortChannelID) {

	if err := d.cfg.Graph.DeleteChannels(scids...); err != nil {
		log.Errorf("Unable to remove channels %v: %v", scids, err)
		return
	}

	d.forgetChannels(scids...)
}

func (d *AuthenticatedGossiper) forgetChannels(
	scids ...lnwire.ShortChannelID) {

	for _, scid := range scids {
		d.stopWatch(scid)
		for dir := uint8(0); dir < 2; dir++ {
			delete(d.updateLimiters, channelUpdateID{
				channelID: scid,
				direction: dir,
			})
		}
	}
}

// prune removes stale channels from the graph and expires premature
// updates.
func (d *AuthenticatedGossiper) prune() {
	report, err := d.cfg.Graph.Prune()
	if err != nil {
		log.Errorf("Unable to prune graph: %v", err)
	} else {
		d.forgetChannels(report.Channels...)
	}

	d.updateBestHeight()
	for scid, pending := range d.prematureChannelUpdates {
		kept := pending[:0]
		for _, p := range pending {
			if p.height+d.cfg.PrematureHorizon >= d.bestHeight {
				kept = append(kept, p)
			}
		}

		if len(kept) == 0 {
			log.Debugf("Expiring premature updates for %v", scid)
			delete(d.prematureChannelUpdates, scid)

			continue
		}
		d.prematureChannelUpdates[scid] = kept
	}
}

// updateBestHeight refreshes the best height. It keeps the last known
// height if the chain can't be reached.
func (d *AuthenticatedGossiper) updateBestHeight() {
	height, err := d.cfg.Chain.CurrentHeight(d.ctx)
	if err != nil {
		log.Debugf("Unable to fetch best height: %v", err)
		return
	}

	d.bestHeight = height
}

// invalidSignature wraps a validation failure into the protocol error
// returned to the sending peer.
func invalidSignature(err error) error {
	return lnwire.NewProtocolError(
		lnwire.CodeInvalidSignature, lnwire.ChannelID{}, "%v", err,
	)
}
