package lnwallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnutils"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultMinExpiryDelta is the minimum number of blocks between the
	// current height and the expiry of a new HTLC.
	DefaultMinExpiryDelta uint32 = 18
)

var (
	// errNoSigningSession is returned when a commitment has to be signed
	// or verified before the nonces for it were exchanged.
	errNoSigningSession = errors.New("no signing session, nonces not " +
		"exchanged yet")

	// ErrChanSyncRequired is returned by ProcessChanSyncMsg when our own
	// channel_reestablish wasn't generated first.
	ErrChanSyncRequired = errors.New("local channel_reestablish must be " +
		"generated before processing the remote one")
)

// channelOpts are the optional parameters of a LightningChannel.
type channelOpts struct {
	minExpiryDelta uint32
}

// ChannelOpt is a functional option of NewLightningChannel.
type ChannelOpt func(*channelOpts)

// WithMinExpiryDelta sets the minimum distance between the current height
// and the expiry of HTLCs added to the channel.
func WithMinExpiryDelta(delta uint32) ChannelOpt {
	return func(o *channelOpts) {
		o.minExpiryDelta = delta
	}
}

// LightningChannel implements the state machine which corresponds to the
// current commitment protocol wire spec. The state machine is a two-party
// update log: either side can add, settle or fail HTLCs, and new
// commitments are created by signing everything that's in the other side's
// log and wasn't signed yet.
//
// The channel is driven by one goroutine at a time, the embedded mutex only
// protects readers such as the operator API.
type LightningChannel struct {
	// musig is the two party signer of the funding output.
	musig *signer.Signer

	// channelState is the persistent state of the channel. Every
	// transition is written to it before the resulting message leaves.
	channelState *channeldb.OpenChannel

	chanID lnwire.ChannelID

	fundingOutput *wire.TxOut

	// localCommitChain is our local commitment chain. Whenever we revoke
	// old commitments, the tail advances. The tip is the commitment the
	// remote party signed most recently.
	localCommitChain *commitmentChain

	// remoteCommitChain is the remote party's commitment chain. Its tip
	// is the latest commitment we signed for them.
	remoteCommitChain *commitmentChain

	// localUpdateLog is a (mostly) append-only log storing all the HTLC
	// updates we propose.
	localUpdateLog *updateLog

	// remoteUpdateLog is a (mostly) append-only log storing all the HTLC
	// updates the remote party proposes.
	remoteUpdateLog *updateLog

	stateHintObfuscator [StateHintSize]byte

	// verifySession is the session that completes the signature of our
	// next local commitment. Its nonce was sent to the remote party.
	verifySession *signer.Session

	// signSession signs the next remote commitment. Its nonce commitment
	// was sent to the remote party.
	signSession *signer.Session

	// remoteVerNonce is the nonce the remote party will use to complete
	// its next commitment.
	remoteVerNonce fn.Option[lnwire.Musig2Nonce]

	// remoteSignCommit is the commitment to the nonce the remote party
	// will reveal when signing our next commitment.
	remoteSignCommit fn.Option[lnwire.NonceCommitment]

	// syncSent is set once a channel_reestablish was generated for the
	// current connection.
	syncSent bool

	// closeSession signs the cooperative closing transaction. The fee
	// and our partial signature are kept until the remote one arrives.
	closeSession     *signer.Session
	remoteCloseNonce fn.Option[lnwire.Musig2Nonce]
	closeLocalSig    *signer.PartialSig
	closeFee         btcutil.Amount

	opts channelOpts

	log btclog.Logger

	sync.RWMutex
}

// NewLightningChannel creates a new, active payment channel given an
// implementation of the chain notifier, channel database, and the current
// settled channel state. Throughout state transitions, then channel will
// automatically persist pertinent state to the database in an efficient
// manner.
func NewLightningChannel(musig *signer.Signer,
	state *channeldb.OpenChannel, opts ...ChannelOpt) (*LightningChannel,
	error) {

	fundingScript, err := musig.FundingScript()
	if err != nil {
		return nil, err
	}

	lc := &LightningChannel{
		musig:        musig,
		channelState: state,
		chanID:       state.ChanID(),
		fundingOutput: wire.NewTxOut(
			int64(state.Capacity), fundingScript,
		),
		stateHintObfuscator: StateObfuscator(state),
		opts: channelOpts{
			minExpiryDelta: DefaultMinExpiryDelta,
		},
		log: walletLog.WithPrefix(
			fmt.Sprintf("ChannelPoint(%v):", state.FundingOutpoint),
		),
	}
	for _, opt := range opts {
		opt(&lc.opts)
	}

	if err := lc.restoreState(); err != nil {
		return nil, err
	}

	return lc, nil
}

// StateObfuscator derives the state hint obfuscator of a channel from the
// payment base points of the initiator and responder.
func StateObfuscator(state *channeldb.OpenChannel) [StateHintSize]byte {
	initiator := state.LocalChanCfg.PaymentBasePoint.PubKey
	responder := state.RemoteChanCfg.PaymentBasePoint.PubKey
	if !state.IsInitiator {
		initiator, responder = responder, initiator
	}

	return DeriveStateHintObfuscator(initiator, responder)
}

// restoreState rebuilds both commitment chains and update logs from the
// persisted channel state. Remote updates that no commitment of ours covers
// are not persisted and thus dropped, the remote party retransmits them.
func (lc *LightningChannel) restoreState() error {
	state := lc.channelState

	localTail := commitmentFromDisk(lc.chanID, &state.LocalCommitment, true)
	remoteTail := commitmentFromDisk(
		lc.chanID, &state.RemoteCommitment, false,
	)

	lc.localCommitChain = newCommitmentChain()
	lc.localCommitChain.addCommitment(localTail)

	lc.remoteCommitChain = newCommitmentChain()
	lc.remoteCommitChain.addCommitment(remoteTail)
	if state.RemotePendingCommit != nil {
		lc.remoteCommitChain.addCommitment(commitmentFromDisk(
			lc.chanID, state.RemotePendingCommit, false,
		))
	}
	remoteTip := lc.remoteCommitChain.tip()

	// Our own log was persisted in full, so its counters continue from
	// the highest entry. The remote log restarts at what our local tail
	// covers.
	localLogIndex := max(localTail.ourMessageIndex, remoteTip.ourMessageIndex)
	localHtlcIndex := max(localTail.ourHtlcIndex, remoteTip.ourHtlcIndex)
	for _, e := range state.LocalUpdateLog {
		localLogIndex = max(localLogIndex, e.LogIndex+1)
		if e.EntryType == channeldb.Add {
			localHtlcIndex = max(localHtlcIndex, e.HtlcIndex+1)
		}
	}

	lc.localUpdateLog = newUpdateLog(localLogIndex, localHtlcIndex)
	lc.remoteUpdateLog = newUpdateLog(
		localTail.theirMessageIndex, localTail.theirHtlcIndex,
	)

	// Heights beyond what was persisted belong to commitments that were
	// never written, so they are cleared.
	sanitize := func(pd *PaymentDescriptor) {
		if pd.addCommitHeightLocal > localTail.height {
			pd.addCommitHeightLocal = 0
		}
		if pd.removeCommitHeightLocal > localTail.height {
			pd.removeCommitHeightLocal = 0
		}
		if pd.addCommitHeightRemote > remoteTip.height {
			pd.addCommitHeightRemote = 0
		}
		if pd.removeCommitHeightRemote > remoteTip.height {
			pd.removeCommitHeightRemote = 0
		}
	}

	restore := func(log *updateLog, entries []channeldb.LogEntry,
		limit uint64) []*PaymentDescriptor {

		var removals []*PaymentDescriptor
		for i := range entries {
			if entries[i].LogIndex >= limit {
				continue
			}

			pd := descriptorFromLogEntry(lc.chanID, &entries[i])
			sanitize(pd)

			if pd.EntryType == channeldb.Add {
				log.restoreHtlc(pd)
				continue
			}

			log.restoreUpdate(pd)
			removals = append(removals, pd)
		}

		return removals
	}

	localRemovals := restore(
		lc.localUpdateLog, state.LocalUpdateLog, localLogIndex,
	)
	remoteRemovals := restore(
		lc.remoteUpdateLog, state.RemoteUpdateLog,
		localTail.theirMessageIndex,
	)

	for _, pd := range localRemovals {
		lc.remoteUpdateLog.markHtlcModified(pd.ParentIndex)
	}
	for _, pd := range remoteRemovals {
		lc.localUpdateLog.markHtlcModified(pd.ParentIndex)
	}

	compactLogs(
		lc.localUpdateLog, lc.remoteUpdateLog, localTail.height,
		remoteTail.height,
	)

	lc.log.Debugf("restored state: local height=%d, remote height=%d, "+
		"pending remote=%v, local log=%d, remote log=%d",
		localTail.height, remoteTail.height,
		state.RemotePendingCommit != nil, lc.localUpdateLog.Len(),
		lc.remoteUpdateLog.Len())

	return nil
}

// ResetState drops all in-memory state that wasn't persisted and the nonces
// of the current connection. It must be called when the connection to the
// remote party is lost.
func (lc *LightningChannel) ResetState() error {
	lc.Lock()
	defer lc.Unlock()

	lc.verifySession = nil
	lc.signSession = nil
	lc.remoteVerNonce = fn.None[lnwire.Musig2Nonce]()
	lc.remoteSignCommit = fn.None[lnwire.NonceCommitment]()
	lc.syncSent = false
	lc.closeSession = nil
	lc.remoteCloseNonce = fn.None[lnwire.Musig2Nonce]()

	return lc.restoreState()
}

// htlcView represents the "active" HTLCs at a particular point within the
// history of the HTLC update log.
type htlcView struct {
	ourUpdates   []*PaymentDescriptor
	theirUpdates []*PaymentDescriptor
}

// fetchHTLCView returns all the candidate HTLC updates which should be
// considered for inclusion within a commitment based on the passed HTLC log
// indexes.
func (lc *LightningChannel) fetchHTLCView(theirLogIndex,
	ourLogIndex uint64) *htlcView {

	var ourHTLCs []*PaymentDescriptor
	for e := lc.localUpdateLog.Front(); e != nil; e = e.Next() {
		htlc := e.Value

		// This HTLC is active from this point-of-view iff the log
		// index of the state update is below the specified index in
		// our update log.
		if htlc.LogIndex < ourLogIndex {
			ourHTLCs = append(ourHTLCs, htlc)
		}
	}

	var theirHTLCs []*PaymentDescriptor
	for e := lc.remoteUpdateLog.Front(); e != nil; e = e.Next() {
		htlc := e.Value

		// If this is an incoming HTLC, then it is only active from
		// this point-of-view if the index of the HTLC addition in
		// their log is below the specified view index.
		if htlc.LogIndex < theirLogIndex {
			theirHTLCs = append(theirHTLCs, htlc)
		}
	}

	return &htlcView{
		ourUpdates:   ourHTLCs,
		theirUpdates: theirHTLCs,
	}
}

// evaluateHTLCView processes all update entries in both HTLC update logs,
// producing a final view which is the result of properly applying all adds,
// settles and fails found within the update log. The resulting view returned
// reflects the current state of HTLCs within the remote or local commitment
// chain, and the current commitment fee rate.
//
// If mutateState is set to true, then the add height of all added HTLCs
// will be set to nextHeight, and the remove height of all removed HTLCs
// will be set to nextHeight. This should therefore only be set to true
// once we are *ACKing* an update to our local or remote chain.
func (lc *LightningChannel) evaluateHTLCView(view *htlcView, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64, remoteChain,
	mutateState bool) (*htlcView, error) {

	newView := &htlcView{}

	// We use two maps, one for the local log and one for the remote log to
	// keep track of which entries we need to skip when creating the final
	// htlc view. We skip an entry whenever we find a settle or a timeout
	// modifying an entry.
	skipUs := make(map[uint64]struct{})
	skipThem := make(map[uint64]struct{})

	// First we run through non-add entries in both logs, populating the
	// skip sets and mutating the current chain state (crediting balances,
	// etc) to reflect the settle/timeout entry encountered.
	for _, entry := range view.ourUpdates {
		if entry.EntryType == channeldb.Add {
			continue
		}

		addEntry := lc.remoteUpdateLog.lookupHtlc(entry.ParentIndex)
		if addEntry == nil {
			return nil, fmt.Errorf("unable to find parent htlc %d "+
				"of our removal %d", entry.ParentIndex,
				entry.LogIndex)
		}

		skipThem[addEntry.HtlcIndex] = struct{}{}
		processRemoveEntry(
			entry, ourBalance, theirBalance, nextHeight,
			remoteChain, true, mutateState,
		)
	}
	for _, entry := range view.theirUpdates {
		if entry.EntryType == channeldb.Add {
			continue
		}

		addEntry := lc.localUpdateLog.lookupHtlc(entry.ParentIndex)
		if addEntry == nil {
			return nil, fmt.Errorf("unable to find parent htlc %d "+
				"of their removal %d", entry.ParentIndex,
				entry.LogIndex)
		}

		skipUs[addEntry.HtlcIndex] = struct{}{}
		processRemoveEntry(
			entry, ourBalance, theirBalance, nextHeight,
			remoteChain, false, mutateState,
		)
	}

	// Next we take a second pass through all the log entries, skipping any
	// settled HTLCs, and debiting the chain state balance due to any newly
	// added HTLCs.
	for _, entry := range view.ourUpdates {
		isAdd := entry.EntryType == channeldb.Add
		if _, ok := skipUs[entry.HtlcIndex]; !isAdd || ok {
			continue
		}

		err := processAddEntry(
			entry, ourBalance, theirBalance, nextHeight,
			remoteChain, false, mutateState,
		)
		if err != nil {
			return nil, err
		}
		newView.ourUpdates = append(newView.ourUpdates, entry)
	}
	for _, entry := range view.theirUpdates {
		isAdd := entry.EntryType == channeldb.Add
		if _, ok := skipThem[entry.HtlcIndex]; !isAdd || ok {
			continue
		}

		err := processAddEntry(
			entry, ourBalance, theirBalance, nextHeight,
			remoteChain, true, mutateState,
		)
		if err != nil {
			return nil, err
		}
		newView.theirUpdates = append(newView.theirUpdates, entry)
	}

	return newView, nil
}

// processAddEntry evaluates the effect of an add entry within the HTLC log.
// If the HTLC hasn't yet been committed in either chain, then the height it
// was committed is updated. Keeping track of this inclusion height allows us
// to later compact the log once the change is fully committed in both chains.
func processAddEntry(htlc *PaymentDescriptor, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64,
	remoteChain, isIncoming, mutateState bool) error {

	// If we're evaluating this entry for the remote chain (to create/view
	// a new commitment), then we'll may be updating the height this entry
	// was added to the chain. Otherwise, we may be updating the entry's
	// height w.r.t the local chain.
	addHeight := &htlc.addCommitHeightLocal
	if remoteChain {
		addHeight = &htlc.addCommitHeightRemote
	}

	// If we've already processed this HTLC, then we're done here.
	if *addHeight != 0 {
		return nil
	}

	balance := ourBalance
	if isIncoming {
		// If this is a new incoming (un-committed) HTLC, then we need
		// to update their balance accordingly by subtracting the
		// amount of the HTLC that are funds pending.
		balance = theirBalance
	}
	if *balance < htlc.Amount {
		return fmt.Errorf("%w: htlc %d of %v exceeds balance %v",
			ErrInsufficientBalance, htlc.HtlcIndex, htlc.Amount,
			*balance)
	}
	*balance -= htlc.Amount

	if mutateState {
		*addHeight = nextHeight
	}

	return nil
}

// processRemoveEntry processes a log entry which settles or times out a
// previously added HTLC. If the removal entry has already been processed, it
// is skipped.
func processRemoveEntry(htlc *PaymentDescriptor, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64,
	remoteChain, isIncoming, mutateState bool) {

	removeHeight := &htlc.removeCommitHeightLocal
	if remoteChain {
		removeHeight = &htlc.removeCommitHeightRemote
	}

	// Ignore any removal entries which have already been processed.
	if *removeHeight != 0 {
		return
	}

	isSettle := htlc.EntryType == channeldb.Settle
	switch {
	// If an incoming HTLC is being settled, then this means that we've
	// received the preimage either from another subsystem, or the
	// upstream peer in the route. Therefore, we increase our balance by
	// the HTLC amount.
	case isIncoming && isSettle:
		*ourBalance += htlc.Amount

	// Otherwise, this HTLC is being failed out, therefore the value of the
	// HTLC should return to the remote party.
	case isIncoming && !isSettle:
		*theirBalance += htlc.Amount

	// If an outgoing HTLC is being settled, then this means that the
	// downstream party resented the preimage or learned of it via a
	// downstream peer. In either case, we credit their settled value with
	// the value of the HTLC.
	case !isIncoming && isSettle:
		*theirBalance += htlc.Amount

	// Otherwise, one of our outgoing HTLC's has timed out, so the value of
	// the HTLC should be returned to our settled balance.
	case !isIncoming && !isSettle:
		*ourBalance += htlc.Amount
	}

	if mutateState {
		*removeHeight = nextHeight
	}
}

// startingBalances returns the balances of the tip of a chain with the
// commitment fee given back to the initiator.
func (lc *LightningChannel) startingBalances(tip *commitment) (lnwire.MilliSatoshi,
	lnwire.MilliSatoshi) {

	ourBalance, theirBalance := tip.ourBalance, tip.theirBalance

	fee := lnwire.NewMSatFromSatoshis(tip.fee)
	if lc.channelState.IsInitiator {
		ourBalance += fee
	} else {
		theirBalance += fee
	}

	return ourBalance, theirBalance
}

// fetchCommitmentView returns a populated commitment which expresses the
// state of the channel from the point of view of a local or remote chain,
// evaluating the HTLC log up to the passed indexes. This function is used to
// construct both local and remote commitment transactions in order to sign or
// verify new commitment updates. A fully populated commitment is returned
// which reflects the proper balances for both sides at this point in the
// commitment chain.
func (lc *LightningChannel) fetchCommitmentView(remoteChain bool,
	ourLogIndex, ourHtlcIndex, theirLogIndex, theirHtlcIndex uint64,
	keyRing *CommitmentKeyRing) (*commitment, error) {

	commitChain := lc.localCommitChain
	if remoteChain {
		commitChain = lc.remoteCommitChain
	}
	tip := commitChain.tip()

	ourBalance, theirBalance := lc.startingBalances(tip)
	nextHeight := tip.height + 1

	// Run through all the HTLCs that will be covered by this transaction
	// in order to update their commitment addition height, and to adjust
	// the balances on the commitment transaction accordingly.
	htlcView := lc.fetchHTLCView(theirLogIndex, ourLogIndex)
	filteredHTLCView, err := lc.evaluateHTLCView(
		htlcView, &ourBalance, &theirBalance, nextHeight, remoteChain,
		true,
	)
	if err != nil {
		return nil, err
	}

	c := &commitment{
		height:            nextHeight,
		isOurs:            !remoteChain,
		ourBalance:        ourBalance,
		theirBalance:      theirBalance,
		ourMessageIndex:   ourLogIndex,
		ourHtlcIndex:      ourHtlcIndex,
		theirMessageIndex: theirLogIndex,
		theirHtlcIndex:    theirHtlcIndex,
		feePerKw:          tip.feePerKw,
	}

	err = buildCommitmentTx(
		lc.channelState, lc.stateHintObfuscator, c, filteredHTLCView,
		keyRing,
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// snapshotHeights records the commitment heights of every log entry and
// returns a function that restores them. Views are evaluated with mutation
// enabled, so a transition that fails later must undo them.
func (lc *LightningChannel) snapshotHeights() func() {
	type heights struct {
		pd                        *PaymentDescriptor
		addLocal, addRemote       uint64
		removeLocal, removeRemote uint64
	}

	var saved []heights
	for _, log := range []*updateLog{lc.localUpdateLog, lc.remoteUpdateLog} {
		for e := log.Front(); e != nil; e = e.Next() {
			pd := e.Value
			saved = append(saved, heights{
				pd:           pd,
				addLocal:     pd.addCommitHeightLocal,
				addRemote:    pd.addCommitHeightRemote,
				removeLocal:  pd.removeCommitHeightLocal,
				removeRemote: pd.removeCommitHeightRemote,
			})
		}
	}

	return func() {
		for _, h := range saved {
			h.pd.addCommitHeightLocal = h.addLocal
			h.pd.addCommitHeightRemote = h.addRemote
			h.pd.removeCommitHeightLocal = h.removeLocal
			h.pd.removeCommitHeightRemote = h.removeRemote
		}
	}
}

// committedLocally reports whether a remote update is covered by our local
// commitment at height localTail or below.
func committedLocally(pd *PaymentDescriptor, localTail uint64) bool {
	height := pd.addCommitHeightLocal
	if pd.EntryType != channeldb.Add {
		height = pd.removeCommitHeightLocal
	}

	return height != 0 && height <= localTail
}

// persistLogs copies the update logs into the channel state and calls write.
// Our own log is kept in full, of the remote log only the entries covered by
// our local commitment at height localTail survive a restart. The logs are
// reverted if write fails.
func (lc *LightningChannel) persistLogs(localTail uint64,
	write func() error) error {

	state := lc.channelState
	prevLocal, prevRemote := state.LocalUpdateLog, state.RemoteUpdateLog

	state.LocalUpdateLog = lc.localUpdateLog.logEntries(
		func(*PaymentDescriptor) bool { return true },
	)
	state.RemoteUpdateLog = lc.remoteUpdateLog.logEntries(
		func(pd *PaymentDescriptor) bool {
			return committedLocally(pd, localTail)
		},
	)

	if err := write(); err != nil {
		state.LocalUpdateLog, state.RemoteUpdateLog = prevLocal,
			prevRemote

		return err
	}

	return nil
}

// syncLogs writes the update logs after a new update was proposed or
// received.
func (lc *LightningChannel) syncLogs() error {
	return lc.persistLogs(
		lc.localCommitChain.tail().height,
		lc.channelState.SyncUpdateLogs,
	)
}

// isClosing reports whether a cooperative close is in progress.
func (lc *LightningChannel) isClosing() bool {
	return lc.channelState.HasChanStatus(channeldb.ChanStatusShutdownSent)
}

// validateAddHtlc checks that adding pd keeps both parties within the limits
// of the channel. incoming is true for HTLCs offered by the remote party.
func (lc *LightningChannel) validateAddHtlc(pd *PaymentDescriptor,
	bestHeight uint32, incoming bool) error {

	state := lc.channelState

	senderCfg, receiverCfg := &state.LocalChanCfg, &state.RemoteChanCfg
	if incoming {
		senderCfg, receiverCfg = receiverCfg, senderCfg
	}

	if pd.Amount < receiverCfg.MinHTLC {
		return newChannelError(
			CodeHtlcBelowMinimum, lc.chanID, "htlc amount %v below "+
				"minimum %v", pd.Amount, receiverCfg.MinHTLC,
		)
	}

	if pd.Timeout < bestHeight+lc.opts.minExpiryDelta {
		return newChannelError(
			CodeExpiryTooSoon, lc.chanID, "htlc expiry %d too "+
				"soon, height %d, min delta %d", pd.Timeout,
			bestHeight, lc.opts.minExpiryDelta,
		)
	}

	// The HTLC first appears on the commitment of the receiver, signed
	// by the sender. We project that commitment with the new HTLC.
	var (
		view     *htlcView
		chainTip *commitment
	)
	if incoming {
		remoteACKedIndex := lc.remoteCommitChain.tail().ourMessageIndex
		view = lc.fetchHTLCView(
			lc.remoteUpdateLog.logIndex, remoteACKedIndex,
		)
		view.theirUpdates = append(view.theirUpdates, pd)
		chainTip = lc.localCommitChain.tip()
	} else {
		localACKedIndex := lc.localCommitChain.tail().theirMessageIndex
		view = lc.fetchHTLCView(
			localACKedIndex, lc.localUpdateLog.logIndex,
		)
		view.ourUpdates = append(view.ourUpdates, pd)
		chainTip = lc.remoteCommitChain.tip()
	}

	ourBalance, theirBalance := lc.startingBalances(chainTip)
	filtered, err := lc.evaluateHTLCView(
		view, &ourBalance, &theirBalance, chainTip.height+1, !incoming,
		false,
	)
	if err != nil {
		return newChannelError(
			CodeInsufficientBalance, lc.chanID, "%v", err,
		)
	}

	senderBalance, offered := ourBalance, filtered.ourUpdates
	if incoming {
		senderBalance, offered = theirBalance, filtered.theirUpdates
	}

	// The receiver's commitment carries every HTLC above its dust limit.
	numHtlcs := countNonDust(
		receiverCfg.DustLimit, filtered.ourUpdates,
		filtered.theirUpdates,
	)

	var inFlight lnwire.MilliSatoshi
	for _, htlc := range offered {
		inFlight += htlc.Amount
	}

	if len(offered) > int(receiverCfg.MaxAcceptedHtlcs) {
		return newChannelError(
			CodeTooManyHTLCs, lc.chanID, "%d htlcs exceed limit "+
				"of %d", len(offered),
			receiverCfg.MaxAcceptedHtlcs,
		)
	}
	if inFlight > receiverCfg.MaxPendingAmount {
		return newChannelError(
			CodeTooManyHTLCs, lc.chanID, "%v in flight exceeds "+
				"limit of %v", inFlight,
			receiverCfg.MaxPendingAmount,
		)
	}

	// The sender has to keep its reserve, and the initiator also pays
	// the fee of the commitment carrying the HTLC.
	required := lnwire.NewMSatFromSatoshis(senderCfg.ChanReserve)
	if state.IsInitiator != incoming {
		required += lnwire.NewMSatFromSatoshis(
			CommitFee(chainTip.feePerKw, numHtlcs),
		)
	}
	if senderBalance < required {
		return newChannelError(
			CodeInsufficientBalance, lc.chanID, "balance %v "+
				"after htlc of %v below required %v",
			senderBalance, pd.Amount, required,
		)
	}

	return nil
}

// AddHTLC adds an HTLC to the state machine's local update log. This method
// should be called when preparing to send an outgoing HTLC. The index of the
// HTLC is returned. bestHeight is the current height of the chain.
func (lc *LightningChannel) AddHTLC(htlc *lnwire.UpdateAddHTLC,
	bestHeight uint32) (uint64, error) {

	lc.Lock()
	defer lc.Unlock()

	if lc.isClosing() {
		return 0, newChannelError(
			CodeChannelClosing, lc.chanID, "channel is shutting "+
				"down",
		)
	}

	pd := &PaymentDescriptor{
		ChanID:            lc.chanID,
		EntryType:         channeldb.Add,
		RHash:             lntypes.Hash(htlc.PaymentHash),
		Timeout:           htlc.Expiry,
		Amount:            htlc.Amount,
		LogIndex:          lc.localUpdateLog.logIndex,
		HtlcIndex:         lc.localUpdateLog.htlcCounter,
		OnionBlob:         append([]byte(nil), htlc.OnionBlob[:]...),
		localOutputIndex:  -1,
		remoteOutputIndex: -1,
	}

	if err := lc.validateAddHtlc(pd, bestHeight, false); err != nil {
		return 0, err
	}

	lc.localUpdateLog.appendHtlc(pd)

	if err := lc.syncLogs(); err != nil {
		lc.localUpdateLog.removeHtlc(pd.HtlcIndex)
		lc.localUpdateLog.htlcCounter--
		lc.localUpdateLog.logIndex--

		return 0, err
	}

	lc.log.Tracef("added htlc %d of %v, hash=%v", pd.HtlcIndex,
		pd.Amount, pd.RHash)

	return pd.HtlcIndex, nil
}

// ReceiveHTLC adds an HTLC to the state machine's remote update log. This
// method should be called in response to receiving a new HTLC from the
// remote party.
func (lc *LightningChannel) ReceiveHTLC(htlc *lnwire.UpdateAddHTLC,
	bestHeight uint32) (uint64, error) {

	lc.Lock()
	defer lc.Unlock()

	if htlc.ID != lc.remoteUpdateLog.htlcCounter {
		return 0, lnwire.NewProtocolError(
			lnwire.CodeMalformedMessage, lc.chanID, "htlc id %d "+
				"doesn't match expected %d", htlc.ID,
			lc.remoteUpdateLog.htlcCounter,
		)
	}

	if lc.isClosing() {
		return 0, newChannelError(
			CodeChannelClosing, lc.chanID, "channel is shutting "+
				"down",
		)
	}

	pd := &PaymentDescriptor{
		ChanID:            lc.chanID,
		EntryType:         channeldb.Add,
		RHash:             lntypes.Hash(htlc.PaymentHash),
		Timeout:           htlc.Expiry,
		Amount:            htlc.Amount,
		LogIndex:          lc.remoteUpdateLog.logIndex,
		HtlcIndex:         lc.remoteUpdateLog.htlcCounter,
		OnionBlob:         append([]byte(nil), htlc.OnionBlob[:]...),
		localOutputIndex:  -1,
		remoteOutputIndex: -1,
	}

	if err := lc.validateAddHtlc(pd, bestHeight, true); err != nil {
		return 0, err
	}

	lc.remoteUpdateLog.appendHtlc(pd)

	return pd.HtlcIndex, nil
}

// lockedIn reports whether an update with the given heights is part of the
// tail of both commitment chains.
func (lc *LightningChannel) lockedIn(localHeight, remoteHeight uint64) bool {
	return localHeight != 0 &&
		localHeight <= lc.localCommitChain.tail().height &&
		remoteHeight != 0 &&
		remoteHeight <= lc.remoteCommitChain.tail().height
}

// findRemoval returns the settle or fail of the HTLC with the given index
// offered by the owner of offerLog.
func (lc *LightningChannel) findRemoval(offerLog *updateLog,
	htlcIndex uint64) *PaymentDescriptor {

	if !offerLog.htlcHasModification(htlcIndex) {
		return nil
	}

	removeLog := lc.remoteUpdateLog
	if offerLog == lc.remoteUpdateLog {
		removeLog = lc.localUpdateLog
	}

	for e := removeLog.Front(); e != nil; e = e.Next() {
		pd := e.Value
		if pd.EntryType != channeldb.Add && pd.ParentIndex == htlcIndex {
			return pd
		}
	}

	return nil
}

// htlcState derives the lifecycle state of an HTLC from the commitment
// heights of its add and removal entries.
func (lc *LightningChannel) htlcState(offerLog *updateLog,
	add *PaymentDescriptor) HtlcState {

	if removal := lc.findRemoval(offerLog, add.HtlcIndex); removal != nil {
		switch {
		case lc.lockedIn(removal.removeCommitHeightLocal,
			removal.removeCommitHeightRemote):

			return HtlcSettled

		case removal.EntryType == channeldb.Settle:
			return HtlcPendingFulfill

		default:
			return HtlcPendingFail
		}
	}

	if lc.lockedIn(add.addCommitHeightLocal, add.addCommitHeightRemote) {
		return HtlcCommitted
	}

	return HtlcPendingAdd
}

// lookupCommitted returns the HTLC with the given index from offerLog if it
// is committed and has no removal pending.
func (lc *LightningChannel) lookupCommitted(offerLog *updateLog,
	htlcIndex uint64) (*PaymentDescriptor, error) {

	htlc := offerLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return nil, newChannelError(
			CodeUnknownHtlc, lc.chanID, "no htlc with index %d",
			htlcIndex,
		)
	}

	if state := lc.htlcState(offerLog, htlc); state != HtlcCommitted {
		return nil, newChannelError(
			CodeHtlcNotCommitted, lc.chanID, "htlc %d is %v",
			htlcIndex, state,
		)
	}

	return htlc, nil
}

// SettleHTLC attempts to settle an existing outstanding received HTLC. The
// remote log index of the HTLC settled is returned in order to facilitate
// creating the corresponding wire message.
func (lc *LightningChannel) SettleHTLC(preimage lntypes.Preimage,
	htlcIndex uint64) error {

	lc.Lock()
	defer lc.Unlock()

	htlc, err := lc.lookupCommitted(lc.remoteUpdateLog, htlcIndex)
	if err != nil {
		return err
	}

	if !preimage.Matches(htlc.RHash) {
		return newChannelError(
			CodeInvalidPreimage, lc.chanID, "preimage doesn't "+
				"match hash %v of htlc %d", htlc.RHash,
			htlcIndex,
		)
	}

	pd := &PaymentDescriptor{
		ChanID:            lc.chanID,
		Amount:            htlc.Amount,
		RPreimage:         preimage,
		RHash:             htlc.RHash,
		LogIndex:          lc.localUpdateLog.logIndex,
		ParentIndex:       htlc.HtlcIndex,
		EntryType:         channeldb.Settle,
		localOutputIndex:  -1,
		remoteOutputIndex: -1,
	}

	return lc.appendLocalRemoval(pd)
}

// FailHTLC attempts to fail an incoming HTLC with the given reason, the
// encrypted failure for the origin of the payment.
func (lc *LightningChannel) FailHTLC(htlcIndex uint64, reason []byte) error {
	lc.Lock()
	defer lc.Unlock()

	htlc, err := lc.lookupCommitted(lc.remoteUpdateLog, htlcIndex)
	if err != nil {
		return err
	}

	pd := &PaymentDescriptor{
		ChanID:            lc.chanID,
		Amount:            htlc.Amount,
		RHash:             htlc.RHash,
		LogIndex:          lc.localUpdateLog.logIndex,
		ParentIndex:       htlc.HtlcIndex,
		EntryType:         channeldb.Fail,
		FailReason:        reason,
		localOutputIndex:  -1,
		remoteOutputIndex: -1,
	}

	return lc.appendLocalRemoval(pd)
}

// appendLocalRemoval adds a settle or fail to our log and persists it.
func (lc *LightningChannel) appendLocalRemoval(pd *PaymentDescriptor) error {
	lc.localUpdateLog.appendUpdate(pd)
	lc.remoteUpdateLog.markHtlcModified(pd.ParentIndex)

	if err := lc.syncLogs(); err != nil {
		lc.localUpdateLog.removeUpdate(pd.LogIndex)
		lc.localUpdateLog.logIndex--
		lc.remoteUpdateLog.modifiedHtlcs.Remove(pd.ParentIndex)

		return err
	}

	lc.log.Tracef("%v of htlc %d queued", pd.EntryType, pd.ParentIndex)

	return nil
}

// ReceiveHTLCSettle attempts to settle an existing outgoing HTLC indexed by
// an index into the local log. If the specified index doesn't exist within
// the log, and error is returned.
func (lc *LightningChannel) ReceiveHTLCSettle(preimage lntypes.Preimage,
	htlcIndex uint64) error {

	lc.Lock()
	defer lc.Unlock()

	htlc, err := lc.lookupCommitted(lc.localUpdateLog, htlcIndex)
	if err != nil {
		return err
	}

	if !preimage.Matches(htlc.RHash) {
		return newChannelError(
			CodeInvalidPreimage, lc.chanID, "preimage doesn't "+
				"match hash %v of htlc %d", htlc.RHash,
			htlcIndex,
		)
	}

	pd := &PaymentDescriptor{
		ChanID:            lc.chanID,
		Amount:            htlc.Amount,
		RPreimage:         preimage,
		RHash:             htlc.RHash,
		LogIndex:          lc.remoteUpdateLog.logIndex,
		ParentIndex:       htlc.HtlcIndex,
		EntryType:         channeldb.Settle,
		localOutputIndex:  -1,
		remoteOutputIndex: -1,
	}

	lc.remoteUpdateLog.appendUpdate(pd)
	lc.localUpdateLog.markHtlcModified(htlcIndex)

	return nil
}

// ReceiveFailHTLC attempts to cancel a targeted HTLC by its log index,
// inserting an entry which will remove the target log entry within the next
// commitment update.
func (lc *LightningChannel) ReceiveFailHTLC(htlcIndex uint64,
	reason []byte) error {

	lc.Lock()
	defer lc.Unlock()

	htlc, err := lc.lookupCommitted(lc.localUpdateLog, htlcIndex)
	if err != nil {
		return err
	}

	pd := &PaymentDescriptor{
		ChanID:            lc.chanID,
		Amount:            htlc.Amount,
		RHash:             htlc.RHash,
		LogIndex:          lc.remoteUpdateLog.logIndex,
		ParentIndex:       htlc.HtlcIndex,
		EntryType:         channeldb.Fail,
		FailReason:        reason,
		localOutputIndex:  -1,
		remoteOutputIndex: -1,
	}

	lc.remoteUpdateLog.appendUpdate(pd)
	lc.localUpdateLog.markHtlcModified(htlcIndex)

	return nil
}

// OweCommitment returns a boolean value reflecting whether we need to send
// out a commitment signature because there are outstanding local updates
// and/or updates in the local commit tx that aren't reflected in the remote
// commit tx yet.
func (lc *LightningChannel) OweCommitment() bool {
	lc.RLock()
	defer lc.RUnlock()

	return lc.oweCommitment()
}

// AwaitingRevocation returns true if we signed a remote commitment that
// wasn't revoked yet.
func (lc *LightningChannel) AwaitingRevocation() bool {
	lc.RLock()
	defer lc.RUnlock()

	return lc.remoteCommitChain.hasUnackedCommitment()
}

func (lc *LightningChannel) oweCommitment() bool {
	remoteTip := lc.remoteCommitChain.tip()
	remoteACKedIndex := lc.localCommitChain.tail().theirMessageIndex

	return lc.localUpdateLog.logIndex > remoteTip.ourMessageIndex ||
		remoteACKedIndex > remoteTip.theirMessageIndex
}

// signRemoteCommitment produces our partial signature of a remote
// commitment transaction and starts the session for the next one.
func (lc *LightningChannel) signRemoteCommitment(commitTx *wire.MsgTx,
	height uint64) (*lnwire.CommitSig, *signer.Session, error) {

	if lc.signSession == nil {
		return nil, nil, errNoSigningSession
	}
	remoteNonce, err := lc.remoteVerNonce.UnwrapOrErr(errNoSigningSession)
	if err != nil {
		return nil, nil, err
	}

	digest, err := signer.TaprootKeySpendDigest(commitTx, lc.fundingOutput)
	if err != nil {
		return nil, nil, err
	}

	err = lc.signSession.AggregateNonces(
		remoteNonce, fn.None[lnwire.NonceCommitment](),
	)
	if err != nil {
		return nil, nil, err
	}
	partialSig, err := lc.signSession.PartialSign(digest)
	if err != nil {
		return nil, nil, err
	}

	nextSession, nextCommit, err := lc.musig.BeginSigning(
		signer.SigningContext{
			ChanID: lc.chanID,
			Owner:  signer.RemoteCommitment,
			Height: height + 1,
		},
	)
	if err != nil {
		return nil, nil, err
	}

	return &lnwire.CommitSig{
		ChanID:          lc.chanID,
		PartialSig:      *partialSig.ToWireSig(),
		NextNonceCommit: nextCommit,
	}, nextSession, nil
}

// SignNextCommitment signs a new commitment which includes any previous
// unsettled HTLCs, any new HTLCs, and any modifications to prior HTLCs
// committed in previous commitment updates. Signing a new commitment
// decrements the available revocation window by 1. After a successful method
// call, the remote party's commitment chain is extended by a new commitment
// which includes all updates to the HTLC log prior to this method invocation.
// The new commitment is written to disk before the signature is returned.
func (lc *LightningChannel) SignNextCommitment() (*lnwire.CommitSig, error) {
	lc.Lock()
	defer lc.Unlock()

	// If we're awaiting for an ACK to a commitment signature, or if we
	// don't yet have the initial next revocation point of the remote
	// party, then we're unable to create new states. Each time we create
	// a new state, we consume a prior revocation point.
	commitPoint := lc.channelState.RemoteNextRevocation
	if lc.remoteCommitChain.hasUnackedCommitment() || commitPoint == nil {
		return nil, newChannelError(
			CodeRevocationWindowExhausted, lc.chanID, "awaiting "+
				"revocation of remote height %d",
			lc.remoteCommitChain.tail().height,
		)
	}

	if !lc.oweCommitment() {
		return nil, newChannelError(
			CodeNoPendingUpdates, lc.chanID, "no updates to sign",
		)
	}

	// Determine the last update on the remote log that has been locked in.
	remoteACKedIndex := lc.localCommitChain.tail().theirMessageIndex
	remoteHtlcIndex := lc.localCommitChain.tail().theirHtlcIndex

	keyRing := DeriveCommitmentKeys(
		commitPoint, false, &lc.channelState.LocalChanCfg,
		&lc.channelState.RemoteChanCfg,
	)

	// Create a new commitment view which will calculate the evaluated
	// state of the remote node's new commitment including our latest
	// added HTLCs. The view includes the latest balances for both sides
	// on the remote node's chain, and also update the addition height of
	// any new HTLC log entries.
	restoreHeights := lc.snapshotHeights()
	newCommitView, err := lc.fetchCommitmentView(
		true, lc.localUpdateLog.logIndex,
		lc.localUpdateLog.htlcCounter, remoteACKedIndex,
		remoteHtlcIndex, keyRing,
	)
	if err != nil {
		restoreHeights()
		return nil, err
	}

	lc.log.Tracef("extending remote chain to height %v, local_log=%v, "+
		"remote_log=%v, local_balance=%v, remote_balance=%v",
		newCommitView.height, newCommitView.ourMessageIndex,
		newCommitView.theirMessageIndex, newCommitView.ourBalance,
		newCommitView.theirBalance)
	lc.log.Tracef("remote commitment: %v",
		lnutils.SpewLogClosure(newCommitView.txn))

	commitSig, nextSession, err := lc.signRemoteCommitment(
		newCommitView.txn, newCommitView.height,
	)
	if err != nil {
		restoreHeights()
		return nil, err
	}

	diskCommit := newCommitView.toDiskCommit()
	err = lc.persistLogs(lc.localCommitChain.tail().height, func() error {
		return lc.channelState.AppendRemoteCommitChain(diskCommit)
	})
	if err != nil {
		restoreHeights()
		return nil, err
	}

	// Extend the remote commitment chain by one with the addition of our
	// latest commitment update.
	lc.remoteCommitChain.addCommitment(newCommitView)
	lc.signSession = nextSession

	return commitSig, nil
}

// ReceiveNewCommitment process a signature for a new commitment state sent
// by the remote party. This method should be called in response to the
// remote party initiating a new change, or when the remote party sends a
// signature fully accepting a new state we've initiated. If we are able to
// successfully validate the signature, then the generated commitment is
// added to our local commitment chain. Once we send a revocation for our
// prior state, then this newly added commitment becomes our current accepted
// channel state.
func (lc *LightningChannel) ReceiveNewCommitment(msg *lnwire.CommitSig) error {
	lc.Lock()
	defer lc.Unlock()

	if lc.localCommitChain.hasUnackedCommitment() {
		return lnwire.NewProtocolError(
			lnwire.CodeUnexpectedMessage, lc.chanID, "previous "+
				"commitment %d not revoked yet",
			lc.localCommitChain.tail().height,
		)
	}

	// Determine the last update on the local log that has been locked in.
	localACKedIndex := lc.remoteCommitChain.tail().ourMessageIndex
	localHtlcIndex := lc.remoteCommitChain.tail().ourHtlcIndex

	localTip := lc.localCommitChain.tip()
	if localACKedIndex == localTip.ourMessageIndex &&
		lc.remoteUpdateLog.logIndex == localTip.theirMessageIndex {

		return lnwire.NewProtocolError(
			lnwire.CodeInvalidCommitment, lc.chanID, "commitment "+
				"covers no new updates",
		)
	}

	if lc.verifySession == nil {
		return errNoSigningSession
	}

	// We're receiving a new commitment which attempts to extend our local
	// commitment chain height by one, so fetch the proper commitment
	// point as this will be needed to derive the keys required to
	// construct the commitment.
	nextHeight := localTip.height + 1
	commitPoint, err := lc.channelState.CommitPoint(nextHeight)
	if err != nil {
		return err
	}
	keyRing := DeriveCommitmentKeys(
		commitPoint, true, &lc.channelState.LocalChanCfg,
		&lc.channelState.RemoteChanCfg,
	)

	// With the current commitment point re-calculated, construct the new
	// commitment view which includes all the entries (pending or committed)
	// we know of in the remote node's HTLC log, but only our local changes
	// up to the last change the remote node has ACK'd.
	restoreHeights := lc.snapshotHeights()
	localCommitmentView, err := lc.fetchCommitmentView(
		false, localACKedIndex, localHtlcIndex,
		lc.remoteUpdateLog.logIndex, lc.remoteUpdateLog.htlcCounter,
		keyRing,
	)
	if err != nil {
		restoreHeights()
		return lnwire.NewProtocolError(
			lnwire.CodeInvalidCommitment, lc.chanID, "unable to "+
				"build commitment %d: %v", nextHeight, err,
		)
	}

	finalSig, err := lc.completeLocalSignature(
		localCommitmentView.txn, &msg.PartialSig,
	)
	if err != nil {
		restoreHeights()
		return err
	}

	lc.log.Tracef("local chain: our_balance=%v, their_balance=%v, "+
		"commit_height=%v", localCommitmentView.ourBalance,
		localCommitmentView.theirBalance, localCommitmentView.height)

	// The signature checks out, so we can now add the new commitment to
	// our local commitment chain.
	localCommitmentView.sig = finalSig
	lc.localCommitChain.addCommitment(localCommitmentView)
	lc.remoteSignCommit = fn.Some(msg.NextNonceCommit)

	return nil
}

// completeLocalSignature verifies the remote partial signature of our own
// commitment transaction and combines it with ours into the final signature.
func (lc *LightningChannel) completeLocalSignature(commitTx *wire.MsgTx,
	sig *lnwire.PartialSigWithNonce) ([]byte, error) {

	session := lc.verifySession
	if session == nil {
		return nil, errNoSigningSession
	}

	digest, err := signer.TaprootKeySpendDigest(commitTx, lc.fundingOutput)
	if err != nil {
		return nil, err
	}

	remoteSig := signer.FromWireSig(sig)
	err = session.AggregateNonces(remoteSig.Nonce, lc.remoteSignCommit)
	if err != nil {
		return nil, err
	}

	localSig, err := session.PartialSign(digest)
	if err != nil {
		return nil, err
	}

	// The session is consumed whatever the outcome.
	lc.verifySession = nil

	finalSig, err := session.VerifyAndCombine(localSig, remoteSig)
	if err != nil {
		return nil, lnwire.NewProtocolError(
			lnwire.CodeInvalidSignature, lc.chanID, "commitment "+
				"signature invalid: %v", err,
		)
	}

	return finalSig.Serialize(), nil
}

// newVerifySession starts the session for our local commitment at height
// and returns the nonce to send to the remote party.
func (lc *LightningChannel) newVerifySession(
	height uint64) (lnwire.Musig2Nonce, error) {

	session, _, err := lc.musig.BeginSigning(signer.SigningContext{
		ChanID: lc.chanID,
		Owner:  signer.LocalCommitment,
		Height: height,
	})
	if err != nil {
		return lnwire.Musig2Nonce{}, err
	}

	lc.verifySession = session

	return session.PublicNonce(), nil
}

// RevokeCurrentCommitment revokes the next lowest unrevoked commitment
// transaction in the local commitment chain. As a result the edge of our
// revocation window is extended by one, and the tail of our local commitment
// chain is advanced by a single commitment. The new tail is written to disk
// first, the revocation secret is only released after that write.
func (lc *LightningChannel) RevokeCurrentCommitment() (*lnwire.RevokeAndAck,
	error) {

	lc.Lock()
	defer lc.Unlock()

	if !lc.localCommitChain.hasUnackedCommitment() {
		return nil, fmt.Errorf("no commitment to revoke")
	}

	newTail := lc.localCommitChain.tip()
	diskCommit := newTail.toDiskCommit()

	var release *channeldb.RevocationRelease
	err := lc.persistLogs(newTail.height, func() error {
		var err error
		release, err = lc.channelState.CommitRevocation(diskCommit)
		return err
	})
	if err != nil {
		return nil, err
	}

	lc.localCommitChain.advanceTail()
	compactLogs(
		lc.localUpdateLog, lc.remoteUpdateLog, newTail.height,
		lc.remoteCommitChain.tail().height,
	)

	revMsg, err := lc.revocationMsg(release)
	if err != nil {
		return nil, err
	}

	lc.log.Debugf("revoked height %d, now at height %d", release.Height(),
		newTail.height)

	return revMsg, nil
}

// revocationMsg builds the revoke_and_ack releasing the secret named by
// release, together with the commitment point and a fresh verification
// nonce for the commitment after our current tail.
func (lc *LightningChannel) revocationMsg(
	release *channeldb.RevocationRelease) (*lnwire.RevokeAndAck, error) {

	secret, err := lc.channelState.ReleaseRevocation(release)
	if err != nil {
		return nil, err
	}

	// The remote party signs our next commitment with the point of the
	// height after our current tail.
	nextHeight := lc.localCommitChain.tail().height + 1
	nextPoint, err := lc.channelState.CommitPoint(nextHeight)
	if err != nil {
		return nil, err
	}

	nonce, err := lc.currentVerifyNonce(nextHeight)
	if err != nil {
		return nil, err
	}

	return &lnwire.RevokeAndAck{
		ChanID:            lc.chanID,
		Revocation:        *secret,
		NextRevocationKey: nextPoint,
		LocalNonce:        nonce,
	}, nil
}

// currentVerifyNonce returns the nonce of the pending verification session,
// starting one for height if there is none.
func (lc *LightningChannel) currentVerifyNonce(
	height uint64) (lnwire.Musig2Nonce, error) {

	if lc.verifySession != nil {
		return lc.verifySession.PublicNonce(), nil
	}

	return lc.newVerifySession(height)
}

// RevocationResult lists the updates that became locked into both
// commitment chains by a received revocation.
type RevocationResult struct {
	// Adds are HTLCs offered by the remote party, ready to be forwarded
	// or settled.
	Adds []*PaymentDescriptor

	// Settles are settles of our HTLCs by the remote party.
	Settles []*PaymentDescriptor

	// Fails are fails of our HTLCs by the remote party.
	Fails []*PaymentDescriptor
}

// ReceiveRevocation processes a revocation sent by the remote party for the
// lowest unrevoked commitment within their commitment chain. We receive a
// revocation either during the initial session negotiation wherein revocation
// windows are extended, or in response to a state update that we initiate.
// If successful, then the remote commitment chain is advanced by a single
// commitment, and a log compaction is attempted.
func (lc *LightningChannel) ReceiveRevocation(
	revMsg *lnwire.RevokeAndAck) (*RevocationResult, error) {

	lc.Lock()
	defer lc.Unlock()

	if !lc.remoteCommitChain.hasUnackedCommitment() {
		return nil, lnwire.NewProtocolError(
			lnwire.CodeUnexpectedMessage, lc.chanID, "no "+
				"commitment awaiting revocation",
		)
	}

	// Ensure that the new pre-image can be placed in preimage store.
	revocation, err := chainhash.NewHash(revMsg.Revocation[:])
	if err != nil {
		return nil, err
	}

	// Verify that the revocation public key we can derive using this
	// pre-image and our private key is identical to the revocation key we
	// were given for their current (prior) commitment transaction.
	_, derived := btcec.PrivKeyFromBytes(revMsg.Revocation[:])
	if !derived.IsEqual(lc.channelState.RemoteCurrentRevocation) {
		return nil, lnwire.NewProtocolError(
			lnwire.CodeInvalidRevocation, lc.chanID, "revocation "+
				"of height %d doesn't match commitment point",
			lc.remoteCommitChain.tail().height,
		)
	}
	if revMsg.NextRevocationKey == nil {
		return nil, lnwire.NewProtocolError(
			lnwire.CodeMalformedMessage, lc.chanID, "missing next "+
				"commitment point",
		)
	}

	newTail := lc.remoteCommitChain.tip()
	err = lc.persistLogs(lc.localCommitChain.tail().height, func() error {
		return lc.channelState.AdvanceCommitChainTail(
			revocation, revMsg.NextRevocationKey,
		)
	})
	if err != nil {
		if errors.Is(err, channeldb.ErrChanBorked) {
			return nil, err
		}

		return nil, lnwire.NewProtocolError(
			lnwire.CodeInvalidRevocation, lc.chanID, "unable to "+
				"store revocation: %v", err,
		)
	}

	// Since they revoked the current lowest height in their commitment
	// chain, we can advance their chain by a single commitment.
	lc.remoteCommitChain.advanceTail()
	lc.remoteVerNonce = fn.Some(revMsg.LocalNonce)

	// Collect the updates that are now locked into both chains.
	result := &RevocationResult{}
	for e := lc.remoteUpdateLog.Front(); e != nil; e = e.Next() {
		pd := e.Value
		if pd.EntryType == channeldb.Add &&
			pd.addCommitHeightRemote == newTail.height {

			result.Adds = append(result.Adds, pd)
		}
	}
	for e := lc.remoteUpdateLog.Front(); e != nil; e = e.Next() {
		pd := e.Value
		if pd.removeCommitHeightRemote != newTail.height {
			continue
		}

		switch pd.EntryType {
		case channeldb.Settle:
			result.Settles = append(result.Settles, pd)
		case channeldb.Fail:
			result.Fails = append(result.Fails, pd)
		}
	}

	compactLogs(
		lc.localUpdateLog, lc.remoteUpdateLog,
		lc.localCommitChain.tail().height, newTail.height,
	)

	lc.log.Debugf("remote revoked height %d, remote chain at %d, %d "+
		"adds locked in", newTail.height-1, newTail.height,
		len(result.Adds))

	return result, nil
}

// HtlcSnapshot is a read-only view of one HTLC.
type HtlcSnapshot struct {
	Incoming  bool
	HtlcIndex uint64
	Amount    lnwire.MilliSatoshi
	RHash     lntypes.Hash
	Expiry    uint32
	State     HtlcState
}

// ChannelSnapshot is a snapshot of the current state of the channel, as
// given by its current local commitment.
type ChannelSnapshot struct {
	ChannelPoint wire.OutPoint
	ChanID       lnwire.ChannelID
	Capacity     btcutil.Amount

	// LocalBalance and RemoteBalance exclude the HTLCs in flight and are
	// taken before the commitment fee.
	LocalBalance  lnwire.MilliSatoshi
	RemoteBalance lnwire.MilliSatoshi

	// CommitFee is the fee of the current local commitment, paid by the
	// initiator.
	CommitFee btcutil.Amount

	LocalCommitHeight  uint64
	RemoteCommitHeight uint64

	// Htlcs are the HTLCs of the current local commitment.
	Htlcs []HtlcSnapshot

	TotalMSatSent     lnwire.MilliSatoshi
	TotalMSatReceived lnwire.MilliSatoshi
}

// StateSnapshot returns a snapshot of the current fully committed state
// within the channel.
func (lc *LightningChannel) StateSnapshot() *ChannelSnapshot {
	lc.RLock()
	defer lc.RUnlock()

	tail := lc.localCommitChain.tail()
	local, remote := lc.startingBalances(tail)

	snapshot := &ChannelSnapshot{
		ChannelPoint:       lc.channelState.FundingOutpoint,
		ChanID:             lc.chanID,
		Capacity:           lc.channelState.Capacity,
		LocalBalance:       local,
		RemoteBalance:      remote,
		CommitFee:          tail.fee,
		LocalCommitHeight:  tail.height,
		RemoteCommitHeight: lc.remoteCommitChain.tail().height,
		TotalMSatSent:      lc.channelState.TotalMSatSent,
		TotalMSatReceived:  lc.channelState.TotalMSatReceived,
	}

	add := func(offerLog *updateLog, htlc *PaymentDescriptor,
		incoming bool) {

		state := HtlcCommitted
		if live := offerLog.lookupHtlc(htlc.HtlcIndex); live != nil {
			state = lc.htlcState(offerLog, live)
		}

		snapshot.Htlcs = append(snapshot.Htlcs, HtlcSnapshot{
			Incoming:  incoming,
			HtlcIndex: htlc.HtlcIndex,
			Amount:    htlc.Amount,
			RHash:     htlc.RHash,
			Expiry:    htlc.Timeout,
			State:     state,
		})
	}
	for i := range tail.outgoingHTLCs {
		add(lc.localUpdateLog, &tail.outgoingHTLCs[i], false)
	}
	for i := range tail.incomingHTLCs {
		add(lc.remoteUpdateLog, &tail.incomingHTLCs[i], true)
	}

	return snapshot
}

// ActiveHtlcs returns every HTLC still referenced by the update logs, with
// its lifecycle state.
func (lc *LightningChannel) ActiveHtlcs() []HtlcSnapshot {
	lc.RLock()
	defer lc.RUnlock()

	var htlcs []HtlcSnapshot
	collect := func(offerLog *updateLog, incoming bool) {
		for e := offerLog.Front(); e != nil; e = e.Next() {
			pd := e.Value
			if pd.EntryType != channeldb.Add {
				continue
			}

			htlcs = append(htlcs, HtlcSnapshot{
				Incoming:  incoming,
				HtlcIndex: pd.HtlcIndex,
				Amount:    pd.Amount,
				RHash:     pd.RHash,
				Expiry:    pd.Timeout,
				State:     lc.htlcState(offerLog, pd),
			})
		}
	}
	collect(lc.localUpdateLog, false)
	collect(lc.remoteUpdateLog, true)

	return htlcs
}

// AvailableBalance returns the amount we can add in a new HTLC right now:
// our balance after all pending updates, minus our reserve and, if we are
// the initiator, the fee of a commitment carrying one more HTLC.
func (lc *LightningChannel) AvailableBalance() lnwire.MilliSatoshi {
	lc.RLock()
	defer lc.RUnlock()

	localACKedIndex := lc.localCommitChain.tail().theirMessageIndex
	view := lc.fetchHTLCView(localACKedIndex, lc.localUpdateLog.logIndex)

	tip := lc.remoteCommitChain.tip()
	ourBalance, theirBalance := lc.startingBalances(tip)
	filtered, err := lc.evaluateHTLCView(
		view, &ourBalance, &theirBalance, tip.height+1, true, false,
	)
	if err != nil {
		return 0
	}

	required := lnwire.NewMSatFromSatoshis(
		lc.channelState.LocalChanCfg.ChanReserve,
	)
	if lc.channelState.IsInitiator {
		numHtlcs := len(filtered.ourUpdates) +
			len(filtered.theirUpdates) + 1
		required += lnwire.NewMSatFromSatoshis(
			CommitFee(tip.feePerKw, numHtlcs),
		)
	}

	if ourBalance < required {
		return 0
	}

	return ourBalance - required
}

// IsChannelClean returns true if neither commitment chain nor update log
// holds any HTLC or pending update.
func (lc *LightningChannel) IsChannelClean() bool {
	lc.RLock()
	defer lc.RUnlock()

	return lc.isChannelClean()
}

func (lc *LightningChannel) isChannelClean() bool {
	if lc.localUpdateLog.Len() > 0 || lc.remoteUpdateLog.Len() > 0 {
		return false
	}

	if lc.localCommitChain.hasUnackedCommitment() ||
		lc.remoteCommitChain.hasUnackedCommitment() {

		return false
	}

	for _, c := range []*commitment{
		lc.localCommitChain.tail(), lc.remoteCommitChain.tail(),
	} {
		if len(c.outgoingHTLCs) > 0 || len(c.incomingHTLCs) > 0 {
			return false
		}
	}

	return true
}

// ChanID returns the id of the channel.
func (lc *LightningChannel) ChanID() lnwire.ChannelID {
	return lc.chanID
}

// ChannelPoint returns the outpoint of the original funding transaction
// which created this active channel. This outpoint is used throughout
// various subsystems to uniquely identify an open channel.
func (lc *LightningChannel) ChannelPoint() wire.OutPoint {
	return lc.channelState.FundingOutpoint
}

// ShortChanID returns the short channel ID for the channel. The short channel
// ID encodes the exact location in the main chain that the original
// funding output can be found.
func (lc *LightningChannel) ShortChanID() lnwire.ShortChannelID {
	return lc.channelState.ShortChannelID
}

// IsInitiator returns true if we were the ones that initiated the funding
// workflow which led to the creation of this channel. Otherwise, it returns
// false.
func (lc *LightningChannel) IsInitiator() bool {
	return lc.channelState.IsInitiator
}

// State provides access to the channel's internal state.
func (lc *LightningChannel) State() *channeldb.OpenChannel {
	return lc.channelState
}

// FundingOutput returns the funding output of the channel.
func (lc *LightningChannel) FundingOutput() *wire.TxOut {
	return lc.fundingOutput
}

// StateHintObfuscator returns the obfuscator of the state numbers encoded in
// the commitment transactions of the channel.
func (lc *LightningChannel) StateHintObfuscator() [StateHintSize]byte {
	return lc.stateHintObfuscator
}

// CommitHeights returns the heights of the tails of the local and remote
// commitment chains.
func (lc *LightningChannel) CommitHeights() (uint64, uint64) {
	lc.RLock()
	defer lc.RUnlock()

	return lc.localCommitChain.tail().height,
		lc.remoteCommitChain.tail().height
}

// String returns a short description of the channel.
func (lc *LightningChannel) String() string {
	return fmt.Sprintf("ChannelPoint(%v)", lc.channelState.FundingOutpoint)
}
