package contractcourt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwallet"
	"golang.org/x/sync/errgroup"
)

// PreimageBeacon is the node wide store of payment preimages. The
// arbitrator looks up the preimages of incoming HTLCs it sweeps on chain
// and reports the preimages it learns from spends of our outgoing HTLCs.
type PreimageBeacon interface {
	// LookupPreimage returns the preimage of hash if it's known.
	LookupPreimage(hash lntypes.Hash) (lntypes.Preimage, bool)

	// AddPreimages adds preimages learned on chain.
	AddPreimages(preimages ...lntypes.Preimage) error
}

// ChainArbitratorConfig holds the dependencies of the ChainArbitrator.
type ChainArbitratorConfig struct {
	// KeyRing derives the keys of our commitment outputs.
	KeyRing keychain.SecretKeyRing

	// Chain broadcasts sweeps and watches the outputs of closed channels.
	Chain chainntnfs.ChainWatcher

	// FeePolicy sets the fee rates of sweep and justice transactions.
	FeePolicy FeePolicy

	// SweepScript returns the script swept funds are paid to.
	SweepScript func() ([]byte, error)

	// Store records our sweeps. It's required to tell them apart from
	// spends of the counterparty after a restart.
	Store *SweepStore

	// Preimages is optional. Without it incoming HTLCs aren't claimed on
	// chain.
	Preimages PreimageBeacon
}

// ChainArbitrator resolves channels whose funding output was spent. It
// classifies the spending transaction, sweeps every output we own and
// archives the channel once nothing is left to claim. Revoked commitments
// are handed to the BreachArbiter.
type ChainArbitrator struct {
	cfg    ChainArbitratorConfig
	breach *BreachArbiter

	mu     sync.Mutex
	active map[wire.OutPoint]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChainArbitrator creates a new arbitrator.
func NewChainArbitrator(cfg ChainArbitratorConfig) *ChainArbitrator {
	ctx, cancel := context.WithCancel(context.Background())

	return &ChainArbitrator{
		cfg: cfg,
		breach: NewBreachArbiter(BreachConfig{
			Chain:       cfg.Chain,
			FeePolicy:   cfg.FeePolicy,
			SweepScript: cfg.SweepScript,
			Store:       cfg.Store,
		}),
		active: make(map[wire.OutPoint]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stop cancels every resolution in progress and waits for them to exit.
// Channels left unresolved are picked up again by the next start of their
// state machine.
func (c *ChainArbitrator) Stop() {
	log.Info("ChainArbitrator shutting down...")
	defer log.Debug("ChainArbitrator shutdown complete")

	c.cancel()
	c.wg.Wait()
}

// contract is a closed channel whose outputs are being resolved.
type contract struct {
	state       *channeldb.OpenChannel
	spendTx     *wire.MsgTx
	closeHeight uint32
	closeType   channeldb.ClosureType

	resolutions []lnwallet.OutputResolution
	retribution *lnwallet.BreachRetribution

	onResolved func(*channeldb.ChannelCloseSummary)
}

// ResolveContract classifies spendTx and starts the resolution of a force
// closed channel. A cooperative close is returned without further action.
func (c *ChainArbitrator) ResolveContract(state *channeldb.OpenChannel,
	spendTx *wire.MsgTx, height uint32,
	onResolved func(*channeldb.ChannelCloseSummary)) (
	channeldb.ClosureType, error) {

	k, err := c.classify(state, spendTx)
	if err != nil {
		return 0, err
	}
	if k.closeType == channeldb.CooperativeClose {
		return k.closeType, nil
	}
	k.closeHeight = height
	k.onResolved = onResolved

	chanPoint := state.FundingOutpoint

	c.mu.Lock()
	if _, ok := c.active[chanPoint]; ok {
		c.mu.Unlock()
		log.Debugf("ChannelPoint(%v): resolution already in progress",
			chanPoint)

		return k.closeType, nil
	}
	c.active[chanPoint] = struct{}{}
	c.mu.Unlock()

	log.Infof("ChannelPoint(%v): resolving %v by %v at height %d, "+
		"%d outputs to claim", chanPoint, k.closeType,
		spendTx.TxHash(), height, len(k.outputs()))

	c.wg.Add(1)
	go c.resolve(k)

	return k.closeType, nil
}

// classify finds out which commitment spendTx is.
func (c *ChainArbitrator) classify(state *channeldb.OpenChannel,
	spendTx *wire.MsgTx) (*contract, error) {

	k := &contract{state: state, spendTx: spendTx}
	txid := spendTx.TxHash()

	local, err := lnwallet.NewLocalForceCloseSummary(state, c.cfg.KeyRing)
	switch {
	case err == nil && local.CloseTx.TxHash() == txid:
		k.closeType = channeldb.LocalForceClose
		k.resolutions = local.Resolutions

		return k, nil

	case err != nil && !errors.Is(err, lnwallet.ErrNoCommitSig):
		return nil, err
	}

	remote, err := lnwallet.NewUnilateralCloseSummary(
		state, c.cfg.KeyRing, spendTx,
	)
	switch {
	case err == nil:
		k.closeType = channeldb.RemoteForceClose
		k.resolutions = remote.Resolutions

		return k, nil

	case !errors.Is(err, lnwallet.ErrUnknownCommitment):
		return nil, err
	}

	// Commitments carry the obscured state number in their lock time and
	// sequence. Anything else is a cooperative close.
	if !isCommitment(spendTx) {
		k.closeType = channeldb.CooperativeClose
		return k, nil
	}

	stateNum := lnwallet.GetStateNumHint(
		spendTx, lnwallet.StateObfuscator(state),
	)
	if stateNum >= state.RemoteCommitment.CommitHeight {
		return nil, fmt.Errorf("%w: state %d is not revoked, remote "+
			"tail is %d", lnwallet.ErrUnknownCommitment, stateNum,
			state.RemoteCommitment.CommitHeight)
	}

	retribution, err := lnwallet.NewBreachRetribution(
		state, c.cfg.KeyRing, stateNum, spendTx,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to build retribution for "+
			"state %d: %w", stateNum, err)
	}

	log.Criticalf("ChannelPoint(%v): revoked state %d was broadcast by "+
		"%x in %v", state.FundingOutpoint, stateNum,
		state.IdentityPub.SerializeCompressed(), txid)

	k.closeType = channeldb.BreachClose
	k.retribution = retribution

	return k, nil
}

// isCommitment returns true if tx has the lock time and sequence of a
// commitment transaction.
func isCommitment(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}

	return tx.LockTime>>24 == lnwallet.TimelockShift>>24 &&
		tx.TxIn[0].Sequence&wire.SequenceLockTimeDisabled != 0
}

// outputs returns the outputs of the contract we claim.
func (k *contract) outputs() []lnwallet.OutputResolution {
	if k.retribution != nil {
		return k.retribution.Outputs
	}

	return k.resolutions
}

// resolve claims the outputs of k and archives the channel.
func (c *ChainArbitrator) resolve(k *contract) {
	defer c.wg.Done()

	chanPoint := k.state.FundingOutpoint
	defer func() {
		c.mu.Lock()
		delete(c.active, chanPoint)
		c.mu.Unlock()
	}()

	var (
		settled, timeLocked btcutil.Amount
		err                 error
	)
	if k.retribution != nil {
		settled, err = c.breach.Punish(
			c.ctx, k.retribution, k.closeHeight,
		)
	} else {
		settled, timeLocked, err = c.sweepAll(k)
	}
	if err != nil {
		if c.ctx.Err() == nil {
			log.Errorf("ChannelPoint(%v): unable to resolve %v: %v",
				chanPoint, k.closeType, err)
		}

		return
	}

	summary := &channeldb.ChannelCloseSummary{
		ChanPoint:         chanPoint,
		ShortChanID:       k.state.ShortChannelID,
		ChainHash:         k.state.ChainHash,
		ClosingTXID:       k.spendTx.TxHash(),
		RemotePub:         k.state.IdentityPub,
		Capacity:          k.state.Capacity,
		CloseHeight:       k.closeHeight,
		SettledBalance:    settled,
		TimeLockedBalance: timeLocked,
		CloseType:         k.closeType,
	}
	if err := k.state.CloseChannel(summary); err != nil {
		log.Errorf("ChannelPoint(%v): unable to archive: %v",
			chanPoint, err)

		return
	}

	ops := make([]wire.OutPoint, 0, len(k.outputs()))
	for _, res := range k.outputs() {
		ops = append(ops, res.OutPoint)
	}
	if err := c.cfg.Store.RemoveSweeps(ops...); err != nil {
		log.Warnf("ChannelPoint(%v): unable to remove sweeps: %v",
			chanPoint, err)
	}

	log.Infof("ChannelPoint(%v): %v fully resolved, settled=%v "+
		"time_locked=%v", chanPoint, k.closeType, settled, timeLocked)

	k.onResolved(summary)
}

// sweepAll resolves every output of a force close concurrently.
func (c *ChainArbitrator) sweepAll(k *contract) (btcutil.Amount,
	btcutil.Amount, error) {

	g, ctx := errgroup.WithContext(c.ctx)

	claimed := make([]bool, len(k.resolutions))
	for i := range k.resolutions {
		res := &k.resolutions[i]
		g.Go(func() error {
			ok, err := c.resolveOutput(ctx, res, k.closeHeight)
			claimed[i] = ok

			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	var settled, timeLocked btcutil.Amount
	for i, res := range k.resolutions {
		if !claimed[i] {
			continue
		}

		amt := btcutil.Amount(res.SignDesc.Output.Value)
		if res.CsvDelay > 0 || res.CltvExpiry > 0 {
			timeLocked += amt
		} else {
			settled += amt
		}
	}

	return settled, timeLocked, nil
}

// resolveOutput sweeps res once it matured and returns whether we claimed
// it. It returns once the output is spent, by us or the counterparty.
func (c *ChainArbitrator) resolveOutput(ctx context.Context,
	res *lnwallet.OutputResolution, closeHeight uint32) (bool, error) {

	var (
		attempts        int
		broadcastHeight uint32
		lastTry         uint32
	)

	events := c.cfg.Chain.Watch(
		ctx, res.OutPoint, res.SignDesc.Output.PkScript, closeHeight,
	)
	for ev := range events {
		switch ev.Type {
		case chainntnfs.Spend:
			ours, err := c.cfg.Store.IsSweep(
				res.OutPoint, ev.Tx.TxHash(),
			)
			if err != nil {
				return false, err
			}
			if ours {
				log.Infof("Swept %v in %v", res, ev.Tx.TxHash())
				return true, nil
			}

			log.Infof("%v was spent by the counterparty in %v",
				res, ev.Tx.TxHash())
			c.extractPreimage(res, ev.Tx)

			return false, nil

		case chainntnfs.Confirmation:
			tip := ev.Height + ev.NumConfs - 1
			if tip == lastTry || !mature(res, ev.Height, tip) {
				continue
			}
			if attempts > 0 &&
				!c.cfg.FeePolicy.shouldBump(broadcastHeight, tip) {

				continue
			}
			lastTry = tip

			txid, err := c.sweep(ctx, res, attempts)
			switch {
			case errors.Is(err, ErrDustSweep):
				log.Warnf("Abandoning %v: %v", res, err)
				return false, nil

			case errors.Is(err, errNoPreimage):
				continue

			case err != nil:
				log.Warnf("Unable to sweep %v: %v", res, err)
				continue
			}

			log.Infof("Broadcast sweep %v of %v, attempt %d", txid,
				res, attempts)

			attempts++
			broadcastHeight = tip
		}
	}

	return false, ctx.Err()
}

var errNoPreimage = errors.New("preimage unknown")

// sweep signs and broadcasts a sweep of res.
func (c *ChainArbitrator) sweep(ctx context.Context,
	res *lnwallet.OutputResolution, attempt int) (chainhash.Hash, error) {

	sweepRes := *res
	if needsPreimage(res.WitnessType) {
		if c.cfg.Preimages == nil {
			return chainhash.Hash{}, errNoPreimage
		}

		preimage, ok := c.cfg.Preimages.LookupPreimage(res.RHash)
		if !ok {
			return chainhash.Hash{}, errNoPreimage
		}
		sweepRes.SignDesc.Preimage = preimage[:]
	}

	script, err := c.cfg.SweepScript()
	if err != nil {
		return chainhash.Hash{}, err
	}

	sweepTx, err := createSweepTx(
		[]*lnwallet.OutputResolution{&sweepRes}, script,
		c.cfg.FeePolicy.FeeRate(attempt),
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	// The sweep is recorded before it's broadcast so that a confirmed
	// sweep is always recognized.
	txid := sweepTx.TxHash()
	if err := c.cfg.Store.AddSweep(txid, res.OutPoint); err != nil {
		return chainhash.Hash{}, err
	}

	return c.cfg.Chain.Broadcast(ctx, sweepTx)
}

// extractPreimage reports the preimage revealed by the counterparty when
// it claimed one of our outgoing HTLCs.
func (c *ChainArbitrator) extractPreimage(res *lnwallet.OutputResolution,
	spendTx *wire.MsgTx) {

	if !res.IsHtlc || res.Incoming || c.cfg.Preimages == nil {
		return
	}

	for _, txIn := range spendTx.TxIn {
		if txIn.PreviousOutPoint != res.OutPoint {
			continue
		}

		// A success spend is <sig> <preimage> <script> <control block>.
		if len(txIn.Witness) != 4 {
			return
		}

		preimage, err := lntypes.MakePreimage(txIn.Witness[1])
		if err != nil || !preimage.Matches(res.RHash) {
			return
		}

		log.Infof("Learned preimage of %v from %v", res.RHash,
			spendTx.TxHash())

		if err := c.cfg.Preimages.AddPreimages(preimage); err != nil {
			log.Errorf("Unable to add preimage of %v: %v",
				res.RHash, err)
		}

		return
	}
}
