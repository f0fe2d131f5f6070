package contractcourt

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/lnwallet"
)

// BreachConfig holds the dependencies of the BreachArbiter.
type BreachConfig struct {
	Chain       chainntnfs.ChainWatcher
	FeePolicy   FeePolicy
	SweepScript func() ([]byte, error)
	Store       *SweepStore
}

// BreachArbiter punishes a counterparty that broadcast a revoked
// commitment: a single justice transaction sweeps every output of the
// breach with the revocation key. Outputs the counterparty manages to spend
// first are dropped and the justice transaction is rebuilt over the rest.
type BreachArbiter struct {
	cfg BreachConfig
}

// NewBreachArbiter creates a new breach arbiter.
func NewBreachArbiter(cfg BreachConfig) *BreachArbiter {
	return &BreachArbiter{cfg: cfg}
}

// justiceState tracks the outputs of one breach.
type justiceState struct {
	// pending are the outputs not spent yet.
	pending map[wire.OutPoint]*lnwallet.OutputResolution

	claimed btcutil.Amount

	attempts        int
	broadcastHeight uint32
	lastTry         uint32

	// stale is set when the last justice transaction spends an output
	// that is gone.
	stale bool
}

// Punish sweeps the outputs of the breach and returns the amount we
// claimed. It returns once every output is spent.
func (b *BreachArbiter) Punish(ctx context.Context,
	retribution *lnwallet.BreachRetribution,
	breachHeight uint32) (btcutil.Amount, error) {

	log.Warnf("ChannelPoint(%v): punishing breach %v of revoked state %d",
		retribution.ChanPoint, retribution.BreachTx.TxHash(),
		retribution.RevokedStateNum)

	js := &justiceState{
		pending: make(map[wire.OutPoint]*lnwallet.OutputResolution),
	}
	for i := range retribution.Outputs {
		out := &retribution.Outputs[i]
		js.pending[out.OutPoint] = out
	}
	if len(js.pending) == 0 {
		return 0, nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	events := make(chan chainntnfs.ChainEvent)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for op, out := range js.pending {
		wg.Add(1)
		go func() {
			defer wg.Done()

			seq := b.cfg.Chain.Watch(
				watchCtx, op, out.SignDesc.Output.PkScript,
				breachHeight,
			)
			for ev := range seq {
				select {
				case events <- ev:
				case <-watchCtx.Done():
					return
				}

				if ev.Type == chainntnfs.Spend {
					return
				}
			}
		}()
	}

	for {
		select {
		case ev := <-events:
			if err := b.handleEvent(ctx, retribution, js, ev); err != nil {
				return js.claimed, err
			}
			if len(js.pending) == 0 {
				log.Infof("ChannelPoint(%v): justice served, "+
					"claimed %v", retribution.ChanPoint,
					js.claimed)

				return js.claimed, nil
			}

		case <-ctx.Done():
			return js.claimed, ctx.Err()
		}
	}
}

// handleEvent updates js with a chain event of one of the breached outputs
// and (re)broadcasts the justice transaction when due.
func (b *BreachArbiter) handleEvent(ctx context.Context,
	retribution *lnwallet.BreachRetribution, js *justiceState,
	ev chainntnfs.ChainEvent) error {

	switch ev.Type {
	case chainntnfs.Spend:
		out, ok := js.pending[ev.OutPoint]
		if !ok {
			return nil
		}
		delete(js.pending, ev.OutPoint)

		ours, err := b.cfg.Store.IsSweep(ev.OutPoint, ev.Tx.TxHash())
		if err != nil {
			return err
		}
		if ours {
			js.claimed += btcutil.Amount(out.SignDesc.Output.Value)
			return nil
		}

		log.Warnf("ChannelPoint(%v): %v was spent by the counterparty "+
			"in %v", retribution.ChanPoint, out, ev.Tx.TxHash())
		js.stale = true

		return nil

	case chainntnfs.Confirmation:
		tip := ev.Height + ev.NumConfs - 1
		if tip == js.lastTry {
			return nil
		}

		due := js.attempts == 0 || js.stale ||
			b.cfg.FeePolicy.shouldBump(js.broadcastHeight, tip)
		if !due {
			return nil
		}
		js.lastTry = tip

		if err := b.broadcastJustice(ctx, retribution, js); err != nil {
			log.Warnf("ChannelPoint(%v): unable to broadcast justice "+
				"tx: %v", retribution.ChanPoint, err)

			return nil
		}

		js.attempts++
		js.broadcastHeight = tip
		js.stale = false
	}

	return nil
}

// broadcastJustice sweeps the pending outputs of js.
func (b *BreachArbiter) broadcastJustice(ctx context.Context,
	retribution *lnwallet.BreachRetribution, js *justiceState) error {

	inputs := make([]*lnwallet.OutputResolution, 0, len(js.pending))
	ops := make([]wire.OutPoint, 0, len(js.pending))
	for op, out := range js.pending {
		inputs = append(inputs, out)
		ops = append(ops, op)
	}
	sort.Slice(inputs, func(i, j int) bool {
		return outPointLess(inputs[i].OutPoint, inputs[j].OutPoint)
	})

	script, err := b.cfg.SweepScript()
	if err != nil {
		return err
	}

	justiceTx, err := createSweepTx(
		inputs, script, b.cfg.FeePolicy.FeeRate(js.attempts),
	)
	if err != nil {
		return err
	}

	txid := justiceTx.TxHash()
	if err := b.cfg.Store.AddSweep(txid, ops...); err != nil {
		return err
	}

	if _, err := b.cfg.Chain.Broadcast(ctx, justiceTx); err != nil {
		return err
	}

	log.Infof("ChannelPoint(%v): broadcast justice tx %v sweeping %d "+
		"outputs", retribution.ChanPoint, txid, len(inputs))

	return nil
}

func outPointLess(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}

	return a.Index < b.Index
}
