package contractcourt

import (
	"github.com/hopline/hopd/lnwallet/chainfee"
)

const (
	// DefaultSweepConfTarget is the confirmation target of sweeps.
	DefaultSweepConfTarget = 6

	// DefaultBumpInterval is the number of blocks an unconfirmed sweep
	// waits before it's rebroadcast at a higher fee rate.
	DefaultBumpInterval = 3

	// DefaultMaxFeeRate caps the fee rate of fee bumps.
	DefaultMaxFeeRate chainfee.SatPerKWeight = 250_000
)

// FeePolicy computes the fee rate of sweep and justice transactions. Each
// rebroadcast of an unconfirmed transaction raises the rate by a quarter.
type FeePolicy struct {
	// Estimator provides the starting fee rate.
	Estimator chainfee.Estimator

	// ConfTarget is the confirmation target passed to the estimator.
	ConfTarget uint32

	// BumpInterval is the number of blocks between two fee bumps. Zero
	// disables bumping.
	BumpInterval uint32

	// MaxFeeRate caps bumped fee rates.
	MaxFeeRate chainfee.SatPerKWeight
}

// DefaultFeePolicy returns the policy used by the daemon.
func DefaultFeePolicy(estimator chainfee.Estimator) FeePolicy {
	return FeePolicy{
		Estimator:    estimator,
		ConfTarget:   DefaultSweepConfTarget,
		BumpInterval: DefaultBumpInterval,
		MaxFeeRate:   DefaultMaxFeeRate,
	}
}

// FeeRate returns the fee rate of the given attempt, starting at zero.
func (p FeePolicy) FeeRate(attempt int) chainfee.SatPerKWeight {
	rate, err := p.Estimator.EstimateFeePerKW(p.ConfTarget)
	if err != nil {
		log.Warnf("Unable to estimate sweep fee, using relay fee: %v",
			err)

		rate = p.Estimator.RelayFeePerKW()
	}
	if rate < chainfee.FeePerKwFloor {
		rate = chainfee.FeePerKwFloor
	}

	for i := 0; i < attempt; i++ {
		rate += rate / 4
		if p.MaxFeeRate != 0 && rate >= p.MaxFeeRate {
			return p.MaxFeeRate
		}
	}

	return rate
}

// shouldBump returns true if a transaction broadcast at broadcastHeight is
// due for a fee bump at height.
func (p FeePolicy) shouldBump(broadcastHeight, height uint32) bool {
	if p.BumpInterval == 0 {
		return false
	}

	return height >= broadcastHeight+p.BumpInterval
}
