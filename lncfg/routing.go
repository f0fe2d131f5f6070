package lncfg

import (
	"fmt"

	"github.com/hopline/hopd/htlcswitch"
	"github.com/hopline/hopd/lnwire"
)

const (
	// DefaultBaseFee is the fixed fee in msat charged per forwarded HTLC.
	DefaultBaseFee = 1000

	// DefaultRoutingFeeRate is the proportional forwarding fee in
	// millionths.
	DefaultRoutingFeeRate = 1

	// DefaultTimeLockDelta is the number of blocks an incoming HTLC must
	// outlast the HTLC we forward.
	DefaultTimeLockDelta = 40

	// MinTimeLockDelta is the smallest time lock delta we announce.
	MinTimeLockDelta = 18

	// DefaultMaxPaymentAttempts is the number of routes a payment tries.
	DefaultMaxPaymentAttempts = 10
)

// Routing holds the forwarding policy we announce for our channels and the
// settings of outgoing payments.
//
//nolint:lll
type Routing struct {
	BaseFee uint64 `long:"basefee" description:"The base fee in millisatoshi we will charge for forwarding payments on our channels."`

	FeeRate uint64 `long:"feerate" description:"The fee rate used when forwarding payments on our channels. The total fee charged is basefee + (amount * feerate / 1000000), where amount is the forwarded amount."`

	TimeLockDelta uint32 `long:"timelockdelta" description:"The CLTV delta we will subtract from a forwarded HTLC's timelock value."`

	MaxPaymentAttempts int `long:"max-payment-attempts" description:"The number of routes an outgoing payment tries before it fails."`
}

// DefaultRouting returns the default forwarding policy.
func DefaultRouting() *Routing {
	return &Routing{
		BaseFee:            DefaultBaseFee,
		FeeRate:            DefaultRoutingFeeRate,
		TimeLockDelta:      DefaultTimeLockDelta,
		MaxPaymentAttempts: DefaultMaxPaymentAttempts,
	}
}

// Validate checks the forwarding policy.
func (r *Routing) Validate() error {
	if r.TimeLockDelta < MinTimeLockDelta {
		return fmt.Errorf("timelockdelta must be at least %d",
			MinTimeLockDelta)
	}

	if r.MaxPaymentAttempts <= 0 {
		return fmt.Errorf("max-payment-attempts must be positive")
	}

	return nil
}

// ForwardingPolicy returns the policy the switch applies to forwarded HTLCs.
func (r *Routing) ForwardingPolicy(
	minHTLC lnwire.MilliSatoshi) htlcswitch.ForwardingPolicy {

	return htlcswitch.ForwardingPolicy{
		MinHTLC:       minHTLC,
		BaseFee:       lnwire.MilliSatoshi(r.BaseFee),
		FeeRate:       lnwire.MilliSatoshi(r.FeeRate),
		TimeLockDelta: r.TimeLockDelta,
	}
}

// Compile-time constraint to ensure Routing implements the Validator
// interface.
var _ Validator = (*Routing)(nil)
