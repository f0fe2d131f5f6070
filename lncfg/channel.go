package lncfg

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwire"
)

const (
	// DefaultReserveRatio is the share of the capacity the remote party
	// must keep as its reserve.
	DefaultReserveRatio = 0.01

	// DefaultFeeRate is the fee rate in sat/kw used when no estimate is
	// available.
	DefaultFeeRate = chainfee.FeePerKwFloor * 10

	// DefaultCsvDelay is the delay imposed on the to_local output of the
	// remote party.
	DefaultCsvDelay = 144

	// DefaultMinConf is the funding depth required before a channel we
	// accepted is used.
	DefaultMinConf = 3

	// DefaultMinChanSize is the smallest channel we accept.
	DefaultMinChanSize = btcutil.Amount(20_000)

	// DefaultPeerTimeout is how long a channel waits for a reply of its
	// peer.
	DefaultPeerTimeout = time.Minute
)

// Channel holds the policy applied to new channels.
//
//nolint:lll
type Channel struct {
	ReserveRatio float64 `long:"reserve-ratio" description:"The share of the channel capacity the remote party must keep as its reserve."`

	FeeRate uint64 `long:"fee-rate" description:"The commitment fee rate in sat/kw used when the fee estimator has no estimate."`

	MaxHtlcs uint16 `long:"max-htlcs" description:"The maximum number of HTLCs the remote party may offer us at once."`

	MaxValueInFlight uint64 `long:"max-value-in-flight" description:"The maximum value in msat the remote party may have in flight towards us. 0 allows the full capacity."`

	CsvDelay uint16 `long:"csv-delay" description:"The number of blocks the remote party must wait to claim its own funds after a force close."`

	MinHtlc uint64 `long:"min-htlc" description:"The smallest HTLC in msat we accept."`

	MinConf uint16 `long:"min-conf" description:"The number of confirmations required before a channel opened to us is usable."`

	MinChanSize int64 `long:"min-chan-size" description:"The smallest channel in satoshis we accept."`

	MaxChanSize int64 `long:"max-chan-size" description:"The largest channel in satoshis we accept. 0 means no limit."`

	PeerTimeout time.Duration `long:"peer-timeout" description:"The time a channel waits for a reply the protocol requires before it fails."`
}

// DefaultChannel returns the default channel policy.
func DefaultChannel() *Channel {
	return &Channel{
		ReserveRatio: DefaultReserveRatio,
		FeeRate:      uint64(DefaultFeeRate),
		MaxHtlcs:     lnwallet.MaxHTLCNumber,
		CsvDelay:     DefaultCsvDelay,
		MinHtlc:      1,
		MinConf:      DefaultMinConf,
		MinChanSize:  int64(DefaultMinChanSize),
		PeerTimeout:  DefaultPeerTimeout,
	}
}

// Validate checks the policy is within the limits of the protocol.
func (c *Channel) Validate() error {
	if c.ReserveRatio < 0 || c.ReserveRatio > 0.2 {
		return fmt.Errorf("reserve-ratio must be between 0 and 0.2, "+
			"got %v", c.ReserveRatio)
	}

	if chainfee.SatPerKWeight(c.FeeRate) < chainfee.FeePerKwFloor {
		return fmt.Errorf("fee-rate must be at least %v",
			chainfee.FeePerKwFloor)
	}

	if c.MaxHtlcs == 0 || c.MaxHtlcs > lnwallet.MaxHTLCNumber {
		return fmt.Errorf("max-htlcs must be between 1 and %d",
			lnwallet.MaxHTLCNumber)
	}

	if c.CsvDelay == 0 || c.CsvDelay > lnwallet.DefaultMaxCsvDelay {
		return fmt.Errorf("csv-delay must be between 1 and %d",
			lnwallet.DefaultMaxCsvDelay)
	}

	if c.MinConf == 0 {
		return fmt.Errorf("min-conf must be positive")
	}

	if c.MinChanSize < int64(lnwallet.MinDustLimit) {
		return fmt.Errorf("min-chan-size must be at least %v",
			lnwallet.MinDustLimit)
	}

	if c.MaxChanSize != 0 && c.MaxChanSize < c.MinChanSize {
		return fmt.Errorf("max-chan-size %d below min-chan-size %d",
			c.MaxChanSize, c.MinChanSize)
	}

	if c.PeerTimeout < 0 {
		return fmt.Errorf("peer-timeout must not be negative")
	}

	return nil
}

// Policy returns the channel policy described by the config.
func (c *Channel) Policy() lnwallet.ChannelPolicy {
	maxInFlight := lnwire.MilliSatoshi(c.MaxValueInFlight)
	if maxInFlight == 0 {
		maxInFlight = lnwire.NewMSatFromSatoshis(btcutil.MaxSatoshi)
	}

	return lnwallet.ChannelPolicy{
		DustLimit:        lnwallet.MinDustLimit,
		MaxPendingAmount: maxInFlight,
		MinHTLC:          lnwire.MilliSatoshi(c.MinHtlc),
		MaxAcceptedHtlcs: c.MaxHtlcs,
		ReserveRatio:     c.ReserveRatio,
		RemoteCsvDelay:   c.CsvDelay,
		MaxCsvDelay:      lnwallet.DefaultMaxCsvDelay,
		MinChanSize:      btcutil.Amount(c.MinChanSize),
		MaxChanSize:      btcutil.Amount(c.MaxChanSize),
		NumConfs:         c.MinConf,
	}
}

// FeeEstimator returns a static estimator over the configured fee rate.
func (c *Channel) FeeEstimator() chainfee.Estimator {
	return chainfee.NewStaticEstimator(
		chainfee.SatPerKWeight(c.FeeRate), chainfee.FeePerKwFloor,
	)
}

// Compile-time constraint to ensure Channel implements the Validator
// interface.
var _ Validator = (*Channel)(nil)
