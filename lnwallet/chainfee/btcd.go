package chainfee

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
)

// estimateTTL is how long a fee estimate of btcd is reused.
const estimateTTL = time.Minute

// FeeClient is the part of the btcd RPC client the estimator uses. It is
// satisfied by *rpcclient.Client.
type FeeClient interface {
	// EstimateFee returns the fee rate in BTC/kvB for confirmation within
	// numBlocks, or -1 without enough data.
	EstimateFee(numBlocks int64) (float64, error)

	// GetInfo returns the backend info, including its relay fee.
	GetInfo() (*btcjson.InfoWalletResult, error)
}

// cachedEstimate is an estimate along with the time it was fetched.
type cachedEstimate struct {
	fee       SatPerKWeight
	fetchedAt time.Time
}

// BtcdEstimator asks a btcd node for fee estimates. Estimates are kept for
// estimateTTL and never fall below the relay fee of the node.
type BtcdEstimator struct {
	client FeeClient
	clock  clock.Clock

	// fallback is returned while btcd has no estimate.
	fallback SatPerKWeight

	mu       sync.Mutex
	relayFee SatPerKWeight
	cache    map[uint32]cachedEstimate
}

// NewBtcdEstimator creates an estimator over an RPC client shared with the
// chain watcher.
func NewBtcdEstimator(client FeeClient,
	fallback SatPerKWeight) *BtcdEstimator {

	return &BtcdEstimator{
		client:   client,
		clock:    clock.NewDefaultClock(),
		fallback: fallback,
		relayFee: FeePerKwFloor,
		cache:    make(map[uint32]cachedEstimate),
	}
}

// Start fetches the relay fee of the node.
func (b *BtcdEstimator) Start() error {
	info, err := b.client.GetInfo()
	if err != nil {
		return err
	}

	// btcd reports its relay fee in BTC/kvB.
	relayFee, err := btcutil.NewAmount(info.RelayFee)
	if err != nil {
		return err
	}

	minFee := SatPerKVByte(relayFee).FeePerKWeight()
	if minFee < FeePerKwFloor {
		minFee = FeePerKwFloor
	}

	b.mu.Lock()
	b.relayFee = minFee
	b.mu.Unlock()

	log.Debugf("Using minimum fee rate of %v", minFee)

	return nil
}

// Stop is a noop, the RPC client belongs to the caller.
func (b *BtcdEstimator) Stop() error {
	return nil
}

// RelayFeePerKW returns the relay fee of the node, at least FeePerKwFloor.
func (b *BtcdEstimator) RelayFeePerKW() SatPerKWeight {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.relayFee
}

// EstimateFeePerKW returns the estimate of btcd for the target. Failures
// and missing data yield the fallback rate.
func (b *BtcdEstimator) EstimateFeePerKW(numBlocks uint32) (SatPerKWeight,
	error) {

	now := b.clock.Now()

	b.mu.Lock()
	cached, ok := b.cache[numBlocks]
	b.mu.Unlock()

	if ok && now.Sub(cached.fetchedAt) < estimateTTL {
		return cached.fee, nil
	}

	fee, err := b.fetchEstimate(numBlocks)
	switch {
	case err != nil:
		log.Errorf("Unable to query fee estimate: %v", err)
		return b.fallback, nil

	// Missing data isn't cached, btcd may have it on the next call.
	case fee == 0:
		return b.fallback, nil
	}

	b.mu.Lock()
	b.cache[numBlocks] = cachedEstimate{fee: fee, fetchedAt: now}
	b.mu.Unlock()

	return fee, nil
}

// fetchEstimate returns the estimate of btcd in sat/kw, zero without one.
func (b *BtcdEstimator) fetchEstimate(numBlocks uint32) (SatPerKWeight,
	error) {

	btcPerKVB, err := b.client.EstimateFee(int64(numBlocks))
	if err != nil {
		return 0, err
	}
	if btcPerKVB <= 0 {
		return 0, nil
	}

	satPerKVB, err := btcutil.NewAmount(btcPerKVB)
	if err != nil {
		return 0, err
	}

	fee := SatPerKVByte(satPerKVB).FeePerKWeight()
	if relayFee := b.RelayFeePerKW(); fee < relayFee {
		log.Debugf("Estimated fee rate of %v is below the relay fee, "+
			"using %v instead", fee, relayFee)
		fee = relayFee
	}

	log.Debugf("Returning %v for conf target of %v", fee, numBlocks)

	return fee, nil
}

var _ Estimator = (*BtcdEstimator)(nil)
