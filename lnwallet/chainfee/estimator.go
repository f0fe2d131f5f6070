package chainfee

// Estimator returns fee rates for a confirmation target in blocks.
type Estimator interface {
	// EstimateFeePerKW returns the fee rate to confirm within numBlocks.
	EstimateFeePerKW(numBlocks uint32) (SatPerKWeight, error)

	Start() error

	Stop() error

	// RelayFeePerKW is the lowest fee rate relayed by the network. Dust
	// limits derive from it.
	RelayFeePerKW() SatPerKWeight
}

// StaticEstimator answers every target with the same fee rate.
type StaticEstimator struct {
	feePerKW SatPerKWeight
	relayFee SatPerKWeight
}

// NewStaticEstimator returns an estimator of a fixed fee rate.
func NewStaticEstimator(feePerKW, relayFee SatPerKWeight) *StaticEstimator {
	return &StaticEstimator{
		feePerKW: feePerKW,
		relayFee: relayFee,
	}
}

// EstimateFeePerKW returns the fixed fee rate.
func (e *StaticEstimator) EstimateFeePerKW(uint32) (SatPerKWeight, error) {
	return e.feePerKW, nil
}

// RelayFeePerKW returns the fixed relay fee rate.
func (e *StaticEstimator) RelayFeePerKW() SatPerKWeight {
	return e.relayFee
}

func (e *StaticEstimator) Start() error {
	return nil
}

func (e *StaticEstimator) Stop() error {
	return nil
}

var _ Estimator = (*StaticEstimator)(nil)
