package chainfee

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// The estimator takes the btcd RPC client the chain watcher uses.
var _ FeeClient = (*rpcclient.Client)(nil)

type mockFeeClient struct {
	mock.Mock
}

func (m *mockFeeClient) EstimateFee(numBlocks int64) (float64, error) {
	args := m.Called(numBlocks)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockFeeClient) GetInfo() (*btcjson.InfoWalletResult, error) {
	args := m.Called()
	return args.Get(0).(*btcjson.InfoWalletResult), args.Error(1)
}

func TestBtcdEstimator(t *testing.T) {
	t.Parallel()

	client := &mockFeeClient{}
	client.On("GetInfo").Return(&btcjson.InfoWalletResult{
		RelayFee: 0.00002,
	}, nil)

	testClock := clock.NewTestClock(time.Unix(1_700_000_000, 0))

	estimator := NewBtcdEstimator(client, 5000)
	estimator.clock = testClock
	require.NoError(t, estimator.Start())

	// 2000 sat/kvb relay fee is 500 sat/kw.
	require.Equal(t, SatPerKWeight(500), estimator.RelayFeePerKW())

	// 0.0001 BTC/kvB is 10000 sat/kvb or 2500 sat/kw.
	client.On("EstimateFee", int64(6)).Return(0.0001, nil).Once()
	fee, err := estimator.EstimateFeePerKW(6)
	require.NoError(t, err)
	require.Equal(t, SatPerKWeight(2500), fee)

	// The estimate is reused until it expires.
	fee, err = estimator.EstimateFeePerKW(6)
	require.NoError(t, err)
	require.Equal(t, SatPerKWeight(2500), fee)

	testClock.SetTime(testClock.Now().Add(estimateTTL))

	// Estimates below the relay fee are raised to it.
	client.On("EstimateFee", int64(6)).Return(0.000001, nil).Once()
	fee, err = estimator.EstimateFeePerKW(6)
	require.NoError(t, err)
	require.Equal(t, SatPerKWeight(500), fee)

	// Missing data and errors fall back, neither is cached.
	client.On("EstimateFee", int64(1)).Return(-1.0, nil).Twice()
	for i := 0; i < 2; i++ {
		fee, err = estimator.EstimateFeePerKW(1)
		require.NoError(t, err)
		require.Equal(t, SatPerKWeight(5000), fee)
	}

	client.On("EstimateFee", int64(2)).Return(0.0, errors.New("down")).Once()
	fee, err = estimator.EstimateFeePerKW(2)
	require.NoError(t, err)
	require.Equal(t, SatPerKWeight(5000), fee)

	client.AssertExpectations(t)
}
