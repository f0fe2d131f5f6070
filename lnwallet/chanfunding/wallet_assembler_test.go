package chanfunding

import (
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

type mockCoinSource struct {
	coins []Coin
}

func (m *mockCoinSource) ListCoins(_, _ int32) ([]Coin, error) {
	return m.coins, nil
}

type mockCoinLocker struct {
	sync.Mutex
	locked map[wire.OutPoint]struct{}
}

func (m *mockCoinLocker) LockOutpoint(o wire.OutPoint) {
	m.Lock()
	defer m.Unlock()

	m.locked[o] = struct{}{}
}

func (m *mockCoinLocker) UnlockOutpoint(o wire.OutPoint) {
	m.Lock()
	defer m.Unlock()

	delete(m.locked, o)
}

type mockInputSigner struct {
	err    error
	signed int
}

func (m *mockInputSigner) SignInputs(tx *wire.MsgTx, coins []Coin) error {
	if m.err != nil {
		return m.err
	}

	for i := range tx.TxIn {
		tx.TxIn[i].Witness = wire.TxWitness{{0x01}}
	}
	m.signed += len(coins)

	return nil
}

func newTestAssembler(coins []Coin, signer *mockInputSigner) (
	*WalletAssembler, *mockCoinLocker) {

	locker := &mockCoinLocker{locked: make(map[wire.OutPoint]struct{})}

	return NewWalletAssembler(WalletConfig{
		CoinSource: &mockCoinSource{coins: coins},
		CoinLocker: locker,
		Signer:     signer,
		DustLimit:  354,
	}), locker
}

// TestWalletAssemblerFunding checks that the wallet assembler selects and
// locks coins and builds a signed funding transaction with change.
func TestWalletAssemblerFunding(t *testing.T) {
	t.Parallel()

	coins := []Coin{
		newCoin(200_000, p2trScript, 0),
		newCoin(50_000, p2trScript, 1),
	}
	signer := &mockInputSigner{}
	assembler, locker := newTestAssembler(coins, signer)

	intent, err := assembler.ProvisionChannel(&Request{
		LocalAmt: 100_000,
		MinConfs: 1,
		FeeRate:  chainfee.FeePerKwFloor,
		ChangeScript: func() ([]byte, error) {
			return p2trScript, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(100_000), intent.LocalFundingAmt())

	for _, op := range intent.Inputs() {
		require.Contains(t, locker.locked, op)
	}

	// The outpoint isn't known before the transaction is built.
	_, err = intent.ChanPoint()
	require.Error(t, err)

	fundingScript := []byte{0x51, 0x20, 0x01}
	fundingTx, err := intent.FundingTx(fundingScript)
	require.NoError(t, err)
	require.Len(t, fundingTx.TxOut, 2)
	require.Equal(t, len(intent.Inputs()), signer.signed)

	chanPoint, err := intent.ChanPoint()
	require.NoError(t, err)
	require.Equal(t, fundingTx.TxHash(), chanPoint.Hash)
	require.Equal(
		t, fundingScript, fundingTx.TxOut[chanPoint.Index].PkScript,
	)
	require.EqualValues(
		t, 100_000, fundingTx.TxOut[chanPoint.Index].Value,
	)

	intent.Cancel()
	require.Empty(t, locker.locked)
}

// TestWalletAssemblerErrors checks the failures of the wallet assembler.
func TestWalletAssemblerErrors(t *testing.T) {
	t.Parallel()

	coins := []Coin{newCoin(50_000, p2trScript, 0)}

	assembler, locker := newTestAssembler(coins, &mockInputSigner{})

	_, err := assembler.ProvisionChannel(&Request{
		LocalAmt: 10_000,
		PushAmt:  20_000,
		FeeRate:  chainfee.FeePerKwFloor,
	})
	require.Error(t, err)

	_, err = assembler.ProvisionChannel(&Request{
		LocalAmt: 100_000,
		FeeRate:  chainfee.FeePerKwFloor,
	})
	var insufficient *ErrInsufficientFunds
	require.ErrorAs(t, err, &insufficient)
	require.Empty(t, locker.locked)

	// A signing failure is returned and the caller cancels.
	signErr := errors.New("locked wallet")
	assembler, locker = newTestAssembler(
		coins, &mockInputSigner{err: signErr},
	)
	intent, err := assembler.ProvisionChannel(&Request{
		LocalAmt: 20_000,
		FeeRate:  chainfee.FeePerKwFloor,
		ChangeScript: func() ([]byte, error) {
			return p2trScript, nil
		},
	})
	require.NoError(t, err)

	_, err = intent.FundingTx([]byte{0x51})
	require.ErrorIs(t, err, signErr)

	intent.Cancel()
	require.Empty(t, locker.locked)
}

// TestCannedAssembler checks the intent of an externally funded channel.
func TestCannedAssembler(t *testing.T) {
	t.Parallel()

	prevOut := wire.OutPoint{Index: 3}
	intent, err := NewCannedAssembler(prevOut, 80_000).ProvisionChannel(
		&Request{LocalAmt: 80_000},
	)
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{prevOut}, intent.Inputs())

	fundingTx, err := intent.FundingTx([]byte{0x51})
	require.NoError(t, err)

	chanPoint, err := intent.ChanPoint()
	require.NoError(t, err)
	require.Equal(t, fundingTx.TxHash(), chanPoint.Hash)
}
