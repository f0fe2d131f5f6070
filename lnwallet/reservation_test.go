package lnwallet

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/lnwire"
	"github.com/stretchr/testify/require"
)

// newTestReservations creates the reservations of both sides of a channel
// without exchanging anything yet.
func newTestReservations(t *testing.T) (*ChannelReservation,
	*ChannelReservation, *TestParty, *TestParty) {

	t.Helper()

	alice := NewTestParty(t, testHdSeed)
	bob := NewTestParty(t, sha256.Sum256(testHdSeed[:]))

	assembler := chanfunding.NewCannedAssembler(
		wire.OutPoint{Hash: testHdSeed}, TestChannelCapacity,
	)

	params := ReservationParams{
		Capacity:        TestChannelCapacity,
		CommitFeePerKw:  TestFeePerKw,
		FundingFeePerKw: TestFeePerKw,
		MinConfs:        1,
	}

	aliceParams := params
	aliceParams.NodeID = bob.NodeKey
	aliceParams.Initiator = true
	aliceRes, err := NewChannelReservation(
		alice.reservationConfig(assembler), aliceParams,
	)
	require.NoError(t, err)

	bobParams := params
	bobParams.NodeID = alice.NodeKey
	bobRes, err := NewChannelReservation(
		bob.reservationConfig(nil), bobParams,
	)
	require.NoError(t, err)

	return aliceRes, bobRes, alice, bob
}

// copyContribution returns a copy of c that can be changed freely.
func copyContribution(c *ChannelContribution) *ChannelContribution {
	contribution := *c
	cfg := *c.ChannelConfig
	contribution.ChannelConfig = &cfg

	return &contribution
}

// TestValidateContribution checks that unacceptable channel parameters are
// refused with a NegotiationError.
func TestValidateContribution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *ChannelContribution)
	}{
		{
			name: "missing commitment point",
			mutate: func(c *ChannelContribution) {
				c.FirstCommitmentPoint = nil
			},
		},
		{
			name: "missing base point",
			mutate: func(c *ChannelContribution) {
				c.ChannelConfig.HtlcBasePoint.PubKey = nil
			},
		},
		{
			name: "dust limit too low",
			mutate: func(c *ChannelContribution) {
				c.ChannelConfig.DustLimit = MinDustLimit - 1
			},
		},
		{
			name: "dust limit above our reserve",
			mutate: func(c *ChannelContribution) {
				c.ChannelConfig.DustLimit = 5_000
			},
		},
		{
			name: "reserve too large",
			mutate: func(c *ChannelContribution) {
				c.RemoteReserve = TestChannelCapacity/
					MaxReserveDivisor + 1
			},
		},
		{
			name: "reserve below dust",
			mutate: func(c *ChannelContribution) {
				c.RemoteReserve = MinDustLimit - 1
			},
		},
		{
			name: "csv delay too large",
			mutate: func(c *ChannelContribution) {
				c.RemoteCsvDelay = DefaultMaxCsvDelay + 1
			},
		},
		{
			name: "no htlcs accepted",
			mutate: func(c *ChannelContribution) {
				c.ChannelConfig.MaxAcceptedHtlcs = 0
			},
		},
		{
			name: "too many htlcs",
			mutate: func(c *ChannelContribution) {
				c.ChannelConfig.MaxAcceptedHtlcs = MaxHTLCNumber + 1
			},
		},
		{
			name: "min htlc above capacity",
			mutate: func(c *ChannelContribution) {
				c.ChannelConfig.MinHTLC = lnwire.NewMSatFromSatoshis(
					TestChannelCapacity + 1,
				)
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			aliceRes, bobRes, _, _ := newTestReservations(t)

			contribution := copyContribution(
				aliceRes.OurContribution(),
			)
			test.mutate(contribution)

			err := bobRes.ProcessContribution(contribution)
			var negErr *NegotiationError
			require.ErrorAs(t, err, &negErr)
		})
	}
}

// TestValidateContributionEqualKeys checks that a contribution reusing our
// funding key is refused.
func TestValidateContributionEqualKeys(t *testing.T) {
	t.Parallel()

	aliceRes, _, _, _ := newTestReservations(t)

	err := aliceRes.ProcessContribution(aliceRes.OurContribution())
	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
}

// TestValidateOpenParams checks the channel wide parameters of an
// open_channel.
func TestValidateOpenParams(t *testing.T) {
	t.Parallel()

	policy := TestPolicy()
	policy.MaxChanSize = 1_000_000

	tests := []struct {
		name     string
		capacity btcutil.Amount
		push     lnwire.MilliSatoshi
		feePerKw chainfee.SatPerKWeight
		valid    bool
	}{
		{
			name:     "valid",
			capacity: 100_000,
			push:     1_000,
			feePerKw: chainfee.FeePerKwFloor,
			valid:    true,
		},
		{
			name:     "too small",
			capacity: policy.MinChanSize - 1,
			feePerKw: chainfee.FeePerKwFloor,
		},
		{
			name:     "too large",
			capacity: policy.MaxChanSize + 1,
			feePerKw: chainfee.FeePerKwFloor,
		},
		{
			name:     "push above capacity",
			capacity: 100_000,
			push:     lnwire.NewMSatFromSatoshis(100_001),
			feePerKw: chainfee.FeePerKwFloor,
		},
		{
			name:     "fee below floor",
			capacity: 100_000,
			feePerKw: chainfee.FeePerKwFloor - 1,
		},
	}

	for _, test := range tests {
		err := ValidateOpenParams(
			&policy, test.capacity, test.push, test.feePerKw,
		)
		if test.valid {
			require.NoError(t, err, test.name)
			continue
		}

		var negErr *NegotiationError
		require.ErrorAs(t, err, &negErr, test.name)
	}
}

// TestReservationOutOfOrder checks that funding steps can't be skipped or
// repeated.
func TestReservationOutOfOrder(t *testing.T) {
	t.Parallel()

	aliceRes, bobRes, _, _ := newTestReservations(t)

	_, err := aliceRes.Channel()
	require.ErrorIs(t, err, ErrReservationState)

	require.NoError(t, bobRes.ProcessContribution(
		aliceRes.OurContribution(),
	))
	err = bobRes.ProcessContribution(aliceRes.OurContribution())
	require.ErrorIs(t, err, ErrReservationState)
}

// TestReservationBadFundingSignature checks that a tampered funding
// signature is refused with InvalidSignature.
func TestReservationBadFundingSignature(t *testing.T) {
	t.Parallel()

	aliceRes, bobRes, _, _ := newTestReservations(t)

	require.NoError(t, bobRes.ProcessContribution(
		aliceRes.OurContribution(),
	))
	require.NoError(t, aliceRes.ProcessContribution(
		bobRes.OurContribution(),
	))

	fundingCreated, err := aliceRes.FundingCreated()
	require.NoError(t, err)

	fundingSigned, _, err := bobRes.ReceiveFundingCreated(fundingCreated)
	require.NoError(t, err)

	var one btcec.ModNScalar
	one.SetInt(1)
	fundingSigned.PartialSig.Sig.Add(&one)

	_, err = aliceRes.CompleteFundingSigned(fundingSigned)
	var protoErr *lnwire.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, lnwire.CodeInvalidSignature, protoErr.Code)
}

// TestReservationCancel cancels a funded reservation and checks that the
// channel is archived as canceled.
func TestReservationCancel(t *testing.T) {
	t.Parallel()

	aliceRes, bobRes, _, bob := newTestReservations(t)

	require.NoError(t, bobRes.ProcessContribution(
		aliceRes.OurContribution(),
	))
	require.NoError(t, aliceRes.ProcessContribution(
		bobRes.OurContribution(),
	))

	fundingCreated, err := aliceRes.FundingCreated()
	require.NoError(t, err)
	_, state, err := bobRes.ReceiveFundingCreated(fundingCreated)
	require.NoError(t, err)

	pending, err := bob.DB.FetchPendingChannels()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, bobRes.Cancel())

	summary, err := bob.DB.FetchClosedChannel(state.ChanID())
	require.NoError(t, err)
	require.Equal(t, channeldb.FundingCanceled, summary.CloseType)
}
