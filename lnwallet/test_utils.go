package lnwallet

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwallet/chainfee"
	"github.com/hopline/hopd/lnwallet/chanfunding"
	"github.com/hopline/hopd/lntypes"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/signer"
	"github.com/stretchr/testify/require"
)

var (
	// testHdSeed is the seed of alice's key ring, bob's is derived from
	// it.
	testHdSeed = chainhash.Hash{
		0xb7, 0x94, 0x38, 0x5f, 0x2d, 0x1e, 0xf7, 0xab,
		0x4d, 0x92, 0x73, 0xd1, 0x90, 0x63, 0x81, 0xb4,
		0x4f, 0x2f, 0x6f, 0x25, 0x88, 0xa3, 0xef, 0xb9,
		0x6a, 0x49, 0x18, 0x83, 0x31, 0x98, 0x47, 0x53,
	}

	// TestChannelCapacity is the capacity of the channels created by
	// CreateTestChannels.
	TestChannelCapacity = btcutil.Amount(100_000)

	// TestFeePerKw is the commitment fee rate of test channels.
	TestFeePerKw = chainfee.FeePerKwFloor
)

// TestPolicy returns the channel policy used by both test parties.
func TestPolicy() ChannelPolicy {
	return ChannelPolicy{
		DustLimit:        MinDustLimit,
		MaxPendingAmount: lnwire.NewMSatFromSatoshis(TestChannelCapacity),
		MinHTLC:          1,
		MaxAcceptedHtlcs: MaxHTLCNumber,
		ReserveRatio:     0.01,
		RemoteCsvDelay:   144,
		MaxCsvDelay:      DefaultMaxCsvDelay,
		MinChanSize:      20_000,
		NumConfs:         3,
	}
}

// TestParty is one side of a test channel with everything needed to
// restore it from its database.
type TestParty struct {
	KeyRing *keychain.HDKeyRing
	Signers *signer.Factory
	DB      *channeldb.DB
	NodeKey *btcec.PublicKey
}

// NewTestParty creates a key ring and database for a test node.
func NewTestParty(t testing.TB, seed chainhash.Hash) *TestParty {
	keyRing, err := keychain.NewHDKeyRing(
		seed[:], &chaincfg.RegressionNetParams,
		keychain.CoinTypeTestnet, nil,
	)
	require.NoError(t, err)

	db, err := channeldb.MakeTestDB(t)
	require.NoError(t, err)

	nodeKey, err := keyRing.DeriveNextKey(keychain.KeyFamilyNodeKey)
	require.NoError(t, err)

	return &TestParty{
		KeyRing: keyRing,
		Signers: signer.NewFactory(keyRing),
		DB:      db,
		NodeKey: nodeKey.PubKey,
	}
}

// reservationConfig returns the reservation config of the party.
func (p *TestParty) reservationConfig(
	assembler chanfunding.Assembler) *ReservationConfig {

	return &ReservationConfig{
		ChainHash: *chaincfg.RegressionNetParams.GenesisHash,
		KeyRing:   p.KeyRing,
		Signers:   p.Signers,
		Assembler: assembler,
		Policy:    TestPolicy(),
		DB:        p.DB,
	}
}

// RestoreChannel reads the channel back from the party's database, as done
// on start up.
func (p *TestParty) RestoreChannel(t testing.TB, chanID lnwire.ChannelID,
	opts ...ChannelOpt) *LightningChannel {

	state, err := p.DB.FetchChannel(chanID)
	require.NoError(t, err)

	musig, err := p.Signers.NewSigner(
		state.LocalChanCfg.MultiSigKey,
		state.RemoteChanCfg.MultiSigKey.PubKey,
	)
	require.NoError(t, err)

	channel, err := NewLightningChannel(musig, state, opts...)
	require.NoError(t, err)

	return channel
}

// CreateTestChannels runs the funding flow between two fresh parties and
// returns the channel of alice, the initiator, and bob. Both channels went
// through channel_ready and are ready for updates.
func CreateTestChannels(t testing.TB) (*LightningChannel, *LightningChannel,
	*TestParty, *TestParty) {

	alice := NewTestParty(t, testHdSeed)
	bob := NewTestParty(t, sha256.Sum256(testHdSeed[:]))

	aliceChan, bobChan := OpenTestChannel(
		t, alice, bob, TestChannelCapacity, 0,
	)

	return aliceChan, bobChan, alice, bob
}

// OpenTestChannel opens a channel of the given capacity funded by alice.
func OpenTestChannel(t testing.TB, alice, bob *TestParty,
	capacity btcutil.Amount,
	push lnwire.MilliSatoshi) (*LightningChannel, *LightningChannel) {

	var pendingID [32]byte
	copy(pendingID[:], alice.NodeKey.SerializeCompressed()[1:])

	prevOut := wire.OutPoint{Hash: testHdSeed, Index: 1}
	assembler := chanfunding.NewCannedAssembler(prevOut, capacity)

	params := ReservationParams{
		PendingChanID:   pendingID,
		Capacity:        capacity,
		PushMSat:        push,
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

	_, err = aliceRes.CompleteFundingSigned(fundingSigned)
	require.NoError(t, err)

	aliceChan, err := aliceRes.Channel()
	require.NoError(t, err)
	bobChan, err := bobRes.Channel()
	require.NoError(t, err)

	require.NoError(t, ExchangeChannelReady(aliceChan, bobChan))

	return aliceChan, bobChan
}

// ExchangeChannelReady sends channel_ready in both directions.
func ExchangeChannelReady(chanA, chanB *LightningChannel) error {
	readyA, err := chanA.ChannelReadyMsg()
	if err != nil {
		return err
	}
	readyB, err := chanB.ChannelReadyMsg()
	if err != nil {
		return err
	}

	if err := chanB.ReceiveChannelReady(readyA); err != nil {
		return err
	}

	return chanA.ReceiveChannelReady(readyB)
}

// ForceStateTransition executes the necessary interaction between the two
// commitment state machines to transition to a new state locking in any
// pending updates. This method is useful when testing interactions between
// two live state machines.
func ForceStateTransition(chanA, chanB *LightningChannel) error {
	aliceSig, err := chanA.SignNextCommitment()
	if err != nil {
		return err
	}
	if err = chanB.ReceiveNewCommitment(aliceSig); err != nil {
		return err
	}

	bobRevocation, err := chanB.RevokeCurrentCommitment()
	if err != nil {
		return err
	}
	bobSig, err := chanB.SignNextCommitment()
	if err != nil {
		return err
	}

	if _, err := chanA.ReceiveRevocation(bobRevocation); err != nil {
		return err
	}
	if err := chanA.ReceiveNewCommitment(bobSig); err != nil {
		return err
	}

	aliceRevocation, err := chanA.RevokeCurrentCommitment()
	if err != nil {
		return err
	}
	if _, err := chanB.ReceiveRevocation(aliceRevocation); err != nil {
		return err
	}

	return nil
}

// CreateHTLC returns an HTLC of the given amount with a preimage derived
// from id.
func CreateHTLC(id uint64, amt lnwire.MilliSatoshi,
	expiry uint32) (*lnwire.UpdateAddHTLC, lntypes.Preimage) {

	var preimage lntypes.Preimage
	copy(preimage[:], fmt.Sprintf("preimage-%d", id))

	return &lnwire.UpdateAddHTLC{
		ID:          id,
		Amount:      amt,
		PaymentHash: preimage.Hash(),
		Expiry:      expiry,
	}, preimage
}
