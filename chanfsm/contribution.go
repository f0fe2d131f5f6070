package chanfsm

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/keychain"
	"github.com/hopline/hopd/lnwallet"
	"github.com/hopline/hopd/lnwire"
)

// newOpenChannelMsg builds the open_channel of a reservation we fund.
func newOpenChannelMsg(res *lnwallet.ChannelReservation,
	chainHash chainhash.Hash) *lnwire.OpenChannel {

	ours := res.OurContribution()
	cfg := ours.ChannelConfig

	return &lnwire.OpenChannel{
		ChainHash:            chainHash,
		PendingChannelID:     res.PendingChanID(),
		FundingAmount:        res.Capacity(),
		PushAmount:           res.PushAmt(),
		DustLimit:            cfg.DustLimit,
		MaxValueInFlight:     cfg.MaxPendingAmount,
		ChannelReserve:       ours.RemoteReserve,
		HtlcMinimum:          cfg.MinHTLC,
		FeePerKiloWeight:     uint32(res.CommitFeePerKw()),
		CsvDelay:             ours.RemoteCsvDelay,
		MaxAcceptedHTLCs:     cfg.MaxAcceptedHtlcs,
		FundingKey:           cfg.MultiSigKey.PubKey,
		RevocationPoint:      cfg.RevocationBasePoint.PubKey,
		PaymentPoint:         cfg.PaymentBasePoint.PubKey,
		DelayedPaymentPoint:  cfg.DelayBasePoint.PubKey,
		HtlcPoint:            cfg.HtlcBasePoint.PubKey,
		FirstCommitmentPoint: ours.FirstCommitmentPoint,
		ChannelFlags:         lnwire.FFAnnounceChannel,
		LocalNonce:           ours.VerifyNonce,
		NonceCommit:          ours.SignNonceCommit,
	}
}

// newAcceptChannelMsg builds the accept_channel answering an open_channel.
func newAcceptChannelMsg(
	res *lnwallet.ChannelReservation) *lnwire.AcceptChannel {

	ours := res.OurContribution()
	cfg := ours.ChannelConfig

	return &lnwire.AcceptChannel{
		PendingChannelID:     res.PendingChanID(),
		DustLimit:            cfg.DustLimit,
		MaxValueInFlight:     cfg.MaxPendingAmount,
		ChannelReserve:       ours.RemoteReserve,
		HtlcMinimum:          cfg.MinHTLC,
		MinAcceptDepth:       ours.MinDepth,
		CsvDelay:             ours.RemoteCsvDelay,
		MaxAcceptedHTLCs:     cfg.MaxAcceptedHtlcs,
		FundingKey:           cfg.MultiSigKey.PubKey,
		RevocationPoint:      cfg.RevocationBasePoint.PubKey,
		PaymentPoint:         cfg.PaymentBasePoint.PubKey,
		DelayedPaymentPoint:  cfg.DelayBasePoint.PubKey,
		HtlcPoint:            cfg.HtlcBasePoint.PubKey,
		FirstCommitmentPoint: ours.FirstCommitmentPoint,
		LocalNonce:           ours.VerifyNonce,
		NonceCommit:          ours.SignNonceCommit,
	}
}

// contributionFromOpen extracts the funder's contribution of an
// open_channel.
func contributionFromOpen(
	msg *lnwire.OpenChannel) *lnwallet.ChannelContribution {

	return &lnwallet.ChannelContribution{
		FundingAmount: msg.FundingAmount,
		ChannelConfig: &channeldb.ChannelConfig{
			ChannelConstraints: channeldb.ChannelConstraints{
				DustLimit:        msg.DustLimit,
				MaxPendingAmount: msg.MaxValueInFlight,
				MinHTLC:          msg.HtlcMinimum,
				MaxAcceptedHtlcs: msg.MaxAcceptedHTLCs,
			},
			MultiSigKey: keychain.KeyDescriptor{
				PubKey: msg.FundingKey,
			},
			RevocationBasePoint: keychain.KeyDescriptor{
				PubKey: msg.RevocationPoint,
			},
			PaymentBasePoint: keychain.KeyDescriptor{
				PubKey: msg.PaymentPoint,
			},
			DelayBasePoint: keychain.KeyDescriptor{
				PubKey: msg.DelayedPaymentPoint,
			},
			HtlcBasePoint: keychain.KeyDescriptor{
				PubKey: msg.HtlcPoint,
			},
		},
		RemoteReserve:        msg.ChannelReserve,
		RemoteCsvDelay:       msg.CsvDelay,
		FirstCommitmentPoint: msg.FirstCommitmentPoint,
		VerifyNonce:          msg.LocalNonce,
		SignNonceCommit:      msg.NonceCommit,
	}
}

// contributionFromAccept extracts the acceptor's contribution of an
// accept_channel.
func contributionFromAccept(
	msg *lnwire.AcceptChannel) *lnwallet.ChannelContribution {

	return &lnwallet.ChannelContribution{
		ChannelConfig: &channeldb.ChannelConfig{
			ChannelConstraints: channeldb.ChannelConstraints{
				DustLimit:        msg.DustLimit,
				MaxPendingAmount: msg.MaxValueInFlight,
				MinHTLC:          msg.HtlcMinimum,
				MaxAcceptedHtlcs: msg.MaxAcceptedHTLCs,
			},
			MultiSigKey: keychain.KeyDescriptor{
				PubKey: msg.FundingKey,
			},
			RevocationBasePoint: keychain.KeyDescriptor{
				PubKey: msg.RevocationPoint,
			},
			PaymentBasePoint: keychain.KeyDescriptor{
				PubKey: msg.PaymentPoint,
			},
			DelayBasePoint: keychain.KeyDescriptor{
				PubKey: msg.DelayedPaymentPoint,
			},
			HtlcBasePoint: keychain.KeyDescriptor{
				PubKey: msg.HtlcPoint,
			},
		},
		RemoteReserve:        msg.ChannelReserve,
		RemoteCsvDelay:       msg.CsvDelay,
		FirstCommitmentPoint: msg.FirstCommitmentPoint,
		VerifyNonce:          msg.LocalNonce,
		SignNonceCommit:      msg.NonceCommit,
		MinDepth:             msg.MinAcceptDepth,
	}
}
