package lnwallet

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hopline/hopd/channeldb"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ChanSyncMsg returns a ChannelReestablish message that should be sent upon
// reconnection with the remote peer that we're maintaining this channel
// with. The information contained within this message is necessary to
// re-sync our commitment chains in the case of a last or only partially
// processed message. It also carries the fresh nonces of the connection.
func (lc *LightningChannel) ChanSyncMsg() (*lnwire.ChannelReestablish, error) {
	lc.Lock()
	defer lc.Unlock()

	state := lc.channelState
	localTail := lc.localCommitChain.tail().height
	remoteTail := lc.remoteCommitChain.tail().height

	// The secret of the commitment before their current one is the last
	// one they sent us.
	var lastCommitSecret [32]byte
	if remoteTail > 0 {
		secret, err := state.RevocationStore.LookUp(remoteTail - 1)
		if err != nil {
			return nil, err
		}
		lastCommitSecret = *secret
	}

	commitPoint, err := state.CommitPoint(localTail)
	if err != nil {
		return nil, err
	}

	// Nonces of the previous connection are never reused.
	nonce, err := lc.newVerifySession(localTail + 1)
	if err != nil {
		return nil, err
	}
	signSession, nonceCommit, err := lc.musig.BeginSigning(
		signer.SigningContext{
			ChanID: lc.chanID,
			Owner:  signer.RemoteCommitment,
			Height: remoteTail + 1,
		},
	)
	if err != nil {
		return nil, err
	}
	lc.signSession = signSession
	lc.remoteVerNonce = fn.None[lnwire.Musig2Nonce]()
	lc.remoteSignCommit = fn.None[lnwire.NonceCommitment]()
	lc.syncSent = true

	return &lnwire.ChannelReestablish{
		ChanID:                    lc.chanID,
		NextLocalCommitHeight:     localTail + 1,
		RemoteCommitTailHeight:    remoteTail,
		LastRemoteCommitSecret:    lastCommitSecret,
		LocalUnrevokedCommitPoint: commitPoint,
		LocalNonce:                nonce,
		NonceCommit:               nonceCommit,
	}, nil
}

// ProcessChanSyncMsg processes a ChannelReestablish message sent by the
// remote connection upon re establishment of our connection with them. This
// method will return a set of messages that should be sent to the remote
// party in order to bring both commitment chains back in sync, in the order
// they have to be sent. An ErrDataLoss is returned if the remote party
// proves that we lost state, in which case we must not broadcast our
// commitment. A ProtocolError with code StaleCommitment means the remote
// party is behind and the channel has to be force closed.
func (lc *LightningChannel) ProcessChanSyncMsg(
	msg *lnwire.ChannelReestablish) ([]lnwire.Message, error) {

	lc.Lock()
	defer lc.Unlock()

	if !lc.syncSent {
		return nil, ErrChanSyncRequired
	}

	state := lc.channelState
	localTail := lc.localCommitChain.tail().height

	// First we check the remote party's view of our local chain, which
	// decides whether our last revocation has to be sent again.
	var revocation *lnwire.RevokeAndAck
	switch {
	// They claim to know a revocation we never sent. If they can prove
	// it with the secret, our state is outdated.
	case msg.RemoteCommitTailHeight > localTail:
		secret, err := state.RevocationProducer.AtIndex(
			msg.RemoteCommitTailHeight - 1,
		)
		if err != nil {
			return nil, err
		}

		if *secret == chainhash.Hash(msg.LastRemoteCommitSecret) {
			lc.log.Errorf("remote party proved we lost state: "+
				"their view of our height %d, ours %d",
				msg.RemoteCommitTailHeight, localTail)

			err := state.ApplyChanStatus(
				channeldb.ChanStatusLocalDataLoss,
			)
			if err != nil {
				return nil, err
			}

			return nil, ErrDataLoss
		}

		return nil, lnwire.NewProtocolError(
			lnwire.CodeStaleCommitment, lc.chanID, "remote "+
				"claims local height %d, ours is %d",
			msg.RemoteCommitTailHeight, localTail,
		)

	case msg.RemoteCommitTailHeight+1 < localTail:
		return nil, lnwire.NewProtocolError(
			lnwire.CodeStaleCommitment, lc.chanID, "remote view "+
				"of local height %d is behind ours %d",
			msg.RemoteCommitTailHeight, localTail,
		)

	// They never received our last revocation.
	case msg.RemoteCommitTailHeight+1 == localTail:
		release, err := state.LastRevocationRelease()
		if err != nil {
			return nil, err
		}

		revocation, err = lc.revocationMsg(release)
		if err != nil {
			return nil, err
		}
	}

	if msg.RemoteCommitTailHeight > 0 {
		secret, err := state.RevocationProducer.AtIndex(
			msg.RemoteCommitTailHeight - 1,
		)
		if err != nil {
			return nil, err
		}

		if *secret != chainhash.Hash(msg.LastRemoteCommitSecret) {
			return nil, lnwire.NewProtocolError(
				lnwire.CodeInvalidRevocation, lc.chanID,
				"last commitment secret of height %d "+
					"doesn't match", msg.RemoteCommitTailHeight-1,
			)
		}
	}

	lc.remoteVerNonce = fn.Some(msg.LocalNonce)
	lc.remoteSignCommit = fn.Some(msg.NonceCommit)

	// Next we check their local chain against our view of it, which
	// decides whether our last commitment has to be sent again.
	remoteTail := lc.remoteCommitChain.tail().height
	remoteTip := lc.remoteCommitChain.tip()
	pending := lc.remoteCommitChain.hasUnackedCommitment()

	var commitUpdates []lnwire.Message
	switch {
	case msg.NextLocalCommitHeight == remoteTail+1 && pending:
		lc.log.Debugf("retransmitting commitment %d", remoteTip.height)

		for e := lc.localUpdateLog.Front(); e != nil; e = e.Next() {
			pd := e.Value
			height := pd.addCommitHeightRemote
			if pd.EntryType != channeldb.Add {
				height = pd.removeCommitHeightRemote
			}

			if height == remoteTip.height {
				commitUpdates = append(
					commitUpdates, pd.toWireMsg(),
				)
			}
		}

		commitSig, nextSession, err := lc.signRemoteCommitment(
			remoteTip.txn, remoteTip.height,
		)
		if err != nil {
			return nil, err
		}
		lc.signSession = nextSession

		commitUpdates = append(commitUpdates, commitSig)

	case msg.NextLocalCommitHeight == remoteTail+1:
	case msg.NextLocalCommitHeight == remoteTail+2 && pending:

	case msg.NextLocalCommitHeight <= remoteTail:
		return nil, lnwire.NewProtocolError(
			lnwire.CodeStaleCommitment, lc.chanID, "remote local "+
				"height %d is behind our view %d",
			msg.NextLocalCommitHeight-1, remoteTail,
		)

	default:
		return nil, lnwire.NewProtocolError(
			lnwire.CodeSyncFailure, lc.chanID, "remote next "+
				"local height %d, our view of their tail %d, "+
				"pending=%v", msg.NextLocalCommitHeight,
			remoteTail, pending,
		)
	}

	// The order of the retransmission follows the order in which the
	// messages were sent originally.
	var msgs []lnwire.Message
	switch {
	case revocation != nil && state.LastWasRevoke:
		msgs = append(msgs, commitUpdates...)
		msgs = append(msgs, revocation)

	case revocation != nil:
		msgs = append(msgs, revocation)
		msgs = append(msgs, commitUpdates...)

	default:
		msgs = commitUpdates
	}

	// Updates we proposed but never signed were dropped by the remote
	// party and are proposed again.
	for e := lc.localUpdateLog.Front(); e != nil; e = e.Next() {
		pd := e.Value
		height := pd.addCommitHeightRemote
		if pd.EntryType != channeldb.Add {
			height = pd.removeCommitHeightRemote
		}

		if height == 0 {
			msgs = append(msgs, pd.toWireMsg())
		}
	}

	lc.log.Debugf("channel synced, retransmitting %d messages",
		len(msgs))

	return msgs, nil
}

// ChannelReadyMsg returns the channel_ready message carrying our
// per-commitment point and verification nonce of commitment one. It can be
// sent again after a reconnect, the pending nonce is reused.
func (lc *LightningChannel) ChannelReadyMsg() (*lnwire.ChannelReady, error) {
	lc.Lock()
	defer lc.Unlock()

	nextPoint, err := lc.channelState.CommitPoint(1)
	if err != nil {
		return nil, err
	}
	nonce, err := lc.currentVerifyNonce(1)
	if err != nil {
		return nil, err
	}

	return &lnwire.ChannelReady{
		ChanID:                 lc.chanID,
		NextPerCommitmentPoint: nextPoint,
		NextLocalNonce:         nonce,
	}, nil
}

// ReceiveChannelReady stores the remote per-commitment point and
// verification nonce of its commitment one. A repeated channel_ready only
// refreshes the nonce.
func (lc *LightningChannel) ReceiveChannelReady(
	msg *lnwire.ChannelReady) error {

	lc.Lock()
	defer lc.Unlock()

	if msg.NextPerCommitmentPoint == nil {
		return lnwire.NewProtocolError(
			lnwire.CodeMalformedMessage, lc.chanID, "channel_ready "+
				"without commitment point",
		)
	}

	state := lc.channelState
	if state.RemoteNextRevocation == nil {
		err := state.InsertNextRevocation(msg.NextPerCommitmentPoint)
		if err != nil {
			return err
		}
	}
	lc.remoteVerNonce = fn.Some(msg.NextLocalNonce)

	return nil
}
