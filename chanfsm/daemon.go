package chanfsm

import (
	"context"
	"iter"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/lnwire"
	"github.com/hopline/hopd/protofsm"
)

// SendFunc delivers msgs to the session of peer.
type SendFunc func(ctx context.Context, peer *btcec.PublicKey,
	msgs []lnwire.Message) error

// Daemon implements the daemon adapters of the channel state machines on
// top of a chain watcher and a message sender.
type Daemon struct {
	chain chainntnfs.ChainWatcher
	send  SendFunc
}

// NewDaemon creates the adapters. chain should retry transient failures.
func NewDaemon(chain chainntnfs.ChainWatcher, send SendFunc) *Daemon {
	return &Daemon{
		chain: chain,
		send:  send,
	}
}

// SendMessages sends msgs to peer. Messages for offline peers are dropped:
// the channel resyncs once the peer is back.
func (d *Daemon) SendMessages(ctx context.Context, peer btcec.PublicKey,
	msgs []lnwire.Message) error {

	if err := d.send(ctx, &peer, msgs); err != nil {
		log.Debugf("Dropped %d messages for %x: %v", len(msgs),
			peer.SerializeCompressed(), err)
	}

	return nil
}

// BroadcastTransaction publishes tx.
func (d *Daemon) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx,
	label string) error {

	txid, err := d.chain.Broadcast(ctx, tx)
	if err != nil {
		return err
	}

	log.Infof("Broadcast %v tx %v", label, txid)

	return nil
}

// Watch watches op on chain.
func (d *Daemon) Watch(ctx context.Context, op wire.OutPoint,
	pkScript []byte, heightHint uint32) iter.Seq[chainntnfs.ChainEvent] {

	return d.chain.Watch(ctx, op, pkScript, heightHint)
}

var _ protofsm.DaemonAdapters = (*Daemon)(nil)
