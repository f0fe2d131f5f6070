package protofsm

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DaemonEvent is a side effect requested by a transition. The machine
// executes them after the transition returned, in order.
type DaemonEvent interface {
	daemonSealed()
}

// DaemonEventSet is the ordered side effects of one transition.
type DaemonEventSet []DaemonEvent

// SendMsgEvent hands Msgs to TargetPeer. The emitting transition has
// already persisted its state.
type SendMsgEvent[Event any] struct {
	TargetPeer btcec.PublicKey
	Msgs       []lnwire.Message

	// PostSendEvent is fed back into the machine once the peer accepted
	// the messages.
	PostSendEvent fn.Option[Event]
}

func (s *SendMsgEvent[E]) daemonSealed() {}

// BroadcastTxn publishes Tx. Label only shows up in logs.
type BroadcastTxn struct {
	Tx    *wire.MsgTx
	Label string
}

func (b *BroadcastTxn) daemonSealed() {}

// ChainMapper turns a chain event into an event of the machine.
type ChainMapper[Event any] func(chainntnfs.ChainEvent) Event

// chainWatch names the output a chain registration scans for.
type chainWatch struct {
	OutPoint wire.OutPoint
	PkScript []byte

	// HeightHint is the first block the scan looks at.
	HeightHint uint32
}

// RegisterSpend watches for the spend of an output.
type RegisterSpend[Event any] struct {
	OutPoint   wire.OutPoint
	PkScript   []byte
	HeightHint uint32

	// OnSpend maps the spend into the machine. Without it the spend is
	// only logged.
	OnSpend fn.Option[ChainMapper[Event]]
}

func (r *RegisterSpend[E]) daemonSealed() {}

func (r *RegisterSpend[E]) watch() chainWatch {
	return chainWatch{r.OutPoint, r.PkScript, r.HeightHint}
}

// RegisterConf watches the transaction creating an output until it is
// NumConfs deep, one by default. A spend of the output ends the watch.
type RegisterConf[Event any] struct {
	OutPoint   wire.OutPoint
	PkScript   []byte
	HeightHint uint32

	NumConfs fn.Option[uint32]

	// OnConf maps the confirmation into the machine.
	OnConf fn.Option[ChainMapper[Event]]
}

func (r *RegisterConf[E]) daemonSealed() {}

func (r *RegisterConf[E]) watch() chainWatch {
	return chainWatch{r.OutPoint, r.PkScript, r.HeightHint}
}
