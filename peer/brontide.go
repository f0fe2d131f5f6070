package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hopline/hopd/actor"
	"github.com/hopline/hopd/discovery"
	"github.com/hopline/hopd/lnutils"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultPingInterval is the interval between our pings.
	DefaultPingInterval = time.Minute

	// DefaultPingTimeout is how long we wait for the pong of a ping.
	DefaultPingTimeout = 30 * time.Second

	// outgoingQueueLen is the buffer size of the channel which houses
	// messages to be sent across the wire, requested by objects outside
	// this struct.
	outgoingQueueLen = 50

	// mailboxSize is the number of read messages waiting for the handler
	// before the read goroutine blocks.
	mailboxSize = 50

	// handshakeTimeout is the timeout used when waiting for the peer's
	// init message.
	handshakeTimeout = 15 * time.Second

	// writeMessageTimeout is the timeout used when writing a message to
	// the peer.
	writeMessageTimeout = 5 * time.Second

	// ErrorBufferSize is the number of historic peer errors that we
	// store.
	ErrorBufferSize = 10
)

var (
	// ErrPeerExiting signals that the peer received a disconnect request.
	ErrPeerExiting = errors.New("peer exiting")

	// ErrInitTimeout is returned when the peer didn't send its init in
	// time.
	ErrInitTimeout = errors.New("timeout waiting for init message")

	// ErrUnexpectedInit is returned when the first message of the peer
	// is not an init.
	ErrUnexpectedInit = errors.New("expected init message")
)

// TimestampedError is a timestamped error that is used to store the most
// recent errors we have experienced with our peers.
type TimestampedError struct {
	Error     error
	Timestamp time.Time
}

// outgoingMsg packages an lnwire.Message to be sent out on the wire, along
// with a buffered channel which will be sent upon once the write is
// complete. This buffered channel acts as a semaphore to be used for
// synchronization purposes.
type outgoingMsg struct {
	msg     lnwire.Message
	errChan chan error // MUST be buffered.
}

// peerMsg is a message read from the wire, handed to the peer actor.
type peerMsg struct {
	actor.BaseMessage

	wire lnwire.Message
}

// MessageType returns the name of the message.
func (m *peerMsg) MessageType() string {
	return "PeerMsg"
}

// Config defines configuration fields that are necessary for a peer object
// to function.
type Config struct {
	// Conn is the underlying network connection for this peer.
	Conn MessageConn

	// Addr is the network address of the peer.
	Addr *lnwire.NetAddress

	// Inbound indicates whether or not the peer is an inbound peer.
	Inbound bool

	// Features is the set of features that we advertise to the remote
	// node.
	Features *lnwire.RawFeatureVector

	// Channels receives the channel messages of the peer.
	Channels ChannelManager

	// Gossiper receives the gossip messages of the peer.
	Gossiper Gossiper

	// PingInterval is the interval between our pings.
	PingInterval time.Duration

	// PingTimeout is how long a pong may take.
	PingTimeout time.Duration

	// PingTicker overrides the ticker built from PingInterval.
	PingTicker ticker.Ticker

	// Clock is the time source of the peer.
	Clock clock.Clock

	// OnDisconnect is called once the peer has been torn down.
	OnDisconnect func(*Brontide)
}

// Brontide is an active peer on the network. It reads messages from the
// connection into its actor, whose handler routes them one at a time, and
// writes the messages queued by the rest of the node from a single writer
// goroutine.
type Brontide struct {
	// bytesReceived and bytesSent are the byte counters of the session.
	// They MUST be used atomically.
	bytesReceived uint64
	bytesSent     uint64

	cfg Config

	pubKeyBytes [33]byte

	// startTime is the time this peer connection was successfully
	// established.
	startTime time.Time

	// remoteFeatures is the feature vector received from the peer's init
	// message.
	remoteFeatures atomic.Pointer[lnwire.RawFeatureVector]

	// handler serializes the handling of incoming messages.
	handler *actor.Actor[*peerMsg, any]

	// outgoingQueue feeds the writer goroutine.
	outgoingQueue *queue.ConcurrentQueue

	pingManager *PingManager

	// errorBuffer holds the latest errors of the session.
	errorBuffer *queue.CircularBuffer
	errMtx      sync.Mutex

	// activeChans is the set of channels seen on the session.
	activeChans map[lnwire.ChannelID]struct{}
	chanMtx     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	started    sync.Once
	disconnect sync.Once

	// quit is closed when the peer starts to tear down. done is closed
	// once every goroutine exited.
	quit chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// A compile-time check to ensure Brontide can be the source of gossip.
var _ discovery.Peer = (*Brontide)(nil)

// NewBrontide creates a new Brontide from a peer.Config struct.
func NewBrontide(cfg Config) *Brontide {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.PingTicker == nil {
		cfg.PingTicker = ticker.New(cfg.PingInterval)
	}
	if cfg.Features == nil {
		cfg.Features = lnwire.DefaultFeatures()
	}

	// The buffer size is a constant, so this can't fail.
	errBuffer, _ := queue.NewCircularBuffer(ErrorBufferSize)

	p := &Brontide{
		cfg:           cfg,
		outgoingQueue: queue.NewConcurrentQueue(outgoingQueueLen),
		errorBuffer:   errBuffer,
		activeChans:   make(map[lnwire.ChannelID]struct{}),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	copy(p.pubKeyBytes[:], cfg.Addr.IdentityKey.SerializeCompressed())

	p.handler = actor.NewActor(actor.ActorConfig[*peerMsg, any]{
		ID: fmt.Sprintf("peer-%x", p.pubKeyBytes[:]),
		Behavior: actor.NewFunctionBehavior(
			func(ctx context.Context, msg *peerMsg) fn.Result[any] {
				if err := p.handleMessage(msg.wire); err != nil {
					return fn.Err[any](err)
				}

				return fn.Ok[any](nil)
			},
		),
		MailboxSize: mailboxSize,
	})

	p.pingManager = NewPingManager(&PingManagerConfig{
		NewPingPayload: func() []byte {
			return nil
		},
		NewPongSize: func() uint16 {
			return uint16(rand.IntN(lnwire.MaxPongBytes + 1))
		},
		IntervalTicker:  cfg.PingTicker,
		TimeoutDuration: cfg.PingTimeout,
		Clock:           cfg.Clock,
		SendPing: func(ping *lnwire.Ping) {
			if err := p.queueMsg(ping, nil); err != nil {
				log.Debugf("Peer(%v): unable to queue ping: %v",
					p, err)
			}
		},
		OnPongFailure: func(reason error) {
			p.Disconnect(fmt.Errorf("pong failure: %w", reason))
		},
	})

	return p
}

// Start starts all helper goroutines the peer needs for normal operations.
// It exchanges init messages first and fails if the peer requires features
// we don't know. In the case this method has already been called, an error
// is returned.
func (p *Brontide) Start(ctx context.Context) error {
	err := errors.New("peer already started")
	p.started.Do(func() {
		err = p.start(ctx)
	})

	return err
}

func (p *Brontide) start(ctx context.Context) error {
	log.Tracef("Peer(%v): starting with conn[%v->%v]", p,
		p.cfg.Conn.LocalAddr(), p.cfg.Conn.RemoteAddr())

	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.exchangeInit(); err != nil {
		p.cancel()
		p.cfg.Conn.Close()

		return fmt.Errorf("unable to exchange init: %w", err)
	}

	p.startTime = p.cfg.Clock.Now()

	// Channels send their reestablish before any message of the session
	// is read.
	p.cfg.Channels.PeerConnected(p.ctx, p.IdentityKey())

	p.outgoingQueue.Start()
	p.handler.Start()
	p.pingManager.Start()

	p.wg.Add(2)
	go p.writeHandler()
	go p.readHandler()

	log.Infof("Peer(%v): connected, inbound=%v", p, p.cfg.Inbound)

	return nil
}

// exchangeInit sends our init and waits for the peer's.
func (p *Brontide) exchangeInit() error {
	localInit := lnwire.NewInitMessage(
		lnwire.NewRawFeatureVector(), p.cfg.Features,
	)
	if err := p.writeMessage(localInit); err != nil {
		return err
	}

	type readResult struct {
		msg lnwire.Message
		err error
	}
	readChan := make(chan readResult, 1)
	go func() {
		msg, err := p.readNextMessage()
		readChan <- readResult{msg, err}
	}()

	var remoteInit *lnwire.Init
	select {
	case res := <-readChan:
		if res.err != nil {
			return res.err
		}

		var ok bool
		remoteInit, ok = res.msg.(*lnwire.Init)
		if !ok {
			return fmt.Errorf("%w, got %v", ErrUnexpectedInit,
				res.msg.MsgType())
		}

	case <-p.cfg.Clock.TickAfter(handshakeTimeout):
		return ErrInitTimeout
	}

	features := remoteInit.AllFeatures()
	if unknown := features.UnknownRequiredFeatures(); len(unknown) > 0 {
		protoErr := lnwire.NewProtocolError(
			lnwire.CodeIncompatibleFeatures,
			lnwire.ConnectionWideID, "unknown required "+
				"features %v", unknown,
		)

		// The peer gets to know why we hang up.
		if err := p.writeMessage(protoErr.ToWireError()); err != nil {
			log.Debugf("Peer(%v): unable to send error: %v", p,
				err)
		}

		return protoErr
	}

	p.remoteFeatures.Store(features)

	return nil
}

// readNextMessage reads and decodes the next message from the connection.
func (p *Brontide) readNextMessage() (lnwire.Message, error) {
	rawMsg, err := p.cfg.Conn.ReadNextMessage()
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&p.bytesReceived, uint64(len(rawMsg)))

	msg, err := lnwire.ReadMessage(
		bytes.NewReader(rawMsg), lnwire.ProtocolVersion,
	)
	if err != nil {
		return nil, err
	}

	log.Tracef("Peer(%v): readMessage: %v", p, lnutils.SpewLogClosure(msg))

	return msg, nil
}

// readHandler is responsible for reading messages off the wire in series,
// then handing them to the peer actor.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Brontide) readHandler() {
	defer p.wg.Done()

	for {
		msg, err := p.readNextMessage()

		var unknownMsg *lnwire.UnknownMessage
		switch {
		case errors.As(err, &unknownMsg):
			// Unknown odd messages are ignored, a peer speaking
			// a newer protocol may send them.
			log.Debugf("Peer(%v): ignoring %v", p, err)
			continue

		case err != nil:
			p.Disconnect(fmt.Errorf("read handler: %w", err))
			return
		}

		p.handler.TellRef().Tell(p.ctx, &peerMsg{wire: msg})

		select {
		case <-p.quit:
			return
		default:
		}
	}
}

// handleMessage routes a single message read from the wire. It runs in the
// peer actor, so messages are handled in the order they were read.
func (p *Brontide) handleMessage(msg lnwire.Message) error {
	switch m := msg.(type) {
	case *lnwire.Ping:
		// Pings asking for more than we may send are cover traffic
		// and stay unanswered.
		if m.NumPongBytes > lnwire.MaxPongBytes {
			return nil
		}

		return p.queueMsg(
			lnwire.NewPong(make([]byte, m.NumPongBytes)), nil,
		)

	case *lnwire.Pong:
		p.pingManager.ReceivedPong(m)
		return nil

	case *lnwire.Init:
		err := lnwire.NewProtocolError(
			lnwire.CodeUnexpectedMessage, lnwire.ConnectionWideID,
			"duplicate init",
		)

		// The error must be on the wire before we hang up.
		if sendErr := p.SendMessage(true, err.ToWireError()); sendErr != nil {
			log.Debugf("Peer(%v): unable to send error: %v", p,
				sendErr)
		}
		p.Disconnect(err)

		return err

	case *lnwire.Error:
		p.storeError(m)

		if m.ChanID == lnwire.ConnectionWideID {
			p.Disconnect(fmt.Errorf("remote error: %w", m))
			return nil
		}

	case *lnwire.NodeAnnouncement, *lnwire.ChannelAnnouncement,
		*lnwire.ChannelUpdate:

		p.processGossip(msg)
		return nil
	}

	if updater, ok := msg.(lnwire.LinkUpdater); ok {
		p.trackChannel(updater.TargetChanID())
	}

	err := p.cfg.Channels.HandleMessage(p.ctx, p.IdentityKey(), msg)
	if err != nil {
		log.Warnf("Peer(%v): unable to handle %v: %v", p,
			msg.MsgType(), err)

		p.storeError(err)
		p.sendError(err)

		return err
	}

	return nil
}

// processGossip hands a gossip message to the gossiper and records the
// rejection if it turns out invalid.
func (p *Brontide) processGossip(msg lnwire.Message) {
	errChan := p.cfg.Gossiper.ProcessRemoteAnnouncement(msg, p)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case err := <-errChan:
			if err == nil {
				return
			}

			log.Debugf("Peer(%v): rejected %v: %v", p,
				msg.MsgType(), err)
			p.storeError(err)

		case <-p.quit:
		}
	}()
}

// sendError sends protocol errors to the peer. Other errors are local and
// stay with us.
func (p *Brontide) sendError(err error) {
	var protoErr *lnwire.ProtocolError
	if !errors.As(err, &protoErr) {
		return
	}

	if err := p.queueMsg(protoErr.ToWireError(), nil); err != nil {
		log.Debugf("Peer(%v): unable to send error: %v", p, err)
	}
}

// storeError stores an error in our peer's buffer of recent errors with the
// current timestamp.
func (p *Brontide) storeError(err error) {
	p.errMtx.Lock()
	defer p.errMtx.Unlock()

	p.errorBuffer.Add(&TimestampedError{
		Error:     err,
		Timestamp: p.cfg.Clock.Now(),
	})
}

// trackChannel adds a channel to the set multiplexed over the session.
func (p *Brontide) trackChannel(chanID lnwire.ChannelID) {
	if chanID == lnwire.ConnectionWideID {
		return
	}

	p.chanMtx.Lock()
	p.activeChans[chanID] = struct{}{}
	p.chanMtx.Unlock()
}

// writeMessage writes and flushes the target lnwire.Message to the remote
// peer.
func (p *Brontide) writeMessage(msg lnwire.Message) error {
	log.Tracef("Peer(%v): writeMessage: %v", p, lnutils.SpewLogClosure(msg))

	var b bytes.Buffer
	if _, err := lnwire.WriteMessage(&b, msg, lnwire.ProtocolVersion); err != nil {
		return err
	}

	deadline := p.cfg.Clock.Now().Add(writeMessageTimeout)
	if err := p.cfg.Conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("unable to set write deadline: %w", err)
	}

	if err := p.cfg.Conn.WriteMessage(b.Bytes()); err != nil {
		return err
	}

	n, err := p.cfg.Conn.Flush()
	atomic.AddUint64(&p.bytesSent, uint64(n))

	return err
}

// writeHandler is a goroutine dedicated to reading messages off of the
// outgoing queue and writing them to the connection.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Brontide) writeHandler() {
	defer p.wg.Done()

	for {
		select {
		case item := <-p.outgoingQueue.ChanOut():
			out := item.(outgoingMsg)

			if updater, ok := out.msg.(lnwire.LinkUpdater); ok {
				p.trackChannel(updater.TargetChanID())
			}

			err := p.writeMessage(out.msg)
			if out.errChan != nil {
				out.errChan <- err
			}

			if err != nil {
				p.Disconnect(fmt.Errorf("unable to write "+
					"%v: %w", out.msg.MsgType(), err))

				return
			}

		case <-p.quit:
			return
		}
	}
}

// queueMsg adds the lnwire.Message to the back of the outgoing queue. If
// errChan is non-nil it receives the result of the write.
func (p *Brontide) queueMsg(msg lnwire.Message, errChan chan error) error {
	select {
	case p.outgoingQueue.ChanIn() <- outgoingMsg{msg, errChan}:
		return nil

	case <-p.quit:
		return ErrPeerExiting
	}
}

// SendMessage sends a variadic number of messages to the remote peer. If
// sync is true, it blocks until every message was written to the
// connection.
func (p *Brontide) SendMessage(sync bool, msgs ...lnwire.Message) error {
	errChans := make([]chan error, 0, len(msgs))
	for _, msg := range msgs {
		var errChan chan error
		if sync {
			errChan = make(chan error, 1)
			errChans = append(errChans, errChan)
		}

		if err := p.queueMsg(msg, errChan); err != nil {
			return err
		}
	}

	for _, errChan := range errChans {
		select {
		case err := <-errChan:
			if err != nil {
				return err
			}

		case <-p.quit:
			return ErrPeerExiting
		}
	}

	return nil
}

// Disconnect terminates the connection with the remote peer. The teardown
// continues in the background, Done is closed once it finished.
func (p *Brontide) Disconnect(reason error) {
	p.disconnect.Do(func() {
		log.Infof("Disconnecting %v, reason: %v", p, reason)

		p.storeError(reason)

		close(p.quit)
		if p.cancel != nil {
			p.cancel()
		}
		if err := p.cfg.Conn.Close(); err != nil {
			log.Debugf("Peer(%v): closing conn: %v", p, err)
		}

		go p.teardown()
	})
}

// teardown waits for every goroutine of the peer and tells the channels the
// session is gone.
func (p *Brontide) teardown() {
	p.pingManager.Stop()

	// The handler adds gossip waiters to the wait group, so it must be
	// gone before we wait.
	p.handler.Stop()
	if p.ctx != nil {
		<-p.handler.Done()
	}

	p.wg.Wait()
	p.outgoingQueue.Stop()

	if p.ctx != nil {
		p.cfg.Channels.PeerDisconnected(
			context.Background(), p.IdentityKey(),
		)
	}

	close(p.done)

	if p.cfg.OnDisconnect != nil {
		p.cfg.OnDisconnect(p)
	}
}

// Done is closed once the peer has been torn down.
func (p *Brontide) Done() <-chan struct{} {
	return p.done
}

// QuitSignal is closed when the peer starts to disconnect.
func (p *Brontide) QuitSignal() <-chan struct{} {
	return p.quit
}

// PubKey returns the pubkey of the peer in compressed serialized format.
func (p *Brontide) PubKey() [33]byte {
	return p.pubKeyBytes
}

// IdentityKey returns the public key of the remote peer.
func (p *Brontide) IdentityKey() *btcec.PublicKey {
	return p.cfg.Addr.IdentityKey
}

// Address returns the network address of the remote peer.
func (p *Brontide) Address() net.Addr {
	return p.cfg.Addr.Address
}

// Inbound is true if the peer dialed us.
func (p *Brontide) Inbound() bool {
	return p.cfg.Inbound
}

// RemoteFeatures returns the feature vector of the peer's init message.
func (p *Brontide) RemoteFeatures() *lnwire.RawFeatureVector {
	return p.remoteFeatures.Load()
}

// StartTime returns the time the session was established.
func (p *Brontide) StartTime() time.Time {
	return p.startTime
}

// BytesSent returns the number of bytes sent to the peer.
func (p *Brontide) BytesSent() uint64 {
	return atomic.LoadUint64(&p.bytesSent)
}

// BytesReceived returns the number of bytes received from the peer.
func (p *Brontide) BytesReceived() uint64 {
	return atomic.LoadUint64(&p.bytesReceived)
}

// PingTime returns the last measured round trip time, None if none was
// measured yet.
func (p *Brontide) PingTime() fn.Option[time.Duration] {
	return p.pingManager.RTT()
}

// ErrorBuffer returns the latest errors of the session, oldest first.
func (p *Brontide) ErrorBuffer() []*TimestampedError {
	p.errMtx.Lock()
	defer p.errMtx.Unlock()

	items := p.errorBuffer.List()
	errs := make([]*TimestampedError, 0, len(items))
	for _, item := range items {
		errs = append(errs, item.(*TimestampedError))
	}

	return errs
}

// ChannelIDs returns the channels seen on the session.
func (p *Brontide) ChannelIDs() []lnwire.ChannelID {
	p.chanMtx.RLock()
	defer p.chanMtx.RUnlock()

	ids := make([]lnwire.ChannelID, 0, len(p.activeChans))
	for id := range p.activeChans {
		ids = append(ids, id)
	}

	return ids
}

// String returns the string representation of this peer.
func (p *Brontide) String() string {
	return fmt.Sprintf("%x@%s", p.pubKeyBytes, p.cfg.Conn.RemoteAddr())
}
