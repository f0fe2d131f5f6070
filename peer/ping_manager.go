package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrPongTimeout is reported when no pong arrived within the ping
	// timeout.
	ErrPongTimeout = errors.New("timeout while waiting for pong response")

	// ErrPingOverlap is reported when the next ping is due while the
	// previous one is still unanswered.
	ErrPingOverlap = errors.New("ping timed out by next interval")

	// ErrPongSize is reported when a pong doesn't carry the number of
	// bytes its ping asked for.
	ErrPongSize = errors.New("pong size mismatch")
)

// PingManagerConfig is a structure containing various parameters that govern
// how the PingManager behaves.
type PingManagerConfig struct {
	// NewPingPayload is a closure that returns the payload to be packaged
	// in the Ping message.
	NewPingPayload func() []byte

	// NewPongSize is a closure that returns a random value between
	// [0, lnwire.MaxPongBytes]. This random value helps to more effectively
	// pair Pong messages with Ping.
	NewPongSize func() uint16

	// IntervalTicker fires on every ping interval.
	IntervalTicker ticker.Ticker

	// TimeoutDuration is the Duration we wait before declaring a ping
	// attempt failed.
	TimeoutDuration time.Duration

	// Clock measures round trips and ping timeouts.
	Clock clock.Clock

	// SendPing is a closure that is responsible for sending the Ping
	// message out to our peer
	SendPing func(ping *lnwire.Ping)

	// OnPongFailure is called when a Pong message is either late or does
	// not match the outstanding Ping.
	OnPongFailure func(reason error)
}

// PingManager is a structure that is designed to manage the internal state
// of the ping pong lifecycle with the remote peer. We assume there is only one
// ping outstanding at once.
//
// NOTE: This structure MUST be initialized with NewPingManager.
type PingManager struct {
	cfg *PingManagerConfig

	// pingTime is the last measured round trip time.
	pingTime atomic.Pointer[time.Duration]

	// pingLastSend is when the outstanding ping was sent. Only accessed
	// by the ping handler.
	pingLastSend fn.Option[time.Time]

	// outstandingPongSize is the size of the pong payload we wait for. A
	// negative value means no ping is outstanding.
	outstandingPongSize int32

	// pingTimeout fires when the outstanding ping timed out. It is nil
	// while no ping is outstanding.
	pingTimeout <-chan time.Time

	pongChan chan *lnwire.Pong

	started sync.Once
	stopped sync.Once

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPingManager constructs a pingManager in a valid state. It must be started
// before it does anything useful, though.
func NewPingManager(cfg *PingManagerConfig) *PingManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &PingManager{
		cfg:                 cfg,
		outstandingPongSize: -1,
		pongChan:            make(chan *lnwire.Pong, 1),
		quit:                make(chan struct{}),
	}
}

// Start launches the primary goroutine that is owned by the pingManager.
func (m *PingManager) Start() {
	m.started.Do(func() {
		m.cfg.IntervalTicker.Resume()

		m.wg.Add(1)
		go m.pingHandler()
	})
}

// pingHandler is the main goroutine responsible for enforcing the ping/pong
// protocol.
func (m *PingManager) pingHandler() {
	defer m.wg.Done()

	// OnPongFailure normally disconnects the peer which stops us, so the
	// loop only exits on quit.
	for {
		select {
		case <-m.cfg.IntervalTicker.Ticks():
			if m.outstandingPongSize >= 0 {
				m.cfg.OnPongFailure(ErrPingOverlap)
				m.resetPingState()
			}

			pongSize := m.cfg.NewPongSize()
			ping := &lnwire.Ping{
				NumPongBytes: pongSize,
				PaddingBytes: m.cfg.NewPingPayload(),
			}

			m.setPingState(pongSize)
			m.cfg.SendPing(ping)

		case <-m.pingTimeout:
			m.cfg.OnPongFailure(ErrPongTimeout)
			m.resetPingState()

		case pong := <-m.pongChan:
			if m.pingLastSend.IsNone() {
				log.Debugf("Ignoring unsolicited pong")
				continue
			}

			sentAt := m.pingLastSend.UnwrapOr(time.Time{})
			expected := m.outstandingPongSize
			m.resetPingState()

			pongSize := int32(len(pong.PongBytes))
			if pongSize != expected {
				m.cfg.OnPongFailure(fmt.Errorf("%w: expected "+
					"%d, got %d", ErrPongSize, expected,
					pongSize))

				continue
			}

			rtt := m.cfg.Clock.Now().Sub(sentAt)
			m.pingTime.Store(&rtt)

		case <-m.quit:
			return
		}
	}
}

// Stop interrupts the goroutines that the PingManager owns.
func (m *PingManager) Stop() {
	m.stopped.Do(func() {
		close(m.quit)
		m.wg.Wait()

		m.cfg.IntervalTicker.Stop()
	})
}

// setPingState records an outstanding ping asking for pongSize bytes.
func (m *PingManager) setPingState(pongSize uint16) {
	m.pingLastSend = fn.Some(m.cfg.Clock.Now())
	m.outstandingPongSize = int32(pongSize)
	m.pingTimeout = m.cfg.Clock.TickAfter(m.cfg.TimeoutDuration)
}

// resetPingState clears the outstanding ping.
func (m *PingManager) resetPingState() {
	m.pingLastSend = fn.None[time.Time]()
	m.outstandingPongSize = -1
	m.pingTimeout = nil
}

// RTT returns the last measured round trip time, None before the first
// matching pong.
func (m *PingManager) RTT() fn.Option[time.Duration] {
	rtt := m.pingTime.Load()
	if rtt == nil {
		return fn.None[time.Duration]()
	}

	return fn.Some(*rtt)
}

// ReceivedPong is called to evaluate a Pong message against the expectations
// we have for it. It will cause the PingManager to invoke the supplied
// OnPongFailure function if the Pong argument supplied violates expectations.
func (m *PingManager) ReceivedPong(msg *lnwire.Pong) {
	select {
	case m.pongChan <- msg:
	case <-m.quit:
	}
}
