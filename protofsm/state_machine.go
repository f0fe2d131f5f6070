package protofsm

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// EmittedEvent is a special type that can be emitted by a state transition.
// This can contain internal events which are to be routed back to the state,
// or external events which are to be sent to the daemon.
type EmittedEvent[Event any] struct {
	// InternalEvent is an optional internal event that is to be routed
	// back to the target state. This enables state to trigger one or many
	// state transitions without a new external event.
	InternalEvent []Event

	// ExternalEvent is an optional external event that is to be sent to
	// the daemon for dispatch. Usually, this is some form of I/O.
	ExternalEvents DaemonEventSet
}

// StateTransition is a state transition type. It denotes the next state to go
// to, and also the set of events to emit.
type StateTransition[Event any, Env Environment] struct {
	// NextState is the next state to transition to.
	NextState State[Event, Env]

	// NewEvents is the set of events to emit.
	NewEvents fn.Option[EmittedEvent[Event]]
}

// Environment is an abstract interface that represents the environment that
// the state machine will execute using. From the PoV of the main state machine
// executor, we just care about being able to clean up any resources that were
// allocated by the environment.
type Environment interface {
	// Name returns the name of the environment. This is used to uniquely
	// identify the environment of related state machines.
	Name() string
}

// State defines an abstract state along, namely its state transition function
// that takes as input an event and an environment, and returns a state
// transition (next state, and set of events to emit). As state can also either
// be terminal, or not, a terminal event causes state execution to halt.
type State[Event any, Env Environment] interface {
	// ProcessEvent takes an event and an environment, and returns a new
	// state transition. This will be iteratively called until either a
	// terminal state is reached, or no further internal events are
	// emitted. A transition that changes durable state must persist it
	// before returning, so messages it emits describe committed state.
	ProcessEvent(event Event, env Env) (*StateTransition[Event, Env], error)

	// IsTerminal returns true if this state is terminal, and false
	// otherwise.
	IsTerminal() bool

	// String returns a human readable string that represents the state.
	String() string
}

// DaemonAdapters is a set of methods that server as adapters to bridge the
// pure world of the FSM to the real world of the daemon. These will be used to
// do things like broadcast transactions, or send messages to peers.
type DaemonAdapters interface {
	// SendMessages sends the target set of messages to the target peer.
	SendMessages(ctx context.Context, peer btcec.PublicKey,
		msgs []lnwire.Message) error

	// BroadcastTransaction attempts to broadcast a transaction to the
	// network.
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx,
		label string) error

	// Watch returns the chain events of an outpoint, see
	// chainntnfs.ChainWatcher.
	Watch(ctx context.Context, op wire.OutPoint, pkScript []byte,
		heightHint uint32) iter.Seq[chainntnfs.ChainEvent]
}

// MsgMapper is used to map incoming wire messages into a FSM event. This is
// useful to decouple the translation of an outside or wire message into an
// event type that can be understood by the FSM.
type MsgMapper[Event any] interface {
	// MapMsg maps a wire message into a FSM event. If the message is not
	// mappable, then an None is returned.
	MapMsg(msg lnwire.Message) fn.Option[Event]
}

// ErrorReporter is used to report errors that occur during state machine
// execution.
type ErrorReporter interface {
	// ReportError is a method that's used to report an error that
	// occurred during state machine execution.
	ReportError(err error)
}

// StateMachineCfg is a configuration struct that's used to create a new state
// machine.
type StateMachineCfg[Event any, Env Environment] struct {
	// ErrorReporter is used to report errors that occur during state
	// transitions.
	ErrorReporter ErrorReporter

	// Daemon is a set of adapters that will be used to bridge the FSM to
	// the daemon.
	Daemon DaemonAdapters

	// InitialState is the initial state of the state machine.
	InitialState State[Event, Env]

	// Env is the environment that the state machine will use to execute.
	Env Env

	// InitEvent is an optional event that will be executed by Start.
	InitEvent fn.Option[DaemonEvent]

	// MsgMapper is an optional message mapper that can be used to map
	// normal wire messages into FSM events.
	MsgMapper fn.Option[MsgMapper[Event]]

	// Dispatch delivers events produced by chain registrations. It is
	// called from a watcher goroutine and must hand the event to the
	// owner of the state machine, which calls SendEvent in turn. When
	// nil, SendEvent is called directly.
	Dispatch func(Event)

	// OnStateChange, if set, is called after every transition.
	OnStateChange func(from, to State[Event, Env])
}

// StateMachine drives a set of states with a set of events. Events are
// processed synchronously by SendEvent: a call returns once the event and
// every internal event it caused have been processed and the emitted daemon
// events executed. Serialization of calls is the job of the owner, usually
// an actor.
type StateMachine[Event any, Env Environment] struct {
	cfg StateMachineCfg[Event, Env]

	// mu guards currentState and serializes direct dispatch of chain
	// events against the owner's calls.
	mu           sync.Mutex
	currentState State[Event, Env]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewStateMachine creates a new state machine given a set of daemon adapters,
// an initial state, an environment, and an event to process as if emitted at
// the onset of the state machine. Such an InitEvent can be used to set up
// tracking state such as a txid confirmation event.
func NewStateMachine[Event any, Env Environment](
	cfg StateMachineCfg[Event, Env]) *StateMachine[Event, Env] {

	ctx, cancel := context.WithCancel(context.Background())

	return &StateMachine[Event, Env]{
		cfg:          cfg,
		currentState: cfg.InitialState,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Name returns the name of the state machine's environment.
func (s *StateMachine[Event, Env]) Name() string {
	return s.cfg.Env.Name()
}

// Start executes the init event, if any. Chain registrations made by the
// machine live until Stop.
func (s *StateMachine[Event, Env]) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		log.Debugf("FSM(%v): starting in state %v", s.Name(),
			s.currentState)

		s.cfg.InitEvent.WhenSome(func(e DaemonEvent) {
			s.mu.Lock()
			defer s.mu.Unlock()

			var queue []Event
			err = s.executeDaemonEvent(ctx, e, &queue)
			if err == nil && len(queue) > 0 {
				err = s.processQueue(ctx, queue)
			}
		})
	})

	return err
}

// Stop cancels all chain registrations and waits for their goroutines.
func (s *StateMachine[Event, Env]) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		log.Debugf("FSM(%v): stopped", s.Name())
	})
}

// CurrentState returns the current state of the state machine.
func (s *StateMachine[Event, Env]) CurrentState() State[Event, Env] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentState
}

// SendEvent processes event and every internal event emitted as a result.
// If a state transition fails, the machine stays in the state that failed
// to process the event and the error is returned.
func (s *StateMachine[Event, Env]) SendEvent(ctx context.Context,
	event Event) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.processQueue(ctx, []Event{event})
}

// CanHandle returns true if the target message can be routed to the state
// machine.
func (s *StateMachine[Event, Env]) CanHandle(msg lnwire.Message) bool {
	return fn.MapOptionZ(s.cfg.MsgMapper, func(m MsgMapper[Event]) bool {
		return m.MapMsg(msg).IsSome()
	})
}

// SendMessage maps msg into an event and processes it. It returns false if
// the message can't be mapped.
func (s *StateMachine[Event, Env]) SendMessage(ctx context.Context,
	msg lnwire.Message) (bool, error) {

	mapper, err := s.cfg.MsgMapper.UnwrapOrErr(
		fmt.Errorf("no message mapper"),
	)
	if err != nil {
		return false, nil
	}

	event, err := mapper.MapMsg(msg).UnwrapOrErr(
		fmt.Errorf("unmapped message"),
	)
	if err != nil {
		return false, nil
	}

	return true, s.SendEvent(ctx, event)
}

// processQueue runs the state transition loop. The caller holds mu.
func (s *StateMachine[Event, Env]) processQueue(ctx context.Context,
	queue []Event) error {

	for len(queue) > 0 {
		event := queue[0]
		queue = queue[1:]

		log.Tracef("FSM(%v): processing %T in state %v", s.Name(),
			event, s.currentState)

		transition, err := s.currentState.ProcessEvent(
			event, s.cfg.Env,
		)
		if err != nil {
			if s.cfg.ErrorReporter != nil {
				s.cfg.ErrorReporter.ReportError(err)
			}

			return err
		}

		prev := s.currentState
		s.currentState = transition.NextState

		if prev.String() != transition.NextState.String() {
			log.Debugf("FSM(%v): %v -> %v", s.Name(), prev,
				transition.NextState)
		}

		if s.cfg.OnStateChange != nil {
			s.cfg.OnStateChange(prev, transition.NextState)
		}

		var emitted EmittedEvent[Event]
		transition.NewEvents.WhenSome(func(e EmittedEvent[Event]) {
			emitted = e
		})

		for _, daemonEvent := range emitted.ExternalEvents {
			err := s.executeDaemonEvent(ctx, daemonEvent, &queue)
			if err != nil {
				return err
			}
		}

		queue = append(queue, emitted.InternalEvent...)

		if s.currentState.IsTerminal() && len(queue) > 0 {
			log.Debugf("FSM(%v): terminal state %v reached, "+
				"dropping %d queued events", s.Name(),
				s.currentState, len(queue))

			return nil
		}
	}

	return nil
}

// executeDaemonEvent executes a daemon event. Events the daemon event
// causes right away are appended to queue.
func (s *StateMachine[Event, Env]) executeDaemonEvent(ctx context.Context,
	event DaemonEvent, queue *[]Event) error {

	switch daemonEvent := event.(type) {
	case *SendMsgEvent[Event]:
		log.Debugf("FSM(%v): sending %d messages to %x", s.Name(),
			len(daemonEvent.Msgs),
			daemonEvent.TargetPeer.SerializeCompressed())

		err := s.cfg.Daemon.SendMessages(
			ctx, daemonEvent.TargetPeer, daemonEvent.Msgs,
		)
		if err != nil {
			return fmt.Errorf("unable to send msgs: %w", err)
		}

		daemonEvent.PostSendEvent.WhenSome(func(e Event) {
			*queue = append(*queue, e)
		})

		return nil

	case *BroadcastTxn:
		log.Debugf("FSM(%v): broadcasting %v txid=%v", s.Name(),
			daemonEvent.Label, daemonEvent.Tx.TxHash())

		err := s.cfg.Daemon.BroadcastTransaction(
			ctx, daemonEvent.Tx, daemonEvent.Label,
		)
		if err != nil {
			return fmt.Errorf("unable to broadcast txn: %w", err)
		}

		return nil

	case *RegisterSpend[Event]:
		log.Debugf("FSM(%v): registering spend of %v", s.Name(),
			daemonEvent.OutPoint)

		s.watch(daemonEvent.watch(),
			func(ev chainntnfs.ChainEvent) (fn.Option[Event], bool) {
				if ev.Type != chainntnfs.Spend {
					return fn.None[Event](), false
				}

				return fn.MapOption(
					func(m ChainMapper[Event]) Event {
						return m(ev)
					},
				)(daemonEvent.OnSpend), true
			},
		)

		return nil

	case *RegisterConf[Event]:
		numConfs := daemonEvent.NumConfs.UnwrapOr(1)

		log.Debugf("FSM(%v): registering %d confs of %v", s.Name(),
			numConfs, daemonEvent.OutPoint.Hash)

		s.watch(daemonEvent.watch(),
			func(ev chainntnfs.ChainEvent) (fn.Option[Event], bool) {
				switch {
				// A spent output can't gain confirmations we
				// would still see.
				case ev.Type == chainntnfs.Spend:
					return fn.None[Event](), true

				case ev.NumConfs < numConfs:
					return fn.None[Event](), false
				}

				return fn.MapOption(
					func(m ChainMapper[Event]) Event {
						return m(ev)
					},
				)(daemonEvent.OnConf), true
			},
		)

		return nil

	default:
		return fmt.Errorf("unknown daemon event: %T", event)
	}
}

// watch ranges over the chain events of w in a goroutine until match
// reports it is done or the machine is stopped. An event returned by match
// is dispatched into the machine.
func (s *StateMachine[Event, Env]) watch(w chainWatch,
	match func(chainntnfs.ChainEvent) (fn.Option[Event], bool)) {

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		events := s.cfg.Daemon.Watch(
			s.ctx, w.OutPoint, w.PkScript, w.HeightHint,
		)
		for ev := range events {
			event, done := match(ev)
			event.WhenSome(s.dispatch)

			if done {
				return
			}
		}
	}()
}

// dispatch hands an event produced by a chain registration to the owner.
func (s *StateMachine[Event, Env]) dispatch(event Event) {
	if s.cfg.Dispatch != nil {
		s.cfg.Dispatch(event)
		return
	}

	if err := s.SendEvent(s.ctx, event); err != nil {
		log.Errorf("FSM(%v): unable to process chain event %T: %v",
			s.Name(), event, err)
	}
}
