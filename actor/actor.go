package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ActorConfig holds the configuration parameters for creating a new Actor.
type ActorConfig[M Message, R any] struct {
	// ID is the unique identifier for the actor.
	ID string

	// Behavior defines how the actor responds to messages.
	Behavior ActorBehavior[M, R]

	// DLO is a reference to the dead letter office for this actor system.
	// If nil, undeliverable messages are dropped.
	DLO ActorRef[Message, any]

	// MailboxSize defines the buffer capacity of the actor's mailbox.
	MailboxSize int
}

// envelope wraps a message with its associated promise. A nil promise marks
// a tell.
type envelope[M Message, R any] struct {
	message M
	promise Promise[R]
}

// Actor processes the messages of its mailbox sequentially in its own
// goroutine. All state of the actor lives in its behavior.
type Actor[M Message, R any] struct {
	id string

	behavior ActorBehavior[M, R]

	mailbox Mailbox[M, R]

	// ctx governs the lifecycle of the actor.
	ctx    context.Context
	cancel context.CancelFunc

	dlo ActorRef[Message, any]

	startOnce sync.Once
	stopOnce  sync.Once

	// quit is closed once the processing goroutine exited.
	quit chan struct{}

	ref ActorRef[M, R]
}

// NewActor creates a new actor instance with the given ID and behavior. The
// actor doesn't process messages until Start is called.
func NewActor[M Message, R any](cfg ActorConfig[M, R]) *Actor[M, R] {
	ctx, cancel := context.WithCancel(context.Background())

	actor := &Actor[M, R]{
		id:       cfg.ID,
		behavior: cfg.Behavior,
		mailbox:  NewChannelMailbox[M, R](ctx, cfg.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		dlo:      cfg.DLO,
		quit:     make(chan struct{}),
	}

	actor.ref = &actorRefImpl[M, R]{
		actor: actor,
	}

	return actor
}

// Start launches the message processing goroutine.
func (a *Actor[M, R]) Start() {
	a.startOnce.Do(func() {
		go a.process()
	})
}

// process is the main event loop of the actor.
func (a *Actor[M, R]) process() {
	defer close(a.quit)

	for env := range a.mailbox.Receive(a.ctx) {
		result := a.behavior.Receive(a.ctx, env.message)

		if env.promise != nil {
			env.promise.Complete(result)
		}
	}

	// The actor context is done. Close the mailbox so no new messages are
	// accepted and hand whatever is left to the dead letter office.
	a.mailbox.Close()
	for env := range a.mailbox.Drain() {
		if a.dlo != nil {
			a.dlo.Tell(context.Background(), env.message)
		}

		if env.promise != nil {
			env.promise.Complete(fn.Err[R](ErrActorTerminated))
		}
	}

	if s, ok := a.behavior.(Stoppable); ok {
		if err := s.OnStop(context.Background()); err != nil {
			log.Errorf("Actor %v: stop hook failed: %v", a.id, err)
		}
	}
}

// Stop signals the actor to terminate by cancelling its context.
func (a *Actor[M, R]) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
	})
}

// Done returns a channel that's closed once the actor goroutine exited. It
// is only meaningful after Start was called.
func (a *Actor[M, R]) Done() <-chan struct{} {
	return a.quit
}

// actorRefImpl implements ActorRef for a local actor.
type actorRefImpl[M Message, R any] struct {
	actor *Actor[M, R]
}

// Tell sends a message without waiting for a response. If ctx is cancelled
// before the message is enqueued, the message is dropped.
func (ref *actorRefImpl[M, R]) Tell(ctx context.Context, msg M) {
	if ref.actor.ctx.Err() != nil {
		ref.trySendToDLO(msg)
		return
	}

	env := envelope[M, R]{message: msg}
	if !ref.actor.mailbox.Send(ctx, env) && ctx.Err() == nil {
		ref.trySendToDLO(msg)
	}
}

// Ask sends a message and returns a Future for the response.
func (ref *actorRefImpl[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	promise := NewPromise[R]()

	if ref.actor.ctx.Err() != nil {
		promise.Complete(fn.Err[R](ErrActorTerminated))
		return promise.Future()
	}

	env := envelope[M, R]{message: msg, promise: promise}
	if !ref.actor.mailbox.Send(ctx, env) {
		if err := ctx.Err(); err != nil {
			promise.Complete(fn.Err[R](err))
		} else {
			promise.Complete(fn.Err[R](ErrActorTerminated))
		}
	}

	return promise.Future()
}

// trySendToDLO forwards msg to the dead letter office if one is configured.
func (ref *actorRefImpl[M, R]) trySendToDLO(msg M) {
	if ref.actor.dlo != nil {
		ref.actor.dlo.Tell(context.Background(), msg)
	}
}

// ID returns the unique identifier for this actor.
func (ref *actorRefImpl[M, R]) ID() string {
	return ref.actor.id
}

// Ref returns an ActorRef for this actor.
func (a *Actor[M, R]) Ref() ActorRef[M, R] {
	return a.ref
}

// TellRef returns a TellOnlyRef for this actor.
func (a *Actor[M, R]) TellRef() TellOnlyRef[M] {
	return a.ref
}
