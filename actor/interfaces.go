package actor

import (
	"context"
	"errors"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrActorTerminated is returned when a message can't be processed because
// the target actor has been stopped.
var ErrActorTerminated = errors.New("actor terminated")

// Message is the interface every actor message must satisfy. Concrete
// messages embed BaseMessage, which seals the interface to types built for
// the actor system.
type Message interface {
	// messageMarker is the sealing method.
	messageMarker()

	// MessageType returns a human readable name of the message, used for
	// logging and dead letter accounting.
	MessageType() string
}

// BaseMessage is embedded by concrete message types to satisfy Message.
type BaseMessage struct{}

func (BaseMessage) messageMarker() {}

// ActorBehavior defines how an actor responds to a message. Receive is only
// ever called from the actor's own goroutine, so an implementation may keep
// unsynchronized state.
type ActorBehavior[M Message, R any] interface {
	// Receive processes msg and returns the reply. For Tell messages the
	// reply is discarded.
	Receive(ctx context.Context, msg M) fn.Result[R]
}

// Stoppable is optionally implemented by a behavior that needs to release
// resources when its actor stops.
type Stoppable interface {
	// OnStop is called from the actor goroutine after the last message
	// was processed.
	OnStop(ctx context.Context) error
}

// TellOnlyRef is a reference to an actor that only allows fire and forget
// messaging.
type TellOnlyRef[M Message] interface {
	// Tell sends msg without waiting for a reply.
	Tell(ctx context.Context, msg M)

	// ID returns the id of the target actor.
	ID() string
}

// ActorRef is a reference to an actor that supports both Tell and Ask.
type ActorRef[M Message, R any] interface {
	TellOnlyRef[M]

	// Ask sends msg and returns a Future that completes with the reply.
	Ask(ctx context.Context, msg M) Future[R]
}

// Future is the read side of an asynchronous result.
type Future[T any] interface {
	// Await blocks until the result is available or ctx is done.
	Await(ctx context.Context) fn.Result[T]

	// ThenApply returns a new Future whose value is the result of applying
	// fn to the value of this one. Errors pass through unchanged.
	ThenApply(ctx context.Context, fn func(T) T) Future[T]

	// OnComplete calls cb in a new goroutine once the result is available
	// or ctx is done.
	OnComplete(ctx context.Context, cb func(fn.Result[T]))
}

// Promise is the write side of a Future.
type Promise[T any] interface {
	// Future returns the Future backed by this promise.
	Future() Future[T]

	// Complete sets the result. Only the first call has an effect; it
	// returns false for every later call.
	Complete(result fn.Result[T]) bool
}

// FunctionBehavior adapts a plain function to the ActorBehavior interface.
type FunctionBehavior[M Message, R any] struct {
	fn func(ctx context.Context, msg M) fn.Result[R]
}

// NewFunctionBehavior creates a behavior that calls f for every message.
func NewFunctionBehavior[M Message, R any](
	f func(ctx context.Context, msg M) fn.Result[R]) *FunctionBehavior[M, R] {

	return &FunctionBehavior[M, R]{fn: f}
}

// Receive calls the wrapped function.
func (b *FunctionBehavior[M, R]) Receive(ctx context.Context,
	msg M) fn.Result[R] {

	return b.fn(ctx, msg)
}
