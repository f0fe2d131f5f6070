package actor

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// Mailbox is the message queue of an actor.
type Mailbox[M Message, R any] interface {
	// Send enqueues env, blocking while the mailbox is full. It returns
	// false if ctx or the owning actor is done, or the mailbox is closed.
	Send(ctx context.Context, env envelope[M, R]) bool

	// TrySend enqueues env without blocking.
	TrySend(env envelope[M, R]) bool

	// Receive yields messages until the mailbox is closed or ctx or the
	// owning actor is done.
	Receive(ctx context.Context) iter.Seq[envelope[M, R]]

	// Close stops the mailbox from accepting messages.
	Close()

	// IsClosed returns true once Close was called.
	IsClosed() bool

	// Drain yields the messages left in a closed mailbox.
	Drain() iter.Seq[envelope[M, R]]

	// Len returns the number of queued messages.
	Len() int
}

// ChannelMailbox is a Mailbox backed by a buffered channel.
type ChannelMailbox[M Message, R any] struct {
	ch     chan envelope[M, R]
	closed atomic.Bool

	// mu is held for reading by senders and for writing by Close, so a
	// send never races with closing the channel.
	mu        sync.RWMutex
	closeOnce sync.Once

	actorCtx context.Context
}

// NewChannelMailbox creates a mailbox with the given capacity, bound to the
// lifecycle of actorCtx. A capacity below one is raised to one.
func NewChannelMailbox[M Message, R any](actorCtx context.Context,
	capacity int) *ChannelMailbox[M, R] {

	if capacity <= 0 {
		capacity = 1
	}

	return &ChannelMailbox[M, R]{
		ch:       make(chan envelope[M, R], capacity),
		actorCtx: actorCtx,
	}
}

// Send implements Mailbox.
func (m *ChannelMailbox[M, R]) Send(ctx context.Context,
	env envelope[M, R]) bool {

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.IsClosed() {
		return false
	}

	select {
	case m.ch <- env:
		return true

	case <-ctx.Done():
		return false

	case <-m.actorCtx.Done():
		return false
	}
}

// TrySend implements Mailbox.
func (m *ChannelMailbox[M, R]) TrySend(env envelope[M, R]) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.IsClosed() {
		return false
	}

	select {
	case m.ch <- env:
		return true

	default:
		return false
	}
}

// Receive implements Mailbox.
func (m *ChannelMailbox[M, R]) Receive(
	ctx context.Context) iter.Seq[envelope[M, R]] {

	return func(yield func(envelope[M, R]) bool) {
		for {
			// A pending message must not win over a stop request.
			if ctx.Err() != nil || m.actorCtx.Err() != nil {
				return
			}

			select {
			case env, ok := <-m.ch:
				if !ok || !yield(env) {
					return
				}

			case <-ctx.Done():
				return

			case <-m.actorCtx.Done():
				return
			}
		}
	}
}

// Close implements Mailbox.
func (m *ChannelMailbox[M, R]) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.closed.Store(true)
		close(m.ch)
	})
}

// IsClosed implements Mailbox.
func (m *ChannelMailbox[M, R]) IsClosed() bool {
	return m.closed.Load()
}

// Drain implements Mailbox. It yields nothing while the mailbox is open.
func (m *ChannelMailbox[M, R]) Drain() iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		if !m.IsClosed() {
			return
		}

		for env := range m.ch {
			if !yield(env) {
				return
			}
		}
	}
}

// Len implements Mailbox.
func (m *ChannelMailbox[M, R]) Len() int {
	return len(m.ch)
}
