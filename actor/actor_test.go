package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// testMsg is the message type used by the tests of this package.
type testMsg struct {
	BaseMessage

	data string

	// release, if set, blocks the behavior until it's closed.
	release chan struct{}

	// entered, if set, is closed once the behavior picked up the
	// message.
	entered chan struct{}
}

func (m *testMsg) MessageType() string {
	return "testMsg"
}

// recordingBehavior echoes messages back and records the order they were
// received in.
type recordingBehavior struct {
	mu       sync.Mutex
	received []string
	stopped  chan struct{}
}

func newRecordingBehavior() *recordingBehavior {
	return &recordingBehavior{stopped: make(chan struct{})}
}

func (b *recordingBehavior) Receive(_ context.Context,
	msg *testMsg) fn.Result[string] {

	if msg.entered != nil {
		close(msg.entered)
	}
	if msg.release != nil {
		<-msg.release
	}

	b.mu.Lock()
	b.received = append(b.received, msg.data)
	b.mu.Unlock()

	if msg.data == "fail" {
		return fn.Err[string](errors.New("behavior failed"))
	}

	return fn.Ok("echo:" + msg.data)
}

func (b *recordingBehavior) OnStop(context.Context) error {
	close(b.stopped)
	return nil
}

func (b *recordingBehavior) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.received...)
}

// deadLetterSink collects everything sent to it.
type deadLetterSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (d *deadLetterSink) Receive(_ context.Context, msg Message) fn.Result[any] {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()

	return fn.Ok[any](nil)
}

func (d *deadLetterSink) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.msgs)
}

func newTestActor(t *testing.T, behavior *recordingBehavior,
	dlo ActorRef[Message, any]) *Actor[*testMsg, string] {

	a := NewActor(ActorConfig[*testMsg, string]{
		ID:          "test-actor",
		Behavior:    behavior,
		DLO:         dlo,
		MailboxSize: 10,
	})
	a.Start()
	t.Cleanup(a.Stop)

	return a
}

func TestActorAsk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newTestActor(t, newRecordingBehavior(), nil)

	reply, err := a.Ref().Ask(ctx, &testMsg{data: "hi"}).Await(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, "echo:hi", reply)

	_, err = a.Ref().Ask(ctx, &testMsg{data: "fail"}).Await(ctx).Unpack()
	require.ErrorContains(t, err, "behavior failed")

	require.Equal(t, "test-actor", a.Ref().ID())
	require.Equal(t, "test-actor", a.TellRef().ID())
}

// TestActorSerialProcessing checks that messages are handled one at a time in
// the order they were sent.
func TestActorSerialProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	behavior := newRecordingBehavior()
	a := newTestActor(t, behavior, nil)

	release := make(chan struct{})
	a.TellRef().Tell(ctx, &testMsg{data: "0", release: release})
	for _, d := range []string{"1", "2", "3"} {
		a.Ref().Tell(ctx, &testMsg{data: d})
	}

	// Nothing but the blocked message has been looked at yet.
	require.Empty(t, behavior.messages())
	close(release)

	last := a.Ref().Ask(ctx, &testMsg{data: "4"})
	_, err := last.Await(ctx).Unpack()
	require.NoError(t, err)

	require.Equal(t, []string{"0", "1", "2", "3", "4"}, behavior.messages())
}

func TestActorStopDrainsToDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	sink := &deadLetterSink{}
	dlo := NewActor(ActorConfig[Message, any]{
		ID: "dlo", Behavior: sink, MailboxSize: 10,
	})
	dlo.Start()
	t.Cleanup(dlo.Stop)

	behavior := newRecordingBehavior()
	a := newTestActor(t, behavior, dlo.Ref())

	release, entered := make(chan struct{}), make(chan struct{})
	a.Ref().Tell(ctx, &testMsg{
		data: "blocked", release: release, entered: entered,
	})

	// The blocked message must be out of the mailbox before the stop,
	// otherwise it is drained as a dead letter too.
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("blocked message not received")
	}

	// Queue an ask behind the blocked message, then stop the actor.
	pending := a.Ref().Ask(ctx, &testMsg{data: "queued"})
	a.Stop()
	close(release)

	_, err := pending.Await(ctx).Unpack()
	require.ErrorIs(t, err, ErrActorTerminated)

	select {
	case <-behavior.stopped:
	case <-time.After(time.Second):
		t.Fatal("stop hook not called")
	}
	<-a.Done()

	// Asks after the stop fail right away, tells go to the dead letter
	// office.
	_, err = a.Ref().Ask(ctx, &testMsg{data: "late"}).Await(ctx).Unpack()
	require.ErrorIs(t, err, ErrActorTerminated)

	a.Ref().Tell(ctx, &testMsg{data: "late"})
	require.Eventually(t, func() bool {
		return sink.count() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestActorAskContextCancelled(t *testing.T) {
	t.Parallel()

	a := NewActor(ActorConfig[*testMsg, string]{
		ID:          "never-started",
		Behavior:    newRecordingBehavior(),
		MailboxSize: 1,
	})
	t.Cleanup(a.Stop)

	// Fill the mailbox of the idle actor.
	a.Ref().Tell(context.Background(), &testMsg{data: "fill"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Ref().Ask(ctx, &testMsg{data: "x"}).
		Await(context.Background()).Unpack()
	require.ErrorIs(t, err, context.Canceled)
}
