package actor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEnv(data string) envelope[*testMsg, string] {
	return envelope[*testMsg, string]{message: &testMsg{data: data}}
}

func TestChannelMailboxSendReceive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mailbox := NewChannelMailbox[*testMsg, string](ctx, 2)

	require.True(t, mailbox.Send(ctx, testEnv("a")))
	require.True(t, mailbox.TrySend(testEnv("b")))
	require.False(t, mailbox.TrySend(testEnv("c")))
	require.Equal(t, 2, mailbox.Len())

	// A blocked send gives up when its context is cancelled.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.False(t, mailbox.Send(cancelled, testEnv("c")))

	var got []string
	for env := range mailbox.Receive(ctx) {
		got = append(got, env.message.data)
		if len(got) == 2 {
			break
		}
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestChannelMailboxCloseAndDrain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mailbox := NewChannelMailbox[*testMsg, string](ctx, 0)

	// A zero capacity is raised to one.
	require.True(t, mailbox.TrySend(testEnv("a")))

	// Nothing is drained while the mailbox is open.
	for range mailbox.Drain() {
		t.Fatal("drained an open mailbox")
	}

	mailbox.Close()
	mailbox.Close()
	require.True(t, mailbox.IsClosed())
	require.False(t, mailbox.Send(ctx, testEnv("b")))
	require.False(t, mailbox.TrySend(testEnv("b")))

	var drained []string
	for env := range mailbox.Drain() {
		drained = append(drained, env.message.data)
	}
	require.Equal(t, []string{"a"}, drained)
}

// TestChannelMailboxConcurrentClose races senders against Close, which must
// never panic with a send on a closed channel.
func TestChannelMailboxConcurrentClose(t *testing.T) {
	t.Parallel()

	actorCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mailbox := NewChannelMailbox[*testMsg, string](actorCtx, 4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				mailbox.TrySend(testEnv("x"))
			}
		}()
	}

	// Unblock any blocked senders by ending the actor context first.
	cancel()
	mailbox.Close()
	wg.Wait()

	require.True(t, mailbox.IsClosed())
}
