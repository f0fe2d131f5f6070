package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFutureAwait(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		val := rapid.Int().Draw(t, "val")
		fail := rapid.Bool().Draw(t, "fail")

		promise := NewPromise[int]()
		if fail {
			require.True(t, promise.Complete(fn.Err[int](
				errors.New("boom"),
			)))
		} else {
			require.True(t, promise.Complete(fn.Ok(val)))
		}

		// Only the first completion counts.
		require.False(t, promise.Complete(fn.Ok(val+1)))

		got, err := promise.Future().Await(context.Background()).Unpack()
		if fail {
			require.Error(t, err)
			return
		}
		require.NoError(t, err)
		require.Equal(t, val, got)
	})
}

func TestFutureAwaitTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_, err := NewPromise[int]().Future().Await(ctx).Unpack()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureThenApply(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		val := rapid.IntRange(-1000, 1000).Draw(t, "val")
		fail := rapid.Bool().Draw(t, "fail")

		promise := NewPromise[int]()
		doubled := promise.Future().ThenApply(
			context.Background(), func(v int) int { return v * 2 },
		)

		if fail {
			promise.Complete(fn.Err[int](errors.New("boom")))
		} else {
			promise.Complete(fn.Ok(val))
		}

		got, err := doubled.Await(context.Background()).Unpack()
		if fail {
			require.ErrorContains(t, err, "boom")
			return
		}
		require.NoError(t, err)
		require.Equal(t, val*2, got)
	})
}

func TestFutureOnComplete(t *testing.T) {
	t.Parallel()

	promise := NewPromise[string]()
	results := make(chan fn.Result[string], 1)
	promise.Future().OnComplete(
		context.Background(), func(r fn.Result[string]) {
			results <- r
		},
	)

	promise.Complete(fn.Ok("done"))

	select {
	case r := <-results:
		got, err := r.Unpack()
		require.NoError(t, err)
		require.Equal(t, "done", got)

	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}

	// A cancelled context delivers the context error instead.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewPromise[string]().Future().OnComplete(
		ctx, func(r fn.Result[string]) { results <- r },
	)

	r := <-results
	require.ErrorIs(t, r.Err(), context.Canceled)
}
