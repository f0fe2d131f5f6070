package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActorSystemSpawnAndFind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	system := NewActorSystem()
	t.Cleanup(func() { require.NoError(t, system.Shutdown()) })

	key := NewServiceKey[*testMsg, string]("echo")
	require.Equal(t, "echo", key.Name())

	ref1 := key.Spawn(system, "echo-1", newRecordingBehavior())
	ref2 := key.Spawn(system, "echo-2", newRecordingBehavior())

	refs := FindInReceptionist(system.Receptionist(), key)
	require.Len(t, refs, 2)

	// A key with the same name but other types finds nothing.
	otherKey := NewServiceKey[*testMsg, int]("echo")
	require.Empty(t, FindInReceptionist(system.Receptionist(), otherKey))

	reply, err := ref1.Ask(ctx, &testMsg{data: "x"}).Await(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, "echo:x", reply)

	require.True(t, key.Unregister(system, ref2))
	require.False(t, key.Unregister(system, ref2))
	require.Len(t, FindInReceptionist(system.Receptionist(), key), 1)

	_, err = ref2.Ask(ctx, &testMsg{data: "x"}).Await(ctx).Unpack()
	require.ErrorIs(t, err, ErrActorTerminated)
}
