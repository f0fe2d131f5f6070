package actor_test

import (
	"context"
	"fmt"
	"time"

	"github.com/hopline/hopd/actor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// balanceQuery asks a channel for its local balance.
type balanceQuery struct {
	actor.BaseMessage
}

func (balanceQuery) MessageType() string { return "balanceQuery" }

// ExampleActorSystem spawns an actor for a service key, asks it a question
// and unregisters it again.
func ExampleActorSystem() {
	system := actor.NewActorSystem()
	defer func() { _ = system.Shutdown() }()

	key := actor.NewServiceKey[balanceQuery, uint64]("chan-balance")

	ref := key.Spawn(system, "chan-1", actor.NewFunctionBehavior(
		func(context.Context, balanceQuery) fn.Result[uint64] {
			return fn.Ok(uint64(70_000))
		},
	))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	balance, err := ref.Ask(ctx, balanceQuery{}).Await(ctx).Unpack()
	fmt.Println(balance, err)

	fmt.Println(key.Unregister(system, ref))
	fmt.Println(len(actor.FindInReceptionist(system.Receptionist(), key)))

	// Output:
	// 70000 <nil>
	// true
	// 0
}
