package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// defaultMailboxSize is the mailbox capacity of actors spawned through the
// system unless configured otherwise.
const defaultMailboxSize = 100

// ServiceKey names a group of actors that accept the same message and reply
// types. Actors are found in the receptionist by their service key.
type ServiceKey[M Message, R any] struct {
	name string
}

// NewServiceKey creates a service key with the given name.
func NewServiceKey[M Message, R any](name string) ServiceKey[M, R] {
	return ServiceKey[M, R]{name: name}
}

// Name returns the name of the service key.
func (k ServiceKey[M, R]) Name() string {
	return k.name
}

// Spawn creates an actor with the given id and behavior, registers it with
// the system under this key and starts it.
func (k ServiceKey[M, R]) Spawn(system *ActorSystem, id string,
	behavior ActorBehavior[M, R]) ActorRef[M, R] {

	return RegisterWithSystem(system, id, k, behavior)
}

// Unregister removes ref from the receptionist and stops the actor. It
// returns false if ref wasn't registered under this key.
func (k ServiceKey[M, R]) Unregister(system *ActorSystem,
	ref ActorRef[M, R]) bool {

	if !UnregisterFromReceptionist(system.receptionist, k, ref) {
		return false
	}

	return system.StopAndRemoveActor(ref.ID())
}

// Receptionist is a registry that maps service keys to the actors serving
// them.
type Receptionist struct {
	mu   sync.RWMutex
	refs map[string][]any
}

// newReceptionist creates an empty receptionist.
func newReceptionist() *Receptionist {
	return &Receptionist{
		refs: make(map[string][]any),
	}
}

// RegisterWithReceptionist adds ref to the actors serving key.
func RegisterWithReceptionist[M Message, R any](r *Receptionist,
	key ServiceKey[M, R], ref ActorRef[M, R]) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs[key.name] = append(r.refs[key.name], ref)
}

// UnregisterFromReceptionist removes ref from the actors serving key. It
// returns false if ref wasn't registered.
func UnregisterFromReceptionist[M Message, R any](r *Receptionist,
	key ServiceKey[M, R], ref ActorRef[M, R]) bool {

	r.mu.Lock()
	defer r.mu.Unlock()

	refs := r.refs[key.name]
	for i, existing := range refs {
		typed, ok := existing.(ActorRef[M, R])
		if !ok || typed.ID() != ref.ID() {
			continue
		}

		refs = append(refs[:i], refs[i+1:]...)
		if len(refs) == 0 {
			delete(r.refs, key.name)
		} else {
			r.refs[key.name] = refs
		}

		return true
	}

	return false
}

// FindInReceptionist returns all actors registered under key.
func FindInReceptionist[M Message, R any](r *Receptionist,
	key ServiceKey[M, R]) []ActorRef[M, R] {

	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []ActorRef[M, R]
	for _, ref := range r.refs[key.name] {
		if typed, ok := ref.(ActorRef[M, R]); ok {
			result = append(result, typed)
		}
	}

	return result
}

// stoppable is the type erased view of an actor the system keeps to stop it.
type stoppable interface {
	Stop()
}

// SystemConfig holds the configuration of an ActorSystem.
type SystemConfig struct {
	// MailboxCapacity is the mailbox size of spawned actors.
	MailboxCapacity int
}

// DefaultConfig returns the default actor system configuration.
func DefaultConfig() SystemConfig {
	return SystemConfig{
		MailboxCapacity: defaultMailboxSize,
	}
}

// ActorSystem owns a set of actors, their receptionist and the dead letter
// office messages go to when they can't be delivered.
type ActorSystem struct {
	cfg SystemConfig

	receptionist *Receptionist

	deadLetters *Actor[Message, any]

	mu     sync.Mutex
	actors map[string]stoppable
}

// NewActorSystem creates an actor system with the default configuration.
func NewActorSystem() *ActorSystem {
	return NewActorSystemWithConfig(DefaultConfig())
}

// NewActorSystemWithConfig creates an actor system with the given
// configuration.
func NewActorSystemWithConfig(cfg SystemConfig) *ActorSystem {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = defaultMailboxSize
	}

	system := &ActorSystem{
		cfg:          cfg,
		receptionist: newReceptionist(),
		actors:       make(map[string]stoppable),
	}

	system.deadLetters = NewActor(ActorConfig[Message, any]{
		ID:          "dead-letters",
		Behavior:    &deadLetterBehavior{},
		MailboxSize: cfg.MailboxCapacity,
	})
	system.deadLetters.Start()

	return system
}

// Receptionist returns the receptionist of the system.
func (s *ActorSystem) Receptionist() *Receptionist {
	return s.receptionist
}

// DeadLetters returns a reference to the dead letter office.
func (s *ActorSystem) DeadLetters() ActorRef[Message, any] {
	return s.deadLetters.Ref()
}

// RegisterWithSystem creates, registers and starts an actor. If an actor
// with the same id exists it's stopped and replaced.
func RegisterWithSystem[M Message, R any](s *ActorSystem, id string,
	key ServiceKey[M, R], behavior ActorBehavior[M, R]) ActorRef[M, R] {

	a := NewActor(ActorConfig[M, R]{
		ID:          id,
		Behavior:    behavior,
		DLO:         s.DeadLetters(),
		MailboxSize: s.cfg.MailboxCapacity,
	})

	s.mu.Lock()
	if prev, ok := s.actors[id]; ok {
		log.Warnf("Replacing actor %v", id)
		prev.Stop()
	}
	s.actors[id] = a
	s.mu.Unlock()

	RegisterWithReceptionist(s.receptionist, key, a.Ref())
	a.Start()

	log.Debugf("Spawned actor %v for service %v", id, key.name)

	return a.Ref()
}

// StopAndRemoveActor stops the actor with the given id. It returns false if
// no such actor exists.
func (s *ActorSystem) StopAndRemoveActor(id string) bool {
	s.mu.Lock()
	a, ok := s.actors[id]
	delete(s.actors, id)
	s.mu.Unlock()

	if !ok {
		return false
	}

	a.Stop()

	return true
}

// Shutdown stops every actor of the system, the dead letter office last.
func (s *ActorSystem) Shutdown() error {
	s.mu.Lock()
	actors := s.actors
	s.actors = make(map[string]stoppable)
	s.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
	s.deadLetters.Stop()

	log.Debugf("Actor system stopped %d actors", len(actors))

	return nil
}

// deadLetterBehavior records messages that couldn't be delivered.
type deadLetterBehavior struct{}

// Receive logs the undeliverable message.
func (d *deadLetterBehavior) Receive(_ context.Context,
	msg Message) fn.Result[any] {

	log.Debugf("Dead letter: %v", msg.MessageType())

	return fn.Err[any](fmt.Errorf("undeliverable message %v",
		msg.MessageType()))
}
