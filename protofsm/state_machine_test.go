package protofsm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hopline/hopd/chainntnfs"
	"github.com/hopline/hopd/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type dummyEvents interface {
	dummy()
}

type goToFin struct {
}

func (g *goToFin) dummy() {
}

type emitInternal struct {
}

func (e *emitInternal) dummy() {
}

type daemonEvents struct {
}

func (s *daemonEvents) dummy() {
}

type watchFunding struct {
	op wire.OutPoint
}

func (w *watchFunding) dummy() {
}

type unknownEvent struct {
}

func (u *unknownEvent) dummy() {
}

type dummyEnv struct {
	mock.Mock
}

func (d *dummyEnv) Name() string {
	return "test"
}

var (
	hexDecode = func(keyStr string) []byte {
		keyBytes, _ := hex.DecodeString(keyStr)
		return keyBytes
	}
	pub1, _ = btcec.ParsePubKey(hexDecode(
		"02ec95e4e8ad994861b95fc5986eedaac24739e5ea3d0634db4c8ccd44cd" +
			"a126ea",
	))
	pub2, _ = btcec.ParsePubKey(hexDecode(
		"0356167ba3e54ac542e86e906d4186aba9ca0b9df45001c62b753d33fe06" +
			"f5b4e8",
	))
)

type dummyStateStart struct {
}

func (d *dummyStateStart) String() string {
	return "dummyStateStart"
}

func (d *dummyStateStart) ProcessEvent(event dummyEvents, env *dummyEnv,
) (*StateTransition[dummyEvents, *dummyEnv], error) {

	switch e := event.(type) {
	case *goToFin:
		return &StateTransition[dummyEvents, *dummyEnv]{
			NextState: &dummyStateFin{},
		}, nil

	// This state will loop back upon itself, but will also emit an event
	// to head to the terminal state.
	case *emitInternal:
		return &StateTransition[dummyEvents, *dummyEnv]{
			NextState: &dummyStateStart{},
			NewEvents: fn.Some(EmittedEvent[dummyEvents]{
				InternalEvent: []dummyEvents{&goToFin{}},
			}),
		}, nil

	// This state will proceed to the terminal state once the first send
	// went out, emitting every kind of I/O daemon event on the way.
	case *daemonEvents:
		sendEvent := &SendMsgEvent[dummyEvents]{
			TargetPeer:    *pub1,
			Msgs:          []lnwire.Message{&lnwire.Ping{}},
			PostSendEvent: fn.Some(dummyEvents(&goToFin{})),
		}
		sendEvent2 := &SendMsgEvent[dummyEvents]{
			TargetPeer: *pub2,
		}

		return &StateTransition[dummyEvents, *dummyEnv]{
			NextState: &dummyStateStart{},
			NewEvents: fn.Some(EmittedEvent[dummyEvents]{
				ExternalEvents: DaemonEventSet{
					sendEvent, sendEvent2,
					&BroadcastTxn{
						Tx:    &wire.MsgTx{},
						Label: "test",
					},
				},
			}),
		}, nil

	case *watchFunding:
		mapper := ChainMapper[dummyEvents](
			func(chainntnfs.ChainEvent) dummyEvents {
				return &goToFin{}
			},
		)

		return &StateTransition[dummyEvents, *dummyEnv]{
			NextState: &dummyStateStart{},
			NewEvents: fn.Some(EmittedEvent[dummyEvents]{
				ExternalEvents: DaemonEventSet{
					&RegisterConf[dummyEvents]{
						OutPoint: e.op,
						NumConfs: fn.Some(uint32(3)),
						OnConf:   fn.Some(mapper),
					},
				},
			}),
		}, nil
	}

	return nil, fmt.Errorf("unknown event: %T", event)
}

func (d *dummyStateStart) IsTerminal() bool {
	return false
}

type dummyStateFin struct {
}

func (d *dummyStateFin) String() string {
	return "dummyStateFin"
}

func (d *dummyStateFin) ProcessEvent(event dummyEvents, env *dummyEnv,
) (*StateTransition[dummyEvents, *dummyEnv], error) {

	return &StateTransition[dummyEvents, *dummyEnv]{
		NextState: &dummyStateFin{},
	}, nil
}

func (d *dummyStateFin) IsTerminal() bool {
	return true
}

func assertState[Event any, Env Environment](t *testing.T,
	m *StateMachine[Event, Env], expectedState State[Event, Env]) {

	t.Helper()

	require.IsType(t, expectedState, m.CurrentState())
}

// stateRecorder collects the states a machine moves through.
type stateRecorder struct {
	states []State[dummyEvents, *dummyEnv]
}

func (r *stateRecorder) record(_, to State[dummyEvents, *dummyEnv]) {
	r.states = append(r.states, to)
}

type dummyAdapters struct {
	mock.Mock

	chain *chainntnfs.MockChain
}

func newDaemonAdapters() *dummyAdapters {
	return &dummyAdapters{
		chain: chainntnfs.NewMockChain(),
	}
}

func (d *dummyAdapters) SendMessages(_ context.Context, pub btcec.PublicKey,
	msgs []lnwire.Message) error {

	args := d.Called(pub, msgs)

	return args.Error(0)
}

func (d *dummyAdapters) BroadcastTransaction(_ context.Context,
	tx *wire.MsgTx, label string) error {

	args := d.Called(tx, label)

	return args.Error(0)
}

func (d *dummyAdapters) Watch(ctx context.Context, op wire.OutPoint,
	pkScript []byte, heightHint uint32) iter.Seq[chainntnfs.ChainEvent] {

	return d.chain.Watch(ctx, op, pkScript, heightHint)
}

type dummyReporter struct {
	errs []error
}

func (d *dummyReporter) ReportError(err error) {
	d.errs = append(d.errs, err)
}

// TestStateMachineOnInitDaemonEvent tests that the state machine will properly
// execute any init-level daemon events passed into it.
func TestStateMachineOnInitDaemonEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	env := &dummyEnv{}
	adapters := newDaemonAdapters()

	// We'll make an init event that'll send to a peer, then transition us
	// to our terminal state.
	initEvent := &SendMsgEvent[dummyEvents]{
		TargetPeer:    *pub1,
		PostSendEvent: fn.Some(dummyEvents(&goToFin{})),
	}

	var recorder stateRecorder
	stateMachine := NewStateMachine(StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:        adapters,
		InitialState:  &dummyStateStart{},
		Env:           env,
		InitEvent:     fn.Some[DaemonEvent](initEvent),
		OnStateChange: recorder.record,
	})

	adapters.On("SendMessages", *pub1, mock.Anything).Return(nil)

	require.NoError(t, stateMachine.Start(ctx))
	defer stateMachine.Stop()

	require.Equal(t, []State[dummyEvents, *dummyEnv]{
		&dummyStateFin{},
	}, recorder.states)
	assertState[dummyEvents, *dummyEnv](t, stateMachine, &dummyStateFin{})

	adapters.AssertExpectations(t)
	env.AssertExpectations(t)
}

// TestStateMachineInternalEvents tests that the state machine is able to add
// new internal events to the event queue for further processing during a state
// transition.
func TestStateMachineInternalEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var recorder stateRecorder
	stateMachine := NewStateMachine(StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:        newDaemonAdapters(),
		InitialState:  &dummyStateStart{},
		Env:           &dummyEnv{},
		OnStateChange: recorder.record,
	})

	require.NoError(t, stateMachine.Start(ctx))
	defer stateMachine.Stop()

	require.NoError(t, stateMachine.SendEvent(ctx, &emitInternal{}))

	// The internal event was processed within the same call.
	require.Equal(t, []State[dummyEvents, *dummyEnv]{
		&dummyStateStart{}, &dummyStateFin{},
	}, recorder.states)
	assertState[dummyEvents, *dummyEnv](t, stateMachine, &dummyStateFin{})
}

// TestStateMachineDaemonEvents tests that the state machine executes the
// daemon events emitted by a transition in order, and processes the event
// that follows a send.
func TestStateMachineDaemonEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	adapters := newDaemonAdapters()
	stateMachine := NewStateMachine(StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:       adapters,
		InitialState: &dummyStateStart{},
		Env:          &dummyEnv{},
	})

	var calls []string
	adapters.On("SendMessages", *pub1, []lnwire.Message{&lnwire.Ping{}}).
		Return(nil).Run(func(mock.Arguments) {
			calls = append(calls, "send1")
		})
	adapters.On("SendMessages", *pub2, mock.Anything).Return(nil).
		Run(func(mock.Arguments) {
			calls = append(calls, "send2")
		})
	adapters.On("BroadcastTransaction", mock.Anything, "test").Return(nil).
		Run(func(mock.Arguments) {
			calls = append(calls, "broadcast")
		})

	require.NoError(t, stateMachine.Start(ctx))
	defer stateMachine.Stop()

	require.NoError(t, stateMachine.SendEvent(ctx, &daemonEvents{}))

	require.Equal(t, []string{"send1", "send2", "broadcast"}, calls)
	assertState[dummyEvents, *dummyEnv](t, stateMachine, &dummyStateFin{})

	adapters.AssertExpectations(t)
}

// TestStateMachineSendFailure checks that a failed send is returned to the
// caller and stops the remaining daemon events.
func TestStateMachineSendFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	adapters := newDaemonAdapters()
	stateMachine := NewStateMachine(StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:       adapters,
		InitialState: &dummyStateStart{},
		Env:          &dummyEnv{},
	})

	errPeerGone := errors.New("peer gone")
	adapters.On("SendMessages", *pub1, mock.Anything).Return(errPeerGone)

	require.NoError(t, stateMachine.Start(ctx))
	defer stateMachine.Stop()

	err := stateMachine.SendEvent(ctx, &daemonEvents{})
	require.ErrorIs(t, err, errPeerGone)

	// The transition itself happened before the send.
	assertState[dummyEvents, *dummyEnv](
		t, stateMachine, &dummyStateStart{},
	)
	adapters.AssertNotCalled(t, "BroadcastTransaction", mock.Anything,
		mock.Anything)
}

// TestStateMachineTransitionError checks that a rejected event leaves the
// state untouched and is reported.
func TestStateMachineTransitionError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	reporter := &dummyReporter{}
	stateMachine := NewStateMachine(StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:        newDaemonAdapters(),
		InitialState:  &dummyStateStart{},
		Env:           &dummyEnv{},
		ErrorReporter: reporter,
	})

	require.NoError(t, stateMachine.Start(ctx))
	defer stateMachine.Stop()

	err := stateMachine.SendEvent(ctx, &unknownEvent{})
	require.ErrorContains(t, err, "unknown event")
	require.Len(t, reporter.errs, 1)

	assertState[dummyEvents, *dummyEnv](
		t, stateMachine, &dummyStateStart{},
	)
}

// TestStateMachineRegisterConf checks that a confirmation registration
// dispatches its mapped event once the requested depth is reached.
func TestStateMachineRegisterConf(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	adapters := newDaemonAdapters()
	dispatched := make(chan dummyEvents, 1)

	stateMachine := NewStateMachine(StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:       adapters,
		InitialState: &dummyStateStart{},
		Env:          &dummyEnv{},
		Dispatch: func(e dummyEvents) {
			dispatched <- e
		},
	})

	require.NoError(t, stateMachine.Start(ctx))
	defer stateMachine.Stop()

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{1}},
	})
	fundingTx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	op := wire.OutPoint{Hash: fundingTx.TxHash()}

	_, err := adapters.chain.Broadcast(ctx, fundingTx)
	require.NoError(t, err)

	require.NoError(t, stateMachine.SendEvent(ctx, &watchFunding{op: op}))

	adapters.chain.MineBlocks(2)
	select {
	case <-dispatched:
		t.Fatal("dispatched before the requested depth")
	case <-time.After(50 * time.Millisecond):
	}

	adapters.chain.MineBlock()

	var event dummyEvents
	select {
	case event = <-dispatched:
	case <-time.After(5 * time.Second):
		t.Fatal("confirmation never dispatched")
	}
	require.IsType(t, &goToFin{}, event)

	require.NoError(t, stateMachine.SendEvent(ctx, event))
	assertState[dummyEvents, *dummyEnv](t, stateMachine, &dummyStateFin{})
}

type dummyMsgMapper struct {
	mock.Mock
}

func (d *dummyMsgMapper) MapMsg(wireMsg lnwire.Message) fn.Option[dummyEvents] {
	args := d.Called(wireMsg)

	//nolint:forcetypeassert
	return args.Get(0).(fn.Option[dummyEvents])
}

// TestStateMachineMsgMapper tests that given a message mapper, we can properly
// send in wire messages get mapped to FSM events.
func TestStateMachineMsgMapper(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// The only thing we know how to map is the error message, which'll
	// terminate the state machine.
	wireError := &lnwire.Error{}
	pingMsg := &lnwire.Ping{}

	dummyMapper := &dummyMsgMapper{}
	dummyMapper.On("MapMsg", wireError).Return(
		fn.Some(dummyEvents(&goToFin{})),
	)
	dummyMapper.On("MapMsg", pingMsg).Return(fn.None[dummyEvents]())

	stateMachine := NewStateMachine(StateMachineCfg[dummyEvents, *dummyEnv]{
		Daemon:       newDaemonAdapters(),
		InitialState: &dummyStateStart{},
		Env:          &dummyEnv{},
		MsgMapper:    fn.Some[MsgMapper[dummyEvents]](dummyMapper),
	})

	require.NoError(t, stateMachine.Start(ctx))
	defer stateMachine.Stop()

	require.True(t, stateMachine.CanHandle(wireError))
	require.False(t, stateMachine.CanHandle(pingMsg))

	handled, err := stateMachine.SendMessage(ctx, pingMsg)
	require.NoError(t, err)
	require.False(t, handled)

	handled, err = stateMachine.SendMessage(ctx, wireError)
	require.NoError(t, err)
	require.True(t, handled)

	assertState[dummyEvents, *dummyEnv](t, stateMachine, &dummyStateFin{})
	dummyMapper.AssertExpectations(t)
}
