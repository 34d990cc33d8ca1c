package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// fakeBus scripts message delivery for event wait tests.
type fakeBus struct {
	mu         sync.Mutex
	subErr     error
	ch         chan schema.Message
	subCount   int
	unsubCount int
	lastPath   string
	lastKinds  []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan schema.Message, 16)}
}

func (f *fakeBus) Subscribe(_ context.Context, _ schema.RigHandle, path string, opts rig.SubscribeOptions) (<-chan schema.Message, func(), error) {
	f.mu.Lock()
	f.subCount++
	err := f.subErr
	f.lastPath = path
	f.lastKinds = opts.Kinds
	ch := f.ch
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return ch, func() {
		f.mu.Lock()
		f.unsubCount++
		f.mu.Unlock()
	}, nil
}

func (f *fakeBus) publish(msg schema.Message) { f.ch <- msg }

func (f *fakeBus) unsubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubCount
}

func newTestEventWaiter(bus *fakeBus) *EventWaiter {
	return NewEventWaiter(bus, nil, testLogger())
}

func TestEventWait_FirstMessageWhenNoPredicate(t *testing.T) {
	bus := newFakeBus()
	w := newTestEventWaiter(bus)
	bus.publish(schema.Message{SourcePath: "telemetry/arm", Kind: "pose", Payload: map[string]any{"x": 1.0}})

	step := schema.EventWaitStep{Name: "pose", Path: "telemetry/arm", Kinds: []string{"pose"}, Timeout: time.Second}
	msg, err := w.Wait(context.Background(), testExecContext(), step)
	require.NoError(t, err)
	assert.Equal(t, "telemetry/arm", msg.SourcePath)
	assert.Equal(t, 1.0, msg.Payload["x"])

	assert.Equal(t, "telemetry/arm", bus.lastPath)
	assert.Equal(t, []string{"pose"}, bus.lastKinds, "the kind allow-list must be passed to the bus")
	assert.Equal(t, 1, bus.unsubs(), "success must still unsubscribe")
}

func TestEventWait_PredicateSelectsThirdMessage(t *testing.T) {
	bus := newFakeBus()
	w := newTestEventWaiter(bus)
	for i := 1; i <= 3; i++ {
		bus.publish(schema.Message{SourcePath: "telemetry/arm", Payload: map[string]any{"seq": i}})
	}

	step := schema.EventWaitStep{
		Name:    "third",
		Path:    "telemetry/arm",
		Timeout: time.Second,
		Predicate: func(m schema.Message) bool {
			seq, _ := m.Payload["seq"].(int)
			return seq == 3
		},
	}
	msg, err := w.Wait(context.Background(), testExecContext(), step)
	require.NoError(t, err)
	assert.Equal(t, 3, msg.Payload["seq"], "the first satisfying message is the third delivered")
	assert.Equal(t, 1, bus.unsubs())
}

func TestEventWait_TimeoutAccuracy(t *testing.T) {
	bus := newFakeBus()
	w := newTestEventWaiter(bus)

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err := w.Wait(context.Background(), testExecContext(), schema.EventWaitStep{Name: "quiet", Path: "telemetry/arm", Timeout: timeout})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.GreaterOrEqual(t, elapsed, timeout, "timeout must never fire early")
	assert.Less(t, elapsed, timeout+150*time.Millisecond)
	assert.Equal(t, 1, bus.unsubs(), "timeout must still unsubscribe")
}

// A stream of non-matching messages must not extend the wait: the deadline
// is fixed at entry, not reset per message.
func TestEventWait_DriftResistance(t *testing.T) {
	bus := newFakeBus()
	w := newTestEventWaiter(bus)

	timeout := 250 * time.Millisecond
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bus.publish(schema.Message{SourcePath: "telemetry/arm", Payload: map[string]any{"noise": true}})
			}
		}
	}()

	step := schema.EventWaitStep{
		Name:      "never",
		Path:      "telemetry/arm",
		Timeout:   timeout,
		Predicate: func(schema.Message) bool { return false },
	}
	start := time.Now()
	_, err := w.Wait(context.Background(), testExecContext(), step)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+150*time.Millisecond, "non-matching messages must not restart the timeout")
}

func TestEventWait_SubscriptionFailure(t *testing.T) {
	bus := newFakeBus()
	bus.subErr = errors.New("bus unreachable")
	w := newTestEventWaiter(bus)

	start := time.Now()
	_, err := w.Wait(context.Background(), testExecContext(), schema.EventWaitStep{Name: "sub", Path: "telemetry/arm", Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSubscription, schema.CodeOf(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "subscription failure must not enter the wait loop")
	assert.Equal(t, 0, bus.unsubs(), "nothing to unsubscribe")
}

func TestEventWait_ValidationError(t *testing.T) {
	bus := newFakeBus()
	w := newTestEventWaiter(bus)

	_, err := w.Wait(context.Background(), testExecContext(), schema.EventWaitStep{Name: "bad"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Equal(t, 0, bus.subCount)
}

func TestEventWait_ContextCancelled(t *testing.T) {
	bus := newFakeBus()
	w := newTestEventWaiter(bus)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := w.Wait(ctx, testExecContext(), schema.EventWaitStep{Name: "quiet", Path: "telemetry/arm"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Equal(t, 1, bus.unsubs(), "cancellation must still unsubscribe")
}
