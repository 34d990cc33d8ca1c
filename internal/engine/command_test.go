package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// --- Mock implementations ---

type invocation struct {
	target  schema.RigHandle
	command string
	goal    map[string]any
}

// fakeCommander scripts worker dispatch and termination for executor tests.
type fakeCommander struct {
	mu        sync.Mutex
	seq       int
	invokeErr error
	invoked   []invocation
	cancelled []schema.WorkerHandle
	termCh    map[schema.WorkerHandle]chan schema.Termination
	// onInvoke runs for every successful dispatch, letting a test deposit
	// results and script the termination.
	onInvoke func(worker schema.WorkerHandle, inv invocation)
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{termCh: make(map[schema.WorkerHandle]chan schema.Termination)}
}

func (f *fakeCommander) Invoke(_ context.Context, target schema.RigHandle, command string, goal map[string]any) (schema.WorkerHandle, error) {
	f.mu.Lock()
	if f.invokeErr != nil {
		err := f.invokeErr
		f.mu.Unlock()
		return "", err
	}
	f.seq++
	worker := schema.WorkerHandle(fmt.Sprintf("w-%d", f.seq))
	f.termCh[worker] = make(chan schema.Termination, 1)
	inv := invocation{target: target, command: command, goal: goal}
	f.invoked = append(f.invoked, inv)
	hook := f.onInvoke
	f.mu.Unlock()

	if hook != nil {
		hook(worker, inv)
	}
	return worker, nil
}

func (f *fakeCommander) Watch(worker schema.WorkerHandle) <-chan schema.Termination {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.termCh[worker]
	if !ok {
		gone := make(chan schema.Termination, 1)
		gone <- schema.Termination{Reason: schema.TerminationGone}
		return gone
	}
	return ch
}

func (f *fakeCommander) Cancel(_ context.Context, worker schema.WorkerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, worker)
	return nil
}

// terminate resolves the scripted termination signal for a worker.
func (f *fakeCommander) terminate(worker schema.WorkerHandle, term schema.Termination) {
	f.mu.Lock()
	ch := f.termCh[worker]
	f.mu.Unlock()
	ch <- term
}

// forget drops the worker so the next Watch sees it as already gone.
func (f *fakeCommander) forget(worker schema.WorkerHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.termCh, worker)
}

func (f *fakeCommander) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

func (f *fakeCommander) invocations() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]invocation, len(f.invoked))
	copy(out, f.invoked)
	return out
}

// fakeSafety records safety reports.
type fakeSafety struct {
	mu      sync.Mutex
	reports []string
}

func (f *fakeSafety) ReportError(target schema.RigHandle, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, fmt.Sprintf("%s %s: %v", target, path, err))
}

func (f *fakeSafety) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecContext() ExecutionContext {
	return ExecutionContext{Target: "rig-1", StateSnapshot: "idle", ExecutionID: "exec-1"}
}

func newTestExecutor(cmdr *fakeCommander) (*CommandExecutor, *HandoffCache, *fakeSafety) {
	cache := NewHandoffCache()
	safety := &fakeSafety{}
	return NewCommandExecutor(cmdr, cache, safety, nil, testLogger()), cache, safety
}

// --- Execute ---

func TestExecute_CompletedWithOutcome(t *testing.T) {
	cmdr := newFakeCommander()
	exec, cache, _ := newTestExecutor(cmdr)
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		cache.Put(worker, schema.Outcome{Value: 42})
		cmdr.terminate(worker, schema.Termination{Reason: schema.TerminationNormal})
	}

	step := schema.CommandStep{Name: "grip", Command: "arm.grip", Goal: map[string]any{"force": 0.8}, Timeout: schema.NoTimeout}
	result, err := exec.Execute(context.Background(), testExecContext(), step)
	require.NoError(t, err)
	assert.Equal(t, 42, result.Outcome)
	assert.Equal(t, "arm.grip", result.Command)
	assert.Equal(t, schema.RigHandle("rig-1"), result.Target)
	assert.Equal(t, 0.8, result.Goal["force"])
	assert.Equal(t, 0, cache.Len(), "outcome must be consumed from the cache")
}

func TestExecute_DispatchFailure(t *testing.T) {
	cmdr := newFakeCommander()
	cmdr.invokeErr = errors.New("rig offline")
	exec, _, _ := newTestExecutor(cmdr)

	_, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDispatch, schema.CodeOf(err))
	assert.ErrorContains(t, err, "rig offline")
	assert.Equal(t, 0, cmdr.cancelCount(), "no worker exists to cancel")
}

func TestExecute_TimeoutCancelsWorker(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)
	// Never terminate the worker.

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip", Timeout: timeout})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.True(t, schema.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, timeout, "timeout must never fire early")
	assert.Less(t, elapsed, timeout+150*time.Millisecond)
	assert.Equal(t, 1, cmdr.cancelCount(), "timed-out worker must be cancelled, not orphaned")
}

func TestExecute_DisarmedYieldsHalt(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, safety := newTestExecutor(cmdr)
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		cmdr.terminate(worker, schema.Termination{Reason: schema.TerminationDisarmed, Detail: "estop"})
	}

	// Most of the timeout remains unused; halt must not wait it out.
	start := time.Now()
	_, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, schema.IsHalt(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, safety.count(), "halt must be reported to the safety sink")
}

func TestExecute_CancelledWorker(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		cmdr.terminate(worker, schema.Termination{Reason: schema.TerminationCancelled})
	}

	_, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
}

func TestExecute_CrashSurfacesReason(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, safety := newTestExecutor(cmdr)
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		cmdr.terminate(worker, schema.Termination{Reason: "panic", Detail: "encoder desync"})
	}

	_, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCrashed, schema.CodeOf(err))
	assert.ErrorContains(t, err, "panic")
	assert.Equal(t, 0, safety.count(), "a crash is an ordinary step failure, not a halt")
}

func TestExecute_GoneWorkerResolvesThroughCache(t *testing.T) {
	cmdr := newFakeCommander()
	exec, cache, _ := newTestExecutor(cmdr)
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		// Worker finished and disappeared before monitoring began.
		cache.Put(worker, schema.Outcome{Value: "done"})
		cmdr.forget(worker)
	}

	result, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip"})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Outcome)
}

func TestExecute_ResultNotFound(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		cmdr.terminate(worker, schema.Termination{Reason: schema.TerminationNormal})
	}

	_, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeResultNotFound, schema.CodeOf(err))
}

func TestExecute_ErrorOutcomeSurfaced(t *testing.T) {
	cmdr := newFakeCommander()
	exec, cache, _ := newTestExecutor(cmdr)
	handlerErr := errors.New("joint limit exceeded")
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		cache.Put(worker, schema.Outcome{Err: handlerErr})
		cmdr.terminate(worker, schema.Termination{Reason: schema.TerminationNormal})
	}

	_, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip"})
	require.Error(t, err)
	assert.ErrorIs(t, err, handlerErr)
}

func TestExecute_ValidationError(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)

	_, err := exec.Execute(context.Background(), testExecContext(), schema.CommandStep{Name: "grip"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Empty(t, cmdr.invocations(), "invalid steps must not dispatch")
}

func TestExecute_ContextCancelledDuringWait(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Execute(ctx, testExecContext(), schema.CommandStep{Name: "grip", Command: "arm.grip"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Equal(t, 1, cmdr.cancelCount(), "abandoned worker must be cancelled")
}

// --- Compensate ---

func TestCompensate_AbsentIsNoop(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)

	step := schema.CommandStep{Name: "grip", Command: "arm.grip"}
	err := exec.Compensate(context.Background(), testExecContext(), step, schema.CommandResult{})
	require.NoError(t, err)
	assert.Empty(t, cmdr.invocations(), "absent compensation must not dispatch")
}

func TestCompensate_Success(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		cmdr.terminate(worker, schema.Termination{Reason: schema.TerminationNormal})
	}

	prior := schema.CommandResult{Command: "arm.grip", Outcome: 42, Target: "rig-1"}
	step := schema.CommandStep{Name: "grip", Command: "arm.grip", Compensate: "arm.release"}
	err := exec.Compensate(context.Background(), testExecContext(), step, prior)
	require.NoError(t, err)

	invs := cmdr.invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, "arm.release", invs[0].command)
	assert.Equal(t, prior, invs[0].goal["original"], "prior result must be wrapped as the compensation input")
}

func TestCompensate_TimeoutCancelsWorker(t *testing.T) {
	old := compensationTimeout
	compensationTimeout = 150 * time.Millisecond
	defer func() { compensationTimeout = old }()

	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)
	// Compensation worker never terminates.

	step := schema.CommandStep{Name: "grip", Command: "arm.grip", Compensate: "arm.release", Timeout: schema.NoTimeout}
	start := time.Now()
	err := exec.Compensate(context.Background(), testExecContext(), step, schema.CommandResult{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCompensationTimeout, schema.CodeOf(err))
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond, "the step's own unlimited timeout must not apply to compensation")
	assert.Equal(t, 1, cmdr.cancelCount(), "timed-out compensation worker must be cancelled")
}

func TestCompensate_AbnormalTermination(t *testing.T) {
	cmdr := newFakeCommander()
	exec, _, _ := newTestExecutor(cmdr)
	cmdr.onInvoke = func(worker schema.WorkerHandle, _ invocation) {
		cmdr.terminate(worker, schema.Termination{Reason: "panic", Detail: "bad original"})
	}

	step := schema.CommandStep{Name: "grip", Command: "arm.grip", Compensate: "arm.release"}
	err := exec.Compensate(context.Background(), testExecContext(), step, schema.CommandResult{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCompensation, schema.CodeOf(err))
	assert.ErrorContains(t, err, "panic")
}

func TestCompensate_DispatchFailure(t *testing.T) {
	cmdr := newFakeCommander()
	cmdr.invokeErr = errors.New("rig offline")
	exec, _, _ := newTestExecutor(cmdr)

	step := schema.CommandStep{Name: "grip", Command: "arm.grip", Compensate: "arm.release"}
	err := exec.Compensate(context.Background(), testExecContext(), step, schema.CommandResult{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCompensation, schema.CodeOf(err))
}
