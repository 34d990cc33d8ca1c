package rig

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/beam-bots/bb-reactor/internal/metrics"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

const (
	busBuffer       = 64
	defaultPoolSize = 8
)

// CommandHandler executes one command invocation on the memory rig. The
// context is cancelled when the worker is cancelled, the rig disarms, or
// the rig closes; handlers should return promptly once that happens.
type CommandHandler func(ctx context.Context, goal map[string]any) (any, error)

// worker is one in-flight command execution.
type worker struct {
	id        schema.WorkerHandle
	done      chan schema.Termination
	cancel    context.CancelFunc
	resolved  sync.Once
	cancelled atomic.Bool
	disarmed  atomic.Bool
}

// terminate resolves the worker's termination signal exactly once.
func (w *worker) terminate(t schema.Termination) {
	w.resolved.Do(func() { w.done <- t })
}

// busSub holds a channel and filter for a single bus subscriber.
type busSub struct {
	path  string
	kinds []string
	ch    chan schema.Message
}

// memTarget is one controlled target inside the memory rig.
type memTarget struct {
	state    string
	subs     map[uint64]*busSub
	watchers map[uint64]chan schema.Transition
}

// SafetyReport is one entry recorded through the safety sink.
type SafetyReport struct {
	Target schema.RigHandle
	Path   string
	Err    error
}

// MemoryRig is a complete in-memory rig: command dispatch on a bounded
// worker pool, a topic bus with kind filtering, an observable state
// machine per target, and an arming latch. It backs tests and the demo
// binary.
type MemoryRig struct {
	log  *slog.Logger
	sink ResultSink
	pool *workerPool

	mu           sync.RWMutex
	armed        bool
	disarmDetail string
	closed       bool
	targets      map[schema.RigHandle]*memTarget
	workers      map[schema.WorkerHandle]*worker
	handlers     map[string]CommandHandler
	reports      []SafetyReport

	subSeq     atomic.Uint64
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

var _ Rig = (*MemoryRig)(nil)

// NewMemoryRig creates an armed rig with no targets and no handlers. The
// sink receives worker outcomes; nil disables handoff (workers then
// terminate without depositing, which the executor reports as a missing
// result).
func NewMemoryRig(sink ResultSink, logger *slog.Logger) *MemoryRig {
	return NewMemoryRigSize(sink, logger, defaultPoolSize)
}

// NewMemoryRigSize creates an armed rig with a worker pool of the given
// size. Non-positive sizes fall back to the default.
func NewMemoryRigSize(sink ResultSink, logger *slog.Logger, poolSize int) *MemoryRig {
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryRig{
		log:        logger,
		sink:       sink,
		pool:       newWorkerPool(poolSize),
		armed:      true,
		targets:    make(map[schema.RigHandle]*memTarget),
		workers:    make(map[schema.WorkerHandle]*worker),
		handlers:   make(map[string]CommandHandler),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// AddTarget registers a controlled target with its initial state.
func (r *MemoryRig) AddTarget(target schema.RigHandle, initialState string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[target] = &memTarget{
		state:    initialState,
		subs:     make(map[uint64]*busSub),
		watchers: make(map[uint64]chan schema.Transition),
	}
}

// RegisterCommand binds a command name to its handler. Re-registering a
// name replaces the previous handler.
func (r *MemoryRig) RegisterCommand(name string, h CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Arm re-arms the rig after a disarm.
func (r *MemoryRig) Arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = true
	r.disarmDetail = ""
}

// Disarm drops the safety latch: every in-flight worker terminates with
// TerminationDisarmed and new dispatches are refused until Arm.
func (r *MemoryRig) Disarm(detail string) {
	r.mu.Lock()
	r.armed = false
	r.disarmDetail = detail
	ws := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	for _, w := range ws {
		w.disarmed.Store(true)
		w.cancel()
	}
	r.log.Warn("rig disarmed", slog.String("detail", detail), slog.Int("workers", len(ws)))
}

// --- Commander ---

// Invoke resolves the command and starts a worker for it. The context
// bounds the dispatch itself (including the wait for a pool slot), not the
// worker's lifetime.
func (r *MemoryRig) Invoke(ctx context.Context, target schema.RigHandle, command string, goal map[string]any) (schema.WorkerHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("rig is closed")
	}
	if !r.armed {
		r.mu.Unlock()
		return "", fmt.Errorf("rig is disarmed")
	}
	if _, ok := r.targets[target]; !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("unknown target %q", target)
	}
	h, ok := r.handlers[command]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("no handler for command %q", command)
	}

	wctx, cancel := context.WithCancel(r.rootCtx)
	w := &worker{
		id:     schema.WorkerHandle(uuid.New().String()),
		done:   make(chan schema.Termination, 1),
		cancel: cancel,
	}
	r.workers[w.id] = w
	r.mu.Unlock()

	if err := r.pool.submit(ctx, func() { r.runWorker(wctx, w, h, goal) }); err != nil {
		r.mu.Lock()
		delete(r.workers, w.id)
		r.mu.Unlock()
		cancel()
		return "", fmt.Errorf("dispatch %q: %w", command, err)
	}

	metrics.WorkerStarted()
	return w.id, nil
}

// runWorker executes the handler and resolves the termination signal. The
// outcome is deposited before the signal resolves so a monitor that sees
// normal termination always finds the result.
func (r *MemoryRig) runWorker(ctx context.Context, w *worker, h CommandHandler, goal map[string]any) {
	defer metrics.WorkerDone()
	defer r.forget(w.id)
	defer func() {
		if p := recover(); p != nil {
			w.terminate(schema.Termination{Reason: "panic", Detail: fmt.Sprint(p)})
		}
	}()

	value, err := h(ctx, goal)

	switch {
	case w.disarmed.Load():
		r.mu.RLock()
		detail := r.disarmDetail
		r.mu.RUnlock()
		w.terminate(schema.Termination{Reason: schema.TerminationDisarmed, Detail: detail})
	case w.cancelled.Load():
		w.terminate(schema.Termination{Reason: schema.TerminationCancelled})
	default:
		if r.sink != nil {
			r.sink.Put(w.id, schema.Outcome{Value: value, Err: err})
		}
		w.terminate(schema.Termination{Reason: schema.TerminationNormal})
	}
}

func (r *MemoryRig) forget(id schema.WorkerHandle) {
	r.mu.Lock()
	delete(r.workers, id)
	r.mu.Unlock()
}

// Watch returns the worker's termination signal. An unknown handle means
// the worker already terminated: the channel resolves immediately with
// TerminationGone.
func (r *MemoryRig) Watch(id schema.WorkerHandle) <-chan schema.Termination {
	r.mu.RLock()
	w, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		ch := make(chan schema.Termination, 1)
		ch <- schema.Termination{Reason: schema.TerminationGone}
		return ch
	}
	return w.done
}

// Cancel requests the worker stop. Idempotent; an already-terminated
// handle is a no-op.
func (r *MemoryRig) Cancel(ctx context.Context, id schema.WorkerHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	w, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	w.cancelled.Store(true)
	w.cancel()
	return nil
}

// --- Bus ---

// Subscribe attaches a subscriber to a topic path on one target. The
// returned cancel func is the unsubscription; safe to call repeatedly.
func (r *MemoryRig) Subscribe(ctx context.Context, target schema.RigHandle, path string, opts SubscribeOptions) (<-chan schema.Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[target]
	if !ok {
		return nil, nil, fmt.Errorf("unknown target %q", target)
	}

	id := r.subSeq.Add(1)
	sub := &busSub{path: path, kinds: opts.Kinds, ch: make(chan schema.Message, busBuffer)}
	t.subs[id] = sub

	cancel := func() {
		r.mu.Lock()
		delete(t.subs, id)
		r.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Publish delivers a message to every matching subscriber on the target.
// Non-blocking: if a subscriber's channel is full the message is dropped.
func (r *MemoryRig) Publish(ctx context.Context, target schema.RigHandle, msg schema.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[target]
	if !ok {
		return fmt.Errorf("unknown target %q", target)
	}

	for _, sub := range t.subs {
		if sub.path != msg.SourcePath {
			continue
		}
		if !kindAllowed(sub.kinds, msg.Kind) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// backpressure: drop message for slow subscriber
		}
	}
	return nil
}

// kindAllowed returns true if the message kind passes the allow-list.
func kindAllowed(kinds []string, kind string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// --- StateObserver ---

// CurrentState reads the target's live state.
func (r *MemoryRig) CurrentState(ctx context.Context, target schema.RigHandle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[target]
	if !ok {
		return "", fmt.Errorf("unknown target %q", target)
	}
	return t.state, nil
}

// SetState moves the target to a new state and fans the transition out to
// every watcher.
func (r *MemoryRig) SetState(ctx context.Context, target schema.RigHandle, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[target]
	if !ok {
		return fmt.Errorf("unknown target %q", target)
	}

	from := t.state
	t.state = to
	tr := schema.Transition{From: from, To: to}
	for _, ch := range t.watchers {
		select {
		case ch <- tr:
		default:
		}
	}
	return nil
}

// Transitions attaches a watcher to the target's transition feed.
func (r *MemoryRig) Transitions(ctx context.Context, target schema.RigHandle) (<-chan schema.Transition, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[target]
	if !ok {
		return nil, nil, fmt.Errorf("unknown target %q", target)
	}

	id := r.subSeq.Add(1)
	ch := make(chan schema.Transition, busBuffer)
	t.watchers[id] = ch

	cancel := func() {
		r.mu.Lock()
		delete(t.watchers, id)
		r.mu.Unlock()
	}
	return ch, cancel, nil
}

// --- SafetySink ---

// ReportError records a safety event. Fire-and-forget: the caller never
// learns whether the report landed.
func (r *MemoryRig) ReportError(target schema.RigHandle, path string, err error) {
	r.mu.Lock()
	r.reports = append(r.reports, SafetyReport{Target: target, Path: path, Err: err})
	r.mu.Unlock()
	r.log.Warn("safety report",
		slog.String("target", string(target)),
		slog.String("path", path),
		slog.Any("error", err))
}

// Reports returns a snapshot of everything recorded through the sink.
func (r *MemoryRig) Reports() []SafetyReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SafetyReport, len(r.reports))
	copy(out, r.reports)
	return out
}

// PoolMetrics returns a snapshot of the worker pool counters.
func (r *MemoryRig) PoolMetrics() PoolMetrics {
	return r.pool.Metrics()
}

// Close cancels every in-flight worker and shuts the pool down.
func (r *MemoryRig) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ws := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	for _, w := range ws {
		w.cancelled.Store(true)
		w.cancel()
	}
	r.rootCancel()
	r.pool.shutdown()
}
