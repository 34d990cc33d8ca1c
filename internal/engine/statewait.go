package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/beam-bots/bb-reactor/internal/journal"
	"github.com/beam-bots/bb-reactor/internal/logging"
	"github.com/beam-bots/bb-reactor/internal/metrics"
	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// StateWaiter blocks a step until the target reaches one of a set of
// states.
type StateWaiter struct {
	recorder
	observer rig.StateObserver
}

// NewStateWaiter wires the waiter's collaborators. The journal may be nil;
// a nil logger falls back to slog.Default.
func NewStateWaiter(observer rig.StateObserver, jnl journal.Journal, logger *slog.Logger) *StateWaiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateWaiter{recorder: recorder{journal: jnl, log: logger}, observer: observer}
}

// Wait returns once the target's state is in the step's target set. If the
// current state already qualifies it returns immediately without
// subscribing; otherwise it watches the transition feed for the first
// transition into the set, bounded by the step's timeout. The subscription
// is released on every exit path.
func (w *StateWaiter) Wait(ctx context.Context, ec ExecutionContext, step schema.StateWaitStep) (string, error) {
	if err := step.Validate(); err != nil {
		return "", err
	}
	ctx = logging.WithIDs(ctx, ec.ExecutionID, step.Name, string(ec.Target))
	start := time.Now()
	w.trackStep(ctx, ec, step.Name, schema.StepTypeStateWait, schema.StepStatusRunning, start, nil)
	w.record(ctx, ec, schema.EventWaitStarted, step.Name,
		map[string]any{"target_states": step.TargetStates})

	current, err := w.observer.CurrentState(ctx, ec.Target)
	if err != nil {
		serr := schema.NewErrorf(schema.ErrCodeNotFound, "read state of target %q", ec.Target).WithStep(step.Name).WithCause(err)
		w.finish(ctx, ec, step, start, metrics.OutcomeFailed, serr)
		return "", serr
	}
	if slices.Contains(step.TargetStates, current) {
		w.log.DebugContext(ctx, "target already in desired state", slog.String("state", current))
		w.finish(ctx, ec, step, start, metrics.OutcomeCompleted, nil)
		return current, nil
	}

	feed, unsubscribe, err := w.observer.Transitions(ctx, ec.Target)
	if err != nil {
		serr := schema.NewErrorf(schema.ErrCodeSubscription, "subscribe to transitions of %q", ec.Target).WithStep(step.Name).WithCause(err)
		w.finish(ctx, ec, step, start, metrics.OutcomeFailed, serr)
		return "", serr
	}
	defer unsubscribe()

	// Re-check once after attaching: a transition that landed between the
	// first read and the subscription would otherwise never be observed.
	current, err = w.observer.CurrentState(ctx, ec.Target)
	if err == nil && slices.Contains(step.TargetStates, current) {
		w.finish(ctx, ec, step, start, metrics.OutcomeCompleted, nil)
		return current, nil
	}

	d := newDeadline(step.Timeout)
	for {
		expire, stop, ok := d.tick()
		if !ok {
			terr := schema.NewErrorf(schema.ErrCodeTimeout, "target %q did not reach %v within %s", ec.Target, step.TargetStates, step.Timeout).WithStep(step.Name)
			w.finish(ctx, ec, step, start, metrics.OutcomeTimeout, terr)
			return "", terr
		}

		select {
		case tr, open := <-feed:
			stop()
			if !open {
				serr := schema.NewErrorf(schema.ErrCodeSubscription, "transition feed for %q closed", ec.Target).WithStep(step.Name)
				w.finish(ctx, ec, step, start, metrics.OutcomeFailed, serr)
				return "", serr
			}
			if !slices.Contains(step.TargetStates, tr.To) {
				continue
			}
			w.log.InfoContext(ctx, "target reached desired state",
				slog.String("from", tr.From), slog.String("to", tr.To))
			w.finish(ctx, ec, step, start, metrics.OutcomeCompleted, nil)
			return tr.To, nil

		case <-expire:
			terr := schema.NewErrorf(schema.ErrCodeTimeout, "target %q did not reach %v within %s", ec.Target, step.TargetStates, step.Timeout).WithStep(step.Name)
			w.log.WarnContext(ctx, "state wait timed out", slog.Any("target_states", step.TargetStates))
			w.finish(ctx, ec, step, start, metrics.OutcomeTimeout, terr)
			return "", terr

		case <-ctx.Done():
			stop()
			cerr := schema.NewError(schema.ErrCodeCancelled, "state wait cancelled").WithStep(step.Name).WithCause(ctx.Err())
			w.finish(ctx, ec, step, start, metrics.OutcomeCancelled, cerr)
			return "", cerr
		}
	}
}

func (w *StateWaiter) finish(ctx context.Context, ec ExecutionContext, step schema.StateWaitStep, start time.Time, outcome string, err error) {
	metrics.ObserveStep(string(schema.StepTypeStateWait), outcome, time.Since(start))
	payload := map[string]any{"target_states": step.TargetStates, "outcome": outcome}
	if err != nil {
		payload["error"] = err.Error()
	}
	event := schema.EventWaitCompleted
	if outcome != metrics.OutcomeCompleted {
		event = schema.EventWaitFailed
	}
	w.record(ctx, ec, event, step.Name, payload)
	w.trackStep(ctx, ec, step.Name, schema.StepTypeStateWait, statusFor(outcome), start, err)
}
