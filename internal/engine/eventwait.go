package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/beam-bots/bb-reactor/internal/journal"
	"github.com/beam-bots/bb-reactor/internal/logging"
	"github.com/beam-bots/bb-reactor/internal/metrics"
	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// EventWaiter blocks a step until a bus message matches.
type EventWaiter struct {
	recorder
	bus rig.Bus
}

// NewEventWaiter wires the waiter's collaborators. The journal may be nil;
// a nil logger falls back to slog.Default.
func NewEventWaiter(bus rig.Bus, jnl journal.Journal, logger *slog.Logger) *EventWaiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWaiter{recorder: recorder{journal: jnl, log: logger}, bus: bus}
}

// Wait subscribes to the step's path and returns the first message that
// passes the predicate. The deadline is fixed at entry: messages rejected
// by the predicate consume no budget beyond their own processing. The
// subscription is released on every exit path.
func (w *EventWaiter) Wait(ctx context.Context, ec ExecutionContext, step schema.EventWaitStep) (schema.Message, error) {
	if err := step.Validate(); err != nil {
		return schema.Message{}, err
	}
	ctx = logging.WithIDs(ctx, ec.ExecutionID, step.Name, string(ec.Target))
	start := time.Now()
	w.trackStep(ctx, ec, step.Name, schema.StepTypeEventWait, schema.StepStatusRunning, start, nil)
	w.record(ctx, ec, schema.EventWaitStarted, step.Name,
		map[string]any{"path": step.Path, "kinds": step.Kinds})

	msgs, unsubscribe, err := w.bus.Subscribe(ctx, ec.Target, step.Path, rig.SubscribeOptions{Kinds: step.Kinds})
	if err != nil {
		serr := schema.NewErrorf(schema.ErrCodeSubscription, "subscribe to %q", step.Path).WithStep(step.Name).WithCause(err)
		w.finish(ctx, ec, step, start, metrics.OutcomeFailed, serr)
		return schema.Message{}, serr
	}
	defer unsubscribe()

	match := step.Predicate
	if match == nil {
		match = func(schema.Message) bool { return true }
	}

	d := newDeadline(step.Timeout)
	for {
		expire, stop, ok := d.tick()
		if !ok {
			terr := schema.NewErrorf(schema.ErrCodeTimeout, "no matching message on %q within %s", step.Path, step.Timeout).WithStep(step.Name)
			w.finish(ctx, ec, step, start, metrics.OutcomeTimeout, terr)
			return schema.Message{}, terr
		}

		select {
		case msg, open := <-msgs:
			stop()
			if !open {
				serr := schema.NewErrorf(schema.ErrCodeSubscription, "message feed for %q closed", step.Path).WithStep(step.Name)
				w.finish(ctx, ec, step, start, metrics.OutcomeFailed, serr)
				return schema.Message{}, serr
			}
			if !match(msg) {
				w.log.DebugContext(ctx, "message rejected by predicate", slog.String("path", msg.SourcePath))
				continue
			}
			w.log.InfoContext(ctx, "matching message received", slog.String("path", msg.SourcePath))
			w.finish(ctx, ec, step, start, metrics.OutcomeCompleted, nil)
			return msg, nil

		case <-expire:
			terr := schema.NewErrorf(schema.ErrCodeTimeout, "no matching message on %q within %s", step.Path, step.Timeout).WithStep(step.Name)
			w.log.WarnContext(ctx, "event wait timed out", slog.String("path", step.Path))
			w.finish(ctx, ec, step, start, metrics.OutcomeTimeout, terr)
			return schema.Message{}, terr

		case <-ctx.Done():
			stop()
			cerr := schema.NewError(schema.ErrCodeCancelled, "event wait cancelled").WithStep(step.Name).WithCause(ctx.Err())
			w.finish(ctx, ec, step, start, metrics.OutcomeCancelled, cerr)
			return schema.Message{}, cerr
		}
	}
}

func (w *EventWaiter) finish(ctx context.Context, ec ExecutionContext, step schema.EventWaitStep, start time.Time, outcome string, err error) {
	metrics.ObserveStep(string(schema.StepTypeEventWait), outcome, time.Since(start))
	payload := map[string]any{"path": step.Path, "outcome": outcome}
	if err != nil {
		payload["error"] = err.Error()
	}
	event := schema.EventWaitCompleted
	if outcome != metrics.OutcomeCompleted {
		event = schema.EventWaitFailed
	}
	w.record(ctx, ec, event, step.Name, payload)
	w.trackStep(ctx, ec, step.Name, schema.StepTypeEventWait, statusFor(outcome), start, err)
}
