// Package engine implements the step executors at the core of a reactor
// run: dispatching commands against the rig and awaiting their
// termination, waiting for bus messages, and waiting for state
// transitions. All three share one bounded-wait discipline: the deadline
// is fixed when the wait begins and never moves, no matter how many
// non-matching signals arrive before it.
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

// compensationTimeout bounds every compensation worker. It is deliberately
// not configurable and independent of the step's own timeout: an unlimited
// forward step must not imply an unlimited undo, or a stuck compensation
// worker would deadlock the rollback flow.
var compensationTimeout = 30 * time.Second

// CommandExecutor runs command steps: dispatch a command to the rig,
// monitor the resulting worker, interpret its termination reason, retrieve
// the result through the handoff cache, and compensate on rollback.
type CommandExecutor struct {
	recorder
	commander rig.Commander
	cache     *HandoffCache
	safety    rig.SafetySink
}

// NewCommandExecutor wires the executor's collaborators. The safety sink
// and journal may be nil; a nil logger falls back to slog.Default.
func NewCommandExecutor(commander rig.Commander, cache *HandoffCache, safety rig.SafetySink, jnl journal.Journal, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{
		recorder:  recorder{journal: jnl, log: logger},
		commander: commander,
		cache:     cache,
		safety:    safety,
	}
}

// Execute runs one command step to a terminal outcome.
//
// The worker's termination reason maps onto the outcome as follows:
// disarmed halts the whole run, cancelled is a cancellation error, normal
// termination (or a worker already gone when monitoring began) resolves
// through the handoff cache, and anything else is a crash. If the deadline
// elapses first the worker is cancelled rather than orphaned.
func (e *CommandExecutor) Execute(ctx context.Context, ec ExecutionContext, step schema.CommandStep) (schema.CommandResult, error) {
	if err := step.Validate(); err != nil {
		return schema.CommandResult{}, err
	}
	ctx = logging.WithIDs(ctx, ec.ExecutionID, step.Name, string(ec.Target))
	start := time.Now()
	e.trackStep(ctx, ec, step.Name, schema.StepTypeCommand, schema.StepStatusRunning, start, nil)

	worker, err := e.commander.Invoke(ctx, ec.Target, step.Command, step.Goal)
	if err != nil {
		derr := schema.NewErrorf(schema.ErrCodeDispatch, "dispatch command %q", step.Command).WithStep(step.Name).WithCause(err)
		e.finish(ctx, ec, step, start, metrics.OutcomeFailed, schema.EventCommandFailed, derr)
		return schema.CommandResult{}, derr
	}
	e.log.InfoContext(ctx, "command dispatched",
		slog.String("command", step.Command), slog.String("worker", string(worker)))
	e.record(ctx, ec, schema.EventCommandDispatched, step.Name,
		map[string]any{"command": step.Command, "worker": string(worker)})

	term, timedOut, waitErr := awaitTermination(ctx, e.commander.Watch(worker), newDeadline(step.Timeout))
	switch {
	case waitErr != nil:
		e.cancelWorker(ctx, worker)
		cerr := schema.NewError(schema.ErrCodeCancelled, "command wait cancelled").WithStep(step.Name).WithCause(waitErr)
		e.finish(ctx, ec, step, start, metrics.OutcomeCancelled, schema.EventCommandFailed, cerr)
		return schema.CommandResult{}, cerr
	case timedOut:
		// Never leave the worker orphaned.
		e.cancelWorker(ctx, worker)
		terr := schema.NewErrorf(schema.ErrCodeTimeout, "command %q timed out after %s", step.Command, step.Timeout).WithStep(step.Name)
		e.log.WarnContext(ctx, "command timed out", slog.String("command", step.Command))
		e.finish(ctx, ec, step, start, metrics.OutcomeTimeout, schema.EventCommandTimedOut, terr)
		return schema.CommandResult{}, terr
	}

	switch term.Reason {
	case schema.TerminationDisarmed:
		herr := schema.NewError(schema.ErrCodeHalt, "rig disarmed during command").WithStep(step.Name)
		if term.Detail != "" {
			herr = herr.WithDetails(map[string]any{"detail": term.Detail})
		}
		e.log.WarnContext(ctx, "rig disarmed, halting run", slog.String("detail", term.Detail))
		e.reportSafety(ec, step.Name, herr)
		e.finish(ctx, ec, step, start, metrics.OutcomeHalt, schema.EventCommandHalted, herr)
		return schema.CommandResult{}, herr

	case schema.TerminationCancelled:
		cerr := schema.NewErrorf(schema.ErrCodeCancelled, "command %q cancelled", step.Command).WithStep(step.Name)
		e.finish(ctx, ec, step, start, metrics.OutcomeCancelled, schema.EventCommandFailed, cerr)
		return schema.CommandResult{}, cerr

	case schema.TerminationNormal, schema.TerminationGone:
		outcome, found := e.cache.FetchAndDelete(worker)
		if !found {
			nerr := schema.NewErrorf(schema.ErrCodeResultNotFound, "worker %s terminated without a result", worker).WithStep(step.Name)
			e.finish(ctx, ec, step, start, metrics.OutcomeFailed, schema.EventCommandFailed, nerr)
			return schema.CommandResult{}, nerr
		}
		if outcome.Err != nil {
			e.finish(ctx, ec, step, start, metrics.OutcomeFailed, schema.EventCommandFailed, outcome.Err)
			return schema.CommandResult{}, outcome.Err
		}
		result := schema.CommandResult{
			Command: step.Command,
			Goal:    step.Goal,
			Outcome: outcome.Value,
			Target:  ec.Target,
		}
		e.log.InfoContext(ctx, "command completed", slog.String("command", step.Command))
		e.finish(ctx, ec, step, start, metrics.OutcomeCompleted, schema.EventCommandCompleted, nil)
		return result, nil

	default:
		crerr := schema.NewErrorf(schema.ErrCodeCrashed, "command worker crashed: %s", term.Reason).WithStep(step.Name)
		if term.Detail != "" {
			crerr = crerr.WithDetails(map[string]any{"detail": term.Detail})
		}
		e.log.WarnContext(ctx, "command worker crashed",
			slog.String("reason", string(term.Reason)), slog.String("detail", term.Detail))
		e.finish(ctx, ec, step, start, metrics.OutcomeCrashed, schema.EventCommandFailed, crerr)
		return schema.CommandResult{}, crerr
	}
}

// Compensate runs the step's undo command with the prior result wrapped as
// its input. A step with no compensation configured is a no-op success.
// The wait is bounded by a fixed budget so rollback cannot stall on a
// stuck compensation worker; on expiry the worker is cancelled.
func (e *CommandExecutor) Compensate(ctx context.Context, ec ExecutionContext, step schema.CommandStep, prior schema.CommandResult) error {
	if step.Compensate == "" {
		return nil
	}
	ctx = logging.WithIDs(ctx, ec.ExecutionID, step.Name, string(ec.Target))
	e.record(ctx, ec, schema.EventCompensationStarted, step.Name,
		map[string]any{"command": step.Compensate})

	goal := map[string]any{"original": prior}
	worker, err := e.commander.Invoke(ctx, ec.Target, step.Compensate, goal)
	if err != nil {
		cerr := schema.NewErrorf(schema.ErrCodeCompensation, "dispatch compensation %q", step.Compensate).WithStep(step.Name).WithCause(err)
		e.compensationDone(ctx, ec, step, metrics.OutcomeFailed, cerr)
		return cerr
	}
	e.log.InfoContext(ctx, "compensation dispatched",
		slog.String("command", step.Compensate), slog.String("worker", string(worker)))

	term, timedOut, waitErr := awaitTermination(ctx, e.commander.Watch(worker), newDeadline(compensationTimeout))
	switch {
	case waitErr != nil:
		e.cancelWorker(ctx, worker)
		cerr := schema.NewError(schema.ErrCodeCompensation, "compensation wait cancelled").WithStep(step.Name).WithCause(waitErr)
		e.compensationDone(ctx, ec, step, metrics.OutcomeFailed, cerr)
		return cerr
	case timedOut:
		e.cancelWorker(ctx, worker)
		terr := schema.NewErrorf(schema.ErrCodeCompensationTimeout, "compensation %q timed out after %s", step.Compensate, compensationTimeout).WithStep(step.Name)
		e.log.WarnContext(ctx, "compensation timed out", slog.String("command", step.Compensate))
		e.compensationDone(ctx, ec, step, metrics.OutcomeTimeout, terr)
		return terr
	}

	switch term.Reason {
	case schema.TerminationNormal, schema.TerminationGone:
		// Compensation results are not consumed; drop the deposit so the
		// cache stays ephemeral.
		e.cache.FetchAndDelete(worker)
		e.log.InfoContext(ctx, "compensation completed", slog.String("command", step.Compensate))
		e.compensationDone(ctx, ec, step, metrics.OutcomeCompleted, nil)
		return nil
	default:
		ferr := schema.NewErrorf(schema.ErrCodeCompensation, "compensation worker terminated: %s", term.Reason).WithStep(step.Name)
		if term.Detail != "" {
			ferr = ferr.WithDetails(map[string]any{"detail": term.Detail})
		}
		e.log.WarnContext(ctx, "compensation failed", slog.String("reason", string(term.Reason)))
		e.compensationDone(ctx, ec, step, metrics.OutcomeFailed, ferr)
		return ferr
	}
}

// awaitTermination runs one bounded wait for a worker's termination signal.
// timedOut is true when the deadline elapsed, or when the budget was
// already spent before the wait could block. err is non-nil only when the
// caller's context was cancelled.
func awaitTermination(ctx context.Context, termCh <-chan schema.Termination, d deadline) (term schema.Termination, timedOut bool, err error) {
	expire, stop, ok := d.tick()
	if !ok {
		return schema.Termination{}, true, nil
	}
	select {
	case term = <-termCh:
		stop()
		return term, false, nil
	case <-expire:
		return schema.Termination{}, true, nil
	case <-ctx.Done():
		stop()
		return schema.Termination{}, false, ctx.Err()
	}
}

// cancelWorker issues a best-effort cancellation on a context detached
// from the step's own cancellation, so the request still goes out when the
// step itself was cancelled.
func (e *CommandExecutor) cancelWorker(ctx context.Context, worker schema.WorkerHandle) {
	if err := e.commander.Cancel(context.WithoutCancel(ctx), worker); err != nil {
		e.log.WarnContext(ctx, "worker cancellation failed",
			slog.String("worker", string(worker)), slog.Any("error", err))
	}
}

func (e *CommandExecutor) reportSafety(ec ExecutionContext, step string, err error) {
	if e.safety == nil {
		return
	}
	e.safety.ReportError(ec.Target, "steps/"+step, err)
}

func (e *CommandExecutor) finish(ctx context.Context, ec ExecutionContext, step schema.CommandStep, start time.Time, outcome, event string, err error) {
	metrics.ObserveStep(string(schema.StepTypeCommand), outcome, time.Since(start))
	payload := map[string]any{"command": step.Command, "outcome": outcome}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.record(ctx, ec, event, step.Name, payload)
	e.trackStep(ctx, ec, step.Name, schema.StepTypeCommand, statusFor(outcome), start, err)
}

func (e *CommandExecutor) compensationDone(ctx context.Context, ec ExecutionContext, step schema.CommandStep, outcome string, err error) {
	metrics.ObserveCompensation(outcome)
	payload := map[string]any{"command": step.Compensate, "outcome": outcome}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.record(ctx, ec, schema.EventCompensationFinished, step.Name, payload)
}
