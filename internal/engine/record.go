package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/beam-bots/bb-reactor/internal/journal"
	"github.com/beam-bots/bb-reactor/internal/metrics"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// recorder is the journal tail shared by the step executors. Every method
// tolerates a nil journal so the engine can run unrecorded; journal
// failures are logged and never fail the step.
type recorder struct {
	journal journal.Journal
	log     *slog.Logger
}

// record appends one event to the execution log.
func (r recorder) record(ctx context.Context, ec ExecutionContext, event, step string, payload map[string]any) {
	if r.journal == nil {
		return
	}
	entry := &journal.Entry{
		ExecutionID: ec.ExecutionID,
		Step:        step,
		Event:       event,
		Payload:     payload,
	}
	if err := r.journal.AppendEntry(ctx, entry); err != nil {
		r.log.WarnContext(ctx, "journal append failed", slog.Any("error", err))
	}
}

// trackStep upserts the step's status row. Unnamed steps are not tracked;
// the status table is keyed by step name.
func (r recorder) trackStep(ctx context.Context, ec ExecutionContext, step string, stepType schema.StepType, status schema.StepStatus, started time.Time, stepErr error) {
	if r.journal == nil || step == "" {
		return
	}
	rec := &journal.StepRecord{
		ExecutionID: ec.ExecutionID,
		Step:        step,
		Type:        string(stepType),
		Status:      string(status),
		StartedAt:   started.UTC(),
	}
	if stepErr != nil {
		rec.Error = stepErr.Error()
	}
	if status != schema.StepStatusRunning {
		now := time.Now().UTC()
		rec.FinishedAt = &now
	}
	if err := r.journal.RecordStep(ctx, rec); err != nil {
		r.log.WarnContext(ctx, "journal step record failed", slog.Any("error", err))
	}
}

// statusFor maps a metric outcome label to the journalled step status.
func statusFor(outcome string) schema.StepStatus {
	switch outcome {
	case metrics.OutcomeCompleted:
		return schema.StepStatusCompleted
	case metrics.OutcomeTimeout:
		return schema.StepStatusTimedOut
	case metrics.OutcomeHalt:
		return schema.StepStatusHalted
	default:
		return schema.StepStatusFailed
	}
}
