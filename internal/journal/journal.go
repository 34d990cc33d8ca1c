// Package journal persists the reactor's execution history: an append-only
// event log per execution, the latest status of every step, and the cron
// schedules the dispatcher runs from. The libSQL implementation is the only
// one shipped; the interface keeps the engine and MCP layer runnable
// without a database.
package journal

import "context"

// Journal is the persistence boundary for execution history and schedules.
type Journal interface {
	// AppendEntry appends one event to an execution's log, assigning the
	// next sequence number for that execution. The entry's Sequence field
	// is set on return.
	AppendEntry(ctx context.Context, entry *Entry) error
	// ListEntries returns an execution's log entries with sequence greater
	// than since, in sequence order.
	ListEntries(ctx context.Context, executionID string, since int64) ([]*Entry, error)

	// RecordStep inserts or replaces the status row for one step of an
	// execution.
	RecordStep(ctx context.Context, rec *StepRecord) error
	// ListSteps returns an execution's step rows ordered by start time.
	ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error)

	SaveSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id string) error

	Close() error
}
