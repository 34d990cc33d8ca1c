package journal

import "time"

// Entry is one record in an execution's append-only event log.
type Entry struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Step        string         `json:"step,omitempty"`
	Event       string         `json:"event"`
	Payload     map[string]any `json:"payload,omitempty"`
	Sequence    int64          `json:"sequence"`
	CreatedAt   time.Time      `json:"created_at"`
}

// StepRecord is the latest known status of one step within an execution.
type StepRecord struct {
	ExecutionID string     `json:"execution_id"`
	Step        string     `json:"step"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Schedule is a cron-triggered command dispatch.
type Schedule struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	CronExpression string         `json:"cron_expression"`
	Target         string         `json:"target"`
	Command        string         `json:"command"`
	Goal           map[string]any `json:"goal,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Target  string `json:"target,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
