package schema

// Event type constants for the execution journal.
const (
	EventCommandDispatched = "command_dispatched"
	EventCommandCompleted  = "command_completed"
	EventCommandFailed     = "command_failed"
	EventCommandTimedOut   = "command_timed_out"
	EventCommandHalted     = "command_halted"

	EventCompensationStarted  = "compensation_started"
	EventCompensationFinished = "compensation_finished"

	EventWaitStarted   = "wait_started"
	EventWaitCompleted = "wait_completed"
	EventWaitFailed    = "wait_failed"

	EventScheduleDispatched = "schedule_dispatched"
)

// StepStatus represents the lifecycle state of a step record.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusHalted    StepStatus = "halted"
	StepStatusTimedOut  StepStatus = "timed_out"
)
