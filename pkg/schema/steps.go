package schema

import "time"

// NoTimeout marks a wait as unbounded. Any non-positive timeout means the
// same thing.
const NoTimeout time.Duration = 0

// StepType enumerates the kinds of steps the engine executes.
type StepType string

const (
	StepTypeCommand   StepType = "command"
	StepTypeEventWait StepType = "event_wait"
	StepTypeStateWait StepType = "state_wait"
)

// CommandStep configures one command dispatch against the rig.
type CommandStep struct {
	// Name labels the step in logs, the journal, and error reports.
	Name string `json:"name,omitempty"`
	// Command is the opaque token the rig resolves to a handler.
	Command string `json:"command"`
	// Goal carries the command's resolved arguments.
	Goal map[string]any `json:"goal,omitempty"`
	// Timeout bounds the wait for worker termination; NoTimeout waits
	// forever.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Compensate names the command that undoes this step on rollback.
	// Empty means compensation is a no-op.
	Compensate string `json:"compensate,omitempty"`
}

// Validate checks the step is executable.
func (s CommandStep) Validate() error {
	if s.Command == "" {
		return NewError(ErrCodeValidation, "command step requires a command").WithStep(s.Name)
	}
	return nil
}

// EventWaitStep configures a wait for the first matching bus message.
type EventWaitStep struct {
	Name string `json:"name,omitempty"`
	// Path is the bus topic to subscribe to.
	Path string `json:"path"`
	// Kinds restricts delivery to the listed payload kinds; empty allows
	// every kind.
	Kinds []string `json:"kinds,omitempty"`
	// Timeout bounds the wait; NoTimeout waits forever.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Predicate filters delivered messages; nil accepts the first one.
	Predicate MessagePredicate `json:"-"`
}

// Validate checks the step is executable.
func (s EventWaitStep) Validate() error {
	if s.Path == "" {
		return NewError(ErrCodeValidation, "event wait requires a path").WithStep(s.Name)
	}
	return nil
}

// StateWaitStep configures a wait for the rig to reach one of the target
// states.
type StateWaitStep struct {
	Name string `json:"name,omitempty"`
	// TargetStates is the non-empty set of acceptable states.
	TargetStates []string `json:"target_states"`
	// Timeout bounds the wait; NoTimeout waits forever.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate checks the step is executable.
func (s StateWaitStep) Validate() error {
	if len(s.TargetStates) == 0 {
		return NewError(ErrCodeValidation, "state wait requires at least one target state").WithStep(s.Name)
	}
	return nil
}
