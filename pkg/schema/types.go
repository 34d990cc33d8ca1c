package schema

// RigHandle identifies one controlled target system. Opaque to the engine;
// minted and resolved by the rig side.
type RigHandle string

// WorkerHandle identifies one in-flight command invocation on the rig,
// valid from dispatch until its termination is observed.
type WorkerHandle string

// TerminationReason enumerates why a worker stopped.
type TerminationReason string

const (
	// TerminationNormal means the worker ran to completion; its outcome
	// is waiting in the handoff cache.
	TerminationNormal TerminationReason = "normal"
	// TerminationDisarmed means the rig's safety latch dropped: the whole
	// run must halt, not just this step.
	TerminationDisarmed TerminationReason = "disarmed"
	// TerminationCancelled means the worker was cancelled.
	TerminationCancelled TerminationReason = "cancelled"
	// TerminationGone means the worker had already terminated when
	// monitoring began; treated like normal completion.
	TerminationGone TerminationReason = "gone"
)

// Termination is the single signal a worker emits when it stops. Reasons
// outside the named set are crash reasons.
type Termination struct {
	Reason TerminationReason `json:"reason"`
	Detail string            `json:"detail,omitempty"`
}

// Outcome is a worker's computed result as deposited in the handoff cache:
// either a value or an error, never both.
type Outcome struct {
	Value any   `json:"value,omitempty"`
	Err   error `json:"-"`
}

// Message is one delivery from the bus.
type Message struct {
	SourcePath string         `json:"source_path"`
	Kind       string         `json:"kind,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// MessagePredicate decides whether a delivered message satisfies an event
// wait. A nil predicate accepts everything.
type MessagePredicate func(Message) bool

// Transition is one delivery from the rig's state transition feed.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CommandResult is a command step's output on successful completion. The
// caller owns it afterwards; during rollback it is handed back wrapped as
// {"original": result} for the compensating command.
type CommandResult struct {
	Command string         `json:"command"`
	Goal    map[string]any `json:"goal,omitempty"`
	Outcome any            `json:"outcome,omitempty"`
	Target  RigHandle      `json:"target"`
}
