// Package rig defines the narrow interfaces the engine consumes from the
// controlled target system: command dispatch, the telemetry bus, state
// observation, and the safety sink. A full in-memory rig backs tests and
// the demo binary.
package rig

import (
	"context"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// SubscribeOptions narrows a bus subscription.
type SubscribeOptions struct {
	// Kinds is an allow-list of payload kinds; empty admits every kind.
	Kinds []string
}

// Commander dispatches commands and controls the resulting workers.
type Commander interface {
	// Invoke resolves command on the rig and starts a worker for it. A
	// dispatched worker emits exactly one termination signal.
	Invoke(ctx context.Context, target schema.RigHandle, command string, goal map[string]any) (schema.WorkerHandle, error)

	// Watch returns the worker's termination signal: a buffered channel
	// resolved exactly once. Watching a worker that already terminated
	// (or was never known) yields TerminationGone immediately. At most
	// one caller may watch a given worker.
	Watch(worker schema.WorkerHandle) <-chan schema.Termination

	// Cancel requests the worker stop. Idempotent; safe on an
	// already-terminated handle.
	Cancel(ctx context.Context, worker schema.WorkerHandle) error
}

// Bus is the publish/subscribe side of the rig. The returned cancel func
// is the unsubscription; it must be called exactly once per subscription
// and is safe to call more than once.
type Bus interface {
	Subscribe(ctx context.Context, target schema.RigHandle, path string, opts SubscribeOptions) (<-chan schema.Message, func(), error)
}

// StateObserver exposes the rig's observable state machine.
type StateObserver interface {
	CurrentState(ctx context.Context, target schema.RigHandle) (string, error)
	Transitions(ctx context.Context, target schema.RigHandle) (<-chan schema.Transition, func(), error)
}

// SafetySink records halt events for safety policy.
// Fire-and-forget: implementations must not block the caller meaningfully
// and the caller never learns whether the report landed.
type SafetySink interface {
	ReportError(target schema.RigHandle, path string, err error)
}

// ResultSink is where the worker side deposits computed outcomes. The
// engine's handoff cache implements it; each worker writes at most once.
type ResultSink interface {
	Put(worker schema.WorkerHandle, outcome schema.Outcome)
}

// Rig bundles the full capability set a backend provides.
type Rig interface {
	Commander
	Bus
	StateObserver
	SafetySink
}
