package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// ExecutionContext identifies one supervised run: the target under
// control, a state snapshot taken when the context was built, and a unique
// execution id. Instances are immutable and shared read-only across the
// run's steps; Refresh returns a new instance rather than mutating.
type ExecutionContext struct {
	Target        schema.RigHandle
	StateSnapshot string
	ExecutionID   string
}

// NewExecutionContext mints a context for a run against one target,
// snapshotting its current state.
func NewExecutionContext(ctx context.Context, observer rig.StateObserver, target schema.RigHandle) (ExecutionContext, error) {
	state, err := observer.CurrentState(ctx, target)
	if err != nil {
		return ExecutionContext{}, schema.NewErrorf(schema.ErrCodeNotFound, "snapshot state of target %q", target).WithCause(err)
	}
	return ExecutionContext{
		Target:        target,
		StateSnapshot: state,
		ExecutionID:   uuid.New().String(),
	}, nil
}

// Refresh returns a new context with an updated state snapshot. The
// execution id is minted once per run and survives the refresh.
func (ec ExecutionContext) Refresh(ctx context.Context, observer rig.StateObserver) (ExecutionContext, error) {
	state, err := observer.CurrentState(ctx, ec.Target)
	if err != nil {
		return ExecutionContext{}, schema.NewErrorf(schema.ErrCodeNotFound, "refresh state of target %q", ec.Target).WithCause(err)
	}
	next := ec
	next.StateSnapshot = state
	return next, nil
}
