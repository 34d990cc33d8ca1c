package engine

import (
	"time"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// deadline is the fixed end point of one bounded wait. It is computed once
// when the wait begins; every retry after a non-matching signal derives its
// budget from the same point, so a stream of irrelevant signals can never
// extend the total wait.
type deadline struct {
	at        time.Time
	unlimited bool
}

// newDeadline converts a relative timeout into an absolute deadline.
// Non-positive timeouts (schema.NoTimeout) mean the wait is unbounded.
func newDeadline(timeout time.Duration) deadline {
	if timeout <= schema.NoTimeout {
		return deadline{unlimited: true}
	}
	return deadline{at: time.Now().Add(timeout)}
}

// tick arms a timer for the remaining budget. ok is false once the deadline
// has passed; the caller must then report a timeout without blocking again.
// For an unbounded wait the expiry channel is nil and never fires. stop
// releases the timer and must be called when the select resolves on another
// branch.
func (d deadline) tick() (expire <-chan time.Time, stop func(), ok bool) {
	if d.unlimited {
		return nil, func() {}, true
	}
	rem := time.Until(d.at)
	if rem <= 0 {
		return nil, nil, false
	}
	t := time.NewTimer(rem)
	return t.C, func() { t.Stop() }, true
}
