package engine

import (
	"sync"

	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// HandoffCache bridges the race between a worker's termination signal and
// the availability of its result. A worker deposits its outcome at most
// once; the executor that monitors the worker consumes it at most once.
type HandoffCache struct {
	mu       sync.Mutex
	outcomes map[schema.WorkerHandle]schema.Outcome
}

var _ rig.ResultSink = (*HandoffCache)(nil)

// NewHandoffCache creates an empty cache.
func NewHandoffCache() *HandoffCache {
	return &HandoffCache{outcomes: make(map[schema.WorkerHandle]schema.Outcome)}
}

// Put deposits a worker's outcome.
func (c *HandoffCache) Put(worker schema.WorkerHandle, outcome schema.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[worker] = outcome
}

// FetchAndDelete atomically consumes the outcome for a handle. A second
// fetch for the same handle reports absence.
func (c *HandoffCache) FetchAndDelete(worker schema.WorkerHandle) (schema.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	outcome, ok := c.outcomes[worker]
	if ok {
		delete(c.outcomes, worker)
	}
	return outcome, ok
}

// Len reports the number of deposited outcomes not yet consumed.
func (c *HandoffCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}
