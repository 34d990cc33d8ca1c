package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

func TestHandoffCache_SingleConsumer(t *testing.T) {
	c := NewHandoffCache()
	c.Put("w-1", schema.Outcome{Value: 42})

	outcome, ok := c.FetchAndDelete("w-1")
	if !ok {
		t.Fatal("first fetch must find the deposit")
	}
	if outcome.Value != 42 {
		t.Errorf("expected 42, got %v", outcome.Value)
	}

	if _, ok := c.FetchAndDelete("w-1"); ok {
		t.Error("second fetch for the same handle must report absence")
	}
	if c.Len() != 0 {
		t.Errorf("cache must be empty after consume, has %d", c.Len())
	}
}

func TestHandoffCache_MissingHandle(t *testing.T) {
	c := NewHandoffCache()
	if _, ok := c.FetchAndDelete("never-put"); ok {
		t.Error("fetch of an unknown handle must report absence")
	}
}

func TestHandoffCache_ConcurrentFetchExactlyOnce(t *testing.T) {
	c := NewHandoffCache()
	c.Put("w-1", schema.Outcome{Value: "result"})

	var winners int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.FetchAndDelete("w-1"); ok {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one consumer to win, got %d", winners)
	}
}

func TestHandoffCache_IndependentHandles(t *testing.T) {
	c := NewHandoffCache()
	for i := 0; i < 5; i++ {
		c.Put(schema.WorkerHandle(fmt.Sprintf("w-%d", i)), schema.Outcome{Value: i})
	}
	if c.Len() != 5 {
		t.Fatalf("expected 5 deposits, got %d", c.Len())
	}

	outcome, ok := c.FetchAndDelete("w-3")
	if !ok || outcome.Value != 3 {
		t.Errorf("expected deposit 3, got %v (found=%v)", outcome.Value, ok)
	}
	if c.Len() != 4 {
		t.Errorf("consuming one handle must leave the others, has %d", c.Len())
	}
}
