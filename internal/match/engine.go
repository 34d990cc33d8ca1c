// Package match evaluates message predicates for event wait steps. Four
// engines share one contract: given an expression and a bus message,
// report whether the message qualifies. The evaluation environment exposes
// the message as three variables: path (string), kind (string), and
// payload (object).
package match

import (
	"context"
	"log/slog"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// Engine evaluates one expression language against bus messages.
// Implementations are safe for concurrent use and cache compiled
// expressions.
type Engine interface {
	Name() string
	Eval(ctx context.Context, expression string, msg schema.Message) (bool, error)
}

// messageEnv builds the evaluation environment for a message. A nil
// payload becomes an empty object so expressions can index it safely.
func messageEnv(msg schema.Message) map[string]any {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"path":    msg.SourcePath,
		"kind":    msg.Kind,
		"payload": payload,
	}
}

// Predicate adapts an engine and expression into a step predicate. An
// evaluation error is treated as a non-match and logged: a broken
// predicate must not complete the wait, and the deadline still bounds it.
func Predicate(engine Engine, expression string, logger *slog.Logger) schema.MessagePredicate {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msg schema.Message) bool {
		ok, err := engine.Eval(context.Background(), expression, msg)
		if err != nil {
			logger.Warn("predicate evaluation failed",
				slog.String("engine", engine.Name()),
				slog.String("expression", expression),
				slog.Any("error", err))
			return false
		}
		return ok
	}
}

// Registry holds one instance of every engine, keyed by name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry constructs all engines.
func NewRegistry() (*Registry, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	sch, err := NewSchemaEngine()
	if err != nil {
		return nil, err
	}
	engines := map[string]Engine{}
	for _, e := range []Engine{cel, NewExprEngine(), NewGoJQEngine(), sch} {
		engines[e.Name()] = e
	}
	return &Registry{engines: engines}, nil
}

// Get returns the engine with the given name.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown match engine %q", name)
	}
	return e, nil
}

// Names lists the registered engine names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}
