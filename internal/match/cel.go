package match

import (
	"context"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// CELEngine evaluates CEL predicates. Programs are compiled once per
// expression and cached; the environment is fixed at construction.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

var _ Engine = (*CELEngine)(nil)

// NewCELEngine builds the CEL environment with the message variables
// declared.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "create CEL environment: %v", err)
	}
	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Eval compiles the expression if needed and evaluates it against the
// message. The expression must produce a boolean.
func (e *CELEngine) Eval(ctx context.Context, expression string, msg schema.Message) (bool, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, messageEnv(msg))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeMatch, "evaluate CEL expression: %v", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeMatch, "CEL expression produced %T, want bool", out.Value())
	}
	return result, nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have compiled it while we waited for the lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile CEL expression: %v", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build CEL program: %v", err)
	}

	e.cache[expression] = prg
	return prg, nil
}
