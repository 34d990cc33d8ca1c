package match

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// ExprEngine evaluates expr-lang predicates against messages.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

var _ Engine = (*ExprEngine)(nil)

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Eval(ctx context.Context, expression string, msg schema.Message) (bool, error) {
	program, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	output, err := expr.Run(program, messageEnv(msg))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeMatch, "evaluate expr expression: %v", err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeMatch, "expr expression produced %T, want bool", output)
	}
	return result, nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok := e.cache[expression]; ok {
		return program, nil
	}

	program, err := expr.Compile(expression,
		expr.Env(messageEnv(schema.Message{})),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile expr expression: %v", err)
	}

	e.cache[expression] = program
	return program, nil
}
