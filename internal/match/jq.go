package match

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// GoJQEngine evaluates jq predicates against messages. The message is the
// query input, so predicates read like `.kind == "alert"` or
// `.payload.count > 3`. jq truthiness applies: null and false are
// non-matches, every other first output is a match, and empty output is a
// non-match.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

var _ Engine = (*GoJQEngine)(nil)

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Eval(ctx context.Context, expression string, msg schema.Message) (bool, error) {
	code, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	// gojq only accepts JSON-shaped values (nil, bool, float64, string,
	// maps, slices). Payloads published by in-process handlers can carry
	// arbitrary Go types, so round-trip the input through JSON first.
	input, err := normalize(messageEnv(msg))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeMatch, "normalize message for jq: %v", err)
	}

	iter := code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if evalErr, isErr := v.(error); isErr {
		return false, schema.NewErrorf(schema.ErrCodeMatch, "evaluate jq expression: %v", evalErr)
	}

	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	default:
		return true, nil
	}
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse jq expression: %v", err)
	}

	// Compile without environment access so predicates cannot read host
	// state.
	code, err = gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile jq expression: %v", err)
	}

	e.cache[expression] = code
	return code, nil
}

func normalize(v map[string]any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
