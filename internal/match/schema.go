package match

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// SchemaEngine matches messages whose payload validates against a JSON
// Schema. The expression is the schema document itself; a payload that
// fails validation is a non-match, not an error.
type SchemaEngine struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

var _ Engine = (*SchemaEngine)(nil)

func NewSchemaEngine() (*SchemaEngine, error) {
	return &SchemaEngine{cache: make(map[string]*jsonschema.Schema)}, nil
}

func (e *SchemaEngine) Name() string { return "schema" }

func (e *SchemaEngine) Eval(ctx context.Context, expression string, msg schema.Message) (bool, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	// Round-trip through JSON so numbers arrive as json.Number, which the
	// jsonschema library requires.
	doc, err := toJSONValue(payload)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeMatch, "encode payload for validation: %v", err)
	}

	if err := compiled.Validate(doc); err != nil {
		if _, ok := err.(*jsonschema.ValidationError); ok {
			return false, nil
		}
		return false, schema.NewErrorf(schema.ErrCodeMatch, "validate payload: %v", err)
	}
	return true, nil
}

func (e *SchemaEngine) getOrCompile(schemaJSON string) (*jsonschema.Schema, error) {
	e.mu.RLock()
	compiled, ok := e.cache[schemaJSON]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if compiled, ok := e.cache[schemaJSON]; ok {
		return compiled, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unmarshal schema: %v", err)
	}

	// Each schema gets its own compiler and a unique URL so resources
	// never collide across cache entries.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	url := fmt.Sprintf("reactor://match-schema/%d", len(e.cache))
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "add schema resource: %v", err)
	}

	compiled, err = c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile schema: %v", err)
	}

	e.cache[schemaJSON] = compiled
	return compiled, nil
}

func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
