package match

import (
	"context"
	"testing"

	"github.com/beam-bots/bb-reactor/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

// --- Basic matching ---

func TestJQ_KindMatch(t *testing.T) {
	e := NewGoJQEngine()

	t.Run("match", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `.kind == "reading"`, testMessage())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("no match", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `.kind == "alert"`, testMessage())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJQ_PayloadAccess(t *testing.T) {
	e := NewGoJQEngine()

	ok, err := e.Eval(context.Background(), `.payload.value > 20`, testMessage())
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- Truthiness ---

func TestJQ_Truthiness(t *testing.T) {
	e := NewGoJQEngine()

	t.Run("string output is a match", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `.payload.unit`, testMessage())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("null output is a non-match", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `.payload.missing`, testMessage())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty output is a non-match", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `empty`, testMessage())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("select passes the message through", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `select(.kind == "reading")`, testMessage())
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

// --- Errors ---

func TestJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Eval(context.Background(), `.[`, testMessage())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Eval(context.Background(), `error("boom")`, testMessage())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMatch, schema.CodeOf(err))
}

// --- Sandbox ---

func TestJQ_EnvironNotExposed(t *testing.T) {
	t.Setenv("REACTOR_SECRET", "hunter2")
	e := NewGoJQEngine()

	ok, err := e.Eval(context.Background(), `env.REACTOR_SECRET != null`, testMessage())
	require.NoError(t, err)
	assert.False(t, ok)
}
