package match

import (
	"context"
	"testing"

	"github.com/beam-bots/bb-reactor/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

// --- Basic matching ---

func TestExpr_KindMatch(t *testing.T) {
	e := NewExprEngine()

	t.Run("match", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `kind == "reading"`, testMessage())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("no match", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `kind == "alert"`, testMessage())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestExpr_PayloadAccess(t *testing.T) {
	e := NewExprEngine()

	t.Run("numeric comparison", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `payload.value > 20.0`, testMessage())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("logical operators", func(t *testing.T) {
		ok, err := e.Eval(context.Background(), `payload.unit == "C" and payload.value < 30.0`, testMessage())
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestExpr_PathMatch(t *testing.T) {
	e := NewExprEngine()

	ok, err := e.Eval(context.Background(), `path matches "^sensors/"`, testMessage())
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- Errors ---

func TestExpr_NonBooleanExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Eval(context.Background(), `1 + 2`, testMessage())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Eval(context.Background(), `kind ==`, testMessage())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

// --- Caching ---

func TestExpr_RepeatedEvaluationUsesCache(t *testing.T) {
	e := NewExprEngine()

	for i := 0; i < 3; i++ {
		ok, err := e.Eval(context.Background(), `kind == "reading"`, testMessage())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}
