package match

import (
	"io"
	"log/slog"
	"testing"

	"github.com/beam-bots/bb-reactor/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	for _, name := range []string{"cel", "expr", "jq", "schema"} {
		e, err := r.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, e.Name())
	}
	assert.ElementsMatch(t, []string{"cel", "expr", "jq", "schema"}, r.Names())
}

func TestRegistry_UnknownEngine(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	_, err = r.Get("lua")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

// --- Predicate adapter ---

func TestPredicate_Match(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	pred := Predicate(e, `kind == "reading"`, testLogger())
	assert.True(t, pred(testMessage()))
	assert.False(t, pred(schema.Message{SourcePath: "a/b", Kind: "alert"}))
}

func TestPredicate_EvaluationErrorIsNonMatch(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// Non-boolean result is an evaluation error; the predicate must not
	// treat it as a match.
	pred := Predicate(e, `payload.unit`, testLogger())
	assert.False(t, pred(testMessage()))
}

func TestPredicate_NilLogger(t *testing.T) {
	pred := Predicate(NewExprEngine(), `kind == "reading"`, nil)
	assert.True(t, pred(testMessage()))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
