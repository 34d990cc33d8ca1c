package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandStep_Valid(t *testing.T) {
	s := CommandStep{Name: "grip", Command: "gripper.close"}
	assert.NoError(t, s.Validate())
}

func TestCommandStep_MissingCommand(t *testing.T) {
	s := CommandStep{Name: "grip"}

	err := s.Validate()
	require.Error(t, err)

	rerr, ok := err.(*ReactorError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, rerr.Code)
	assert.Equal(t, "grip", rerr.Step)
}

func TestEventWaitStep_Valid(t *testing.T) {
	s := EventWaitStep{Path: "sensors/temp", Kinds: []string{"reading"}}
	assert.NoError(t, s.Validate())
}

func TestEventWaitStep_MissingPath(t *testing.T) {
	s := EventWaitStep{Name: "warm-up"}

	err := s.Validate()
	require.Error(t, err)

	rerr, ok := err.(*ReactorError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, rerr.Code)
	assert.Equal(t, "warm-up", rerr.Step)
}

func TestStateWaitStep_Valid(t *testing.T) {
	s := StateWaitStep{TargetStates: []string{"idle", "holding"}}
	assert.NoError(t, s.Validate())
}

func TestStateWaitStep_EmptyTargetSet(t *testing.T) {
	s := StateWaitStep{Name: "settle"}

	err := s.Validate()
	require.Error(t, err)

	rerr, ok := err.(*ReactorError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, rerr.Code)
	assert.Equal(t, "settle", rerr.Step)
}
