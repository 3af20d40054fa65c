package supervisor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateText(t *testing.T) {
	for _, s := range []State{Stopped, Starting, Running, Stopping, Error} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	assert.Error(t, new(State).UnmarshalText([]byte("paused")))
	assert.Equal(t, "State(9)", State(9).String())
}

func TestPrematureExitErrorMatching(t *testing.T) {
	err := fmt.Errorf("start api: %w", &PrematureExitError{ExitCode: 2, Err: errors.New("exit status 2")})
	assert.ErrorIs(t, err, ErrPrematureExit)
	var pe *PrematureExitError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.ExitCode)
	assert.Contains(t, err.Error(), "exit code 2")
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(ErrAlreadyRunning))
	assert.True(t, IsConflict(fmt.Errorf("x: %w", ErrStopping)))
	assert.False(t, IsConflict(ErrStartupTimeout))
}
