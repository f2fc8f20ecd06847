package updatestate_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tile-pipeline/internal/updatestate"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func failOnce(t *testing.T, s *updatestate.State, ts time.Time, definitive bool, params updatestate.FailureRecord) {
	t.Helper()
	require.NoError(t, s.NewTry())
	require.NoError(t, s.Failure(ts, definitive, params))
}

func TestState_IdleIsRetriable(t *testing.T) {
	s := updatestate.New()

	assert.Equal(t, updatestate.Idle, s.Phase())
	assert.True(t, s.CanTryUpdate(t0))
	assert.Zero(t, s.SecondsUntilNextTry())
}

func TestState_PendingIsNotRetriable(t *testing.T) {
	s := updatestate.New()
	require.NoError(t, s.NewTry())

	assert.Equal(t, updatestate.Pending, s.Phase())
	assert.False(t, s.CanTryUpdate(t0))
	assert.False(t, s.CanTryUpdate(at(time.Hour)))
}

func TestState_SuccessReturnsToIdle(t *testing.T) {
	s := updatestate.New()
	failOnce(t, s, t0, false, nil)
	require.True(t, s.Begin(at(2*time.Second)))

	require.NoError(t, s.Success())
	assert.Equal(t, updatestate.Idle, s.Phase())
	assert.True(t, s.LastErrorTimestamp().IsZero())
	assert.False(t, s.InError())
	assert.Equal(t, uint(1), s.ErrorCount())
}

func TestState_SingleFailureBackoff(t *testing.T) {
	s := updatestate.New()
	failOnce(t, s, t0, false, nil)

	assert.True(t, s.InError())
	assert.Equal(t, 1.0, s.SecondsUntilNextTry())
	assert.False(t, s.CanTryUpdate(at(900*time.Millisecond)))
	assert.True(t, s.CanTryUpdate(at(1100*time.Millisecond)))
}

func TestState_EquivalentFailuresEscalate(t *testing.T) {
	params := updatestate.FailureRecord{"status": 500, "targetLevel": 3}
	s := updatestate.New()

	failOnce(t, s, t0, false, params)
	require.True(t, s.Begin(at(1*time.Second)))
	require.NoError(t, s.Failure(at(1500*time.Millisecond), false, updatestate.FailureRecord{"status": 500, "targetLevel": 3}))

	assert.Equal(t, uint(2), s.ErrorCount())
	assert.Equal(t, 3*time.Second, s.NextTryDelay())
	assert.False(t, s.CanTryUpdate(at(4*time.Second)))
	assert.True(t, s.CanTryUpdate(at(4500*time.Millisecond)))
}

func TestState_BackoffCapsAtLastEntry(t *testing.T) {
	params := updatestate.FailureRecord{"status": 503}
	s := updatestate.New()
	ts := t0
	for i := 0; i < 7; i++ {
		require.NoError(t, s.NewTry())
		require.NoError(t, s.Failure(ts, false, params))
		ts = ts.Add(2 * time.Minute)
	}

	assert.Equal(t, uint(7), s.ErrorCount())
	assert.Equal(t, 60.0, s.SecondsUntilNextTry())
}

func TestState_ChangedContextRetriesImmediately(t *testing.T) {
	s := updatestate.New()
	failOnce(t, s, t0, false, updatestate.FailureRecord{"targetLevel": 4})
	require.True(t, s.Begin(at(time.Second)))
	require.NoError(t, s.Failure(at(time.Second), false, updatestate.FailureRecord{"targetLevel": 3}))

	assert.Zero(t, s.NextTryDelay())
	assert.True(t, s.CanTryUpdate(at(time.Second)))
}

func TestState_DefinitiveErrorIsTerminal(t *testing.T) {
	s := updatestate.New()
	failOnce(t, s, t0, true, updatestate.FailureRecord{"status": 404})

	assert.Equal(t, updatestate.DefinitiveError, s.Phase())
	assert.True(t, s.InError())
	assert.False(t, s.CanTryUpdate(at(24*time.Hour)))
	assert.False(t, s.Begin(at(24*time.Hour)))
	assert.Zero(t, s.NextTryDelay())

	err := s.NewTry()
	require.Error(t, err)
	assert.True(t, errors.Is(err, updatestate.ErrInvalidTransition))
	assert.Equal(t, updatestate.DefinitiveError, s.Phase())
}

func TestState_InvalidTransitions(t *testing.T) {
	s := updatestate.New()

	assert.ErrorIs(t, s.Success(), updatestate.ErrInvalidTransition)
	assert.ErrorIs(t, s.Failure(t0, false, nil), updatestate.ErrInvalidTransition)

	require.NoError(t, s.NewTry())
	assert.ErrorIs(t, s.NewTry(), updatestate.ErrInvalidTransition)
	assert.Equal(t, updatestate.Pending, s.Phase())
}

func TestState_Cancel(t *testing.T) {
	s := updatestate.New()
	assert.ErrorIs(t, s.Cancel(), updatestate.ErrInvalidTransition)

	require.NoError(t, s.NewTry())
	require.NoError(t, s.Cancel())
	assert.Equal(t, updatestate.Idle, s.Phase())
	assert.Zero(t, s.ErrorCount())

	// an abandoned retry leaves the failure history alone
	failOnce(t, s, t0, false, updatestate.FailureRecord{"status": 503})
	require.True(t, s.Begin(at(2*time.Second)))
	require.NoError(t, s.Cancel())
	assert.Equal(t, updatestate.Error, s.Phase())
	assert.Equal(t, uint(1), s.ErrorCount())
	assert.Equal(t, 1, s.FailureCount())
	assert.Equal(t, t0, s.LastErrorTimestamp())
}

func TestState_NoMoreUpdatePossible(t *testing.T) {
	s := updatestate.New()
	failOnce(t, s, t0, false, updatestate.FailureRecord{"status": 500})
	require.Equal(t, 1, s.FailureCount())

	s.NoMoreUpdatePossible()

	assert.Equal(t, updatestate.Finished, s.Phase())
	assert.Zero(t, s.FailureCount())
	assert.Nil(t, s.LastFailure())
	assert.False(t, s.CanTryUpdate(at(time.Hour)))
	assert.ErrorIs(t, s.NewTry(), updatestate.ErrInvalidTransition)
}

func TestState_TransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		steps func(s *updatestate.State) error
		want  updatestate.Phase
	}{
		{"new try", func(s *updatestate.State) error { return s.NewTry() }, updatestate.Pending},
		{"success", func(s *updatestate.State) error {
			if err := s.NewTry(); err != nil {
				return err
			}
			return s.Success()
		}, updatestate.Idle},
		{"transient failure", func(s *updatestate.State) error {
			if err := s.NewTry(); err != nil {
				return err
			}
			return s.Failure(t0, false, nil)
		}, updatestate.Error},
		{"retry after error", func(s *updatestate.State) error {
			if err := s.NewTry(); err != nil {
				return err
			}
			if err := s.Failure(t0, false, nil); err != nil {
				return err
			}
			return s.NewTry()
		}, updatestate.Pending},
		{"definitive failure", func(s *updatestate.State) error {
			if err := s.NewTry(); err != nil {
				return err
			}
			return s.Failure(t0, true, nil)
		}, updatestate.DefinitiveError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := updatestate.New()
			require.NoError(t, tt.steps(s))
			assert.Equal(t, tt.want, s.Phase())
		})
	}
}

func TestFailureRecord_Equivalent(t *testing.T) {
	tests := []struct {
		name string
		a, b updatestate.FailureRecord
		want bool
	}{
		{"both nil", nil, nil, true},
		{"nil and empty", nil, updatestate.FailureRecord{}, true},
		{"same values", updatestate.FailureRecord{"status": 500, "url": "u"}, updatestate.FailureRecord{"url": "u", "status": 500}, true},
		{"different value", updatestate.FailureRecord{"status": 500}, updatestate.FailureRecord{"status": 502}, false},
		{"different keys", updatestate.FailureRecord{"status": 500}, updatestate.FailureRecord{"code": 500}, false},
		{"extra key", updatestate.FailureRecord{"status": 500}, updatestate.FailureRecord{"status": 500, "url": "u"}, false},
		{"nested", updatestate.FailureRecord{"h": []string{"a"}}, updatestate.FailureRecord{"h": []string{"a"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equivalent(tt.b))
			assert.Equal(t, tt.want, tt.b.Equivalent(tt.a))
		})
	}
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "definitive_error", updatestate.DefinitiveError.String())
	assert.Equal(t, "phase(42)", updatestate.Phase(42).String())
}
