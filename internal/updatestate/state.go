package updatestate

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Phase is the update phase of a layer for a given requester
type Phase int

const (
	Idle Phase = iota
	Pending
	Error
	DefinitiveError
	Finished
)

// String returns the phase name used in logs
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Error:
		return "error"
	case DefinitiveError:
		return "definitive_error"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PauseBetweenErrors is the wait applied after repeated equivalent failures.
// The last entry applies to every failure beyond the table.
var PauseBetweenErrors = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	7 * time.Second,
	60 * time.Second,
}

// ErrInvalidTransition is returned when an operation is not allowed from the current phase
var ErrInvalidTransition = errors.New("invalid update state transition")

// FailureRecord holds the diagnostic context of a failed update (HTTP status, target zoom...)
type FailureRecord map[string]any

// Equivalent reports whether both records have the same keys and the same value for every key.
// A nil record is equivalent to an empty one.
func (r FailureRecord) Equivalent(other FailureRecord) bool {
	if len(r) != len(other) {
		return false
	}
	for key, value := range r {
		otherValue, ok := other[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(value, otherValue) {
			return false
		}
	}
	return true
}

// State is the update state of one layer for one requester (e.g. a tile).
// It decides when a new fetch may be attempted after a failure.
type State struct {
	mu                 sync.Mutex
	phase              Phase
	beforeTry          Phase
	lastErrorTimestamp time.Time
	errorCount         uint
	failures           []FailureRecord
}

// New creates an idle update state
func New() *State {
	return &State{}
}

// Phase returns the current phase
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ErrorCount returns the number of failures recorded so far
func (s *State) ErrorCount() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// LastErrorTimestamp returns the time of the last failure, zero after a success
func (s *State) LastErrorTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorTimestamp
}

// FailureCount returns the length of the failure history
func (s *State) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures)
}

// LastFailure returns the most recent failure record, or nil
func (s *State) LastFailure() FailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return nil
	}
	return s.failures[len(s.failures)-1]
}

// InError reports whether the last attempt failed, retriable or not
func (s *State) InError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == Error || s.phase == DefinitiveError
}

// CanTryUpdate reports whether a new attempt is allowed at now
func (s *State) CanTryUpdate(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canTryUpdate(now)
}

func (s *State) canTryUpdate(now time.Time) bool {
	switch s.phase {
	case Idle:
		return true
	case DefinitiveError, Pending, Finished:
		return false
	}

	// A changed failure context is a new request, not a repeat
	if !s.lastTwoEquivalent() {
		return true
	}
	return now.Sub(s.lastErrorTimestamp) >= s.nextTryDelay()
}

// SecondsUntilNextTry returns the backoff in seconds that applies to the current failure
func (s *State) SecondsUntilNextTry() float64 {
	return s.NextTryDelay().Seconds()
}

// NextTryDelay returns the backoff that applies to the current failure.
// It is zero outside the Error phase or when the last two failures differ.
func (s *State) NextTryDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTryDelay()
}

func (s *State) nextTryDelay() time.Duration {
	if s.phase != Error || !s.lastTwoEquivalent() {
		return 0
	}
	idx := int(min(s.errorCount, uint(len(PauseBetweenErrors)))) - 1
	if idx < 0 {
		idx = 0
	}
	return PauseBetweenErrors[idx]
}

// lastTwoEquivalent compares the two most recent failures; missing records count as empty
func (s *State) lastTwoEquivalent() bool {
	var last, beforeLast FailureRecord
	if n := len(s.failures); n > 0 {
		last = s.failures[n-1]
		if n > 1 {
			beforeLast = s.failures[n-2]
		}
	}
	return last.Equivalent(beforeLast)
}

// NewTry marks an attempt as started
func (s *State) NewTry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTry()
}

func (s *State) newTry() error {
	if s.phase != Idle && s.phase != Error {
		return fmt.Errorf("%w: new try from %s", ErrInvalidTransition, s.phase)
	}
	s.beforeTry = s.phase
	s.phase = Pending
	return nil
}

// Begin starts a new attempt if CanTryUpdate allows it at now
func (s *State) Begin(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canTryUpdate(now) {
		return false
	}
	return s.newTry() == nil
}

// Success records a successful attempt
func (s *State) Success() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Pending {
		return fmt.Errorf("%w: success from %s", ErrInvalidTransition, s.phase)
	}
	s.lastErrorTimestamp = time.Time{}
	s.phase = Idle
	return nil
}

// Failure records a failed attempt. Definitive failures are never retried.
func (s *State) Failure(at time.Time, definitive bool, params FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Pending {
		return fmt.Errorf("%w: failure from %s", ErrInvalidTransition, s.phase)
	}
	s.failures = append(s.failures, params)
	s.lastErrorTimestamp = at
	s.errorCount++
	if definitive {
		s.phase = DefinitiveError
	} else {
		s.phase = Error
	}
	return nil
}

// Cancel abandons the attempt in progress without recording a failure. The
// state returns to the phase it had before the attempt, keeping any backoff.
func (s *State) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Pending {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, s.phase)
	}
	s.phase = s.beforeTry
	return nil
}

// NoMoreUpdatePossible moves the state to Finished and drops the failure history
func (s *State) NoMoreUpdatePossible() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
	s.phase = Finished
}
