// Package updater drives tile updates on behalf of requesters, gating retries
// with one update state per requester and layer.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/layer"
	"tile-pipeline/internal/metrics"
	"tile-pipeline/internal/provider"
	"tile-pipeline/internal/tms"
	"tile-pipeline/internal/updatestate"
)

var (
	// ErrRetryLater is matched by errors returned while the backoff has not elapsed
	ErrRetryLater = errors.New("update not allowed yet")
	// ErrNoMoreUpdates is returned once the layer is finished or failed for good
	ErrNoMoreUpdates = errors.New("no more updates possible")
)

// RetryLaterError tells when the next attempt may be made
type RetryLaterError struct {
	Phase updatestate.Phase
	Delay time.Duration
}

func (e *RetryLaterError) Error() string {
	return fmt.Sprintf("%v: %s, retry in %s", ErrRetryLater, e.Phase, e.Delay)
}

func (e *RetryLaterError) Is(target error) bool {
	return target == ErrRetryLater
}

// Failure record keys
const (
	ParamStatus      = "status"
	ParamTargetLevel = "targetLevel"
	ParamURL         = "url"
)

// Requester is anything asking for tiles, typically one tile of a view
type Requester struct {
	ID      string
	Address tms.Address
}

// NewRequester creates a requester with a random ID
func NewRequester(addr tms.Address) Requester {
	return Requester{ID: uuid.NewString(), Address: addr}
}

// Executor runs provider commands
type Executor interface {
	Plan(cmd provider.Command) (provider.Plan, error)
	Execute(ctx context.Context, cmd provider.Command) (common.Result, error)
}

// Telemetry receives notable events
type Telemetry interface {
	Capture(event string, properties map[string]any)
}

// Config configures an Updater
type Config struct {
	Executor  Executor
	Telemetry Telemetry
	Clock     func() time.Time
	Logger    *slog.Logger
}

type stateKey struct {
	requester string
	layer     string
}

// Updater owns the update states of every requester
type Updater struct {
	exec      Executor
	telemetry Telemetry
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	states map[stateKey]*updatestate.State
}

// New creates an updater
func New(cfg Config) *Updater {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Updater{
		exec:      cfg.Executor,
		telemetry: cfg.Telemetry,
		now:       cfg.Clock,
		logger:    cfg.Logger.With("component", "updater"),
		states:    make(map[stateKey]*updatestate.State),
	}
}

// State returns the update state of layerID for req, creating it idle
func (u *Updater) State(req Requester, layerID string) *updatestate.State {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := stateKey{requester: req.ID, layer: layerID}
	st, ok := u.states[key]
	if !ok {
		st = updatestate.New()
		u.states[key] = st
	}
	return st
}

// Release discards the states of req. Work in flight for it keeps running
// for other requesters sharing the resource.
func (u *Updater) Release(req Requester) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for key := range u.states {
		if key.requester == req.ID {
			delete(u.states, key)
		}
	}
}

// Len returns the number of tracked states
func (u *Updater) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.states)
}

// Update fetches the tile of req for l at targetLevel if its state allows it.
//
// A success at the native level finishes the layer for the requester; a
// success through an ancestor leaves it idle so a finer level can follow.
func (u *Updater) Update(ctx context.Context, req Requester, l *layer.Layer, targetLevel uint32) (common.Result, error) {
	st := u.State(req, l.ID)

	if !st.Begin(u.now()) {
		phase := st.Phase()
		switch phase {
		case updatestate.Finished, updatestate.DefinitiveError:
			return nil, fmt.Errorf("%w: layer '%s' is %s for %s", ErrNoMoreUpdates, l.ID, phase, req.Address)
		}
		return nil, &RetryLaterError{Phase: phase, Delay: u.remaining(st)}
	}

	cmd := provider.Command{Layer: l, Address: req.Address, TargetLevel: targetLevel}
	res, err := u.exec.Execute(ctx, cmd)
	if err != nil {
		// the caller went away, the resource did not fail
		if ctx.Err() != nil {
			if cerr := st.Cancel(); cerr != nil {
				u.logger.Error("failed to cancel attempt", "layer", l.ID, "tile", req.Address, "error", cerr)
			}
			return nil, err
		}
		u.fail(st, req, l, cmd, err)
		return nil, err
	}

	if err := st.Success(); err != nil {
		return nil, err
	}
	if targetLevel >= req.Address.Zoom {
		st.NoMoreUpdatePossible()
	}
	metrics.UpdatesTotal.WithLabelValues(l.ID, metrics.ResultSuccess).Inc()
	return res, nil
}

func (u *Updater) fail(st *updatestate.State, req Requester, l *layer.Layer, cmd provider.Command, err error) {
	plan, _ := u.exec.Plan(cmd)
	params := updatestate.FailureRecord{
		ParamStatus:      provider.StatusCode(err),
		ParamTargetLevel: cmd.TargetLevel,
		ParamURL:         plan.URL,
	}
	definitive := provider.IsDefinitive(err)
	if ferr := st.Failure(u.now(), definitive, params); ferr != nil {
		u.logger.Error("failed to record failure", "layer", l.ID, "tile", req.Address, "error", ferr)
		return
	}

	result := metrics.ResultTransient
	if definitive {
		result = metrics.ResultDefinitive
	}
	metrics.UpdatesTotal.WithLabelValues(l.ID, result).Inc()

	u.logger.Debug("update failed",
		"layer", l.ID,
		"tile", req.Address,
		"target", cmd.TargetLevel,
		"definitive", definitive,
		"errors", st.ErrorCount(),
		"error", err,
	)

	if definitive && u.telemetry != nil {
		u.telemetry.Capture("tile_definitive_failure", map[string]any{
			"layer":       l.ID,
			"zoom":        req.Address.Zoom,
			"targetLevel": cmd.TargetLevel,
			"status":      params[ParamStatus],
		})
	}
}

// remaining returns how long the backoff of st still runs
func (u *Updater) remaining(st *updatestate.State) time.Duration {
	if st.Phase() != updatestate.Error {
		return 0
	}
	return max(st.NextTryDelay()-u.now().Sub(st.LastErrorTimestamp()), 0)
}
