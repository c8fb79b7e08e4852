package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/credibowpi/bowpiauth/bowpi"
	"github.com/credibowpi/bowpiauth/netwatch"
)

// State classifies the stored session. It is derived fresh on every
// validation pass and never persisted.
type State string

const (
	StateValid        State = "VALID"
	StateExpired      State = "EXPIRED"
	StateCorrupted    State = "CORRUPTED"
	StateMissing      State = "MISSING"
	StateNetworkError State = "NETWORK_ERROR"
	StateUnknown      State = "UNKNOWN"
)

// Recovery strategy names, stable for history entries and metrics.
const (
	StrategyRestoreBackup   = "restore_from_backup"
	StrategyPurgeAndRestore = "purge_and_restore"
	StrategyRefreshToken    = "refresh_token"
	StrategyAwaitNetwork    = "await_network"
	StrategyRevalidate      = "revalidate"
)

const (
	// defaultInterval is the recurring validation cadence.
	defaultInterval = 5 * time.Minute

	// defaultNetworkWait bounds how long the NetworkError strategy waits
	// for connectivity restoration in a single pass.
	defaultNetworkWait = 30 * time.Second
)

// Connectivity is the subset of the network observer the engine needs.
// *netwatch.Observer satisfies it.
type Connectivity interface {
	Current() netwatch.Status
	WaitForConnection(ctx context.Context, timeout time.Duration) bool
	Subscribe() (<-chan netwatch.Status, func())
}

// TokenRefresher exchanges the stored opaque token for a fresh one.
// *bowpi.Client satisfies it.
type TokenRefresher interface {
	Refresh(ctx context.Context, currentToken string) (string, *bowpi.TokenData, error)
}

// Reporter receives recovery observations. The metrics collector
// implements it; tests use a recording fake.
type Reporter interface {
	RecordRecovery(strategy string, success bool)
	RecordSessionState(state string)
}

type nopReporter struct{}

func (nopReporter) RecordRecovery(string, bool) {}
func (nopReporter) RecordSessionState(string)   {}

// Engine is the session recovery state machine. A singleflight group
// guarantees only one recovery pass runs at a time; concurrent triggers
// coalesce onto the in-flight pass.
type Engine struct {
	manager   *Manager
	network   Connectivity
	refresher TokenRefresher
	history   *History
	reporter  Reporter
	logger    *slog.Logger

	interval    time.Duration
	networkWait time.Duration
	now         func() time.Time
	onOutcome   func(Outcome)

	group singleflight.Group
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithInterval overrides the recurring validation cadence.
func WithInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithNetworkWait overrides the bounded connectivity wait.
func WithNetworkWait(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.networkWait = d
		}
	}
}

// WithReporter sets the observability collaborator.
func WithReporter(r Reporter) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithClock overrides the engine clock for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithOutcomeHook registers a callback invoked after every recovery
// pass, coalesced or not. The orchestrator uses it to reconcile its
// in-memory snapshot with whatever the pass decided.
func WithOutcomeHook(fn func(Outcome)) EngineOption {
	return func(e *Engine) { e.onOutcome = fn }
}

// NewEngine wires a recovery engine.
func NewEngine(manager *Manager, network Connectivity, refresher TokenRefresher, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		manager:     manager,
		network:     network,
		refresher:   refresher,
		history:     NewHistory(),
		reporter:    nopReporter{},
		logger:      logger,
		interval:    defaultInterval,
		networkWait: defaultNetworkWait,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// History exposes the bounded recovery history.
func (e *Engine) History() *History { return e.history }

// Stats summarizes the retained recovery history.
func (e *Engine) Stats() Stats { return e.history.Stats() }

// Classify derives the current session state without mutating anything.
// An expired session observed while offline classifies as NetworkError,
// never silently as Valid: the local clock says the token is stale and
// only the backend can fix that.
func (e *Engine) Classify(ctx context.Context) State {
	rec, err := e.manager.Load()

	switch {
	case err == nil && rec == nil:
		return StateMissing
	case errors.Is(err, ErrCorrupted):
		return StateCorrupted
	case err != nil:
		// Storage faults and anything else unclassifiable: the state of
		// the stored session genuinely is not known.
		return StateUnknown
	}

	if rec.ExpiredAt(e.now()) {
		if !e.network.Current().Connected {
			return StateNetworkError
		}

		return StateExpired
	}

	return StateValid
}

// ValidateAndRecover runs one recovery pass. Concurrent callers share
// the in-flight pass and its outcome instead of starting their own.
func (e *Engine) ValidateAndRecover(ctx context.Context) (Outcome, error) {
	v, err, _ := e.group.Do("recover", func() (any, error) {
		return e.recoverOnce(ctx), nil
	})
	if err != nil {
		return Outcome{}, err
	}

	return v.(Outcome), nil
}

// ForceValidateAndRecover runs a pass immediately, without coalescing
// onto an in-flight one.
func (e *Engine) ForceValidateAndRecover(ctx context.Context) Outcome {
	return e.recoverOnce(ctx)
}

func (e *Engine) recoverOnce(ctx context.Context) Outcome {
	prev := e.Classify(ctx)

	var out Outcome

	switch prev {
	case StateMissing:
		out = e.restoreFromBackup(prev)
	case StateCorrupted:
		out = e.purgeAndRestore(prev)
	case StateExpired:
		out = e.refreshExpired(ctx, prev)
	case StateNetworkError:
		out = e.awaitNetwork(ctx, prev)
	default: // Valid, Unknown
		out = e.revalidate(ctx, prev)
	}

	out.ID = uuid.NewString()
	out.RecoveredAt = e.now()

	e.history.Append(out)
	e.reporter.RecordRecovery(out.Strategy, out.Success)
	e.reporter.RecordSessionState(string(out.NewState))

	e.logger.Info("recovery pass finished",
		slog.String("strategy", out.Strategy),
		slog.String("previous_state", string(out.PreviousState)),
		slog.String("new_state", string(out.NewState)),
		slog.Bool("success", out.Success),
	)

	if e.onOutcome != nil {
		e.onOutcome(out)
	}

	return out
}

// restoreFromBackup handles Missing: a structurally valid backup is
// promoted back to the primary record.
func (e *Engine) restoreFromBackup(prev State) Outcome {
	out := Outcome{Strategy: StrategyRestoreBackup, PreviousState: prev, NewState: StateMissing}

	backup, err := e.manager.LoadBackup()
	if err != nil || backup == nil {
		out.Message = "no usable backup record"
		return out
	}

	if err := e.manager.Save(backup); err != nil {
		out.Message = fmt.Sprintf("promoting backup failed: %v", err)
		return out
	}

	out.NewState = StateValid
	out.Success = true
	out.Message = "session restored from backup"

	return out
}

// purgeAndRestore handles Corrupted: delete the primary keys, then run
// the Missing path against the backup.
func (e *Engine) purgeAndRestore(prev State) Outcome {
	if err := e.manager.ClearPrimary(); err != nil {
		return Outcome{
			Strategy:      StrategyPurgeAndRestore,
			PreviousState: prev,
			NewState:      StateCorrupted,
			Message:       fmt.Sprintf("purging corrupted record failed: %v", err),
		}
	}

	out := e.restoreFromBackup(prev)
	out.Strategy = StrategyPurgeAndRestore

	if !out.Success {
		// Primary purged, no backup: the session is simply gone.
		out.NewState = StateMissing
		out.Message = "corrupted record purged; no backup to restore"
	}

	return out
}

// refreshExpired handles Expired, which classification only yields while
// online: exchange the stored token for a fresh one.
func (e *Engine) refreshExpired(ctx context.Context, prev State) Outcome {
	out := Outcome{Strategy: StrategyRefreshToken, PreviousState: prev, NewState: StateExpired}

	rec, err := e.manager.Load()
	if err != nil || rec == nil {
		out.NewState = e.Classify(ctx)
		out.Message = "session disappeared before refresh"

		return out
	}

	if rec.IsPlaceholderToken() {
		out.Message = "migrated session requires a real login, not a refresh"
		return out
	}

	opaque, data, err := e.refresher.Refresh(ctx, rec.EncryptedToken)
	if err != nil {
		out.Message = fmt.Sprintf("refresh failed: %v", err)
		return out
	}

	rec.EncryptedToken = opaque
	rec.UserData = *data
	rec.SessionID = data.SessionID()

	if exp, ok := data.ExpiresAtTime(); ok {
		rec.ExpiresAt = &exp
	} else {
		rec.ExpiresAt = nil
	}

	if err := e.manager.Save(rec); err != nil {
		out.Message = fmt.Sprintf("persisting refreshed token failed: %v", err)
		return out
	}

	out.NewState = e.Classify(ctx)
	out.Success = out.NewState == StateValid
	out.Message = "token refreshed"

	return out
}

// awaitNetwork handles NetworkError: wait (bounded) for connectivity,
// then re-run classification. On timeout the state stands.
func (e *Engine) awaitNetwork(ctx context.Context, prev State) Outcome {
	out := Outcome{Strategy: StrategyAwaitNetwork, PreviousState: prev, NewState: StateNetworkError}

	if !e.network.WaitForConnection(ctx, e.networkWait) {
		out.Message = "connectivity not restored within wait window"
		return out
	}

	out.NewState = e.Classify(ctx)
	out.Success = out.NewState == StateValid
	out.Message = "connectivity restored, session reclassified"

	return out
}

// revalidate handles Valid and Unknown: re-derive the classification.
func (e *Engine) revalidate(ctx context.Context, prev State) Outcome {
	next := e.Classify(ctx)

	return Outcome{
		Strategy:      StrategyRevalidate,
		PreviousState: prev,
		NewState:      next,
		Success:       next == StateValid,
		Message:       "session revalidated",
	}
}

// Run executes the recovery triggers until ctx is cancelled: one pass at
// startup, a recurring timer, and a pass on every network restoration.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.ValidateAndRecover(ctx); err != nil {
		e.logger.Warn("startup recovery pass failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	statusCh, unsubscribe := e.network.Subscribe()
	defer unsubscribe()

	wasConnected := e.network.Current().Connected

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.ValidateAndRecover(ctx); err != nil {
				e.logger.Warn("scheduled recovery pass failed", slog.String("error", err.Error()))
			}
		case st, ok := <-statusCh:
			if !ok {
				return nil
			}

			restored := st.Connected && !wasConnected
			wasConnected = st.Connected

			if restored {
				if _, err := e.ValidateAndRecover(ctx); err != nil {
					e.logger.Warn("network-restore recovery pass failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}
