// Package bowpiauth is the authentication and session-lifecycle core
// for applications backed by the Bowpi identity service. It negotiates
// opaque server-issued credentials, signs every request with the OTP +
// HMAC proof-of-possession scheme, persists an encrypted session for
// offline-first operation, and runs a recovery state machine that
// repairs corrupted, expired, or missing sessions.
//
// The Service façade is the only owner of the mutable authenticated
// state. Components are wired explicitly at startup; there are no
// package-level singletons.
package bowpiauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/credibowpi/bowpiauth/autherr"
	"github.com/credibowpi/bowpiauth/bowpi"
	"github.com/credibowpi/bowpiauth/config"
	"github.com/credibowpi/bowpiauth/logging"
	"github.com/credibowpi/bowpiauth/metrics"
	"github.com/credibowpi/bowpiauth/netwatch"
	"github.com/credibowpi/bowpiauth/securestore"
	"github.com/credibowpi/bowpiauth/session"
)

// snapshotBuffer is the per-subscriber channel depth for auth-state
// notifications.
const snapshotBuffer = 4

// Transport is the subset of the Bowpi client the orchestrator needs.
// *bowpi.Client satisfies it; tests substitute a fake.
type Transport interface {
	Login(ctx context.Context, identifier, secret string) (string, *bowpi.TokenData, error)
	Refresh(ctx context.Context, currentToken string) (string, *bowpi.TokenData, error)
	InvalidateSession(ctx context.Context, sessionID, token string) error
}

// Network is the connectivity surface the orchestrator needs.
// *netwatch.Observer satisfies it.
type Network interface {
	Current() netwatch.Status
	SuitableForAuth() bool
	Subscribe() (<-chan netwatch.Status, func())
	WaitForConnection(ctx context.Context, timeout time.Duration) bool
}

// Snapshot is the immutable authenticated-state view published to
// subscribers. User is a copy; mutating it affects nothing.
type Snapshot struct {
	Authenticated bool
	NeedsReauth   bool
	SessionID     string
	User          *bowpi.TokenData
	ChangedAt     time.Time
}

// Service is the top-level façade: login, logout, session checks, token
// refresh, and the recovery loop. It owns the single in-memory
// authenticated snapshot; every read and write of shared auth state
// goes through it.
type Service struct {
	transport Transport
	network   Network
	store     *securestore.Store
	manager   *session.Manager
	engine    *session.Engine
	migrator  *session.Migrator
	policy    *autherr.RetryPolicy
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	// retryWait sleeps between automatic retry attempts, honoring ctx.
	retryWait func(ctx context.Context, d time.Duration) error

	// runners are background loops started by Start, typically the
	// network observer poll loop when the service constructed it.
	runners []func(ctx context.Context) error

	ownsStore bool

	mu       sync.Mutex
	snapshot Snapshot
	subs     map[int]chan Snapshot
	nextSub  int
}

// ServiceOption customizes construction, mainly for substituting fakes
// in tests.
type ServiceOption func(*Service)

// WithTransport overrides the Bowpi transport.
func WithTransport(t Transport) ServiceOption {
	return func(s *Service) { s.transport = t }
}

// WithNetwork overrides the connectivity observer.
func WithNetwork(n Network) ServiceOption {
	return func(s *Service) { s.network = n }
}

// WithStore overrides the secure store. The caller keeps ownership and
// Close will not close it.
func WithStore(st *securestore.Store) ServiceOption {
	return func(s *Service) {
		s.store = st
		s.ownsStore = false
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the service clock for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// New wires the authentication core from configuration. Components not
// overridden by options are constructed here: the secure store at
// cfg.StorePath, the Bowpi client, and a dial-probe network observer
// against the backend host.
func New(cfg *config.Config, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		recorder:  metrics.NopRecorder{},
		now:       time.Now,
		subs:      make(map[int]chan Snapshot),
		ownsStore: true,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logging.NewLogger(cfg.Environment)
	}

	if s.retryWait == nil {
		s.retryWait = sleepRetryWait
	}

	if s.store == nil {
		store, err := securestore.Open(cfg.StorePath, cfg.StorePassphrase, cfg.StoreSalt)
		if err != nil {
			return nil, fmt.Errorf("opening secure store: %w", err)
		}

		s.store = store
	}

	s.manager = session.NewManager(s.store, logging.For(s.logger, "session"))
	s.migrator = session.NewMigrator(s.manager, logging.For(s.logger, "migration"))
	s.policy = autherr.NewRetryPolicy(autherr.WithRetryBudget(cfg.RetryMax, cfg.RetryWindow))

	if s.transport == nil {
		hmacSecret, err := cfg.HMACSecretBytes()
		if err != nil {
			return nil, err
		}

		tokenKey, err := cfg.TokenKeyBytes()
		if err != nil {
			return nil, err
		}

		client, err := bowpi.NewClient(bowpi.ClientConfig{
			BaseURL:         cfg.BaseURL,
			BasicCredential: cfg.BasicCredential,
			HMACSecret:      hmacSecret,
			TokenKey:        tokenKey,
			AllowedDomains:  cfg.AllowedDomains,
			Logger:          logging.For(s.logger, "bowpi"),
		})
		if err != nil {
			return nil, err
		}

		s.transport = client
	}

	if s.network == nil {
		observer, err := newBackendObserver(cfg, logging.For(s.logger, "netwatch"))
		if err != nil {
			return nil, err
		}

		s.network = observer
		s.runners = append(s.runners, observer.Run)
	}

	s.engine = session.NewEngine(s.manager, s.network, s.transport, logging.For(s.logger, "recovery"),
		session.WithInterval(cfg.RecoveryInterval),
		session.WithNetworkWait(cfg.NetworkWait),
		session.WithReporter(s.recorder),
		session.WithOutcomeHook(s.reconcileAfterRecovery),
	)

	s.restoreSnapshot()

	return s, nil
}

// sleepRetryWait is the production retry pause: a plain timer bounded
// by the context.
func sleepRetryWait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs fn and retries classified transient failures within
// the per-signature budget. Failures that need user action are returned
// immediately; a denied budget returns the last failure so the caller
// escalates instead of looping forever.
func (s *Service) withRetry(ctx context.Context, operation string, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}

		if autherr.Classify(err).RequiresUserAction {
			return err
		}

		retry, delay := s.policy.ShouldRetry(operation, err)
		if !retry {
			return err
		}

		s.logger.Warn("retrying after transient failure",
			slog.String("operation", operation),
			slog.String("kind", string(autherr.KindOf(err))),
			slog.Duration("delay", delay),
		)

		if werr := s.retryWait(ctx, delay); werr != nil {
			return err
		}
	}
}

// newBackendObserver builds a dial-probe observer against the backend
// host.
func newBackendObserver(cfg *config.Config, logger *slog.Logger) (*netwatch.Observer, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}

	prober := netwatch.DialProber{Address: u.Hostname() + ":" + port}

	return netwatch.NewObserver(prober,
		netwatch.WithInterval(cfg.NetworkPollInterval),
		netwatch.WithLogger(logger),
	), nil
}

// restoreSnapshot rebuilds the in-memory state from storage at startup,
// discarding a primary record that fails validation.
func (s *Service) restoreSnapshot() {
	rec, err := s.manager.Load()
	if err != nil {
		s.logger.Warn("stored session failed validation, discarding",
			slog.String("error", err.Error()))
		// The backup stays in place; the recovery engine's corruption
		// path will try it.
		_ = s.manager.ClearPrimary()

		return
	}

	if rec == nil {
		return
	}

	s.applySnapshot(snapshotFromRecord(rec, s.now()))
}

func snapshotFromRecord(rec *session.Record, now time.Time) Snapshot {
	user := rec.UserData

	return Snapshot{
		Authenticated: true,
		NeedsReauth:   rec.RequiresReauth,
		SessionID:     rec.SessionID,
		User:          &user,
		ChangedAt:     now,
	}
}

// applySnapshot atomically replaces the auth state and notifies
// subscribers with an immutable copy. No caller ever receives a mutable
// reference to the shared state.
func (s *Service) applySnapshot(next Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = next

	// Delivered under the lock so an unsubscribe cannot close a channel
	// mid-send. Sends never block: slow subscribers drop the update and
	// read current state through the accessors.
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// Subscribe registers for authentication-state changes. The returned
// function unsubscribes and is safe to call more than once.
func (s *Service) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++

	ch := make(chan Snapshot, snapshotBuffer)
	s.subs[id] = ch

	var once sync.Once

	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}

	return ch, unsubscribe
}

// currentSnapshot returns a copy of the auth state.
func (s *Service) currentSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot
}

// IsAuthenticated reports whether a session exists: memory fast path
// first, then reconstruction from storage. A record that fails
// validation during reconstruction is discarded and cleaned up.
func (s *Service) IsAuthenticated() bool {
	if s.currentSnapshot().Authenticated {
		return true
	}

	return s.reconstruct() != nil
}

// NeedsReauth reports whether the session is a migrated one that must
// re-run a genuine login before server-backed operations.
func (s *Service) NeedsReauth() bool {
	snap := s.currentSnapshot()
	if snap.Authenticated {
		return snap.NeedsReauth
	}

	rec := s.reconstruct()

	return rec != nil && rec.RequiresReauth
}

// CurrentUser returns the authenticated user's decrypted claim set, or
// nil when no session exists. The returned value is a copy.
func (s *Service) CurrentUser() *bowpi.TokenData {
	snap := s.currentSnapshot()
	if snap.Authenticated && snap.User != nil {
		user := *snap.User
		return &user
	}

	rec := s.reconstruct()
	if rec == nil {
		return nil
	}

	user := rec.UserData

	return &user
}

// reconstruct loads the stored record, repairs the in-memory snapshot
// when a valid one exists, and cleans up invalid entries.
func (s *Service) reconstruct() *session.Record {
	rec, err := s.manager.Load()
	if err != nil {
		s.logger.Warn("discarding invalid stored session", slog.String("error", err.Error()))
		_ = s.manager.ClearPrimary()

		return nil
	}

	if rec == nil {
		return nil
	}

	s.applySnapshot(snapshotFromRecord(rec, s.now()))

	return rec
}

// NetworkStatus returns the current connectivity snapshot.
func (s *Service) NetworkStatus() netwatch.Status {
	return s.network.Current()
}

// CanPerformAuthOperations reports whether the connection is suitable
// for authentication traffic right now.
func (s *Service) CanPerformAuthOperations() bool {
	return s.network.SuitableForAuth()
}

// RecoveryStats summarizes the bounded recovery history, the debug
// accessor exposed to the UI layer.
func (s *Service) RecoveryStats() session.Stats {
	return s.engine.Stats()
}

// RecoveryHistory returns the retained recovery outcomes.
func (s *Service) RecoveryHistory() []session.Outcome {
	return s.engine.History().All()
}

// ValidateAndRecoverSession triggers a recovery pass. Concurrent calls
// coalesce onto the in-flight pass. Snapshot reconciliation happens
// inside the pass itself, through the engine's outcome hook, so every
// trigger (manual, timer, network restore) reconciles the same way.
func (s *Service) ValidateAndRecoverSession(ctx context.Context) (session.Outcome, error) {
	return s.engine.ValidateAndRecover(ctx)
}

// reconcileAfterRecovery aligns the in-memory snapshot with the state
// the recovery pass derived. Registered as the engine's outcome hook.
func (s *Service) reconcileAfterRecovery(out session.Outcome) {
	switch out.NewState {
	case session.StateValid, session.StateExpired, session.StateNetworkError:
		if rec, err := s.manager.Load(); err == nil && rec != nil {
			s.applySnapshot(snapshotFromRecord(rec, s.now()))
		}
	case session.StateMissing, session.StateCorrupted:
		if s.currentSnapshot().Authenticated {
			s.applySnapshot(Snapshot{ChangedAt: s.now()})
		}
	}
}

// Start runs the background loops until ctx is cancelled: the recovery
// engine, the pending invalidation retrier, and the network observer
// when this service constructed it.
func (s *Service) Start(ctx context.Context) error {
	if migrated, err := s.migrator.Run(); err != nil {
		s.logger.Warn("legacy migration failed", slog.String("error", err.Error()))
	} else if migrated {
		s.reconstruct()
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, run := range s.runners {
		run := run
		g.Go(func() error { return run(gctx) })
	}

	g.Go(func() error { return s.engine.Run(gctx) })

	g.Go(func() error { return s.pendingInvalidationLoop(gctx) })

	return g.Wait()
}

// Close releases resources owned by the service.
func (s *Service) Close() error {
	if s.ownsStore {
		return s.store.Close()
	}

	return nil
}
