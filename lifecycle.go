package bowpiauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/credibowpi/bowpiauth/autherr"
	"github.com/credibowpi/bowpiauth/bowpi"
	"github.com/credibowpi/bowpiauth/session"
)

// pendingInvalidationTTL is how long a queued server-side invalidation
// is retried after a forced offline logout before being abandoned.
const pendingInvalidationTTL = 7 * 24 * time.Hour

// Login authenticates against the backend. The connectivity gate runs
// before anything else: with no usable connection, no HTTP request is
// ever built and the caller gets a distinct OFFLINE_LOGIN_ATTEMPT, not
// a generic network failure.
func (s *Service) Login(ctx context.Context, identifier, secret string) (*bowpi.TokenData, error) {
	if !s.network.SuitableForAuth() {
		err := autherr.New(autherr.KindOfflineLoginAttempt, "no usable connection for login")
		s.recorder.RecordLogin(false, string(autherr.KindOfflineLoginAttempt))

		return nil, err
	}

	start := s.now()

	var (
		opaque string
		data   *bowpi.TokenData
	)

	// Transient failures (server hiccups, flaky transport) retry within
	// the per-signature budget; bad credentials come straight back.
	err := s.withRetry(ctx, "login", func() error {
		var err error
		opaque, data, err = s.transport.Login(ctx, identifier, secret)

		return err
	})

	s.recorder.RecordRequestLatency("login", s.now().Sub(start))

	if err != nil {
		kind := autherr.Classify(err).Kind
		s.recorder.RecordLogin(false, string(kind))
		s.logger.Warn("login failed", slog.String("kind", string(kind)))

		return nil, err
	}

	prev, _ := s.manager.Load()

	rec := &session.Record{
		EncryptedToken: opaque,
		UserData:       *data,
		SessionID:      data.SessionID(),
		CreatedAt:      s.now(),
	}

	if exp, ok := data.ExpiresAtTime(); ok {
		rec.ExpiresAt = &exp
	}

	// Storage is never assumed to succeed: a failed write is surfaced
	// and the session stays usable in memory until the recovery loop or
	// a later write repairs persistence.
	if err := s.manager.Save(rec); err != nil {
		s.logger.Error("persisting session failed", slog.String("error", err.Error()))
	}

	// A genuine login retires the legacy bridge data.
	if prev == nil || prev.Migrated {
		if err := s.migrator.Cleanup(); err != nil {
			s.logger.Warn("legacy cleanup failed", slog.String("error", err.Error()))
		}
	}

	s.applySnapshot(snapshotFromRecord(rec, s.now()))
	s.recorder.RecordLogin(true, "")

	// A successful login retires whatever retry debt this operation
	// accumulated.
	for _, kind := range []autherr.Kind{
		autherr.KindInvalidCredentials,
		autherr.KindServerError,
		autherr.KindNetworkError,
	} {
		s.policy.Reset("login", kind)
	}

	s.logger.Info("login succeeded", slog.String("session_id", rec.SessionID))

	return data, nil
}

// LogoutOptions controls logout behavior. ConfirmOffline is consulted
// when the device is offline and Force is false; a nil or declining
// confirmer cancels the logout.
type LogoutOptions struct {
	Force          bool
	ConfirmOffline func(ctx context.Context) bool
}

// LogoutOutcome reports what a logout achieved. Local state is always
// cleared once a logout proceeds, even when the server call or the
// storage deletion fails.
type LogoutOutcome struct {
	ServerAttempted bool
	ServerSucceeded bool
	LocalSucceeded  bool
	Message         string
}

// pendingInvalidation is a queued server-side session invalidation left
// behind by a forced or confirmed offline logout. It is retried when
// connectivity returns rather than abandoning the server-side session.
type pendingInvalidation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// Logout ends the session. Offline and unforced, it requires explicit
// confirmation before proceeding. Server-side invalidation is attempted
// when online; offline it is queued for retry. Local deletion failures
// are reported as partial success and never block clearing the
// in-memory state. Concurrent calls are idempotent: all but the first
// observe the already-cleared state and succeed trivially.
func (s *Service) Logout(ctx context.Context, opts LogoutOptions) LogoutOutcome {
	rec := s.logoutTarget()
	if rec == nil {
		return LogoutOutcome{LocalSucceeded: true, Message: "no active session"}
	}

	online := s.network.Current().Connected

	if !online && !opts.Force {
		if opts.ConfirmOffline == nil || !opts.ConfirmOffline(ctx) {
			return LogoutOutcome{Message: "offline logout not confirmed"}
		}
	}

	var out LogoutOutcome

	realToken := rec.EncryptedToken != "" && !rec.IsPlaceholderToken() && rec.SessionID != ""

	switch {
	case online && realToken:
		out.ServerAttempted = true

		if err := s.transport.InvalidateSession(ctx, rec.SessionID, rec.EncryptedToken); err != nil {
			s.logger.Warn("server-side invalidation failed",
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()))
			out.Message = "server-side invalidation failed"
		} else {
			out.ServerSucceeded = true
		}
	case realToken:
		// Offline: queue the invalidation so the server-side session is
		// not simply abandoned.
		s.queueInvalidation(rec)
		out.Message = "server-side invalidation queued until connectivity returns"
	}

	if err := s.manager.Clear(); err != nil {
		s.logger.Warn("local session cleanup incomplete", slog.String("error", err.Error()))
		out.Message = "local session cleanup incomplete"
	} else {
		out.LocalSucceeded = true
	}

	// The in-memory state is cleared no matter what storage did.
	s.applySnapshot(Snapshot{ChangedAt: s.now()})
	s.recorder.RecordLogout(out.ServerSucceeded, out.LocalSucceeded)

	return out
}

// logoutTarget resolves the session being logged out: memory first,
// then storage. Returns nil when no session exists anywhere.
func (s *Service) logoutTarget() *session.Record {
	snap := s.currentSnapshot()

	rec, err := s.manager.Load()
	if err == nil && rec != nil {
		return rec
	}

	if snap.Authenticated {
		// Storage is unreadable but memory still holds the session.
		user := bowpi.TokenData{}
		if snap.User != nil {
			user = *snap.User
		}

		// The opaque token never lives in the snapshot, so server-side
		// invalidation cannot be attempted from here; only local cleanup.
		return &session.Record{
			SessionID: snap.SessionID,
			UserData:  user,
		}
	}

	return nil
}

func (s *Service) queueInvalidation(rec *session.Record) {
	pending := pendingInvalidation{
		ID:        uuid.NewString(),
		SessionID: rec.SessionID,
		Token:     rec.EncryptedToken,
		QueuedAt:  s.now(),
	}

	if err := s.store.PutJSON(session.KeyPendingInvalidation, &pending); err != nil {
		s.logger.Warn("queueing pending invalidation failed", slog.String("error", err.Error()))
	}
}

// retryPendingInvalidation attempts a queued server-side invalidation.
// Entries older than the TTL are abandoned.
func (s *Service) retryPendingInvalidation(ctx context.Context) {
	var pending pendingInvalidation

	ok, err := s.store.GetJSON(session.KeyPendingInvalidation, &pending)
	if err != nil || !ok {
		return
	}

	if s.now().Sub(pending.QueuedAt) > pendingInvalidationTTL {
		s.logger.Info("abandoning stale pending invalidation",
			slog.String("session_id", pending.SessionID))
		_ = s.store.Delete(session.KeyPendingInvalidation)

		return
	}

	if !s.network.Current().Connected {
		return
	}

	if err := s.transport.InvalidateSession(ctx, pending.SessionID, pending.Token); err != nil {
		s.logger.Warn("pending invalidation retry failed",
			slog.String("session_id", pending.SessionID),
			slog.String("error", err.Error()))

		return
	}

	s.logger.Info("pending invalidation completed",
		slog.String("session_id", pending.SessionID))
	_ = s.store.Delete(session.KeyPendingInvalidation)
}

// pendingInvalidationLoop retries queued invalidations at startup and
// on every network restoration.
func (s *Service) pendingInvalidationLoop(ctx context.Context) error {
	s.retryPendingInvalidation(ctx)

	statusCh, unsubscribe := s.network.Subscribe()
	defer unsubscribe()

	wasConnected := s.network.Current().Connected

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-statusCh:
			if !ok {
				return nil
			}

			restored := st.Connected && !wasConnected
			wasConnected = st.Connected

			if restored {
				s.retryPendingInvalidation(ctx)
			}
		}
	}
}

// RefreshToken exchanges the stored token for a fresh one. Offline it
// is a no-op failure, not a fatal error. Migrated placeholder sessions
// cannot refresh; they need a genuine login.
func (s *Service) RefreshToken(ctx context.Context) bool {
	if !s.network.SuitableForAuth() {
		s.logger.Debug("refresh skipped: no usable connection")
		return false
	}

	rec, err := s.manager.Load()
	if err != nil || rec == nil {
		return false
	}

	if rec.IsPlaceholderToken() {
		return false
	}

	start := s.now()

	var (
		opaque string
		data   *bowpi.TokenData
	)

	err = s.withRetry(ctx, "refresh", func() error {
		var err error
		opaque, data, err = s.transport.Refresh(ctx, rec.EncryptedToken)

		return err
	})

	s.recorder.RecordRequestLatency("refresh", s.now().Sub(start))

	if err != nil {
		s.recorder.RecordRefresh(false)
		s.logger.Warn("token refresh failed", slog.String("error", err.Error()))

		return false
	}

	rec.EncryptedToken = opaque
	rec.UserData = *data
	rec.SessionID = data.SessionID()

	if exp, ok := data.ExpiresAtTime(); ok {
		rec.ExpiresAt = &exp
	} else {
		rec.ExpiresAt = nil
	}

	if err := s.manager.Save(rec); err != nil {
		s.logger.Error("persisting refreshed session failed", slog.String("error", err.Error()))
	}

	s.applySnapshot(snapshotFromRecord(rec, s.now()))
	s.recorder.RecordRefresh(true)

	return true
}
