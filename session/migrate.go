package session

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/credibowpi/bowpiauth/bowpi"
)

// LegacyProfile is the credential/profile record left behind by the
// prior authentication scheme. Only the fields needed to synthesize a
// local session survive the bridge.
type LegacyProfile struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Names     string `json:"names"`
	LastNames string `json:"lastNames"`
	Agency    string `json:"agency,omitempty"`
}

// Migrator is the one-directional, one-time bridge from the legacy
// scheme. It synthesizes a session record flagged Migrated and
// RequiresReauth so the orchestrator treats it as locally authenticated
// only; the placeholder token can never pass for a backend-issued one.
type Migrator struct {
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time
}

// NewMigrator creates the shim over the session manager's store.
func NewMigrator(manager *Manager, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Migrator{manager: manager, logger: logger, now: time.Now}
}

// Run performs the migration if it applies: a legacy profile exists and
// no current-scheme session does. Returns true when a record was
// synthesized. Subsequent calls are no-ops via the completion marker.
func (m *Migrator) Run() (bool, error) {
	store := m.manager.Store()

	if _, done, err := store.Get(KeyLegacyMigrationDone); err != nil {
		return false, err
	} else if done {
		return false, nil
	}

	// A live current-scheme session wins; mark the bridge done so it is
	// never consulted again.
	if has, err := m.manager.HasSession(); err != nil {
		return false, err
	} else if has {
		return false, store.Put(KeyLegacyMigrationDone, []byte("1"))
	}

	var legacy LegacyProfile

	ok, err := store.GetJSON(KeyLegacyProfile, &legacy)
	if err != nil {
		return false, err
	}

	if !ok || legacy.Username == "" {
		return false, store.Put(KeyLegacyMigrationDone, []byte("1"))
	}

	rec := &Record{
		EncryptedToken: MigratedTokenPrefix + uuid.NewString(),
		UserData: bowpi.TokenData{
			Profile: bowpi.UserProfile{
				Username:  legacy.Username,
				Email:     legacy.Email,
				Names:     legacy.Names,
				LastNames: legacy.LastNames,
			},
		},
		SessionID:      uuid.NewString(),
		CreatedAt:      m.now(),
		Migrated:       true,
		RequiresReauth: true,
	}

	if err := m.manager.Save(rec); err != nil {
		return false, err
	}

	if err := store.Put(KeyLegacyMigrationDone, []byte("1")); err != nil {
		return true, err
	}

	m.logger.Info("legacy session migrated",
		slog.String("username", legacy.Username),
		slog.Bool("requires_reauth", true),
	)

	return true, nil
}

// Cleanup removes the legacy record. It runs only after a genuine
// (non-migrated) login has succeeded, and only once.
func (m *Migrator) Cleanup() error {
	store := m.manager.Store()

	if _, done, err := store.Get(KeyLegacyCleanupDone); err != nil {
		return err
	} else if done {
		return nil
	}

	if err := store.Delete(KeyLegacyProfile); err != nil {
		return err
	}

	return store.Put(KeyLegacyCleanupDone, []byte("1"))
}
