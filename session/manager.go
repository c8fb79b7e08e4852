package session

import (
	"log/slog"

	"github.com/credibowpi/bowpiauth/securestore"
)

// Manager owns all session reads and writes against the secure store.
// Writes are last-write-wins: a new record supersedes the old one
// wholesale, never merges.
type Manager struct {
	store  *securestore.Store
	logger *slog.Logger
}

// NewManager creates a Manager over the given store.
func NewManager(store *securestore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{store: store, logger: logger}
}

// Save seals the record and writes the primary keys plus the backup
// copy. The individual keys (token, id, profile) are denormalized for
// callers that only need one artifact. A backup write failure is logged
// but does not fail the save; the primary record is authoritative.
func (m *Manager) Save(rec *Record) error {
	if err := rec.Seal(); err != nil {
		return err
	}

	if err := m.store.PutJSON(KeySessionData, rec); err != nil {
		return err
	}

	if err := m.store.Put(KeyEncryptedToken, []byte(rec.EncryptedToken)); err != nil {
		return err
	}

	if err := m.store.Put(KeySessionID, []byte(rec.SessionID)); err != nil {
		return err
	}

	if err := m.store.PutJSON(KeyUserProfile, &rec.UserData); err != nil {
		return err
	}

	if err := m.SaveBackup(rec); err != nil {
		m.logger.Warn("backup write failed", slog.String("error", err.Error()))
	}

	return nil
}

// SaveBackup writes only the backup copy of a sealed record.
func (m *Manager) SaveBackup(rec *Record) error {
	if rec.IntegrityTag == "" {
		if err := rec.Seal(); err != nil {
			return err
		}
	}

	return m.store.PutJSON(KeySessionBackup, rec)
}

// Load reads and validates the primary record. Returns (nil, nil) when
// no session is stored, and an ErrCorrupted-wrapped error when the
// stored record fails structural or integrity validation. Load never
// deletes; cleanup decisions belong to the caller.
func (m *Manager) Load() (*Record, error) {
	return m.loadKey(KeySessionData)
}

// LoadBackup reads and validates the backup record.
func (m *Manager) LoadBackup() (*Record, error) {
	return m.loadKey(KeySessionBackup)
}

func (m *Manager) loadKey(key string) (*Record, error) {
	var rec Record

	ok, err := m.store.GetJSON(key, &rec)
	if err != nil {
		if ok {
			// The key exists but could not be unsealed or deserialized:
			// that is corruption, not a transient storage fault.
			return nil, ErrCorrupted
		}

		return nil, err
	}

	if !ok {
		return nil, nil
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	return &rec, nil
}

// ClearPrimary deletes the primary session keys while leaving the
// backup in place, the first step of corruption recovery.
func (m *Manager) ClearPrimary() error {
	var firstErr error

	for _, key := range []string{KeySessionData, KeyEncryptedToken, KeySessionID, KeyUserProfile} {
		if err := m.store.Delete(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Clear deletes every session-related key, backup included. Used on
// logout. Deleting missing keys succeeds, so Clear is idempotent.
func (m *Manager) Clear() error {
	firstErr := m.ClearPrimary()

	if err := m.store.Delete(KeySessionBackup); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// HasSession reports whether a primary record key exists at all,
// without validating it.
func (m *Manager) HasSession() (bool, error) {
	_, ok, err := m.store.Get(KeySessionData)
	if err != nil {
		// An unreadable value still counts as present.
		return ok, err
	}

	return ok, nil
}

// Store exposes the underlying secure store for collaborators that
// manage adjacent keys (migration markers, pending invalidations).
func (m *Manager) Store() *securestore.Store { return m.store }
