// Package session owns the locally persisted representation of an
// authenticated Bowpi session: the sealed record, its storage manager,
// the recovery state machine that classifies and repairs session state,
// and the one-time legacy migration shim.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/credibowpi/bowpiauth/bowpi"
)

// Storage keys for session artifacts. The store treats these as opaque;
// the set below is the complete on-disk surface of this core.
const (
	KeyEncryptedToken      = "encrypted_token"
	KeySessionData         = "session_data"
	KeySessionID           = "session_id"
	KeyUserProfile         = "user_profile"
	KeySessionBackup       = "session_data_backup"
	KeyLegacyProfile       = "legacy_profile"
	KeyLegacyMigrationDone = "legacy_migration_completed"
	KeyLegacyCleanupDone   = "legacy_cleanup_completed"
	KeyPendingInvalidation = "pending_invalidation"
)

// MigratedTokenPrefix tags the placeholder token of a migrated session
// so it can never be mistaken for a backend-issued one.
const MigratedTokenPrefix = "MIGRATED::"

// ErrCorrupted marks a stored record that failed structural or
// integrity validation.
var ErrCorrupted = errors.New("session record failed integrity validation")

// Record is the persisted session. It is created on successful login or
// recovery, mutated only by refresh (token and expiry) or migration
// (Migrated/RequiresReauth), and destroyed on logout or unrecoverable
// corruption.
type Record struct {
	EncryptedToken string          `json:"encryptedToken"`
	UserData       bowpi.TokenData `json:"userData"`
	SessionID      string          `json:"sessionId"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	Migrated       bool            `json:"migrated"`
	RequiresReauth bool            `json:"requiresReauth"`
	IntegrityTag   string          `json:"integrityTag"`
}

// canonical serializes the record with an empty integrity tag, the form
// the tag is computed over.
func (r *Record) canonical() ([]byte, error) {
	clone := *r
	clone.IntegrityTag = ""

	data, err := json.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("serializing record: %w", err)
	}

	return data, nil
}

// Seal computes and sets the integrity tag. A record is never written
// to storage unsealed.
func (r *Record) Seal() error {
	data, err := r.canonical()
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	r.IntegrityTag = hex.EncodeToString(sum[:])

	return nil
}

// VerifyIntegrity recomputes the tag and compares it against the stored
// one, detecting tampering or corruption of the serialized record.
func (r *Record) VerifyIntegrity() bool {
	if r.IntegrityTag == "" {
		return false
	}

	data, err := r.canonical()
	if err != nil {
		return false
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]) == r.IntegrityTag
}

// Validate performs structural and integrity checks. A genuine
// (non-migrated) record must carry the requestId that serves as the
// canonical session identifier.
func (r *Record) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrCorrupted)
	}

	if r.EncryptedToken == "" {
		return fmt.Errorf("%w: missing token", ErrCorrupted)
	}

	if !r.Migrated && r.UserData.Profile.RequestID == "" {
		return fmt.Errorf("%w: missing requestId claim", ErrCorrupted)
	}

	if !r.VerifyIntegrity() {
		return fmt.Errorf("%w: tag mismatch", ErrCorrupted)
	}

	return nil
}

// IsPlaceholderToken reports whether the token is a migration
// placeholder rather than a backend-issued one.
func (r *Record) IsPlaceholderToken() bool {
	return strings.HasPrefix(r.EncryptedToken, MigratedTokenPrefix)
}

// ExpiredAt reports whether the record is expired at the given instant.
// Records without an expiry never expire locally.
func (r *Record) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}
