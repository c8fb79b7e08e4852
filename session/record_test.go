package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credibowpi/bowpiauth/bowpi"
)

func newTestRecord(t *testing.T) *Record {
	t.Helper()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	rec := &Record{
		EncryptedToken: "opaque-token-bytes",
		UserData: bowpi.TokenData{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "agent-17",
				ExpiresAt: jwt.NewNumericDate(exp),
			},
			Profile: bowpi.UserProfile{
				Username:  "agent-17",
				Email:     "agent@example.com",
				Names:     "Ana",
				LastNames: "Lopez",
				RequestID: "req-9f3a",
			},
		},
		SessionID: "req-9f3a",
		CreatedAt: time.Now().Truncate(time.Second),
		ExpiresAt: &exp,
	}

	require.NoError(t, rec.Seal())

	return rec
}

func TestRecord_SealAndVerify(t *testing.T) {
	rec := newTestRecord(t)

	assert.NotEmpty(t, rec.IntegrityTag)
	assert.True(t, rec.VerifyIntegrity())
	assert.NoError(t, rec.Validate())
}

func TestRecord_TamperingBreaksIntegrity(t *testing.T) {
	rec := newTestRecord(t)

	rec.SessionID = "req-other"

	assert.False(t, rec.VerifyIntegrity())
	assert.ErrorIs(t, rec.Validate(), ErrCorrupted)
}

func TestRecord_ResealAfterMutation(t *testing.T) {
	rec := newTestRecord(t)

	rec.EncryptedToken = "fresh-opaque-token"
	require.NoError(t, rec.Seal())

	assert.True(t, rec.VerifyIntegrity())
}

func TestRecord_ValidateStructuralChecks(t *testing.T) {
	t.Run("missing session id", func(t *testing.T) {
		rec := newTestRecord(t)
		rec.SessionID = ""
		require.NoError(t, rec.Seal())

		assert.ErrorIs(t, rec.Validate(), ErrCorrupted)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := newTestRecord(t)
		rec.EncryptedToken = ""
		require.NoError(t, rec.Seal())

		assert.ErrorIs(t, rec.Validate(), ErrCorrupted)
	})

	t.Run("missing requestId on genuine record", func(t *testing.T) {
		rec := newTestRecord(t)
		rec.UserData.Profile.RequestID = ""
		require.NoError(t, rec.Seal())

		assert.ErrorIs(t, rec.Validate(), ErrCorrupted)
	})

	t.Run("missing requestId tolerated on migrated record", func(t *testing.T) {
		rec := newTestRecord(t)
		rec.Migrated = true
		rec.UserData.Profile.RequestID = ""
		require.NoError(t, rec.Seal())

		assert.NoError(t, rec.Validate())
	})

	t.Run("empty integrity tag", func(t *testing.T) {
		rec := newTestRecord(t)
		rec.IntegrityTag = ""

		assert.False(t, rec.VerifyIntegrity())
		assert.ErrorIs(t, rec.Validate(), ErrCorrupted)
	})
}

func TestRecord_PlaceholderToken(t *testing.T) {
	rec := newTestRecord(t)
	assert.False(t, rec.IsPlaceholderToken())

	rec.EncryptedToken = MigratedTokenPrefix + "abc"
	assert.True(t, rec.IsPlaceholderToken())
}

func TestRecord_ExpiredAt(t *testing.T) {
	rec := newTestRecord(t)

	assert.False(t, rec.ExpiredAt(time.Now()))
	assert.True(t, rec.ExpiredAt(time.Now().Add(2*time.Hour)))

	rec.ExpiresAt = nil
	assert.False(t, rec.ExpiredAt(time.Now().Add(100*time.Hour)), "no expiry means never expired locally")
}
