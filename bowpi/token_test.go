package bowpi

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credibowpi/bowpiauth/autherr"
)

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}

	return key
}

func testTokenData(t *testing.T) *TokenData {
	t.Helper()

	return &TokenData{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "bowpi",
			Subject:   "agent-17",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        "jti-1",
		},
		Profile: UserProfile{
			Username:    "agent-17",
			Email:       "agent@example.com",
			Names:       "Ana",
			LastNames:   "Lopez",
			AgencyCode:  "AG-04",
			Permissions: []string{"loans:read"},
			RequestID:   "req-9f3a",
		},
	}
}

func TestTokenCipher_RoundTrip(t *testing.T) {
	c, err := NewTokenCipher(testMasterKey())
	require.NoError(t, err)

	in := testTokenData(t)

	opaque, err := c.Encrypt(in)
	require.NoError(t, err)

	out, err := c.Decrypt(opaque)
	require.NoError(t, err)

	assert.Equal(t, in.Profile, out.Profile)
	assert.Equal(t, in.Subject, out.Subject)
	assert.Equal(t, "req-9f3a", out.SessionID())
}

func TestTokenCipher_EncryptIsRandomized(t *testing.T) {
	c, err := NewTokenCipher(testMasterKey())
	require.NoError(t, err)

	in := testTokenData(t)

	o1, err := c.Encrypt(in)
	require.NoError(t, err)
	o2, err := c.Encrypt(in)
	require.NoError(t, err)

	assert.NotEqual(t, o1, o2, "fresh IV per seal")
}

func TestTokenCipher_SingleBitCorruptionFailsClosed(t *testing.T) {
	c, err := NewTokenCipher(testMasterKey())
	require.NoError(t, err)

	opaque, err := c.Encrypt(testTokenData(t))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(opaque)
	require.NoError(t, err)

	// Flip one bit in the ciphertext, past the IV.
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	data, err := c.Decrypt(tampered)
	assert.Nil(t, data)
	assert.True(t, autherr.IsKind(err, autherr.KindDecryptionError))
}

func TestTokenCipher_MalformedBase64(t *testing.T) {
	c, err := NewTokenCipher(testMasterKey())
	require.NoError(t, err)

	data, err := c.Decrypt("not!!!base64")
	assert.Nil(t, data)
	assert.True(t, autherr.IsKind(err, autherr.KindDecryptionError))
}

func TestTokenCipher_TruncatedPayload(t *testing.T) {
	c, err := NewTokenCipher(testMasterKey())
	require.NoError(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("tiny"))

	data, err := c.Decrypt(short)
	assert.Nil(t, data)
	assert.True(t, autherr.IsKind(err, autherr.KindDecryptionError))
}

func TestTokenCipher_WrongKeyFails(t *testing.T) {
	c1, err := NewTokenCipher(testMasterKey())
	require.NoError(t, err)

	other := testMasterKey()
	other[0] ^= 0xFF

	c2, err := NewTokenCipher(other)
	require.NoError(t, err)

	opaque, err := c1.Encrypt(testTokenData(t))
	require.NoError(t, err)

	data, err := c2.Decrypt(opaque)
	assert.Nil(t, data)
	assert.True(t, autherr.IsKind(err, autherr.KindDecryptionError))
}

func TestTokenCipher_MissingRequestIDRejected(t *testing.T) {
	c, err := NewTokenCipher(testMasterKey())
	require.NoError(t, err)

	in := testTokenData(t)
	in.Profile.RequestID = ""

	opaque, err := c.Encrypt(in)
	require.NoError(t, err)

	data, err := c.Decrypt(opaque)
	assert.Nil(t, data)
	assert.True(t, autherr.IsKind(err, autherr.KindDecryptionError))
}

func TestNewTokenCipher_EmptyKey(t *testing.T) {
	_, err := NewTokenCipher(nil)
	assert.True(t, autherr.IsKind(err, autherr.KindDecryptionError))
}
