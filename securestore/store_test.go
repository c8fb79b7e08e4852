package securestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credibowpi/bowpiauth/autherr"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}

	return key
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.db")

	s, err := OpenWithKey(path, testKey())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Put("greeting", []byte("hello")))

	got, ok, err := s.Get("greeting")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)
}

func TestStore_GetMissingKey(t *testing.T) {
	s, _ := openTestStore(t)

	got, ok, err := s.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestStore_PutReplacesWholesale(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Put("k", []byte("first")))
	require.NoError(t, s.Put("k", []byte("second")))

	got, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("k"))

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PlaintextNeverTouchesDisk(t *testing.T) {
	s, path := openTestStore(t)

	secret := []byte("super-secret-session-token-material")
	require.NoError(t, s.Put("token", secret))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.False(t, bytes.Contains(raw, secret), "plaintext leaked to the database file")
}

func TestStore_WrongKeyReportsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	s1, err := OpenWithKey(path, testKey())
	require.NoError(t, err)
	require.NoError(t, s1.Put("k", []byte("v")))
	require.NoError(t, s1.Close())

	other := testKey()
	other[0] ^= 0xFF

	s2, err := OpenWithKey(path, other)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.Get("k")
	assert.Nil(t, got)
	assert.True(t, ok, "the key exists even though it cannot be unsealed")
	assert.True(t, autherr.IsKind(err, autherr.KindStorageError))
}

func TestStore_JSONRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, s.PutJSON("p", payload{Name: "x", Count: 3}))

	var got payload

	ok, err := s.GetJSON("p", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload{Name: "x", Count: 3}, got)
}

func TestStore_GetJSONMissingKey(t *testing.T) {
	s, _ := openTestStore(t)

	var got struct{}

	ok, err := s.GetJSON("nope", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_GetJSONMalformedValue(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Put("p", []byte("not json")))

	var got struct{ A int }

	ok, err := s.GetJSON("p", &got)
	assert.True(t, ok)
	assert.True(t, autherr.IsKind(err, autherr.KindStorageError))
}

func TestStore_FilePermissions(t *testing.T) {
	_, path := openTestStore(t)

	info, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDeriveKey_NormalizesInputs(t *testing.T) {
	// U+00E9 (precomposed) and U+0065 U+0301 (combining) must derive the
	// same key.
	k1, err := DeriveKey("caf\u00e9", "salt")
	require.NoError(t, err)

	k2, err := DeriveKey("cafe\u0301", "salt")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestDeriveKey_DistinctSaltsDistinctKeys(t *testing.T) {
	k1, err := DeriveKey("pass", "salt-a")
	require.NoError(t, err)

	k2, err := DeriveKey("pass", "salt-b")
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestOpen_WithPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "session.db")

	s, err := Open(path, "passphrase", "host-salt")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("k", []byte("v")))

	got, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}
