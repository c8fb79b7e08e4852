package bowpi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/credibowpi/bowpiauth/autherr"
)

const (
	// tokenKeyLen is the AES-256 key length for token sealing.
	tokenKeyLen = 32

	// tokenKeyInfo is the HKDF info string binding the derived subkey to
	// this use.
	tokenKeyInfo = "BowpiAuthToken"
)

// TokenCipher reverses the backend's token encryption scheme:
// base64( [12-byte IV][AES-256-GCM ciphertext+tag] ) over the JSON claim
// set. The GCM key is derived from the shared master key via
// HKDF-SHA256 so the raw master key is never used directly.
type TokenCipher struct {
	gcm cipher.AEAD
}

// NewTokenCipher derives the sealing subkey from masterKey and builds
// the AEAD. The masterKey slice may be zeroed by the caller afterwards;
// the cipher keeps its own derived copy.
func NewTokenCipher(masterKey []byte) (*TokenCipher, error) {
	if len(masterKey) == 0 {
		return nil, autherr.New(autherr.KindDecryptionError, "token key material unavailable")
	}

	gcmKey, err := hkdfDerive(masterKey, nil, []byte(tokenKeyInfo), tokenKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving token key: %w", err)
	}

	block, err := aes.NewCipher(gcmKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	// The AEAD holds its own key schedule internally.
	for i := range gcmKey {
		gcmKey[i] = 0
	}

	return &TokenCipher{gcm: gcm}, nil
}

// hkdfDerive derives keyLen bytes using HKDF-SHA256.
func hkdfDerive(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}

// Decrypt reverses the backend scheme and deserializes the claim set.
// Any failure (malformed base64, truncated payload, authentication
// failure, claim deserialization) returns a DECRYPTION_ERROR and a nil
// TokenData; the claim set is never partially populated.
func (c *TokenCipher) Decrypt(opaque string) (*TokenData, error) {
	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindDecryptionError, "malformed token payload", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(raw) <= nonceSize {
		return nil, autherr.New(autherr.KindDecryptionError, "token payload too short")
	}

	plain, err := c.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindDecryptionError, "token authentication failed", err)
	}

	var data TokenData
	if err := json.Unmarshal(plain, &data); err != nil {
		return nil, autherr.Wrap(autherr.KindDecryptionError, "deserializing token claims", err)
	}

	if data.Profile.RequestID == "" {
		return nil, autherr.New(autherr.KindDecryptionError, "token claims missing requestId")
	}

	return &data, nil
}

// Encrypt seals a claim set with the backend-compatible scheme. The
// production backend does this server-side; the client exposes it for
// the mocked backend used in tests and local tooling.
func (c *TokenCipher) Encrypt(data *TokenData) (string, error) {
	plain, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("serializing token claims: %w", err)
	}

	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	ct := c.gcm.Seal(nil, iv, plain, nil)
	out := make([]byte, len(iv)+len(ct))
	copy(out, iv)
	copy(out[len(iv):], ct)

	return base64.StdEncoding.EncodeToString(out), nil
}
