// Package securestore provides encrypted at-rest key/value persistence
// for session artifacts. Values are sealed with AES-256-GCM under a key
// derived from a passphrase via scrypt; the backing file is a bbolt
// database with owner-only permissions.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/credibowpi/bowpiauth/autherr"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second

	// scryptN is the CPU/memory cost parameter for key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter.
	scryptR = 8

	// scryptP is the parallelization parameter.
	scryptP = 1

	// keyLen is the derived key length in bytes.
	keyLen = 32
)

var valuesBucket = []byte("values")

// DeriveKey derives the 32-byte store key from a passphrase and salt
// using scrypt. Both inputs are NFKC-normalized first so visually
// identical passphrases entered on different platforms derive the same
// key.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}

	return key, nil
}

// Store is an encrypted key/value store backed by bbolt. All public
// failures carry the STORAGE_ERROR kind so callers can feed them into
// the retry policy.
type Store struct {
	db  *bolt.DB
	gcm cipher.AEAD
}

// Open opens (or creates) the store at path, deriving the sealing key
// from passphrase and salt.
func Open(path, passphrase, salt string) (*Store, error) {
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageError, "deriving key", err)
	}

	defer zero(key)

	return OpenWithKey(path, key)
}

// OpenWithKey opens the store with an already-derived 32-byte key. The
// caller may zero the key afterwards; the cipher keeps its own schedule.
func OpenWithKey(path string, key []byte) (*Store, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageError, "creating AES cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageError, "creating GCM", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, autherr.Wrap(autherr.KindStorageError, "creating store directory", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, autherr.Wrap(autherr.KindStorageError, "opening store", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(valuesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, autherr.Wrap(autherr.KindStorageError, "initializing store", err)
	}

	return &Store{db: db, gcm: gcm}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal encrypts a value as [12-byte IV][ciphertext+GCM tag].
func (s *Store) seal(plain []byte) ([]byte, error) {
	iv := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ct := s.gcm.Seal(nil, iv, plain, nil)
	out := make([]byte, len(iv)+len(ct))
	copy(out, iv)
	copy(out[len(iv):], ct)

	return out, nil
}

// open decrypts a stored value.
func (s *Store) open(sealed []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(sealed) <= nonceSize {
		return nil, fmt.Errorf("sealed value too short: %d bytes", len(sealed))
	}

	plain, err := s.gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting value: %w", err)
	}

	return plain, nil
}

// Put stores a value under key, encrypted at rest. Writing a key that
// already exists replaces the previous value wholesale.
func (s *Store) Put(key string, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return autherr.Wrap(autherr.KindStorageError, "sealing value for "+key, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(valuesBucket).Put([]byte(key), sealed)
	})
	if err != nil {
		return autherr.Wrap(autherr.KindStorageError, "writing "+key, err)
	}

	return nil
}

// Get retrieves and decrypts the value under key. The second return is
// false when the key does not exist. A value that exists but fails to
// decrypt is reported as a STORAGE_ERROR; callers treat that as
// corruption.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var sealed []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(valuesBucket).Get([]byte(key))
		if v != nil {
			sealed = make([]byte, len(v))
			copy(sealed, v)
		}

		return nil
	})
	if err != nil {
		return nil, false, autherr.Wrap(autherr.KindStorageError, "reading "+key, err)
	}

	if sealed == nil {
		return nil, false, nil
	}

	plain, err := s.open(sealed)
	if err != nil {
		return nil, true, autherr.Wrap(autherr.KindStorageError, "unsealing "+key, err)
	}

	return plain, true, nil
}

// Delete removes the value under key. Deleting a missing key succeeds.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(valuesBucket).Delete([]byte(key))
	})
	if err != nil {
		return autherr.Wrap(autherr.KindStorageError, "deleting "+key, err)
	}

	return nil
}

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return autherr.Wrap(autherr.KindStorageError, "serializing "+key, err)
	}

	return s.Put(key, data)
}

// GetJSON retrieves the value under key and unmarshals it into v. The
// first return is false when the key does not exist.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	data, ok, err := s.Get(key)
	if err != nil || !ok {
		return ok, err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return true, autherr.Wrap(autherr.KindStorageError, "deserializing "+key, err)
	}

	return true, nil
}
