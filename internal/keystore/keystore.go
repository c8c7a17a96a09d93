// Package keystore implements KeyStore (§2 C7, §4.6): atomic read/write of
// the single on-disk key record, key generation, and version stepping.
// The write path follows the standard write-temp-file-in-same-directory,
// then rename pattern, with an fsync added before the rename, since a key
// record is the sole persistent state of an in-flight rotation (§5) and
// losing it mid-write would strand the rotation in an unrecoverable
// split-brain between disk and memory.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/devhollow/taskqueue/internal/domain"
)

// KeyGenerator produces raw key material. The default generator draws from
// crypto/rand; tests inject a deterministic one.
type KeyGenerator func(n int) ([]byte, error)

func defaultGenerator(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// Store is the file-backed KeyStore.
type Store struct {
	path      string
	generator KeyGenerator
	mu        sync.Mutex
}

// New builds a Store rooted at path. The directory containing path must
// exist and be writable; the temp file used for atomic writes is created
// alongside it so the final rename stays within one filesystem.
func New(path string) *Store {
	return &Store{path: path, generator: defaultGenerator}
}

// WithGenerator overrides the key generator, for deterministic tests.
func (s *Store) WithGenerator(g KeyGenerator) *Store {
	s.generator = g
	return s
}

// LoadKeys reads and validates the on-disk key record. A missing file
// returns (nil, nil): "uninitialized" is not an error. A file that exists
// but fails to parse or validate is domain.ErrKeyStorageCorruption — the
// design treats this as non-recoverable without operator intervention.
func (s *Store) LoadKeys() (*domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var record domain.KeyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyStorageCorruption, err)
	}
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyStorageCorruption, err)
	}
	return &record, nil
}

// SaveKeys validates record, then writes it via write-to-temp-in-same-
// directory -> fsync -> rename, so concurrent readers never observe a
// partial file and a crash mid-write leaves the previous record intact.
func (s *Store) SaveKeys(record *domain.KeyRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp key file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp key file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp key file into place: %w", err)
	}
	return nil
}

// GenerateKey returns 32 random bytes, base64-encoded, suitable for use as
// current_key, phased_out_key, or auth_secret (§4.6).
func (s *Store) GenerateKey() (string, error) {
	raw, err := s.generator(32)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// GetNextVersion wraps domain.NextVersion for callers that only hold a Store.
func (s *Store) GetNextVersion(v string) string {
	return domain.NextVersion(v)
}

// EnsureInitialized returns the existing key record, or creates one with
// three fresh keys (current, auth_secret, hash_key) at version 'A' if none
// exists yet.
func (s *Store) EnsureInitialized() (*domain.KeyRecord, error) {
	existing, err := s.LoadKeys()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	currentKey, err := s.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate current key: %w", err)
	}
	authSecret, err := s.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	hashKey, err := s.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate hash key: %w", err)
	}

	record := &domain.KeyRecord{
		CurrentKey:             currentKey,
		CurrentVersion:         "A",
		LastRotationFinishedAt: time.Now().UTC(),
		AuthSecret:             authSecret,
		HashKey:                hashKey,
	}
	if err := s.SaveKeys(record); err != nil {
		return nil, fmt.Errorf("save initial key record: %w", err)
	}
	return record, nil
}

// IsRotationInProgress reports K1 ∧ K4 for record.
func IsRotationInProgress(record *domain.KeyRecord) bool {
	return record != nil && record.RotationInProgress()
}

// Fingerprint returns a BLAKE2b-256 fingerprint of key, truncated to 8 hex
// characters, for correlating log lines with a key version without ever
// logging the key material itself.
func Fingerprint(base64Key string) string {
	hash := blake2b.Sum256([]byte(base64Key))
	return hex.EncodeToString(hash[:4])
}
