package rotation_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devhollow/taskqueue/internal/encryption"
	"github.com/devhollow/taskqueue/internal/keystore"
	"github.com/devhollow/taskqueue/internal/rotation"
	"github.com/devhollow/taskqueue/internal/storage"
	sqlstorage "github.com/devhollow/taskqueue/internal/storage/sql"
)

func fixedGenerator(seed byte) keystore.KeyGenerator {
	return func(n int) ([]byte, error) {
		return bytes.Repeat([]byte{seed}, n), nil
	}
}

func newTestKeystore(t *testing.T, seed byte) *keystore.Store {
	t.Helper()
	return keystore.New(filepath.Join(t.TempDir(), "keys.json")).WithGenerator(fixedGenerator(seed))
}

func openTestStore(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()

	store, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertEncryptedBlob(t *testing.T, db *storage.DB, id, value string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO encrypted_blobs (id, value, is_encrypted, updated_at) VALUES (?, ?, 1, ?)`,
		id, value, time.Now().UTC())
	require.NoError(t, err)
}

func TestCheckAndRotateIsNoOpBeforeIntervalElapses(t *testing.T) {
	keys := newTestKeystore(t, 0x01)
	_, err := keys.EnsureInitialized()
	require.NoError(t, err)

	record, err := keys.LoadKeys()
	require.NoError(t, err)
	provider, err := encryption.New(encryption.Keys{Current: record.CurrentKey, CurrentVersion: record.CurrentVersion})
	require.NoError(t, err)

	svc := rotation.New(keys, provider, rotation.Config{
		RotationInterval: 90 * 24 * time.Hour,
		BatchSize:        10,
		BatchSleep:       time.Millisecond,
	}, nil)

	require.NoError(t, svc.CheckAndRotate(context.Background(), nil))

	after, err := keys.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, record.CurrentVersion, after.CurrentVersion)
	assert.False(t, after.RotationInProgress())
}

func TestTriggerManualRotationAdvancesVersionAndClearsPhasedOut(t *testing.T) {
	keys := keystore.New(filepath.Join(t.TempDir(), "keys.json"))
	_, err := keys.EnsureInitialized()
	require.NoError(t, err)

	before, err := keys.LoadKeys()
	require.NoError(t, err)
	provider, err := encryption.New(encryption.Keys{Current: before.CurrentKey, CurrentVersion: before.CurrentVersion})
	require.NoError(t, err)

	svc := rotation.New(keys, provider, rotation.Config{
		RotationInterval: 90 * 24 * time.Hour,
		BatchSize:        10,
		BatchSleep:       time.Millisecond,
	}, nil)

	require.NoError(t, svc.TriggerManualRotation(context.Background(), nil))

	after, err := keys.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, "B", after.CurrentVersion)
	assert.False(t, after.RotationInProgress(), "a rotation with no rows to migrate finalizes immediately")
	assert.NotEqual(t, before.CurrentKey, after.CurrentKey)
}

func TestTriggerManualRotationReencryptsRegisteredTableRows(t *testing.T) {
	keys := newTestKeystore(t, 0x03)
	_, err := keys.EnsureInitialized()
	require.NoError(t, err)

	record, err := keys.LoadKeys()
	require.NoError(t, err)
	provider, err := encryption.New(encryption.Keys{Current: record.CurrentKey, CurrentVersion: record.CurrentVersion})
	require.NoError(t, err)

	oldCiphertext, err := provider.Encrypt([]byte("secret payload"))
	require.NoError(t, err)

	db := openTestStore(t)
	insertEncryptedBlob(t, db, "row-1", oldCiphertext)

	svc := rotation.New(keys, provider, rotation.Config{
		RotationInterval: 90 * 24 * time.Hour,
		BatchSize:        10,
		BatchSleep:       time.Millisecond,
	}, nil)
	svc.RegisterTable("encrypted_blobs", sqlstorage.NewTableRepository(db, "encrypted_blobs", true))

	require.NoError(t, svc.TriggerManualRotation(context.Background(), nil))

	after, err := keys.LoadKeys()
	require.NoError(t, err)
	assert.False(t, after.RotationInProgress())

	repo := sqlstorage.NewTableRepository(db, "encrypted_blobs", true)
	staleRows, err := repo.SelectBatch(context.Background(), record.CurrentVersion, 10)
	require.NoError(t, err)
	assert.Empty(t, staleRows, "no row should still carry the phased-out version prefix after rotation completes")

	freshRows, err := repo.SelectBatch(context.Background(), after.CurrentVersion, 10)
	require.NoError(t, err)
	require.Len(t, freshRows, 1)

	plaintext, err := provider.Decrypt(freshRows[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(plaintext))
}

func TestIsRotatingReflectsInFlightState(t *testing.T) {
	keys := newTestKeystore(t, 0x04)
	_, err := keys.EnsureInitialized()
	require.NoError(t, err)

	record, err := keys.LoadKeys()
	require.NoError(t, err)
	provider, err := encryption.New(encryption.Keys{Current: record.CurrentKey, CurrentVersion: record.CurrentVersion})
	require.NoError(t, err)

	svc := rotation.New(keys, provider, rotation.DefaultConfig(), nil)
	assert.False(t, svc.IsRotating())
}
