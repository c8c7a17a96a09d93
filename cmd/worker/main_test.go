package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devhollow/taskqueue/internal/encryption"
	"github.com/devhollow/taskqueue/internal/eventbus"
	"github.com/devhollow/taskqueue/internal/keystore"
	"github.com/devhollow/taskqueue/internal/processor"
	"github.com/devhollow/taskqueue/internal/queue"
	"github.com/devhollow/taskqueue/internal/rotation"
	sqlstorage "github.com/devhollow/taskqueue/internal/storage/sql"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingTableRepository struct {
	err error
}

func (f failingTableRepository) SelectBatch(ctx context.Context, versionPrefix string, batchSize int) ([]rotation.Row, error) {
	return nil, f.err
}

func (f failingTableRepository) UpdateIfUnchanged(ctx context.Context, id, newValue string, expectedUpdatedAt, now time.Time) (bool, error) {
	return false, f.err
}

func newTestRotationService(t *testing.T) *rotation.Service {
	t.Helper()
	keys := keystore.New(filepath.Join(t.TempDir(), "keys.json"))
	record, err := keys.EnsureInitialized()
	require.NoError(t, err)

	cipher, err := encryption.New(encryption.Keys{Current: record.CurrentKey, CurrentVersion: record.CurrentVersion})
	require.NoError(t, err)

	return rotation.New(keys, cipher, rotation.Config{
		RotationInterval: 90 * 24 * time.Hour,
		BatchSize:        10,
		BatchSleep:       time.Millisecond,
	}, nil)
}

func newTestJobQueue(t *testing.T) *queue.Service {
	t.Helper()
	ctx := context.Background()

	store, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := sqlstorage.NewJobRepository(store)
	return queue.New(repo, store, eventbus.New(), nil, "worker-test", nil)
}

func TestRotationHandlerDelegatesToCheckAndRotate(t *testing.T) {
	rotationSvc := newTestRotationService(t)
	handler := rotationHandler(rotationSvc)

	result, err := handler(context.Background(), processor.HandlerJob{ID: "job-1", Type: rotationJobType}, nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestTriggerManualRotationPropagatesTableErrors(t *testing.T) {
	keys := keystore.New(filepath.Join(t.TempDir(), "keys.json"))
	record, err := keys.EnsureInitialized()
	require.NoError(t, err)
	cipher, err := encryption.New(encryption.Keys{Current: record.CurrentKey, CurrentVersion: record.CurrentVersion})
	require.NoError(t, err)

	rotationSvc := rotation.New(keys, cipher, rotation.Config{
		RotationInterval: 90 * 24 * time.Hour,
		BatchSize:        10,
		BatchSleep:       time.Millisecond,
	}, nil)
	boom := errors.New("table unreachable")
	rotationSvc.RegisterTable("broken", failingTableRepository{err: boom})

	// CheckAndRotate is driven by the handler but the interval has not
	// elapsed right after EnsureInitialized, so the handler body itself
	// stays a no-op; exercise the error path through the same service via
	// TriggerManualRotation, which the rotate subcommand uses to bypass
	// the interval check.
	err = rotationSvc.TriggerManualRotation(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestEnqueueRotationJobIsIdempotentUntilTerminal(t *testing.T) {
	q := newTestJobQueue(t)
	ctx := context.Background()
	logger := testLogger(t)

	enqueueRotationJob(ctx, q, logger)
	enqueueRotationJob(ctx, q, logger)

	jobs, err := q.GetJobsByType(ctx, rotationJobType)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "EnqueueIfNotExists should dedupe the singleton rotation job")
}

func TestScheduleRotationChecksEnqueuesImmediatelyAndStopsOnCall(t *testing.T) {
	q := newTestJobQueue(t)
	ctx := context.Background()
	logger := testLogger(t)

	stop := scheduleRotationChecks(ctx, q, time.Hour, logger)
	defer stop()

	require.Eventually(t, func() bool {
		jobs, err := q.GetJobsByType(ctx, rotationJobType)
		return err == nil && len(jobs) == 1
	}, time.Second, 5*time.Millisecond)

	stop()
	stop() // must be safe to call more than once
}
