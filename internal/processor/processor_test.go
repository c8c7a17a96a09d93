package processor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devhollow/taskqueue/internal/cancellation"
	"github.com/devhollow/taskqueue/internal/domain"
	"github.com/devhollow/taskqueue/internal/eventbus"
	"github.com/devhollow/taskqueue/internal/processor"
	"github.com/devhollow/taskqueue/internal/queue"
	sqlstorage "github.com/devhollow/taskqueue/internal/storage/sql"
)

func newTestQueue(t *testing.T) (*queue.Service, *eventbus.Bus) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := sqlstorage.NewJobRepository(store)
	bus := eventbus.New()
	svc := queue.New(repo, store, bus, nil, "instance-1", nil)
	return svc, bus
}

func TestProcessOneCompletesJobOnHandlerSuccess(t *testing.T) {
	q, _ := newTestQueue(t)
	bus := eventbus.New()
	ctx := context.Background()

	proc := processor.New(q, bus, nil, nil, processor.DefaultConfig(), nil)
	proc.RegisterHandler("echo", func(ctx context.Context, job processor.HandlerJob, token *cancellation.Token) ([]byte, error) {
		return job.Payload, nil
	})

	job, err := q.Enqueue(ctx, domain.NewJob{Type: "echo", Mode: domain.ModeConcurrent, Payload: []byte("hi")})
	require.NoError(t, err)

	processed, err := proc.ProcessOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, processed)
	assert.Equal(t, job.ID, processed.ID)

	_, getErr := q.GetJob(ctx, job.ID)
	require.NoError(t, getErr)
}

func TestProcessOneFailsJobWhenHandlerReturnsError(t *testing.T) {
	q, bus := newTestQueue(t)
	ctx := context.Background()

	proc := processor.New(q, bus, nil, nil, processor.DefaultConfig(), nil)
	proc.RegisterHandler("boom", func(ctx context.Context, job processor.HandlerJob, token *cancellation.Token) ([]byte, error) {
		return nil, errors.New("handler blew up")
	})

	var failedEvent eventbus.Event
	bus.Subscribe(eventbus.JobFailed, func(e eventbus.Event) { failedEvent = e })

	job, err := q.Enqueue(ctx, domain.NewJob{Type: "boom", Mode: domain.ModeConcurrent})
	require.NoError(t, err)

	_, err = proc.ProcessOne(ctx)
	require.NoError(t, err)

	assert.Equal(t, job.ID, failedEvent.JobID)
	require.NotNil(t, failedEvent.Job)
	assert.Equal(t, domain.StatusFailed, failedEvent.Job.Status)
}

func TestProcessOneFailsJobWithNoRegisteredHandler(t *testing.T) {
	q, bus := newTestQueue(t)
	ctx := context.Background()

	proc := processor.New(q, bus, nil, nil, processor.DefaultConfig(), nil)

	var failedEvent eventbus.Event
	bus.Subscribe(eventbus.JobFailed, func(e eventbus.Event) { failedEvent = e })

	_, err := q.Enqueue(ctx, domain.NewJob{Type: "unregistered", Mode: domain.ModeConcurrent})
	require.NoError(t, err)

	_, err = proc.ProcessOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, failedEvent.Job)
	assert.Equal(t, domain.StatusFailed, failedEvent.Job.Status)
}

func TestProcessOneHonorsCooperativeCancellation(t *testing.T) {
	q, bus := newTestQueue(t)
	ctx := context.Background()

	proc := processor.New(q, bus, nil, nil, processor.DefaultConfig(), nil)
	proc.RegisterHandler("slow", func(ctx context.Context, job processor.HandlerJob, token *cancellation.Token) ([]byte, error) {
		<-token.WhenCancelled()
		return nil, token.ThrowIfCancelled()
	})

	job, err := q.Enqueue(ctx, domain.NewJob{Type: "slow", Mode: domain.ModeConcurrent})
	require.NoError(t, err)

	var cancelledEvent eventbus.Event
	bus.Subscribe(eventbus.JobCancelled, func(e eventbus.Event) { cancelledEvent = e })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = proc.ProcessOne(ctx)
	}()

	// Give ProcessOne a moment to claim the job before requesting cancellation.
	require.Eventually(t, func() bool {
		status, err := q.GetJob(ctx, job.ID)
		return err == nil && status != nil && status.Status == domain.StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.CancelJob(ctx, job.ID, "operator request"))
	<-done

	assert.Equal(t, job.ID, cancelledEvent.JobID)
	require.NotNil(t, cancelledEvent.Job)
	assert.Equal(t, domain.StatusCancelled, cancelledEvent.Job.Status)
}

func TestStartRecoversOrphansBeforeProcessing(t *testing.T) {
	ctx := context.Background()
	store, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := sqlstorage.NewJobRepository(store)
	bus := eventbus.New()
	crashedInstance := queue.New(repo, store, bus, nil, "instance-crashed", nil)

	job, err := crashedInstance.Enqueue(ctx, domain.NewJob{Type: "resume", Mode: domain.ModeConcurrent, MaxRetries: 3})
	require.NoError(t, err)
	_, err = crashedInstance.ClaimJob(ctx, job.ID)
	require.NoError(t, err)

	freshInstance := queue.New(repo, store, bus, nil, "instance-fresh", nil)
	completed := make(chan struct{})
	proc := processor.New(freshInstance, bus, nil, nil, processor.Config{
		PollingInterval:        10 * time.Millisecond,
		ShutdownTimeout:        time.Second,
		MaxConsecutiveFailures: 5,
	}, nil)
	proc.RegisterHandler("resume", func(ctx context.Context, job processor.HandlerJob, token *cancellation.Token) ([]byte, error) {
		return nil, nil
	})
	bus.Subscribe(eventbus.JobCompleted, func(e eventbus.Event) {
		if e.JobID == job.ID {
			close(completed)
		}
	})

	proc.Start(ctx)
	defer proc.Stop()

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned job was never picked up and completed by the fresh instance")
	}
}
