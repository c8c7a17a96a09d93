package queue

import (
	"context"
	"time"

	"github.com/devhollow/taskqueue/internal/domain"
)

// Repository is the persistence contract Service drives. It is implemented
// by internal/storage/sql against either Postgres or SQLite; Service itself
// never constructs SQL. Insert, Claim, CompleteTerminal, CancelPending,
// RequestCancelRunning, ResetOrphan and CancelFiltered are called while
// Service holds the storage write mutex (storage.DB.WithWriteLock); reads and
// the best-effort Delete that follows a terminal publication are not. So
// implementations do not need their own locking for cross-statement
// atomicity — only the single-statement CAS semantics required by claim and
// resetOrphan must be guaranteed by the implementation itself.
type Repository interface {
	Insert(ctx context.Context, job *domain.Job) error

	// ActiveSequentialJob returns the pending/running sequential-mode job for
	// (referenceType, referenceId), or nil if none exists. Used to enforce I1.
	ActiveSequentialJob(ctx context.Context, referenceType, referenceID string) (*domain.Job, error)

	// NextPending returns the highest (priority DESC, createdAt ASC) pending
	// job, optionally filtered by type. Returns nil if the queue is empty.
	NextPending(ctx context.Context, typeFilter string) (*domain.Job, error)

	// Claim performs the atomic CAS described in §4.1: set status=running,
	// processInstanceId=instanceID, startedAt=now WHERE id=id AND status=pending.
	// It returns the number of rows changed (0 or 1).
	Claim(ctx context.Context, id, instanceID string, now time.Time) (int64, error)

	Get(ctx context.Context, id string) (*domain.Job, error)

	// CompleteTerminal writes a terminal status (completed/failed/cancelled),
	// result bytes, and completedAt in one transaction and returns the full
	// updated job so the caller can publish it on the event bus. It does not
	// delete the row; Service calls Delete after publishing.
	CompleteTerminal(ctx context.Context, id string, status domain.Status, result []byte, now time.Time) (*domain.Job, error)

	// CancelPending stamps cancellation fields and status=cancelled on a
	// pending job and returns the updated job. Like CompleteTerminal it does
	// not delete the row; the caller deletes it.
	CancelPending(ctx context.Context, id, reason string, now time.Time) (*domain.Job, error)

	// RequestCancelRunning stamps cancelledAt/cancelReason on a job without
	// touching status/processInstanceId/completedAt; it does not check the
	// job's status. Returns the updated job with alreadyCancelled=false, or the
	// job unchanged with alreadyCancelled=true if it was already cancelled
	// (idempotent no-op: the existing reason is preserved). A missing job is
	// domain.ErrJobNotFound.
	RequestCancelRunning(ctx context.Context, id, reason string, now time.Time) (job *domain.Job, alreadyCancelled bool, err error)

	Orphaned(ctx context.Context, selfInstanceID string) ([]*domain.Job, error)

	// ResetOrphan performs the atomic CAS that reclaims an orphaned job:
	// status=pending, processInstanceId='', startedAt=null, retryCount=retryCount+1
	// WHERE id=id AND status=running. Returns the updated job.
	ResetOrphan(ctx context.Context, id string, now time.Time) (*domain.Job, error)

	ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Job, error)
	ListByType(ctx context.Context, jobType string) ([]*domain.Job, error)
	Counts(ctx context.Context) (domain.JobCounts, error)

	// CancelFiltered applies cancellation per-job (same rules as CancelPending/
	// RequestCancelRunning) to every job matching filter and returns the count
	// of jobs it touched.
	CancelFiltered(ctx context.Context, filter CancelFilter, reason string, now time.Time) (int, error)

	Delete(ctx context.Context, id string) error
}

// CancelFilter narrows a bulk CancelJobs call. Empty fields are wildcards.
type CancelFilter struct {
	Type          string
	Status        domain.Status
	ReferenceType string
	ReferenceID   string
}
