// Package queue implements JobQueueService (§4.1): the sole owner of the
// jobs table. Every state transition is serialized through the store's write
// mutex and followed by an event-bus publication; terminal transitions then
// delete the row outside the mutex, in update-then-publish-then-delete order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devhollow/taskqueue/internal/domain"
	"github.com/devhollow/taskqueue/internal/eventbus"
	"github.com/devhollow/taskqueue/internal/storage"
)

// Cipher is the subset of encryption.Provider the queue needs to protect
// job payloads at rest. Payload encryption is optional: a nil Cipher leaves
// payloads stored as plaintext JSON, which keeps unencrypted legacy rows
// (or deployments with no rotation configured) readable.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// EnqueueObserver receives one notification per successful admission, for
// Prometheus export. Optional; a nil observer is simply skipped.
type EnqueueObserver interface {
	RecordEnqueue()
}

// Service implements JobQueueService.
type Service struct {
	repo       Repository
	db         *storage.DB
	bus        *eventbus.Bus
	cipher     Cipher
	instanceID string
	logger     *slog.Logger
	metrics    EnqueueObserver

	mu            sync.Mutex // protects completion/cancellation subscriber maps
	completionSub map[string][]func(*domain.Job)
	cancelSub     map[string][]func(reason string)
}

// New builds a Service. instanceID tags every claim made by this process
// (§2 C1); cipher may be nil to disable payload encryption.
func New(repo Repository, db *storage.DB, bus *eventbus.Bus, cipher Cipher, instanceID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:          repo,
		db:            db,
		bus:           bus,
		cipher:        cipher,
		instanceID:    instanceID,
		logger:        logger,
		completionSub: make(map[string][]func(*domain.Job)),
		cancelSub:     make(map[string][]func(reason string)),
	}
}

// WithMetrics attaches an EnqueueObserver and returns the Service for
// chaining at construction time.
func (s *Service) WithMetrics(m EnqueueObserver) *Service {
	s.metrics = m
	return s
}

// Enqueue admits a new job, enforcing I1 (at most one active sequential job
// per reference) under the store's write mutex.
func (s *Service) Enqueue(ctx context.Context, in domain.NewJob) (*domain.Job, error) {
	var job *domain.Job
	err := s.db.WithWriteLock(func() error {
		if in.ReferenceType != "" && in.ReferenceID != "" && in.Mode == domain.ModeSequential {
			existing, err := s.repo.ActiveSequentialJob(ctx, in.ReferenceType, in.ReferenceID)
			if err != nil {
				return fmt.Errorf("check active sequential job: %w", err)
			}
			if existing != nil {
				return domain.ErrDuplicateActiveJob
			}
		}

		payload, err := s.encryptPayload(in.Payload)
		if err != nil {
			return fmt.Errorf("encrypt payload: %w", err)
		}

		j := &domain.Job{
			ID:            uuid.NewString(),
			Type:          in.Type,
			Status:        domain.StatusPending,
			Mode:          in.Mode,
			Payload:       payload,
			MaxRetries:    in.MaxRetries,
			Priority:      in.Priority,
			ReferenceType: in.ReferenceType,
			ReferenceID:   in.ReferenceID,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.repo.Insert(ctx, j); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.JobEnqueued, JobID: job.ID, Job: job})
	if s.metrics != nil {
		s.metrics.RecordEnqueue()
	}
	return job, nil
}

// EnqueueIfNotExists mirrors Enqueue but reports the duplicate as (nil, nil)
// rather than an error, for callers that treat "already queued" as success.
func (s *Service) EnqueueIfNotExists(ctx context.Context, in domain.NewJob) (*domain.Job, error) {
	job, err := s.Enqueue(ctx, in)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateActiveJob) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// GetNextPendingJob returns the highest-priority, oldest pending job, or nil.
func (s *Service) GetNextPendingJob(ctx context.Context, typeFilter string) (*domain.Job, error) {
	job, err := s.repo.NextPending(ctx, typeFilter)
	if err != nil {
		return nil, err
	}
	return s.decryptInPlace(job)
}

// ClaimJob performs the single atomic admission gate against double
// execution (P2). A zero-row CAS result means either the job is gone
// (ErrJobNotFound) or a peer already claimed it (ErrJobAlreadyClaimed).
func (s *Service) ClaimJob(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	err := s.db.WithWriteLock(func() error {
		now := time.Now().UTC()
		n, err := s.repo.Claim(ctx, id, s.instanceID, now)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if n == 0 {
			existing, getErr := s.repo.Get(ctx, id)
			if getErr != nil {
				return fmt.Errorf("claim job: lookup after failed CAS: %w", getErr)
			}
			if existing == nil {
				return domain.ErrJobNotFound
			}
			return domain.ErrJobAlreadyClaimed
		}
		j, err := s.repo.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("claim job: reload: %w", err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.decryptInPlace(job)
}

// CompleteJob transitions a running job to completed, publishes the
// completion event with the full terminal state, then deletes the row
// (§4.1: update -> publish -> delete).
func (s *Service) CompleteJob(ctx context.Context, id string, result []byte) error {
	return s.terminate(ctx, id, domain.StatusCompleted, result, eventbus.JobCompleted)
}

// FailJob transitions a running job to failed, recording errorDetail as the
// result payload.
func (s *Service) FailJob(ctx context.Context, id string, errorDetail []byte) error {
	return s.terminate(ctx, id, domain.StatusFailed, errorDetail, eventbus.JobFailed)
}

// MarkJobCancelled transitions a running job (whose cancellation the
// processor has just observed take effect) to cancelled.
func (s *Service) MarkJobCancelled(ctx context.Context, id string, reason string) error {
	return s.terminate(ctx, id, domain.StatusCancelled, []byte(reason), eventbus.JobCancelled)
}

func (s *Service) terminate(ctx context.Context, id string, status domain.Status, result []byte, evt eventbus.Type) error {
	var job *domain.Job
	err := s.db.WithWriteLock(func() error {
		j, err := s.repo.CompleteTerminal(ctx, id, status, result, time.Now().UTC())
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyCompletion(job)
	s.bus.Publish(eventbus.Event{Type: evt, JobID: id, Job: job})

	if err := s.repo.Delete(ctx, id); err != nil {
		s.logger.ErrorContext(ctx, "best-effort terminal row delete failed", "job_id", id, "error", err)
	}
	return nil
}

// CancelJob applies the cancellation rules in §4.1: deletes pending jobs
// immediately; stamps running jobs for the processor to finish converting;
// is a no-op (preserving the original reason) on an already-cancelled
// running job; and reports ErrJobNotFound for terminal/absent jobs.
func (s *Service) CancelJob(ctx context.Context, id string, reason string) error {
	var (
		pendingJob *domain.Job
		runningJob *domain.Job
		already    bool
		notFound   bool
	)

	err := s.db.WithWriteLock(func() error {
		now := time.Now().UTC()
		job, err := s.repo.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("cancel job: lookup: %w", err)
		}
		if job == nil {
			notFound = true
			return nil
		}

		switch job.Status {
		case domain.StatusPending:
			cancelled, err := s.repo.CancelPending(ctx, id, reason, now)
			if err != nil {
				return fmt.Errorf("cancel pending job: %w", err)
			}
			pendingJob = cancelled
		case domain.StatusRunning:
			updated, alreadyCancelled, err := s.repo.RequestCancelRunning(ctx, id, reason, now)
			if err != nil {
				return fmt.Errorf("request-cancel running job: %w", err)
			}
			already = alreadyCancelled
			runningJob = updated
		default:
			notFound = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if notFound {
		return domain.ErrJobNotFound
	}

	if pendingJob != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobCancelled, JobID: id, Job: pendingJob, Reason: reason})
		if err := s.repo.Delete(ctx, id); err != nil {
			s.logger.ErrorContext(ctx, "best-effort terminal row delete failed", "job_id", id, "error", err)
		}
		return nil
	}

	if already {
		// Idempotent no-op: the original cancellation already took effect.
		return nil
	}
	s.notifyCancellation(runningJob)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobCancellationRequested, JobID: id, Job: runningJob, Reason: reason})
	return nil
}

// CancelJobs cancels every job matching filter and returns the number of
// jobs touched. Per job it writes the same cancellation fields as CancelJob
// and deletes cancelled pending jobs, but it publishes no events and does not
// notify cancellation subscribers, so the handler of a running job is not
// signalled.
func (s *Service) CancelJobs(ctx context.Context, filter CancelFilter, reason string) (int, error) {
	var n int
	err := s.db.WithWriteLock(func() error {
		count, err := s.repo.CancelFiltered(ctx, filter, reason, time.Now().UTC())
		if err != nil {
			return err
		}
		n = count
		return nil
	})
	return n, err
}

// GetCancellationStatus reports the cancellation fields of a job, if set.
func (s *Service) GetCancellationStatus(ctx context.Context, id string) (*domain.CancellationStatus, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.CancelledAt == nil {
		return nil, nil
	}
	return &domain.CancellationStatus{CancelledAt: *job.CancelledAt, Reason: job.CancelReason}, nil
}

// GetOrphanedJobs returns running jobs claimed by a different process
// instance; used exclusively by orphan recovery at processor startup (§4.4).
func (s *Service) GetOrphanedJobs(ctx context.Context) ([]*domain.Job, error) {
	jobs, err := s.repo.Orphaned(ctx, s.instanceID)
	if err != nil {
		return nil, err
	}
	return s.decryptAllInPlace(jobs)
}

// ResetOrphanedJob reclaims an orphan back to pending, incrementing
// retryCount, or refuses with ErrMaxRetriesExceeded if the cap is reached.
func (s *Service) ResetOrphanedJob(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	err := s.db.WithWriteLock(func() error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("reset orphan: lookup: %w", err)
		}
		if current == nil {
			return domain.ErrJobNotFound
		}
		if current.RetryCount >= current.MaxRetries {
			return domain.ErrMaxRetriesExceeded
		}
		updated, err := s.repo.ResetOrphan(ctx, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("reset orphan: %w", err)
		}
		job = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.decryptInPlace(job)
}

// GetJob looks up a job by id. Terminal jobs are never found this way since
// their rows are deleted immediately upon termination (§4.2); callers must
// subscribe to completion events to observe outcomes.
func (s *Service) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decryptInPlace(job)
}

func (s *Service) GetJobsByStatus(ctx context.Context, status domain.Status) ([]*domain.Job, error) {
	jobs, err := s.repo.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	return s.decryptAllInPlace(jobs)
}

func (s *Service) GetJobsByType(ctx context.Context, jobType string) ([]*domain.Job, error) {
	jobs, err := s.repo.ListByType(ctx, jobType)
	if err != nil {
		return nil, err
	}
	return s.decryptAllInPlace(jobs)
}

func (s *Service) GetActiveJobForReference(ctx context.Context, referenceType, referenceID string) (*domain.Job, error) {
	job, err := s.repo.ActiveSequentialJob(ctx, referenceType, referenceID)
	if err != nil {
		return nil, err
	}
	return s.decryptInPlace(job)
}

func (s *Service) GetJobCounts(ctx context.Context) (domain.JobCounts, error) {
	return s.repo.Counts(ctx)
}

// SubscribeToCompletion registers cb to be called when id reaches
// completed/failed/cancelled via CompleteJob/FailJob/MarkJobCancelled.
// Multiple subscribers per job are allowed (§4.1).
func (s *Service) SubscribeToCompletion(id string, cb func(*domain.Job)) func() {
	s.mu.Lock()
	s.completionSub[id] = append(s.completionSub[id], cb)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		removeSub(s.completionSub, id, cb)
	}
}

// SubscribeToCancellation registers cb to be called when a running job's
// cancellation is requested (not yet terminal; see RequestCancelRunning).
func (s *Service) SubscribeToCancellation(id string, cb func(reason string)) func() {
	s.mu.Lock()
	s.cancelSub[id] = append(s.cancelSub[id], cb)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		removeSub(s.cancelSub, id, cb)
	}
}

// removeSub drops cb from m[id], identified by function pointer since Go
// func values aren't comparable. A free generic function rather than a
// method because methods can't introduce their own type parameters, and
// both the completion (func(*domain.Job)) and cancellation (func(string))
// subscriber maps need it.
func removeSub[T any](m map[string][]T, id string, cb T) {
	subs := m[id]
	target := fmt.Sprintf("%p", cb)
	for i, fn := range subs {
		if fmt.Sprintf("%p", fn) == target {
			m[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (s *Service) notifyCompletion(job *domain.Job) {
	s.mu.Lock()
	subs := append([]func(*domain.Job){}, s.completionSub[job.ID]...)
	delete(s.completionSub, job.ID)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(job)
	}
}

func (s *Service) notifyCancellation(job *domain.Job) {
	s.mu.Lock()
	subs := append([]func(string){}, s.cancelSub[job.ID]...)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(job.CancelReason)
	}
}

func (s *Service) encryptPayload(payload []byte) ([]byte, error) {
	if s.cipher == nil || payload == nil {
		return payload, nil
	}
	ciphertext, err := s.cipher.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	return []byte(ciphertext), nil
}

// decryptInPlace decrypts job.Payload if a cipher is configured. Decryption
// failure is logged and the payload is nulled out rather than propagated,
// matching §4.1's "forward-compatible with unencrypted legacy rows" rule.
func (s *Service) decryptInPlace(job *domain.Job) (*domain.Job, error) {
	if job == nil || s.cipher == nil || len(job.Payload) == 0 {
		return job, nil
	}
	plaintext, err := s.cipher.Decrypt(string(job.Payload))
	if err != nil {
		s.logger.Error("job payload decryption failed, surfacing as empty payload", "job_id", job.ID, "error", err)
		job.Payload = nil
		return job, nil
	}
	job.Payload = plaintext
	return job, nil
}

func (s *Service) decryptAllInPlace(jobs []*domain.Job) ([]*domain.Job, error) {
	for _, j := range jobs {
		if _, err := s.decryptInPlace(j); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}
