// Package processor implements JobProcessorService (§2 C6, §4.3): the
// long-running dispatcher that drives jobs to terminal states one at a time
// per instance, with orphan recovery at startup, event-driven wakeup, and a
// circuit-breaker-shaped consecutive-failure guard.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/devhollow/taskqueue/internal/cancellation"
	"github.com/devhollow/taskqueue/internal/domain"
	"github.com/devhollow/taskqueue/internal/eventbus"
)

// Queue is the subset of queue.Service the processor drives jobs through.
type Queue interface {
	GetNextPendingJob(ctx context.Context, typeFilter string) (*domain.Job, error)
	ClaimJob(ctx context.Context, id string) (*domain.Job, error)
	CompleteJob(ctx context.Context, id string, result []byte) error
	FailJob(ctx context.Context, id string, errorDetail []byte) error
	MarkJobCancelled(ctx context.Context, id string, reason string) error
	GetCancellationStatus(ctx context.Context, id string) (*domain.CancellationStatus, error)
	GetOrphanedJobs(ctx context.Context) ([]*domain.Job, error)
	ResetOrphanedJob(ctx context.Context, id string) (*domain.Job, error)
	SubscribeToCancellation(id string, cb func(reason string)) func()
}

// RotationObserver lets the processor log a CRITICAL diagnostic when the
// consecutive-failure fuse trips while a key rotation is in progress,
// without the processor package depending on the full rotation.Service.
type RotationObserver interface {
	IsRotating() bool
}

// Metrics receives per-job outcome events for Prometheus export. Optional;
// a nil Metrics leaves the processor silent on this front.
type Metrics interface {
	RecordCompleted(latency time.Duration)
	RecordFailed(latency time.Duration)
	RecordCancelled()
}

// Config governs polling cadence, shutdown behavior, and the failure fuse
// (§6.4).
type Config struct {
	PollingInterval        time.Duration
	ShutdownTimeout        time.Duration
	MaxConsecutiveFailures uint32
}

// DefaultConfig matches §6.4's defaults.
func DefaultConfig() Config {
	return Config{
		PollingInterval:        5 * time.Second,
		ShutdownTimeout:        60 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

// Service implements JobProcessorService.
type Service struct {
	queue    Queue
	bus      *eventbus.Bus
	rotation RotationObserver
	metrics  Metrics
	cfg      Config
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker

	mu       sync.Mutex
	handlers map[string]Handler
	started  bool
	stopping bool

	wakeup   chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}

	unsubEnqueued  eventbus.Unsubscribe
	unsubCompleted eventbus.Unsubscribe

	inFlight sync.WaitGroup
}

// New builds a Service. rotation may be nil if no rotation subsystem is
// wired (the CRITICAL diagnostic on fuse-trip is simply skipped then).
// metrics may be nil, in which case job outcomes are not exported.
func New(queue Queue, bus *eventbus.Bus, rotation RotationObserver, metrics Metrics, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		queue:    queue,
		bus:      bus,
		rotation: rotation,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		wakeup:   make(chan struct{}, 1),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "job-processor",
		MaxRequests: 1,
		Interval:    0, // never reset counts on a rolling timer; only a state change resets them
		Timeout:     cfg.ShutdownTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			s.onBreakerStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			// A cooperative cancellation (§4.3) is an intentional outcome,
			// not a processing failure, and must not count toward the
			// consecutive-failure fuse.
			var cancelled *domain.CancellationSignal
			return err == nil || errors.As(err, &cancelled)
		},
	})
	return s
}

func (s *Service) onBreakerStateChange(from, to gobreaker.State) {
	if to != gobreaker.StateOpen {
		return
	}
	if s.rotation != nil && s.rotation.IsRotating() {
		s.logger.Error("CRITICAL: job processor tripped its consecutive-failure fuse while a key rotation is in progress; "+
			"manual recovery required — inspect the key record and re-encryption progress before restarting the worker",
			"consecutive_failures", s.cfg.MaxConsecutiveFailures)
		return
	}
	s.logger.Error("job processor tripped its consecutive-failure fuse and has stopped dispatching new jobs",
		"consecutive_failures", s.cfg.MaxConsecutiveFailures)
}

// RegisterHandler adds a handler for jobType. The handler map is guarded by
// the service mutex, so handlers may also be registered after Start.
func (s *Service) RegisterHandler(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

// UnregisterHandler removes the handler for jobType.
func (s *Service) UnregisterHandler(jobType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, jobType)
}

// HasHandler reports whether jobType has a registered handler.
func (s *Service) HasHandler(jobType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[jobType]
	return ok
}

func (s *Service) handlerFor(jobType string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[jobType]
	return h, ok
}

// Start runs orphan recovery, then enters the process loop on its own
// goroutine. A second Start call while already started is a logged no-op
// (§4.3).
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("processor Start called while already started, ignoring")
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	s.recoverOrphans(ctx)

	s.unsubEnqueued = s.bus.Subscribe(eventbus.JobEnqueued, func(eventbus.Event) { s.signalWakeup() })
	s.unsubCompleted = s.bus.Subscribe(eventbus.JobCompleted, func(eventbus.Event) { s.signalWakeup() })

	go s.loop(ctx)
}

// Stop marks stopRequested, cancels wakeups, unsubscribes event handlers,
// waits up to ShutdownTimeout for any in-flight handler, then returns. A
// handler still running past the timeout is abandoned, not killed (§5).
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	if s.unsubEnqueued != nil {
		s.unsubEnqueued()
	}
	if s.unsubCompleted != nil {
		s.unsubCompleted()
	}
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		<-s.loopDone
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("processor shutdown timed out with a handler still running, abandoning it")
	}
}

func (s *Service) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// loop implements the process loop pseudocode in §4.3: drain pending jobs,
// and when the drain empties, wait for a timer, a wakeup signal, or stop.
func (s *Service) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.drain(ctx)

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wakeup:
		}
	}
}

func (s *Service) drain(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		// Once the consecutive-failure fuse has tripped, the loop dispatches
		// no further jobs; ProcessOne still runs jobs through the breaker.
		if s.breaker.State() != gobreaker.StateClosed {
			return
		}

		job, err := s.queue.GetNextPendingJob(ctx, "")
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to fetch next pending job", "error", err)
			return
		}
		if job == nil {
			return
		}
		s.processJob(ctx, job)
	}
}

// ProcessOne pulls and processes a single job synchronously, for manual
// operation outside the loop (e.g. tests, one-shot CLI runs).
func (s *Service) ProcessOne(ctx context.Context) (*domain.Job, error) {
	job, err := s.queue.GetNextPendingJob(ctx, "")
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	s.processJob(ctx, job)
	return job, nil
}

func (s *Service) recoverOrphans(ctx context.Context) {
	orphans, err := s.queue.GetOrphanedJobs(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "orphan recovery: failed to list orphaned jobs", "error", err)
		return
	}
	for _, j := range orphans {
		if _, err := s.queue.ResetOrphanedJob(ctx, j.ID); err != nil {
			if errors.Is(err, domain.ErrMaxRetriesExceeded) {
				detail, _ := json.Marshal(domain.HandlerError{
					Name:    "OrphanRetriesExceeded",
					Message: "orphaned job exceeded its maximum retry count during startup recovery",
				})
				if failErr := s.queue.FailJob(ctx, j.ID, detail); failErr != nil {
					s.logger.ErrorContext(ctx, "orphan recovery: failed to fail exhausted job", "job_id", j.ID, "error", failErr)
				}
				continue
			}
			s.logger.ErrorContext(ctx, "orphan recovery: failed to reset orphan", "job_id", j.ID, "error", err)
		}
	}
}

// processJob implements §4.3 steps 1-8.
func (s *Service) processJob(ctx context.Context, job *domain.Job) {
	handler, ok := s.handlerFor(job.Type)
	if !ok {
		detail, _ := json.Marshal(domain.HandlerError{Name: "NoHandlerError", Message: (&domain.NoHandlerError{Type: job.Type}).Error()})
		if err := s.queue.FailJob(ctx, job.ID, detail); err != nil {
			s.logger.ErrorContext(ctx, "failed to fail job with no handler", "job_id", job.ID, "error", err)
		}
		return
	}

	status, err := s.queue.GetCancellationStatus(ctx, job.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to check cancellation status before claim", "job_id", job.ID, "error", err)
		return
	}
	if status != nil {
		if err := s.queue.MarkJobCancelled(ctx, job.ID, status.Reason); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark pre-cancelled job cancelled", "job_id", job.ID, "error", err)
		}
		return
	}

	claimed, err := s.queue.ClaimJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			s.logger.InfoContext(ctx, "job already claimed by a peer, skipping", "job_id", job.ID)
			return
		}
		s.logger.ErrorContext(ctx, "failed to claim job", "job_id", job.ID, "error", err)
		return
	}

	token, cancel := cancellation.New()
	unsub := s.queue.SubscribeToCancellation(claimed.ID, func(reason string) { cancel(reason) })

	s.inFlight.Add(1)
	defer func() {
		unsub()
		s.inFlight.Done()
	}()

	s.runHandler(ctx, handler, claimed, token)
}

func (s *Service) runHandler(ctx context.Context, handler Handler, job *domain.Job, token *cancellation.Token) {
	hj := HandlerJob{
		ID:            job.ID,
		Type:          job.Type,
		Payload:       job.Payload,
		RetryCount:    job.RetryCount,
		MaxRetries:    job.MaxRetries,
		Priority:      job.Priority,
		ReferenceType: job.ReferenceType,
		ReferenceID:   job.ReferenceID,
	}

	result, handlerErr := s.breaker.Execute(func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return handler(ctx, hj, token)
	})

	if handlerErr != nil {
		if handlerErr == gobreaker.ErrOpenState || handlerErr == gobreaker.ErrTooManyRequests {
			// The job was already claimed (status=running, owned by this
			// instance) before the breaker rejected the call, and steady-
			// state orphan recovery only ever reclaims jobs claimed by a
			// *different* instance (§4.3 step 1), so leaving it pending
			// here would strand it running forever. Fail it instead; a
			// future attempt is whatever retry policy the job itself carries.
			s.logger.WarnContext(ctx, "processor fuse is open, failing already-claimed job rather than leaving it stuck running", "job_id", job.ID)
			detail, _ := json.Marshal(domain.HandlerError{Name: "CircuitBreakerOpenError", Message: handlerErr.Error()})
			if err := s.queue.FailJob(ctx, job.ID, detail); err != nil {
				s.logger.ErrorContext(ctx, "failed to fail job while fuse is open", "job_id", job.ID, "error", err)
			}
			if s.metrics != nil {
				s.metrics.RecordFailed(s.jobLatency(job))
			}
			return
		}

		var cancelled *domain.CancellationSignal
		if errors.As(handlerErr, &cancelled) {
			if err := s.queue.MarkJobCancelled(ctx, job.ID, token.Reason()); err != nil {
				s.logger.ErrorContext(ctx, "failed to mark cancelled job cancelled", "job_id", job.ID, "error", err)
			}
			if s.metrics != nil {
				s.metrics.RecordCancelled()
			}
			return
		}

		detail, _ := json.Marshal(domain.HandlerError{Name: "HandlerError", Message: handlerErr.Error()})
		if err := s.queue.FailJob(ctx, job.ID, detail); err != nil {
			s.logger.ErrorContext(ctx, "failed to fail job after handler error", "job_id", job.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.RecordFailed(s.jobLatency(job))
		}
		return
	}

	if token.IsCancelled() {
		if err := s.queue.MarkJobCancelled(ctx, job.ID, token.Reason()); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark cancelled job cancelled", "job_id", job.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.RecordCancelled()
		}
		return
	}

	resultBytes, _ := result.([]byte)
	if err := s.queue.CompleteJob(ctx, job.ID, resultBytes); err != nil {
		s.logger.ErrorContext(ctx, "failed to complete job", "job_id", job.ID, "error", fmt.Errorf("complete: %w", err))
	}
	if s.metrics != nil {
		s.metrics.RecordCompleted(s.jobLatency(job))
	}
}

// jobLatency measures from claim to now; StartedAt is stamped by ClaimJob
// so it is always set by the time a handler has run.
func (s *Service) jobLatency(job *domain.Job) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	return time.Since(*job.StartedAt)
}
