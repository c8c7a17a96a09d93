// Package rotation implements KeyRotationService (§2 C9, §4.8, §4.9): it
// drives the key record from (current=X, phased_out=nil) through
// (current=Y, phased_out=X) back to (current=Y, phased_out=nil), re-
// encrypting every ciphertext bearing prefix X along the way.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devhollow/taskqueue/internal/domain"
	"github.com/devhollow/taskqueue/internal/encryption"
	"github.com/devhollow/taskqueue/internal/keystore"
)

// Row is one candidate record surfaced by a batch selection (§4.9).
type Row struct {
	ID        string
	Value     string
	UpdatedAt time.Time
}

// TableRepository is the persistence contract for a single table
// participating in re-encryption, implemented by internal/storage/sql.
type TableRepository interface {
	SelectBatch(ctx context.Context, versionPrefix string, batchSize int) ([]Row, error)
	UpdateIfUnchanged(ctx context.Context, id, newValue string, expectedUpdatedAt, now time.Time) (changed bool, err error)
}

// Cancellable is the subset of cancellation.Token a rotation driven as a
// job needs to observe between tables and batches (§4.8 Cancellation).
type Cancellable interface {
	IsCancelled() bool
}

// Metrics receives rotation progress notifications for Prometheus export.
// Optional; a nil Metrics leaves rotation silent on this front.
type Metrics interface {
	SetRotationInProgress(inProgress bool)
	AddRotationProgress(rows int)
	ResetRotationProgress()
}

// Config governs batch pacing and the rotation interval (§6.4).
type Config struct {
	RotationInterval time.Duration
	BatchSize        int
	BatchSleep       time.Duration
}

// DefaultConfig matches §6.4's defaults.
func DefaultConfig() Config {
	return Config{
		RotationInterval: 90 * 24 * time.Hour,
		BatchSize:        100,
		BatchSleep:       100 * time.Millisecond,
	}
}

// Service orchestrates rotation across every registered table.
type Service struct {
	keys     *keystore.Store
	provider *encryption.Provider
	tables   map[string]TableRepository
	cfg      Config
	logger   *slog.Logger
	metrics  Metrics

	mu         sync.Mutex
	isRotating bool
}

// New builds a Service. Tables are registered with RegisterTable before the
// first CheckAndRotate call.
func New(keys *keystore.Store, provider *encryption.Provider, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		keys:     keys,
		provider: provider,
		tables:   make(map[string]TableRepository),
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterTable adds a table to the set re-encrypted during rotation. Call
// before CheckAndRotate; the map is not safe for concurrent registration
// once rotation has started.
func (s *Service) RegisterTable(name string, repo TableRepository) {
	s.tables[name] = repo
}

// WithMetrics attaches a Metrics sink and returns the Service for chaining
// at construction time.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// CheckAndRotate runs one control-flow cycle of §4.8: resume an in-flight
// rotation, start a new one if due, or return immediately if neither
// applies. It is the handler body registered for job type "key_rotation"
// (see Open Question decision #1 in DESIGN.md).
func (s *Service) CheckAndRotate(ctx context.Context, cancel Cancellable) error {
	if !s.tryBeginRotating() {
		s.logger.DebugContext(ctx, "rotation already in progress, skipping cycle")
		return nil
	}
	defer s.finishRotating()

	return s.runCycle(ctx, cancel, false)
}

// TriggerManualRotation bypasses the interval check but still defers to an
// in-flight rotation rather than starting a second one (§4.8 "Manual trigger").
func (s *Service) TriggerManualRotation(ctx context.Context, cancel Cancellable) error {
	if !s.tryBeginRotating() {
		s.logger.DebugContext(ctx, "rotation already in progress, refusing manual trigger")
		return nil
	}
	defer s.finishRotating()

	return s.runCycle(ctx, cancel, true)
}

// IsRotating reports whether a rotation cycle is currently executing,
// satisfying processor.RotationObserver so the consecutive-failure fuse can
// log a CRITICAL diagnostic instead of a routine one when it trips mid-rotation.
func (s *Service) IsRotating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRotating
}

func (s *Service) tryBeginRotating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRotating {
		return false
	}
	s.isRotating = true
	if s.metrics != nil {
		s.metrics.SetRotationInProgress(true)
		s.metrics.ResetRotationProgress()
	}
	return true
}

// finishRotating is the guaranteed-run finalizer from §4.8 step 8.
func (s *Service) finishRotating() {
	s.mu.Lock()
	s.isRotating = false
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetRotationInProgress(false)
	}
}

func (s *Service) runCycle(ctx context.Context, cancel Cancellable, force bool) error {
	record, err := s.keys.LoadKeys()
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	if record == nil {
		return fmt.Errorf("rotation requires an initialized key record")
	}

	if keystore.IsRotationInProgress(record) {
		s.logger.InfoContext(ctx, "resuming in-flight rotation",
			"phased_out_version", record.PhasedOutVersion,
			"current_version", record.CurrentVersion)
	} else {
		if !force {
			nextDue := record.LastRotationFinishedAt.Add(s.cfg.RotationInterval)
			if time.Now().UTC().Before(nextDue) {
				s.logger.DebugContext(ctx, "rotation not yet due", "next_due_at", nextDue)
				return nil
			}
		}

		record, err = s.startNewRotation(ctx, record)
		if err != nil {
			return fmt.Errorf("start new rotation: %w", err)
		}
	}

	if err := s.reencryptAll(ctx, cancel, record.PhasedOutVersion); err != nil {
		if errors.Is(err, errInterrupted) {
			// Leave the record as-is: phased_out_* is still persisted from
			// startNewRotation (or a prior resume), so the next start
			// resumes re-encryption rather than finalizing prematurely.
			s.logger.InfoContext(ctx, "rotation left in progress after cancellation",
				"phased_out_version", record.PhasedOutVersion)
			return nil
		}
		return fmt.Errorf("re-encrypt phased-out rows: %w", err)
	}

	return s.finalize(ctx, record)
}

// startNewRotation implements §4.8 step 5: generate fresh key material,
// swap current -> phased_out, persist, and hot-swap the provider.
func (s *Service) startNewRotation(ctx context.Context, record *domain.KeyRecord) (*domain.KeyRecord, error) {
	newKey, err := s.keys.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate new key: %w", err)
	}
	newAuthSecret, err := s.keys.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate new auth secret: %w", err)
	}

	updated := &domain.KeyRecord{
		CurrentKey:             newKey,
		CurrentVersion:         s.keys.GetNextVersion(record.CurrentVersion),
		PhasedOutKey:           record.CurrentKey,
		PhasedOutVersion:       record.CurrentVersion,
		LastRotationFinishedAt: record.LastRotationFinishedAt,
		AuthSecret:             newAuthSecret,
		HashKey:                record.HashKey,
	}

	if err := s.keys.SaveKeys(updated); err != nil {
		return nil, fmt.Errorf("save phased-out key record: %w", err)
	}

	if err := s.provider.UpdateKeys(encryption.Keys{
		Current:          updated.CurrentKey,
		CurrentVersion:   updated.CurrentVersion,
		PhasedOut:        updated.PhasedOutKey,
		PhasedOutVersion: updated.PhasedOutVersion,
	}); err != nil {
		return nil, fmt.Errorf("hot-swap provider keys: %w", err)
	}

	s.logger.InfoContext(ctx, "started new key rotation",
		"new_version", updated.CurrentVersion,
		"phased_out_version", updated.PhasedOutVersion,
		"new_key_fingerprint", keystore.Fingerprint(updated.CurrentKey))
	return updated, nil
}

// finalize implements §4.8 steps 7: clear phased-out fields, stamp
// completion, persist, and swap the provider down to a single key.
func (s *Service) finalize(ctx context.Context, record *domain.KeyRecord) error {
	completed := &domain.KeyRecord{
		CurrentKey:             record.CurrentKey,
		CurrentVersion:         record.CurrentVersion,
		LastRotationFinishedAt: time.Now().UTC(),
		AuthSecret:             record.AuthSecret,
		HashKey:                record.HashKey,
	}

	if err := s.keys.SaveKeys(completed); err != nil {
		// §7: failure to save keys during a completed rotation is an
		// operator warning, not a lost rotation — re-encryption already
		// finished, so the next resume corrects the bookkeeping.
		s.logger.ErrorContext(ctx, "failed to persist completed rotation; re-encryption succeeded but bookkeeping lagged, next resume will correct",
			"error", err)
		return fmt.Errorf("save completed key record: %w", err)
	}

	if err := s.provider.UpdateKeys(encryption.Keys{
		Current:        completed.CurrentKey,
		CurrentVersion: completed.CurrentVersion,
	}); err != nil {
		return fmt.Errorf("hot-swap provider to single key: %w", err)
	}

	s.logger.InfoContext(ctx, "rotation complete", "current_version", completed.CurrentVersion)
	return nil
}
