// Command worker runs the job processor and key rotation subsystems side
// by side in a single long-running process (§6 "Wiring").
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devhollow/taskqueue/internal/cancellation"
	"github.com/devhollow/taskqueue/internal/config"
	"github.com/devhollow/taskqueue/internal/domain"
	"github.com/devhollow/taskqueue/internal/encryption"
	"github.com/devhollow/taskqueue/internal/eventbus"
	"github.com/devhollow/taskqueue/internal/instanceid"
	"github.com/devhollow/taskqueue/internal/keystore"
	"github.com/devhollow/taskqueue/internal/metrics"
	"github.com/devhollow/taskqueue/internal/observability"
	"github.com/devhollow/taskqueue/internal/processor"
	"github.com/devhollow/taskqueue/internal/queue"
	"github.com/devhollow/taskqueue/internal/rotation"
	"github.com/devhollow/taskqueue/internal/storage"
	sqlstorage "github.com/devhollow/taskqueue/internal/storage/sql"
)

// rotationJobType is the handler key the rotation worker is driven under,
// per the decision recorded in DESIGN.md: rotation is a job like any other
// rather than its own ticker loop, so it shares the processor's single-
// flight dispatch, orphan recovery, and consecutive-failure fuse.
const rotationJobType = "key_rotation"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lp, logger, err := observability.InitLogger(ctx, observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	instance := instanceid.New()
	slog.InfoContext(ctx, "starting taskqueue worker", "instance_id", instance.String())

	driver := cfg.Database.Driver
	if driver == "postgres" {
		driver = "pgx"
	}
	store, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver:          driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	keys := keystore.New(cfg.Rotation.KeyFilePath)
	record, err := keys.EnsureInitialized()
	if err != nil {
		return fmt.Errorf("initialize key record: %w", err)
	}
	cipher, err := encryption.New(encryption.Keys{
		Current:          record.CurrentKey,
		CurrentVersion:   record.CurrentVersion,
		PhasedOut:        record.PhasedOutKey,
		PhasedOutVersion: record.PhasedOutVersion,
	})
	if err != nil {
		return fmt.Errorf("build encryption provider: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			if err := collector.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Path); err != nil {
				slog.ErrorContext(ctx, "metrics server exited with error", "error", err)
			}
		}()
	}

	bus := eventbus.New()
	jobRepo := sqlstorage.NewJobRepository(store)
	jobQueue := queue.New(jobRepo, store, bus, cipher, instance.String(), logger)
	if collector != nil {
		jobQueue = jobQueue.WithMetrics(collector)
	}

	rotationSvc := rotation.New(keys, cipher, rotation.Config{
		RotationInterval: cfg.Rotation.RotationInterval(),
		BatchSize:        cfg.Rotation.BatchSize,
		BatchSleep:       cfg.Rotation.BatchSleep(),
	}, logger)
	if collector != nil {
		rotationSvc = rotationSvc.WithMetrics(collector)
	}
	registerEncryptedTables(rotationSvc, store)

	// A nil *metrics.Collector assigned directly to the Metrics interface
	// parameter below would produce a non-nil interface wrapping a nil
	// pointer, defeating processor.Service's "if s.metrics != nil" guard.
	var procMetrics processor.Metrics
	if collector != nil {
		procMetrics = collector
	}
	proc := processor.New(jobQueue, bus, rotationSvc, procMetrics, processor.Config{
		PollingInterval:        cfg.Processor.PollingInterval(),
		ShutdownTimeout:        cfg.Processor.ShutdownTimeout(),
		MaxConsecutiveFailures: uint32(cfg.Processor.MaxConsecutiveFailures),
	}, logger)
	proc.RegisterHandler(rotationJobType, rotationHandler(rotationSvc))

	proc.Start(ctx)
	defer proc.Stop()

	stopRotationTicker := scheduleRotationChecks(ctx, jobQueue, cfg.Rotation.CheckInterval(), logger)
	defer stopRotationTicker()

	slog.InfoContext(ctx, "worker ready",
		"driver", cfg.Database.Driver,
		"polling_interval", cfg.Processor.PollingInterval(),
		"rotation_interval_days", cfg.Rotation.RotationIntervalDays)

	<-ctx.Done()
	slog.InfoContext(context.Background(), "shutdown signal received, draining in-flight work")
	return nil
}

// registerEncryptedTables wires every table storing version-prefixed
// ciphertext into the rotation worker's re-encryption sweep. Job payloads
// live in a BYTEA/BLOB column and fall outside the generic "value"/
// "updated_at" shape the batch loop expects (§4.9), so they are not
// registered here; encrypted_blobs is the reference table matching that
// shape, for deployments that store other sensitive records alongside the
// queue and want them swept by the same rotation worker.
func registerEncryptedTables(rotationSvc *rotation.Service, store *storage.DB) {
	rotationSvc.RegisterTable("encrypted_blobs", sqlstorage.NewTableRepository(store, "encrypted_blobs", true))
}

// rotationHandler adapts rotation.Service.CheckAndRotate to the processor's
// Handler signature. *cancellation.Token already satisfies the small
// rotation.Cancellable interface, so no further translation is needed.
func rotationHandler(rotationSvc *rotation.Service) processor.Handler {
	return func(ctx context.Context, _ processor.HandlerJob, token *cancellation.Token) ([]byte, error) {
		if err := rotationSvc.CheckAndRotate(ctx, token); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// scheduleRotationChecks periodically self-enqueues a "key_rotation" job so
// the processor's own loop drives rotation checks rather than a second
// independent ticker (Open Question decision: rotation is job-driven).
func scheduleRotationChecks(ctx context.Context, q *queue.Service, interval time.Duration, logger *slog.Logger) func() {
	if interval <= 0 {
		interval = time.Hour
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		enqueueRotationJob(ctx, q, logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				enqueueRotationJob(ctx, q, logger)
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

func enqueueRotationJob(ctx context.Context, q *queue.Service, logger *slog.Logger) {
	_, err := q.EnqueueIfNotExists(ctx, domain.NewJob{
		Type:          rotationJobType,
		Mode:          domain.ModeSequential,
		ReferenceType: rotationJobType,
		ReferenceID:   "singleton",
		MaxRetries:    3,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to enqueue rotation check job", "error", err)
	}
}
