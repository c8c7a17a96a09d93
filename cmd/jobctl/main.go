// Command jobctl is an operator tool for the job queue: enqueue jobs from a
// file, inspect queue depth, trigger a rotation cycle out of band, and show
// key record metadata without ever printing key material. It connects to
// the same database the worker uses and opens no network listener of its
// own (§6 "Wiring").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/devhollow/taskqueue/internal/config"
	"github.com/devhollow/taskqueue/internal/domain"
	"github.com/devhollow/taskqueue/internal/encryption"
	"github.com/devhollow/taskqueue/internal/eventbus"
	"github.com/devhollow/taskqueue/internal/instanceid"
	"github.com/devhollow/taskqueue/internal/keystore"
	"github.com/devhollow/taskqueue/internal/queue"
	"github.com/devhollow/taskqueue/internal/rotation"
	"github.com/devhollow/taskqueue/internal/storage"
	sqlstorage "github.com/devhollow/taskqueue/internal/storage/sql"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobctl",
		Short: "Operate a taskqueue deployment: enqueue, inspect, rotate",
	}

	root.AddCommand(buildEnqueueCommand())
	root.AddCommand(buildStatusCommand())
	root.AddCommand(buildRotateCommand())
	root.AddCommand(buildKeysCommand())

	return root
}

// jobInput is the JSON shape accepted by `jobctl enqueue -f`. Payload is
// passed through to the job's Payload field verbatim after re-marshalling,
// so handlers see whatever structure the caller put there.
type jobInput struct {
	Type          string          `json:"type"`
	Mode          string          `json:"mode"`
	Payload       json.RawMessage `json:"payload"`
	MaxRetries    int             `json:"max_retries"`
	Priority      int             `json:"priority"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
}

func buildEnqueueCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue one or more jobs from a JSON file",
		Long: `Reads a JSON array of job definitions and enqueues each one.

Example file:
[
  {"type": "send_email", "mode": "concurrent", "payload": {"to": "a@example.com"}},
  {"type": "billing_sync", "mode": "sequential", "reference_type": "account", "reference_id": "acct-1"}
]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("-f/--file is required")
			}
			return runEnqueue(cmd.Context(), file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing job definitions")
	return cmd
}

func runEnqueue(ctx context.Context, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}

	var inputs []jobInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("parse job file: %w", err)
	}
	if len(inputs) == 0 {
		return fmt.Errorf("job file contains no jobs")
	}

	jobQueue, closeFn, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	for i, in := range inputs {
		mode := domain.ModeConcurrent
		if in.Mode != "" {
			mode = domain.ExecutionMode(in.Mode)
		}
		var payload []byte
		if len(in.Payload) > 0 {
			payload = []byte(in.Payload)
		}

		job, err := jobQueue.Enqueue(ctx, domain.NewJob{
			Type:          in.Type,
			Mode:          mode,
			Payload:       payload,
			MaxRetries:    in.MaxRetries,
			Priority:      in.Priority,
			ReferenceType: in.ReferenceType,
			ReferenceID:   in.ReferenceID,
		})
		if err != nil {
			return fmt.Errorf("enqueue job %d (%s): %w", i, in.Type, err)
		}
		fmt.Printf("enqueued %s  type=%s  mode=%s  status=%s\n", job.ID, job.Type, job.Mode, job.Status)
	}

	fmt.Printf("%d job(s) enqueued\n", len(inputs))
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	jobQueue, closeFn, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	counts, err := jobQueue.GetJobCounts(ctx)
	if err != nil {
		return fmt.Errorf("get job counts: %w", err)
	}

	fmt.Printf("pending: %d\n", counts.Pending)
	fmt.Printf("running: %d\n", counts.Running)

	orphans, err := jobQueue.GetOrphanedJobs(ctx)
	if err != nil {
		return fmt.Errorf("get orphaned jobs: %w", err)
	}
	fmt.Printf("orphaned (running under a dead instance): %d\n", len(orphans))
	return nil
}

func buildRotateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Trigger a key rotation cycle immediately, bypassing the interval check",
		Long:  "Starts a new rotation if none is in progress, or resumes one already underway. Blocks until the cycle completes or fails.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRotate(cmd.Context())
		},
	}
}

func runRotate(ctx context.Context) error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, closeFn, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

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

	rotationSvc := rotation.New(keys, cipher, rotation.Config{
		RotationInterval: cfg.Rotation.RotationInterval(),
		BatchSize:        cfg.Rotation.BatchSize,
		BatchSleep:       cfg.Rotation.BatchSleep(),
	}, slog.Default())
	rotationSvc.RegisterTable("encrypted_blobs", sqlstorage.NewTableRepository(store, "encrypted_blobs", true))

	fmt.Println("rotation starting, this blocks until the cycle completes...")
	start := time.Now().UTC()
	if err := rotationSvc.TriggerManualRotation(ctx, nil); err != nil {
		return fmt.Errorf("trigger rotation: %w", err)
	}
	fmt.Printf("rotation cycle finished in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func buildKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show key record metadata (versions and fingerprints, never key material)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeys()
		},
	}
}

func runKeys() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	keys := keystore.New(cfg.Rotation.KeyFilePath)
	record, err := keys.LoadKeys()
	if err != nil {
		return fmt.Errorf("load key record: %w", err)
	}
	if record == nil {
		fmt.Println("no key record found at", cfg.Rotation.KeyFilePath)
		return nil
	}

	fmt.Printf("current_version:    %s  (fingerprint %s)\n", record.CurrentVersion, keystore.Fingerprint(record.CurrentKey))
	if record.PhasedOutKey != "" {
		fmt.Printf("phased_out_version: %s  (fingerprint %s)\n", record.PhasedOutVersion, keystore.Fingerprint(record.PhasedOutKey))
		fmt.Println("rotation in progress: yes")
	} else {
		fmt.Println("rotation in progress: no")
	}
	fmt.Printf("last_rotation_finished_at: %s\n", record.LastRotationFinishedAt.Format(time.RFC3339))
	return nil
}

// openStore opens the database connection shared by every subcommand that
// touches persisted state.
func openStore(ctx context.Context, cfg *config.WorkerConfig) (store *storage.DB, closeFn func(), err error) {
	driver := cfg.Database.Driver
	if driver == "postgres" {
		driver = "pgx"
	}
	db, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver:          driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return db, func() { db.Close() }, nil
}

// openQueue builds a queue.Service against the configured database, with
// payload encryption enabled whenever a key record already exists. openQueue
// never creates a key record (only the rotate subcommand does); enqueue and
// status are expected to work against a deployment the worker has already
// initialized.
func openQueue(ctx context.Context) (*queue.Service, func(), error) {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	store, closeFn, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var cipher queue.Cipher
	keys := keystore.New(cfg.Rotation.KeyFilePath)
	record, err := keys.LoadKeys()
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("load key record: %w", err)
	}
	if record != nil {
		cipher, err = encryption.New(encryption.Keys{
			Current:          record.CurrentKey,
			CurrentVersion:   record.CurrentVersion,
			PhasedOut:        record.PhasedOutKey,
			PhasedOutVersion: record.PhasedOutVersion,
		})
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("build encryption provider: %w", err)
		}
	}

	bus := eventbus.New()
	jobRepo := sqlstorage.NewJobRepository(store)
	instance := instanceid.New()
	jobQueue := queue.New(jobRepo, store, bus, cipher, instance.String(), slog.Default())
	return jobQueue, closeFn, nil
}
