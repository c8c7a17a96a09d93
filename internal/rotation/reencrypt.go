package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devhollow/taskqueue/internal/encryption"
)

// errInterrupted signals that cancellation, not exhaustion, ended a
// re-encryption pass. runCycle must treat it as "stop without finalizing":
// the phased-out key stays in the key record so the next start resumes at
// step 6 (§4.8 Properties, P3) instead of the provider being hot-swapped
// down to a single key while rows still bear the phased-out prefix.
var errInterrupted = errors.New("rotation interrupted")

// reencryptAll drains every registered table of rows bearing versionPrefix
// (§4.9), checking for cancellation between tables.
func (s *Service) reencryptAll(ctx context.Context, cancel Cancellable, versionPrefix string) error {
	for name, table := range s.tables {
		if cancel != nil && cancel.IsCancelled() {
			s.logger.InfoContext(ctx, "rotation cancelled between tables", "table", name)
			return errInterrupted
		}
		if err := s.reencryptTable(ctx, cancel, name, table, versionPrefix); err != nil {
			if errors.Is(err, errInterrupted) {
				return err
			}
			return fmt.Errorf("table %s: %w", name, err)
		}
	}
	return nil
}

// reencryptTable implements the batch loop in §4.9: acquire the rotation
// lock, select a batch, re-encrypt each row under optimistic concurrency,
// release the lock, sleep, repeat until the table is drained of the
// phased-out prefix.
func (s *Service) reencryptTable(ctx context.Context, cancel Cancellable, name string, table TableRepository, versionPrefix string) error {
	for {
		if cancel != nil && cancel.IsCancelled() {
			s.logger.InfoContext(ctx, "rotation cancelled mid-table", "table", name)
			return errInterrupted
		}

		handle := s.provider.AcquireRotationLock()
		rows, err := table.SelectBatch(ctx, versionPrefix, s.cfg.BatchSize)
		if err != nil {
			handle.Release()
			return fmt.Errorf("select batch: %w", err)
		}
		if len(rows) == 0 {
			handle.Release()
			return nil
		}

		interrupted := false
		for _, row := range rows {
			if cancel != nil && cancel.IsCancelled() {
				interrupted = true
				break
			}
			if err := s.reencryptRow(ctx, handle, table, name, row); err != nil {
				s.logger.ErrorContext(ctx, "re-encrypt row failed, will retry on a later batch",
					"table", name, "row_id", row.ID, "error", err)
				continue
			}
		}
		handle.Release()

		if interrupted {
			s.logger.InfoContext(ctx, "rotation cancelled mid-batch", "table", name)
			return errInterrupted
		}

		time.Sleep(s.cfg.BatchSleep)
	}
}

func (s *Service) reencryptRow(ctx context.Context, handle *encryption.RotationHandle, table TableRepository, tableName string, row Row) error {
	plaintext, err := handle.DecryptUnlocked(row.Value)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	ciphertext, err := handle.EncryptUnlocked(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	changed, err := table.UpdateIfUnchanged(ctx, row.ID, ciphertext, row.UpdatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if !changed {
		// Optimistic-concurrency loss: a concurrent writer touched this row
		// first. Its prefix either still matches (picked up next batch) or
		// the writer wrote the new prefix itself (row simply absent next
		// time); either way this is not an error (§4.9 Properties).
		s.logger.DebugContext(ctx, "re-encryption conflict, leaving row for a later batch",
			"table", tableName, "row_id", row.ID)
	} else if s.metrics != nil {
		s.metrics.AddRotationProgress(1)
	}
	return nil
}
