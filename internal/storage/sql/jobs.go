package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devhollow/taskqueue/internal/domain"
	"github.com/devhollow/taskqueue/internal/queue"
	"github.com/devhollow/taskqueue/internal/storage"
)

// JobRepository implements queue.Repository against either Postgres or
// SQLite through storage.DB. Every query is written once with Postgres-style
// "$1", "$2", ... placeholders in strictly increasing textual order and
// passed through db.Rewrite so the same statement runs unmodified on both
// dialects (see storage.DB.Rewrite).
type JobRepository struct {
	db *storage.DB
}

// NewJobRepository builds a queue.Repository backed by db.
func NewJobRepository(db *storage.DB) *JobRepository {
	return &JobRepository{db: db}
}

var _ queue.Repository = (*JobRepository)(nil)

func (r *JobRepository) Insert(ctx context.Context, j *domain.Job) error {
	query := r.db.Rewrite(`
		INSERT INTO jobs (id, type, status, mode, payload, result, process_instance_id,
			retry_count, max_retries, priority, reference_type, reference_id, created_at,
			started_at, completed_at, cancelled_at, cancel_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	_, err := r.db.ExecContext(ctx, query,
		j.ID, j.Type, string(j.Status), string(j.Mode), nullBytes(j.Payload), nullBytes(j.Result), j.ProcessInstanceID,
		j.RetryCount, j.MaxRetries, j.Priority, j.ReferenceType, j.ReferenceID, j.CreatedAt,
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.CancelledAt), j.CancelReason,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) ActiveSequentialJob(ctx context.Context, referenceType, referenceID string) (*domain.Job, error) {
	query := r.db.Rewrite(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE reference_type = $1 AND reference_id = $2 AND mode = $3
			AND status IN ('pending', 'running')
		LIMIT 1
	`)
	return r.queryRow(ctx, query, referenceType, referenceID, string(domain.ModeSequential))
}

func (r *JobRepository) NextPending(ctx context.Context, typeFilter string) (*domain.Job, error) {
	if typeFilter == "" {
		query := r.db.Rewrite(`
			SELECT ` + jobColumns + ` FROM jobs
			WHERE status = $1
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		`)
		return r.queryRow(ctx, query, string(domain.StatusPending))
	}
	query := r.db.Rewrite(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = $1 AND type = $2
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`)
	return r.queryRow(ctx, query, string(domain.StatusPending), typeFilter)
}

func (r *JobRepository) Claim(ctx context.Context, id, instanceID string, now time.Time) (int64, error) {
	query := r.db.Rewrite(`
		UPDATE jobs SET status = $1, process_instance_id = $2, started_at = $3
		WHERE id = $4 AND status = $5
	`)
	res, err := r.db.ExecContext(ctx, query, string(domain.StatusRunning), instanceID, now, id, string(domain.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("claim job: %w", err)
	}
	return res.RowsAffected()
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := r.db.Rewrite(`SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`)
	return r.queryRow(ctx, query, id)
}

func (r *JobRepository) CompleteTerminal(ctx context.Context, id string, status domain.Status, result []byte, now time.Time) (*domain.Job, error) {
	var job *domain.Job
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		updateQuery := r.db.Rewrite(`
			UPDATE jobs SET status = $1, result = $2, completed_at = $3 WHERE id = $4
		`)
		if _, err := tx.ExecContext(ctx, updateQuery, string(status), nullBytes(result), now, id); err != nil {
			return fmt.Errorf("update terminal job: %w", err)
		}

		selectQuery := r.db.Rewrite(`SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`)
		j, err := r.scanRow(tx.QueryRowContext(ctx, selectQuery, id))
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) CancelPending(ctx context.Context, id, reason string, now time.Time) (*domain.Job, error) {
	var job *domain.Job
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		updateQuery := r.db.Rewrite(`
			UPDATE jobs SET cancelled_at = $1, cancel_reason = $2, completed_at = $3, status = $4
			WHERE id = $5
		`)
		if _, err := tx.ExecContext(ctx, updateQuery, now, reason, now, string(domain.StatusCancelled), id); err != nil {
			return fmt.Errorf("cancel pending job: %w", err)
		}
		selectQuery := r.db.Rewrite(`SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`)
		j, err := r.scanRow(tx.QueryRowContext(ctx, selectQuery, id))
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) RequestCancelRunning(ctx context.Context, id, reason string, now time.Time) (*domain.Job, bool, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, domain.ErrJobNotFound
	}
	if current.CancelledAt != nil {
		// I5: write-once. Already cancelled; preserve the original reason.
		return current, true, nil
	}

	query := r.db.Rewrite(`UPDATE jobs SET cancelled_at = $1, cancel_reason = $2 WHERE id = $3`)
	if _, err := r.db.ExecContext(ctx, query, now, reason, id); err != nil {
		return nil, false, fmt.Errorf("request-cancel running job: %w", err)
	}
	updated, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return updated, false, nil
}

func (r *JobRepository) Orphaned(ctx context.Context, selfInstanceID string) ([]*domain.Job, error) {
	query := r.db.Rewrite(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = $1 AND process_instance_id != $2 AND process_instance_id != ''
		ORDER BY priority DESC, created_at ASC
	`)
	return r.queryAll(ctx, query, string(domain.StatusRunning), selfInstanceID)
}

func (r *JobRepository) ResetOrphan(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	query := r.db.Rewrite(`
		UPDATE jobs SET status = $1, process_instance_id = $2, started_at = NULL, retry_count = retry_count + 1
		WHERE id = $3 AND status = $4
	`)
	res, err := r.db.ExecContext(ctx, query, string(domain.StatusPending), "", id, string(domain.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("reset orphan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrJobNotFound
	}
	return r.Get(ctx, id)
}

func (r *JobRepository) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Job, error) {
	query := r.db.Rewrite(`
		SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY priority DESC, created_at ASC
	`)
	return r.queryAll(ctx, query, string(status))
}

func (r *JobRepository) ListByType(ctx context.Context, jobType string) ([]*domain.Job, error) {
	query := r.db.Rewrite(`
		SELECT ` + jobColumns + ` FROM jobs WHERE type = $1 ORDER BY priority DESC, created_at ASC
	`)
	return r.queryAll(ctx, query, jobType)
}

// Counts uses a portable SUM(CASE ...) form rather than the FILTER clause
// so the same query text runs on both dialects without version assumptions.
func (r *JobRepository) Counts(ctx context.Context) (domain.JobCounts, error) {
	query := r.db.Rewrite(`
		SELECT
			SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END)
		FROM jobs
	`)
	var pending, running sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, string(domain.StatusPending), string(domain.StatusRunning)).
		Scan(&pending, &running)
	if err != nil {
		return domain.JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return domain.JobCounts{Pending: int(pending.Int64), Running: int(running.Int64)}, nil
}

func (r *JobRepository) CancelFiltered(ctx context.Context, filter queue.CancelFilter, reason string, now time.Time) (int, error) {
	jobs, err := r.matchFiltered(ctx, filter)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, j := range jobs {
		switch j.Status {
		case domain.StatusPending:
			if _, err := r.CancelPending(ctx, j.ID, reason, now); err != nil {
				return n, err
			}
			if err := r.Delete(ctx, j.ID); err != nil {
				return n, err
			}
			n++
		case domain.StatusRunning:
			if _, already, err := r.RequestCancelRunning(ctx, j.ID, reason, now); err != nil {
				return n, err
			} else if !already {
				n++
			}
		}
	}
	return n, nil
}

func (r *JobRepository) matchFiltered(ctx context.Context, filter queue.CancelFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	i := 1
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", i)
		args = append(args, filter.Type)
		i++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", i)
		args = append(args, string(filter.Status))
		i++
	}
	if filter.ReferenceType != "" {
		query += fmt.Sprintf(" AND reference_type = $%d", i)
		args = append(args, filter.ReferenceType)
		i++
	}
	if filter.ReferenceID != "" {
		query += fmt.Sprintf(" AND reference_id = $%d", i)
		args = append(args, filter.ReferenceID)
		i++
	}
	return r.queryAll(ctx, r.db.Rewrite(query), args...)
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	query := r.db.Rewrite(`DELETE FROM jobs WHERE id = $1`)
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// jobColumns lists the full row projection in scan order, shared by every
// SELECT above so scanRow/queryRow/queryAll stay in sync with the schema.
const jobColumns = `id, type, status, mode, payload, result, process_instance_id,
	retry_count, max_retries, priority, reference_type, reference_id, created_at,
	started_at, completed_at, cancelled_at, cancel_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *JobRepository) scanRow(row rowScanner) (*domain.Job, error) {
	var (
		j                                    domain.Job
		status, mode                         string
		payload, result                      []byte
		startedAt, completedAt, cancelledAt sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.Type, &status, &mode, &payload, &result, &j.ProcessInstanceID,
		&j.RetryCount, &j.MaxRetries, &j.Priority, &j.ReferenceType, &j.ReferenceID, &j.CreatedAt,
		&startedAt, &completedAt, &cancelledAt, &j.CancelReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}
	j.Status = domain.Status(status)
	j.Mode = domain.ExecutionMode(mode)
	j.Payload = payload
	j.Result = result
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		j.CancelledAt = &cancelledAt.Time
	}
	return &j, nil
}

func (r *JobRepository) queryRow(ctx context.Context, query string, args ...any) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	return r.scanRow(row)
}

func (r *JobRepository) queryAll(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
