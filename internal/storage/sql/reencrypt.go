package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/devhollow/taskqueue/internal/rotation"
	"github.com/devhollow/taskqueue/internal/storage"
)

// EncryptedRow is one candidate row surfaced by the re-encryption batch
// loop (§4.9): an opaque ciphertext value plus the optimistic-concurrency
// timestamp used to guard the follow-up UPDATE.
type EncryptedRow struct {
	ID        string
	Value     string
	UpdatedAt time.Time
}

// TableRepository implements rotation.TableRepository against a single
// table of the shape described in §4.9: an id primary key, a "value" column
// carrying version-prefixed ciphertext, an "updated_at" column for
// optimistic concurrency, and an optional "is_encrypted" flag column.
type TableRepository struct {
	db          *storage.DB
	table       string
	hasEncFlag  bool
}

// NewTableRepository builds a TableRepository for table, which must already
// have "id", "value", and "updated_at" columns. hasEncFlag additionally
// restricts batch selection to rows with is_encrypted = true, for tables
// that mix encrypted and plaintext rows.
func NewTableRepository(db *storage.DB, table string, hasEncFlag bool) *TableRepository {
	return &TableRepository{db: db, table: table, hasEncFlag: hasEncFlag}
}

var _ rotation.TableRepository = (*TableRepository)(nil)

// SelectBatch returns up to batchSize rows whose value begins with
// versionPrefix, per §4.9's `value LIKE '<phased_out_version>%'` selector.
func (t *TableRepository) SelectBatch(ctx context.Context, versionPrefix string, batchSize int) ([]rotation.Row, error) {
	query := fmt.Sprintf(`SELECT id, value, updated_at FROM %s WHERE value LIKE $1`, t.table)
	if t.hasEncFlag {
		query += " AND is_encrypted = $2 LIMIT $3"
	} else {
		query += " LIMIT $2"
	}
	query = t.db.Rewrite(query)

	var (
		rows *sql.Rows
		err  error
	)
	if t.hasEncFlag {
		rows, err = t.db.QueryContext(ctx, query, versionPrefix+"%", trueValue(t.db), batchSize)
	} else {
		rows, err = t.db.QueryContext(ctx, query, versionPrefix+"%", batchSize)
	}
	if err != nil {
		return nil, fmt.Errorf("select re-encryption batch from %s: %w", t.table, err)
	}
	defer rows.Close()

	var out []rotation.Row
	for rows.Next() {
		var r EncryptedRow
		if err := rows.Scan(&r.ID, &r.Value, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan re-encryption row from %s: %w", t.table, err)
		}
		out = append(out, rotation.Row{ID: r.ID, Value: r.Value, UpdatedAt: r.UpdatedAt})
	}
	return out, rows.Err()
}

// UpdateIfUnchanged performs the optimistic-concurrency UPDATE from §4.9:
// it succeeds only if updated_at still matches the value read in SelectBatch.
// changed=false means a concurrent writer touched the row first; the row is
// left for a later batch.
func (t *TableRepository) UpdateIfUnchanged(ctx context.Context, id, newValue string, expectedUpdatedAt, now time.Time) (changed bool, err error) {
	query := t.db.Rewrite(fmt.Sprintf(
		`UPDATE %s SET value = $1, updated_at = $2 WHERE id = $3 AND updated_at = $4`, t.table,
	))
	res, err := t.db.ExecContext(ctx, query, newValue, now, id, expectedUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update re-encrypted row in %s: %w", t.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func trueValue(db *storage.DB) any {
	if db.Dialect == storage.DialectSQLite {
		return 1
	}
	return true
}
