// Package db provides the SQLite implementation of the action store.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/sync/queue"
)

// ActionRepository persists action records in SQLite. Every operation is a
// single statement; claims and status writes are conditional UPDATEs whose
// RowsAffected decides the outcome.
type ActionRepository struct {
	db *sql.DB

	// Prepared statement cache keyed by query text. Statements are prepared
	// on first use and closed by Close.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewActionRepository creates a repository on an open database.
func NewActionRepository(db *sql.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *ActionRepository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare statement", err)
	}

	// If another goroutine stored the same query first, use theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *ActionRepository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func (r *ActionRepository) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, op+": rows affected", err)
	}
	return n, nil
}

// =====================================================
// Row mapping
// =====================================================

const recordColumns = `id, action_type, resource_id, payload, status, priority, retry_count,
	last_attempt_at, next_attempt_at, last_error, conflict_data, created_at`

// drainOrder sorts by priority, then creation time, then insertion order.
const drainOrder = `ORDER BY priority ASC, created_at ASC, rowid ASC`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.ActionRecord, error) {
	var (
		rec                      models.ActionRecord
		payload                  string
		lastAttempt, nextAttempt sql.NullInt64
		conflictData             sql.NullString
		createdAt                int64
		actionType, status       string
		priority                 int
	)
	if err := row.Scan(&rec.ID, &actionType, &rec.ResourceID, &payload, &status, &priority, &rec.RetryCount,
		&lastAttempt, &nextAttempt, &rec.LastError, &conflictData, &createdAt); err != nil {
		return nil, err
	}
	rec.ActionType = models.ActionType(actionType)
	rec.Status = models.Status(status)
	rec.Priority = models.Priority(priority)
	rec.Payload = json.RawMessage(payload)
	rec.LastAttemptAt = fromNullMillis(lastAttempt)
	rec.NextAttemptAt = fromNullMillis(nextAttempt)
	rec.CreatedAt = fromMillis(createdAt)
	if conflictData.Valid {
		var cd models.ConflictData
		if err := json.Unmarshal([]byte(conflictData.String), &cd); err != nil {
			return nil, apperrors.Serialization("decode conflict data", err)
		}
		rec.ConflictData = &cd
	}
	return &rec, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func encodeConflict(cd *models.ConflictData) (sql.NullString, error) {
	if cd == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(cd)
	if err != nil {
		return sql.NullString{}, apperrors.Serialization("encode conflict data", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// statusList renders statuses as SQL placeholders plus their args.
func statusList(statuses []models.Status) (string, []interface{}) {
	if len(statuses) == 0 {
		return "NULL", nil
	}
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(marks, ", "), args
}

// =====================================================
// queue.Store
// =====================================================

var _ queue.Store = (*ActionRepository)(nil)

// Upsert inserts rec or replaces the stored record while it is PENDING.
// created_at and rowid of an existing row are kept.
func (r *ActionRepository) Upsert(ctx context.Context, rec *models.ActionRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ID, err)
	}
	conflictData, err := encodeConflict(rec.ConflictData)
	if err != nil {
		return err
	}

	n, err := r.exec(ctx, "upsert action record", `
		INSERT INTO action_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			action_type = excluded.action_type,
			resource_id = excluded.resource_id,
			payload = excluded.payload,
			status = excluded.status,
			priority = excluded.priority,
			retry_count = excluded.retry_count,
			last_attempt_at = excluded.last_attempt_at,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			conflict_data = excluded.conflict_data
		WHERE action_records.status = 'pending'`,
		rec.ID, string(rec.ActionType), rec.ResourceID, string(rec.Payload), string(rec.Status), int(rec.Priority),
		rec.RetryCount, toNullMillis(rec.LastAttemptAt), toNullMillis(rec.NextAttemptAt), rec.LastError,
		conflictData, toMillis(rec.CreatedAt),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotEditable
	}
	return nil
}

// GetByID returns the record with id.
func (r *ActionRepository) GetByID(ctx context.Context, id string) (*models.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stmt, err := r.PrepareStmt(ctx, `SELECT `+recordColumns+` FROM action_records WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get action record", err)
	}
	return rec, nil
}

// ListByStatus returns records with status in drain order.
func (r *ActionRepository) ListByStatus(ctx context.Context, status models.Status) ([]*models.ActionRecord, error) {
	return r.query(ctx, "list by status",
		`SELECT `+recordColumns+` FROM action_records WHERE status = ? `+drainOrder,
		string(status))
}

// ListPendingOrderedByPriority returns PENDING records due at now in drain order.
func (r *ActionRepository) ListPendingOrderedByPriority(ctx context.Context, now time.Time) ([]*models.ActionRecord, error) {
	return r.query(ctx, "list pending",
		`SELECT `+recordColumns+` FROM action_records
		 WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?) `+drainOrder,
		toMillis(now))
}

func (r *ActionRepository) query(ctx context.Context, op, query string, args ...interface{}) ([]*models.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, op, err)
	}
	defer rows.Close()

	var out []*models.ActionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, op+": scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, op, err)
	}
	return out, nil
}

// Claim moves a PENDING record to SYNCING. Exactly one caller wins.
func (r *ActionRepository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := r.exec(ctx, "claim action record", `
		UPDATE action_records
		SET status = 'syncing', last_attempt_at = ?, next_attempt_at = NULL
		WHERE id = ? AND status = 'pending'`,
		toMillis(now), id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseClaim moves SYNCING back to PENDING, keeping retry_count.
func (r *ActionRepository) ReleaseClaim(ctx context.Context, id string) error {
	n, err := r.exec(ctx, "release claim", `
		UPDATE action_records SET status = 'pending'
		WHERE id = ? AND status = 'syncing'`, id)
	if err != nil {
		return err
	}
	return r.checkWritten(ctx, id, n, models.StatusPending)
}

// RecoverSyncing resets SYNCING records attempted before olderThan.
// A zero olderThan resets all of them.
func (r *ActionRepository) RecoverSyncing(ctx context.Context, olderThan time.Time) (int, error) {
	var (
		n   int64
		err error
	)
	if olderThan.IsZero() {
		n, err = r.exec(ctx, "recover syncing", `
			UPDATE action_records SET status = 'pending' WHERE status = 'syncing'`)
	} else {
		n, err = r.exec(ctx, "recover syncing", `
			UPDATE action_records SET status = 'pending'
			WHERE status = 'syncing' AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
			toMillis(olderThan))
	}
	return int(n), err
}

// UpdateStatus sets status and last_error when the transition is allowed.
func (r *ActionRepository) UpdateStatus(ctx context.Context, id string, status models.Status, lastError string) error {
	if status == models.StatusConflict {
		return queue.ErrInvalidTransition
	}
	from, fromArgs := statusList(status.AllowedFrom())
	args := append([]interface{}{string(status), lastError, string(status), id}, fromArgs...)
	n, err := r.exec(ctx, "update status", `
		UPDATE action_records
		SET status = ?, last_error = ?, conflict_data = NULL,
			next_attempt_at = CASE WHEN ? = 'pending' THEN next_attempt_at ELSE NULL END
		WHERE id = ? AND status IN (`+from+`)`, args...)
	if err != nil {
		return err
	}
	return r.checkWritten(ctx, id, n, status)
}

// UpdateStatusWithBackoff sets status, retry_count, next_attempt_at and last_error.
// retry_count may not decrease.
func (r *ActionRepository) UpdateStatusWithBackoff(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt *time.Time, lastError string) error {
	if status == models.StatusConflict {
		return queue.ErrInvalidTransition
	}
	from, fromArgs := statusList(status.AllowedFrom())
	args := append([]interface{}{string(status), retryCount, toNullMillis(nextAttemptAt), lastError, id, retryCount}, fromArgs...)
	n, err := r.exec(ctx, "update status with backoff", `
		UPDATE action_records
		SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, conflict_data = NULL
		WHERE id = ? AND retry_count <= ? AND status IN (`+from+`)`, args...)
	if err != nil {
		return err
	}
	return r.checkWritten(ctx, id, n, status)
}

// UpdateConflict records conflict data and moves the record to CONFLICT.
func (r *ActionRepository) UpdateConflict(ctx context.Context, id string, data *models.ConflictData) error {
	if data == nil {
		return fmt.Errorf("update conflict %s: nil conflict data", id)
	}
	encoded, err := encodeConflict(data)
	if err != nil {
		return err
	}
	from, fromArgs := statusList(models.StatusConflict.AllowedFrom())
	args := append([]interface{}{encoded, id}, fromArgs...)
	n, err := r.exec(ctx, "update conflict", `
		UPDATE action_records
		SET status = 'conflict', conflict_data = ?, last_error = 'version conflict', next_attempt_at = NULL
		WHERE id = ? AND status IN (`+from+`)`, args...)
	if err != nil {
		return err
	}
	return r.checkWritten(ctx, id, n, models.StatusConflict)
}

// checkWritten turns a zero-row conditional UPDATE into ErrNotFound or
// ErrInvalidTransition.
func (r *ActionRepository) checkWritten(ctx context.Context, id string, n int64, target models.Status) error {
	if n > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s -> %s: %w", current.Status, target, queue.ErrInvalidTransition)
}

// DeleteByID removes a record.
func (r *ActionRepository) DeleteByID(ctx context.Context, id string) error {
	n, err := r.exec(ctx, "delete action record", `DELETE FROM action_records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// DeleteIfStatus removes id only while its status is one of statuses.
func (r *ActionRepository) DeleteIfStatus(ctx context.Context, id string, statuses ...models.Status) (bool, error) {
	in, inArgs := statusList(statuses)
	n, err := r.exec(ctx, "delete if status",
		`DELETE FROM action_records WHERE id = ? AND status IN (`+in+`)`,
		append([]interface{}{id}, inArgs...)...)
	return n == 1, err
}

// DeleteByStatus removes every record in one of statuses.
func (r *ActionRepository) DeleteByStatus(ctx context.Context, statuses ...models.Status) (int, error) {
	in, inArgs := statusList(statuses)
	n, err := r.exec(ctx, "delete by status", `DELETE FROM action_records WHERE status IN (`+in+`)`, inArgs...)
	return int(n), err
}

// PruneSynced removes SYNCED records last attempted before before.
func (r *ActionRepository) PruneSynced(ctx context.Context, before time.Time) (int, error) {
	n, err := r.exec(ctx, "prune synced", `
		DELETE FROM action_records
		WHERE status = 'synced' AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		toMillis(before))
	return int(n), err
}

// CountByTypeAndStatus counts records of one type in one status.
func (r *ActionRepository) CountByTypeAndStatus(ctx context.Context, actionType models.ActionType, status models.Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stmt, err := r.PrepareStmt(ctx, `SELECT COUNT(*) FROM action_records WHERE action_type = ? AND status = ?`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := stmt.QueryRowContext(ctx, string(actionType), string(status)).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count by type and status", err)
	}
	return n, nil
}

// CountByStatus returns per-status counts with an entry for every status.
func (r *ActionRepository) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stmt, err := r.PrepareStmt(ctx, `SELECT status, COUNT(*) FROM action_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "count by status", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "count by status: scan", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "count by status", err)
	}
	return counts, nil
}

// RewriteResourceID points PENDING and FAILED records at the server id.
func (r *ActionRepository) RewriteResourceID(ctx context.Context, from, to string) (int, error) {
	in, inArgs := statusList(queue.Rewritable)
	n, err := r.exec(ctx, "rewrite resource id",
		`UPDATE action_records SET resource_id = ? WHERE resource_id = ? AND status IN (`+in+`)`,
		append([]interface{}{to, from}, inArgs...)...)
	return int(n), err
}
