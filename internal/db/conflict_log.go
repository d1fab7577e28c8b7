package db

import (
	"context"
	"database/sql"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/sync/conflict"
	"github.com/kimhsiao/sitesync/internal/uuid"
)

// ConflictLogRepository stores conflict resolutions for user awareness.
type ConflictLogRepository struct {
	db *sql.DB
}

var _ conflict.Logger = (*ConflictLogRepository)(nil)

// NewConflictLogRepository creates a conflict log repository.
func NewConflictLogRepository(db *sql.DB) *ConflictLogRepository {
	return &ConflictLogRepository{db: db}
}

// LogResolution inserts entry, assigning an id when it has none.
func (r *ConflictLogRepository) LogResolution(ctx context.Context, entry *models.ConflictLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conflict_log (id, record_id, action_type, resource_id, local_version,
			server_version, resolution, requeued_id, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RecordID, string(entry.ActionType), entry.ResourceID, entry.LocalVersion,
		entry.ServerVersion, entry.Resolution, entry.RequeuedID, entry.DetectedAt, entry.ResolvedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert conflict log", err)
	}
	return nil
}

// ListResolutions returns the most recent resolutions first.
func (r *ConflictLogRepository) ListResolutions(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, record_id, action_type, resource_id, local_version, server_version,
			resolution, requeued_id, detected_at, resolved_at
		FROM conflict_log ORDER BY resolved_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflict log", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var (
			entry      models.ConflictLog
			actionType string
		)
		if err := rows.Scan(&entry.ID, &entry.RecordID, &actionType, &entry.ResourceID, &entry.LocalVersion,
			&entry.ServerVersion, &entry.Resolution, &entry.RequeuedID, &entry.DetectedAt, &entry.ResolvedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict log", err)
		}
		entry.ActionType = models.ActionType(actionType)
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflict log", err)
	}
	return out, nil
}
