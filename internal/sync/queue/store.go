// Package queue defines the durable action store and an in-process implementation.
package queue

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/models"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = apperrors.New(apperrors.ErrNotFound, "action record not found")
	// ErrNotEditable is returned by Upsert once the stored record has left PENDING.
	ErrNotEditable = apperrors.New(apperrors.ErrSyncNotEditable, "action record is no longer pending")
	// ErrInvalidTransition is returned when a status write would break the state machine.
	ErrInvalidTransition = apperrors.New(apperrors.ErrInvalid, "status transition not allowed")
)

// Store persists action records. Every method is a short, independent
// statement; implementations never hold a transaction across calls.
//
// Status writes only apply when the stored status may transition to the
// target (models.Status.CanTransitionTo), so a SYNCED record is never mutated.
type Store interface {
	// Upsert inserts rec, or replaces the stored record with the same id
	// while it is still PENDING. CreatedAt of an existing record is kept.
	Upsert(ctx context.Context, rec *models.ActionRecord) error
	GetByID(ctx context.Context, id string) (*models.ActionRecord, error)
	// ListByStatus returns records in drain order (priority, created_at).
	ListByStatus(ctx context.Context, status models.Status) ([]*models.ActionRecord, error)
	// ListPendingOrderedByPriority returns PENDING records due at now in drain order.
	ListPendingOrderedByPriority(ctx context.Context, now time.Time) ([]*models.ActionRecord, error)

	// Claim moves a record PENDING -> SYNCING and stamps LastAttemptAt.
	// It reports false when another caller won the claim.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// ReleaseClaim moves SYNCING -> PENDING without touching RetryCount.
	ReleaseClaim(ctx context.Context, id string) error
	// RecoverSyncing resets SYNCING records whose LastAttemptAt is before
	// olderThan. A zero olderThan resets every SYNCING record.
	RecoverSyncing(ctx context.Context, olderThan time.Time) (int, error)

	UpdateStatus(ctx context.Context, id string, status models.Status, lastError string) error
	UpdateStatusWithBackoff(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt *time.Time, lastError string) error
	// UpdateConflict moves a record to CONFLICT with the given data.
	UpdateConflict(ctx context.Context, id string, data *models.ConflictData) error

	DeleteByID(ctx context.Context, id string) error
	// DeleteIfStatus deletes id only while its status is one of statuses.
	DeleteIfStatus(ctx context.Context, id string, statuses ...models.Status) (bool, error)
	DeleteByStatus(ctx context.Context, statuses ...models.Status) (int, error)
	// PruneSynced deletes SYNCED records last attempted before before.
	PruneSynced(ctx context.Context, before time.Time) (int, error)

	CountByTypeAndStatus(ctx context.Context, actionType models.ActionType, status models.Status) (int, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)

	// RewriteResourceID points PENDING and FAILED records at to instead of from.
	RewriteResourceID(ctx context.Context, from, to string) (int, error)
}

// Editable reports whether an upsert may replace a record in status s.
func Editable(s models.Status) bool {
	return s == models.StatusPending
}

// Rewritable lists the statuses whose resource ids follow a server id swap.
var Rewritable = []models.Status{models.StatusPending, models.StatusFailed}
