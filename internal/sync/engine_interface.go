// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/sync/conflict"
)

// SyncEngineInterface defines the engine surface used by the scheduler and
// the host processes. It allows mocking in tests.
type SyncEngineInterface interface {
	// RunOnce drains due records once and returns the outcome counts.
	RunOnce(ctx context.Context) (*RunSummary, error)

	// PruneSynced deletes SYNCED records past their retention.
	PruneSynced(ctx context.Context) (int, error)

	// Outstanding returns the counts behind the "N changes pending" indicator.
	Outstanding(ctx context.Context) (*Outstanding, error)

	// SetEventHandler sets the handler for sync notifications.
	SetEventHandler(handler EventHandler)

	// Status returns the current drain status.
	Status() SyncStatus

	// LastSync returns the end time of the last drain that completed without error.
	LastSync() *time.Time

	// LastError returns the error of the last drain, if any.
	LastError() error
}

var _ SyncEngineInterface = (*Engine)(nil)

// =====================================================
// Remote apply
// =====================================================

// ApplyRequest is one record replay handed to an Applier.
type ApplyRequest struct {
	Record  *models.ActionRecord
	Payload models.Payload
}

// ApplyResult is what the server reported for a successful apply.
type ApplyResult struct {
	// ServerID is the id the server assigned to a created resource.
	ServerID string
	// NewVersion is the resource version after the write, 0 if unknown.
	NewVersion int64
}

// Applier replays a record against the system of record.
//
// A returned *conflict.VersionConflictError moves the record to CONFLICT.
// Other errors are classified with errors.Retryable.
type Applier interface {
	Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, req ApplyRequest) (ApplyResult, error)

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	return f(ctx, req)
}

// VersionProber fetches the server's current version of a resource before an
// edit is applied.
type VersionProber interface {
	RemoteVersion(ctx context.Context, actionType models.ActionType, resourceID string) (conflict.RemoteVersion, error)
}

// ResourceSyncedFunc is called after a create syncs with the placeholder id
// dependants used and the id the server assigned.
type ResourceSyncedFunc func(ctx context.Context, localID, serverID string) error

// =====================================================
// Events
// =====================================================

// EventType identifies a sync notification.
type EventType string

const (
	EventRecordSynced   EventType = "record_synced"
	EventRecordConflict EventType = "record_conflict"
	EventRecordFailed   EventType = "record_failed"
	EventRecordRetry    EventType = "record_retry"
	EventDrainCompleted EventType = "drain_completed"
)

// Event is emitted on record transitions and at the end of each drain.
type Event struct {
	Type       EventType         `json:"type"`
	RecordID   string            `json:"record_id,omitempty"`
	ActionType models.ActionType `json:"action_type,omitempty"`
	Status     models.Status     `json:"status,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	Error      string            `json:"error,omitempty"`
	Summary    *RunSummary       `json:"summary,omitempty"`
	At         time.Time         `json:"at"`
}

// EventHandler receives sync events. It is called synchronously from the
// drain and must not block.
type EventHandler func(Event)
