package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/logging"
	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/uuid"
)

// Strategy defines how a conflict is resolved.
type Strategy string

const (
	// StrategyServerWins drops the local edit.
	StrategyServerWins Strategy = "server_wins"
	// StrategyClientWins re-sends the local edit against the server version.
	StrategyClientWins Strategy = "client_wins"
	// StrategyMerge re-sends a merge of the local edit and the server snapshot.
	StrategyMerge Strategy = "merge"
	// StrategyKeepBoth re-sends the local edit as a create of a new resource.
	StrategyKeepBoth Strategy = "keep_both"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyKeepBoth:
		return st, nil
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resolution strategy %q", s))
}

// MergeFunc combines the local payload with the server snapshot. The result
// must be the same action type as local.
type MergeFunc func(local models.Payload, serverSnapshot json.RawMessage) (models.Payload, error)

// RecordQueue is the part of the action store the resolver needs.
type RecordQueue interface {
	Upsert(ctx context.Context, rec *models.ActionRecord) error
	DeleteByID(ctx context.Context, id string) error
	DeleteIfStatus(ctx context.Context, id string, statuses ...models.Status) (bool, error)
}

// Logger records resolutions for user awareness.
type Logger interface {
	LogResolution(ctx context.Context, entry *models.ConflictLog) error
}

// Errors
var (
	ErrNotInConflict = apperrors.New(apperrors.ErrInvalid, "record is not in conflict")
	ErrMergeRequired = apperrors.New(apperrors.ErrInvalid, "merge strategy requires a merge function")
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Strategy Strategy
	// Requeued is the record enqueued by the resolution; nil for server_wins.
	Requeued *models.ActionRecord
	Log      *models.ConflictLog
}

// Resolver applies a user-chosen strategy to a CONFLICT record. The sync
// engine never calls it.
type Resolver struct {
	queue RecordQueue
	log   Logger
	now   func() time.Time
}

// NewResolver creates a Resolver. log may be nil.
func NewResolver(queue RecordQueue, log Logger) *Resolver {
	return &Resolver{
		queue: queue,
		log:   log,
		now:   time.Now,
	}
}

// WithClock overrides the resolver's time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve applies strategy to rec, which must be in CONFLICT.
//
// The replacement record (if any) is stored before the conflicting record is
// removed, and the removal is conditional on the record still being in
// CONFLICT, so two concurrent resolutions of the same record cannot both win.
func (r *Resolver) Resolve(ctx context.Context, rec *models.ActionRecord, strategy Strategy, merge MergeFunc) (*Resolution, error) {
	if rec.Status != models.StatusConflict || rec.ConflictData == nil {
		return nil, ErrNotInConflict
	}

	requeued, err := r.replacement(rec, strategy, merge)
	if err != nil {
		return nil, err
	}

	if requeued != nil {
		if err := r.queue.Upsert(ctx, requeued); err != nil {
			return nil, fmt.Errorf("enqueue resolution of %s: %w", rec.ID, err)
		}
	}

	removed, err := r.queue.DeleteIfStatus(ctx, rec.ID, models.StatusConflict)
	if err == nil && !removed {
		err = ErrNotInConflict
	}
	if err != nil {
		if requeued != nil {
			if derr := r.queue.DeleteByID(context.WithoutCancel(ctx), requeued.ID); derr != nil {
				logging.Error("Failed to roll back resolution record", derr, map[string]interface{}{
					"record_id":   rec.ID,
					"requeued_id": requeued.ID,
				})
			}
		}
		return nil, err
	}

	now := r.now()
	entry := &models.ConflictLog{
		RecordID:      rec.ID,
		ActionType:    rec.ActionType,
		ResourceID:    rec.ResourceID,
		LocalVersion:  rec.ConflictData.LocalVersion,
		ServerVersion: rec.ConflictData.ServerVersion,
		Resolution:    string(strategy),
		DetectedAt:    rec.ConflictData.DetectedAt.UnixMilli(),
		ResolvedAt:    now.UnixMilli(),
	}
	if requeued != nil {
		entry.RequeuedID = requeued.ID
	}
	if r.log != nil {
		if err := r.log.LogResolution(ctx, entry); err != nil {
			// Logged only; the resolution is already committed.
			logging.Error("Failed to write conflict log", err, map[string]interface{}{"record_id": rec.ID})
		}
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"record_id":      rec.ID,
		"action_type":    rec.ActionType,
		"resource_id":    rec.ResourceID,
		"strategy":       strategy,
		"local_version":  rec.ConflictData.LocalVersion,
		"server_version": rec.ConflictData.ServerVersion,
		"requeued_id":    entry.RequeuedID,
	})

	return &Resolution{Strategy: strategy, Requeued: requeued, Log: entry}, nil
}

// replacement builds the record a strategy enqueues, or nil for server_wins.
func (r *Resolver) replacement(rec *models.ActionRecord, strategy Strategy, merge MergeFunc) (*models.ActionRecord, error) {
	if strategy == StrategyServerWins {
		return nil, nil
	}

	local, err := rec.DecodePayload()
	if err != nil {
		return nil, err
	}
	serverVersion := rec.ConflictData.ServerVersion
	resourceID := rec.ResourceID

	var next models.Payload
	switch strategy {
	case StrategyClientWins:
		next = local
		next.Meta().BaseVersion = serverVersion
	case StrategyMerge:
		if merge == nil {
			return nil, ErrMergeRequired
		}
		next, err = merge(local, rec.ConflictData.ServerSnapshot)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "merge payload", err)
		}
		if next.ActionType() != rec.ActionType {
			return nil, apperrors.New(apperrors.ErrInvalid,
				fmt.Sprintf("merge changed action type from %s to %s", rec.ActionType, next.ActionType()))
		}
		next.Meta().BaseVersion = serverVersion
	case StrategyKeepBoth:
		next, err = models.AsCreate(local)
		if err != nil {
			return nil, err
		}
		resourceID = ""
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resolution strategy %q", strategy))
	}

	raw, err := models.EncodePayload(next)
	if err != nil {
		return nil, err
	}
	requeued := &models.ActionRecord{
		ID:         uuid.New(),
		ActionType: next.ActionType(),
		ResourceID: resourceID,
		Payload:    raw,
		Status:     models.StatusPending,
		Priority:   rec.Priority,
		// Keep the original position in the drain.
		CreatedAt: rec.CreatedAt,
	}
	if err := requeued.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "resolution record", err)
	}
	return requeued, nil
}

// OverlayMerge is a MergeFunc that starts from the server snapshot and
// overlays every field the local edit sets. Optional fields the local edit
// left empty or zero (weather, crew_count, notes, text) keep the server's
// value, so a local edit that cleared one of them loses the clear; resolve
// with StrategyClientWins to send the local edit unchanged.
func OverlayMerge(local models.Payload, serverSnapshot json.RawMessage) (models.Payload, error) {
	merged := map[string]json.RawMessage{}
	if len(serverSnapshot) > 0 {
		if err := json.Unmarshal(serverSnapshot, &merged); err != nil {
			return nil, fmt.Errorf("decode server snapshot: %w", err)
		}
	}

	localRaw, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("encode local payload: %w", err)
	}
	var localFields map[string]json.RawMessage
	if err := json.Unmarshal(localRaw, &localFields); err != nil {
		return nil, fmt.Errorf("decode local payload: %w", err)
	}
	for k, v := range localFields {
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	envelope, err := json.Marshal(map[string]interface{}{
		"type": local.ActionType(),
		"data": json.RawMessage(raw),
	})
	if err != nil {
		return nil, fmt.Errorf("encode merged envelope: %w", err)
	}
	return models.DecodePayload(envelope)
}
