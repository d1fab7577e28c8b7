// Package models provides data model definitions for the sitesync queue.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/sitesync/internal/uuid"
)

// =====================================================
// Status
// =====================================================

// Status is the sync state of an action record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusSyncing, StatusSynced, StatusFailed, StatusConflict}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next.
//
// pending -> syncing is the claim. A syncing record ends in synced, conflict,
// failed, or goes back to pending for a retry (or a released claim).
// Nothing leaves synced.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing
	case StatusSyncing:
		switch next {
		case StatusSynced, StatusConflict, StatusPending, StatusFailed:
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses that may transition to s.
func (s Status) AllowedFrom() []Status {
	var from []Status
	for _, candidate := range AllStatuses {
		if candidate.CanTransitionTo(s) {
			from = append(from, candidate)
		}
	}
	return from
}

// AwaitingUser reports whether the record needs a user decision
// (discard, retry by re-enqueue, or conflict resolution).
func (s Status) AwaitingUser() bool {
	return s == StatusFailed || s == StatusConflict
}

// =====================================================
// Priority
// =====================================================

// Priority orders the drain; lower values sync first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority parses "high", "normal" or "low".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// =====================================================
// ActionRecord
// =====================================================

// ConflictData describes a detected version mismatch.
type ConflictData struct {
	LocalVersion   int64           `json:"local_version"`
	ServerVersion  int64           `json:"server_version"`
	ServerSnapshot json.RawMessage `json:"server_snapshot,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// ActionRecord is one queued local mutation awaiting replay against the server.
type ActionRecord struct {
	ID            string          `db:"id" json:"id"`
	ActionType    ActionType      `db:"action_type" json:"action_type"`
	ResourceID    string          `db:"resource_id" json:"resource_id,omitempty"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        Status          `db:"status" json:"status"`
	Priority      Priority        `db:"priority" json:"priority"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt *time.Time      `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	ConflictData  *ConflictData   `db:"conflict_data" json:"conflict_data,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// TableName returns the table name for ActionRecord.
func (ActionRecord) TableName() string {
	return "action_records"
}

// NewActionRecord encodes p and wraps it in a fresh PENDING record.
// The payload's CreatedAtMs is stamped from now when unset.
func NewActionRecord(p Payload, resourceID string, priority Priority, now time.Time) (*ActionRecord, error) {
	meta := p.Meta()
	if meta.CreatedAtMs == 0 {
		meta.CreatedAtMs = now.UnixMilli()
	}
	raw, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	rec := &ActionRecord{
		ID:         uuid.New(),
		ActionType: p.ActionType(),
		ResourceID: resourceID,
		Payload:    raw,
		Status:     StatusPending,
		Priority:   priority,
		CreatedAt:  now,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the record invariants.
func (r *ActionRecord) Validate() error {
	if err := uuid.Validate(r.ID); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if !r.ActionType.Valid() {
		return fmt.Errorf("unknown action type %q", r.ActionType)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %d", r.Priority)
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("negative retry count %d", r.RetryCount)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if r.ResourceID == "" && r.ActionType.RequiresResource() {
		return fmt.Errorf("%s requires a resource id", r.ActionType)
	}
	if (r.ConflictData != nil) != (r.Status == StatusConflict) {
		return fmt.Errorf("conflict data present=%v with status %s", r.ConflictData != nil, r.Status)
	}
	if r.LastAttemptAt != nil && r.NextAttemptAt != nil && r.NextAttemptAt.Before(*r.LastAttemptAt) {
		return fmt.Errorf("next attempt %s before last attempt %s", r.NextAttemptAt, r.LastAttemptAt)
	}
	return nil
}

// Due reports whether a PENDING record may be attempted at now.
func (r *ActionRecord) Due(now time.Time) bool {
	return r.Status == StatusPending && (r.NextAttemptAt == nil || !r.NextAttemptAt.After(now))
}

// Clone returns a deep copy.
func (r *ActionRecord) Clone() *ActionRecord {
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if r.ConflictData != nil {
		cd := *r.ConflictData
		cd.ServerSnapshot = append(json.RawMessage(nil), r.ConflictData.ServerSnapshot...)
		c.ConflictData = &cd
	}
	return &c
}

// DecodePayload decodes the record's payload envelope.
func (r *ActionRecord) DecodePayload() (Payload, error) {
	return DecodePayload(r.Payload)
}

// LocalID returns the id dependants use to refer to the resource this record
// creates: the payload's LocalID when set, otherwise the record id.
func (r *ActionRecord) LocalID() string {
	if p, err := r.DecodePayload(); err == nil && p.Meta().LocalID != "" {
		return p.Meta().LocalID
	}
	return r.ID
}
