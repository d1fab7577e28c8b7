// Package models provides data model definitions for the sitesync queue.
package models

import "time"

// ConflictLog records how a user resolved a version conflict.
type ConflictLog struct {
	ID            string     `db:"id" json:"id"`
	RecordID      string     `db:"record_id" json:"record_id"`
	ActionType    ActionType `db:"action_type" json:"action_type"`
	ResourceID    string     `db:"resource_id" json:"resource_id,omitempty"`
	LocalVersion  int64      `db:"local_version" json:"local_version"`
	ServerVersion int64      `db:"server_version" json:"server_version"`
	Resolution    string     `db:"resolution" json:"resolution"` // server_wins, client_wins, merge, keep_both
	// RequeuedID is the id of the record enqueued by the resolution, if any.
	RequeuedID string `db:"requeued_id" json:"requeued_id,omitempty"`
	DetectedAt int64  `db:"detected_at" json:"detected_at"`
	ResolvedAt int64  `db:"resolved_at" json:"resolved_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// ResolvedAtTime returns the ResolvedAt as time.Time.
func (c *ConflictLog) ResolvedAtTime() time.Time {
	return time.UnixMilli(c.ResolvedAt)
}
