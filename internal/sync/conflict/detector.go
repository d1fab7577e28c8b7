// Package conflict detects optimistic-concurrency conflicts and applies the
// user's chosen resolution.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kimhsiao/sitesync/internal/logging"
	"github.com/kimhsiao/sitesync/internal/models"
)

// RemoteVersion is the server's current view of a resource.
type RemoteVersion struct {
	// Version is the server's revision counter.
	Version int64
	// Versioned is false for resources the server does not version; those
	// never conflict.
	Versioned bool
	// Snapshot is the server's current representation, kept for the user.
	Snapshot json.RawMessage
}

// Outcome is the result class of Detect.
type Outcome int

const (
	Proceed Outcome = iota
	Conflict
)

func (o Outcome) String() string {
	if o == Conflict {
		return "conflict"
	}
	return "proceed"
}

// Decision is the result of comparing a local base version with the server.
type Decision struct {
	Outcome        Outcome
	LocalVersion   int64
	ServerVersion  int64
	ServerSnapshot json.RawMessage
}

// IsConflict reports whether the edit must not be applied.
func (d Decision) IsConflict() bool {
	return d.Outcome == Conflict
}

// ConflictData converts a conflicting decision into record conflict data.
func (d Decision) ConflictData(detectedAt time.Time) *models.ConflictData {
	return &models.ConflictData{
		LocalVersion:   d.LocalVersion,
		ServerVersion:  d.ServerVersion,
		ServerSnapshot: d.ServerSnapshot,
		DetectedAt:     detectedAt,
	}
}

// Detect compares the version an edit was based on with the server's version.
//
// Unversioned resources and equal versions proceed. A server version ahead of
// the base is a conflict. A server version behind the base (a stale read on
// the server side) proceeds and is logged.
//
// A base version of 0 marks an edit of a resource this client created
// offline; it never saw a server version, so the edit proceeds.
func Detect(baseVersion int64, remote RemoteVersion) Decision {
	d := Decision{
		Outcome:        Proceed,
		LocalVersion:   baseVersion,
		ServerVersion:  remote.Version,
		ServerSnapshot: remote.Snapshot,
	}
	if !remote.Versioned || baseVersion == 0 {
		return d
	}

	switch {
	case remote.Version > baseVersion:
		d.Outcome = Conflict
	case remote.Version < baseVersion:
		logging.Warn("Server version behind local base version", map[string]interface{}{
			"local_version":  baseVersion,
			"server_version": remote.Version,
		})
	}
	return d
}

// VersionConflictError is returned by an applier when the server rejected a
// write because the resource moved past the base version (HTTP 409).
type VersionConflictError struct {
	BaseVersion   int64
	ServerVersion int64
	Snapshot      json.RawMessage
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: base %d, server %d", e.BaseVersion, e.ServerVersion)
}

// Decision converts the error into a conflicting Decision.
func (e *VersionConflictError) Decision() Decision {
	return Decision{
		Outcome:        Conflict,
		LocalVersion:   e.BaseVersion,
		ServerVersion:  e.ServerVersion,
		ServerSnapshot: e.Snapshot,
	}
}

// AsVersionConflict extracts a VersionConflictError from err's chain.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}
