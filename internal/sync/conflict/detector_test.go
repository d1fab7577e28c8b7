package conflict

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDetect verifies the classification table.
func TestDetect(t *testing.T) {
	snapshot := json.RawMessage(`{"notes":"server"}`)

	tests := []struct {
		name   string
		base   int64
		remote RemoteVersion
		want   Outcome
	}{
		{"equal versions", 5, RemoteVersion{Version: 5, Versioned: true}, Proceed},
		{"server ahead", 5, RemoteVersion{Version: 7, Versioned: true, Snapshot: snapshot}, Conflict},
		{"server behind", 5, RemoteVersion{Version: 4, Versioned: true}, Proceed},
		{"unversioned", 5, RemoteVersion{Version: 99, Versioned: false}, Proceed},
		{"create against new resource", 0, RemoteVersion{Versioned: true}, Proceed},
		{"edit of a resource created offline", 0, RemoteVersion{Version: 1, Versioned: true}, Proceed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Detect(tt.base, tt.remote)
			assert.Equal(t, tt.want, d.Outcome)
			assert.Equal(t, tt.want == Conflict, d.IsConflict())
		})
	}
}

// TestDetect_conflictCarriesVersions verifies the conflict payload.
func TestDetect_conflictCarriesVersions(t *testing.T) {
	d := Detect(5, RemoteVersion{Version: 7, Versioned: true, Snapshot: json.RawMessage(`{"v":7}`)})

	require.True(t, d.IsConflict())
	assert.Equal(t, int64(5), d.LocalVersion)
	assert.Equal(t, int64(7), d.ServerVersion)
	assert.JSONEq(t, `{"v":7}`, string(d.ServerSnapshot))

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	cd := d.ConflictData(at)
	assert.Equal(t, int64(5), cd.LocalVersion)
	assert.Equal(t, int64(7), cd.ServerVersion)
	assert.Equal(t, at, cd.DetectedAt)
}

// TestVersionConflictError verifies extraction through wrapping.
func TestVersionConflictError(t *testing.T) {
	err := fmt.Errorf("apply: %w", &VersionConflictError{BaseVersion: 2, ServerVersion: 3})

	vc, ok := AsVersionConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(3), vc.ServerVersion)
	assert.Contains(t, err.Error(), "base 2, server 3")

	d := vc.Decision()
	assert.True(t, d.IsConflict())
	assert.Equal(t, int64(2), d.LocalVersion)

	_, ok = AsVersionConflict(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "proceed", Proceed.String())
	assert.Equal(t, "conflict", Conflict.String())
}
