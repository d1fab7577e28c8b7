package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
)

// TestLockDataDir verifies only one handle can hold the drain lock.
func TestLockDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "queue")

	first, err := LockDataDir(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, LockFileName))

	_, err = LockDataDir(dir)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueInUse), "err = %v", err)
	assert.Contains(t, err.Error(), "queue in use")

	require.NoError(t, first.Unlock())
	require.NoError(t, first.Unlock())

	second, err := LockDataDir(dir)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}

// TestLockDataDir_nil verifies a nil lock unlocks cleanly.
func TestLockDataDir_nil(t *testing.T) {
	var l *DirLock
	assert.NoError(t, l.Unlock())
}
