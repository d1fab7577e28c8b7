package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/sync/queue"
	"github.com/kimhsiao/sitesync/internal/sync/queue/queuetest"
)

func newTestRepository(t *testing.T) *ActionRepository {
	t.Helper()
	db := openTestDB(t)
	repo := NewActionRepository(db.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// TestActionRepository runs the store contract against SQLite.
func TestActionRepository(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		return newTestRepository(t)
	})
}

// TestActionRepository_survivesReopen verifies a claimed record is still
// SYNCING after the process "restarts" and can be recovered.
func TestActionRepository_survivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db1, err := Open(ctx, dir)
	require.NoError(t, err)
	repo1 := NewActionRepository(db1.DB)
	rec := queuetest.NewRecord(t, models.PriorityHigh, 0)
	require.NoError(t, repo1.Upsert(ctx, rec))
	ok, err := repo1.Claim(ctx, rec.ID, queuetest.Epoch)
	require.NoError(t, err)
	require.True(t, ok)
	repo1.Close()
	require.NoError(t, db1.Close())

	db2, err := Open(ctx, dir)
	require.NoError(t, err)
	defer db2.Close()
	repo2 := NewActionRepository(db2.DB)
	defer repo2.Close()

	got, err := repo2.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSyncing, got.Status)

	n, err := repo2.RecoverSyncing(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, err := repo2.ListPendingOrderedByPriority(ctx, queuetest.Epoch)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, rec.ID, due[0].ID)
}

// TestActionRepository_millisecondTimestamps verifies timestamps round-trip at
// millisecond precision in UTC.
func TestActionRepository_millisecondTimestamps(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	rec := queuetest.NewRecord(t, models.PriorityNormal, 0)
	rec.CreatedAt = time.Date(2026, 3, 2, 9, 15, 30, 123456789, time.FixedZone("PST", -8*3600))
	require.NoError(t, repo.Upsert(ctx, rec))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt.Truncate(time.Millisecond)), "CreatedAt = %v", got.CreatedAt)
}

// TestActionRepository_stmtCache verifies statements are reused and Close
// empties the cache.
func TestActionRepository_stmtCache(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	s1, err := repo.PrepareStmt(ctx, "SELECT 1")
	require.NoError(t, err)
	s2, err := repo.PrepareStmt(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	require.NoError(t, repo.Close())
	s3, err := repo.PrepareStmt(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
}

// TestConflictLogRepository verifies resolutions are stored newest first.
func TestConflictLogRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewConflictLogRepository(db.DB)

	first := &models.ConflictLog{
		RecordID:      "rec-1",
		ActionType:    models.ActionUpdateAnnotation,
		ResourceID:    "annotation-1",
		LocalVersion:  2,
		ServerVersion: 3,
		Resolution:    "server_wins",
		DetectedAt:    100,
		ResolvedAt:    200,
	}
	second := &models.ConflictLog{
		RecordID:      "rec-2",
		ActionType:    models.ActionUpdateDailyLog,
		ResourceID:    "log-1",
		LocalVersion:  4,
		ServerVersion: 6,
		Resolution:    "client_wins",
		RequeuedID:    "rec-3",
		DetectedAt:    150,
		ResolvedAt:    300,
	}
	require.NoError(t, repo.LogResolution(ctx, first))
	require.NoError(t, repo.LogResolution(ctx, second))
	assert.NotEmpty(t, first.ID)

	got, err := repo.ListResolutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "rec-2", got[0].RecordID)
	assert.Equal(t, "rec-3", got[0].RequeuedID)
	assert.Equal(t, "client_wins", got[0].Resolution)
	assert.Equal(t, models.ActionUpdateAnnotation, got[1].ActionType)

	limited, err := repo.ListResolutions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	bad := &models.ConflictLog{RecordID: "rec-4", Resolution: "coin_flip"}
	assert.Error(t, repo.LogResolution(ctx, bad))
}
