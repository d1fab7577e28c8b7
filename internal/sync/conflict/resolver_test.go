// Package conflict provides unit tests for conflict resolution.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/sync/queue"
	"github.com/kimhsiao/sitesync/internal/uuid"
)

var (
	createdAt  = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	detectedAt = createdAt.Add(time.Minute)
	resolvedAt = createdAt.Add(time.Hour)
)

type memoryLogger struct {
	mu      sync.Mutex
	entries []*models.ConflictLog
	err     error
}

func (l *memoryLogger) LogResolution(_ context.Context, entry *models.ConflictLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, entry)
	return nil
}

// conflicted stores an annotation update and drives it into CONFLICT 2 -> 3.
func conflicted(t *testing.T, store *queue.MemoryStore, p models.Payload, resourceID string) *models.ActionRecord {
	t.Helper()
	ctx := context.Background()

	rec, err := models.NewActionRecord(p, resourceID, models.PriorityHigh, createdAt)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, rec))
	ok, err := store.Claim(ctx, rec.ID, detectedAt)
	require.NoError(t, err)
	require.True(t, ok)

	d := Detect(2, RemoteVersion{Version: 3, Versioned: true, Snapshot: json.RawMessage(`{"kind":"arrow","text":"server text","x":1,"y":1}`)})
	require.NoError(t, store.UpdateConflict(ctx, rec.ID, d.ConflictData(detectedAt)))

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	return got
}

func annotationUpdate() *models.UpdateAnnotation {
	return &models.UpdateAnnotation{
		VersionedPayload: models.VersionedPayload{BaseVersion: 2},
		DrawingID:        "drawing-7",
		Kind:             "cloud",
		X:                10,
		Y:                20,
	}
}

func newResolver(store *queue.MemoryStore, log Logger) *Resolver {
	return NewResolver(store, log).WithClock(func() time.Time { return resolvedAt })
}

// TestResolve_serverWins verifies the local edit is dropped and logged.
func TestResolve_serverWins(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	log := &memoryLogger{}
	rec := conflicted(t, store, annotationUpdate(), "annotation-1")

	res, err := newResolver(store, log).Resolve(ctx, rec, StrategyServerWins, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Requeued)
	assert.Equal(t, 0, store.Size())

	require.Len(t, log.entries, 1)
	entry := log.entries[0]
	assert.Equal(t, rec.ID, entry.RecordID)
	assert.Equal(t, "server_wins", entry.Resolution)
	assert.Equal(t, int64(2), entry.LocalVersion)
	assert.Equal(t, int64(3), entry.ServerVersion)
	assert.Equal(t, detectedAt.UnixMilli(), entry.DetectedAt)
	assert.Equal(t, resolvedAt.UnixMilli(), entry.ResolvedAt)
	assert.Empty(t, entry.RequeuedID)
}

// TestResolve_clientWins verifies the edit is re-sent against the server version.
func TestResolve_clientWins(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	rec := conflicted(t, store, annotationUpdate(), "annotation-1")

	res, err := newResolver(store, nil).Resolve(ctx, rec, StrategyClientWins, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Requeued)

	_, err = store.GetByID(ctx, rec.ID)
	assert.True(t, errors.Is(err, queue.ErrNotFound))

	requeued, err := store.GetByID(ctx, res.Requeued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, requeued.Status)
	assert.Equal(t, models.ActionUpdateAnnotation, requeued.ActionType)
	assert.Equal(t, "annotation-1", requeued.ResourceID)
	assert.Equal(t, models.PriorityHigh, requeued.Priority)
	assert.True(t, requeued.CreatedAt.Equal(createdAt))
	assert.Zero(t, requeued.RetryCount)

	p, err := requeued.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Meta().BaseVersion)
	assert.Equal(t, "cloud", p.(*models.UpdateAnnotation).Kind)
}

// TestResolve_merge verifies the merge function output is re-sent.
func TestResolve_merge(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	rec := conflicted(t, store, annotationUpdate(), "annotation-1")

	res, err := newResolver(store, nil).Resolve(ctx, rec, StrategyMerge, OverlayMerge)
	require.NoError(t, err)

	p, err := res.Requeued.DecodePayload()
	require.NoError(t, err)
	merged := p.(*models.UpdateAnnotation)
	assert.Equal(t, "cloud", merged.Kind, "local field wins")
	assert.Equal(t, "server text", merged.Text, "server field kept where local is unset")
	assert.Equal(t, int64(3), merged.BaseVersion)
}

// TestOverlayMerge_clearedFields verifies optional fields the local edit
// emptied take the server value, while client_wins sends the clear as is.
func TestOverlayMerge_clearedFields(t *testing.T) {
	local := &models.UpdateDailyLog{
		VersionedPayload: models.VersionedPayload{BaseVersion: 4},
		ProjectID:        "project-1",
		Date:             "2026-03-02",
		Weather:          "rain",
	}
	snapshot := json.RawMessage(`{"project_id":"project-1","date":"2026-03-02","weather":"sun","notes":"pour delayed","crew_count":9}`)

	p, err := OverlayMerge(local, snapshot)
	require.NoError(t, err)
	merged := p.(*models.UpdateDailyLog)
	assert.Equal(t, "rain", merged.Weather)
	assert.Equal(t, "pour delayed", merged.Notes, "cleared notes keep the server value")
	assert.Equal(t, 9, merged.CrewCount)
	assert.Equal(t, int64(4), merged.BaseVersion)

	ctx := context.Background()
	store := queue.NewMemoryStore()
	rec := conflicted(t, store, local, "log-1")
	res, err := newResolver(store, nil).Resolve(ctx, rec, StrategyClientWins, nil)
	require.NoError(t, err)
	p, err = res.Requeued.DecodePayload()
	require.NoError(t, err)
	kept := p.(*models.UpdateDailyLog)
	assert.Empty(t, kept.Notes)
	assert.Zero(t, kept.CrewCount)
}

// TestResolve_mergeErrors verifies merge preconditions.
func TestResolve_mergeErrors(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	rec := conflicted(t, store, annotationUpdate(), "annotation-1")
	r := newResolver(store, nil)

	_, err := r.Resolve(ctx, rec, StrategyMerge, nil)
	assert.True(t, errors.Is(err, ErrMergeRequired))

	wrongType := func(models.Payload, json.RawMessage) (models.Payload, error) {
		return &models.DeleteAnnotation{}, nil
	}
	_, err = r.Resolve(ctx, rec, StrategyMerge, wrongType)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "err = %v", err)

	failing := func(models.Payload, json.RawMessage) (models.Payload, error) {
		return nil, errors.New("fields overlap")
	}
	_, err = r.Resolve(ctx, rec, StrategyMerge, failing)
	assert.Error(t, err)

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConflict, got.Status, "failed resolution leaves the record")
	assert.Equal(t, 1, store.Size())
}

// TestResolve_keepBoth verifies the edit becomes a create of a new resource.
func TestResolve_keepBoth(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	rec := conflicted(t, store, annotationUpdate(), "annotation-1")

	res, err := newResolver(store, nil).Resolve(ctx, rec, StrategyKeepBoth, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ActionCreateAnnotation, res.Requeued.ActionType)
	assert.Empty(t, res.Requeued.ResourceID)
	p, err := res.Requeued.DecodePayload()
	require.NoError(t, err)
	created := p.(*models.CreateAnnotation)
	assert.Equal(t, "drawing-7", created.DrawingID)
	assert.Zero(t, created.BaseVersion)
	assert.True(t, uuid.IsLocal(created.LocalID))
}

// TestResolve_keepBothUnsupported verifies deletes cannot be kept as creates.
func TestResolve_keepBothUnsupported(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	rec := conflicted(t, store, &models.DeleteAnnotation{VersionedPayload: models.VersionedPayload{BaseVersion: 2}}, "annotation-1")

	_, err := newResolver(store, nil).Resolve(ctx, rec, StrategyKeepBoth, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "err = %v", err)
	assert.Equal(t, 1, store.Size())
}

// TestResolve_onlyOnce verifies a second resolution of the same record fails
// and leaves no orphan replacement.
func TestResolve_onlyOnce(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	rec := conflicted(t, store, annotationUpdate(), "annotation-1")
	r := newResolver(store, nil)

	_, err := r.Resolve(ctx, rec, StrategyClientWins, nil)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, rec, StrategyClientWins, nil)
	assert.True(t, errors.Is(err, ErrNotInConflict), "err = %v", err)
	assert.Equal(t, 1, store.Size())
}

// TestResolve_rejectsNonConflict verifies pending records cannot be resolved.
func TestResolve_rejectsNonConflict(t *testing.T) {
	rec, err := models.NewActionRecord(annotationUpdate(), "annotation-1", models.PriorityNormal, createdAt)
	require.NoError(t, err)

	_, err = newResolver(queue.NewMemoryStore(), nil).Resolve(context.Background(), rec, StrategyServerWins, nil)
	assert.True(t, errors.Is(err, ErrNotInConflict))
}

// TestResolve_logFailureIsNotFatal verifies a failed audit write keeps the resolution.
func TestResolve_logFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	rec := conflicted(t, store, annotationUpdate(), "annotation-1")

	_, err := newResolver(store, &memoryLogger{err: errors.New("disk full")}).Resolve(ctx, rec, StrategyServerWins, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, store.Size())
}

// TestParseStrategy verifies the closed strategy set.
func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyKeepBoth} {
		got, err := ParseStrategy(string(s))
		assert.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStrategy("last_write_wins")
	assert.Error(t, err)
}
