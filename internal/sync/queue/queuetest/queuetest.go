// Package queuetest provides a behavioural test-suite shared by every
// queue.Store implementation.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/sync/queue"
	"github.com/kimhsiao/sitesync/internal/uuid"
)

// Epoch is the base time used for every record the suite creates.
var Epoch = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) queue.Store

// NewRecord builds a valid PENDING daily-log create created at Epoch+offset.
func NewRecord(t *testing.T, priority models.Priority, offset time.Duration) *models.ActionRecord {
	t.Helper()
	rec, err := models.NewActionRecord(&models.CreateDailyLog{
		ProjectID: "project-1",
		Date:      "2026-03-02",
		Notes:     "slab pour",
	}, "", priority, Epoch.Add(offset))
	require.NoError(t, err)
	return rec
}

// NewUpdate builds a valid PENDING annotation update against resourceID.
func NewUpdate(t *testing.T, resourceID string, offset time.Duration) *models.ActionRecord {
	t.Helper()
	rec, err := models.NewActionRecord(&models.UpdateAnnotation{
		VersionedPayload: models.VersionedPayload{BaseVersion: 2},
		DrawingID:        "drawing-7",
		Kind:             "cloud",
	}, resourceID, models.PriorityNormal, Epoch.Add(offset))
	require.NoError(t, err)
	return rec
}

func ids(recs []*models.ActionRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

// claimed stores rec and claims it at Epoch+1m.
func claimed(t *testing.T, ctx context.Context, s queue.Store, rec *models.ActionRecord) {
	t.Helper()
	require.NoError(t, s.Upsert(ctx, rec))
	ok, err := s.Claim(ctx, rec.ID, Epoch.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

// Run executes the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("UpsertAndGet", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityHigh, 0)
		require.NoError(t, s.Upsert(ctx, rec))

		got, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, models.ActionCreateDailyLog, got.ActionType)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, models.PriorityHigh, got.Priority)
		assert.JSONEq(t, string(rec.Payload), string(got.Payload))
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt), "CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
		assert.Nil(t, got.NextAttemptAt)
		assert.Nil(t, got.ConflictData)
	})

	t.Run("GetByIDMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetByID(ctx, uuid.New())
		assert.True(t, errors.Is(err, queue.ErrNotFound), "err = %v", err)
	})

	t.Run("UpsertReplacesPending", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		require.NoError(t, s.Upsert(ctx, rec))

		replacement := rec.Clone()
		replacement.Priority = models.PriorityLow
		replacement.CreatedAt = Epoch.Add(time.Hour)
		raw, err := models.EncodePayload(&models.CreateDailyLog{ProjectID: "project-1", Date: "2026-03-02", Notes: "revised"})
		require.NoError(t, err)
		replacement.Payload = raw
		require.NoError(t, s.Upsert(ctx, replacement))

		all, err := s.ListByStatus(ctx, models.StatusPending)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.JSONEq(t, string(raw), string(all[0].Payload))
		assert.Equal(t, models.PriorityLow, all[0].Priority)
		assert.True(t, all[0].CreatedAt.Equal(Epoch), "CreatedAt changed to %v", all[0].CreatedAt)
	})

	t.Run("UpsertRejectsNonPending", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		claimed(t, ctx, s, rec)

		err := s.Upsert(ctx, rec)
		assert.True(t, errors.Is(err, queue.ErrNotEditable), "err = %v", err)
	})

	t.Run("UpsertValidates", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		rec.Status = models.StatusConflict
		assert.Error(t, s.Upsert(ctx, rec))
	})

	t.Run("DrainOrder", func(t *testing.T) {
		s := newStore(t)
		low := NewRecord(t, models.PriorityLow, 1*time.Second)
		highEarly := NewRecord(t, models.PriorityHigh, 2*time.Second)
		normal := NewRecord(t, models.PriorityNormal, 3*time.Second)
		highLate := NewRecord(t, models.PriorityHigh, 4*time.Second)
		for _, r := range []*models.ActionRecord{low, highEarly, normal, highLate} {
			require.NoError(t, s.Upsert(ctx, r))
		}

		got, err := s.ListPendingOrderedByPriority(ctx, Epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{highEarly.ID, highLate.ID, normal.ID, low.ID}, ids(got))

		byStatus, err := s.ListByStatus(ctx, models.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, ids(got), ids(byStatus))
	})

	t.Run("DrainOrderTiesUseInsertion", func(t *testing.T) {
		s := newStore(t)
		first := NewRecord(t, models.PriorityNormal, 0)
		second := NewRecord(t, models.PriorityNormal, 0)
		require.NoError(t, s.Upsert(ctx, first))
		require.NoError(t, s.Upsert(ctx, second))

		got, err := s.ListPendingOrderedByPriority(ctx, Epoch)
		require.NoError(t, err)
		assert.Equal(t, []string{first.ID, second.ID}, ids(got))
	})

	t.Run("PendingListHonoursNextAttempt", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		claimed(t, ctx, s, rec)
		next := Epoch.Add(10 * time.Minute)
		require.NoError(t, s.UpdateStatusWithBackoff(ctx, rec.ID, models.StatusPending, 1, &next, "timeout"))

		before, err := s.ListPendingOrderedByPriority(ctx, next.Add(-time.Millisecond))
		require.NoError(t, err)
		assert.Empty(t, before)

		at, err := s.ListPendingOrderedByPriority(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, []string{rec.ID}, ids(at))
	})

	t.Run("ClaimIsCompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		require.NoError(t, s.Upsert(ctx, rec))

		now := Epoch.Add(time.Minute)
		ok, err := s.Claim(ctx, rec.ID, now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Claim(ctx, rec.ID, now)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSyncing, got.Status)
		require.NotNil(t, got.LastAttemptAt)
		assert.True(t, got.LastAttemptAt.Equal(now))

		ok, err = s.Claim(ctx, uuid.New(), now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		require.NoError(t, s.Upsert(ctx, rec))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Claim(ctx, rec.ID, Epoch)
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("UpdateStatusFollowsStateMachine", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		require.NoError(t, s.Upsert(ctx, rec))

		// pending -> synced skips the claim
		err := s.UpdateStatus(ctx, rec.ID, models.StatusSynced, "")
		assert.True(t, errors.Is(err, queue.ErrInvalidTransition), "err = %v", err)

		ok, err := s.Claim(ctx, rec.ID, Epoch)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.UpdateStatus(ctx, rec.ID, models.StatusSynced, ""))

		got, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSynced, got.Status)

		err = s.UpdateStatus(ctx, uuid.New(), models.StatusSynced, "")
		assert.True(t, errors.Is(err, queue.ErrNotFound), "err = %v", err)
	})

	t.Run("SyncedIsImmutable", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		claimed(t, ctx, s, rec)
		require.NoError(t, s.UpdateStatus(ctx, rec.ID, models.StatusSynced, ""))
		before, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)

		next := Epoch.Add(time.Hour)
		assert.Error(t, s.UpdateStatus(ctx, rec.ID, models.StatusFailed, "late"))
		assert.Error(t, s.UpdateStatusWithBackoff(ctx, rec.ID, models.StatusPending, 4, &next, "late"))
		assert.Error(t, s.UpdateConflict(ctx, rec.ID, &models.ConflictData{LocalVersion: 1, ServerVersion: 2}))
		assert.Error(t, s.ReleaseClaim(ctx, rec.ID))
		ok, err := s.Claim(ctx, rec.ID, next)
		require.NoError(t, err)
		assert.False(t, ok)
		n, err := s.RecoverSyncing(ctx, time.Time{})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.True(t, errors.Is(s.Upsert(ctx, rec), queue.ErrNotEditable))

		after, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.RetryCount, after.RetryCount)
		assert.Equal(t, before.LastError, after.LastError)
		assert.Nil(t, after.NextAttemptAt)
	})

	t.Run("UpdateStatusWithBackoff", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		claimed(t, ctx, s, rec)

		next := Epoch.Add(time.Minute + time.Second)
		require.NoError(t, s.UpdateStatusWithBackoff(ctx, rec.ID, models.StatusPending, 1, &next, "i/o timeout"))

		got, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "i/o timeout", got.LastError)
		require.NotNil(t, got.NextAttemptAt)
		assert.True(t, got.NextAttemptAt.Equal(next))

		ok, err := s.Claim(ctx, rec.ID, next)
		require.NoError(t, err)
		require.True(t, ok)
		err = s.UpdateStatusWithBackoff(ctx, rec.ID, models.StatusPending, 0, &next, "")
		assert.Error(t, err, "retry count must not decrease")

		require.NoError(t, s.UpdateStatusWithBackoff(ctx, rec.ID, models.StatusFailed, 2, nil, "bad request"))
		got, err = s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, 2, got.RetryCount)
		assert.Nil(t, got.NextAttemptAt)
	})

	t.Run("UpdateConflict", func(t *testing.T) {
		s := newStore(t)
		rec := NewUpdate(t, "annotation-1", 0)
		claimed(t, ctx, s, rec)

		data := &models.ConflictData{
			LocalVersion:   2,
			ServerVersion:  3,
			ServerSnapshot: []byte(`{"kind":"arrow"}`),
			DetectedAt:     Epoch.Add(time.Minute),
		}
		require.NoError(t, s.UpdateConflict(ctx, rec.ID, data))

		got, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConflict, got.Status)
		require.NotNil(t, got.ConflictData)
		assert.Equal(t, int64(2), got.ConflictData.LocalVersion)
		assert.Equal(t, int64(3), got.ConflictData.ServerVersion)
		assert.JSONEq(t, `{"kind":"arrow"}`, string(got.ConflictData.ServerSnapshot))
		assert.True(t, got.ConflictData.DetectedAt.Equal(data.DetectedAt))
		assert.NoError(t, got.Validate())

		conflicts, err := s.ListByStatus(ctx, models.StatusConflict)
		require.NoError(t, err)
		assert.Equal(t, []string{rec.ID}, ids(conflicts))
	})

	t.Run("ReleaseClaimKeepsRetryCount", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord(t, models.PriorityNormal, 0)
		claimed(t, ctx, s, rec)
		next := Epoch.Add(time.Minute)
		require.NoError(t, s.UpdateStatusWithBackoff(ctx, rec.ID, models.StatusPending, 2, &next, "x"))
		ok, err := s.Claim(ctx, rec.ID, next)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.ReleaseClaim(ctx, rec.ID))
		got, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, 2, got.RetryCount)

		assert.Error(t, s.ReleaseClaim(ctx, rec.ID), "release of a pending record")
	})

	t.Run("RecoverSyncing", func(t *testing.T) {
		s := newStore(t)
		stale := NewRecord(t, models.PriorityNormal, 0)
		fresh := NewRecord(t, models.PriorityNormal, time.Second)
		require.NoError(t, s.Upsert(ctx, stale))
		require.NoError(t, s.Upsert(ctx, fresh))
		_, err := s.Claim(ctx, stale.ID, Epoch)
		require.NoError(t, err)
		_, err = s.Claim(ctx, fresh.ID, Epoch.Add(5*time.Minute))
		require.NoError(t, err)

		n, err := s.RecoverSyncing(ctx, Epoch.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetByID(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		got, err = s.GetByID(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSyncing, got.Status)

		n, err = s.RecoverSyncing(ctx, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.StatusPending])
		assert.Zero(t, counts[models.StatusSyncing])
	})

	t.Run("Deletes", func(t *testing.T) {
		s := newStore(t)
		a := NewRecord(t, models.PriorityNormal, 0)
		b := NewRecord(t, models.PriorityNormal, time.Second)
		c := NewRecord(t, models.PriorityNormal, 2*time.Second)
		for _, r := range []*models.ActionRecord{a, b, c} {
			require.NoError(t, s.Upsert(ctx, r))
		}
		_, err := s.Claim(ctx, c.ID, Epoch)
		require.NoError(t, err)

		require.NoError(t, s.DeleteByID(ctx, a.ID))
		assert.True(t, errors.Is(s.DeleteByID(ctx, a.ID), queue.ErrNotFound))

		ok, err := s.DeleteIfStatus(ctx, c.ID, models.StatusPending, models.StatusFailed)
		require.NoError(t, err)
		assert.False(t, ok, "syncing record must not be deleted")

		n, err := s.DeleteByStatus(ctx, models.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ok, err = s.DeleteIfStatus(ctx, c.ID, models.StatusSyncing)
		require.NoError(t, err)
		assert.True(t, ok)

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		for _, status := range models.AllStatuses {
			assert.Zero(t, counts[status], "status %s", status)
		}
	})

	t.Run("PruneSynced", func(t *testing.T) {
		s := newStore(t)
		old := NewRecord(t, models.PriorityNormal, 0)
		recent := NewRecord(t, models.PriorityNormal, time.Second)
		pending := NewRecord(t, models.PriorityNormal, 2*time.Second)
		require.NoError(t, s.Upsert(ctx, pending))
		for i, r := range []*models.ActionRecord{old, recent} {
			require.NoError(t, s.Upsert(ctx, r))
			ok, err := s.Claim(ctx, r.ID, Epoch.Add(time.Duration(i)*time.Hour))
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, s.UpdateStatus(ctx, r.ID, models.StatusSynced, ""))
		}

		n, err := s.PruneSynced(ctx, Epoch.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.GetByID(ctx, old.ID)
		assert.True(t, errors.Is(err, queue.ErrNotFound))
		_, err = s.GetByID(ctx, recent.ID)
		assert.NoError(t, err)
		_, err = s.GetByID(ctx, pending.ID)
		assert.NoError(t, err)
	})

	t.Run("Counts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, NewRecord(t, models.PriorityNormal, 0)))
		require.NoError(t, s.Upsert(ctx, NewRecord(t, models.PriorityNormal, time.Second)))
		upd := NewUpdate(t, "annotation-1", 2*time.Second)
		claimed(t, ctx, s, upd)

		n, err := s.CountByTypeAndStatus(ctx, models.ActionCreateDailyLog, models.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = s.CountByTypeAndStatus(ctx, models.ActionUpdateAnnotation, models.StatusPending)
		require.NoError(t, err)
		assert.Zero(t, n)

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.StatusPending])
		assert.Equal(t, 1, counts[models.StatusSyncing])
		assert.Len(t, counts, len(models.AllStatuses))
	})

	t.Run("RewriteResourceID", func(t *testing.T) {
		s := newStore(t)
		local := uuid.NewLocal()
		pending := NewUpdate(t, local, 0)
		failed := NewUpdate(t, local, time.Second)
		inflight := NewUpdate(t, local, 2*time.Second)
		other := NewUpdate(t, "annotation-9", 3*time.Second)
		require.NoError(t, s.Upsert(ctx, pending))
		require.NoError(t, s.Upsert(ctx, other))
		claimed(t, ctx, s, failed)
		require.NoError(t, s.UpdateStatusWithBackoff(ctx, failed.ID, models.StatusFailed, 1, nil, "bad request"))
		claimed(t, ctx, s, inflight)

		n, err := s.RewriteResourceID(ctx, local, "4711")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for id, want := range map[string]string{
			pending.ID:  "4711",
			failed.ID:   "4711",
			inflight.ID: local,
			other.ID:    "annotation-9",
		} {
			got, err := s.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, got.ResourceID, "record %s", id)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, s.Upsert(cctx, NewRecord(t, models.PriorityNormal, 0)))
		_, err := s.ListPendingOrderedByPriority(cctx, Epoch)
		assert.Error(t, err)
	})
}
