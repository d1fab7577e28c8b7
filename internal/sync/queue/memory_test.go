package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/sync/queue"
	"github.com/kimhsiao/sitesync/internal/sync/queue/queuetest"
)

// TestMemoryStore runs the store contract against the in-process store.
func TestMemoryStore(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		return queue.NewMemoryStore()
	})
}

// TestMemoryStore_copiesRecords verifies callers cannot mutate stored state.
func TestMemoryStore_copiesRecords(t *testing.T) {
	ctx := context.Background()
	s := queue.NewMemoryStore()
	rec := queuetest.NewRecord(t, models.PriorityNormal, 0)
	require.NoError(t, s.Upsert(ctx, rec))

	rec.Priority = models.PriorityLow
	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, got.Priority)

	got.Status = models.StatusSynced
	again, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
	assert.Equal(t, 1, s.Size())
}
