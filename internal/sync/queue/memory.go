package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/sitesync/internal/logging"
	"github.com/kimhsiao/sitesync/internal/models"
)

// memoryEntry pairs a record with its insertion sequence, which breaks
// created_at ties the way rowid does in SQLite.
type memoryEntry struct {
	rec *models.ActionRecord
	seq uint64
}

// MemoryStore is an in-process Store. Records are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]*memoryEntry
	nextSeq uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*memoryEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

// Upsert inserts or replaces a PENDING record.
func (q *MemoryStore) Upsert(ctx context.Context, rec *models.ActionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stored := rec.Clone()
	if existing, ok := q.items[rec.ID]; ok {
		if !Editable(existing.rec.Status) {
			return ErrNotEditable
		}
		stored.CreatedAt = existing.rec.CreatedAt
		existing.rec = stored
		return nil
	}

	q.nextSeq++
	q.items[rec.ID] = &memoryEntry{rec: stored, seq: q.nextSeq}

	logging.Debug("Action record stored", map[string]interface{}{
		"record_id":   rec.ID,
		"action_type": rec.ActionType,
		"priority":    rec.Priority.String(),
	})
	return nil
}

// GetByID returns a copy of the record.
func (q *MemoryStore) GetByID(ctx context.Context, id string) (*models.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	e, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.rec.Clone(), nil
}

// ListByStatus returns records with the given status in drain order.
func (q *MemoryStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.ActionRecord, error) {
	return q.list(ctx, func(r *models.ActionRecord) bool { return r.Status == status })
}

// ListPendingOrderedByPriority returns due PENDING records in drain order.
func (q *MemoryStore) ListPendingOrderedByPriority(ctx context.Context, now time.Time) ([]*models.ActionRecord, error) {
	return q.list(ctx, func(r *models.ActionRecord) bool { return r.Due(now) })
}

func (q *MemoryStore) list(ctx context.Context, keep func(*models.ActionRecord) bool) ([]*models.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	matched := make([]*memoryEntry, 0, len(q.items))
	for _, e := range q.items {
		if keep(e.rec) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.rec.Priority != b.rec.Priority {
			return a.rec.Priority < b.rec.Priority
		}
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.Before(b.rec.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]*models.ActionRecord, len(matched))
	for i, e := range matched {
		out[i] = e.rec.Clone()
	}
	return out, nil
}

// Claim moves a PENDING record to SYNCING under the store mutex.
func (q *MemoryStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok || e.rec.Status != models.StatusPending {
		return false, nil
	}
	attempt := now
	e.rec.Status = models.StatusSyncing
	e.rec.LastAttemptAt = &attempt
	e.rec.NextAttemptAt = nil
	return true, nil
}

// ReleaseClaim moves SYNCING back to PENDING, keeping RetryCount.
func (q *MemoryStore) ReleaseClaim(ctx context.Context, id string) error {
	return q.transition(ctx, id, models.StatusPending, func(*models.ActionRecord) error { return nil })
}

// RecoverSyncing resets stale SYNCING records.
func (q *MemoryStore) RecoverSyncing(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.items {
		if e.rec.Status != models.StatusSyncing {
			continue
		}
		if !olderThan.IsZero() && e.rec.LastAttemptAt != nil && !e.rec.LastAttemptAt.Before(olderThan) {
			continue
		}
		e.rec.Status = models.StatusPending
		n++
	}
	return n, nil
}

// UpdateStatus sets status and last error.
func (q *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.Status, lastError string) error {
	if status == models.StatusConflict {
		return ErrInvalidTransition
	}
	return q.transition(ctx, id, status, func(r *models.ActionRecord) error {
		r.LastError = lastError
		if status != models.StatusPending {
			r.NextAttemptAt = nil
		}
		return nil
	})
}

// UpdateStatusWithBackoff sets status, retry count, next attempt and last error.
func (q *MemoryStore) UpdateStatusWithBackoff(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt *time.Time, lastError string) error {
	if status == models.StatusConflict {
		return ErrInvalidTransition
	}
	return q.transition(ctx, id, status, func(r *models.ActionRecord) error {
		if retryCount < r.RetryCount {
			return fmt.Errorf("retry count %d below stored %d: %w", retryCount, r.RetryCount, ErrInvalidTransition)
		}
		r.RetryCount = retryCount
		r.LastError = lastError
		r.NextAttemptAt = nil
		if nextAttemptAt != nil {
			next := *nextAttemptAt
			r.NextAttemptAt = &next
		}
		return nil
	})
}

// UpdateConflict records conflict data and moves the record to CONFLICT.
func (q *MemoryStore) UpdateConflict(ctx context.Context, id string, data *models.ConflictData) error {
	if data == nil {
		return fmt.Errorf("update conflict %s: nil conflict data", id)
	}
	return q.transition(ctx, id, models.StatusConflict, func(r *models.ActionRecord) error {
		cd := *data
		r.ConflictData = &cd
		r.LastError = "version conflict"
		r.NextAttemptAt = nil
		return nil
	})
}

// transition applies mutate and sets status when the state machine allows it.
// It must be called without q.mu held.
func (q *MemoryStore) transition(ctx context.Context, id string, status models.Status, mutate func(*models.ActionRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	if !e.rec.Status.CanTransitionTo(status) {
		return fmt.Errorf("%s -> %s: %w", e.rec.Status, status, ErrInvalidTransition)
	}

	updated := e.rec.Clone()
	if err := mutate(updated); err != nil {
		return err
	}
	updated.Status = status
	if status != models.StatusConflict {
		updated.ConflictData = nil
	}
	e.rec = updated
	return nil
}

// DeleteByID removes a record.
func (q *MemoryStore) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return ErrNotFound
	}
	delete(q.items, id)
	return nil
}

// DeleteIfStatus removes id only while it has one of statuses.
func (q *MemoryStore) DeleteIfStatus(ctx context.Context, id string, statuses ...models.Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok || !hasStatus(e.rec.Status, statuses) {
		return false, nil
	}
	delete(q.items, id)
	return true, nil
}

// DeleteByStatus removes every record in one of statuses.
func (q *MemoryStore) DeleteByStatus(ctx context.Context, statuses ...models.Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, e := range q.items {
		if hasStatus(e.rec.Status, statuses) {
			delete(q.items, id)
			n++
		}
	}
	return n, nil
}

// PruneSynced removes SYNCED records last attempted before before.
func (q *MemoryStore) PruneSynced(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, e := range q.items {
		if e.rec.Status != models.StatusSynced {
			continue
		}
		if e.rec.LastAttemptAt != nil && !e.rec.LastAttemptAt.Before(before) {
			continue
		}
		delete(q.items, id)
		n++
	}
	return n, nil
}

// CountByTypeAndStatus counts records of one type in one status.
func (q *MemoryStore) CountByTypeAndStatus(ctx context.Context, actionType models.ActionType, status models.Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := 0
	for _, e := range q.items {
		if e.rec.ActionType == actionType && e.rec.Status == status {
			n++
		}
	}
	return n, nil
}

// CountByStatus returns per-status counts. Every status has an entry.
func (q *MemoryStore) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts := make(map[models.Status]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for _, e := range q.items {
		counts[e.rec.Status]++
	}
	return counts, nil
}

// RewriteResourceID swaps a placeholder id for the server id.
func (q *MemoryStore) RewriteResourceID(ctx context.Context, from, to string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.items {
		if e.rec.ResourceID == from && hasStatus(e.rec.Status, Rewritable) {
			e.rec.ResourceID = to
			n++
		}
	}
	return n, nil
}

// Size returns the number of records held.
func (q *MemoryStore) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

func hasStatus(s models.Status, statuses []models.Status) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}
