// Package sync drains the offline action queue against the remote system of
// record.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/logging"
	"github.com/kimhsiao/sitesync/internal/models"
	"github.com/kimhsiao/sitesync/internal/sync/backoff"
	"github.com/kimhsiao/sitesync/internal/sync/conflict"
	"github.com/kimhsiao/sitesync/internal/sync/queue"
	"github.com/kimhsiao/sitesync/internal/uuid"
)

// SyncStatus represents the current drain status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// ErrRunInProgress is returned by RunOnce while another drain is running on
// the same engine.
var ErrRunInProgress = errors.New("sync already in progress")

// =====================================================
// Configuration
// =====================================================

// Config tunes the drain.
type Config struct {
	// MaxAttempts is the retry ceiling; a retryable failure that brings
	// RetryCount to MaxAttempts moves the record to FAILED.
	MaxAttempts int

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// ApplyTimeout bounds each remote apply. Expiry is a retryable failure.
	ApplyTimeout time.Duration

	// StaleAfter is the lease on a SYNCING record. After the first drain of
	// an engine, SYNCING records older than this are reset to PENDING.
	StaleAfter time.Duration

	// Concurrency is the number of records applied at once.
	Concurrency int

	// RetainSynced is how long SYNCED records are kept for display.
	RetainSynced time.Duration
}

// DefaultConfig returns the default drain settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  10,
		BaseDelay:    backoff.DefaultBase,
		MaxDelay:     backoff.DefaultMax,
		JitterFactor: backoff.DefaultJitter,
		ApplyTimeout: 30 * time.Second,
		StaleAfter:   2 * time.Minute,
		Concurrency:  1,
		RetainSynced: 10 * time.Minute,
	}
}

// normalize fills unset fields with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = d.ApplyTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RetainSynced < 0 {
		c.RetainSynced = 0
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the drain settings.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.normalize() }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandom overrides the jitter source.
func WithRandom(src backoff.Source) Option {
	return func(e *Engine) { e.random = src }
}

// WithApplier sets the applier used for action types without a registered one.
func WithApplier(a Applier) Option {
	return func(e *Engine) { e.fallback = a }
}

// WithProber enables version probes before edits are applied.
func WithProber(p VersionProber) Option {
	return func(e *Engine) { e.prober = p }
}

// WithEventHandler sets the event handler.
func WithEventHandler(h EventHandler) Option {
	return func(e *Engine) { e.handler = h }
}

// =====================================================
// Engine
// =====================================================

// RunSummary counts the outcomes of one drain.
type RunSummary struct {
	Succeeded  int `json:"succeeded"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
	// Pending counts records put back for a later retry.
	Pending int `json:"pending"`
	// Skipped counts records claimed elsewhere, waiting on a parent create,
	// or without an applier.
	Skipped   int           `json:"skipped"`
	Recovered int           `json:"recovered"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Total returns the number of records the drain looked at.
func (s *RunSummary) Total() int {
	return s.Succeeded + s.Conflicted + s.Failed + s.Pending + s.Skipped
}

// Outstanding backs the "N changes pending / sync error" indicator.
type Outstanding struct {
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Failed   int `json:"failed"`
	Conflict int `json:"conflict"`
	Synced   int `json:"synced"`
}

// Total returns the number of records that still need attention.
func (o *Outstanding) Total() int {
	return o.Pending + o.Syncing + o.Failed + o.Conflict
}

// outcome is the result of processing one record.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSynced
	outcomeConflict
	outcomeFailed
	outcomeRetry
)

// Engine drains the action store. It is invoked, never free-running: each
// RunOnce is a bounded unit of work. One engine drains a store at a time;
// hosts sharing a SQLite data dir hold db.LockDataDir while draining.
type Engine struct {
	store    queue.Store
	cfg      Config
	now      func() time.Time
	random   backoff.Source
	fallback Applier
	prober   VersionProber

	mu       stdsync.RWMutex
	appliers map[models.ActionType]Applier
	hooks    []ResourceSyncedFunc
	handler  EventHandler
	status   SyncStatus
	lastSync *time.Time
	lastErr  error

	running   atomic.Bool
	recovered bool
}

// New creates an Engine over store.
func New(store queue.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		cfg:      DefaultConfig(),
		now:      time.Now,
		appliers: make(map[models.ActionType]Applier),
		status:   SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.random == nil {
		e.random = backoff.SourceFunc(rand.Float64)
	}
	return e
}

// Config returns the effective drain settings.
func (e *Engine) Config() Config {
	return e.cfg
}

// RegisterApplier sets the applier for one action type.
func (e *Engine) RegisterApplier(actionType models.ActionType, a Applier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appliers[actionType] = a
}

// OnResourceSynced registers a hook called after a create syncs with a
// server-assigned id.
func (e *Engine) OnResourceSynced(hook ResourceSyncedFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// RewriteDependents returns a hook that points PENDING and FAILED records at
// the server id of a synced create.
func RewriteDependents(store queue.Store) ResourceSyncedFunc {
	return func(ctx context.Context, localID, serverID string) error {
		n, err := store.RewriteResourceID(ctx, localID, serverID)
		if err != nil {
			return err
		}
		if n > 0 {
			logging.Info("Dependent records rewritten", map[string]interface{}{
				"local_id":  localID,
				"server_id": serverID,
				"count":     n,
			})
		}
		return nil
	}
}

// SetEventHandler sets the handler for sync notifications.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current drain status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the end time of the last drain that completed without error.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastError returns the error of the last drain, if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	h(ev)
}

func (e *Engine) applierFor(t models.ActionType) Applier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if a, ok := e.appliers[t]; ok {
		return a
	}
	return e.fallback
}

// =====================================================
// Producer operations
// =====================================================

// Enqueue stores rec as a fresh PENDING record. Enqueueing an id that is
// still PENDING replaces its payload.
func (e *Engine) Enqueue(ctx context.Context, rec *models.ActionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now()
	}
	rec.Status = models.StatusPending
	rec.RetryCount = 0
	rec.LastAttemptAt = nil
	rec.NextAttemptAt = nil
	rec.LastError = ""
	rec.ConflictData = nil

	if err := e.store.Upsert(ctx, rec); err != nil {
		return err
	}

	logging.Info("Action enqueued", map[string]interface{}{
		"record_id":   rec.ID,
		"action_type": rec.ActionType,
		"resource_id": rec.ResourceID,
		"priority":    rec.Priority.String(),
		"status":      rec.Status,
		"retry_count": rec.RetryCount,
	})
	return nil
}

// EnqueuePayload wraps p in a new record and enqueues it.
func (e *Engine) EnqueuePayload(ctx context.Context, p models.Payload, resourceID string, priority models.Priority) (*models.ActionRecord, error) {
	rec, err := models.NewActionRecord(p, resourceID, priority, e.now())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "build action record", err)
	}
	if err := e.Enqueue(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CancelPending deletes PENDING and FAILED records matching predicate without
// attempting them. It returns the number deleted.
func (e *Engine) CancelPending(ctx context.Context, predicate func(*models.ActionRecord) bool) (int, error) {
	cancelled := 0
	for _, status := range []models.Status{models.StatusPending, models.StatusFailed} {
		records, err := e.store.ListByStatus(ctx, status)
		if err != nil {
			return cancelled, storeError("list records", err)
		}
		for _, rec := range records {
			if !predicate(rec) {
				continue
			}
			ok, err := e.store.DeleteIfStatus(ctx, rec.ID, models.StatusPending, models.StatusFailed)
			if err != nil {
				return cancelled, storeError("cancel record", err)
			}
			if ok {
				cancelled++
			}
		}
	}

	if cancelled > 0 {
		logging.Info("Pending actions cancelled", map[string]interface{}{"count": cancelled})
	}
	return cancelled, nil
}

// CancelResource cancels every PENDING or FAILED record that targets resourceID.
func (e *Engine) CancelResource(ctx context.Context, resourceID string) (int, error) {
	return e.CancelPending(ctx, func(rec *models.ActionRecord) bool {
		return rec.ResourceID == resourceID || rec.LocalID() == resourceID
	})
}

// Discard deletes a record the user has reconciled. Records that are being
// synced or already synced cannot be discarded.
func (e *Engine) Discard(ctx context.Context, id string) error {
	ok, err := e.store.DeleteIfStatus(ctx, id, models.StatusPending, models.StatusFailed, models.StatusConflict)
	if err != nil {
		return storeError("discard record", err)
	}
	if ok {
		logging.Info("Action discarded", map[string]interface{}{"record_id": id})
		return nil
	}

	rec, err := e.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("record %s is %s and cannot be discarded", id, rec.Status))
}

// Outstanding returns record counts per status.
func (e *Engine) Outstanding(ctx context.Context) (*Outstanding, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, storeError("count records", err)
	}
	return &Outstanding{
		Pending:  counts[models.StatusPending],
		Syncing:  counts[models.StatusSyncing],
		Failed:   counts[models.StatusFailed],
		Conflict: counts[models.StatusConflict],
		Synced:   counts[models.StatusSynced],
	}, nil
}

// Conflicts returns the records awaiting a resolution strategy.
func (e *Engine) Conflicts(ctx context.Context) ([]*models.ActionRecord, error) {
	records, err := e.store.ListByStatus(ctx, models.StatusConflict)
	if err != nil {
		return nil, storeError("list conflicts", err)
	}
	return records, nil
}

// Failed returns the records that exhausted their retries or were rejected.
func (e *Engine) Failed(ctx context.Context) ([]*models.ActionRecord, error) {
	records, err := e.store.ListByStatus(ctx, models.StatusFailed)
	if err != nil {
		return nil, storeError("list failed records", err)
	}
	return records, nil
}

// PruneSynced deletes SYNCED records older than RetainSynced.
func (e *Engine) PruneSynced(ctx context.Context) (int, error) {
	n, err := e.store.PruneSynced(ctx, e.now().Add(-e.cfg.RetainSynced))
	if err != nil {
		return 0, storeError("prune synced records", err)
	}
	if n > 0 {
		logging.Debug("Synced records pruned", map[string]interface{}{"count": n})
	}
	return n, nil
}

// =====================================================
// Drain
// =====================================================

// RunOnce drains the records due now.
//
// Per-record failures are recorded on the record and never returned. Store
// errors and cancellation of ctx abort the drain and are returned along with
// the partial summary.
func (e *Engine) RunOnce(ctx context.Context) (summary *RunSummary, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	start := e.now()
	summary = &RunSummary{StartedAt: start}

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	defer func() {
		summary.Duration = e.now().Sub(start)

		e.mu.Lock()
		e.lastErr = err
		if err != nil {
			e.status = SyncStatusFailed
		} else {
			e.status = SyncStatusIdle
			end := start.Add(summary.Duration)
			e.lastSync = &end
		}
		e.mu.Unlock()

		fields := map[string]interface{}{
			"succeeded":   summary.Succeeded,
			"conflicted":  summary.Conflicted,
			"failed":      summary.Failed,
			"pending":     summary.Pending,
			"skipped":     summary.Skipped,
			"recovered":   summary.Recovered,
			"duration_ms": summary.Duration.Milliseconds(),
		}
		if err != nil {
			logging.ErrorWithCode("Drain aborted", string(apperrors.CodeOf(err)), err, fields)
		} else {
			logging.Info("Drain completed", fields)
		}
		ev := Event{Type: EventDrainCompleted, Summary: summary}
		if err != nil {
			ev.Error = err.Error()
		}
		e.emit(ev)
	}()

	if summary.Recovered, err = e.recover(ctx, start); err != nil {
		return summary, err
	}

	due, err := e.store.ListPendingOrderedByPriority(ctx, start)
	if err != nil {
		return summary, storeError("list pending records", err)
	}
	if len(due) == 0 {
		return summary, nil
	}

	var mu stdsync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, rec := range due {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := e.process(gctx, rec)
			if err != nil {
				return err
			}
			mu.Lock()
			summary.add(out)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return summary, err
}

func (s *RunSummary) add(out outcome) {
	switch out {
	case outcomeSynced:
		s.Succeeded++
	case outcomeConflict:
		s.Conflicted++
	case outcomeFailed:
		s.Failed++
	case outcomeRetry:
		s.Pending++
	default:
		s.Skipped++
	}
}

// recover resets interrupted SYNCING records. The first drain of an engine
// resets all of them, which assumes no other engine drains the store; later
// drains only reset those past the lease.
func (e *Engine) recover(ctx context.Context, now time.Time) (int, error) {
	var olderThan time.Time
	if e.recovered {
		olderThan = now.Add(-e.cfg.StaleAfter)
	}
	n, err := e.store.RecoverSyncing(ctx, olderThan)
	if err != nil {
		return 0, storeError("recover syncing records", err)
	}
	e.recovered = true
	if n > 0 {
		logging.Warn("Interrupted records reset to pending", map[string]interface{}{
			"count":  n,
			"status": models.StatusPending,
		})
	}
	return n, nil
}

// process runs one record through claim, apply and transition. A returned
// error aborts the drain.
func (e *Engine) process(ctx context.Context, rec *models.ActionRecord) (outcome, error) {
	if uuid.IsLocal(rec.ResourceID) {
		// The parent create may have synced earlier in this drain.
		fresh, err := e.store.GetByID(ctx, rec.ID)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				return outcomeSkipped, nil
			}
			return outcomeSkipped, storeError("reload record", err)
		}
		if uuid.IsLocal(fresh.ResourceID) {
			logging.Debug("Record waiting on parent create", map[string]interface{}{
				"record_id":   rec.ID,
				"action_type": rec.ActionType,
				"resource_id": rec.ResourceID,
			})
			return outcomeSkipped, nil
		}
		rec = fresh
	}

	applier := e.applierFor(rec.ActionType)
	if applier == nil {
		logging.Warn("No applier registered", map[string]interface{}{
			"record_id":   rec.ID,
			"action_type": rec.ActionType,
		})
		return outcomeSkipped, nil
	}

	claimedAt := e.now()
	ok, err := e.store.Claim(ctx, rec.ID, claimedAt)
	if err != nil {
		return outcomeSkipped, storeError("claim record", err)
	}
	if !ok {
		return outcomeSkipped, nil
	}
	rec.Status = models.StatusSyncing
	rec.LastAttemptAt = &claimedAt
	e.logTransition("Record claimed", rec, models.StatusSyncing, rec.RetryCount)

	payload, err := rec.DecodePayload()
	if err != nil {
		return e.fail(ctx, rec, err)
	}

	result, err := e.attempt(ctx, applier, rec, payload)
	if err != nil {
		if ctx.Err() != nil {
			return e.release(ctx, rec)
		}
		if vc, ok := conflict.AsVersionConflict(err); ok {
			return e.markConflict(ctx, rec, vc.Decision())
		}
		if apperrors.Retryable(err) {
			return e.retry(ctx, rec, err)
		}
		return e.fail(ctx, rec, err)
	}
	if result.decision.IsConflict() {
		return e.markConflict(ctx, rec, result.decision)
	}
	return e.markSynced(ctx, rec, result.ApplyResult)
}

// attemptResult carries either the apply result or a pre-apply conflict.
type attemptResult struct {
	ApplyResult
	decision conflict.Decision
}

// attempt probes (for edits) and applies rec within ApplyTimeout.
func (e *Engine) attempt(ctx context.Context, applier Applier, rec *models.ActionRecord, payload models.Payload) (res attemptResult, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ApplyTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrInternal, fmt.Sprintf("applier panic: %v", r))
		}
	}()

	if e.prober != nil && !rec.ActionType.IsCreate() && rec.ResourceID != "" {
		remote, err := e.prober.RemoteVersion(attemptCtx, rec.ActionType, rec.ResourceID)
		if err != nil {
			return res, timeoutAware(attemptCtx, err)
		}
		res.decision = conflict.Detect(payload.Meta().BaseVersion, remote)
		if res.decision.IsConflict() {
			return res, nil
		}
	}

	res.ApplyResult, err = applier.Apply(attemptCtx, ApplyRequest{Record: rec, Payload: payload})
	if err != nil {
		return res, timeoutAware(attemptCtx, err)
	}
	return res, nil
}

// timeoutAware classifies errors caused by the attempt deadline as timeouts.
func timeoutAware(attemptCtx context.Context, err error) error {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !apperrors.Retryable(err) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "apply timed out", err)
	}
	return err
}

// =====================================================
// Transitions
// =====================================================

func (e *Engine) markSynced(ctx context.Context, rec *models.ActionRecord, result ApplyResult) (outcome, error) {
	wctx := context.WithoutCancel(ctx)
	if err := e.store.UpdateStatus(wctx, rec.ID, models.StatusSynced, ""); err != nil {
		return e.lostClaim(rec, err)
	}
	e.logTransition("Record synced", rec, models.StatusSynced, rec.RetryCount, map[string]interface{}{
		"server_id":   result.ServerID,
		"new_version": result.NewVersion,
	})
	e.emit(Event{Type: EventRecordSynced, RecordID: rec.ID, ActionType: rec.ActionType, Status: models.StatusSynced, RetryCount: rec.RetryCount})

	if rec.ActionType.IsCreate() && result.ServerID != "" {
		e.runHooks(wctx, rec.LocalID(), result.ServerID)
	}
	return outcomeSynced, nil
}

func (e *Engine) runHooks(ctx context.Context, localID, serverID string) {
	if localID == serverID {
		return
	}
	e.mu.RLock()
	hooks := append([]ResourceSyncedFunc(nil), e.hooks...)
	e.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, localID, serverID); err != nil {
			logging.ErrorWithCode("Resource synced hook failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"local_id":  localID,
				"server_id": serverID,
			})
		}
	}
}

func (e *Engine) markConflict(ctx context.Context, rec *models.ActionRecord, d conflict.Decision) (outcome, error) {
	if err := e.store.UpdateConflict(context.WithoutCancel(ctx), rec.ID, d.ConflictData(e.now())); err != nil {
		return e.lostClaim(rec, err)
	}
	e.logTransition("Record conflicted", rec, models.StatusConflict, rec.RetryCount, map[string]interface{}{
		"local_version":  d.LocalVersion,
		"server_version": d.ServerVersion,
	})
	e.emit(Event{Type: EventRecordConflict, RecordID: rec.ID, ActionType: rec.ActionType, Status: models.StatusConflict, RetryCount: rec.RetryCount})
	return outcomeConflict, nil
}

// retry schedules another attempt, or fails the record once MaxAttempts is reached.
func (e *Engine) retry(ctx context.Context, rec *models.ActionRecord, cause error) (outcome, error) {
	retryCount := rec.RetryCount + 1
	if retryCount >= e.cfg.MaxAttempts {
		return e.failWith(ctx, rec, retryCount, fmt.Errorf("gave up after %d attempts: %w", retryCount, cause))
	}

	delay := backoff.Delay(retryCount-1, e.cfg.BaseDelay, e.cfg.MaxDelay, e.cfg.JitterFactor, e.random)
	next := e.now().Add(delay)
	if err := e.store.UpdateStatusWithBackoff(context.WithoutCancel(ctx), rec.ID, models.StatusPending, retryCount, &next, cause.Error()); err != nil {
		return e.lostClaim(rec, err)
	}
	e.logTransition("Record scheduled for retry", rec, models.StatusPending, retryCount, map[string]interface{}{
		"error":           cause.Error(),
		"error_code":      apperrors.CodeOf(cause),
		"delay_ms":        delay.Milliseconds(),
		"next_attempt_at": next.UTC().Format(time.RFC3339Nano),
	})
	e.emit(Event{Type: EventRecordRetry, RecordID: rec.ID, ActionType: rec.ActionType, Status: models.StatusPending, RetryCount: retryCount, Error: cause.Error()})
	return outcomeRetry, nil
}

// fail moves a record to FAILED after a non-retryable error. The attempt still
// counts.
func (e *Engine) fail(ctx context.Context, rec *models.ActionRecord, cause error) (outcome, error) {
	return e.failWith(ctx, rec, rec.RetryCount+1, cause)
}

func (e *Engine) failWith(ctx context.Context, rec *models.ActionRecord, retryCount int, cause error) (outcome, error) {
	if err := e.store.UpdateStatusWithBackoff(context.WithoutCancel(ctx), rec.ID, models.StatusFailed, retryCount, nil, cause.Error()); err != nil {
		return e.lostClaim(rec, err)
	}
	e.logTransition("Record failed", rec, models.StatusFailed, retryCount, map[string]interface{}{
		"error":      cause.Error(),
		"error_code": apperrors.CodeOf(cause),
	})
	e.emit(Event{Type: EventRecordFailed, RecordID: rec.ID, ActionType: rec.ActionType, Status: models.StatusFailed, RetryCount: retryCount, Error: cause.Error()})
	return outcomeFailed, nil
}

// release hands an interrupted claim back to PENDING and aborts the drain.
func (e *Engine) release(ctx context.Context, rec *models.ActionRecord) (outcome, error) {
	if err := e.store.ReleaseClaim(context.WithoutCancel(ctx), rec.ID); err != nil {
		if _, lerr := e.lostClaim(rec, err); lerr != nil {
			return outcomeSkipped, lerr
		}
	} else {
		e.logTransition("Record released", rec, models.StatusPending, rec.RetryCount)
	}
	return outcomeSkipped, ctx.Err()
}

// lostClaim handles a transition write that found the record no longer
// SYNCING, which happens when a stale lease was recovered by another drain.
func (e *Engine) lostClaim(rec *models.ActionRecord, err error) (outcome, error) {
	if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
		logging.Warn("Record claim lost", map[string]interface{}{
			"record_id":   rec.ID,
			"action_type": rec.ActionType,
			"error":       err.Error(),
		})
		return outcomeSkipped, nil
	}
	return outcomeSkipped, storeError("update record", err)
}

func (e *Engine) logTransition(msg string, rec *models.ActionRecord, status models.Status, retryCount int, extra ...map[string]interface{}) {
	fields := map[string]interface{}{
		"record_id":   rec.ID,
		"action_type": rec.ActionType,
		"status":      status,
		"retry_count": retryCount,
	}
	for _, m := range extra {
		for k, v := range m {
			fields[k] = v
		}
	}
	logging.Info(msg, fields)
}

// storeError wraps store failures as DATABASE_ERROR. Cancellation passes
// through unchanged.
func storeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if apperrors.Is(err, apperrors.ErrDatabase) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}
