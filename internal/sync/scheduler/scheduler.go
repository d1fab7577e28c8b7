// Package scheduler invokes the sync engine periodically and when
// connectivity returns.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/logging"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
)

// ErrOffline is returned when a drain is requested while offline.
var ErrOffline = apperrors.New(apperrors.ErrSyncTransport, "device is offline")

// Scheduler manages background sync invocations. Its retry of a failed
// invocation is independent of the engine's per-record backoff.
type Scheduler struct {
	engine syncpkg.SyncEngineInterface
	config SchedulerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	runCtx         context.Context
	isRunning      bool
	stopped        bool
	isOnline       bool
	syncInProgress bool
	lastSyncTime   time.Time
	lastSummary    *syncpkg.RunSummary
	lastErr        error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to drain while online (default: 15 minutes)
	PruneInterval time.Duration // How often to prune SYNCED records (default: 5 minutes)
	DrainTimeout  time.Duration // Upper bound on one drain (default: 5 minutes)

	// Invocation retry after a drain aborts on a store error.
	RetryInitialInterval time.Duration // default: 5 seconds
	RetryMaxInterval     time.Duration // default: 1 minute
	RetryMaxElapsed      time.Duration // default: 10 minutes

	// SyncOnStart drains once as soon as the scheduler starts.
	SyncOnStart bool
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:         15 * time.Minute,
		PruneInterval:        5 * time.Minute,
		DrainTimeout:         5 * time.Minute,
		RetryInitialInterval: 5 * time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMaxElapsed:      10 * time.Minute,
		SyncOnStart:          true,
	}
}

// NewScheduler creates a new Scheduler. Zero fields of config take their
// default values.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	d := DefaultSchedulerConfig()
	if config == nil {
		config = d
	}
	cfg := *config
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = d.SyncInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = d.PruneInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = d.DrainTimeout
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = d.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = d.RetryMaxInterval
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = d.RetryMaxElapsed
	}

	return &Scheduler{
		engine:   engine,
		config:   cfg,
		stopCh:   make(chan struct{}),
		isOnline: true, // Assume online initially
	}
}

// Start starts the background loops. ctx bounds every drain they start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.runCtx = ctx
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.pruneLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.config.SyncInterval.String(),
		"prune_interval": s.config.PruneInterval.String(),
	})

	if s.config.SyncOnStart {
		s.TriggerSync(ctx)
	}
}

// Stop stops the background loops and waits for an in-flight drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity. Coming back online triggers a drain.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	ctx := s.runCtx
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline && running {
		s.TriggerSync(ctx)
	}
}

// periodicSyncLoop drains on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if !s.TriggerSync(ctx) {
				logging.Debug("Sync already in progress, skipping", nil)
			}
		}
	}
}

// pruneLoop removes SYNCED records past their retention.
func (s *Scheduler) pruneLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.engine.PruneSynced(ctx); err != nil {
				logging.ErrorWithCode("Prune of synced records failed", string(apperrors.CodeOf(err)), err, nil)
			}
		}
	}
}

// TriggerSync starts a drain in the background.
// Returns true if a drain was started, false if offline, stopped or one is
// already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsOnline() || !s.begin(true) {
		return false
	}

	go func() {
		defer s.wg.Done()
		defer s.end()
		s.runSync(ctx)
	}()
	return true
}

// begin marks a drain in progress. With background it also registers the
// drain with wg, under mu so that Stop's Wait never races the Add; background
// drains are refused once Stop has run.
func (s *Scheduler) begin(background bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress || (background && s.stopped) {
		return false
	}
	s.syncInProgress = true
	if background {
		s.wg.Add(1)
	}
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.syncInProgress = false
	s.mu.Unlock()
}

// runSync drains with invocation-level retry.
func (s *Scheduler) runSync(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.config.RetryInitialInterval
	eb.MaxInterval = s.config.RetryMaxInterval

	operation := func() (*syncpkg.RunSummary, error) {
		if !s.IsOnline() {
			return nil, backoff.Permanent(ErrOffline)
		}
		summary, err := s.drainOnce(ctx)
		if err == nil {
			return summary, nil
		}
		if errors.Is(err, syncpkg.ErrRunInProgress) || errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	summary, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(s.config.RetryMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Warn("Sync invocation failed, retrying", map[string]interface{}{
				"error":      err.Error(),
				"error_code": apperrors.CodeOf(err),
				"retry_in":   next.String(),
			})
		}),
	)
	s.record(summary, err)

	if err != nil {
		if errors.Is(err, syncpkg.ErrRunInProgress) || errors.Is(err, ErrOffline) {
			logging.Debug("Sync invocation skipped", map[string]interface{}{"reason": err.Error()})
			return
		}
		logging.ErrorWithCode("Background sync failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"interval_minutes": s.config.SyncInterval.Minutes()})
	}
}

// drainOnce runs one bounded engine drain.
func (s *Scheduler) drainOnce(ctx context.Context) (*syncpkg.RunSummary, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.config.DrainTimeout)
	defer cancel()
	return s.engine.RunOnce(syncCtx)
}

func (s *Scheduler) record(summary *syncpkg.RunSummary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(err, syncpkg.ErrRunInProgress) || errors.Is(err, ErrOffline) {
		return
	}
	s.lastErr = err
	if summary != nil {
		s.lastSummary = summary
	}
	if err == nil {
		s.lastSyncTime = time.Now()
	}
}

// SchedulerStatus is a snapshot of the scheduler and the queue.
type SchedulerStatus struct {
	IsRunning      bool                 `json:"is_running"`
	IsOnline       bool                 `json:"is_online"`
	SyncInProgress bool                 `json:"sync_in_progress"`
	EngineStatus   syncpkg.SyncStatus   `json:"engine_status"`
	LastSyncTime   *time.Time           `json:"last_sync_time,omitempty"`
	LastSummary    *syncpkg.RunSummary  `json:"last_summary,omitempty"`
	LastError      string               `json:"last_error,omitempty"`
	Outstanding    *syncpkg.Outstanding `json:"outstanding,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		LastSummary:    s.lastSummary,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	status.EngineStatus = s.engine.Status()
	outstanding, err := s.engine.Outstanding(ctx)
	if err != nil {
		return status, err
	}
	status.Outstanding = outstanding
	return status, nil
}

// SyncNow drains immediately and waits for completion. It does not retry.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.RunSummary, error) {
	if !s.IsOnline() {
		return nil, ErrOffline
	}
	if !s.begin(false) {
		return nil, syncpkg.ErrRunInProgress
	}
	defer s.end()

	summary, err := s.drainOnce(ctx)
	s.record(summary, err)
	if err != nil {
		return summary, err
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"succeeded":  summary.Succeeded,
		"conflicted": summary.Conflicted,
		"failed":     summary.Failed,
		"pending":    summary.Pending,
	})
	return summary, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
