// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine is a scripted SyncEngineInterface.
type fakeEngine struct {
	mu      sync.Mutex
	runs    int
	prunes  int
	errs    []error // returned by successive RunOnce calls, then nil
	block   chan struct{}
	handler syncpkg.EventHandler
}

func (e *fakeEngine) RunOnce(ctx context.Context) (*syncpkg.RunSummary, error) {
	e.mu.Lock()
	e.runs++
	var err error
	if len(e.errs) > 0 {
		err, e.errs = e.errs[0], e.errs[1:]
	}
	block := e.block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &syncpkg.RunSummary{Succeeded: 1}, nil
}

func (e *fakeEngine) PruneSynced(context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prunes++
	return 0, nil
}

func (e *fakeEngine) Outstanding(context.Context) (*syncpkg.Outstanding, error) {
	return &syncpkg.Outstanding{Pending: 2, Conflict: 1}, nil
}

func (e *fakeEngine) SetEventHandler(h syncpkg.EventHandler) { e.handler = h }
func (e *fakeEngine) Status() syncpkg.SyncStatus            { return syncpkg.SyncStatusIdle }
func (e *fakeEngine) LastSync() *time.Time                  { return nil }
func (e *fakeEngine) LastError() error                      { return nil }

func (e *fakeEngine) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

func (e *fakeEngine) pruneCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prunes
}

var _ syncpkg.SyncEngineInterface = (*fakeEngine)(nil)

func fastConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:         time.Hour,
		PruneInterval:        time.Hour,
		DrainTimeout:         time.Second,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		RetryMaxElapsed:      time.Second,
	}
}

func createTestScheduler(t *testing.T, engine *fakeEngine, config *SchedulerConfig) *Scheduler {
	t.Helper()
	s := NewScheduler(engine, config)
	t.Cleanup(s.Stop)
	return s
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	assert.Equal(t, 15*time.Minute, config.SyncInterval)
	assert.Equal(t, 5*time.Minute, config.PruneInterval)
	assert.Equal(t, 5*time.Minute, config.DrainTimeout)
	assert.True(t, config.SyncOnStart)
}

// TestNewScheduler_fillsDefaults verifies zero fields are defaulted.
func TestNewScheduler_fillsDefaults(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, &SchedulerConfig{SyncInterval: time.Minute})

	assert.Equal(t, time.Minute, s.config.SyncInterval)
	assert.Equal(t, 5*time.Minute, s.config.PruneInterval)
	assert.Equal(t, 10*time.Minute, s.config.RetryMaxElapsed)
	assert.False(t, s.config.SyncOnStart)
	assert.True(t, s.IsOnline())
	assert.False(t, s.IsRunning())

	s = NewScheduler(&fakeEngine{}, nil)
	assert.True(t, s.config.SyncOnStart)
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_startStop verifies Start and Stop are idempotent.
func TestScheduler_startStop(t *testing.T) {
	s := createTestScheduler(t, &fakeEngine{}, fastConfig())

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

// TestScheduler_syncOnStart verifies the catch-up drain at start.
func TestScheduler_syncOnStart(t *testing.T) {
	engine := &fakeEngine{}
	config := fastConfig()
	config.SyncOnStart = true
	s := createTestScheduler(t, engine, config)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return engine.runCount() == 1 }, time.Second, 5*time.Millisecond)
}

// TestScheduler_periodicSync verifies ticks drain while online.
func TestScheduler_periodicSync(t *testing.T) {
	engine := &fakeEngine{}
	config := fastConfig()
	config.SyncInterval = 10 * time.Millisecond
	s := createTestScheduler(t, engine, config)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return engine.runCount() >= 2 }, time.Second, 5*time.Millisecond)
}

// TestScheduler_offlineSkipsTicks verifies no drains run while offline and
// that reconnecting triggers one.
func TestScheduler_offlineSkipsTicks(t *testing.T) {
	engine := &fakeEngine{}
	config := fastConfig()
	config.SyncInterval = 5 * time.Millisecond
	s := createTestScheduler(t, engine, config)

	s.SetOnlineStatus(false)
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, engine.runCount())
	assert.False(t, s.TriggerSync(context.Background()))

	s.SetOnlineStatus(true)
	assert.Eventually(t, func() bool { return engine.runCount() >= 1 }, time.Second, 5*time.Millisecond)
}

// TestScheduler_reconnectTriggersDrain verifies going online starts a drain.
func TestScheduler_reconnectTriggersDrain(t *testing.T) {
	engine := &fakeEngine{}
	s := createTestScheduler(t, engine, fastConfig())
	s.Start(context.Background())

	s.SetOnlineStatus(false)
	assert.Zero(t, engine.runCount())
	s.SetOnlineStatus(true)
	assert.Eventually(t, func() bool { return engine.runCount() == 1 }, time.Second, 5*time.Millisecond)

	// Repeating the same status is not a transition.
	s.SetOnlineStatus(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, engine.runCount())
}

// TestScheduler_pruneLoop verifies periodic pruning.
func TestScheduler_pruneLoop(t *testing.T) {
	engine := &fakeEngine{}
	config := fastConfig()
	config.PruneInterval = 10 * time.Millisecond
	s := createTestScheduler(t, engine, config)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return engine.pruneCount() >= 1 }, time.Second, 5*time.Millisecond)
}

// =====================================================
// Invocation Retry Tests
// =====================================================

// TestScheduler_retriesFailedInvocation verifies a drain aborted by a store
// error is retried with backoff.
func TestScheduler_retriesFailedInvocation(t *testing.T) {
	dbErr := apperrors.New(apperrors.ErrDatabase, "database is locked")
	engine := &fakeEngine{errs: []error{dbErr, dbErr}}
	s := createTestScheduler(t, engine, fastConfig())

	require.True(t, s.TriggerSync(context.Background()))
	assert.Eventually(t, func() bool {
		st, err := s.GetStatus(context.Background())
		return err == nil && st.LastSyncTime != nil && !st.SyncInProgress
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, engine.runCount())
	st, err := s.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastSummary)
	assert.Equal(t, 1, st.LastSummary.Succeeded)
}

// TestScheduler_runInProgressIsNotRetried verifies overlapping drains are
// dropped rather than retried.
func TestScheduler_runInProgressIsNotRetried(t *testing.T) {
	engine := &fakeEngine{errs: []error{syncpkg.ErrRunInProgress}}
	s := createTestScheduler(t, engine, fastConfig())

	require.True(t, s.TriggerSync(context.Background()))
	assert.Eventually(t, func() bool {
		st, _ := s.GetStatus(context.Background())
		return !st.SyncInProgress
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, engine.runCount())
}

// TestScheduler_retryGivesUp verifies the invocation retry is bounded.
func TestScheduler_retryGivesUp(t *testing.T) {
	dbErr := apperrors.New(apperrors.ErrDatabase, "disk I/O error")
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = dbErr
	}
	engine := &fakeEngine{errs: errs}
	config := fastConfig()
	config.RetryMaxElapsed = 30 * time.Millisecond
	s := createTestScheduler(t, engine, config)

	require.True(t, s.TriggerSync(context.Background()))
	assert.Eventually(t, func() bool {
		st, _ := s.GetStatus(context.Background())
		return !st.SyncInProgress && st.LastError != ""
	}, 2*time.Second, 5*time.Millisecond)

	st, err := s.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "disk I/O error")
	assert.Nil(t, st.LastSyncTime)
}

// =====================================================
// Manual Sync Tests
// =====================================================

// TestScheduler_syncNow verifies a blocking drain.
func TestScheduler_syncNow(t *testing.T) {
	engine := &fakeEngine{}
	s := createTestScheduler(t, engine, fastConfig())

	summary, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	st, err := s.GetStatus(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, st.LastSyncTime)
	assert.Equal(t, 2, st.Outstanding.Pending)
	assert.Equal(t, 1, st.Outstanding.Conflict)
	assert.Equal(t, syncpkg.SyncStatusIdle, st.EngineStatus)
}

// TestScheduler_syncNowDoesNotRetry verifies manual drains surface errors.
func TestScheduler_syncNowDoesNotRetry(t *testing.T) {
	engine := &fakeEngine{errs: []error{apperrors.New(apperrors.ErrDatabase, "database is locked")}}
	s := createTestScheduler(t, engine, fastConfig())

	_, err := s.SyncNow(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))
	assert.Equal(t, 1, engine.runCount())
}

// TestScheduler_syncNowWhileBusy verifies overlapping manual drains are refused.
func TestScheduler_syncNowWhileBusy(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	s := createTestScheduler(t, engine, fastConfig())

	require.True(t, s.TriggerSync(context.Background()))
	assert.Eventually(t, func() bool { return engine.runCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.SyncNow(context.Background())
	assert.True(t, errors.Is(err, syncpkg.ErrRunInProgress))
	assert.False(t, s.TriggerSync(context.Background()))

	close(engine.block)
}

// TestScheduler_syncNowOffline verifies offline manual drains fail fast.
func TestScheduler_syncNowOffline(t *testing.T) {
	engine := &fakeEngine{}
	s := createTestScheduler(t, engine, fastConfig())
	s.SetOnlineStatus(false)

	_, err := s.SyncNow(context.Background())
	assert.True(t, errors.Is(err, ErrOffline))
	assert.Zero(t, engine.runCount())
}

// TestScheduler_stopCancelsDrain verifies Stop does not hang on a blocked drain.
func TestScheduler_stopCancelsDrain(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	s := NewScheduler(engine, fastConfig())
	s.Start(context.Background())

	require.True(t, s.TriggerSync(context.Background()))
	assert.Eventually(t, func() bool { return engine.runCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

// TestScheduler_triggerAfterStop verifies background drains are refused once
// stopped.
func TestScheduler_triggerAfterStop(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, fastConfig())
	s.Start(context.Background())
	s.Stop()

	assert.False(t, s.TriggerSync(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, engine.runCount())

	// Manual drains still work on a stopped scheduler.
	_, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, engine.runCount())
}

// TestScheduler_triggerRacesStop verifies concurrent triggers and Stop leave
// no drain running after Stop returns.
func TestScheduler_triggerRacesStop(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, fastConfig())
	s.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.TriggerSync(context.Background())
			s.SetOnlineStatus(i%2 == 0)
		}()
	}
	s.Stop()
	wg.Wait()

	runs := engine.runCount()
	st, err := s.GetStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, st.SyncInProgress)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, runs, engine.runCount())
}
