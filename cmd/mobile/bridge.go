// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libsitesync.so (Android) / sitesync.framework (iOS)
//
//	go build -buildmode=c-shared -o libsitesync.so ./cmd/mobile
//
// The exported C functions live in ffi.go; this file holds the Go side so it
// can be tested without cgo.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/kimhsiao/sitesync/internal/config"
	"github.com/kimhsiao/sitesync/internal/db"
	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/logging"
	"github.com/kimhsiao/sitesync/internal/models"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
	"github.com/kimhsiao/sitesync/internal/sync/remote"
)

// errNotInitialized is returned by every call made before Init.
var errNotInitialized = errors.New("core not initialized, call Init first")

// core is the queue opened by Init.
type core struct {
	lock     *db.DirLock
	database *db.DB
	repo     *db.ActionRepository
	engine   *syncpkg.Engine
}

var (
	coreMu  sync.RWMutex
	current *core

	lastMu  sync.RWMutex
	lastErr string
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = err.Error()
}

func getLastError() string {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return lastErr
}

// initCore opens the queue in dataDir and points the engine at baseURL.
// Calling it again closes the previous core first.
func initCore(ctx context.Context, dataDir, baseURL, token string) error {
	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.RemoteBaseURL = baseURL
	cfg.RemoteToken = token
	if err := cfg.RequireRemote(); err != nil {
		return err
	}
	logging.Init(os.Stderr, cfg.Level())

	client, err := remote.NewClient(cfg.Remote())
	if err != nil {
		return err
	}

	coreMu.Lock()
	defer coreMu.Unlock()
	if current != nil {
		if err := current.close(); err != nil {
			logging.Warn("Closing previous core failed", map[string]interface{}{"error": err.Error()})
		}
		current = nil
	}

	lock, err := db.LockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	database, err := db.Open(ctx, cfg.DataDir)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("open queue database: %w", err)
	}

	repo := db.NewActionRepository(database.DB)
	eng := syncpkg.New(repo,
		syncpkg.WithConfig(cfg.Engine()),
		syncpkg.WithApplier(client),
		syncpkg.WithProber(client),
	)
	eng.OnResourceSynced(syncpkg.RewriteDependents(repo))

	current = &core{lock: lock, database: database, repo: repo, engine: eng}
	logging.Info("Mobile core initialized", map[string]interface{}{"data_dir": cfg.DataDir})
	return nil
}

func (c *core) close() error {
	return errors.Join(c.repo.Close(), c.database.Close(), c.lock.Unlock())
}

// cleanupCore closes the queue opened by initCore.
func cleanupCore() error {
	coreMu.Lock()
	c := current
	current = nil
	coreMu.Unlock()

	if c == nil {
		return nil
	}
	return c.close()
}

func engine() (*syncpkg.Engine, error) {
	coreMu.RLock()
	defer coreMu.RUnlock()
	if current == nil {
		return nil, errNotInitialized
	}
	return current.engine, nil
}

// =====================================================
// Queue Operations
// =====================================================

// enqueue decodes data as the payload of actionType and queues it. It
// returns the stored record as JSON.
func enqueue(ctx context.Context, actionType, resourceID, data string, priority int) (string, error) {
	e, err := engine()
	if err != nil {
		return "", err
	}

	envelope, err := json.Marshal(map[string]interface{}{
		"type": actionType,
		"data": json.RawMessage(data),
	})
	if err != nil {
		return "", apperrors.Serialization("encode payload envelope", err)
	}
	payload, err := models.DecodePayload(envelope)
	if err != nil {
		return "", err
	}
	p := models.Priority(priority)
	if !p.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid priority %d", priority))
	}

	rec, err := e.EnqueuePayload(ctx, payload, resourceID, p)
	if err != nil {
		return "", err
	}
	return marshal(rec)
}

// runOnce drains the queue and returns the summary as JSON.
func runOnce(ctx context.Context) (string, error) {
	e, err := engine()
	if err != nil {
		return "", err
	}
	summary, err := e.RunOnce(ctx)
	if err != nil {
		return "", err
	}
	return marshal(summary)
}

// outstanding returns the per-status counts as JSON, plus the total the
// "N changes pending" indicator shows.
func outstanding(ctx context.Context) (string, error) {
	e, err := engine()
	if err != nil {
		return "", err
	}
	o, err := e.Outstanding(ctx)
	if err != nil {
		return "", err
	}
	return marshal(struct {
		*syncpkg.Outstanding
		Total int `json:"total"`
	}{o, o.Total()})
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Serialization("encode response", err)
	}
	return string(data), nil
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
