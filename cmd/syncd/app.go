package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/kimhsiao/sitesync/internal/config"
	"github.com/kimhsiao/sitesync/internal/db"
	"github.com/kimhsiao/sitesync/internal/logging"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
	"github.com/kimhsiao/sitesync/internal/sync/conflict"
	"github.com/kimhsiao/sitesync/internal/sync/remote"
)

// App holds the queue database and the engine built on it.
type App struct {
	cfg       *config.Config
	db        *db.DB
	repo      *db.ActionRepository
	conflicts *db.ConflictLogRepository
	engine    *syncpkg.Engine
	remote    *remote.Client
	lock      *db.DirLock
}

// openApp opens the queue in cfg.DataDir. With withRemote the engine replays
// through the configured REST API and the data dir lock is held until Close;
// without it the engine can only inspect and edit the queue.
func openApp(ctx context.Context, cfg *config.Config, withRemote bool) (*App, error) {
	var (
		client *remote.Client
		lock   *db.DirLock
	)
	if withRemote {
		if err := cfg.RequireRemote(); err != nil {
			return nil, err
		}
		var err error
		client, err = remote.NewClient(cfg.Remote())
		if err != nil {
			return nil, err
		}
		lock, err = db.LockDataDir(cfg.DataDir)
		if err != nil {
			return nil, err
		}
	}

	database, err := db.Open(ctx, cfg.DataDir)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	repo := db.NewActionRepository(database.DB)
	opts := []syncpkg.Option{syncpkg.WithConfig(cfg.Engine())}
	if client != nil {
		opts = append(opts, syncpkg.WithApplier(client), syncpkg.WithProber(client))
	}
	engine := syncpkg.New(repo, opts...)
	engine.OnResourceSynced(syncpkg.RewriteDependents(repo))

	logging.Debug("Queue opened", map[string]interface{}{
		"path":   database.Path(),
		"remote": cfg.RemoteBaseURL,
	})

	return &App{
		cfg:       cfg,
		db:        database,
		repo:      repo,
		conflicts: db.NewConflictLogRepository(database.DB),
		engine:    engine,
		remote:    client,
		lock:      lock,
	}, nil
}

// Resolver returns a conflict resolver that records to the conflict log.
func (a *App) Resolver() *conflict.Resolver {
	return conflict.NewResolver(a.repo, a.conflicts)
}

// Close releases the prepared statements, the database and the lock.
func (a *App) Close() error {
	return errors.Join(a.repo.Close(), a.db.Close(), a.lock.Unlock())
}
