package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/sitesync/cmd/syncd/handlers"
	"github.com/kimhsiao/sitesync/internal/logging"
	"github.com/kimhsiao/sitesync/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ListenAddr string
	// ProbeInterval is how often the remote health endpoint is polled to
	// track connectivity; zero leaves it to POST /api/sync/online.
	ProbeInterval time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(root *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the local sync API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "listen address (overrides listen_addr)")
	cmd.Flags().DurationVar(&opts.ProbeInterval, "probe-interval", 30*time.Second, "connectivity probe interval, 0 disables")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg := opts.cfg
	listenAddr := cfg.ListenAddr
	if opts.ListenAddr != "" {
		listenAddr = opts.ListenAddr
	}

	app, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer app.Close()

	hub := NewWSHub()
	defer hub.Close()
	app.engine.SetEventHandler(hub.PublishEvent)

	sched := scheduler.NewScheduler(app.engine, cfg.Scheduler())
	handler := handlers.NewSyncHandler(sched, app.engine, app.repo, app.Resolver())
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handlers.NewRouter(handler, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Sync API listening", map[string]interface{}{"addr": listenAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if opts.ProbeInterval > 0 {
		g.Go(func() error {
			monitorConnectivity(gctx, app.remote, sched, opts.ProbeInterval)
			return nil
		})
	}

	sched.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down", nil)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		sched.Stop()
		return err
	})

	return g.Wait()
}

// Pinger checks whether the remote API is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OnlineSetter receives connectivity changes.
type OnlineSetter interface {
	SetOnlineStatus(isOnline bool)
}

// monitorConnectivity polls the remote until ctx is done and reports each
// result to the scheduler, which drains when the remote comes back.
func monitorConnectivity(ctx context.Context, remote Pinger, sched OnlineSetter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			err := remote.Ping(probeCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logging.Debug("Remote unreachable", map[string]interface{}{"error": err.Error()})
			}
			sched.SetOnlineStatus(err == nil)
		}
	}
}
