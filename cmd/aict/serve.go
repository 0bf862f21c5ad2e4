package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ai-consumption-tracker/aict/internal/api"
	"github.com/ai-consumption-tracker/aict/internal/api/handlers/tracker"
	"github.com/ai-consumption-tracker/aict/internal/discovery"
	"github.com/ai-consumption-tracker/aict/internal/persistence"
	"github.com/ai-consumption-tracker/aict/internal/scheduler"
	"github.com/ai-consumption-tracker/aict/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent: HTTP API, scheduler and cleanup jobs",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	snapshot := &discovery.Snapshot{}
	handler := tracker.NewHandler(tracker.Dependencies{
		Usage:    a.coordinator,
		Recorder: a.recorder,
		Configs:  a.loader,
		Snapshot: snapshot,
		Settings: a.settings,
		Config:   cfg,
		Version:  Version,
	})

	srv := api.NewServer(cfg, handler, api.PortFileName)
	bound, err := srv.Listen(ctx)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"version": Version,
		"port":    bound,
	}).Info("Agent starting")

	sched := scheduler.New(a.coordinator, a.recorder, a.settings, cfg.Scheduler.Tick, cfg.Scheduler.RetentionDays)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		persistence.StartCleanupJob(gctx, a.storage, cfg.Scheduler.RetentionDays)
		return nil
	})

	// Warm the cache so the first request does not wait on every provider.
	g.Go(func() error {
		records := a.coordinator.GetAllUsage(gctx, true)
		log.WithField("records", len(records)).Info("Initial usage refresh completed")
		return nil
	})
	g.Go(func() error {
		snapshot.Set(a.loader.LoadConfig())
		return nil
	})

	if cfg.WatchConfig {
		watcher := discovery.NewWatcher(a.loader, discovery.DefaultDebounce, func(configs []usage.ProviderConfig) {
			snapshot.Set(configs)
		})
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				log.WithError(err).Warn("Config watcher stopped")
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("Agent stopped")
	return err
}
