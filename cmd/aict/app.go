package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/config"
	"github.com/ai-consumption-tracker/aict/internal/discovery"
	"github.com/ai-consumption-tracker/aict/internal/manager"
	"github.com/ai-consumption-tracker/aict/internal/persistence"
	"github.com/ai-consumption-tracker/aict/internal/provider"
)

// app holds the components shared by the serve, usage and cleanup commands.
type app struct {
	cfg         *config.Config
	loader      *discovery.Loader
	storage     *persistence.SQLiteStorage
	recorder    *persistence.Recorder
	coordinator *manager.Coordinator
	settings    *config.SettingsStore
}

func newLoader(cfg *config.Config) *discovery.Loader {
	loader := discovery.NewLoader(cfg.ResolvedTrackerDir())
	loader.LoadDotEnv()
	return loader
}

func newApp(cfg *config.Config) (*app, error) {
	loader := newLoader(cfg)

	client, err := provider.NewHTTPClient(cfg.RequestTimeout, cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	geminiID, geminiSecret := cfg.GeminiClient()
	providers := provider.DefaultProviders(provider.Options{
		Client:             client,
		InsecureClient:     provider.NewInsecureClient(cfg.RequestTimeout),
		HomeDir:            loader.HomeDir(),
		DataHome:           loader.DataHome(),
		GeminiClientID:     geminiID,
		GeminiClientSecret: geminiSecret,
	})

	storage, err := persistence.Initialize(cfg)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"providers":   len(providers),
		"tracker_dir": loader.TrackerDir(),
		"proxy":       cfg.ProxyURL != "",
	}).Debug("Agent components initialized")

	return &app{
		cfg:         cfg,
		loader:      loader,
		storage:     storage,
		recorder:    persistence.NewRecorder(storage),
		coordinator: manager.NewCoordinator(loader, providers, manager.WithTaskTimeout(3*cfg.RequestTimeout)),
		settings:    config.NewSettingsStore(cfg.Scheduler),
	}, nil
}

func (a *app) close() {
	if err := a.storage.Close(); err != nil {
		log.WithError(err).Warn("Failed to close storage")
	}
}
