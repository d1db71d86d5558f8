package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/hyperengineering/fieldkit/internal/completion"
	"github.com/hyperengineering/fieldkit/internal/config"
	"github.com/hyperengineering/fieldkit/internal/network"
	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/resolve"
	"github.com/hyperengineering/fieldkit/internal/staging"
	"github.com/hyperengineering/fieldkit/internal/store"
	fksync "github.com/hyperengineering/fieldkit/internal/sync"
	"github.com/hyperengineering/fieldkit/internal/types"
	"github.com/hyperengineering/fieldkit/internal/validation"
)

// app holds the wired core shared by the server and the local commands.
type app struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	client     *remote.HTTPClient
	monitor    network.Monitor
	manager    *fksync.Manager
	resolver   *resolve.Resolver
	validator  *validation.Adapter
	completion *completion.Service
}

func newApp(cfg *config.Config, offline bool, logger *slog.Logger) (*app, error) {
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", "path", cfg.Database.Path)

	client := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Token, time.Duration(cfg.Remote.Timeout))

	var monitor network.Monitor
	if offline {
		monitor = network.NewStatic(false)
	} else {
		monitor = network.NewProbeMonitor(client, time.Duration(cfg.Network.ProbeTimeout), logger)
	}

	stager := staging.New(client, time.Duration(cfg.Sync.StagingRetryDelay), logger)
	manager := fksync.NewManager(db, client, monitor, stager, fksync.Config{
		MinInterval: time.Duration(cfg.Sync.MinInterval),
		Burst:       cfg.Sync.Burst,
		Concurrency: cfg.Sync.Concurrency,
	}, logger)
	resolver := resolve.New(db, client, monitor, logger, resolve.WithStateReporter(manager))
	validator := validation.NewAdapter(resolver, stager, client, validation.AdapterConfig{
		Timeout:   time.Duration(cfg.Validation.Timeout),
		MaxDepth:  cfg.Validation.MaxDepth,
		CacheSize: cfg.Validation.CacheSize,
		CacheTTL:  time.Duration(cfg.Validation.CacheTTL),
	}, logger)

	return &app{
		cfg:        cfg,
		store:      db,
		client:     client,
		monitor:    monitor,
		manager:    manager,
		resolver:   resolver,
		validator:  validator,
		completion: completion.New(db, logger),
	}, nil
}

// Close stops sync runs, waiting for them to return before the store is
// closed under them.
func (a *app) Close() error {
	timeout := time.Duration(a.cfg.Server.ShutdownTimeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := a.manager.Shutdown(ctx)
	return multierr.Append(err, a.store.Close())
}

// deviceID names this installation in backup object keys.
func deviceID(cfg *config.Config) string {
	if cfg.Backup.Device != "" {
		return cfg.Backup.Device
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-device"
	}
	return host
}

// parseInstanceArg parses "program/period/orgUnit[/aoc]"; the attribute
// option combo defaults to the default combo.
func parseInstanceArg(s string) (types.InstanceKey, error) {
	key, err := types.ParseInstanceKey(s)
	if err != nil {
		key, err = types.ParseInstanceKey(s + "/" + types.DefaultCategoryOptionCombo)
		if err != nil {
			return types.InstanceKey{}, fmt.Errorf("instance must be program/period/orgUnit[/aoc]: %w", err)
		}
	}
	if err := validation.ValidateInstanceKey(key); err != nil {
		return types.InstanceKey{}, err
	}
	return key, nil
}
