// Package app assembles crosspost from configuration: storage, the
// credential vault, platform adapters, the sync engine and its scheduler,
// and the daemon's health and metrics endpoints.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/crosspost/internal/analytics"
	"github.com/dmitrijs2005/crosspost/internal/archive"
	"github.com/dmitrijs2005/crosspost/internal/audit"
	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/config"
	"github.com/dmitrijs2005/crosspost/internal/cryptox"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/dedup"
	"github.com/dmitrijs2005/crosspost/internal/engine"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/dmitrijs2005/crosspost/internal/metrics"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/platform"
	"github.com/dmitrijs2005/crosspost/internal/platform/bluesky"
	"github.com/dmitrijs2005/crosspost/internal/platform/twitter"
	"github.com/dmitrijs2005/crosspost/internal/ratelimit"
	"github.com/dmitrijs2005/crosspost/internal/repositories/repomanager"
	"github.com/dmitrijs2005/crosspost/internal/scheduler"
	"github.com/dmitrijs2005/crosspost/internal/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns every long-lived component. Close releases the database and
// wipes the master key.
type App struct {
	config   *config.Config
	logger   logging.Logger
	clock    clock.Clock
	db       *sql.DB
	repos    repomanager.RepositoryManager
	keys     *vault.Keyring
	registry *prometheus.Registry

	Vault     *vault.Vault
	Audit     *audit.Log
	Analytics *analytics.Recorder
	Limiter   *ratelimit.Limiter
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
}

// Option adjusts construction, mostly for tests.
type Option func(*options)

type options struct {
	clock      clock.Clock
	httpClient *http.Client
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithHTTPClient sets the client the platform adapters use.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New opens and migrates the database, loads the master key and wires the
// engine. On error everything opened so far is released.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger, opts ...Option) (_ *App, err error) {
	o := options{clock: clock.Real()}
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{config: cfg, logger: logger.With("module", "app"), clock: o.clock}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, a.repos, err = openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	key, err := cryptox.LoadMasterKey(cfg.MasterKey, cfg.MasterKeyPassphrase, cfg.MasterKeySalt)
	if err != nil {
		return nil, err
	}
	a.keys, err = vault.NewKeyring(key)
	common.WipeByteArray(key)
	if err != nil {
		return nil, err
	}

	a.Vault = vault.New(a.db, a.repos, a.keys, a.clock, logger)
	a.Audit = audit.New(a.db, a.repos, a.clock, logger)
	a.Analytics = analytics.New(a.db, a.repos, a.clock)
	a.Limiter = ratelimit.New(a.db, a.repos, a.clock, map[models.Platform]ratelimit.Budget{
		models.Twitter: {Limit: cfg.TwitterBudget, Window: cfg.RateWindow},
		models.Bluesky: {Limit: cfg.BlueskyBudget, Window: cfg.RateWindow},
	})

	arch, err := newArchive(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	adapters := platform.NewRegistry(
		twitter.New(twitter.Config{BaseURL: cfg.TwitterAPIBase, HTTPClient: o.httpClient, Clock: a.clock}),
		bluesky.New(bluesky.Config{BaseURL: cfg.BlueskyPDS, HTTPClient: o.httpClient, Clock: a.clock}),
	)

	a.Engine = engine.New(engine.Deps{
		DB:        a.db,
		Repos:     a.repos,
		Vault:     a.Vault,
		Adapters:  adapters,
		Ledger:    dedup.NewStore(a.repos.Synced(a.db), dedup.DefaultCacheBytes, a.clock),
		Limiter:   a.Limiter,
		Audit:     a.Audit,
		Analytics: a.Analytics,
		Archive:   arch,
		Metrics:   metrics.New(a.registry),
		Clock:     a.clock,
		Logger:    logger,
	}, engine.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		FetchLimit:     cfg.FetchLimit,
		StaleRunAfter:  cfg.StaleRunAfter,
	})

	a.Scheduler, err = scheduler.New(a.Engine, a.Vault, a.clock, logger, scheduler.Config{
		Interval: cfg.PollInterval,
		Workers:  cfg.Workers,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (*sql.DB, repomanager.RepositoryManager, error) {
	db, dialect, err := dbx.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db init error: %w", err)
	}
	repos, err := repomanager.NewSQLRepositoryManager(dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if err := repos.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return db, repos, nil
}

// Migrate applies the schema and closes the database.
func Migrate(ctx context.Context, cfg *config.Config) error {
	db, _, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	return db.Close()
}

func newArchive(ctx context.Context, cfg *config.Config) (archive.Archive, error) {
	if !cfg.ArchiveEnabled() {
		return archive.Noop{}, nil
	}
	return archive.NewS3(ctx, archive.S3Config{
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
	})
}

// Runs lists the latest runs of userID, newest first.
func (a *App) Runs(ctx context.Context, userID string, limit int) ([]*models.SyncRun, error) {
	return a.repos.Runs(a.db).ListByUser(ctx, userID, limit)
}

// Now is the application clock's current time.
func (a *App) Now() time.Time {
	return a.clock.Now()
}

// Close wipes the master key and closes the database. Safe to call on a
// partially built App.
func (a *App) Close() {
	if a.keys != nil {
		a.keys.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			a.logger.Error(context.Background(), "close database", "error", err)
		}
	}
}
