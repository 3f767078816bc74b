package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hsvp/farmacontrol/backend/internal/config"
	"github.com/hsvp/farmacontrol/backend/internal/db"
	"github.com/hsvp/farmacontrol/backend/internal/export"
	exportscheduler "github.com/hsvp/farmacontrol/backend/internal/export/scheduler"
	"github.com/hsvp/farmacontrol/backend/internal/hydrate"
	"github.com/hsvp/farmacontrol/backend/internal/kardex"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/remote"
	"github.com/hsvp/farmacontrol/backend/internal/remote/memstore"
	"github.com/hsvp/farmacontrol/backend/internal/remote/mongostore"
	"github.com/hsvp/farmacontrol/backend/internal/rollover"
	engine "github.com/hsvp/farmacontrol/backend/internal/sync"
	"github.com/hsvp/farmacontrol/backend/internal/sync/queue"
	syncscheduler "github.com/hsvp/farmacontrol/backend/internal/sync/scheduler"
	"github.com/hsvp/farmacontrol/backend/internal/views"
)

// App holds every component of one running instance.
type App struct {
	Config  *config.Config
	Session *kardex.Session
	Engine  *engine.SyncEngine
	Queue   *queue.SyncQueue
	Export  export.ExportServiceInterface
	Backups *exportscheduler.Scheduler
	Syncer  *syncscheduler.Scheduler
	Hub     *WSHub

	database   *db.DB
	closeStore func(ctx context.Context) error
}

// appOptions carries the pieces that differ between commands.
type appOptions struct {
	confirmer rollover.Confirmer
	hub       *WSHub
	store     remote.Store // Overrides cfg.Remote when set
}

// openStore connects the remote document store selected by cfg.
func openStore(ctx context.Context, cfg *config.Config) (remote.Store, func(context.Context) error, error) {
	switch cfg.Remote.Driver {
	case config.DriverMongo:
		store, err := mongostore.Connect(ctx, cfg.Remote.MongoURI, cfg.Remote.Database)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverMemory:
		logging.Warn("Using the in-memory remote store; nothing leaves this process", nil)
		return memstore.New(), func(context.Context) error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}
}

// newExporter builds the backup writer, with an S3 copy when configured.
func newExporter(ctx context.Context, cfg *config.Config) (*export.ExportService, error) {
	if !cfg.Export.S3.Enabled() {
		return export.NewExportService(cfg.Export.Dir, nil), nil
	}
	s3 := cfg.Export.S3
	uploader, err := export.NewS3Uploader(ctx, export.S3Config{
		Provider:     s3.Provider,
		Bucket:       s3.Bucket,
		Region:       s3.Region,
		Endpoint:     s3.Endpoint,
		AccountID:    s3.AccountID,
		AccessKey:    s3.AccessKey,
		SecretKey:    s3.SecretKey,
		Prefix:       s3.Prefix,
		UsePathStyle: s3.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("configure backup upload: %w", err)
	}
	return export.NewExportService(cfg.Export.Dir, uploader), nil
}

// NewApp wires the components described by cfg. The session starts signed
// out with the local cache restored.
func NewApp(ctx context.Context, cfg *config.Config, opts appOptions) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	kv := db.NewKV(database)

	store, closeStore := opts.store, func(context.Context) error { return nil }
	if store == nil {
		store, closeStore, err = openStore(ctx, cfg)
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		closeStore(ctx)
		database.Close()
		return nil, err
	}

	q := queue.NewSyncQueue(kv, cfg.Queue.Capacity)
	if err := q.Load(); err != nil {
		closeStore(ctx)
		database.Close()
		return nil, err
	}

	eng := engine.NewSyncEngine(store, q, kv, &engine.EngineConfig{
		CallTimeout: cfg.Sync.CallTimeout,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
		ErrorLogCap: cfg.Sync.ErrorLogCap,
	})
	if opts.hub != nil {
		eng.SetEventHandler(opts.hub)
	}

	hydrator := hydrate.NewHydrator(store, kv, &hydrate.Config{
		PageSize:         cfg.Hydrate.PageSize,
		Ceiling:          cfg.Hydrate.Ceiling,
		BackfillPageSize: cfg.Hydrate.BackfillPageSize,
		PageDelay:        cfg.Hydrate.BackfillDelay,
		BatchLimit:       cfg.Hydrate.BatchLimit,
	})
	cache := views.NewCache(kv, &views.Config{
		LowStockThreshold: cfg.Views.LowStockThreshold,
		PageSize:          cfg.Views.PageSize,
	})

	sessionCfg := kardex.DefaultConfig()
	sessionCfg.RolloverThreshold = cfg.Rollover.Threshold
	sessionCfg.RolloverDebounce = cfg.Rollover.Debounce
	sessionCfg.Rollover.DeleteBatch = cfg.Rollover.DeleteBatch
	sessionCfg.Rollover.Password = cfg.Export.Password
	sessionCfg.FlushTimeout = cfg.Sync.CallTimeout * 4
	if opts.hub != nil {
		sessionCfg.OnRollover = opts.hub.OnRollover
	}

	confirmer := opts.confirmer
	if confirmer == nil {
		confirmer = rollover.ContextConfirmer(cfg.Rollover.AutoConfirm)
	}
	session := kardex.NewSession(eng, hydrator, cache, kv, exporter, confirmer, sessionCfg)
	session.Restore()

	app := &App{
		Config:  cfg,
		Session: session,
		Engine:  eng,
		Queue:   q,
		Export:  exporter,
		Hub:     opts.hub,
		Backups: exportscheduler.NewScheduler(exporter, session, &exportscheduler.SchedulerConfig{
			Interval:       exportscheduler.ExportInterval(cfg.Export.Interval),
			RetentionCount: cfg.Export.Retention,
			ExportDir:      cfg.Export.Dir,
			Password:       cfg.Export.Password,
		}),
		Syncer: syncscheduler.NewScheduler(eng, q, kv, &syncscheduler.SchedulerConfig{
			SyncInterval:  cfg.Sync.PeriodicInterval,
			WatchInterval: cfg.Sync.WatchInterval,
			FlushTimeout:  sessionCfg.FlushTimeout,
		}),
		database:   database,
		closeStore: closeStore,
	}
	return app, nil
}

// SignIn opens the configured account.
func (a *App) SignIn(ctx context.Context) error {
	if a.Config.Account == "" {
		return fmt.Errorf("no account configured (set account or FARMA_ACCOUNT)")
	}
	res, err := a.Session.SignIn(ctx, a.Config.Account)
	if err != nil {
		return err
	}
	logging.Info("Signed in", map[string]interface{}{
		"account":       a.Config.Account,
		"source":        string(res.Source),
		"used_fallback": res.UsedFallback,
	})
	return nil
}

// ResumePending finishes a journaled rollover left by a crash, if any.
func (a *App) ResumePending(ctx context.Context) (*rollover.Result, error) {
	pending, err := a.Session.PendingRollover()
	if err != nil || pending == nil {
		return nil, err
	}
	logging.Warn("Resuming unfinished rollover", map[string]interface{}{"backup": pending.BackupPath})
	return a.Session.ResumeRollover(ctx)
}

// Close stops background work and releases every resource.
func (a *App) Close(ctx context.Context) {
	a.Syncer.Stop()
	a.Backups.Stop()
	a.Session.Close()
	a.Engine.Close()
	if a.Hub != nil {
		a.Hub.Close()
	}
	if err := a.closeStore(ctx); err != nil {
		logging.Warn("Remote store close failed", map[string]interface{}{"error": err.Error()})
	}
	if err := a.database.Close(); err != nil {
		logging.Warn("Database close failed", map[string]interface{}{"error": err.Error()})
	}
}
