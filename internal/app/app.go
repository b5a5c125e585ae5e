// Package app wires the store, connectors, mapping engine, orchestrator and
// scheduler from a workspace config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"syncbridge/internal/config"
	"syncbridge/internal/connector"
	"syncbridge/internal/connector/memory"
	"syncbridge/internal/connector/rest"
	"syncbridge/internal/db"
	"syncbridge/internal/engine"
	"syncbridge/internal/events"
	"syncbridge/internal/mapping"
	"syncbridge/internal/metrics"
	"syncbridge/internal/migrate"
	"syncbridge/internal/repo"
	"syncbridge/internal/scheduler"
	"syncbridge/internal/transform"
)

type Options struct {
	Workspace string
	// Config defaults to the workspace's syncbridge.yml (or the built-in
	// defaults when it is missing).
	Config     *config.Config
	Log        logr.Logger
	HTTPClient *http.Client
	Now        func() time.Time
}

type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Connectors *connector.Registry
	Mapper     *mapping.Engine
	Metrics    *metrics.Sync
	Engine     *engine.Engine
	Scheduler  *scheduler.Scheduler
	Log        logr.Logger
}

// New opens the workspace store, bootstraps its schema and builds every
// collaborator. The scheduler is created but not started.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := BuildConnectors(cfg, opts.HTTPClient, log.WithName("connector"))
	lib := transform.NewLibrary(log.WithName("transform"))
	funcs := transform.NewFunctions(log.WithName("transform"))
	mapper := mapping.New(log.WithName("mapping"), lib, funcs)
	stats := metrics.New()
	r := repo.Repo{DB: conn}
	eng := engine.New(engine.Options{
		Store:         r,
		Connectors:    reg,
		Mapper:        mapper,
		Events:        events.Writer{DB: conn, Now: now},
		Metrics:       stats,
		Log:           log.WithName("engine"),
		Now:           now,
		LeaseDuration: time.Duration(cfg.Sync.RunLeaseSeconds) * time.Second,
	})
	return &App{
		Config:     cfg,
		DB:         conn,
		Repo:       r,
		Connectors: reg,
		Mapper:     mapper,
		Metrics:    stats,
		Engine:     eng,
		Scheduler:  scheduler.New(log.WithName("scheduler"), eng),
		Log:        log,
	}, nil
}

// BuildConnectors registers a lazy factory for every configured connector.
func BuildConnectors(cfg *config.Config, client *http.Client, log logr.Logger) *connector.Registry {
	reg := connector.NewRegistry(log)
	for _, cc := range cfg.Connectors {
		cc := cc
		switch cc.Kind {
		case config.KindMemory:
			reg.RegisterFactory(cc.ID, func() (connector.Connector, error) {
				return memory.FromConfig(cc), nil
			})
		case config.KindREST:
			reg.RegisterFactory(cc.ID, func() (connector.Connector, error) {
				return rest.New(cc, client, log), nil
			})
		}
	}
	return reg
}

// StartScheduler loads active integrations and starts the scheduler when
// enabled in config.
func (a *App) StartScheduler(ctx context.Context) error {
	if !a.Config.Scheduler.Enabled {
		a.Log.Info("scheduler disabled")
		return nil
	}
	if err := a.Scheduler.Reload(ctx, a.Repo); err != nil {
		return err
	}
	a.Scheduler.Start()
	return nil
}

// Close stops the scheduler, waits for background runs and closes the store.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Engine.Wait()
	return a.DB.Close()
}
