// Package app wires the ledger, broker, locks and services from config.
// Both binaries build on it.
package app

import (
	"context"

	"github.com/timmy/harvest/internal/action"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/harvester"
	"github.com/timmy/harvest/internal/harvester/ckan"
	"github.com/timmy/harvest/internal/harvester/staging"
	"github.com/timmy/harvest/internal/lock"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/queue"
	"github.com/timmy/harvest/internal/repository"
	"github.com/timmy/harvest/internal/service"
	"github.com/timmy/harvest/internal/storage"
	"gorm.io/gorm"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Broker     queue.Broker
	Publisher  *queue.Publisher
	Registry   *harvester.Registry
	Dispatcher *service.Dispatcher
	Jobs       *service.JobService
	Sources    *service.SourceService
	Objects    *service.ObjectService
	Reimport   *service.ReimportService
	Actions    *action.Actions
}

// New opens every backend named by cfg and builds the services.
// Parameters:
//   - ctx: bounds the connection attempts.
//   - cfg: loaded configuration.
//
// Returns:
//   - *App: wired application; call Close when done.
//   - error: the first backend that failed to open.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "initialize database")
	}
	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(db); err != nil {
			return nil, errors.Wrap(err, "migrate database")
		}
	}

	broker, err := queue.New(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "initialize queue")
	}
	locker, err := lock.New(ctx, cfg)
	if err != nil {
		broker.Close()
		return nil, errors.Wrap(err, "initialize lock")
	}

	var archive *storage.Archive
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			broker.Close()
			return nil, errors.Wrap(err, "initialize storage")
		}
		if err := store.EnsureBucket(ctx); err != nil {
			logger.With(logger.Fields{"bucket": cfg.Storage.Bucket}).
				Warn(ctx, "Storage bucket check failed: %v", err)
		}
		archive = storage.NewArchive(store, cfg.Storage.Prefix)
	}

	return Build(cfg, db, broker, locker, archive)
}

// Build wires the services over already opened backends.
func Build(cfg *config.Config, db *gorm.DB, broker queue.Broker, locker lock.Locker, archive *storage.Archive) (*App, error) {
	sources := repository.NewSourceRepository(db)
	jobs := repository.NewJobRepository(db)
	objects := repository.NewObjectRepository(db)
	catalog := repository.NewCatalogRepository(db)

	deps := harvester.Deps{
		Sources:              sources,
		Jobs:                 jobs,
		Objects:              objects,
		Catalog:              catalog,
		ExtrasNotOverwritten: cfg.Harvest.ExtrasNotOverwritten,
	}
	registry, err := harvester.NewRegistry(
		ckan.New(deps, ckan.Options{
			Timeout:   cfg.Harvest.HTTPTimeout,
			UserAgent: cfg.Harvest.UserAgent,
		}),
		staging.New(deps, cfg.Harvest.StagingPath),
	)
	if err != nil {
		return nil, err
	}

	publisher := queue.NewPublisher(broker, &cfg.Queue)
	dispatcher := service.NewDispatcher(sources, jobs, objects, registry, publisher, archive, service.DispatcherConfig{
		DeferredImport: cfg.Harvest.DeferredImport,
		StuckThreshold: cfg.Harvest.StuckThreshold,
		Workers:        cfg.Harvest.Workers,
	})

	a := &App{
		Config:     cfg,
		DB:         db,
		Broker:     broker,
		Publisher:  publisher,
		Registry:   registry,
		Dispatcher: dispatcher,
		Jobs:       service.NewJobService(sources, jobs, publisher, locker, dispatcher),
		Sources:    service.NewSourceService(sources, jobs, registry),
		Objects:    service.NewObjectService(jobs, objects, catalog, archive),
		Reimport:   service.NewReimportService(sources, objects, registry),
	}
	a.Actions = action.New(a.Sources, a.Jobs, a.Objects, a.Reimport)
	return a, nil
}

// Close releases the broker and the database. It returns the first error.
func (a *App) Close() error {
	var first error
	if a.Broker != nil {
		first = a.Broker.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
