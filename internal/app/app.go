package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/weatherguard/weatherguard/internal/controllers/restserver"
	"github.com/weatherguard/weatherguard/internal/engine"
	"github.com/weatherguard/weatherguard/internal/log"
	"github.com/weatherguard/weatherguard/internal/model"
	"github.com/weatherguard/weatherguard/internal/neighbors"
	"github.com/weatherguard/weatherguard/internal/observability"
	"github.com/weatherguard/weatherguard/internal/rules"
	"github.com/weatherguard/weatherguard/internal/stations"
	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/internal/storage/memory"
	"github.com/weatherguard/weatherguard/internal/storage/sqlite"
	"github.com/weatherguard/weatherguard/internal/storage/timescaledb"
	"github.com/weatherguard/weatherguard/pkg/config"
)

// App represents the main application.
type App struct {
	cfg *config.Config
}

// New creates a new application instance.
func New(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// OpenStore constructs the configured storage backend.
func OpenStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Backend {
	case config.BackendSQLite:
		return sqlite.New(cfg.Database.Path)
	case config.BackendTimescaleDB:
		return timescaledb.New(cfg.Database.ConnectionString)
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

// Run starts the application and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := OpenStore(a.cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	index := stations.NewIndex()
	compare := neighbors.NewComparer(index, store, neighbors.Config{
		K:              a.cfg.Neighbors.K,
		MinCount:       a.cfg.Neighbors.MinCount,
		Tolerance:      a.cfg.Neighbors.Tolerance.Std(),
		WeightExponent: a.cfg.Neighbors.WeightExponent,
		MinDistanceKM:  a.cfg.Neighbors.MinDistanceKM,
	})
	pool, err := model.NewPool(model.Config{
		Type:         a.cfg.Model.Type,
		MinSamples:   a.cfg.Model.MinSamples,
		RetrainEvery: a.cfg.Model.RetrainEvery,
		Trees:        a.cfg.Model.Trees,
		SampleSize:   a.cfg.Model.SampleSize,
		BufferSize:   a.cfg.Model.BufferSize,
		Seed:         a.cfg.Model.Seed,
	})
	if err != nil {
		return fmt.Errorf("building model pool: %w", err)
	}
	metrics := observability.NewMetrics()
	ruleEngine := rules.NewEngine(a.cfg.Rules)

	eng := engine.New(a.cfg, store, index, compare, pool, ruleEngine, metrics, clockwork.NewRealClock())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			log.Errorf("engine stopped: %v", err)
		}
	}()

	if a.cfg.HTTP.Enabled {
		rest := restserver.NewController(ctx, &wg, a.cfg.HTTP, store)
		if err := rest.StartController(); err != nil {
			return fmt.Errorf("starting REST server: %w", err)
		}
	}

	log.Info("application started successfully")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	cancel()

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")

	return nil
}
