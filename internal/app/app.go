package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"compass/internal/aggregator"
	"compass/internal/cache"
	"compass/internal/config"
	"compass/internal/embedding"
	"compass/internal/hil"
	"compass/internal/httpapi"
	"compass/internal/progress"
	"compass/internal/reconciler"
	"compass/internal/registry"
	"compass/internal/search"
	"compass/internal/skills"
	"compass/internal/store"
	"compass/internal/vector"
	"compass/pkg/logging"
)

// hilSweepInterval is how often expired approval requests are retired.
const hilSweepInterval = 30 * time.Second

// App holds every long-lived component of a running instance.
type App struct {
	cfg config.Config

	store    *store.Store
	cache    *cache.Cache
	vector   *vector.Store
	registry *registry.Registry

	pipeline *reconciler.Pipeline
	watcher  *reconciler.Watcher

	sessions *aggregator.SessionManager
	servers  *aggregator.Service
	monitor  *aggregator.Monitor
	router   *aggregator.Router
	exposure *aggregator.Exposure

	search     *search.Engine
	catalog    *skills.Catalog
	classifier *skills.Classifier
	hil        *hil.Orchestrator
	progress   *progress.Service

	http *httpapi.Server
}

// New builds the full component graph. On error every resource opened so
// far is released, so a failed bootstrap leaves nothing behind.
func New(ctx context.Context, cfg config.Config, version string) (*App, error) {
	a := &App{cfg: cfg}

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap store: %w", err)
	}
	a.store = st
	if cfg.Database.MigrateOnStart {
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("bootstrap migrations: %w", err)
		}
	}

	c, err := cache.New(ctx, cfg.Redis, cfg.Cache)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("bootstrap cache: %w", err)
	}
	a.cache = c

	vec, err := vector.New(cfg.Vector)
	if err != nil {
		c.Close()
		st.Close()
		return nil, fmt.Errorf("bootstrap vector store: %w", err)
	}
	a.vector = vec

	embedder := embedding.NewHTTPEmbedder(cfg.Embedding, cfg.Vector.EmbeddingDim)
	llm := embedding.NewHTTPClassifier(cfg.Classifier)

	a.registry = registry.New()
	a.catalog = skills.NewCatalog(st, vec, embedder, c)
	a.classifier = skills.NewClassifier(st, llm, vec, c, cfg.Classifier)
	a.search = search.NewEngine(embedder, vec, st, c, cfg.Search)

	a.pipeline = reconciler.New(st, vec, a.registry, embedder, a.classifier, c)
	if cfg.Discovery.Watch && len(cfg.Discovery.Paths) > 0 {
		a.watcher = reconciler.NewWatcher(a.pipeline, cfg.Discovery.Paths)
	}

	a.sessions = aggregator.NewSessionManager()
	a.servers = aggregator.NewService(st, vec, a.sessions, a.pipeline, c, cfg.Aggregator)
	a.monitor = aggregator.NewMonitor(st, a.sessions, cfg.Aggregator)
	a.hil = hil.New(cfg.HIL.Expiry())
	a.router = aggregator.NewRouter(a.registry, a.sessions, st, a.hil, cfg.Aggregator)
	a.exposure = aggregator.NewExposure(a.registry, a.sessions, st, a.router, version)
	a.servers.OnCapabilityChange(a.exposure.Notify)
	a.progress = progress.NewService()

	if err := registerBuiltins(a.registry, a.search, a.catalog); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("bootstrap built-ins: %w", err)
	}
	if err := registerServersResource(a.registry, a.servers); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("bootstrap built-ins: %w", err)
	}

	a.http = httpapi.New(cfg.Server, cfg.Auth, httpapi.Deps{
		Exposure:   a.exposure,
		Servers:    a.servers,
		Router:     a.router,
		Search:     a.search,
		Skills:     a.catalog,
		Classifier: a.classifier,
		Tools:      st,
		HIL:        a.hil,
		Progress:   a.progress,
		Verifier:   httpapi.NewHTTPVerifier(cfg.Auth),
		Health:     a.health,
	})

	logging.Info("App", "Bootstrap complete (version %s)", version)
	return a, nil
}

// Run starts every background worker and blocks until the context is
// cancelled or a component fails. Teardown happens in reverse bootstrap
// order before Run returns.
func (a *App) Run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)

	g.Go(func() error {
		a.pipeline.Run(ctx)
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(ctx)
		})
	}
	g.Go(func() error {
		a.monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.exposure.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.hil.Run(ctx, hilSweepInterval)
		return nil
	})
	g.Go(func() error {
		return a.http.Run(ctx)
	})

	// Seed state once the workers are up: reconcile the built-ins, then
	// re-establish the sessions persisted as connected before the restart.
	g.Go(func() error {
		if _, err := a.pipeline.SyncInternal(ctx); err != nil {
			logging.Error("App", err, "Initial internal sync failed")
		}
		a.servers.ConnectAll(ctx)
		return nil
	})

	err := g.Wait()
	a.closeAll()
	if err != nil && parent.Err() == nil {
		// A component failed on its own; the cancellation of the group
		// context is the consequence, not the cause.
		return err
	}
	logging.Info("App", "Shutdown complete")
	return nil
}

// closeAll releases resources in reverse bootstrap order.
func (a *App) closeAll() {
	if a.sessions != nil {
		a.sessions.CloseAll(a.cfg.Aggregator.DrainTimeout())
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			logging.Warn("App", "Closing cache failed: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Warn("App", "Closing store failed: %v", err)
		}
	}
}

// health reports per-component liveness for the unauthenticated endpoint.
func (a *App) health(ctx context.Context) map[string]string {
	components := map[string]string{
		"database": "ok",
		"cache":    "ok",
		"vector":   "ok",
	}
	if err := a.store.Ping(ctx); err != nil {
		components["database"] = err.Error()
	}
	if err := a.cache.Ping(ctx); err != nil {
		components["cache"] = err.Error()
	}
	return components
}
