package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"freightline/internal/agents/info"
	"freightline/internal/agents/planner"
	"freightline/internal/catalog"
	"freightline/internal/config"
	"freightline/internal/engine"
	"freightline/internal/logging"
	"freightline/internal/search"
	"freightline/internal/store"
)

// Runtime is a fully wired pipeline built from a config.
type Runtime struct {
	Config  *config.Config
	Logger  *zap.Logger
	Store   store.Store
	Catalog *catalog.Static
	Engine  *engine.Engine

	closers []func() error
}

// Open builds the store, sources, agents and engine described by cfg.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)
	rt := &Runtime{Config: cfg, Logger: logger}

	st, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Store = st
	rt.closers = append(rt.closers, closeStore)

	knowledge, disruptions, closeSources, err := Sources(ctx, cfg, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeSources...)

	rt.Catalog = catalog.FromConfig(cfg.Catalog.Regions)
	rt.Engine = engine.New(
		st,
		info.New(knowledge, disruptions, logger.Named("info")),
		planner.New(rt.Catalog, planner.ConfigFrom(cfg), logger.Named("planner")),
		rt.Catalog,
		logger.Named("engine"),
		engine.Options{
			MaxConcurrentTasks: cfg.Engine.MaxConcurrentTasks,
			PollInterval:       cfg.Engine.PollInterval,
			Retention:          cfg.Store.Retention,
			PruneInterval:      cfg.Engine.PruneInterval,
		},
	)
	logger.Info("runtime ready",
		zap.String("store", cfg.Store.Backend),
		zap.Int("knowledge_sources", len(knowledge)),
		zap.Int("disruption_sources", len(disruptions)),
		zap.Strings("regions", rt.Catalog.Regions()),
	)
	return rt, nil
}

// Close drains the engine and releases the store and source connections.
func (r *Runtime) Close() error {
	if r.Engine != nil {
		r.Engine.Close()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// OpenStore returns the configured task store backend.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemory(store.Options{MaxEvents: cfg.Store.MaxEvents}), func() error { return nil }, nil
	case "sqlite":
		st, err := store.OpenSQL(ctx, cfg.Store.Workspace, store.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// Sources builds the knowledge and disruption sources, each wrapped with its
// configured timeout.
func Sources(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]search.KnowledgeSource, []search.DisruptionSource, []func() error, error) {
	logger = logging.OrNop(logger)
	var (
		knowledge   []search.KnowledgeSource
		disruptions []search.DisruptionSource
		closers     []func() error
	)
	fail := func(err error) ([]search.KnowledgeSource, []search.DisruptionSource, []func() error, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, nil, nil, err
	}
	for _, sc := range cfg.Sources.Knowledge {
		var src search.KnowledgeSource
		switch sc.Kind {
		case "static":
			src = search.NewStaticKnowledge(sc.Name, search.DefaultKnowledge, sc.Limit)
		case "pgvector":
			pool, err := pgxpool.New(ctx, sc.DSN)
			if err != nil {
				return fail(fmt.Errorf("source %s: %w", sc.Name, err))
			}
			closers = append(closers, func() error { pool.Close(); return nil })
			embedder := search.NewHTTPEmbedder(sc.EmbeddingURL, httpClient(sc.Timeout))
			src = search.NewPGVectorKnowledge(sc.Name, pool, embedder, sc.Table, sc.Limit)
		default:
			return fail(fmt.Errorf("source %s: unsupported knowledge kind %q", sc.Name, sc.Kind))
		}
		knowledge = append(knowledge, search.KnowledgeWithTimeout(src, sc.Timeout))
		logger.Debug("knowledge source configured", zap.String("source", sc.Name), zap.String("kind", sc.Kind))
	}
	for _, sc := range cfg.Sources.Disruption {
		var src search.DisruptionSource
		switch sc.Kind {
		case "static":
			src = search.NewStaticDisruptions(sc.Name, search.DefaultDisruptions)
		case "http":
			src = search.NewHTTPDisruptions(sc.Name, sc.URL, httpClient(sc.Timeout))
		default:
			return fail(fmt.Errorf("source %s: unsupported disruption kind %q", sc.Name, sc.Kind))
		}
		disruptions = append(disruptions, search.DisruptionsWithTimeout(src, sc.Timeout))
		logger.Debug("disruption source configured", zap.String("source", sc.Name), zap.String("kind", sc.Kind))
	}
	return knowledge, disruptions, closers, nil
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
