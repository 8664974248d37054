package main

import (
	"context"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"team-feed/server/internal/broadcast"
	"team-feed/server/internal/cache"
	"team-feed/server/internal/config"
	"team-feed/server/internal/domain"
	"team-feed/server/internal/feed"
	"team-feed/server/internal/fetcher"
	"team-feed/server/internal/lastseen"
	"team-feed/server/internal/metrics"
	"team-feed/server/internal/orchestrator"
	"team-feed/server/internal/session"
	"team-feed/server/internal/source"
	"team-feed/server/internal/timeline"
)

// app 持有进程级组件，按配置选择驱动。
type app struct {
	deps         feed.Deps
	orchestrator *orchestrator.Orchestrator
	surfaces     *session.InMemoryStore
	closers      []func()
}

func buildApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (_ *app, err error) {
	a := &app{surfaces: session.NewInMemoryStore()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	m := metrics.New()

	store, err := a.openSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	flags, bus, err := a.openBroadcast(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	seen, err := a.openLastSeen(cfg)
	if err != nil {
		return nil, err
	}

	c := cache.New(cfg.Feed.CacheTTL, nil, m)
	f := fetcher.New(store,
		fetcher.WithTimeout(cfg.Feed.FetchTimeout),
		fetcher.WithLogger(logger),
		fetcher.WithMetrics(m),
		fetcher.WithEpochs(c),
	)
	supp := feed.NewSuppressions(cfg.Detector.SuppressionWindow, nil)
	b := broadcast.New(flags, bus, timeline.NewInMemoryStore(cfg.Broadcast.ReplayCapacity),
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(m),
		broadcast.WithReplayWindow(cfg.Broadcast.ReplayWindow),
		broadcast.WithReannounceDelays(cfg.Broadcast.ReannounceDelays),
	)
	a.closers = append(a.closers, func() { _ = b.Close() })

	a.deps = feed.Deps{
		Fetcher:          f,
		Cache:            c,
		Broadcaster:      b,
		Suppressions:     supp,
		LastSeen:         seen,
		Logger:           logger,
		Metrics:          m,
		PageSize:         cfg.Feed.PageSize,
		PollInterval:     cfg.Broadcast.PollInterval,
		DetectorInterval: cfg.Detector.Interval,
	}
	a.orchestrator = orchestrator.New(store, f, c, supp, b, logger)
	return a, nil
}

func (a *app) openSource(ctx context.Context, cfg *config.Config, logger *log.Logger) (source.Store, error) {
	switch cfg.Source.Driver {
	case "mongo":
		store, err := source.NewMongo(ctx, source.MongoConfig{
			URI:         cfg.Source.Mongo.URI,
			Database:    cfg.Source.Mongo.Database,
			MaxPoolSize: cfg.Source.Mongo.MaxPoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open mongo source: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close(context.Background()) })
		logger.Printf("[App] ✅ mongo source connected: db=%s", cfg.Source.Mongo.Database)
		return store, nil
	default:
		mem := source.NewMemory(nil)
		if cfg.Source.SeedPath != "" {
			recs, err := domain.LoadSeedPosts(cfg.Source.SeedPath)
			if err != nil {
				return nil, err
			}
			mem.Seed(recs...)
			logger.Printf("[App] seeded %d posts from %s", len(recs), cfg.Source.SeedPath)
		}
		return mem, nil
	}
}

func (a *app) openBroadcast(ctx context.Context, cfg *config.Config, logger *log.Logger) (broadcast.FlagStore, broadcast.Bus, error) {
	if cfg.Broadcast.Driver != "nats" {
		return broadcast.NewMemoryFlags(), broadcast.NewLocalBus(), nil
	}

	nc, err := nats.Connect(cfg.Broadcast.NATS.URL, nats.Name("feedsync"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	a.closers = append(a.closers, nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	flags, err := broadcast.NewKVFlags(ctx, js, cfg.Broadcast.NATS.KVBucket)
	if err != nil {
		return nil, nil, err
	}
	logger.Printf("[App] ✅ nats broadcast connected: url=%s bucket=%s", cfg.Broadcast.NATS.URL, cfg.Broadcast.NATS.KVBucket)
	return flags, broadcast.NewNATSBus(nc, cfg.Broadcast.NATS.SubjectPrefix, logger), nil
}

func (a *app) openLastSeen(cfg *config.Config) (lastseen.Store, error) {
	if cfg.LastSeen.Driver != "sqlite" {
		return lastseen.NewMemory(), nil
	}
	db, err := lastseen.OpenSQLite(cfg.LastSeen.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	return db, nil
}

// Close 逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
