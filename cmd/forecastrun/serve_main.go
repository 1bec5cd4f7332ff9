package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/adapter"
	"github.com/sawpanic/forecastrun/internal/cache"
	"github.com/sawpanic/forecastrun/internal/config"
	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/ensemble"
	intakekafka "github.com/sawpanic/forecastrun/internal/intake/kafka"
	httpiface "github.com/sawpanic/forecastrun/internal/interfaces/http"
	"github.com/sawpanic/forecastrun/internal/metrics"
	"github.com/sawpanic/forecastrun/internal/models"
	"github.com/sawpanic/forecastrun/internal/orchestrator"
	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/persistence/postgres"
	"github.com/sawpanic/forecastrun/internal/ratelimit"
	"github.com/sawpanic/forecastrun/internal/regime"
	"github.com/sawpanic/forecastrun/internal/registry"
	"github.com/sawpanic/forecastrun/internal/scheduler"
	"github.com/sawpanic/forecastrun/internal/weights"
)

// engine bundles the wired components so serve and the one-shot cycle
// command share the same construction path.
type engine struct {
	cfg     *config.Config
	manager *postgres.Manager
	events  *registry.Registry
	vols    *regime.VolTracker
	store   *weights.Store
	orch    *orchestrator.Orchestrator
	metrics *metrics.MetricsRegistry
	cacheC  cache.Cache
}

func buildEngine(cfgPath string, withMetrics bool) (*engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	manager, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("persistence init: %w", err)
	}

	var repos persistence.Repository
	if r := manager.Repository(); r != nil {
		repos = *r
	}

	var m *metrics.MetricsRegistry
	if withMetrics {
		m = metrics.NewMetricsRegistry()
	}

	events := registry.New(cfg.Registry, repos.Events)
	vols := regime.NewVolTracker(cfg.VolWindow)
	classifier := regime.NewClassifier(cfg.Classifier)
	store := weights.NewStore(cfg.Weights, weights.DefaultPrior, repos.Weights)

	pool := models.NewPool(cfg.Pool,
		append(models.DefaultBasePool(), models.DefaultEventModels()...)...)

	baseCache := cache.NewAuto()
	fcache := cache.NewForecastCache(baseCache, cfg.Orchestrator.CacheTTL)

	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Events:    events,
		Classify:  classifier,
		Vols:      vols,
		Pool:      pool,
		Store:     store,
		Combiner:  ensemble.NewCombiner(nil),
		Intervals: ensemble.NewIntervalBuilder(cfg.Interval),
		UpdateCfg: cfg.Update,
		Cache:     fcache,
		Forecasts: repos.Forecasts,
		Metrics:   m,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := events.Hydrate(ctx); err != nil {
		return nil, fmt.Errorf("event hydration: %w", err)
	}
	if err := store.Hydrate(ctx); err != nil {
		return nil, fmt.Errorf("weight hydration: %w", err)
	}

	return &engine{
		cfg:     cfg,
		manager: manager,
		events:  events,
		vols:    vols,
		store:   store,
		orch:    orch,
		metrics: m,
		cacheC:  baseCache,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogLevel(cmd)
	cfgPath, _ := cmd.Flags().GetString("config")

	eng, err := buildEngine(cfgPath, true)
	if err != nil {
		return err
	}
	defer eng.manager.Close()
	cfg := eng.cfg

	limiter := ratelimit.NewLimiter(cfg.Agents.RateRPS, cfg.Agents.RateBurst)
	adapt := adapter.New()

	var pingDB func() error
	if eng.manager.IsEnabled() {
		pingDB = func() error { return eng.manager.Ping(context.Background()) }
	}
	handlers := httpiface.NewHandlers(eng.events, adapt, eng.orch, eng.store, limiter, eng.metrics, httpiface.HealthInfo{
		Version:      version,
		CacheMode:    cache.Mode(),
		DBEnabled:    eng.manager.IsEnabled(),
		PingDB:       pingDB,
		KafkaEnabled: cfg.Kafka.Enabled,
	})
	server := httpiface.NewServer(cfg.Server, handlers, eng.metrics)
	eng.orch.Subscribe(server.Hub().Broadcast)

	var consumer *intakekafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = intakekafka.NewConsumer(cfg.Kafka.Config)
		if err != nil {
			return err
		}
		consumer.Register(intakekafka.NewEventHandler(cfg.Kafka.EventsTopic, eng.events, eng.metrics))
		consumer.Register(intakekafka.NewForecastHandler(cfg.Kafka.ForecastsTopic, adapt, eng.orch))
		consumer.Register(intakekafka.NewTickHandler(cfg.Kafka.TicksTopic, eng.vols))
		if err := consumer.Start(); err != nil {
			return err
		}
	}

	pairs := make([]scheduler.Pair, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		horizons := make([]domain.Horizon, 0, len(p.Horizons))
		for _, h := range p.Horizons {
			horizon, err := domain.ParseHorizon(h)
			if err != nil {
				return fmt.Errorf("pair %s: %w", p.Asset, err)
			}
			horizons = append(horizons, horizon)
		}
		pairs = append(pairs, scheduler.Pair{Asset: p.Asset, Horizons: horizons, Interval: p.Interval})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(pairs, eng.orch, eng.events, eng.store)
	sched.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("http server listening")
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	log.Info().
		Str("version", version).
		Str("cache", cache.Mode()).
		Bool("persistence", eng.manager.IsEnabled()).
		Bool("kafka", cfg.Kafka.Enabled).
		Int("pairs", len(pairs)).
		Msg("forecast engine started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server failed")
		stop()
	}

	sched.Stop()
	if consumer != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := consumer.Stop(shutCtx); err != nil {
			log.Warn().Err(err).Msg("kafka intake shutdown incomplete")
		}
		cancel()
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("forecast engine stopped")
	return nil
}
