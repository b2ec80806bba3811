package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dispatchcore/internal/api"
	"dispatchcore/internal/auth"
	"dispatchcore/internal/buildinfo"
	"dispatchcore/internal/config"
	"dispatchcore/internal/eta"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/journey"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/notify"
	"dispatchcore/internal/opt"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"
	"dispatchcore/internal/webhooks"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := config.NewLogger(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), interruptSignals...)
	defer stop()

	if err := run(ctx, *cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	metrics.RegisterDefault()
	log.Info().Str("version", buildinfo.Version).Int("port", cfg.Port).Msg("starting dispatch service")

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		rdb = client
	}

	var broker notify.Broker = notify.NewMemoryBroker()
	var legs geo.Provider = geo.NewOSRM(cfg.OSRM.URL, log,
		geo.WithHTTPClient(&http.Client{Timeout: cfg.OSRM.Timeout}),
		geo.WithRetry(geo.RetryConfig{MaxAttempts: cfg.OSRM.MaxAttempts, BaseDelay: cfg.OSRM.BaseDelay, MaxDelay: cfg.OSRM.MaxDelay}),
		geo.WithRateLimit(cfg.OSRM.RatePerSecond, cfg.OSRM.Burst),
	)
	if rdb != nil {
		broker = notify.NewRedisBroker(rdb, log)
		legs = geo.NewCachedProvider(legs, rdb, cfg.LegCacheTTL, log)
	}

	publisher := webhooks.NewPublisher(st, cfg.Webhooks.Targets, log)
	fanout := notify.NewFanout(
		notify.BrokerSink{Broker: broker, Log: log},
		publisher,
		notify.LogSink{Log: log},
	)

	optimizer := routing.NewOptimizer(st, legs, opt.NewWindowSolver(cfg.Optimizer.SpeedKph, cfg.Optimizer.MaxWait), fanout, routing.Config{
		Gateway: routing.GatewayConfig{
			PreferConstrained: cfg.Optimizer.PreferConstrained,
			EstimateSpeedKph:  cfg.Optimizer.SpeedKph,
		},
		Improve:             cfg.Optimizer.TwoOpt,
		FallbackLeg:         cfg.Optimizer.FallbackLeg,
		FallbackDepotReturn: cfg.Optimizer.FallbackDepotReturn,
	}, log)
	journeys := journey.NewService(st, eta.NewPropagator(cfg.Delay.Threshold, cfg.Delay.ReasonThreshold), fanout, loc, log)

	verifier, err := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.Auth.Mode == "dev" {
		log.Warn().Msg("auth is in dev mode: X-Role headers are trusted")
	}

	srv := api.NewServer(api.Deps{
		Store:     st,
		Optimizer: optimizer,
		Journeys:  journeys,
		Broker:    broker,
		Auth:      verifier,
		Log:       log,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts, log)
	if cfg.Webhooks.Interval > 0 {
		worker.Interval = cfg.Webhooks.Interval
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if len(cfg.Webhooks.Targets) > 0 {
		group.Go(func() error {
			worker.Run(ctx)
			return nil
		})
	}
	return group.Wait()
}

// openStore picks Postgres when a database URL is configured and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return pg, pg.Close, nil
}
