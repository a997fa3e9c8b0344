package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/api/controllers"
	"github.com/angelmondragon/creditmeter/api/middleware"
	"github.com/angelmondragon/creditmeter/api/routes"
	"github.com/angelmondragon/creditmeter/internal/alerts"
	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/cron"
	"github.com/angelmondragon/creditmeter/internal/dispatch"
	"github.com/angelmondragon/creditmeter/internal/ledger"
	"github.com/angelmondragon/creditmeter/internal/metering"
	"github.com/angelmondragon/creditmeter/internal/pricing"
	"github.com/angelmondragon/creditmeter/pkg/breaker"
	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/db"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
	"github.com/angelmondragon/creditmeter/pkg/migrate"
	"github.com/angelmondragon/creditmeter/pkg/pubsub"
	"github.com/angelmondragon/creditmeter/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	memoryBackend := strings.EqualFold(cfg.Store.Backend, config.StoreBackendMemory)

	var redisClient *redis.Client
	if !memoryBackend {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	}

	registerer := prometheus.DefaultRegisterer
	meteringMetrics := metrics.NewMeteringMetrics(registerer)
	runtimeMetrics := metrics.NewRuntimeMetrics(registerer)

	var fastStore balance.Store
	if memoryBackend {
		fastStore = balance.NewMemoryStore()
	} else {
		redisStore, err := balance.NewRedisStore(redisClient, cfg.Flusher.ScanCount)
		if err != nil {
			logg.Error(context.Background(), "failed to create redis balance store", err)
			os.Exit(1)
		}
		fastStore = redisStore
	}
	breakerSettings := breaker.SettingsFromConfig("balance-store", cfg.Breaker)
	breakerSettings.OnStateChange = func(name string, from, to breaker.State) {
		logg.Warn(logg.WithFields(context.Background(), map[string]any{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}), "circuit breaker state changed")
		runtimeMetrics.SetBreakerState(name, int(to))
	}
	guarded := balance.NewGuarded(fastStore, breakerSettings)

	pricingTable, err := pricing.NewTable(cfg.Pricing.Rates)
	requireResource(logg, "pricing table", err)
	adRates, err := pricing.NewAdRates(cfg.Pricing.AdRates)
	requireResource(logg, "ad rates", err)
	threshold, err := decimal.NewFromString(cfg.Metering.LowBalanceThreshold)
	requireResource(logg, "low balance threshold", err)

	var alertTopic *gcppubsub.Publisher
	var pubsubClient *pubsub.Client
	if cfg.Alerts.PubSubTopic != "" {
		pubsubClient, err = pubsub.NewClient(context.Background(), cfg.GCP, logg)
		requireResource(logg, "pubsub", err)
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
		alertTopic = pubsubClient.Publisher(cfg.Alerts.PubSubTopic)
		defer alertTopic.Stop()
	}

	notifier, err := alerts.FromConfig(cfg.Alerts, logg, redisClient, alertTopic)
	requireResource(logg, "alert notifier", err)

	dispatcher, err := dispatch.New(dispatch.Params{
		Logger:    logg,
		Metrics:   runtimeMetrics,
		Workers:   cfg.Metering.SideTaskWorkers,
		QueueSize: cfg.Metering.SideTaskQueueSize,
		Timeout:   cfg.Metering.SideTaskTimeout,
	})
	requireResource(logg, "side task dispatcher", err)

	ledgerRepo := ledger.NewRepository(dbClient.DB())
	ledgerService, err := ledger.NewService(ledgerRepo)
	requireResource(logg, "ledger service", err)
	meteringService, err := metering.NewService(metering.ServiceParams{
		Store:               guarded,
		Pricing:             pricingTable,
		AdRates:             adRates,
		Logger:              logg,
		Metrics:             meteringMetrics,
		Dispatcher:          dispatcher,
		Notifier:            notifier,
		AdRevenue:           ledgerRepo,
		Ledger:              ledgerService,
		LowBalanceThreshold: threshold,
	})
	requireResource(logg, "metering service", err)

	readiness := map[string]controllers.Pinger{"database": dbClient}
	var idempotencyStore middleware.IdempotencyStore
	if redisClient != nil {
		readiness["redis"] = redisClient
		idempotencyStore = redisClient
	}
	if pubsubClient != nil {
		readiness["pubsub"] = pubsub.TopicPinger{Client: pubsubClient, Topic: cfg.Alerts.PubSubTopic}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":   cfg.App.Env,
		"addr":  addr,
		"store": cfg.Store.Backend,
	})

	// The memory store lives in this process, so nothing else can flush it.
	if memoryBackend {
		registry, err := cron.NewFlushRegistry(cron.FlushRegistryParams{
			Logger:  logg,
			DB:      dbClient,
			Store:   guarded,
			Ledger:  ledgerService,
			Metrics: runtimeMetrics,
			Config:  cfg.Flusher,
		})
		requireResource(logg, "flush registry", err)
		flusher, err := cron.NewService(cron.ServiceParams{
			Name:     "flush",
			Logger:   logg,
			Registry: registry,
			Lock:     cron.NewLocalLock(),
			Metrics:  metrics.NewCronJobMetrics(registerer),
			Interval: cfg.Flusher.UsageInterval,
		})
		requireResource(logg, "in-process flusher", err)
		go func() {
			if err := flusher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error(ctx, "in-process flusher stopped unexpectedly", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, meteringService, idempotencyStore, readiness, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	logg.Info(ctx, "api server shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "http server shutdown failed", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logg.Error(ctx, "side task dispatcher did not drain", err)
	}
}

func requireResource(logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(context.Background(), fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
