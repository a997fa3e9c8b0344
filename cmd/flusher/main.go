package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/cron"
	"github.com/angelmondragon/creditmeter/internal/ledger"
	"github.com/angelmondragon/creditmeter/pkg/breaker"
	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/db"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
	"github.com/angelmondragon/creditmeter/pkg/migrate"
	"github.com/angelmondragon/creditmeter/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "flusher"})

	reconcileOnce := flag.Bool("reconcile-once", false, "overwrite fast-store balances from the database once and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	requireResource(logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "flusher",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if strings.EqualFold(cfg.Store.Backend, config.StoreBackendMemory) {
		logg.Error(context.Background(), "flusher needs a shared store", fmt.Errorf("%s=%s keeps balances inside the api process", config.EnvStoreBackend, cfg.Store.Backend))
		os.Exit(1)
	}

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	requireResource(logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	runtimeMetrics := metrics.NewRuntimeMetrics(prometheus.DefaultRegisterer)
	jobMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	redisStore, err := balance.NewRedisStore(redisClient, cfg.Flusher.ScanCount)
	requireResource(logg, "redis balance store", err)
	breakerSettings := breaker.SettingsFromConfig("balance-store", cfg.Breaker)
	breakerSettings.OnStateChange = func(name string, from, to breaker.State) {
		logg.Warn(logg.WithFields(context.Background(), map[string]any{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}), "circuit breaker state changed")
		runtimeMetrics.SetBreakerState(name, int(to))
	}
	store := balance.NewGuarded(redisStore, breakerSettings)

	ledgerRepo := ledger.NewRepository(dbClient.DB())
	ledgerService, err := ledger.NewService(ledgerRepo)
	requireResource(logg, "ledger service", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)

	reconcile, err := newReconcileService(cfg, logg, redisClient, ledgerRepo, store, runtimeMetrics, jobMetrics)
	requireResource(logg, "reconcile service", err)

	if *reconcileOnce {
		logg.Info(ctx, "running one balance reconciliation")
		if err := reconcile.RunOnce(ctx); err != nil {
			logg.Error(ctx, "balance reconciliation failed", err)
			os.Exit(1)
		}
		logg.Info(ctx, "balance reconciliation finished")
		return
	}

	registry, err := cron.NewFlushRegistry(cron.FlushRegistryParams{
		Logger:  logg,
		DB:      dbClient,
		Store:   store,
		Ledger:  ledgerService,
		Metrics: runtimeMetrics,
		Config:  cfg.Flusher,
	})
	requireResource(logg, "flush registry", err)
	flushLock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("flush", lockEnv(cfg.App.Env)), cfg.Flusher.LockTTL)
	requireResource(logg, "flush lock", err)
	flush, err := cron.NewService(cron.ServiceParams{
		Name:     "flush",
		Logger:   logg,
		Registry: registry,
		Lock:     flushLock,
		Metrics:  jobMetrics,
		Interval: cfg.Flusher.UsageInterval,
	})
	requireResource(logg, "flush service", err)

	logg.Info(ctx, "starting flusher")
	if cfg.Flusher.ReconcileEnabled {
		go func() {
			if err := reconcile.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error(ctx, "reconcile loop stopped unexpectedly", err)
				stop()
			}
		}()
	}
	if err := flush.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "flusher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "flusher shutting down gracefully")
}

func newReconcileService(
	cfg *config.Config,
	logg *logger.Logger,
	redisClient *redis.Client,
	settled ledger.Repository,
	store *balance.Guarded,
	runtimeMetrics *metrics.RuntimeMetrics,
	jobMetrics *metrics.CronJobMetrics,
) (*cron.Service, error) {
	job, err := cron.NewBalanceReconcileJob(cron.BalanceReconcileJobParams{
		Logger:    logg,
		Settled:   settled,
		Store:     store,
		Metrics:   runtimeMetrics,
		BatchSize: cfg.Flusher.ReconcileBatchSize,
	})
	if err != nil {
		return nil, err
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("reconcile", lockEnv(cfg.App.Env)), cfg.Flusher.ReconcileLockTTL)
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Name:     "reconcile",
		Logger:   logg,
		Registry: cron.NewRegistry(job),
		Lock:     lock,
		Metrics:  jobMetrics,
		Interval: cfg.Flusher.ReconcileInterval,
	})
}

func lockEnv(env string) string {
	if env == "" {
		return "local"
	}
	return env
}

func requireResource(logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(context.Background(), fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
