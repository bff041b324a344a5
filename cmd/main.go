package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirphl/ema-trader/internal/config"
	"github.com/amirphl/ema-trader/internal/db"
	"github.com/amirphl/ema-trader/internal/db/conf"
	"github.com/amirphl/ema-trader/internal/engine"
	"github.com/amirphl/ema-trader/internal/exchange"
	"github.com/amirphl/ema-trader/internal/journal"
	"github.com/amirphl/ema-trader/internal/notifier"
	"github.com/amirphl/ema-trader/internal/position"
	"github.com/amirphl/ema-trader/internal/utils"
	"github.com/amirphl/ema-trader/internal/web"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := utils.NewLogger(os.Stdout, cfg.LogLevel)

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("symbol", cfg.Symbol).Str("interval", cfg.Interval).
		Int("fast", cfg.FastPeriod).Int("slow", cfg.SlowPeriod).
		Str("provider", cfg.Provider).Str("store", cfg.StoreDriver).Bool("dry_run", cfg.DryRun).
		Msg("starting ema trader")

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open position store")
	}
	defer store.Close()

	apiKey, apiSecret := cfg.Credentials()
	md, err := exchange.New(cfg.Provider, exchange.Options{
		APIKey:    apiKey,
		APISecret: apiSecret,
		Retries:   cfg.FetchRetries,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create market data client")
	}

	// Notifications are delivered off the decision path.
	n := notifier.NewAsync(notifier.New(notifier.TelegramConfig{
		Token:   cfg.TelegramToken,
		ChatID:  cfg.TelegramChatID,
		Retries: cfg.NotificationRetries,
		Delay:   cfg.NotificationDelay,
	}, logger), notifier.DefaultQueueSize, logger)

	decisions := journal.NewMemory(journal.DefaultMaxEvents)
	manager := position.NewManager(cfg.Symbol, store, position.Options{
		Qty:                  cfg.Qty,
		ReconcileOnCloseMiss: cfg.ReconcileOnCloseMiss,
		Notifier:             n,
		Journal:              decisions,
		Logger:               logger,
	})
	if err := manager.Restore(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to restore open position")
	}

	cache := engine.NewCache()
	eng := engine.New(engine.Config{
		Symbol:       cfg.Symbol,
		Interval:     cfg.Interval,
		FastPeriod:   cfg.FastPeriod,
		SlowPeriod:   cfg.SlowPeriod,
		Margin:       cfg.Margin,
		FetchTimeout: cfg.FetchTimeout,
	}, md, manager, cache, logger)
	sched := engine.NewScheduler(eng, logger)

	server := web.NewServer(web.Info{
		Symbol:      cfg.Symbol,
		Interval:    cfg.Interval,
		FastPeriod:  cfg.FastPeriod,
		SlowPeriod:  cfg.SlowPeriod,
		Provider:    md.Name(),
		StoreDriver: storeName(cfg),
		DryRun:      cfg.DryRun,
	}, store, sched, manager, cache, cfg.StaleAfter, logger, web.WithJournal(decisions))
	if err := server.Start(cfg.Addr()); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr()).Msg("failed to start web server")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info().Msg("graceful shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("web server shutdown")
	}

	// Run returns at once; wait for an in-flight tick to finish its writes.
	<-done
	for sched.Busy() {
		select {
		case <-shutdownCtx.Done():
			logger.Warn().Msg("tick still running at shutdown deadline")
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := n.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending notifications dropped")
	}
	logger.Info().Msg("shutdown complete")
}

func storeName(cfg config.Config) string {
	if cfg.DryRun {
		return "memory"
	}
	return cfg.StoreDriver
}

// openStore returns the in-memory store for dry runs and the SQL store
// otherwise, creating the database and schema when migrations are enabled.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (db.Storage, error) {
	if cfg.DryRun {
		logger.Info().Msg("dry run: using in-memory position store")
		return db.NewMemory(), nil
	}

	if cfg.RunMigration && cfg.StoreDriver == conf.DriverPostgres {
		dsn, err := conf.DSN(cfg.StoreDriver, cfg.DBConnStr, cfg.DBName)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			if err := db.EnsureDatabase(ctx, dsn, logger); err != nil {
				return nil, fmt.Errorf("ensure database: %w", err)
			}
		} else {
			logger.Warn().Msg("connection string is not a URL, skipping database creation")
		}
	}

	dbConfig, err := conf.NewConfig(cfg.StoreDriver, cfg.DBConnStr, cfg.DBName, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, err
	}

	store, err := db.New(*dbConfig)
	if err != nil {
		dbConfig.DB.Close()
		return nil, err
	}

	if cfg.RunMigration {
		if err := db.Migrate(ctx, dbConfig.DB); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	logger.Info().Str("driver", cfg.StoreDriver).Str("database", dbConfig.Name).Msg("connected to position store")
	return store, nil
}
