package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stockhold/stockhold/internal/adapter/handler"
	"github.com/stockhold/stockhold/internal/adapter/storage"
	"github.com/stockhold/stockhold/internal/adapter/stream"
	"github.com/stockhold/stockhold/internal/config"
	"github.com/stockhold/stockhold/internal/core/service"
	"github.com/stockhold/stockhold/internal/port"
	"github.com/stockhold/stockhold/internal/tracing"
)

const serviceName = "stockhold"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracerProvider(serviceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatal().Err(err).Msg("init tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("tracer shutdown failed")
			}
		}()
		logger.Info().Str("endpoint", cfg.Tracing.JaegerEndpoint).Msg("tracing enabled")
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	var (
		cache port.AvailabilityCache
		lease port.SweepLease
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()

		redisAdapter := storage.NewRedisAdapter(rdb)
		cache = redisAdapter
		lease = redisAdapter
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	}

	var publisher port.LedgerPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := stream.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		publisher = kp
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("ledger stream enabled")
	}

	stock := service.NewStockService(store, cache, publisher, service.Config{
		DefaultTTL:     cfg.Reservations.DefaultTTL.Std(),
		RetryAttempts:  cfg.Reservations.RetryAttempts,
		RetryBackoff:   cfg.Reservations.RetryBackoff.Std(),
		SweepBatchSize: cfg.Sweeper.BatchSize,
	}, logger.With().Str("component", "stock").Logger())

	sweeper := service.NewSweeper(stock, lease, cfg.Sweeper.Interval.Std(),
		logger.With().Str("component", "sweeper").Logger())

	stockHandler := handler.NewStockHandler(stock)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", stockHandler.HealthCheck)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/items", stockHandler.CreateItem)
	mux.HandleFunc("/api/v1/reservations", stockHandler.Reserve)
	mux.HandleFunc("/api/v1/reservations/confirm", stockHandler.Confirm)
	mux.HandleFunc("/api/v1/reservations/release", stockHandler.Release)
	mux.HandleFunc("/api/v1/stock/adjust", stockHandler.Adjust)
	mux.HandleFunc("/api/v1/availability", stockHandler.Availability)
	mux.HandleFunc("/api/v1/reconcile", stockHandler.Reconcile)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (port.StockStore, func(), error) {
	switch cfg.Store.Driver {
	case "mysql":
		db, err := sql.Open("mysql", cfg.Store.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping mysql: %w", err)
		}
		adapter := storage.NewMySQLAdapter(db, cfg.Store.LockWait.Std())
		if err := adapter.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info().Msg("connected to mysql")
		return adapter, func() { db.Close() }, nil

	case "postgres":
		pool, err := storage.NewPostgresPool(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		adapter := storage.NewPostgresAdapter(pool, cfg.Store.LockWait.Std())
		if err := adapter.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("connected to postgres")
		return adapter, func() { pool.Close() }, nil

	case "memory", "":
		logger.Info().Msg("using in-memory store")
		return storage.NewMemoryAdapter(cfg.Store.LockWait.Std()), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
