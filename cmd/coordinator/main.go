package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dualstore/saga/internal/config"
	"github.com/dualstore/saga/internal/handler"
	"github.com/dualstore/saga/internal/inventory"
	"github.com/dualstore/saga/internal/metrics"
	"github.com/dualstore/saga/internal/repository"
	"github.com/dualstore/saga/internal/saga"
	"github.com/dualstore/saga/internal/sagalog"
	"github.com/dualstore/saga/internal/sweeper"
	"github.com/dualstore/saga/internal/ws"
	"github.com/dualstore/saga/pkg/health"
	"github.com/dualstore/saga/pkg/logger"
	commonredis "github.com/dualstore/saga/pkg/redis"
	"github.com/dualstore/saga/pkg/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, nil).SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("coordinator exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Infof("starting", map[string]interface{}{
		"port":             cfg.HTTPPort,
		"inventoryBackend": cfg.InventoryBackend,
	})

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	hc := health.New()

	// 订单账本 PostgreSQL
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	hc.Register(health.NewPostgresChecker(db))
	log.Info("connected to PostgreSQL")

	orders := repository.NewOrderRepository(db)
	if err := orders.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// Redis: saga log, events, default inventory
	redisCfg := commonredis.DefaultConfig
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TLSEnabled = cfg.RedisTLS
	redisCfg.TLSCACert = cfg.RedisCACert
	redisCfg.TLSCert = cfg.RedisCert
	redisCfg.TLSKey = cfg.RedisKey
	redisCfg.TLSServerName = cfg.RedisServerName
	redisClient, err := commonredis.NewClient(ctx, &redisCfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	hc.Register(health.NewRedisChecker(redisClient))
	log.Info("connected to Redis")

	var stock inventory.Store
	switch cfg.InventoryBackend {
	case config.InventoryBackendMongo:
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = mongoClient.Disconnect(dctx)
		}()
		if err := mongoClient.Ping(ctx, nil); err != nil {
			return fmt.Errorf("ping mongo: %w", err)
		}
		hc.Register(health.NewMongoChecker(mongoClient))
		stock = inventory.NewMongoStore(mongoClient.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection))
		log.Info("connected to MongoDB")
	default:
		stock = inventory.NewRedisStore(redisClient, "")
	}

	if cfg.SeedOnStart {
		if err := seedIfEmpty(ctx, stock, log); err != nil {
			return err
		}
	}

	m := metrics.New()
	sagaLog := sagalog.NewRedisStore(redisClient, "")
	coord := saga.New(orders, stock, sagaLog,
		saga.WithLogger(log),
		saga.WithMetrics(m),
		saga.WithNotifier(ws.NewPublisher(redisClient, cfg.SagaEventChannel)),
	)

	sw := sweeper.New(sagaLog, cfg.StaleSagaAfter, m, log)
	if err := sw.Start(ctx, cfg.StaleSagaSchedule); err != nil {
		return err
	}
	defer sw.Stop()

	mux := http.NewServeMux()
	handler.New(&handler.Config{
		Executor:  coord,
		Orders:    orders,
		Inventory: stock,
		SagaLog:   sagaLog,
		Logger:    log,
	}).Register(mux)
	mux.HandleFunc("/health/live", hc.LiveHandler())
	mux.HandleFunc("/health/ready", hc.ReadyHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           tracing.HTTPMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	hc.SetReady(true)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	hc.SetReady(false)
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func seedIfEmpty(ctx context.Context, stock inventory.Store, log *logger.Logger) error {
	items, err := stock.List(ctx)
	if err != nil {
		return fmt.Errorf("list inventory: %w", err)
	}
	if len(items) > 0 {
		return nil
	}
	if err := stock.Seed(ctx, inventory.DefaultSeed()); err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}
	log.Info("inventory seeded with default catalogue")
	return nil
}
