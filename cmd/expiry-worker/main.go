package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/event-ticketing/internal/adapters/crdb"
	redisadapter "github.com/robertarktes/event-ticketing/internal/adapters/redis"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/config"
	"github.com/robertarktes/event-ticketing/internal/inventory"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/orders"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.CRDBDSN == "" {
		log.Fatal("CRDB_DSN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	observability.InitMetrics()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool, cfg.TxMaxRetries)

	clk := clock.NewSystem()
	ledger := inventory.NewLedger(repo, clk, logger)
	manager := orders.NewManager(repo, ledger, clk, logger, orders.Config{
		TTL:                cfg.OrderTTL,
		MaxTicketsPerOrder: cfg.MaxTicketsPerOrder,
	})

	sweeper := orders.NewSweeper(manager, cfg.SweepInterval, logger)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		host, _ := os.Hostname()
		sweeper.WithLease(redisadapter.NewCache(redisClient), host+"-"+uuid.NewString()[:8])
	}

	logger.WithField("interval", cfg.SweepInterval.String()).Info("expiry worker started")
	if err := sweeper.Run(ctx); err != nil {
		logger.WithError(err).Error("expiry worker stopped")
		os.Exit(1)
	}
	logger.Info("Shutdown expiry worker")
}
