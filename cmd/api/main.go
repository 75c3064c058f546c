package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/event-ticketing/internal/adapters/crdb"
	"github.com/robertarktes/event-ticketing/internal/adapters/memory"
	"github.com/robertarktes/event-ticketing/internal/adapters/mercadopago"
	mongoadapter "github.com/robertarktes/event-ticketing/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/event-ticketing/internal/adapters/redis"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/config"
	httphandler "github.com/robertarktes/event-ticketing/internal/http"
	"github.com/robertarktes/event-ticketing/internal/idempotency"
	"github.com/robertarktes/event-ticketing/internal/inventory"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/orders"
	"github.com/robertarktes/event-ticketing/internal/payments"
	"github.com/robertarktes/event-ticketing/internal/rateLimit"
	"github.com/robertarktes/event-ticketing/internal/tickets"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// store is everything the services need from persistence; both the
// CockroachDB repository and the in-memory store provide it.
type store interface {
	inventory.Store
	orders.Store
	payments.Store
	tickets.IssuerStore
	tickets.ValidatorStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()
	observability.InitMetrics()

	jwtKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKey))
	if err != nil {
		log.Fatalf("failed to parse JWT_PUBLIC_KEY: %v", err)
	}

	checks := map[string]httphandler.Pinger{}
	var st store
	switch cfg.StoreDriver {
	case config.StoreCRDB:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			log.Fatalf("failed to connect to crdb: %v", err)
		}
		defer pool.Close()
		if err := crdb.Migrate(ctx, pool); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
		repo := crdb.NewRepository(pool, cfg.TxMaxRetries)
		checks["crdb"] = repo
		st = repo
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		st = memory.NewStore()
	}

	routerCfg := httphandler.RouterConfig{
		Logger:    logger,
		JWTKey:    jwtKey,
		RateLimit: httphandler.RateLimit{PerUser: 60, PerIP: 300, Period: time.Minute},
	}
	var locker orders.Locker
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache := redisadapter.NewCache(redisClient)
		checks["redis"] = cache
		routerCfg.Limiter = rateLimit.NewRateLimiter(cache)
		routerCfg.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), 24*time.Hour)
		locker = cache
	} else {
		logger.Warn("REDIS_ADDR not set, rate limiting and idempotency keys are disabled")
	}

	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		routerCfg.Audit = mongoadapter.NewAuditLogger(mongoClient.Database(mongoadapter.DatabaseName), logger)
	}

	clk := clock.NewSystem()
	codec, err := tickets.NewCodec([]byte(cfg.TicketSigningKey))
	if err != nil {
		log.Fatalf("failed to build ticket codec: %v", err)
	}
	gateway := mercadopago.NewClient(mercadopago.Config{
		BaseURL:     cfg.MPBaseURL,
		AccessToken: cfg.MPAccessToken,
	}, logger)

	ledger := inventory.NewLedger(st, clk, logger)
	manager := orders.NewManager(st, ledger, clk, logger, orders.Config{
		TTL:                cfg.OrderTTL,
		MaxTicketsPerOrder: cfg.MaxTicketsPerOrder,
	})
	issuer := tickets.NewIssuer(st, codec, clk, logger)
	validator := tickets.NewValidator(st, codec, clk, logger)
	paymentSvc := payments.NewService(st, gateway, manager, issuer, clk, logger, payments.Config{
		Currency:        cfg.Currency,
		NotificationURL: cfg.MPNotificationURL,
	})

	handlers := httphandler.NewHandlers(manager, paymentSvc, validator, checks)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweeper := orders.NewSweeper(manager, cfg.SweepInterval, logger)
	if locker != nil {
		sweeper.WithLease(locker, leaseOwner())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped with error")
		os.Exit(1)
	}
	logger.Info("Server exiting")
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "api"
	}
	return host + "-" + uuid.NewString()[:8]
}
