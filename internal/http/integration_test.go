package http_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/event-ticketing/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/event-ticketing/internal/adapters/mongo"
	"github.com/robertarktes/event-ticketing/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/event-ticketing/internal/adapters/redis"
	"github.com/robertarktes/event-ticketing/internal/audit"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/domain"
	httphandler "github.com/robertarktes/event-ticketing/internal/http"
	"github.com/robertarktes/event-ticketing/internal/idempotency"
	"github.com/robertarktes/event-ticketing/internal/inventory"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/orders"
	"github.com/robertarktes/event-ticketing/internal/outbox"
	"github.com/robertarktes/event-ticketing/internal/payments"
	"github.com/robertarktes/event-ticketing/internal/rateLimit"
	"github.com/robertarktes/event-ticketing/internal/tickets"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	return c
}

func hostPort(t *testing.T, c testcontainers.Container, port string) string {
	t.Helper()
	ctx := context.Background()
	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return host + ":" + mapped.Port()
}

func TestIntegration_PurchaseRelayAndAudit(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	crdbC := startContainer(t, testcontainers.ContainerRequest{
		Image:        "cockroachdb/cockroach:v24.1.1",
		Cmd:          []string{"start-single-node", "--insecure"},
		ExposedPorts: []string{"26257/tcp", "8080/tcp"},
		WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
	})
	redisC := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	rabbitC := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(2 * time.Minute),
	})
	mongoC := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
	})

	pool, err := pgxpool.New(ctx, "postgresql://root@"+hostPort(t, crdbC, "26257")+"/defaultdb?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, crdb.Migrate(ctx, pool))
	repo := crdb.NewRepository(pool, 5)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: hostPort(t, redisC, "6379")})
	t.Cleanup(func() { _ = redisClient.Close() })
	cache := redisadapter.NewCache(redisClient)

	rabbitConn, err := amqp.Dial("amqp://guest:guest@" + hostPort(t, rabbitC, "5672") + "/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rabbitConn.Close() })

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://"+hostPort(t, mongoC, "27017")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mongoClient.Disconnect(ctx) })

	logger := observability.NewDiscardLogger()
	clk := clock.NewSystem()
	codec, err := tickets.NewCodec([]byte("integration-signing-key-32-bytes!"))
	require.NoError(t, err)
	ledger := inventory.NewLedger(repo, clk, logger)
	manager := orders.NewManager(repo, ledger, clk, logger, orders.Config{TTL: 15 * time.Minute, MaxTicketsPerOrder: 10})
	issuer := tickets.NewIssuer(repo, codec, clk, logger)
	validator := tickets.NewValidator(repo, codec, clk, logger)
	gw := &stubGateway{payments: map[string]payments.ProviderPayment{}}
	svc := payments.NewService(repo, gw, manager, issuer, clk, logger, payments.Config{Currency: "ARS"})

	auditLog := mongoadapter.NewAuditLogger(mongoClient.Database("ticketing_it"), logger)
	require.NoError(t, auditLog.EnsureIndexes(ctx))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	h := httphandler.NewHandlers(manager, svc, validator, map[string]httphandler.Pinger{"crdb": repo, "redis": cache})
	srv := httptest.NewServer(httphandler.SetupRouter(h, httphandler.RouterConfig{
		Logger:      logger,
		JWTKey:      &key.PublicKey,
		Limiter:     rateLimit.NewRateLimiter(cache),
		RateLimit:   httphandler.RateLimit{PerUser: 50, PerIP: 100, Period: time.Minute},
		Idempotency: idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), time.Hour),
		Audit:       auditLog,
	}))
	t.Cleanup(srv.Close)

	now := time.Now().UTC().Truncate(time.Microsecond)
	ev := domain.Event{
		ID:               uuid.New(),
		Title:            "Integration Fest",
		Venue:            "Hall B",
		StartsAt:         now.Add(48 * time.Hour),
		UnitPrice:        decimal.RequireFromString("1500.00"),
		Currency:         "ARS",
		TotalTickets:     5,
		AvailableTickets: 5,
		Status:           domain.EventPublished,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.CreateEvent(ctx, ev))

	f := &apiFixture{server: srv, key: key, event: ev, gateway: gw}
	buyer := f.token(t, uuid.New(), "")
	operator := f.token(t, uuid.New(), httphandler.RoleOperator)

	resp, body := f.do(t, call{method: http.MethodGet, path: "/v1/readyz"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	idemKey := map[string]string{"Idempotency-Key": uuid.NewString()}
	orderReq := map[string]any{"event_id": ev.ID, "quantity": 2}
	resp, order := f.do(t, call{method: http.MethodPost, path: "/v1/orders", token: buyer, body: orderReq, headers: idemKey})
	require.Equal(t, http.StatusCreated, resp.StatusCode, order)
	resp, replayed := f.do(t, call{method: http.MethodPost, path: "/v1/orders", token: buyer, body: orderReq, headers: idemKey})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, order["id"], replayed["id"])
	orderID := uuid.MustParse(order["id"].(string))

	resp, _ = f.do(t, call{method: http.MethodPost, path: "/v1/payments/preference", token: buyer, body: map[string]any{"order_id": orderID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	gw.approve("9001", orderID)
	for i := 0; i < 2; i++ {
		resp, _ = f.do(t, call{method: http.MethodPost, path: "/v1/payments/webhook",
			body: map[string]any{"type": "payment", "data": map[string]any{"id": "9001"}}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, got := f.do(t, call{method: http.MethodGet, path: "/v1/orders/" + orderID.String(), token: buyer})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PAID", got["status"])
	tks := got["tickets"].([]any)
	require.Len(t, tks, 2)

	resp, scan := f.do(t, call{method: http.MethodPost, path: "/v1/tickets/validate", token: operator,
		body: map[string]any{"code": tks[0].(map[string]any)["code"]}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ADMITTED", scan["outcome"])

	stored, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.AvailableTickets)

	// relay the outbox and project it into the audit log
	consumer, err := rabbit.NewConsumer(rabbitConn, "audit.q", "#", 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })
	sink, err := rabbit.NewPublisher(rabbitConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	relay := outbox.NewPublisher(repo, sink, clk, logger)
	n, err := relay.PublishBatch(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 4)

	projector := audit.NewProjector(auditLog, clk, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deliveries, err := consumer.Consume(runCtx)
	require.NoError(t, err)
	go func() { _ = projector.Run(runCtx, deliveries) }()

	require.Eventually(t, func() bool {
		entries, err := auditLog.ByAggregate(ctx, orderID)
		if err != nil {
			return false
		}
		actions := map[string]bool{}
		for _, e := range entries {
			actions[e.Action] = true
		}
		return actions[outbox.EventOrderCreated] && actions[outbox.EventOrderPaid]
	}, 30*time.Second, 200*time.Millisecond)

	resp, trail := f.do(t, call{method: http.MethodGet, path: "/v1/audit/" + orderID.String(), token: operator})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, trail["entries"])
}
