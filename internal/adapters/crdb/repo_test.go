package crdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/event-ticketing/internal/adapters/crdb"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestRepository(t *testing.T) *crdb.Repository {
	t.Helper()
	return crdb.NewRepository(newTestPool(t), 3)
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = crdbContainer.Terminate(ctx) })

	endpoint, err := crdbContainer.PortEndpoint(ctx, "26257/tcp", "postgresql")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, endpoint+"/defaultdb?sslmode=disable&user=root")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, crdb.Migrate(ctx, pool))
	// second run must be a no-op
	require.NoError(t, crdb.Migrate(ctx, pool))

	return pool
}

func seedEvent(t *testing.T, repo *crdb.Repository, total int) domain.Event {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	ev := domain.Event{
		ID:               uuid.New(),
		Title:            "Night Show",
		Venue:            "Main Hall",
		StartsAt:         now.Add(48 * time.Hour),
		UnitPrice:        decimal.RequireFromString("1000.50"),
		Currency:         "ARS",
		TotalTickets:     total,
		AvailableTickets: total,
		Status:           domain.EventPublished,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.CreateEvent(context.Background(), ev))
	return ev
}

func seedOrder(t *testing.T, repo *crdb.Repository, ev domain.Event, qty int) domain.Order {
	t.Helper()
	o := domain.NewOrder(uuid.New(), ev, qty, time.Now().UTC().Truncate(time.Microsecond), 15*time.Minute)
	require.NoError(t, repo.InsertOrder(context.Background(), o))
	return o
}

func TestRepository_EventsAndOrders(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ev := seedEvent(t, repo, 10)

	got, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, ev.UnitPrice.Equal(got.UnitPrice))
	assert.Equal(t, 10, got.AvailableTickets)

	err = repo.WithTx(ctx, func(ctx context.Context) error {
		locked, err := repo.LockEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		return repo.SetAvailableTickets(ctx, ev.ID, locked.AvailableTickets-3)
	})
	require.NoError(t, err)

	got, err = repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.AvailableTickets)

	// the range check lives in the schema too
	err = repo.SetAvailableTickets(ctx, ev.ID, 11)
	assert.True(t, errors.Is(err, domain.ErrInvalidState), "got %v", err)
	err = repo.SetAvailableTickets(ctx, ev.ID, -1)
	assert.True(t, errors.Is(err, domain.ErrOutOfStock), "got %v", err)

	o := seedOrder(t, repo, ev, 3)
	stored, err := repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3001.50").Equal(stored.TotalAmount))
	assert.Equal(t, domain.OrderPending, stored.Status)

	_, err = repo.GetOrder(ctx, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRepository_TransitionOrderIsSingleGate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ev := seedEvent(t, repo, 5)
	o := seedOrder(t, repo, ev, 1)
	now := time.Now().UTC()

	flipped, err := repo.TransitionOrder(ctx, o.ID, domain.OrderPending, domain.OrderCancelled, now)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = repo.TransitionOrder(ctx, o.ID, domain.OrderPending, domain.OrderExpired, now)
	require.NoError(t, err)
	assert.False(t, flipped)

	stored, err := repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, stored.Status)
}

func TestRepository_ListOverdueOrders(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ev := seedEvent(t, repo, 5)
	o := seedOrder(t, repo, ev, 1)

	ids, err := repo.ListOverdueOrders(ctx, o.ExpiresAt.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = repo.ListOverdueOrders(ctx, o.ExpiresAt, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{o.ID}, ids)
}

func TestRepository_UpsertPaymentPreferenceKeepsFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ev := seedEvent(t, repo, 5)
	o := seedOrder(t, repo, ev, 2)
	now := time.Now().UTC()

	first := domain.Payment{
		ID: uuid.New(), OrderID: o.ID, PreferenceID: "pref-1", CheckoutURL: "https://pay/1",
		Amount: o.TotalAmount, Currency: "ARS", Status: domain.PaymentPending, CreatedAt: now, UpdatedAt: now,
	}
	stored, err := repo.UpsertPaymentPreference(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "pref-1", stored.PreferenceID)

	second := first
	second.ID = uuid.New()
	second.PreferenceID = "pref-2"
	second.CheckoutURL = "https://pay/2"
	stored, err = repo.UpsertPaymentPreference(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, "pref-1", stored.PreferenceID)
	assert.Equal(t, "https://pay/1", stored.CheckoutURL)

	extID := "mp-991"
	stored.ExternalPaymentID = &extID
	stored.Status = domain.PaymentApproved
	stored.ReceivedCount = 1
	stored.LastReceivedAt = &now
	require.NoError(t, repo.UpdatePayment(ctx, stored))

	got, err := repo.GetPaymentByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, got.Status)
	require.NotNil(t, got.ExternalPaymentID)
	assert.Equal(t, extID, *got.ExternalPaymentID)
	assert.Equal(t, 1, got.ReceivedCount)
}

func TestRepository_TicketsUniqueAndScanCAS(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ev := seedEvent(t, repo, 5)
	o := seedOrder(t, repo, ev, 2)
	now := time.Now().UTC()

	tickets := []domain.Ticket{
		{ID: uuid.New(), OrderID: o.ID, EventID: ev.ID, Seq: 1, Code: "code-1", Nonce: "nonce-1", Status: domain.TicketActive, CreatedAt: now},
		{ID: uuid.New(), OrderID: o.ID, EventID: ev.ID, Seq: 2, Code: "code-2", Nonce: "nonce-2", Status: domain.TicketActive, CreatedAt: now},
	}
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context) error {
		return repo.InsertTickets(ctx, tickets)
	}))

	dup := []domain.Ticket{{ID: uuid.New(), OrderID: o.ID, EventID: ev.ID, Seq: 2, Code: "code-3", Nonce: "nonce-1", Status: domain.TicketActive, CreatedAt: now}}
	err := repo.WithTx(ctx, func(ctx context.Context) error {
		return repo.InsertTickets(ctx, dup)
	})
	assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

	extra := []domain.Ticket{{ID: uuid.New(), OrderID: o.ID, EventID: ev.ID, Seq: 3, Code: "code-3", Nonce: "nonce-3", Status: domain.TicketActive, CreatedAt: now}}
	err = repo.WithTx(ctx, func(ctx context.Context) error {
		return repo.InsertTickets(ctx, extra)
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidState), "got %v", err)

	n, err := repo.CountTicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	operator := uuid.New()
	won, err := repo.MarkTicketScanned(ctx, tickets[0].ID, operator, now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.MarkTicketScanned(ctx, tickets[0].ID, uuid.New(), now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, won)

	got, err := repo.GetTicketByNonce(ctx, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketScanned, got.Status)
	require.NotNil(t, got.ScannedBy)
	assert.Equal(t, operator, *got.ScannedBy)

	cancelled, err := repo.CancelActiveTickets(ctx, o.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	list, err := repo.ListTicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.TicketScanned, list[0].Status)
	assert.Equal(t, domain.TicketCancelled, list[1].Status)
}

func TestRepository_WithTxRollsBack(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ev := seedEvent(t, repo, 5)
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(ctx context.Context) error {
		if err := repo.SetAvailableTickets(ctx, ev.ID, 0); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	got, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.AvailableTickets)
}

func TestRepository_OutboxClaimAndMark(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec, err := outbox.NewRecord("order", uuid.New(), outbox.EventOrderCreated, map[string]int{"quantity": 2}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.InsertOutbox(ctx, rec))

	err = repo.WithTx(ctx, func(ctx context.Context) error {
		claimed, err := repo.ClaimUnpublished(ctx, 10)
		if err != nil {
			return err
		}
		require.Len(t, claimed, 1)
		assert.Equal(t, rec.DedupeKey, claimed[0].DedupeKey)
		return repo.MarkPublished(ctx, claimed[0].ID, time.Now().UTC())
	})
	require.NoError(t, err)

	claimed, err := repo.ClaimUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
