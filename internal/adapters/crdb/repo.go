// Package crdb stores events, orders, payments, tickets and outbox rows in
// CockroachDB through pgx. Every method runs inside the transaction carried by
// ctx when there is one.
package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/shopspring/decimal"
)

const defaultMaxRetries = 5

type Repository struct {
	pool       *pgxpool.Pool
	maxRetries int
}

func NewRepository(pool *pgxpool.Pool, maxRetries int) *Repository {
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	return &Repository{pool: pool, maxRetries: maxRetries}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const eventColumns = `id, title, venue, starts_at, unit_price::TEXT, currency,
	total_tickets, available_tickets, status, created_at, updated_at`

func (r *Repository) CreateEvent(ctx context.Context, ev domain.Event) error {
	_, err := r.exec(ctx, `
		INSERT INTO events (id, title, venue, starts_at, unit_price, currency,
			total_tickets, available_tickets, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::TEXT::NUMERIC, $6, $7, $8, $9, $10, $11)
	`, ev.ID, ev.Title, ev.Venue, ev.StartsAt, ev.UnitPrice.String(), ev.Currency,
		ev.TotalTickets, ev.AvailableTickets, string(ev.Status), ev.CreatedAt, ev.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "event %s", ev.ID), domain.ErrConflict)
	}
	return errors.Wrap(err, "insert event")
}

func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	return scanEvent(r.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
}

// LockEvent reads the event and holds its row lock until the transaction ends.
func (r *Repository) LockEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	return scanEvent(r.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) SetAvailableTickets(ctx context.Context, id uuid.UUID, available int) error {
	tag, err := r.exec(ctx, `
		UPDATE events SET available_tickets = $2, updated_at = now() WHERE id = $1
	`, id, available)
	if err != nil {
		if isCheckViolation(err) {
			return availableOutOfRange(id, available, err)
		}
		return errors.Wrap(err, "update available tickets")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// availableOutOfRange turns the available_in_range rejection into a domain
// error: a negative counter is an oversell, anything else an illegal release.
func availableOutOfRange(id uuid.UUID, available int, cause error) error {
	target := domain.ErrInvalidState
	if available < 0 {
		target = domain.ErrOutOfStock
	}
	return errors.Mark(errors.Wrapf(cause, "event %s available_tickets %d", id, available), target)
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		ev     domain.Event
		price  string
		status string
	)
	err := row.Scan(&ev.ID, &ev.Title, &ev.Venue, &ev.StartsAt, &price, &ev.Currency,
		&ev.TotalTickets, &ev.AvailableTickets, &status, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "scan event")
	}
	if ev.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return domain.Event{}, errors.Wrap(err, "parse unit price")
	}
	ev.Status = domain.EventStatus(status)
	return ev, nil
}

const orderColumns = `id, user_id, event_id, quantity, total_amount::TEXT, status,
	expires_at, created_at, updated_at`

func (r *Repository) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := r.exec(ctx, `
		INSERT INTO orders (id, user_id, event_id, quantity, total_amount, status,
			expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::TEXT::NUMERIC, $6, $7, $8, $9)
	`, o.ID, o.UserID, o.EventID, o.Quantity, o.TotalAmount.String(), string(o.Status),
		o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "order %s", o.ID), domain.ErrConflict)
	}
	return errors.Wrap(err, "insert order")
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	return scanOrder(r.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (r *Repository) LockOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	return scanOrder(r.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

// TransitionOrder moves the order from one status to another only if it is
// still in from. The returned flag is the release gate.
func (r *Repository) TransitionOrder(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus, at time.Time) (bool, error) {
	tag, err := r.exec(ctx, `
		UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return false, errors.Wrap(err, "transition order")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.query(ctx, `
		SELECT id FROM orders
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list overdue orders")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	return ids, errors.Wrap(err, "scan overdue orders")
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o      domain.Order
		total  string
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.EventID, &o.Quantity, &total, &status,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "scan order")
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return domain.Order{}, errors.Wrap(err, "parse total amount")
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}
