// Package orders runs the order lifecycle: reservation, cancellation, expiry
// and the status flips driven by payment settlement.
package orders

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/inventory"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/outbox"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	TransitionOrder(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus, at time.Time) (bool, error)
	ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListTicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error)
	CancelActiveTickets(ctx context.Context, orderID uuid.UUID, at time.Time) (int, error)
	InsertOutbox(ctx context.Context, record outbox.Record) error
}

type Config struct {
	TTL                time.Duration
	MaxTicketsPerOrder int
}

type Manager struct {
	store  Store
	ledger *inventory.Ledger
	clock  clock.Clock
	logger observability.Logger
	cfg    Config
}

func NewManager(store Store, ledger *inventory.Ledger, clk clock.Clock, logger observability.Logger, cfg Config) *Manager {
	return &Manager{store: store, ledger: ledger, clock: clk, logger: logger, cfg: cfg}
}

type CreateInput struct {
	UserID   uuid.UUID
	EventID  uuid.UUID
	Quantity int
}

// Details is an order as seen by its owner.
type Details struct {
	Order   domain.Order
	Tickets []domain.Ticket
}

// Create reserves inventory and inserts the pending order in one transaction.
func (m *Manager) Create(ctx context.Context, in CreateInput) (domain.Order, error) {
	if in.Quantity < 1 || in.Quantity > m.cfg.MaxTicketsPerOrder {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidInput, "quantity must be between 1 and %d", m.cfg.MaxTicketsPerOrder)
	}
	if in.UserID == uuid.Nil || in.EventID == uuid.Nil {
		return domain.Order{}, errors.Wrap(domain.ErrInvalidInput, "user and event are required")
	}

	var created domain.Order
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		ev, err := m.ledger.Reserve(ctx, in.EventID, in.Quantity)
		if err != nil {
			return err
		}

		order := domain.NewOrder(in.UserID, ev, in.Quantity, m.clock.Now(), m.cfg.TTL)
		if err := m.store.InsertOrder(ctx, order); err != nil {
			return errors.Wrap(err, "insert order")
		}
		if err := m.emit(ctx, order, outbox.EventOrderCreated); err != nil {
			return err
		}
		created = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	m.logger.WithFields(map[string]interface{}{
		"order_id": created.ID,
		"event_id": created.EventID,
		"quantity": created.Quantity,
	}).Info("order created")
	return created, nil
}

// Get returns the caller's order with its tickets. An overdue pending order is
// expired on the way out.
func (m *Manager) Get(ctx context.Context, orderID, userID uuid.UUID) (Details, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return Details{}, err
	}
	if order.UserID != userID {
		return Details{}, domain.ErrNotFound
	}

	if order.Overdue(m.clock.Now()) {
		if _, err := m.expireByID(ctx, order.ID); err != nil {
			m.logger.WithError(err).WithField("order_id", order.ID).Warn("lazy expiry failed")
			order.Status = order.EffectiveStatus(m.clock.Now())
		} else if order, err = m.store.GetOrder(ctx, orderID); err != nil {
			return Details{}, err
		}
	}

	tickets, err := m.store.ListTicketsByOrder(ctx, order.ID)
	if err != nil {
		return Details{}, errors.Wrap(err, "list tickets")
	}
	return Details{Order: order, Tickets: tickets}, nil
}

// Cancel is the owner's cancellation of a pending order.
func (m *Manager) Cancel(ctx context.Context, orderID, userID uuid.UUID) (domain.Order, error) {
	var cancelled domain.Order
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		order, err := m.store.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return domain.ErrNotFound
		}
		if order.Status != domain.OrderPending {
			return errors.Wrapf(domain.ErrInvalidState, "order is %s", order.Status)
		}

		flipped, err := m.flip(ctx, order, domain.OrderPending, domain.OrderCancelled, outbox.EventOrderCancelled)
		if err != nil {
			return err
		}
		if !flipped {
			return errors.Wrap(domain.ErrInvalidState, "order is no longer pending")
		}
		if err := m.ledger.Release(ctx, order.EventID, order.Quantity); err != nil {
			return errors.Wrap(err, "release inventory")
		}
		order.Status = domain.OrderCancelled
		cancelled = order
		return nil
	})
	return cancelled, err
}

// MarkPaid flips a pending order to paid. It joins the caller's transaction.
func (m *Manager) MarkPaid(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	flipped, err := m.flip(ctx, order, domain.OrderPending, domain.OrderPaid, outbox.EventOrderPaid)
	if err != nil || !flipped {
		return order, false, err
	}
	order.Status = domain.OrderPaid
	order.UpdatedAt = m.clock.Now()
	return order, true, nil
}

// CancelUnpaid cancels a pending order whose payment failed and releases its
// inventory. false means another path already settled the order.
func (m *Manager) CancelUnpaid(ctx context.Context, order domain.Order) (bool, error) {
	return m.releaseOnFlip(ctx, order, domain.OrderPending, domain.OrderCancelled, outbox.EventOrderCancelled)
}

// Refund cancels a paid order, voids its unused tickets and releases its
// inventory.
func (m *Manager) Refund(ctx context.Context, order domain.Order) (bool, error) {
	var flipped bool
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		flipped, err = m.releaseOnFlip(ctx, order, domain.OrderPaid, domain.OrderCancelled, outbox.EventOrderRefunded)
		if err != nil || !flipped {
			return err
		}
		n, err := m.store.CancelActiveTickets(ctx, order.ID, m.clock.Now())
		if err != nil {
			return errors.Wrap(err, "cancel tickets")
		}
		m.logger.WithField("order_id", order.ID).WithField("tickets", n).Info("order refunded")
		return nil
	})
	return flipped, err
}

// Expire moves an overdue pending order to expired and releases its inventory.
func (m *Manager) Expire(ctx context.Context, order domain.Order) (bool, error) {
	if !order.Overdue(m.clock.Now()) {
		return false, nil
	}
	return m.releaseOnFlip(ctx, order, domain.OrderPending, domain.OrderExpired, outbox.EventOrderExpired)
}

// ExpireOverdue expires up to limit overdue orders, each in its own
// transaction, and reports how many it flipped.
func (m *Manager) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ids, err := m.store.ListOverdueOrders(ctx, m.clock.Now(), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list overdue orders")
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		flipped, err := m.expireByID(ctx, id)
		if err != nil {
			m.logger.WithError(err).WithField("order_id", id).Error("expire order failed")
			continue
		}
		if flipped {
			expired++
		}
	}
	return expired, nil
}

func (m *Manager) expireByID(ctx context.Context, id uuid.UUID) (bool, error) {
	var flipped bool
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		order, err := m.store.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		flipped, err = m.Expire(ctx, order)
		return err
	})
	return flipped, err
}

// releaseOnFlip releases the order's inventory only if this call performed the
// status transition.
func (m *Manager) releaseOnFlip(ctx context.Context, order domain.Order, from, to domain.OrderStatus, event string) (bool, error) {
	var flipped bool
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		flipped, err = m.flip(ctx, order, from, to, event)
		if err != nil || !flipped {
			return err
		}
		return errors.Wrap(m.ledger.Release(ctx, order.EventID, order.Quantity), "release inventory")
	})
	return flipped, err
}

func (m *Manager) flip(ctx context.Context, order domain.Order, from, to domain.OrderStatus, event string) (bool, error) {
	flipped, err := m.store.TransitionOrder(ctx, order.ID, from, to, m.clock.Now())
	if err != nil {
		return false, errors.Wrapf(err, "transition order %s to %s", order.ID, to)
	}
	if !flipped {
		return false, nil
	}
	order.Status = to
	if err := m.emit(ctx, order, event); err != nil {
		return false, err
	}
	observability.OrderTransitions.WithLabelValues(string(to)).Inc()
	return true, nil
}

type orderEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	UserID      uuid.UUID `json:"user_id"`
	EventID     uuid.UUID `json:"event_id"`
	Quantity    int       `json:"quantity"`
	TotalAmount string    `json:"total_amount"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	At          time.Time `json:"at"`
}

func (m *Manager) emit(ctx context.Context, order domain.Order, eventType string) error {
	now := m.clock.Now()
	rec, err := outbox.NewRecord("order", order.ID, eventType, orderEvent{
		OrderID:     order.ID,
		UserID:      order.UserID,
		EventID:     order.EventID,
		Quantity:    order.Quantity,
		TotalAmount: order.TotalAmount.String(),
		Status:      string(order.Status),
		ExpiresAt:   order.ExpiresAt,
		At:          now,
	}, now)
	if err != nil {
		return err
	}
	return errors.Wrap(m.store.InsertOutbox(ctx, rec), "insert outbox")
}
