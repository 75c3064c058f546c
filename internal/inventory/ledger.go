// Package inventory owns the per-event available-ticket counter.
package inventory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/observability"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	SetAvailableTickets(ctx context.Context, id uuid.UUID, available int) error
}

type Ledger struct {
	store  Store
	clock  clock.Clock
	logger observability.Logger
}

func NewLedger(store Store, clk clock.Clock, logger observability.Logger) *Ledger {
	return &Ledger{store: store, clock: clk, logger: logger}
}

// Reserve takes quantity units from the event under its row lock. It joins the
// transaction in ctx when there is one, so a caller's later failure rolls the
// decrement back.
func (l *Ledger) Reserve(ctx context.Context, eventID uuid.UUID, quantity int) (domain.Event, error) {
	if quantity < 1 {
		return domain.Event{}, errors.Wrapf(domain.ErrInvalidInput, "quantity %d", quantity)
	}

	var reserved domain.Event
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		ev, err := l.store.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if !ev.Sellable(l.clock.Now()) {
			return errors.Wrapf(domain.ErrEventNotSellable, "event %s is %s", ev.ID, ev.Status)
		}
		if ev.AvailableTickets < quantity {
			return errors.Wrapf(domain.ErrOutOfStock, "event %s has %d left", ev.ID, ev.AvailableTickets)
		}

		remaining := ev.AvailableTickets - quantity
		if err := l.store.SetAvailableTickets(ctx, ev.ID, remaining); err != nil {
			return err
		}
		ev.AvailableTickets = remaining
		reserved = ev
		return nil
	})

	observability.ReservationsTotal.WithLabelValues(reserveOutcome(err)).Inc()
	if err != nil {
		return domain.Event{}, err
	}
	return reserved, nil
}

// Release gives quantity units back, never lifting the counter above the total.
// Callers gate it on an order status flip so it runs once per order.
func (l *Ledger) Release(ctx context.Context, eventID uuid.UUID, quantity int) error {
	if quantity < 1 {
		return errors.Wrapf(domain.ErrInvalidInput, "quantity %d", quantity)
	}

	return l.store.WithTx(ctx, func(ctx context.Context) error {
		ev, err := l.store.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		available := ev.AvailableTickets + quantity
		if available > ev.TotalTickets {
			l.logger.WithFields(map[string]interface{}{
				"event_id":  ev.ID,
				"available": ev.AvailableTickets,
				"release":   quantity,
				"total":     ev.TotalTickets,
			}).Warn("release capped at total tickets")
			available = ev.TotalTickets
		}
		return l.store.SetAvailableTickets(ctx, ev.ID, available)
	})
}

func reserveOutcome(err error) string {
	switch {
	case err == nil:
		return "reserved"
	case errors.Is(err, domain.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, domain.ErrEventNotSellable):
		return "not_sellable"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
