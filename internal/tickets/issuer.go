// Package tickets mints admission credentials for paid orders and redeems them
// at the door.
package tickets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/outbox"
)

const nonceBytes = 16

type IssuerStore interface {
	CountTicketsByOrder(ctx context.Context, orderID uuid.UUID) (int, error)
	InsertTickets(ctx context.Context, tickets []domain.Ticket) error
	InsertOutbox(ctx context.Context, record outbox.Record) error
}

type Issuer struct {
	store  IssuerStore
	codec  *Codec
	clock  clock.Clock
	logger observability.Logger
}

func NewIssuer(store IssuerStore, codec *Codec, clk clock.Clock, logger observability.Logger) *Issuer {
	return &Issuer{store: store, codec: codec, clock: clk, logger: logger}
}

// Issue mints one ticket per purchased unit. It must run in the transaction
// that moved the order to paid; an order that already has tickets is refused.
func (i *Issuer) Issue(ctx context.Context, order domain.Order) ([]domain.Ticket, error) {
	if order.Status != domain.OrderPaid {
		return nil, errors.Wrapf(domain.ErrInvalidState, "order %s is %s", order.ID, order.Status)
	}

	existing, err := i.store.CountTicketsByOrder(ctx, order.ID)
	if err != nil {
		return nil, errors.Wrap(err, "count tickets")
	}
	if existing > 0 {
		return nil, errors.Wrapf(domain.ErrConflict, "order %s already has %d tickets", order.ID, existing)
	}

	now := i.clock.Now()
	tickets := make([]domain.Ticket, 0, order.Quantity)
	for seq := 1; seq <= order.Quantity; seq++ {
		nonce, err := newNonce()
		if err != nil {
			return nil, err
		}
		code, err := i.codec.Encode(Credential{
			OrderID:  order.ID,
			EventID:  order.EventID,
			Nonce:    nonce,
			IssuedAt: now,
		})
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, domain.Ticket{
			ID:        uuid.New(),
			OrderID:   order.ID,
			EventID:   order.EventID,
			Seq:       seq,
			Code:      code,
			Nonce:     nonce,
			Status:    domain.TicketActive,
			CreatedAt: now,
		})
	}

	if err := i.store.InsertTickets(ctx, tickets); err != nil {
		return nil, errors.Wrap(err, "insert tickets")
	}

	ids := make([]uuid.UUID, len(tickets))
	for n, t := range tickets {
		ids[n] = t.ID
	}
	rec, err := outbox.NewRecord("order", order.ID, outbox.EventTicketsIssued, ticketsIssued{
		OrderID:   order.ID,
		EventID:   order.EventID,
		TicketIDs: ids,
		At:        now,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := i.store.InsertOutbox(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "insert outbox")
	}

	observability.TicketsIssued.Add(float64(len(tickets)))
	i.logger.WithField("order_id", order.ID).WithField("tickets", len(tickets)).Info("tickets issued")
	return tickets, nil
}

type ticketsIssued struct {
	OrderID   uuid.UUID   `json:"order_id"`
	EventID   uuid.UUID   `json:"event_id"`
	TicketIDs []uuid.UUID `json:"ticket_ids"`
	At        time.Time   `json:"at"`
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "read random nonce")
	}
	return hex.EncodeToString(b), nil
}
