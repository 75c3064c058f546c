// Package payments creates checkout preferences and applies the provider's
// payment notifications to orders.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/orders"
	"github.com/robertarktes/event-ticketing/internal/outbox"
	"github.com/robertarktes/event-ticketing/internal/tickets"
)

const statementDescriptor = "TICKETING"

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (domain.Payment, error)
	LockPaymentByOrder(ctx context.Context, orderID uuid.UUID) (domain.Payment, error)
	UpsertPaymentPreference(ctx context.Context, p domain.Payment) (domain.Payment, error)
	UpdatePayment(ctx context.Context, p domain.Payment) error
	InsertOutbox(ctx context.Context, record outbox.Record) error
}

type Config struct {
	Currency        string
	NotificationURL string
}

type Service struct {
	store   Store
	gateway Gateway
	orders  *orders.Manager
	issuer  *tickets.Issuer
	clock   clock.Clock
	logger  observability.Logger
	cfg     Config
}

func NewService(store Store, gateway Gateway, manager *orders.Manager, issuer *tickets.Issuer, clk clock.Clock, logger observability.Logger, cfg Config) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		orders:  manager,
		issuer:  issuer,
		clock:   clk,
		logger:  logger,
		cfg:     cfg,
	}
}

type PreferenceInput struct {
	OrderID    uuid.UUID
	UserID     uuid.UUID
	PayerEmail string
}

// CreatePreference opens a checkout for a payable order. A payable order that
// already has a preference gets the stored one back; an order that can no
// longer be paid gets no checkout, stored or new.
func (s *Service) CreatePreference(ctx context.Context, in PreferenceInput) (domain.Payment, error) {
	order, err := s.ownedOrder(ctx, in.OrderID, in.UserID)
	if err != nil {
		return domain.Payment{}, err
	}

	now := s.clock.Now()
	if !order.Payable(now) {
		if order.Overdue(now) {
			return domain.Payment{}, errors.Wrapf(domain.ErrExpired, "order %s", order.ID)
		}
		return domain.Payment{}, errors.Wrapf(domain.ErrInvalidState, "order is %s", order.Status)
	}

	existing, err := s.store.GetPaymentByOrder(ctx, order.ID)
	switch {
	case err == nil && existing.PreferenceID != "":
		return existing, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.Payment{}, errors.Wrap(err, "load payment")
	}

	ev, err := s.store.GetEvent(ctx, order.EventID)
	if err != nil {
		return domain.Payment{}, errors.Wrap(err, "load event")
	}

	pref, err := s.gateway.CreatePreference(ctx, PreferenceRequest{
		ExternalReference: order.ID.String(),
		Amount:            order.TotalAmount,
		Currency:          s.cfg.Currency,
		Items: []PreferenceItem{{
			ID:        ev.ID.String(),
			Title:     itemTitle(ev.Title, order.Quantity),
			Quantity:  order.Quantity,
			UnitPrice: ev.UnitPrice,
			Currency:  s.cfg.Currency,
		}},
		PayerEmail:          in.PayerEmail,
		StatementDescriptor: statementDescriptor,
		NotificationURL:     s.cfg.NotificationURL,
	})
	if err != nil {
		return domain.Payment{}, errors.Mark(errors.Wrap(err, "create preference"), domain.ErrUpstreamFailure)
	}

	stored, err := s.store.UpsertPaymentPreference(ctx, domain.Payment{
		ID:           uuid.New(),
		OrderID:      order.ID,
		PreferenceID: pref.ID,
		CheckoutURL:  pref.CheckoutURL,
		Amount:       order.TotalAmount,
		Currency:     s.cfg.Currency,
		Status:       domain.PaymentPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.Payment{}, errors.Wrap(err, "store payment")
	}
	if stored.PreferenceID != pref.ID {
		s.logger.WithField("order_id", order.ID).Warn("concurrent preference creation, kept the stored one")
	}
	return stored, nil
}

// Status is the owner's view of the order's payment.
func (s *Service) Status(ctx context.Context, orderID, userID uuid.UUID) (domain.Payment, error) {
	if _, err := s.ownedOrder(ctx, orderID, userID); err != nil {
		return domain.Payment{}, err
	}
	return s.store.GetPaymentByOrder(ctx, orderID)
}

func (s *Service) ownedOrder(ctx context.Context, orderID, userID uuid.UUID) (domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != userID {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

func itemTitle(title string, quantity int) string {
	return fmt.Sprintf("%s - %d ticket(s)", title, quantity)
}

type anomaly struct {
	OrderID        uuid.UUID `json:"order_id"`
	Kind           string    `json:"kind"`
	PaymentStatus  string    `json:"payment_status"`
	ProviderStatus string    `json:"provider_status"`
	OrderStatus    string    `json:"order_status"`
	At             time.Time `json:"at"`
}

func (s *Service) recordAnomaly(ctx context.Context, payment domain.Payment, orderStatus domain.OrderStatus, kind string) error {
	now := s.clock.Now()
	rec, err := outbox.NewRecord("payment", payment.ID, outbox.EventPaymentAnomaly, anomaly{
		OrderID:        payment.OrderID,
		Kind:           kind,
		PaymentStatus:  string(payment.Status),
		ProviderStatus: payment.ProviderStatus,
		OrderStatus:    string(orderStatus),
		At:             now,
	}, now)
	if err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"order_id": payment.OrderID,
		"anomaly":  kind,
	}).Warn("payment anomaly")
	return errors.Wrap(s.store.InsertOutbox(ctx, rec), "insert outbox")
}
