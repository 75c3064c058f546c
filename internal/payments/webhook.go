package payments

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/observability"
)

const (
	notificationTypePayment = "payment"
	maxPaymentIDLen         = 20
)

type Notification struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type WebhookOutcome string

const (
	WebhookIgnored      WebhookOutcome = "ignored"
	WebhookUnknownOrder WebhookOutcome = "unknown_order"
	WebhookDuplicate    WebhookOutcome = "duplicate"
	WebhookNoOp         WebhookOutcome = "noop"
	WebhookPaid         WebhookOutcome = "paid"
	WebhookCancelled    WebhookOutcome = "cancelled"
	WebhookRefunded     WebhookOutcome = "refunded"
	WebhookAnomaly      WebhookOutcome = "anomaly"
)

const (
	anomalyApprovedAfterExpiry  = "approved_after_expiry"
	anomalyApprovedAfterRelease = "approved_after_release"
	anomalyIllegalTransition    = "illegal_transition"
)

// HandleNotification applies one provider notification. Redelivery is safe: a
// notification whose status the payment already has only bumps the delivery
// counters. Errors are for logging; the provider is acknowledged regardless.
func (s *Service) HandleNotification(ctx context.Context, n Notification) (WebhookOutcome, error) {
	if n.Type != notificationTypePayment {
		observability.WebhookOutcomes.WithLabelValues(string(WebhookIgnored)).Inc()
		return WebhookIgnored, nil
	}
	if n.Data.ID == "" {
		observability.WebhookFailures.WithLabelValues("decode").Inc()
		return "", errors.Wrap(domain.ErrInvalidInput, "notification without payment id")
	}
	if !validPaymentID(n.Data.ID) {
		observability.WebhookFailures.WithLabelValues("decode").Inc()
		return "", errors.Wrapf(domain.ErrInvalidInput, "malformed payment id %q", n.Data.ID)
	}

	pp, err := s.gateway.GetPayment(ctx, n.Data.ID)
	if err != nil {
		observability.WebhookFailures.WithLabelValues("fetch").Inc()
		return "", errors.Mark(errors.Wrapf(err, "fetch payment %s", n.Data.ID), domain.ErrUpstreamFailure)
	}

	orderID, err := uuid.Parse(pp.ExternalReference)
	if err != nil {
		observability.WebhookOutcomes.WithLabelValues(string(WebhookUnknownOrder)).Inc()
		s.logger.WithField("external_reference", pp.ExternalReference).Warn("notification for unknown reference dropped")
		return WebhookUnknownOrder, nil
	}

	var outcome WebhookOutcome
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = s.apply(ctx, orderID, pp)
		return err
	})
	if err != nil {
		observability.WebhookFailures.WithLabelValues("apply").Inc()
		return "", errors.Wrapf(err, "apply payment %s to order %s", pp.ID, orderID)
	}

	observability.WebhookOutcomes.WithLabelValues(string(outcome)).Inc()
	s.logger.WithFields(map[string]interface{}{
		"order_id":        orderID,
		"payment_id":      pp.ID,
		"provider_status": pp.Status,
		"outcome":         outcome,
	}).Info("payment notification applied")
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, orderID uuid.UUID, pp ProviderPayment) (WebhookOutcome, error) {
	payment, err := s.store.LockPaymentByOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return WebhookUnknownOrder, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "lock payment")
	}

	now := s.clock.Now()
	externalID := pp.ID
	payment.ReceivedCount++
	payment.LastReceivedAt = &now
	payment.ExternalPaymentID = &externalID
	payment.ProviderStatus = string(pp.Status)
	payment.PaymentMethod = pp.PaymentMethod
	payment.PaymentType = pp.PaymentType
	payment.UpdatedAt = now

	target := domain.MapProviderStatus(pp.Status)
	switch {
	case target.NoOp():
		return WebhookNoOp, s.store.UpdatePayment(ctx, payment)
	case payment.Status == target.Payment:
		return WebhookDuplicate, s.store.UpdatePayment(ctx, payment)
	case !payment.Status.CanMoveTo(target.Payment):
		if err := s.store.UpdatePayment(ctx, payment); err != nil {
			return "", err
		}
		return WebhookAnomaly, s.recordAnomaly(ctx, payment, "", anomalyIllegalTransition)
	}

	payment.Status = target.Payment
	if err := s.store.UpdatePayment(ctx, payment); err != nil {
		return "", err
	}

	order, err := s.store.LockOrder(ctx, orderID)
	if err != nil {
		return "", errors.Wrap(err, "lock order")
	}

	switch target.Payment {
	case domain.PaymentApproved:
		return s.approve(ctx, payment, order)
	case domain.PaymentRefunded:
		if _, err := s.orders.Refund(ctx, order); err != nil {
			return "", err
		}
		return WebhookRefunded, nil
	default:
		if _, err := s.orders.CancelUnpaid(ctx, order); err != nil {
			return "", err
		}
		return WebhookCancelled, nil
	}
}

func (s *Service) approve(ctx context.Context, payment domain.Payment, order domain.Order) (WebhookOutcome, error) {
	now := s.clock.Now()
	switch {
	case order.Payable(now):
		paid, flipped, err := s.orders.MarkPaid(ctx, order)
		if err != nil {
			return "", err
		}
		if !flipped {
			return WebhookAnomaly, s.recordAnomaly(ctx, payment, order.Status, anomalyApprovedAfterRelease)
		}
		if _, err := s.issuer.Issue(ctx, paid); err != nil {
			return "", errors.Wrap(err, "issue tickets")
		}
		return WebhookPaid, nil

	case order.Overdue(now):
		if _, err := s.orders.Expire(ctx, order); err != nil {
			return "", err
		}
		return WebhookAnomaly, s.recordAnomaly(ctx, payment, domain.OrderExpired, anomalyApprovedAfterExpiry)

	default:
		return WebhookAnomaly, s.recordAnomaly(ctx, payment, order.Status, anomalyApprovedAfterRelease)
	}
}

// validPaymentID accepts the provider's numeric payment ids only.
func validPaymentID(id string) bool {
	if len(id) > maxPaymentIDLen {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
