package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/shopspring/decimal"
)

const paymentColumns = `id, order_id, preference_id, checkout_url, external_payment_id,
	amount::TEXT, currency, status, provider_status, payment_method, payment_type,
	received_count, last_received_at, created_at, updated_at`

func (r *Repository) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (domain.Payment, error) {
	return scanPayment(r.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID))
}

func (r *Repository) LockPaymentByOrder(ctx context.Context, orderID uuid.UUID) (domain.Payment, error) {
	return scanPayment(r.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 FOR UPDATE`, orderID))
}

// UpsertPaymentPreference stores the payment row for an order. When a row
// already carries a preference id it is kept and returned unchanged.
func (r *Repository) UpsertPaymentPreference(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	return scanPayment(r.queryRow(ctx, `
		INSERT INTO payments (id, order_id, preference_id, checkout_url, amount, currency,
			status, provider_status, payment_method, payment_type, received_count,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::TEXT::NUMERIC, $6, $7, '', '', '', 0, $8, $9)
		ON CONFLICT (order_id) DO UPDATE SET
			preference_id = CASE WHEN payments.preference_id = '' THEN excluded.preference_id ELSE payments.preference_id END,
			checkout_url = CASE WHEN payments.preference_id = '' THEN excluded.checkout_url ELSE payments.checkout_url END,
			updated_at = CASE WHEN payments.preference_id = '' THEN excluded.updated_at ELSE payments.updated_at END
		RETURNING `+paymentColumns,
		p.ID, p.OrderID, p.PreferenceID, p.CheckoutURL, p.Amount.String(), p.Currency,
		string(p.Status), p.CreatedAt, p.UpdatedAt))
}

func (r *Repository) UpdatePayment(ctx context.Context, p domain.Payment) error {
	tag, err := r.exec(ctx, `
		UPDATE payments SET
			external_payment_id = $2,
			status = $3,
			provider_status = $4,
			payment_method = $5,
			payment_type = $6,
			received_count = $7,
			last_received_at = $8,
			updated_at = $9
		WHERE order_id = $1
	`, p.OrderID, p.ExternalPaymentID, string(p.Status), p.ProviderStatus, p.PaymentMethod,
		p.PaymentType, p.ReceivedCount, p.LastReceivedAt, p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update payment")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p      domain.Payment
		amount string
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.PreferenceID, &p.CheckoutURL, &p.ExternalPaymentID,
		&amount, &p.Currency, &status, &p.ProviderStatus, &p.PaymentMethod, &p.PaymentType,
		&p.ReceivedCount, &p.LastReceivedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Payment{}, errors.Wrap(err, "scan payment")
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Payment{}, errors.Wrap(err, "parse payment amount")
	}
	p.Status = domain.PaymentStatus(status)
	return p, nil
}
