package payments

import (
	"context"

	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/shopspring/decimal"
)

// Gateway is the payment collaborator. Implementations mark transport and
// decoding failures with domain.ErrUpstreamFailure.
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error)
	GetPayment(ctx context.Context, paymentID string) (ProviderPayment, error)
}

type PreferenceItem struct {
	ID        string
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
	Currency  string
}

type PreferenceRequest struct {
	ExternalReference   string
	Amount              decimal.Decimal
	Currency            string
	Items               []PreferenceItem
	PayerEmail          string
	StatementDescriptor string
	NotificationURL     string
}

type Preference struct {
	ID          string
	CheckoutURL string
}

type ProviderPayment struct {
	ID                string
	Status            domain.ProviderStatus
	ExternalReference string
	PaymentMethod     string
	PaymentType       string
}
