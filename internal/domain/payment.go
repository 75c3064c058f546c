package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentApproved  PaymentStatus = "APPROVED"
	PaymentRejected  PaymentStatus = "REJECTED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// CanMoveTo enforces the payment lifecycle: pending settles once, an approved
// payment can only be refunded.
func (s PaymentStatus) CanMoveTo(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentApproved || next == PaymentRejected || next == PaymentCancelled
	case PaymentApproved:
		return next == PaymentRefunded
	default:
		return false
	}
}

type Payment struct {
	ID                uuid.UUID
	OrderID           uuid.UUID
	PreferenceID      string
	CheckoutURL       string
	ExternalPaymentID *string
	Amount            decimal.Decimal
	Currency          string
	Status            PaymentStatus
	ProviderStatus    string
	PaymentMethod     string
	PaymentType       string
	ReceivedCount     int
	LastReceivedAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExternalReference is the value handed to the provider to find the order again.
func (p Payment) ExternalReference() string {
	return p.OrderID.String()
}

// ProviderStatus is the closed set of statuses the payment provider reports.
type ProviderStatus string

const (
	ProviderPending     ProviderStatus = "pending"
	ProviderApproved    ProviderStatus = "approved"
	ProviderAuthorized  ProviderStatus = "authorized"
	ProviderInProcess   ProviderStatus = "in_process"
	ProviderInMediation ProviderStatus = "in_mediation"
	ProviderRejected    ProviderStatus = "rejected"
	ProviderCancelled   ProviderStatus = "cancelled"
	ProviderRefunded    ProviderStatus = "refunded"
	ProviderChargedBack ProviderStatus = "charged_back"
	ProviderUnknown     ProviderStatus = "unknown"
)

var providerStatuses = []ProviderStatus{
	ProviderPending,
	ProviderApproved,
	ProviderAuthorized,
	ProviderInProcess,
	ProviderInMediation,
	ProviderRejected,
	ProviderCancelled,
	ProviderRefunded,
	ProviderChargedBack,
	ProviderUnknown,
}

// ProviderStatuses lists every member of the enumeration.
func ProviderStatuses() []ProviderStatus {
	out := make([]ProviderStatus, len(providerStatuses))
	copy(out, providerStatuses)
	return out
}

// ParseProviderStatus folds anything unrecognised into ProviderUnknown.
func ParseProviderStatus(raw string) ProviderStatus {
	s := ProviderStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range providerStatuses {
		if s == known {
			return s
		}
	}
	return ProviderUnknown
}

// Settlement is the internal target a provider status maps to.
type Settlement struct {
	Payment PaymentStatus
	Order   OrderStatus
}

// NoOp is true when the provider status carries no lifecycle change.
func (s Settlement) NoOp() bool {
	return s.Payment == PaymentPending
}

// MapProviderStatus is total over ProviderStatus. approved settles the order as
// paid, rejected/cancelled/refunded cancel it, every other status (including
// unknown ones) leaves the order pending and is treated as a no-op.
func MapProviderStatus(s ProviderStatus) Settlement {
	switch s {
	case ProviderApproved:
		return Settlement{Payment: PaymentApproved, Order: OrderPaid}
	case ProviderRejected:
		return Settlement{Payment: PaymentRejected, Order: OrderCancelled}
	case ProviderCancelled:
		return Settlement{Payment: PaymentCancelled, Order: OrderCancelled}
	case ProviderRefunded:
		return Settlement{Payment: PaymentRefunded, Order: OrderCancelled}
	default:
		return Settlement{Payment: PaymentPending, Order: OrderPending}
	}
}
