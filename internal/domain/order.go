package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether no further lifecycle transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s != OrderPending
}

type Order struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	EventID     uuid.UUID
	Quantity    int
	TotalAmount decimal.Decimal
	Status      OrderStatus
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewOrder(userID uuid.UUID, event Event, quantity int, now time.Time, ttl time.Duration) Order {
	return Order{
		ID:          uuid.New(),
		UserID:      userID,
		EventID:     event.ID,
		Quantity:    quantity,
		TotalAmount: event.UnitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		Status:      OrderPending,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Overdue is true for a pending order whose reservation window has passed.
func (o Order) Overdue(now time.Time) bool {
	return o.Status == OrderPending && !now.Before(o.ExpiresAt)
}

// EffectiveStatus reports an overdue pending order as expired before any sweep
// has touched the row.
func (o Order) EffectiveStatus(now time.Time) OrderStatus {
	if o.Overdue(now) {
		return OrderExpired
	}
	return o.Status
}

// Payable is true only for a pending order still inside its reservation window.
func (o Order) Payable(now time.Time) bool {
	return o.Status == OrderPending && now.Before(o.ExpiresAt)
}
