package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNewOrder_FreezesTotal(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := Event{ID: uuid.New(), UnitPrice: decimal.NewFromInt(1000)}

	o := NewOrder(uuid.New(), ev, 3, now, 15*time.Minute)

	assert.True(t, decimal.NewFromInt(3000).Equal(o.TotalAmount))
	assert.Equal(t, OrderPending, o.Status)
	assert.Equal(t, now.Add(15*time.Minute), o.ExpiresAt)
	assert.Equal(t, ev.ID, o.EventID)
}

func TestOrder_EffectiveStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	o := Order{Status: OrderPending, ExpiresAt: now.Add(time.Second)}

	assert.Equal(t, OrderPending, o.EffectiveStatus(now))
	assert.True(t, o.Payable(now))

	later := now.Add(2 * time.Second)
	assert.Equal(t, OrderExpired, o.EffectiveStatus(later))
	assert.True(t, o.Overdue(later))
	assert.False(t, o.Payable(later))

	o.Status = OrderPaid
	assert.Equal(t, OrderPaid, o.EffectiveStatus(later))
	assert.False(t, o.Overdue(later))
}

func TestEvent_Sellable(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := Event{Status: EventPublished, StartsAt: now.Add(time.Hour)}
	assert.True(t, ev.Sellable(now))

	ev.Status = EventDraft
	assert.False(t, ev.Sellable(now))

	ev.Status = EventPublished
	ev.StartsAt = now.Add(-time.Minute)
	assert.False(t, ev.Sellable(now))
}
