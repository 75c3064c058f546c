package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventStatus string

const (
	EventDraft     EventStatus = "DRAFT"
	EventPublished EventStatus = "PUBLISHED"
	EventCancelled EventStatus = "CANCELLED"
	EventCompleted EventStatus = "COMPLETED"
)

// Event owns the inventory counter for a single show.
type Event struct {
	ID               uuid.UUID
	Title            string
	Venue            string
	StartsAt         time.Time
	UnitPrice        decimal.Decimal
	Currency         string
	TotalTickets     int
	AvailableTickets int
	Status           EventStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Sellable reports whether new reservations may be taken at now.
func (e Event) Sellable(now time.Time) bool {
	return e.Status == EventPublished && e.StartsAt.After(now)
}
