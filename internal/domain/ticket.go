package domain

import (
	"time"

	"github.com/google/uuid"
)

type TicketStatus string

const (
	TicketActive    TicketStatus = "ACTIVE"
	TicketScanned   TicketStatus = "SCANNED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketExpired   TicketStatus = "EXPIRED"
)

// Ticket is one admission credential. Seq runs from 1 to the order quantity.
type Ticket struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	EventID   uuid.UUID
	Seq       int
	Code      string
	Nonce     string
	Status    TicketStatus
	ScannedAt *time.Time
	ScannedBy *uuid.UUID
	CreatedAt time.Time
}
