package tickets

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/clock"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/outbox"
)

type Outcome string

const (
	OutcomeAdmitted    Outcome = "ADMITTED"
	OutcomeAlreadyUsed Outcome = "ALREADY_USED"
	OutcomeNotUsable   Outcome = "NOT_USABLE"
)

// ScanResult is the door's answer. Only Admitted lets the holder in; the
// other outcomes are normal results, not errors.
type ScanResult struct {
	Outcome   Outcome
	Ticket    domain.Ticket
	Reason    string
	ScannedAt *time.Time
	ScannedBy *uuid.UUID
}

type TicketDetails struct {
	Ticket domain.Ticket
	Event  domain.Event
	Usable bool
}

type ValidatorStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetTicketByNonce(ctx context.Context, nonce string) (domain.Ticket, error)
	MarkTicketScanned(ctx context.Context, id uuid.UUID, operatorID uuid.UUID, at time.Time) (bool, error)
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	InsertOutbox(ctx context.Context, record outbox.Record) error
}

type Validator struct {
	store  ValidatorStore
	codec  *Codec
	clock  clock.Clock
	logger observability.Logger
}

func NewValidator(store ValidatorStore, codec *Codec, clk clock.Clock, logger observability.Logger) *Validator {
	return &Validator{store: store, codec: codec, clock: clk, logger: logger}
}

// Validate redeems a credential. Of two concurrent scans of one ticket exactly
// one is admitted and the other sees it already used.
func (v *Validator) Validate(ctx context.Context, raw string, operatorID uuid.UUID) (ScanResult, error) {
	cred, err := v.codec.Decode(raw)
	if err != nil {
		observability.ScanOutcomes.WithLabelValues(scanErrorLabel(err)).Inc()
		return ScanResult{}, err
	}

	var result ScanResult
	err = v.store.WithTx(ctx, func(ctx context.Context) error {
		ticket, err := v.lookup(ctx, raw, cred)
		if err != nil {
			return err
		}
		if ticket.Status != domain.TicketActive {
			result = resultFor(ticket)
			return nil
		}

		now := v.clock.Now()
		won, err := v.store.MarkTicketScanned(ctx, ticket.ID, operatorID, now)
		if err != nil {
			return errors.Wrap(err, "mark scanned")
		}
		if !won {
			if ticket, err = v.store.GetTicketByNonce(ctx, cred.Nonce); err != nil {
				return errors.Wrap(err, "reload ticket")
			}
			result = resultFor(ticket)
			return nil
		}

		ticket.Status = domain.TicketScanned
		ticket.ScannedAt = &now
		ticket.ScannedBy = &operatorID
		rec, err := outbox.NewRecord("ticket", ticket.ID, outbox.EventTicketScanned, ticketScanned{
			TicketID:   ticket.ID,
			OrderID:    ticket.OrderID,
			EventID:    ticket.EventID,
			OperatorID: operatorID,
			ScannedAt:  now,
		}, now)
		if err != nil {
			return err
		}
		if err := v.store.InsertOutbox(ctx, rec); err != nil {
			return errors.Wrap(err, "insert outbox")
		}
		result = ScanResult{Outcome: OutcomeAdmitted, Ticket: ticket, ScannedAt: &now, ScannedBy: &operatorID}
		return nil
	})
	if err != nil {
		observability.ScanOutcomes.WithLabelValues(scanErrorLabel(err)).Inc()
		return ScanResult{}, err
	}

	observability.ScanOutcomes.WithLabelValues(string(result.Outcome)).Inc()
	v.logger.WithFields(map[string]interface{}{
		"ticket_id": result.Ticket.ID,
		"operator":  operatorID,
		"outcome":   result.Outcome,
	}).Info("ticket scanned")
	return result, nil
}

// Preview authenticates a credential and shows what it admits to without
// changing anything.
func (v *Validator) Preview(ctx context.Context, raw string) (TicketDetails, error) {
	cred, err := v.codec.Decode(raw)
	if err != nil {
		return TicketDetails{}, err
	}
	ticket, err := v.lookup(ctx, raw, cred)
	if err != nil {
		return TicketDetails{}, err
	}
	ev, err := v.store.GetEvent(ctx, ticket.EventID)
	if err != nil {
		return TicketDetails{}, errors.Wrap(err, "load event")
	}
	return TicketDetails{Ticket: ticket, Event: ev, Usable: ticket.Status == domain.TicketActive}, nil
}

func (v *Validator) lookup(ctx context.Context, raw string, cred Credential) (domain.Ticket, error) {
	ticket, err := v.store.GetTicketByNonce(ctx, cred.Nonce)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Ticket{}, domain.ErrUnknownTicket
	}
	if err != nil {
		return domain.Ticket{}, errors.Wrap(err, "load ticket")
	}
	if subtle.ConstantTimeCompare([]byte(ticket.Code), []byte(raw)) != 1 ||
		ticket.OrderID != cred.OrderID || ticket.EventID != cred.EventID {
		return domain.Ticket{}, domain.ErrCredentialMismatch
	}
	return ticket, nil
}

func resultFor(t domain.Ticket) ScanResult {
	switch t.Status {
	case domain.TicketScanned:
		return ScanResult{Outcome: OutcomeAlreadyUsed, Ticket: t, ScannedAt: t.ScannedAt, ScannedBy: t.ScannedBy}
	case domain.TicketCancelled:
		return ScanResult{Outcome: OutcomeNotUsable, Ticket: t, Reason: "ticket cancelled"}
	case domain.TicketExpired:
		return ScanResult{Outcome: OutcomeNotUsable, Ticket: t, Reason: "ticket expired"}
	default:
		return ScanResult{Outcome: OutcomeNotUsable, Ticket: t, Reason: string(t.Status)}
	}
}

func scanErrorLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, domain.ErrCredentialMismatch):
		return "mismatch"
	case errors.Is(err, domain.ErrUnknownTicket):
		return "unknown"
	default:
		return "error"
	}
}

type ticketScanned struct {
	TicketID   uuid.UUID `json:"ticket_id"`
	OrderID    uuid.UUID `json:"order_id"`
	EventID    uuid.UUID `json:"event_id"`
	OperatorID uuid.UUID `json:"operator_id"`
	ScannedAt  time.Time `json:"scanned_at"`
}
