package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/event-ticketing/internal/domain"
)

const ticketColumns = `id, order_id, event_id, seq, code, nonce, status, scanned_at, scanned_by, created_at`

// InsertTickets writes the whole batch; a duplicate nonce, code or
// (order, seq) pair fails it with ErrConflict. Each row carries its order's
// quantity, and a seq past it fails with ErrInvalidState.
func (r *Repository) InsertTickets(ctx context.Context, tickets []domain.Ticket) error {
	for _, t := range tickets {
		tag, err := r.exec(ctx, `
			INSERT INTO tickets (id, order_id, event_id, seq, quantity, code, nonce, status, created_at)
			SELECT $1::UUID, o.id, $3::UUID, $4::INT, o.quantity, $5::TEXT, $6::TEXT, $7::TEXT, $8::TIMESTAMPTZ
			FROM orders o WHERE o.id = $2
		`, t.ID, t.OrderID, t.EventID, t.Seq, t.Code, t.Nonce, string(t.Status), t.CreatedAt)
		switch {
		case isUniqueViolation(err):
			return errors.Mark(errors.Wrapf(err, "ticket %d of order %s", t.Seq, t.OrderID), domain.ErrConflict)
		case isCheckViolation(err):
			return errors.Mark(errors.Wrapf(err, "ticket %d of order %s", t.Seq, t.OrderID), domain.ErrInvalidState)
		case err != nil:
			return errors.Wrap(err, "insert ticket")
		case tag.RowsAffected() == 0:
			return errors.Wrapf(domain.ErrNotFound, "order %s", t.OrderID)
		}
	}
	return nil
}

func (r *Repository) CountTicketsByOrder(ctx context.Context, orderID uuid.UUID) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT count(*) FROM tickets WHERE order_id = $1`, orderID).Scan(&n)
	return n, errors.Wrap(err, "count tickets")
}

func (r *Repository) ListTicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := r.query(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list tickets")
	}
	defer rows.Close()

	var out []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate tickets")
}

func (r *Repository) GetTicketByNonce(ctx context.Context, nonce string) (domain.Ticket, error) {
	return scanTicket(r.queryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE nonce = $1`, nonce))
}

// MarkTicketScanned is a compare-and-swap on ACTIVE; false means another scan won.
func (r *Repository) MarkTicketScanned(ctx context.Context, id uuid.UUID, operatorID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.exec(ctx, `
		UPDATE tickets SET status = 'SCANNED', scanned_at = $2, scanned_by = $3
		WHERE id = $1 AND status = 'ACTIVE'
	`, id, at, operatorID)
	if err != nil {
		return false, errors.Wrap(err, "mark ticket scanned")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) CancelActiveTickets(ctx context.Context, orderID uuid.UUID, _ time.Time) (int, error) {
	tag, err := r.exec(ctx, `
		UPDATE tickets SET status = 'CANCELLED' WHERE order_id = $1 AND status = 'ACTIVE'
	`, orderID)
	if err != nil {
		return 0, errors.Wrap(err, "cancel tickets")
	}
	return int(tag.RowsAffected()), nil
}

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var (
		t      domain.Ticket
		status string
	)
	err := row.Scan(&t.ID, &t.OrderID, &t.EventID, &t.Seq, &t.Code, &t.Nonce, &status,
		&t.ScannedAt, &t.ScannedBy, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Ticket{}, errors.Wrap(err, "scan ticket")
	}
	t.Status = domain.TicketStatus(status)
	return t, nil
}
