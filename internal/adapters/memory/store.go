// Package memory is a process-local Store used by tests and by STORE_DRIVER=memory.
// A single mutex serialises every transaction, which makes it trivially
// serializable; a failed transaction restores the snapshot taken when it began.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/outbox"
)

type txKey struct{}

type state struct {
	events   map[uuid.UUID]domain.Event
	orders   map[uuid.UUID]domain.Order
	payments map[uuid.UUID]domain.Payment
	tickets  map[uuid.UUID]domain.Ticket
	outbox   []outbox.Record
}

func (s state) clone() state {
	c := state{
		events:   make(map[uuid.UUID]domain.Event, len(s.events)),
		orders:   make(map[uuid.UUID]domain.Order, len(s.orders)),
		payments: make(map[uuid.UUID]domain.Payment, len(s.payments)),
		tickets:  make(map[uuid.UUID]domain.Ticket, len(s.tickets)),
		outbox:   append([]outbox.Record(nil), s.outbox...),
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st state
}

func NewStore() *Store {
	return &Store{st: state{
		events:   map[uuid.UUID]domain.Event{},
		orders:   map[uuid.UUID]domain.Order{},
		payments: map[uuid.UUID]domain.Payment{},
		tickets:  map[uuid.UUID]domain.Ticket{},
	}}
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, event domain.Event) error {
	defer s.lock(ctx)()
	if _, ok := s.st.events[event.ID]; ok {
		return errors.Mark(errors.Newf("event %s already exists", event.ID), domain.ErrConflict)
	}
	s.st.events[event.ID] = event
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	defer s.lock(ctx)()
	ev, ok := s.st.events[id]
	if !ok {
		return domain.Event{}, domain.ErrNotFound
	}
	return ev, nil
}

func (s *Store) LockEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	return s.GetEvent(ctx, id)
}

func (s *Store) SetAvailableTickets(ctx context.Context, id uuid.UUID, available int) error {
	defer s.lock(ctx)()
	ev, ok := s.st.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	if available < 0 {
		return errors.Wrapf(domain.ErrOutOfStock, "event %s available_tickets %d", id, available)
	}
	if available > ev.TotalTickets {
		return errors.Wrapf(domain.ErrInvalidState, "event %s available_tickets %d above %d", id, available, ev.TotalTickets)
	}
	ev.AvailableTickets = available
	s.st.events[id] = ev
	return nil
}

func (s *Store) InsertOrder(ctx context.Context, order domain.Order) error {
	defer s.lock(ctx)()
	if _, ok := s.st.orders[order.ID]; ok {
		return errors.Mark(errors.Newf("order %s already exists", order.ID), domain.ErrConflict)
	}
	if _, ok := s.st.events[order.EventID]; !ok {
		return errors.Newf("order references unknown event %s", order.EventID)
	}
	s.st.orders[order.ID] = order
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	defer s.lock(ctx)()
	o, ok := s.st.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *Store) LockOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *Store) TransitionOrder(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	o, ok := s.st.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = at
	s.st.orders[id] = o
	return true, nil
}

func (s *Store) ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	defer s.lock(ctx)()
	var overdue []domain.Order
	for _, o := range s.st.orders {
		if o.Overdue(now) {
			overdue = append(overdue, o)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].ExpiresAt.Before(overdue[j].ExpiresAt) })
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	ids := make([]uuid.UUID, len(overdue))
	for i, o := range overdue {
		ids[i] = o.ID
	}
	return ids, nil
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (domain.Payment, error) {
	defer s.lock(ctx)()
	p, ok := s.st.payments[orderID]
	if !ok {
		return domain.Payment{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *Store) LockPaymentByOrder(ctx context.Context, orderID uuid.UUID) (domain.Payment, error) {
	return s.GetPaymentByOrder(ctx, orderID)
}

func (s *Store) UpsertPaymentPreference(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	defer s.lock(ctx)()
	if _, ok := s.st.orders[p.OrderID]; !ok {
		return domain.Payment{}, errors.Newf("payment references unknown order %s", p.OrderID)
	}
	existing, ok := s.st.payments[p.OrderID]
	if !ok {
		s.st.payments[p.OrderID] = p
		return p, nil
	}
	if existing.PreferenceID == "" {
		existing.PreferenceID = p.PreferenceID
		existing.CheckoutURL = p.CheckoutURL
		existing.UpdatedAt = p.UpdatedAt
		s.st.payments[p.OrderID] = existing
	}
	return existing, nil
}

func (s *Store) UpdatePayment(ctx context.Context, p domain.Payment) error {
	defer s.lock(ctx)()
	if _, ok := s.st.payments[p.OrderID]; !ok {
		return domain.ErrNotFound
	}
	s.st.payments[p.OrderID] = p
	return nil
}

func (s *Store) InsertTickets(ctx context.Context, tickets []domain.Ticket) error {
	defer s.lock(ctx)()
	for _, t := range tickets {
		for _, existing := range s.st.tickets {
			switch {
			case existing.Nonce == t.Nonce:
				return errors.Mark(errors.Newf("duplicate ticket nonce"), domain.ErrConflict)
			case existing.Code == t.Code:
				return errors.Mark(errors.Newf("duplicate ticket code"), domain.ErrConflict)
			case existing.OrderID == t.OrderID && existing.Seq == t.Seq:
				return errors.Mark(errors.Newf("ticket %d already issued for order %s", t.Seq, t.OrderID), domain.ErrConflict)
			}
		}
		order, ok := s.st.orders[t.OrderID]
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "order %s", t.OrderID)
		}
		if t.Seq < 1 || t.Seq > order.Quantity {
			return errors.Wrapf(domain.ErrInvalidState, "ticket seq %d outside [1, %d]", t.Seq, order.Quantity)
		}
		s.st.tickets[t.ID] = t
	}
	return nil
}

func (s *Store) CountTicketsByOrder(ctx context.Context, orderID uuid.UUID) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for _, t := range s.st.tickets {
		if t.OrderID == orderID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListTicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	defer s.lock(ctx)()
	var out []domain.Ticket
	for _, t := range s.st.tickets {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) GetTicketByNonce(ctx context.Context, nonce string) (domain.Ticket, error) {
	defer s.lock(ctx)()
	for _, t := range s.st.tickets {
		if t.Nonce == nonce {
			return t, nil
		}
	}
	return domain.Ticket{}, domain.ErrNotFound
}

func (s *Store) MarkTicketScanned(ctx context.Context, id uuid.UUID, operatorID uuid.UUID, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	t, ok := s.st.tickets[id]
	if !ok || t.Status != domain.TicketActive {
		return false, nil
	}
	t.Status = domain.TicketScanned
	t.ScannedAt = &at
	t.ScannedBy = &operatorID
	s.st.tickets[id] = t
	return true, nil
}

func (s *Store) CancelActiveTickets(ctx context.Context, orderID uuid.UUID, _ time.Time) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for id, t := range s.st.tickets {
		if t.OrderID == orderID && t.Status == domain.TicketActive {
			t.Status = domain.TicketCancelled
			s.st.tickets[id] = t
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertOutbox(ctx context.Context, rec outbox.Record) error {
	defer s.lock(ctx)()
	s.st.outbox = append(s.st.outbox, rec)
	return nil
}

func (s *Store) ClaimUnpublished(ctx context.Context, limit int) ([]outbox.Record, error) {
	defer s.lock(ctx)()
	var out []outbox.Record
	for _, rec := range s.st.outbox {
		if rec.Status != outbox.StatusNew {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	defer s.lock(ctx)()
	for i, rec := range s.st.outbox {
		if rec.ID == id {
			rec.Status = outbox.StatusPublished
			rec.PublishedAt = &publishedAt
			s.st.outbox[i] = rec
			return nil
		}
	}
	return domain.ErrNotFound
}

// OutboxRecords returns a copy of every outbox row, published or not.
func (s *Store) OutboxRecords() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Record(nil), s.st.outbox...)
}
