package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mongoadapter "github.com/robertarktes/event-ticketing/internal/adapters/mongo"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/orders"
	"github.com/robertarktes/event-ticketing/internal/payments"
	"github.com/robertarktes/event-ticketing/internal/tickets"
	"github.com/shopspring/decimal"
)

type OrderService interface {
	Create(ctx context.Context, in orders.CreateInput) (domain.Order, error)
	Get(ctx context.Context, orderID, userID uuid.UUID) (orders.Details, error)
	Cancel(ctx context.Context, orderID, userID uuid.UUID) (domain.Order, error)
}

type PaymentService interface {
	CreatePreference(ctx context.Context, in payments.PreferenceInput) (domain.Payment, error)
	Status(ctx context.Context, orderID, userID uuid.UUID) (domain.Payment, error)
	HandleNotification(ctx context.Context, n payments.Notification) (payments.WebhookOutcome, error)
}

type TicketService interface {
	Validate(ctx context.Context, raw string, operatorID uuid.UUID) (tickets.ScanResult, error)
	Preview(ctx context.Context, raw string) (tickets.TicketDetails, error)
}

// AuditTrail reads the projected event history of one order or ticket.
type AuditTrail interface {
	ByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]mongoadapter.AuditLog, error)
}

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	orders   OrderService
	payments PaymentService
	tickets  TicketService
	checks   map[string]Pinger
}

func NewHandlers(orders OrderService, payments PaymentService, tickets TicketService, checks map[string]Pinger) *Handlers {
	return &Handlers{
		orders:   orders,
		payments: payments,
		tickets:  tickets,
		checks:   checks,
	}
}

type ticketResponse struct {
	ID        uuid.UUID  `json:"id"`
	Seq       int        `json:"seq"`
	Code      string     `json:"code"`
	Status    string     `json:"status"`
	ScannedAt *time.Time `json:"scanned_at,omitempty"`
}

type orderResponse struct {
	ID          uuid.UUID        `json:"id"`
	EventID     uuid.UUID        `json:"event_id"`
	Quantity    int              `json:"quantity"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Status      string           `json:"status"`
	ExpiresAt   time.Time        `json:"expires_at"`
	CreatedAt   time.Time        `json:"created_at"`
	Tickets     []ticketResponse `json:"tickets,omitempty"`
}

func newOrderResponse(o domain.Order, ts []domain.Ticket) orderResponse {
	resp := orderResponse{
		ID:          o.ID,
		EventID:     o.EventID,
		Quantity:    o.Quantity,
		TotalAmount: o.TotalAmount,
		Status:      string(o.Status),
		ExpiresAt:   o.ExpiresAt,
		CreatedAt:   o.CreatedAt,
	}
	for _, t := range ts {
		resp.Tickets = append(resp.Tickets, ticketResponse{
			ID:        t.ID,
			Seq:       t.Seq,
			Code:      t.Code,
			Status:    string(t.Status),
			ScannedAt: t.ScannedAt,
		})
	}
	return resp
}

type paymentResponse struct {
	OrderID        uuid.UUID       `json:"order_id"`
	PreferenceID   string          `json:"preference_id"`
	CheckoutURL    string          `json:"checkout_url"`
	Status         string          `json:"status"`
	ProviderStatus string          `json:"provider_status,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func newPaymentResponse(p domain.Payment) paymentResponse {
	return paymentResponse{
		OrderID:        p.OrderID,
		PreferenceID:   p.PreferenceID,
		CheckoutURL:    p.CheckoutURL,
		Status:         string(p.Status),
		ProviderStatus: p.ProviderStatus,
		PaymentMethod:  p.PaymentMethod,
		Amount:         p.Amount,
		Currency:       p.Currency,
		UpdatedAt:      p.UpdatedAt,
	}
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	var req struct {
		EventID  uuid.UUID `json:"event_id"`
		Quantity int       `json:"quantity"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	order, err := h.orders.Create(r.Context(), orders.CreateInput{
		UserID:   p.UserID,
		EventID:  req.EventID,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(order, nil))
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	details, err := h.orders.Get(r.Context(), id, principalFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(details.Order, details.Tickets))
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.orders.Cancel(r.Context(), id, principalFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order, nil))
}

func (h *Handlers) CreatePreference(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID    uuid.UUID `json:"order_id"`
		PayerEmail string    `json:"payer_email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	payment, err := h.payments.CreatePreference(r.Context(), payments.PreferenceInput{
		OrderID:    req.OrderID,
		UserID:     principalFrom(r.Context()).UserID,
		PayerEmail: req.PayerEmail,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPaymentResponse(payment))
}

func (h *Handlers) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderId")
	if !ok {
		return
	}

	payment, err := h.payments.Status(r.Context(), id, principalFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPaymentResponse(payment))
}

// PaymentWebhook always acknowledges; the provider would otherwise redeliver
// notifications that can never be applied.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var n payments.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil && !errors.Is(err, io.EOF) {
		loggerFrom(r.Context()).WithError(err).Warn("undecodable payment notification")
	}
	// Older notifications carry the resource in the query string only.
	q := r.URL.Query()
	if n.Type == "" {
		n.Type = firstNonEmpty(q.Get("type"), q.Get("topic"))
	}
	if n.Data.ID == "" {
		n.Data.ID = firstNonEmpty(q.Get("data.id"), q.Get("id"))
	}

	outcome, err := h.payments.HandleNotification(r.Context(), n)
	entry := loggerFrom(r.Context()).WithFields(map[string]interface{}{
		"payment_id": n.Data.ID,
		"outcome":    outcome,
	})
	if err != nil {
		entry.WithError(err).Error("payment notification not applied")
	} else {
		entry.Info("payment notification processed")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type credentialRequest struct {
	Code string `json:"code"`
}

func (h *Handlers) PreviewTicket(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	details, err := h.tickets.Preview(r.Context(), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_id": details.Ticket.ID,
		"order_id":  details.Ticket.OrderID,
		"seq":       details.Ticket.Seq,
		"status":    details.Ticket.Status,
		"usable":    details.Usable,
		"event": map[string]interface{}{
			"id":        details.Event.ID,
			"title":     details.Event.Title,
			"venue":     details.Event.Venue,
			"starts_at": details.Event.StartsAt,
		},
	})
}

func (h *Handlers) ValidateTicket(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.tickets.Validate(r.Context(), req.Code, principalFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcome":    res.Outcome,
		"ticket_id":  res.Ticket.ID,
		"order_id":   res.Ticket.OrderID,
		"seq":        res.Ticket.Seq,
		"reason":     res.Reason,
		"scanned_at": res.ScannedAt,
		"scanned_by": res.ScannedBy,
	})
}

type auditEntryResponse struct {
	ID            string                 `json:"id"`
	Action        string                 `json:"action"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	OccurredAt    time.Time              `json:"occurred_at"`
	RecordedAt    time.Time              `json:"recorded_at"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// AuditTrailHandler lists what happened to an aggregate, oldest first.
func AuditTrailHandler(trail AuditTrail) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		logs, err := trail.ByAggregate(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		entries := make([]auditEntryResponse, 0, len(logs))
		for _, l := range logs {
			entries = append(entries, auditEntryResponse{
				ID:            l.ID,
				Action:        l.Action,
				AggregateType: l.AggregateType,
				AggregateID:   l.AggregateID,
				OccurredAt:    l.OccurredAt,
				RecordedAt:    l.RecordedAt,
				Data:          l.Data,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"aggregate_id": id, "entries": entries})
	}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode body"), domain.ErrInvalidInput)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var errorStatuses = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found", "resource not found"},
	{domain.ErrUnknownTicket, http.StatusNotFound, "unknown_ticket", "ticket not recognised"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input", "invalid request"},
	{domain.ErrMalformedCredential, http.StatusBadRequest, "malformed_credential", "credential is malformed"},
	{domain.ErrOutOfStock, http.StatusConflict, "out_of_stock", "not enough tickets available"},
	{domain.ErrInvalidState, http.StatusConflict, "invalid_state", "operation not allowed in the current state"},
	{domain.ErrConflict, http.StatusConflict, "conflict", "concurrent update, retry the request"},
	{domain.ErrEventNotSellable, http.StatusUnprocessableEntity, "event_not_sellable", "event is not on sale"},
	{domain.ErrCredentialMismatch, http.StatusUnprocessableEntity, "credential_mismatch", "credential does not match the ticket"},
	{domain.ErrExpired, http.StatusGone, "expired", "order has expired"},
	{domain.ErrUpstreamFailure, http.StatusBadGateway, "upstream_failure", "payment provider unavailable"},
}

// writeError maps domain sentinels onto status codes and a fixed message per
// code. The wrapped detail only goes to the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorStatuses {
		if !errors.Is(err, m.target) {
			continue
		}
		entry := loggerFrom(r.Context()).WithError(err).WithField("code", m.code)
		if m.status >= http.StatusInternalServerError {
			entry.Error("upstream call failed")
		} else {
			entry.Info("request rejected")
		}
		writeJSON(w, m.status, errorEnvelope(m.code, m.message))
		return
	}

	loggerFrom(r.Context()).WithError(err).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, errorEnvelope("internal", "internal error"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
