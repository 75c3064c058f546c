package http

import (
	"crypto/rsa"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/event-ticketing/internal/observability"
)

type RouterConfig struct {
	Logger      observability.Logger
	JWTKey      *rsa.PublicKey
	Limiter     Limiter
	RateLimit   RateLimit
	Idempotency IdempotencyStore
	// Audit enables the operator audit route when set.
	Audit AuditTrail
}

func SetupRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(cfg.Logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/v1/payments/webhook", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(cfg.JWTKey))
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimit))

		r.With(IdempotencyMiddleware(cfg.Idempotency)).Post("/v1/orders", h.CreateOrder)
		r.Get("/v1/orders/{id}", h.GetOrder)
		r.Delete("/v1/orders/{id}", h.CancelOrder)

		r.Post("/v1/payments/preference", h.CreatePreference)
		r.Get("/v1/payments/{orderId}", h.PaymentStatus)

		r.Post("/v1/tickets/preview", h.PreviewTicket)
		r.With(RequireRole(RoleOperator)).Post("/v1/tickets/validate", h.ValidateTicket)

		if cfg.Audit != nil {
			r.With(RequireRole(RoleOperator)).Get("/v1/audit/{id}", AuditTrailHandler(cfg.Audit))
		}
	})

	return r
}
