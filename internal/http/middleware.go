package http

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/idempotency"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelhttp "go.opentelemetry.io/otel/propagation"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	principalKey
)

const RoleOperator = "operator"

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

func principalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey).(Principal)
	return p
}

var discard = observability.NewDiscardLogger()

func loggerFrom(ctx context.Context) observability.Logger {
	if l, ok := ctx.Value(loggerKey).(observability.Logger); ok {
		return l
	}
	return discard
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithField("request_id", reqID)
			ctx := context.WithValue(r.Context(), loggerKey, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware counts requests by route pattern so ids in the path do
// not explode the label set.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
		loggerFrom(r.Context()).WithFields(map[string]interface{}{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request served")
	})
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTMiddleware verifies RS256 bearer tokens issued by the identity provider.
// The subject must be a user id.
func JWTMiddleware(key *rsa.PublicKey) func(next http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			var c claims
			if _, err := parser.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) { return key, nil }); err != nil {
				loggerFrom(r.Context()).WithError(err).Debug("rejected bearer token")
				unauthorized(w, "invalid token")
				return
			}
			userID, err := uuid.Parse(c.Subject)
			if err != nil {
				unauthorized(w, "invalid subject")
				return
			}

			p := Principal{UserID: userID, Role: c.Role}
			ctx := context.WithValue(r.Context(), principalKey, p)
			ctx = context.WithValue(ctx, loggerKey, loggerFrom(ctx).WithField("user_id", userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principalFrom(r.Context()).Role != role {
				writeJSON(w, http.StatusForbidden, errorEnvelope("forbidden", "requires role "+role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type Limiter interface {
	Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error)
}

type RateLimit struct {
	PerUser int
	PerIP   int
	Period  time.Duration
}

type limitKey struct {
	key  string
	rate int
}

// RateLimitMiddleware fails open: a limiter error lets the request through.
func RateLimitMiddleware(rl Limiter, limit RateLimit) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys := []limitKey{{"ip:" + clientIP(r), limit.PerIP}}
			if p := principalFrom(r.Context()); p.UserID != uuid.Nil {
				keys = append(keys, limitKey{"user:" + p.UserID.String(), limit.PerUser})
			}

			for _, k := range keys {
				ok, err := rl.Allow(r.Context(), k.key, k.rate, limit.Period)
				if err != nil {
					loggerFrom(r.Context()).WithError(err).Warn("rate limiter unavailable")
					break
				}
				if !ok {
					observability.RateLimitExceeded.Inc()
					w.Header().Set("Retry-After", strconv.Itoa(int(limit.Period.Seconds())))
					writeJSON(w, http.StatusTooManyRequests, errorEnvelope("rate_limited", "rate limit exceeded"))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*idempotency.Response, error)
	Set(ctx context.Context, key string, resp idempotency.Response) error
	Begin(ctx context.Context, key string) (bool, func(), error)
}

const minIdempotencyKeyLen = 16

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key. Keys are scoped to the caller.
func IdempotencyMiddleware(idemp IdempotencyStore) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if idemp == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid_input", "missing Idempotency-Key"))
				return
			}
			if len(key) < minIdempotencyKeyLen {
				writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid_input", "invalid Idempotency-Key"))
				return
			}
			key = principalFrom(r.Context()).UserID.String() + ":" + key
			logger := loggerFrom(r.Context()).WithField("idempotency_key", key)

			stored, err := idemp.Get(r.Context(), key)
			if err != nil {
				logger.WithError(err).Warn("idempotency lookup failed")
				next.ServeHTTP(w, r)
				return
			}
			if stored != nil {
				replay(w, stored)
				return
			}

			claimed, release, err := idemp.Begin(r.Context(), key)
			if err != nil {
				logger.WithError(err).Warn("idempotency claim failed")
				next.ServeHTTP(w, r)
				return
			}
			if !claimed {
				writeJSON(w, http.StatusConflict, errorEnvelope("conflict", "request with this Idempotency-Key is in progress"))
				return
			}
			defer release()

			rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusInternalServerError {
				return
			}
			if err := idemp.Set(context.WithoutCancel(r.Context()), key, idempotency.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Result:      rec.body.Bytes(),
			}); err != nil {
				logger.WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *idempotency.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	w.Write(resp.Result)
}

type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), otelhttp.HeaderCarrier(r.Header))
		tracer := otel.Tracer("http")
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
			attribute.String("http.request_id", middleware.GetReqID(r.Context())),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ticketing"`)
	writeJSON(w, http.StatusUnauthorized, errorEnvelope("unauthorized", msg))
}

func errorEnvelope(code, msg string) errorBody {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = msg
	return body
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
