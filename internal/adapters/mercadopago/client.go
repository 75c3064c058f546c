// Package mercadopago talks to the MercadoPago REST API for checkout
// preferences and payment lookups.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/payments"
)

type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	MaxAttempts int
}

type Client struct {
	baseURL     string
	accessToken string
	maxAttempts int
	hc          *http.Client
	logger      observability.Logger
}

func NewClient(cfg Config, logger observability.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		maxAttempts: cfg.MaxAttempts,
		hc:          &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
	}
}

type preferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	CategoryID string  `json:"category_id"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferenceBody struct {
	Items               []preferenceItem `json:"items"`
	Payer               *payer           `json:"payer,omitempty"`
	ExternalReference   string           `json:"external_reference"`
	StatementDescriptor string           `json:"statement_descriptor,omitempty"`
	NotificationURL     string           `json:"notification_url,omitempty"`
}

type payer struct {
	Email string `json:"email"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExternalReference string      `json:"external_reference"`
	PaymentMethodID   string      `json:"payment_method_id"`
	PaymentTypeID     string      `json:"payment_type_id"`
}

func (c *Client) CreatePreference(ctx context.Context, req payments.PreferenceRequest) (payments.Preference, error) {
	body := preferenceBody{
		ExternalReference:   req.ExternalReference,
		StatementDescriptor: req.StatementDescriptor,
		NotificationURL:     req.NotificationURL,
	}
	for _, it := range req.Items {
		body.Items = append(body.Items, preferenceItem{
			ID:         it.ID,
			Title:      it.Title,
			CategoryID: "tickets",
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice.InexactFloat64(),
			CurrencyID: it.Currency,
		})
	}
	if req.PayerEmail != "" {
		body.Payer = &payer{Email: req.PayerEmail}
	}

	var resp preferenceResponse
	// retries reuse the external reference as idempotency key
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", req.ExternalReference, body, &resp); err != nil {
		return payments.Preference{}, err
	}
	if resp.ID == "" || resp.InitPoint == "" {
		return payments.Preference{}, errors.Mark(errors.New("preference response without id or init_point"), domain.ErrUpstreamFailure)
	}
	return payments.Preference{ID: resp.ID, CheckoutURL: resp.InitPoint}, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (payments.ProviderPayment, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), "", nil, &resp); err != nil {
		return payments.ProviderPayment{}, err
	}
	if resp.ID == "" {
		return payments.ProviderPayment{}, errors.Mark(errors.New("payment response without id"), domain.ErrUpstreamFailure)
	}
	return payments.ProviderPayment{
		ID:                resp.ID.String(),
		Status:            domain.ParseProviderStatus(resp.Status),
		ExternalReference: resp.ExternalReference,
		PaymentMethod:     resp.PaymentMethodID,
		PaymentType:       resp.PaymentTypeID,
	}, nil
}

// do retries transport errors, 429 and 5xx with exponential backoff. Any
// failure that survives is marked ErrUpstreamFailure.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return errors.Wrap(err, "marshal request")
		}
	}

	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		retry, err := c.once(ctx, method, path, idempotencyKey, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == c.maxAttempts {
			break
		}
		c.logger.WithError(err).WithField("attempt", attempt).Warn("mercadopago request failed, retrying")
		select {
		case <-ctx.Done():
			return errors.Mark(ctx.Err(), domain.ErrUpstreamFailure)
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return errors.Mark(errors.Wrapf(lastErr, "%s %s", method, path), domain.ErrUpstreamFailure)
}

func (c *Client) once(ctx context.Context, method, path, idempotencyKey string, payload []byte, out any) (bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return false, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return true, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retry, errors.Newf("unexpected status %d: %s", resp.StatusCode, truncate(raw, 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Wrap(err, "decode response")
	}
	return false, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
