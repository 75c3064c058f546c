package mercadopago_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/event-ticketing/internal/adapters/mercadopago"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/robertarktes/event-ticketing/internal/observability"
	"github.com/robertarktes/event-ticketing/internal/payments"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url string) *mercadopago.Client {
	return mercadopago.NewClient(mercadopago.Config{
		BaseURL:     url,
		AccessToken: "TEST-token",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
	}, observability.NewDiscardLogger())
}

func TestClient_CreatePreference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))
		assert.Equal(t, "order-1", r.Header.Get("X-Idempotency-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "order-1", body["external_reference"])
		assert.Equal(t, "TICKETING", body["statement_descriptor"])
		items := body["items"].([]any)
		require.Len(t, items, 1)
		item := items[0].(map[string]any)
		assert.Equal(t, "Show - 2 ticket(s)", item["title"])
		assert.EqualValues(t, 1500.5, item["unit_price"])
		assert.EqualValues(t, 2, item["quantity"])
		assert.Equal(t, "ARS", item["currency_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"123-abc","init_point":"https://mp.example/checkout?pref=123-abc"}`))
	}))
	defer srv.Close()

	pref, err := newClient(srv.URL).CreatePreference(context.Background(), payments.PreferenceRequest{
		ExternalReference: "order-1",
		Currency:          "ARS",
		Items: []payments.PreferenceItem{{
			ID: "ev-1", Title: "Show - 2 ticket(s)", Quantity: 2,
			UnitPrice: decimal.RequireFromString("1500.50"), Currency: "ARS",
		}},
		PayerEmail:          "fan@example.com",
		StatementDescriptor: "TICKETING",
	})
	require.NoError(t, err)
	assert.Equal(t, "123-abc", pref.ID)
	assert.Equal(t, "https://mp.example/checkout?pref=123-abc", pref.CheckoutURL)
}

func TestClient_GetPaymentRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/v1/payments/987654", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":987654,"status":"approved","external_reference":"ord","payment_method_id":"visa","payment_type_id":"credit_card"}`))
	}))
	defer srv.Close()

	p, err := newClient(srv.URL).GetPayment(context.Background(), "987654")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "987654", p.ID)
	assert.Equal(t, domain.ProviderApproved, p.Status)
	assert.Equal(t, "ord", p.ExternalReference)
	assert.Equal(t, "visa", p.PaymentMethod)
	assert.Equal(t, "credit_card", p.PaymentType)
}

func TestClient_GetPaymentEscapesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payments/1%2F..%2F..%2Fcheckout%2Fpreferences", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"id":1,"status":"pending","external_reference":"ord"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).GetPayment(context.Background(), "1/../../checkout/preferences")
	require.NoError(t, err)
}

func TestClient_UnknownStatusFoldsToUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":1,"status":"brand_new_status","external_reference":"ord"}`))
	}))
	defer srv.Close()

	p, err := newClient(srv.URL).GetPayment(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderUnknown, p.Status)
}

func TestClient_FailuresAreUpstream(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/v1/payments/404":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/payments/garbage":
			_, _ = w.Write([]byte(`<html>`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	client := newClient(srv.URL)

	_, err := client.GetPayment(context.Background(), "404")
	assert.True(t, errors.Is(err, domain.ErrUpstreamFailure))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = client.GetPayment(context.Background(), "garbage")
	assert.True(t, errors.Is(err, domain.ErrUpstreamFailure))

	atomic.StoreInt32(&calls, 0)
	_, err = client.GetPayment(context.Background(), "500")
	assert.True(t, errors.Is(err, domain.ErrUpstreamFailure))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = newClient(closed.URL).CreatePreference(context.Background(), payments.PreferenceRequest{ExternalReference: "x"})
	assert.True(t, errors.Is(err, domain.ErrUpstreamFailure))
}
