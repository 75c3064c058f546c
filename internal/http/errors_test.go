package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/event-ticketing/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError_FixedMessagePerCode(t *testing.T) {
	driverText := "transaction aborted after 4 attempts: ERROR: restart transaction: TransactionRetryWithProtoRefreshError (SQLSTATE 40001)"
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"conflict", errors.Mark(errors.New(driverText), domain.ErrConflict), http.StatusConflict, "conflict", "concurrent update, retry the request"},
		{"invalid state", errors.Wrapf(domain.ErrInvalidState, "order 42 is PAID"), http.StatusConflict, "invalid_state", "operation not allowed in the current state"},
		{"upstream", errors.Mark(errors.New("dial tcp 10.0.0.7:443: connection refused"), domain.ErrUpstreamFailure), http.StatusBadGateway, "upstream_failure", "payment provider unavailable"},
		{"unmapped", errors.New("pool exhausted"), http.StatusInternalServerError, "internal", "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodGet, "/v1/orders", nil), tc.err)

			assert.Equal(t, tc.status, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error.Code)
			assert.Equal(t, tc.message, body.Error.Message)
			assert.NotContains(t, rec.Body.String(), "SQLSTATE")
			assert.NotContains(t, rec.Body.String(), "10.0.0.7")
		})
	}
}
