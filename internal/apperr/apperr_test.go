package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{Unauthorized("no"), http.StatusUnauthorized},
		{NotFound("gone"), http.StatusNotFound},
		{QuotaExceeded(time.Now()), http.StatusTooManyRequests},
		{Upstream("Element not found", nil), http.StatusBadRequest},
		{Timeout(nil), http.StatusGatewayTimeout},
		{Configuration("", nil), http.StatusServiceUnavailable},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Status(tt.err.Kind), tt.err.Message)
	}
}

func TestRenderHidesInternalDetail(t *testing.T) {
	cases := []error{
		Internal(fmt.Errorf("dial tcp db.internal.example:5432: connection refused")),
		Configuration("", errors.New("BILLING_WEBHOOK_SECRET is not set")),
		errors.New("panic: runtime error at /srv/app/main.go:42"),
	}
	for _, err := range cases {
		rec := httptest.NewRecorder()
		Render(rec, zap.NewNop(), err)

		raw := rec.Body.String()
		assert.NotContains(t, raw, "BILLING_WEBHOOK_SECRET")
		assert.NotContains(t, raw, "db.internal.example")
		assert.NotContains(t, raw, ".go:")

		var payload map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		assert.Equal(t, true, payload["error"])
		assert.NotEmpty(t, payload["message"])
		assert.Len(t, payload, 2, "error body must stay flat")
	}
}

func TestAsPassesThroughWrapped(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", Unauthorized("Invalid API key"))
	e := As(wrapped)
	assert.Equal(t, KindUnauthorized, e.Kind)
	assert.Equal(t, "Invalid API key", e.Message)
}
