package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHealthzPassesWithNoChecks(t *testing.T) {
	m := New()
	rr := httptest.NewRecorder()
	m.Healthz()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthzFailsWhenACheckFails(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterPingCheck("fail", time.Second, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	}))

	require.Eventually(t, func() bool {
		rr := httptest.NewRecorder()
		m.Healthz()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rr.Code == http.StatusInternalServerError
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerInstrumentsRequests(t *testing.T) {
	m := New()
	handler := m.Handler("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(body, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, body.Body.String(), "gafaelfawr_http_requests_total")
}
