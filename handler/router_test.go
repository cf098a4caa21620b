package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
	"support-agent/internal/usecase"
)

func newTestRouter(t *testing.T, svc Service, reg prometheus.Gatherer) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := NewHandler(svc, logger)
	require.NoError(t, err)
	return NewRouter(h, reg, logger)
}

func TestRouter_Webhook(t *testing.T) {
	svc := &stubService{ingest: usecase.IngestResult{State: domain.StateScheduled}}
	router := newTestRouter(t, svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookBody))
	req.Header.Set("X-Correlation-Id", "corr-9")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "corr-9", rec.Header().Get("X-Correlation-Id"))
	require.Equal(t, webhookBody, string(svc.ingested))
	require.Equal(t, "OK", parseBody(t, rec.Body.String()).Status)
}

func TestRouter_WebhookFailureStillOK(t *testing.T) {
	svc := &stubService{ingest: usecase.IngestResult{
		State:   domain.StateReceived,
		Code:    usecase.ErrorStoreUnavailable,
		Message: usecase.FallbackReply,
	}}
	rec := httptest.NewRecorder()
	newTestRouter(t, svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookBody)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
	out := parseBody(t, rec.Body.String())
	require.Equal(t, "ERROR", out.Status)
	require.Equal(t, usecase.FallbackReply, out.Message)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	router := newTestRouter(t, &stubService{}, reg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "router_test_total 1")
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(t, &stubService{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
