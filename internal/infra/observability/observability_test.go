package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"support-agent/internal/domain"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel(" error "))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestLoggerFromContext(t *testing.T) {
	require.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	require.Same(t, l, LoggerFromContext(ContextWithLogger(context.Background(), l)))
}

func TestRequestLogger_LevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var scoped *slog.Logger
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = LoggerFromContext(r.Context())
		w.WriteHeader(http.StatusBadGateway)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhook", nil))

	require.NotNil(t, scoped)
	require.NotSame(t, slog.Default(), scoped)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "ERROR", entry["level"])
	require.Equal(t, "/webhook", entry["path"])
	require.EqualValues(t, 502, entry["status"])
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.RecordTransition(domain.StateBuffered)
	m.RecordTransition(domain.StateBuffered)
	m.IncrExternalError("openai")
	m.IncrFallback("responder")
	m.RecordDispatch(domain.StateDelivered, 150*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("BUFFERED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.externalErrors.WithLabelValues("openai")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks.WithLabelValues("responder")))
	require.Equal(t, 1, testutil.CollectAndCount(m.dispatchDuration))

	// A second registry must not collide with the first.
	require.NotPanics(t, func() { NewMetrics() })
}

func TestInitTracer_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "", "support-agent")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestFlushTracer(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	require.NoError(t, FlushTracer(context.Background()))

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(time.Hour)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)

	_, span := otel.Tracer("test").Start(context.Background(), "dispatch")
	span.End()
	require.Empty(t, exp.GetSpans())

	require.NoError(t, FlushTracer(context.Background()))
	require.Len(t, exp.GetSpans(), 1)
}
