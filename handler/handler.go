package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"support-agent/internal/domain"
	"support-agent/internal/infra/observability"
	"support-agent/internal/usecase"
)

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type Service interface {
	Ingest(ctx context.Context, raw []byte) usecase.IngestResult
	ProcessScheduled(ctx context.Context, ev domain.ScheduledEvent) usecase.DispatchResult
}

type Handler struct {
	svc    Service
	logger *slog.Logger
	flush  func(context.Context) error
}

type Option func(*Handler)

// WithFlush runs flush at the end of every invocation. Lambda may freeze the
// environment as soon as Handle returns, so buffered telemetry has to leave
// before that.
func WithFlush(flush func(context.Context) error) Option {
	return func(h *Handler) {
		h.flush = flush
	}
}

const flushTimeout = 2 * time.Second

type resultBody struct {
	Status  string `json:"status"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// envelope holds the fields this handler reads from any invocation payload:
// the scheduler's re-entry event, an API Gateway or Function URL request, or
// a bare webhook body.
type envelope struct {
	Source          string            `json:"source"`
	Body            *string           `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
	Headers         map[string]string `json:"headers"`
}

func NewHandler(svc Service, logger *slog.Logger, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle is the single Lambda entry point. Scheduler re-entry events are
// dispatched; everything else is treated as an inbound webhook and always
// acknowledged with 200.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	resp := h.route(ctx, raw)
	if h.flush != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		if err := h.flush(fctx); err != nil {
			h.logger.Warn("telemetry flush failed", "err", err)
		}
		cancel()
	}
	return resp, nil
}

func (h *Handler) route(ctx context.Context, raw json.RawMessage) Response {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return h.handleWebhook(ctx, newCorrelationID(nil), raw)
	}

	if env.Source == domain.SchedulerSource {
		return h.handleScheduled(ctx, raw)
	}

	if env.Body != nil {
		body := []byte(*env.Body)
		if env.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(*env.Body)
			if err != nil {
				h.logger.Warn("undecodable base64 body", "err", err)
			} else {
				body = decoded
			}
		}
		return h.handleWebhook(ctx, newCorrelationID(env.Headers), body)
	}
	return h.handleWebhook(ctx, newCorrelationID(nil), raw)
}

func (h *Handler) handleWebhook(ctx context.Context, correlationID string, body []byte) Response {
	ctx = observability.ContextWithLogger(ctx, h.logger.With("request_id", correlationID))
	res := h.svc.Ingest(ctx, body)

	out := resultBody{Status: "OK", State: string(res.State)}
	// Ignored events (bot or manager messages, unknown types) are not errors.
	if res.Code != "" && res.Code != usecase.ErrorInvalidEvent {
		out.Status = "ERROR"
		out.Message = res.Message
	}
	return jsonResponse(http.StatusOK, correlationID, out)
}

func (h *Handler) handleScheduled(ctx context.Context, raw []byte) Response {
	correlationID := newCorrelationID(nil)
	ctx = observability.ContextWithLogger(ctx, h.logger.With("request_id", correlationID))

	var ev domain.ScheduledEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		observability.LoggerFromContext(ctx).Error("malformed scheduler event", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, resultBody{Status: "ERROR", Message: usecase.FallbackReply})
	}

	res := h.svc.ProcessScheduled(ctx, ev)
	if res.State == domain.StateFailed {
		return jsonResponse(http.StatusInternalServerError, correlationID, resultBody{
			Status:  "ERROR",
			State:   string(res.State),
			Message: usecase.FallbackReply,
		})
	}
	return jsonResponse(http.StatusOK, correlationID, resultBody{Status: "OK", State: string(res.State)})
}

func jsonResponse(status int, correlationID string, body any) Response {
	b, err := json.Marshal(body)
	if err != nil {
		b = []byte(`{"status":"ERROR"}`)
	}
	return Response{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID,
		},
		Body: string(b),
	}
}

func newCorrelationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "x-correlation-id") && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}
