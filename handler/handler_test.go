package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
	"support-agent/internal/usecase"
)

type stubService struct {
	ingest   usecase.IngestResult
	dispatch usecase.DispatchResult

	ingested  []byte
	scheduled *domain.ScheduledEvent
}

func (s *stubService) Ingest(_ context.Context, raw []byte) usecase.IngestResult {
	s.ingested = raw
	return s.ingest
}

func (s *stubService) ProcessScheduled(_ context.Context, ev domain.ScheduledEvent) usecase.DispatchResult {
	s.scheduled = &ev
	return s.dispatch
}

const webhookBody = `{"type":"message","entity":{"chatId":"c1","plainText":"안녕하세요","personType":"user"}}`

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func parseBody(t *testing.T, body string) resultBody {
	t.Helper()
	var v resultBody
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()
	h, err := NewHandler(svc, nil)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
}

func TestHandle_RawWebhook(t *testing.T) {
	svc := &stubService{ingest: usecase.IngestResult{State: domain.StateScheduled, ChatID: "c1"}}
	resp, err := newTestHandler(t, svc).Handle(context.Background(), json.RawMessage(webhookBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, webhookBody, string(svc.ingested))
	require.Nil(t, svc.scheduled)

	out := parseBody(t, resp.Body)
	require.Equal(t, "OK", out.Status)
	require.Equal(t, string(domain.StateScheduled), out.State)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_FunctionURLEnvelope(t *testing.T) {
	svc := &stubService{ingest: usecase.IngestResult{State: domain.StateScheduled}}
	raw := mustMarshal(t, events.LambdaFunctionURLRequest{
		Headers:         map[string]string{"x-correlation-id": "corr-123"},
		Body:            base64.StdEncoding.EncodeToString([]byte(webhookBody)),
		IsBase64Encoded: true,
	})

	resp, err := newTestHandler(t, svc).Handle(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, webhookBody, string(svc.ingested))
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_APIGatewayEnvelope(t *testing.T) {
	svc := &stubService{ingest: usecase.IngestResult{State: domain.StateScheduled}}
	raw := mustMarshal(t, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/webhook",
		Body:       webhookBody,
	})

	_, err := newTestHandler(t, svc).Handle(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, webhookBody, string(svc.ingested))
}

func TestHandle_WebhookFailuresAreAcknowledged(t *testing.T) {
	cases := []struct {
		name    string
		result  usecase.IngestResult
		status  string
		message string
	}{
		{"ignored event", usecase.IngestResult{State: domain.StateSkipped, Code: usecase.ErrorInvalidEvent}, "OK", ""},
		{"store unavailable", usecase.IngestResult{State: domain.StateReceived, Code: usecase.ErrorStoreUnavailable, Message: usecase.FallbackReply, Err: errors.New("boom")}, "ERROR", usecase.FallbackReply},
		{"scheduler unavailable", usecase.IngestResult{State: domain.StateBuffered, Code: usecase.ErrorSchedulerUnavailable, Message: usecase.FallbackReply}, "ERROR", usecase.FallbackReply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{ingest: tc.result}
			resp, err := newTestHandler(t, svc).Handle(context.Background(), json.RawMessage(webhookBody))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			out := parseBody(t, resp.Body)
			require.Equal(t, tc.status, out.Status)
			require.Equal(t, tc.message, out.Message)
			require.Equal(t, string(tc.result.State), out.State)
		})
	}
}

func TestHandle_NonObjectPayloadIsIngested(t *testing.T) {
	svc := &stubService{ingest: usecase.IngestResult{State: domain.StateSkipped, Code: usecase.ErrorInvalidEvent}}
	resp, err := newTestHandler(t, svc).Handle(context.Background(), json.RawMessage(`"ping"`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `"ping"`, string(svc.ingested))
}

func TestHandle_ScheduledEvent(t *testing.T) {
	cases := []struct {
		name   string
		state  domain.State
		status int
		body   string
	}{
		{"delivered", domain.StateDelivered, http.StatusOK, "OK"},
		{"skipped", domain.StateSkipped, http.StatusOK, "OK"},
		{"failed", domain.StateFailed, http.StatusInternalServerError, "ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{dispatch: usecase.DispatchResult{State: tc.state}}
			raw := json.RawMessage(`{"source":"chat-scheduler","chat_id":"c1","version":3}`)

			resp, err := newTestHandler(t, svc).Handle(context.Background(), raw)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, &domain.ScheduledEvent{Source: domain.SchedulerSource, ChatID: "c1", Version: 3}, svc.scheduled)
			require.Nil(t, svc.ingested)

			out := parseBody(t, resp.Body)
			require.Equal(t, tc.body, out.Status)
			require.Equal(t, string(tc.state), out.State)
		})
	}
}

func TestHandle_MalformedScheduledEvent(t *testing.T) {
	svc := &stubService{}
	resp, err := newTestHandler(t, svc).Handle(context.Background(), json.RawMessage(`{"source":"chat-scheduler","chat_id":42}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Nil(t, svc.scheduled)
}

func TestHandle_FlushesAfterEveryInvocation(t *testing.T) {
	var flushes int
	flush := func(ctx context.Context) error {
		flushes++
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline)
		return errors.New("collector unreachable")
	}
	svc := &stubService{
		ingest:   usecase.IngestResult{State: domain.StateScheduled},
		dispatch: usecase.DispatchResult{State: domain.StateFailed},
	}
	h, err := NewHandler(svc, nil, WithFlush(flush))
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), json.RawMessage(webhookBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = h.Handle(context.Background(), json.RawMessage(`{"source":"chat-scheduler","chat_id":"c1","version":1}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	require.Equal(t, 2, flushes)
}
