package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"support-agent/internal/domain"
	"support-agent/internal/infra/observability"
	"support-agent/internal/repository"
	"support-agent/internal/webhook"
)

// FallbackReply is the one sentence a customer sees whenever a real answer
// cannot be produced.
const FallbackReply = "보다 정확하고 친절한 안내를 위해 확인 중입니다. 잠시 기다려주시면 빠른 응대 도와드리겠습니다."

const defaultHistoryLimit = 10

var tracer = otel.Tracer("support-agent/usecase")

type Buffer interface {
	Append(ctx context.Context, conversationID, fragment string) (int64, error)
}

type Consumer interface {
	TakeAndClear(ctx context.Context, conversationID string, version int64) (string, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, conversationID string, version int64) error
}

type Responder interface {
	Respond(ctx context.Context, text string, history []domain.ChatMessage) (string, error)
}

type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

type HistoryFetcher interface {
	FetchHistory(ctx context.Context, chatID string, limit int) ([]domain.HistoryMessage, error)
}

type Metrics interface {
	RecordTransition(state domain.State)
	RecordDispatch(outcome domain.State, d time.Duration)
	IncrExternalError(service string)
	IncrFallback(cause string)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(domain.State) {}
func (nopMetrics) RecordDispatch(domain.State, time.Duration) {}
func (nopMetrics) IncrExternalError(string) {}
func (nopMetrics) IncrFallback(string) {}

// IngestResult describes what happened to one inbound webhook event. The
// webhook caller is always acknowledged; Code is set when the event was
// accepted but could not be scheduled.
type IngestResult struct {
	State   domain.State
	ChatID  string
	Version int64
	Code    ErrorCode
	Message string
	Err     error
}

// DispatchResult describes one scheduled consolidation.
type DispatchResult struct {
	State  domain.State
	ChatID string
	Reply  string
	Err    error
}

// DebounceService buffers customer messages, keeps one deferred job per
// conversation and, when that job fires, turns the consolidated batch into
// one reply.
type DebounceService struct {
	buffer    Buffer
	consumer  Consumer
	scheduler Scheduler
	responder Responder
	sender    Sender
	history   HistoryFetcher
	metrics   Metrics

	historyLimit int
	now          func() time.Time
}

type Option func(*DebounceService)

// WithHistory enables passing recent conversation history to the responder.
func WithHistory(h HistoryFetcher, limit int) Option {
	return func(s *DebounceService) {
		s.history = h
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *DebounceService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewDebounceService(b Buffer, c Consumer, sch Scheduler, r Responder, snd Sender, opts ...Option) (*DebounceService, error) {
	if b == nil {
		return nil, errors.New("usecase: buffer must not be nil")
	}
	if c == nil {
		return nil, errors.New("usecase: consumer must not be nil")
	}
	if sch == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: responder must not be nil")
	}
	if snd == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	s := &DebounceService{
		buffer:       b,
		consumer:     c,
		scheduler:    sch,
		responder:    r,
		sender:       snd,
		metrics:      nopMetrics{},
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest validates one webhook payload, appends its fragment and resets the
// conversation's debounce timer. It never returns an error: invalid events
// end SKIPPED and internal failures come back as a fallback message.
func (s *DebounceService) Ingest(ctx context.Context, raw []byte) IngestResult {
	ctx, span := tracer.Start(ctx, "DebounceService.Ingest")
	defer span.End()
	log := observability.LoggerFromContext(ctx)

	s.transition(ctx, domain.StateReceived)

	ev, err := webhook.Parse(raw)
	if err != nil {
		log.Info("inbound event ignored", "state", domain.StateSkipped, "reason", err.Error())
		s.metrics.RecordTransition(domain.StateSkipped)
		return IngestResult{State: domain.StateSkipped, Code: ErrorInvalidEvent, Err: err}
	}
	chatID, fragment := ev.Fragment()
	span.SetAttributes(attribute.String("chat.id", chatID))
	log = log.With("chat_id", chatID)
	ctx = observability.ContextWithLogger(ctx, log)

	version, err := s.buffer.Append(ctx, chatID, fragment)
	if err != nil {
		s.metrics.IncrExternalError("buffer")
		s.metrics.IncrFallback("store")
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		log.Error("append failed", "err", err)
		return IngestResult{
			State:   domain.StateReceived,
			ChatID:  chatID,
			Code:    ErrorStoreUnavailable,
			Message: FallbackReply,
			Err:     newError(ErrorStoreUnavailable, "buffer_append_error", err),
		}
	}
	s.transition(ctx, domain.StateBuffered, "version", version)

	if err := s.scheduler.Schedule(ctx, chatID, version); err != nil {
		s.metrics.IncrExternalError("scheduler")
		s.metrics.IncrFallback("scheduler")
		span.RecordError(err)
		span.SetStatus(codes.Error, "schedule failed")
		// The fragment stays buffered; the next message retries scheduling.
		log.Error("schedule failed", "version", version, "err", err)
		return IngestResult{
			State:   domain.StateBuffered,
			ChatID:  chatID,
			Version: version,
			Code:    ErrorSchedulerUnavailable,
			Message: FallbackReply,
			Err:     newError(ErrorSchedulerUnavailable, "schedule_error", err),
		}
	}
	s.transition(ctx, domain.StateScheduled, "version", version)

	return IngestResult{State: domain.StateScheduled, ChatID: chatID, Version: version}
}

// ProcessScheduled consumes the batch owned by ev and delivers one reply for
// it. Only FAILED carries an error.
func (s *DebounceService) ProcessScheduled(ctx context.Context, ev domain.ScheduledEvent) DispatchResult {
	ctx, span := tracer.Start(ctx, "DebounceService.ProcessScheduled")
	defer span.End()

	chatID := strings.TrimSpace(ev.ChatID)
	span.SetAttributes(attribute.String("chat.id", chatID), attribute.Int64("batch.version", ev.Version))
	log := observability.LoggerFromContext(ctx).With("chat_id", chatID, "version", ev.Version)
	ctx = observability.ContextWithLogger(ctx, log)
	start := s.now()

	finish := func(res DispatchResult) DispatchResult {
		s.metrics.RecordDispatch(res.State, s.now().Sub(start))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(res.State))
		}
		return res
	}

	if chatID == "" {
		log.Warn("scheduled event without chat id", "state", domain.StateSkipped)
		s.metrics.RecordTransition(domain.StateSkipped)
		return finish(DispatchResult{State: domain.StateSkipped})
	}

	s.transition(ctx, domain.StateConsuming)
	text, err := s.consumer.TakeAndClear(ctx, chatID, ev.Version)
	switch {
	case errors.Is(err, repository.ErrSuperseded):
		s.transition(ctx, domain.StateSkipped, "reason", "superseded")
		return finish(DispatchResult{State: domain.StateSkipped, ChatID: chatID})
	case err != nil:
		s.metrics.IncrExternalError("buffer")
		log.Error("consume failed", "state", domain.StateFailed, "err", err)
		s.metrics.RecordTransition(domain.StateFailed)
		return finish(DispatchResult{
			State:  domain.StateFailed,
			ChatID: chatID,
			Err:    newError(ErrorStoreUnavailable, "buffer_consume_error", err),
		})
	case text == "":
		s.transition(ctx, domain.StateSkipped, "reason", "empty")
		return finish(DispatchResult{State: domain.StateSkipped, ChatID: chatID})
	}

	s.transition(ctx, domain.StateDispatching, "chars", len([]rune(text)))
	reply := s.reply(ctx, chatID, text)

	if err := s.sender.SendMessage(ctx, chatID, reply); err != nil {
		s.metrics.IncrExternalError("channel")
		log.Error("delivery failed", "state", domain.StateFailed, "err", err)
		s.metrics.RecordTransition(domain.StateFailed)
		return finish(DispatchResult{
			State:  domain.StateFailed,
			ChatID: chatID,
			Reply:  reply,
			Err:    newError(ErrorDeliveryFailure, "send_message_error", err),
		})
	}
	s.transition(ctx, domain.StateDelivered)
	return finish(DispatchResult{State: domain.StateDelivered, ChatID: chatID, Reply: reply})
}

// reply asks the responder for an answer and substitutes FallbackReply on
// any failure.
func (s *DebounceService) reply(ctx context.Context, chatID, text string) string {
	log := observability.LoggerFromContext(ctx)

	var history []domain.ChatMessage
	if s.history != nil {
		msgs, err := s.history.FetchHistory(ctx, chatID, s.historyLimit)
		if err != nil {
			s.metrics.IncrExternalError("history")
			log.Warn("history unavailable, answering without it", "err", err)
		}
		history = toChatMessages(msgs)
	}

	reply, err := s.responder.Respond(ctx, text, history)
	if err != nil {
		reason := "respond_error"
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			reason = "rate_limited"
		}
		s.metrics.IncrExternalError("responder")
		s.metrics.IncrFallback(reason)
		log.Warn("responder failed, using fallback reply",
			"err", newError(ErrorResponderFailure, reason, err))
		return FallbackReply
	}
	if strings.TrimSpace(reply) == "" {
		s.metrics.IncrFallback("empty_reply")
		return FallbackReply
	}
	return reply
}

func (s *DebounceService) transition(ctx context.Context, state domain.State, attrs ...any) {
	s.metrics.RecordTransition(state)
	observability.LoggerFromContext(ctx).Info("state transition", append([]any{"state", state}, attrs...)...)
}

func toChatMessages(msgs []domain.HistoryMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.PlainText)
		if text == "" {
			continue
		}
		role := "assistant"
		if m.PersonType == domain.PersonUser {
			role = "user"
		}
		out = append(out, domain.ChatMessage{Role: role, Content: text})
	}
	return out
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
