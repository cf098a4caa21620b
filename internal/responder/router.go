// Package responder produces the reply to a consolidated customer message.
// It screens the text with moderation, classifies the intent and answers
// with a category specific prompt. Product questions are grounded on a
// catalog lookup.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"support-agent/internal/catalog"
	"support-agent/internal/domain"
	"support-agent/internal/infra/observability"
	"support-agent/internal/integrations/paramstore"
)

const (
	maxHistoryMessages = 20
	modelParam         = "config/openai_model"
)

var (
	// ErrFlagged is returned when moderation flags the customer text.
	ErrFlagged = errors.New("responder: input flagged by moderation")
	// ErrUnsupported is returned for product requests the catalog cannot
	// answer (recommendations, comparisons, missing product name).
	ErrUnsupported = errors.New("responder: unsupported request")
)

var tracer = otel.Tracer("support-agent/responder")

type LLM interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	ChatJSON(ctx context.Context, model string, messages []domain.ChatMessage, schema domain.ResponseSchema) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type Catalog interface {
	Lookup(ctx context.Context, product string, attr catalog.Attribute) (string, error)
}

type Router struct {
	params      paramstore.Getter
	llm         LLM
	catalog     Catalog
	paramPrefix string

	modelMu sync.RWMutex
	model   string
}

type Option func(*Router)

// WithModel pins the model name instead of reading it from Parameter Store.
func WithModel(model string) Option {
	return func(r *Router) {
		r.model = strings.TrimSpace(model)
	}
}

// WithCatalog enables grounded product answers. Without a catalog product
// questions are answered by the general prompt.
func WithCatalog(c Catalog) Option {
	return func(r *Router) {
		r.catalog = c
	}
}

func NewRouter(p paramstore.Getter, llm LLM, paramPrefix string, opts ...Option) (*Router, error) {
	if llm == nil {
		return nil, errors.New("responder: llm client must not be nil")
	}
	r := &Router{
		params:      p,
		llm:         llm,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.model == "" && (r.params == nil || r.paramPrefix == "") {
		return nil, errors.New("responder: model or parameter store with prefix is required")
	}
	return r, nil
}

// Respond returns the reply for text. Any error means the caller should
// answer with its fallback reply.
func (r *Router) Respond(ctx context.Context, text string, history []domain.ChatMessage) (string, error) {
	ctx, span := tracer.Start(ctx, "Router.Respond")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("responder: empty input")
	}
	model, err := r.ensureModel(ctx)
	if err != nil {
		return "", err
	}

	flagged, err := r.llm.Moderate(ctx, text)
	if err != nil {
		return "", fmt.Errorf("responder: moderation: %w", err)
	}
	if flagged {
		return "", ErrFlagged
	}

	raw, err := r.llm.ChatJSON(ctx, model, buildClassifyMessages(text), classificationSchema)
	if err != nil {
		return "", fmt.Errorf("responder: classify: %w", err)
	}
	category, reasoning, err := parseClassification(raw)
	if err != nil {
		return "", err
	}
	if category == CategoryProduct && r.catalog == nil {
		category = CategoryGeneral
	}
	span.SetAttributes(attribute.String("responder.category", string(category)))
	observability.LoggerFromContext(ctx).Info("request classified", "category", category, "reasoning", reasoning)

	var messages []domain.ChatMessage
	switch category {
	case CategoryProduct:
		messages, err = r.productMessages(ctx, model, text, history)
		if err != nil {
			return "", err
		}
	case CategoryDelivery:
		messages = buildDeliveryMessages(text, history)
	default:
		messages = buildGeneralMessages(text, history)
	}

	reply, err := r.llm.Chat(ctx, model, messages)
	if err != nil {
		return "", fmt.Errorf("responder: %s answer: %w", category, err)
	}
	return strings.TrimSpace(reply), nil
}

func (r *Router) productMessages(ctx context.Context, model, text string, history []domain.ChatMessage) ([]domain.ChatMessage, error) {
	raw, err := r.llm.ChatJSON(ctx, model, buildProductQueryMessages(text), productQuerySchema)
	if err != nil {
		return nil, fmt.Errorf("responder: extract product query: %w", err)
	}
	q, err := parseProductQuery(raw)
	if err != nil {
		return nil, err
	}
	if !q.Supported || q.ProductName == "" {
		return nil, ErrUnsupported
	}

	fact, err := r.catalog.Lookup(ctx, q.ProductName, catalog.Attribute(q.Attribute))
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownAttribute) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("responder: catalog lookup: %w", err)
	}
	observability.LoggerFromContext(ctx).Debug("catalog lookup", "product", q.ProductName, "attribute", q.Attribute)
	return buildProductAnswerMessages(text, fact, history), nil
}

func (r *Router) ensureModel(ctx context.Context) (string, error) {
	r.modelMu.RLock()
	model := r.model
	r.modelMu.RUnlock()
	if model != "" {
		return model, nil
	}

	r.modelMu.Lock()
	defer r.modelMu.Unlock()
	if r.model != "" {
		return r.model, nil
	}
	v, err := r.params.GetParameter(ctx, paramstore.Join(r.paramPrefix, modelParam))
	if err != nil {
		return "", fmt.Errorf("responder: load openai model: %w", err)
	}
	if v = strings.TrimSpace(v); v == "" {
		return "", errors.New("responder: openai model parameter is empty")
	}
	r.model = v
	return v, nil
}
