// Package app assembles the service graph shared by the Lambda and the
// long-running server entry points.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"support-agent/internal/catalog"
	"support-agent/internal/config"
	"support-agent/internal/infra/observability"
	"support-agent/internal/infra/resilience"
	"support-agent/internal/integrations/channeltalk"
	"support-agent/internal/integrations/openai"
	"support-agent/internal/integrations/paramstore"
	"support-agent/internal/repository"
	"support-agent/internal/responder"
	"support-agent/internal/usecase"
)

// Dependencies are the collaborators every entry point shares: the
// responder, the chat vendor client and the metrics registry.
type Dependencies struct {
	AWS       aws.Config
	Responder *responder.Router
	Channel   *channeltalk.Client
	Metrics   *observability.Metrics
}

// LoadAWS loads the default AWS configuration chain.
func LoadAWS(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	return cfg, nil
}

func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	awsCfg, err := LoadAWS(ctx)
	if err != nil {
		return nil, err
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}
	params, err := paramstore.NewCached(ssmClient)
	if err != nil {
		return nil, fmt.Errorf("app: create parameter cache: %w", err)
	}

	openaiClient, err := openai.NewClient(params, cfg.ParamPrefix,
		openai.WithCircuitBreaker(resilience.NewCircuitBreaker("openai")))
	if err != nil {
		return nil, fmt.Errorf("app: create OpenAI client: %w", err)
	}

	routerOpts := []responder.Option{}
	if cfg.OpenAIModel != "" {
		routerOpts = append(routerOpts, responder.WithModel(cfg.OpenAIModel))
	}
	if cfg.SPARQLEndpoint != "" {
		cat, err := catalog.NewClient(cfg.SPARQLEndpoint,
			catalog.WithRetry(resilience.Config{MaxRetries: 3, InitialBackoff: 200 * time.Millisecond}))
		if err != nil {
			return nil, fmt.Errorf("app: create catalog client: %w", err)
		}
		routerOpts = append(routerOpts, responder.WithCatalog(cat))
	} else {
		logger.Warn("SPARQL_ENDPOINT not set, product questions use the general prompt")
	}
	router, err := responder.NewRouter(params, openaiClient, cfg.ParamPrefix, routerOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create responder: %w", err)
	}

	channel, err := channeltalk.NewClient(params, cfg.ParamPrefix,
		channeltalk.WithBaseURL(cfg.ChannelAPIBaseURL),
		channeltalk.WithCircuitBreaker(resilience.NewCircuitBreaker("channeltalk")))
	if err != nil {
		return nil, fmt.Errorf("app: create Channel client: %w", err)
	}

	return &Dependencies{
		AWS:       awsCfg,
		Responder: router,
		Channel:   channel,
		Metrics:   observability.NewMetrics(),
	}, nil
}

// NewDynamoBuffer returns the DynamoDB backed buffer, honoring
// DYNAMODB_ENDPOINT for DynamoDB Local.
func NewDynamoBuffer(cfg *config.Config, awsCfg aws.Config) (*repository.Client, error) {
	api := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})
	buf, err := repository.New(api, cfg.BufferTable)
	if err != nil {
		return nil, fmt.Errorf("app: create buffer: %w", err)
	}
	return buf, nil
}

// Store is a buffer that can also be consumed.
type Store interface {
	usecase.Buffer
	usecase.Consumer
}

// NewService builds the debounce service over buf and sch.
func NewService(cfg *config.Config, deps *Dependencies, buf Store, sch usecase.Scheduler) (*usecase.DebounceService, error) {
	svc, err := usecase.NewDebounceService(buf, buf, sch, deps.Responder, deps.Channel,
		usecase.WithHistory(deps.Channel, cfg.HistoryLimit),
		usecase.WithMetrics(deps.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create debounce service: %w", err)
	}
	return svc, nil
}
