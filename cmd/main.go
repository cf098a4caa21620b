package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awssfn "github.com/aws/aws-sdk-go-v2/service/sfn"

	"support-agent/handler"
	"support-agent/internal/app"
	"support-agent/internal/config"
	"support-agent/internal/infra/observability"
	"support-agent/internal/scheduler"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(config.ModeLambda)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, "support-agent")
	if err != nil {
		slog.Error("failed to init tracer", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to create dependencies", "err", err)
		os.Exit(1)
	}
	buffer, err := app.NewDynamoBuffer(cfg, deps.AWS)
	if err != nil {
		slog.Error("failed to create buffer", "err", err)
		os.Exit(1)
	}
	sch, err := scheduler.NewStepFunctions(awssfn.NewFromConfig(deps.AWS), cfg.StateMachineARN,
		scheduler.WithCallTimeout(cfg.CallTimeout),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create scheduler", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	svc, err := app.NewService(cfg, deps, buffer, sch)
	if err != nil {
		slog.Error("failed to create debounce service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(svc, logger, handler.WithFlush(observability.FlushTracer))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	// lambda.Start never returns; spans are flushed per invocation and the
	// provider is shut down when the runtime sends SIGTERM.
	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "err", err)
		}
	}))
}
