package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"support-agent/handler"
	"support-agent/internal/app"
	"support-agent/internal/config"
	"support-agent/internal/domain"
	"support-agent/internal/infra/observability"
	"support-agent/internal/infra/resilience"
	"support-agent/internal/repository"
	"support-agent/internal/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ---- Configuration ----
	cfg, err := config.Load(config.ModeServer)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, "support-agent-server")
	if err != nil {
		return err
	}

	// ---- Clients ----
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var store app.Store
	if cfg.BufferTable != "" {
		store, err = app.NewDynamoBuffer(cfg, deps.AWS)
		if err != nil {
			return err
		}
		logger.Info("using DynamoDB buffer", "table", cfg.BufferTable)
	} else {
		store = repository.NewMemory()
		logger.Warn("BUFFER_TABLE not set, pending messages are kept in memory")
	}

	local, err := scheduler.NewLocal(cfg.DebounceDelay,
		scheduler.WithMaxWait(cfg.MaxBufferWait),
		scheduler.WithLocalLogger(logger),
	)
	if err != nil {
		return err
	}

	svc, err := app.NewService(cfg, deps, store, local)
	if err != nil {
		return err
	}

	bulkhead := resilience.NewBulkhead(cfg.MaxDispatch)
	local.Bind(func(ctx context.Context, ev domain.ScheduledEvent) {
		if err := bulkhead.Acquire(ctx); err != nil {
			logger.Error("dispatch slot unavailable", "chat_id", ev.ChatID, "err", err)
			return
		}
		defer bulkhead.Release()
		svc.ProcessScheduled(observability.ContextWithLogger(ctx, logger), ev)
	})

	// ---- Server ----
	h, err := handler.NewHandler(svc, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.NewRouter(h, deps.Metrics.Registry, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", srv.Addr, "debounce_delay", cfg.DebounceDelay)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var errs []error
		errs = append(errs, srv.Shutdown(shutdownCtx))
		errs = append(errs, local.Stop(shutdownCtx))
		errs = append(errs, shutdownTracer(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
