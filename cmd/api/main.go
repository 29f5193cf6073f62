package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raulk/clock"
	"go.uber.org/zap"

	"datagate/internal/auth"
	"datagate/internal/config"
	handlers "datagate/internal/http/handler"
	"datagate/internal/http/middleware"
	"datagate/internal/logging"
	"datagate/internal/metrics"
	tracing "datagate/internal/otel"
	"datagate/internal/runner"
	"datagate/internal/service"
	"datagate/internal/storage"
	"datagate/internal/transfernet"
)

const shutdownTimeout = 10 * time.Second

// @title Datagate API
// @version 1.0
// @description Scoped access tokens, dataset lifecycle and transfer orchestration.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	objStore, err := storage.NewMinIO(ctx, cfg.MinIO, log)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	network, err := transfernet.New(transfernet.Config{
		BaseURL: cfg.Transfer.NetworkURL,
		Timeout: cfg.Transfer.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("init transfer network client: %w", err)
	}

	clk := clock.New()
	policy := auth.Policy(cfg.Auth.NotifyRoles)
	ledger := service.NewNotificationService(st.notifications, clk, log, m)
	datasets := service.NewDatasetService(st.datasets, ledger, policy, clk, log, m, service.DatasetOptions{
		RetryCeiling: cfg.Transfer.RetryCeiling,
	})
	tokens := service.NewTokenService(st.tokens, clk, log, m, service.TokenOptions{
		DownloadMaxUses: cfg.Token.DownloadMaxUses,
	})
	transfers := service.NewTransferOrchestrator(datasets, network, clk, log, m, service.TransferOptions{
		RetryCeiling:   cfg.Transfer.RetryCeiling,
		BackoffMin:     cfg.Transfer.BackoffMin,
		BackoffMax:     cfg.Transfer.BackoffMax,
		OutcomeTimeout: cfg.Transfer.OutcomeTimeout,
	})

	tasks := runner.New(ctx, clk, log, m)

	promMW, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          handlers.ErrorHandler(),
		StreamRequestBody:     true,
		DisableStartupMessage: true,
	})
	app.Use(otelfiber.Middleware(otelfiber.WithNext(func(c *fiber.Ctx) bool {
		return c.Path() == "/metrics" || c.Path() == "/healthz"
	})))
	app.Use(middleware.RequestID())
	app.Use(middleware.Logger(log))
	app.Use(promMW.Handler())

	gateway := handlers.NewGateway(handlers.Deps{
		Tokens:        tokens,
		Datasets:      datasets,
		Notifications: ledger,
		Transfers:     transfers,
		Storage:       objStore,
		Spawner:       tasks,
		Scopes:        policy,
		Log:           log,
	}, handlers.Options{
		UploadTTL:     cfg.Token.UploadTTL,
		DownloadTTL:   cfg.Token.DownloadTTL,
		Destination:   cfg.Transfer.Destination,
		WebhookSecret: cfg.Transfer.WebhookSecret,
	})

	var pinger handlers.Pinger
	if st.db != nil {
		pinger = st.db
	}
	handlers.RegisterRoutes(app, gateway, auth.NewVerifier(cfg.Auth.JWTSecret, clk), pinger, reg)

	tasks.Go("http_server", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- app.Listen(":" + cfg.Port) }()
		log.Info("server started", zap.String("event", "server_started"), zap.String("port", cfg.Port))
		select {
		case err := <-errCh:
			return fmt.Errorf("listen: %w", err)
		case <-ctx.Done():
			return app.ShutdownWithTimeout(shutdownTimeout)
		}
	})

	tasks.Every("transfer_sweep", cfg.Transfer.PollInterval, func(ctx context.Context) error {
		rep, err := transfers.Sweep(ctx)
		if rep.Polled > 0 || rep.Resubmitted > 0 || rep.Failed > 0 {
			log.Info("transfer sweep",
				zap.String("event", "transfer_sweep"),
				zap.Int("polled", rep.Polled),
				zap.Int("applied", rep.Applied),
				zap.Int("resubmitted", rep.Resubmitted),
				zap.Int("failed", rep.Failed),
			)
		}
		return err
	})

	tasks.Every("token_gc", cfg.Token.GCInterval, func(ctx context.Context) error {
		_, err := tokens.PurgeExpired(ctx, cfg.Token.GCGrace)
		return err
	})

	err = tasks.Wait()
	log.Info("server stopped", zap.String("event", "server_stopped"))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
