package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rotafood/rotafood/cmd/rotafood/cli"
	"github.com/rotafood/rotafood/internal/app"
	"github.com/rotafood/rotafood/internal/audit"
	audithttp "github.com/rotafood/rotafood/internal/audit/http"
	"github.com/rotafood/rotafood/internal/auth"
	"github.com/rotafood/rotafood/internal/delivery"
	"github.com/rotafood/rotafood/internal/feed"
	"github.com/rotafood/rotafood/internal/notify"
	"github.com/rotafood/rotafood/internal/observability"
	"github.com/rotafood/rotafood/internal/platform/cache"
	"github.com/rotafood/rotafood/internal/platform/db"
	"github.com/rotafood/rotafood/internal/settlement"
	"github.com/rotafood/rotafood/internal/shared"
	"github.com/rotafood/rotafood/jobs"
	"github.com/rotafood/rotafood/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobs(ctx, cfg, logger, os.Args[2:], os.Stdout); err != nil {
			logger.Error("jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{AppName: "rotafood-api", MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if cfg.AppAutoMigrate {
		if err := db.Migrate(ctx, dbpool, migrations.Files, logger); err != nil {
			logger.Error("apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	rate, err := cfg.DefaultDeliveryRate()
	if err != nil {
		logger.Error("parse default delivery rate", slog.Any("error", err))
		os.Exit(1)
	}

	sessionManager := shared.NewSessionManager(redisClient, "rotafood_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()
	changes := feed.NewNotifier(redisClient)

	redisOpts, err := jobs.RedisOptions(cfg.RedisAddr)
	if err != nil {
		logger.Error("parse redis address", slog.Any("error", err))
		os.Exit(1)
	}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	authService := auth.NewService(auth.NewRepository(dbpool))
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	deliveryService := delivery.NewService(delivery.NewRepository(dbpool), delivery.ServiceDeps{
		Logger:      logger,
		Audit:       auditLogger,
		Publisher:   changes,
		Notifier:    jobClient,
		Idempotency: idempotencyStore,
		Metrics:     metrics,
	})
	deliveryHandler := delivery.NewHandler(logger, deliveryService, auth.RequireUser)

	settlementService := settlement.NewService(settlement.NewRepository(dbpool), settlement.NewCalculator(rate), settlement.ServiceDeps{
		Logger:      logger,
		Locker:      shared.NewLocker(redisClient, cfg.SettlementLockTTL),
		Audit:       auditLogger,
		Publisher:   changes,
		Idempotency: idempotencyStore,
		Metrics:     metrics,
	})
	settlementHandler := settlement.NewHandler(logger, settlementService, auth.RequireUser)

	notifyHandler := notify.NewHandler(logger, notify.NewOutbox(dbpool), auth.RequireUser)
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), auth.RequireUser)

	hub := feed.NewHub(changes, logger, cfg.StreamKeepalive)
	registerFeeds(hub, deliveryService, settlementService)
	feedHandler := feed.NewHandler(hub, logger, auth.RequireUser, cfg.AllowedOrigins)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SessionManager:    sessionManager,
		CSRFManager:       csrfManager,
		Metrics:           metrics,
		AuthHandler:       authHandler,
		DeliveryHandler:   deliveryHandler,
		SettlementHandler: settlementHandler,
		NotifyHandler:     notifyHandler,
		AuditHandler:      auditHandler,
		FeedHandler:       feedHandler,
		JobHandler:        jobs.NewHandler(inspector, logger),
		ReadinessChecks: map[string]func(context.Context) error{
			"postgres": dbpool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
		// Open streams end with the server context.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobs serves the `rotafood jobs ...` operator subcommand.
func runJobs(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string, out io.Writer) error {
	redisOpts, err := jobs.RedisOptions(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("parse redis address: %w", err)
	}
	jobsCLI := cli.NewJobsCLI(redisOpts, cfg.IdempotencyRetention)
	defer func() {
		if closeErr := jobsCLI.Close(); closeErr != nil {
			logger.Warn("jobs cli close", slog.Any("error", closeErr))
		}
	}()
	return jobsCLI.Run(ctx, args, out)
}
