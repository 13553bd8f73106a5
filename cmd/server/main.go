package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"BulkSend/internal/api"
	"BulkSend/internal/attachments"
	"BulkSend/internal/clock"
	"BulkSend/internal/config"
	"BulkSend/internal/db"
	"BulkSend/internal/dispatch"
	"BulkSend/internal/email"
	"BulkSend/internal/metrics"
	"BulkSend/internal/models"
	"BulkSend/internal/notify"
	"BulkSend/internal/session"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("invalid timezone", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ------------------------------------------------
	// Store
	// ------------------------------------------------
	kv, err := db.Open(ctx, db.Options{
		Driver:      cfg.StoreDriver,
		SQLitePath:  cfg.SQLitePath,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.RedisPrefix,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		logger.Fatal("store connection failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}

	clk := clock.Real{}
	store := session.New(kv, loc, clk)

	if state, err := store.LoadSession(ctx); err != nil {
		logger.Warn("failed to read saved session", zap.Error(err))
	} else if state != nil {
		logger.Info("saved session found, POST /session/resume to continue",
			zap.Int("remaining", len(state.RemainingJobs)),
			zap.Time("saved_at", state.SavedAt),
		)
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Mailer
	// ------------------------------------------------
	providerLimiter := rate.NewLimiter(rate.Limit(cfg.ProviderRPS), max(1, int(cfg.ProviderRPS)))

	var transport email.Mailer
	switch cfg.Transport {
	case "api":
		transport = &email.APIClient{
			BaseURL: cfg.APIBaseURL,
			Token:   cfg.APIToken,
			HTTP:    &http.Client{Timeout: cfg.APITimeout},
			Limiter: providerLimiter,
		}
	default:
		transport = &email.Sender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			Limiter:  providerLimiter,
		}
	}
	mailer := email.NewBreaker(transport, cfg.BreakerFailures, cfg.BreakerOpenFor, logger)

	// ------------------------------------------------
	// Orchestrator
	// ------------------------------------------------
	hub := notify.NewHub(cfg.EventBuffer)

	var src attachments.Source = attachments.None{}
	if cfg.AttachmentDir != "" {
		src = attachments.Dir{Root: cfg.AttachmentDir}
	}

	orch := dispatch.New(mailer, store, hub, src, clk, logger, dispatch.Options{
		From:             cfg.SMTPFrom,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     cfg.RetryBackoff,
		Spacing:          cfg.Spacing,
		ProgressInterval: cfg.ProgressInterval,
		Location:         loc,
		BusinessHours: models.BusinessHours{
			StartHour: cfg.BusinessStartHour,
			EndHour:   cfg.BusinessEndHour,
		},
	})

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Orchestrator: orch,
		Store:        store,
		Hub:          hub,
		Log:          logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(),
	}

	go func() {
		logger.Info("api server started",
			zap.String("port", cfg.APIPort),
			zap.String("transport", cfg.Transport),
			zap.String("store", cfg.StoreDriver),
		)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the active run so a scheduled send saves its remaining jobs
	if run := orch.Active(); run != nil {
		orch.Stop()
		select {
		case <-run.Done():
		case <-shutdownCtx.Done():
			logger.Warn("active run did not finish before shutdown", zap.String("run_id", run.ID))
		}
	}

	err = multierr.Combine(
		apiServer.Shutdown(shutdownCtx),
		metricsServer.Shutdown(shutdownCtx),
		kv.Close(),
	)
	if err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
