package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vidaplena/booking-platform/internal/api/router"
	"github.com/vidaplena/booking-platform/internal/appointments"
	appconfig "github.com/vidaplena/booking-platform/internal/config"
	"github.com/vidaplena/booking-platform/internal/gateway"
	"github.com/vidaplena/booking-platform/internal/notify"
	"github.com/vidaplena/booking-platform/internal/observability/metrics"
	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/internal/reconcile"
	"github.com/vidaplena/booking-platform/internal/velocity"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

func main() {
	// .env is optional, real deployments use the environment directly
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting booking-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Repositories
	paymentRepo := payments.NewRepository(db)
	apptRepo := appointments.NewRepository(db)

	// PIX gateway client
	pixClient := gateway.NewClient(cfg.AbacatePayBaseURL, cfg.AbacatePayAPIKey, logger)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	reconcileMetrics := metrics.NewReconcileMetrics(registry)

	// Reconciliation controller
	materializer := appointments.NewMaterializer(apptRepo, logger)
	svc := reconcile.NewService(
		paymentRepo,
		pixClient,
		materializer,
		int64(cfg.ConsultationFeeCents),
		cfg.PixChargeTTL,
		logger,
	).WithMetrics(reconcileMetrics)

	// Charge velocity limiting (optional, needs Redis)
	var limiter *velocity.Limiter
	if cfg.RedisAddr != "" {
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		limiter = velocity.NewLimiter(redisClient, velocity.Config{
			MaxChargesPerPatient: cfg.MaxChargesPerPatient,
			Window:               cfg.ChargeWindow,
		}, logger)
		svc = svc.WithLimiter(limiter)
		logger.Info("charge velocity limiting enabled", "addr", cfg.RedisAddr)
	}

	// Booking confirmation email. Without a SendGrid key the stub sender
	// logs messages instead of delivering them.
	var emailSender notify.EmailSender
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		emailSender = sg
		logger.Info("booking confirmation email enabled", "from", cfg.SendGridFromEmail)
	} else {
		emailSender = notify.NewStubEmailSender(logger)
		logger.Info("SENDGRID_API_KEY not set, confirmation emails are logged only")
	}
	svc = svc.WithNotifier(notify.NewService(emailSender, cfg.SendGridFromName, logger))

	// HTTP surface
	adminHandler := reconcile.NewAdminHandler(paymentRepo, logger).WithAppointments(apptRepo)
	if limiter != nil {
		adminHandler = adminHandler.WithVelocityResetter(limiter)
	}
	routerCfg := &router.Config{
		Logger:             logger,
		PaymentsHandler:    reconcile.NewHandler(svc, logger),
		WebhookHandler:     reconcile.NewWebhookHandler(svc, cfg.AbacateWebhookSecret, reconcileMetrics, logger),
		AdminHandler:       adminHandler,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: strings.Split(cfg.CORSAllowedOrigins, ","),
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
