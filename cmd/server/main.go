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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/welldanyogia/ipam/backend/internal/api"
	"github.com/welldanyogia/ipam/backend/internal/audit"
	"github.com/welldanyogia/ipam/backend/internal/auth"
	"github.com/welldanyogia/ipam/backend/internal/config"
	"github.com/welldanyogia/ipam/backend/internal/database"
	"github.com/welldanyogia/ipam/backend/internal/health"
	"github.com/welldanyogia/ipam/backend/internal/logger"
	"github.com/welldanyogia/ipam/backend/internal/maintenance"
	"github.com/welldanyogia/ipam/backend/internal/metrics"
	authmw "github.com/welldanyogia/ipam/backend/internal/middleware"
	"github.com/welldanyogia/ipam/backend/internal/report"
	"github.com/welldanyogia/ipam/backend/internal/repository"
	"github.com/welldanyogia/ipam/backend/internal/security"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()

	appLogger := logger.New(logger.DefaultConfig())
	slog.SetDefault(appLogger)

	if cfg.JWT.AccessSecret == "" {
		appLogger.Error("JWT_ACCESS_SECRET environment variable is required")
		os.Exit(1)
	}

	appLogger.Info("Starting IPAM API server",
		slog.String("version", version),
		slog.String("timezone", cfg.Security.Location.String()),
		slog.Int("max_login_attempts", cfg.Security.MaxLoginAttempts),
		slog.Int("ip_max_attempts", cfg.Security.IPMaxAttempts),
	)

	db, err := database.Open(context.Background(), cfg.Database, database.ServerPool, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	dbCollector := metrics.NewDBStatsCollector(db.Pool, appLogger)
	dbCollector.Start(15 * time.Second)
	defer dbCollector.Stop()

	// Repositories
	auditRepo := repository.NewAuditRepo(db.SQLX)
	reportRepo := repository.NewReportRepo(db.SQLX)
	accountRepo := repository.NewAccountRepository(db.Pool)
	blockRepo := repository.NewBlockRepository(db.Pool)

	// Security core
	auditWriter := audit.NewWriter(auditRepo, cfg.Security.Location, appLogger)
	defense := security.NewLoginDefense(accountRepo, blockRepo, auditRepo, auditWriter, cfg.Security, appLogger)
	reports := report.NewService(reportRepo, cfg.Security.Location, appLogger)

	// Auth
	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:      cfg.JWT.AccessSecret,
		AccessTokenExpiry: cfg.JWT.AccessTokenExpiry,
		Issuer:            cfg.JWT.Issuer,
	})
	authService := auth.NewAuthService(accountRepo, defense, auditWriter, tokenService, auth.NewPasswordValidator(), appLogger)

	// Maintenance
	job := maintenance.NewJob(defense, maintenance.Config{
		Interval:      cfg.Maintenance.Interval,
		RetentionDays: cfg.Security.AuditRetentionDays,
		Enabled:       cfg.Maintenance.Enabled,
	}, appLogger)
	if err := job.Start(); err != nil {
		appLogger.Error("Failed to start maintenance job", slog.String("error", err.Error()))
	}

	healthHandler := health.NewHandler(health.Config{
		DB:          db.Pool,
		Maintenance: job,
		Version:     version,
	})

	authHandler := auth.NewAuthHandler(authService, appLogger)
	securityHandler := api.NewSecurityHandler(reports, auditWriter, appLogger)
	authMiddleware := authmw.NewAuthMiddleware(tokenService)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(authmw.StructuredLogger(appLogger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(authmw.ClientContext)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, authHandler, authMiddleware.Authenticate)
		api.RegisterSecurityRoutes(r, securityHandler, authMiddleware.Authenticate, authmw.RequireAdmin)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("HTTP server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	healthHandler.SetReady(false)
	job.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.String("error", err.Error()))
		return
	}

	appLogger.Info("Server exited")
}
