// Package main runs the security cleanups once and exits, for cron or a
// Kubernetes CronJob. The API server runs the same job on a ticker when
// MAINTENANCE_ENABLED is set.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/welldanyogia/ipam/backend/internal/audit"
	"github.com/welldanyogia/ipam/backend/internal/config"
	"github.com/welldanyogia/ipam/backend/internal/database"
	"github.com/welldanyogia/ipam/backend/internal/logger"
	"github.com/welldanyogia/ipam/backend/internal/maintenance"
	"github.com/welldanyogia/ipam/backend/internal/repository"
	"github.com/welldanyogia/ipam/backend/internal/security"
)

func main() {
	retention := flag.Int("retention-days", 0, "Audit retention in days (default AUDIT_RETENTION_DAYS)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall timeout")
	flag.Parse()

	appLogger := logger.New(logger.DefaultConfig())
	slog.SetDefault(appLogger)

	cfg := config.Load()
	if *retention > 0 {
		cfg.Security.AuditRetentionDays = *retention
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database, database.ToolPool, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	auditRepo := repository.NewAuditRepo(db.SQLX)
	writer := audit.NewWriter(auditRepo, cfg.Security.Location, appLogger)
	defense := security.NewLoginDefense(
		repository.NewAccountRepository(db.Pool),
		repository.NewBlockRepository(db.Pool),
		auditRepo,
		writer,
		cfg.Security,
		appLogger,
	)

	job := maintenance.NewJob(defense, maintenance.Config{
		RetentionDays: cfg.Security.AuditRetentionDays,
		Enabled:       true,
	}, appLogger)

	if _, err := job.RunNow(ctx); err != nil {
		// deferred Close calls do not run after os.Exit
		db.Close()
		os.Exit(1)
	}
}
