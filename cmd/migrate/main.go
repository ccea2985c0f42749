// Package main is the schema tool: it applies the embedded migrations and
// bootstraps the first admin account.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/welldanyogia/ipam/backend/internal/audit"
	"github.com/welldanyogia/ipam/backend/internal/auth"
	"github.com/welldanyogia/ipam/backend/internal/config"
	"github.com/welldanyogia/ipam/backend/internal/database"
	"github.com/welldanyogia/ipam/backend/internal/logger"
	"github.com/welldanyogia/ipam/backend/internal/repository"
	"github.com/welldanyogia/ipam/backend/internal/security"
	"github.com/welldanyogia/ipam/backend/migrations"
)

// Version is set at build time
var Version = "dev"

const defaultMigrationTimeout = 5 * time.Minute

// options holds the parsed flags
type options struct {
	Timeout        time.Duration
	MigrationsPath string
	DryRun         bool
}

func main() {
	var (
		timeout  = flag.Duration("timeout", defaultMigrationTimeout, "Lock timeout per migration")
		migrPath = flag.String("path", "migrations", "Source directory for the create command")
		dryRun   = flag.Bool("dry-run", false, "Show what would be done without executing")
		version  = flag.Bool("version", false, "Print version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Database tool for the IPAM security core\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]                        Apply all or N up migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]                      Apply all or N down migrations\n")
		fmt.Fprintf(os.Stderr, "  goto V                        Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V                       Set version V without running migrations\n")
		fmt.Fprintf(os.Stderr, "  version                       Print current migration version\n")
		fmt.Fprintf(os.Stderr, "  create NAME                   Create a new migration file pair under -path\n")
		fmt.Fprintf(os.Stderr, "  create-admin USERNAME EMAIL   Create an admin account (password from ADMIN_PASSWORD or stdin)\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThe database is configured with DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE.\n")
	}

	flag.Parse()

	if *version {
		fmt.Printf("migrate version %s\n", Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	opts := options{Timeout: *timeout, MigrationsPath: *migrPath, DryRun: *dryRun}
	if err := runCommand(log, opts, args[0], args[1:]); err != nil {
		log.Error("command failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// runCommand executes the specified command
func runCommand(log *slog.Logger, opts options, cmd string, args []string) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return createMigration(log, opts, args[0])
	case "create-admin":
		if len(args) < 2 {
			return errors.New("create-admin requires a username and an email")
		}
		return createAdmin(log, opts, args[0], args[1])
	case "version":
		return withMigrator(log, opts, showVersion)
	case "up", "down":
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		if cmd == "down" {
			steps = -steps
		}
		if opts.DryRun {
			log.Info("[DRY RUN] would migrate", slog.String("direction", cmd), slog.Int("steps", steps))
			return nil
		}
		return withMigrator(log, opts, func(log *slog.Logger, m *migrate.Migrate) error {
			return migrateSteps(log, m, cmd, steps)
		})
	case "goto":
		if len(args) < 1 {
			return errors.New("goto requires a version number")
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		if opts.DryRun {
			log.Info("[DRY RUN] would migrate", slog.Uint64("to_version", v))
			return nil
		}
		return withMigrator(log, opts, func(log *slog.Logger, m *migrate.Migrate) error {
			return migrateGoto(log, m, uint(v))
		})
	case "force":
		if len(args) < 1 {
			return errors.New("force requires a version number")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		if opts.DryRun {
			log.Info("[DRY RUN] would force version", slog.Int("version", v))
			return nil
		}
		return withMigrator(log, opts, func(log *slog.Logger, m *migrate.Migrate) error {
			if err := m.Force(v); err != nil {
				return fmt.Errorf("force failed: %w", err)
			}
			log.Info("version forced", slog.Int("version", v))
			return nil
		})
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func optionalInt(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return n, nil
}

// withMigrator opens the database, builds the embedded migrator and runs fn
func withMigrator(log *slog.Logger, opts options, fn func(*slog.Logger, *migrate.Migrate) error) error {
	cfg := config.Load()
	db, err := database.Open(context.Background(), cfg.Database, database.ToolPool, log)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := migrations.New(db.SQLX.DB, opts.Timeout)
	if err != nil {
		return err
	}
	return fn(log, m)
}

func showVersion(log *slog.Logger, m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info("no migrations have been applied yet")
			return nil
		}
		return fmt.Errorf("failed to get version: %w", err)
	}
	log.Info("current migration version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// migrateSteps applies n steps, or everything in direction when n is zero
func migrateSteps(log *slog.Logger, m *migrate.Migrate, direction string, n int) error {
	from, _, _ := m.Version()
	log.Info("starting migration", slog.String("direction", direction), slog.Uint64("from_version", uint64(from)))

	var err error
	switch {
	case n != 0:
		err = m.Steps(n)
	case direction == "down":
		err = m.Down()
	default:
		err = m.Up()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	to, _, _ := m.Version()
	log.Info("migration completed", slog.Uint64("from_version", uint64(from)), slog.Uint64("to_version", uint64(to)))
	return nil
}

func migrateGoto(log *slog.Logger, m *migrate.Migrate, version uint) error {
	from, _, _ := m.Version()
	if err := m.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("already at version", slog.Uint64("version", uint64(version)))
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Info("migration completed", slog.Uint64("from_version", uint64(from)), slog.Uint64("to_version", uint64(version)))
	return nil
}

// createMigration creates a new migration file pair
func createMigration(log *slog.Logger, opts options, name string) error {
	nextNum, err := nextMigrationNumber(opts.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to determine next migration number: %w", err)
	}

	upFile := filepath.Join(opts.MigrationsPath, fmt.Sprintf("%03d_%s.up.sql", nextNum, name))
	downFile := filepath.Join(opts.MigrationsPath, fmt.Sprintf("%03d_%s.down.sql", nextNum, name))

	if opts.DryRun {
		log.Info("[DRY RUN] would create migration", slog.String("up", upFile), slog.String("down", downFile))
		return nil
	}

	if err := os.MkdirAll(opts.MigrationsPath, 0755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	created := time.Now().Format(time.RFC3339)
	if err := os.WriteFile(upFile, []byte(fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, created)), 0644); err != nil {
		return fmt.Errorf("failed to create up migration: %w", err)
	}
	if err := os.WriteFile(downFile, []byte(fmt.Sprintf("-- Migration: %s (rollback)\n-- Created: %s\n\n", name, created)), 0644); err != nil {
		return fmt.Errorf("failed to create down migration: %w", err)
	}

	log.Info("created migration files", slog.String("up", upFile), slog.String("down", downFile))
	return nil
}

// nextMigrationNumber finds the next available migration number
func nextMigrationNumber(migrationsPath string) (int, error) {
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}

	maxNum := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &num); err == nil && num > maxNum {
			maxNum = num
		}
	}
	return maxNum + 1, nil
}

// createAdmin creates an admin account and records it in the audit log
func createAdmin(log *slog.Logger, opts options, username, email string) error {
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if opts.DryRun {
		log.Info("[DRY RUN] would create admin account", slog.String("email", email))
		return nil
	}

	cfg := config.Load()
	db, err := database.Open(context.Background(), cfg.Database, database.ToolPool, log)
	if err != nil {
		return err
	}
	defer db.Close()

	auditRepo := repository.NewAuditRepo(db.SQLX)
	accounts := repository.NewAccountRepository(db.Pool)
	writer := audit.NewWriter(auditRepo, cfg.Security.Location, log)
	defense := security.NewLoginDefense(accounts, repository.NewBlockRepository(db.Pool), auditRepo, writer, cfg.Security, log)
	tokens := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:      cfg.JWT.AccessSecret,
		AccessTokenExpiry: cfg.JWT.AccessTokenExpiry,
		Issuer:            cfg.JWT.Issuer,
	})
	svc := auth.NewAuthService(accounts, defense, writer, tokens, auth.NewPasswordValidator(), log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, problems, err := svc.CreateAccount(ctx, auth.NewAccount{
		Username: username,
		Email:    email,
		Password: password,
		Role:     "admin",
	})
	if err != nil {
		for _, p := range problems {
			log.Error("password rejected", slog.String("field", p.Field), slog.String("message", p.Message))
		}
		return err
	}

	_ = writer.LogCreate(ctx, audit.RequestContext{}, "users", user.ID.String(), "Admin account created from the command line", map[string]string{
		"username": user.Username,
		"email":    user.Email,
		"role":     user.Role,
	})
	log.Info("admin account created", slog.String("user_id", user.ID.String()))
	return nil
}
