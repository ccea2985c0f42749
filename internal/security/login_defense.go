// Package security implements login defense: per-account lockout and
// per-address blocking driven by failed authentications.
//
// Lockout and block state lives only in the database and is re-read on every
// check. All counter and block mutations are single conditional statements in
// the repository layer, so concurrent failures from many requests or many
// processes never lose updates.
//
// Errors returned by LoginDefense are soft failures: they have been logged
// and counted, and the login flow must still answer "invalid credentials".
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/ipam/backend/internal/audit"
	"github.com/welldanyogia/ipam/backend/internal/config"
	"github.com/welldanyogia/ipam/backend/internal/metrics"
	"github.com/welldanyogia/ipam/backend/internal/repository"
)

// MaxUsernameLength bounds the usernames that are counted against an account
const MaxUsernameLength = 100

// Security event names recorded in the audit log
const (
	EventLockAccount = "lock_account"
	EventBlockIP     = "block_ip"
)

// LockStatus is the lockout state of an account
type LockStatus struct {
	Locked      bool       `json:"locked"`
	Until       *time.Time `json:"until,omitempty"`
	Attempts    int        `json:"attempts"`
	SecondsLeft int        `json:"seconds_left,omitempty"`
}

// BlockStatus is the block state of a source address
type BlockStatus struct {
	Blocked  bool       `json:"blocked"`
	Until    *time.Time `json:"until,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
}

// LoginDefense tracks failed logins per account and per source address
type LoginDefense struct {
	accounts repository.AccountRepository
	blocks   repository.BlockRepository
	events   repository.AuditRepository
	audit    *audit.Writer
	cfg      config.SecurityConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewLoginDefense creates a LoginDefense
func NewLoginDefense(
	accounts repository.AccountRepository,
	blocks repository.BlockRepository,
	events repository.AuditRepository,
	writer *audit.Writer,
	cfg config.SecurityConfig,
	logger *slog.Logger,
) *LoginDefense {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &LoginDefense{
		accounts: accounts,
		blocks:   blocks,
		events:   events,
		audit:    writer,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "login_defense")),
	}
}

// SetClock replaces the time source
func (d *LoginDefense) SetClock(now func() time.Time) {
	d.now = now
}

// Config returns the thresholds in effect
func (d *LoginDefense) Config() config.SecurityConfig {
	return d.cfg
}

// RegisterFailedLogin records one failed authentication: a masked audit
// event, the account counter (locking at the threshold) and the address
// counter (blocking at the threshold). Every step runs even if an earlier one
// failed; the joined error is informational.
func (d *LoginDefense) RegisterFailedLogin(ctx context.Context, rc audit.RequestContext, username, reason string) error {
	now := d.now().In(d.cfg.Location)
	var errs []error

	if err := d.audit.LogFailedLogin(ctx, rc, username, reason); err != nil {
		errs = append(errs, err)
	}

	if name := strings.TrimSpace(username); name != "" && len(name) <= MaxUsernameLength {
		if err := d.countAccountFailure(ctx, rc, name, now); err != nil {
			errs = append(errs, err)
		}
	}

	if ip := rc.Client.IPAddress; ip != "" {
		if err := d.trackAddress(ctx, rc, ip, now); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (d *LoginDefense) countAccountFailure(ctx context.Context, rc audit.RequestContext, username string, now time.Time) error {
	res, err := d.accounts.RegisterFailure(ctx, username, now, d.cfg.MaxLoginAttempts, d.cfg.LockoutDuration)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return d.fail("register_failure", err)
	}

	if !res.NewlyLocked {
		return nil
	}

	metrics.AccountLocksTotal.Inc()
	d.logger.Warn("account locked",
		slog.String("user_id", res.UserID.String()),
		slog.Int("attempts", res.FailedLoginAttempts),
		slog.Time("locked_until", *res.LockedUntil),
		slog.String("ip_address", rc.Client.IPAddress),
	)
	_ = d.audit.LogSecurityEvent(ctx, rc, EventLockAccount,
		fmt.Sprintf("Account locked after %d failed login attempts", res.FailedLoginAttempts),
		map[string]any{
			"user_id":      res.UserID,
			"attempts":     res.FailedLoginAttempts,
			"locked_until": res.LockedUntil,
		},
	)
	return nil
}

func (d *LoginDefense) trackAddress(ctx context.Context, rc audit.RequestContext, ip string, now time.Time) error {
	count, err := d.events.CountFailedLoginsFromAddress(ctx, ip, now.Add(-d.cfg.IPWindow))
	if err != nil {
		return d.fail("count_address_failures", err)
	}
	if count < d.cfg.IPMaxAttempts {
		return nil
	}

	extended, err := d.blocks.ExtendActive(ctx, ip, repository.BlockTypeFailedLogin, now, d.cfg.IPBlockDuration)
	switch {
	case err == nil:
		d.recordExtension(extended)
		return nil
	case errors.Is(err, repository.ErrBlockStoreMissing):
		d.logger.Warn("address block store not provisioned, not blocking", slog.String("ip_address", ip))
		return nil
	case !errors.Is(err, repository.ErrBlockNotFound):
		return d.fail("extend_block", err)
	}

	block := &repository.IPBlock{
		IPAddress:    ip,
		BlockType:    repository.BlockTypeFailedLogin,
		Attempts:     count,
		FirstAttempt: now,
		LastAttempt:  now,
		BlockedUntil: now.Add(d.cfg.IPBlockDuration),
		Reason:       fmt.Sprintf("%d failed login attempts within %s", count, formatWindow(d.cfg.IPWindow)),
	}
	created, err := d.blocks.CreateOrReplaceExpired(ctx, block)
	if err != nil {
		return d.fail("create_block", err)
	}

	if !created {
		// a concurrent request created the block first; count this failure on it
		extended, err := d.blocks.ExtendActive(ctx, ip, repository.BlockTypeFailedLogin, now, d.cfg.IPBlockDuration)
		if err != nil && !errors.Is(err, repository.ErrBlockNotFound) {
			return d.fail("extend_block", err)
		}
		if err == nil {
			d.recordExtension(extended)
		}
		return nil
	}

	metrics.AddressBlocksTotal.WithLabelValues("created").Inc()
	d.logger.Warn("address blocked",
		slog.String("ip_address", ip),
		slog.Int("attempts", count),
		slog.Time("blocked_until", block.BlockedUntil),
	)
	_ = d.audit.LogSecurityEvent(ctx, rc, EventBlockIP,
		fmt.Sprintf("Blocked %s: %s", ip, block.Reason),
		map[string]any{
			"ip_address":    ip,
			"attempts":      count,
			"blocked_until": block.BlockedUntil,
			"reason":        block.Reason,
		},
	)
	return nil
}

func (d *LoginDefense) recordExtension(block *repository.IPBlock) {
	metrics.AddressBlocksTotal.WithLabelValues("extended").Inc()
	d.logger.Info("address block extended",
		slog.String("ip_address", block.IPAddress),
		slog.Int("attempts", block.Attempts),
		slog.Time("blocked_until", block.BlockedUntil),
	)
}

// IsAccountLocked reports the lockout state of username.
//
// This check writes: when the stored lock has already expired, the counter
// and the lock are cleared before returning "not locked". Repeating the call
// is harmless since a cleared lock stays cleared. An unknown account is
// reported as not locked.
func (d *LoginDefense) IsAccountLocked(ctx context.Context, username string) (LockStatus, error) {
	name := strings.TrimSpace(username)
	if name == "" || len(name) > MaxUsernameLength {
		return LockStatus{}, nil
	}

	state, err := d.accounts.GetLockout(ctx, name)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return LockStatus{}, nil
	}
	if err != nil {
		return LockStatus{}, d.fail("get_lockout", err)
	}

	if state.LockedUntil == nil {
		return LockStatus{Attempts: state.FailedLoginAttempts}, nil
	}

	now := d.now()
	if state.LockedUntil.After(now) {
		until := *state.LockedUntil
		return LockStatus{
			Locked:      true,
			Until:       &until,
			Attempts:    state.FailedLoginAttempts,
			SecondsLeft: int(math.Ceil(until.Sub(now).Seconds())),
		}, nil
	}

	cleared, err := d.accounts.ClearExpiredLock(ctx, state.UserID, now)
	if err != nil {
		return LockStatus{}, d.fail("clear_expired_lock", err)
	}
	if cleared {
		d.logger.Info("expired account lock cleared", slog.String("user_id", state.UserID.String()))
	}
	return LockStatus{}, nil
}

// IsAddressBlocked reports the active block for address, or for the
// request's resolved address when address is empty. A missing block table
// reads as not blocked.
func (d *LoginDefense) IsAddressBlocked(ctx context.Context, rc audit.RequestContext, address string) (BlockStatus, error) {
	ip := strings.TrimSpace(address)
	if ip == "" {
		ip = rc.Client.IPAddress
	}
	if ip == "" {
		return BlockStatus{}, nil
	}

	block, err := d.blocks.GetActive(ctx, ip, d.now())
	switch {
	case errors.Is(err, repository.ErrBlockNotFound):
		return BlockStatus{}, nil
	case errors.Is(err, repository.ErrBlockStoreMissing):
		d.logger.Debug("address block store not provisioned", slog.String("ip_address", ip))
		return BlockStatus{}, nil
	case err != nil:
		return BlockStatus{}, d.fail("get_block", err)
	}

	until := block.BlockedUntil
	return BlockStatus{
		Blocked:  true,
		Until:    &until,
		Reason:   block.Reason,
		Attempts: block.Attempts,
	}, nil
}

// ResetFailedAttempts clears the counter and lock of accountID and stamps the
// successful login. It is unconditional and idempotent.
func (d *LoginDefense) ResetFailedAttempts(ctx context.Context, accountID uuid.UUID) error {
	if err := d.accounts.ResetFailedAttempts(ctx, accountID, d.now()); err != nil {
		return d.fail("reset_attempts", err)
	}
	return nil
}

// CleanupExpiredBlocks purges blocks whose expiry has passed
func (d *LoginDefense) CleanupExpiredBlocks(ctx context.Context) (int64, error) {
	deleted, err := d.blocks.DeleteExpired(ctx, d.now())
	if errors.Is(err, repository.ErrBlockStoreMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, d.fail("cleanup_blocks", err)
	}
	if deleted > 0 {
		d.logger.Info("expired address blocks purged", slog.Int64("deleted", deleted))
	}
	return deleted, nil
}

// CleanupOldAuditEvents purges audit events older than retentionDays. A
// non-positive value uses the configured retention. The effective retention
// never drops below the address window, since the address counter is derived
// from recent failed-login events.
func (d *LoginDefense) CleanupOldAuditEvents(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = d.cfg.AuditRetentionDays
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour
	if retention < d.cfg.IPWindow {
		retention = max(24*time.Hour, d.cfg.IPWindow)
		d.logger.Warn("audit retention raised to cover the address window", slog.Duration("retention", retention))
	}

	deleted, err := d.events.DeleteOlderThan(ctx, d.now().Add(-retention))
	if err != nil {
		return 0, d.fail("cleanup_audit", err)
	}
	if deleted > 0 {
		d.logger.Info("old audit events purged", slog.Int64("deleted", deleted), slog.Int("retention_days", retentionDays))
	}
	return deleted, nil
}

func (d *LoginDefense) fail(op string, err error) error {
	metrics.LoginDefenseErrorsTotal.WithLabelValues(op).Inc()
	d.logger.Error("login defense storage error", slog.String("operation", op), slog.String("error", err.Error()))
	return fmt.Errorf("%s: %w", op, err)
}

// formatWindow renders durations as 1h, 90m or 45s
func formatWindow(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}
