// Package report serves the read-only security views: event counts, failed
// login breakdowns, suspicious addresses, active blocks and user activity.
//
// Reports never fail toward the caller. A query error is logged, counted and
// answered with an empty slice.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/welldanyogia/ipam/backend/internal/metrics"
	"github.com/welldanyogia/ipam/backend/internal/repository"
)

// Window selects how far back a report looks
type Window string

const (
	WindowToday Window = "today"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
	WindowAll   Window = "all"
)

// Suspicious address defaults
const (
	DefaultSuspiciousLimit = 20
	DefaultLookbackDays    = 7
	DefaultMinAttempts     = 5
)

// ParseWindow maps a query value to a Window; empty means unbounded
func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case "":
		return WindowAll, nil
	case WindowToday, WindowWeek, WindowMonth, WindowAll:
		return Window(s), nil
	}
	return "", fmt.Errorf("unknown report window %q", s)
}

// Service runs the security reports
type Service struct {
	repo     repository.ReportRepository
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a report Service bucketing days in loc
func NewService(repo repository.ReportRepository, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		location: loc,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "report")),
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Since returns the lower bound of w, or nil for an unbounded window. today
// starts at midnight in the configured zone.
func (s *Service) Since(w Window) *time.Time {
	now := s.now().In(s.location)
	var since time.Time
	switch w {
	case WindowToday:
		y, m, d := now.Date()
		since = time.Date(y, m, d, 0, 0, 0, 0, s.location)
	case WindowWeek:
		since = now.AddDate(0, 0, -7)
	case WindowMonth:
		since = now.AddDate(0, 0, -30)
	default:
		return nil
	}
	return &since
}

// zone is the IANA name handed to PostgreSQL for day bucketing
func (s *Service) zone() string {
	name := s.location.String()
	if name == "Local" || name == "" {
		return "UTC"
	}
	return name
}

// CountByActionAndModule counts events per action and module, largest first
func (s *Service) CountByActionAndModule(ctx context.Context, w Window) []repository.ActionModuleCount {
	defer metrics.TimeQuery("report_action_module")()
	rows, err := s.repo.CountByActionAndModule(ctx, s.Since(w))
	if err != nil {
		s.degrade("action_module", err)
		return []repository.ActionModuleCount{}
	}
	return orEmpty(rows)
}

// FailedLoginBreakdown groups failed logins by address, user agent and day
func (s *Service) FailedLoginBreakdown(ctx context.Context, w Window) []repository.FailedLoginGroup {
	defer metrics.TimeQuery("report_failed_logins")()
	rows, err := s.repo.FailedLoginBreakdown(ctx, s.Since(w), s.zone())
	if err != nil {
		s.degrade("failed_logins", err)
		return []repository.FailedLoginGroup{}
	}
	return orEmpty(rows)
}

// SuspiciousAddresses lists addresses with more than minAttempts failed
// logins over the last lookbackDays. Non-positive arguments take the defaults.
func (s *Service) SuspiciousAddresses(ctx context.Context, limit, lookbackDays, minAttempts int) []repository.SuspiciousAddress {
	if limit <= 0 {
		limit = DefaultSuspiciousLimit
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	if minAttempts <= 0 {
		minAttempts = DefaultMinAttempts
	}

	defer metrics.TimeQuery("report_suspicious")()
	since := s.now().In(s.location).AddDate(0, 0, -lookbackDays)
	rows, err := s.repo.SuspiciousAddresses(ctx, since, minAttempts, limit, s.zone())
	if err != nil {
		s.degrade("suspicious", err)
		return []repository.SuspiciousAddress{}
	}
	return orEmpty(rows)
}

// ActiveBlocks lists blocks that have not expired yet
func (s *Service) ActiveBlocks(ctx context.Context) []repository.ActiveBlock {
	defer metrics.TimeQuery("report_active_blocks")()
	rows, err := s.repo.ActiveBlocks(ctx, s.now())
	if err != nil {
		s.degrade("active_blocks", err)
		return []repository.ActiveBlock{}
	}
	return orEmpty(rows)
}

// UserActivity summarises activity per account, idle accounts included
func (s *Service) UserActivity(ctx context.Context, w Window) []repository.UserActivity {
	defer metrics.TimeQuery("report_user_activity")()
	rows, err := s.repo.UserActivity(ctx, s.Since(w), s.zone())
	if err != nil {
		s.degrade("user_activity", err)
		return []repository.UserActivity{}
	}
	return orEmpty(rows)
}

func (s *Service) degrade(report string, err error) {
	metrics.ReportFailuresTotal.WithLabelValues(report).Inc()
	s.logger.Error("security report failed",
		slog.String("report", report),
		slog.String("error", err.Error()),
	)
}

func orEmpty[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
