package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ReportRepository defines the read-only aggregations behind the security
// views. A nil since means the window is unbounded. zone is an IANA name
// used to bucket timestamps into days.
type ReportRepository interface {
	CountByActionAndModule(ctx context.Context, since *time.Time) ([]ActionModuleCount, error)
	FailedLoginBreakdown(ctx context.Context, since *time.Time, zone string) ([]FailedLoginGroup, error)
	SuspiciousAddresses(ctx context.Context, since time.Time, minAttempts, limit int, zone string) ([]SuspiciousAddress, error)
	ActiveBlocks(ctx context.Context, now time.Time) ([]ActiveBlock, error)
	UserActivity(ctx context.Context, since *time.Time, zone string) ([]UserActivity, error)
}

// ReportRepo implements ReportRepository using PostgreSQL
type ReportRepo struct {
	db *sqlx.DB
}

// NewReportRepo creates a new ReportRepo instance
func NewReportRepo(db *sqlx.DB) *ReportRepo {
	return &ReportRepo{db: db}
}

// SampleLength caps the concatenated descriptions in the suspicious report
const SampleLength = 200

// CountByActionAndModule groups events by action and module, largest first
func (r *ReportRepo) CountByActionAndModule(ctx context.Context, since *time.Time) ([]ActionModuleCount, error) {
	query := `
		SELECT action, module, COUNT(*) AS count
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		GROUP BY action, module
		ORDER BY count DESC, action, module
	`

	rows := []ActionModuleCount{}
	if err := r.db.SelectContext(ctx, &rows, query, since); err != nil {
		return nil, fmt.Errorf("failed to count events by action: %w", err)
	}
	return rows, nil
}

// FailedLoginBreakdown groups failed logins by address, agent and day
func (r *ReportRepo) FailedLoginBreakdown(ctx context.Context, since *time.Time, zone string) ([]FailedLoginGroup, error) {
	query := `
		SELECT ip_address, user_agent,
		       date_trunc('day', created_at AT TIME ZONE $3) AS day,
		       COUNT(*) AS attempts,
		       MIN(created_at) AS first_attempt,
		       MAX(created_at) AS last_attempt,
		       COALESCE(string_agg(DISTINCT COALESCE(new_values->>'reason', description), '; '), '') AS reasons
		FROM audit_logs
		WHERE action = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)
		GROUP BY ip_address, user_agent, day
		ORDER BY attempts DESC, last_attempt DESC
	`

	rows := []FailedLoginGroup{}
	if err := r.db.SelectContext(ctx, &rows, query, ActionFailedLogin, since, zone); err != nil {
		return nil, fmt.Errorf("failed to group failed logins: %w", err)
	}
	return rows, nil
}

// SuspiciousAddresses ranks addresses with more than minAttempts failed
// logins since the given time
func (r *ReportRepo) SuspiciousAddresses(ctx context.Context, since time.Time, minAttempts, limit int, zone string) ([]SuspiciousAddress, error) {
	query := fmt.Sprintf(`
		SELECT ip_address,
		       COUNT(*) AS total_attempts,
		       COUNT(DISTINCT date_trunc('day', created_at AT TIME ZONE $3)) AS distinct_days,
		       MIN(created_at) AS first_seen,
		       MAX(created_at) AS last_seen,
		       LEFT(COALESCE(string_agg(description, ' | ' ORDER BY created_at DESC), ''), %d) AS sample
		FROM audit_logs
		WHERE action = $1 AND created_at >= $2
		GROUP BY ip_address
		HAVING COUNT(*) > $4
		ORDER BY total_attempts DESC, last_seen DESC
		LIMIT $5
	`, SampleLength)

	rows := []SuspiciousAddress{}
	if err := r.db.SelectContext(ctx, &rows, query, ActionFailedLogin, since, zone, minAttempts, limit); err != nil {
		return nil, fmt.Errorf("failed to rank suspicious addresses: %w", err)
	}
	return rows, nil
}

// ActiveBlocks lists blocks that have not expired, latest expiry first
func (r *ReportRepo) ActiveBlocks(ctx context.Context, now time.Time) ([]ActiveBlock, error) {
	query := `
		SELECT id, ip_address, block_type, attempts, first_attempt, last_attempt,
		       blocked_until, reason, created_at,
		       CEIL(EXTRACT(EPOCH FROM (blocked_until - $1::timestamptz)) / 60)::int AS minutes_remaining
		FROM ip_blocks
		WHERE blocked_until > $1
		ORDER BY blocked_until DESC
	`

	rows := []ActiveBlock{}
	if err := r.db.SelectContext(ctx, &rows, query, now); err != nil {
		return nil, fmt.Errorf("failed to list active blocks: %w", err)
	}
	return rows, nil
}

// UserActivity counts actions and active days per account; accounts with no
// events in the window are included with zero counts
func (r *ReportRepo) UserActivity(ctx context.Context, since *time.Time, zone string) ([]UserActivity, error) {
	query := `
		SELECT u.id AS user_id, u.username, u.role,
		       COUNT(a.id) AS action_count,
		       COUNT(DISTINCT date_trunc('day', a.created_at AT TIME ZONE $2)) AS active_days,
		       MAX(a.created_at) AS last_activity
		FROM users u
		LEFT JOIN audit_logs a
		       ON a.user_id = u.id AND ($1::timestamptz IS NULL OR a.created_at >= $1)
		GROUP BY u.id, u.username, u.role
		ORDER BY action_count DESC, u.username
	`

	rows := []UserActivity{}
	if err := r.db.SelectContext(ctx, &rows, query, since, zone); err != nil {
		return nil, fmt.Errorf("failed to aggregate user activity: %w", err)
	}
	return rows, nil
}
