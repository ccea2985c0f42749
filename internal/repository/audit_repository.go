package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AuditRepository defines the data access for the append-only audit log.
// Rows are never updated; DeleteOlderThan is the only removal path.
type AuditRepository interface {
	Insert(ctx context.Context, event *AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, int, error)
	CountFailedLoginsFromAddress(ctx context.Context, ipAddress string, since time.Time) (int, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// AuditRepo implements AuditRepository using PostgreSQL
type AuditRepo struct {
	db *sqlx.DB
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db *sqlx.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Insert appends one event. A zero ID is replaced by a fresh UUID.
func (r *AuditRepo) Insert(ctx context.Context, event *AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	query := `
		INSERT INTO audit_logs (
			id, created_at, user_id, action, module, record_id, description,
			old_values, new_values, ip_address, user_agent,
			request_method, request_uri, referer
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.CreatedAt,
		event.UserID,
		event.Action,
		event.Module,
		event.RecordID,
		event.Description,
		nullJSON(event.OldValues),
		nullJSON(event.NewValues),
		event.IPAddress,
		event.UserAgent,
		event.RequestMethod,
		event.RequestURI,
		event.Referer,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// List returns one page of events matching filter, newest first, together
// with the total number of matches
func (r *AuditRepo) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, int, error) {
	limit, offset := normalizePage(filter.Page, filter.Limit)
	p := auditPredicates(filter)

	baseQuery := `
		FROM audit_logs a
		LEFT JOIN users u ON u.id = a.user_id` + p.where()

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*)"+baseQuery, p.args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	selectQuery := `
		SELECT a.id, a.created_at, a.user_id, u.username, a.action, a.module,
		       a.record_id, a.description, a.old_values, a.new_values,
		       a.ip_address, a.user_agent, a.request_method, a.request_uri, a.referer` +
		baseQuery + " ORDER BY a.created_at DESC, a.id"
	selectQuery += " LIMIT " + p.placeholder(limit)
	selectQuery += " OFFSET " + p.placeholder(offset)

	events := []AuditEvent{}
	if err := r.db.SelectContext(ctx, &events, selectQuery, p.args...); err != nil {
		return nil, 0, fmt.Errorf("failed to query audit events: %w", err)
	}

	return events, total, nil
}

// CountFailedLoginsFromAddress counts failed_login events from ipAddress
// recorded at or after since
func (r *AuditRepo) CountFailedLoginsFromAddress(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM audit_logs
		WHERE action = $1 AND ip_address = $2 AND created_at >= $3
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, ActionFailedLogin, ipAddress, since); err != nil {
		return 0, fmt.Errorf("failed to count failed logins: %w", err)
	}
	return count, nil
}

// DeleteOlderThan purges events created before the cutoff
func (r *AuditRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return result.RowsAffected()
}

// nullJSON maps an empty snapshot to SQL NULL
func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
