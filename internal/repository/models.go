package repository

import (
	"time"

	"github.com/google/uuid"
)

// Audit action kinds stored in audit_logs.action
const (
	ActionCreate        = "create"
	ActionUpdate        = "update"
	ActionDelete        = "delete"
	ActionView          = "view"
	ActionSearch        = "search"
	ActionLogin         = "login"
	ActionFailedLogin   = "failed_login"
	ActionLogout        = "logout"
	ActionSecurityEvent = "security_event"
)

// ValidActions lists every action kind accepted by the audit log
var ValidActions = []string{
	ActionCreate,
	ActionUpdate,
	ActionDelete,
	ActionView,
	ActionSearch,
	ActionLogin,
	ActionFailedLogin,
	ActionLogout,
	ActionSecurityEvent,
}

// BlockTypeFailedLogin is the ip_blocks category used by login defense
const BlockTypeFailedLogin = "failed_login"

// User represents an account together with its lockout state
type User struct {
	ID                  uuid.UUID  `db:"id"`
	Username            string     `db:"username"`
	Email               string     `db:"email"`
	PasswordHash        string     `db:"password_hash"`
	Role                string     `db:"role"`
	IsActive            bool       `db:"is_active"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	LastLoginAt         *time.Time `db:"last_login_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// LockoutState is the lockout bookkeeping embedded in a user row
type LockoutState struct {
	UserID              uuid.UUID  `db:"id"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
}

// FailureResult is the outcome of one atomic failed-attempt increment.
// NewlyLocked is true only for the statement that moved the account into a
// fresh lock.
type FailureResult struct {
	UserID              uuid.UUID
	FailedLoginAttempts int
	LockedUntil         *time.Time
	NewlyLocked         bool
}

// AuditEvent is one immutable row of audit_logs
type AuditEvent struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UserID        *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	Username      *string    `db:"username" json:"username,omitempty"`
	Action        string     `db:"action" json:"action"`
	Module        string     `db:"module" json:"module"`
	RecordID      *string    `db:"record_id" json:"record_id,omitempty"`
	Description   string     `db:"description" json:"description"`
	OldValues     []byte     `db:"old_values" json:"-"`
	NewValues     []byte     `db:"new_values" json:"-"`
	IPAddress     string     `db:"ip_address" json:"ip_address"`
	UserAgent     string     `db:"user_agent" json:"user_agent"`
	RequestMethod string     `db:"request_method" json:"request_method,omitempty"`
	RequestURI    string     `db:"request_uri" json:"request_uri,omitempty"`
	Referer       string     `db:"referer" json:"referer,omitempty"`
}

// AuditFilter is the closed set of filters supported by the audit log viewer
type AuditFilter struct {
	Module string
	Action string
	UserID *uuid.UUID
	From   *time.Time
	To     *time.Time
	Search string
	Page   int
	Limit  int
}

// IPBlock is one row of ip_blocks
type IPBlock struct {
	ID           uuid.UUID `db:"id" json:"id"`
	IPAddress    string    `db:"ip_address" json:"ip_address"`
	BlockType    string    `db:"block_type" json:"block_type"`
	Attempts     int       `db:"attempts" json:"attempts"`
	FirstAttempt time.Time `db:"first_attempt" json:"first_attempt"`
	LastAttempt  time.Time `db:"last_attempt" json:"last_attempt"`
	BlockedUntil time.Time `db:"blocked_until" json:"blocked_until"`
	Reason       string    `db:"reason" json:"reason"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// ActionModuleCount is a row of the action/module statistics report
type ActionModuleCount struct {
	Action string `db:"action" json:"action"`
	Module string `db:"module" json:"module"`
	Count  int    `db:"count" json:"count"`
}

// FailedLoginGroup is a row of the failed login breakdown report
type FailedLoginGroup struct {
	IPAddress    string    `db:"ip_address" json:"ip_address"`
	UserAgent    string    `db:"user_agent" json:"user_agent"`
	Day          time.Time `db:"day" json:"day"`
	Attempts     int       `db:"attempts" json:"attempts"`
	FirstAttempt time.Time `db:"first_attempt" json:"first_attempt"`
	LastAttempt  time.Time `db:"last_attempt" json:"last_attempt"`
	Reasons      string    `db:"reasons" json:"reasons"`
}

// SuspiciousAddress is a row of the suspicious address ranking
type SuspiciousAddress struct {
	IPAddress     string    `db:"ip_address" json:"ip_address"`
	TotalAttempts int       `db:"total_attempts" json:"total_attempts"`
	DistinctDays  int       `db:"distinct_days" json:"distinct_days"`
	FirstSeen     time.Time `db:"first_seen" json:"first_seen"`
	LastSeen      time.Time `db:"last_seen" json:"last_seen"`
	Sample        string    `db:"sample" json:"sample"`
}

// ActiveBlock is an active ip_blocks row with the time left on it
type ActiveBlock struct {
	IPBlock
	MinutesRemaining int `db:"minutes_remaining" json:"minutes_remaining"`
}

// UserActivity is a row of the per-account activity report
type UserActivity struct {
	UserID       uuid.UUID  `db:"user_id" json:"user_id"`
	Username     string     `db:"username" json:"username"`
	Role         string     `db:"role" json:"role"`
	ActionCount  int        `db:"action_count" json:"action_count"`
	ActiveDays   int        `db:"active_days" json:"active_days"`
	LastActivity *time.Time `db:"last_activity" json:"last_activity,omitempty"`
}
