package api

import (
	"time"
)

// reportQuery is the query string of the windowed reports
type reportQuery struct {
	Window string `validate:"omitempty,oneof=today week month all"`
}

// suspiciousQuery is the query string of GET /security/suspicious
type suspiciousQuery struct {
	Limit        int `validate:"omitempty,min=1,max=100"`
	LookbackDays int `validate:"omitempty,min=1,max=365"`
	MinAttempts  int `validate:"omitempty,min=1,max=10000"`
}

// auditLogQuery is the query string of GET /security/audit-logs
type auditLogQuery struct {
	Module string `json:"module,omitempty" validate:"omitempty,max=50"`
	Action string `json:"action,omitempty" validate:"omitempty,oneof=create update delete view search login failed_login logout security_event"`
	UserID string `json:"user_id,omitempty" validate:"omitempty,uuid"`
	From   string `json:"from,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To     string `json:"to,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Search string `json:"search,omitempty" validate:"omitempty,max=200"`
	Page   int    `json:"page,omitempty" validate:"omitempty,min=1"`
	Limit  int    `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
}

// ReportResponse wraps the rows of one report
type ReportResponse struct {
	Window string      `json:"window,omitempty"`
	Since  *time.Time  `json:"since,omitempty"`
	Items  interface{} `json:"items"`
}

// AuditLogResponse is one page of the audit log viewer
type AuditLogResponse struct {
	Records    interface{}    `json:"records"`
	Pagination PaginationInfo `json:"pagination"`
}

// PaginationInfo contains pagination metadata
type PaginationInfo struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	TotalPages  int `json:"total_pages"`
	TotalCount  int `json:"total_count"`
}

// CalculateTotalPages calculates total pages from count and limit
func CalculateTotalPages(totalCount, limit int) int {
	if limit <= 0 {
		return 0
	}
	pages := totalCount / limit
	if totalCount%limit > 0 {
		pages++
	}
	return pages
}
