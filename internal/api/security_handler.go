package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/welldanyogia/ipam/backend/internal/audit"
	"github.com/welldanyogia/ipam/backend/internal/report"
	"github.com/welldanyogia/ipam/backend/internal/repository"
)

// Error codes for the security views
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

var validate = validator.New()

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// SecurityHandler serves the admin security reports and the audit log viewer.
// Every successful view is itself recorded in the audit log.
type SecurityHandler struct {
	reports *report.Service
	audit   *audit.Writer
	logger  *slog.Logger
}

// NewSecurityHandler creates a new SecurityHandler instance
func NewSecurityHandler(reports *report.Service, writer *audit.Writer, logger *slog.Logger) *SecurityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityHandler{
		reports: reports,
		audit:   writer,
		logger:  logger,
	}
}

// Stats handles GET /api/v1/security/stats
func (h *SecurityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	rows := h.reports.CountByActionAndModule(r.Context(), window)
	h.viewed(r, "stats", window)
	h.writeSuccess(w, http.StatusOK, h.windowed(window, rows))
}

// FailedLogins handles GET /api/v1/security/failed-logins
func (h *SecurityHandler) FailedLogins(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	rows := h.reports.FailedLoginBreakdown(r.Context(), window)
	h.viewed(r, "failed logins", window)
	h.writeSuccess(w, http.StatusOK, h.windowed(window, rows))
}

// Suspicious handles GET /api/v1/security/suspicious
func (h *SecurityHandler) Suspicious(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var query suspiciousQuery
	details := map[string][]string{}
	query.Limit = intParam(q, "limit", details)
	query.LookbackDays = intParam(q, "days", details)
	query.MinAttempts = intParam(q, "min_attempts", details)
	if !h.check(w, query, details) {
		return
	}

	rows := h.reports.SuspiciousAddresses(r.Context(), query.Limit, query.LookbackDays, query.MinAttempts)
	h.viewed(r, "suspicious addresses", "")
	h.writeSuccess(w, http.StatusOK, ReportResponse{Items: rows})
}

// Blocks handles GET /api/v1/security/blocks
func (h *SecurityHandler) Blocks(w http.ResponseWriter, r *http.Request) {
	rows := h.reports.ActiveBlocks(r.Context())
	h.viewed(r, "active blocks", "")
	h.writeSuccess(w, http.StatusOK, ReportResponse{Items: rows})
}

// Activity handles GET /api/v1/security/activity
func (h *SecurityHandler) Activity(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	rows := h.reports.UserActivity(r.Context(), window)
	h.viewed(r, "user activity", window)
	h.writeSuccess(w, http.StatusOK, h.windowed(window, rows))
}

// AuditLogs handles GET /api/v1/security/audit-logs
func (h *SecurityHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	details := map[string][]string{}
	query := auditLogQuery{
		Module: q.Get("module"),
		Action: q.Get("action"),
		UserID: q.Get("user_id"),
		From:   q.Get("from"),
		To:     q.Get("to"),
		Search: q.Get("search"),
		Page:   intParam(q, "page", details),
		Limit:  intParam(q, "limit", details),
	}
	if !h.check(w, query, details) {
		return
	}

	filter, err := query.filter()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}

	page, err := h.audit.GetLogs(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to load audit logs", nil)
		return
	}
	_ = h.audit.LogSearch(r.Context(), audit.FromRequest(r), audit.ModuleSecurity, "Searched audit logs", query)

	h.writeSuccess(w, http.StatusOK, AuditLogResponse{
		Records: page.Records,
		Pagination: PaginationInfo{
			CurrentPage: page.Page,
			PerPage:     page.Limit,
			TotalPages:  CalculateTotalPages(page.Total, page.Limit),
			TotalCount:  page.Total,
		},
	})
}

// filter converts a validated query into the repository filter
func (q auditLogQuery) filter() (repository.AuditFilter, error) {
	f := repository.AuditFilter{
		Module: q.Module,
		Action: q.Action,
		Search: q.Search,
		Page:   q.Page,
		Limit:  q.Limit,
	}
	if q.UserID != "" {
		id, err := uuid.Parse(q.UserID)
		if err != nil {
			return f, fmt.Errorf("invalid user_id: %w", err)
		}
		f.UserID = &id
	}
	if q.From != "" {
		t, err := time.Parse(time.RFC3339, q.From)
		if err != nil {
			return f, fmt.Errorf("invalid from: %w", err)
		}
		f.From = &t
	}
	if q.To != "" {
		t, err := time.Parse(time.RFC3339, q.To)
		if err != nil {
			return f, fmt.Errorf("invalid to: %w", err)
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, errors.New("to must not be before from")
	}
	return f, nil
}

// window reads and validates the window query parameter
func (h *SecurityHandler) window(w http.ResponseWriter, r *http.Request) (report.Window, bool) {
	query := reportQuery{Window: r.URL.Query().Get("window")}
	if !h.check(w, query, nil) {
		return "", false
	}
	window, err := report.ParseWindow(query.Window)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return "", false
	}
	return window, true
}

func (h *SecurityHandler) windowed(window report.Window, items interface{}) ReportResponse {
	return ReportResponse{
		Window: string(window),
		Since:  h.reports.Since(window),
		Items:  items,
	}
}

// viewed records that the current admin looked at a report
func (h *SecurityHandler) viewed(r *http.Request, what string, window report.Window) {
	description := "Viewed security report: " + what
	if window != "" {
		description += " (" + string(window) + ")"
	}
	_ = h.audit.LogView(r.Context(), audit.FromRequest(r), audit.ModuleSecurity, "", description)
}

// check validates query and writes a 400 when it, or an earlier parse, fails
func (h *SecurityHandler) check(w http.ResponseWriter, query interface{}, details map[string][]string) bool {
	if details == nil {
		details = map[string][]string{}
	}
	if err := validate.Struct(query); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = append(details[fe.Field()], fmt.Sprintf("failed on %s", fe.Tag()))
			}
		} else {
			details["query"] = []string{err.Error()}
		}
	}
	if len(details) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid query parameters", details)
		return false
	}
	return true
}

// intParam parses an optional integer; a malformed value is added to details
func intParam(q url.Values, key string, details map[string][]string) int {
	raw := q.Get(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		details[key] = append(details[key], "must be an integer")
		return 0
	}
	return n
}

// writeSuccess writes a successful JSON response
func (h *SecurityHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError writes an error JSON response
func (h *SecurityHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
