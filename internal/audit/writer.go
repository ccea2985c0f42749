// Package audit appends structured, immutable events to the audit log.
//
// Writes are best-effort: a failed write is logged and returned as an error,
// and callers carry on with their primary action regardless. Nothing in this
// package reads request-scoped globals; the actor and client metadata arrive
// in an explicit RequestContext.
package audit

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/welldanyogia/ipam/backend/internal/clientinfo"
	"github.com/welldanyogia/ipam/backend/internal/metrics"
	"github.com/welldanyogia/ipam/backend/internal/repository"
)

// Audit writer errors
var (
	ErrInvalidAction = errors.New("invalid audit action")
	ErrWriteFailed   = errors.New("audit write failed")
)

// Modules used by the security subsystem itself
const (
	ModuleAuth     = "auth"
	ModuleSecurity = "security"
)

// Column limits of audit_logs
const (
	maxModuleLength      = 50
	maxRecordIDLength    = 100
	maxIPAddressLength   = 45
	maxMethodLength      = 10
	maxUserAgentLength   = 512
	maxRefererLength     = 1024
	maxDescriptionLength = 2000
)

// RequestContext is the explicit per-request input of every write: the
// authenticated account (nil when anonymous) and the client metadata.
type RequestContext struct {
	UserID *uuid.UUID
	Client clientinfo.ClientContext
}

// Entry is one event to record. RecordID may be empty. Before and After are
// serialized to JSON when non-nil.
type Entry struct {
	Action      string
	Module      string
	RecordID    string
	Description string
	Before      any
	After       any
}

// Writer records audit events
type Writer struct {
	repo     repository.AuditRepository
	policy   *bluemonday.Policy
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewWriter creates a Writer stamping events in loc
func NewWriter(repo repository.AuditRepository, loc *time.Location, logger *slog.Logger) *Writer {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		repo:     repo,
		policy:   bluemonday.StrictPolicy(),
		location: loc,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source; tests use it to pin timestamps
func (w *Writer) SetClock(now func() time.Time) {
	w.now = now
}

// Record appends one event. A returned error is a soft failure: it has been
// logged already and must not abort the caller's action.
func (w *Writer) Record(ctx context.Context, rc RequestContext, e Entry) error {
	if !slices.Contains(repository.ValidActions, e.Action) {
		w.logger.Error("audit event rejected", slog.String("action", e.Action), slog.String("module", e.Module))
		return fmt.Errorf("%w: %q", ErrInvalidAction, e.Action)
	}

	module := truncate(strings.TrimSpace(e.Module), maxModuleLength)
	if module == "" {
		module = "system"
	}

	event := &repository.AuditEvent{
		CreatedAt:     w.now().In(w.location),
		UserID:        rc.UserID,
		Action:        e.Action,
		Module:        module,
		Description:   truncate(w.plain(e.Description), maxDescriptionLength),
		OldValues:     w.snapshot(e.Before, "before", e),
		NewValues:     w.snapshot(e.After, "after", e),
		IPAddress:     truncate(rc.Client.IPAddress, maxIPAddressLength),
		UserAgent:     truncate(w.plain(rc.Client.UserAgent), maxUserAgentLength),
		RequestMethod: truncate(rc.Client.Method, maxMethodLength),
		RequestURI:    rc.Client.URI,
		Referer:       truncate(w.plain(rc.Client.Referer), maxRefererLength),
	}
	if e.RecordID != "" {
		id := truncate(e.RecordID, maxRecordIDLength)
		event.RecordID = &id
	}

	if err := w.repo.Insert(ctx, event); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		w.logger.Error("failed to write audit event",
			slog.String("action", e.Action),
			slog.String("module", module),
			slog.String("ip_address", rc.Client.IPAddress),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	metrics.AuditEventsTotal.WithLabelValues(e.Action).Inc()
	return nil
}

// plain strips markup and returns unescaped text
func (w *Writer) plain(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return s
	}
	return html.UnescapeString(w.policy.Sanitize(s))
}

// snapshot serializes v, or returns nil when v is nil or cannot be encoded
func (w *Writer) snapshot(v any, which string, e Entry) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		w.logger.Warn("audit snapshot not serializable, storing NULL",
			slog.String("snapshot", which),
			slog.String("action", e.Action),
			slog.String("module", e.Module),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if string(raw) == "null" {
		return nil
	}
	return raw
}

// LogCreate records the creation of a record
func (w *Writer) LogCreate(ctx context.Context, rc RequestContext, module, recordID, description string, after any) error {
	return w.Record(ctx, rc, Entry{Action: repository.ActionCreate, Module: module, RecordID: recordID, Description: description, After: after})
}

// LogUpdate records a change with the state before and after it
func (w *Writer) LogUpdate(ctx context.Context, rc RequestContext, module, recordID, description string, before, after any) error {
	return w.Record(ctx, rc, Entry{Action: repository.ActionUpdate, Module: module, RecordID: recordID, Description: description, Before: before, After: after})
}

// LogDelete records a deletion with the removed state
func (w *Writer) LogDelete(ctx context.Context, rc RequestContext, module, recordID, description string, before any) error {
	return w.Record(ctx, rc, Entry{Action: repository.ActionDelete, Module: module, RecordID: recordID, Description: description, Before: before})
}

// LogView records a read of a sensitive record or view
func (w *Writer) LogView(ctx context.Context, rc RequestContext, module, recordID, description string) error {
	return w.Record(ctx, rc, Entry{Action: repository.ActionView, Module: module, RecordID: recordID, Description: description})
}

// LogSearch records a search together with its criteria
func (w *Writer) LogSearch(ctx context.Context, rc RequestContext, module, description string, criteria any) error {
	return w.Record(ctx, rc, Entry{Action: repository.ActionSearch, Module: module, Description: description, After: criteria})
}

// LogLogin records a successful authentication of rc.UserID
func (w *Writer) LogLogin(ctx context.Context, rc RequestContext, description string) error {
	return w.Record(ctx, rc, Entry{Action: repository.ActionLogin, Module: ModuleAuth, RecordID: actorID(rc), Description: description})
}

// LogLogout records the end of a session of rc.UserID
func (w *Writer) LogLogout(ctx context.Context, rc RequestContext, description string) error {
	return w.Record(ctx, rc, Entry{Action: repository.ActionLogout, Module: ModuleAuth, RecordID: actorID(rc), Description: description})
}

// LogSecurityEvent records a security transition such as a lock or block.
// event is stored as the record id so reports can group by it.
func (w *Writer) LogSecurityEvent(ctx context.Context, rc RequestContext, event, description string, details any) error {
	return w.Record(ctx, rc, Entry{Action: repository.ActionSecurityEvent, Module: ModuleSecurity, RecordID: event, Description: description, After: details})
}

// LogFailedLogin records a failed authentication. Only the masked username
// is stored, and the event never carries an actor.
func (w *Writer) LogFailedLogin(ctx context.Context, rc RequestContext, username, reason string) error {
	masked := MaskUsername(username)
	rc.UserID = nil
	return w.Record(ctx, rc, Entry{
		Action:      repository.ActionFailedLogin,
		Module:      ModuleAuth,
		Description: fmt.Sprintf("Failed login for %s: %s", masked, reason),
		After: map[string]string{
			"username": masked,
			"reason":   reason,
		},
	})
}

// MaskUsername keeps at most the first three characters of username
func MaskUsername(username string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return "(none)"
	}
	runes := []rune(username)
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return string(runes) + "***"
}

func actorID(rc RequestContext) string {
	if rc.UserID == nil {
		return ""
	}
	return rc.UserID.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
