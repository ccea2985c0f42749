package audit

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/welldanyogia/ipam/backend/internal/repository"
)

// LogRecord is an audit event with its snapshots decoded for display
type LogRecord struct {
	repository.AuditEvent
	Before any `json:"before,omitempty"`
	After  any `json:"after,omitempty"`
}

// LogPage is one page of the audit log viewer
type LogPage struct {
	Records []LogRecord `json:"records"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
}

// GetLogs returns the events matching filter, newest first. A snapshot that
// no longer decodes is shown as its raw text.
func (w *Writer) GetLogs(ctx context.Context, filter repository.AuditFilter) (*LogPage, error) {
	events, total, err := w.repo.List(ctx, filter)
	if err != nil {
		w.logger.Error("failed to list audit events", slog.String("error", err.Error()))
		return nil, err
	}

	page := &LogPage{
		Records: make([]LogRecord, 0, len(events)),
		Total:   total,
		Page:    filter.Page,
		Limit:   filter.Limit,
	}
	if page.Page < 1 {
		page.Page = 1
	}
	if page.Limit < 1 {
		page.Limit = repository.DefaultAuditPageSize
	}
	if page.Limit > repository.MaxAuditPageSize {
		page.Limit = repository.MaxAuditPageSize
	}

	for _, e := range events {
		page.Records = append(page.Records, LogRecord{
			AuditEvent: e,
			Before:     decodeSnapshot(e.OldValues),
			After:      decodeSnapshot(e.NewValues),
		})
	}
	return page, nil
}

func decodeSnapshot(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
