package repository

import (
	"fmt"
	"strings"
)

// Audit log viewer paging bounds
const (
	DefaultAuditPageSize = 50
	MaxAuditPageSize     = 200
)

// predicates accumulates AND-joined conditions with numbered placeholders.
// Each condition is written with "?" standing for its single argument; every
// "?" in one condition refers to the same argument.
type predicates struct {
	conds []string
	args  []interface{}
}

func (p *predicates) add(cond string, arg interface{}) {
	p.args = append(p.args, arg)
	p.conds = append(p.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(p.args))))
}

// where renders the WHERE clause, or an empty string when nothing was added
func (p *predicates) where() string {
	if len(p.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.conds, " AND ")
}

// placeholder returns the placeholder for an argument appended after the
// current ones, and appends it
func (p *predicates) placeholder(arg interface{}) string {
	p.args = append(p.args, arg)
	return fmt.Sprintf("$%d", len(p.args))
}

// auditPredicates translates an AuditFilter into SQL conditions over
// audit_logs a LEFT JOIN users u
func auditPredicates(f AuditFilter) *predicates {
	p := &predicates{}
	if f.Module != "" {
		p.add("a.module = ?", f.Module)
	}
	if f.Action != "" {
		p.add("a.action = ?", f.Action)
	}
	if f.UserID != nil {
		p.add("a.user_id = ?", *f.UserID)
	}
	if f.From != nil {
		p.add("a.created_at >= ?", *f.From)
	}
	if f.To != nil {
		p.add("a.created_at <= ?", *f.To)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		p.add("(a.description ILIKE ? OR a.ip_address ILIKE ? OR u.username ILIKE ?)", "%"+escapeLike(s)+"%")
	}
	return p
}

// normalizePage applies the viewer defaults and returns limit and offset
func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultAuditPageSize
	}
	if limit > MaxAuditPageSize {
		limit = MaxAuditPageSize
	}
	return limit, (page - 1) * limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
