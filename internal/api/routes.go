package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterSecurityRoutes registers the admin security views. guards run in
// order before every handler; the server passes JWT authentication followed
// by the admin role check.
func RegisterSecurityRoutes(r chi.Router, handler *SecurityHandler, guards ...func(http.Handler) http.Handler) {
	r.Route("/security", func(r chi.Router) {
		r.Use(guards...)

		r.Get("/stats", handler.Stats)
		r.Get("/failed-logins", handler.FailedLogins)
		r.Get("/suspicious", handler.Suspicious)
		r.Get("/blocks", handler.Blocks)
		r.Get("/activity", handler.Activity)
		r.Get("/audit-logs", handler.AuditLogs)
	})
}
