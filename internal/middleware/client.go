package middleware

import (
	"net/http"
	"time"

	"github.com/welldanyogia/ipam/backend/internal/clientinfo"
	appctx "github.com/welldanyogia/ipam/backend/internal/context"
)

// ClientContext resolves the client address, agent, referer and request line
// once per request and stores them on the request context for handlers. A
// client already attached upstream is kept.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := appctx.ExtractClient(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		client := clientinfo.FromRequest(r, time.Now())
		next.ServeHTTP(w, r.WithContext(appctx.WithClient(r.Context(), client)))
	})
}
