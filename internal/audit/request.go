package audit

import (
	"net/http"
	"time"

	"github.com/welldanyogia/ipam/backend/internal/clientinfo"
	appctx "github.com/welldanyogia/ipam/backend/internal/context"
)

// FromRequest builds the RequestContext for a handler: the account set by
// the JWT middleware and the client metadata set by the client middleware,
// resolved from r directly when that middleware did not run.
func FromRequest(r *http.Request) RequestContext {
	client, ok := appctx.ExtractClient(r.Context())
	if !ok {
		client = clientinfo.FromRequest(r, time.Now())
	}
	return RequestContext{
		UserID: appctx.ExtractAccountID(r.Context()),
		Client: client,
	}
}
