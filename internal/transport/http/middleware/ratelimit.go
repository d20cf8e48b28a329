package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/farmregistry/farm-service/internal/domain"
	pkgctx "github.com/farmregistry/farm-service/internal/pkg/context"
	"github.com/farmregistry/farm-service/internal/transport/http/response"
)

// RateLimit limits requests per authenticated user, or per IP when the
// request carries no caller.
func RateLimit(scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(callerOrIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			response.WriteError(w, r, domain.ErrRateLimited(scope))
		}),
	)
}

func callerOrIP(r *http.Request) (string, error) {
	if c, ok := pkgctx.GetCaller(r.Context()); ok {
		return "user:" + c.UserID.String(), nil
	}
	return httprate.KeyByIP(r)
}
