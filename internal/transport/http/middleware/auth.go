package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/farmregistry/farm-service/internal/domain"
	pkgctx "github.com/farmregistry/farm-service/internal/pkg/context"
	"github.com/farmregistry/farm-service/internal/security"
	"github.com/farmregistry/farm-service/internal/transport/http/response"
)

// Auth requires a valid bearer token and stores the caller in the context.
func Auth(verifier security.AccessTokenVerifier) func(next http.Handler) http.Handler {
	if verifier == nil {
		panic("Auth: nil verifier")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := strings.TrimSpace(r.Header.Get("Authorization"))
			parts := strings.SplitN(h, " ", 2)
			if h == "" || len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
				response.WriteError(w, r, domain.ErrTokenMissing())
				return
			}

			claims, err := verifier.VerifyAccessToken(strings.TrimSpace(parts[1]))
			if err != nil {
				if errors.Is(err, security.ErrTokenExpired) {
					response.WriteError(w, r, domain.ErrTokenExpired())
				} else {
					response.WriteError(w, r, domain.ErrTokenInvalid())
				}
				return
			}

			ctx := pkgctx.WithCaller(r.Context(), pkgctx.Caller{
				UserID: claims.UserID,
				Role:   strings.TrimSpace(claims.Role),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerID resolves the authenticated user for the idempotency interceptor.
func CallerID(r *http.Request) (uuid.UUID, bool) {
	c, ok := pkgctx.GetCaller(r.Context())
	return c.UserID, ok
}
