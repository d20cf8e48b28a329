package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	pkgctx "github.com/farmregistry/farm-service/internal/pkg/context"
)

const HeaderXRequestID = "X-Request-Id"

// RequestID accepts a caller-supplied id of sane length or generates one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get(HeaderXRequestID))
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}

		w.Header().Set(HeaderXRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(pkgctx.WithRequestID(r.Context(), reqID)))
	})
}
