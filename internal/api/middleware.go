package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/gatewayerr"
)

type ctxKey int

const tokenCtxKey ctxKey = iota

// BearerAuth extracts the bearer token from Authorization and stores it in
// the request context; a missing/malformed header fails with UNAUTHORIZED
// before the handler runs.
func BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			writeError(w, gatewayerr.New(gatewayerr.Unauthorized, "missing or malformed Authorization header"))
			return
		}
		ctx := context.WithValue(r.Context(), tokenCtxKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromContext(r *http.Request) string {
	if v, ok := r.Context().Value(tokenCtxKey).(string); ok {
		return v
	}
	return ""
}
