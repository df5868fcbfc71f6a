package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

// UserFromContext returns the verified userId the middleware stored.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}

// WithUser returns a context carrying a verified userId. Exposed for
// tests and for the websocket handler, which authenticates on its own.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// TokenFromRequest extracts the access token from the Authorization
// header, or from the token query parameter; websocket handshakes
// cannot set custom headers, so the query form is accepted everywhere.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token and stores the
// verified userId in the request context. reject writes the error
// response, so this package stays free of any response format.
func Middleware(tm *TokenManager, reject func(w http.ResponseWriter, detail string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				reject(w, "no access token found")
				return
			}
			userID, err := tm.Verify(token)
			if err != nil {
				reject(w, "invalid access token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
