package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/coderspae/arena/internal/auth"
)

const serviceKeyHeader = "X-Service-Key"

// userMiddleware resolves the bearer token into a user id stored on the
// request context.
func userMiddleware(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := v.Verify(auth.TokenFromRequest(r))
			if err != nil {
				msg := "invalid or missing token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "token has expired"
				}
				writeError(w, http.StatusUnauthorized, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
		})
	}
}

// serviceKeyMiddleware guards internal routes. An empty key disables them.
func serviceKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			got := r.Header.Get(serviceKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid service key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userFrom(r *http.Request) string {
	id, _ := auth.UserFrom(r.Context())
	return id
}
