package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dunamismax/hueshift/internal/auth"
)

// withAuth puts the caller's user id in the request context. With an
// authenticator every /v1 route needs a valid bearer token; without one
// the user id header is trusted as is.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		if s.authenticator == nil {
			if userID := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)); userID != "" {
				r = r.WithContext(auth.WithUser(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
			return
		}

		userID, err := s.authenticator.FromRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="hueshift"`)
			message := "invalid token"
			if errors.Is(err, auth.ErrMissingToken) {
				message = "missing bearer token"
			}
			writeError(w, http.StatusUnauthorized, message)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	})
}
