package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// requireIdentity rejects requests without a valid bearer token. It passes
// everything through when Auth0 is not configured.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := parseToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := s.auth.validateToken(r.Context(), token)
		if err != nil {
			s.logger.Warn("rejected token", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func parseToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return header
}

// subjectFromContext is the token subject, or "anonymous" on open servers.
func subjectFromContext(ctx context.Context) string {
	if v := ctx.Value(claimsContextKey); v != nil {
		if c, ok := v.(*Claims); ok && c.Subject != "" {
			return c.Subject
		}
	}
	return "anonymous"
}
