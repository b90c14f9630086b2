package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Auth holds the static bearer tokens for the two disjoint scopes. The admin
// scope has exactly one token; the agent scope accepts any of its tokens.
type Auth struct {
	AdminKey  string
	AgentKeys []string
}

// bearerToken extracts the token from the Authorization header, or falls
// back to the `token` query parameter. The fallback exists for the tunnel
// endpoint, where some WebSocket clients cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func tokenMatches(token, key string) bool {
	return key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}

// isAdmin reports whether the request carries the admin token.
func (a Auth) isAdmin(r *http.Request) bool {
	return tokenMatches(bearerToken(r), a.AdminKey)
}

// isAgent reports whether the request carries one of the agent tokens.
func (a Auth) isAgent(r *http.Request) bool {
	token := bearerToken(r)
	for _, key := range a.AgentKeys {
		if tokenMatches(token, key) {
			return true
		}
	}
	return false
}

// RequireAdmin rejects requests without the admin token.
func (a Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isAdmin(r) {
			ErrUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAgent rejects requests without an agent token.
func (a Auth) RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isAgent(r) {
			ErrUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdminOrAgent admits either scope. Used by the session event ingest
// endpoint, which both the admin UI and agents post to.
func (a Auth) RequireAdminOrAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isAdmin(r) && !a.isAgent(r) {
			ErrUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger returns a chi-compatible middleware that logs each request
// with method, path, status, size and request id.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
