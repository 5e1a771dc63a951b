package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/pkg/types"
)

type contextKey string

const ctxKeyUser contextKey = "user"

// userFromContext returns the authenticated user attached by authMiddleware,
// or nil on an unauthenticated request (only possible on public routes).
func userFromContext(ctx context.Context) *types.User {
	u, _ := ctx.Value(ctxKeyUser).(*types.User)
	return u
}

// Authenticator is the subset of accounts.Service the HTTP layer needs
// to resolve a bearer/cookie token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*types.User, error)
}

// authMiddleware resolves `Authorization: Bearer <JWT>` or the
// `auth_token` cookie into a *types.User stashed in the request
// context. Missing or invalid credentials yield 401 before the handler
// runs.
func authMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeAPIError(w, types.NewError(types.ErrUnauthorized, "missing credentials"))
				return
			}
			u, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyUser, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie("auth_token"); err == nil {
		return c.Value
	}
	return ""
}

// requireAdmin gates a route on the authenticated user's role, assuming
// authMiddleware already ran.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := userFromContext(r.Context())
		if u == nil || u.Role != types.RoleAdmin {
			writeAPIError(w, types.NewError(types.ErrForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditMiddleware logs every authenticated request's user id, method,
// path, status, and duration, best effort.
func auditMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			userID := ""
			if u := userFromContext(r.Context()); u != nil {
				userID = u.ID
			}
			log.Info().
				Str("user_id", userID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
