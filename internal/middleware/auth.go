package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mwhitford/aegis/internal/gateway"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

type contextKey string

const callerKey contextKey = "caller"

// CallerFromContext returns the authenticated caller, nil for anonymous
// requests.
func CallerFromContext(ctx context.Context) *gateway.Caller {
	caller, _ := ctx.Value(callerKey).(*gateway.Caller)
	return caller
}

// WithCaller is exported for handler tests.
func WithCaller(ctx context.Context, caller *gateway.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Authenticate resolves a bearer token into a caller and stores it on the
// request context. Requests without an Authorization header pass through
// anonymously; the decision layer decides whether that is acceptable.
// Requests with a bad token are rejected here.
func Authenticate(tokens *services.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, user, err := tokens.Authorize(r.Context(), raw)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			caller := &gateway.Caller{
				ID:          claims.Subject,
				Label:       claims.Username,
				IsService:   claims.IsService(),
				Roles:       claims.Roles,
				Permissions: claims.Permissions,
			}
			if caller.IsService {
				caller.Label = claims.ServiceCode()
			}
			if user != nil {
				caller.IsSuperuser = user.IsSuperuser
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RequireAuth rejects anonymous requests. Used on endpoints that always
// need a caller, like /auth/me.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CallerFromContext(r.Context()) == nil {
			pkghttp.WriteUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSuperuser gates administrative endpoints.
func RequireSuperuser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		if caller == nil {
			pkghttp.WriteUnauthorized(w, "authentication required")
			return
		}
		if !caller.IsSuperuser {
			pkghttp.WriteForbidden(w, "superuser access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrTokenExpired):
		pkghttp.WriteUnauthorized(w, "token expired")
	case errors.Is(err, models.ErrTokenStale):
		pkghttp.WriteUnauthorized(w, "token revoked")
	case errors.Is(err, models.ErrAccountDisabled):
		pkghttp.WriteForbidden(w, "account disabled")
	default:
		pkghttp.WriteUnauthorized(w, "invalid token")
	}
}
