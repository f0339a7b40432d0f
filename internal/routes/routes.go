package routes

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mwhitford/aegis/internal/config"
	"github.com/mwhitford/aegis/internal/handlers"
	"github.com/mwhitford/aegis/internal/middleware"
	"github.com/mwhitford/aegis/internal/obs"
	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

// Handlers bundles every handler the router mounts.
type Handlers struct {
	Auth     *handlers.AuthHandler
	Users    *handlers.UserHandler
	Roles    *handlers.RoleHandler
	Policies *handlers.PolicyHandler
	Security *handlers.SecurityHandler
	Audit    *handlers.AuditHandler
	Gateway  *handlers.GatewayHandler
	Health   *handlers.HealthHandler
}

// RegisterRoutes wires the middleware chain and every endpoint. The ban
// filter sits before authentication so banned addresses never reach token
// parsing, and the gateway handler is the router's fallthrough.
func RegisterRoutes(
	router chi.Router,
	h Handlers,
	tokens *services.TokenService,
	security *services.SecurityService,
	metrics *obs.Metrics,
	cfg *config.Config,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) {
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(60 * time.Second))
	router.Use(chimiddleware.RequestSize(cfg.Security.MaxBodyBytes))
	router.Use(middleware.SecureLogger(logger))
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(metrics.Instrument)
	router.Use(middleware.GlobalRateLimit(middleware.RateLimitConfig{
		Requests: cfg.Security.GlobalRateLimit,
		Window:   cfg.Security.GlobalRateWindow,
	}))
	router.Use(middleware.BanFilter(security, middleware.BanCheckConfig{
		FailOpen:  cfg.Security.BanCheckFailOpen,
		IPConfig:  ipConfig,
		Allowlist: cfg.Security.IPAllowlist,
		Denylist:  cfg.Security.IPDenylist,
	}, logger))
	router.Use(middleware.Authenticate(tokens))

	router.Get("/healthz", h.Health.Liveness)
	router.Get("/readyz", h.Health.Readiness)
	router.Handle("/metrics", metrics.Handler())

	// Public auth endpoints. The login pipeline carries its own per-IP and
	// per-username sliding-window limits.
	router.Post("/auth/login", h.Auth.Login)
	router.Post("/auth/refresh", h.Auth.Refresh)
	router.Post("/auth/logout", h.Auth.Logout)
	router.Get("/auth/validate", h.Auth.Validate)

	// Authenticated auth endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)
		r.Get("/auth/me", h.Auth.Me)
		r.Post("/auth/revoke-all", h.Auth.RevokeAll)
		r.Post("/auth/password", h.Auth.ChangePassword)
	})

	// Admin surface
	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireSuperuser)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.Users.List)
			r.Post("/", h.Users.Create)
			r.Get("/{id}", h.Users.Get)
			r.Patch("/{id}", h.Users.Update)
			r.Delete("/{id}", h.Users.Delete)
			r.Post("/{id}/unlock", h.Users.Unlock)
			r.Post("/{id}/roles", h.Users.AssignRole)
			r.Delete("/{id}/roles/{code}", h.Users.RemoveRole)
		})

		r.Route("/roles", func(r chi.Router) {
			r.Get("/", h.Roles.List)
			r.Post("/", h.Roles.Create)
			r.Get("/{id}", h.Roles.Get)
			r.Put("/{id}", h.Roles.Update)
			r.Delete("/{id}", h.Roles.Delete)
			r.Post("/{id}/permissions", h.Roles.GrantPermission)
			r.Delete("/{id}/permissions/{permID}", h.Roles.RevokePermission)
		})

		r.Route("/permissions", func(r chi.Router) {
			r.Get("/", h.Roles.ListPermissions)
			r.Post("/", h.Roles.CreatePermission)
			r.Delete("/{id}", h.Roles.DeletePermission)
		})

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.Policies.ListPolicies)
			r.Post("/", h.Policies.CreatePolicy)
			r.Get("/resolve", h.Policies.ResolvePolicy)
			r.Get("/{id}", h.Policies.GetPolicy)
			r.Put("/{id}", h.Policies.UpdatePolicy)
			r.Delete("/{id}", h.Policies.DeletePolicy)
		})

		r.Route("/routes", func(r chi.Router) {
			r.Get("/", h.Policies.ListRoutes)
			r.Post("/", h.Policies.CreateRoute)
			r.Get("/{id}", h.Policies.GetRoute)
			r.Put("/{id}", h.Policies.UpdateRoute)
			r.Delete("/{id}", h.Policies.DeleteRoute)
		})

		r.Route("/security", func(r chi.Router) {
			r.Get("/bans", h.Security.ListBans)
			r.Post("/bans", h.Security.CreateBan)
			r.Get("/bans/{ip}", h.Security.GetBan)
			r.Delete("/bans/{ip}", h.Security.DeleteBan)
			r.Get("/threats/{ip}", h.Security.AssessThreat)
			r.Get("/stats", h.Security.Stats)
			r.Get("/config", h.Security.ConfigView)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.Audit.List)
			r.Get("/events/{ip}", h.Audit.EventsByIP)
		})
	})

	// Everything else goes to the proxy. The decision engine fails closed,
	// so an unrouted path comes back 404 rather than leaking upstream.
	router.NotFound(h.Gateway.Handle)
	router.MethodNotAllowed(h.Gateway.Handle)
}
