package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mwhitford/aegis/internal/gateway"
	"github.com/mwhitford/aegis/internal/middleware"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/obs"
	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

// GatewayHandler is the catch-all front door. Every request that does not
// hit a local endpoint lands here: it resolves the route, evaluates the
// access decision, records the verdict and forwards allowed requests
// upstream.
type GatewayHandler struct {
	policies *services.PolicyService
	audit    *services.AuditService
	proxy    *gateway.Proxy
	metrics  *obs.Metrics
	logger   *slog.Logger
	ipConfig *pkghttp.IPConfig
}

func NewGatewayHandler(policies *services.PolicyService, audit *services.AuditService, proxy *gateway.Proxy, metrics *obs.Metrics, logger *slog.Logger, ipConfig *pkghttp.IPConfig) *GatewayHandler {
	return &GatewayHandler{
		policies: policies,
		audit:    audit,
		proxy:    proxy,
		metrics:  metrics,
		logger:   logger,
		ipConfig: ipConfig,
	}
}

// Handle serves every proxied request.
func (h *GatewayHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller := middleware.CallerFromContext(r.Context())

	route, view, err := h.policies.MatchRoute(r.Context(), r.URL.Path)
	if err != nil {
		h.logger.Error("route lookup failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "route lookup failed")
		return
	}

	if route != nil && !routeAccepts(route, r) {
		route, view = nil, nil
	}

	decision := gateway.Evaluate(view, caller)
	h.metrics.RecordDecision(decision.Allowed, decision.Reason)

	if !decision.Allowed {
		status := h.writeDenial(w, decision)
		h.record(r, caller, route, decision, status, start)
		return
	}

	wrapped := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	h.proxy.Forward(wrapped, r, route, caller)
	h.record(r, caller, route, decision, wrapped.Status(), start)
}

// routeAccepts checks the route's method and host restrictions, which the
// path matcher does not see.
func routeAccepts(route *models.Route, r *http.Request) bool {
	if route.Host != "" && route.Host != "*" && !strings.EqualFold(route.Host, r.Host) {
		return false
	}
	if route.Methods == "" || route.Methods == "*" {
		return true
	}
	for _, m := range strings.Split(route.Methods, ",") {
		if strings.EqualFold(strings.TrimSpace(m), r.Method) {
			return true
		}
	}
	return false
}

func (h *GatewayHandler) writeDenial(w http.ResponseWriter, decision gateway.Decision) int {
	msg := gateway.ReasonText(decision.Reason)
	switch decision.Reason {
	case gateway.ReasonNoPolicy:
		pkghttp.WriteNotFound(w, msg)
		return http.StatusNotFound
	case gateway.ReasonUnauthenticated:
		pkghttp.WriteUnauthorized(w, msg)
		return http.StatusUnauthorized
	default:
		pkghttp.WriteForbidden(w, msg)
		return http.StatusForbidden
	}
}

func (h *GatewayHandler) record(r *http.Request, caller *gateway.Caller, route *models.Route, decision gateway.Decision, status int, start time.Time) {
	entry := &models.AuditLog{
		RequestID:  chimiddleware.GetReqID(r.Context()),
		ClientIP:   pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:  r.Header.Get("User-Agent"),
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		StatusCode: status,
		LatencyMS:  int(time.Since(start).Milliseconds()),
		DenyReason: denyReason(decision),
	}
	entry.Decision = "deny"
	if decision.Allowed {
		entry.Decision = "allow"
	}

	if caller != nil {
		id := caller.ID
		entry.PrincipalID = &id
		entry.PrincipalLabel = caller.Label
		entry.PrincipalType = models.PrincipalUser
		if caller.IsService {
			entry.PrincipalType = models.PrincipalService
		}
	} else {
		entry.PrincipalType = "anonymous"
	}

	if route != nil {
		id := route.ID
		entry.RouteID = &id
	}

	h.audit.Record(r.Context(), entry)
}

func denyReason(decision gateway.Decision) string {
	if decision.Allowed {
		return ""
	}
	return decision.Reason
}
