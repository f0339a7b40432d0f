package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitford/aegis/internal/gateway"
	"github.com/mwhitford/aegis/internal/middleware"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

type gatewayStack struct {
	handler *GatewayHandler
	audit   *fakeAuditStore
	routes  *fakeRouteStore
}

func newGatewayStack(t *testing.T, routes ...*models.Route) *gatewayStack {
	t.Helper()

	logger := discardLogger()
	routeStore := &fakeRouteStore{routes: routes}
	policySvc := services.NewPolicyService(&fakePolicyStore{}, routeStore, logger, time.Minute)
	auditStore := &fakeAuditStore{}
	auditSvc := services.NewAuditService(auditStore, logger)

	handler := NewGatewayHandler(policySvc, auditSvc, gateway.NewProxy(logger), newTestMetrics(), logger, nil)
	return &gatewayStack{handler: handler, audit: auditStore, routes: routeStore}
}

func testRoute(upstream string, mutate func(*models.Route)) *models.Route {
	rt := &models.Route{
		ID:             "rt1",
		Name:           "orders",
		PathPattern:    "/orders/**",
		UpstreamURL:    upstream,
		PermissionMode: models.PermissionModeAny,
		Permissions:    []string{"orders:orders:read"},
		AuthRequired:   true,
		Enabled:        true,
	}
	if mutate != nil {
		mutate(rt)
	}
	return rt
}

func asCaller(req *http.Request, caller *gateway.Caller) *http.Request {
	return req.WithContext(middleware.WithCaller(req.Context(), caller))
}

func TestGatewayForwardsAuthorizedRequest(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	stack := newGatewayStack(t, testRoute(upstream.URL, nil))

	req := httptest.NewRequest("GET", "/orders/42", nil)
	req = asCaller(req, &gateway.Caller{
		ID:          "u1",
		Label:       "alice",
		Roles:       []string{"ops"},
		Permissions: []string{"orders:orders:read"},
	})
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	require.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "u1", seen.Get(gateway.HeaderPrincipalID))
	assert.Equal(t, "user", seen.Get(gateway.HeaderPrincipalType))
	assert.Equal(t, "ops", seen.Get(gateway.HeaderRoles))

	entry := stack.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, "allow", entry.Decision)
	assert.Equal(t, http.StatusTeapot, entry.StatusCode)
	require.NotNil(t, entry.RouteID)
	assert.Equal(t, "rt1", *entry.RouteID)
}

func TestGatewayStripsSmuggledIdentityHeaders(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer upstream.Close()

	stack := newGatewayStack(t, testRoute(upstream.URL, func(rt *models.Route) {
		rt.AuthRequired = false
	}))

	req := httptest.NewRequest("GET", "/orders/42", nil)
	req.Header.Set(gateway.HeaderPrincipalID, "forged-admin")
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	require.Equal(t, 200, w.Code)
	assert.Empty(t, seen.Get(gateway.HeaderPrincipalID))
}

func TestGatewayDeniesUnroutedPath(t *testing.T) {
	stack := newGatewayStack(t)

	req := httptest.NewRequest("GET", "/nowhere", nil)
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	require.Equal(t, 404, w.Code)
	entry := stack.audit.last()
	require.NotNil(t, entry)
	assert.Equal(t, "deny", entry.Decision)
	assert.Equal(t, gateway.ReasonNoPolicy, entry.DenyReason)
	assert.Equal(t, "anonymous", entry.PrincipalType)
}

func TestGatewayRequiresAuthentication(t *testing.T) {
	stack := newGatewayStack(t, testRoute("http://upstream.invalid", nil))

	req := httptest.NewRequest("GET", "/orders/42", nil)
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	require.Equal(t, 401, w.Code)
	assert.Equal(t, gateway.ReasonUnauthenticated, stack.audit.last().DenyReason)
}

func TestGatewayDeniesMissingPermissions(t *testing.T) {
	stack := newGatewayStack(t, testRoute("http://upstream.invalid", nil))

	req := httptest.NewRequest("GET", "/orders/42", nil)
	req = asCaller(req, &gateway.Caller{
		ID:          "u2",
		Label:       "bob",
		Permissions: []string{"billing:invoices:read"},
	})
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	require.Equal(t, 403, w.Code)
	assert.Equal(t, gateway.ReasonMissingPerms, stack.audit.last().DenyReason)

	// The response body carries a readable message, not the audit code.
	var resp pkghttp.ErrorResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "insufficient permissions", resp.Message)
}

func TestGatewaySuperuserBypassesPermissions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	stack := newGatewayStack(t, testRoute(upstream.URL, nil))

	req := httptest.NewRequest("GET", "/orders/42", nil)
	req = asCaller(req, &gateway.Caller{ID: "root", Label: "root", IsSuperuser: true})
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	assert.Equal(t, 200, w.Code)
}

func TestGatewayServiceOnlyRejectsUsers(t *testing.T) {
	stack := newGatewayStack(t, testRoute("http://upstream.invalid", func(rt *models.Route) {
		rt.S2SRequired = true
	}))

	// Superuser status does not substitute for service credentials.
	req := httptest.NewRequest("GET", "/orders/42", nil)
	req = asCaller(req, &gateway.Caller{ID: "root", Label: "root", IsSuperuser: true})
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	require.Equal(t, 403, w.Code)
	assert.Equal(t, gateway.ReasonServiceOnly, stack.audit.last().DenyReason)
}

func TestGatewayServiceOnlyBindsAnonymousRoutes(t *testing.T) {
	stack := newGatewayStack(t, testRoute("http://upstream.invalid", func(rt *models.Route) {
		rt.AuthRequired = false
		rt.S2SRequired = true
	}))

	req := httptest.NewRequest("GET", "/orders/42", nil)
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	require.Equal(t, 403, w.Code)
	assert.Equal(t, gateway.ReasonServiceOnly, stack.audit.last().DenyReason)
}

func TestGatewayMethodRestriction(t *testing.T) {
	stack := newGatewayStack(t, testRoute("http://upstream.invalid", func(rt *models.Route) {
		rt.AuthRequired = false
		rt.Methods = "GET, HEAD"
	}))

	req := httptest.NewRequest("DELETE", "/orders/42", nil)
	w := httptest.NewRecorder()
	stack.handler.Handle(w, req)

	assert.Equal(t, 404, w.Code)
}
