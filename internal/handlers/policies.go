package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

// PolicyHandler handles auth policy and route administration endpoints.
type PolicyHandler struct {
	policies *services.PolicyService
}

func NewPolicyHandler(policies *services.PolicyService) *PolicyHandler {
	return &PolicyHandler{policies: policies}
}

type PolicyRequest struct {
	Name           string   `json:"name" validate:"required,max=128"`
	PathPattern    string   `json:"path_pattern" validate:"required,max=512"`
	Priority       int      `json:"priority"`
	AuthRequired   bool     `json:"auth_required"`
	S2SRequired    bool     `json:"s2s_required"`
	PermissionMode string   `json:"permission_mode" validate:"required,oneof=any all"`
	Permissions    []string `json:"permissions"`
	Enabled        bool     `json:"enabled"`
	Description    string   `json:"description" validate:"max=512"`
}

type RouteRequest struct {
	Name               string   `json:"name" validate:"required,max=128"`
	Host               string   `json:"host" validate:"max=256"`
	PathPattern        string   `json:"path_pattern" validate:"required,max=512"`
	Methods            string   `json:"methods" validate:"max=128"`
	Priority           int      `json:"priority"`
	UpstreamURL        string   `json:"upstream_url" validate:"required,url"`
	UpstreamPathPrefix string   `json:"upstream_path_prefix" validate:"max=256"`
	StripPrefix        bool     `json:"strip_prefix"`
	AuthRequired       bool     `json:"auth_required"`
	S2SRequired        bool     `json:"s2s_required"`
	PermissionMode     string   `json:"permission_mode" validate:"required,oneof=any all"`
	Permissions        []string `json:"permissions"`
	Enabled            bool     `json:"enabled"`
}

func (req *PolicyRequest) model(id string) *models.AuthPolicy {
	return &models.AuthPolicy{
		ID:             id,
		Name:           req.Name,
		PathPattern:    req.PathPattern,
		Priority:       req.Priority,
		AuthRequired:   req.AuthRequired,
		S2SRequired:    req.S2SRequired,
		PermissionMode: req.PermissionMode,
		Permissions:    req.Permissions,
		Enabled:        req.Enabled,
		Description:    req.Description,
	}
}

func (req *RouteRequest) model(id string) *models.Route {
	return &models.Route{
		ID:                 id,
		Name:               req.Name,
		Host:               req.Host,
		PathPattern:        req.PathPattern,
		Methods:            req.Methods,
		Priority:           req.Priority,
		UpstreamURL:        req.UpstreamURL,
		UpstreamPathPrefix: req.UpstreamPathPrefix,
		StripPrefix:        req.StripPrefix,
		AuthRequired:       req.AuthRequired,
		S2SRequired:        req.S2SRequired,
		PermissionMode:     req.PermissionMode,
		Permissions:        req.Permissions,
		Enabled:            req.Enabled,
	}
}

// ListPolicies handles GET /admin/policies
func (h *PolicyHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)

	policies, err := h.policies.ListPolicies(r.Context(), limit, offset)
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to list policies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// GetPolicy handles GET /admin/policies/{id}
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.policies.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "policy not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to load policy")
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// CreatePolicy handles POST /admin/policies
func (h *PolicyHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	policy, err := h.policies.CreatePolicy(r.Context(), req.model(""))
	if err != nil {
		writePolicyError(w, err, "failed to create policy")
		return
	}

	writeJSON(w, http.StatusCreated, policy)
}

// UpdatePolicy handles PUT /admin/policies/{id}
func (h *PolicyHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	policy, err := h.policies.UpdatePolicy(r.Context(), req.model(chi.URLParam(r, "id")))
	if err != nil {
		writePolicyError(w, err, "failed to update policy")
		return
	}

	writeJSON(w, http.StatusOK, policy)
}

// DeletePolicy handles DELETE /admin/policies/{id}
func (h *PolicyHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.DeletePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "policy not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to delete policy")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ResolvePolicy handles GET /admin/policies/resolve?path=/some/path. It
// reports which policy would win for a path without evaluating a caller,
// for operators debugging their pattern ordering.
func (h *PolicyHandler) ResolvePolicy(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		pkghttp.WriteBadRequest(w, "path query parameter is required")
		return
	}

	view, err := h.policies.MatchPolicy(r.Context(), path)
	if err != nil {
		pkghttp.WriteInternalError(w, "policy lookup failed")
		return
	}
	if view == nil {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"matched":         true,
		"policy_id":       view.ID,
		"path_pattern":    view.PathPattern,
		"priority":        view.Priority,
		"auth_required":   view.AuthRequired,
		"s2s_required":    view.S2SRequired,
		"permission_mode": view.PermissionMode,
		"permissions":     view.Permissions,
	})
}

// ListRoutes handles GET /admin/routes
func (h *PolicyHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)

	routes, err := h.policies.ListRoutes(r.Context(), limit, offset)
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to list routes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

// GetRoute handles GET /admin/routes/{id}
func (h *PolicyHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := h.policies.GetRoute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "route not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to load route")
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// CreateRoute handles POST /admin/routes
func (h *PolicyHandler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	route, err := h.policies.CreateRoute(r.Context(), req.model(""))
	if err != nil {
		writePolicyError(w, err, "failed to create route")
		return
	}

	writeJSON(w, http.StatusCreated, route)
}

// UpdateRoute handles PUT /admin/routes/{id}
func (h *PolicyHandler) UpdateRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	route, err := h.policies.UpdateRoute(r.Context(), req.model(chi.URLParam(r, "id")))
	if err != nil {
		writePolicyError(w, err, "failed to update route")
		return
	}

	writeJSON(w, http.StatusOK, route)
}

// DeleteRoute handles DELETE /admin/routes/{id}
func (h *PolicyHandler) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.DeleteRoute(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "route not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to delete route")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writePolicyError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "invalid path pattern or permission mode")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "record not found")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "record already exists")
	default:
		pkghttp.WriteInternalError(w, fallback)
	}
}
