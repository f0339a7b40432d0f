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

// RoleHandler handles role and permission administration endpoints.
type RoleHandler struct {
	roles *services.RoleService
}

func NewRoleHandler(roles *services.RoleService) *RoleHandler {
	return &RoleHandler{roles: roles}
}

type CreateRoleRequest struct {
	Code        string `json:"code" validate:"required,min=2,max=64"`
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=512"`
}

type UpdateRoleRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=512"`
}

type CreatePermissionRequest struct {
	Code        string `json:"code" validate:"required,min=3,max=128"`
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=512"`
	ServiceCode string `json:"service_code" validate:"max=64"`
}

type PermissionGrantRequest struct {
	PermissionID string `json:"permission_id" validate:"required,uuid"`
}

// List handles GET /admin/roles
func (h *RoleHandler) List(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.List(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to list roles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// Get handles GET /admin/roles/{id}. The response includes the permission
// codes the role grants.
func (h *RoleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	role, err := h.roles.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "role not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to load role")
		return
	}

	perms, err := h.roles.Permissions(r.Context(), id)
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to load role permissions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"role":        role,
		"permissions": perms,
	})
}

// Create handles POST /admin/roles
func (h *RoleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	role, err := h.roles.Create(r.Context(), &models.Role{
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "role code already exists")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "invalid role code")
		default:
			pkghttp.WriteInternalError(w, "failed to create role")
		}
		return
	}

	writeJSON(w, http.StatusCreated, role)
}

// Update handles PUT /admin/roles/{id}
func (h *RoleHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	role, err := h.roles.Update(r.Context(), &models.Role{
		ID:          chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "role not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to update role")
		return
	}

	writeJSON(w, http.StatusOK, role)
}

// Delete handles DELETE /admin/roles/{id}
func (h *RoleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "role not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to delete role")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GrantPermission handles POST /admin/roles/{id}/permissions
func (h *RoleHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.roles.GrantPermission(r.Context(), chi.URLParam(r, "id"), req.PermissionID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "role or permission not found")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "invalid grant")
		default:
			pkghttp.WriteInternalError(w, "failed to grant permission")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RevokePermission handles DELETE /admin/roles/{id}/permissions/{permID}
func (h *RoleHandler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	err := h.roles.RevokePermission(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "permID"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "grant not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to revoke permission")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListPermissions handles GET /admin/permissions
func (h *RoleHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.roles.ListPermissions(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to list permissions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// CreatePermission handles POST /admin/permissions
func (h *RoleHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req CreatePermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	perm, err := h.roles.CreatePermission(r.Context(), &models.Permission{
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		ServiceCode: req.ServiceCode,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "permission code already exists")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "invalid permission code")
		default:
			pkghttp.WriteInternalError(w, "failed to create permission")
		}
		return
	}

	writeJSON(w, http.StatusCreated, perm)
}

// DeletePermission handles DELETE /admin/permissions/{id}
func (h *RoleHandler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.DeletePermission(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "permission not found")
			return
		}
		pkghttp.WriteInternalError(w, "failed to delete permission")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
