package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mwhitford/aegis/internal/middleware"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/obs"
	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	auth     *services.AuthService
	tokens   *services.TokenService
	users    *services.UserService
	metrics  *obs.Metrics
	ipConfig *pkghttp.IPConfig
}

func NewAuthHandler(auth *services.AuthService, tokens *services.TokenService, users *services.UserService, metrics *obs.Metrics, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		tokens:   tokens,
		users:    users,
		metrics:  metrics,
		ipConfig: ipConfig,
	}
}

// Request DTOs

type LoginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=128"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// Response DTOs

type TokenResponse struct {
	AccessToken      string   `json:"access_token"`
	RefreshToken     string   `json:"refresh_token"`
	TokenType        string   `json:"token_type"`
	ExpiresIn        int      `json:"expires_in"`
	RefreshExpiresIn int      `json:"refresh_expires_in"`
	Roles            []string `json:"roles,omitempty"`
}

type MeResponse struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	IsService   bool     `json:"is_service"`
	IsSuperuser bool     `json:"is_superuser"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type ValidateResponse struct {
	Valid       bool     `json:"valid"`
	Subject     string   `json:"subject,omitempty"`
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	ExpiresAt   int64    `json:"expires_at,omitempty"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.auth.Login(r.Context(), services.LoginInput{
		Username:  req.Username,
		Password:  req.Password,
		IP:        pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.Header.Get("User-Agent"),
	})
	if err != nil {
		h.metrics.RecordLogin(false)
		writeLoginError(w, err)
		return
	}

	h.metrics.RecordLogin(true)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:      result.Tokens.AccessToken,
		RefreshToken:     result.Tokens.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        result.Tokens.AccessExpiresIn,
		RefreshExpiresIn: result.Tokens.RefreshExpiresIn,
		Roles:            result.Roles,
	})
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	pair, err := h.tokens.Rotate(r.Context(),
		req.RefreshToken,
		pkghttp.ExtractClientIP(r, h.ipConfig),
		r.Header.Get("User-Agent"),
	)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        pair.AccessExpiresIn,
		RefreshExpiresIn: pair.RefreshExpiresIn,
	})
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.auth.Logout(r.Context(),
		req.RefreshToken,
		pkghttp.ExtractClientIP(r, h.ipConfig),
		r.Header.Get("User-Agent"),
	)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll handles POST /auth/revoke-all. It invalidates every token the
// calling user holds, including the access token used to make the call.
func (h *AuthHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	if caller == nil || caller.IsService {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	count, err := h.tokens.RevokeAll(r.Context(), caller.ID)
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to revoke tokens")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"revoked_refresh_tokens": count})
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	if caller == nil {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, MeResponse{
		ID:          caller.ID,
		Username:    caller.Label,
		IsService:   caller.IsService,
		IsSuperuser: caller.IsSuperuser,
		Roles:       caller.Roles,
		Permissions: caller.Permissions,
	})
}

// Validate handles GET /auth/validate. Upstream services call this to
// verify a token they received directly.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get("Authorization")
	if len(raw) > 7 {
		raw = raw[7:] // strip "Bearer "
	}

	claims, _, err := h.tokens.Authorize(r.Context(), raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ValidateResponse{Valid: false})
		return
	}

	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:       true,
		Subject:     claims.Subject,
		Username:    claims.Username,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		ExpiresAt:   claims.ExpiresAt.Unix(),
	})
}

// ChangePassword handles POST /auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	if caller == nil || caller.IsService {
		pkghttp.WriteUnauthorized(w, "authentication required")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.users.ChangePassword(r.Context(), caller.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrCredentialInvalid):
			pkghttp.WriteUnauthorized(w, "current password is incorrect")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "new password does not meet requirements")
		default:
			pkghttp.WriteInternalError(w, "failed to change password")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeLoginError(w http.ResponseWriter, err error) {
	var limited *models.RateLimitedError
	var locked *models.AccountLockedError

	switch {
	case errors.As(err, &limited):
		pkghttp.WriteRateLimited(w, limited.Limit, limited.ResetSeconds)
	case errors.As(err, &locked):
		pkghttp.WriteAccountLocked(w, locked.RemainingSeconds)
	case errors.Is(err, models.ErrCredentialInvalid), errors.Is(err, models.ErrAccountDisabled):
		// Disabled accounts get the same response as bad credentials.
		pkghttp.WriteUnauthorized(w, "invalid credentials")
	default:
		pkghttp.WriteInternalError(w, "authentication failed")
	}
}

func writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrTokenExpired):
		pkghttp.WriteUnauthorized(w, "token expired")
	case errors.Is(err, models.ErrTokenInvalid),
		errors.Is(err, models.ErrTokenNotFound),
		errors.Is(err, models.ErrTokenStale),
		errors.Is(err, models.ErrAccountDisabled):
		pkghttp.WriteUnauthorized(w, "invalid token")
	default:
		pkghttp.WriteInternalError(w, "token operation failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// userResponse is the common wire shape for user records.
type userResponse struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	IsActive            bool       `json:"is_active"`
	IsSuperuser         bool       `json:"is_superuser"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{
		ID:                  u.ID,
		Username:            u.Username,
		Email:               u.Email,
		IsActive:            u.IsActive,
		IsSuperuser:         u.IsSuperuser,
		FailedLoginAttempts: u.FailedLoginAttempts,
		LockedUntil:         u.LockedUntil,
		LastLoginAt:         u.LastLoginAt,
		CreatedAt:           u.CreatedAt,
	}
}
