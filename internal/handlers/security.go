package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mwhitford/aegis/internal/middleware"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

// SecurityHandler exposes the ban registry and threat detector to
// operators.
type SecurityHandler struct {
	security *services.SecurityService
}

func NewSecurityHandler(security *services.SecurityService) *SecurityHandler {
	return &SecurityHandler{security: security}
}

type BanRequest struct {
	IP              string `json:"ip" validate:"required,ip"`
	Reason          string `json:"reason" validate:"required,max=512"`
	DurationSeconds int    `json:"duration_seconds" validate:"gte=0"` // 0 = permanent
}

type UnbanRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

type banResponse struct {
	ID               string     `json:"id"`
	IP               string     `json:"ip"`
	Reason           string     `json:"reason"`
	BanType          string     `json:"ban_type"`
	BannedAt         time.Time  `json:"banned_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Permanent        bool       `json:"permanent"`
	Active           bool       `json:"active"`
	RemainingSeconds *int       `json:"remaining_seconds,omitempty"`
	UnbannedAt       *time.Time `json:"unbanned_at,omitempty"`
	UnbanReason      string     `json:"unban_reason,omitempty"`
}

func toBanResponse(b *models.IPBanRecord) banResponse {
	now := time.Now()
	return banResponse{
		ID:               b.ID,
		IP:               b.IP,
		Reason:           b.Reason,
		BanType:          b.BanType,
		BannedAt:         b.BannedAt,
		ExpiresAt:        b.ExpiresAt,
		Permanent:        b.Permanent(),
		Active:           b.Active(now),
		RemainingSeconds: b.RemainingSeconds(now),
		UnbannedAt:       b.UnbannedAt,
		UnbanReason:      b.UnbanReason,
	}
}

// ListBans handles GET /admin/security/bans
func (h *SecurityHandler) ListBans(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	activeOnly := r.URL.Query().Get("active") == "true"

	bans, err := h.security.ListBans(r.Context(), activeOnly, limit, offset)
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to list bans")
		return
	}

	out := make([]banResponse, 0, len(bans))
	for _, b := range bans {
		out = append(out, toBanResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bans": out})
}

// CreateBan handles POST /admin/security/bans
func (h *SecurityHandler) CreateBan(w http.ResponseWriter, r *http.Request) {
	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	actor := ""
	if caller := middleware.CallerFromContext(r.Context()); caller != nil {
		actor = caller.ID
	}

	ban, err := h.security.Ban(r.Context(), services.BanParams{
		IP:       req.IP,
		Reason:   req.Reason,
		Duration: time.Duration(req.DurationSeconds) * time.Second,
		Actor:    actor,
	})
	if err != nil {
		var active *models.BanActiveError
		switch {
		case errors.As(err, &active):
			// Surface the existing ban alongside the conflict.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":    "ban_active",
				"message":  "address is already banned",
				"existing": toBanResponse(ban),
			})
		case errors.Is(err, models.ErrBanConflict):
			pkghttp.WriteConflict(w, "concurrent ban in progress")
		default:
			pkghttp.WriteInternalError(w, "failed to create ban")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toBanResponse(ban))
}

// GetBan handles GET /admin/security/bans/{ip}
func (h *SecurityHandler) GetBan(w http.ResponseWriter, r *http.Request) {
	ban, err := h.security.IsBanned(r.Context(), chi.URLParam(r, "ip"))
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to look up ban")
		return
	}
	if ban == nil {
		pkghttp.WriteNotFound(w, "no active ban for address")
		return
	}

	writeJSON(w, http.StatusOK, toBanResponse(ban))
}

// DeleteBan handles DELETE /admin/security/bans/{ip}
func (h *SecurityHandler) DeleteBan(w http.ResponseWriter, r *http.Request) {
	var req UnbanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	actor := ""
	if caller := middleware.CallerFromContext(r.Context()); caller != nil {
		actor = caller.ID
	}

	err := h.security.Unban(r.Context(), chi.URLParam(r, "ip"), actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnbanConflict):
			pkghttp.WriteError(w, http.StatusConflict, "unban_conflict", "ban has already been lifted")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "no ban on record for address")
		default:
			pkghttp.WriteInternalError(w, "failed to lift ban")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /admin/security/stats
func (h *SecurityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.security.Stats(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to collect security stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active_bans": stats.ActiveBans,
		"total_bans":  stats.TotalBans,
	})
}

// ConfigView handles GET /admin/security/config. It exposes the effective
// thresholds and windows; nothing secret lives in SecurityConfig but the
// view stays explicit rather than serializing the struct wholesale.
func (h *SecurityHandler) ConfigView(w http.ResponseWriter, r *http.Request) {
	cfg := h.security.Config()

	writeJSON(w, http.StatusOK, map[string]any{
		"login_max_per_ip":         cfg.LoginMaxPerIP,
		"login_max_per_username":   cfg.LoginMaxPerUsername,
		"login_window_seconds":     int(cfg.LoginWindow.Seconds()),
		"global_rate_limit":        cfg.GlobalRateLimit,
		"global_rate_window_secs":  int(cfg.GlobalRateWindow.Seconds()),
		"lockout_threshold":        cfg.LockoutThreshold,
		"lockout_duration_seconds": int(cfg.LockoutDuration.Seconds()),
		"brute_force_threshold":    cfg.BruteForceThreshold,
		"brute_force_window_secs":  int(cfg.BruteForceWindow.Seconds()),
		"stuffing_threshold":       cfg.StuffingThreshold,
		"stuffing_window_seconds":  int(cfg.StuffingWindow.Seconds()),
		"auto_ban_enabled":         cfg.AutoBanEnabled,
		"auto_ban_duration_secs":   int(cfg.AutoBanDuration.Seconds()),
		"ban_check_fail_open":      cfg.BanCheckFailOpen,
		"trust_proxy_headers":      cfg.TrustProxyHeaders,
	})
}

// AssessThreat handles GET /admin/security/threats/{ip}
func (h *SecurityHandler) AssessThreat(w http.ResponseWriter, r *http.Request) {
	threat, err := h.security.DetectThreat(r.Context(), chi.URLParam(r, "ip"))
	if err != nil {
		pkghttp.WriteInternalError(w, "threat detection failed")
		return
	}

	if threat == nil {
		writeJSON(w, http.StatusOK, map[string]any{"threat_detected": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"threat_detected": true,
		"threat_type":     threat.Type,
		"count":           threat.Count,
		"threshold":       threat.Threshold,
		"window_seconds":  int(threat.Window.Seconds()),
	})
}
