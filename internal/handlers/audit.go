package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/repositories"
	"github.com/mwhitford/aegis/internal/services"
	pkghttp "github.com/mwhitford/aegis/pkg/http"
)

// EventLister reads raw auth events for one address.
type EventLister interface {
	ListByIP(ctx context.Context, ip string, limit int) ([]*models.AuthEvent, error)
}

// AuditHandler exposes the gateway audit trail and the auth event log.
type AuditHandler struct {
	audit  *services.AuditService
	events EventLister
}

func NewAuditHandler(audit *services.AuditService, events EventLister) *AuditHandler {
	return &AuditHandler{audit: audit, events: events}
}

// List handles GET /admin/audit. Supported query filters: principal_id,
// client_ip, decision, since (RFC 3339).
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	q := r.URL.Query()

	filter := repositories.ListFilter{
		PrincipalID: q.Get("principal_id"),
		ClientIP:    q.Get("client_ip"),
		Decision:    q.Get("decision"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			pkghttp.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	logs, err := h.audit.List(r.Context(), filter, limit, offset)
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

// EventsByIP handles GET /admin/audit/events/{ip}
func (h *AuditHandler) EventsByIP(w http.ResponseWriter, r *http.Request) {
	limit, _ := paging(r)
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := h.events.ListByIP(r.Context(), chi.URLParam(r, "ip"), limit)
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to list auth events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
