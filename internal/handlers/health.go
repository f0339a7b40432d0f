package handlers

import (
	"log/slog"
	"net/http"

	"github.com/mwhitford/aegis/internal/database"
)

// HealthHandler reports process and database health.
type HealthHandler struct {
	db     *database.DB
	logger *slog.Logger
}

func NewHealthHandler(db *database.DB, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// Liveness handles GET /healthz. It answers as long as the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness handles GET /readyz. It fails when the database is unreachable
// so load balancers stop sending traffic before requests start erroring.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		h.logger.Error("readiness check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "database unreachable",
		})
		return
	}

	stats := h.db.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"db_total_conns":    stats.TotalConns(),
		"db_idle_conns":     stats.IdleConns(),
		"db_acquired_conns": stats.AcquiredConns(),
	})
}
