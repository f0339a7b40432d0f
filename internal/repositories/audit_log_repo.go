package repositories

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwhitford/aegis/internal/database"
	"github.com/mwhitford/aegis/internal/models"
)

type AuditLogRepository struct {
	pool *pgxpool.Pool
}

func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditLogColumns = `id, ts, request_id, principal_type, principal_id, principal_label,
	client_ip, user_agent, method, host, path, route_id, status_code, latency_ms,
	decision, deny_reason`

func scanAuditLogRow(scanner rowScanner) (*models.AuditLog, error) {
	var a models.AuditLog
	var denyReason *string

	err := scanner.Scan(
		&a.ID, &a.TS, &a.RequestID, &a.PrincipalType, &a.PrincipalID, &a.PrincipalLabel,
		&a.ClientIP, &a.UserAgent, &a.Method, &a.Host, &a.Path, &a.RouteID,
		&a.StatusCode, &a.LatencyMS, &a.Decision, &denyReason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if denyReason != nil {
		a.DenyReason = *denyReason
	}
	return &a, nil
}

func (r *AuditLogRepository) Create(ctx context.Context, a *models.AuditLog) (*models.AuditLog, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.TS.IsZero() {
		a.TS = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (id, ts, request_id, principal_type, principal_id, principal_label,
			client_ip, user_agent, method, host, path, route_id, status_code, latency_ms,
			decision, deny_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING ` + auditLogColumns

	return scanAuditLogRow(r.pool.QueryRow(ctx, query,
		a.ID, a.TS, a.RequestID, a.PrincipalType, a.PrincipalID, a.PrincipalLabel,
		a.ClientIP, a.UserAgent, a.Method, a.Host, a.Path, a.RouteID,
		a.StatusCode, a.LatencyMS, a.Decision, nullableString(a.DenyReason),
	))
}

// ListFilter narrows audit queries. Zero values mean "no filter".
type ListFilter struct {
	PrincipalID string
	ClientIP    string
	Decision    string
	Since       time.Time
}

func (r *AuditLogRepository) List(ctx context.Context, f ListFilter, limit, offset int) ([]*models.AuditLog, error) {
	query := `SELECT ` + auditLogColumns + ` FROM audit_logs WHERE 1=1`
	args := []any{}

	addFilter := func(clause string, v any) {
		args = append(args, v)
		query += clause + `$` + strconv.Itoa(len(args))
	}

	if f.PrincipalID != "" {
		addFilter(` AND principal_id = `, f.PrincipalID)
	}
	if f.ClientIP != "" {
		addFilter(` AND client_ip = `, f.ClientIP)
	}
	if f.Decision != "" {
		addFilter(` AND decision = `, f.Decision)
	}
	if !f.Since.IsZero() {
		addFilter(` AND ts >= `, f.Since)
	}

	args = append(args, limit, offset)
	query += ` ORDER BY ts DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		a, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, a)
	}

	return logs, rows.Err()
}

func (r *AuditLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_logs WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return int(tag.RowsAffected()), nil
}
