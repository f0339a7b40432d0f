package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwhitford/aegis/internal/database"
	"github.com/mwhitford/aegis/internal/models"
)

type RouteRepository struct {
	pool *pgxpool.Pool
}

func NewRouteRepository(db *database.DB) *RouteRepository {
	return &RouteRepository{pool: db.Pool}
}

const routeColumns = `id, name, host, path_pattern, methods, priority,
	upstream_url, upstream_path_prefix, strip_prefix,
	auth_required, s2s_required, permission_mode, permissions, enabled,
	created_at, updated_at`

func scanRouteRow(scanner rowScanner) (*models.Route, error) {
	var rt models.Route

	err := scanner.Scan(
		&rt.ID, &rt.Name, &rt.Host, &rt.PathPattern, &rt.Methods, &rt.Priority,
		&rt.UpstreamURL, &rt.UpstreamPathPrefix, &rt.StripPrefix,
		&rt.AuthRequired, &rt.S2SRequired, &rt.PermissionMode, &rt.Permissions, &rt.Enabled,
		&rt.CreatedAt, &rt.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &rt, nil
}

func (r *RouteRepository) GetByID(ctx context.Context, id string) (*models.Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes WHERE id = $1`

	return scanRouteRow(r.pool.QueryRow(ctx, query, id))
}

// ListEnabledOrdered returns enabled routes in evaluation order, matching
// the ordering contract of PolicyRepository.ListEnabledOrdered.
func (r *RouteRepository) ListEnabledOrdered(ctx context.Context) ([]*models.Route, error) {
	query := `
		SELECT ` + routeColumns + `
		FROM routes
		WHERE enabled = true
		ORDER BY priority DESC, created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	routes := make([]*models.Route, 0)
	for rows.Next() {
		rt, err := scanRouteRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, rt)
	}

	return routes, rows.Err()
}

func (r *RouteRepository) List(ctx context.Context, limit, offset int) ([]*models.Route, error) {
	query := `
		SELECT ` + routeColumns + `
		FROM routes
		ORDER BY priority DESC, created_at ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	routes := make([]*models.Route, 0)
	for rows.Next() {
		rt, err := scanRouteRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, rt)
	}

	return routes, rows.Err()
}

func (r *RouteRepository) Create(ctx context.Context, rt *models.Route) (*models.Route, error) {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}

	query := `
		INSERT INTO routes (id, name, host, path_pattern, methods, priority,
			upstream_url, upstream_path_prefix, strip_prefix,
			auth_required, s2s_required, permission_mode, permissions, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + routeColumns

	return scanRouteRow(r.pool.QueryRow(ctx, query,
		rt.ID, rt.Name, rt.Host, rt.PathPattern, rt.Methods, rt.Priority,
		rt.UpstreamURL, rt.UpstreamPathPrefix, rt.StripPrefix,
		rt.AuthRequired, rt.S2SRequired, rt.PermissionMode, rt.Permissions, rt.Enabled,
	))
}

func (r *RouteRepository) Update(ctx context.Context, rt *models.Route) (*models.Route, error) {
	query := `
		UPDATE routes
		SET name = $2, host = $3, path_pattern = $4, methods = $5, priority = $6,
		    upstream_url = $7, upstream_path_prefix = $8, strip_prefix = $9,
		    auth_required = $10, s2s_required = $11, permission_mode = $12,
		    permissions = $13, enabled = $14, updated_at = now()
		WHERE id = $1
		RETURNING ` + routeColumns

	return scanRouteRow(r.pool.QueryRow(ctx, query,
		rt.ID, rt.Name, rt.Host, rt.PathPattern, rt.Methods, rt.Priority,
		rt.UpstreamURL, rt.UpstreamPathPrefix, rt.StripPrefix,
		rt.AuthRequired, rt.S2SRequired, rt.PermissionMode, rt.Permissions, rt.Enabled,
	))
}

func (r *RouteRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM routes WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
