package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwhitford/aegis/internal/database"
	"github.com/mwhitford/aegis/internal/models"
)

type PolicyRepository struct {
	pool *pgxpool.Pool
}

func NewPolicyRepository(db *database.DB) *PolicyRepository {
	return &PolicyRepository{pool: db.Pool}
}

const policyColumns = `id, name, path_pattern, priority, auth_required, s2s_required,
	permission_mode, permissions, enabled, description, created_at, updated_at`

func scanPolicyRow(scanner rowScanner) (*models.AuthPolicy, error) {
	var p models.AuthPolicy

	err := scanner.Scan(
		&p.ID, &p.Name, &p.PathPattern, &p.Priority, &p.AuthRequired, &p.S2SRequired,
		&p.PermissionMode, &p.Permissions, &p.Enabled, &p.Description,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &p, nil
}

func (r *PolicyRepository) GetByID(ctx context.Context, id string) (*models.AuthPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM auth_policies WHERE id = $1`

	return scanPolicyRow(r.pool.QueryRow(ctx, query, id))
}

// ListEnabledOrdered returns enabled policies in evaluation order: highest
// priority first, creation order then id breaking ties. The matcher relies
// on this ordering and takes the first pattern hit.
func (r *PolicyRepository) ListEnabledOrdered(ctx context.Context) ([]*models.AuthPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM auth_policies
		WHERE enabled = true
		ORDER BY priority DESC, created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	policies := make([]*models.AuthPolicy, 0)
	for rows.Next() {
		p, err := scanPolicyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

func (r *PolicyRepository) List(ctx context.Context, limit, offset int) ([]*models.AuthPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM auth_policies
		ORDER BY priority DESC, created_at ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	policies := make([]*models.AuthPolicy, 0)
	for rows.Next() {
		p, err := scanPolicyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

func (r *PolicyRepository) Create(ctx context.Context, p *models.AuthPolicy) (*models.AuthPolicy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	query := `
		INSERT INTO auth_policies (id, name, path_pattern, priority, auth_required, s2s_required, permission_mode, permissions, enabled, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + policyColumns

	return scanPolicyRow(r.pool.QueryRow(ctx, query,
		p.ID, p.Name, p.PathPattern, p.Priority, p.AuthRequired, p.S2SRequired,
		p.PermissionMode, p.Permissions, p.Enabled, p.Description,
	))
}

func (r *PolicyRepository) Update(ctx context.Context, p *models.AuthPolicy) (*models.AuthPolicy, error) {
	query := `
		UPDATE auth_policies
		SET name = $2, path_pattern = $3, priority = $4, auth_required = $5,
		    s2s_required = $6, permission_mode = $7, permissions = $8,
		    enabled = $9, description = $10, updated_at = now()
		WHERE id = $1
		RETURNING ` + policyColumns

	return scanPolicyRow(r.pool.QueryRow(ctx, query,
		p.ID, p.Name, p.PathPattern, p.Priority, p.AuthRequired, p.S2SRequired,
		p.PermissionMode, p.Permissions, p.Enabled, p.Description,
	))
}

func (r *PolicyRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM auth_policies WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
