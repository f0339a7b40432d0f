package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwhitford/aegis/internal/database"
	"github.com/mwhitford/aegis/internal/models"
)

type RoleRepository struct {
	pool *pgxpool.Pool
}

func NewRoleRepository(db *database.DB) *RoleRepository {
	return &RoleRepository{pool: db.Pool}
}

const roleColumns = `id, code, name, description, is_system, created_at, updated_at`

func scanRoleRow(scanner rowScanner) (*models.Role, error) {
	var role models.Role

	err := scanner.Scan(
		&role.ID, &role.Code, &role.Name, &role.Description,
		&role.IsSystem, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &role, nil
}

func (r *RoleRepository) GetByID(ctx context.Context, id string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`

	return scanRoleRow(r.pool.QueryRow(ctx, query, id))
}

func (r *RoleRepository) GetByCode(ctx context.Context, code string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE code = $1`

	return scanRoleRow(r.pool.QueryRow(ctx, query, code))
}

func (r *RoleRepository) List(ctx context.Context) ([]*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles ORDER BY code`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	roles := make([]*models.Role, 0)
	for rows.Next() {
		role, err := scanRoleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return roles, nil
}

func (r *RoleRepository) Create(ctx context.Context, role *models.Role) (*models.Role, error) {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}

	query := `
		INSERT INTO roles (id, code, name, description, is_system)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + roleColumns

	return scanRoleRow(r.pool.QueryRow(ctx, query,
		role.ID, role.Code, role.Name, role.Description, role.IsSystem,
	))
}

func (r *RoleRepository) Update(ctx context.Context, role *models.Role) (*models.Role, error) {
	query := `
		UPDATE roles
		SET name = $2, description = $3, updated_at = now()
		WHERE id = $1
		RETURNING ` + roleColumns

	return scanRoleRow(r.pool.QueryRow(ctx, query, role.ID, role.Name, role.Description))
}

func (r *RoleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND is_system = false`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AssignRole attaches a role to a user. Re-assigning is a no-op rather than
// a conflict.
func (r *RoleRepository) AssignRole(ctx context.Context, userID, roleID string) error {
	query := `
		INSERT INTO user_roles (user_id, role_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, query, userID, roleID); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *RoleRepository) RemoveRole(ctx context.Context, userID, roleID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GrantPermission attaches a permission to a role by permission code.
func (r *RoleRepository) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	query := `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, query, roleID, permissionID); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *RoleRepository) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListUserRoleCodes returns the role codes assigned to a user. Satisfies
// the rbac.Store interface.
func (r *RoleRepository) ListUserRoleCodes(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT r.code
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.code
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return scanStrings(rows)
}

// ListPermissionCodesForRoles returns the union of permission codes granted
// to the given role codes. Satisfies the rbac.Store interface.
func (r *RoleRepository) ListPermissionCodesForRoles(ctx context.Context, roleCodes []string) ([]string, error) {
	query := `
		SELECT DISTINCT p.code
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN roles r ON r.id = rp.role_id
		WHERE r.code = ANY($1)
		ORDER BY p.code
	`

	rows, err := r.pool.Query(ctx, query, roleCodes)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return scanStrings(rows)
}

const permissionColumns = `id, code, name, description, service_code, created_at, updated_at`

func scanPermissionRow(scanner rowScanner) (*models.Permission, error) {
	var p models.Permission

	err := scanner.Scan(
		&p.ID, &p.Code, &p.Name, &p.Description,
		&p.ServiceCode, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &p, nil
}

func (r *RoleRepository) ListPermissions(ctx context.Context) ([]*models.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions ORDER BY code`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	perms := make([]*models.Permission, 0)
	for rows.Next() {
		p, err := scanPermissionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return perms, nil
}

func (r *RoleRepository) CreatePermission(ctx context.Context, p *models.Permission) (*models.Permission, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	query := `
		INSERT INTO permissions (id, code, name, description, service_code)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + permissionColumns

	return scanPermissionRow(r.pool.QueryRow(ctx, query,
		p.ID, p.Code, p.Name, p.Description, p.ServiceCode,
	))
}

func (r *RoleRepository) DeletePermission(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, database.MapPostgresError(err)
		}
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}
