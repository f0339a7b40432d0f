package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/rbac"
)

// FullRoleStore is the complete role and permission persistence surface.
type FullRoleStore interface {
	RoleStore
	GetByID(ctx context.Context, id string) (*models.Role, error)
	List(ctx context.Context) ([]*models.Role, error)
	Create(ctx context.Context, role *models.Role) (*models.Role, error)
	Update(ctx context.Context, role *models.Role) (*models.Role, error)
	Delete(ctx context.Context, id string) error
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	RevokePermission(ctx context.Context, roleID, permissionID string) error
	ListPermissions(ctx context.Context) ([]*models.Permission, error)
	CreatePermission(ctx context.Context, p *models.Permission) (*models.Permission, error)
	DeletePermission(ctx context.Context, id string) error
	ListPermissionCodesForRoles(ctx context.Context, roleCodes []string) ([]string, error)
}

// RoleService handles role and permission administration.
type RoleService struct {
	roles  FullRoleStore
	logger *slog.Logger
}

func NewRoleService(roles FullRoleStore, logger *slog.Logger) *RoleService {
	return &RoleService{roles: roles, logger: logger}
}

func (s *RoleService) Get(ctx context.Context, id string) (*models.Role, error) {
	return s.roles.GetByID(ctx, id)
}

func (s *RoleService) List(ctx context.Context) ([]*models.Role, error) {
	return s.roles.List(ctx)
}

func (s *RoleService) Create(ctx context.Context, role *models.Role) (*models.Role, error) {
	role.Code = strings.ToLower(strings.TrimSpace(role.Code))
	if role.Code == "" {
		return nil, models.ErrBadRequest
	}

	created, err := s.roles.Create(ctx, role)
	if err != nil {
		return nil, err
	}

	s.logger.Info("role created",
		slog.String("role_id", created.ID),
		slog.String("code", created.Code))
	return created, nil
}

func (s *RoleService) Update(ctx context.Context, role *models.Role) (*models.Role, error) {
	return s.roles.Update(ctx, role)
}

// Delete removes a role. System roles are refused at the store level and
// surface as not found.
func (s *RoleService) Delete(ctx context.Context, id string) error {
	return s.roles.Delete(ctx, id)
}

// Permissions returns the permission codes a role grants.
func (s *RoleService) Permissions(ctx context.Context, roleID string) ([]string, error) {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return s.roles.ListPermissionCodesForRoles(ctx, []string{role.Code})
}

func (s *RoleService) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	if _, err := s.roles.GetByID(ctx, roleID); err != nil {
		return err
	}
	return s.roles.GrantPermission(ctx, roleID, permissionID)
}

func (s *RoleService) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	return s.roles.RevokePermission(ctx, roleID, permissionID)
}

func (s *RoleService) ListPermissions(ctx context.Context) ([]*models.Permission, error) {
	return s.roles.ListPermissions(ctx)
}

// CreatePermission registers a permission code. The code must be a valid
// segmented permission; wildcard segments are allowed so roles can carry
// grants like "billing:invoices:*".
func (s *RoleService) CreatePermission(ctx context.Context, p *models.Permission) (*models.Permission, error) {
	p.Code = strings.ToLower(strings.TrimSpace(p.Code))
	if !rbac.ValidCode(p.Code) {
		return nil, models.ErrBadRequest
	}
	if p.ServiceCode == "" {
		p.ServiceCode = p.Code[:strings.IndexByte(p.Code, ':')]
	}

	created, err := s.roles.CreatePermission(ctx, p)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		return nil, err
	}

	s.logger.Info("permission created", slog.String("code", created.Code))
	return created, nil
}

func (s *RoleService) DeletePermission(ctx context.Context, id string) error {
	return s.roles.DeletePermission(ctx, id)
}
