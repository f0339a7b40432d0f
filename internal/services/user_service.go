package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mwhitford/aegis/internal/models"
	pkgauth "github.com/mwhitford/aegis/pkg/auth"
	pkglogger "github.com/mwhitford/aegis/pkg/logger"
)

// FullUserStore is the complete user persistence surface for admin CRUD.
type FullUserStore interface {
	UserStore
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	Update(ctx context.Context, user *models.User) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	Delete(ctx context.Context, id string) error
	ClearLockout(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// RoleStore is the role assignment surface the user service needs.
type RoleStore interface {
	GetByCode(ctx context.Context, code string) (*models.Role, error)
	AssignRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
}

// UserService handles user administration.
type UserService struct {
	users       FullUserStore
	roles       RoleStore
	tokens      *TokenService
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewUserService(users FullUserStore, roles RoleStore, tokens *TokenService, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *UserService {
	return &UserService{
		users:       users,
		roles:       roles,
		tokens:      tokens,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// CreateParams describes a new user.
type CreateParams struct {
	Username    string
	Email       string
	Password    string
	IsSuperuser bool
}

func (s *UserService) Create(ctx context.Context, p CreateParams) (*models.User, error) {
	username := strings.ToLower(strings.TrimSpace(p.Username))
	if username == "" {
		return nil, models.ErrBadRequest
	}
	if err := pkgauth.ValidatePassword(p.Password); err != nil {
		return nil, models.ErrBadRequest
	}

	hash, err := pkgauth.HashPassword(p.Password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user, err := s.users.Create(ctx, &models.User{
		Username:     username,
		Email:        strings.ToLower(strings.TrimSpace(p.Email)),
		PasswordHash: hash,
		IsActive:     true,
		IsSuperuser:  p.IsSuperuser,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user created",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username))
	return user, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *UserService) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.users.List(ctx, limit, offset)
}

// UpdateParams holds mutable user fields. Nil pointers leave the field
// unchanged.
type UpdateParams struct {
	Email       *string
	IsActive    *bool
	IsSuperuser *bool
}

func (s *UserService) Update(ctx context.Context, id string, p UpdateParams) (*models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.Email != nil {
		user.Email = strings.ToLower(strings.TrimSpace(*p.Email))
	}
	if p.IsActive != nil {
		user.IsActive = *p.IsActive
	}
	if p.IsSuperuser != nil {
		user.IsSuperuser = *p.IsSuperuser
	}

	updated, err := s.users.Update(ctx, user)
	if err != nil {
		return nil, err
	}

	// Deactivation should cut off live sessions too.
	if p.IsActive != nil && !*p.IsActive {
		if _, rerr := s.tokens.RevokeAll(ctx, id); rerr != nil {
			s.logger.Error("failed to revoke tokens on deactivation",
				slog.String("user_id", id),
				slog.Any("error", rerr))
		}
	}

	return updated, nil
}

func (s *UserService) Delete(ctx context.Context, id string) error {
	return s.users.Delete(ctx, id)
}

// ChangePassword verifies the current password, stores the new hash and
// revokes every outstanding token for the account.
func (s *UserService) ChangePassword(ctx context.Context, id, current, next string) error {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, current); err != nil {
		return models.ErrCredentialInvalid
	}
	if err := pkgauth.ValidatePassword(next); err != nil {
		return models.ErrBadRequest
	}

	hash, err := pkgauth.HashPassword(next)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.users.UpdatePassword(ctx, id, hash); err != nil {
		return err
	}

	if _, err := s.tokens.RevokeAll(ctx, id); err != nil {
		s.logger.Error("failed to revoke tokens after password change",
			slog.String("user_id", id),
			slog.Any("error", err))
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:   models.EventPasswordChange,
		PrincipalID: id,
		Success:     true,
	})
	return nil
}

// Unlock lifts a lockout early and resets the failure counter.
func (s *UserService) Unlock(ctx context.Context, id, actor string) error {
	if err := s.users.ClearLockout(ctx, id); err != nil {
		return err
	}

	s.auditLogger.LogSecurityAction(models.EventAccountUnlocked, id, actor, nil)
	return nil
}

func (s *UserService) AssignRole(ctx context.Context, userID, roleCode string) error {
	role, err := s.roles.GetByCode(ctx, roleCode)
	if err != nil {
		return err
	}
	return s.roles.AssignRole(ctx, userID, role.ID)
}

func (s *UserService) RemoveRole(ctx context.Context, userID, roleCode string) error {
	role, err := s.roles.GetByCode(ctx, roleCode)
	if err != nil {
		return err
	}
	return s.roles.RemoveRole(ctx, userID, role.ID)
}
