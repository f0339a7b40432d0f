package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mwhitford/aegis/internal/auth"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/rbac"
)

// UserStore is the slice of user persistence the token service needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	BumpTokenVersion(ctx context.Context, id string) (int, error)
}

// RefreshTokenStore persists refresh token records. Rotate must revoke the
// old record and insert its replacement atomically, reporting false when
// the old record was already revoked.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *models.RefreshToken) (*models.RefreshToken, error)
	GetByJTI(ctx context.Context, jti string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	Rotate(ctx context.Context, oldID string, t *models.RefreshToken, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error)
}

// PermissionSource resolves a user's authorization snapshot.
type PermissionSource interface {
	Resolve(ctx context.Context, userID string) (*rbac.Snapshot, error)
}

// TokenPair is an issued access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresIn  int
	RefreshExpiresIn int
}

// TokenService issues, rotates and revokes the gateway's tokens.
type TokenService struct {
	tm       *auth.TokenManager
	users    UserStore
	tokens   RefreshTokenStore
	resolver PermissionSource
	logger   *slog.Logger

	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

func NewTokenService(tm *auth.TokenManager, users UserStore, tokens RefreshTokenStore, resolver PermissionSource, logger *slog.Logger, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		tm:         tm,
		users:      users,
		tokens:     tokens,
		resolver:   resolver,
		logger:     logger,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// IssuePair mints an access/refresh pair for a user and records the refresh
// token server side.
func (s *TokenService) IssuePair(ctx context.Context, user *models.User, snap *rbac.Snapshot, ip, userAgent string) (*TokenPair, error) {
	access, _, err := s.tm.Issue(auth.IssueParams{
		Subject:      user.ID,
		Username:     user.Username,
		TokenType:    auth.TokenTypeAccess,
		TokenVersion: user.TokenVersion,
		Roles:        snap.Roles,
		Permissions:  snap.Permissions,
	})
	if err != nil {
		return nil, err
	}

	refresh, refreshClaims, err := s.tm.Issue(auth.IssueParams{
		Subject:      user.ID,
		Username:     user.Username,
		TokenType:    auth.TokenTypeRefresh,
		TokenVersion: user.TokenVersion,
	})
	if err != nil {
		return nil, err
	}

	_, err = s.tokens.Create(ctx, &models.RefreshToken{
		UserID:    user.ID,
		TokenHash: auth.HashToken(refresh),
		JTI:       refreshClaims.JTI,
		IssuedAt:  refreshClaims.IssuedAt,
		ExpiresAt: refreshClaims.ExpiresAt,
		IP:        ip,
		UserAgent: userAgent,
	})
	if err != nil {
		s.logger.Error("failed to persist refresh token",
			slog.String("user_id", user.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresIn:  int(s.accessTTL.Seconds()),
		RefreshExpiresIn: int(s.refreshTTL.Seconds()),
	}, nil
}

// Rotate exchanges a refresh token for a fresh pair. Revocation of the
// presented token and insertion of its replacement happen in one store
// transaction; when the same token is presented twice concurrently, the
// compare and swap picks exactly one winner and the loser gets
// models.ErrTokenInvalid.
func (s *TokenService) Rotate(ctx context.Context, rawRefresh, ip, userAgent string) (*TokenPair, error) {
	claims, err := s.tm.DecodeExpect(rawRefresh, auth.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	record, err := s.tokens.GetByJTI(ctx, claims.JTI)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrTokenNotFound
		}
		return nil, models.ErrInternalServer
	}

	now := s.now()
	if !record.Valid(now) {
		return nil, models.ErrTokenInvalid
	}

	// The stored hash must match the presented bytes, not just the JTI.
	if record.TokenHash != auth.HashToken(rawRefresh) {
		s.logger.Warn("refresh token hash mismatch",
			slog.String("jti", claims.JTI),
			slog.String("ip", ip))
		return nil, models.ErrTokenInvalid
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		return nil, models.ErrTokenInvalid
	}
	if !user.IsActive {
		return nil, models.ErrAccountDisabled
	}
	if claims.TokenVersion < user.TokenVersion {
		return nil, models.ErrTokenStale
	}

	snap, err := s.resolver.Resolve(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to resolve permissions",
			slog.String("user_id", user.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	access, _, err := s.tm.Issue(auth.IssueParams{
		Subject:      user.ID,
		Username:     user.Username,
		TokenType:    auth.TokenTypeAccess,
		TokenVersion: user.TokenVersion,
		Roles:        snap.Roles,
		Permissions:  snap.Permissions,
	})
	if err != nil {
		return nil, err
	}

	refresh, refreshClaims, err := s.tm.Issue(auth.IssueParams{
		Subject:      user.ID,
		Username:     user.Username,
		TokenType:    auth.TokenTypeRefresh,
		TokenVersion: user.TokenVersion,
	})
	if err != nil {
		return nil, err
	}

	// Revoking the old record and inserting its successor commit together,
	// so a crash mid-rotation never strands the caller without a usable
	// token. The store's compare and swap picks one winner under replay.
	won, err := s.tokens.Rotate(ctx, record.ID, &models.RefreshToken{
		UserID:    user.ID,
		TokenHash: auth.HashToken(refresh),
		JTI:       refreshClaims.JTI,
		IssuedAt:  refreshClaims.IssuedAt,
		ExpiresAt: refreshClaims.ExpiresAt,
		IP:        ip,
		UserAgent: userAgent,
	}, now)
	if err != nil {
		s.logger.Error("failed to persist rotation",
			slog.String("jti", claims.JTI),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !won {
		s.logger.Warn("refresh token reuse detected",
			slog.String("jti", claims.JTI),
			slog.String("user_id", record.UserID),
			slog.String("ip", ip))
		return nil, models.ErrTokenInvalid
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresIn:  int(s.accessTTL.Seconds()),
		RefreshExpiresIn: int(s.refreshTTL.Seconds()),
	}, nil
}

// Revoke invalidates a single refresh token, for logout.
func (s *TokenService) Revoke(ctx context.Context, rawRefresh string) error {
	claims, err := s.tm.DecodeExpect(rawRefresh, auth.TokenTypeRefresh)
	if err != nil {
		return err
	}

	record, err := s.tokens.GetByJTI(ctx, claims.JTI)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrTokenNotFound
		}
		return models.ErrInternalServer
	}

	if record.TokenHash != auth.HashToken(rawRefresh) {
		return models.ErrTokenInvalid
	}

	if _, err := s.tokens.Revoke(ctx, record.ID, s.now()); err != nil {
		return models.ErrInternalServer
	}
	return nil
}

// RevokeAll invalidates everything a user holds: the token version bump
// kills outstanding access tokens at validation time and every live refresh
// token is revoked. Returns the number of refresh tokens affected.
func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int, error) {
	if _, err := s.users.BumpTokenVersion(ctx, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, models.ErrNotFound
		}
		return 0, models.ErrInternalServer
	}

	count, err := s.tokens.RevokeAllForUser(ctx, userID, s.now())
	if err != nil {
		return 0, models.ErrInternalServer
	}

	s.logger.Info("revoked all tokens",
		slog.String("user_id", userID),
		slog.Int("refresh_tokens", count))
	return count, nil
}

// Authorize validates an access token and returns the caller it represents.
// User tokens older than the account's current token version are rejected
// with models.ErrTokenStale. Service tokens have no backing user row and
// skip the version check.
func (s *TokenService) Authorize(ctx context.Context, rawAccess string) (*auth.Claims, *models.User, error) {
	claims, err := s.tm.DecodeExpect(rawAccess, auth.TokenTypeAccess)
	if err != nil {
		return nil, nil, err
	}

	if claims.IsService() {
		return claims, nil, nil
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrTokenInvalid
		}
		return nil, nil, models.ErrInternalServer
	}
	if !user.IsActive {
		return nil, nil, models.ErrAccountDisabled
	}
	if claims.TokenVersion < user.TokenVersion {
		return nil, nil, models.ErrTokenStale
	}

	return claims, user, nil
}
