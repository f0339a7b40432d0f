package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mwhitford/aegis/internal/config"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/ratelimit"
	pkgauth "github.com/mwhitford/aegis/pkg/auth"
	pkglogger "github.com/mwhitford/aegis/pkg/logger"
)

// LoginUserStore is the slice of user persistence the login path needs.
type LoginUserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	RecordLoginFailure(ctx context.Context, id string, at time.Time) (int, error)
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error
	SetLockout(ctx context.Context, id string, until time.Time) error
	ClearLockout(ctx context.Context, id string) error
}

// LoginResult is a successful authentication outcome.
type LoginResult struct {
	Tokens *TokenPair
	User   *models.User
	Roles  []string
}

// dummyHash takes a bcrypt comparison's worth of time for unknown
// usernames, keeping the response latency of "no such user" close to
// "wrong password".
var dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// AuthService orchestrates the login pipeline: rate limiting, lockout,
// credential verification, event logging and threat response.
type AuthService struct {
	users       LoginUserStore
	events      AuthEventStore
	tokens      *TokenService
	security    *SecurityService
	resolver    PermissionSource
	ipLimiter   *ratelimit.Limiter
	userLimiter *ratelimit.Limiter
	cfg         config.SecurityConfig
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger

	now func() time.Time
}

func NewAuthService(
	users LoginUserStore,
	events AuthEventStore,
	tokens *TokenService,
	security *SecurityService,
	resolver PermissionSource,
	ipLimiter, userLimiter *ratelimit.Limiter,
	cfg config.SecurityConfig,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AuthService {
	return &AuthService{
		users:       users,
		events:      events,
		tokens:      tokens,
		security:    security,
		resolver:    resolver,
		ipLimiter:   ipLimiter,
		userLimiter: userLimiter,
		cfg:         cfg,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// LoginInput carries one authentication attempt.
type LoginInput struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
}

// Login runs the full pipeline. Failures are reported with generic errors
// so callers cannot distinguish unknown users from wrong passwords.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if username == "" || in.Password == "" {
		return nil, models.ErrCredentialInvalid
	}

	// Rate limits come first so a flood never reaches bcrypt.
	if res := s.ipLimiter.Allow("login:ip:" + in.IP); !res.Allowed {
		s.recordFailure(ctx, nil, in, "rate_limited_ip")
		return nil, &models.RateLimitedError{
			Limit:        res.Limit,
			ResetSeconds: int(res.RetryAfter.Seconds()) + 1,
		}
	}
	if res := s.userLimiter.Allow("login:username:" + username); !res.Allowed {
		s.recordFailure(ctx, nil, in, "rate_limited_username")
		return nil, &models.RateLimitedError{
			Limit:        res.Limit,
			ResetSeconds: int(res.RetryAfter.Seconds()) + 1,
		}
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = pkgauth.ComparePassword(dummyHash, in.Password)
			s.recordFailure(ctx, nil, in, "unknown_user")
			s.security.CheckAndRespond(ctx, in.IP)
			return nil, models.ErrCredentialInvalid
		}
		s.logger.Error("failed to load user for login", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := s.now()

	if user.LockedUntil != nil {
		if user.Locked(now) {
			s.recordFailure(ctx, user, in, "account_locked")
			return nil, &models.AccountLockedError{
				RemainingSeconds: int(user.LockRemaining(now).Seconds()) + 1,
			}
		}
		// Lock has expired; reset state before evaluating credentials.
		if err := s.users.ClearLockout(ctx, user.ID); err != nil {
			s.logger.Error("failed to clear expired lockout",
				slog.String("user_id", user.ID),
				slog.Any("error", err))
		}
		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, in.Password); err != nil {
		attempts, ferr := s.users.RecordLoginFailure(ctx, user.ID, now)
		if ferr != nil {
			s.logger.Error("failed to record login failure",
				slog.String("user_id", user.ID),
				slog.Any("error", ferr))
		} else if attempts >= s.cfg.LockoutThreshold {
			until := now.Add(s.cfg.LockoutDuration)
			if lerr := s.users.SetLockout(ctx, user.ID, until); lerr != nil {
				s.logger.Error("failed to set lockout",
					slog.String("user_id", user.ID),
					slog.Any("error", lerr))
			} else {
				s.logger.Warn("account locked after repeated failures",
					slog.String("user_id", user.ID),
					slog.Int("attempts", attempts))
			}
		}

		s.recordFailure(ctx, user, in, "invalid_password")
		s.security.CheckAndRespond(ctx, in.IP)
		return nil, models.ErrCredentialInvalid
	}

	// Only a verified password reveals that the account is disabled; a
	// wrong guess against a disabled account stays a credential failure.
	if !user.IsActive {
		s.recordFailure(ctx, user, in, "account_disabled")
		return nil, models.ErrAccountDisabled
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		s.logger.Error("failed to record login success",
			slog.String("user_id", user.ID),
			slog.Any("error", err))
	}

	snap, err := s.resolver.Resolve(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to resolve permissions at login",
			slog.String("user_id", user.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	pair, err := s.tokens.IssuePair(ctx, user, snap, in.IP, in.UserAgent)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, user, in, models.ResultSuccess, "")
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:   models.EventLogin,
		PrincipalID: user.ID,
		IPAddress:   in.IP,
		UserAgent:   in.UserAgent,
		Success:     true,
	})

	return &LoginResult{Tokens: pair, User: user, Roles: snap.Roles}, nil
}

// Logout revokes the presented refresh token and records the event.
func (s *AuthService) Logout(ctx context.Context, rawRefresh, ip, userAgent string) error {
	err := s.tokens.Revoke(ctx, rawRefresh)
	if err != nil && !errors.Is(err, models.ErrTokenNotFound) {
		return err
	}

	_, eerr := s.events.Create(ctx, &models.AuthEvent{
		EventType:     models.EventLogout,
		PrincipalType: "user",
		IP:            ip,
		UserAgent:     userAgent,
		Result:        models.ResultSuccess,
	})
	if eerr != nil {
		s.logger.Error("failed to record logout event", slog.Any("error", eerr))
	}
	return nil
}

func (s *AuthService) recordFailure(ctx context.Context, user *models.User, in LoginInput, reason string) {
	s.recordEvent(ctx, user, in, models.ResultFailure, reason)

	principalID := ""
	if user != nil {
		principalID = user.ID
	}
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     models.EventLogin,
		PrincipalID:   principalID,
		IPAddress:     in.IP,
		UserAgent:     in.UserAgent,
		Success:       false,
		FailureReason: reason,
	})
}

func (s *AuthService) recordEvent(ctx context.Context, user *models.User, in LoginInput, result, reason string) {
	event := &models.AuthEvent{
		EventType:     models.EventLogin,
		PrincipalType: "user",
		IP:            in.IP,
		UserAgent:     in.UserAgent,
		Result:        result,
		FailureReason: reason,
	}
	if user != nil {
		event.PrincipalID = &user.ID
	}

	if _, err := s.events.Create(ctx, event); err != nil {
		s.logger.Error("failed to record auth event",
			slog.String("result", result),
			slog.Any("error", err))
	}
}
