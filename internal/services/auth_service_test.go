package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mwhitford/aegis/internal/config"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/ratelimit"
	pkglogger "github.com/mwhitford/aegis/pkg/logger"
)

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		LoginMaxPerIP:       100,
		LoginMaxPerUsername: 100,
		LoginWindow:         time.Minute,
		LockoutThreshold:    3,
		LockoutDuration:     30 * time.Minute,
		BruteForceThreshold: 10,
		BruteForceWindow:    5 * time.Minute,
		StuffingThreshold:   5,
		StuffingWindow:      10 * time.Minute,
		AutoBanEnabled:      true,
		AutoBanDuration:     time.Hour,
	}
}

// testHash uses the minimum bcrypt cost to keep the suite fast.
func testHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

type authFixture struct {
	svc      *AuthService
	users    *mockUserStore
	events   *mockEventStore
	bans     *mockBanStore
	security *SecurityService
}

func newAuthFixture(t *testing.T, cfg config.SecurityConfig, users ...*models.User) *authFixture {
	t.Helper()

	userStore := newMockUserStore(users...)
	events := &mockEventStore{}
	bans := &mockBanStore{}
	logger := discardLogger()
	audit := pkglogger.NewAuditLogger(logger)

	tokenSvc := newTestTokenService(userStore, newMockRefreshTokenStore())
	secSvc := NewSecurityService(events, bans, cfg, logger, audit)

	svc := NewAuthService(
		userStore,
		events,
		tokenSvc,
		secSvc,
		&staticResolver{},
		ratelimit.New(cfg.LoginMaxPerIP, cfg.LoginWindow),
		ratelimit.New(cfg.LoginMaxPerUsername, cfg.LoginWindow),
		cfg,
		logger,
		audit,
	)

	return &authFixture{svc: svc, users: userStore, events: events, bans: bans, security: secSvc}
}

func loginUser(t *testing.T, password string) *models.User {
	return &models.User{
		ID:           "u1",
		Username:     "alice",
		PasswordHash: testHash(t, password),
		IsActive:     true,
		TokenVersion: 1,
	}
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t, testSecurityConfig(), loginUser(t, "Str0ngPass"))

	res, err := f.svc.Login(context.Background(), LoginInput{
		Username: "Alice", // case-insensitive
		Password: "Str0ngPass",
		IP:       "10.0.0.1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	assert.NotEmpty(t, res.Tokens.RefreshToken)

	// Success is recorded and counters are reset.
	assert.Equal(t, 0, f.users.users["u1"].FailedLoginAttempts)
	assert.NotNil(t, f.users.users["u1"].LastLoginAt)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t, testSecurityConfig(), loginUser(t, "Str0ngPass"))

	_, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice",
		Password: "wrong",
		IP:       "10.0.0.1",
	})
	assert.True(t, errors.Is(err, models.ErrCredentialInvalid))
	assert.Equal(t, 1, f.users.users["u1"].FailedLoginAttempts)
}

func TestLoginUnknownUserSameError(t *testing.T) {
	f := newAuthFixture(t, testSecurityConfig(), loginUser(t, "Str0ngPass"))

	_, err := f.svc.Login(context.Background(), LoginInput{
		Username: "nobody",
		Password: "whatever",
		IP:       "10.0.0.1",
	})
	assert.True(t, errors.Is(err, models.ErrCredentialInvalid))
}

func TestLoginLockoutAfterThreshold(t *testing.T) {
	cfg := testSecurityConfig()
	f := newAuthFixture(t, cfg, loginUser(t, "Str0ngPass"))

	for i := 0; i < cfg.LockoutThreshold; i++ {
		_, err := f.svc.Login(context.Background(), LoginInput{
			Username: "alice", Password: "wrong", IP: "10.0.0.1",
		})
		assert.True(t, errors.Is(err, models.ErrCredentialInvalid))
	}
	require.NotNil(t, f.users.users["u1"].LockedUntil)

	// Even the correct password is refused while locked.
	_, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice", Password: "Str0ngPass", IP: "10.0.0.1",
	})
	var locked *models.AccountLockedError
	require.True(t, errors.As(err, &locked))
	assert.Greater(t, locked.RemainingSeconds, 0)
	assert.True(t, errors.Is(err, models.ErrAccountLocked))
}

func TestLoginExpiredLockIsReset(t *testing.T) {
	user := loginUser(t, "Str0ngPass")
	past := time.Now().Add(-time.Minute)
	user.LockedUntil = &past
	user.FailedLoginAttempts = 5
	f := newAuthFixture(t, testSecurityConfig(), user)

	res, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice", Password: "Str0ngPass", IP: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.NotNil(t, res.Tokens)
	assert.Nil(t, f.users.users["u1"].LockedUntil)
	assert.Equal(t, 0, f.users.users["u1"].FailedLoginAttempts)
}

func TestLoginRateLimitedByUsername(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.LoginMaxPerUsername = 2
	f := newAuthFixture(t, cfg, loginUser(t, "Str0ngPass"))

	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(context.Background(), LoginInput{
			Username: "alice", Password: "wrong", IP: "10.0.0.1",
		})
		assert.True(t, errors.Is(err, models.ErrCredentialInvalid))
	}

	_, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice", Password: "Str0ngPass", IP: "10.0.0.1",
	})
	var limited *models.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.True(t, errors.Is(err, models.ErrRateLimited))
	assert.Greater(t, limited.ResetSeconds, 0)

	// The rejected attempt never reached the password check.
	assert.Equal(t, 2, f.users.users["u1"].FailedLoginAttempts)
}

func TestLoginRateLimitKeysAreIndependentPerIP(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.LoginMaxPerIP = 1
	f := newAuthFixture(t, cfg, loginUser(t, "Str0ngPass"))

	_, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice", Password: "wrong", IP: "10.0.0.1",
	})
	assert.True(t, errors.Is(err, models.ErrCredentialInvalid))

	_, err = f.svc.Login(context.Background(), LoginInput{
		Username: "bob", Password: "wrong", IP: "10.0.0.1",
	})
	assert.True(t, errors.Is(err, models.ErrRateLimited))

	// A different address is unaffected.
	res, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice", Password: "Str0ngPass", IP: "10.0.0.2",
	})
	require.NoError(t, err)
	assert.NotNil(t, res.Tokens)
}

func TestLoginDisabledAccount(t *testing.T) {
	user := loginUser(t, "Str0ngPass")
	user.IsActive = false
	f := newAuthFixture(t, testSecurityConfig(), user)

	_, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice", Password: "Str0ngPass", IP: "10.0.0.1",
	})
	assert.True(t, errors.Is(err, models.ErrAccountDisabled))
}

func TestLoginDisabledAccountWrongPassword(t *testing.T) {
	user := loginUser(t, "Str0ngPass")
	user.IsActive = false
	f := newAuthFixture(t, testSecurityConfig(), user)

	// The disabled state is only disclosed on a correct password; a wrong
	// guess is treated like any other credential failure and counted.
	_, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice", Password: "wrong", IP: "10.0.0.1",
	})
	assert.True(t, errors.Is(err, models.ErrCredentialInvalid))
	assert.Equal(t, 1, f.users.users["u1"].FailedLoginAttempts)
}

func TestLoginFailuresTriggerAutoBan(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.BruteForceThreshold = 3
	f := newAuthFixture(t, cfg, loginUser(t, "Str0ngPass"))

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Login(context.Background(), LoginInput{
			Username: "alice", Password: "wrong", IP: "203.0.113.9",
		})
	}

	ban, err := f.security.IsBanned(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, models.BanTypeBruteForce, ban.BanType)
}
