package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitford/aegis/internal/auth"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/rbac"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTokenService(users UserStore, tokens RefreshTokenStore) *TokenService {
	tm := auth.NewTokenManager("test-secret-test-secret-test-1234", "aegis", 15*time.Minute, 24*time.Hour)
	resolver := &staticResolver{snap: rbac.Snapshot{
		Roles:       []string{"viewer"},
		Permissions: []string{"aegis:users:read"},
	}}
	return NewTokenService(tm, users, tokens, resolver, discardLogger(), 15*time.Minute, 24*time.Hour)
}

func activeUser() *models.User {
	return &models.User{
		ID:           "u1",
		Username:     "alice",
		IsActive:     true,
		TokenVersion: 1,
	}
}

func TestIssuePairPersistsHashedToken(t *testing.T) {
	users := newMockUserStore(activeUser())
	store := newMockRefreshTokenStore()
	svc := newTestTokenService(users, store)

	pair, err := svc.IssuePair(context.Background(), activeUser(), &rbac.Snapshot{}, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	require.Len(t, store.tokens, 1)
	for _, rec := range store.tokens {
		assert.Equal(t, auth.HashToken(pair.RefreshToken), rec.TokenHash)
		assert.NotEqual(t, pair.RefreshToken, rec.TokenHash)
		assert.Equal(t, "10.0.0.1", rec.IP)
	}
}

func TestRotateIssuesNewPairAndRevokesOld(t *testing.T) {
	users := newMockUserStore(activeUser())
	store := newMockRefreshTokenStore()
	svc := newTestTokenService(users, store)

	pair, err := svc.IssuePair(context.Background(), activeUser(), &rbac.Snapshot{}, "10.0.0.1", "ua")
	require.NoError(t, err)

	rotated, err := svc.Rotate(context.Background(), pair.RefreshToken, "10.0.0.2", "ua")
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The presented token's record is revoked and linked to its successor.
	var old *models.RefreshToken
	for _, rec := range store.tokens {
		if rec.TokenHash == auth.HashToken(pair.RefreshToken) {
			old = rec
		}
	}
	require.NotNil(t, old)
	assert.NotNil(t, old.RevokedAt)
	assert.NotNil(t, old.ReplacedBy)
}

func TestRotateSameTokenTwiceHasOneWinner(t *testing.T) {
	users := newMockUserStore(activeUser())
	store := newMockRefreshTokenStore()
	svc := newTestTokenService(users, store)

	pair, err := svc.IssuePair(context.Background(), activeUser(), &rbac.Snapshot{}, "10.0.0.1", "ua")
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), pair.RefreshToken, "10.0.0.1", "ua")
	require.NoError(t, err)

	// Replay of the consumed token must fail.
	_, err = svc.Rotate(context.Background(), pair.RefreshToken, "10.0.0.1", "ua")
	assert.True(t, errors.Is(err, models.ErrTokenInvalid))
}

func TestRotateLoserLeavesNoPartialState(t *testing.T) {
	users := newMockUserStore(activeUser())
	store := newMockRefreshTokenStore()
	svc := newTestTokenService(users, store)

	pair, err := svc.IssuePair(context.Background(), activeUser(), &rbac.Snapshot{}, "10.0.0.1", "ua")
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), pair.RefreshToken, "10.0.0.1", "ua")
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), pair.RefreshToken, "10.0.0.1", "ua")
	require.True(t, errors.Is(err, models.ErrTokenInvalid))

	// Only the original and the winner's replacement exist; the losing
	// rotation persisted nothing.
	assert.Len(t, store.tokens, 2)
}

func TestRotateUnknownToken(t *testing.T) {
	users := newMockUserStore(activeUser())
	store := newMockRefreshTokenStore()
	svc := newTestTokenService(users, store)

	// A validly signed refresh token with no backing record.
	raw, _, err := svc.tm.Issue(auth.IssueParams{Subject: "u1", TokenType: auth.TokenTypeRefresh})
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), raw, "10.0.0.1", "ua")
	assert.True(t, errors.Is(err, models.ErrTokenNotFound))
}

func TestRotateRejectsAccessToken(t *testing.T) {
	users := newMockUserStore(activeUser())
	svc := newTestTokenService(users, newMockRefreshTokenStore())

	raw, _, err := svc.tm.Issue(auth.IssueParams{Subject: "u1", TokenType: auth.TokenTypeAccess})
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), raw, "10.0.0.1", "ua")
	assert.True(t, errors.Is(err, models.ErrTokenInvalid))
}

func TestRevokeAllInvalidatesAccessTokens(t *testing.T) {
	user := activeUser()
	users := newMockUserStore(user)
	store := newMockRefreshTokenStore()
	svc := newTestTokenService(users, store)

	pair, err := svc.IssuePair(context.Background(), user, &rbac.Snapshot{}, "10.0.0.1", "ua")
	require.NoError(t, err)

	// Token is good before the revocation.
	_, _, err = svc.Authorize(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	count, err := svc.RevokeAll(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The version bump makes the still-unexpired access token stale.
	_, _, err = svc.Authorize(context.Background(), pair.AccessToken)
	assert.True(t, errors.Is(err, models.ErrTokenStale))

	// And the refresh token can no longer rotate.
	_, err = svc.Rotate(context.Background(), pair.RefreshToken, "10.0.0.1", "ua")
	assert.Error(t, err)
}

func TestAuthorizeDisabledUser(t *testing.T) {
	user := activeUser()
	users := newMockUserStore(user)
	store := newMockRefreshTokenStore()
	svc := newTestTokenService(users, store)

	pair, err := svc.IssuePair(context.Background(), user, &rbac.Snapshot{}, "10.0.0.1", "ua")
	require.NoError(t, err)

	users.users["u1"].IsActive = false

	_, _, err = svc.Authorize(context.Background(), pair.AccessToken)
	assert.True(t, errors.Is(err, models.ErrAccountDisabled))
}

func TestAuthorizeServiceTokenSkipsUserLookup(t *testing.T) {
	// No users in the store at all.
	svc := newTestTokenService(newMockUserStore(), newMockRefreshTokenStore())

	raw, _, err := svc.tm.Issue(auth.IssueParams{
		Subject:   "service:billing",
		TokenType: auth.TokenTypeAccess,
	})
	require.NoError(t, err)

	claims, user, err := svc.Authorize(context.Background(), raw)
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.True(t, claims.IsService())
	assert.Equal(t, "billing", claims.ServiceCode())
}
