package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mwhitford/aegis/internal/config"
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/obs"
	"github.com/mwhitford/aegis/internal/ratelimit"
	"github.com/mwhitford/aegis/internal/rbac"
	"github.com/mwhitford/aegis/internal/repositories"
	"github.com/mwhitford/aegis/internal/services"

	authpkg "github.com/mwhitford/aegis/internal/auth"
	pkglogger "github.com/mwhitford/aegis/pkg/logger"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestMetrics returns collectors on a private registry so tests never
// collide on registration.
func newTestMetrics() *obs.Metrics {
	return obs.NewMetrics()
}

// newTestRequest builds an HTTP request with a JSON body.
func newTestRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.1.2.3:51234"
	return req
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(target))
}

func testHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

// In-memory stores backing real services for handler tests.

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newFakeUserStore(users ...*models.User) *fakeUserStore {
	s := &fakeUserStore{users: make(map[string]*models.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *fakeUserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) GetByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeUserStore) BumpTokenVersion(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

func (s *fakeUserStore) RecordLoginFailure(_ context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	u.FailedLoginAttempts++
	u.LastFailedLoginAt = &at
	return u.FailedLoginAttempts, nil
}

func (s *fakeUserStore) RecordLoginSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &at
	return nil
}

func (s *fakeUserStore) SetLockout(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.LockedUntil = &until
	return nil
}

func (s *fakeUserStore) ClearLockout(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.LockedUntil = nil
	u.FailedLoginAttempts = 0
	return nil
}

type fakeRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{tokens: make(map[string]*models.RefreshToken)}
}

func (s *fakeRefreshStore) Create(_ context.Context, t *models.RefreshToken) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	s.tokens[t.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeRefreshStore) GetByJTI(_ context.Context, jti string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.JTI == jti {
			cp := *t
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeRefreshStore) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	t.RevokedAt = &at
	return true, nil
}

func (s *fakeRefreshStore) Rotate(_ context.Context, oldID string, t *models.RefreshToken, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldID]
	if !ok || old.RevokedAt != nil {
		return false, nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	old.RevokedAt = &at
	newID := t.ID
	old.ReplacedBy = &newID
	cp := *t
	s.tokens[t.ID] = &cp
	return true, nil
}

func (s *fakeRefreshStore) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &at
			count++
		}
	}
	return count, nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []*models.AuthEvent
}

func (s *fakeEventStore) Create(_ context.Context, e *models.AuthEvent) (*models.AuthEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	cp := *e
	s.events = append(s.events, &cp)
	return &cp, nil
}

func (s *fakeEventStore) CountFailedLoginsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.events {
		if e.IP == ip && e.EventType == models.EventLogin && e.Result == models.ResultFailure && !e.TS.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *fakeEventStore) CountDistinctPrincipalsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, e := range s.events {
		if e.IP == ip && e.EventType == models.EventLogin && e.Result == models.ResultFailure && e.PrincipalID != nil && !e.TS.Before(since) {
			seen[*e.PrincipalID] = struct{}{}
		}
	}
	return len(seen), nil
}

type fakeBanStore struct {
	mu   sync.Mutex
	bans []*models.IPBanRecord
}

func (s *fakeBanStore) Create(_ context.Context, ban *models.IPBanRecord) (*models.IPBanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bans {
		if b.IP == ban.IP && b.Active(time.Now()) {
			return nil, models.ErrConflict
		}
	}
	if ban.ID == "" {
		ban.ID = uuid.NewString()
	}
	cp := *ban
	s.bans = append(s.bans, &cp)
	out := cp
	return &out, nil
}

func (s *fakeBanStore) GetActiveByIP(_ context.Context, ip string) (*models.IPBanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bans {
		if b.IP == ip && b.Active(time.Now()) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeBanStore) GetLatestByIP(_ context.Context, ip string) (*models.IPBanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.IPBanRecord
	for _, b := range s.bans {
		if b.IP == ip && (latest == nil || b.BannedAt.After(latest.BannedAt)) {
			latest = b
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *fakeBanStore) List(_ context.Context, activeOnly bool, limit, offset int) ([]*models.IPBanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.IPBanRecord
	for _, b := range s.bans {
		if activeOnly && !b.Active(time.Now()) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeBanStore) Count(_ context.Context, activeOnly bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bans {
		if activeOnly && !b.Active(time.Now()) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *fakeBanStore) Unban(_ context.Context, ip, actor, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bans {
		if b.IP == ip && b.UnbannedAt == nil && (b.ExpiresAt == nil || b.ExpiresAt.After(at)) {
			b.UnbannedAt = &at
			b.UnbannedBy = &actor
			b.UnbanReason = reason
			return true, nil
		}
	}
	return false, nil
}

type staticResolver struct {
	snap rbac.Snapshot
}

func (r *staticResolver) Resolve(context.Context, string) (*rbac.Snapshot, error) {
	cp := r.snap
	return &cp, nil
}

type fakePolicyStore struct {
	policies []*models.AuthPolicy
}

func (s *fakePolicyStore) GetByID(_ context.Context, id string) (*models.AuthPolicy, error) {
	for _, p := range s.policies {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakePolicyStore) List(context.Context, int, int) ([]*models.AuthPolicy, error) {
	return s.policies, nil
}

func (s *fakePolicyStore) ListEnabledOrdered(context.Context) ([]*models.AuthPolicy, error) {
	var out []*models.AuthPolicy
	for _, p := range s.policies {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePolicyStore) Create(_ context.Context, p *models.AuthPolicy) (*models.AuthPolicy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.policies = append(s.policies, p)
	return p, nil
}

func (s *fakePolicyStore) Update(_ context.Context, p *models.AuthPolicy) (*models.AuthPolicy, error) {
	for i, existing := range s.policies {
		if existing.ID == p.ID {
			s.policies[i] = p
			return p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakePolicyStore) Delete(_ context.Context, id string) error {
	for i, p := range s.policies {
		if p.ID == id {
			s.policies = append(s.policies[:i], s.policies[i+1:]...)
			return nil
		}
	}
	return models.ErrNotFound
}

type fakeRouteStore struct {
	routes []*models.Route
}

func (s *fakeRouteStore) GetByID(_ context.Context, id string) (*models.Route, error) {
	for _, rt := range s.routes {
		if rt.ID == id {
			return rt, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeRouteStore) List(context.Context, int, int) ([]*models.Route, error) {
	return s.routes, nil
}

func (s *fakeRouteStore) ListEnabledOrdered(context.Context) ([]*models.Route, error) {
	var out []*models.Route
	for _, rt := range s.routes {
		if rt.Enabled {
			out = append(out, rt)
		}
	}
	return out, nil
}

func (s *fakeRouteStore) Create(_ context.Context, rt *models.Route) (*models.Route, error) {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	s.routes = append(s.routes, rt)
	return rt, nil
}

func (s *fakeRouteStore) Update(_ context.Context, rt *models.Route) (*models.Route, error) {
	for i, existing := range s.routes {
		if existing.ID == rt.ID {
			s.routes[i] = rt
			return rt, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeRouteStore) Delete(_ context.Context, id string) error {
	for i, rt := range s.routes {
		if rt.ID == id {
			s.routes = append(s.routes[:i], s.routes[i+1:]...)
			return nil
		}
	}
	return models.ErrNotFound
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (s *fakeAuditStore) Create(_ context.Context, a *models.AuditLog) (*models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.entries = append(s.entries, &cp)
	return &cp, nil
}

func (s *fakeAuditStore) List(_ context.Context, _ repositories.ListFilter, _, _ int) ([]*models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries, nil
}

func (s *fakeAuditStore) last() *models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil
	}
	return s.entries[len(s.entries)-1]
}

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		LoginMaxPerIP:       100,
		LoginMaxPerUsername: 100,
		LoginWindow:         time.Minute,
		LockoutThreshold:    5,
		LockoutDuration:     30 * time.Minute,
		BruteForceThreshold: 50,
		BruteForceWindow:    5 * time.Minute,
		StuffingThreshold:   50,
		StuffingWindow:      10 * time.Minute,
		AutoBanEnabled:      false,
	}
}

// authStack wires real services over the in-memory stores.
type authStack struct {
	handler *AuthHandler
	users   *fakeUserStore
	tokens  *services.TokenService
}

func newAuthStack(t *testing.T, cfg config.SecurityConfig, users ...*models.User) *authStack {
	t.Helper()

	userStore := newFakeUserStore(users...)
	refreshStore := newFakeRefreshStore()
	events := &fakeEventStore{}
	bans := &fakeBanStore{}
	logger := discardLogger()
	audit := pkglogger.NewAuditLogger(logger)

	tm := authpkg.NewTokenManager("handler-test-secret-0123456789ab", "aegis-test", 15*time.Minute, time.Hour)
	tokenSvc := services.NewTokenService(tm, userStore, refreshStore, &staticResolver{}, logger, 15*time.Minute, time.Hour)
	secSvc := services.NewSecurityService(events, bans, cfg, logger, audit)
	authSvc := services.NewAuthService(
		userStore, events, tokenSvc, secSvc, &staticResolver{},
		ratelimit.New(cfg.LoginMaxPerIP, cfg.LoginWindow),
		ratelimit.New(cfg.LoginMaxPerUsername, cfg.LoginWindow),
		cfg, logger, audit,
	)

	handler := NewAuthHandler(authSvc, tokenSvc, nil, newTestMetrics(), nil)
	return &authStack{handler: handler, users: userStore, tokens: tokenSvc}
}
