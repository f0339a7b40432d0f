package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/rbac"
)

// mockUserStore is an in-memory FullUserStore.
type mockUserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMockUserStore(users ...*models.User) *mockUserStore {
	m := &mockUserStore{users: make(map[string]*models.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUserStore) GetByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *mockUserStore) BumpTokenVersion(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

func (m *mockUserStore) RecordLoginFailure(_ context.Context, id string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	u.FailedLoginAttempts++
	u.LastFailedLoginAt = &at
	return u.FailedLoginAttempts, nil
}

func (m *mockUserStore) RecordLoginSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &at
	return nil
}

func (m *mockUserStore) SetLockout(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.LockedUntil = &until
	return nil
}

func (m *mockUserStore) ClearLockout(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.LockedUntil = nil
	u.FailedLoginAttempts = 0
	return nil
}

// mockRefreshTokenStore is an in-memory RefreshTokenStore.
type mockRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken // by id
}

func newMockRefreshTokenStore() *mockRefreshTokenStore {
	return &mockRefreshTokenStore{tokens: make(map[string]*models.RefreshToken)}
}

func (m *mockRefreshTokenStore) Create(_ context.Context, t *models.RefreshToken) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	m.tokens[t.ID] = &cp
	out := cp
	return &out, nil
}

func (m *mockRefreshTokenStore) GetByJTI(_ context.Context, jti string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.JTI == jti {
			cp := *t
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *mockRefreshTokenStore) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	t.RevokedAt = &at
	return true, nil
}

// Rotate mirrors the repository's all-or-nothing semantics: a loser's
// replacement record is never stored.
func (m *mockRefreshTokenStore) Rotate(_ context.Context, oldID string, t *models.RefreshToken, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldID]
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
	m.tokens[t.ID] = &cp
	return true, nil
}

func (m *mockRefreshTokenStore) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &at
			count++
		}
	}
	return count, nil
}

// staticResolver returns a fixed snapshot for every user.
type staticResolver struct {
	snap rbac.Snapshot
}

func (r *staticResolver) Resolve(context.Context, string) (*rbac.Snapshot, error) {
	cp := r.snap
	return &cp, nil
}

// mockEventStore is an in-memory AuthEventStore.
type mockEventStore struct {
	mu     sync.Mutex
	events []*models.AuthEvent
}

func (m *mockEventStore) Create(_ context.Context, e *models.AuthEvent) (*models.AuthEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	cp := *e
	m.events = append(m.events, &cp)
	return &cp, nil
}

func (m *mockEventStore) CountFailedLoginsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.events {
		if e.IP == ip && e.EventType == models.EventLogin && e.Result == models.ResultFailure && !e.TS.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *mockEventStore) CountDistinctPrincipalsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, e := range m.events {
		if e.IP == ip && e.EventType == models.EventLogin && e.Result == models.ResultFailure &&
			!e.TS.Before(since) && e.PrincipalID != nil {
			seen[*e.PrincipalID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (m *mockEventStore) byType(eventType string) []*models.AuthEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuthEvent
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// mockBanStore is an in-memory IPBanStore enforcing the one-active-ban rule.
type mockBanStore struct {
	mu   sync.Mutex
	bans []*models.IPBanRecord
}

func (m *mockBanStore) Create(_ context.Context, ban *models.IPBanRecord) (*models.IPBanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, b := range m.bans {
		if b.IP == ban.IP && b.UnbannedAt == nil {
			if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
				lifted := now
				b.UnbannedAt = &lifted
				b.UnbanReason = "expired"
				continue
			}
			return nil, models.ErrConflict
		}
	}
	if ban.ID == "" {
		ban.ID = uuid.NewString()
	}
	cp := *ban
	m.bans = append(m.bans, &cp)
	out := cp
	return &out, nil
}

func (m *mockBanStore) GetActiveByIP(_ context.Context, ip string) (*models.IPBanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, b := range m.bans {
		if b.IP == ip && b.Active(now) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *mockBanStore) GetLatestByIP(_ context.Context, ip string) (*models.IPBanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.IPBanRecord
	for _, b := range m.bans {
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

func (m *mockBanStore) List(_ context.Context, activeOnly bool, limit, offset int) ([]*models.IPBanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*models.IPBanRecord
	for _, b := range m.bans {
		if activeOnly && !b.Active(now) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockBanStore) Count(_ context.Context, activeOnly bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, b := range m.bans {
		if activeOnly && !b.Active(now) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *mockBanStore) Unban(_ context.Context, ip, actor, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bans {
		if b.IP == ip && b.UnbannedAt == nil && (b.ExpiresAt == nil || b.ExpiresAt.After(at)) {
			b.UnbannedAt = &at
			b.UnbannedBy = &actor
			b.UnbanReason = reason
			return true, nil
		}
	}
	return false, nil
}
