package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		granted  string
		required string
		want     bool
	}{
		{"exact", "aegis:users:read", "aegis:users:read", true},
		{"action wildcard", "aegis:users:*", "aegis:users:read", true},
		{"resource wildcard", "aegis:*:read", "aegis:users:read", true},
		{"full wildcard", "*:*:*", "aegis:users:read", true},
		{"different action", "aegis:users:read", "aegis:users:write", false},
		{"different service", "billing:users:read", "aegis:users:read", false},
		{"shorter granted does not expand", "aegis:*", "aegis:users:read", false},
		{"longer granted", "aegis:users:read:extra", "aegis:users:read", false},
		{"wildcard in required is literal", "aegis:users:read", "aegis:users:*", false},
		{"empty strings", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.granted, tt.required))
		})
	}
}

func TestSatisfies(t *testing.T) {
	granted := []string{"aegis:users:*", "aegis:roles:read"}

	t.Run("any mode needs one hit", func(t *testing.T) {
		assert.True(t, Satisfies(granted, []string{"aegis:users:delete", "billing:invoices:read"}, "any"))
	})

	t.Run("any mode with no hits", func(t *testing.T) {
		assert.False(t, Satisfies(granted, []string{"billing:invoices:read"}, "any"))
	})

	t.Run("all mode needs every hit", func(t *testing.T) {
		assert.True(t, Satisfies(granted, []string{"aegis:users:read", "aegis:roles:read"}, "all"))
		assert.False(t, Satisfies(granted, []string{"aegis:users:read", "aegis:roles:write"}, "all"))
	})

	t.Run("empty requirements always pass", func(t *testing.T) {
		assert.True(t, Satisfies(nil, nil, "all"))
		assert.True(t, Satisfies(nil, []string{}, "any"))
	})

	t.Run("empty grants fail non-empty requirements", func(t *testing.T) {
		assert.False(t, Satisfies(nil, []string{"aegis:users:read"}, "any"))
	})
}

type fakeStore struct {
	roles map[string][]string
	perms map[string][]string
}

func (f *fakeStore) ListUserRoleCodes(_ context.Context, userID string) ([]string, error) {
	return f.roles[userID], nil
}

func (f *fakeStore) ListPermissionCodesForRoles(_ context.Context, roleCodes []string) ([]string, error) {
	var out []string
	for _, rc := range roleCodes {
		out = append(out, f.perms[rc]...)
	}
	return out, nil
}

func TestResolverDedupesAndSorts(t *testing.T) {
	store := &fakeStore{
		roles: map[string][]string{
			"u1": {"editor", "viewer", "editor"},
		},
		perms: map[string][]string{
			"editor": {"aegis:users:write", "aegis:users:read"},
			"viewer": {"aegis:users:read"},
		},
	}
	r := NewResolver(store)

	snap, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"editor", "viewer"}, snap.Roles)
	assert.Equal(t, []string{"aegis:users:read", "aegis:users:write"}, snap.Permissions)
}

func TestResolverNoRoles(t *testing.T) {
	r := NewResolver(&fakeStore{roles: map[string][]string{}})

	snap, err := r.Resolve(context.Background(), "u2")
	require.NoError(t, err)
	assert.Empty(t, snap.Roles)
	assert.Empty(t, snap.Permissions)
}
