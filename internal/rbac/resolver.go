package rbac

import (
	"context"
	"fmt"
	"sort"
)

// Store supplies role and permission assignments from the database.
type Store interface {
	ListUserRoleCodes(ctx context.Context, userID string) ([]string, error)
	ListPermissionCodesForRoles(ctx context.Context, roleCodes []string) ([]string, error)
}

// Snapshot is the resolved authorization state of a principal at a point in
// time. It is what gets baked into access token claims.
type Snapshot struct {
	Roles       []string
	Permissions []string
}

// Resolver flattens a principal's role memberships into a deduplicated,
// sorted permission set.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the principal's roles and the union of their permission
// codes. Both slices come back sorted so identical grants always produce
// identical claims.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Snapshot, error) {
	roles, err := r.store.ListUserRoleCodes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list roles for user %s: %w", userID, err)
	}
	roles = dedupeSorted(roles)

	perms := []string{}
	if len(roles) > 0 {
		perms, err = r.store.ListPermissionCodesForRoles(ctx, roles)
		if err != nil {
			return nil, fmt.Errorf("list permissions for user %s: %w", userID, err)
		}
		perms = dedupeSorted(perms)
	}

	return &Snapshot{Roles: roles, Permissions: perms}, nil
}

func dedupeSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
