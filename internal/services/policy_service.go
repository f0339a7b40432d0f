package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mwhitford/aegis/internal/gateway"
	"github.com/mwhitford/aegis/internal/models"
)

// PolicyStore persists auth policies.
type PolicyStore interface {
	GetByID(ctx context.Context, id string) (*models.AuthPolicy, error)
	List(ctx context.Context, limit, offset int) ([]*models.AuthPolicy, error)
	ListEnabledOrdered(ctx context.Context) ([]*models.AuthPolicy, error)
	Create(ctx context.Context, p *models.AuthPolicy) (*models.AuthPolicy, error)
	Update(ctx context.Context, p *models.AuthPolicy) (*models.AuthPolicy, error)
	Delete(ctx context.Context, id string) error
}

// RouteRegistry persists gateway routes.
type RouteRegistry interface {
	GetByID(ctx context.Context, id string) (*models.Route, error)
	List(ctx context.Context, limit, offset int) ([]*models.Route, error)
	ListEnabledOrdered(ctx context.Context) ([]*models.Route, error)
	Create(ctx context.Context, rt *models.Route) (*models.Route, error)
	Update(ctx context.Context, rt *models.Route) (*models.Route, error)
	Delete(ctx context.Context, id string) error
}

// PolicyService fronts policy and route storage and hands the gateway a
// compiled matcher. Matchers are rebuilt at most once per cacheTTL, and any
// write through this service drops the cache immediately.
type PolicyService struct {
	policies PolicyStore
	routes   RouteRegistry
	logger   *slog.Logger
	cacheTTL time.Duration

	mu            sync.RWMutex
	policyMatcher *gateway.Matcher
	routeMatcher  *gateway.Matcher
	routeByID     map[string]*models.Route
	cachedAt      time.Time

	now func() time.Time
}

func NewPolicyService(policies PolicyStore, routes RouteRegistry, logger *slog.Logger, cacheTTL time.Duration) *PolicyService {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	return &PolicyService{
		policies: policies,
		routes:   routes,
		logger:   logger,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

func (s *PolicyService) refresh(ctx context.Context) error {
	s.mu.RLock()
	fresh := s.policyMatcher != nil && s.now().Sub(s.cachedAt) < s.cacheTTL
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	policies, err := s.policies.ListEnabledOrdered(ctx)
	if err != nil {
		return err
	}
	views := make([]*models.PolicyView, 0, len(policies))
	for _, p := range policies {
		views = append(views, p.View())
	}
	pm, err := gateway.NewMatcher(views)
	if err != nil {
		return err
	}

	routes, err := s.routes.ListEnabledOrdered(ctx)
	if err != nil {
		return err
	}
	routeViews := make([]*models.PolicyView, 0, len(routes))
	routeByID := make(map[string]*models.Route, len(routes))
	for _, rt := range routes {
		routeViews = append(routeViews, rt.View())
		routeByID[rt.ID] = rt
	}
	rm, err := gateway.NewMatcher(routeViews)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.policyMatcher = pm
	s.routeMatcher = rm
	s.routeByID = routeByID
	s.cachedAt = s.now()
	s.mu.Unlock()
	return nil
}

// MatchPolicy returns the winning policy for a path, nil when none matches.
func (s *PolicyService) MatchPolicy(ctx context.Context, path string) (*models.PolicyView, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, _, ok := s.policyMatcher.Lookup(path)
	if !ok {
		return nil, nil
	}
	return policy, nil
}

// MatchRoute returns the winning route and its access view for a path.
func (s *PolicyService) MatchRoute(ctx context.Context, path string) (*models.Route, *models.PolicyView, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	view, _, ok := s.routeMatcher.Lookup(path)
	if !ok {
		return nil, nil, nil
	}
	return s.routeByID[view.ID], view, nil
}

func (s *PolicyService) invalidate() {
	s.mu.Lock()
	s.policyMatcher = nil
	s.routeMatcher = nil
	s.mu.Unlock()
}

func validateAccessFields(pattern, mode string) error {
	if _, err := gateway.Compile(pattern); err != nil {
		return models.ErrBadRequest
	}
	if mode != models.PermissionModeAny && mode != models.PermissionModeAll {
		return models.ErrBadRequest
	}
	return nil
}

func (s *PolicyService) GetPolicy(ctx context.Context, id string) (*models.AuthPolicy, error) {
	return s.policies.GetByID(ctx, id)
}

func (s *PolicyService) ListPolicies(ctx context.Context, limit, offset int) ([]*models.AuthPolicy, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.policies.List(ctx, limit, offset)
}

func (s *PolicyService) CreatePolicy(ctx context.Context, p *models.AuthPolicy) (*models.AuthPolicy, error) {
	if err := validateAccessFields(p.PathPattern, p.PermissionMode); err != nil {
		return nil, err
	}

	created, err := s.policies.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	s.invalidate()
	s.logger.Info("policy created",
		slog.String("policy_id", created.ID),
		slog.String("pattern", created.PathPattern))
	return created, nil
}

func (s *PolicyService) UpdatePolicy(ctx context.Context, p *models.AuthPolicy) (*models.AuthPolicy, error) {
	if err := validateAccessFields(p.PathPattern, p.PermissionMode); err != nil {
		return nil, err
	}

	updated, err := s.policies.Update(ctx, p)
	if err != nil {
		return nil, err
	}
	s.invalidate()
	return updated, nil
}

func (s *PolicyService) DeletePolicy(ctx context.Context, id string) error {
	if err := s.policies.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *PolicyService) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	return s.routes.GetByID(ctx, id)
}

func (s *PolicyService) ListRoutes(ctx context.Context, limit, offset int) ([]*models.Route, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.routes.List(ctx, limit, offset)
}

func (s *PolicyService) CreateRoute(ctx context.Context, rt *models.Route) (*models.Route, error) {
	if err := validateAccessFields(rt.PathPattern, rt.PermissionMode); err != nil {
		return nil, err
	}

	created, err := s.routes.Create(ctx, rt)
	if err != nil {
		return nil, err
	}
	s.invalidate()
	s.logger.Info("route created",
		slog.String("route_id", created.ID),
		slog.String("pattern", created.PathPattern),
		slog.String("upstream", created.UpstreamURL))
	return created, nil
}

func (s *PolicyService) UpdateRoute(ctx context.Context, rt *models.Route) (*models.Route, error) {
	if err := validateAccessFields(rt.PathPattern, rt.PermissionMode); err != nil {
		return nil, err
	}

	updated, err := s.routes.Update(ctx, rt)
	if err != nil {
		return nil, err
	}
	s.invalidate()
	return updated, nil
}

func (s *PolicyService) DeleteRoute(ctx context.Context, id string) error {
	if err := s.routes.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate()
	return nil
}
