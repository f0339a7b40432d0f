package models

import "time"

// Permission check modes for policies and routes.
const (
	PermissionModeAny = "any"
	PermissionModeAll = "all"
)

// AuthPolicy decides whether a path requires authentication and which
// permissions it demands. Policies are administrator-managed and read-only
// to the decision engine.
type AuthPolicy struct {
	ID             string
	Name           string
	PathPattern    string
	Priority       int
	AuthRequired   bool
	S2SRequired    bool
	PermissionMode string
	Permissions    []string // required permission codes
	Enabled        bool
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Route maps a path pattern to an upstream service. Routes carry the same
// access-control fields as policies so the decision engine can treat both
// uniformly via PolicyView.
type Route struct {
	ID                 string
	Name               string
	Host               string // empty or "*" matches any host
	PathPattern        string
	Methods            string // comma-separated or "*"
	Priority           int
	UpstreamURL        string
	UpstreamPathPrefix string
	StripPrefix        bool
	AuthRequired       bool
	S2SRequired        bool
	PermissionMode     string
	Permissions        []string
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PolicyView is the uniform read model the decision engine evaluates,
// resolved once at lookup regardless of whether the record came from the
// policy table or the route table.
type PolicyView struct {
	ID             string
	PathPattern    string
	Priority       int
	AuthRequired   bool
	S2SRequired    bool
	PermissionMode string
	Permissions    []string
}

// View projects a policy into the decision engine's read model.
func (p *AuthPolicy) View() *PolicyView {
	return &PolicyView{
		ID:             p.ID,
		PathPattern:    p.PathPattern,
		Priority:       p.Priority,
		AuthRequired:   p.AuthRequired,
		S2SRequired:    p.S2SRequired,
		PermissionMode: p.PermissionMode,
		Permissions:    p.Permissions,
	}
}

// View projects a route into the decision engine's read model.
func (r *Route) View() *PolicyView {
	return &PolicyView{
		ID:             r.ID,
		PathPattern:    r.PathPattern,
		Priority:       r.Priority,
		AuthRequired:   r.AuthRequired,
		S2SRequired:    r.S2SRequired,
		PermissionMode: r.PermissionMode,
		Permissions:    r.Permissions,
	}
}
