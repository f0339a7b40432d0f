package gateway

import (
	"github.com/mwhitford/aegis/internal/models"
	"github.com/mwhitford/aegis/internal/rbac"
)

// Deny reasons surfaced in audit logs and error responses.
const (
	ReasonNoPolicy         = "no_matching_policy"
	ReasonUnauthenticated  = "authentication_required"
	ReasonServiceOnly      = "service_credentials_required"
	ReasonMissingPerms     = "insufficient_permissions"
	ReasonAllowedAnonymous = "anonymous_allowed"
	ReasonAllowed          = "authorized"
)

// ReasonText renders a deny reason for human consumption on the response
// path. Audit rows keep the machine codes.
func ReasonText(reason string) string {
	switch reason {
	case ReasonNoPolicy:
		return "no matching policy"
	case ReasonUnauthenticated:
		return "authentication required"
	case ReasonServiceOnly:
		return "service credentials required"
	case ReasonMissingPerms:
		return "insufficient permissions"
	default:
		return "access denied"
	}
}

// Caller is the authenticated principal as the decision engine sees it.
// A nil *Caller means the request carried no valid credentials.
type Caller struct {
	ID          string
	Label       string // username or service code, for audit output
	IsService   bool
	IsSuperuser bool
	Roles       []string
	Permissions []string
}

// Decision is the engine's verdict for one request.
type Decision struct {
	Allowed  bool
	Reason   string
	PolicyID string
}

// Evaluate runs the access checks in order and stops at the first failure.
// The engine fails closed: a path with no matching policy is denied, never
// passed through. Every check applies independently; a policy that allows
// anonymous access can still be service-only or carry required permissions.
//
//  1. a policy must match the path
//  2. if the policy requires authentication, a caller must be present
//  3. if the policy is service-to-service only, the caller must be an
//     authenticated service, superuser or not
//  4. if the policy names required permissions, an authenticated caller
//     must satisfy them; superusers pass implicitly
func Evaluate(policy *models.PolicyView, caller *Caller) Decision {
	if policy == nil {
		return Decision{Allowed: false, Reason: ReasonNoPolicy}
	}

	if policy.AuthRequired && caller == nil {
		return Decision{Allowed: false, Reason: ReasonUnauthenticated, PolicyID: policy.ID}
	}

	if policy.S2SRequired && (caller == nil || !caller.IsService) {
		return Decision{Allowed: false, Reason: ReasonServiceOnly, PolicyID: policy.ID}
	}

	if len(policy.Permissions) > 0 {
		if caller == nil {
			return Decision{Allowed: false, Reason: ReasonUnauthenticated, PolicyID: policy.ID}
		}
		if !caller.IsSuperuser && !rbac.Satisfies(caller.Permissions, policy.Permissions, policy.PermissionMode) {
			return Decision{Allowed: false, Reason: ReasonMissingPerms, PolicyID: policy.ID}
		}
	}

	if caller == nil {
		return Decision{Allowed: true, Reason: ReasonAllowedAnonymous, PolicyID: policy.ID}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed, PolicyID: policy.ID}
}
