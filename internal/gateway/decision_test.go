package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mwhitford/aegis/internal/models"
)

func TestEvaluateFailsClosedWithoutPolicy(t *testing.T) {
	d := Evaluate(nil, &Caller{ID: "u1", IsSuperuser: true})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoPolicy, d.Reason)
}

func TestEvaluateAnonymousPolicy(t *testing.T) {
	pol := &models.PolicyView{ID: "p1", AuthRequired: false}

	d := Evaluate(pol, nil)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowedAnonymous, d.Reason)
	assert.Equal(t, "p1", d.PolicyID)

	// An authenticated caller on the same policy is reported as such.
	d = Evaluate(pol, &Caller{ID: "u1"})
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowed, d.Reason)
}

func TestEvaluateServiceOnlyWithoutAuthRequired(t *testing.T) {
	// auth_required=false does not neutralize the service restriction.
	pol := &models.PolicyView{ID: "p1", AuthRequired: false, S2SRequired: true}

	d := Evaluate(pol, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonServiceOnly, d.Reason)

	d = Evaluate(pol, &Caller{ID: "u1"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonServiceOnly, d.Reason)

	d = Evaluate(pol, &Caller{ID: "svc1", IsService: true})
	assert.True(t, d.Allowed)
}

func TestEvaluatePermissionsWithoutAuthRequired(t *testing.T) {
	// A required-permission set binds even when authentication is optional.
	pol := &models.PolicyView{
		ID:             "p1",
		AuthRequired:   false,
		PermissionMode: models.PermissionModeAny,
		Permissions:    []string{"aegis:users:read"},
	}

	d := Evaluate(pol, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)

	d = Evaluate(pol, &Caller{ID: "u1", Permissions: []string{"billing:invoices:read"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMissingPerms, d.Reason)

	d = Evaluate(pol, &Caller{ID: "u1", Permissions: []string{"aegis:users:read"}})
	assert.True(t, d.Allowed)
}

func TestEvaluateRequiresCaller(t *testing.T) {
	pol := &models.PolicyView{ID: "p1", AuthRequired: true}

	d := Evaluate(pol, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)
}

func TestEvaluateServiceOnly(t *testing.T) {
	pol := &models.PolicyView{ID: "p1", AuthRequired: true, S2SRequired: true}

	d := Evaluate(pol, &Caller{ID: "u1"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonServiceOnly, d.Reason)

	d = Evaluate(pol, &Caller{ID: "svc1", IsService: true})
	assert.True(t, d.Allowed)
}

func TestEvaluatePermissions(t *testing.T) {
	pol := &models.PolicyView{
		ID:             "p1",
		AuthRequired:   true,
		PermissionMode: models.PermissionModeAll,
		Permissions:    []string{"aegis:users:read", "aegis:users:write"},
	}

	d := Evaluate(pol, &Caller{ID: "u1", Permissions: []string{"aegis:users:read"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMissingPerms, d.Reason)

	d = Evaluate(pol, &Caller{ID: "u1", Permissions: []string{"aegis:users:*"}})
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowed, d.Reason)
}

func TestEvaluateSuperuserBypassesPermissions(t *testing.T) {
	pol := &models.PolicyView{
		ID:           "p1",
		AuthRequired: true,
		Permissions:  []string{"aegis:admin:everything"},
	}

	d := Evaluate(pol, &Caller{ID: "u1", IsSuperuser: true})
	assert.True(t, d.Allowed)
}

func TestEvaluateSuperuserDoesNotBypassServiceCheck(t *testing.T) {
	pol := &models.PolicyView{ID: "p1", AuthRequired: true, S2SRequired: true}

	d := Evaluate(pol, &Caller{ID: "u1", IsSuperuser: true})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonServiceOnly, d.Reason)
}
