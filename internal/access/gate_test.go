package access

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
)

func TestRoleCapabilities(t *testing.T) {
	cases := []struct {
		role auth.Role
		cap  Capability
		want bool
	}{
		{auth.RoleViewer, CapTip, true},
		{auth.RoleViewer, CapWithdrawCreate, false},
		{auth.RoleCreator, CapWithdrawCreate, true},
		{auth.RoleCreator, CapWithdrawReview, false},
		{auth.RoleAdmin, CapWithdrawReview, true},
		{auth.RoleAdmin, CapTip, false},
		{auth.RoleService, CapManageStreams, true},
		{auth.RoleService, CapReconcile, false},
		{auth.Role("ROOT"), CapTip, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Allowed(tc.role, tc.cap), "%s/%s", tc.role, tc.cap)
	}
}

func TestRequireKinds(t *testing.T) {
	assert.True(t, apperr.IsKind(Require(auth.Actor{}, CapTip), apperr.KindAuth))
	assert.True(t, apperr.IsKind(Require(auth.Actor{ID: "v", Role: auth.RoleViewer}, CapReconcile), apperr.KindPermission))
	assert.NoError(t, Require(auth.Actor{ID: "v", Role: auth.RoleViewer}, CapTip))

	assert.NoError(t, RequireOwnerOr(auth.Actor{ID: "c", Role: auth.RoleCreator}, "c", CapReadAnyWallet))
	assert.NoError(t, RequireOwnerOr(auth.Actor{ID: "a", Role: auth.RoleAdmin}, "c", CapReadAnyWallet))
	assert.True(t, apperr.IsKind(RequireOwnerOr(auth.Actor{ID: "x", Role: auth.RoleCreator}, "c", CapReadAnyWallet), apperr.KindPermission))
}
