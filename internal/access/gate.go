// Package access decides whether an authenticated actor may perform a paid or privileged
// action, and runs paid private messaging on top of that decision.
package access

import (
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
)

type Capability int

const (
	CapTip Capability = iota + 1
	CapWatch
	CapPrivateMessage
	CapWithdrawCreate
	CapWithdrawReview
	CapReadAnyWallet
	CapManageStreams
	CapReconcile
	CapViewAudit
)

var capabilityNames = map[Capability]string{
	CapTip:            "tip",
	CapWatch:          "watch",
	CapPrivateMessage: "private_message",
	CapWithdrawCreate: "withdraw_create",
	CapWithdrawReview: "withdraw_review",
	CapReadAnyWallet:  "read_any_wallet",
	CapManageStreams:  "manage_streams",
	CapReconcile:      "reconcile",
	CapViewAudit:      "view_audit",
}

func (c Capability) String() string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return "unknown"
}

var roleCapabilities = map[auth.Role]map[Capability]struct{}{
	auth.RoleViewer:  set(CapTip, CapWatch, CapPrivateMessage),
	auth.RoleCreator: set(CapTip, CapWatch, CapPrivateMessage, CapWithdrawCreate),
	auth.RoleAdmin:   set(CapWithdrawReview, CapReadAnyWallet, CapReconcile, CapViewAudit, CapManageStreams),
	auth.RoleService: set(CapManageStreams),
}

func set(caps ...Capability) map[Capability]struct{} {
	out := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		out[c] = struct{}{}
	}
	return out
}

func Allowed(role auth.Role, c Capability) bool {
	_, ok := roleCapabilities[role][c]
	return ok
}

// Require fails with a permission error unless actor's role grants c.
func Require(actor auth.Actor, c Capability) error {
	if actor.ID == "" {
		return apperr.Auth("missing identity")
	}
	if !Allowed(actor.Role, c) {
		return apperr.Permission("role %s may not %s", actor.Role, c)
	}
	return nil
}

// RequireOwnerOr passes when actor owns the resource or holds c.
func RequireOwnerOr(actor auth.Actor, ownerID string, c Capability) error {
	if actor.ID == "" {
		return apperr.Auth("missing identity")
	}
	if actor.ID == ownerID || Allowed(actor.Role, c) {
		return nil
	}
	return apperr.Permission("not the owner")
}
