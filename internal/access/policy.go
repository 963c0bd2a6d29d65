// Package access decides who may see and act on an application, and builds
// the inbox views (all, pending, sent, returned) for an actor.
//
// Checks are pure functions of the request context, the bundle and its
// normalized type. An actor holding an administrator role passes every
// check.
package access

import (
	"slices"

	"github.com/pitabwire/approvals/model"
)

// AdminRoleID is the administrator role used when no other is configured.
const AdminRoleID int64 = 1

// Policy evaluates permissions for one set of administrator roles.
type Policy struct {
	adminRoleIDs []int64
}

// NewPolicy creates a Policy. With no ids, AdminRoleID is the only
// administrator role.
func NewPolicy(adminRoleIDs ...int64) *Policy {
	ids := slices.DeleteFunc(slices.Clone(adminRoleIDs), func(id int64) bool { return id == 0 })
	if len(ids) == 0 {
		ids = []int64{AdminRoleID}
	}
	return &Policy{adminRoleIDs: ids}
}

// IsAdmin reports whether rctx holds an administrator role.
func (p *Policy) IsAdmin(rctx *model.RequestContext) bool {
	if rctx == nil {
		return false
	}
	return rctx.HasAnyRole(p.adminRoleIDs)
}

// Visible reports whether rctx may see b at all: the requester, anyone
// holding a role in the type's flow, and any delegate on the bundle. A bundle
// whose type is unknown is visible to administrators only.
func (p *Policy) Visible(rctx *model.RequestContext, b model.Bundle, t *model.ApplicationType) bool {
	if rctx == nil {
		return false
	}
	if p.IsAdmin(rctx) {
		return true
	}
	if t == nil {
		return false
	}
	if b.Application.RequesterID == rctx.ActorID {
		return true
	}
	if rctx.HasAnyRole(t.Flow) {
		return true
	}
	for _, d := range b.Delegates {
		if d.DelegateUserID == rctx.ActorID {
			return true
		}
	}
	return false
}

// holdsCurrentStep reports whether rctx holds the role of b's current step or
// is the delegate for it.
func holdsCurrentStep(rctx *model.RequestContext, b model.Bundle, t *model.ApplicationType) bool {
	if t == nil || b.Application.Status != model.StatusPending {
		return false
	}
	roleID, ok := t.RoleAt(b.Application.CurrentStepIndex)
	if !ok {
		return false
	}
	if rctx.HasRole(roleID) {
		return true
	}
	d, ok := b.DelegateFor(roleID)
	return ok && d.DelegateUserID == rctx.ActorID
}

// CanApprove reports whether rctx may approve b at its current step.
func (p *Policy) CanApprove(rctx *model.RequestContext, b model.Bundle, t *model.ApplicationType) bool {
	if rctx == nil {
		return false
	}
	return p.IsAdmin(rctx) || holdsCurrentStep(rctx, b, t)
}

// CanReject reports whether rctx may reject b at its current step.
func (p *Policy) CanReject(rctx *model.RequestContext, b model.Bundle, t *model.ApplicationType) bool {
	return p.CanApprove(rctx, b, t)
}

// CanCreate reports whether rctx may open an application of type t.
func (p *Policy) CanCreate(rctx *model.RequestContext, t *model.ApplicationType) bool {
	if rctx == nil || t == nil {
		return false
	}
	if p.IsAdmin(rctx) || len(t.AllowedRoleIDs) == 0 {
		return true
	}
	return rctx.HasAnyRole(t.AllowedRoleIDs)
}

func (p *Policy) requesterOnly(rctx *model.RequestContext, b model.Bundle) bool {
	if rctx == nil {
		return false
	}
	return p.IsAdmin(rctx) || b.Application.RequesterID == rctx.ActorID
}

// CanEdit reports whether rctx may change values or add attachments.
func (p *Policy) CanEdit(rctx *model.RequestContext, b model.Bundle) bool {
	return p.requesterOnly(rctx, b)
}

// CanSubmit reports whether rctx may submit b.
func (p *Policy) CanSubmit(rctx *model.RequestContext, b model.Bundle) bool {
	return p.requesterOnly(rctx, b)
}

// CanResend reports whether rctx may resend b.
func (p *Policy) CanResend(rctx *model.RequestContext, b model.Bundle) bool {
	return p.requesterOnly(rctx, b)
}

// CanClose reports whether rctx may close b.
func (p *Policy) CanClose(rctx *model.RequestContext, b model.Bundle) bool {
	return p.requesterOnly(rctx, b)
}

// CanDelegate reports whether rctx may assign the delegate for forRoleID:
// the requester, or a holder of that role.
func (p *Policy) CanDelegate(rctx *model.RequestContext, b model.Bundle, forRoleID int64) bool {
	if rctx == nil {
		return false
	}
	return p.requesterOnly(rctx, b) || rctx.HasRole(forRoleID)
}
