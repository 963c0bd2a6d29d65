package access

import (
	"github.com/pitabwire/approvals/model"
)

// View names an inbox.
type View string

// Inbox views.
const (
	ViewAll      View = "all"
	ViewPending  View = "pending"
	ViewSent     View = "sent"
	ViewReturned View = "returned"
)

// ParseView maps a query value to a View. An empty value selects ViewAll.
func ParseView(s string) (View, bool) {
	switch v := View(s); v {
	case "":
		return ViewAll, true
	case ViewAll, ViewPending, ViewSent, ViewReturned:
		return v, true
	}
	return "", false
}

// TypeLookup resolves normalized application types.
type TypeLookup interface {
	Lookup(typeID int64) (model.ApplicationType, bool)
}

// Filter returns the bundles of view visible to rctx, in input order.
func (p *Policy) Filter(rctx *model.RequestContext, bundles []model.Bundle, types TypeLookup, view View) []model.Bundle {
	out := make([]model.Bundle, 0, len(bundles))
	for _, b := range bundles {
		var t *model.ApplicationType
		if at, ok := types.Lookup(b.Application.TypeID); ok {
			t = &at
		}
		if !p.Visible(rctx, b, t) {
			continue
		}
		if p.inView(rctx, b, t, view) {
			out = append(out, b)
		}
	}
	return out
}

func (p *Policy) inView(rctx *model.RequestContext, b model.Bundle, t *model.ApplicationType, view View) bool {
	switch view {
	case ViewPending:
		return holdsCurrentStep(rctx, b, t)
	case ViewSent:
		return b.Application.RequesterID == rctx.ActorID
	case ViewReturned:
		return Returned(b)
	default:
		return true
	}
}

// Returned reports whether b has been sent back: it is REJECTED, sits before
// the first step outside DRAFT, or its last transition was a rejection.
func Returned(b model.Bundle) bool {
	app := b.Application
	if app.Status == model.StatusRejected {
		return true
	}
	if app.Status != model.StatusDraft && app.CurrentStepIndex < 0 {
		return true
	}
	last, ok := b.LastAudit()
	return ok && (last.Action == model.ActionReject || last.Action == model.ActionExpireBounce)
}
