package engine

import (
	"slices"
	"time"

	"github.com/pitabwire/approvals/model"
)

// SweepResult reports what a sweep pass changed.
type SweepResult struct {
	// Bundles is the caller's slice when nothing changed, and a new slice
	// with the changed bundles replaced otherwise.
	Bundles []model.Bundle
	Mutated bool
	// Changed lists the ids of mutated applications in input order.
	Changed []int64

	AutoApproved int
	Bounced      int
	Refreshed    int
	Cleared      int
}

// Sweep runs the SLA automation over every bundle independently:
//
//  1. A bundle whose type is missing or which is not PENDING loses any stale
//     due date.
//  2. The due date is recomputed from the current step.
//  3. When the due date has passed, the step's expire action is applied with
//     a nil actor: AUTO_APPROVE advances the step, BOUNCE_BACK rejects it.
//
// Running Sweep twice without the clock moving changes nothing the second
// time.
func (e *Engine) Sweep(bundles []model.Bundle) SweepResult {
	now := e.clock.Now()
	res := SweepResult{Bundles: bundles}

	var out []model.Bundle
	for i, b := range bundles {
		next, changed := e.sweepOne(b, now, &res)
		if !changed {
			continue
		}
		if out == nil {
			out = slices.Clone(bundles)
		}
		out[i] = next
		res.Changed = append(res.Changed, b.Application.ID)
	}

	if out != nil {
		res.Bundles = out
		res.Mutated = true
	}
	return res
}

func (e *Engine) sweepOne(b model.Bundle, now time.Time, res *SweepResult) (model.Bundle, bool) {
	app := b.Application
	t := e.typeOf(app)

	if t == nil || app.Status != model.StatusPending {
		if app.DueAt == nil {
			return b, false
		}
		out := b.Clone()
		out.Application.DueAt = nil
		res.Cleared++
		return out, true
	}

	working, changed := b, false
	due := ComputeDueDate(t, app, nil)
	if !sameTime(due, app.DueAt) {
		working = b.Clone()
		working.Application.DueAt = due
		res.Refreshed++
		changed = true
	}

	if due == nil || due.After(now) {
		return working, changed
	}
	sla, ok := t.SLAFor(app.CurrentStepIndex)
	if !ok {
		return working, changed
	}

	if sla.OnExpire == model.ExpireBounceBack {
		working = e.Reject(working, nil, model.ActionExpireBounce, CommentExpireBounced)
		res.Bounced++
	} else {
		working = e.Approve(working, nil, model.ActionAutoApprove, CommentAutoApproved)
		res.AutoApproved++
	}
	return working, true
}

// NeedsSweep reports whether Sweep would change b at the current time. It
// allocates nothing, so callers can use it to skip bundles before locking.
func (e *Engine) NeedsSweep(b model.Bundle) bool {
	app := b.Application
	t := e.typeOf(app)
	if t == nil || app.Status != model.StatusPending {
		return app.DueAt != nil
	}
	due := ComputeDueDate(t, app, nil)
	if !sameTime(due, app.DueAt) {
		return true
	}
	if due == nil || due.After(e.clock.Now()) {
		return false
	}
	_, ok := t.SLAFor(app.CurrentStepIndex)
	return ok
}
