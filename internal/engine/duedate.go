package engine

import (
	"time"

	"github.com/pitabwire/approvals/model"
)

// ComputeDueDate returns the SLA deadline for app's current step: base (or
// app.UpdatedAt when base is nil) plus the step's SLA duration. It returns nil
// when the type is unknown, the application is not PENDING, or the step has
// no SLA entry. It never reads the clock.
func ComputeDueDate(t *model.ApplicationType, app model.Application, base *time.Time) *time.Time {
	if t == nil || app.Status != model.StatusPending {
		return nil
	}
	sla, ok := t.SLAFor(app.CurrentStepIndex)
	if !ok {
		return nil
	}
	from := app.UpdatedAt
	if base != nil {
		from = *base
	}
	due := from.Add(time.Duration(sla.Seconds) * time.Second)
	return &due
}

// refreshTiming stamps UpdatedAt and recomputes DueAt from ts. Non-pending
// applications never carry a due date.
func refreshTiming(app *model.Application, t *model.ApplicationType, ts time.Time) {
	app.UpdatedAt = ts
	app.DueAt = ComputeDueDate(t, *app, &ts)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
