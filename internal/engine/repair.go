package engine

import (
	"github.com/pitabwire/approvals/model"
)

// Repair fills in fields that older stored bundles may lack: the display
// number, the submission time of anything past DRAFT, and the owning
// application id on child records. It writes no audit entry and reports
// whether anything changed.
func Repair(b model.Bundle) (model.Bundle, bool) {
	out := b.Clone()
	app := &out.Application
	changed := false

	if app.Number == "" {
		app.Number = ApplicationNumber(app.ID, app.CreatedAt)
		changed = true
	}
	if app.SubmittedAt == nil && app.Status != model.StatusDraft {
		created := app.CreatedAt
		app.SubmittedAt = &created
		changed = true
	}

	for i := range out.Values {
		if out.Values[i].ApplicationID != app.ID {
			out.Values[i].ApplicationID = app.ID
			changed = true
		}
	}
	for i := range out.Attachments {
		if out.Attachments[i].ApplicationID != app.ID {
			out.Attachments[i].ApplicationID = app.ID
			changed = true
		}
	}
	for i := range out.Delegates {
		if out.Delegates[i].ApplicationID != app.ID {
			out.Delegates[i].ApplicationID = app.ID
			changed = true
		}
	}
	for i := range out.AuditTrail {
		if out.AuditTrail[i].ApplicationID != app.ID {
			out.AuditTrail[i].ApplicationID = app.ID
			changed = true
		}
	}

	if !changed {
		return b, false
	}
	return out, true
}
