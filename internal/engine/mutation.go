package engine

import (
	"fmt"
	"time"

	"github.com/pitabwire/approvals/model"
)

// ApplicationNumber derives the display code for an application, for example
// TKT-2025-00042.
func ApplicationNumber(id int64, createdAt time.Time) string {
	return fmt.Sprintf("TKT-%d-%05d", createdAt.Year(), id)
}

// Create builds a new DRAFT bundle with a CREATE audit entry attributed to the
// requester. Attachments get fresh ids; an attachment without an uploader is
// attributed to the requester.
func (e *Engine) Create(typeID, requesterID int64, values []model.FieldValue, attachments []model.Attachment, comment string) model.Bundle {
	now := e.clock.Now()
	id := e.seq.NextApplicationID()

	b := model.Bundle{
		Application: model.Application{
			ID:               id,
			Number:           ApplicationNumber(id, now),
			TypeID:           typeID,
			RequesterID:      requesterID,
			Status:           model.StatusDraft,
			CurrentStepIndex: model.RejectedStepIndex,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		Values:      mergeValues(id, values),
		Attachments: make([]model.Attachment, 0, len(attachments)),
		AuditTrail:  make([]model.AuditEntry, 0, 1),
		Delegates:   []model.Delegate{},
	}
	for _, a := range attachments {
		b.Attachments = append(b.Attachments, e.newAttachment(id, a, requesterID, now))
	}

	e.appendAudit(&b, &requesterID, model.ActionCreate, comment, now)
	return b
}

// Submit moves the application to step 0 of its flow. A non-zero
// delegateUserID becomes the delegate for the first role; otherwise any
// delegate for that role is cleared.
func (e *Engine) Submit(b model.Bundle, actorID int64, comment string, delegateUserID *int64) model.Bundle {
	return e.enterFlow(b, actorID, comment, delegateUserID, model.ActionSubmit)
}

// Resend restarts a returned application at step 0. It behaves like Submit
// but is audited as RESEND.
func (e *Engine) Resend(b model.Bundle, actorID int64, comment string, delegateUserID *int64) model.Bundle {
	return e.enterFlow(b, actorID, comment, delegateUserID, model.ActionResend)
}

func (e *Engine) enterFlow(b model.Bundle, actorID int64, comment string, delegateUserID *int64, action model.AuditAction) model.Bundle {
	t, ok := e.requireType(b, string(action))
	if !ok {
		return b
	}

	now := e.clock.Now()
	out := b.Clone()
	app := &out.Application
	app.Status = model.StatusPending
	app.CurrentStepIndex = 0
	if app.SubmittedAt == nil {
		app.SubmittedAt = &now
	}
	refreshTiming(app, t, now)

	if first, ok := t.RoleAt(0); ok {
		e.replaceDelegate(&out, first, delegateUserID)
	}

	e.appendAudit(&out, &actorID, action, comment, now)
	return out
}

// Approve advances the application one step, or marks it APPROVED when it is
// on the last step of its flow. action is APPROVE for people and
// AUTO_APPROVE for the sweeper; anything else is recorded as APPROVE. A nil
// actorID marks an automated transition.
func (e *Engine) Approve(b model.Bundle, actorID *int64, action model.AuditAction, comment string) model.Bundle {
	if action != model.ActionAutoApprove {
		action = model.ActionApprove
	}
	t, ok := e.requireType(b, string(action))
	if !ok {
		return b
	}

	now := e.clock.Now()
	out := b.Clone()
	app := &out.Application
	if app.CurrentStepIndex >= len(t.Flow)-1 {
		app.Status = model.StatusApproved
	} else {
		app.CurrentStepIndex++
		app.Status = model.StatusPending
	}
	if app.SubmittedAt == nil {
		app.SubmittedAt = &now
	}
	refreshTiming(app, t, now)

	e.appendAudit(&out, actorID, action, comment, now)
	return out
}

// Reject moves the application back one step. Rejecting at step 0 ends the
// workflow: the status becomes REJECTED and the step -1. action is REJECT or
// EXPIRE_BOUNCE; anything else is recorded as REJECT.
func (e *Engine) Reject(b model.Bundle, actorID *int64, action model.AuditAction, comment string) model.Bundle {
	if action != model.ActionExpireBounce {
		action = model.ActionReject
	}
	t, ok := e.requireType(b, string(action))
	if !ok {
		return b
	}

	now := e.clock.Now()
	out := b.Clone()
	app := &out.Application
	if prev := app.CurrentStepIndex - 1; prev < 0 {
		app.Status = model.StatusRejected
		app.CurrentStepIndex = model.RejectedStepIndex
	} else {
		app.CurrentStepIndex = prev
		app.Status = model.StatusPending
	}
	refreshTiming(app, t, now)

	e.appendAudit(&out, actorID, action, comment, now)
	return out
}

// Close retires the application from any status. It does not need the type.
func (e *Engine) Close(b model.Bundle, actorID int64, comment string) model.Bundle {
	now := e.clock.Now()
	out := b.Clone()
	out.Application.Status = model.StatusClosed
	out.Application.UpdatedAt = now
	out.Application.DueAt = nil

	e.appendAudit(&out, &actorID, model.ActionClose, comment, now)
	return out
}

// UpdateValues replaces the field values wholesale. When a key repeats, the
// last value wins.
func (e *Engine) UpdateValues(b model.Bundle, actorID int64, values []model.FieldValue, comment string) model.Bundle {
	now := e.clock.Now()
	out := b.Clone()
	out.Values = mergeValues(out.Application.ID, values)
	refreshTiming(&out.Application, e.typeOf(out.Application), now)

	e.appendAudit(&out, &actorID, model.ActionEdit, comment, now)
	return out
}

// AddAttachment appends an attachment with a freshly allocated id.
func (e *Engine) AddAttachment(b model.Bundle, actorID int64, a model.Attachment) model.Bundle {
	now := e.clock.Now()
	out := b.Clone()
	att := e.newAttachment(out.Application.ID, a, actorID, now)
	out.Attachments = append(out.Attachments, att)
	refreshTiming(&out.Application, e.typeOf(out.Application), now)

	var comment string
	if att.Name != "" {
		comment = fmt.Sprintf(attachmentCommentFmt, att.Name)
	}
	e.appendAudit(&out, &actorID, model.ActionEdit, comment, now)
	return out
}

// SetDelegate assigns delegateUserID as the delegate for forRoleID, replacing
// any previous one. A nil or zero delegateUserID removes the delegate.
func (e *Engine) SetDelegate(b model.Bundle, actorID int64, forRoleID int64, delegateUserID *int64) model.Bundle {
	now := e.clock.Now()
	out := b.Clone()
	e.replaceDelegate(&out, forRoleID, delegateUserID)
	refreshTiming(&out.Application, e.typeOf(out.Application), now)

	e.appendAudit(&out, &actorID, model.ActionEdit, CommentDelegateSet, now)
	return out
}

func (e *Engine) newAttachment(applicationID int64, a model.Attachment, uploader int64, now time.Time) model.Attachment {
	if a.UploadedBy == 0 {
		a.UploadedBy = uploader
	}
	return model.Attachment{
		ID:            e.seq.NextAttachmentID(),
		ApplicationID: applicationID,
		Name:          a.Name,
		URL:           a.URL,
		UploadedBy:    a.UploadedBy,
		CreatedAt:     now,
	}
}

// mergeValues keeps one value per key. A repeated key keeps its first
// position and takes its last value. Empty keys are dropped.
func mergeValues(applicationID int64, values []model.FieldValue) []model.FieldValue {
	out := make([]model.FieldValue, 0, len(values))
	pos := make(map[string]int, len(values))
	for _, v := range values {
		if v.Key == "" {
			continue
		}
		if i, ok := pos[v.Key]; ok {
			out[i].Value = v.Value
			continue
		}
		pos[v.Key] = len(out)
		out = append(out, model.FieldValue{ApplicationID: applicationID, Key: v.Key, Value: v.Value})
	}
	return out
}
