package model

import (
	"encoding/json"
	"slices"
	"time"
)

// ApplicationStatus is the lifecycle state of an application.
type ApplicationStatus string

// Application status constants.
const (
	StatusDraft    ApplicationStatus = "DRAFT"
	StatusPending  ApplicationStatus = "PENDING"
	StatusApproved ApplicationStatus = "APPROVED"
	StatusRejected ApplicationStatus = "REJECTED"
	StatusClosed   ApplicationStatus = "CLOSED"
)

// AuditAction names the transition recorded by an audit entry.
type AuditAction string

// Audit action constants.
const (
	ActionCreate       AuditAction = "CREATE"
	ActionSubmit       AuditAction = "SUBMIT"
	ActionApprove      AuditAction = "APPROVE"
	ActionReject       AuditAction = "REJECT"
	ActionEdit         AuditAction = "EDIT"
	ActionResend       AuditAction = "RESEND"
	ActionClose        AuditAction = "CLOSE"
	ActionAutoApprove  AuditAction = "AUTO_APPROVE"
	ActionExpireBounce AuditAction = "EXPIRE_BOUNCE"
)

// RejectedStepIndex marks an application rejected back past its first step.
const RejectedStepIndex = -1

// Application is one workflow instance. CurrentStepIndex is meaningful only
// while Status is PENDING.
type Application struct {
	ID               int64             `json:"id"`
	Number           string            `json:"number"`
	TypeID           int64             `json:"type_id"`
	RequesterID      int64             `json:"requester_id"`
	Status           ApplicationStatus `json:"status"`
	CurrentStepIndex int               `json:"current_step_index"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	SubmittedAt      *time.Time        `json:"submitted_at,omitempty"`
	DueAt            *time.Time        `json:"due_at,omitempty"`
}

// FieldValue is the live value of one form field.
type FieldValue struct {
	ApplicationID int64  `json:"application_id"`
	Key           string `json:"key"`
	Value         string `json:"value"`
}

// Attachment references an uploaded file. Attachments are append-only.
type Attachment struct {
	ID            int64     `json:"id"`
	ApplicationID int64     `json:"application_id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	UploadedBy    int64     `json:"uploaded_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditEntry records one transition. A nil ActorID marks an entry written by
// the automation sweep.
type AuditEntry struct {
	ID            int64       `json:"id"`
	ApplicationID int64       `json:"application_id"`
	ActorID       *int64      `json:"actor_id"`
	Action        AuditAction `json:"action"`
	Comment       string      `json:"comment,omitempty"`
	At            time.Time   `json:"at"`
}

// Delegate grants one user the approval authority of a role on a single
// application.
type Delegate struct {
	ID             int64 `json:"id"`
	ApplicationID  int64 `json:"application_id"`
	ForRoleID      int64 `json:"for_role_id"`
	DelegateUserID int64 `json:"delegate_user_id"`
}

// Bundle is the aggregate unit of mutation: an application plus everything
// hanging off it.
type Bundle struct {
	Application Application     `json:"application"`
	Values      []FieldValue    `json:"values"`
	Attachments []Attachment    `json:"attachments"`
	AuditTrail  []AuditEntry    `json:"audit_trail"`
	Delegates   []Delegate      `json:"delegates"`
	ExtraBonus  json.RawMessage `json:"extra_bonus,omitempty"`
}

// Clone returns a deep copy of the bundle.
func (b Bundle) Clone() Bundle {
	out := b
	out.Application.SubmittedAt = cloneTime(b.Application.SubmittedAt)
	out.Application.DueAt = cloneTime(b.Application.DueAt)
	out.Values = slices.Clone(b.Values)
	out.Attachments = slices.Clone(b.Attachments)
	out.Delegates = slices.Clone(b.Delegates)
	out.ExtraBonus = slices.Clone(b.ExtraBonus)
	if b.AuditTrail != nil {
		out.AuditTrail = make([]AuditEntry, len(b.AuditTrail))
		for i, e := range b.AuditTrail {
			e.ActorID = cloneInt64(e.ActorID)
			out.AuditTrail[i] = e
		}
	}
	return out
}

// Value returns the live value for key.
func (b Bundle) Value(key string) (string, bool) {
	for _, v := range b.Values {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// DelegateFor returns the delegate assigned to roleID, if any.
func (b Bundle) DelegateFor(roleID int64) (Delegate, bool) {
	for _, d := range b.Delegates {
		if d.ForRoleID == roleID {
			return d, true
		}
	}
	return Delegate{}, false
}

// LastAudit returns the most recent audit entry.
func (b Bundle) LastAudit() (AuditEntry, bool) {
	if len(b.AuditTrail) == 0 {
		return AuditEntry{}, false
	}
	return b.AuditTrail[len(b.AuditTrail)-1], true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
