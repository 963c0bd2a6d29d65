package transport

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/access"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

const (
	idempotencyKeyHeader   = "Idempotency-Key"
	idempotentReplayHeader = "Idempotent-Replayed"

	// inFlightTTL bounds how long a create holds its key before the result
	// is stored.
	inFlightTTL = time.Minute
)

type fieldValueBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type attachmentBody struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func toFieldValues(in []fieldValueBody) []model.FieldValue {
	out := make([]model.FieldValue, 0, len(in))
	for _, v := range in {
		out = append(out, model.FieldValue{Key: v.Key, Value: v.Value})
	}
	return out
}

func toAttachment(a attachmentBody) model.Attachment {
	return model.Attachment{Name: strings.TrimSpace(a.Name), URL: strings.TrimSpace(a.URL)}
}

func validateAttachment(a model.Attachment) error {
	var details []model.FieldError
	if a.Name == "" {
		details = append(details, model.FieldError{Field: "name", Code: "REQUIRED", Message: "attachment name is required"})
	}
	if a.URL == "" {
		details = append(details, model.FieldError{Field: "url", Code: "REQUIRED", Message: "attachment url is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// --- Create and read ---

func (h *handlers) createApplication(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var body struct {
		TypeID      int64            `json:"type_id"`
		Values      []fieldValueBody `json:"values"`
		Attachments []attachmentBody `json:"attachments"`
		Comment     string           `json:"comment"`
	}
	if err := h.decodeBody(r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}

	idemKey, inputHash, replayed, err := h.replayCreate(w, r, rctx.ActorID, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if replayed {
		return
	}

	t, ok := h.types.Lookup(body.TypeID)
	if !ok {
		h.fail(w, r, model.NewTypeNotFoundError(body.TypeID))
		return
	}
	if !h.policy.CanCreate(rctx, &t) {
		WriteForbidden(w, "not allowed to create applications of this type")
		return
	}

	attachments := make([]model.Attachment, 0, len(body.Attachments))
	for _, a := range body.Attachments {
		att := toAttachment(a)
		if err := validateAttachment(att); err != nil {
			h.fail(w, r, err)
			return
		}
		attachments = append(attachments, att)
	}
	if len(attachments) > 0 && !t.Capabilities.AllowsAttachments {
		h.fail(w, r, model.NewValidationError([]model.FieldError{{
			Field: "attachments", Code: "NOT_ALLOWED", Message: "this application type does not accept attachments",
		}}))
		return
	}
	if len(attachments) == 0 && t.Capabilities.AllowsAttachments && t.Capabilities.AttachmentsRequired {
		h.fail(w, r, requiredField("attachments", "at least one attachment is required"))
		return
	}

	if idemKey != "" {
		reserved, err := h.idem.Reserve(r.Context(), idemKey, inputHash, min(h.idemTTL, inFlightTTL))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !reserved {
			h.fail(w, r, model.NewConflictError("a request with this Idempotency-Key is already in progress"))
			return
		}
	}

	b, err := h.svc.CreateApplication(r.Context(), t.ID, rctx.ActorID, toFieldValues(body.Values), attachments, body.Comment)
	if err != nil {
		if idemKey != "" {
			if err := h.idem.Release(r.Context(), idemKey); err != nil {
				observability.RequestLogger(r.Context(), h.logger).Warn("idempotency release failed", zap.Error(err))
			}
		}
		h.fail(w, r, err)
		return
	}
	if idemKey != "" {
		if err := h.idem.Store(r.Context(), idemKey, inputHash, b, h.idemTTL); err != nil {
			observability.RequestLogger(r.Context(), h.logger).Warn("idempotency store failed",
				zap.Int64("application_id", b.Application.ID), zap.Error(err))
		}
	}
	WriteJSON(w, http.StatusCreated, b)
}

// replayCreate answers a create request whose Idempotency-Key was already
// used by the same actor. When nothing is replayed it returns the storage key
// and input hash to record the new result under; both are empty without a key.
func (h *handlers) replayCreate(w http.ResponseWriter, r *http.Request, actorID int64, body any) (string, string, bool, error) {
	clientKey := r.Header.Get(idempotencyKeyHeader)
	if h.idem == nil || clientKey == "" {
		return "", "", false, nil
	}

	key := idempotency.Key("create", actorID, clientKey)
	inputHash, err := idempotency.HashInput(body)
	if err != nil {
		return "", "", false, err
	}
	cached, found, err := h.idem.Check(r.Context(), key, inputHash)
	if err != nil {
		return "", "", false, err
	}
	if !found {
		return key, inputHash, false, nil
	}

	w.Header().Set(idempotentReplayHeader, "true")
	WriteJSON(w, http.StatusCreated, cached)
	return "", "", true, nil
}

func (h *handlers) getApplication(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

func (h *handlers) listApplications(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	view, ok := access.ParseView(r.URL.Query().Get("view"))
	if !ok {
		h.fail(w, r, model.NewBadRequestError("view must be one of all, pending, sent, returned"))
		return
	}

	bundles, err := h.svc.ListApplications(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	visible := h.policy.Filter(rctx, bundles, h.types, view)
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":        visible,
		"total_count": len(visible),
		"view":        view,
	})
}

// --- Transitions ---

type flowBody struct {
	Comment        string `json:"comment"`
	DelegateUserID *int64 `json:"delegate_user_id"`
}

type commentBody struct {
	Comment string `json:"comment"`
}

func (h *handlers) submitApplication(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.CanSubmit(rctx, b) {
		WriteForbidden(w, "only the requester may submit")
		return
	}
	var body flowBody
	if err := h.decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.svc.SubmitApplication(r.Context(), b.Application.ID, rctx.ActorID, body.Comment, body.DelegateUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *handlers) resendApplication(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.CanResend(rctx, b) {
		WriteForbidden(w, "only the requester may resend")
		return
	}
	var body flowBody
	if err := h.decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.svc.ResendApplication(r.Context(), b.Application.ID, rctx.ActorID, body.Comment, body.DelegateUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// decidedOn pins a step decision to the status and step the permission check
// saw. A sweep or another approver moving the application first turns the
// request into a 409.
func decidedOn(b model.Bundle) workflow.Guard {
	return workflow.AtStep(b.Application.Status, b.Application.CurrentStepIndex)
}

func (h *handlers) approveApplication(w http.ResponseWriter, r *http.Request) {
	b, t, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.CanApprove(rctx, b, t) {
		WriteForbidden(w, "not an approver of the current step")
		return
	}
	var body commentBody
	if err := h.decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.svc.ApproveApplication(r.Context(), b.Application.ID, rctx.ActorID, body.Comment, decidedOn(b))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *handlers) rejectApplication(w http.ResponseWriter, r *http.Request) {
	b, t, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.CanReject(rctx, b, t) {
		WriteForbidden(w, "not an approver of the current step")
		return
	}
	var body commentBody
	if err := h.decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(body.Comment) == "" {
		h.fail(w, r, requiredField("comment", "a rejection needs a comment"))
		return
	}

	out, err := h.svc.RejectApplication(r.Context(), b.Application.ID, rctx.ActorID, body.Comment, decidedOn(b))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *handlers) closeApplication(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.CanClose(rctx, b) {
		WriteForbidden(w, "only the requester may close")
		return
	}
	var body commentBody
	if err := h.decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.svc.CloseApplication(r.Context(), b.Application.ID, rctx.ActorID, body.Comment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// --- Edits ---

func (h *handlers) updateValues(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.CanEdit(rctx, b) {
		WriteForbidden(w, "only the requester may edit")
		return
	}
	var body struct {
		Values  []fieldValueBody `json:"values"`
		Comment string           `json:"comment"`
	}
	if err := h.decodeBody(r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.svc.UpdateApplicationValues(r.Context(), b.Application.ID, rctx.ActorID, toFieldValues(body.Values), body.Comment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *handlers) addAttachment(w http.ResponseWriter, r *http.Request) {
	b, t, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.CanEdit(rctx, b) {
		WriteForbidden(w, "only the requester may add attachments")
		return
	}
	if t != nil && !t.Capabilities.AllowsAttachments {
		h.fail(w, r, model.NewValidationError([]model.FieldError{{
			Field: "attachments", Code: "NOT_ALLOWED", Message: "this application type does not accept attachments",
		}}))
		return
	}
	var body attachmentBody
	if err := h.decodeBody(r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}
	att := toAttachment(body)
	if err := validateAttachment(att); err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.svc.AddApplicationAttachment(r.Context(), b.Application.ID, att, rctx.ActorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, out)
}

func (h *handlers) assignDelegate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DelegateUserID int64 `json:"delegate_user_id"`
	}
	h.setDelegate(w, r, func() (*int64, error) {
		if err := h.decodeBody(r, &body, false); err != nil {
			return nil, err
		}
		if body.DelegateUserID <= 0 {
			return nil, requiredField("delegate_user_id", "a positive user id is required")
		}
		return &body.DelegateUserID, nil
	})
}

func (h *handlers) clearDelegate(w http.ResponseWriter, r *http.Request) {
	h.setDelegate(w, r, func() (*int64, error) { return nil, nil })
}

func (h *handlers) setDelegate(w http.ResponseWriter, r *http.Request, delegate func() (*int64, error)) {
	b, _, err := h.loadVisible(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	roleID, err := pathInt64(r, "roleId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.CanDelegate(rctx, b, roleID) {
		WriteForbidden(w, "not allowed to delegate this role")
		return
	}
	userID, err := delegate()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.svc.AssignApplicationDelegate(r.Context(), b.Application.ID, roleID, userID, rctx.ActorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}
