package access

import (
	"testing"

	"github.com/pitabwire/approvals/model"
)

const (
	roleManager int64 = 10
	roleHR      int64 = 20
	roleOther   int64 = 30

	requester int64 = 100
	manager   int64 = 200
	hr        int64 = 300
	outsider  int64 = 400
	deputy    int64 = 500
)

func rctx(actor int64, roles ...int64) *model.RequestContext {
	return &model.RequestContext{ActorID: actor, RoleIDs: roles}
}

type lookup map[int64]model.ApplicationType

func (l lookup) Lookup(id int64) (model.ApplicationType, bool) {
	t, ok := l[id]
	return t, ok
}

func leaveType() *model.ApplicationType {
	return &model.ApplicationType{ID: 1, Flow: []int64{roleManager, roleHR}}
}

func pendingAt(step int) model.Bundle {
	return model.Bundle{Application: model.Application{
		ID:               1,
		TypeID:           1,
		RequesterID:      requester,
		Status:           model.StatusPending,
		CurrentStepIndex: step,
	}}
}

// --- Policy ---

func TestNewPolicy_defaultsToAdminRole(t *testing.T) {
	p := NewPolicy()
	if !p.IsAdmin(rctx(1, AdminRoleID)) {
		t.Error("role 1 should be admin by default")
	}
	p = NewPolicy(0, 99)
	if p.IsAdmin(rctx(1, AdminRoleID)) {
		t.Error("configured admin roles should replace the default")
	}
	if !p.IsAdmin(rctx(1, 99)) {
		t.Error("role 99 should be admin")
	}
	if p.IsAdmin(nil) {
		t.Error("nil context should not be admin")
	}
}

func TestPolicy_Visible(t *testing.T) {
	p := NewPolicy()
	b := pendingAt(0)
	b.Delegates = []model.Delegate{{ForRoleID: roleHR, DelegateUserID: deputy}}
	lt := leaveType()

	tests := []struct {
		name string
		rctx *model.RequestContext
		typ  *model.ApplicationType
		want bool
	}{
		{"requester", rctx(requester), lt, true},
		{"flow role", rctx(hr, roleHR), lt, true},
		{"delegate", rctx(deputy), lt, true},
		{"outsider", rctx(outsider, roleOther), lt, false},
		{"admin", rctx(outsider, AdminRoleID), lt, true},
		{"missing type", rctx(requester), nil, false},
		{"missing type admin", rctx(outsider, AdminRoleID), nil, true},
		{"nil context", nil, lt, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Visible(tt.rctx, b, tt.typ); got != tt.want {
				t.Errorf("Visible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_CanApprove(t *testing.T) {
	p := NewPolicy()
	lt := leaveType()
	atHR := pendingAt(1)
	atHR.Delegates = []model.Delegate{
		{ForRoleID: roleHR, DelegateUserID: deputy},
		{ForRoleID: roleManager, DelegateUserID: outsider},
	}

	tests := []struct {
		name string
		rctx *model.RequestContext
		b    model.Bundle
		want bool
	}{
		{"holder of current role", rctx(hr, roleHR), atHR, true},
		{"holder of previous role", rctx(manager, roleManager), atHR, false},
		{"delegate of current role", rctx(deputy), atHR, true},
		{"delegate of other role", rctx(outsider), atHR, false},
		{"requester", rctx(requester), atHR, false},
		{"admin", rctx(outsider, AdminRoleID), atHR, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.CanApprove(tt.rctx, tt.b, lt); got != tt.want {
				t.Errorf("CanApprove() = %v, want %v", got, tt.want)
			}
			if got := p.CanReject(tt.rctx, tt.b, lt); got != tt.want {
				t.Errorf("CanReject() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_CanApprove_notPending(t *testing.T) {
	p := NewPolicy()
	b := pendingAt(0)
	b.Application.Status = model.StatusApproved
	if p.CanApprove(rctx(manager, roleManager), b, leaveType()) {
		t.Error("approved application should not be approvable")
	}
	if p.CanApprove(rctx(manager, roleManager), pendingAt(0), nil) {
		t.Error("missing type should not be approvable")
	}
}

func TestPolicy_CanCreate(t *testing.T) {
	p := NewPolicy()
	open := leaveType()
	restricted := leaveType()
	restricted.AllowedRoleIDs = []int64{roleHR}

	if !p.CanCreate(rctx(requester, roleOther), open) {
		t.Error("empty AllowedRoleIDs should allow everyone")
	}
	if p.CanCreate(rctx(requester, roleOther), restricted) {
		t.Error("role outside AllowedRoleIDs should be refused")
	}
	if !p.CanCreate(rctx(hr, roleOther, roleHR), restricted) {
		t.Error("any matching role should allow")
	}
	if !p.CanCreate(rctx(requester, AdminRoleID), restricted) {
		t.Error("admin should bypass AllowedRoleIDs")
	}
	if p.CanCreate(rctx(requester), nil) {
		t.Error("unknown type should be refused")
	}
}

func TestPolicy_requesterOnlyChecks(t *testing.T) {
	p := NewPolicy()
	b := pendingAt(0)

	checks := map[string]func(*model.RequestContext) bool{
		"CanEdit":   func(r *model.RequestContext) bool { return p.CanEdit(r, b) },
		"CanSubmit": func(r *model.RequestContext) bool { return p.CanSubmit(r, b) },
		"CanResend": func(r *model.RequestContext) bool { return p.CanResend(r, b) },
		"CanClose":  func(r *model.RequestContext) bool { return p.CanClose(r, b) },
	}
	for name, check := range checks {
		if !check(rctx(requester)) {
			t.Errorf("%s(requester) = false", name)
		}
		if check(rctx(manager, roleManager)) {
			t.Errorf("%s(approver) = true", name)
		}
		if !check(rctx(outsider, AdminRoleID)) {
			t.Errorf("%s(admin) = false", name)
		}
		if check(nil) {
			t.Errorf("%s(nil) = true", name)
		}
	}
}

func TestPolicy_CanDelegate(t *testing.T) {
	p := NewPolicy()
	b := pendingAt(0)

	if !p.CanDelegate(rctx(requester), b, roleHR) {
		t.Error("requester should delegate any role")
	}
	if !p.CanDelegate(rctx(hr, roleHR), b, roleHR) {
		t.Error("role holder should delegate own role")
	}
	if p.CanDelegate(rctx(hr, roleHR), b, roleManager) {
		t.Error("role holder should not delegate another role")
	}
}

// --- Views ---

func TestParseView(t *testing.T) {
	tests := []struct {
		in   string
		want View
		ok   bool
	}{
		{"", ViewAll, true},
		{"all", ViewAll, true},
		{"pending", ViewPending, true},
		{"sent", ViewSent, true},
		{"returned", ViewReturned, true},
		{"archived", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseView(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseView(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func inbox() []model.Bundle {
	mine := pendingAt(0)
	mine.Application.ID = 1

	forHR := pendingAt(1)
	forHR.Application.ID = 2
	forHR.Application.RequesterID = outsider

	delegated := pendingAt(1)
	delegated.Application.ID = 3
	delegated.Application.RequesterID = outsider
	delegated.Delegates = []model.Delegate{{ForRoleID: roleHR, DelegateUserID: requester}}

	rejected := pendingAt(0)
	rejected.Application.ID = 4
	rejected.Application.Status = model.StatusRejected
	rejected.Application.CurrentStepIndex = -1

	bounced := pendingAt(0)
	bounced.Application.ID = 5
	bounced.AuditTrail = []model.AuditEntry{{Action: model.ActionSubmit}, {Action: model.ActionExpireBounce}}

	orphan := pendingAt(0)
	orphan.Application.ID = 6
	orphan.Application.TypeID = 404

	draft := pendingAt(-1)
	draft.Application.ID = 7
	draft.Application.Status = model.StatusDraft

	return []model.Bundle{mine, forHR, delegated, rejected, bounced, orphan, draft}
}

func ids(bundles []model.Bundle) []int64 {
	out := make([]int64, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, b.Application.ID)
	}
	return out
}

func TestPolicy_Filter(t *testing.T) {
	p := NewPolicy()
	types := lookup{1: *leaveType()}

	tests := []struct {
		name string
		rctx *model.RequestContext
		view View
		want []int64
	}{
		{"requester all", rctx(requester), ViewAll, []int64{1, 3, 4, 5, 7}},
		{"requester pending via delegate", rctx(requester), ViewPending, []int64{3}},
		{"requester sent", rctx(requester), ViewSent, []int64{1, 4, 5, 7}},
		{"requester returned", rctx(requester), ViewReturned, []int64{4, 5}},
		{"manager pending", rctx(manager, roleManager), ViewPending, []int64{1, 5}},
		{"hr pending", rctx(hr, roleHR), ViewPending, []int64{2, 3}},
		{"outsider all", rctx(outsider, roleOther), ViewAll, []int64{2, 3}},
		{"admin all", rctx(9, AdminRoleID), ViewAll, []int64{1, 2, 3, 4, 5, 6, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(p.Filter(tt.rctx, inbox(), types, tt.view))
			if len(got) != len(tt.want) {
				t.Fatalf("Filter() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Filter() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestReturned(t *testing.T) {
	b := pendingAt(0)
	if Returned(b) {
		t.Error("fresh pending bundle reported as returned")
	}
	b.AuditTrail = []model.AuditEntry{{Action: model.ActionReject}}
	if !Returned(b) {
		t.Error("last action REJECT should be returned")
	}
	b.AuditTrail = append(b.AuditTrail, model.AuditEntry{Action: model.ActionResend})
	if Returned(b) {
		t.Error("resent bundle reported as returned")
	}
}
