package engine

import (
	"testing"
	"time"

	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/model"
)

// Scenario: step 0 auto-approves one hour after submission.
func TestSweep_autoApprove(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 0, Seconds: 3600, OnExpire: model.ExpireAutoApprove}))
	b := f.submitted(1)

	f.clk.Advance(3601 * time.Second)
	res := f.eng.Sweep([]model.Bundle{b})

	if !res.Mutated || res.AutoApproved != 1 || res.Bounced != 0 {
		t.Fatalf("result = %+v", res)
	}
	got := res.Bundles[0]
	if got.Application.CurrentStepIndex != 1 || got.Application.Status != model.StatusPending {
		t.Errorf("Step, Status = %d, %s, want 1, PENDING", got.Application.CurrentStepIndex, got.Application.Status)
	}
	if got.Application.DueAt != nil {
		t.Errorf("DueAt = %v, want nil (no SLA on step 1)", got.Application.DueAt)
	}
	e := lastAction(t, got)
	if e.Action != model.ActionAutoApprove || e.ActorID != nil || e.Comment != CommentAutoApproved {
		t.Errorf("audit = %+v", e)
	}
}

// Scenario: step 1 bounces back to step 0 two hours after it was reached.
func TestSweep_bounceBack(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 1, Seconds: 7200, OnExpire: model.ExpireBounceBack}))
	b := f.eng.Approve(f.submitted(1), ptr(approver), model.ActionApprove, "")

	f.clk.Advance(7201 * time.Second)
	res := f.eng.Sweep([]model.Bundle{b})

	got := res.Bundles[0]
	if got.Application.CurrentStepIndex != 0 || got.Application.Status != model.StatusPending {
		t.Errorf("Step, Status = %d, %s, want 0, PENDING", got.Application.CurrentStepIndex, got.Application.Status)
	}
	e := lastAction(t, got)
	if e.Action != model.ActionExpireBounce || e.ActorID != nil {
		t.Errorf("audit = %+v, want EXPIRE_BOUNCE with nil actor", e)
	}
	if res.Bounced != 1 {
		t.Errorf("Bounced = %d, want 1", res.Bounced)
	}
}

func TestSweep_bounceBackAtFirstStepRejects(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 0, Seconds: 60, OnExpire: model.ExpireBounceBack}))
	b := f.submitted(1)

	f.clk.Advance(time.Hour)
	got := f.eng.Sweep([]model.Bundle{b}).Bundles[0]
	if got.Application.Status != model.StatusRejected || got.Application.CurrentStepIndex != -1 {
		t.Errorf("Status, Step = %s, %d, want REJECTED, -1", got.Application.Status, got.Application.CurrentStepIndex)
	}
	if got.Application.DueAt != nil {
		t.Errorf("DueAt = %v, want nil", got.Application.DueAt)
	}
}

func TestSweep_notYetDue(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 0, Seconds: 3600}))
	b := f.submitted(1)
	in := []model.Bundle{b}

	f.clk.Advance(59 * time.Minute)
	res := f.eng.Sweep(in)

	if res.Mutated || len(res.Changed) != 0 {
		t.Errorf("result = %+v, want no change", res)
	}
	if &res.Bundles[0] != &in[0] {
		t.Error("Sweep() should return the caller's slice when nothing changed")
	}
}

func TestSweep_dueExactlyNowFires(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 0, Seconds: 3600}))
	b := f.submitted(1)

	f.clk.Advance(time.Hour)
	res := f.eng.Sweep([]model.Bundle{b})
	if res.AutoApproved != 1 {
		t.Errorf("AutoApproved = %d, want 1 when due equals now", res.AutoApproved)
	}
}

// A step whose SLA was coerced to zero seconds is overdue as soon as it is
// reached.
func TestSweep_zeroSecondStepFiresImmediately(t *testing.T) {
	at := definition.Normalize(twoStepType(model.StepSLA{StepIndex: 0, Seconds: -5}))
	f := newFixture(t, at)
	b := f.submitted(1)
	if b.Application.DueAt == nil || !b.Application.DueAt.Equal(t0) {
		t.Fatalf("DueAt = %v, want the submission time", b.Application.DueAt)
	}

	res := f.eng.Sweep([]model.Bundle{b})
	if res.AutoApproved != 1 {
		t.Fatalf("AutoApproved = %d, want 1 without the clock moving", res.AutoApproved)
	}
	if got := res.Bundles[0].Application.CurrentStepIndex; got != 1 {
		t.Errorf("Step = %d, want 1", got)
	}
}

func TestSweep_idempotent(t *testing.T) {
	f := newFixture(t,
		twoStepType(model.StepSLA{StepIndex: 0, Seconds: 60}, model.StepSLA{StepIndex: 1, Seconds: 60}),
	)
	bundles := []model.Bundle{f.submitted(1), f.submitted(1), f.created(1)}

	f.clk.Advance(90 * time.Second)
	first := f.eng.Sweep(bundles)
	if !first.Mutated {
		t.Fatal("first sweep should change the overdue bundles")
	}

	second := f.eng.Sweep(first.Bundles)
	if second.Mutated {
		t.Errorf("second sweep changed %v", second.Changed)
	}
	for i := range first.Bundles {
		if len(second.Bundles[i].AuditTrail) != len(first.Bundles[i].AuditTrail) {
			t.Errorf("bundle %d: audit grew on second sweep", i)
		}
	}
}

func TestSweep_oneStepPerPass(t *testing.T) {
	f := newFixture(t,
		twoStepType(model.StepSLA{StepIndex: 0, Seconds: 60}, model.StepSLA{StepIndex: 1, Seconds: 60}),
	)
	b := f.submitted(1)

	f.clk.Advance(24 * time.Hour)
	got := f.eng.Sweep([]model.Bundle{b}).Bundles[0]
	if got.Application.CurrentStepIndex != 1 || got.Application.Status != model.StatusPending {
		t.Errorf("Step, Status = %d, %s, want a single advance", got.Application.CurrentStepIndex, got.Application.Status)
	}
	want := f.clk.Now().Add(time.Minute)
	if got.Application.DueAt == nil || !got.Application.DueAt.Equal(want) {
		t.Errorf("DueAt = %v, want %v", got.Application.DueAt, want)
	}
}

func TestSweep_clearsStaleDueDates(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 0, Seconds: 60}))
	stale := t0.Add(time.Hour)

	approved := f.submitted(1)
	approved.Application.Status = model.StatusApproved
	approved.Application.DueAt = &stale

	orphan := model.Bundle{Application: model.Application{ID: 99, TypeID: 404, Status: model.StatusPending, DueAt: &stale}}

	in := []model.Bundle{approved, orphan}
	res := f.eng.Sweep(in)
	if res.Cleared != 2 {
		t.Fatalf("Cleared = %d, want 2", res.Cleared)
	}
	for i, b := range res.Bundles {
		if b.Application.DueAt != nil {
			t.Errorf("bundle %d DueAt = %v, want nil", i, b.Application.DueAt)
		}
		if len(b.AuditTrail) != len(in[i].AuditTrail) {
			t.Errorf("bundle %d: clearing a due date must not audit", i)
		}
	}
	if approved.Application.DueAt == nil {
		t.Error("input bundle was mutated")
	}
}

func TestSweep_refreshesWrongDueDate(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 0, Seconds: 3600}))
	b := f.submitted(1)
	wrong := t0.Add(-time.Hour)
	b.Application.DueAt = &wrong

	res := f.eng.Sweep([]model.Bundle{b})
	if res.Refreshed != 1 || res.AutoApproved != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := res.Bundles[0].Application.DueAt; got == nil || !got.Equal(t0.Add(time.Hour)) {
		t.Errorf("DueAt = %v, want %v", got, t0.Add(time.Hour))
	}
}

func TestSweep_changedIDsInInputOrder(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 0, Seconds: 60}))
	a := f.submitted(1)
	idle := f.created(1)
	c := f.submitted(1)

	f.clk.Advance(time.Hour)
	res := f.eng.Sweep([]model.Bundle{a, idle, c})

	if len(res.Changed) != 2 || res.Changed[0] != a.Application.ID || res.Changed[1] != c.Application.ID {
		t.Errorf("Changed = %v, want [%d %d]", res.Changed, a.Application.ID, c.Application.ID)
	}
	if res.Bundles[1].Application.Status != model.StatusDraft {
		t.Errorf("draft bundle changed: %s", res.Bundles[1].Application.Status)
	}
}

func TestSweep_empty(t *testing.T) {
	f := newFixture(t)
	res := f.eng.Sweep(nil)
	if res.Mutated || res.Bundles != nil {
		t.Errorf("Sweep(nil) = %+v", res)
	}
}

// --- Repair ---

// NeedsSweep must agree with what Sweep actually does.
func TestNeedsSweep_agreesWithSweep(t *testing.T) {
	f := newFixture(t, twoStepType(model.StepSLA{StepIndex: 0, Seconds: 3600}))
	stale := t0.Add(time.Hour)

	draft := f.created(1)
	pending := f.submitted(1)
	wrongDue := f.submitted(1)
	early := t0.Add(-time.Minute)
	wrongDue.Application.DueAt = &early
	closedWithDue := f.eng.Close(f.submitted(1), requester, "")
	closedWithDue.Application.DueAt = &stale
	orphan := model.Bundle{Application: model.Application{ID: 99, TypeID: 404, Status: model.StatusPending}}

	cases := []struct {
		name string
		b    model.Bundle
	}{
		{"draft", draft},
		{"pending not due", pending},
		{"wrong due date", wrongDue},
		{"closed with due date", closedWithDue},
		{"orphan without due date", orphan},
	}
	check := func() {
		for _, c := range cases {
			want := f.eng.Sweep([]model.Bundle{c.b}).Mutated
			if got := f.eng.NeedsSweep(c.b); got != want {
				t.Errorf("%s at %v: NeedsSweep = %v, Sweep mutated = %v", c.name, f.clk.Now(), got, want)
			}
		}
	}

	check()
	f.clk.Advance(2 * time.Hour)
	check()
}

func TestRepair(t *testing.T) {
	created := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	b := model.Bundle{
		Application: model.Application{ID: 12, Status: model.StatusApproved, CreatedAt: created},
		Values:      []model.FieldValue{{Key: "reason", Value: "x"}},
		Attachments: []model.Attachment{{ID: 1}},
		AuditTrail:  []model.AuditEntry{{ID: 1, Action: model.ActionCreate}},
		Delegates:   []model.Delegate{{ID: 1, ForRoleID: 3, DelegateUserID: 4}},
	}

	got, changed := Repair(b)
	if !changed {
		t.Fatal("Repair() changed = false")
	}
	if got.Application.Number != "TKT-2024-00012" {
		t.Errorf("Number = %q", got.Application.Number)
	}
	if got.Application.SubmittedAt == nil || !got.Application.SubmittedAt.Equal(created) {
		t.Errorf("SubmittedAt = %v, want %v", got.Application.SubmittedAt, created)
	}
	if got.Values[0].ApplicationID != 12 || got.Attachments[0].ApplicationID != 12 ||
		got.AuditTrail[0].ApplicationID != 12 || got.Delegates[0].ApplicationID != 12 {
		t.Error("child records not re-parented")
	}
	if b.Application.Number != "" {
		t.Error("input bundle was mutated")
	}
}

func TestRepair_cleanBundleUnchanged(t *testing.T) {
	f := newFixture(t, twoStepType())
	b := f.submitted(1)

	if _, changed := Repair(b); changed {
		t.Error("Repair() changed a well-formed bundle")
	}

	draft := f.created(1)
	if got, _ := Repair(draft); got.Application.SubmittedAt != nil {
		t.Error("Repair() must not stamp SubmittedAt on a draft")
	}
}
