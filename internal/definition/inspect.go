package definition

import (
	"fmt"

	"github.com/pitabwire/approvals/model"
)

// Issue describes something Normalize had to repair in a type definition.
// Issues are warnings: the normalized type is still usable.
type Issue struct {
	TypeID  int64  `json:"type_id"`
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("type %d %s: %s", i.TypeID, i.Path, i.Message)
}

// Issue codes.
const (
	IssueDuplicate  = "DUPLICATE"
	IssueZeroID     = "ZERO_ID"
	IssueOutOfRange = "OUT_OF_RANGE"
	IssueDiscarded  = "DISCARDED"
	IssueFieldType  = "INVALID_ENUM"
	IssueMissing    = "REQUIRED"
)

// Inspect reports every repair Normalize will apply to t, plus a few
// problems it cannot repair (a missing id or name).
func Inspect(t model.ApplicationType) []Issue {
	var issues []Issue
	add := func(path, code, format string, args ...any) {
		issues = append(issues, Issue{TypeID: t.ID, Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if t.ID <= 0 {
		add("id", IssueMissing, "id must be positive")
	}
	if len(t.Name) == 0 {
		add("name", IssueMissing, "name is required")
	}

	seenRoles := make(map[int64]bool)
	for i, r := range t.Flow {
		p := fmt.Sprintf("flow[%d]", i)
		switch {
		case r == 0:
			add(p, IssueZeroID, "zero role id dropped")
		case seenRoles[r]:
			add(p, IssueDuplicate, "role %d repeated, later occurrence dropped", r)
		}
		seenRoles[r] = true
	}

	flowLen := len(uniqueIDs(t.Flow))
	seenSteps := make(map[int]bool)
	for i, s := range t.SLAPerStep {
		p := fmt.Sprintf("sla_per_step[%d]", i)
		if flowLen == 0 {
			add(p, IssueDiscarded, "flow is empty, entry discarded")
			continue
		}
		step := min(max(s.StepIndex, 0), flowLen-1)
		if seenSteps[step] {
			add(p, IssueDuplicate, "second entry for step %d discarded", step)
			continue
		}
		seenSteps[step] = true
		if step != s.StepIndex {
			add(p, IssueOutOfRange, "step_index %d clamped to %d", s.StepIndex, step)
		}
		if s.Seconds < 0 {
			add(p+".seconds", IssueOutOfRange, "negative seconds %d set to 0", s.Seconds)
		}
		if s.OnExpire != model.ExpireAutoApprove && s.OnExpire != model.ExpireBounceBack {
			add(p+".on_expire", IssueFieldType, "unknown action %q treated as %s", s.OnExpire, model.ExpireAutoApprove)
		}
	}

	seenFields := make(map[string]bool)
	for i, f := range t.Fields {
		p := fmt.Sprintf("fields[%d]", i)
		switch {
		case f.Key == "":
			add(p+".key", IssueMissing, "field without key dropped")
			continue
		case seenFields[f.Key]:
			add(p+".key", IssueDuplicate, "field %q repeated, later occurrence dropped", f.Key)
			continue
		}
		seenFields[f.Key] = true
		if !IsReservedField(f.Key) && !customFieldTypes[f.Type] {
			add(p+".type", IssueFieldType, "unknown field type %q treated as text", f.Type)
		}
	}

	seenAllowed := make(map[int64]bool)
	for i, r := range t.AllowedRoleIDs {
		if seenAllowed[r] {
			add(fmt.Sprintf("allowed_role_ids[%d]", i), IssueDuplicate, "role %d repeated", r)
		}
		seenAllowed[r] = true
	}

	return issues
}
