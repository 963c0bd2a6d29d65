package definition

import (
	"maps"
	"slices"

	"github.com/pitabwire/approvals/model"
)

// Normalize canonicalizes an application type so the engine can rely on a
// well-formed flow, SLA table and field list. Malformed input is repaired
// rather than rejected: duplicate roles and fields are dropped and SLA entries
// are clamped or discarded. Normalize is pure and idempotent.
func Normalize(t model.ApplicationType) model.ApplicationType {
	out := t
	out.Name = maps.Clone(t.Name)
	out.Description = maps.Clone(t.Description)
	out.Capabilities = normalizeCapabilities(t.Capabilities)
	out.Flow = uniqueIDs(t.Flow)
	out.AllowedRoleIDs = dedupIDs(t.AllowedRoleIDs)
	out.SLAPerStep = normalizeSLA(t.SLAPerStep, len(out.Flow))
	out.Fields = buildFields(t.Fields, out.Capabilities)
	return out
}

// NormalizeAll normalizes every type in order.
func NormalizeAll(types []model.ApplicationType) []model.ApplicationType {
	out := make([]model.ApplicationType, len(types))
	for i, t := range types {
		out[i] = Normalize(t)
	}
	return out
}

func normalizeCapabilities(c model.Capabilities) model.Capabilities {
	if c.AttachmentMaxSizeMB <= 0 {
		c.AttachmentMaxSizeMB = DefaultAttachmentMaxSizeMB
	}
	return c
}

// uniqueIDs keeps the first occurrence of each non-zero id.
func uniqueIDs(ids []int64) []int64 {
	return slices.DeleteFunc(dedupIDs(ids), func(id int64) bool { return id == 0 })
}

// dedupIDs keeps the first occurrence of each id.
func dedupIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// normalizeSLA clamps step indexes into the flow, coerces the expire action
// and keeps at most one entry per step. Negative durations become zero, so
// such a step expires on the next sweep.
func normalizeSLA(entries []model.StepSLA, flowLen int) []model.StepSLA {
	out := make([]model.StepSLA, 0, len(entries))
	last := max(flowLen-1, 0)
	for _, e := range entries {
		n := model.StepSLA{
			StepIndex: min(max(e.StepIndex, 0), last),
			Seconds:   max(e.Seconds, 0),
			OnExpire:  model.ExpireAutoApprove,
		}
		if e.OnExpire == model.ExpireBounceBack {
			n.OnExpire = model.ExpireBounceBack
		}
		if n.StepIndex >= flowLen {
			continue
		}
		if slices.ContainsFunc(out, func(s model.StepSLA) bool { return s.StepIndex == n.StepIndex }) {
			continue
		}
		out = append(out, n)
	}
	return out
}
