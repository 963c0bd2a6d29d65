package workflow

import (
	"github.com/pitabwire/approvals/model"
)

// bundleSet groups child rows under their applications while a relational
// store reads them back. Child slices are never nil so a loaded bundle
// compares equal to the one that was saved.
type bundleSet struct {
	order []int64
	byID  map[int64]*model.Bundle
}

func newBundleSet(apps []model.Application) *bundleSet {
	s := &bundleSet{
		order: make([]int64, 0, len(apps)),
		byID:  make(map[int64]*model.Bundle, len(apps)),
	}
	for _, app := range apps {
		s.order = append(s.order, app.ID)
		s.byID[app.ID] = &model.Bundle{
			Application: app,
			Values:      []model.FieldValue{},
			Attachments: []model.Attachment{},
			AuditTrail:  []model.AuditEntry{},
			Delegates:   []model.Delegate{},
		}
	}
	return s
}

func (s *bundleSet) setExtraBonus(id int64, raw []byte) {
	if b, ok := s.byID[id]; ok && len(raw) > 0 {
		b.ExtraBonus = append(b.ExtraBonus[:0], raw...)
	}
}

func (s *bundleSet) addValue(v model.FieldValue) {
	if b, ok := s.byID[v.ApplicationID]; ok {
		b.Values = append(b.Values, v)
	}
}

func (s *bundleSet) addAttachment(a model.Attachment) {
	if b, ok := s.byID[a.ApplicationID]; ok {
		b.Attachments = append(b.Attachments, a)
	}
}

func (s *bundleSet) addAudit(e model.AuditEntry) {
	if b, ok := s.byID[e.ApplicationID]; ok {
		b.AuditTrail = append(b.AuditTrail, e)
	}
}

func (s *bundleSet) addDelegate(d model.Delegate) {
	if b, ok := s.byID[d.ApplicationID]; ok {
		b.Delegates = append(b.Delegates, d)
	}
}

// bundles returns the assembled bundles in application order.
func (s *bundleSet) bundles() []model.Bundle {
	out := make([]model.Bundle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

// extraBonusArg maps an empty payload to SQL NULL.
func extraBonusArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
