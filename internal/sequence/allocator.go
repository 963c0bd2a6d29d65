// Package sequence allocates identifiers for applications, attachments,
// audit entries and delegates.
//
// The allocator is not persisted. It is derived from the loaded data set
// (max existing id + 1 per counter) and then only ever moves forward, so an
// id is never handed out twice for the lifetime of the process.
package sequence

import (
	"sync/atomic"

	"github.com/pitabwire/approvals/model"
)

// Allocator holds four independent monotonic counters. Each field stores the
// last id handed out. It is safe for concurrent use.
type Allocator struct {
	application atomic.Int64
	attachment  atomic.Int64
	audit       atomic.Int64
	delegate    atomic.Int64
}

// Snapshot reports the next id each counter will return.
type Snapshot struct {
	Application int64 `json:"application"`
	Attachment  int64 `json:"attachment"`
	Audit       int64 `json:"audit"`
	Delegate    int64 `json:"delegate"`
}

// New creates an allocator whose counters all start at 1.
func New() *Allocator {
	return &Allocator{}
}

// FromBundles creates an allocator positioned after the highest id present
// in bundles.
func FromBundles(bundles []model.Bundle) *Allocator {
	a := New()
	a.Observe(bundles)
	return a
}

// Observe raises each counter to cover the ids present in bundles. Counters
// are never lowered.
func (a *Allocator) Observe(bundles []model.Bundle) {
	var m Snapshot
	for i := range bundles {
		b := &bundles[i]
		m.Application = max(m.Application, b.Application.ID)
		for _, at := range b.Attachments {
			m.Attachment = max(m.Attachment, at.ID)
		}
		for _, e := range b.AuditTrail {
			m.Audit = max(m.Audit, e.ID)
		}
		for _, d := range b.Delegates {
			m.Delegate = max(m.Delegate, d.ID)
		}
	}
	raise(&a.application, m.Application)
	raise(&a.attachment, m.Attachment)
	raise(&a.audit, m.Audit)
	raise(&a.delegate, m.Delegate)
}

// NextApplicationID allocates an application id.
func (a *Allocator) NextApplicationID() int64 { return a.application.Add(1) }

// NextAttachmentID allocates an attachment id.
func (a *Allocator) NextAttachmentID() int64 { return a.attachment.Add(1) }

// NextAuditID allocates an audit entry id.
func (a *Allocator) NextAuditID() int64 { return a.audit.Add(1) }

// NextDelegateID allocates a delegate record id.
func (a *Allocator) NextDelegateID() int64 { return a.delegate.Add(1) }

// Snapshot returns the ids the next allocations will produce.
func (a *Allocator) Snapshot() Snapshot {
	return Snapshot{
		Application: a.application.Load() + 1,
		Attachment:  a.attachment.Load() + 1,
		Audit:       a.audit.Load() + 1,
		Delegate:    a.delegate.Load() + 1,
	}
}

func raise(c *atomic.Int64, v int64) {
	for {
		cur := c.Load()
		if v <= cur || c.CompareAndSwap(cur, v) {
			return
		}
	}
}
