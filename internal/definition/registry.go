package definition

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/approvals/model"
)

// snapshot is an immutable, normalized view of all application types.
type snapshot struct {
	byID     map[int64]model.ApplicationType
	ordered  []model.ApplicationType
	checksum string
}

// Registry is a read-optimized, thread-safe store of normalized application
// types. It uses atomic pointer swap for lock-free concurrent reads. Every
// type is normalized on the way in, so lookups never see raw input.
//
// Returned types share their slices with the snapshot and must be treated as
// read-only.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given types.
func NewRegistry(types []model.ApplicationType) *Registry {
	r := &Registry{}
	r.Replace(types)
	return r
}

// Replace atomically swaps the registry contents. When two types share an id
// the later one wins.
func (r *Registry) Replace(types []model.ApplicationType) {
	s := &snapshot{byID: make(map[int64]model.ApplicationType, len(types))}
	for _, t := range types {
		s.byID[t.ID] = Normalize(t)
	}

	s.ordered = make([]model.ApplicationType, 0, len(s.byID))
	for _, t := range s.byID {
		s.ordered = append(s.ordered, t)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].ID < s.ordered[j].ID })

	parts := make([]string, 0, len(s.ordered))
	for _, t := range s.ordered {
		parts = append(parts, fingerprint(t))
	}
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))

	r.snap.Store(s)
}

// Upsert replaces or adds a single type.
func (r *Registry) Upsert(t model.ApplicationType) {
	types := slices.DeleteFunc(r.All(), func(c model.ApplicationType) bool { return c.ID == t.ID })
	r.Replace(append(types, t))
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Lookup returns the normalized type with the given id.
func (r *Registry) Lookup(typeID int64) (model.ApplicationType, bool) {
	t, ok := r.current().byID[typeID]
	return t, ok
}

// All returns every type ordered by id.
func (r *Registry) All() []model.ApplicationType {
	return slices.Clone(r.current().ordered)
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.current().ordered)
}

// Checksum identifies the registry contents. It changes whenever any type's
// flow, SLA table or fields change.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func fingerprint(t model.ApplicationType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%v|", t.ID, t.Flow)
	for _, s := range t.SLAPerStep {
		fmt.Fprintf(&b, "%d/%d/%s,", s.StepIndex, s.Seconds, s.OnExpire)
	}
	b.WriteByte('|')
	for _, f := range t.Fields {
		fmt.Fprintf(&b, "%s/%s/%t,", f.Key, f.Type, f.Required)
	}
	fmt.Fprintf(&b, "|%v|%+v", t.AllowedRoleIDs, t.Capabilities)
	return b.String()
}
