// Package engine implements the application state machine.
//
// Every operation is a pure bundle-to-bundle transform: the input bundle is
// cloned, the clone is changed, and exactly one audit entry is appended. No
// operation performs I/O or blocks. Callers serialize mutations per
// application and persist the result.
package engine

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/clock"
	"github.com/pitabwire/approvals/internal/sequence"
	"github.com/pitabwire/approvals/model"
)

// Standard audit comments written by the engine itself.
const (
	CommentAutoApproved  = "Automatically approved after the step deadline elapsed."
	CommentExpireBounced = "Returned after the step deadline elapsed."
	CommentDelegateSet   = "Delegate updated"
	attachmentCommentFmt = "Attachment added: %s"
)

// TypeLookup resolves normalized application types. definition.Registry
// implements it.
type TypeLookup interface {
	Lookup(typeID int64) (model.ApplicationType, bool)
}

// Engine applies transitions to bundles.
type Engine struct {
	types  TypeLookup
	seq    *sequence.Allocator
	clock  clock.Clock
	logger *zap.Logger
}

// New creates an Engine. A nil logger disables logging.
func New(types TypeLookup, seq *sequence.Allocator, clk clock.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		types:  types,
		seq:    seq,
		clock:  clk,
		logger: logger,
	}
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// typeOf resolves the bundle's type, or nil when it is not registered.
func (e *Engine) typeOf(app model.Application) *model.ApplicationType {
	t, ok := e.types.Lookup(app.TypeID)
	if !ok {
		return nil
	}
	return &t
}

// requireType resolves the type for operations that cannot proceed without
// one. A missing type is logged and reported as false; the caller then
// returns its input unchanged.
func (e *Engine) requireType(b model.Bundle, op string) (*model.ApplicationType, bool) {
	t := e.typeOf(b.Application)
	if t == nil {
		e.logger.Warn("application type not found, transition skipped",
			zap.String("operation", op),
			zap.Int64("application_id", b.Application.ID),
			zap.Int64("type_id", b.Application.TypeID),
		)
		return nil, false
	}
	return t, true
}

func (e *Engine) appendAudit(b *model.Bundle, actorID *int64, action model.AuditAction, comment string, at time.Time) {
	var actor *int64
	if actorID != nil {
		v := *actorID
		actor = &v
	}
	b.AuditTrail = append(b.AuditTrail, model.AuditEntry{
		ID:            e.seq.NextAuditID(),
		ApplicationID: b.Application.ID,
		ActorID:       actor,
		Action:        action,
		Comment:       comment,
		At:            at,
	})
}

// replaceDelegate drops any delegate for roleID and, when userID is set and
// non-zero, adds a fresh record for it.
func (e *Engine) replaceDelegate(b *model.Bundle, roleID int64, userID *int64) {
	b.Delegates = slices.DeleteFunc(b.Delegates, func(d model.Delegate) bool { return d.ForRoleID == roleID })
	if userID == nil || *userID == 0 {
		return
	}
	b.Delegates = append(b.Delegates, model.Delegate{
		ID:             e.seq.NextDelegateID(),
		ApplicationID:  b.Application.ID,
		ForRoleID:      roleID,
		DelegateUserID: *userID,
	})
}
