package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/clock"
	"github.com/pitabwire/approvals/internal/engine"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/sequence"
	"github.com/pitabwire/approvals/model"
)

const defaultLockWait = 5 * time.Second

// Options configures a Service. Zero values are usable.
type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	// LockWait bounds how long an operation waits for the per-application
	// lock. Defaults to 5s.
	LockWait time.Duration
	// SweepOnRead runs the SLA automation before GetApplication and
	// ListApplications return.
	SweepOnRead bool
}

// Service is the entry point for every application operation. It loads the
// bundle under a per-application lock, runs the engine transition, and
// persists the result.
type Service struct {
	types       engine.TypeLookup
	engine      *engine.Engine
	seq         *sequence.Allocator
	store       Store
	locker      Locker
	logger      *zap.Logger
	metrics     *observability.Metrics
	lockWait    time.Duration
	sweepOnRead bool
}

// NewService wires a Service. Call Bootstrap before serving requests so the
// allocator knows about stored ids.
func NewService(types engine.TypeLookup, seq *sequence.Allocator, clk clock.Clock, store Store, locker Locker, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wait := opts.LockWait
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &Service{
		types:       types,
		engine:      engine.New(types, seq, clk, logger.Named("engine")),
		seq:         seq,
		store:       store,
		locker:      locker,
		logger:      logger,
		metrics:     opts.Metrics,
		lockWait:    wait,
		sweepOnRead: opts.SweepOnRead,
	}
}

// Bootstrap raises the id counters past everything in the store and repairs
// bundles whose stored state breaks the engine's invariants. It returns the
// number of repaired bundles.
func (s *Service) Bootstrap(ctx context.Context) (int, error) {
	bundles, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("load bundles: %w", err)
	}
	s.seq.Observe(bundles)

	repaired := 0
	for _, b := range bundles {
		fixed, changed := engine.Repair(b)
		if !changed {
			continue
		}
		if err := s.store.Save(ctx, fixed); err != nil {
			return repaired, fmt.Errorf("save repaired application %d: %w", b.Application.ID, err)
		}
		s.logger.Warn("repaired stored application",
			zap.Int64("application_id", b.Application.ID),
			zap.String("status", string(fixed.Application.Status)),
			zap.Int("step", fixed.Application.CurrentStepIndex),
		)
		repaired++
	}
	s.metrics.RecordRepairs(repaired)

	next := s.seq.Snapshot()
	s.logger.Info("application store loaded",
		zap.Int("applications", len(bundles)),
		zap.Int("repaired", repaired),
		zap.Int64("next_application_id", next.Application),
		zap.Int64("next_audit_id", next.Audit),
	)
	return repaired, nil
}

// --- Operations ---

// Guard vets the stored bundle, read under the application's lock, before a
// transition is applied to it.
type Guard func(model.Bundle) error

// AtStep guards a decision made on the application while it was at status
// and step. Once it has moved on, the operation fails with CONFLICT and
// nothing is saved.
func AtStep(status model.ApplicationStatus, step int) Guard {
	return func(b model.Bundle) error {
		app := b.Application
		if app.Status == status && app.CurrentStepIndex == step {
			return nil
		}
		return model.NewConflictError(fmt.Sprintf(
			"application %d moved to %s at step %d, expected %s at step %d",
			app.ID, app.Status, app.CurrentStepIndex, status, step))
	}
}

// CreateApplication starts a DRAFT application of the given type.
func (s *Service) CreateApplication(ctx context.Context, typeID, requesterID int64, values []model.FieldValue, attachments []model.Attachment, comment string) (b model.Bundle, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrTypeID.Int64(typeID),
		observability.AttrActorID.Int64(requesterID),
	)
	defer func() {
		s.observe("create", err)
		observability.EndSpanWithError(span, err)
	}()

	if _, ok := s.types.Lookup(typeID); !ok {
		return model.Bundle{}, model.NewTypeNotFoundError(typeID)
	}

	b = s.engine.Create(typeID, requesterID, values, attachments, comment)
	if err := s.store.Create(ctx, b); err != nil {
		return model.Bundle{}, fmt.Errorf("create application %d: %w", b.Application.ID, err)
	}
	observability.AnnotateBundle(span, b)

	s.metrics.RecordApplicationCreated(typeID)
	s.recordTransitions(model.Bundle{}, b)
	observability.RequestLogger(ctx, s.logger).Info("application created",
		zap.Int64("application_id", b.Application.ID),
		zap.String("number", b.Application.Number),
		zap.Int64("type_id", typeID),
	)
	return b, nil
}

// SubmitApplication sends a draft into its flow.
func (s *Service) SubmitApplication(ctx context.Context, id, actorID int64, comment string, delegateUserID *int64, guards ...Guard) (model.Bundle, error) {
	return s.mutate(ctx, "submit", id, actorID, guards, func(b model.Bundle) model.Bundle {
		return s.engine.Submit(b, actorID, comment, delegateUserID)
	})
}

// ApproveApplication approves the current step.
func (s *Service) ApproveApplication(ctx context.Context, id, actorID int64, comment string, guards ...Guard) (model.Bundle, error) {
	return s.mutate(ctx, "approve", id, actorID, guards, func(b model.Bundle) model.Bundle {
		return s.engine.Approve(b, &actorID, model.ActionApprove, comment)
	})
}

// RejectApplication moves the application back one step.
func (s *Service) RejectApplication(ctx context.Context, id, actorID int64, comment string, guards ...Guard) (model.Bundle, error) {
	return s.mutate(ctx, "reject", id, actorID, guards, func(b model.Bundle) model.Bundle {
		return s.engine.Reject(b, &actorID, model.ActionReject, comment)
	})
}

// ResendApplication restarts the flow from the first step.
func (s *Service) ResendApplication(ctx context.Context, id, actorID int64, comment string, delegateUserID *int64, guards ...Guard) (model.Bundle, error) {
	return s.mutate(ctx, "resend", id, actorID, guards, func(b model.Bundle) model.Bundle {
		return s.engine.Resend(b, actorID, comment, delegateUserID)
	})
}

// CloseApplication closes the application for good.
func (s *Service) CloseApplication(ctx context.Context, id, actorID int64, comment string, guards ...Guard) (model.Bundle, error) {
	return s.mutate(ctx, "close", id, actorID, guards, func(b model.Bundle) model.Bundle {
		return s.engine.Close(b, actorID, comment)
	})
}

// UpdateApplicationValues replaces the form values.
func (s *Service) UpdateApplicationValues(ctx context.Context, id, actorID int64, values []model.FieldValue, comment string, guards ...Guard) (model.Bundle, error) {
	return s.mutate(ctx, "update_values", id, actorID, guards, func(b model.Bundle) model.Bundle {
		return s.engine.UpdateValues(b, actorID, values, comment)
	})
}

// AddApplicationAttachment appends an attachment.
func (s *Service) AddApplicationAttachment(ctx context.Context, id int64, attachment model.Attachment, actorID int64, guards ...Guard) (model.Bundle, error) {
	return s.mutate(ctx, "add_attachment", id, actorID, guards, func(b model.Bundle) model.Bundle {
		return s.engine.AddAttachment(b, actorID, attachment)
	})
}

// AssignApplicationDelegate sets or, with a nil or zero user, clears the
// delegate for one flow role.
func (s *Service) AssignApplicationDelegate(ctx context.Context, id, forRoleID int64, delegateUserID *int64, actorID int64, guards ...Guard) (model.Bundle, error) {
	return s.mutate(ctx, "assign_delegate", id, actorID, guards, func(b model.Bundle) model.Bundle {
		return s.engine.SetDelegate(b, actorID, forRoleID, delegateUserID)
	})
}

// GetApplication returns one bundle.
func (s *Service) GetApplication(ctx context.Context, id int64) (model.Bundle, error) {
	if s.sweepOnRead {
		if _, _, err := s.sweepBundle(ctx, id); err != nil && !model.IsNotFound(err) {
			s.logger.Warn("sweep before read failed", zap.Int64("application_id", id), zap.Error(err))
		}
	}
	return s.store.Get(ctx, id)
}

// ListApplications returns every bundle, newest first.
func (s *Service) ListApplications(ctx context.Context) ([]model.Bundle, error) {
	if s.sweepOnRead {
		if _, err := s.RunAutomationSweep(ctx); err != nil {
			s.logger.Warn("sweep before list failed", zap.Error(err))
		}
	}
	return s.store.List(ctx)
}

// mutate runs fn on the stored bundle under the application's lock. The
// guards see the bundle as it is under the lock; the first error aborts the
// operation unsaved. A transition that appends no audit entry changed
// nothing and is not saved.
func (s *Service) mutate(ctx context.Context, op string, id, actorID int64, guards []Guard, fn func(model.Bundle) model.Bundle) (out model.Bundle, err error) {
	ctx, span := observability.StartApplicationSpan(ctx, op, id, actorID)
	defer func() {
		s.observe(op, err)
		observability.EndSpanWithError(span, err)
	}()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return model.Bundle{}, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Bundle{}, err
	}
	for _, guard := range guards {
		if err := guard(current); err != nil {
			return model.Bundle{}, err
		}
	}

	next := fn(current)
	if len(next.AuditTrail) == len(current.AuditTrail) {
		return current, nil
	}
	if err := s.store.Save(ctx, next); err != nil {
		return model.Bundle{}, fmt.Errorf("save application %d: %w", id, err)
	}

	observability.AnnotateBundle(span, next)
	s.recordTransitions(current, next)
	observability.RequestLogger(ctx, s.logger).Info("application updated",
		zap.String("operation", op),
		zap.Int64("application_id", id),
		zap.String("status", string(next.Application.Status)),
		zap.Int("step", next.Application.CurrentStepIndex),
	)
	return next, nil
}

// lock acquires the application's lock within the configured wait.
func (s *Service) lock(ctx context.Context, id int64) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	start := time.Now()
	unlock, err := s.locker.Lock(lockCtx, id)
	timedOut := model.CodeOf(err) == model.ErrLockTimeout
	s.metrics.RecordLockWait(time.Since(start), timedOut)
	if err != nil {
		if timedOut {
			s.logger.Warn("application lock wait timed out",
				zap.Int64("application_id", id),
				zap.Duration("wait", s.lockWait),
			)
		}
		return nil, err
	}
	return unlock, nil
}

func (s *Service) observe(op string, err error) {
	if err != nil {
		s.metrics.RecordOperationFailure(op, model.CodeOf(err))
	}
}

// recordTransitions counts the audit entries next added over prev.
func (s *Service) recordTransitions(prev, next model.Bundle) {
	status := string(next.Application.Status)
	for _, e := range next.AuditTrail[len(prev.AuditTrail):] {
		s.metrics.RecordTransition(string(e.Action), status)
	}
}

// --- Automation ---

// errSweepPanic wraps a panic recovered while sweeping one bundle.
var errSweepPanic = errors.New("panic during sweep")

// RunAutomationSweep applies due SLA actions to every stored bundle. Each
// bundle is locked, re-read, and swept on its own; a failure on one bundle
// is logged and counted and the pass moves on. The returned error reports
// how many bundles failed, alongside the result for the rest.
func (s *Service) RunAutomationSweep(ctx context.Context) (res engine.SweepResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.sweep")
	failed := 0
	defer func() {
		result := "ok"
		switch {
		case err != nil && failed == 0:
			result = "error"
		case failed > 0:
			result = "partial"
		}
		s.metrics.RecordSweep(result, time.Since(start), res.AutoApproved, res.Bounced)
		span.SetAttributes(observability.AttrSweepChanged.Int(len(res.Changed)))
		observability.EndSpanWithError(span, err)
	}()

	bundles, err := s.store.List(ctx)
	if err != nil {
		return engine.SweepResult{}, fmt.Errorf("list applications: %w", err)
	}
	res.Bundles = bundles

	statuses := make(map[string]int)
	var out []model.Bundle
	for i, b := range bundles {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !s.engine.NeedsSweep(b) {
			statuses[string(b.Application.Status)]++
			continue
		}

		next, one, sweepErr := s.safeSweepBundle(ctx, b.Application.ID)
		if sweepErr != nil {
			failed++
			s.metrics.RecordSweepBundleError()
			s.logger.Error("sweep of application failed",
				zap.Int64("application_id", b.Application.ID),
				zap.Error(sweepErr),
			)
			statuses[string(b.Application.Status)]++
			continue
		}
		statuses[string(next.Application.Status)]++
		if !one.Mutated {
			continue
		}
		if out == nil {
			out = make([]model.Bundle, len(bundles))
			copy(out, bundles)
		}
		out[i] = next
		res.Changed = append(res.Changed, b.Application.ID)
		res.AutoApproved += one.AutoApproved
		res.Bounced += one.Bounced
		res.Refreshed += one.Refreshed
		res.Cleared += one.Cleared
	}
	if out != nil {
		res.Bundles = out
		res.Mutated = true
	}
	s.metrics.SetApplicationsByStatus(statuses)

	if len(res.Changed) > 0 || failed > 0 {
		s.logger.Info("automation sweep finished",
			zap.Int("applications", len(bundles)),
			zap.Int("changed", len(res.Changed)),
			zap.Int("auto_approved", res.AutoApproved),
			zap.Int("bounced", res.Bounced),
			zap.Int("failed", failed),
		)
	}
	if failed > 0 {
		return res, fmt.Errorf("sweep: %d of %d applications failed", failed, len(bundles))
	}
	return res, nil
}

// safeSweepBundle is sweepBundle with panics turned into errors.
func (s *Service) safeSweepBundle(ctx context.Context, id int64) (b model.Bundle, res engine.SweepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered panic while sweeping application",
				zap.Int64("application_id", id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("%w: application %d: %v", errSweepPanic, id, r)
		}
	}()
	return s.sweepBundle(ctx, id)
}

// sweepBundle sweeps one application under its lock, re-reading it so a
// concurrent transition is never overwritten.
func (s *Service) sweepBundle(ctx context.Context, id int64) (model.Bundle, engine.SweepResult, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return model.Bundle{}, engine.SweepResult{}, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Bundle{}, engine.SweepResult{}, err
	}

	res := s.engine.Sweep([]model.Bundle{current})
	if !res.Mutated {
		return current, res, nil
	}
	next := res.Bundles[0]
	if err := s.store.Save(ctx, next); err != nil {
		return model.Bundle{}, engine.SweepResult{}, fmt.Errorf("save swept application %d: %w", id, err)
	}
	s.recordTransitions(current, next)
	for _, e := range next.AuditTrail[len(current.AuditTrail):] {
		s.logger.Info("applied step deadline action",
			zap.Int64("application_id", id),
			zap.String("action", string(e.Action)),
			zap.String("status", string(next.Application.Status)),
			zap.Int("step", next.Application.CurrentStepIndex),
		)
	}
	return next, res, nil
}
