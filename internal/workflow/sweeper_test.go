package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/approvals/model"
)

func TestSweeper_RunOnce(t *testing.T) {
	sla := []model.StepSLA{{StepIndex: 0, Seconds: 60, OnExpire: model.ExpireAutoApprove}}
	f := newServiceFixture(t, Options{}, vacationType(sla...))
	id := f.submitted(t).Application.ID
	f.clk.Advance(time.Hour)

	res := NewSweeper(f.svc, time.Minute, nil).RunOnce(context.Background())
	if len(res.Changed) != 1 || res.Changed[0] != id {
		t.Errorf("Changed = %v, want [%d]", res.Changed, id)
	}
}

type panickingStore struct{ *MemoryStore }

func (panickingStore) List(context.Context) ([]model.Bundle, error) { panic("boom") }

func TestSweeper_RunOnce_recoversPanic(t *testing.T) {
	f := newServiceFixture(t, Options{})
	core, logs := observer.New(zapcore.ErrorLevel)
	svc := NewService(f.reg, f.seq, f.clk, panickingStore{f.store}, NewKeyedLocker(), Options{})

	NewSweeper(svc, time.Minute, zap.New(core)).RunOnce(context.Background())

	if logs.FilterMessage("automation sweep panicked").Len() != 1 {
		t.Errorf("expected a logged panic, got %v", logs.All())
	}
}

func TestSweeper_Run_stopsOnCancel(t *testing.T) {
	sla := []model.StepSLA{{StepIndex: 0, Seconds: 60, OnExpire: model.ExpireBounceBack}}
	f := newServiceFixture(t, Options{}, vacationType(sla...))
	f.submitted(t)
	f.clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(f.svc, 5*time.Millisecond, nil).Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for testutil.ToFloat64(f.metrics.AutoActionsTotal.WithLabelValues("EXPIRE_BOUNCE")) < 1 {
		select {
		case <-deadline:
			t.Fatal("sweeper never bounced the application")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewSweeper_defaults(t *testing.T) {
	s := NewSweeper(nil, 0, nil)
	if s.interval != defaultSweepInterval {
		t.Errorf("interval = %v, want %v", s.interval, defaultSweepInterval)
	}
}
