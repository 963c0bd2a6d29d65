package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/engine"
)

const defaultSweepInterval = 60 * time.Second

// Sweeper runs the automation sweep on a fixed interval.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper. A zero interval means 60s.
func NewSweeper(svc *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{svc: svc, interval: interval, logger: logger}
}

// Run sweeps once per interval until ctx is done. Sweep failures are logged
// and never stop the loop. It always returns nil so it can run inside an
// errgroup without tearing the group down on shutdown.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("automation sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("automation sweeper stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. A panic escaping the service is recovered
// and logged.
func (s *Sweeper) RunOnce(ctx context.Context) (res engine.SweepResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("automation sweep panicked", zap.Any("panic", r))
		}
	}()

	res, err := s.svc.RunAutomationSweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("automation sweep failed", zap.Error(err))
	}
	return res
}
