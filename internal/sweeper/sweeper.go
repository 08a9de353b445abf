// Package sweeper drives the periodic reclaim loop: expired instances are
// torn down and the proxy configuration is pushed to match.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/tryptoph/CTF-Paltform/internal/orchestrator"
)

type Engine interface {
	SweepExpired(ctx context.Context) orchestrator.SweepSummary
}

type Syncer interface {
	Sync(ctx context.Context) error
}

type Sweeper struct {
	engine   Engine
	syncer   Syncer
	interval time.Duration
	log      *slog.Logger
}

func New(engine Engine, syncer Syncer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{engine: engine, syncer: syncer, interval: interval, log: logger}
}

// Run ticks until the context is cancelled. A tick that is already in
// flight when shutdown starts is allowed to finish.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper_started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper_stopped")
			return
		case <-ticker.C:
			// detach the tick so shutdown does not abort docker calls
			// mid removal; the loop exits on its next select
			s.tick(context.WithoutCancel(ctx))
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	summary := s.engine.SweepExpired(ctx)
	if summary.Expired > 0 {
		s.log.Info("sweep_completed",
			slog.Int("expired", summary.Expired),
			slog.Int("removed", summary.Removed),
			slog.Int("failed", summary.Failed),
		)
	}
	if s.syncer == nil {
		return
	}
	if err := s.syncer.Sync(ctx); err != nil {
		s.log.Warn("sweep_proxy_sync_failed", slog.String("error", err.Error()))
	}
}
