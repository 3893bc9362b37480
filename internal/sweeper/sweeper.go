package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"driveguard/internal/config"
	"driveguard/internal/engine"
)

// Sweeper periodically auto-closes alerts whose global expiry window has
// lapsed. Failures are contained: a bad run is logged and the ticker keeps
// going, so the next run retries whatever stayed open.
type Sweeper struct {
	engine *engine.Engine
	logger *slog.Logger
	cfg    config.SweeperConfig
}

func New(eng *engine.Engine, logger *slog.Logger, cfg config.SweeperConfig) *Sweeper {
	return &Sweeper{engine: eng, logger: logger, cfg: cfg}
}

func (s *Sweeper) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		if s.logger != nil {
			s.logger.Info("sweeper disabled")
		}
		return
	}
	if s.logger != nil {
		s.logger.Info("sweeper enabled", "interval", s.cfg.Interval, "expiry", s.cfg.Expiry)
	}
	go func() {
		ticker := time.NewTicker(s.cfg.Interval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RunOnce performs one sweep under the configured per-run deadline.
func (s *Sweeper) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout.Std())
	defer cancel()
	cutoff := time.Now().UTC().Add(-s.cfg.Expiry.Std())
	reason := fmt.Sprintf("Time window expired (%s)", s.cfg.Expiry.Std())
	closed, err := s.engine.SweepExpired(runCtx, cutoff, reason)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("sweep run failed", "closed", closed, "err", err)
		}
		return
	}
	if closed > 0 && s.logger != nil {
		s.logger.Info("sweep run finished", "closed", closed)
	}
}
