// Package cleanup runs the periodic session sweeper. Conversational
// cores outlive their WebSocket so a dropped client can reconnect, but
// a core whose transport never returns would otherwise be retained
// forever. The sweeper evicts them once the grace period has elapsed,
// skipping any core with a pipeline still executing.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry is the session store being swept.
type Registry interface {
	// SweepIdle evicts sessions idle past the grace period and returns
	// the number evicted.
	SweepIdle(grace time.Duration) int
}

// Sweeper ticks at a fixed interval and sweeps the registry.
type Sweeper struct {
	registry Registry
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper configures a sweeper; call Start to begin ticking.
func NewSweeper(registry Registry, interval, grace time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		grace:    grace,
		logger:   slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background loop. Calling Start on a running
// sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
	s.logger.Info("sweeper started", "interval", s.interval, "grace", s.grace)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.registry.SweepIdle(s.grace); evicted > 0 {
				s.logger.Info("idle sessions evicted", "count", evicted)
			}
		}
	}
}
