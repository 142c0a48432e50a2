package chat

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically reclaims registry entries whose worker has terminated
// or has been idle longer than idleTimeout.
type Reaper struct {
	registry    *Registry
	idleTimeout time.Duration
	interval    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// SweepResult counts what one sweep reclaimed.
type SweepResult struct {
	Reclaimed int // already terminated
	TimedOut  int // force-terminated for idleness
}

func NewReaper(registry *Registry, idleTimeout, interval time.Duration, logger *slog.Logger) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry:    registry,
		idleTimeout: idleTimeout,
		interval:    interval,
		now:         time.Now,
		logger:      logger,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Sweep examines a snapshot of the registry once. A terminated worker is
// reclaimed before its idle time is even looked at.
func (r *Reaper) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for _, w := range r.registry.Snapshot() {
		switch {
		case w.Terminated():
			if r.registry.Remove(w.ID()) {
				ConnectionsReaped.WithLabelValues(reasonTerminated).Inc()
				res.Reclaimed++
			}
		case w.IdleFor(now) > r.idleTimeout:
			w.logger.Info("connection timed out, worker terminated", "idle", w.IdleFor(now).Round(time.Millisecond))
			w.Terminate()
			if r.registry.Remove(w.ID()) {
				ConnectionsReaped.WithLabelValues(reasonIdleTimeout).Inc()
				res.TimedOut++
			}
		}
	}
	if res.Reclaimed > 0 || res.TimedOut > 0 {
		r.logger.Debug("sweep finished", "reclaimed", res.Reclaimed, "timed_out", res.TimedOut, "remaining", r.registry.Len())
	}
	return res
}
