package daemon

import (
	"context"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/pkg/backend"
)

const maintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance that has no cron schedule of its own.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run ticks until ctx is canceled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks refreshes gauges and logs busy lanes.
func (e *EventLoop) processTasks(ctx context.Context) {
	d := e.daemon
	observability.SetSessionHandles(d.sessions.Count())

	for lane, stats := range d.queue.GetStats() {
		if stats["queued"] > 0 || stats["running"] > 0 {
			d.log.Debug().
				Str("lane", lane).
				Int("queued", stats["queued"]).
				Int("running", stats["running"]).
				Msg("Queue stats")
		}
	}

	if hc, ok := d.backend.(backend.HealthChecker); ok {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := hc.Health(hctx)
		cancel()
		if err != nil && ctx.Err() == nil {
			d.log.Warn().Err(err).Msg("Backend health check failed")
		}
	}
}

// HandleShutdown waits briefly for running turns to finish.
func (e *EventLoop) HandleShutdown() {
	e.daemon.log.Info().Msg("Handling graceful shutdown")
	if e.daemon.queue.WaitForActive(5 * time.Second) {
		e.daemon.log.Info().Msg("All active turns completed")
	} else {
		e.daemon.log.Warn().Msg("Turns still running at shutdown")
	}
}
