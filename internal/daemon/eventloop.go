package daemon

import (
	"context"
	"time"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/pkg/router"
	"github.com/rs/zerolog/log"
)

const maintenanceInterval = 30 * time.Second

// EventLoop handles periodic maintenance while the daemon runs
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

// Run runs the event loop until ctx is canceled
func (e *EventLoop) Run(ctx context.Context) {
	log.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes gauges and logs busy lanes.
func (e *EventLoop) processTasks() {
	stats := e.daemon.queue.Stats()
	for lane, ls := range stats {
		if ls.Queued > 0 || ls.Running > 0 {
			log.Debug().
				Str("lane", lane).
				Int("queued", ls.Queued).
				Int("running", ls.Running).
				Msg("Queue stats")
		}
	}

	if e.daemon.gateway != nil {
		observability.SetGatewayClients(len(e.daemon.gateway.GetConnectedClients()))
	}
	for _, p := range e.daemon.router.Status() {
		if p.Health != router.HealthHealthy {
			log.Debug().
				Str("profile", p.ID).
				Str("health", string(p.Health)).
				Str("lastError", p.LastError).
				Msg("Profile unavailable")
		}
	}
}

// HandleShutdown waits briefly for running tasks to finish.
func (e *EventLoop) HandleShutdown(timeout time.Duration) bool {
	done := e.daemon.queue.WaitForActive(timeout)
	if done {
		log.Info().Msg("All active tasks completed")
	} else {
		log.Warn().Dur("timeout", timeout).Msg("Timed out waiting for active tasks")
	}
	return done
}
