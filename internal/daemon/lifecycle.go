package daemon

import (
	"os"
	"os/signal"
	"syscall"
	"time"
)

// LifecycleManager turns process signals into a graceful daemon stop.
// The listening socket is the only instance guard; nothing is written to disk.
type LifecycleManager struct {
	daemon  *Daemon
	signals chan os.Signal
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		daemon:  d,
		signals: make(chan os.Signal, 1),
	}
}

// Start begins listening for SIGINT and SIGTERM.
func (l *LifecycleManager) Start() {
	signal.Notify(l.signals, syscall.SIGINT, syscall.SIGTERM)

	l.daemon.logger.Info().
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")
}

// Stop releases the signal handlers.
func (l *LifecycleManager) Stop() {
	signal.Stop(l.signals)
}

// Wait blocks until a signal arrives or the daemon stops by other means,
// such as the daemon.stop RPC.
func (l *LifecycleManager) Wait(stopped <-chan struct{}) {
	select {
	case sig := <-l.signals:
		l.daemon.logger.Info().Str("signal", sig.String()).Msg("Received signal")
		if err := l.daemon.Stop(); err != nil {
			l.daemon.logger.Error().Err(err).Msg("Failed to stop daemon")
		}
	case <-stopped:
	}
}

// GetUptime returns the daemon uptime
func (l *LifecycleManager) GetUptime() time.Duration {
	return l.daemon.Status().Uptime
}
