// Package shutdown provides idle monitoring for scale-to-zero worker
// deployments: platforms that stop machines when no work arrives.
package shutdown

import (
	"log/slog"
	"sync"
	"time"
)

// IdleMonitor signals when the busy check has reported no work for the
// configured duration. A timeout of 0 disables monitoring.
type IdleMonitor struct {
	timeout  time.Duration
	interval time.Duration
	busy     func() bool
	logger   *slog.Logger

	shutdownChan chan struct{}
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewIdleMonitor creates an idle monitor. busy is polled periodically; any
// tick where it returns true resets the idle clock.
func NewIdleMonitor(timeout time.Duration, busy func() bool, logger *slog.Logger) *IdleMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return &IdleMonitor{
		timeout:      timeout,
		interval:     interval,
		busy:         busy,
		logger:       logger.With("component", "idle-monitor"),
		shutdownChan: make(chan struct{}),
		stopChan:     make(chan struct{}),
	}
}

// Start begins monitoring. It returns immediately; the shutdown signal is
// delivered on ShutdownChan.
func (m *IdleMonitor) Start() {
	if m.timeout <= 0 {
		m.logger.Debug("idle monitoring disabled (timeout=0)")
		return
	}
	m.logger.Info("idle monitoring enabled", "timeout", m.timeout)
	go m.loop()
}

func (m *IdleMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if m.busy() {
				last = time.Now()
				continue
			}
			if time.Since(last) >= m.timeout {
				m.logger.Info("idle timeout reached", "timeout", m.timeout)
				close(m.shutdownChan)
				return
			}
		}
	}
}

// ShutdownChan is closed when the idle timeout is reached.
func (m *IdleMonitor) ShutdownChan() <-chan struct{} {
	return m.shutdownChan
}

// Stop ends monitoring without signalling shutdown.
func (m *IdleMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}
