package shutdown

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestIdleMonitor_SignalsAfterIdle(t *testing.T) {
	m := NewIdleMonitor(30*time.Millisecond, func() bool { return false }, nil)
	m.Start()
	defer m.Stop()

	select {
	case <-m.ShutdownChan():
	case <-time.After(2 * time.Second):
		t.Fatal("idle monitor never signalled")
	}
}

func TestIdleMonitor_BusyResetsClock(t *testing.T) {
	var busy atomic.Bool
	busy.Store(true)

	m := NewIdleMonitor(50*time.Millisecond, busy.Load, nil)
	m.Start()
	defer m.Stop()

	select {
	case <-m.ShutdownChan():
		t.Fatal("signalled while busy")
	case <-time.After(150 * time.Millisecond):
	}

	busy.Store(false)
	select {
	case <-m.ShutdownChan():
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after going idle")
	}
}

func TestIdleMonitor_DisabledWhenZeroTimeout(t *testing.T) {
	m := NewIdleMonitor(0, func() bool { return false }, nil)
	m.Start()
	defer m.Stop()

	select {
	case <-m.ShutdownChan():
		t.Fatal("disabled monitor signalled")
	case <-time.After(100 * time.Millisecond):
	}
}
