package transport

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Watchdog checks that a backend process is still alive.
type Watchdog struct {
	pid int32
}

// NewWatchdog returns a watchdog for the process pid.
func NewWatchdog(pid int) *Watchdog {
	return &Watchdog{pid: int32(pid)}
}

// ErrBackendStopped is returned by Check when the backend process was
// stopped by a signal and cannot answer commands.
var ErrBackendStopped = errors.New("backend process is stopped")

// Check returns an error if the process vanished, became a zombie or was
// stopped.
func (w *Watchdog) Check() error {
	exists, err := process.PidExists(w.pid)
	if err != nil {
		return fmt.Errorf("probing backend %d: %w", w.pid, err)
	}
	if !exists {
		return fmt.Errorf("backend %d: %w", w.pid, ErrBackendExited)
	}
	p, err := process.NewProcess(w.pid)
	if err != nil {
		return fmt.Errorf("backend %d: %w", w.pid, ErrBackendExited)
	}
	status, err := p.Status()
	if err != nil {
		// Status is not available on every platform.
		return nil
	}
	for _, s := range status {
		switch s {
		case process.Zombie:
			return fmt.Errorf("backend %d is a zombie: %w", w.pid, ErrBackendExited)
		case process.Stop:
			return fmt.Errorf("backend %d: %w", w.pid, ErrBackendStopped)
		}
	}
	return nil
}
