package session

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// Terminator probes and signals session processes by pid.
type Terminator interface {
	Alive(ctx context.Context, pid int) (bool, error)
	Terminate(pid int) error
}

// ProcessTerminator sends SIGTERM to real processes.
type ProcessTerminator struct{}

// Alive reports whether pid still exists.
func (ProcessTerminator) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Terminate sends SIGTERM to pid.
func (ProcessTerminator) Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
