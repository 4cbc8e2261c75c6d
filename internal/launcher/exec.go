package launcher

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"pkt.systems/pslog"
)

// ExecSpawner starts children with os/exec. The child gets an empty
// environment and /dev/null for its standard streams. A goroutine per child
// waits on it so exits are reaped and logged.
type ExecSpawner struct {
	Logger pslog.Logger
}

// Spawn starts argv[0]. ctx is not bound to the child's lifetime.
func (s ExecSpawner) Spawn(_ context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, ErrEmptyCommand
	}
	cmd := &exec.Cmd{
		Path: argv[0],
		Args: argv,
		Env:  []string{},
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	logger := s.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			logger.Warn("mldtrace.launcher.wait_failed", "pid", pid, "error", err)
			return
		}
		logger.Info("mldtrace.launcher.exited",
			"pid", pid,
			"exit_code", cmd.ProcessState.ExitCode(),
			"status", cmd.ProcessState.String(),
		)
	}()
	return pid, nil
}
