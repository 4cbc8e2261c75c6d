// Package launcher turns a forwarded mld command line into a running child
// process. It picks the log file name, creates the log directory, finalizes
// the argument vector, and spawns the binary.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/mldtrace/internal/clock"
	"pkt.systems/mldtrace/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultBinary is the logging daemon launched for every session.
	DefaultBinary = "/system/bin/mld"
	// DefaultDirPerm is the mode requested for created log directories.
	DefaultDirPerm os.FileMode = 0o777
	// MaxArgs bounds the finalized argument vector.
	MaxArgs = 64
	// MaxPathLength bounds the log directory path in bytes.
	MaxPathLength = 128
	// ForegroundFlag keeps mld from daemonizing so its pid stays valid.
	ForegroundFlag = "-d"
)

var (
	ErrEmptyCommand = errors.New("launcher: empty command line")
	ErrTooManyArgs  = errors.New("launcher: too many arguments")
	ErrPathTooLong  = errors.New("launcher: log path too long")
)

// Subsystem markers recognised in forwarded command lines.
const (
	accMarker = "LOG_D_ACC"
	appMarker = "LOG_D_APP"
)

// Spawner starts argv[0] with argv and returns the child's pid without
// waiting for it.
type Spawner interface {
	Spawn(ctx context.Context, argv []string) (int, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, argv []string) (int, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, argv []string) (int, error) {
	return f(ctx, argv)
}

// Config wires a Launcher. Zero values take defaults.
type Config struct {
	Binary  string
	DirPerm os.FileMode
	Clock   clock.Clock
	Spawner Spawner
	Logger  pslog.Logger
}

// Launcher prepares and spawns mld processes.
type Launcher struct {
	binary  string
	dirPerm os.FileMode
	clock   clock.Clock
	spawner Spawner
	logger  pslog.Logger
}

// Plan is a finalized launch.
type Plan struct {
	Label   string
	LogFile string
	Argv    []string
}

// Launched describes a spawned process.
type Launched struct {
	PID int
	Plan
}

// New returns a Launcher for cfg.
func New(cfg Config) *Launcher {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.DirPerm == 0 {
		cfg.DirPerm = DefaultDirPerm
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Local{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "server.launcher")
	if cfg.Spawner == nil {
		cfg.Spawner = ExecSpawner{Logger: logger}
	}
	return &Launcher{
		binary:  cfg.Binary,
		dirPerm: cfg.DirPerm,
		clock:   cfg.Clock,
		spawner: cfg.Spawner,
		logger:  logger,
	}
}

// Binary returns the path placed in argv[0].
func (l *Launcher) Binary() string {
	return l.binary
}

// SubsystemLabel derives the log file label from markers in cmdline.
func SubsystemLabel(cmdline string) string {
	switch {
	case strings.Contains(cmdline, accMarker):
		return "acc"
	case strings.Contains(cmdline, appMarker):
		return "app"
	default:
		return ""
	}
}

// LogFileName builds the timestamped log file name for label. A zero t
// yields the label-only fallback name.
func LogFileName(t time.Time, label string) string {
	if t.IsZero() {
		return fmt.Sprintf("log_%s.log", label)
	}
	return fmt.Sprintf("%04d-%02d-%02d_%02dh%02dm%02ds_%s.log",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), label)
}

// Tokenize splits cmdline on spaces and tabs.
func Tokenize(cmdline string) []string {
	return strings.FieldsFunc(cmdline, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
}

// Prepare computes the launch plan for cmdline without touching the
// filesystem. The last word of cmdline is the log directory; the log file
// name is appended to it.
func (l *Launcher) Prepare(cmdline string) (Plan, error) {
	args := Tokenize(cmdline)
	if len(args) == 0 {
		return Plan{}, ErrEmptyCommand
	}
	if len(args) > MaxArgs {
		return Plan{}, fmt.Errorf("%d arguments: %w", len(args), ErrTooManyArgs)
	}
	label := SubsystemLabel(cmdline)
	name := LogFileName(l.clock.Now(), label)
	last := len(args) - 1
	if strings.HasSuffix(args[last], "/") {
		args[last] += name
	} else {
		args[last] += "/" + name
	}
	logFile := args[last]

	if !slices.Contains(args, ForegroundFlag) {
		if len(args) >= MaxArgs {
			return Plan{}, fmt.Errorf("no room for %s: %w", ForegroundFlag, ErrTooManyArgs)
		}
		args = slices.Insert(args, 1, ForegroundFlag)
	}
	args[0] = l.binary
	return Plan{Label: label, LogFile: logFile, Argv: args}, nil
}

// Launch prepares cmdline, creates the log directory, and spawns the child.
// Nothing is left running when an error is returned.
func (l *Launcher) Launch(ctx context.Context, cmdline string) (Launched, error) {
	plan, err := l.Prepare(cmdline)
	if err != nil {
		return Launched{}, err
	}
	dir := filepath.Dir(plan.LogFile)
	if err := MakePath(dir, l.dirPerm); err != nil {
		return Launched{}, err
	}
	pid, err := l.spawner.Spawn(ctx, plan.Argv)
	if err != nil {
		l.logger.Warn("mldtrace.launcher.spawn_failed", "argv", plan.Argv, "error", err)
		return Launched{}, err
	}
	l.logger.Debug("mldtrace.launcher.spawned", "pid", pid, "argv", plan.Argv, "log_file", plan.LogFile)
	return Launched{PID: pid, Plan: plan}, nil
}

// MakePath creates dir and any missing parents with perm. Existing
// directories are not an error.
func MakePath(dir string, perm os.FileMode) error {
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if len(dir) >= MaxPathLength {
		return fmt.Errorf("%q: %w", dir, ErrPathTooLong)
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	return nil
}
