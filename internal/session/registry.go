// Package session keeps the registry of running mld sessions. A name is
// listed exactly while its process has been launched and not yet stopped;
// the registry never watches the processes themselves.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"pkt.systems/mldtrace/internal/launcher"
	"pkt.systems/mldtrace/internal/svcfields"
	"pkt.systems/pslog"
)

// MaxNameLength bounds session names in bytes.
const MaxNameLength = 128

var (
	ErrSessionExists   = errors.New("session: name already in use")
	ErrSessionNotFound = errors.New("session: no such session")
	ErrBufferTooSmall  = errors.New("session: name list does not fit")
	ErrInvalidName     = errors.New("session: invalid name")
)

// Launcher starts the process backing a session.
type Launcher interface {
	Launch(ctx context.Context, cmdline string) (launcher.Launched, error)
}

// Info is a snapshot of one session.
type Info struct {
	ID      xid.ID
	Name    string
	PID     int
	Created time.Time
	LogFile string
	Argv    []string
}

// Registry maps session names to launched processes in creation order.
type Registry struct {
	launcher   Launcher
	terminator Terminator
	logger     pslog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions []*Info
	index    map[string]*Info
	pending  map[string]struct{}
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger pslog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithTerminator replaces the signal delivery used by Stop.
func WithTerminator(t Terminator) Option {
	return func(r *Registry) {
		if t != nil {
			r.terminator = t
		}
	}
}

// NewRegistry builds an empty registry that starts sessions through l.
func NewRegistry(l Launcher, opts ...Option) *Registry {
	r := &Registry{
		launcher:   l,
		terminator: ProcessTerminator{},
		now:        time.Now,
		index:      make(map[string]*Info),
		pending:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = svcfields.WithSubsystem(r.logger, "server.session")
	return r
}

// ValidateName reports whether name can key a session.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name: %w", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("name is %d bytes: %w", len(name), ErrInvalidName)
	case strings.ContainsAny(name, " \t\r\n"):
		return fmt.Errorf("%q contains whitespace: %w", name, ErrInvalidName)
	}
	return nil
}

// Start launches cmdline under name. The name is reserved before the launch
// and released afterwards, so a concurrent Start for the same name fails
// with ErrSessionExists while other names proceed in parallel. A failed
// launch leaves no trace in the registry.
func (r *Registry) Start(ctx context.Context, name, cmdline string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	_, listed := r.index[name]
	_, reserved := r.pending[name]
	if listed || reserved {
		r.mu.Unlock()
		r.logger.Warn("mldtrace.session.duplicate", svcfields.SessionKey, name)
		return fmt.Errorf("%q: %w", name, ErrSessionExists)
	}
	r.pending[name] = struct{}{}
	r.mu.Unlock()

	launched, err := r.launcher.Launch(ctx, cmdline)

	r.mu.Lock()
	delete(r.pending, name)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("mldtrace.session.launch_failed", svcfields.SessionKey, name, "cmdline", cmdline, "error", err)
		return err
	}
	info := &Info{
		ID:      xid.New(),
		Name:    name,
		PID:     launched.PID,
		Created: r.now(),
		LogFile: launched.LogFile,
		Argv:    launched.Argv,
	}
	r.sessions = append(r.sessions, info)
	r.index[name] = info
	r.mu.Unlock()

	r.logger.Info("mldtrace.session.started",
		svcfields.SessionKey, name,
		"session_id", info.ID.String(),
		"pid", info.PID,
		"log_file", info.LogFile,
	)
	return nil
}

// Stop removes name and asks its process to terminate. Signal delivery
// problems are logged; the session is gone either way.
func (r *Registry) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	info, ok := r.index[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("mldtrace.session.unknown", svcfields.SessionKey, name)
		return fmt.Errorf("%q: %w", name, ErrSessionNotFound)
	}
	delete(r.index, name)
	for i, s := range r.sessions {
		if s == info {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	logger := r.logger.With(
		svcfields.SessionKey, name,
		"session_id", info.ID.String(),
		"pid", info.PID,
		"started", humanize.RelTime(info.Created, r.now(), "ago", "from now"),
	)
	if alive, err := r.terminator.Alive(ctx, info.PID); err == nil && !alive {
		logger.Info("mldtrace.session.already_exited")
	}
	if err := r.terminator.Terminate(info.PID); err != nil {
		logger.Warn("mldtrace.session.signal_failed", "error", err)
		return nil
	}
	logger.Info("mldtrace.session.stopped")
	return nil
}

// Query returns the session names in creation order, separated by single
// spaces. If the list is longer than limit bytes nothing is returned and
// the error is ErrBufferTooSmall.
func (r *Registry) Query(limit int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for i, s := range r.sessions {
		need := len(s.Name)
		if i > 0 {
			need++
		}
		if b.Len()+need > limit {
			return "", fmt.Errorf("%d sessions exceed %d bytes: %w", len(r.sessions), limit, ErrBufferTooSmall)
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.Name)
	}
	return b.String(), nil
}

// Lookup returns a copy of the named session.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.index[name]
	if !ok {
		return Info{}, false
	}
	return info.clone(), true
}

// List returns copies of all sessions in creation order.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Len returns the number of listed sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (i *Info) clone() Info {
	out := *i
	out.Argv = append([]string(nil), i.Argv...)
	return out
}
