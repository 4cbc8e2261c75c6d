package mldtrace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/mldtrace/internal/autoconf"
	"pkt.systems/mldtrace/internal/clock"
	"pkt.systems/mldtrace/internal/connguard"
	"pkt.systems/mldtrace/internal/ctlapi"
	"pkt.systems/mldtrace/internal/launcher"
	"pkt.systems/mldtrace/internal/session"
	"pkt.systems/mldtrace/internal/svcfields"
	"pkt.systems/mldtrace/internal/tracecmd"
	"pkt.systems/pslog"
)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// State reports whether the accept loop is running.
type State int

const (
	// StateStopped is the state before Start and after the loop exits.
	StateStopped State = iota
	// StateRunning is set once the listener is bound.
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Server accepts control connections and runs their commands against one
// session registry.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	launcher  *launcher.Launcher
	registry  *session.Registry
	scanner   *autoconf.Scanner
	limiter   *connguard.Limiter
	handler   *ctlapi.Handler
	metrics   *serverMetrics
	telemetry *telemetry

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	state    State
	shutdown bool
	listener net.Listener
	watcher  *autoconf.Watcher
	conns    map[net.Conn]struct{}
	handlers sync.WaitGroup

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger     pslog.Logger
	spawner    launcher.Spawner
	clock      clock.Clock
	terminator session.Terminator
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSpawner replaces process creation, mainly for tests.
func WithSpawner(sp launcher.Spawner) Option {
	return func(o *options) {
		o.spawner = sp
	}
}

// WithClock sets the clock used to stamp log file names.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithTerminator replaces signal delivery on stop.
func WithTerminator(t session.Terminator) Option {
	return func(o *options) {
		o.terminator = t
	}
}

// NewServer validates cfg and wires the server components. Telemetry
// endpoints configured in cfg are started here.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	tel, err := setupTelemetry(baseCtx, telemetrySettingsFrom(cfg), svcfields.WithSubsystem(logger, "observability.telemetry"))
	if err != nil {
		cancel()
		return nil, err
	}

	l := launcher.New(launcher.Config{
		Binary:  cfg.MLDBinary,
		DirPerm: cfg.LogDirPerm,
		Clock:   o.clock,
		Spawner: o.spawner,
		Logger:  logger,
	})
	registry := session.NewRegistry(l,
		session.WithLogger(logger),
		session.WithTerminator(o.terminator),
	)
	metrics := newServerMetrics(logger, registry.Len)
	scanner := autoconf.NewScanner(cfg.ConfPath, registry, logger)
	dispatcher := tracecmd.NewDispatcher(registry, scanner.Path)

	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "control.server"),
		launcher:   l,
		registry:   registry,
		scanner:    scanner,
		limiter:    connguard.NewLimiter(cfg.MaxConnections, logger, metrics.admissionHooks()),
		handler:    ctlapi.NewHandler(dispatcher, ctlapi.WithLogger(logger), ctlapi.WithObserver(metrics)),
		metrics:    metrics,
		telemetry:  tel,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		conns:      make(map[net.Conn]struct{}),
		readyCh:    make(chan struct{}),
	}
	return s, nil
}

// Start binds the listener, runs the autostart scan, and serves connections
// until Shutdown or a fatal accept error. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("mldtrace: server already started")
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = s.limiter.WrapListener(ln)
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("mldtrace.server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"max_connections", s.limiter.Max(),
		"confpath", s.scanner.Path(),
		"binary", s.launcher.Binary(),
	)
	s.autostart()
	s.signalReady()

	err = s.serve(s.listener)
	s.mu.Lock()
	s.state = StateStopped
	closing := s.shutdown
	s.mu.Unlock()
	if closing {
		return nil
	}
	_ = s.listener.Close()
	s.logger.Error("mldtrace.server.accept_fatal", "error", err)
	return fmt.Errorf("accept: %w", err)
}

func (s *Server) autostart() {
	if !s.cfg.DisableAutostart {
		if err := s.scanner.Scan(s.baseCtx); err != nil {
			s.logger.Warn("mldtrace.server.autostart_failed", "path", s.scanner.Path(), "error", err)
		}
	}
	if !s.cfg.WatchConfPath {
		return
	}
	w, err := s.scanner.Watch(s.baseCtx, autoconf.DefaultDebounce)
	if err != nil {
		s.logger.Warn("mldtrace.server.watch_failed", "path", s.scanner.Path(), "error", err)
		return
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
}

func (s *Server) serve(ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing() {
				return net.ErrClosed
			}
			if !isTransientAcceptError(err) {
				return err
			}
			if delay == 0 {
				delay = acceptBackoffMin
			} else {
				delay = min(delay*2, acceptBackoffMax)
			}
			s.logger.Warn("mldtrace.server.accept_retry", "error", err, "backoff", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.untrack(conn)
			s.handler.ServeConn(s.baseCtx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.handlers.Done()
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// isTransientAcceptError reports accept failures worth retrying.
func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []unix.Errno{
		unix.ECONNABORTED,
		unix.EMFILE,
		unix.ENFILE,
		unix.ENOBUFS,
		unix.ENOMEM,
		unix.EINTR,
		unix.EAGAIN,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// Shutdown stops accepting, closes live control connections, and waits for
// their handlers until ctx ends. Launched sessions keep running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	watcher := s.watcher
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.baseCancel()
	if ln != nil {
		_ = ln.Close()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	s.signalReady()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for handlers: %w", ctx.Err()))
	}
	s.metrics.close()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("mldtrace.server.stopped", "sessions", s.registry.Len())
	return errors.Join(errs...)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound and autostart has run,
// or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the Prometheus listener address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	return s.telemetry.MetricsAddr()
}

// State returns the accept loop state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *session.Registry {
	return s.registry
}

// ConfigPath returns the autostart directory reported by TRACE -c.
func (s *Server) ConfigPath() string {
	return s.scanner.Path()
}

// StartServer starts a server in the background and waits until it is
// ready. The returned stop function shuts it down and collects the result of
// Start. Cancelling ctx also stops the server.
//
//	srv, stop, err := mldtrace.StartServer(ctx, mldtrace.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("mldtrace: server stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = errors.Join(srv.Shutdown(shutdownCtx), <-errCh)
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
