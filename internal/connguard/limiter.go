// Package connguard bounds how many control connections are served at once.
// It wraps a net.Listener so connections over the limit are closed before
// any handler sees them.
package connguard

import (
	"net"
	"sync"
	"sync/atomic"

	"pkt.systems/mldtrace/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultMaxConnections is the number of concurrently served clients.
const DefaultMaxConnections = 3

// Hooks observe admission decisions. Nil fields are ignored.
type Hooks struct {
	Admitted func()
	Released func()
	Rejected func()
}

// Limiter counts live connections against a fixed ceiling.
type Limiter struct {
	max    int64
	active atomic.Int64
	logger pslog.Logger
	hooks  Hooks
}

// NewLimiter returns a limiter admitting at most max connections. Values
// below one fall back to DefaultMaxConnections.
func NewLimiter(max int, logger pslog.Logger, hooks Hooks) *Limiter {
	if max < 1 {
		max = DefaultMaxConnections
	}
	return &Limiter{
		max:    int64(max),
		logger: svcfields.WithSubsystem(logger, "control.connguard"),
		hooks:  hooks,
	}
}

// Max returns the ceiling.
func (l *Limiter) Max() int {
	return int(l.max)
}

// Active returns the number of admitted connections not yet released.
func (l *Limiter) Active() int {
	return int(l.active.Load())
}

// TryAcquire takes a slot if one is free.
func (l *Limiter) TryAcquire() bool {
	for {
		cur := l.active.Load()
		if cur >= l.max {
			return false
		}
		if l.active.CompareAndSwap(cur, cur+1) {
			if l.hooks.Admitted != nil {
				l.hooks.Admitted()
			}
			return true
		}
	}
}

// Release returns a slot taken by TryAcquire. Extra releases are ignored.
func (l *Limiter) Release() {
	for {
		cur := l.active.Load()
		if cur <= 0 {
			return
		}
		if l.active.CompareAndSwap(cur, cur-1) {
			if l.hooks.Released != nil {
				l.hooks.Released()
			}
			return
		}
	}
}

// WrapListener returns a listener that admits through l. Connections over
// the limit are closed inside Accept. The slot of an admitted connection is
// released when the connection is closed.
func (l *Limiter) WrapListener(ln net.Listener) net.Listener {
	if l == nil || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, limiter: l}
}

type guardedListener struct {
	net.Listener
	limiter *Limiter
}

// Accept returns the next admitted connection.
func (gl *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := gl.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if gl.limiter.TryAcquire() {
			return &slotConn{Conn: conn, limiter: gl.limiter}, nil
		}
		remote := ""
		if addr := conn.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		_ = conn.Close()
		gl.limiter.logger.Warn("mldtrace.connguard.rejected",
			"remote", remote,
			"active", gl.limiter.Active(),
			"max", gl.limiter.max,
		)
		if gl.limiter.hooks.Rejected != nil {
			gl.limiter.hooks.Rejected()
		}
	}
}

type slotConn struct {
	net.Conn
	limiter *Limiter
	once    sync.Once
}

// Close closes the connection and frees its slot once.
func (c *slotConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.limiter.Release)
	return err
}
