// Package tracecmd parses TRACE control commands and routes them to the
// session registry.
package tracecmd

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/mldtrace/internal/lineproto"
)

// Sessions is the session registry as seen by the dispatcher.
type Sessions interface {
	Start(ctx context.Context, name, cmdline string) error
	Stop(ctx context.Context, name string) error
	Query(limit int) (string, error)
}

// Result is what a successfully executed command returns to the client.
type Result struct {
	Command Command
	Payload string
}

// Dispatcher executes parsed commands.
type Dispatcher struct {
	sessions   Sessions
	configPath func() string
}

// NewDispatcher builds a dispatcher. configPath answers the confpath command
// and may be nil, in which case the payload is empty.
func NewDispatcher(sessions Sessions, configPath func() string) *Dispatcher {
	return &Dispatcher{sessions: sessions, configPath: configPath}
}

// Execute parses line and runs it. The returned Result carries whatever was
// parsed even when execution fails, so callers can label the failure.
func (d *Dispatcher) Execute(ctx context.Context, line string) (Result, error) {
	cmd, err := Parse(line)
	if err != nil {
		return Result{}, err
	}
	res := Result{Command: cmd}
	if d == nil || d.sessions == nil {
		return res, errors.New("tracecmd: dispatcher has no session registry")
	}
	switch cmd.Op {
	case OpStart:
		if err := d.sessions.Start(ctx, cmd.Name, cmd.Forward); err != nil {
			return res, fmt.Errorf("start %q: %w", cmd.Name, err)
		}
	case OpStop:
		if err := d.sessions.Stop(ctx, cmd.Name); err != nil {
			return res, fmt.Errorf("stop %q: %w", cmd.Name, err)
		}
	case OpQuery:
		names, err := d.sessions.Query(lineproto.MaxPayload)
		if err != nil {
			return res, fmt.Errorf("query: %w", err)
		}
		res.Payload = names
	case OpConfPath:
		if d.configPath != nil {
			res.Payload = d.configPath()
		}
	default:
		return res, fmt.Errorf("op %q: %w", cmd.Op, ErrUnknownOption)
	}
	return res, nil
}
