// Package ctlapi serves the line-oriented control protocol on one
// connection at a time.
package ctlapi

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/mldtrace/internal/correlation"
	"pkt.systems/mldtrace/internal/lineproto"
	"pkt.systems/mldtrace/internal/svcfields"
	"pkt.systems/mldtrace/internal/tracecmd"
	"pkt.systems/pslog"
)

const tracerName = "pkt.systems/mldtrace/internal/ctlapi"

// Dispatcher executes one request line.
type Dispatcher interface {
	Execute(ctx context.Context, line string) (tracecmd.Result, error)
}

// Observer is told about every executed command.
type Observer interface {
	CommandDone(ctx context.Context, op tracecmd.Op, ok bool, elapsed time.Duration)
}

// Handler reads commands from a connection and answers each with OK or KO.
type Handler struct {
	dispatcher Dispatcher
	logger     pslog.Logger
	tracer     trace.Tracer
	observer   Observer
	now        func() time.Time
}

// Option customises a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger pslog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTracer sets the tracer used for command spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) {
		h.tracer = tracer
	}
}

// WithObserver registers a command observer.
func WithObserver(o Observer) Option {
	return func(h *Handler) {
		h.observer = o
	}
}

// NewHandler returns a handler that runs commands through d.
func NewHandler(d Dispatcher, opts ...Option) *Handler {
	h := &Handler{dispatcher: d, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = svcfields.WithSubsystem(h.logger, "control.conn")
	if h.tracer == nil {
		h.tracer = otel.Tracer(tracerName)
	}
	return h
}

// ServeConn handles conn until the peer closes it, an I/O error occurs, a
// line is too long, or ctx ends. conn is always closed on return.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	id := correlation.New()
	ctx = correlation.With(ctx, id)
	logger := h.logger.With(svcfields.ConnKey, id, "remote", remoteAddr(conn))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.Debug("mldtrace.conn.opened")
	r := lineproto.NewReader(conn)
	for {
		line, err := r.ReadLine()
		if err != nil {
			h.logReadEnd(ctx, logger, err)
			if errors.Is(err, lineproto.ErrLineTooLong) {
				_ = lineproto.WriteResponse(conn, lineproto.Response{})
			}
			return
		}
		resp := h.execute(ctx, logger, line)
		if err := lineproto.WriteResponse(conn, resp); err != nil {
			logger.Warn("mldtrace.conn.write_failed", "error", err)
			return
		}
	}
}

func (h *Handler) logReadEnd(ctx context.Context, logger pslog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("mldtrace.conn.closed")
	case errors.Is(err, lineproto.ErrLineTooLong):
		logger.Warn("mldtrace.conn.line_too_long", "max", lineproto.MaxLineLength)
	case ctx.Err() != nil:
		logger.Debug("mldtrace.conn.shutdown")
	default:
		logger.Warn("mldtrace.conn.read_failed", "error", err)
	}
}

func (h *Handler) execute(ctx context.Context, logger pslog.Logger, line string) lineproto.Response {
	start := h.now()
	ctx, span := h.tracer.Start(ctx, "mldtrace.command", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	res, err := h.dispatcher.Execute(ctx, line)
	cmd := res.Command
	span.SetAttributes(
		attribute.String("mldtrace.op", string(cmd.Op)),
		attribute.String("mldtrace.session", cmd.Name),
	)
	resp := lineproto.Response{OK: err == nil, Payload: res.Payload}
	if err == nil {
		if _, encErr := lineproto.Encode(resp); encErr != nil {
			err = encErr
			resp = lineproto.Response{}
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("mldtrace.command.failed", "op", string(cmd.Op), svcfields.SessionKey, cmd.Name, "line", line, "error", err)
	} else {
		logger.Debug("mldtrace.command.ok", "op", string(cmd.Op), svcfields.SessionKey, cmd.Name)
	}
	if h.observer != nil {
		h.observer.CommandDone(ctx, cmd.Op, resp.OK, h.now().Sub(start))
	}
	return resp
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
