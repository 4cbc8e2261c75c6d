package mldtrace

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/mldtrace/internal/connguard"
	"pkt.systems/mldtrace/internal/tracecmd"
	"pkt.systems/pslog"
)

const meterName = "pkt.systems/mldtrace"

type serverMetrics struct {
	commands        metric.Int64Counter
	commandDuration metric.Int64Histogram
	connsActive     metric.Int64UpDownCounter
	connsRejected   metric.Int64Counter
	sessionsActive  metric.Int64ObservableGauge
	registration    metric.Registration
}

func newServerMetrics(logger pslog.Logger, sessions func() int) *serverMetrics {
	meter := otel.Meter(meterName)
	m := &serverMetrics{}
	var err error

	m.commands, err = meter.Int64Counter(
		"mldtrace.commands",
		metric.WithDescription("Control commands executed"),
	)
	logMetricInitError(logger, "mldtrace.commands", err)

	m.commandDuration, err = meter.Int64Histogram(
		"mldtrace.command.duration_ms",
		metric.WithDescription("Control command execution time"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "mldtrace.command.duration_ms", err)

	m.connsActive, err = meter.Int64UpDownCounter(
		"mldtrace.connections.active",
		metric.WithDescription("Control connections being served"),
	)
	logMetricInitError(logger, "mldtrace.connections.active", err)

	m.connsRejected, err = meter.Int64Counter(
		"mldtrace.connections.rejected",
		metric.WithDescription("Control connections closed because all slots were taken"),
	)
	logMetricInitError(logger, "mldtrace.connections.rejected", err)

	m.sessionsActive, err = meter.Int64ObservableGauge(
		"mldtrace.sessions.active",
		metric.WithDescription("Sessions currently listed in the registry"),
	)
	logMetricInitError(logger, "mldtrace.sessions.active", err)

	if m.sessionsActive != nil && sessions != nil {
		m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.sessionsActive, int64(sessions()))
			return nil
		}, m.sessionsActive)
		if err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "mldtrace.sessions.active", "error", err)
		}
	}
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

// CommandDone records one executed command.
func (m *serverMetrics) CommandDone(ctx context.Context, op tracecmd.Op, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := string(op)
	if label == "" {
		label = "invalid"
	}
	result := "ok"
	if !ok {
		result = "ko"
	}
	attrs := metric.WithAttributes(
		attribute.String("mldtrace.op", label),
		attribute.String("mldtrace.result", result),
	)
	if m.commands != nil {
		m.commands.Add(ctx, 1, attrs)
	}
	if m.commandDuration != nil {
		m.commandDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *serverMetrics) admissionHooks() connguard.Hooks {
	if m == nil {
		return connguard.Hooks{}
	}
	ctx := context.Background()
	return connguard.Hooks{
		Admitted: func() {
			if m.connsActive != nil {
				m.connsActive.Add(ctx, 1)
			}
		},
		Released: func() {
			if m.connsActive != nil {
				m.connsActive.Add(ctx, -1)
			}
		},
		Rejected: func() {
			if m.connsRejected != nil {
				m.connsRejected.Add(ctx, 1)
			}
		},
	}
}

func (m *serverMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}
