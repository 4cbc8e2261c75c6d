// Package svcfields defines the log field keys shared by mldtrace components.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags every entry with the component that emitted it.
	SubsystemKey = pslog.TrustedString("sys")
	// SessionKey carries a session name.
	SessionKey = "session"
	// ConnKey carries the correlation ID of a control connection.
	ConnKey = "conn_id"
)

// WithSubsystem returns logger tagged with the dotted join of parts. Empty
// parts are skipped, and a nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	kept := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return logger
	}
	return logger.With(SubsystemKey, strings.Join(kept, "."))
}
