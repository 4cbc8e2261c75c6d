package mldtrace

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pkt.systems/mldtrace/internal/autoconf"
	"pkt.systems/mldtrace/internal/connguard"
	"pkt.systems/mldtrace/internal/launcher"
)

const (
	// DefaultPort is the TCP port of the control protocol.
	DefaultPort = 3002
	// DefaultListen binds every address on DefaultPort.
	DefaultListen = ":3002"
	// DefaultListenProto is the network passed to net.Listen.
	DefaultListenProto = "tcp"
	// DefaultMaxConnections caps concurrently served control clients.
	DefaultMaxConnections = connguard.DefaultMaxConnections
	// DefaultConfPath is the directory scanned for *.conf autostart files.
	DefaultConfPath = autoconf.DefaultDir
	// DefaultMLDBinary is the process launched for every session.
	DefaultMLDBinary = launcher.DefaultBinary
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the YAML file loaded from DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config controls a Server.
type Config struct {
	// Listen is the host:port the control protocol binds to.
	Listen string
	// ListenProto is tcp, tcp4, or tcp6.
	ListenProto string
	// MaxConnections is the number of clients served at once. Extra clients
	// are disconnected as soon as they are accepted.
	MaxConnections int
	// ConfPath is the autostart directory; it is also what the confpath
	// command reports.
	ConfPath string
	// WatchConfPath rescans *.conf files when they are created or written.
	WatchConfPath bool
	// DisableAutostart skips the boot-time scan of ConfPath.
	DisableAutostart bool
	// MLDBinary is the absolute path of the launched binary.
	MLDBinary string
	// LogDirPerm is the mode requested for created log directories.
	LogDirPerm os.FileMode

	// MetricsListen enables the Prometheus endpoint when set.
	MetricsListen string
	// PprofListen enables the pprof endpoint when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: listen %q: %w", c.Listen, err)
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: listen proto must be tcp, tcp4, or tcp6 (got %q)", c.ListenProto)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	} else if c.MaxConnections < 0 {
		return fmt.Errorf("config: max connections must be >= 1")
	}
	c.ConfPath = strings.TrimSpace(c.ConfPath)
	if c.ConfPath == "" {
		c.ConfPath = DefaultConfPath
	}
	if len(c.ConfPath) >= launcher.MaxPathLength {
		return fmt.Errorf("config: conf path must be shorter than %d bytes", launcher.MaxPathLength)
	}
	c.MLDBinary = strings.TrimSpace(c.MLDBinary)
	if c.MLDBinary == "" {
		c.MLDBinary = DefaultMLDBinary
	}
	if !filepath.IsAbs(c.MLDBinary) {
		return fmt.Errorf("config: mld binary must be an absolute path (got %q)", c.MLDBinary)
	}
	if c.LogDirPerm == 0 {
		c.LogDirPerm = launcher.DefaultDirPerm
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// ListenForPort returns the listen address binding every interface on port.
func ListenForPort(port int) (string, error) {
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("config: port %d out of range", port)
	}
	return net.JoinHostPort("", strconv.Itoa(port)), nil
}

// DefaultConfigDir returns $MLDTRACE_CONFIG_DIR or $HOME/.mldtrace.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("MLDTRACE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mldtrace"), nil
}
