// Package autoconf starts sessions described by *.conf files at boot.
//
// A file is ignored until a line whose first two words are "AUTOSTART 1".
// Every non-blank line after it is a forwarded mld command line, started as a
// session named after the file without its suffix.
package autoconf

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pkt.systems/mldtrace/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultDir is scanned when no directory is configured.
	DefaultDir = "/sdcard/mld.conf"
	// Suffix marks configuration files.
	Suffix = ".conf"

	armKeyword = "AUTOSTART"
	armValue   = "1"
)

// Starter starts a named session.
type Starter interface {
	Start(ctx context.Context, name, cmdline string) error
}

// Scanner reads configuration files from one directory.
type Scanner struct {
	dir     string
	starter Starter
	logger  pslog.Logger
}

// NewScanner returns a scanner for dir, or DefaultDir when dir is empty.
func NewScanner(dir string, starter Starter, logger pslog.Logger) *Scanner {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	return &Scanner{
		dir:     dir,
		starter: starter,
		logger:  svcfields.WithSubsystem(logger, "server.autoconf"),
	}
}

// Path returns the scanned directory.
func (s *Scanner) Path() string {
	return s.dir
}

// Parse returns the armed command lines of a configuration file.
func Parse(r io.Reader) ([]string, error) {
	var (
		armed bool
		lines []string
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !armed {
			fields := strings.Fields(line)
			if len(fields) >= 2 && fields[0] == armKeyword && fields[1] == armValue {
				armed = true
			}
			continue
		}
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return lines, err
	}
	return lines, nil
}

// SessionName derives the session name from a configuration file path.
func SessionName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), Suffix)
}

// Scan starts every armed line of every configuration file in the directory,
// in file name order. A missing directory is not an error. Individual start
// failures are logged and do not stop the scan.
func (s *Scanner) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("mldtrace.autoconf.no_directory", "path", s.dir)
			return nil
		}
		return fmt.Errorf("autoconf: read %s: %w", s.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	started := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Suffix) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		started += s.ScanFile(ctx, filepath.Join(s.dir, entry.Name()))
	}
	s.logger.Info("mldtrace.autoconf.scanned", "path", s.dir, "started", started)
	return nil
}

// ScanFile starts the armed lines of one file and returns how many sessions
// started.
func (s *Scanner) ScanFile(ctx context.Context, path string) int {
	if !strings.HasSuffix(path, Suffix) {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		s.logger.Debug("mldtrace.autoconf.open_failed", "file", path, "error", err)
		return 0
	}
	defer f.Close()
	lines, err := Parse(f)
	if err != nil {
		s.logger.Warn("mldtrace.autoconf.read_failed", "file", path, "error", err)
	}
	name := SessionName(path)
	started := 0
	for _, line := range lines {
		if err := s.starter.Start(ctx, name, line); err != nil {
			s.logger.Warn("mldtrace.autoconf.start_failed",
				svcfields.SessionKey, name,
				"file", path,
				"cmdline", line,
				"error", err,
			)
			continue
		}
		started++
	}
	return started
}
