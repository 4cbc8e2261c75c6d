// Package version reports the build version of mldtrace.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const fallbackModule = "pkt.systems/mldtrace"

// buildVersion is injected with
// -ldflags "-X pkt.systems/mldtrace/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

var readBuildInfo = debug.ReadBuildInfo

// Current returns the injected version, the module version recorded by the
// go tool, a pseudo-version from VCS stamps, or a placeholder, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := readBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsPseudoVersion(info.Settings); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := readBuildInfo(); ok && strings.TrimSpace(info.Main.Path) != "" {
		return info.Main.Path
	}
	return fallbackModule
}

func vcsPseudoVersion(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	revision, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	committed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	out := "v0.0.0-" + committed.UTC().Format("20060102150405") + "-" + revision
	if vcs["vcs.modified"] == "true" {
		out += "+dirty"
	}
	return out
}
