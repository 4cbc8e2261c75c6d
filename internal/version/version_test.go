package version

import (
	"runtime/debug"
	"testing"
)

func stubBuildInfo(t *testing.T, info *debug.BuildInfo) {
	t.Helper()
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, info != nil }
	t.Cleanup(func() { readBuildInfo = orig })
}

func TestCurrentPrefersInjectedVersion(t *testing.T) {
	orig := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = orig })
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current=%q", got)
	}
}

func TestCurrentFromVCS(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Path: "pkt.systems/mldtrace", Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2024-03-01T13:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	if got := Current(); got != "v0.0.0-20240301130405-0123456789ab+dirty" {
		t.Fatalf("Current=%q", got)
	}
}

func TestCurrentUnknown(t *testing.T) {
	stubBuildInfo(t, nil)
	if got := Current(); got != "v0.0.0-unknown" {
		t.Fatalf("Current=%q", got)
	}
	if got := Module(); got != fallbackModule {
		t.Fatalf("Module=%q", got)
	}
}
