package autoconf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type startCall struct {
	name    string
	cmdline string
}

type recordingStarter struct {
	mu    sync.Mutex
	calls []startCall
	fail  map[string]error
}

func (r *recordingStarter) Start(_ context.Context, name, cmdline string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[cmdline]; err != nil {
		return err
	}
	r.calls = append(r.calls, startCall{name: name, cmdline: cmdline})
	return nil
}

func (r *recordingStarter) snapshot() []startCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]startCall(nil), r.calls...)
}

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"# ignored before arming",
		"mld -x /not/started",
		"AUTOSTART 1",
		"",
		"mld -C LOG_D_ACC /data/acc",
		"   \t",
		"  mld -C LOG_D_APP /data/app  ",
		"AUTOSTART 0",
	}, "\n")
	got, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"mld -C LOG_D_ACC /data/acc", "mld -C LOG_D_APP /data/app", "AUTOSTART 0"}
	if !slices.Equal(got, want) {
		t.Fatalf("Parse=%q want %q", got, want)
	}
}

func TestParseNotArmed(t *testing.T) {
	for _, input := range []string{"", "AUTOSTART\nmld /d", "AUTOSTART 0\nmld /d", "autostart 1\nmld /d"} {
		got, err := Parse(strings.NewReader(input))
		if err != nil {
			t.Fatalf("Parse(%q): %v", input, err)
		}
		if len(got) != 0 {
			t.Fatalf("Parse(%q)=%q want nothing", input, got)
		}
	}
}

func TestSessionName(t *testing.T) {
	if got := SessionName("/sdcard/mld.conf/modem.conf"); got != "modem" {
		t.Fatalf("SessionName=%q", got)
	}
}

func writeConf(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestScanStartsArmedFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "b.conf", "AUTOSTART 1\nmld /logs/b\n")
	writeConf(t, dir, "a.conf", "AUTOSTART 1\nmld /logs/a\n")
	writeConf(t, dir, "c.conf", "AUTOSTART 0\nmld /logs/c\n")
	writeConf(t, dir, "notes.txt", "AUTOSTART 1\nmld /logs/txt\n")
	if err := os.Mkdir(filepath.Join(dir, "sub.conf"), 0o755); err != nil {
		t.Fatal(err)
	}

	starter := &recordingStarter{}
	s := NewScanner(dir, starter, nil)
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := []startCall{{name: "a", cmdline: "mld /logs/a"}, {name: "b", cmdline: "mld /logs/b"}}
	if got := starter.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("starts=%v want %v", got, want)
	}
}

func TestScanContinuesAfterStartFailure(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "s.conf", "AUTOSTART 1\nmld /bad\nmld /good\n")
	starter := &recordingStarter{fail: map[string]error{"mld /bad": errors.New("boom")}}
	s := NewScanner(dir, starter, nil)
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := starter.snapshot(); len(got) != 1 || got[0].cmdline != "mld /good" {
		t.Fatalf("starts=%v", got)
	}
}

func TestScanMissingDirectory(t *testing.T) {
	s := NewScanner(filepath.Join(t.TempDir(), "missing"), &recordingStarter{}, nil)
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("missing directory should be ignored, got %v", err)
	}
}

func TestNewScannerDefaultPath(t *testing.T) {
	if got := NewScanner("", &recordingStarter{}, nil).Path(); got != DefaultDir {
		t.Fatalf("Path=%q want %q", got, DefaultDir)
	}
}

func TestWatchRescansNewFiles(t *testing.T) {
	dir := t.TempDir()
	starter := &recordingStarter{}
	s := NewScanner(dir, starter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := s.Watch(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	writeConf(t, dir, "late.conf", "AUTOSTART 1\nmld /logs/late\n")
	writeConf(t, dir, "ignored.txt", "AUTOSTART 1\nmld /logs/txt\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		calls := starter.snapshot()
		if len(calls) > 0 {
			if calls[0] != (startCall{name: "late", cmdline: "mld /logs/late"}) {
				t.Fatalf("unexpected start %v", calls[0])
			}
			for _, c := range calls {
				if c.name == "ignored" {
					t.Fatalf("non-.conf file was scanned")
				}
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher never started the new session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchCloseStops(t *testing.T) {
	s := NewScanner(t.TempDir(), &recordingStarter{}, nil)
	w, err := s.Watch(context.Background(), 0)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	s := NewScanner(filepath.Join(t.TempDir(), "missing"), &recordingStarter{}, nil)
	if _, err := s.Watch(context.Background(), 0); err == nil {
		t.Fatalf("expected an error watching a missing directory")
	}
}
