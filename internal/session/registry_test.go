package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/mldtrace/internal/launcher"
)

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	calls   []string
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeLauncher) Launch(_ context.Context, cmdline string) (launcher.Launched, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmdline)
	if f.err != nil {
		return launcher.Launched{}, f.err
	}
	f.nextPID++
	return launcher.Launched{PID: 1000 + f.nextPID, Plan: launcher.Plan{Argv: strings.Fields(cmdline)}}, nil
}

func (f *fakeLauncher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTerminator struct {
	mu         sync.Mutex
	terminated []int
	err        error
	dead       bool
}

func (f *fakeTerminator) Alive(context.Context, int) (bool, error) {
	return !f.dead, nil
}

func (f *fakeTerminator) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	return f.err
}

func newTestRegistry() (*Registry, *fakeLauncher, *fakeTerminator) {
	l := &fakeLauncher{}
	term := &fakeTerminator{}
	return NewRegistry(l, WithTerminator(term)), l, term
}

func TestStartQueryStop(t *testing.T) {
	ctx := context.Background()
	r, _, term := newTestRegistry()
	for _, name := range []string{"s1", "s2", "s3"} {
		if err := r.Start(ctx, name, "mld /tmp/"+name); err != nil {
			t.Fatalf("Start(%s): %v", name, err)
		}
	}
	names, err := r.Query(255)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if names != "s1 s2 s3" {
		t.Fatalf("Query=%q", names)
	}

	info, ok := r.Lookup("s2")
	if !ok {
		t.Fatalf("expected s2 to be listed")
	}
	if err := r.Stop(ctx, "s2"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(term.terminated) != 1 || term.terminated[0] != info.PID {
		t.Fatalf("terminated=%v want [%d]", term.terminated, info.PID)
	}
	if names, _ := r.Query(255); names != "s1 s3" {
		t.Fatalf("Query after stop=%q", names)
	}
	if _, ok := r.Lookup("s2"); ok {
		t.Fatalf("stopped session still listed")
	}
}

func TestStartDuplicateLeavesRegistryUnchanged(t *testing.T) {
	ctx := context.Background()
	r, l, _ := newTestRegistry()
	if err := r.Start(ctx, "s1", "mld /a"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, _ := r.Lookup("s1")
	if err := r.Start(ctx, "s1", "mld /b"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if l.callCount() != 1 {
		t.Fatalf("duplicate start reached the launcher")
	}
	after, _ := r.Lookup("s1")
	if before.PID != after.PID || before.ID != after.ID {
		t.Fatalf("duplicate start replaced the session: %+v -> %+v", before, after)
	}
	if r.Len() != 1 {
		t.Fatalf("Len=%d", r.Len())
	}
}

func TestStopUnknownIsNotFound(t *testing.T) {
	r, _, term := newTestRegistry()
	if err := r.Start(context.Background(), "s1", "mld /a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if len(term.terminated) != 0 {
		t.Fatalf("unknown stop sent a signal")
	}
	if r.Len() != 1 {
		t.Fatalf("unknown stop changed the registry")
	}
}

func TestStopSignalFailureStillRemoves(t *testing.T) {
	r, _, term := newTestRegistry()
	term.err = errors.New("no such process")
	term.dead = true
	if err := r.Start(context.Background(), "s1", "mld /a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(context.Background(), "s1"); err != nil {
		t.Fatalf("Stop should succeed when signalling fails, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("session not removed")
	}
}

func TestStartLaunchFailureLeavesNoEntry(t *testing.T) {
	r, l, _ := newTestRegistry()
	l.err = launcher.ErrPathTooLong
	if err := r.Start(context.Background(), "s1", "mld /a"); !errors.Is(err, launcher.ErrPathTooLong) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("failed launch left an entry")
	}
	l.err = nil
	if err := r.Start(context.Background(), "s1", "mld /a"); err != nil {
		t.Fatalf("name not reusable after failed launch: %v", err)
	}
}

func TestStartRejectsInvalidNames(t *testing.T) {
	r, l, _ := newTestRegistry()
	for _, name := range []string{"", "a b", strings.Repeat("n", MaxNameLength+1)} {
		if err := r.Start(context.Background(), name, "mld /a"); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Start(%q) error=%v want ErrInvalidName", name, err)
		}
	}
	if l.callCount() != 0 {
		t.Fatalf("invalid names reached the launcher")
	}
}

func TestQueryBufferTooSmall(t *testing.T) {
	r, _, _ := newTestRegistry()
	for _, name := range []string{"alpha", "beta"} {
		if err := r.Start(context.Background(), name, "mld /a"); err != nil {
			t.Fatal(err)
		}
	}
	if got, err := r.Query(len("alpha beta")); err != nil || got != "alpha beta" {
		t.Fatalf("exact fit Query=%q err=%v", got, err)
	}
	got, err := r.Query(len("alpha beta") - 1)
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
	if got != "" {
		t.Fatalf("partial output %q", got)
	}
	if empty, err := newEmpty().Query(0); err != nil || empty != "" {
		t.Fatalf("empty registry Query=%q err=%v", empty, err)
	}
}

func newEmpty() *Registry {
	r, _, _ := newTestRegistry()
	return r
}

func TestConcurrentStartSameName(t *testing.T) {
	l := &fakeLauncher{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	r := NewRegistry(l, WithTerminator(&fakeTerminator{}))

	done := make(chan error, 1)
	go func() {
		done <- r.Start(context.Background(), "s1", "mld /a")
	}()
	<-l.entered

	if err := r.Start(context.Background(), "s1", "mld /b"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists while launch in flight, got %v", err)
	}
	if err := r.Stop(context.Background(), "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected in-flight session to be unstoppable, got %v", err)
	}
	if names, _ := r.Query(255); names != "" {
		t.Fatalf("in-flight session listed: %q", names)
	}

	close(l.gate)
	if err := <-done; err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if names, _ := r.Query(255); names != "s1" {
		t.Fatalf("Query=%q", names)
	}
}

func TestConcurrentStartStopKeepsNamesUnique(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				name := fmt.Sprintf("s%d", (w+i)%5)
				if i%3 == 0 {
					_ = r.Stop(ctx, name)
					continue
				}
				_ = r.Start(ctx, name, "mld /a")
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, info := range r.List() {
		if seen[info.Name] {
			t.Fatalf("duplicate name %q in registry", info.Name)
		}
		seen[info.Name] = true
	}
	names, err := r.Query(255)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := len(strings.Fields(names)); got != r.Len() {
		t.Fatalf("Query lists %d names, registry holds %d", got, r.Len())
	}
}

func TestListReturnsCopies(t *testing.T) {
	r, _, _ := newTestRegistry()
	if err := r.Start(context.Background(), "s1", "mld -x /a"); err != nil {
		t.Fatal(err)
	}
	list := r.List()
	list[0].Argv[0] = "mutated"
	info, _ := r.Lookup("s1")
	if info.Argv[0] == "mutated" {
		t.Fatalf("List exposed internal argv")
	}
}

func TestProcessTerminatorStopsRealProcess(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(sleep, "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	term := ProcessTerminator{}
	alive, err := term.Alive(context.Background(), cmd.Process.Pid)
	if err != nil || !alive {
		t.Fatalf("Alive=%v err=%v", alive, err)
	}
	if err := term.Terminate(cmd.Process.Pid); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected sleep to die from SIGTERM")
		}
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatalf("process did not exit after SIGTERM")
	}
	if err := term.Terminate(0); err == nil {
		t.Fatalf("expected error for pid 0")
	}
}
