package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codegraphhq/codegraph/bus"
	"github.com/codegraphhq/codegraph/gitver"
	"github.com/codegraphhq/codegraph/scan"
	"github.com/codegraphhq/codegraph/watcher"
)

// stubSeeder records Seed calls and fails on demand.
type stubSeeder struct {
	mu    sync.Mutex
	calls []*Scope
	fail  error
}

func (s *stubSeeder) Seed(ctx context.Context, root, project string, scope *Scope) error {
	s.mu.Lock()
	s.calls = append(s.calls, scope)
	s.mu.Unlock()
	return s.fail
}

func (s *stubSeeder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestSupervisor(t *testing.T, seeder Seeder) *Supervisor {
	t.Helper()
	sup, _ := newTestSupervisorWithBus(t, seeder)
	return sup
}

func newTestSupervisorWithBus(t *testing.T, seeder Seeder) (*Supervisor, bus.Bus) {
	t.Helper()
	scanners := func(root string) (*scan.Scanner, error) {
		matcher, err := scan.NewIgnoreMatcher(root, nil, "")
		if err != nil {
			return nil, err
		}
		return scan.NewScanner(root, matcher, []string{".go"}), nil
	}
	events := bus.NewMemoryBus()
	sup := New(seeder, events, gitver.NewRegistry(), scanners, 50)
	t.Cleanup(sup.Cleanup)
	return sup, events
}

func TestStartSeedsAndRuns(t *testing.T) {
	seeder := &stubSeeder{}
	sup := newTestSupervisor(t, seeder)
	root := t.TempDir()

	p, err := sup.Start(context.Background(), root, "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if p.State() != bus.StatusRunning {
		t.Errorf("state = %s, want running", p.State())
	}
	if p.Project != filepath.Base(root) {
		t.Errorf("project = %q, want root's base name", p.Project)
	}
	if seeder.callCount() != 1 {
		t.Errorf("seed calls = %d, want 1", seeder.callCount())
	}
	if len(sup.Processes()) != 1 {
		t.Errorf("registered processes = %d, want 1", len(sup.Processes()))
	}
}

func TestStartNonexistentRoot(t *testing.T) {
	sup := newTestSupervisor(t, &stubSeeder{})

	_, err := sup.Start(context.Background(), filepath.Join(t.TempDir(), "missing"), "demo")
	if err == nil {
		t.Fatal("Start() should fail for a nonexistent root")
	}
	if len(sup.Processes()) != 0 {
		t.Errorf("failed start should register no process, got %d", len(sup.Processes()))
	}
}

func TestStartNonexistentRootPublishesError(t *testing.T) {
	sup, events := newTestSupervisorWithBus(t, &stubSeeder{})

	ch, cancel := events.SubscribeStatus()
	defer cancel()

	_, err := sup.Start(context.Background(), filepath.Join(t.TempDir(), "missing"), "demo")
	if err == nil {
		t.Fatal("Start() should fail for a nonexistent root")
	}

	var statuses []string
	deadline := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case ev := <-ch:
			statuses = append(statuses, ev.Status)
		case <-deadline:
			break drain
		}
	}
	if len(statuses) != 1 || statuses[0] != bus.StatusError {
		t.Errorf("statuses = %v, want exactly one error", statuses)
	}
}

func TestStartSeedFailure(t *testing.T) {
	seeder := &stubSeeder{fail: errors.New("store unavailable")}
	sup := newTestSupervisor(t, seeder)

	p, err := sup.Start(context.Background(), t.TempDir(), "demo")
	if err == nil {
		t.Fatal("Start() should report the seeding failure")
	}
	if p.State() != bus.StatusError {
		t.Errorf("state = %s, want error", p.State())
	}
}

func TestStatusEventsOnStart(t *testing.T) {
	sup, events := newTestSupervisorWithBus(t, &stubSeeder{})

	ch, cancel := events.SubscribeStatus()
	defer cancel()

	if _, err := sup.Start(context.Background(), t.TempDir(), "demo"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	want := []string{bus.StatusSeeding, bus.StatusSeeded, bus.StatusRunning}
	for _, status := range want {
		select {
		case ev := <-ch:
			if ev.Status != status {
				t.Fatalf("status = %s, want %s", ev.Status, status)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", status)
		}
	}
}

func TestWatcherTriggersScopedSeed(t *testing.T) {
	seeder := &stubSeeder{}
	sup := newTestSupervisor(t, seeder)
	root := t.TempDir()

	if _, err := sup.Start(context.Background(), root, "demo"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "new.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for seeder.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a scoped seed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	seeder.mu.Lock()
	scope := seeder.calls[1]
	seeder.mu.Unlock()
	if scope == nil || scope.FilePath != "new.go" {
		t.Fatalf("scoped seed = %+v, want new.go", scope)
	}
}

func TestRestartKeepsID(t *testing.T) {
	sup := newTestSupervisor(t, &stubSeeder{})

	p, err := sup.Start(context.Background(), t.TempDir(), "demo")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := sup.Restart(context.Background(), p.ID); err != nil {
		t.Fatalf("Restart() error: %v", err)
	}

	got, err := sup.Get(p.ID)
	if err != nil {
		t.Fatalf("Get() after restart error: %v", err)
	}
	if got.State() != bus.StatusRunning {
		t.Errorf("state after restart = %s, want running", got.State())
	}
}

func TestRestartTwiceLeavesOneWatcher(t *testing.T) {
	seeder := &stubSeeder{}
	sup := newTestSupervisor(t, seeder)
	root := t.TempDir()

	p, err := sup.Start(context.Background(), root, "demo")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	first := currentWatcher(p)

	if err := sup.Restart(context.Background(), p.ID); err != nil {
		t.Fatalf("first Restart() error: %v", err)
	}
	second := currentWatcher(p)
	if err := sup.Restart(context.Background(), p.ID); err != nil {
		t.Fatalf("second Restart() error: %v", err)
	}
	third := currentWatcher(p)

	if third == nil || third == first || third == second {
		t.Fatal("each restart should attach a fresh watcher")
	}

	// A single change must reach the seeder exactly once; a leaked
	// watcher from an earlier attach would deliver it again.
	base := seeder.callCount()
	if err := os.WriteFile(filepath.Join(root, "ping.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for seeder.callCount() == base {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a scoped seed")
		case <-time.After(20 * time.Millisecond):
		}
	}
	time.Sleep(300 * time.Millisecond)
	if got := seeder.callCount(); got != base+1 {
		t.Errorf("seed calls after one change = %d, want %d", got, base+1)
	}
}

func currentWatcher(p *Process) *watcher.Watcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watcher
}

func TestRestartUnknownID(t *testing.T) {
	sup := newTestSupervisor(t, &stubSeeder{})
	if err := sup.Restart(context.Background(), "nope"); err == nil {
		t.Fatal("Restart() of unknown id should fail")
	}
}

func TestKill(t *testing.T) {
	sup := newTestSupervisor(t, &stubSeeder{})

	p, err := sup.Start(context.Background(), t.TempDir(), "demo")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := sup.Kill(p.ID); err != nil {
		t.Fatalf("Kill() error: %v", err)
	}
	if p.State() != bus.StatusKilled {
		t.Errorf("state = %s, want killed", p.State())
	}
	if _, err := sup.Get(p.ID); err == nil {
		t.Error("killed process should be unregistered")
	}
	if err := sup.Kill(p.ID); err == nil {
		t.Error("second Kill() should fail")
	}
}

func TestCleanupStopsEverything(t *testing.T) {
	sup := newTestSupervisor(t, &stubSeeder{})

	first, err := sup.Start(context.Background(), t.TempDir(), "one")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	second, err := sup.Start(context.Background(), t.TempDir(), "two")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	sup.Cleanup()

	if len(sup.Processes()) != 0 {
		t.Errorf("processes after cleanup = %d, want 0", len(sup.Processes()))
	}
	for _, p := range []*Process{first, second} {
		if p.State() != bus.StatusShutdown {
			t.Errorf("state of %s = %s, want shutdown", p.Project, p.State())
		}
	}
}
