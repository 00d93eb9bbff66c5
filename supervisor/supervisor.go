// Package supervisor manages the lifecycle of watched project roots:
// seeding, watching, restarting, and shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codegraphhq/codegraph/bus"
	"github.com/codegraphhq/codegraph/gitver"
	"github.com/codegraphhq/codegraph/scan"
	"github.com/codegraphhq/codegraph/watcher"
)

// Process is one supervised watch over a project root.
type Process struct {
	ID        string
	Root      string
	Project   string
	StartedAt time.Time

	mu      sync.Mutex
	state   string
	watcher *watcher.Watcher
	cancel  context.CancelFunc
}

// State returns the process's current lifecycle state.
func (p *Process) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(state string) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

// Supervisor owns every watch process and reports their lifecycle on
// the event bus.
type Supervisor struct {
	seeder     Seeder
	events     bus.Bus
	oracles    *gitver.Registry
	scanners   func(root string) (*scan.Scanner, error)
	debounceMs int

	mu        sync.Mutex
	processes map[string]*Process
}

func New(seeder Seeder, events bus.Bus, oracles *gitver.Registry, scanners func(root string) (*scan.Scanner, error), debounceMs int) *Supervisor {
	return &Supervisor{
		seeder:     seeder,
		events:     events,
		oracles:    oracles,
		scanners:   scanners,
		debounceMs: debounceMs,
		processes:  make(map[string]*Process),
	}
}

// Start seeds the root and begins watching it. The returned process is
// registered under a fresh id. A root that cannot be seeded yields an
// error status and no running watcher.
func (s *Supervisor) Start(ctx context.Context, root, project string) (*Process, error) {
	resolved, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	if project == "" {
		project = filepath.Base(resolved)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		p := &Process{
			ID:        uuid.NewString(),
			Root:      resolved,
			Project:   project,
			StartedAt: time.Now(),
			state:     bus.StatusError,
		}
		s.publishStatus(p, bus.StatusError, "root "+root+" is not a directory")
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	p := &Process{
		ID:        uuid.NewString(),
		Root:      resolved,
		Project:   project,
		StartedAt: time.Now(),
		state:     bus.StatusSeeding,
	}
	s.mu.Lock()
	s.processes[p.ID] = p
	s.mu.Unlock()

	s.publishStatus(p, bus.StatusSeeding, "seeding "+project)

	if err := s.seeder.Seed(ctx, resolved, project, nil); err != nil {
		p.setState(bus.StatusError)
		s.publishStatus(p, bus.StatusError, err.Error())
		return p, fmt.Errorf("seeding failed for %s: %w", project, err)
	}
	p.setState(bus.StatusSeeded)
	s.publishStatus(p, bus.StatusSeeded, "")

	if err := s.attachWatcher(ctx, p); err != nil {
		p.setState(bus.StatusError)
		s.publishStatus(p, bus.StatusError, err.Error())
		return p, err
	}

	p.setState(bus.StatusRunning)
	s.publishStatus(p, bus.StatusRunning, "")
	return p, nil
}

func (s *Supervisor) attachWatcher(ctx context.Context, p *Process) error {
	scanner, err := s.scanners(p.Root)
	if err != nil {
		return fmt.Errorf("failed to build scanner for %s: %w", p.Root, err)
	}
	w, err := watcher.NewWatcher(p.Root, scanner, s.debounceMs)
	if err != nil {
		return fmt.Errorf("failed to create watcher for %s: %w", p.Root, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	if err := w.Start(watchCtx); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("failed to start watcher for %s: %w", p.Root, err)
	}

	p.mu.Lock()
	p.watcher = w
	p.cancel = cancel
	p.mu.Unlock()

	if oracle, err := s.oracles.ForRoot(p.Root); err == nil {
		if err := oracle.StartWatching(func(version string) {
			log.Printf("Version changed for %s: %s", p.Project, version)
		}); err != nil {
			log.Printf("Git state watching unavailable for %s: %v", p.Project, err)
		}
	}

	go s.dispatch(watchCtx, p, w)
	return nil
}

// dispatch forwards watcher events to the bus and triggers scoped
// re-indexing. Indexing failures are reported but do not stop the
// watch.
func (s *Supervisor) dispatch(ctx context.Context, p *Process, w *watcher.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events():
			if !ok {
				return
			}
			s.events.PublishChange(bus.ChangeEvent{
				ProcessID: p.ID,
				EventType: string(event.Type),
				FilePath:  event.Path,
			})

			err := s.seeder.Seed(ctx, p.Root, p.Project, &Scope{
				FilePath: event.Path,
				Change:   event.Type,
			})
			if err != nil {
				log.Printf("Failed to index %s for %s: %v", event.Path, p.Project, err)
				s.publishStatus(p, bus.StatusError, fmt.Sprintf("%s: %v", event.Path, err))
				continue
			}
			s.publishStatus(p, bus.StatusRunning, fmt.Sprintf("indexed %s", event.Path))
		}
	}
}

// Restart tears the watcher down and reattaches it without reseeding.
// The process keeps its id.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}

	p.setState(bus.StatusRestarting)
	s.publishStatus(p, bus.StatusRestarting, "")
	s.detachWatcher(p)

	if err := s.attachWatcher(ctx, p); err != nil {
		p.setState(bus.StatusError)
		s.publishStatus(p, bus.StatusError, err.Error())
		return err
	}

	p.setState(bus.StatusRunning)
	s.publishStatus(p, bus.StatusRunning, "")
	return nil
}

// Kill stops a watch and removes it from the registry. The watcher is
// closed before Kill returns.
func (s *Supervisor) Kill(id string) error {
	s.mu.Lock()
	p, ok := s.processes[id]
	if ok {
		delete(s.processes, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown process %s", id)
	}

	s.detachWatcher(p)
	p.setState(bus.StatusKilled)
	s.publishStatus(p, bus.StatusKilled, "")
	return nil
}

func (s *Supervisor) detachWatcher(p *Process) {
	p.mu.Lock()
	w := p.watcher
	cancel := p.cancel
	p.watcher = nil
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if w != nil {
		if err := w.Close(); err != nil {
			log.Printf("Failed to close watcher for %s: %v", p.Project, err)
		}
	}
}

// Processes returns a snapshot of all supervised watches.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out
}

// Get returns the process with the given id, or an error.
func (s *Supervisor) Get(id string) (*Process, error) {
	return s.lookup(id)
}

func (s *Supervisor) lookup(id string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return nil, fmt.Errorf("unknown process %s", id)
	}
	return p, nil
}

// Cleanup stops every watch and every shared git watcher.
func (s *Supervisor) Cleanup() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.processes = make(map[string]*Process)
	s.mu.Unlock()

	for _, p := range procs {
		s.detachWatcher(p)
		p.setState(bus.StatusShutdown)
		s.publishStatus(p, bus.StatusShutdown, "")
	}
	s.oracles.CloseAll()
}

func (s *Supervisor) publishStatus(p *Process, status, message string) {
	s.events.PublishStatus(bus.StatusEvent{
		ProcessID: p.ID,
		Status:    status,
		Message:   message,
	})
}
