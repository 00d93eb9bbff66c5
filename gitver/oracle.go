// Package gitver derives version labels from the git state of a
// repository and notices when that state changes.
package gitver

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const gitTimeout = 5 * time.Second

// Oracle produces version labels for one repository root. The label is
// the short commit id, suffixed with "-modified" when the worktree is
// dirty. Roots without git history get a synthetic timestamp label.
type Oracle struct {
	root string

	mu           sync.Mutex
	cachedCommit string
	fallback     string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewOracle creates an oracle for the given root. The root does not
// need to be a git repository.
func NewOracle(root string) *Oracle {
	return &Oracle{root: root}
}

// Root returns the repository root the oracle was created for.
func (o *Oracle) Root() string {
	return o.root
}

// Current returns the version label for the repository's state right now.
func (o *Oracle) Current(ctx context.Context) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLocked(ctx)
}

func (o *Oracle) currentLocked(ctx context.Context) string {
	commit := o.cachedCommit
	if commit == "" {
		commit = o.headCommit(ctx)
		o.cachedCommit = commit
	}
	if commit == "" {
		if o.fallback == "" {
			o.fallback = fmt.Sprintf("v_%d_%d", time.Now().UnixMilli(), rand.Intn(10000))
		}
		return o.fallback
	}
	if o.isDirty(ctx) {
		return commit + "-modified"
	}
	return commit
}

// Invalidate drops the cached commit so the next Current call re-reads
// the repository.
func (o *Oracle) Invalidate() {
	o.mu.Lock()
	o.cachedCommit = ""
	o.mu.Unlock()
}

func (o *Oracle) headCommit(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", o.root, "rev-parse", "--short", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (o *Oracle) isDirty(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", o.root, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(output))) > 0
}

// gitMarkers are the .git files whose changes mean HEAD moved or an
// operation like merge or rebase started or finished.
var gitMarkers = map[string]bool{
	"HEAD":        true,
	"MERGE_HEAD":  true,
	"REBASE_HEAD": true,
	"ORIG_HEAD":   true,
}

// StartWatching watches the repository's .git directory and calls
// onChange whenever the checked-out state changes. Calling it on a
// root without a .git directory is an error.
func (o *Oracle) StartWatching(onChange func(version string)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.watcher != nil {
		return nil
	}

	gitDir := filepath.Join(o.root, ".git")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create git watcher: %w", err)
	}
	if err := watcher.Add(gitDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", gitDir, err)
	}

	o.watcher = watcher
	o.watchDone = make(chan struct{})

	go func() {
		defer close(o.watchDone)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !gitMarkers[filepath.Base(event.Name)] {
					continue
				}
				o.mu.Lock()
				o.cachedCommit = ""
				version := o.currentLocked(context.Background())
				o.mu.Unlock()
				if onChange != nil {
					onChange(version)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("git watcher error for %s: %v", o.root, err)
			}
		}
	}()

	return nil
}

// StopWatching stops the .git watcher. It is safe to call when no
// watch is active.
func (o *Oracle) StopWatching() {
	o.mu.Lock()
	watcher := o.watcher
	done := o.watchDone
	o.watcher = nil
	o.watchDone = nil
	o.mu.Unlock()

	if watcher == nil {
		return
	}
	watcher.Close()
	<-done
}

// Registry hands out one oracle per resolved repository root so that
// every component watching the same root shares a single git watcher.
type Registry struct {
	mu      sync.Mutex
	oracles map[string]*Oracle
}

func NewRegistry() *Registry {
	return &Registry{oracles: make(map[string]*Oracle)}
}

// ForRoot returns the oracle for the given root, creating it on first
// use. Paths are resolved so "./x" and "x" share an oracle.
func (r *Registry) ForRoot(root string) (*Oracle, error) {
	resolved, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	resolved = filepath.Clean(resolved)

	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.oracles[resolved]; ok {
		return o, nil
	}
	o := NewOracle(resolved)
	r.oracles[resolved] = o
	return o, nil
}

// CloseAll stops every oracle's watcher.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	oracles := make([]*Oracle, 0, len(r.oracles))
	for _, o := range r.oracles {
		oracles = append(oracles, o)
	}
	r.oracles = make(map[string]*Oracle)
	r.mu.Unlock()

	for _, o := range oracles {
		o.StopWatching()
	}
}
