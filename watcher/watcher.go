// Package watcher observes a project tree and reports debounced file
// change events.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codegraphhq/codegraph/scan"
)

type EventType string

const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventUnlink EventType = "unlink"
)

// FileEvent is one debounced change. Path is relative to the watched
// root, with forward slashes.
type FileEvent struct {
	Type EventType
	Path string
}

type Watcher struct {
	root       string
	watcher    *fsnotify.Watcher
	scanner    *scan.Scanner
	debounceMs int
	events     chan FileEvent
	done       chan struct{}
	closeOnce  sync.Once

	// Debouncing state
	pending   map[string]FileEvent
	pendingMu sync.Mutex
	timers    map[string]*time.Timer
}

func NewWatcher(root string, scanner *scan.Scanner, debounceMs int) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:       root,
		watcher:    fsw,
		scanner:    scanner,
		debounceMs: debounceMs,
		events:     make(chan FileEvent, 100),
		done:       make(chan struct{}),
		pending:    make(map[string]FileEvent),
		timers:     make(map[string]*time.Timer),
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.processEvents(ctx)

	return nil
}

func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}
		if !info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		if relPath != "." {
			if strings.HasPrefix(filepath.Base(relPath), ".") {
				return filepath.SkipDir
			}
			if w.scanner.IgnoresDir(relPath) {
				return filepath.SkipDir
			}
		}

		if err := w.watcher.Add(path); err != nil {
			log.Printf("Failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	relPath = filepath.ToSlash(relPath)

	if strings.HasPrefix(filepath.Base(relPath), ".") {
		return
	}

	// A removed path cannot be stat'd, so classify deletions first.
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if w.scanner.Eligible(relPath) {
			w.debounceEvent(FileEvent{Type: EventUnlink, Path: relPath})
		}
		return
	}

	info, statErr := os.Stat(event.Name)
	if statErr == nil && info.IsDir() {
		// New directory created, start watching its subtree
		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				log.Printf("Failed to add new directory %s: %v", event.Name, err)
			}
		}
		return
	}

	if !w.scanner.Eligible(relPath) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		w.debounceEvent(FileEvent{Type: EventAdd, Path: relPath})
	case event.Has(fsnotify.Write):
		w.debounceEvent(FileEvent{Type: EventChange, Path: relPath})
	}
}

// debounceEvent coalesces rapid events per path. An unlink followed by
// a create within the window collapses to a change.
func (w *Watcher) debounceEvent(event FileEvent) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	existing, exists := w.pending[event.Path]
	if exists && existing.Type == EventUnlink && event.Type == EventAdd {
		event.Type = EventChange
	}
	w.pending[event.Path] = event

	if timer, ok := w.timers[event.Path]; ok {
		timer.Stop()
	}
	path := event.Path
	w.timers[path] = time.AfterFunc(time.Duration(w.debounceMs)*time.Millisecond, func() {
		w.flush(path)
	})
}

func (w *Watcher) flush(path string) {
	w.pendingMu.Lock()
	event, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	w.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case <-w.done:
	case w.events <- event:
	default:
		log.Printf("Event channel full, dropping event for %s", event.Path)
	}
}
