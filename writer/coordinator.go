// Package writer applies file edits on behalf of graph clients:
// validated, serialized per file, and re-indexed after every write.
package writer

import (
	"context"
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codegraphhq/codegraph/internal/fileutil"
	"github.com/codegraphhq/codegraph/scan"
)

// Job states.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job tracks one asynchronous write from acceptance to completion.
// Hash is the written content's hash, set when the job reaches done.
type Job struct {
	ID        string
	Project   string
	FilePath  string
	Kind      string
	Status    string
	Error     string
	Hash      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReindexTrigger re-indexes one file after its content changed on disk.
type ReindexTrigger interface {
	Reindex(ctx context.Context, root, project, filePath string) error
}

// Coordinator validates edits synchronously and applies them through a
// per-file worker, so two edits to the same file never interleave.
type Coordinator struct {
	cache   Cache
	journal *Journal
	trigger ReindexTrigger

	mu      sync.Mutex
	workers map[string]chan func()
	wg      sync.WaitGroup
	closed  bool
}

func NewCoordinator(cache Cache, journal *Journal, trigger ReindexTrigger) *Coordinator {
	return &Coordinator{
		cache:   cache,
		journal: journal,
		trigger: trigger,
		workers: make(map[string]chan func()),
	}
}

// Write replaces the whole file content. The new content lands in the
// cache before the job is enqueued, so reads observe it immediately. It
// returns the accepted job's id; completion is observed through Job.
func (c *Coordinator) Write(ctx context.Context, project, root, filePath string, content string) (string, error) {
	if err := validatePath(filePath); err != nil {
		return "", err
	}
	if _, err := c.workerFor(project, filePath); err != nil {
		return "", err
	}
	if err := c.cache.Put(project, filePath, []byte(content)); err != nil {
		log.Printf("Failed to cache %s: %v", filePath, err)
	}
	return c.enqueue(ctx, project, root, filePath, "write", func(string) (string, error) {
		return content, nil
	})
}

// Replace swaps one exact occurrence of oldText for newText. A missing
// oldText fails synchronously; when a near match exists the error says
// where. The replacement itself is recomputed inside the serialized
// worker, so queued edits to the same file never revert each other.
func (c *Coordinator) Replace(ctx context.Context, project, root, filePath, oldText, newText string) (string, error) {
	if err := validatePath(filePath); err != nil {
		return "", err
	}
	if oldText == "" {
		return "", &ValidationError{Reason: "oldText must not be empty"}
	}

	content, err := c.Read(project, root, filePath)
	if err != nil {
		return "", err
	}
	if _, err := replaceOnce(content, filePath, oldText, newText); err != nil {
		return "", err
	}

	return c.enqueue(ctx, project, root, filePath, "replace", func(current string) (string, error) {
		updated, err := replaceOnce(current, filePath, oldText, newText)
		if err != nil {
			return "", fmt.Errorf("conflicting edit: %w", err)
		}
		return updated, nil
	})
}

// replaceOnce swaps the single occurrence of oldText in content,
// diagnosing missing and ambiguous targets.
func replaceOnce(content, filePath, oldText, newText string) (string, error) {
	count := strings.Count(content, oldText)
	if count == 0 {
		if match := closestMatch(content, oldText); match != nil {
			return "", &ValidationError{Reason: fmt.Sprintf(
				"oldText not found in %s; closest match at offset %d (%.0f%% similar): %q",
				filePath, match.Start, match.Score*100, truncate(match.Text, 120))}
		}
		return "", &ValidationError{Reason: fmt.Sprintf("oldText not found in %s", filePath)}
	}
	if count > 1 {
		return "", &ValidationError{Reason: fmt.Sprintf("oldText matches %d locations in %s, make it more specific", count, filePath)}
	}
	return strings.Replace(content, oldText, newText, 1), nil
}

// Patch applies line-oriented edits. Validation happens synchronously
// against the file's current content; the ops are re-applied to
// whatever content earlier queued jobs produced.
func (c *Coordinator) Patch(ctx context.Context, project, root, filePath string, ops []PatchOp) (string, error) {
	if err := validatePath(filePath); err != nil {
		return "", err
	}
	if len(ops) == 0 {
		return "", &ValidationError{Reason: "patch requires at least one operation"}
	}

	content, err := c.Read(project, root, filePath)
	if err != nil {
		return "", err
	}
	if _, err := applyPatch(content, ops); err != nil {
		return "", err
	}

	return c.enqueue(ctx, project, root, filePath, "patch", func(current string) (string, error) {
		updated, err := applyPatch(current, ops)
		if err != nil {
			return "", fmt.Errorf("conflicting edit: %w", err)
		}
		return updated, nil
	})
}

// Read returns the file's current content, preferring the cache and
// falling back to disk.
func (c *Coordinator) Read(project, root, filePath string) (string, error) {
	if err := validatePath(filePath); err != nil {
		return "", err
	}

	if rec, ok := c.cache.Get(project, filePath); ok {
		return rec.Content, nil
	}

	absPath := filepath.Join(root, filepath.FromSlash(filePath))
	content, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotFoundError{Project: project, FilePath: filePath}
		}
		return "", fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	if err := c.cache.Put(project, filePath, content); err != nil {
		log.Printf("Failed to cache %s: %v", filePath, err)
	}
	return string(content), nil
}

// Job returns the journal entry for a job id.
func (c *Coordinator) Job(id string) (*Job, bool) {
	return c.journal.Get(id)
}

// WaitFor polls a job until it settles or the context expires.
func (c *Coordinator) WaitFor(ctx context.Context, id string) (*Job, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, ok := c.journal.Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown job %s", id)
		}
		if job.Status == JobDone || job.Status == JobFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) enqueue(ctx context.Context, project, root, filePath, kind string, mutate func(current string) (string, error)) (string, error) {
	worker, err := c.workerFor(project, filePath)
	if err != nil {
		return "", err
	}

	job := Job{
		ID:        uuid.NewString(),
		Project:   project,
		FilePath:  filePath,
		Kind:      kind,
		Status:    JobPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	c.journal.put(job)

	worker <- func() {
		c.journal.update(job.ID, JobRunning, "", "")
		hash, err := c.apply(ctx, project, root, filePath, mutate)
		if err != nil {
			log.Printf("Write job %s failed for %s: %v", job.ID, filePath, err)
			c.journal.update(job.ID, JobFailed, err.Error(), "")
			return
		}
		c.journal.update(job.ID, JobDone, "", hash)
	}
	return job.ID, nil
}

// apply runs inside the file's serialized worker. The mutation sees the
// content left by every earlier job on the same file, and the hash of
// the written bytes is returned for the journal.
func (c *Coordinator) apply(ctx context.Context, project, root, filePath string, mutate func(string) (string, error)) (string, error) {
	absPath := filepath.Join(root, filepath.FromSlash(filePath))

	current := ""
	if rec, ok := c.cache.Get(project, filePath); ok {
		current = rec.Content
	} else if data, err := os.ReadFile(absPath); err == nil {
		current = string(data)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	content, err := mutate(current)
	if err != nil {
		return "", err
	}

	if err := fileutil.WriteFileAtomically(absPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	if err := c.cache.Put(project, filePath, []byte(content)); err != nil {
		log.Printf("Failed to cache %s: %v", filePath, err)
	}
	if c.trigger != nil {
		if err := c.trigger.Reindex(ctx, root, project, filePath); err != nil {
			return "", fmt.Errorf("failed to re-index %s: %w", filePath, err)
		}
	}
	return scan.HashContent([]byte(content)), nil
}

// workerFor returns the serial task channel for one (project, file)
// pair, starting its goroutine on first use.
func (c *Coordinator) workerFor(project, filePath string) (chan func(), error) {
	key := project + "\x00" + filePath

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("coordinator is shut down")
	}
	if worker, ok := c.workers[key]; ok {
		return worker, nil
	}

	worker := make(chan func(), 64)
	c.workers[key] = worker
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for task := range worker {
			task()
		}
	}()
	return worker, nil
}

// Close drains all workers and persists the cache and journal.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, worker := range c.workers {
		close(worker)
	}
	c.mu.Unlock()

	c.wg.Wait()
	if err := c.cache.Persist(); err != nil {
		return err
	}
	return c.journal.Persist()
}

// validatePath rejects absolute paths and any path escaping the root.
func validatePath(filePath string) error {
	if filePath == "" {
		return &ValidationError{Reason: "filePath must not be empty"}
	}
	if filepath.IsAbs(filePath) || strings.HasPrefix(filePath, "/") {
		return &ValidationError{Reason: "filePath must be relative to the project root"}
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(filePath)))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return &ValidationError{Reason: "filePath must stay inside the project root"}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Journal is the persisted record of accepted write jobs.
type Journal struct {
	mu   sync.RWMutex
	jobs map[string]Job
	path string
}

// NewJournal creates a journal persisted at path. An empty path keeps
// jobs in memory only.
func NewJournal(path string) *Journal {
	return &Journal{jobs: make(map[string]Job), path: path}
}

func (j *Journal) Get(id string) (*Job, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	job, ok := j.jobs[id]
	if !ok {
		return nil, false
	}
	return &job, true
}

// Jobs returns every journal entry, newest first.
func (j *Journal) Jobs() []Job {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		out = append(out, job)
	}
	return out
}

func (j *Journal) put(job Job) {
	j.mu.Lock()
	j.jobs[job.ID] = job
	j.mu.Unlock()
}

func (j *Journal) update(id, status, errMsg, hash string) {
	j.mu.Lock()
	if job, ok := j.jobs[id]; ok {
		job.Status = status
		job.Error = errMsg
		if hash != "" {
			job.Hash = hash
		}
		job.UpdatedAt = time.Now()
		j.jobs[id] = job
	}
	j.mu.Unlock()
}

// Load reads the journal from disk. Jobs interrupted mid-flight are
// marked failed, since their writes may not have landed.
func (j *Journal) Load() error {
	if j.path == "" {
		return nil
	}

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open job journal: %w", err)
	}
	defer f.Close()

	if err := fileutil.FlockShared(f, false); err == nil {
		defer fileutil.Funlock(f)
	}

	jobs := make(map[string]Job)
	if err := gob.NewDecoder(f).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode job journal: %w", err)
	}

	for id, job := range jobs {
		if job.Status == JobPending || job.Status == JobRunning {
			job.Status = JobFailed
			job.Error = "interrupted by shutdown"
			jobs[id] = job
		}
	}

	j.mu.Lock()
	j.jobs = jobs
	j.mu.Unlock()
	return nil
}

// Persist writes the journal through a temp file and atomic rename.
func (j *Journal) Persist() error {
	if j.path == "" {
		return nil
	}

	j.mu.RLock()
	jobs := make(map[string]Job, len(j.jobs))
	for k, v := range j.jobs {
		jobs[k] = v
	}
	j.mu.RUnlock()

	if err := fileutil.EnsureParentDir(j.path); err != nil {
		return fmt.Errorf("failed to create journal dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp journal: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := gob.NewEncoder(tmp).Encode(jobs); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode job journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp journal: %w", err)
	}

	return fileutil.ReplaceFileAtomically(tmpPath, j.path)
}
