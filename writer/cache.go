package writer

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/codegraphhq/codegraph/internal/fileutil"
	"github.com/codegraphhq/codegraph/scan"
)

// Record is one cached file snapshot. LastModified is epoch
// milliseconds, kept as a string for wire compatibility.
type Record struct {
	Content      string `json:"content"`
	Hash         string `json:"hash"`
	LastModified string `json:"lastModified"`
}

// Cache stores the last known content of files the coordinator has
// touched, keyed by project and relative path.
type Cache interface {
	Get(project, filePath string) (*Record, bool)
	Put(project, filePath string, content []byte) error
	Delete(project, filePath string)
	Persist() error
}

// FileCache is the gob-backed Cache implementation.
type FileCache struct {
	mu        sync.RWMutex
	records   map[string]Record
	cachePath string
}

func cacheKey(project, filePath string) string {
	return project + "\x00" + filePath
}

// NewFileCache creates a cache persisted at cachePath. An empty path
// keeps everything in memory.
func NewFileCache(cachePath string) *FileCache {
	return &FileCache{
		records:   make(map[string]Record),
		cachePath: cachePath,
	}
}

func (c *FileCache) Get(project, filePath string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[cacheKey(project, filePath)]
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (c *FileCache) Put(project, filePath string, content []byte) error {
	c.mu.Lock()
	c.records[cacheKey(project, filePath)] = Record{
		Content:      string(content),
		Hash:         scan.HashContent(content),
		LastModified: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	c.mu.Unlock()
	return nil
}

func (c *FileCache) Delete(project, filePath string) {
	c.mu.Lock()
	delete(c.records, cacheKey(project, filePath))
	c.mu.Unlock()
}

// CachedHash returns the stored hash for a file, or "" when unknown.
func (c *FileCache) CachedHash(project, filePath string) string {
	rec, ok := c.Get(project, filePath)
	if !ok {
		return ""
	}
	return rec.Hash
}

// StoreContent records a file snapshot, satisfying the seeding hash
// source.
func (c *FileCache) StoreContent(project, filePath string, content []byte) error {
	return c.Put(project, filePath, content)
}

// Load reads the cache from disk. A missing file is not an error.
func (c *FileCache) Load() error {
	if c.cachePath == "" {
		return nil
	}

	f, err := os.Open(c.cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer f.Close()

	if err := fileutil.FlockShared(f, false); err == nil {
		defer fileutil.Funlock(f)
	}

	records := make(map[string]Record)
	if err := gob.NewDecoder(f).Decode(&records); err != nil {
		return fmt.Errorf("failed to decode cache: %w", err)
	}

	c.mu.Lock()
	c.records = records
	c.mu.Unlock()
	return nil
}

// Persist writes the cache through a temp file and atomic rename.
func (c *FileCache) Persist() error {
	if c.cachePath == "" {
		return nil
	}

	c.mu.RLock()
	records := make(map[string]Record, len(c.records))
	for k, v := range c.records {
		records[k] = v
	}
	c.mu.RUnlock()

	if err := fileutil.EnsureParentDir(c.cachePath); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.cachePath), ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := gob.NewEncoder(tmp).Encode(records); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp cache: %w", err)
	}

	return fileutil.ReplaceFileAtomically(tmpPath, c.cachePath)
}
