package graph

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codegraphhq/codegraph/internal/fileutil"
)

// MemoryStore is the default graph backend: an in-memory graph persisted
// to a single gob file with flock protection, following the same layout as
// the other codegraph on-disk indexes.
type MemoryStore struct {
	indexPath string
	lockPath  string
	mu        sync.RWMutex
	data      *memoryData
	now       func() time.Time
}

type fileRecord struct {
	File
	DeletedIn  string
	AppearedIn []string
}

type functionRecord struct {
	Function
	DeletedIn  string
	DeletedAt  time.Time
	MovedTo    string
	AppearedIn []string
}

type classRecord struct {
	Class
	DeletedIn  string
	DeletedAt  time.Time
	MovedTo    string
	AppearedIn []string
}

type memoryData struct {
	Projects    map[string]Project
	Versions    map[string]Version
	Directories map[string]Directory
	Files       map[string]*fileRecord
	Functions   map[string]*functionRecord
	Classes     map[string]*classRecord
	Variables   map[string][]Variable // file path -> variables
	Imports     map[string][]Import
	Exports     map[string][]Export
	Calls       map[string][]Call
	Moves       []Move
}

func newMemoryData() *memoryData {
	return &memoryData{
		Projects:    make(map[string]Project),
		Versions:    make(map[string]Version),
		Directories: make(map[string]Directory),
		Files:       make(map[string]*fileRecord),
		Functions:   make(map[string]*functionRecord),
		Classes:     make(map[string]*classRecord),
		Variables:   make(map[string][]Variable),
		Imports:     make(map[string][]Import),
		Exports:     make(map[string][]Export),
		Calls:       make(map[string][]Call),
	}
}

// NewMemoryStore creates a store persisted at indexPath. An empty indexPath
// disables persistence (used by tests).
func NewMemoryStore(indexPath string) *MemoryStore {
	return &MemoryStore{
		indexPath: indexPath,
		lockPath:  indexPath + ".lock",
		data:      newMemoryData(),
		now:       time.Now,
	}
}

func entityKey(name, filePath string) string {
	return name + "\x00" + filePath
}

func (s *MemoryStore) UpsertProject(ctx context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Projects[p.Name]
	if ok {
		existing.RootPath = p.RootPath
		existing.UpdatedAt = s.now()
		s.data.Projects[p.Name] = existing
		return nil
	}

	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	s.data.Projects[p.Name] = p
	return nil
}

func (s *MemoryStore) UpsertVersion(ctx context.Context, v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Versions are immutable once created.
	if _, ok := s.data.Versions[v.Name]; ok {
		return nil
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	s.data.Versions[v.Name] = v
	return nil
}

func (s *MemoryStore) UpsertDirectory(ctx context.Context, d Directory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Directories[d.Path] = d
	return nil
}

func (s *MemoryStore) UpsertFile(ctx context.Context, f File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.Files[f.Path]
	if !ok {
		s.data.Files[f.Path] = &fileRecord{File: f}
		return nil
	}
	rec.File = f
	rec.DeletedIn = ""
	return nil
}

func (s *MemoryStore) UpsertFunction(ctx context.Context, fn Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(fn.Name, fn.FilePath)
	rec, ok := s.data.Functions[key]
	if !ok {
		s.data.Functions[key] = &functionRecord{Function: fn}
		return nil
	}
	rec.Function = fn
	rec.DeletedIn = ""
	rec.DeletedAt = time.Time{}
	rec.MovedTo = ""
	return nil
}

func (s *MemoryStore) UpsertClass(ctx context.Context, c Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(c.Name, c.FilePath)
	rec, ok := s.data.Classes[key]
	if !ok {
		s.data.Classes[key] = &classRecord{Class: c}
		return nil
	}
	rec.Class = c
	rec.DeletedIn = ""
	rec.DeletedAt = time.Time{}
	rec.MovedTo = ""
	return nil
}

func (s *MemoryStore) ReplaceVariables(ctx context.Context, filePath string, vars []Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(vars) == 0 {
		delete(s.data.Variables, filePath)
		return nil
	}
	s.data.Variables[filePath] = vars
	return nil
}

func (s *MemoryStore) ReplaceImports(ctx context.Context, filePath string, imports []Import) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(imports) == 0 {
		delete(s.data.Imports, filePath)
		return nil
	}
	s.data.Imports[filePath] = imports
	return nil
}

func (s *MemoryStore) ReplaceExports(ctx context.Context, filePath string, exports []Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(exports) == 0 {
		delete(s.data.Exports, filePath)
		return nil
	}
	s.data.Exports[filePath] = exports
	return nil
}

func (s *MemoryStore) ReplaceCalls(ctx context.Context, filePath string, calls []Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(calls) == 0 {
		delete(s.data.Calls, filePath)
		return nil
	}
	s.data.Calls[filePath] = calls
	return nil
}

func (s *MemoryStore) LinkFileVersion(ctx context.Context, filePath, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.Files[filePath]
	if !ok {
		return &WriteError{Op: "link file version", Err: &NotFoundError{Kind: "file", Key: filePath}}
	}
	rec.AppearedIn = appendVersion(rec.AppearedIn, version)
	return nil
}

func (s *MemoryStore) LinkEntityVersion(ctx context.Context, kind EntityKind, name, filePath, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(name, filePath)
	switch kind {
	case KindFunction:
		rec, ok := s.data.Functions[key]
		if !ok {
			return &WriteError{Op: "link function version", Err: &NotFoundError{Kind: "function", Key: key}}
		}
		rec.AppearedIn = appendVersion(rec.AppearedIn, version)
	case KindClass:
		rec, ok := s.data.Classes[key]
		if !ok {
			return &WriteError{Op: "link class version", Err: &NotFoundError{Kind: "class", Key: key}}
		}
		rec.AppearedIn = appendVersion(rec.AppearedIn, version)
	default:
		return &WriteError{Op: "link entity version", Err: fmt.Errorf("unsupported entity kind %q", kind)}
	}
	return nil
}

func appendVersion(versions []string, version string) []string {
	for _, v := range versions {
		if v == version {
			return versions
		}
	}
	return append(versions, version)
}

func (s *MemoryStore) HasFile(ctx context.Context, filePath string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.Files[filePath]
	return ok, nil
}

func (s *MemoryStore) LiveFunctions(ctx context.Context, filePath string) ([]Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fns []Function
	for _, rec := range s.data.Functions {
		if rec.FilePath == filePath && rec.DeletedIn == "" && rec.MovedTo == "" {
			fns = append(fns, rec.Function)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	return fns, nil
}

func (s *MemoryStore) LiveClasses(ctx context.Context, filePath string) ([]Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var classes []Class
	for _, rec := range s.data.Classes {
		if rec.FilePath == filePath && rec.DeletedIn == "" && rec.MovedTo == "" {
			classes = append(classes, rec.Class)
		}
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	return classes, nil
}

func (s *MemoryStore) MarkEntityDeleted(ctx context.Context, kind EntityKind, name, filePath, version string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(name, filePath)
	switch kind {
	case KindFunction:
		rec, ok := s.data.Functions[key]
		if !ok {
			return &WriteError{Op: "mark function deleted", Err: &NotFoundError{Kind: "function", Key: key}}
		}
		rec.DeletedIn = version
		rec.DeletedAt = at
	case KindClass:
		rec, ok := s.data.Classes[key]
		if !ok {
			return &WriteError{Op: "mark class deleted", Err: &NotFoundError{Kind: "class", Key: key}}
		}
		rec.DeletedIn = version
		rec.DeletedAt = at
	default:
		return &WriteError{Op: "mark entity deleted", Err: fmt.Errorf("unsupported entity kind %q", kind)}
	}
	return nil
}

func (s *MemoryStore) MarkFileDeleted(ctx context.Context, filePath, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.Files[filePath]
	if !ok {
		return &WriteError{Op: "mark file deleted", Err: &NotFoundError{Kind: "file", Key: filePath}}
	}
	rec.DeletedIn = version
	return nil
}

func (s *MemoryStore) RecentDeletions(ctx context.Context, kind EntityKind, name, excludeFile string, since time.Time) ([]Deletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var deletions []Deletion
	switch kind {
	case KindFunction:
		for _, rec := range s.data.Functions {
			if rec.Name != name || rec.FilePath == excludeFile || rec.DeletedIn == "" {
				continue
			}
			if rec.DeletedAt.Before(since) {
				continue
			}
			deletions = append(deletions, Deletion{
				Kind:      KindFunction,
				Name:      rec.Name,
				FilePath:  rec.FilePath,
				Params:    rec.Params,
				Version:   rec.DeletedIn,
				DeletedAt: rec.DeletedAt,
			})
		}
	case KindClass:
		for _, rec := range s.data.Classes {
			if rec.Name != name || rec.FilePath == excludeFile || rec.DeletedIn == "" {
				continue
			}
			if rec.DeletedAt.Before(since) {
				continue
			}
			deletions = append(deletions, Deletion{
				Kind:      KindClass,
				Name:      rec.Name,
				FilePath:  rec.FilePath,
				Version:   rec.DeletedIn,
				DeletedAt: rec.DeletedAt,
			})
		}
	default:
		return nil, &ReadError{Op: "recent deletions", Err: fmt.Errorf("unsupported entity kind %q", kind)}
	}

	// Most recent deletion first; the reconciler takes the head.
	sort.Slice(deletions, func(i, j int) bool {
		return deletions[i].DeletedAt.After(deletions[j].DeletedAt)
	})
	return deletions, nil
}

func (s *MemoryStore) PromoteMove(ctx context.Context, kind EntityKind, name, fromFile, toFile, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(name, fromFile)
	switch kind {
	case KindFunction:
		rec, ok := s.data.Functions[key]
		if !ok {
			return &WriteError{Op: "promote move", Err: &NotFoundError{Kind: "function", Key: key}}
		}
		rec.MovedTo = toFile
		rec.DeletedIn = ""
		rec.DeletedAt = time.Time{}
		rec.AppearedIn = appendVersion(rec.AppearedIn, version)
	case KindClass:
		rec, ok := s.data.Classes[key]
		if !ok {
			return &WriteError{Op: "promote move", Err: &NotFoundError{Kind: "class", Key: key}}
		}
		rec.MovedTo = toFile
		rec.DeletedIn = ""
		rec.DeletedAt = time.Time{}
		rec.AppearedIn = appendVersion(rec.AppearedIn, version)
	default:
		return &WriteError{Op: "promote move", Err: fmt.Errorf("unsupported entity kind %q", kind)}
	}

	s.data.Moves = append(s.data.Moves, Move{
		Kind:     kind,
		Name:     name,
		FromFile: fromFile,
		ToFile:   toFile,
		Version:  version,
		MovedAt:  s.now(),
	})
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, name string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data.Projects[name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) LatestVersion(ctx context.Context, project string) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Version
	for name := range s.data.Versions {
		v := s.data.Versions[name]
		if v.Project != project {
			continue
		}
		if latest == nil || v.CreatedAt.After(latest.CreatedAt) {
			latest = &v
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, project string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var versions []Version
	for _, v := range s.data.Versions {
		if v.Project == project {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})
	return versions, nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, project string, filter FileFilter) ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []File
	for _, rec := range s.data.Files {
		if rec.Project != project || rec.DeletedIn != "" {
			continue
		}
		if filter.PathContains != "" && !strings.Contains(rec.Path, filter.PathContains) {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(rec.File.Name, filter.NameContains) {
			continue
		}
		if filter.FunctionName != "" && !s.fileHasFunction(rec.Path, filter.FunctionName) {
			continue
		}
		if filter.ImportSource != "" && !s.fileHasImport(rec.Path, filter.ImportSource) {
			continue
		}
		files = append(files, rec.File)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *MemoryStore) fileHasFunction(filePath, nameContains string) bool {
	for _, rec := range s.data.Functions {
		if rec.FilePath == filePath && rec.DeletedIn == "" && rec.MovedTo == "" &&
			strings.Contains(rec.Name, nameContains) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) fileHasImport(filePath, sourceContains string) bool {
	for _, imp := range s.data.Imports[filePath] {
		if strings.Contains(imp.Source, sourceContains) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListDirectories(ctx context.Context, project, pathContains string) ([]Directory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dirs []Directory
	for _, d := range s.data.Directories {
		if d.Project != project {
			continue
		}
		if pathContains != "" && !strings.Contains(d.Path, pathContains) {
			continue
		}
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	return dirs, nil
}

func (s *MemoryStore) DirectoryChildren(ctx context.Context, dirPath string) ([]Directory, []File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dirPath != "" {
		if _, ok := s.data.Directories[dirPath]; !ok {
			return nil, nil, &ReadError{Op: "directory children", Err: &NotFoundError{Kind: "directory", Key: dirPath}}
		}
	}

	var dirs []Directory
	for _, d := range s.data.Directories {
		if d.Parent == dirPath {
			dirs = append(dirs, d)
		}
	}
	var files []File
	for _, rec := range s.data.Files {
		if rec.Directory == dirPath && rec.DeletedIn == "" {
			files = append(files, rec.File)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return dirs, files, nil
}

func (s *MemoryStore) Subtree(ctx context.Context, dirPath string) ([]Directory, []File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dirPath != "" {
		if _, ok := s.data.Directories[dirPath]; !ok {
			return nil, nil, &ReadError{Op: "subtree", Err: &NotFoundError{Kind: "directory", Key: dirPath}}
		}
	}

	prefix := ""
	if dirPath != "" {
		prefix = dirPath + "/"
	}

	var dirs []Directory
	for _, d := range s.data.Directories {
		if strings.HasPrefix(d.Path, prefix) && d.Path != dirPath {
			dirs = append(dirs, d)
		}
	}
	var files []File
	for _, rec := range s.data.Files {
		if strings.HasPrefix(rec.Path, prefix) && rec.DeletedIn == "" {
			files = append(files, rec.File)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return dirs, files, nil
}

func (s *MemoryStore) FindFunctions(ctx context.Context, name string) ([]Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fns []Function
	for _, rec := range s.data.Functions {
		if rec.Name == name && rec.DeletedIn == "" && rec.MovedTo == "" {
			fns = append(fns, rec.Function)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].FilePath < fns[j].FilePath })
	return fns, nil
}

func (s *MemoryStore) ListMoves(ctx context.Context, project string) ([]Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	moves := make([]Move, 0, len(s.data.Moves))
	for _, m := range s.data.Moves {
		if project != "" {
			rec, ok := s.data.Files[m.ToFile]
			if !ok || rec.Project != project {
				continue
			}
		}
		moves = append(moves, m)
	}
	return moves, nil
}

// WithTx runs fn directly: the memory backend has no transactions, and the
// per-file serialization the supervisor provides keeps fn's statements from
// interleaving with other reconciliations of the same file.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *MemoryStore) Load(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.loadUnlocked()
	}
	defer lockFile.Close()
	if err := fileutil.FlockShared(lockFile, false); err != nil {
		return s.loadUnlocked()
	}
	defer func() {
		_ = fileutil.Funlock(lockFile)
	}()

	return s.loadUnlocked()
}

func (s *MemoryStore) loadUnlocked() error {
	file, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open graph index: %w", err)
	}
	defer file.Close()

	data := newMemoryData()
	if err := gob.NewDecoder(file).Decode(data); err != nil {
		return fmt.Errorf("failed to decode graph index: %w", err)
	}
	if data.Projects == nil {
		data = newMemoryData()
	}
	s.data = data
	return nil
}

func (s *MemoryStore) Persist(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fileutil.EnsureParentDir(s.indexPath); err != nil {
		return fmt.Errorf("failed to prepare graph index directory: %w", err)
	}

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.persistUnlocked()
	}
	defer lockFile.Close()
	if err := fileutil.FlockExclusive(lockFile, false); err != nil {
		return s.persistUnlocked()
	}
	defer func() {
		_ = fileutil.Funlock(lockFile)
	}()

	return s.persistUnlocked()
}

func (s *MemoryStore) persistUnlocked() error {
	tmpFile, err := os.CreateTemp(filepath.Dir(s.indexPath), filepath.Base(s.indexPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create graph index temp file: %w", err)
	}

	tmpPath := tmpFile.Name()
	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := gob.NewEncoder(tmpFile).Encode(s.data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to encode graph index: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync graph index temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close graph index temp file: %w", err)
	}
	if err := fileutil.ReplaceFileAtomically(tmpPath, s.indexPath); err != nil {
		return fmt.Errorf("failed to replace graph index file: %w", err)
	}
	cleanupTemp = false
	return nil
}

func (s *MemoryStore) Close() error {
	return s.Persist(context.Background())
}
