// Package graph implements the entity graph store: typed upserts and
// queries over the structural graph of a codebase (projects, directories,
// files, functions, classes, variables, imports, exports) across versions.
package graph

import (
	"strings"
	"time"
)

// EntityKind identifies the kind of a tracked code entity.
type EntityKind string

const (
	KindFunction EntityKind = "function"
	KindClass    EntityKind = "class"
	KindVariable EntityKind = "variable"
	KindImport   EntityKind = "import"
	KindExport   EntityKind = "export"
)

// Project is a watched root. Keyed by name; never deleted.
type Project struct {
	Name      string    `json:"name"`
	RootPath  string    `json:"root_path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is an immutable label for one observed repository state.
type Version struct {
	Name      string    `json:"name"`
	Project   string    `json:"project"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory is keyed by path relative to the project root.
type Directory struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Project string `json:"project"`
	Parent  string `json:"parent"` // parent directory path, "" at the root
}

// File is keyed by path relative to the project root. A file is never
// hard-deleted; DeletedIn records the version at which it disappeared.
type File struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Extension string `json:"extension"`
	Project   string `json:"project"`
	Directory string `json:"directory"` // owning directory path, "" at the root
}

// Function is keyed by (name, file path).
type Function struct {
	Name      string   `json:"name"`
	FilePath  string   `json:"file_path"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Params    []string `json:"params"`
}

// Class is keyed by (name, file path).
type Class struct {
	Name       string   `json:"name"`
	FilePath   string   `json:"file_path"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
	Methods    []string `json:"methods"`
	Properties []string `json:"properties"`
}

// Variable is keyed by (name, file path). Replaced wholesale on every
// reconciliation pass.
type Variable struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path"`
	Type     string `json:"type"`
	Line     int    `json:"line"`
}

// Import is keyed by (source, file path).
type Import struct {
	Source   string `json:"source"`
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
}

// Export is keyed by (name, file path).
type Export struct {
	Name      string `json:"name"`
	FilePath  string `json:"file_path"`
	Line      int    `json:"line"`
	IsDefault bool   `json:"is_default"`
}

// Call is a CALLS edge between two functions. The callee is matched by
// name only; resolution across files is a query-time concern.
type Call struct {
	CallerName string `json:"caller_name"`
	CallerFile string `json:"caller_file"`
	CalleeName string `json:"callee_name"`
	Line       int    `json:"line"`
}

// Deletion describes an entity currently carrying a DELETED_IN edge.
// Candidates for move detection are drawn from these records.
type Deletion struct {
	Kind      EntityKind `json:"kind"`
	Name      string     `json:"name"`
	FilePath  string     `json:"file_path"`
	Params    []string   `json:"params"` // functions only
	Version   string     `json:"version"`
	DeletedAt time.Time  `json:"deleted_at"`
}

// Move describes a recorded MOVED_TO edge.
type Move struct {
	Kind     EntityKind `json:"kind"`
	Name     string     `json:"name"`
	FromFile string     `json:"from_file"`
	ToFile   string     `json:"to_file"`
	Version  string     `json:"version"` // version label at which the move was recorded
	MovedAt  time.Time  `json:"moved_at"`
}

// FileFilter narrows ListFiles results. All populated fields must match;
// string fields are substring matches.
type FileFilter struct {
	PathContains string
	NameContains string
	FunctionName string
	ImportSource string
}

// SplitPath returns the owning directory path and base name for a
// slash-separated relative path.
func SplitPath(path string) (dir, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// ParentDirs returns every ancestor directory of a relative path, outermost
// first. "a/b/c.go" yields ["a", "a/b"].
func ParentDirs(path string) []string {
	var dirs []string
	for i, r := range path {
		if r == '/' {
			dirs = append(dirs, path[:i])
		}
	}
	return dirs
}

// ParentDir returns the owning directory of a relative path, or "" for
// top-level entries.
func ParentDir(path string) string {
	dir, _ := SplitPath(path)
	return dir
}

// BaseName returns the final segment of a slash-separated path.
func BaseName(path string) string {
	_, name := SplitPath(path)
	return name
}

// Extension returns the lowercase file extension including the dot, or ""
// when the name has none.
func Extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return ""
	}
	return strings.ToLower(name[idx:])
}

// SameParams reports whether two parameter lists are identical in order
// and content.
func SameParams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
