package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SourceFile is one file found during a scan, with its path relative to
// the project root.
type SourceFile struct {
	RelPath string
	AbsPath string
	Size    int64
}

// Scanner finds the source files under a root that belong in the graph.
type Scanner struct {
	root       string
	ignore     *IgnoreMatcher
	extensions map[string]bool
	maxSize    int64
}

const defaultMaxFileSize = 1 << 20 // 1 MB

// NewScanner creates a scanner for the given root. Only files with one
// of the given extensions are returned.
func NewScanner(root string, ignore *IgnoreMatcher, extensions []string) *Scanner {
	extSet := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		extSet[strings.ToLower(ext)] = true
	}
	return &Scanner{
		root:       root,
		ignore:     ignore,
		extensions: extSet,
		maxSize:    defaultMaxFileSize,
	}
}

// Scan walks the root and returns every eligible source file. Hidden
// files and directories, ignored paths, and files over the size limit
// are skipped.
func (s *Scanner) Scan() ([]SourceFile, error) {
	var files []SourceFile

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}

		relPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		if relPath == "." {
			return nil
		}

		base := filepath.Base(relPath)
		if info.IsDir() {
			if strings.HasPrefix(base, ".") || s.ignore.ShouldIgnore(relPath) {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(base, ".") {
			return nil
		}
		if !s.extensions[strings.ToLower(filepath.Ext(relPath))] {
			return nil
		}
		if s.ignore.ShouldIgnore(relPath) {
			return nil
		}
		if info.Size() > s.maxSize {
			return nil
		}

		files = append(files, SourceFile{
			RelPath: filepath.ToSlash(relPath),
			AbsPath: path,
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Eligible reports whether one path, relative to the root, would be
// included in a scan.
func (s *Scanner) Eligible(relPath string) bool {
	base := filepath.Base(relPath)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if !s.extensions[strings.ToLower(filepath.Ext(relPath))] {
		return false
	}
	return !s.ignore.ShouldIgnore(relPath)
}

// IgnoresDir reports whether a directory, relative to the root, is
// excluded along with everything under it.
func (s *Scanner) IgnoresDir(relPath string) bool {
	return s.ignore.ShouldIgnore(relPath)
}

// HashContent returns the hex sha256 of file content, used to skip
// re-indexing unchanged files.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashFile hashes a file on disk without loading it fully into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
