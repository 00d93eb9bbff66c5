// Package scan walks a project tree and decides which source files are
// part of the graph.
package scan

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// nestedMatcher holds a gitignore matcher and the directory it was
// found in, relative to the project root.
type nestedMatcher struct {
	matcher *ignore.GitIgnore
	baseDir string
}

// IgnoreMatcher combines every .gitignore and .codegraphignore found in
// the tree with the configured extra patterns.
type IgnoreMatcher struct {
	projectRoot    string
	nestedMatchers []nestedMatcher
	extraDirs      []string
}

// NewIgnoreMatcher walks the project collecting ignore files. Patterns
// from extraIgnore apply at the root; externalGitignore may name a
// gitignore file outside the tree (a leading ~ is expanded).
func NewIgnoreMatcher(projectRoot string, extraIgnore []string, externalGitignore string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{
		projectRoot: projectRoot,
		extraDirs:   extraIgnore,
	}

	if externalGitignore != "" {
		expandedPath := expandTilde(externalGitignore)
		gi, err := ignore.CompileIgnoreFile(expandedPath)
		if err != nil {
			if os.IsNotExist(err) {
				log.Printf("Warning: external gitignore file not found: %s", expandedPath)
			} else {
				log.Printf("Warning: failed to load external gitignore: %v", err)
			}
		} else {
			m.nestedMatchers = append(m.nestedMatchers, nestedMatcher{matcher: gi})
		}
	}

	err := filepath.Walk(projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}

		if info.IsDir() {
			base := filepath.Base(path)
			for _, dir := range extraIgnore {
				if base == dir {
					return filepath.SkipDir
				}
			}
			return nil
		}

		baseName := filepath.Base(path)
		if baseName != ".gitignore" && baseName != ".codegraphignore" {
			return nil
		}

		gi, err := ignore.CompileIgnoreFile(path)
		if err != nil {
			return nil // Skip invalid ignore files
		}

		relPath, err := filepath.Rel(projectRoot, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if relPath == "." {
			relPath = ""
		}

		m.nestedMatchers = append(m.nestedMatchers, nestedMatcher{
			matcher: gi,
			baseDir: relPath,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(extraIgnore) > 0 {
		m.nestedMatchers = append(m.nestedMatchers, nestedMatcher{
			matcher: ignore.CompileIgnoreLines(extraIgnore...),
		})
	}

	return m, nil
}

// ShouldIgnore reports whether the path, relative to the project root,
// is excluded from the graph.
func (m *IgnoreMatcher) ShouldIgnore(path string) bool {
	normalizedPath := filepath.ToSlash(path)

	base := filepath.Base(normalizedPath)
	for _, dir := range m.extraDirs {
		if base == dir {
			return true
		}
	}

	for _, nm := range m.nestedMatchers {
		relPath := matcherRelPath(normalizedPath, nm.baseDir)
		if relPath == "" && nm.baseDir != "" {
			continue
		}
		if nm.matcher.MatchesPath(relPath) || nm.matcher.MatchesPath(relPath+"/") {
			return true
		}
	}
	return false
}

// matcherRelPath computes the path relative to a matcher's base
// directory, or "" when the path is outside the matcher's scope.
func matcherRelPath(normalizedPath, baseDir string) string {
	if baseDir == "" {
		return normalizedPath
	}
	normalizedBase := filepath.ToSlash(baseDir)
	if normalizedPath == normalizedBase {
		return "."
	}
	if strings.HasPrefix(normalizedPath, normalizedBase+"/") {
		return strings.TrimPrefix(normalizedPath, normalizedBase+"/")
	}
	return ""
}
