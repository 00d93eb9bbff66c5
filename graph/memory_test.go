package graph

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore("")
}

func mustUpsertFile(t *testing.T, s *MemoryStore, path, project string) {
	t.Helper()
	dir, name := SplitPath(path)
	if err := s.UpsertFile(context.Background(), File{
		Path:      path,
		Name:      name,
		Extension: Extension(name),
		Project:   project,
		Directory: dir,
	}); err != nil {
		t.Fatalf("UpsertFile(%q) error: %v", path, err)
	}
}

func TestUpsertFunctionRevivesDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fn := Function{Name: "parse", FilePath: "lib/parse.go", StartLine: 10, EndLine: 20, Params: []string{"input"}}
	if err := s.UpsertFunction(ctx, fn); err != nil {
		t.Fatalf("UpsertFunction() error: %v", err)
	}
	if err := s.MarkEntityDeleted(ctx, KindFunction, "parse", "lib/parse.go", "abc1234", time.Now()); err != nil {
		t.Fatalf("MarkEntityDeleted() error: %v", err)
	}

	fns, err := s.LiveFunctions(ctx, "lib/parse.go")
	if err != nil {
		t.Fatalf("LiveFunctions() error: %v", err)
	}
	if len(fns) != 0 {
		t.Fatalf("expected no live functions after deletion, got %d", len(fns))
	}

	// Upserting again brings the entity back.
	fn.StartLine = 12
	if err := s.UpsertFunction(ctx, fn); err != nil {
		t.Fatalf("UpsertFunction() revival error: %v", err)
	}
	fns, err = s.LiveFunctions(ctx, "lib/parse.go")
	if err != nil {
		t.Fatalf("LiveFunctions() error: %v", err)
	}
	if len(fns) != 1 {
		t.Fatalf("expected 1 live function after revival, got %d", len(fns))
	}
	if fns[0].StartLine != 12 {
		t.Errorf("StartLine = %d, want 12", fns[0].StartLine)
	}
}

func TestLiveEntitiesExcludeMoved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertClass(ctx, Class{Name: "Parser", FilePath: "old/parser.go"}); err != nil {
		t.Fatalf("UpsertClass() error: %v", err)
	}
	if err := s.PromoteMove(ctx, KindClass, "Parser", "old/parser.go", "new/parser.go", "abc1234"); err != nil {
		t.Fatalf("PromoteMove() error: %v", err)
	}

	classes, err := s.LiveClasses(ctx, "old/parser.go")
	if err != nil {
		t.Fatalf("LiveClasses() error: %v", err)
	}
	if len(classes) != 0 {
		t.Fatalf("expected no live classes in source file after move, got %d", len(classes))
	}

	moves, err := s.ListMoves(ctx, "")
	if err != nil {
		t.Fatalf("ListMoves() error: %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("expected 1 recorded move, got %d", len(moves))
	}
	if moves[0].FromFile != "old/parser.go" || moves[0].ToFile != "new/parser.go" {
		t.Errorf("move = %s -> %s, want old/parser.go -> new/parser.go", moves[0].FromFile, moves[0].ToFile)
	}
}

func TestRecentDeletionsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-1 * time.Hour)

	for _, file := range []string{"a/util.go", "b/util.go"} {
		if err := s.UpsertFunction(ctx, Function{Name: "helper", FilePath: file}); err != nil {
			t.Fatalf("UpsertFunction() error: %v", err)
		}
	}
	if err := s.MarkEntityDeleted(ctx, KindFunction, "helper", "a/util.go", "v1", older); err != nil {
		t.Fatalf("MarkEntityDeleted() error: %v", err)
	}
	if err := s.MarkEntityDeleted(ctx, KindFunction, "helper", "b/util.go", "v2", newer); err != nil {
		t.Fatalf("MarkEntityDeleted() error: %v", err)
	}

	deletions, err := s.RecentDeletions(ctx, KindFunction, "helper", "c/util.go", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("RecentDeletions() error: %v", err)
	}
	if len(deletions) != 2 {
		t.Fatalf("expected 2 deletions, got %d", len(deletions))
	}
	if deletions[0].FilePath != "b/util.go" {
		t.Errorf("most recent deletion = %q, want b/util.go", deletions[0].FilePath)
	}

	// The window cutoff drops the older record.
	deletions, err = s.RecentDeletions(ctx, KindFunction, "helper", "c/util.go", newer.Add(-time.Minute))
	if err != nil {
		t.Fatalf("RecentDeletions() error: %v", err)
	}
	if len(deletions) != 1 || deletions[0].FilePath != "b/util.go" {
		t.Fatalf("expected only the recent deletion, got %+v", deletions)
	}

	// The file the entity reappeared in is never a candidate.
	deletions, err = s.RecentDeletions(ctx, KindFunction, "helper", "b/util.go", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("RecentDeletions() error: %v", err)
	}
	if len(deletions) != 1 || deletions[0].FilePath != "a/util.go" {
		t.Fatalf("expected excludeFile to filter, got %+v", deletions)
	}
}

func TestListFilesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustUpsertFile(t, s, "src/auth/login.go", "demo")
	mustUpsertFile(t, s, "src/auth/token.go", "demo")
	mustUpsertFile(t, s, "src/db/conn.go", "demo")
	mustUpsertFile(t, s, "gone.go", "demo")
	if err := s.MarkFileDeleted(ctx, "gone.go", "abc1234"); err != nil {
		t.Fatalf("MarkFileDeleted() error: %v", err)
	}
	if err := s.UpsertFunction(ctx, Function{Name: "Login", FilePath: "src/auth/login.go"}); err != nil {
		t.Fatalf("UpsertFunction() error: %v", err)
	}
	if err := s.ReplaceImports(ctx, "src/db/conn.go", []Import{{Source: "database/sql", FilePath: "src/db/conn.go", Line: 3}}); err != nil {
		t.Fatalf("ReplaceImports() error: %v", err)
	}

	tests := []struct {
		name   string
		filter FileFilter
		want   []string
	}{
		{"all live", FileFilter{}, []string{"src/auth/login.go", "src/auth/token.go", "src/db/conn.go"}},
		{"path", FileFilter{PathContains: "auth"}, []string{"src/auth/login.go", "src/auth/token.go"}},
		{"name", FileFilter{NameContains: "conn"}, []string{"src/db/conn.go"}},
		{"function", FileFilter{FunctionName: "Login"}, []string{"src/auth/login.go"}},
		{"import", FileFilter{ImportSource: "sql"}, []string{"src/db/conn.go"}},
		{"no match", FileFilter{PathContains: "nope"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := s.ListFiles(ctx, "demo", tt.filter)
			if err != nil {
				t.Fatalf("ListFiles() error: %v", err)
			}
			if len(files) != len(tt.want) {
				t.Fatalf("got %d files, want %d", len(files), len(tt.want))
			}
			for i, f := range files {
				if f.Path != tt.want[i] {
					t.Errorf("files[%d] = %q, want %q", i, f.Path, tt.want[i])
				}
			}
		})
	}
}

func TestDirectoryChildrenUnknownDir(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.DirectoryChildren(ctx, "missing")
	if err == nil {
		t.Fatal("DirectoryChildren() should fail for an unknown directory")
	}
}

func TestSubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, d := range []Directory{
		{Path: "src", Name: "src", Project: "demo", Parent: ""},
		{Path: "src/auth", Name: "auth", Project: "demo", Parent: "src"},
		{Path: "docs", Name: "docs", Project: "demo", Parent: ""},
	} {
		if err := s.UpsertDirectory(ctx, d); err != nil {
			t.Fatalf("UpsertDirectory() error: %v", err)
		}
	}
	mustUpsertFile(t, s, "src/auth/login.go", "demo")
	mustUpsertFile(t, s, "docs/readme.md", "demo")

	dirs, files, err := s.Subtree(ctx, "src")
	if err != nil {
		t.Fatalf("Subtree() error: %v", err)
	}
	if len(dirs) != 1 || dirs[0].Path != "src/auth" {
		t.Fatalf("subtree dirs = %+v, want [src/auth]", dirs)
	}
	if len(files) != 1 || files[0].Path != "src/auth/login.go" {
		t.Fatalf("subtree files = %+v, want [src/auth/login.go]", files)
	}
}

func TestVersionImmutability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.UpsertVersion(ctx, Version{Name: "abc1234", Project: "demo", CreatedAt: created}); err != nil {
		t.Fatalf("UpsertVersion() error: %v", err)
	}
	if err := s.UpsertVersion(ctx, Version{Name: "abc1234", Project: "other", CreatedAt: created.Add(time.Hour)}); err != nil {
		t.Fatalf("UpsertVersion() repeat error: %v", err)
	}

	versions, err := s.ListVersions(ctx, "demo")
	if err != nil {
		t.Fatalf("ListVersions() error: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 version for demo, got %d", len(versions))
	}
	if !versions[0].CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", versions[0].CreatedAt, created)
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "graph.gob")
	ctx := context.Background()

	s := NewMemoryStore(indexPath)
	if err := s.UpsertProject(ctx, Project{Name: "demo", RootPath: "/tmp/demo"}); err != nil {
		t.Fatalf("UpsertProject() error: %v", err)
	}
	mustUpsertFile(t, s, "main.go", "demo")
	if err := s.UpsertFunction(ctx, Function{Name: "main", FilePath: "main.go", StartLine: 5, EndLine: 9}); err != nil {
		t.Fatalf("UpsertFunction() error: %v", err)
	}
	if err := s.LinkFileVersion(ctx, "main.go", "abc1234"); err != nil {
		t.Fatalf("LinkFileVersion() error: %v", err)
	}
	if err := s.Persist(ctx); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	loaded := NewMemoryStore(indexPath)
	if err := loaded.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	p, err := loaded.GetProject(ctx, "demo")
	if err != nil {
		t.Fatalf("GetProject() error: %v", err)
	}
	if p == nil || p.RootPath != "/tmp/demo" {
		t.Fatalf("loaded project = %+v, want RootPath /tmp/demo", p)
	}
	fns, err := loaded.FindFunctions(ctx, "main")
	if err != nil {
		t.Fatalf("FindFunctions() error: %v", err)
	}
	if len(fns) != 1 || fns[0].EndLine != 9 {
		t.Fatalf("loaded functions = %+v, want main ending at line 9", fns)
	}
}

func TestLoadMissingIndexFile(t *testing.T) {
	s := NewMemoryStore(filepath.Join(t.TempDir(), "graph.gob"))
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() on missing file should succeed, got: %v", err)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path     string
		wantDir  string
		wantName string
	}{
		{"main.go", "", "main.go"},
		{"src/main.go", "src", "main.go"},
		{"a/b/c.ts", "a/b", "c.ts"},
	}
	for _, tt := range tests {
		dir, name := SplitPath(tt.path)
		if dir != tt.wantDir || name != tt.wantName {
			t.Errorf("SplitPath(%q) = (%q, %q), want (%q, %q)", tt.path, dir, name, tt.wantDir, tt.wantName)
		}
	}
}

func TestParentDirs(t *testing.T) {
	dirs := ParentDirs("a/b/c/d.go")
	want := []string{"a", "a/b", "a/b/c"}
	if len(dirs) != len(want) {
		t.Fatalf("ParentDirs() = %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("ParentDirs()[%d] = %q, want %q", i, dirs[i], want[i])
		}
	}
	if got := ParentDirs("top.go"); len(got) != 0 {
		t.Errorf("ParentDirs(top.go) = %v, want empty", got)
	}
}
