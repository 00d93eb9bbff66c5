package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/codegraphhq/codegraph/extract"
	"github.com/codegraphhq/codegraph/graph"
)

func newTestReconciler(t *testing.T) (*Reconciler, *graph.MemoryStore) {
	t.Helper()
	store := graph.NewMemoryStore("")
	return New(store), store
}

func fileWithFunctions(names ...string) *extract.FileEntities {
	e := &extract.FileEntities{}
	for i, name := range names {
		e.Functions = append(e.Functions, extract.Function{
			Name:      name,
			StartLine: i*10 + 1,
			EndLine:   i*10 + 5,
		})
	}
	return e
}

func liveFunctionNames(t *testing.T, store *graph.MemoryStore, filePath string) []string {
	t.Helper()
	fns, err := store.LiveFunctions(context.Background(), filePath)
	if err != nil {
		t.Fatalf("LiveFunctions(%q) error: %v", filePath, err)
	}
	names := make([]string, 0, len(fns))
	for _, fn := range fns {
		names = append(names, fn.Name)
	}
	return names
}

func TestReconcileFileRecordsEntities(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	entities := fileWithFunctions("alpha", "beta")
	entities.Classes = []extract.Class{{Name: "Widget", StartLine: 30, EndLine: 60, Methods: []string{"Render"}}}
	entities.Imports = []extract.Import{{Source: "fmt", Line: 3}}

	if err := r.ReconcileFile(ctx, "demo", "src/widget.go", "v1", entities); err != nil {
		t.Fatalf("ReconcileFile() error: %v", err)
	}

	names := liveFunctionNames(t, store, "src/widget.go")
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("live functions = %v, want [alpha beta]", names)
	}

	classes, err := store.LiveClasses(ctx, "src/widget.go")
	if err != nil {
		t.Fatalf("LiveClasses() error: %v", err)
	}
	if len(classes) != 1 || classes[0].Name != "Widget" {
		t.Fatalf("live classes = %+v, want [Widget]", classes)
	}

	// The directory chain materializes alongside the file.
	dirs, files, err := store.DirectoryChildren(ctx, "src")
	if err != nil {
		t.Fatalf("DirectoryChildren() error: %v", err)
	}
	if len(dirs) != 0 || len(files) != 1 || files[0].Path != "src/widget.go" {
		t.Fatalf("children of src = (%v, %v), want the widget file", dirs, files)
	}
}

func TestReconcileFileMarksRemovedDeleted(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	if err := r.ReconcileFile(ctx, "demo", "main.go", "v1", fileWithFunctions("keep", "drop")); err != nil {
		t.Fatalf("ReconcileFile() v1 error: %v", err)
	}
	if err := r.ReconcileFile(ctx, "demo", "main.go", "v2", fileWithFunctions("keep")); err != nil {
		t.Fatalf("ReconcileFile() v2 error: %v", err)
	}

	names := liveFunctionNames(t, store, "main.go")
	if len(names) != 1 || names[0] != "keep" {
		t.Fatalf("live functions = %v, want [keep]", names)
	}

	deletions, err := store.RecentDeletions(ctx, graph.KindFunction, "drop", "", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentDeletions() error: %v", err)
	}
	if len(deletions) != 1 || deletions[0].Version != "v2" {
		t.Fatalf("deletions = %+v, want drop deleted in v2", deletions)
	}
}

func TestReconcileFileIdempotent(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	entities := fileWithFunctions("alpha")
	for i := 0; i < 3; i++ {
		if err := r.ReconcileFile(ctx, "demo", "main.go", "v1", entities); err != nil {
			t.Fatalf("ReconcileFile() pass %d error: %v", i, err)
		}
	}

	names := liveFunctionNames(t, store, "main.go")
	if len(names) != 1 {
		t.Fatalf("live functions = %v, want exactly one alpha", names)
	}
	moves, err := store.ListMoves(ctx, "")
	if err != nil {
		t.Fatalf("ListMoves() error: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("re-reconciling the same content recorded moves: %+v", moves)
	}
}

func TestMoveDetection(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	// helper lives in old.go, dest.go already has history.
	if err := r.ReconcileFile(ctx, "demo", "old.go", "v1", fileWithFunctions("helper")); err != nil {
		t.Fatalf("ReconcileFile(old.go) error: %v", err)
	}
	if err := r.ReconcileFile(ctx, "demo", "dest.go", "v1", fileWithFunctions("other")); err != nil {
		t.Fatalf("ReconcileFile(dest.go) error: %v", err)
	}

	// helper disappears from old.go, then shows up in dest.go.
	if err := r.ReconcileFile(ctx, "demo", "old.go", "v2", &extract.FileEntities{}); err != nil {
		t.Fatalf("ReconcileFile(old.go empty) error: %v", err)
	}
	if err := r.ReconcileFile(ctx, "demo", "dest.go", "v3", fileWithFunctions("other", "helper")); err != nil {
		t.Fatalf("ReconcileFile(dest.go with helper) error: %v", err)
	}

	moves, err := store.ListMoves(ctx, "")
	if err != nil {
		t.Fatalf("ListMoves() error: %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("expected 1 move, got %+v", moves)
	}
	m := moves[0]
	if m.Name != "helper" || m.FromFile != "old.go" || m.ToFile != "dest.go" || m.Version != "v3" {
		t.Fatalf("move = %+v, want helper old.go -> dest.go in v3", m)
	}
}

func TestMoveDetectionMostRecentDeletionWins(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	if err := r.ReconcileFile(ctx, "demo", "a.go", "v1", fileWithFunctions("helper")); err != nil {
		t.Fatalf("ReconcileFile(a.go) error: %v", err)
	}
	if err := r.ReconcileFile(ctx, "demo", "b.go", "v1", fileWithFunctions("helper")); err != nil {
		t.Fatalf("ReconcileFile(b.go) error: %v", err)
	}
	if err := r.ReconcileFile(ctx, "demo", "c.go", "v1", fileWithFunctions("other")); err != nil {
		t.Fatalf("ReconcileFile(c.go) error: %v", err)
	}

	clock = base.Add(time.Hour)
	if err := r.ReconcileFile(ctx, "demo", "a.go", "v2", &extract.FileEntities{}); err != nil {
		t.Fatalf("ReconcileFile(a.go empty) error: %v", err)
	}
	clock = base.Add(2 * time.Hour)
	if err := r.ReconcileFile(ctx, "demo", "b.go", "v3", &extract.FileEntities{}); err != nil {
		t.Fatalf("ReconcileFile(b.go empty) error: %v", err)
	}

	clock = base.Add(3 * time.Hour)
	if err := r.ReconcileFile(ctx, "demo", "c.go", "v4", fileWithFunctions("other", "helper")); err != nil {
		t.Fatalf("ReconcileFile(c.go with helper) error: %v", err)
	}

	moves, err := store.ListMoves(ctx, "")
	if err != nil {
		t.Fatalf("ListMoves() error: %v", err)
	}
	if len(moves) != 1 || moves[0].FromFile != "b.go" {
		t.Fatalf("moves = %+v, want one move from b.go", moves)
	}
}

func TestSignatureChangeIsNotMove(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	withParams := &extract.FileEntities{Functions: []extract.Function{
		{Name: "helper", StartLine: 1, EndLine: 5, Params: []string{"ctx", "id"}},
	}}
	if err := r.ReconcileFile(ctx, "demo", "old.go", "v1", withParams); err != nil {
		t.Fatalf("ReconcileFile(old.go) error: %v", err)
	}
	if err := r.ReconcileFile(ctx, "demo", "dest.go", "v1", fileWithFunctions("other")); err != nil {
		t.Fatalf("ReconcileFile(dest.go) error: %v", err)
	}
	if err := r.ReconcileFile(ctx, "demo", "old.go", "v2", &extract.FileEntities{}); err != nil {
		t.Fatalf("ReconcileFile(old.go empty) error: %v", err)
	}

	differentParams := &extract.FileEntities{Functions: []extract.Function{
		{Name: "other", StartLine: 1, EndLine: 5},
		{Name: "helper", StartLine: 10, EndLine: 15, Params: []string{"ctx", "id", "opts"}},
	}}
	if err := r.ReconcileFile(ctx, "demo", "dest.go", "v3", differentParams); err != nil {
		t.Fatalf("ReconcileFile(dest.go) error: %v", err)
	}

	moves, err := store.ListMoves(ctx, "")
	if err != nil {
		t.Fatalf("ListMoves() error: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("parameter mismatch should not link a move, got %+v", moves)
	}
}

func TestFreshFileSkipsMoveDetection(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	if err := r.ReconcileFile(ctx, "demo", "old.go", "v1", fileWithFunctions("helper")); err != nil {
		t.Fatalf("ReconcileFile(old.go) error: %v", err)
	}
	if err := r.ReconcileFile(ctx, "demo", "old.go", "v2", &extract.FileEntities{}); err != nil {
		t.Fatalf("ReconcileFile(old.go empty) error: %v", err)
	}

	// A file seen for the first time never claims deletions.
	if err := r.ReconcileFile(ctx, "demo", "brand_new.go", "v3", fileWithFunctions("helper")); err != nil {
		t.Fatalf("ReconcileFile(brand_new.go) error: %v", err)
	}

	moves, err := store.ListMoves(ctx, "")
	if err != nil {
		t.Fatalf("ListMoves() error: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("fresh file linked a move: %+v", moves)
	}
}

func TestReconcileUnlink(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	entities := fileWithFunctions("alpha")
	entities.Classes = []extract.Class{{Name: "Widget", StartLine: 20, EndLine: 40}}
	if err := r.ReconcileFile(ctx, "demo", "gone.go", "v1", entities); err != nil {
		t.Fatalf("ReconcileFile() error: %v", err)
	}

	if err := r.ReconcileUnlink(ctx, "demo", "gone.go", "v2"); err != nil {
		t.Fatalf("ReconcileUnlink() error: %v", err)
	}

	if names := liveFunctionNames(t, store, "gone.go"); len(names) != 0 {
		t.Fatalf("live functions after unlink = %v, want none", names)
	}
	classes, err := store.LiveClasses(ctx, "gone.go")
	if err != nil {
		t.Fatalf("LiveClasses() error: %v", err)
	}
	if len(classes) != 0 {
		t.Fatalf("live classes after unlink = %+v, want none", classes)
	}
	files, err := store.ListFiles(ctx, "demo", graph.FileFilter{})
	if err != nil {
		t.Fatalf("ListFiles() error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("files after unlink = %+v, want none", files)
	}

	// The deletion record survives for later move detection.
	deletions, err := store.RecentDeletions(ctx, graph.KindFunction, "alpha", "", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentDeletions() error: %v", err)
	}
	if len(deletions) != 1 {
		t.Fatalf("deletions = %+v, want the unlinked alpha", deletions)
	}
}

func TestReconcileUnlinkUnknownFile(t *testing.T) {
	r, _ := newTestReconciler(t)
	if err := r.ReconcileUnlink(context.Background(), "demo", "never_seen.go", "v1"); err != nil {
		t.Fatalf("ReconcileUnlink() on unknown file should be a no-op, got: %v", err)
	}
}
