// Package reconcile applies one file's extracted entities to the graph,
// diffing against the previous state to record deletions and moves.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/codegraphhq/codegraph/extract"
	"github.com/codegraphhq/codegraph/graph"
)

// moveWindow bounds how far back a deletion can be matched to a newly
// appearing entity of the same name in another file.
const moveWindow = 30 * 24 * time.Hour

// Reconciler folds extraction results into a graph.Store.
type Reconciler struct {
	store graph.Store
	now   func() time.Time
}

func New(store graph.Store) *Reconciler {
	return &Reconciler{store: store, now: time.Now}
}

// ReconcileFile records the current state of one file under the given
// version. filePath is relative to the project root. The structural
// writes happen inside one store transaction, so readers never observe
// a half-reconciled file.
func (r *Reconciler) ReconcileFile(ctx context.Context, project, filePath, version string, entities *extract.FileEntities) error {
	if entities == nil {
		entities = &extract.FileEntities{}
	}

	knownFile, err := r.store.HasFile(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", filePath, err)
	}

	prevFunctions, err := r.store.LiveFunctions(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to read functions of %s: %w", filePath, err)
	}
	prevClasses, err := r.store.LiveClasses(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to read classes of %s: %w", filePath, err)
	}

	return r.store.WithTx(ctx, func(tx graph.Store) error {
		if err := r.writeFileSkeleton(ctx, tx, project, filePath, version); err != nil {
			return err
		}
		if err := r.reconcileFunctions(ctx, tx, prevFunctions, entities.Functions, filePath, version, knownFile); err != nil {
			return err
		}
		if err := r.reconcileClasses(ctx, tx, prevClasses, entities.Classes, filePath, version, knownFile); err != nil {
			return err
		}
		return r.replaceLeafEntities(ctx, tx, filePath, entities)
	})
}

// ReconcileUnlink records the disappearance of a file: the file and all
// of its live entities are marked deleted in the given version. Their
// records stay behind so later moves can be linked back to them.
func (r *Reconciler) ReconcileUnlink(ctx context.Context, project, filePath, version string) error {
	knownFile, err := r.store.HasFile(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", filePath, err)
	}
	if !knownFile {
		return nil
	}

	functions, err := r.store.LiveFunctions(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to read functions of %s: %w", filePath, err)
	}
	classes, err := r.store.LiveClasses(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to read classes of %s: %w", filePath, err)
	}

	now := r.now()
	return r.store.WithTx(ctx, func(tx graph.Store) error {
		if err := tx.UpsertVersion(ctx, graph.Version{Name: version, Project: project}); err != nil {
			return err
		}
		if err := tx.MarkFileDeleted(ctx, filePath, version); err != nil {
			return err
		}
		for _, fn := range functions {
			if err := tx.MarkEntityDeleted(ctx, graph.KindFunction, fn.Name, filePath, version, now); err != nil {
				return err
			}
		}
		for _, c := range classes {
			if err := tx.MarkEntityDeleted(ctx, graph.KindClass, c.Name, filePath, version, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Reconciler) writeFileSkeleton(ctx context.Context, tx graph.Store, project, filePath, version string) error {
	if err := tx.UpsertVersion(ctx, graph.Version{Name: version, Project: project}); err != nil {
		return err
	}

	dir := ""
	for _, dirPath := range graph.ParentDirs(filePath) {
		parent := graph.ParentDir(dirPath)
		if err := tx.UpsertDirectory(ctx, graph.Directory{
			Path:    dirPath,
			Name:    graph.BaseName(dirPath),
			Project: project,
			Parent:  parent,
		}); err != nil {
			return err
		}
		dir = dirPath
	}

	if err := tx.UpsertFile(ctx, graph.File{
		Path:      filePath,
		Name:      graph.BaseName(filePath),
		Extension: graph.Extension(filePath),
		Project:   project,
		Directory: dir,
	}); err != nil {
		return err
	}
	return tx.LinkFileVersion(ctx, filePath, version)
}

func (r *Reconciler) reconcileFunctions(ctx context.Context, tx graph.Store, prev []graph.Function, current []extract.Function, filePath, version string, knownFile bool) error {
	currentByName := make(map[string]extract.Function, len(current))
	for _, fn := range current {
		currentByName[fn.Name] = fn
	}

	now := r.now()
	for _, old := range prev {
		if _, stillHere := currentByName[old.Name]; !stillHere {
			if err := tx.MarkEntityDeleted(ctx, graph.KindFunction, old.Name, filePath, version, now); err != nil {
				return err
			}
		}
	}

	prevByName := make(map[string]bool, len(prev))
	for _, fn := range prev {
		prevByName[fn.Name] = true
	}

	for _, fn := range current {
		if err := tx.UpsertFunction(ctx, graph.Function{
			Name:      fn.Name,
			FilePath:  filePath,
			StartLine: fn.StartLine,
			EndLine:   fn.EndLine,
			Params:    fn.Params,
		}); err != nil {
			return err
		}
		if err := tx.LinkEntityVersion(ctx, graph.KindFunction, fn.Name, filePath, version); err != nil {
			return err
		}

		// Move detection only applies to entities new to this file, and
		// only once the file itself has history. A freshly seeded file
		// would otherwise claim every same-named deletion in the graph.
		if knownFile && !prevByName[fn.Name] {
			if err := r.linkMove(ctx, tx, graph.KindFunction, fn.Name, fn.Params, filePath, version); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileClasses(ctx context.Context, tx graph.Store, prev []graph.Class, current []extract.Class, filePath, version string, knownFile bool) error {
	currentByName := make(map[string]extract.Class, len(current))
	for _, c := range current {
		currentByName[c.Name] = c
	}

	now := r.now()
	for _, old := range prev {
		if _, stillHere := currentByName[old.Name]; !stillHere {
			if err := tx.MarkEntityDeleted(ctx, graph.KindClass, old.Name, filePath, version, now); err != nil {
				return err
			}
		}
	}

	prevByName := make(map[string]bool, len(prev))
	for _, c := range prev {
		prevByName[c.Name] = true
	}

	for _, c := range current {
		if err := tx.UpsertClass(ctx, graph.Class{
			Name:       c.Name,
			FilePath:   filePath,
			StartLine:  c.StartLine,
			EndLine:    c.EndLine,
			Methods:    c.Methods,
			Properties: c.Properties,
		}); err != nil {
			return err
		}
		if err := tx.LinkEntityVersion(ctx, graph.KindClass, c.Name, filePath, version); err != nil {
			return err
		}
		if knownFile && !prevByName[c.Name] {
			if err := r.linkMove(ctx, tx, graph.KindClass, c.Name, nil, filePath, version); err != nil {
				return err
			}
		}
	}
	return nil
}

// linkMove looks for a recent deletion of the same entity in another
// file. Functions must also match on parameter names, so a rewrite with
// a new signature is not mistaken for a move. When several files
// deleted the entity inside the window, the most recent deletion wins.
func (r *Reconciler) linkMove(ctx context.Context, tx graph.Store, kind graph.EntityKind, name string, params []string, toFile, version string) error {
	since := r.now().Add(-moveWindow)
	deletions, err := tx.RecentDeletions(ctx, kind, name, toFile, since)
	if err != nil {
		return err
	}

	for _, d := range deletions {
		if kind == graph.KindFunction && !graph.SameParams(d.Params, params) {
			continue
		}
		if err := tx.PromoteMove(ctx, kind, name, d.FilePath, toFile, version); err != nil {
			return err
		}
		log.Printf("Linked move of %s %s: %s -> %s", kind, name, d.FilePath, toFile)
		return nil
	}
	return nil
}

func (r *Reconciler) replaceLeafEntities(ctx context.Context, tx graph.Store, filePath string, entities *extract.FileEntities) error {
	vars := make([]graph.Variable, 0, len(entities.Variables))
	for _, v := range entities.Variables {
		vars = append(vars, graph.Variable{Name: v.Name, FilePath: filePath, Type: v.Type, Line: v.Line})
	}
	if err := tx.ReplaceVariables(ctx, filePath, vars); err != nil {
		return err
	}

	imports := make([]graph.Import, 0, len(entities.Imports))
	for _, imp := range entities.Imports {
		imports = append(imports, graph.Import{Source: imp.Source, FilePath: filePath, Line: imp.Line})
	}
	if err := tx.ReplaceImports(ctx, filePath, imports); err != nil {
		return err
	}

	exports := make([]graph.Export, 0, len(entities.Exports))
	for _, exp := range entities.Exports {
		exports = append(exports, graph.Export{Name: exp.Name, FilePath: filePath, Line: exp.Line, IsDefault: exp.IsDefault})
	}
	if err := tx.ReplaceExports(ctx, filePath, exports); err != nil {
		return err
	}

	calls := make([]graph.Call, 0, len(entities.Calls))
	for _, c := range entities.Calls {
		calls = append(calls, graph.Call{CallerName: c.CallerName, CallerFile: filePath, CalleeName: c.CalleeName, Line: c.Line})
	}
	return tx.ReplaceCalls(ctx, filePath, calls)
}
