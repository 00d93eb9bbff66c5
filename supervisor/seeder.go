package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codegraphhq/codegraph/extract"
	"github.com/codegraphhq/codegraph/gitver"
	"github.com/codegraphhq/codegraph/graph"
	"github.com/codegraphhq/codegraph/reconcile"
	"github.com/codegraphhq/codegraph/scan"
	"github.com/codegraphhq/codegraph/watcher"
)

// Scope narrows a Seed call to one file. A nil scope means a full pass
// over the tree.
type Scope struct {
	FilePath string
	Change   watcher.EventType
}

// Seeder populates the graph for a root, either fully or for one file.
type Seeder interface {
	Seed(ctx context.Context, root, project string, scope *Scope) error
}

// HashSource remembers content hashes between runs so unchanged files
// can be skipped during a full pass.
type HashSource interface {
	CachedHash(project, filePath string) string
	StoreContent(project, filePath string, content []byte) error
}

// Indexer is the default Seeder: it scans, extracts, and reconciles.
type Indexer struct {
	store      graph.Store
	extractor  extract.Extractor
	reconciler *reconcile.Reconciler
	oracles    *gitver.Registry
	scanners   func(root string) (*scan.Scanner, error)
	hashes     HashSource
}

// NewIndexer wires a Seeder over the given store and extractor. The
// scanners factory builds a per-root scanner honoring that root's
// ignore files; hashes may be nil to disable skip-unchanged.
func NewIndexer(store graph.Store, extractor extract.Extractor, oracles *gitver.Registry, scanners func(root string) (*scan.Scanner, error), hashes HashSource) *Indexer {
	return &Indexer{
		store:      store,
		extractor:  extractor,
		reconciler: reconcile.New(store),
		oracles:    oracles,
		scanners:   scanners,
		hashes:     hashes,
	}
}

func (ix *Indexer) Seed(ctx context.Context, root, project string, scope *Scope) error {
	oracle, err := ix.oracles.ForRoot(root)
	if err != nil {
		return err
	}
	version := oracle.Current(ctx)

	if scope != nil {
		return ix.seedOne(ctx, root, project, version, scope)
	}
	return ix.seedAll(ctx, root, project, version)
}

// Reindex refreshes one file after its content changed outside the
// watcher, for example through a coordinated write.
func (ix *Indexer) Reindex(ctx context.Context, root, project, filePath string) error {
	return ix.Seed(ctx, root, project, &Scope{FilePath: filePath, Change: watcher.EventChange})
}

func (ix *Indexer) seedAll(ctx context.Context, root, project string, version string) error {
	if err := ix.store.UpsertProject(ctx, graph.Project{Name: project, RootPath: root}); err != nil {
		return err
	}

	scanner, err := ix.scanners(root)
	if err != nil {
		return fmt.Errorf("failed to build scanner for %s: %w", root, err)
	}
	files, err := scanner.Scan()
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", root, err)
	}

	start := time.Now()
	indexed := 0
	skipped := 0

	// Extraction parallelizes; reconciliation of each file serializes
	// through the store's own locking.
	type parsed struct {
		file     scan.SourceFile
		content  []byte
		entities *extract.FileEntities
	}
	results := make(chan parsed, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, file := range files {
		file := file
		g.Go(func() error {
			content, err := os.ReadFile(file.AbsPath)
			if err != nil {
				log.Printf("Skipping unreadable file %s: %v", file.RelPath, err)
				return nil
			}
			if ix.hashes != nil {
				known, err := ix.store.HasFile(gctx, file.RelPath)
				if err == nil && known && ix.hashes.CachedHash(project, file.RelPath) == scan.HashContent(content) {
					results <- parsed{file: file}
					return nil
				}
			}
			entities, err := ix.extractor.Extract(gctx, file.RelPath, content)
			if err != nil {
				log.Printf("Skipping unparseable file %s: %v", file.RelPath, err)
				return nil
			}
			results <- parsed{file: file, content: content, entities: entities}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(results)

	for p := range results {
		if p.content == nil {
			skipped++
			continue
		}
		if err := ix.reconciler.ReconcileFile(ctx, project, p.file.RelPath, version, p.entities); err != nil {
			return fmt.Errorf("failed to reconcile %s: %w", p.file.RelPath, err)
		}
		if ix.hashes != nil {
			if err := ix.hashes.StoreContent(project, p.file.RelPath, p.content); err != nil {
				log.Printf("Failed to cache %s: %v", p.file.RelPath, err)
			}
		}
		indexed++
	}

	if err := ix.store.Persist(ctx); err != nil {
		return err
	}
	log.Printf("Seeded %s at %s: %d files indexed, %d unchanged in %v", project, version, indexed, skipped, time.Since(start).Round(time.Millisecond))
	return nil
}

func (ix *Indexer) seedOne(ctx context.Context, root, project, version string, scope *Scope) error {
	if scope.Change == watcher.EventUnlink {
		if err := ix.reconciler.ReconcileUnlink(ctx, project, scope.FilePath, version); err != nil {
			return err
		}
		return ix.store.Persist(ctx)
	}

	absPath := filepath.Join(root, filepath.FromSlash(scope.FilePath))
	content, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with a deletion, treat as unlink
			if err := ix.reconciler.ReconcileUnlink(ctx, project, scope.FilePath, version); err != nil {
				return err
			}
			return ix.store.Persist(ctx)
		}
		return fmt.Errorf("failed to read %s: %w", scope.FilePath, err)
	}

	entities, err := ix.extractor.Extract(ctx, scope.FilePath, content)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", scope.FilePath, err)
	}
	if err := ix.reconciler.ReconcileFile(ctx, project, scope.FilePath, version, entities); err != nil {
		return err
	}
	if ix.hashes != nil {
		if err := ix.hashes.StoreContent(project, scope.FilePath, content); err != nil {
			log.Printf("Failed to cache %s: %v", scope.FilePath, err)
		}
	}
	return ix.store.Persist(ctx)
}
