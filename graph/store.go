package graph

import (
	"context"
	"time"
)

// Store defines the entity graph backend. Every upsert is create-or-update
// keyed by the entity's natural identity and maps to a single backend
// statement; multi-statement sequences are only atomic inside WithTx on
// backends that support it.
//
// There is deliberately one typed upsert per entity kind rather than a
// generic label-parameterized operation.
type Store interface {
	// Typed upserts.
	UpsertProject(ctx context.Context, p Project) error
	UpsertVersion(ctx context.Context, v Version) error
	UpsertDirectory(ctx context.Context, d Directory) error
	UpsertFile(ctx context.Context, f File) error
	UpsertFunction(ctx context.Context, fn Function) error
	UpsertClass(ctx context.Context, c Class) error

	// Variables, imports, exports and call edges are replace-on-write per
	// file: the previous set is discarded wholesale.
	ReplaceVariables(ctx context.Context, filePath string, vars []Variable) error
	ReplaceImports(ctx context.Context, filePath string, imports []Import) error
	ReplaceExports(ctx context.Context, filePath string, exports []Export) error
	ReplaceCalls(ctx context.Context, filePath string, calls []Call) error

	// Version linking (APPEARED_IN).
	LinkFileVersion(ctx context.Context, filePath, version string) error
	LinkEntityVersion(ctx context.Context, kind EntityKind, name, filePath, version string) error

	// Reconciliation support.
	HasFile(ctx context.Context, filePath string) (bool, error)
	LiveFunctions(ctx context.Context, filePath string) ([]Function, error)
	LiveClasses(ctx context.Context, filePath string) ([]Class, error)
	MarkEntityDeleted(ctx context.Context, kind EntityKind, name, filePath, version string, at time.Time) error
	MarkFileDeleted(ctx context.Context, filePath, version string) error
	RecentDeletions(ctx context.Context, kind EntityKind, name, excludeFile string, since time.Time) ([]Deletion, error)
	// PromoteMove rewrites a deletion into a move: it records a MOVED_TO
	// edge from the deleted entity to toFile at the given version, removes
	// the DELETED_IN edge, and links the entity to the destination version.
	PromoteMove(ctx context.Context, kind EntityKind, name, fromFile, toFile, version string) error

	// Reads.
	GetProject(ctx context.Context, name string) (*Project, error)
	LatestVersion(ctx context.Context, project string) (*Version, error)
	ListVersions(ctx context.Context, project string) ([]Version, error)
	ListFiles(ctx context.Context, project string, filter FileFilter) ([]File, error)
	ListDirectories(ctx context.Context, project, pathContains string) ([]Directory, error)
	DirectoryChildren(ctx context.Context, dirPath string) ([]Directory, []File, error)
	Subtree(ctx context.Context, dirPath string) ([]Directory, []File, error)
	FindFunctions(ctx context.Context, name string) ([]Function, error)
	ListMoves(ctx context.Context, project string) ([]Move, error)

	// WithTx runs fn against a transactional view of the store. Backends
	// without transactions run fn directly but must keep fn's statements
	// from interleaving with other writers.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Persistence lifecycle.
	Load(ctx context.Context) error
	Persist(ctx context.Context) error
	Close() error
}
