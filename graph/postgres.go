package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the shared-backend implementation of Store on top of
// PostgreSQL. Every upsert is a single INSERT ... ON CONFLICT statement;
// WithTx wraps a sequence of statements in one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	now  func() time.Time
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// statement methods serve transactional and non-transactional paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS projects (
	name        TEXT PRIMARY KEY,
	root_path   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS versions (
	name        TEXT PRIMARY KEY,
	project     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS directories (
	path     TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	project  TEXT NOT NULL,
	parent   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS files (
	path        TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	extension   TEXT NOT NULL DEFAULT '',
	project     TEXT NOT NULL,
	directory   TEXT NOT NULL DEFAULT '',
	deleted_in  TEXT NOT NULL DEFAULT '',
	appeared_in TEXT[] NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS functions (
	name        TEXT NOT NULL,
	file_path   TEXT NOT NULL,
	start_line  INT NOT NULL DEFAULT 0,
	end_line    INT NOT NULL DEFAULT 0,
	params      TEXT[] NOT NULL DEFAULT '{}',
	deleted_in  TEXT NOT NULL DEFAULT '',
	deleted_at  TIMESTAMPTZ,
	moved_to    TEXT NOT NULL DEFAULT '',
	appeared_in TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (name, file_path)
);
CREATE INDEX IF NOT EXISTS idx_functions_name ON functions (name);
CREATE TABLE IF NOT EXISTS classes (
	name        TEXT NOT NULL,
	file_path   TEXT NOT NULL,
	start_line  INT NOT NULL DEFAULT 0,
	end_line    INT NOT NULL DEFAULT 0,
	methods     TEXT[] NOT NULL DEFAULT '{}',
	properties  TEXT[] NOT NULL DEFAULT '{}',
	deleted_in  TEXT NOT NULL DEFAULT '',
	deleted_at  TIMESTAMPTZ,
	moved_to    TEXT NOT NULL DEFAULT '',
	appeared_in TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (name, file_path)
);
CREATE INDEX IF NOT EXISTS idx_classes_name ON classes (name);
CREATE TABLE IF NOT EXISTS variables (
	name      TEXT NOT NULL,
	file_path TEXT NOT NULL,
	var_type  TEXT NOT NULL DEFAULT '',
	line      INT NOT NULL DEFAULT 0,
	PRIMARY KEY (name, file_path)
);
CREATE TABLE IF NOT EXISTS imports (
	source    TEXT NOT NULL,
	file_path TEXT NOT NULL,
	line      INT NOT NULL DEFAULT 0,
	PRIMARY KEY (source, file_path)
);
CREATE TABLE IF NOT EXISTS exports (
	name       TEXT NOT NULL,
	file_path  TEXT NOT NULL,
	line       INT NOT NULL DEFAULT 0,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (name, file_path)
);
CREATE TABLE IF NOT EXISTS calls (
	caller_name TEXT NOT NULL,
	caller_file TEXT NOT NULL,
	callee_name TEXT NOT NULL,
	line        INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_calls_caller_file ON calls (caller_file);
CREATE TABLE IF NOT EXISTS moves (
	kind      TEXT NOT NULL,
	name      TEXT NOT NULL,
	from_file TEXT NOT NULL,
	to_file   TEXT NOT NULL,
	version   TEXT NOT NULL,
	moved_at  TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to the given DSN and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure graph schema: %w", err)
	}
	return &PostgresStore{pool: pool, q: pool, now: time.Now}, nil
}

func (s *PostgresStore) UpsertProject(ctx context.Context, p Project) error {
	now := s.now()
	_, err := s.q.Exec(ctx, `
		INSERT INTO projects (name, root_path, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (name) DO UPDATE SET root_path = $2, updated_at = $3`,
		p.Name, p.RootPath, now)
	if err != nil {
		return &WriteError{Op: "upsert project", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertVersion(ctx context.Context, v Version) error {
	created := v.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO versions (name, project, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`,
		v.Name, v.Project, created)
	if err != nil {
		return &WriteError{Op: "upsert version", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertDirectory(ctx context.Context, d Directory) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO directories (path, name, project, parent)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET name = $2, project = $3, parent = $4`,
		d.Path, d.Name, d.Project, d.Parent)
	if err != nil {
		return &WriteError{Op: "upsert directory", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertFile(ctx context.Context, f File) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO files (path, name, extension, project, directory)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (path) DO UPDATE
		SET name = $2, extension = $3, project = $4, directory = $5, deleted_in = ''`,
		f.Path, f.Name, f.Extension, f.Project, f.Directory)
	if err != nil {
		return &WriteError{Op: "upsert file", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertFunction(ctx context.Context, fn Function) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO functions (name, file_path, start_line, end_line, params)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, file_path) DO UPDATE
		SET start_line = $3, end_line = $4, params = $5,
		    deleted_in = '', deleted_at = NULL, moved_to = ''`,
		fn.Name, fn.FilePath, fn.StartLine, fn.EndLine, fn.Params)
	if err != nil {
		return &WriteError{Op: "upsert function", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpsertClass(ctx context.Context, c Class) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO classes (name, file_path, start_line, end_line, methods, properties)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, file_path) DO UPDATE
		SET start_line = $3, end_line = $4, methods = $5, properties = $6,
		    deleted_in = '', deleted_at = NULL, moved_to = ''`,
		c.Name, c.FilePath, c.StartLine, c.EndLine, c.Methods, c.Properties)
	if err != nil {
		return &WriteError{Op: "upsert class", Err: err}
	}
	return nil
}

func (s *PostgresStore) ReplaceVariables(ctx context.Context, filePath string, vars []Variable) error {
	return s.WithTx(ctx, func(tx Store) error {
		ps := tx.(*PostgresStore)
		if _, err := ps.q.Exec(ctx, `DELETE FROM variables WHERE file_path = $1`, filePath); err != nil {
			return &WriteError{Op: "replace variables", Err: err}
		}
		for _, v := range vars {
			if _, err := ps.q.Exec(ctx, `
				INSERT INTO variables (name, file_path, var_type, line)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (name, file_path) DO UPDATE SET var_type = $3, line = $4`,
				v.Name, filePath, v.Type, v.Line); err != nil {
				return &WriteError{Op: "replace variables", Err: err}
			}
		}
		return nil
	})
}

func (s *PostgresStore) ReplaceImports(ctx context.Context, filePath string, imports []Import) error {
	return s.WithTx(ctx, func(tx Store) error {
		ps := tx.(*PostgresStore)
		if _, err := ps.q.Exec(ctx, `DELETE FROM imports WHERE file_path = $1`, filePath); err != nil {
			return &WriteError{Op: "replace imports", Err: err}
		}
		for _, imp := range imports {
			if _, err := ps.q.Exec(ctx, `
				INSERT INTO imports (source, file_path, line)
				VALUES ($1, $2, $3)
				ON CONFLICT (source, file_path) DO UPDATE SET line = $3`,
				imp.Source, filePath, imp.Line); err != nil {
				return &WriteError{Op: "replace imports", Err: err}
			}
		}
		return nil
	})
}

func (s *PostgresStore) ReplaceExports(ctx context.Context, filePath string, exports []Export) error {
	return s.WithTx(ctx, func(tx Store) error {
		ps := tx.(*PostgresStore)
		if _, err := ps.q.Exec(ctx, `DELETE FROM exports WHERE file_path = $1`, filePath); err != nil {
			return &WriteError{Op: "replace exports", Err: err}
		}
		for _, exp := range exports {
			if _, err := ps.q.Exec(ctx, `
				INSERT INTO exports (name, file_path, line, is_default)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (name, file_path) DO UPDATE SET line = $3, is_default = $4`,
				exp.Name, filePath, exp.Line, exp.IsDefault); err != nil {
				return &WriteError{Op: "replace exports", Err: err}
			}
		}
		return nil
	})
}

func (s *PostgresStore) ReplaceCalls(ctx context.Context, filePath string, calls []Call) error {
	return s.WithTx(ctx, func(tx Store) error {
		ps := tx.(*PostgresStore)
		if _, err := ps.q.Exec(ctx, `DELETE FROM calls WHERE caller_file = $1`, filePath); err != nil {
			return &WriteError{Op: "replace calls", Err: err}
		}
		for _, c := range calls {
			if _, err := ps.q.Exec(ctx, `
				INSERT INTO calls (caller_name, caller_file, callee_name, line)
				VALUES ($1, $2, $3, $4)`,
				c.CallerName, filePath, c.CalleeName, c.Line); err != nil {
				return &WriteError{Op: "replace calls", Err: err}
			}
		}
		return nil
	})
}

func (s *PostgresStore) LinkFileVersion(ctx context.Context, filePath, version string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE files SET appeared_in = array_append(appeared_in, $2)
		WHERE path = $1 AND NOT ($2 = ANY(appeared_in))`,
		filePath, version)
	if err != nil {
		return &WriteError{Op: "link file version", Err: err}
	}
	return nil
}

func (s *PostgresStore) LinkEntityVersion(ctx context.Context, kind EntityKind, name, filePath, version string) error {
	table, err := entityTable(kind)
	if err != nil {
		return &WriteError{Op: "link entity version", Err: err}
	}
	_, err = s.q.Exec(ctx, `
		UPDATE `+table+` SET appeared_in = array_append(appeared_in, $3)
		WHERE name = $1 AND file_path = $2 AND NOT ($3 = ANY(appeared_in))`,
		name, filePath, version)
	if err != nil {
		return &WriteError{Op: "link entity version", Err: err}
	}
	return nil
}

// entityTable maps the closed set of version-tracked entity kinds to their
// tables. Only functions and classes carry the full lifecycle.
func entityTable(kind EntityKind) (string, error) {
	switch kind {
	case KindFunction:
		return "functions", nil
	case KindClass:
		return "classes", nil
	default:
		return "", fmt.Errorf("unsupported entity kind %q", kind)
	}
}

func (s *PostgresStore) HasFile(ctx context.Context, filePath string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM files WHERE path = $1)`, filePath).Scan(&exists)
	if err != nil {
		return false, &ReadError{Op: "has file", Err: err}
	}
	return exists, nil
}

func (s *PostgresStore) LiveFunctions(ctx context.Context, filePath string) ([]Function, error) {
	rows, err := s.q.Query(ctx, `
		SELECT name, file_path, start_line, end_line, params
		FROM functions
		WHERE file_path = $1 AND deleted_in = '' AND moved_to = ''
		ORDER BY name`, filePath)
	if err != nil {
		return nil, &ReadError{Op: "live functions", Err: err}
	}
	defer rows.Close()

	var fns []Function
	for rows.Next() {
		var fn Function
		if err := rows.Scan(&fn.Name, &fn.FilePath, &fn.StartLine, &fn.EndLine, &fn.Params); err != nil {
			return nil, &ReadError{Op: "live functions", Err: err}
		}
		fns = append(fns, fn)
	}
	return fns, rows.Err()
}

func (s *PostgresStore) LiveClasses(ctx context.Context, filePath string) ([]Class, error) {
	rows, err := s.q.Query(ctx, `
		SELECT name, file_path, start_line, end_line, methods, properties
		FROM classes
		WHERE file_path = $1 AND deleted_in = '' AND moved_to = ''
		ORDER BY name`, filePath)
	if err != nil {
		return nil, &ReadError{Op: "live classes", Err: err}
	}
	defer rows.Close()

	var classes []Class
	for rows.Next() {
		var c Class
		if err := rows.Scan(&c.Name, &c.FilePath, &c.StartLine, &c.EndLine, &c.Methods, &c.Properties); err != nil {
			return nil, &ReadError{Op: "live classes", Err: err}
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

func (s *PostgresStore) MarkEntityDeleted(ctx context.Context, kind EntityKind, name, filePath, version string, at time.Time) error {
	table, err := entityTable(kind)
	if err != nil {
		return &WriteError{Op: "mark entity deleted", Err: err}
	}
	_, err = s.q.Exec(ctx, `
		UPDATE `+table+` SET deleted_in = $3, deleted_at = $4
		WHERE name = $1 AND file_path = $2`,
		name, filePath, version, at)
	if err != nil {
		return &WriteError{Op: "mark entity deleted", Err: err}
	}
	return nil
}

func (s *PostgresStore) MarkFileDeleted(ctx context.Context, filePath, version string) error {
	_, err := s.q.Exec(ctx, `UPDATE files SET deleted_in = $2 WHERE path = $1`, filePath, version)
	if err != nil {
		return &WriteError{Op: "mark file deleted", Err: err}
	}
	return nil
}

func (s *PostgresStore) RecentDeletions(ctx context.Context, kind EntityKind, name, excludeFile string, since time.Time) ([]Deletion, error) {
	table, err := entityTable(kind)
	if err != nil {
		return nil, &ReadError{Op: "recent deletions", Err: err}
	}

	paramsCol := "'{}'::TEXT[]"
	if kind == KindFunction {
		paramsCol = "params"
	}
	rows, err := s.q.Query(ctx, `
		SELECT name, file_path, `+paramsCol+`, deleted_in, deleted_at
		FROM `+table+`
		WHERE name = $1 AND file_path <> $2 AND deleted_in <> '' AND deleted_at >= $3
		ORDER BY deleted_at DESC`,
		name, excludeFile, since)
	if err != nil {
		return nil, &ReadError{Op: "recent deletions", Err: err}
	}
	defer rows.Close()

	var deletions []Deletion
	for rows.Next() {
		d := Deletion{Kind: kind}
		if err := rows.Scan(&d.Name, &d.FilePath, &d.Params, &d.Version, &d.DeletedAt); err != nil {
			return nil, &ReadError{Op: "recent deletions", Err: err}
		}
		deletions = append(deletions, d)
	}
	return deletions, rows.Err()
}

func (s *PostgresStore) PromoteMove(ctx context.Context, kind EntityKind, name, fromFile, toFile, version string) error {
	table, err := entityTable(kind)
	if err != nil {
		return &WriteError{Op: "promote move", Err: err}
	}
	if _, err := s.q.Exec(ctx, `
		UPDATE `+table+`
		SET moved_to = $3, deleted_in = '', deleted_at = NULL,
		    appeared_in = CASE WHEN $4 = ANY(appeared_in) THEN appeared_in ELSE array_append(appeared_in, $4) END
		WHERE name = $1 AND file_path = $2`,
		name, fromFile, toFile, version); err != nil {
		return &WriteError{Op: "promote move", Err: err}
	}
	if _, err := s.q.Exec(ctx, `
		INSERT INTO moves (kind, name, from_file, to_file, version, moved_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(kind), name, fromFile, toFile, version, s.now()); err != nil {
		return &WriteError{Op: "promote move", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := s.q.QueryRow(ctx, `
		SELECT name, root_path, created_at, updated_at FROM projects WHERE name = $1`, name).
		Scan(&p.Name, &p.RootPath, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &ReadError{Op: "get project", Err: err}
	}
	return &p, nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, project string) (*Version, error) {
	var v Version
	err := s.q.QueryRow(ctx, `
		SELECT name, project, created_at FROM versions
		WHERE project = $1 ORDER BY created_at DESC LIMIT 1`, project).
		Scan(&v.Name, &v.Project, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &ReadError{Op: "latest version", Err: err}
	}
	return &v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, project string) ([]Version, error) {
	rows, err := s.q.Query(ctx, `
		SELECT name, project, created_at FROM versions
		WHERE project = $1 ORDER BY created_at`, project)
	if err != nil {
		return nil, &ReadError{Op: "list versions", Err: err}
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Name, &v.Project, &v.CreatedAt); err != nil {
			return nil, &ReadError{Op: "list versions", Err: err}
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) ListFiles(ctx context.Context, project string, filter FileFilter) ([]File, error) {
	query := `
		SELECT DISTINCT f.path, f.name, f.extension, f.project, f.directory
		FROM files f`
	args := []any{project}
	where := ` WHERE f.project = $1 AND f.deleted_in = ''`

	if filter.FunctionName != "" {
		args = append(args, "%"+filter.FunctionName+"%")
		query += ` JOIN functions fn ON fn.file_path = f.path AND fn.deleted_in = '' AND fn.moved_to = ''`
		where += fmt.Sprintf(` AND fn.name LIKE $%d`, len(args))
	}
	if filter.ImportSource != "" {
		args = append(args, "%"+filter.ImportSource+"%")
		query += ` JOIN imports i ON i.file_path = f.path`
		where += fmt.Sprintf(` AND i.source LIKE $%d`, len(args))
	}
	if filter.PathContains != "" {
		args = append(args, "%"+filter.PathContains+"%")
		where += fmt.Sprintf(` AND f.path LIKE $%d`, len(args))
	}
	if filter.NameContains != "" {
		args = append(args, "%"+filter.NameContains+"%")
		where += fmt.Sprintf(` AND f.name LIKE $%d`, len(args))
	}

	rows, err := s.q.Query(ctx, query+where+` ORDER BY f.path`, args...)
	if err != nil {
		return nil, &ReadError{Op: "list files", Err: err}
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.Path, &f.Name, &f.Extension, &f.Project, &f.Directory); err != nil {
			return nil, &ReadError{Op: "list files", Err: err}
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *PostgresStore) ListDirectories(ctx context.Context, project, pathContains string) ([]Directory, error) {
	rows, err := s.q.Query(ctx, `
		SELECT path, name, project, parent FROM directories
		WHERE project = $1 AND path LIKE $2 ORDER BY path`,
		project, "%"+pathContains+"%")
	if err != nil {
		return nil, &ReadError{Op: "list directories", Err: err}
	}
	defer rows.Close()
	return scanDirectories(rows)
}

func (s *PostgresStore) DirectoryChildren(ctx context.Context, dirPath string) ([]Directory, []File, error) {
	if dirPath != "" {
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM directories WHERE path = $1)`, dirPath).Scan(&exists); err != nil {
			return nil, nil, &ReadError{Op: "directory children", Err: err}
		}
		if !exists {
			return nil, nil, &ReadError{Op: "directory children", Err: &NotFoundError{Kind: "directory", Key: dirPath}}
		}
	}

	dirRows, err := s.q.Query(ctx, `
		SELECT path, name, project, parent FROM directories WHERE parent = $1 ORDER BY path`, dirPath)
	if err != nil {
		return nil, nil, &ReadError{Op: "directory children", Err: err}
	}
	dirs, err := scanDirectories(dirRows)
	dirRows.Close()
	if err != nil {
		return nil, nil, err
	}

	fileRows, err := s.q.Query(ctx, `
		SELECT path, name, extension, project, directory FROM files
		WHERE directory = $1 AND deleted_in = '' ORDER BY path`, dirPath)
	if err != nil {
		return nil, nil, &ReadError{Op: "directory children", Err: err}
	}
	defer fileRows.Close()
	files, err := scanFiles(fileRows)
	if err != nil {
		return nil, nil, err
	}
	return dirs, files, nil
}

func (s *PostgresStore) Subtree(ctx context.Context, dirPath string) ([]Directory, []File, error) {
	if dirPath != "" {
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM directories WHERE path = $1)`, dirPath).Scan(&exists); err != nil {
			return nil, nil, &ReadError{Op: "subtree", Err: err}
		}
		if !exists {
			return nil, nil, &ReadError{Op: "subtree", Err: &NotFoundError{Kind: "directory", Key: dirPath}}
		}
	}

	prefix := ""
	if dirPath != "" {
		prefix = dirPath + "/"
	}

	dirRows, err := s.q.Query(ctx, `
		SELECT path, name, project, parent FROM directories
		WHERE path LIKE $1 || '%' AND path <> $2 ORDER BY path`, prefix, dirPath)
	if err != nil {
		return nil, nil, &ReadError{Op: "subtree", Err: err}
	}
	dirs, err := scanDirectories(dirRows)
	dirRows.Close()
	if err != nil {
		return nil, nil, err
	}

	fileRows, err := s.q.Query(ctx, `
		SELECT path, name, extension, project, directory FROM files
		WHERE path LIKE $1 || '%' AND deleted_in = '' ORDER BY path`, prefix)
	if err != nil {
		return nil, nil, &ReadError{Op: "subtree", Err: err}
	}
	defer fileRows.Close()
	files, err := scanFiles(fileRows)
	if err != nil {
		return nil, nil, err
	}
	return dirs, files, nil
}

func (s *PostgresStore) FindFunctions(ctx context.Context, name string) ([]Function, error) {
	rows, err := s.q.Query(ctx, `
		SELECT name, file_path, start_line, end_line, params
		FROM functions
		WHERE name = $1 AND deleted_in = '' AND moved_to = ''
		ORDER BY file_path`, name)
	if err != nil {
		return nil, &ReadError{Op: "find functions", Err: err}
	}
	defer rows.Close()

	var fns []Function
	for rows.Next() {
		var fn Function
		if err := rows.Scan(&fn.Name, &fn.FilePath, &fn.StartLine, &fn.EndLine, &fn.Params); err != nil {
			return nil, &ReadError{Op: "find functions", Err: err}
		}
		fns = append(fns, fn)
	}
	return fns, rows.Err()
}

func (s *PostgresStore) ListMoves(ctx context.Context, project string) ([]Move, error) {
	rows, err := s.q.Query(ctx, `
		SELECT m.kind, m.name, m.from_file, m.to_file, m.version, m.moved_at
		FROM moves m
		JOIN files f ON f.path = m.to_file
		WHERE ($1 = '' OR f.project = $1)
		ORDER BY m.moved_at`, project)
	if err != nil {
		return nil, &ReadError{Op: "list moves", Err: err}
	}
	defer rows.Close()

	var moves []Move
	for rows.Next() {
		var m Move
		var kind string
		if err := rows.Scan(&kind, &m.Name, &m.FromFile, &m.ToFile, &m.Version, &m.MovedAt); err != nil {
			return nil, &ReadError{Op: "list moves", Err: err}
		}
		m.Kind = EntityKind(kind)
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// WithTx runs fn against a transaction-bound view of the store. Nested
// calls reuse the surrounding transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(pgx.Tx); inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &WriteError{Op: "begin tx", Err: err}
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&PostgresStore{pool: s.pool, q: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &WriteError{Op: "commit tx", Err: err}
	}
	return nil
}

// Load is a no-op: the backend is always durable.
func (s *PostgresStore) Load(ctx context.Context) error { return nil }

// Persist is a no-op: every statement is immediately durable.
func (s *PostgresStore) Persist(ctx context.Context) error { return nil }

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanDirectories(rows pgx.Rows) ([]Directory, error) {
	var dirs []Directory
	for rows.Next() {
		var d Directory
		if err := rows.Scan(&d.Path, &d.Name, &d.Project, &d.Parent); err != nil {
			return nil, &ReadError{Op: "scan directories", Err: err}
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

func scanFiles(rows pgx.Rows) ([]File, error) {
	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.Path, &f.Name, &f.Extension, &f.Project, &f.Directory); err != nil {
			return nil, &ReadError{Op: "scan files", Err: err}
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
