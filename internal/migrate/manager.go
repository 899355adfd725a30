// Package migrate applies versioned SQL files to Postgres and records
// them in a bookkeeping table.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const defaultTable = "schema_migrations"

// Migration is one version with its forward and optional rollback file.
type Migration struct {
	Version string
	Up      string
	Down    string
}

// Manager runs migrations read from a filesystem, either the embedded
// schema or a directory on disk.
type Manager struct {
	db    *sql.DB
	files fs.FS
	table string
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the bookkeeping table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, files: files, table: defaultTable}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Plan lists the migrations found in the filesystem ordered by version.
// Files ending in .up.sql define a version; a matching .down.sql is
// optional.
func (m *Manager) Plan() ([]Migration, error) {
	if m.files == nil {
		return nil, errors.New("migrate: no migrations filesystem")
	}
	byVersion := make(map[string]*Migration)
	err := fs.WalkDir(m.files, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := path.Base(p)
		var version string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			version, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			version = strings.TrimSuffix(name, ".down.sql")
		default:
			return nil
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version}
			byVersion[version] = mig
		}
		if up {
			mig.Up = p
		} else {
			mig.Down = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	plan := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" {
			return nil, fmt.Errorf("migrate: %s has a down file but no up file", mig.Version)
		}
		plan = append(plan, *mig)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}

// Up applies every pending migration, each in its own transaction
// together with its bookkeeping row. It returns the applied versions.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	plan, err := m.Plan()
	if err != nil {
		return nil, err
	}
	done, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(done))
	for _, v := range done {
		seen[v] = true
	}
	var applied []string
	for _, mig := range plan {
		if seen[mig.Version] {
			continue
		}
		record := fmt.Sprintf(`insert into %s (version) values ($1)`, m.table)
		if err := m.run(ctx, mig.Up, record, mig.Version); err != nil {
			return applied, fmt.Errorf("apply %s: %w", mig.Version, err)
		}
		applied = append(applied, mig.Version)
	}
	return applied, nil
}

// Down rolls back the most recently applied migration and returns its
// version.
func (m *Manager) Down(ctx context.Context) (string, error) {
	done, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	if len(done) == 0 {
		return "", errors.New("no migrations applied")
	}
	last := done[len(done)-1]
	plan, err := m.Plan()
	if err != nil {
		return "", err
	}
	idx := sort.Search(len(plan), func(i int) bool { return plan[i].Version >= last })
	if idx == len(plan) || plan[idx].Version != last || plan[idx].Down == "" {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	forget := fmt.Sprintf(`delete from %s where version = $1`, m.table)
	if err := m.run(ctx, plan[idx].Down, forget, last); err != nil {
		return "", fmt.Errorf("rollback %s: %w", last, err)
	}
	return last, nil
}

// Status returns the applied versions in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	ddl := fmt.Sprintf(`create table if not exists %s (
		version text primary key,
		applied_at timestamptz not null default now()
	)`, m.table)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select version from %s order by applied_at, version`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// run executes the statements of file and the bookkeeping statement in
// one transaction.
func (m *Manager) run(ctx context.Context, file, bookkeeping, version string) error {
	src, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(src)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements cuts src at semicolons outside single-quoted strings
// and drops -- line comments. Dollar quoting is not supported.
func splitStatements(src string) []string {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
				cur.WriteByte(c)
			}
		case quoted:
			cur.WriteByte(c)
			if c == '\'' {
				quoted = false
			}
		case c == '\'':
			quoted = true
			cur.WriteByte(c)
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			comment = true
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
