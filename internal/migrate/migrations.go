// Package migrate brings the workspace database up to date from the embedded
// schema files. Each file is named <version>_<label>.sql and applied in
// version order; the applied version is tracked in sqlite's user_version
// header field, so migrating an up-to-date database is a no-op.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	label   string
	stmts   string
}

func steps() ([]step, error) {
	paths, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(path.Base(p), ".sql")
		prefix, label, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("schema file %s: want <version>_<label>.sql", p)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("schema file %s: bad version prefix: %w", p, err)
		}
		stmts, err := schemaFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, label: label, stmts: string(stmts)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies every schema step newer than the database's recorded
// version, each step in its own transaction.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, st := range all {
		if st.version <= current {
			continue
		}
		if err := apply(db, st); err != nil {
			return err
		}
		current = st.version
	}
	return nil
}

func apply(db *sql.DB, st step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(st.stmts); err != nil {
		return fmt.Errorf("schema %d (%s): %w", st.version, st.label, err)
	}
	// PRAGMA takes no placeholders.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", st.version)); err != nil {
		return fmt.Errorf("record schema version %d: %w", st.version, err)
	}
	return tx.Commit()
}
