// Package migrate brings a workspace database up to the embedded schema.
// Versions are tracked in a single-row schema_version table so reopening a
// workspace with a newer build only runs the steps it is missing.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	stmts   string
}

// steps loads the embedded sql directory. File names carry the numeric
// version as a prefix ("001_init.sql"); anything else is a packaging mistake.
func steps() ([]step, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	var out []step
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("schema file %s has no version prefix", entry.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("schema file %s: %w", entry.Name(), err)
		}
		data, err := schemaFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, name: entry.Name(), stmts: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies every pending schema step in one transaction; a failure
// leaves the recorded version where it was.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("schema_version table: %w", err)
	}
	var have int
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&have); err {
	case nil:
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	default:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, st := range all {
		if st.version <= have {
			continue
		}
		if _, err := tx.Exec(st.stmts); err != nil {
			return fmt.Errorf("apply %s: %w", st.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, st.version); err != nil {
			return fmt.Errorf("record version %d: %w", st.version, err)
		}
		have = st.version
	}
	return tx.Commit()
}
