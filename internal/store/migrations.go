package store

import (
	"database/sql"

	"go.uber.org/zap"
)

// Migration adds one column to an existing table. Databases created before
// the column existed pick it up on open; fresh databases already have it
// from the schema and the probe skips.
type Migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []Migration{
	{Table: "proposals", Column: "predictions", Def: "TEXT"},
	{Table: "jobs", Column: "progress", Def: "REAL"},
	{Table: "artifacts", Column: "mime_type", Def: "TEXT NOT NULL DEFAULT ''"},
	{Table: "iterations", Column: "dataset_hash", Def: "TEXT NOT NULL DEFAULT ''"},
}

func (s *Store) applyMigrations() error {
	for _, m := range pendingMigrations {
		ok, err := s.tableExists(m.Table)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ok, err = s.columnExists(m.Table, m.Column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := s.db.Exec("ALTER TABLE " + m.Table + " ADD COLUMN " + m.Column + " " + m.Def); err != nil {
			return repoErr(err, "failed to add column %s.%s", m.Table, m.Column)
		}
		s.log.Info("applied migration", zap.String("table", m.Table), zap.String("column", m.Column))
	}
	return nil
}

func (s *Store) tableExists(table string) (bool, error) {
	var name string
	err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, repoErr(err, "failed to probe table %s", table)
	}
	return true, nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, repoErr(err, "failed to probe columns of %s", table)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, repoErr(err, "failed to scan column info for %s", table)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
