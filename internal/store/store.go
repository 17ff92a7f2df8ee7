// Package store persists every entity of the campaign platform in one
// SQLite database: processes, campaigns, iterations, proposals, decisions,
// observations, checkpoints, artifacts, the job queue and the campaign
// write locks. Free-form maps and numeric arrays live in JSON columns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"boa/internal/errs"
	"boa/internal/logging"
)

// Store wraps the SQLite database. All methods are safe for concurrent
// callers; writes serialize on a single connection.
type Store struct {
	db  *sql.DB
	q   querier
	log *zap.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx so every repository
// method runs unchanged inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS processes (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    version     INTEGER NOT NULL,
    spec_text   TEXT NOT NULL,
    spec_json   TEXT NOT NULL,
    is_active   INTEGER NOT NULL DEFAULT 1,
    description TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP,
    UNIQUE (name, version)
);
CREATE INDEX IF NOT EXISTS idx_processes_name ON processes(name);

CREATE TABLE IF NOT EXISTS campaigns (
    id                 TEXT PRIMARY KEY,
    process_id         TEXT NOT NULL REFERENCES processes(id),
    name               TEXT NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL,
    strategy_overrides TEXT NOT NULL DEFAULT '{}',
    metadata           TEXT NOT NULL DEFAULT '{}',
    created_at         TIMESTAMP NOT NULL,
    updated_at         TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_process ON campaigns(process_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);

CREATE TABLE IF NOT EXISTS iterations (
    id           TEXT PRIMARY KEY,
    campaign_id  TEXT NOT NULL REFERENCES campaigns(id),
    idx          INTEGER NOT NULL,
    dataset_hash TEXT NOT NULL DEFAULT '',
    metadata     TEXT NOT NULL DEFAULT '{}',
    created_at   TIMESTAMP NOT NULL,
    UNIQUE (campaign_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_iterations_campaign ON iterations(campaign_id);

CREATE TABLE IF NOT EXISTS proposals (
    id          TEXT PRIMARY KEY,
    iteration_id TEXT NOT NULL REFERENCES iterations(id),
    strategy    TEXT NOT NULL,
    raw         TEXT NOT NULL,
    encoded     TEXT,
    acq_scores  TEXT,
    predictions TEXT,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_iteration ON proposals(iteration_id);

CREATE TABLE IF NOT EXISTS decisions (
    id           TEXT PRIMARY KEY,
    iteration_id TEXT NOT NULL UNIQUE REFERENCES iterations(id),
    accepted     TEXT NOT NULL,
    notes        TEXT NOT NULL DEFAULT '',
    metadata     TEXT NOT NULL DEFAULT '{}',
    created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
    id          TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id),
    x_raw       TEXT NOT NULL,
    encoded     TEXT,
    y           TEXT NOT NULL,
    source      TEXT NOT NULL DEFAULT 'user',
    observed_at TIMESTAMP NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_campaign ON observations(campaign_id);

CREATE TABLE IF NOT EXISTS checkpoints (
    id           TEXT PRIMARY KEY,
    campaign_id  TEXT NOT NULL REFERENCES campaigns(id),
    iteration_id TEXT REFERENCES iterations(id),
    path         TEXT NOT NULL,
    size_bytes   INTEGER,
    metadata     TEXT NOT NULL DEFAULT '{}',
    created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_campaign ON checkpoints(campaign_id);

CREATE TABLE IF NOT EXISTS artifacts (
    id          TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id),
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    mime_type   TEXT NOT NULL DEFAULT '',
    path        TEXT NOT NULL,
    size_bytes  INTEGER,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_campaign ON artifacts(campaign_id);

CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    campaign_id  TEXT,
    type         TEXT NOT NULL,
    status       TEXT NOT NULL,
    params       TEXT NOT NULL DEFAULT '{}',
    result       TEXT,
    error        TEXT NOT NULL DEFAULT '',
    progress     REAL,
    created_at   TIMESTAMP NOT NULL,
    started_at   TIMESTAMP,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON jobs(campaign_id);

CREATE TABLE IF NOT EXISTS campaign_locks (
    campaign_id TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    acquired_at TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP NOT NULL
);
`

// Open creates or opens the database at path, creating parent directories
// and applying schema and pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.Wrap(err, errs.Repository, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(err, errs.Repository, "failed to open database %s", path)
	}
	// SQLite permits one writer; a single connection avoids SQLITE_BUSY
	// churn under concurrent callers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, q: db, log: logging.Get(logging.CategoryStore)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return errs.Wrap(err, errs.Repository, "failed to enable foreign keys")
	}
	if _, err := s.db.Exec(schema); err != nil {
		return errs.Wrap(err, errs.Repository, "failed to initialize schema")
	}
	return s.applyMigrations()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn against a transactional view of the store. The
// transaction commits when fn returns nil and rolls back otherwise. Nested
// calls are not supported.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(err, errs.Repository, "failed to begin transaction")
	}
	txStore := &Store{db: s.db, q: tx, log: s.log}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(err, errs.Repository, "failed to commit transaction")
	}
	return nil
}

// marshalMap renders a map column, with nil maps as empty objects.
func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errs.Wrap(err, errs.Repository, "failed to marshal metadata")
	}
	return string(data), nil
}

// marshalJSON renders any JSON column, with nil as SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(err, errs.Repository, "failed to marshal json column")
	}
	return string(data), nil
}

func unmarshalMap(data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, errs.Wrap(err, errs.Repository, "failed to unmarshal metadata")
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func unmarshalInto(data sql.NullString, v any) error {
	if !data.Valid || data.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data.String), v); err != nil {
		return errs.Wrap(err, errs.Repository, "failed to unmarshal json column")
	}
	return nil
}

func repoErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(err, errs.Repository, format, args...)
}
