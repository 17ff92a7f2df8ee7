package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boa/internal/errs"
)

// CreateProcess inserts a new version of the named process. Any prior
// active version of the same name is deactivated in the same transaction,
// so active-version uniqueness holds at all times.
func (s *Store) CreateProcess(ctx context.Context, name, specText, specJSON, description string, meta map[string]any) (*Process, error) {
	var created *Process
	err := s.WithTx(ctx, func(tx *Store) error {
		var maxVersion sql.NullInt64
		err := tx.q.QueryRowContext(ctx, "SELECT MAX(version) FROM processes WHERE name = ?", name).Scan(&maxVersion)
		if err != nil {
			return repoErr(err, "failed to look up versions of %s", name)
		}
		version := 1
		if maxVersion.Valid {
			version = int(maxVersion.Int64) + 1
		}

		now := time.Now().UTC()
		if _, err := tx.q.ExecContext(ctx,
			"UPDATE processes SET is_active = 0, updated_at = ? WHERE name = ? AND is_active = 1", now, name); err != nil {
			return repoErr(err, "failed to deactivate prior versions of %s", name)
		}

		metaJSON, err := marshalMap(meta)
		if err != nil {
			return err
		}
		p := &Process{
			ID:          uuid.NewString(),
			Name:        name,
			Version:     version,
			SpecText:    specText,
			SpecJSON:    specJSON,
			IsActive:    true,
			Description: description,
			Meta:        meta,
			CreatedAt:   now,
		}
		if p.Meta == nil {
			p.Meta = map[string]any{}
		}
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO processes (id, name, version, spec_text, spec_json, is_active, description, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			p.ID, p.Name, p.Version, p.SpecText, p.SpecJSON, p.Description, metaJSON, p.CreatedAt); err != nil {
			return repoErr(err, "failed to insert process %s", name)
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("process created",
		zap.String("name", created.Name), zap.Int("version", created.Version))
	return created, nil
}

const processColumns = "id, name, version, spec_text, spec_json, is_active, description, metadata, created_at, updated_at"

func scanProcess(row interface{ Scan(...any) error }) (*Process, error) {
	var (
		p         Process
		active    int
		metaJSON  string
		updatedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.SpecText, &p.SpecJSON, &active, &p.Description, &metaJSON, &p.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.IsActive = active != 0
	if updatedAt.Valid {
		t := updatedAt.Time
		p.UpdatedAt = &t
	}
	p.Meta, err = unmarshalMap(metaJSON)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProcess returns the process by ID.
func (s *Store) GetProcess(ctx context.Context, id string) (*Process, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+processColumns+" FROM processes WHERE id = ?", id)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "process %s does not exist", id)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load process %s", id)
	}
	return p, nil
}

// GetProcessByNameVersion returns one specific version.
func (s *Store) GetProcessByNameVersion(ctx context.Context, name string, version int) (*Process, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+processColumns+" FROM processes WHERE name = ? AND version = ?", name, version)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "process %s version %d does not exist", name, version)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load process %s v%d", name, version)
	}
	return p, nil
}

// ActiveProcess returns the active version of the named process.
func (s *Store) ActiveProcess(ctx context.Context, name string) (*Process, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+processColumns+" FROM processes WHERE name = ? AND is_active = 1", name)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "process %s has no active version", name)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load active process %s", name)
	}
	return p, nil
}

// ListProcesses returns processes ordered by name then version.
func (s *Store) ListProcesses(ctx context.Context, limit, offset int) ([]*Process, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+processColumns+" FROM processes ORDER BY name, version LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, repoErr(err, "failed to list processes")
	}
	defer rows.Close()

	var out []*Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, repoErr(err, "failed to scan process row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProcess sets the mutable fields: description and metadata.
func (s *Store) UpdateProcess(ctx context.Context, id, description string, meta map[string]any) error {
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE processes SET description = ?, metadata = ?, updated_at = ? WHERE id = ?",
		description, metaJSON, time.Now().UTC(), id)
	if err != nil {
		return repoErr(err, "failed to update process %s", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "process %s does not exist", id)
	}
	return nil
}

// DeleteProcess removes a process that no campaign references.
func (s *Store) DeleteProcess(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Store) error {
		var count int
		if err := tx.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns WHERE process_id = ?", id).Scan(&count); err != nil {
			return repoErr(err, "failed to count campaigns of process %s", id)
		}
		if count > 0 {
			return errs.New(errs.Validation, "process %s is referenced by %d campaign(s)", id, count)
		}
		res, err := tx.q.ExecContext(ctx, "DELETE FROM processes WHERE id = ?", id)
		if err != nil {
			return repoErr(err, "failed to delete process %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, "process %s does not exist", id)
		}
		return nil
	})
}
