package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"boa/internal/errs"
)

// CreateCheckpoint records a persisted surrogate snapshot.
func (s *Store) CreateCheckpoint(ctx context.Context, c *Checkpoint) error {
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	if c.Meta == nil {
		c.Meta = map[string]any{}
	}
	metaJSON, err := marshalMap(c.Meta)
	if err != nil {
		return err
	}
	var iterationID any
	if c.IterationID != nil {
		iterationID = *c.IterationID
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO checkpoints (id, campaign_id, iteration_id, path, size_bytes, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CampaignID, iterationID, c.Path, c.SizeBytes, metaJSON, c.CreatedAt); err != nil {
		return repoErr(err, "failed to insert checkpoint for campaign %s", c.CampaignID)
	}
	return nil
}

// ListCheckpoints returns a campaign's checkpoint records, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, campaignID string) ([]*Checkpoint, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, campaign_id, iteration_id, path, size_bytes, metadata, created_at
		FROM checkpoints WHERE campaign_id = ? ORDER BY created_at, rowid`, campaignID)
	if err != nil {
		return nil, repoErr(err, "failed to list checkpoints of campaign %s", campaignID)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var (
			c           Checkpoint
			iterationID sql.NullString
			sizeBytes   sql.NullInt64
			metaJSON    string
		)
		if err := rows.Scan(&c.ID, &c.CampaignID, &iterationID, &c.Path, &sizeBytes, &metaJSON, &c.CreatedAt); err != nil {
			return nil, repoErr(err, "failed to scan checkpoint row")
		}
		if iterationID.Valid {
			v := iterationID.String
			c.IterationID = &v
		}
		if sizeBytes.Valid {
			c.SizeBytes = sizeBytes.Int64
		}
		if c.Meta, err = unmarshalMap(metaJSON); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CreateArtifact records a generic named file.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()
	if a.Meta == nil {
		a.Meta = map[string]any{}
	}
	metaJSON, err := marshalMap(a.Meta)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO artifacts (id, campaign_id, name, type, mime_type, path, size_bytes, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CampaignID, a.Name, a.Type, a.MimeType, a.Path, a.SizeBytes, metaJSON, a.CreatedAt); err != nil {
		return repoErr(err, "failed to insert artifact %s", a.Name)
	}
	return nil
}

// ListArtifacts returns a campaign's artifacts, optionally filtered by
// type tag, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, campaignID, artifactType string) ([]*Artifact, error) {
	query := `SELECT id, campaign_id, name, type, mime_type, path, size_bytes, metadata, created_at
		FROM artifacts WHERE campaign_id = ?`
	args := []any{campaignID}
	if artifactType != "" {
		query += " AND type = ?"
		args = append(args, artifactType)
	}
	query += " ORDER BY created_at, rowid"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, repoErr(err, "failed to list artifacts of campaign %s", campaignID)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var (
			a         Artifact
			sizeBytes sql.NullInt64
			metaJSON  string
		)
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.Name, &a.Type, &a.MimeType, &a.Path, &sizeBytes, &metaJSON, &a.CreatedAt); err != nil {
			return nil, repoErr(err, "failed to scan artifact row")
		}
		if sizeBytes.Valid {
			a.SizeBytes = sizeBytes.Int64
		}
		if a.Meta, err = unmarshalMap(metaJSON); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetArtifact returns the artifact by ID.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	var (
		a         Artifact
		sizeBytes sql.NullInt64
		metaJSON  string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, campaign_id, name, type, mime_type, path, size_bytes, metadata, created_at
		FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &a.CampaignID, &a.Name, &a.Type, &a.MimeType, &a.Path, &sizeBytes, &metaJSON, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "artifact %s does not exist", id)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load artifact %s", id)
	}
	if sizeBytes.Valid {
		a.SizeBytes = sizeBytes.Int64
	}
	if a.Meta, err = unmarshalMap(metaJSON); err != nil {
		return nil, err
	}
	return &a, nil
}
