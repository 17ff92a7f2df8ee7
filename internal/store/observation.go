package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"boa/internal/errs"
)

// CreateObservation persists one result row, filling ID and CreatedAt. An
// unset ObservedAt defaults to now.
func (s *Store) CreateObservation(ctx context.Context, o *Observation) error {
	o.ID = uuid.NewString()
	o.CreatedAt = time.Now().UTC()
	if o.ObservedAt.IsZero() {
		o.ObservedAt = o.CreatedAt
	}
	if o.Source == "" {
		o.Source = "user"
	}
	if o.Meta == nil {
		o.Meta = map[string]any{}
	}

	xJSON, err := marshalJSON(o.X)
	if err != nil {
		return err
	}
	encodedJSON, err := marshalJSON(o.Encoded)
	if err != nil {
		return err
	}
	yJSON, err := marshalY(o.Y)
	if err != nil {
		return err
	}
	metaJSON, err := marshalMap(o.Meta)
	if err != nil {
		return err
	}

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO observations (id, campaign_id, x_raw, encoded, y, source, observed_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CampaignID, xJSON, encodedJSON, yJSON, o.Source, o.ObservedAt, metaJSON, o.CreatedAt); err != nil {
		return repoErr(err, "failed to insert observation for campaign %s", o.CampaignID)
	}
	return nil
}

// marshalY renders the objective map with non-finite cells as null, the
// same convention the dataset fingerprint uses. NaN is how a failed
// measurement is recorded, and JSON has no literal for it.
func marshalY(y map[string]float64) (string, error) {
	cells := make(map[string]any, len(y))
	for name, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			cells[name] = nil
		} else {
			cells[name] = v
		}
	}
	data, err := json.Marshal(cells)
	if err != nil {
		return "", errs.Wrap(err, errs.Repository, "failed to marshal objective values")
	}
	return string(data), nil
}

// unmarshalY decodes the objective column, null cells back to NaN.
func unmarshalY(data string) (map[string]float64, error) {
	var cells map[string]*float64
	if err := json.Unmarshal([]byte(data), &cells); err != nil {
		return nil, errs.Wrap(err, errs.Repository, "failed to unmarshal objective values")
	}
	out := make(map[string]float64, len(cells))
	for name, v := range cells {
		if v == nil {
			out[name] = math.NaN()
		} else {
			out[name] = *v
		}
	}
	return out, nil
}

const observationColumns = "id, campaign_id, x_raw, encoded, y, source, observed_at, metadata, created_at"

func scanObservation(row interface{ Scan(...any) error }) (*Observation, error) {
	var (
		o           Observation
		xJSON       string
		encodedJSON sql.NullString
		yJSON       string
		metaJSON    string
	)
	err := row.Scan(&o.ID, &o.CampaignID, &xJSON, &encodedJSON, &yJSON, &o.Source, &o.ObservedAt, &metaJSON, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInto(sql.NullString{String: xJSON, Valid: true}, &o.X); err != nil {
		return nil, err
	}
	if err := unmarshalInto(encodedJSON, &o.Encoded); err != nil {
		return nil, err
	}
	if o.Y, err = unmarshalY(yJSON); err != nil {
		return nil, err
	}
	if o.Meta, err = unmarshalMap(metaJSON); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetObservation returns the observation by ID.
func (s *Store) GetObservation(ctx context.Context, id string) (*Observation, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+observationColumns+" FROM observations WHERE id = ?", id)
	o, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "observation %s does not exist", id)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load observation %s", id)
	}
	return o, nil
}

// ListObservations returns a campaign's observations ordered by
// observed_at, ties broken by insertion order.
func (s *Store) ListObservations(ctx context.Context, campaignID string) ([]*Observation, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+observationColumns+" FROM observations WHERE campaign_id = ? ORDER BY observed_at, rowid", campaignID)
	if err != nil {
		return nil, repoErr(err, "failed to list observations of campaign %s", campaignID)
	}
	defer rows.Close()

	var out []*Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, repoErr(err, "failed to scan observation row")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountObservations returns the campaign's observation count.
func (s *Store) CountObservations(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM observations WHERE campaign_id = ?", campaignID).Scan(&n)
	if err != nil {
		return 0, repoErr(err, "failed to count observations of campaign %s", campaignID)
	}
	return n, nil
}
