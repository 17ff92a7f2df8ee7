package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"boa/internal/errs"
)

// CreateIteration inserts one iteration row. Index uniqueness within the
// campaign is DB-enforced; callers derive the index via NextIterationIndex
// inside the same transaction.
func (s *Store) CreateIteration(ctx context.Context, campaignID string, index int, datasetHash string, meta map[string]any) (*Iteration, error) {
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return nil, err
	}
	it := &Iteration{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		Index:       index,
		DatasetHash: datasetHash,
		Meta:        meta,
		CreatedAt:   time.Now().UTC(),
	}
	if it.Meta == nil {
		it.Meta = map[string]any{}
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO iterations (id, campaign_id, idx, dataset_hash, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		it.ID, it.CampaignID, it.Index, it.DatasetHash, metaJSON, it.CreatedAt); err != nil {
		return nil, repoErr(err, "failed to insert iteration %d for campaign %s", index, campaignID)
	}
	return it, nil
}

const iterationColumns = "id, campaign_id, idx, dataset_hash, metadata, created_at"

func scanIteration(row interface{ Scan(...any) error }) (*Iteration, error) {
	var (
		it       Iteration
		metaJSON string
	)
	err := row.Scan(&it.ID, &it.CampaignID, &it.Index, &it.DatasetHash, &metaJSON, &it.CreatedAt)
	if err != nil {
		return nil, err
	}
	it.Meta, err = unmarshalMap(metaJSON)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// GetIteration returns the iteration by ID.
func (s *Store) GetIteration(ctx context.Context, id string) (*Iteration, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+iterationColumns+" FROM iterations WHERE id = ?", id)
	it, err := scanIteration(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "iteration %s does not exist", id)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load iteration %s", id)
	}
	return it, nil
}

// GetIterationByIndex returns a campaign's iteration at the given index.
func (s *Store) GetIterationByIndex(ctx context.Context, campaignID string, index int) (*Iteration, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+iterationColumns+" FROM iterations WHERE campaign_id = ? AND idx = ?", campaignID, index)
	it, err := scanIteration(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "campaign %s has no iteration %d", campaignID, index)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load iteration %d of campaign %s", index, campaignID)
	}
	return it, nil
}

// LatestIteration returns the most recent iteration, or nil when the
// campaign has none.
func (s *Store) LatestIteration(ctx context.Context, campaignID string) (*Iteration, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+iterationColumns+" FROM iterations WHERE campaign_id = ? ORDER BY idx DESC LIMIT 1", campaignID)
	it, err := scanIteration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr(err, "failed to load latest iteration of campaign %s", campaignID)
	}
	return it, nil
}

// NextIterationIndex returns the index the next iteration must take.
func (s *Store) NextIterationIndex(ctx context.Context, campaignID string) (int, error) {
	var maxIdx sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		"SELECT MAX(idx) FROM iterations WHERE campaign_id = ?", campaignID).Scan(&maxIdx)
	if err != nil {
		return 0, repoErr(err, "failed to read iteration indices of campaign %s", campaignID)
	}
	if !maxIdx.Valid {
		return 0, nil
	}
	return int(maxIdx.Int64) + 1, nil
}

// ListIterations returns a campaign's iterations in index order.
func (s *Store) ListIterations(ctx context.Context, campaignID string) ([]*Iteration, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+iterationColumns+" FROM iterations WHERE campaign_id = ? ORDER BY idx", campaignID)
	if err != nil {
		return nil, repoErr(err, "failed to list iterations of campaign %s", campaignID)
	}
	defer rows.Close()

	var out []*Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, repoErr(err, "failed to scan iteration row")
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CreateProposal persists one strategy's candidates, filling ID and
// CreatedAt on the way in.
func (s *Store) CreateProposal(ctx context.Context, p *Proposal) error {
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	if p.Meta == nil {
		p.Meta = map[string]any{}
	}

	rawJSON, err := marshalJSON(p.Raw)
	if err != nil {
		return err
	}
	encodedJSON, err := marshalJSON(p.Encoded)
	if err != nil {
		return err
	}
	acqJSON, err := marshalJSON(p.AcqScores)
	if err != nil {
		return err
	}
	predJSON, err := marshalJSON(p.Predictions)
	if err != nil {
		return err
	}
	metaJSON, err := marshalMap(p.Meta)
	if err != nil {
		return err
	}

	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO proposals (id, iteration_id, strategy, raw, encoded, acq_scores, predictions, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.IterationID, p.Strategy, rawJSON, encodedJSON, acqJSON, predJSON, metaJSON, p.CreatedAt); err != nil {
		return repoErr(err, "failed to insert proposal for iteration %s", p.IterationID)
	}
	return nil
}

const proposalColumns = "id, iteration_id, strategy, raw, encoded, acq_scores, predictions, metadata, created_at"

func scanProposal(row interface{ Scan(...any) error }) (*Proposal, error) {
	var (
		p                          Proposal
		rawJSON                    string
		encodedJSON, acqJSON, pred sql.NullString
		metaJSON                   string
	)
	err := row.Scan(&p.ID, &p.IterationID, &p.Strategy, &rawJSON, &encodedJSON, &acqJSON, &pred, &metaJSON, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInto(sql.NullString{String: rawJSON, Valid: true}, &p.Raw); err != nil {
		return nil, err
	}
	if err := unmarshalInto(encodedJSON, &p.Encoded); err != nil {
		return nil, err
	}
	if err := unmarshalInto(acqJSON, &p.AcqScores); err != nil {
		return nil, err
	}
	if err := unmarshalInto(pred, &p.Predictions); err != nil {
		return nil, err
	}
	if p.Meta, err = unmarshalMap(metaJSON); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProposal returns the proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+proposalColumns+" FROM proposals WHERE id = ?", id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "proposal %s does not exist", id)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load proposal %s", id)
	}
	return p, nil
}

// ListProposals returns an iteration's proposals in insertion order.
func (s *Store) ListProposals(ctx context.Context, iterationID string) ([]*Proposal, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+proposalColumns+" FROM proposals WHERE iteration_id = ? ORDER BY created_at, rowid", iterationID)
	if err != nil {
		return nil, repoErr(err, "failed to list proposals of iteration %s", iterationID)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, repoErr(err, "failed to scan proposal row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateDecision records the single decision of an iteration, failing
// DecisionAlreadyExists when one is present.
func (s *Store) CreateDecision(ctx context.Context, d *Decision) error {
	return s.WithTx(ctx, func(tx *Store) error {
		var existing string
		err := tx.q.QueryRowContext(ctx,
			"SELECT id FROM decisions WHERE iteration_id = ?", d.IterationID).Scan(&existing)
		if err == nil {
			return errs.New(errs.DecisionAlreadyExists, "iteration %s already has decision %s", d.IterationID, existing)
		}
		if err != sql.ErrNoRows {
			return repoErr(err, "failed to probe decision of iteration %s", d.IterationID)
		}

		d.ID = uuid.NewString()
		d.CreatedAt = time.Now().UTC()
		if d.Meta == nil {
			d.Meta = map[string]any{}
		}
		acceptedJSON, err := marshalJSON(d.Accepted)
		if err != nil {
			return err
		}
		metaJSON, err := marshalMap(d.Meta)
		if err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO decisions (id, iteration_id, accepted, notes, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			d.ID, d.IterationID, acceptedJSON, d.Notes, metaJSON, d.CreatedAt); err != nil {
			return repoErr(err, "failed to insert decision for iteration %s", d.IterationID)
		}
		return nil
	})
}

const decisionColumns = "id, iteration_id, accepted, notes, metadata, created_at"

// GetDecisionByIteration returns the iteration's decision, or nil.
func (s *Store) GetDecisionByIteration(ctx context.Context, iterationID string) (*Decision, error) {
	var (
		d            Decision
		acceptedJSON string
		metaJSON     string
	)
	err := s.q.QueryRowContext(ctx,
		"SELECT "+decisionColumns+" FROM decisions WHERE iteration_id = ?", iterationID).
		Scan(&d.ID, &d.IterationID, &acceptedJSON, &d.Notes, &metaJSON, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr(err, "failed to load decision of iteration %s", iterationID)
	}
	if err := unmarshalInto(sql.NullString{String: acceptedJSON, Valid: true}, &d.Accepted); err != nil {
		return nil, err
	}
	if d.Meta, err = unmarshalMap(metaJSON); err != nil {
		return nil, err
	}
	return &d, nil
}
