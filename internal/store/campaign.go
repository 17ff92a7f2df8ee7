package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boa/internal/errs"
)

// CreateCampaign opens a new campaign bound to a process, in CREATED.
func (s *Store) CreateCampaign(ctx context.Context, processID, name, description string, overrides, meta map[string]any) (*Campaign, error) {
	if _, err := s.GetProcess(ctx, processID); err != nil {
		return nil, err
	}
	overridesJSON, err := marshalMap(overrides)
	if err != nil {
		return nil, err
	}
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return nil, err
	}
	c := &Campaign{
		ID:                uuid.NewString(),
		ProcessID:         processID,
		Name:              name,
		Description:       description,
		Status:            CampaignCreated,
		StrategyOverrides: overrides,
		Meta:              meta,
		CreatedAt:         time.Now().UTC(),
	}
	if c.StrategyOverrides == nil {
		c.StrategyOverrides = map[string]any{}
	}
	if c.Meta == nil {
		c.Meta = map[string]any{}
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO campaigns (id, process_id, name, description, status, strategy_overrides, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProcessID, c.Name, c.Description, string(c.Status), overridesJSON, metaJSON, c.CreatedAt); err != nil {
		return nil, repoErr(err, "failed to insert campaign %s", name)
	}
	s.log.Info("campaign created", zap.String("campaign", c.ID), zap.String("name", name))
	return c, nil
}

const campaignColumns = "id, process_id, name, description, status, strategy_overrides, metadata, created_at, updated_at"

func scanCampaign(row interface{ Scan(...any) error }) (*Campaign, error) {
	var (
		c             Campaign
		status        string
		overridesJSON string
		metaJSON      string
		updatedAt     sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ProcessID, &c.Name, &c.Description, &status, &overridesJSON, &metaJSON, &c.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = CampaignStatus(status)
	if updatedAt.Valid {
		t := updatedAt.Time
		c.UpdatedAt = &t
	}
	if c.StrategyOverrides, err = unmarshalMap(overridesJSON); err != nil {
		return nil, err
	}
	if c.Meta, err = unmarshalMap(metaJSON); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCampaign returns the campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "campaign %s does not exist", id)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load campaign %s", id)
	}
	return c, nil
}

// ListCampaigns filters by process and status; empty filters match all.
func (s *Store) ListCampaigns(ctx context.Context, processID string, status CampaignStatus, limit, offset int) ([]*Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + campaignColumns + " FROM campaigns WHERE 1=1"
	var args []any
	if processID != "" {
		query += " AND process_id = ?"
		args = append(args, processID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, repoErr(err, "failed to list campaigns")
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, repoErr(err, "failed to scan campaign row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCampaign sets the mutable fields: description and metadata.
func (s *Store) UpdateCampaign(ctx context.Context, id, description string, meta map[string]any) error {
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE campaigns SET description = ?, metadata = ?, updated_at = ? WHERE id = ?",
		description, metaJSON, time.Now().UTC(), id)
	if err != nil {
		return repoErr(err, "failed to update campaign %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "campaign %s does not exist", id)
	}
	return nil
}

// TransitionCampaign moves a campaign along the status graph, failing
// InvalidStateTransition for any edge not on it.
func (s *Store) TransitionCampaign(ctx context.Context, id string, to CampaignStatus) error {
	return s.WithTx(ctx, func(tx *Store) error {
		c, err := tx.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if c.Status == to {
			return nil
		}
		if !CanTransition(c.Status, to) {
			return errs.New(errs.InvalidStateTransition, "campaign %s cannot move from %s to %s", id, c.Status, to)
		}
		if _, err := tx.q.ExecContext(ctx,
			"UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?",
			string(to), time.Now().UTC(), id); err != nil {
			return repoErr(err, "failed to transition campaign %s", id)
		}
		tx.log.Info("campaign status changed",
			zap.String("campaign", id), zap.String("from", string(c.Status)), zap.String("to", string(to)))
		return nil
	})
}

// EnsureWritable checks that proposals and observations may be added,
// auto-promoting CREATED to ACTIVE on the first write.
func (s *Store) EnsureWritable(ctx context.Context, id string) error {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case CampaignActive:
		return nil
	case CampaignCreated:
		if _, err := s.q.ExecContext(ctx,
			"UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?",
			string(CampaignActive), time.Now().UTC(), id); err != nil {
			return repoErr(err, "failed to activate campaign %s", id)
		}
		return nil
	default:
		return errs.New(errs.InvalidStateTransition, "campaign %s is %s and accepts no writes", id, c.Status)
	}
}

// AcquireLock obtains or refreshes the campaign write lock. A non-expired
// lock held by someone else fails CampaignLocked with the holder and
// expiry; an expired lock counts as absent.
func (s *Store) AcquireLock(ctx context.Context, campaignID, holder string, ttl time.Duration) error {
	return s.WithTx(ctx, func(tx *Store) error {
		now := time.Now().UTC()
		var (
			current   string
			expiresAt time.Time
		)
		err := tx.q.QueryRowContext(ctx,
			"SELECT holder, expires_at FROM campaign_locks WHERE campaign_id = ?", campaignID).
			Scan(&current, &expiresAt)
		switch {
		case err == sql.ErrNoRows:
			// No lock on record.
		case err != nil:
			return repoErr(err, "failed to read lock for campaign %s", campaignID)
		case expiresAt.After(now) && current != holder:
			return errs.Locked(campaignID, current, expiresAt)
		}

		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO campaign_locks (campaign_id, holder, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (campaign_id) DO UPDATE SET holder = excluded.holder,
				acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
			campaignID, holder, now, now.Add(ttl)); err != nil {
			return repoErr(err, "failed to write lock for campaign %s", campaignID)
		}
		tx.log.Debug("lock acquired", zap.String("campaign", campaignID), zap.String("holder", holder))
		return nil
	})
}

// ReleaseLock removes the lock. With a holder given, only that holder's
// lock is removed; either way the call is idempotent.
func (s *Store) ReleaseLock(ctx context.Context, campaignID, holder string) error {
	query := "DELETE FROM campaign_locks WHERE campaign_id = ?"
	args := []any{campaignID}
	if holder != "" {
		query += " AND holder = ?"
		args = append(args, holder)
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return repoErr(err, "failed to release lock for campaign %s", campaignID)
	}
	return nil
}

// GetLock returns the current lock record, expired or not, or nil.
func (s *Store) GetLock(ctx context.Context, campaignID string) (*CampaignLock, error) {
	var l CampaignLock
	err := s.q.QueryRowContext(ctx,
		"SELECT campaign_id, holder, acquired_at, expires_at FROM campaign_locks WHERE campaign_id = ?",
		campaignID).Scan(&l.CampaignID, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr(err, "failed to read lock for campaign %s", campaignID)
	}
	return &l, nil
}

// SweepExpiredLocks deletes every expired lock and returns the count.
func (s *Store) SweepExpiredLocks(ctx context.Context) (int, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM campaign_locks WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, repoErr(err, "failed to sweep expired locks")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("swept expired locks", zap.Int64("count", n))
	}
	return int(n), nil
}
