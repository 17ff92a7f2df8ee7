package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boa/internal/errs"
)

// EnqueueJob creates a PENDING job.
func (s *Store) EnqueueJob(ctx context.Context, jobType JobType, params map[string]any, campaignID string) (*Job, error) {
	paramsJSON, err := marshalMap(params)
	if err != nil {
		return nil, err
	}
	j := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    JobPending,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	if j.Params == nil {
		j.Params = map[string]any{}
	}
	var campaign any
	if campaignID != "" {
		j.CampaignID = &campaignID
		campaign = campaignID
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO jobs (id, campaign_id, type, status, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, campaign, string(j.Type), string(j.Status), paramsJSON, j.CreatedAt); err != nil {
		return nil, repoErr(err, "failed to enqueue %s job", jobType)
	}
	s.log.Info("job enqueued", zap.String("job", j.ID), zap.String("type", string(jobType)))
	return j, nil
}

const jobColumns = "id, campaign_id, type, status, params, result, error, progress, created_at, started_at, completed_at"

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j          Job
		campaignID sql.NullString
		jobType    string
		status     string
		paramsJSON string
		resultJSON sql.NullString
		progress   sql.NullFloat64
		startedAt  sql.NullTime
		completed  sql.NullTime
	)
	err := row.Scan(&j.ID, &campaignID, &jobType, &status, &paramsJSON, &resultJSON, &j.Error, &progress, &j.CreatedAt, &startedAt, &completed)
	if err != nil {
		return nil, err
	}
	if campaignID.Valid {
		v := campaignID.String
		j.CampaignID = &v
	}
	j.Type = JobType(jobType)
	j.Status = JobStatus(status)
	if j.Params, err = unmarshalMap(paramsJSON); err != nil {
		return nil, err
	}
	if resultJSON.Valid {
		if j.Result, err = unmarshalMap(resultJSON.String); err != nil {
			return nil, err
		}
	}
	if progress.Valid {
		v := progress.Float64
		j.Progress = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// GetJob returns the job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.JobNotFound, "job %s does not exist", id)
	}
	if err != nil {
		return nil, repoErr(err, "failed to load job %s", id)
	}
	return j, nil
}

// DequeueJob atomically claims the oldest PENDING job, transitioning it to
// RUNNING. Returns nil without mutation when the queue is empty; no two
// workers ever claim the same job.
func (s *Store) DequeueJob(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := s.WithTx(ctx, func(tx *Store) error {
		row := tx.q.QueryRowContext(ctx,
			"SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at, rowid LIMIT 1",
			string(JobPending))
		j, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return repoErr(err, "failed to read pending jobs")
		}

		now := time.Now().UTC()
		res, err := tx.q.ExecContext(ctx,
			"UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?",
			string(JobRunning), now, j.ID, string(JobPending))
		if err != nil {
			return repoErr(err, "failed to claim job %s", j.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Raced with another worker; the next poll retries.
			return nil
		}
		j.Status = JobRunning
		j.StartedAt = &now
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.log.Info("job dequeued", zap.String("job", claimed.ID), zap.String("type", string(claimed.Type)))
	}
	return claimed, nil
}

// CompleteJob transitions a RUNNING job to COMPLETED with full progress.
func (s *Store) CompleteJob(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := marshalMap(result)
	if err != nil {
		return err
	}
	return s.finishJob(ctx, id, JobCompleted, resultJSON, "")
}

// FailJob transitions a RUNNING job to FAILED with the error message.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.finishJob(ctx, id, JobFailed, "", errMsg)
}

func (s *Store) finishJob(ctx context.Context, id string, status JobStatus, resultJSON, errMsg string) error {
	return s.WithTx(ctx, func(tx *Store) error {
		j, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if j.Status != JobRunning {
			return errs.New(errs.Validation, "job %s is %s, not RUNNING", id, j.Status)
		}
		var result any
		if resultJSON != "" {
			result = resultJSON
		}
		// A failed job keeps its last reported progress.
		query := "UPDATE jobs SET status = ?, result = ?, error = ?, completed_at = ? WHERE id = ?"
		if status == JobCompleted {
			query = "UPDATE jobs SET status = ?, result = ?, error = ?, completed_at = ?, progress = 1.0 WHERE id = ?"
		}
		if _, err := tx.q.ExecContext(ctx, query,
			string(status), result, errMsg, time.Now().UTC(), id); err != nil {
			return repoErr(err, "failed to finish job %s", id)
		}
		return nil
	})
}

// CancelJob cancels a PENDING job. Cancelling a RUNNING job fails
// JobAlreadyRunning; cancelling a terminal job is a no-op.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Store) error {
		j, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case j.Status.Terminal():
			return nil
		case j.Status == JobRunning:
			return errs.New(errs.JobAlreadyRunning, "job %s is already running", id)
		}
		if _, err := tx.q.ExecContext(ctx,
			"UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?",
			string(JobCancelled), time.Now().UTC(), id); err != nil {
			return repoErr(err, "failed to cancel job %s", id)
		}
		return nil
	})
}

// UpdateJobProgress sets progress, clamped to [0,1].
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	res, err := s.q.ExecContext(ctx, "UPDATE jobs SET progress = ? WHERE id = ?", progress, id)
	if err != nil {
		return repoErr(err, "failed to update progress of job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.JobNotFound, "job %s does not exist", id)
	}
	return nil
}

// ListJobs filters by campaign, status and type; empty filters match all.
func (s *Store) ListJobs(ctx context.Context, campaignID string, status JobStatus, jobType JobType, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	var args []any
	if campaignID != "" {
		query += " AND campaign_id = ?"
		args = append(args, campaignID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if jobType != "" {
		query += " AND type = ?"
		args = append(args, string(jobType))
	}
	query += " ORDER BY created_at, rowid LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, repoErr(err, "failed to list jobs")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, repoErr(err, "failed to scan job row")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs returns the number of jobs in the given status.
func (s *Store) CountJobs(ctx context.Context, status JobStatus) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", string(status)).Scan(&n)
	if err != nil {
		return 0, repoErr(err, "failed to count %s jobs", status)
	}
	return n, nil
}

// CleanupStaleJobs fails RUNNING jobs whose start is older than maxAge,
// reclaiming work lost to crashed workers.
func (s *Store) CleanupStaleJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.q.ExecContext(ctx,
		"UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE status = ? AND started_at < ?",
		string(JobFailed), "reclaimed: worker exceeded stale threshold", time.Now().UTC(), string(JobRunning), cutoff)
	if err != nil {
		return 0, repoErr(err, "failed to clean up stale jobs")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn("reclaimed stale jobs", zap.Int64("count", n))
	}
	return int(n), nil
}

// CleanupCompletedJobs retains only the keepLast most recent terminal jobs.
func (s *Store) CleanupCompletedJobs(ctx context.Context, keepLast int) (int, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?, ?, ?) AND id NOT IN (
			SELECT id FROM jobs WHERE status IN (?, ?, ?)
			ORDER BY completed_at DESC, rowid DESC LIMIT ?
		)`,
		string(JobCompleted), string(JobFailed), string(JobCancelled),
		string(JobCompleted), string(JobFailed), string(JobCancelled), keepLast)
	if err != nil {
		return 0, repoErr(err, "failed to clean up completed jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
