package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/passportd/passportd/pkg/engine"
)

const anchorJobColumns = `id, protocol_id, unit_id, edge, actor, status, attempts, content_id,
	txn_hash, last_error, next_attempt_at, created_at, updated_at`

// EnqueueAnchorJob inserts a job unless one with the same ID already exists.
func (s *SQLiteStore) EnqueueAnchorJob(ctx context.Context, job *engine.AnchorJob) (*engine.AnchorJob, bool, error) {
	query := `
		INSERT INTO anchor_jobs (` + anchorJobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	result, err := s.q.ExecContext(ctx, query,
		job.ID,
		job.ProtocolID,
		job.UnitID,
		job.Edge,
		job.Actor,
		string(job.Status),
		job.Attempts,
		job.ContentID,
		job.TxnHash,
		job.LastError,
		formatTime(job.NextAttemptAt),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue anchor job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		stored := *job
		return &stored, true, nil
	}

	existing, err := s.GetAnchorJob(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetAnchorJob retrieves an anchoring job by ID
func (s *SQLiteStore) GetAnchorJob(ctx context.Context, id string) (*engine.AnchorJob, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+anchorJobColumns+` FROM anchor_jobs WHERE id = ?`, id)
	job, err := scanAnchorJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("anchor job not found: %s", id)).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anchor job: %w", err)
	}
	return job, nil
}

// ClaimAnchorJobs selects due pending jobs and leases them in one transaction.
func (s *SQLiteStore) ClaimAnchorJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*engine.AnchorJob, error) {
	var claimed []*engine.AnchorJob

	err := s.InTx(ctx, func(tx engine.Storage) error {
		ts := tx.(*SQLiteStore)

		query := `
			SELECT ` + anchorJobColumns + `
			FROM anchor_jobs
			WHERE status = ? AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC
			LIMIT ?
		`
		rows, err := ts.q.QueryContext(ctx, query, string(engine.AnchorJobPending), formatTime(now), limit)
		if err != nil {
			return fmt.Errorf("failed to select anchor jobs: %w", err)
		}

		jobs := make([]*engine.AnchorJob, 0)
		for rows.Next() {
			job, err := scanAnchorJob(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan anchor job: %w", err)
			}
			jobs = append(jobs, job)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to iterate anchor jobs: %w", err)
		}
		_ = rows.Close()

		leasedUntil := now.Add(lease)
		for _, job := range jobs {
			_, err := ts.q.ExecContext(ctx,
				`UPDATE anchor_jobs SET next_attempt_at = ?, updated_at = ? WHERE id = ?`,
				formatTime(leasedUntil), formatTime(now), job.ID)
			if err != nil {
				return fmt.Errorf("failed to lease anchor job: %w", err)
			}
			job.NextAttemptAt = leasedUntil
		}
		claimed = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateAnchorJob saves the mutable fields of a job
func (s *SQLiteStore) UpdateAnchorJob(ctx context.Context, job *engine.AnchorJob) error {
	if err := job.Status.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE anchor_jobs SET
			status = ?, attempts = ?, content_id = ?, txn_hash = ?, last_error = ?,
			next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.q.ExecContext(ctx, query,
		string(job.Status),
		job.Attempts,
		job.ContentID,
		job.TxnHash,
		job.LastError,
		formatTime(job.NextAttemptAt),
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update anchor job: %w", err)
	}
	return expectOne(result, "anchor job", job.ID)
}

// ListAnchorJobs lists jobs with an optional status filter
func (s *SQLiteStore) ListAnchorJobs(ctx context.Context, status *engine.AnchorJobStatus) ([]*engine.AnchorJob, error) {
	query := `
		SELECT ` + anchorJobColumns + `
		FROM anchor_jobs
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at ASC
	`

	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}

	rows, err := s.q.QueryContext(ctx, query, statusArg, statusArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list anchor jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*engine.AnchorJob, 0)
	for rows.Next() {
		job, err := scanAnchorJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anchor job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate anchor jobs: %w", err)
	}
	return jobs, nil
}

func scanAnchorJob(row scanner) (*engine.AnchorJob, error) {
	var (
		job                               engine.AnchorJob
		status                            string
		nextAttempt, createdAt, updatedAt string
	)
	err := row.Scan(
		&job.ID,
		&job.ProtocolID,
		&job.UnitID,
		&job.Edge,
		&job.Actor,
		&status,
		&job.Attempts,
		&job.ContentID,
		&job.TxnHash,
		&job.LastError,
		&nextAttempt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = engine.AnchorJobStatus(status)
	if job.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
