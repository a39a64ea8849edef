package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"PulseDispatch/internal/models"
)

// CreateJob persists a job and its targets in one transaction.
func (s *Store) CreateJob(ctx context.Context, job *models.EmailJob, targets []models.EmailTarget) error {
	vars, err := encodeMap(job.TemplateVars)
	if err != nil {
		return err
	}
	meta, err := encodeMap(job.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO email_jobs
		 (id, account_id, from_email, from_name, subject, html, text_body,
		  template_id, template_vars, recipients, provider_type, metadata,
		  status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		job.ID,
		job.AccountID,
		job.From,
		job.FromName,
		job.Subject,
		job.HTML,
		job.Text,
		job.TemplateID,
		vars,
		pq.Array(job.Recipients),
		job.ProviderType,
		meta,
		job.Status,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for _, t := range targets {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO email_targets
			 (id, job_id, email, status, retry_count, retry_limit, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
			t.ID,
			t.JobID,
			t.Email,
			t.Status,
			t.RetryCount,
			t.RetryLimit,
			t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert target %s: %w", t.Email, err)
		}
	}

	return tx.Commit()
}

const jobColumns = `id, account_id, from_email, from_name, subject, html, text_body,
	template_id, template_vars, recipients, provider_type, metadata,
	status, created_at, updated_at`

func (s *Store) GetJob(ctx context.Context, id string) (*models.EmailJob, error) {
	var (
		job        models.EmailJob
		vars, meta []byte
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, id,
	).Scan(
		&job.ID,
		&job.AccountID,
		&job.From,
		&job.FromName,
		&job.Subject,
		&job.HTML,
		&job.Text,
		&job.TemplateID,
		&vars,
		pq.Array(&job.Recipients),
		&job.ProviderType,
		&meta,
		&job.Status,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if job.TemplateVars, err = decodeMap(vars); err != nil {
		return nil, fmt.Errorf("job %s template_vars: %w", id, err)
	}
	if job.Metadata, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("job %s metadata: %w", id, err)
	}
	return &job, nil
}

// ClaimJob takes an exclusive lease on a non-terminal job for owner and moves
// it to processing. It reports false when the job is completed or failed,
// does not exist, or is leased by another owner whose lease has not expired.
func (s *Store) ClaimJob(ctx context.Context, id, owner string, lease time.Duration) (bool, error) {
	return s.execChanged(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     locked_by=$2,
		     locked_until=NOW() + make_interval(secs => $3),
		     updated_at=NOW()
		 WHERE id=$4 AND status IN ($5,$1)
		   AND (locked_until IS NULL OR locked_until < NOW())`,
		models.JobProcessing,
		owner,
		lease.Seconds(),
		id,
		models.JobPending,
	)
}

// RenewJob extends owner's lease and bumps updated_at. It reports false once
// the lease belongs to someone else.
func (s *Store) RenewJob(ctx context.Context, id, owner string, lease time.Duration) (bool, error) {
	return s.execChanged(ctx,
		`UPDATE email_jobs
		 SET locked_until=NOW() + make_interval(secs => $1),
		     updated_at=NOW()
		 WHERE id=$2 AND locked_by=$3`,
		lease.Seconds(),
		id,
		owner,
	)
}

// ReleaseJob drops owner's lease so the next delivery can claim the job
// immediately.
func (s *Store) ReleaseJob(ctx context.Context, id, owner string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE email_jobs
		 SET locked_by=NULL,
		     locked_until=NULL
		 WHERE id=$1 AND locked_by=$2`,
		id,
		owner,
	)
	return err
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     updated_at=NOW()
		 WHERE id=$2`,
		status,
		id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListStaleJobs returns non-terminal jobs untouched since before cutoff,
// oldest first.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM email_jobs
		 WHERE status IN ($1,$2) AND updated_at < $3
		 ORDER BY updated_at
		 LIMIT $4`,
		models.JobPending,
		models.JobProcessing,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchJob bumps updated_at so the stale sweep leaves the job alone for
// another interval.
func (s *Store) TouchJob(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE email_jobs SET updated_at=NOW() WHERE id=$1`, id)
	return err
}
