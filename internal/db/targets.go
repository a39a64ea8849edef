package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"PulseDispatch/internal/models"
)

const targetColumns = `id, job_id, email, status, provider_id, provider_message_id,
	delivery_mode, sent_at, failure_reason, retry_count, retry_limit,
	created_at, updated_at`

func scanTarget(row interface{ Scan(...any) error }) (models.EmailTarget, error) {
	var t models.EmailTarget
	err := row.Scan(
		&t.ID,
		&t.JobID,
		&t.Email,
		&t.Status,
		&t.ProviderID,
		&t.ProviderMessageID,
		&t.DeliveryMode,
		&t.SentAt,
		&t.FailureReason,
		&t.RetryCount,
		&t.RetryLimit,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func (s *Store) queryTargets(ctx context.Context, query string, args ...any) ([]models.EmailTarget, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EmailTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTargets returns every target of a job in creation order.
func (s *Store) ListTargets(ctx context.Context, jobID string) ([]models.EmailTarget, error) {
	return s.queryTargets(ctx,
		`SELECT `+targetColumns+` FROM email_targets WHERE job_id=$1 ORDER BY created_at, email`,
		jobID,
	)
}

func (s *Store) ListPendingTargets(ctx context.Context, jobID string) ([]models.EmailTarget, error) {
	return s.queryTargets(ctx,
		`SELECT `+targetColumns+` FROM email_targets WHERE job_id=$1 AND status=$2 ORDER BY created_at, email`,
		jobID,
		models.TargetPending,
	)
}

// The mutations below only touch pending targets, so a terminal target can
// never be moved by a redelivered or concurrent pass. Each reports whether
// the row changed.

func (s *Store) MarkTargetSent(
	ctx context.Context,
	id string,
	providerID, messageID *string,
	mode models.DeliveryMode,
	at time.Time,
) (bool, error) {
	return s.execChanged(ctx,
		`UPDATE email_targets
		 SET status=$1,
		     provider_id=$2,
		     provider_message_id=$3,
		     delivery_mode=$4,
		     sent_at=$5,
		     failure_reason=NULL,
		     updated_at=NOW()
		 WHERE id=$6 AND status=$7`,
		models.TargetSent,
		providerID,
		messageID,
		mode,
		at,
		id,
		models.TargetPending,
	)
}

func (s *Store) MarkTargetBlocked(ctx context.Context, id, reason string) (bool, error) {
	return s.execChanged(ctx,
		`UPDATE email_targets
		 SET status=$1,
		     failure_reason=$2,
		     updated_at=NOW()
		 WHERE id=$3 AND status=$4`,
		models.TargetBlocked,
		reason,
		id,
		models.TargetPending,
	)
}

// FailTarget fails a target permanently without consuming a retry.
func (s *Store) FailTarget(ctx context.Context, id string, providerID *string, reason string) (bool, error) {
	return s.execChanged(ctx,
		`UPDATE email_targets
		 SET status=$1,
		     provider_id=COALESCE($2, provider_id),
		     failure_reason=$3,
		     updated_at=NOW()
		 WHERE id=$4 AND status=$5`,
		models.TargetFailed,
		providerID,
		reason,
		id,
		models.TargetPending,
	)
}

// RecordTargetFailure counts one failed attempt. The target returns to
// pending while attempts remain and becomes failed once retry_count reaches
// retry_limit. It returns models.ErrNotFound when the target was no longer
// pending.
func (s *Store) RecordTargetFailure(
	ctx context.Context,
	id string,
	providerID *string,
	reason string,
) (models.TargetStatus, int, error) {
	var (
		status models.TargetStatus
		count  int
	)
	err := s.DB.QueryRowContext(ctx,
		`UPDATE email_targets
		 SET retry_count=retry_count+1,
		     status=CASE WHEN retry_count+1 >= retry_limit THEN $1 ELSE $2 END,
		     provider_id=COALESCE($3, provider_id),
		     failure_reason=$4,
		     updated_at=NOW()
		 WHERE id=$5 AND status=$2
		 RETURNING status, retry_count`,
		models.TargetFailed,
		models.TargetPending,
		providerID,
		reason,
		id,
	).Scan(&status, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, models.ErrNotFound
	}
	return status, count, err
}

// CancelPendingTargets fails every pending target of a job with reason.
func (s *Store) CancelPendingTargets(ctx context.Context, jobID, reason string) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE email_targets
		 SET status=$1,
		     failure_reason=$2,
		     updated_at=NOW()
		 WHERE job_id=$3 AND status=$4`,
		models.TargetFailed,
		reason,
		jobID,
		models.TargetPending,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReopenFailedTargets returns a job's failed targets to pending with extra
// attempts on top of what they already used. retry_count is left as is.
func (s *Store) ReopenFailedTargets(ctx context.Context, jobID string, extra int) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE email_targets
		 SET status=$1,
		     retry_limit=retry_count+$2,
		     updated_at=NOW()
		 WHERE job_id=$3 AND status=$4`,
		models.TargetPending,
		extra,
		jobID,
		models.TargetFailed,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountTargets(ctx context.Context, jobID string) (models.TargetCounts, error) {
	var c models.TargetCounts
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM email_targets WHERE job_id=$1 GROUP BY status`,
		jobID,
	)
	if err != nil {
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.TargetStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch status {
		case models.TargetPending:
			c.Pending = n
		case models.TargetSent:
			c.Sent = n
		case models.TargetFailed:
			c.Failed = n
		case models.TargetBlocked:
			c.Blocked = n
		}
	}
	return c, rows.Err()
}

func (s *Store) execChanged(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
