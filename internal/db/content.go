package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"PulseDispatch/internal/models"
)

func (s *Store) GetTemplate(ctx context.Context, accountID, id string) (*models.Template, error) {
	var t models.Template
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, account_id, name, subject, html, text_body, variables, active
		 FROM templates
		 WHERE id=$1 AND account_id=$2`,
		id,
		accountID,
	).Scan(
		&t.ID,
		&t.AccountID,
		&t.Name,
		&t.Subject,
		&t.HTML,
		&t.Text,
		pq.Array(&t.Variables),
		&t.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SuppressedAmong returns the subset of emails on the account's suppression
// list. Addresses are compared lowercased.
func (s *Store) SuppressedAmong(ctx context.Context, accountID string, emails []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(emails) == 0 {
		return out, nil
	}

	lowered := make([]string, len(emails))
	for i, e := range emails {
		lowered[i] = strings.ToLower(e)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT email FROM suppressions
		 WHERE account_id=$1 AND LOWER(email) = ANY($2)`,
		accountID,
		pq.Array(lowered),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out[strings.ToLower(email)] = true
	}
	return out, rows.Err()
}
