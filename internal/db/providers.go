package db

import (
	"context"
	"time"

	"PulseDispatch/internal/models"
)

const providerColumns = `id, account_id, name, type, api_key, api_secret,
	daily_quota, used_today, active, timezone, last_reset_date, config`

func (s *Store) queryProviders(ctx context.Context, query string, args ...any) ([]models.Provider, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Provider
	for rows.Next() {
		var (
			p   models.Provider
			cfg []byte
		)
		err := rows.Scan(
			&p.ID,
			&p.AccountID,
			&p.Name,
			&p.Type,
			&p.APIKey,
			&p.APISecret,
			&p.DailyQuota,
			&p.UsedToday,
			&p.Active,
			&p.Timezone,
			&p.LastResetDate,
			&cfg,
		)
		if err != nil {
			return nil, err
		}
		p.Config = cfg
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListActiveProviders returns an account's active providers in registry
// order. An empty providerType matches every type.
func (s *Store) ListActiveProviders(ctx context.Context, accountID, providerType string) ([]models.Provider, error) {
	return s.queryProviders(ctx,
		`SELECT `+providerColumns+` FROM providers
		 WHERE account_id=$1 AND active AND ($2 = '' OR type=$2)
		 ORDER BY id`,
		accountID,
		providerType,
	)
}

func (s *Store) ListAllProviders(ctx context.Context) ([]models.Provider, error) {
	return s.queryProviders(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY id`)
}

// IncrementUsage claims one unit of daily quota. The ceiling check and the
// increment are one statement, so concurrent callers can never push
// used_today past daily_quota.
func (s *Store) IncrementUsage(ctx context.Context, providerID string) (bool, error) {
	return s.execChanged(ctx,
		`UPDATE providers
		 SET used_today=used_today+1
		 WHERE id=$1 AND active AND used_today < daily_quota`,
		providerID,
	)
}

// ResetUsage zeroes used_today only while the stored last_reset_date is still
// before dayStart. A sweep acting on a stale listing therefore cannot wipe
// sends counted after another instance already reset the provider.
func (s *Store) ResetUsage(ctx context.Context, providerID string, at, dayStart time.Time) (bool, error) {
	return s.execChanged(ctx,
		`UPDATE providers
		 SET used_today=0,
		     last_reset_date=$1
		 WHERE id=$2 AND last_reset_date < $3`,
		at,
		providerID,
		dayStart,
	)
}
