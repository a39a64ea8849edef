package selector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PulseDispatch/internal/models"
)

// ResetStore lists and resets provider quota counters.
type ResetStore interface {
	ListAllProviders(ctx context.Context) ([]models.Provider, error)
	// ResetUsage resets the counter only if the stored last reset is still
	// before dayStart, reporting whether it did.
	ResetUsage(ctx context.Context, providerID string, at, dayStart time.Time) (bool, error)
}

// Resetter zeroes used_today once a provider's local day has rolled over.
type Resetter struct {
	store    ResetStore
	interval time.Duration
	loc      *time.Location
	log      *zap.Logger
	now      func() time.Time
}

func NewResetter(store ResetStore, interval time.Duration, loc *time.Location, log *zap.Logger) *Resetter {
	if loc == nil {
		loc = time.UTC
	}
	return &Resetter{store: store, interval: interval, loc: loc, log: log, now: time.Now}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (r *Resetter) Run(ctx context.Context) {
	r.log.Info("quota reset sweep started", zap.Duration("interval", r.interval))

	r.sweepAndLog(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("quota reset sweep stopped")
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Resetter) sweepAndLog(ctx context.Context) {
	n, err := r.Sweep(ctx)
	if err != nil {
		r.log.Error("quota reset sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("provider quotas reset", zap.Int("count", n))
	}
}

// Sweep resets every provider whose last reset falls on an earlier day than
// today in the provider's timezone. It returns how many were reset.
func (r *Resetter) Sweep(ctx context.Context) (int, error) {
	providers, err := r.store.ListAllProviders(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	reset := 0
	for _, p := range providers {
		loc := r.location(p)
		if !DueForReset(p, now, loc) {
			continue
		}
		ok, err := r.store.ResetUsage(ctx, p.ID, now, startOfDay(now, loc))
		if err != nil {
			r.log.Error("quota reset failed", zap.String("provider_id", p.ID), zap.Error(err))
			continue
		}
		if !ok {
			r.log.Debug("provider already reset elsewhere", zap.String("provider_id", p.ID))
			continue
		}
		reset++
	}
	return reset, nil
}

func (r *Resetter) location(p models.Provider) *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	return r.loc
}

// DueForReset reports whether p's last reset was before the start of the
// current day in loc.
func DueForReset(p models.Provider, now time.Time, loc *time.Location) bool {
	return p.LastResetDate.Before(startOfDay(now, loc))
}

func startOfDay(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
