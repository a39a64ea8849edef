// Package selector picks the provider for each send and keeps daily quota
// counters honest.
//
// Quota consumption is claimed with a conditional increment at the storage
// layer before the provider is called. Two workers that both see spare
// capacity race on that increment, and only those that win it send.
package selector

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/models"
)

// ProviderStore is the slice of the provider registry the selector needs.
type ProviderStore interface {
	// ListActiveProviders returns an account's active providers in registry
	// order, optionally narrowed by type.
	ListActiveProviders(ctx context.Context, accountID, providerType string) ([]models.Provider, error)

	// IncrementUsage adds one to used_today only if the provider is active
	// and below its ceiling, reporting whether the increment happened.
	IncrementUsage(ctx context.Context, providerID string) (bool, error)
}

type Selector struct {
	store ProviderStore
	log   *zap.Logger
}

func New(store ProviderStore, log *zap.Logger) *Selector {
	return &Selector{store: store, log: log}
}

// eligible returns providers with remaining capacity, least used first.
// Ties keep registry order.
func (s *Selector) eligible(ctx context.Context, accountID, providerType string) ([]models.Provider, error) {
	providers, err := s.store.ListActiveProviders(ctx, accountID, providerType)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := providers[:0:0]
	for _, p := range providers {
		if p.HasCapacity() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UsedToday < out[j].UsedToday
	})
	return out, nil
}

// SelectProvider returns the least-used provider with capacity, or nil when
// none is eligible.
func (s *Selector) SelectProvider(ctx context.Context, accountID, providerType string) (*models.Provider, error) {
	candidates, err := s.eligible(ctx, accountID, providerType)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return &candidates[0], nil
}

// RecordUsage atomically consumes one unit of the provider's daily quota.
// It reports false when the provider was already full.
func (s *Selector) RecordUsage(ctx context.Context, providerID string) (bool, error) {
	ok, err := s.store.IncrementUsage(ctx, providerID)
	if err != nil {
		return false, fmt.Errorf("record usage for %s: %w", providerID, err)
	}
	if !ok {
		metrics.QuotaRejections.WithLabelValues(providerID).Inc()
	}
	return ok, nil
}

// Acquire selects a provider and claims one quota unit on it, falling back
// through the remaining candidates when a claim loses a race. It returns
// models.ErrNoProviderAvailable when every candidate is exhausted.
func (s *Selector) Acquire(ctx context.Context, accountID, providerType string) (*models.Provider, error) {
	candidates, err := s.eligible(ctx, accountID, providerType)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		p := candidates[i]
		ok, err := s.RecordUsage(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			p.UsedToday++
			return &p, nil
		}
		s.log.Debug("provider quota claim lost", zap.String("provider_id", p.ID))
	}
	return nil, models.ErrNoProviderAvailable
}
