package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PulseDispatch/internal/metrics"
)

const sweepBatch = 100

// Sweeper republishes non-terminal jobs nobody has touched for staleAge:
// jobs whose publish failed at intake, and processing jobs waiting on
// retries or provider quota.
type Sweeper struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	staleAge  time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewSweeper(store Store, publisher Publisher, interval, staleAge time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		publisher: publisher,
		interval:  interval,
		staleAge:  staleAge,
		log:       log,
		now:       time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("stale job sweep started",
		zap.Duration("interval", s.interval),
		zap.Duration("stale_age", s.staleAge),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stale job sweep stopped")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("stale job sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("stale jobs requeued", zap.Int("count", n))
			}
		}
	}
}

// Sweep requeues one batch of stale jobs and returns how many were
// published. A job is touched after publishing so the next sweep skips it.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.ListStaleJobs(ctx, s.now().Add(-s.staleAge), sweepBatch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, id := range ids {
		if err := s.publisher.Publish(ctx, id); err != nil {
			metrics.QueuePublishFailures.Inc()
			s.log.Error("failed to requeue stale job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if err := s.store.TouchJob(ctx, id); err != nil {
			s.log.Error("failed to touch requeued job", zap.String("job_id", id), zap.Error(err))
		}
		published++
	}
	return published, nil
}
