package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"PulseDispatch/internal/models"
	"PulseDispatch/internal/queue"
)

// receiveTimeout bounds each blocking queue read so shutdown is noticed.
const receiveTimeout = 2 * time.Second

type Consumer interface {
	Receive(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
}

// JobProcessor is satisfied by *Dispatcher.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) (models.JobStatus, error)
}

// StartPool starts workers consumers. Each holds at most one job at a time
// and acknowledges it once the pass is persisted. Deliveries interrupted by
// shutdown are left unacknowledged for queue recovery.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	consumer Consumer,
	processor JobProcessor,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))

			for {
				delivery, err := receive(ctx, consumer, logger.With(zap.Int("worker_id", id)))
				if ctx.Err() != nil {
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return
				}
				if err != nil {
					logger.Warn("dropped queue message",
						zap.Int("worker_id", id),
						zap.Error(err),
					)
					continue
				}
				if delivery == nil {
					continue
				}

				status, err := processor.ProcessJob(ctx, delivery.JobID)
				switch {
				case errors.Is(err, models.ErrNotFound):
					logger.Warn("queued job does not exist",
						zap.Int("worker_id", id),
						zap.String("job_id", delivery.JobID),
					)
				case err != nil:
					logger.Error("job pass failed",
						zap.Int("worker_id", id),
						zap.String("job_id", delivery.JobID),
						zap.Error(err),
					)
				default:
					logger.Info("job pass finished",
						zap.Int("worker_id", id),
						zap.String("job_id", delivery.JobID),
						zap.String("status", string(status)),
					)
				}

				if ctx.Err() != nil {
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return
				}

				// Jobs left non-terminal are picked up again by the sweep.
				if err := consumer.Ack(ctx, delivery); err != nil {
					logger.Error("failed to ack delivery",
						zap.Int("worker_id", id),
						zap.String("job_id", delivery.JobID),
						zap.Error(err),
					)
				}
			}
		}(i)
	}
}

// receive reads one delivery, backing off exponentially while the queue is
// unreachable. Malformed messages are returned as errors without retry.
func receive(ctx context.Context, consumer Consumer, logger *zap.Logger) (*queue.Delivery, error) {
	var delivery *queue.Delivery

	operation := func() error {
		d, err := consumer.Receive(ctx, receiveTimeout)
		if errors.Is(err, queue.ErrMalformed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("queue receive failed", zap.Error(err))
			}
			return err
		}
		delivery = d
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return delivery, err
}
