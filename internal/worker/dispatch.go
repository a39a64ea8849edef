// Package worker drives jobs from pending to a terminal status: it consumes
// job ids from the queue, sends each pending target through the selected
// provider and applies the retry policy.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PulseDispatch/internal/email"
	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/models"
)

const (
	reasonCancelled  = "cancelled"
	reasonSuppressed = "suppressed"
)

// ErrLeaseLost stops a pass whose job lease was taken over by another worker.
var ErrLeaseLost = errors.New("job lease lost")

type Store interface {
	GetJob(ctx context.Context, id string) (*models.EmailJob, error)
	ClaimJob(ctx context.Context, id, owner string, lease time.Duration) (bool, error)
	RenewJob(ctx context.Context, id, owner string, lease time.Duration) (bool, error)
	ReleaseJob(ctx context.Context, id, owner string) error
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error
	TouchJob(ctx context.Context, id string) error
	ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	ListPendingTargets(ctx context.Context, jobID string) ([]models.EmailTarget, error)
	MarkTargetSent(ctx context.Context, id string, providerID, messageID *string, mode models.DeliveryMode, at time.Time) (bool, error)
	MarkTargetBlocked(ctx context.Context, id, reason string) (bool, error)
	FailTarget(ctx context.Context, id string, providerID *string, reason string) (bool, error)
	RecordTargetFailure(ctx context.Context, id string, providerID *string, reason string) (models.TargetStatus, int, error)
	CancelPendingTargets(ctx context.Context, jobID, reason string) (int64, error)
	ReopenFailedTargets(ctx context.Context, jobID string, extra int) (int64, error)
	CountTargets(ctx context.Context, jobID string) (models.TargetCounts, error)

	SuppressedAmong(ctx context.Context, accountID string, emails []string) (map[string]bool, error)
}

// ProviderPicker claims one quota unit on an eligible provider.
type ProviderPicker interface {
	Acquire(ctx context.Context, accountID, providerType string) (*models.Provider, error)
}

type Transport interface {
	Send(ctx context.Context, p models.Provider, msg email.Message) (email.Outcome, error)
}

type Capturer interface {
	Capture(name string, msg email.Message, meta map[string]string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, jobID string) error
}

type Dispatcher struct {
	store      Store
	selector   ProviderPicker
	transport  Transport
	publisher  Publisher
	limiter    *rate.Limiter
	maxRetries int
	lease      time.Duration
	log        *zap.Logger

	capturer Capturer
	now      func() time.Time
	newOwner func() string
}

func NewDispatcher(
	store Store,
	selector ProviderPicker,
	transport Transport,
	publisher Publisher,
	limiter *rate.Limiter,
	maxRetries int,
	lease time.Duration,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:      store,
		selector:   selector,
		transport:  transport,
		publisher:  publisher,
		limiter:    limiter,
		maxRetries: maxRetries,
		lease:      lease,
		log:        log,
		now:        time.Now,
		newOwner:   uuid.NewString,
	}
}

// EnableCapture diverts targets to c when no provider has quota, instead of
// deferring the job.
func (d *Dispatcher) EnableCapture(c Capturer) {
	d.capturer = c
}

type passResult struct {
	attempted int
	deferred  bool
}

// ProcessJob leases the job, runs passes over its pending targets until none
// remain, no provider has quota, or ctx is done, then recomputes the job
// status. A job that is terminal or leased by another worker is left alone.
func (d *Dispatcher) ProcessJob(ctx context.Context, jobID string) (models.JobStatus, error) {
	owner := d.newOwner()
	claimed, err := d.store.ClaimJob(ctx, jobID, owner, d.lease)
	if err != nil {
		return "", err
	}
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		if claimed {
			d.release(ctx, jobID, owner)
		}
		return "", err
	}
	if !claimed {
		if job.Status.Terminal() {
			d.log.Debug("skipping terminal job", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		} else {
			d.log.Info("job leased by another worker", zap.String("job_id", jobID))
		}
		return job.Status, nil
	}

	for ctx.Err() == nil {
		res, err := d.pass(ctx, job, owner)
		if errors.Is(err, ErrLeaseLost) {
			d.log.Warn("job lease lost, pass abandoned", zap.String("job_id", jobID))
			return models.JobProcessing, err
		}
		if err != nil {
			d.release(ctx, jobID, owner)
			return models.JobProcessing, err
		}
		if res.deferred {
			metrics.JobsDeferred.Inc()
			d.log.Warn("no provider with remaining quota, job deferred", zap.String("job_id", jobID))
			break
		}
		if res.attempted == 0 {
			break
		}
	}

	status, err := d.recompute(context.WithoutCancel(ctx), jobID)
	d.release(ctx, jobID, owner)
	return status, err
}

func (d *Dispatcher) release(ctx context.Context, jobID, owner string) {
	if err := d.store.ReleaseJob(context.WithoutCancel(ctx), jobID, owner); err != nil {
		d.log.Error("failed to release job lease", zap.String("job_id", jobID), zap.Error(err))
	}
}

// renew extends the lease before each send, so no other worker can claim the
// job while a provider call is in flight.
func (d *Dispatcher) renew(ctx context.Context, jobID, owner string) error {
	ok, err := d.store.RenewJob(ctx, jobID, owner, d.lease)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// pass attempts every pending target once. attempted counts only outcomes
// that were persisted; a failed store write aborts the pass.
func (d *Dispatcher) pass(ctx context.Context, job *models.EmailJob, owner string) (passResult, error) {
	var res passResult

	targets, err := d.store.ListPendingTargets(ctx, job.ID)
	if err != nil || len(targets) == 0 {
		return res, err
	}

	emails := make([]string, len(targets))
	for i, t := range targets {
		emails[i] = t.Email
	}
	suppressed, err := d.store.SuppressedAmong(ctx, job.AccountID, emails)
	if err != nil {
		return res, err
	}

	for _, t := range targets {
		if ctx.Err() != nil {
			return res, nil
		}

		if suppressed[t.Email] {
			if err := d.block(ctx, t); err != nil {
				return res, err
			}
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return res, nil
		}
		if err := d.renew(ctx, job.ID, owner); err != nil {
			return res, err
		}

		provider, err := d.selector.Acquire(ctx, job.AccountID, job.ProviderType)
		if errors.Is(err, models.ErrNoProviderAvailable) {
			if d.capturer == nil {
				res.deferred = true
				return res, nil
			}
			if err := d.capture(ctx, job, t); err != nil {
				return res, err
			}
			res.attempted++
			continue
		}
		if err != nil {
			return res, err
		}

		// Once issued, a send's result is persisted even during shutdown.
		outcome, err := d.transport.Send(ctx, *provider, message(job, t))
		if err := d.settle(context.WithoutCancel(ctx), t, provider, outcome, err); err != nil {
			return res, err
		}
		res.attempted++
	}
	return res, nil
}

func message(job *models.EmailJob, t models.EmailTarget) email.Message {
	return email.Message{
		From:     job.From,
		FromName: job.FromName,
		To:       []string{t.Email},
		Subject:  job.Subject,
		HTML:     job.HTML,
		Text:     job.Text,
	}
}

// settle persists the result of one send attempt. The returned error is a
// store failure; the target is still pending and must not be sent again in
// this run.
func (d *Dispatcher) settle(
	ctx context.Context,
	t models.EmailTarget,
	p *models.Provider,
	outcome email.Outcome,
	sendErr error,
) error {
	providerID := p.ID
	logger := d.log.With(
		zap.String("job_id", t.JobID),
		zap.String("target_id", t.ID),
		zap.String("provider_id", providerID),
	)

	var cfgErr *models.ConfigurationError
	switch {
	case errors.As(sendErr, &cfgErr):
		logger.Error("provider configuration error", zap.Error(sendErr))
		if _, err := d.store.FailTarget(ctx, t.ID, &providerID, sendErr.Error()); err != nil {
			logger.Error("failed to mark target failed", zap.Error(err))
			return err
		}
		metrics.TargetOutcomes.WithLabelValues("failed", providerID).Inc()
		return nil

	case sendErr != nil:
		return d.recordFailure(ctx, logger, t, &providerID, sendErr.Error())

	case outcome.Success:
		var msgID *string
		if outcome.MessageID != "" {
			msgID = &outcome.MessageID
		}
		ok, err := d.store.MarkTargetSent(ctx, t.ID, &providerID, msgID, models.DeliveryProvider, d.now().UTC())
		if err != nil {
			logger.Error("failed to mark target sent",
				zap.String("message_id", outcome.MessageID),
				zap.Error(err),
			)
			return err
		}
		if !ok {
			logger.Warn("target left pending before send was recorded")
			return nil
		}
		metrics.TargetOutcomes.WithLabelValues("sent", providerID).Inc()
		logger.Info("email sent", zap.String("message_id", outcome.MessageID))
		return nil

	default:
		return d.recordFailure(ctx, logger, t, &providerID, outcome.Error)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, logger *zap.Logger, t models.EmailTarget, providerID *string, reason string) error {
	status, count, err := d.store.RecordTargetFailure(ctx, t.ID, providerID, reason)
	if errors.Is(err, models.ErrNotFound) {
		logger.Debug("target no longer pending, failure dropped")
		return nil
	}
	if err != nil {
		logger.Error("failed to record target failure", zap.Error(err))
		return err
	}

	label := ""
	if providerID != nil {
		label = *providerID
	}
	outcome := "retry"
	if status == models.TargetFailed {
		outcome = "failed"
	}
	metrics.TargetOutcomes.WithLabelValues(outcome, label).Inc()
	logger.Warn("send attempt failed",
		zap.String("reason", reason),
		zap.Int("retry_count", count),
		zap.String("status", string(status)),
	)
	return nil
}

func (d *Dispatcher) block(ctx context.Context, t models.EmailTarget) error {
	ok, err := d.store.MarkTargetBlocked(ctx, t.ID, reasonSuppressed)
	if err != nil {
		d.log.Error("failed to block target", zap.String("target_id", t.ID), zap.Error(err))
		return err
	}
	if ok {
		metrics.TargetOutcomes.WithLabelValues("blocked", "").Inc()
		d.log.Info("recipient suppressed since intake, target blocked",
			zap.String("job_id", t.JobID),
			zap.String("target_id", t.ID),
		)
	}
	return nil
}

// capture records the message locally. Captured targets count as sent with
// delivery mode "captured" and no provider.
func (d *Dispatcher) capture(ctx context.Context, job *models.EmailJob, t models.EmailTarget) error {
	logger := d.log.With(zap.String("job_id", job.ID), zap.String("target_id", t.ID))

	path, err := d.capturer.Capture(t.ID, message(job, t), map[string]string{
		"Job-Id":    job.ID,
		"Target-Id": t.ID,
	})
	if err != nil {
		logger.Error("local capture failed", zap.Error(err))
		return d.recordFailure(ctx, logger, t, nil, "capture failed: "+err.Error())
	}

	if _, err := d.store.MarkTargetSent(ctx, t.ID, nil, nil, models.DeliveryCaptured, d.now().UTC()); err != nil {
		logger.Error("failed to mark target captured", zap.Error(err))
		return err
	}
	metrics.TargetOutcomes.WithLabelValues("captured", "").Inc()
	logger.Warn("no provider available, message captured locally", zap.String("path", path))
	return nil
}

func (d *Dispatcher) recompute(ctx context.Context, jobID string) (models.JobStatus, error) {
	counts, err := d.store.CountTargets(ctx, jobID)
	if err != nil {
		return "", err
	}
	status := counts.JobStatus()
	if err := d.store.UpdateJobStatus(ctx, jobID, status); err != nil {
		return "", err
	}
	return status, nil
}

// CancelJob fails every still-pending target of a non-terminal job. Sends
// already in flight are not interrupted. It reports false for jobs that
// were already completed or failed.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}

	n, err := d.store.CancelPendingTargets(ctx, jobID, reasonCancelled)
	if err != nil {
		return false, err
	}
	status, err := d.recompute(ctx, jobID)
	if err != nil {
		return false, err
	}

	d.log.Info("job cancelled",
		zap.String("job_id", jobID),
		zap.Int64("cancelled_targets", n),
		zap.String("status", string(status)),
	)
	return true, nil
}

// RetryFailedTargets gives every failed target of the job a fresh retry
// budget and requeues the job. retry_count is kept, so the budget is added
// on top of the attempts already spent.
func (d *Dispatcher) RetryFailedTargets(ctx context.Context, jobID string) (int, error) {
	if _, err := d.store.GetJob(ctx, jobID); err != nil {
		return 0, err
	}

	n, err := d.store.ReopenFailedTargets(ctx, jobID, d.maxRetries)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if err := d.store.UpdateJobStatus(ctx, jobID, models.JobPending); err != nil {
		return int(n), err
	}
	if err := d.publisher.Publish(ctx, jobID); err != nil {
		metrics.QueuePublishFailures.Inc()
		d.log.Error("retried job not queued", zap.String("job_id", jobID), zap.Error(err))
		return int(n), &models.QueuePublishError{JobID: jobID, Err: err}
	}

	d.log.Info("failed targets requeued", zap.String("job_id", jobID), zap.Int64("targets", n))
	return int(n), nil
}
