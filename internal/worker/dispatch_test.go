package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PulseDispatch/internal/email"
	"PulseDispatch/internal/models"
	"PulseDispatch/internal/selector"
)

type harness struct {
	store     *memStore
	transport *scriptedTransport
	publisher *recordingPublisher
	d         *Dispatcher
}

func newHarness(quota int) *harness {
	store := newMemStore()
	store.providers = []models.Provider{{
		ID: "mailjet", AccountID: "acct", Type: "http", Active: true, DailyQuota: quota,
	}}
	h := &harness{
		store:     store,
		transport: &scriptedTransport{},
		publisher: &recordingPublisher{},
	}
	h.d = NewDispatcher(
		store,
		selector.New(store, zap.NewNop()),
		h.transport,
		h.publisher,
		rate.NewLimiter(rate.Inf, 1),
		3,
		2*time.Minute,
		zap.NewNop(),
	)
	return h
}

func failed(reason string) sendResult {
	return sendResult{outcome: email.Outcome{Success: false, Error: reason, StatusCode: 400}}
}

func TestProcessJob_FailsTwiceThenSucceeds(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com")
	h.transport.results = []sendResult{
		failed("rate limited"),
		{err: &models.ProviderError{ProviderID: "mailjet", StatusCode: 503}},
		{outcome: email.Outcome{Success: true, MessageID: "1152921504606846976"}},
	}

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)

	target := h.store.target("job-1", "a@x.com")
	assert.Equal(t, models.TargetSent, target.Status)
	assert.Equal(t, 2, target.RetryCount)
	assert.Equal(t, models.DeliveryProvider, target.DeliveryMode)
	require.NotNil(t, target.ProviderMessageID)
	assert.Equal(t, "1152921504606846976", *target.ProviderMessageID)
	require.NotNil(t, target.SentAt)
	assert.Nil(t, target.FailureReason)

	assert.Equal(t, models.JobCompleted, h.store.job("job-1").Status)
	assert.Equal(t, 3, h.transport.callCount())
}

func TestProcessJob_ExhaustedRetriesFailTarget(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com")
	h.transport.results = []sendResult{failed("bounced"), failed("bounced"), failed("bounced"), failed("never reached")}

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, status)

	target := h.store.target("job-1", "a@x.com")
	assert.Equal(t, models.TargetFailed, target.Status)
	assert.Equal(t, 3, target.RetryCount)
	assert.Equal(t, "bounced", *target.FailureReason)
	assert.Zero(t, target.RemainingRetries())
	assert.Equal(t, 3, h.transport.callCount(), "a target is never sent after its budget is spent")

	// A later pass leaves the failed target alone.
	_, err = h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, h.transport.callCount())
}

func TestProcessJob_MixedOutcomesCompleteJob(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com", "b@x.com")
	// a succeeds on the first pass, b fails on every attempt.
	h.transport.results = []sendResult{
		{outcome: email.Outcome{Success: true}},
		failed("mailbox full"),
		failed("mailbox full"),
		failed("mailbox full"),
	}

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)

	assert.Equal(t, models.TargetSent, h.store.target("job-1", "a@x.com").Status)
	assert.Nil(t, h.store.target("job-1", "a@x.com").ProviderMessageID)
	assert.Equal(t, models.TargetFailed, h.store.target("job-1", "b@x.com").Status)
}

func TestProcessJob_NoProviderDefersJob(t *testing.T) {
	h := newHarness(0)
	h.store.addJob("job-1", models.JobPending, "a@x.com")

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, status)

	target := h.store.target("job-1", "a@x.com")
	assert.Equal(t, models.TargetPending, target.Status)
	assert.Zero(t, target.RetryCount, "no retry is consumed while waiting for quota")
	assert.Zero(t, h.transport.callCount())

	// Quota comes back and the next pass delivers.
	h.store.mu.Lock()
	h.store.providers[0].DailyQuota = 10
	h.store.mu.Unlock()

	status, err = h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)
}

func TestProcessJob_QuotaExhaustedMidJob(t *testing.T) {
	h := newHarness(1)
	h.store.addJob("job-1", models.JobPending, "a@x.com", "b@x.com")

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, status)

	assert.Equal(t, models.TargetSent, h.store.target("job-1", "a@x.com").Status)
	assert.Equal(t, models.TargetPending, h.store.target("job-1", "b@x.com").Status)
	assert.Equal(t, 1, h.store.providers[0].UsedToday)
}

func TestProcessJob_CapturesWhenNoProvider(t *testing.T) {
	h := newHarness(0)
	capturer := &fakeCapturer{}
	h.d.EnableCapture(capturer)
	h.store.addJob("job-1", models.JobPending, "a@x.com")

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)

	target := h.store.target("job-1", "a@x.com")
	assert.Equal(t, models.TargetSent, target.Status)
	assert.Equal(t, models.DeliveryCaptured, target.DeliveryMode)
	assert.Nil(t, target.ProviderID)
	assert.Equal(t, []string{"a@x.com"}, capturer.captured)
	assert.Zero(t, h.transport.callCount())
}

func TestProcessJob_ConfigurationErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com")
	h.transport.results = []sendResult{
		{err: &models.ConfigurationError{ProviderID: "mailjet", Reason: `template references unmapped field "bcc"`}},
	}

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, status)

	target := h.store.target("job-1", "a@x.com")
	assert.Equal(t, models.TargetFailed, target.Status)
	assert.Zero(t, target.RetryCount)
	assert.Equal(t, "mailjet", *target.ProviderID)
	assert.Contains(t, *target.FailureReason, "unmapped field")
	assert.Equal(t, 1, h.transport.callCount())
}

func TestProcessJob_BlocksRecipientsSuppressedSinceIntake(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com", "b@x.com")
	h.store.suppressed["b@x.com"] = true

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)

	assert.Equal(t, models.TargetSent, h.store.target("job-1", "a@x.com").Status)
	blocked := h.store.target("job-1", "b@x.com")
	assert.Equal(t, models.TargetBlocked, blocked.Status)
	assert.Equal(t, "suppressed", *blocked.FailureReason)
	assert.Equal(t, 1, h.transport.callCount())
}

func TestProcessJob_RedeliveryOfTerminalJobIsNoop(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com")

	_, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	before := h.store.target("job-1", "a@x.com")

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)
	assert.Equal(t, before, h.store.target("job-1", "a@x.com"))
	assert.Equal(t, 1, h.transport.callCount())
}

func TestProcessJob_UnknownJob(t *testing.T) {
	h := newHarness(100)

	_, err := h.d.ProcessJob(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestProcessJob_ConcurrentDeliveriesSendEachTargetOnce(t *testing.T) {
	h := newHarness(100)
	h.transport.delay = 50 * time.Millisecond
	h.store.addJob("job-1", models.JobPending, "a@x.com", "b@x.com")

	// A second worker instance sharing the store, e.g. after the sweep
	// republished the job while the first was still sending.
	other := NewDispatcher(
		h.store,
		selector.New(h.store, zap.NewNop()),
		h.transport,
		h.publisher,
		rate.NewLimiter(rate.Inf, 1),
		3,
		2*time.Minute,
		zap.NewNop(),
	)

	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{h.d, other} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			_, err := d.ProcessJob(context.Background(), "job-1")
			assert.NoError(t, err)
		}(d)
	}
	wg.Wait()

	assert.Equal(t, []string{"a@x.com", "b@x.com"}, h.transport.recipients())
	assert.Equal(t, 2, h.store.usedToday("mailjet"))
	assert.Equal(t, models.JobCompleted, h.store.job("job-1").Status)
	assert.False(t, h.store.leased("job-1"))
}

func TestProcessJob_LeasedJobIsLeftToItsOwner(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobProcessing, "a@x.com")
	h.store.leases["job-1"] = jobLease{owner: "other-worker", until: h.store.clock.Add(time.Minute)}

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, status)
	assert.Zero(t, h.transport.callCount())
	assert.True(t, h.store.leased("job-1"))

	// The owner stopped renewing, so its lease runs out.
	h.store.mu.Lock()
	h.store.clock = h.store.clock.Add(2 * time.Minute)
	h.store.mu.Unlock()

	status, err = h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)
	assert.Equal(t, 1, h.transport.callCount())
}

func TestProcessJob_RenewsLeaseBeforeEverySend(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com", "b@x.com", "c@x.com")

	_, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, 3, h.store.renewals["job-1"])
	assert.False(t, h.store.leased("job-1"), "lease is released once the job settles")
}

func TestProcessJob_StopsWhenLeaseIsLost(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com", "b@x.com")
	h.d.store = &stolenLease{memStore: h.store}

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.Equal(t, models.JobProcessing, status)
	assert.Zero(t, h.transport.callCount())
	assert.Zero(t, h.store.usedToday("mailjet"))
}

func TestProcessJob_StoreWriteFailureStopsSending(t *testing.T) {
	dbDown := errors.New("db down")

	tests := []struct {
		name       string
		store      func(*memStore) Store
		results    []sendResult
		suppressed bool
		wantCalls  int
	}{
		{
			name:      "sent not recorded",
			store:     func(m *memStore) Store { return &failingWrites{memStore: m, markSent: dbDown} },
			wantCalls: 1,
		},
		{
			name:      "failure not recorded",
			store:     func(m *memStore) Store { return &failingWrites{memStore: m, recordFailure: dbDown} },
			results:   []sendResult{failed("bounced")},
			wantCalls: 1,
		},
		{
			name:       "block not recorded",
			store:      func(m *memStore) Store { return &failingWrites{memStore: m, block: dbDown} },
			suppressed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(50)
			h.store.addJob("job-1", models.JobPending, "a@x.com")
			h.store.suppressed["a@x.com"] = tt.suppressed
			h.transport.results = tt.results
			h.d.store = tt.store(h.store)

			status, err := h.d.ProcessJob(context.Background(), "job-1")
			assert.ErrorIs(t, err, dbDown)
			assert.Equal(t, models.JobProcessing, status)

			assert.Equal(t, tt.wantCalls, h.transport.callCount())
			assert.Equal(t, tt.wantCalls, h.store.usedToday("mailjet"))
			assert.Equal(t, models.TargetPending, h.store.target("job-1", "a@x.com").Status)
			assert.False(t, h.store.leased("job-1"), "the sweep can hand the job to the next worker")
		})
	}
}

func TestCancelJob(t *testing.T) {
	h := newHarness(0)
	h.store.addJob("job-1", models.JobPending, "a@x.com", "b@x.com")

	ok, err := h.d.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	for _, addr := range []string{"a@x.com", "b@x.com"} {
		target := h.store.target("job-1", addr)
		assert.Equal(t, models.TargetFailed, target.Status)
		assert.Equal(t, "cancelled", *target.FailureReason)
	}
	assert.Equal(t, models.JobFailed, h.store.job("job-1").Status)

	ok, err = h.d.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs cannot be cancelled")
}

func TestCancelJob_KeepsSentTargets(t *testing.T) {
	h := newHarness(1)
	h.store.addJob("job-1", models.JobPending, "a@x.com", "b@x.com")

	_, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)

	ok, err := h.d.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, models.TargetSent, h.store.target("job-1", "a@x.com").Status)
	assert.Equal(t, models.TargetFailed, h.store.target("job-1", "b@x.com").Status)
	assert.Equal(t, models.JobCompleted, h.store.job("job-1").Status)
}

func TestRetryFailedTargets(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com")
	h.transport.results = []sendResult{failed("down"), failed("down"), failed("down")}

	status, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, status)

	n, err := h.d.RetryFailedTargets(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"job-1"}, h.publisher.published)
	assert.Equal(t, models.JobPending, h.store.job("job-1").Status)

	target := h.store.target("job-1", "a@x.com")
	assert.Equal(t, models.TargetPending, target.Status)
	assert.Equal(t, 3, target.RetryCount, "retry count is never rewound")
	assert.Equal(t, 3, target.RemainingRetries())

	status, err = h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)
	assert.Equal(t, 3, h.store.target("job-1", "a@x.com").RetryCount)
}

func TestRetryFailedTargets_NothingToRetry(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com")

	n, err := h.d.RetryFailedTargets(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.publisher.published)
}

func TestRetryFailedTargets_PublishFailure(t *testing.T) {
	h := newHarness(100)
	h.store.addJob("job-1", models.JobPending, "a@x.com")
	h.transport.results = []sendResult{failed("x"), failed("x"), failed("x")}
	_, err := h.d.ProcessJob(context.Background(), "job-1")
	require.NoError(t, err)

	h.publisher.err = errors.New("redis down")
	n, err := h.d.RetryFailedTargets(context.Background(), "job-1")
	assert.Equal(t, 1, n)

	var qe *models.QueuePublishError
	assert.True(t, errors.As(err, &qe))
	assert.Equal(t, models.JobPending, h.store.job("job-1").Status, "the sweep requeues it later")
}
