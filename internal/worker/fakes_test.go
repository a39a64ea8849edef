package worker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"PulseDispatch/internal/email"
	"PulseDispatch/internal/models"
)

// memStore mirrors the guarded SQL updates of db.Store in memory.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*models.EmailJob
	targets    []*models.EmailTarget
	providers  []models.Provider
	suppressed map[string]bool
	touched    map[string]int
	leases     map[string]jobLease
	renewals   map[string]int
	clock      time.Time
}

type jobLease struct {
	owner string
	until time.Time
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       map[string]*models.EmailJob{},
		suppressed: map[string]bool{},
		touched:    map[string]int{},
		leases:     map[string]jobLease{},
		renewals:   map[string]int{},
		clock:      time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) addJob(id string, status models.JobStatus, recipients ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id] = &models.EmailJob{
		ID:         id,
		AccountID:  "acct",
		From:       "news@example.com",
		Subject:    "Hello",
		HTML:       "<p>Hello</p>",
		Recipients: recipients,
		Status:     status,
		CreatedAt:  m.clock,
		UpdatedAt:  m.clock,
	}
	for _, r := range recipients {
		m.targets = append(m.targets, &models.EmailTarget{
			ID:         id + ":" + r,
			JobID:      id,
			Email:      r,
			Status:     models.TargetPending,
			RetryLimit: 3,
		})
	}
}

func (m *memStore) target(jobID, email string) models.EmailTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.JobID == jobID && t.Email == email {
			return *t
		}
	}
	panic("no target " + jobID + ":" + email)
}

func (m *memStore) job(id string) models.EmailJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) pendingTarget(id string) *models.EmailTarget {
	for _, t := range m.targets {
		if t.ID == id && t.Status == models.TargetPending {
			return t
		}
	}
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*models.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ClaimJob(_ context.Context, id, owner string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	if l, held := m.leases[id]; held && !l.until.Before(m.clock) {
		return false, nil
	}
	m.leases[id] = jobLease{owner: owner, until: m.clock.Add(lease)}
	j.Status = models.JobProcessing
	j.UpdatedAt = m.clock
	return true, nil
}

func (m *memStore) RenewJob(_ context.Context, id, owner string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.leases[id]; !held || l.owner != owner {
		return false, nil
	}
	m.leases[id] = jobLease{owner: owner, until: m.clock.Add(lease)}
	m.renewals[id]++
	m.jobs[id].UpdatedAt = m.clock
	return true, nil
}

func (m *memStore) ReleaseJob(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.leases[id]; held && l.owner == owner {
		delete(m.leases, id)
	}
	return nil
}

func (m *memStore) leased(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.leases[id]
	return held
}

func (m *memStore) usedToday(providerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		if p.ID == providerID {
			return p.UsedToday
		}
	}
	return 0
}

func (m *memStore) UpdateJobStatus(_ context.Context, id string, status models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	j.Status = status
	return nil
}

func (m *memStore) TouchJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id]++
	if j, ok := m.jobs[id]; ok {
		j.UpdatedAt = m.clock
	}
	return nil
}

func (m *memStore) ListStaleJobs(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, j := range m.jobs {
		if !j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) ListPendingTargets(_ context.Context, jobID string) ([]models.EmailTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EmailTarget
	for _, t := range m.targets {
		if t.JobID == jobID && t.Status == models.TargetPending {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) MarkTargetSent(_ context.Context, id string, providerID, messageID *string, mode models.DeliveryMode, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.pendingTarget(id)
	if t == nil {
		return false, nil
	}
	t.Status = models.TargetSent
	t.ProviderID = providerID
	t.ProviderMessageID = messageID
	t.DeliveryMode = mode
	t.SentAt = &at
	t.FailureReason = nil
	return true, nil
}

func (m *memStore) MarkTargetBlocked(_ context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.pendingTarget(id)
	if t == nil {
		return false, nil
	}
	t.Status = models.TargetBlocked
	t.FailureReason = &reason
	return true, nil
}

func (m *memStore) FailTarget(_ context.Context, id string, providerID *string, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.pendingTarget(id)
	if t == nil {
		return false, nil
	}
	t.Status = models.TargetFailed
	if providerID != nil {
		t.ProviderID = providerID
	}
	t.FailureReason = &reason
	return true, nil
}

func (m *memStore) RecordTargetFailure(_ context.Context, id string, providerID *string, reason string) (models.TargetStatus, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.pendingTarget(id)
	if t == nil {
		return "", 0, models.ErrNotFound
	}
	t.RetryCount++
	if t.RetryCount >= t.RetryLimit {
		t.Status = models.TargetFailed
	}
	if providerID != nil {
		t.ProviderID = providerID
	}
	t.FailureReason = &reason
	return t.Status, t.RetryCount, nil
}

func (m *memStore) CancelPendingTargets(_ context.Context, jobID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.targets {
		if t.JobID == jobID && t.Status == models.TargetPending {
			t.Status = models.TargetFailed
			t.FailureReason = &reason
			n++
		}
	}
	return n, nil
}

func (m *memStore) ReopenFailedTargets(_ context.Context, jobID string, extra int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.targets {
		if t.JobID == jobID && t.Status == models.TargetFailed {
			t.Status = models.TargetPending
			t.RetryLimit = t.RetryCount + extra
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountTargets(_ context.Context, jobID string) (models.TargetCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c models.TargetCounts
	for _, t := range m.targets {
		if t.JobID != jobID {
			continue
		}
		switch t.Status {
		case models.TargetPending:
			c.Pending++
		case models.TargetSent:
			c.Sent++
		case models.TargetFailed:
			c.Failed++
		case models.TargetBlocked:
			c.Blocked++
		}
	}
	return c, nil
}

func (m *memStore) SuppressedAmong(_ context.Context, _ string, emails []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, e := range emails {
		if m.suppressed[e] {
			out[e] = true
		}
	}
	return out, nil
}

func (m *memStore) ListActiveProviders(_ context.Context, accountID, providerType string) ([]models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Provider
	for _, p := range m.providers {
		if p.AccountID == accountID && p.Active && (providerType == "" || p.Type == providerType) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) IncrementUsage(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.providers {
		p := &m.providers[i]
		if p.ID == id && p.Active && p.UsedToday < p.DailyQuota {
			p.UsedToday++
			return true, nil
		}
	}
	return false, nil
}

// scriptedTransport returns the queued results in order, then succeeds.
type scriptedTransport struct {
	mu      sync.Mutex
	results []sendResult
	calls   []string
	delay   time.Duration
}

type sendResult struct {
	outcome email.Outcome
	err     error
}

func (s *scriptedTransport) Send(_ context.Context, p models.Provider, msg email.Message) (email.Outcome, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p.ID+"->"+msg.To[0])
	if len(s.results) == 0 {
		return email.Outcome{Success: true, MessageID: "msg-ok", StatusCode: 200}, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.outcome, r.err
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, jobID)
	return nil
}

type fakeCapturer struct {
	captured []string
}

func (f *fakeCapturer) Capture(name string, msg email.Message, meta map[string]string) (string, error) {
	f.captured = append(f.captured, msg.To[0])
	return "/tmp/" + name + ".eml", nil
}

func (s *scriptedTransport) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c[strings.Index(c, "->")+2:]
	}
	sort.Strings(out)
	return out
}

// failingWrites breaks chosen store writes after the provider call.
type failingWrites struct {
	*memStore
	markSent      error
	recordFailure error
	block         error
}

func (f *failingWrites) MarkTargetSent(ctx context.Context, id string, providerID, messageID *string, mode models.DeliveryMode, at time.Time) (bool, error) {
	if f.markSent != nil {
		return false, f.markSent
	}
	return f.memStore.MarkTargetSent(ctx, id, providerID, messageID, mode, at)
}

func (f *failingWrites) RecordTargetFailure(ctx context.Context, id string, providerID *string, reason string) (models.TargetStatus, int, error) {
	if f.recordFailure != nil {
		return "", 0, f.recordFailure
	}
	return f.memStore.RecordTargetFailure(ctx, id, providerID, reason)
}

func (f *failingWrites) MarkTargetBlocked(ctx context.Context, id, reason string) (bool, error) {
	if f.block != nil {
		return false, f.block
	}
	return f.memStore.MarkTargetBlocked(ctx, id, reason)
}

// stolenLease refuses every renewal, as if another worker took the job over.
type stolenLease struct {
	*memStore
}

func (s *stolenLease) RenewJob(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}
