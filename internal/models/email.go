package models

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further processing pass will touch the job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
	TargetBlocked TargetStatus = "blocked"
)

// Terminal reports whether a target may never return to pending through a
// processing pass. Failed targets only come back via an explicit retry.
func (s TargetStatus) Terminal() bool {
	return s != TargetPending
}

type DeliveryMode string

const (
	DeliveryProvider DeliveryMode = "provider"
	DeliveryCaptured DeliveryMode = "captured"
)

// EmailJob is one submitted campaign. Targets reference it by ID.
type EmailJob struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`

	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	Subject  string `json:"subject"`
	HTML     string `json:"html,omitempty"`
	Text     string `json:"text,omitempty"`

	TemplateID   string            `json:"template_id,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`

	Recipients   []string          `json:"recipients"`
	ProviderType string            `json:"provider_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	Status JobStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmailTarget is one (job, recipient) delivery record.
type EmailTarget struct {
	ID     string       `json:"id"`
	JobID  string       `json:"job_id"`
	Email  string       `json:"email"`
	Status TargetStatus `json:"status"`

	ProviderID        *string      `json:"provider_id,omitempty"`
	ProviderMessageID *string      `json:"provider_message_id,omitempty"`
	DeliveryMode      DeliveryMode `json:"delivery_mode,omitempty"`
	SentAt            *time.Time   `json:"sent_at,omitempty"`
	FailureReason     *string      `json:"failure_reason,omitempty"`

	RetryCount int `json:"retry_count"`
	RetryLimit int `json:"retry_limit"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingRetries is the number of failed attempts the target can still absorb.
func (t EmailTarget) RemainingRetries() int {
	if t.Status != TargetPending {
		return 0
	}
	if n := t.RetryLimit - t.RetryCount; n > 0 {
		return n
	}
	return 0
}

// TargetCounts aggregates a job's targets by status.
type TargetCounts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
}

// JobStatus derives the aggregate job status. A job with pending targets
// stays in processing.
func (c TargetCounts) JobStatus() JobStatus {
	switch {
	case c.Pending > 0:
		return JobProcessing
	case c.Sent > 0:
		return JobCompleted
	default:
		return JobFailed
	}
}

// Template is a stored content template owned by an account.
type Template struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	Name      string   `json:"name"`
	Subject   string   `json:"subject"`
	HTML      string   `json:"html"`
	Text      string   `json:"text"`
	Variables []string `json:"variables"`
	Active    bool     `json:"active"`
}
