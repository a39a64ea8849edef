package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAllRecipientsSuppressed is returned when suppression filtering
	// leaves a submission without recipients.
	ErrAllRecipientsSuppressed = errors.New("all recipients are suppressed")

	// ErrNoProviderAvailable means every provider is inactive or out of
	// quota. Jobs hitting it are deferred, not failed.
	ErrNoProviderAvailable = errors.New("no provider with remaining quota")
)

// ValidationError is a malformed submission.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// TemplateError is an unresolved, inactive or under-bound template.
type TemplateError struct {
	TemplateID string
	Reason     string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %s", e.TemplateID, e.Reason)
}

// ConfigurationError is a provider configuration that cannot be rendered.
// Targets hitting it fail without retry.
type ConfigurationError struct {
	ProviderID string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.ProviderID == "" {
		return "provider configuration: " + e.Reason
	}
	return fmt.Sprintf("provider %s configuration: %s", e.ProviderID, e.Reason)
}

// ProviderError is a transport failure or a 5xx from a provider.
type ProviderError struct {
	ProviderID string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s returned status %d", e.ProviderID, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: %v", e.ProviderID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// QueuePublishError means the job was persisted but never reached the queue.
type QueuePublishError struct {
	JobID string
	Err   error
}

func (e *QueuePublishError) Error() string {
	return fmt.Sprintf("job %s persisted but not queued: %v", e.JobID, e.Err)
}

func (e *QueuePublishError) Unwrap() error { return e.Err }
