// Package intake validates job submissions and fans them out into one
// pending target per deliverable recipient.
package intake

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/models"
	"PulseDispatch/internal/templates"
)

type Store interface {
	CreateJob(ctx context.Context, job *models.EmailJob, targets []models.EmailTarget) error
}

type Suppressions interface {
	SuppressedAmong(ctx context.Context, accountID string, emails []string) (map[string]bool, error)
}

type Templates interface {
	Render(ctx context.Context, accountID, templateID string, vars map[string]string) (templates.Content, error)
}

type Publisher interface {
	Publish(ctx context.Context, jobID string) error
}

// Request is one submission. Direct content (Subject plus HTML and/or Text)
// and TemplateID are mutually exclusive.
type Request struct {
	AccountID    string
	From         string
	FromName     string
	Subject      string
	HTML         string
	Text         string
	TemplateID   string
	TemplateVars map[string]string
	Recipients   []string
	ProviderType string
	Metadata     map[string]string
}

// Result counts recipients after normalisation. SubmittedRecipients is the
// raw entry count; the difference to TotalRecipients is blank or repeated
// entries.
type Result struct {
	JobID                string `json:"jobId"`
	SubmittedRecipients  int    `json:"submittedRecipients"`
	TotalRecipients      int    `json:"totalRecipients"`
	ValidRecipients      int    `json:"validRecipients"`
	SuppressedRecipients int    `json:"suppressedRecipients"`
	Queued               bool   `json:"queued"`
}

type Service struct {
	store        Store
	suppressions Suppressions
	templates    Templates
	publisher    Publisher
	maxRetries   int
	log          *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewService(
	store Store,
	suppressions Suppressions,
	tpl Templates,
	publisher Publisher,
	maxRetries int,
	log *zap.Logger,
) *Service {
	return &Service{
		store:        store,
		suppressions: suppressions,
		templates:    tpl,
		publisher:    publisher,
		maxRetries:   maxRetries,
		log:          log,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// SubmitJob persists a job with its targets and publishes it. When the job
// is stored but publishing fails, the result is returned together with a
// *models.QueuePublishError and the stale-job sweep will pick it up later.
func (s *Service) SubmitJob(ctx context.Context, req Request) (*Result, error) {
	recipients, err := validate(req)
	if err != nil {
		return nil, err
	}

	subject, html, text := req.Subject, req.HTML, req.Text
	if req.TemplateID != "" {
		content, err := s.templates.Render(ctx, req.AccountID, req.TemplateID, req.TemplateVars)
		if err != nil {
			return nil, err
		}
		subject, html, text = content.Subject, content.HTML, content.Text
		if subject == "" {
			return nil, &models.TemplateError{TemplateID: req.TemplateID, Reason: "rendered subject is empty"}
		}
	}

	suppressed, err := s.suppressions.SuppressedAmong(ctx, req.AccountID, recipients)
	if err != nil {
		return nil, fmt.Errorf("suppression lookup: %w", err)
	}

	valid := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if !suppressed[r] {
			valid = append(valid, r)
		}
	}

	res := &Result{
		SubmittedRecipients:  len(req.Recipients),
		TotalRecipients:      len(recipients),
		ValidRecipients:      len(valid),
		SuppressedRecipients: len(recipients) - len(valid),
	}
	metrics.RecipientsSuppressed.Add(float64(res.SuppressedRecipients))

	if len(valid) == 0 {
		return nil, models.ErrAllRecipientsSuppressed
	}

	now := s.now().UTC()
	job := &models.EmailJob{
		ID:           s.newID(),
		AccountID:    req.AccountID,
		From:         req.From,
		FromName:     req.FromName,
		Subject:      subject,
		HTML:         html,
		Text:         text,
		TemplateID:   req.TemplateID,
		TemplateVars: req.TemplateVars,
		Recipients:   valid,
		ProviderType: req.ProviderType,
		Metadata:     req.Metadata,
		Status:       models.JobPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	targets := make([]models.EmailTarget, len(valid))
	for i, addr := range valid {
		targets[i] = models.EmailTarget{
			ID:         s.newID(),
			JobID:      job.ID,
			Email:      addr,
			Status:     models.TargetPending,
			RetryLimit: s.maxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := s.store.CreateJob(ctx, job, targets); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	res.JobID = job.ID
	metrics.JobsSubmitted.Inc()

	if err := s.publisher.Publish(ctx, job.ID); err != nil {
		metrics.QueuePublishFailures.Inc()
		s.log.Error("job persisted but not queued",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return res, &models.QueuePublishError{JobID: job.ID, Err: err}
	}
	res.Queued = true

	s.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("account_id", req.AccountID),
		zap.Int("targets", len(targets)),
		zap.Int("suppressed", res.SuppressedRecipients),
	)
	return res, nil
}

// validate checks the request shape and returns the normalised, de-duplicated
// recipient list in submission order.
func validate(req Request) ([]string, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, &models.ValidationError{Field: "accountId", Message: "is required"}
	}
	if _, err := mail.ParseAddress(req.From); err != nil {
		return nil, &models.ValidationError{Field: "from", Message: "must be a valid email address"}
	}

	direct := req.Subject != "" || req.HTML != "" || req.Text != ""
	switch {
	case direct && req.TemplateID != "":
		return nil, &models.ValidationError{Message: "provide either direct content or a template, not both"}
	case !direct && req.TemplateID == "":
		return nil, &models.ValidationError{Message: "provide either direct content or a template"}
	case direct && req.Subject == "":
		return nil, &models.ValidationError{Field: "subject", Message: "is required"}
	case direct && req.HTML == "" && req.Text == "":
		return nil, &models.ValidationError{Field: "html", Message: "html or text body is required"}
	}

	seen := make(map[string]bool, len(req.Recipients))
	out := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		addr := strings.ToLower(strings.TrimSpace(r))
		if addr == "" {
			continue
		}
		parsed, err := mail.ParseAddress(addr)
		if err != nil || parsed.Address != addr {
			return nil, &models.ValidationError{Field: "recipients", Message: fmt.Sprintf("invalid address %q", r)}
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, &models.ValidationError{Field: "recipients", Message: "at least one recipient is required"}
	}
	return out, nil
}
