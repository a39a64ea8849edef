package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"PulseDispatch/internal/csvparser"
	"PulseDispatch/internal/intake"
	"PulseDispatch/internal/models"
)

const maxUploadBytes = 10 << 20

type Submitter interface {
	SubmitJob(ctx context.Context, req intake.Request) (*intake.Result, error)
}

type Controller interface {
	CancelJob(ctx context.Context, jobID string) (bool, error)
	RetryFailedTargets(ctx context.Context, jobID string) (int, error)
}

type Reader interface {
	GetJob(ctx context.Context, id string) (*models.EmailJob, error)
	ListTargets(ctx context.Context, jobID string) ([]models.EmailTarget, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	Intake Submitter
	Jobs   Controller
	Store  Reader
	Log    *zap.Logger
}

type submitRequest struct {
	From         string            `json:"from"`
	FromName     string            `json:"fromName"`
	Subject      string            `json:"subject"`
	HTML         string            `json:"html"`
	Text         string            `json:"text"`
	TemplateID   string            `json:"templateId"`
	TemplateVars map[string]string `json:"templateVars"`
	Recipients   []string          `json:"recipients"`
	ProviderType string            `json:"providerType"`
	Metadata     map[string]string `json:"metadata"`
}

func (r submitRequest) toIntake(accountID string) intake.Request {
	return intake.Request{
		AccountID:    accountID,
		From:         r.From,
		FromName:     r.FromName,
		Subject:      r.Subject,
		HTML:         r.HTML,
		Text:         r.Text,
		TemplateID:   r.TemplateID,
		TemplateVars: r.TemplateVars,
		Recipients:   r.Recipients,
		ProviderType: r.ProviderType,
		Metadata:     r.Metadata,
	}
}

// SubmitJob accepts a JSON job submission.
func (h *Handler) SubmitJob(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.submit(c, body.toIntake(accountID(c)))
}

// UploadJob accepts a multipart form whose "file" part is a recipient CSV.
// The remaining form fields carry the job content.
func (h *Handler) UploadJob(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing csv file"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	upload, err := csvparser.ParseRecipients(f, 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	body := submitRequest{
		From:         c.PostForm("from"),
		FromName:     c.PostForm("fromName"),
		Subject:      c.PostForm("subject"),
		HTML:         c.PostForm("html"),
		Text:         c.PostForm("text"),
		TemplateID:   c.PostForm("templateId"),
		ProviderType: c.PostForm("providerType"),
		Recipients:   upload.Recipients,
	}
	if raw := c.PostForm("templateVars"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &body.TemplateVars); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "templateVars must be a JSON object of strings"})
			return
		}
	}

	h.Log.Info("recipient csv parsed",
		zap.Int("recipients", len(upload.Recipients)),
		zap.Int("skipped_rows", upload.Skipped),
		zap.Bool("truncated", upload.Truncated),
	)
	h.submit(c, body.toIntake(accountID(c)))
}

func (h *Handler) submit(c *gin.Context, req intake.Request) {
	res, err := h.Intake.SubmitJob(c.Request.Context(), req)

	var publishErr *models.QueuePublishError
	switch {
	case errors.As(err, &publishErr):
		// Persisted but not queued: the sweep will pick it up.
		c.JSON(http.StatusAccepted, res)
	case err != nil:
		h.writeError(c, err)
	default:
		c.JSON(http.StatusAccepted, res)
	}
}

type targetView struct {
	models.EmailTarget
	RemainingRetries int `json:"remaining_retries"`
}

// GetJob returns the job with a per-target breakdown.
func (h *Handler) GetJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	targets, err := h.Store.ListTargets(c.Request.Context(), job.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var counts models.TargetCounts
	views := make([]targetView, len(targets))
	for i, t := range targets {
		views[i] = targetView{EmailTarget: t, RemainingRetries: t.RemainingRetries()}
		switch t.Status {
		case models.TargetPending:
			counts.Pending++
		case models.TargetSent:
			counts.Sent++
		case models.TargetFailed:
			counts.Failed++
		case models.TargetBlocked:
			counts.Blocked++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"job":     job,
		"counts":  counts,
		"targets": views,
	})
}

func (h *Handler) CancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	cancelled, err := h.Jobs.CancelJob(c.Request.Context(), job.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (h *Handler) RetryJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	n, err := h.Jobs.RetryFailedTargets(c.Request.Context(), job.ID)

	var publishErr *models.QueuePublishError
	if err != nil && !errors.As(err, &publishErr) {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retriedCount": n, "queued": err == nil})
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ownedJob loads the :id job and hides jobs of other accounts.
func (h *Handler) ownedJob(c *gin.Context) (*models.EmailJob, bool) {
	job, err := h.Store.GetJob(c.Request.Context(), c.Param("id"))
	if err == nil && job.AccountID != accountID(c) {
		err = models.ErrNotFound
	}
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return job, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		validationErr *models.ValidationError
		templateErr   *models.TemplateError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &templateErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrAllRecipientsSuppressed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		h.Log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
