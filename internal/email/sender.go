package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"PulseDispatch/internal/models"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender renders a message for a provider, performs the request and parses
// the result.
type Sender struct {
	client HTTPDoer

	mu      sync.Mutex
	configs map[string]cachedConfig
}

type cachedConfig struct {
	raw string
	cfg *ProviderConfig
}

// NewSender builds a Sender with its own client. A zero timeout means
// DefaultTimeout.
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewSenderWithClient(&http.Client{Timeout: timeout})
}

func NewSenderWithClient(client HTTPDoer) *Sender {
	return &Sender{client: client, configs: map[string]cachedConfig{}}
}

// Config returns the normalized configuration for p, decoding it only when
// the stored bytes change.
func (s *Sender) Config(p models.Provider) (*ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.configs[p.ID]; ok && c.raw == string(p.Config) {
		return c.cfg, nil
	}
	cfg, err := LoadConfig(p.Config)
	if err != nil {
		return nil, &models.ConfigurationError{ProviderID: p.ID, Reason: err.Error()}
	}
	s.configs[p.ID] = cachedConfig{raw: string(p.Config), cfg: cfg}
	return cfg, nil
}

// Send delivers msg through p. A *models.ConfigurationError means the
// provider can never carry this message; a *models.ProviderError is a
// transport failure or 5xx. Anything below 500 is parsed into the Outcome.
func (s *Sender) Send(ctx context.Context, p models.Provider, msg Message) (Outcome, error) {
	cfg, err := s.Config(p)
	if err != nil {
		return Outcome{}, err
	}
	req, err := Render(cfg, Credentials{APIKey: p.APIKey, APISecret: p.APISecret}, msg)
	if err != nil {
		var cfgErr *models.ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.ProviderID = p.ID
		}
		return Outcome{}, err
	}
	resp, err := s.Do(ctx, req)
	if err != nil {
		var provErr *models.ProviderError
		if errors.As(err, &provErr) {
			provErr.ProviderID = p.ID
			return Outcome{}, provErr
		}
		return Outcome{}, &models.ProviderError{ProviderID: p.ID, Err: err}
	}
	return Parse(cfg, resp), nil
}

// Do performs a rendered request. Once issued the call is not cancelled by
// ctx; only the client timeout bounds it.
func (s *Sender) Do(ctx context.Context, r *Request) (*Response, error) {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, &models.ProviderError{StatusCode: resp.StatusCode, Err: errors.New(string(body))}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
