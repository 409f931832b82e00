package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/conductor/internal/core/domain"
)

// =============================================================================
// Client Interface
// =============================================================================

// Client ships audit events to an external collector.
type Client interface {
	SendBatch(ctx context.Context, events []domain.AuditEvent) error
}

// =============================================================================
// HTTP Collector Client
// =============================================================================

// HTTPClient posts event batches as JSON.
type HTTPClient struct {
	url        string
	token      string
	httpClient *http.Client
}

// HTTPConfig holds configuration for the collector client.
type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// NewHTTPClient creates a collector client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// batchRequest is the collector request body.
type batchRequest struct {
	Events []domain.AuditEvent `json:"events"`
}

// SendBatch posts events to the collector. Any status >= 400 is an error.
func (c *HTTPClient) SendBatch(ctx context.Context, events []domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(batchRequest{Events: events})
	if err != nil {
		return fmt.Errorf("failed to marshal audit batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send audit batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("audit collector returned error %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// =============================================================================
// No-Op Client (for development/testing)
// =============================================================================

// NoOpClient accepts and drops every batch.
type NoOpClient struct{}

// NewNoOpClient creates a no-op client.
func NewNoOpClient() *NoOpClient {
	return &NoOpClient{}
}

// SendBatch does nothing.
func (c *NoOpClient) SendBatch(context.Context, []domain.AuditEvent) error {
	return nil
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, events []domain.AuditEvent) error

func (f ClientFunc) SendBatch(ctx context.Context, events []domain.AuditEvent) error {
	return f(ctx, events)
}
