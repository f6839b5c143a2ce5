package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
)

const (
	// BatchPath is where batches are posted.
	BatchPath = "/sync/batch"
	// HealthPath answers connectivity probes.
	HealthPath = "/health"
	// WebSocketPath upgrades to the streaming transport.
	WebSocketPath = "/sync/ws"

	// DefaultRequestTimeout bounds a single batch exchange.
	DefaultRequestTimeout = 30 * time.Second

	maxErrorBody = 4096
)

// HTTPClient talks to a remote authority over JSON/HTTP.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient creates a client for the given endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(endpoint, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Dispatch posts the batch and decodes one outcome per item.
// Any transport error or non-2xx status fails the whole batch.
func (c *HTTPClient) Dispatch(ctx context.Context, batch []Request) (*BatchOutcome, error) {
	body, err := json.Marshal(BatchRequest{Items: batch})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode batch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+BatchPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "failed to build batch request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "batch request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errors.Newf(errors.ErrTransport, "batch rejected: %s: %s",
			resp.Status, strings.TrimSpace(string(msg)))
	}

	var out BatchOutcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "failed to decode batch outcome", err)
	}

	logging.Debug("Remote batch dispatched", map[string]interface{}{
		"items":       len(batch),
		"outcomes":    len(out.Outcomes),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return &out, nil
}

// Ping issues GET /health.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+HealthPath, nil)
	if err != nil {
		return errors.Wrap(errors.ErrTransport, "failed to build health request", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrTransport, "health check failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrTransport, fmt.Sprintf("health check returned %s", resp.Status))
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
