// Package backend speaks to remote rendering instances over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v0 "renderflow/internal/contracts/render/v0"
	"renderflow/internal/pkg/errors"
)

// Client is one connection to a rendering backend. Implementations must
// be safe for use by a single worker goroutine; the pool serializes
// access per instance.
type Client interface {
	// Connect performs the initial handshake. Must be called before Execute.
	Connect(ctx context.Context) error
	// Execute submits a job and blocks until the backend reports a
	// terminal state or ctx is done.
	Execute(ctx context.Context, spec v0.RenderSpec) error
	// Health probes the backend without side effects.
	Health(ctx context.Context) error
	// Interrupt asks the backend to abort whatever it is running.
	Interrupt(ctx context.Context) error
	Close() error
}

type HTTPClient struct {
	instanceID   string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

type Option func(*HTTPClient)

func WithPollInterval(d time.Duration) Option {
	return func(c *HTTPClient) { c.pollInterval = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.client = hc }
}

func NewHTTPClient(instanceID, baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		instanceID:   instanceID,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Connect(ctx context.Context) error {
	if err := c.Health(ctx); err != nil {
		return errors.Connection(c.instanceID, err)
	}
	return nil
}

func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errors.Connection(c.instanceID, err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return errors.Connection(c.instanceID, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errors.Connection(c.instanceID, fmt.Errorf("health http %d", res.StatusCode))
	}
	return nil
}

// Execute manda el spec y hace polling del estado hasta terminar.
func (c *HTTPClient) Execute(ctx context.Context, spec v0.RenderSpec) error {
	if err := c.post(ctx, "/render/v0", spec); err != nil {
		return err
	}
	return c.waitDone(ctx, spec.JobID)
}

func (c *HTTPClient) Interrupt(ctx context.Context) error {
	if err := c.post(ctx, "/interrupt", struct{}{}); err != nil {
		return errors.Connection(c.instanceID, err)
	}
	return nil
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return errors.Connection(c.instanceID, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return errors.Connection(c.instanceID, fmt.Errorf("backend http %d: %s", res.StatusCode, msg))
	}
	return nil
}

func (c *HTTPClient) waitDone(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		state, err := c.jobState(ctx, jobID)
		if err != nil {
			return err
		}
		switch state.Status {
		case "completed":
			return nil
		case "failed":
			return errors.Execution(jobID, fmt.Errorf("backend reported failure: %s", state.Error))
		}
		// queued o running: seguimos esperando
	}
}

func (c *HTTPClient) jobState(ctx context.Context, jobID string) (*v0.JobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, errors.Connection(c.instanceID, err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Connection(c.instanceID, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Connection(c.instanceID, fmt.Errorf("job state http %d", res.StatusCode))
	}
	var state v0.JobState
	if err := json.NewDecoder(res.Body).Decode(&state); err != nil {
		return nil, errors.Connection(c.instanceID, err)
	}
	return &state, nil
}
