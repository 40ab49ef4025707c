package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnreachable means the routing layer did not accept the call; the
// caller retries with backoff, it is never fatal.
var ErrUnreachable = errors.New("routing: layer unreachable")

// ErrStaleVersion means the routing layer rejected a weight command
// whose version is not newer than the last applied one.
var ErrStaleVersion = errors.New("routing: stale command version")

// WeightCommand tells the routing layer what fraction of inbound
// traffic to divert to the buffer path. Versions are monotonic; the
// routing layer rejects a command whose version is not greater than
// the last one it applied.
type WeightCommand struct {
	BufferWeight int    `json:"buffer_weight"`
	Version      uint64 `json:"version"`
}

// Client is the routing layer as seen by this subsystem: weight
// control for the mode controller, resubmission for the replay engine.
type Client interface {
	SetWeight(ctx context.Context, cmd WeightCommand) error
	AppliedWeight(ctx context.Context) (int, error)
	Resubmit(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPConfig configures the HTTP routing client
type HTTPConfig struct {
	ControlURL     string        `json:"control_url"`
	ResubmitURL    string        `json:"resubmit_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// Validate checks configuration
func (c *HTTPConfig) Validate() error {
	if c.ControlURL == "" {
		return errors.New("routing: control URL is required")
	}
	if c.ResubmitURL == "" {
		return errors.New("routing: resubmit URL is required")
	}
	return nil
}

// HTTPClient talks to the routing layer's control API over HTTP.
type HTTPClient struct {
	config     *HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP routing client
func NewHTTPClient(config *HTTPConfig) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// SetWeight implements Client.
func (c *HTTPClient) SetWeight(ctx context.Context, cmd WeightCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("routing: encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.ControlURL+"/weight", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("routing: build command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Already applied a newer version; duplicate or stale command.
		return ErrStaleVersion
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("%w: weight command returned %d", ErrUnreachable, resp.StatusCode)
	}
}

// AppliedWeight implements Client.
func (c *HTTPClient) AppliedWeight(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.ControlURL+"/weight", nil)
	if err != nil {
		return 0, fmt.Errorf("routing: build weight request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: weight read returned %d", ErrUnreachable, resp.StatusCode)
	}

	var applied struct {
		BufferWeight int `json:"buffer_weight"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&applied); err != nil {
		return 0, fmt.Errorf("routing: decode weight: %w", err)
	}
	return applied.BufferWeight, nil
}

// Resubmit implements Client. Replayed requests re-enter the normal
// admission path at the routing layer; the replay marker is for
// observability only.
func (c *HTTPClient) Resubmit(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	target := c.config.ResubmitURL + req.URL.RequestURI()
	rebuilt, err := http.NewRequestWithContext(ctx, out.Method, target, out.Body)
	if err != nil {
		return nil, fmt.Errorf("routing: build resubmission: %w", err)
	}
	rebuilt.Header = out.Header

	resp, err := c.httpClient.Do(rebuilt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}
