// Package client is the Go client test runners use to obtain and release
// browser instances from a browserd service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultCreateAttempts = 3
	DefaultCreateDelay    = time.Second

	tokenHeader = "X-Browserd-Token"
)

// ErrNotFound is returned when the service does not know the instance.
var ErrNotFound = errors.New("instance not found")

// APIError is a non-2xx answer from the service.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("browserd %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Temporary reports whether retrying the create may succeed once other
// runners release their instances.
func (e *APIError) Temporary() bool {
	return strings.Contains(e.Message, "no free port") ||
		strings.Contains(e.Message, "address already in use")
}

type Instance struct {
	ID         string `json:"id"`
	WSEndpoint string `json:"wsEndpoint"`
	Message    string `json:"message"`
}

type DeleteResult struct {
	Message  string   `json:"message"`
	Warnings []string `json:"warnings,omitempty"`
}

type Contexts struct {
	ActiveContexts []string `json:"activeContexts"`
	Count          int      `json:"count"`
	UsedPorts      []int    `json:"usedPorts"`
}

type Health struct {
	Status         string    `json:"status"`
	ActiveContexts int       `json:"activeContexts"`
	UsedPorts      int       `json:"usedPorts"`
	Timestamp      time.Time `json:"timestamp"`
}

// Client talks to the browserd provisioning API.
type Client struct {
	baseURL string
	token   string

	createAttempts int
	createDelay    time.Duration

	http   *http.Client
	logger *slog.Logger
}

type Option func(*Client)

// WithToken sets the shared API token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCreateRetry sets how often CreateInstance tries while the pool is
// exhausted, and the pause between tries.
func WithCreateRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.createAttempts = attempts
		c.createDelay = delay
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.CheckRetry = transportRetryPolicy
	retryClient.Logger = nil // suppress default logging

	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		createAttempts: DefaultCreateAttempts,
		createDelay:    DefaultCreateDelay,
		http:           retryClient.StandardClient(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.createAttempts < 1 {
		c.createAttempts = 1
	}
	return c
}

// BaseURLFromEnv returns DOCKER_API_URL when DOCKER=true and API_BASE_URL
// otherwise, with defaults matching the service's compose and local setups.
func BaseURLFromEnv() string {
	if os.Getenv("DOCKER") == "true" {
		if v := os.Getenv("DOCKER_API_URL"); v != "" {
			return v
		}
		return "http://browserd:3000"
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		return v
	}
	return "http://localhost:3000"
}

// CreateInstance asks for a new browser. Pool exhaustion and port races
// are retried; any other failure is returned at once.
func (c *Client) CreateInstance(ctx context.Context) (*Instance, error) {
	var lastErr error
	for attempt := 1; attempt <= c.createAttempts; attempt++ {
		var inst Instance
		err := c.doJSON(ctx, http.MethodPost, "/instance", &inst)
		if err == nil {
			c.logger.Debug("browser instance created", "id", inst.ID, "endpoint", inst.WSEndpoint)
			return &inst, nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Temporary() {
			return nil, fmt.Errorf("create instance: %w", err)
		}
		lastErr = err

		if attempt == c.createAttempts {
			break
		}
		c.logger.Warn("no browser port available, retrying",
			"attempt", attempt,
			"delay", c.createDelay.String(),
		)

		timer := time.NewTimer(c.createDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("create instance: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("create instance after %d attempts: %w", c.createAttempts, lastErr)
}

func (c *Client) DeleteInstance(ctx context.Context, id string) (*DeleteResult, error) {
	var res DeleteResult
	if err := c.doJSON(ctx, http.MethodDelete, "/instance/"+id, &res); err != nil {
		return nil, fmt.Errorf("delete instance %s: %w", id, err)
	}
	return &res, nil
}

func (c *Client) Contexts(ctx context.Context) (*Contexts, error) {
	var res Contexts
	if err := c.doJSON(ctx, http.MethodGet, "/contexts", &res); err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	return &res, nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var res Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", &res); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &res, nil
}

// --- internal ---

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// transportRetryPolicy retries connection failures and gateway errors only.
// Application errors such as an exhausted pool are left to the caller.
func transportRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}
