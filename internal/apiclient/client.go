// Package apiclient sends patient statuses to the CKG receiving API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/sitb-ckg/internal/ckg"
	"github.com/marko911/sitb-ckg/internal/retry"
)

// UserAgent identifies the bridge to the receiving API.
const UserAgent = "CKG-API-Client/1.0"

// ErrStatus is matched by every StatusError.
var ErrStatus = errors.New("unexpected response status")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d", ErrStatus, e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// DefaultRetry retries a failed post twice with exponential backoff.
var DefaultRetry = retry.Policy{
	MaxAttempts: 3,
	Backoff:     retry.Exponential(time.Second, 10*time.Second),
}

// Retryable reports whether a failed post may be sent again: transport
// errors, 429 and 5xx responses. Other statuses are final.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	return true
}

// maxBodyLog bounds how much of a response body is kept for logging.
const maxBodyLog = 4096

// Config configures the API client.
type Config struct {
	BaseURL   string
	Endpoint  string
	APIKey    string
	APIHeader string
	Timeout   time.Duration

	// Retry bounds attempts per batch. A zero policy uses DefaultRetry.
	Retry retry.Policy
}

// Response describes a completed request.
type Response struct {
	StatusCode int
	RequestID  string
	Body       []byte
}

// Client posts status batches to the receiving API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client. The API header name is used as configured, with
// any trailing colon removed.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.APIHeader = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(cfg.APIHeader), ":"))
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetry
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = Retryable
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "apiclient"),
	}
}

// URL returns the full endpoint URL.
func (c *Client) URL() string {
	endpoint := c.cfg.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.cfg.BaseURL + endpoint
}

// SendStatuses posts statuses as a JSON array, retrying transient failures
// under the configured policy. A non-2xx response returns a *StatusError
// together with the last response.
func (c *Client) SendStatuses(ctx context.Context, statuses []ckg.StatusPasien) (*Response, error) {
	if statuses == nil {
		statuses = []ckg.StatusPasien{}
	}
	body, err := json.Marshal(statuses)
	if err != nil {
		return nil, fmt.Errorf("marshal statuses: %w", err)
	}

	var last *Response
	err = c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		resp, err := c.post(ctx, body, len(statuses))
		last = resp
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("post failed, retrying",
			"url", c.URL(),
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	return last, err
}

func (c *Client) post(ctx context.Context, body []byte, items int) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.cfg.APIKey != "" && c.cfg.APIHeader != "" {
		req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.URL(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result := &Response{
		StatusCode: resp.StatusCode,
		RequestID:  requestID,
		Body:       respBody,
	}

	c.logger.Debug("post request",
		"url", c.URL(),
		"request_id", requestID,
		"status", resp.StatusCode,
		"items", items,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &StatusError{Code: resp.StatusCode}
	}
	return result, nil
}
