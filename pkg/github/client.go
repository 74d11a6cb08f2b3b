// Package github provides the GitHub REST API client used to enumerate repositories and pull requests.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBaseURL is the public GitHub REST API endpoint.
const DefaultBaseURL = "https://api.github.com"

// Retry defaults.
const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 1 * time.Second
	maxRetryDelay        = 2 * time.Minute
	defaultHTTPTimeout   = 30 * time.Second
)

// ErrNotFound is returned when GitHub answers 404 for a resource.
var ErrNotFound = errors.New("not found")

// Client handles all GitHub API interactions.
type Client struct {
	httpClient    HTTPDoer
	app           *appAuth
	baseURL       string
	token         string
	retryDelay    time.Duration
	retryAttempts uint
	maxPages      int
}

// Config holds configuration for creating a new GitHub client.
type Config struct {
	HTTPClient    HTTPDoer // Optional; defaults to an http.Client with HTTPTimeout
	Token         string   // Personal access token
	AppID         string   // GitHub App ID (used when Token is empty)
	AppKeyPath    string   // GitHub App private key file
	BaseURL       string
	HTTPTimeout   time.Duration
	RetryDelay    time.Duration
	RetryAttempts int
}

// New creates a new GitHub API client using a personal access token or GitHub App authentication.
func New(ctx context.Context, cfg Config) (*Client, error) {
	c := &Client{
		httpClient:    cfg.HTTPClient,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		retryAttempts: uint(cfg.RetryAttempts), //nolint:gosec // validated non-negative by config
		retryDelay:    cfg.RetryDelay,
		maxPages:      defaultMaxPages,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.retryAttempts == 0 {
		c.retryAttempts = defaultRetryAttempts
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}
	if c.httpClient == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}

	if cfg.Token != "" {
		if err := validateToken(cfg.Token); err != nil {
			return nil, err
		}
		c.token = cfg.Token
		slog.Info("Using personal access token authentication", "component", "auth")
		return c, nil
	}

	if cfg.AppID == "" {
		return nil, errors.New("no GitHub credential configured: set a token or a GitHub App ID and key")
	}
	app, err := newAppAuth(ctx, cfg.AppID, cfg.AppKeyPath)
	if err != nil {
		return nil, err
	}
	c.app = app
	slog.Info("Using GitHub App authentication", "component", "auth", "app_id", cfg.AppID)
	return c, nil
}

// Token returns the credential used for requests against org.
// For App authentication this is the installation token for that org.
func (c *Client) Token(ctx context.Context, org string) (string, error) {
	if c.app == nil {
		return c.token, nil
	}
	return c.app.installationToken(ctx, c, org)
}

// drainAndCloseBody drains and closes an HTTP response body to prevent resource leaks.
func drainAndCloseBody(body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		slog.Warn("Failed to drain response body", "error", err)
	}
	if err := body.Close(); err != nil {
		slog.Warn("Failed to close response body", "error", err)
	}
}

// sanitizeURLForLogging strips query parameters other than pagination.
func sanitizeURLForLogging(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "<invalid url>"
	}
	q := url.Values{}
	for _, k := range []string{"page", "per_page", "state", "type"} {
		if v := u.Query().Get(k); v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// doRequest makes an HTTP request to the GitHub API with retry logic.
func (c *Client) doRequest(ctx context.Context, method, apiURL, authToken string) (*http.Response, error) {
	sanitizedURL := sanitizeURLForLogging(apiURL)
	slog.Debug("HTTP request", "component", "http", "method", method, "url", sanitizedURL)

	var resp *http.Response
	err := c.retryWithBackoff(ctx, method+" "+sanitizedURL, func() error {
		req, err := http.NewRequestWithContext(ctx, method, apiURL, http.NoBody)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+authToken)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		localResp, err := c.httpClient.Do(req) //nolint:bodyclose // body is closed below or passed to caller
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if localResp.StatusCode == http.StatusTooManyRequests ||
			(localResp.StatusCode == http.StatusForbidden && localResp.Header.Get("X-RateLimit-Remaining") == "0") {
			drainAndCloseBody(localResp.Body)
			slog.Warn("Rate limited - will retry with backoff", "component", "http", "method", method, "url", sanitizedURL, "status", localResp.StatusCode)
			return fmt.Errorf("http %d: rate limited", localResp.StatusCode)
		}

		if localResp.StatusCode >= http.StatusInternalServerError && localResp.StatusCode < 600 {
			drainAndCloseBody(localResp.Body)
			slog.Warn("Server error - will retry with backoff", "component", "http", "method", method, "url", sanitizedURL, "status", localResp.StatusCode)
			return fmt.Errorf("http %d: server error", localResp.StatusCode)
		}

		resp = localResp
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("HTTP response", "component", "http", "method", method, "url", sanitizedURL, "status", resp.StatusCode)
	return resp, nil
}

// getJSON issues a GET and decodes a 200 response into v.
// org selects the installation token under App authentication.
func (c *Client) getJSON(ctx context.Context, apiURL, org string, v any) error {
	authToken, err := c.Token(ctx, org)
	if err != nil {
		return fmt.Errorf("failed to get token for %s: %w", org, err)
	}

	resp, err := c.doRequest(ctx, http.MethodGet, apiURL, authToken) //nolint:bodyclose // closed via drainAndCloseBody
	if err != nil {
		return err
	}
	defer drainAndCloseBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", sanitizeURLForLogging(apiURL), ErrNotFound)
	default:
		msg, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return fmt.Errorf("GET %s: status %d (could not read body: %w)", sanitizeURLForLogging(apiURL), resp.StatusCode, err)
		}
		return fmt.Errorf("GET %s: status %d: %s", sanitizeURLForLogging(apiURL), resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", sanitizeURLForLogging(apiURL), err)
	}
	return nil
}

// retryWithBackoff executes a function with exponential backoff using the codeGROOVE retry library.
func (c *Client) retryWithBackoff(ctx context.Context, operation string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(maxRetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(c.retryDelay/4),
		retry.OnRetry(func(n uint, err error) {
			slog.Info("Retry attempt", "component", "retry", "operation", operation, "attempt", n+1, "max_attempts", c.retryAttempts, "error", err)
		}),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
}

// isRetryable reports whether err looks transient: rate limits, server errors, and network issues.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "rate limited") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "EOF")
}
