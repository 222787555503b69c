// Package transport is the HTTP layer underneath the typed Matrix API
// client: bearer auth, 429/backoff retry, redacted logging, and
// the taxonomy of connection/timeout/request errors the rest of the daemon
// reacts to.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/basket/activematrix/internal/redact"
)

const (
	defaultTimeout    = 30 * time.Second
	maxRetryBackoff   = 30 * time.Second
	initialRetryDelay = 500 * time.Millisecond
	// maxRetries allows 10 total attempts (the initial request plus 9
	// retries) before a persistent 429 surfaces as RequestError{429}.
	maxRetries = 9
)

// Client issues authenticated HTTP requests against a single Matrix
// homeserver base URL.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (e.g. in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger; requests are logged with
// Authorization headers redacted.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client bound to baseURL with the given bearer access token.
// accessToken may be empty for pre-authentication requests (login, register).
func New(baseURL, accessToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAccessToken updates the bearer token used for subsequent requests,
// used after a successful login/register exchange.
func (c *Client) SetAccessToken(token string) {
	c.accessToken = token
}

// Do sends a JSON request to path (resolved against baseURL) and decodes
// the JSON response body into out. body may be nil for requests with no
// payload; out may be nil to discard the response body.
//
// Requests are retried with exponential backoff (initialRetryDelay, capped
// at maxRetryBackoff) on connection failures and on M_LIMIT_EXCEEDED,
// honoring the server's retry_after_ms when present.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	u.Path = u.Path + path

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	} else if method == http.MethodPut || method == http.MethodPost {
		// Matrix CS API requires a JSON body even for empty PUTs (e.g. typing
		// notifications with no extra fields still expect "{}").
		bodyBytes = []byte("{}")
	}

	delay := initialRetryDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryBackoff {
				delay = maxRetryBackoff
			}
		}

		err := c.doOnce(ctx, method, u.String(), bodyBytes, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var connErr *ConnectionError
		var reqErr *RequestError
		switch {
		case errors.As(err, &connErr):
			c.logger.Warn("transport retrying after connection error",
				"method", method, "url", redact.Redact(u.String()), "attempt", attempt, "error", err)
			continue
		case errors.As(err, &reqErr) && reqErr.IsRateLimited():
			if reqErr.RetryAfterMS > 0 {
				delay = time.Duration(reqErr.RetryAfterMS) * time.Millisecond
			}
			c.logger.Warn("transport rate limited, backing off",
				"method", method, "url", redact.Redact(u.String()), "retry_after_ms", reqErr.RetryAfterMS)
			continue
		default:
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, fullURL string, bodyBytes []byte, out any) error {
	var reqBody io.Reader
	if bodyBytes != nil {
		reqBody = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	c.logger.Debug("transport request", "method", method, "url", redact.Redact(fullURL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TimeoutError{URL: redact.Redact(fullURL), Err: err}
		}
		if ctx.Err() != nil {
			return &TimeoutError{URL: redact.Redact(fullURL), Err: ctx.Err()}
		}
		return &ConnectionError{URL: redact.Redact(fullURL), Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{URL: redact.Redact(fullURL), Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode >= 500 {
		if resp.StatusCode == http.StatusGatewayTimeout {
			return &TimeoutError{URL: redact.Redact(fullURL), Err: fmt.Errorf("homeserver returned %d", resp.StatusCode)}
		}
		return &ConnectionError{URL: redact.Redact(fullURL), Err: fmt.Errorf("homeserver returned %d", resp.StatusCode)}
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			ErrCode      string `json:"errcode"`
			Error        string `json:"error"`
			RetryAfterMS int    `json:"retry_after_ms"`
		}
		_ = json.Unmarshal(respBytes, &apiErr)
		return &RequestError{
			StatusCode:   resp.StatusCode,
			ErrCode:      apiErr.ErrCode,
			ErrMsg:       apiErr.Error,
			RetryAfterMS: apiErr.RetryAfterMS,
		}
	}

	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}
