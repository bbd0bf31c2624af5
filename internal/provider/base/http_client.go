package base

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"paygate/internal/provider"
)

// HTTPClient provides common HTTP functionality for providers
type HTTPClient struct {
	client  *http.Client
	baseURL string
	name    string // provider name for logging
	retries uint64
}

// NewHTTPClient creates a new HTTP client; every call is bounded by timeout.
func NewHTTPClient(providerName string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second // default timeout
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		name:    providerName,
		retries: 2,
	}
}

// SetBaseURL sets the base URL for all requests
func (c *HTTPClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// SetRetries sets how many times idempotent requests are retried.
func (c *HTTPClient) SetRetries(n uint64) {
	c.retries = n
}

// PostJSON makes a POST request with JSON payload. It is sent once: a
// create call must not be repeated blindly.
func (c *HTTPClient) PostJSON(ctx context.Context, endpoint string, payload any, headers map[string]string) (*HTTPResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
	}
	return c.Do(ctx, http.MethodPost, endpoint, body, headers, false)
}

// Get makes a GET request, retried on transport errors and 5xx
func (c *HTTPClient) Get(ctx context.Context, endpoint string, headers map[string]string) (*HTTPResponse, error) {
	return c.Do(ctx, http.MethodGet, endpoint, nil, headers, true)
}

// Delete makes a DELETE request, retried like Get
func (c *HTTPClient) Delete(ctx context.Context, endpoint string, headers map[string]string) (*HTTPResponse, error) {
	return c.Do(ctx, http.MethodDelete, endpoint, nil, headers, true)
}

// Do sends one request. With retry set, transport failures and 5xx answers
// are retried with exponential backoff.
func (c *HTTPClient) Do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string, retry bool) (*HTTPResponse, error) {
	url := c.baseURL + endpoint

	var resp *HTTPResponse
	op := func() error {
		r, err := c.send(ctx, method, url, body, headers)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			resp = r
			return &provider.ProviderError{
				Code:        provider.ErrProviderDown,
				Message:     fmt.Sprintf("%s answered %d", c.name, r.StatusCode),
				ProviderErr: truncate(r.String(), 256),
				Retryable:   true,
			}
		}
		resp = r
		return nil
	}

	if !retry || c.retries == 0 {
		err := op()
		return resp, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx),
		func(err error, wait time.Duration) {
			log.Warn().
				Str("provider", c.name).
				Str("url", url).
				Dur("wait", wait).
				Err(err).
				Msg("HTTP request failed, retrying")
		})
	return resp, err
}

func (c *HTTPClient) send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*HTTPResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	// Set default headers
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("PayGate/%s", c.name))

	// Add custom headers
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	// Log the request (without sensitive data)
	log.Debug().
		Str("provider", c.name).
		Str("method", method).
		Str("url", url).
		Msg("making HTTP request")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Error().
			Str("provider", c.name).
			Str("url", url).
			Err(err).
			Msg("HTTP request failed")
		code := provider.ErrProviderDown
		var to interface{ Timeout() bool }
		if errors.As(err, &to) && to.Timeout() {
			code = provider.ErrProviderTimeout
		}
		return nil, &provider.ProviderError{
			Code:        code,
			Message:     "HTTP request failed",
			ProviderErr: err.Error(),
			Retryable:   true,
		}
	}

	return c.handleResponse(resp)
}

// handleResponse processes the HTTP response
func (c *HTTPClient) handleResponse(resp *http.Response) (*HTTPResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	httpResp := &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}

	// Log response (without sensitive data in body)
	log.Debug().
		Str("provider", c.name).
		Int("status_code", resp.StatusCode).
		Int("body_length", len(body)).
		Msg("received HTTP response")

	return httpResp, nil
}

// HTTPResponse represents an HTTP response
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// IsSuccess checks if the response indicates success (2xx status code)
func (r *HTTPResponse) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the response body into the provided struct
func (r *HTTPResponse) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns the response body as a string
func (r *HTTPResponse) String() string {
	return string(r.Body)
}

// RawJSON returns the body when it is valid JSON, for the payment log.
func (r *HTTPResponse) RawJSON() json.RawMessage {
	if r == nil || !json.Valid(r.Body) {
		return nil
	}
	return json.RawMessage(r.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
