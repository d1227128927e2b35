package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rickgao/exchange-core/internal/gateway"
)

// APIError represents a failed gateway request.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Account    string // account at fault, when the gateway names one
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("exchange api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("exchange api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap returns the engine sentinel for Code, if any.
func (e *APIError) Unwrap() error {
	return gateway.ErrorForCode(e.Code)
}

// IsRetryable reports whether the request can be repeated safely for
// method: the rate limiter rejected it, or a GET hit a server error.
func (e *APIError) IsRetryable(method string) bool {
	if e.Code == "rate_limited" {
		return true
	}
	return method == http.MethodGet && e.StatusCode >= 500
}

// doRequest performs one HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(gateway.HeaderActor, c.actor)
	}
	if c.creds != nil {
		signed, err := c.creds.SignRequest(method, req.URL.Path)
		if err != nil {
			return nil, err
		}
		for k, v := range signed {
			req.Header[k] = v
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Account string `json:"account"`
		}
		if json.Unmarshal(data, &eb) == nil && eb.Code != "" {
			apiErr.Code, apiErr.Message, apiErr.Account = eb.Code, eb.Message, eb.Account
		}
		return nil, apiErr
	}

	return data, nil
}

// doWithRetry performs a request with exponential backoff retry.
func (c *Client) doWithRetry(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		data, err := c.doRequest(ctx, method, path, payload)
		if err == nil {
			return data, nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable(method) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// get performs a GET request with retries.
func (c *Client) get(ctx context.Context, path string, result any) error {
	data, err := c.doWithRetry(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// post sends body (nil for none) and decodes the response into result.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	data, err := c.doWithRetry(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
