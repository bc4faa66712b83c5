// Package api provides the client for the remote persistence service. One
// REST resource exists per entity type; every request carries a bearer
// token from the auth collaborator.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/doselog/doselog/internal/auth"
	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/models"
)

// Config holds remote API connection configuration.
type Config struct {
	BaseURL           string
	Timeout           time.Duration // per-request; default 30s
	RequestsPerSecond float64       // default 10
}

// Client talks to the remote replica. Errors are classified into the codes
// the sync processor's retry policy understands: NETWORK_ERROR and
// SERVER_ERROR are retryable, CLIENT_ERROR and AUTH_ERROR are terminal.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	limiter    *rate.Limiter
}

// envelope is the remote response wrapper: { success, data }.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewClient creates a new Client.
func NewClient(config *Config, tokens auth.TokenSource) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := config.RequestsPerSecond
	if rps == 0 {
		rps = 10
	}
	return &Client{
		baseURL: config.BaseURL,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// List fetches the full remote collection for an entity type.
func (c *Client) List(ctx context.Context, entityType models.EntityType) ([]json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/%s", entityType), nil)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrap(errors.ErrParse,
			fmt.Sprintf("failed to decode %s collection", entityType), err)
	}
	return items, nil
}

// Create posts a new entity. The remote mints an id if the payload has none.
func (c *Client) Create(ctx context.Context, entityType models.EntityType, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/%s", entityType), payload)
}

// Update patches an existing entity with a partial payload.
func (c *Client) Update(ctx context.Context, entityType models.EntityType, id string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/v1/%s/%s", entityType, id), payload)
}

// Delete removes an entity from the remote replica.
func (c *Client) Delete(ctx context.Context, entityType models.EntityType, id string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/%s/%s", entityType, id), nil)
	return err
}

// do executes one request. A 401 response triggers a forced token refresh
// and a single retry; it never enters the backoff path.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "rate limiter interrupted", err)
	}

	token, err := c.tokens.IDToken(ctx, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.execute(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		token, err = c.tokens.IDToken(ctx, true)
		if err != nil {
			return nil, err
		}
		resp, err = c.execute(ctx, method, path, body, token)
		if err != nil {
			return nil, err
		}
	}

	defer resp.Body.Close()
	return c.classify(resp, method, path)
}

func (c *Client) execute(ctx context.Context, method, path string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork,
			fmt.Sprintf("%s %s failed", method, path), err)
	}
	return resp, nil
}

// classify maps the response status to the error taxonomy and unwraps the
// success envelope.
func (c *Client) classify(resp *http.Response, method, path string) (json.RawMessage, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errors.Newf(errors.ErrAuth,
			"%s %s unauthorized after token refresh", method, path)
	case resp.StatusCode >= 500:
		return nil, errors.Newf(errors.ErrServer,
			"%s %s returned status %d: %s", method, path, resp.StatusCode, truncate(raw))
	case resp.StatusCode >= 400:
		return nil, errors.Newf(errors.ErrClient,
			"%s %s returned status %d: %s", method, path, resp.StatusCode, truncate(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(errors.ErrParse,
			fmt.Sprintf("failed to decode %s %s response", method, path), err)
	}
	if !env.Success {
		// The remote accepted the request but reports failure; treat it
		// like a server fault so the operation retries.
		return nil, errors.Newf(errors.ErrServer,
			"%s %s reported failure: %s", method, path, env.Error)
	}
	return env.Data, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
