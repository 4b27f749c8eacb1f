package sideeffect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fleetyard/crewflow/internal/config"
)

// maxErrorBody caps how much of an error response body is read for the
// error message.
const maxErrorBody = 2048

// httpClient is the shared transport for all side effect service clients.
// Every request passes through the breaker; non-2xx responses count as
// failures.
type httpClient struct {
	baseURL   string
	client    *http.Client
	breaker   *breaker
	authToken string
}

func newHTTPClient(cfg config.ServiceClientConfig) *httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := ""
	if cfg.AuthTokenEnv != "" {
		token = os.Getenv(cfg.AuthTokenEnv)
	}
	return &httpClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker:   newBreaker(cfg.Breaker),
		authToken: token,
	}
}

// postJSON sends a JSON request body and decodes a JSON response into out.
// out may be nil when the response body is irrelevant.
func (c *httpClient) postJSON(ctx context.Context, path string, body, out any) error {
	if err := c.breaker.allow(); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.recordFailure()
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.breaker.recordFailure()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	c.breaker.recordSuccess()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}

// head performs a HEAD request and returns the response for header
// inspection. The caller must not read the body; HEAD responses have none.
func (c *httpClient) head(ctx context.Context, path string) (*http.Response, error) {
	if err := c.breaker.allow(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.recordFailure()
		return nil, fmt.Errorf("HEAD %s: %w", path, err)
	}
	resp.Body.Close()

	// 404 is a valid answer to "does this file exist", not a service fault.
	if resp.StatusCode >= 500 {
		c.breaker.recordFailure()
		return nil, fmt.Errorf("HEAD %s: status %d", path, resp.StatusCode)
	}

	c.breaker.recordSuccess()
	return resp, nil
}
