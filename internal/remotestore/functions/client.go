// Package functions invokes hosted serverless functions over HTTP.
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/visible-governance/platform/internal/shared/config"
)

// ApplicationHeader identifies the calling application on every request.
const ApplicationHeader = "x-application-name"

// Client implements remotestore.Functions against "<base URL>/<name>".
type Client struct {
	baseURL         string
	apiKey          string
	applicationName string
	httpClient      *http.Client
}

// New creates a function client.
func New(cfg config.FunctionsConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		applicationName: cfg.ApplicationName,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// Invoke POSTs payload as JSON and returns the response body.
func (c *Client) Invoke(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.applicationName != "" {
		req.Header.Set(ApplicationHeader, c.applicationName)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("function %s failed: status %d, body: %s", name, resp.StatusCode, string(respBody))
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}
	return json.RawMessage(respBody), nil
}
