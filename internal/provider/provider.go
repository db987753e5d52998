// Package provider holds the HTTP clients for the external discovery (search)
// and LLM services.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 30 * time.Second

// Error is a failed call to an external provider.
type Error struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewHTTPClient returns a client whose transport is traced and whose requests
// are bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type caller struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func (c caller) post(ctx context.Context, path string, body, out any) error {
	if strings.TrimSpace(c.baseURL) == "" {
		return &Error{Provider: c.name, Err: fmt.Errorf("no base url configured")}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return &Error{Provider: c.name, Err: err}
	}
	endpoint := strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return &Error{Provider: c.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	client := c.client
	if client == nil {
		client = NewHTTPClient(0)
	}
	res, err := client.Do(req)
	if err != nil {
		return &Error{Provider: c.name, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &Error{Provider: c.name, StatusCode: res.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(b)))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Provider: c.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
