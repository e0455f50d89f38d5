// Package client talks to the corral HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"corral/pkg/protocol"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the corral API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// BaseURL returns the server URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func instancePath(id string, suffix ...string) string {
	p := "/api/instances/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// Health reports whether the server answered /health with 200.
func (c *Client) Health(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/health"), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect to API server: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

// CreateInstance uploads the payload file at path.
func (c *Client) CreateInstance(ctx context.Context, path string, cfg *protocol.InstanceConfig) (*protocol.CreateInstanceResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload file: %w", err)
	}
	body := protocol.CreateInstanceRequest{
		Payload: base64.StdEncoding.EncodeToString(data),
		Config:  cfg,
	}

	var out protocol.CreateInstanceResponse
	if err := c.do(ctx, http.MethodPost, "/api/instances", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstances returns every instance.
func (c *Client) ListInstances(ctx context.Context) ([]protocol.InstanceDetails, error) {
	var out []protocol.InstanceDetails
	if err := c.do(ctx, http.MethodGet, "/api/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstance returns one instance.
func (c *Client) GetInstance(ctx context.Context, id string) (*protocol.InstanceDetails, error) {
	var out protocol.InstanceDetails
	if err := c.do(ctx, http.MethodGet, instancePath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteInstance deletes an instance.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, instancePath(id), nil, nil)
}

// Logs returns the last tail lines of an instance's output. A tail of zero
// uses the server default.
func (c *Client) Logs(ctx context.Context, id string, tail int) (*protocol.LogsResponse, error) {
	path := instancePath(id, "logs")
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out protocol.LogsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop stops an instance.
func (c *Client) Stop(ctx context.Context, id string) (*protocol.StatusResponse, error) {
	return c.action(ctx, id, "stop")
}

// Start starts an instance.
func (c *Client) Start(ctx context.Context, id string) (*protocol.StatusResponse, error) {
	return c.action(ctx, id, "start")
}

// Restart restarts an instance.
func (c *Client) Restart(ctx context.Context, id string) (*protocol.StatusResponse, error) {
	return c.action(ctx, id, "restart")
}

func (c *Client) action(ctx context.Context, id, action string) (*protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	if err := c.do(ctx, http.MethodPost, instancePath(id, action), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns up to limit recent lifecycle events.
func (c *Client) Events(ctx context.Context, limit int) ([]protocol.Event, error) {
	path := "/api/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []protocol.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do sends a request and decodes a JSON response into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64*1024))
	var e protocol.ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return e.Error
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return "no error message"
}
