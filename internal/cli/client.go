package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx answer from the controller.
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string]string
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		parts = append(parts, k+": "+v)
	}
	return fmt.Sprintf("%d %s: %s (%s)", e.StatusCode, http.StatusText(e.StatusCode), e.Message, strings.Join(parts, ", "))
}

// Client calls the controller's /v1 API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the controller at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/v1",
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

type actor struct {
	Email string `json:"email"`
	Group string `json:"group"`
}

type processBody struct {
	Actor       actor  `json:"actor"`
	Description string `json:"description,omitempty"`
}

type actorBody struct {
	Actor actor `json:"actor"`
}

// Process advances the clearing of releaseID and returns the raw process JSON.
func (c *Client) Process(ctx context.Context, releaseID string, a actor, description string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, "/releases/"+url.PathEscape(releaseID)+"/clearing",
		processBody{Actor: a, Description: description}, &out)
	return out, err
}

// MarkOutdated retires the active process of releaseID.
func (c *Client) MarkOutdated(ctx context.Context, releaseID string, a actor) error {
	return c.do(ctx, http.MethodPost, "/releases/"+url.PathEscape(releaseID)+"/clearing/outdated", actorBody{Actor: a}, nil)
}

// TriggerReport requests a fresh clearing report for releaseID.
func (c *Client) TriggerReport(ctx context.Context, releaseID string, a actor) error {
	return c.do(ctx, http.MethodPost, "/releases/"+url.PathEscape(releaseID)+"/clearing/report", actorBody{Actor: a}, nil)
}

// Get fetches path and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error  string            `json:"error"`
			Fields map[string]string `json:"fields"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Fields = payload.Fields
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		// Bodies of failed connection checks still carry the answer.
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable && payload.Error == "" {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
