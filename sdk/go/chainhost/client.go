// Package chainhost is a Go client for the ChainHost REST API.
package chainhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Activation statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the ChainHost REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Resource is an opaque resource record. Every resource carries a "name".
type Resource map[string]any

// Plugin describes an activated plugin and its current resources.
type Plugin struct {
	Name          string                `json:"name"`
	Description   string                `json:"description,omitempty"`
	Version       string                `json:"version,omitempty"`
	Dependencies  []string              `json:"dependencies,omitempty"`
	Capabilities  []string              `json:"capabilities,omitempty"`
	ResourceTypes []string              `json:"resource_types"`
	Resources     map[string][]Resource `json:"resources"`
}

// ActivationOutcome is the result of a processed activation batch.
type ActivationOutcome struct {
	Activated []string          `json:"activated"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Activation is a queued plugin activation request.
type Activation struct {
	ID        string             `json:"id"`
	Plugins   []string           `json:"plugins"`
	Status    string             `json:"status"`
	Outcome   *ActivationOutcome `json:"outcome,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	ErrorCode string             `json:"error_code,omitempty"`
	CreatedAt int64              `json:"created_at"`
	UpdatedAt int64              `json:"updated_at"`
}

// Finished reports whether the request reached a terminal status.
func (a Activation) Finished() bool {
	switch a.Status {
	case StatusSucceeded, StatusPartial, StatusFailed:
		return true
	default:
		return false
	}
}

// DescribeRow is one row of the server's debug tree.
type DescribeRow struct {
	Key   string        `json:"key"`
	Value string        `json:"value,omitempty"`
	Table []DescribeRow `json:"table,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainhost api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainhost api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainHost API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// ListPlugins returns the activated plugins in activation order.
func (c *Client) ListPlugins(ctx context.Context) ([]Plugin, error) {
	var plugins []Plugin
	if err := c.send(ctx, http.MethodGet, "/api/v1/plugins", nil, nil, &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// ActivatePlugins queues an activation batch. id may be empty, in which case
// the server assigns one. Resubmitting an existing id returns that request.
func (c *Client) ActivatePlugins(ctx context.Context, id string, plugins ...string) (Activation, error) {
	payload := struct {
		ID      string   `json:"id,omitempty"`
		Plugins []string `json:"plugins"`
	}{ID: id, Plugins: plugins}
	var act Activation
	if err := c.send(ctx, http.MethodPost, "/api/v1/plugins", nil, payload, &act); err != nil {
		return Activation{}, err
	}
	return act, nil
}

// GetActivation fetches one activation request.
func (c *Client) GetActivation(ctx context.Context, id string) (Activation, error) {
	var act Activation
	if err := c.send(ctx, http.MethodGet, "/api/v1/plugins/activations/"+url.PathEscape(id), nil, nil, &act); err != nil {
		return Activation{}, err
	}
	return act, nil
}

// ListActivations returns recent activation requests, optionally filtered by
// status.
func (c *Client) ListActivations(ctx context.Context, limit int, statuses ...string) ([]Activation, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	for i, status := range statuses {
		if i == 0 {
			query.Set("status", status)
			continue
		}
		query.Set("status", query.Get("status")+","+status)
	}
	var acts []Activation
	if err := c.send(ctx, http.MethodGet, "/api/v1/plugins/activations", query, nil, &acts); err != nil {
		return nil, err
	}
	return acts, nil
}

// WaitActivation polls until the request finishes or ctx is done.
func (c *Client) WaitActivation(ctx context.Context, id string, interval time.Duration) (Activation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		act, err := c.GetActivation(ctx, id)
		if err != nil {
			return Activation{}, err
		}
		if act.Finished() {
			return act, nil
		}
		select {
		case <-ctx.Done():
			return act, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListResources returns the resources of one resource type of a plugin.
func (c *Client) ListResources(ctx context.Context, plugin, resourceType string) ([]Resource, error) {
	query := url.Values{"plugin": {plugin}, "type": {resourceType}}
	var list []Resource
	if err := c.send(ctx, http.MethodGet, "/api/v1/resources", query, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetResource fetches one resource by name.
func (c *Client) GetResource(ctx context.Context, plugin, resourceType, name string) (Resource, error) {
	query := url.Values{"plugin": {plugin}, "type": {resourceType}, "name": {name}}
	var res Resource
	if err := c.send(ctx, http.MethodGet, "/api/v1/resources", query, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// CreateResource asks the plugin's manager to create a resource.
func (c *Client) CreateResource(ctx context.Context, plugin, resourceType string, spec Resource) (Resource, error) {
	payload := struct {
		Plugin   string   `json:"plugin"`
		Type     string   `json:"type"`
		Resource Resource `json:"resource"`
	}{Plugin: plugin, Type: resourceType, Resource: spec}
	var res Resource
	if err := c.send(ctx, http.MethodPost, "/api/v1/resources", nil, payload, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteResource removes a resource by name.
func (c *Client) DeleteResource(ctx context.Context, plugin, resourceType, name string) error {
	query := url.Values{"plugin": {plugin}, "type": {resourceType}, "name": {name}}
	return c.send(ctx, http.MethodDelete, "/api/v1/resources", query, nil, nil)
}

// Debug returns the engine's introspection tree.
func (c *Client) Debug(ctx context.Context) ([]DescribeRow, error) {
	var rows []DescribeRow
	if err := c.send(ctx, http.MethodGet, "/api/v1/debug", nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
