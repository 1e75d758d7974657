// Package adminclient wraps the read-only admin HTTP surface a node
// exposes at /health and /debugz/* (the "admin/debug HTTP endpoints"
// spec.md names as an out-of-scope external collaborator — this client
// only talks to that thin surface, never the client wire protocol).
//
// Grounded on the teacher's internal/client.Client: a small struct
// around a base URL and an *http.Client, one method per endpoint,
// errors converted from non-2xx responses into *APIError.
package adminclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one node's admin HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client. timeout of 0 selects a 10 second default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health is the /health response.
type Health struct {
	NodeID string `json:"nodeId"`
	Status string `json:"status"`
}

// Health reports whether the node is up and its self-reported node id.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Partitions is the /debugz/partitions response.
type Partitions struct {
	Version    uint64 `json:"version"`
	Partitions []any  `json:"partitions"`
}

// Partitions fetches the node's view of the partition map.
func (c *Client) Partitions(ctx context.Context) (*Partitions, error) {
	var out Partitions
	if err := c.get(ctx, "/debugz/partitions", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connections is the /debugz/connections response.
type Connections struct {
	Count       int   `json:"count"`
	Connections []any `json:"connections"`
}

// Connections lists the node's live client connections.
func (c *Client) Connections(ctx context.Context) (*Connections, error) {
	var out Connections
	if err := c.get(ctx, "/debugz/connections", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Maps is the /debugz/maps response.
type Maps struct {
	Maps []any `json:"maps"`
}

// Maps lists the CRDT maps the node has created.
func (c *Client) Maps(ctx context.Context) (*Maps, error) {
	var out Maps
	if err := c.get(ctx, "/debugz/maps", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Nodes is the /debugz/nodes response.
type Nodes struct {
	SelfID string `json:"selfId"`
	Nodes  []any  `json:"nodes"`
}

// Nodes lists every member the node currently believes is in the cluster.
func (c *Client) Nodes(ctx context.Context) (*Nodes, error) {
	var out Nodes
	if err := c.get(ctx, "/debugz/nodes", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError carries the HTTP status and message from a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
