package api

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

	"overlayctl/internal/model"
)

// Client is a thin HTTP client for the control-plane API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g.
// http://host:port). A bare host:port gets an http scheme.
func NewClient(baseURL string) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Health checks the control plane. Any status other than "healthy",
// or a transport failure, is an error.
func (c *Client) Health(ctx context.Context) error {
	var resp HealthResponse
	if err := c.getJSON(ctx, "/health", &resp); err != nil {
		return err
	}
	if resp.Status != HealthOK {
		return fmt.Errorf("control plane unhealthy: %q", resp.Status)
	}
	return nil
}

// RequestRoute asks the control plane for a route.
func (c *Client) RequestRoute(ctx context.Context, req model.RouteRequest) (RouteResponse, error) {
	var resp RouteResponse
	if err := c.postJSON(ctx, "/api/v1/routes", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// RegisterNode registers or refreshes an overlay node.
func (c *Client) RegisterNode(ctx context.Context, node model.Node) (model.Node, error) {
	var resp model.Node
	if err := c.postJSON(ctx, "/api/v1/nodes", node, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Heartbeat refreshes a node's liveness.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) error {
	return c.postJSON(ctx, "/api/v1/nodes/"+url.PathEscape(nodeID)+"/heartbeat", nil, nil)
}

// GetNode fetches one node record.
func (c *Client) GetNode(ctx context.Context, nodeID string) (model.Node, error) {
	var resp model.Node
	if err := c.getJSON(ctx, "/api/v1/nodes/"+url.PathEscape(nodeID), &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// RegisterRelayEndpoint announces the client tunnel's local endpoint.
func (c *Client) RegisterRelayEndpoint(ctx context.Context, req RelayEndpointRequest) error {
	return c.postJSON(ctx, "/api/v1/relay-endpoints", req, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		var apiErr ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, apiErr.Error)
		}
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
