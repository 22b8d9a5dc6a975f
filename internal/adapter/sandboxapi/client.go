// Package sandboxapi talks to the sandbox platform's control API.
package sandboxapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	portsandbox "github.com/alanyang/agent-forge/internal/port/sandbox"
)

var _ portsandbox.Provisioner = (*Client)(nil)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Stop(ctx context.Context, instanceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/instances/"+instanceID+"/stop", nil)
	if err != nil {
		return fmt.Errorf("building stop request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stopping instance %s: %w", instanceID, err)
	}
	defer resp.Body.Close()

	// Stopping an already-stopped instance is not an error.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stop instance %s: status %d: %s", instanceID, resp.StatusCode, msg)
	}
	return nil
}

func (c *Client) IsConnected(ctx context.Context, instanceID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/instances/"+instanceID, nil)
	if err != nil {
		return false, fmt.Errorf("building status request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying instance %s: %w", instanceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("instance status %s: status %d: %s", instanceID, resp.StatusCode, msg)
	}

	var out struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding instance status: %w", err)
	}
	return out.State == "running", nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
