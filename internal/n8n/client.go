// Package n8n is a thin client for the workflow-automation engine. The
// backend only needs two operations: provisioning a workflow (with its
// database bookkeeping done engine-side) when a gateway session is created,
// and tearing it down when the session is deleted.
package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Workflow is the result of creating a workflow: the engine's workflow id
// and the webhook id wired into it.
type Workflow struct {
	WorkflowID string `json:"workflow_id"`
	WebhookID  string `json:"webhook_id"`
}

// Client talks to a single n8n deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New constructs a Client for baseURL authenticated with apiKey.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient overrides the underlying HTTP client. Used by tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// CreateWorkflowWithDatabase provisions a workflow for an organization and
// registers it in the engine's database. payload is the workflow graph
// definition; label is a human-readable name shown in the engine UI.
func (c *Client) CreateWorkflowWithDatabase(ctx context.Context, payload map[string]any, organizationID, userID, label string) (*Workflow, error) {
	body := map[string]any{
		"payload":         payload,
		"organization_id": organizationID,
		"user_id":         userID,
		"label":           label,
	}
	var out Workflow
	if err := c.post(ctx, "/api/v1/workflows", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorkflowWithDatabase tears down a workflow and its database record.
// Deleting an already-gone workflow is not an error.
func (c *Client) DeleteWorkflowWithDatabase(ctx context.Context, workflowID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/workflows/"+workflowID, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("n8n: delete workflow %s: %w", workflowID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("n8n: delete workflow %s: status %d", workflowID, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("n8n: %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("n8n: %s: read response: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("n8n: %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-N8N-API-KEY", c.apiKey)
	}
}
