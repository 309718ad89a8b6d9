// Package waha – HTTP client implementation.
//
// The client performs authenticated JSON round-trips against the gateway's
// REST API. Idempotent GETs are retried a bounded number of times on
// transport errors; mutating calls are never retried (the gateway's own
// webhook redelivery already gives at-least-once semantics downstream).
package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiKeyHeader carries the gateway API key, per WAHA convention.
const apiKeyHeader = "X-Api-Key"

// maxGETRetries bounds transport-error retries for idempotent reads.
const maxGETRetries = 2

// Client talks to a single WAHA deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New constructs a Client for baseURL authenticated with apiKey.
// timeout applies to every round-trip.
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

// GetSessions returns the gateway's full live session list.
func (c *Client) GetSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.get(ctx, "/api/sessions?all=true", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSessionInfo returns a single session by name. Fails with KindNotFound
// when the gateway does not know the session.
func (c *Client) GetSessionInfo(ctx context.Context, name string) (*Session, error) {
	var out Session
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSessionStatus returns just the raw status string for a session.
func (c *Client) GetSessionStatus(ctx context.Context, name string) (string, error) {
	info, err := c.GetSessionInfo(ctx, name)
	if err != nil {
		return "", err
	}
	return info.Status, nil
}

// CreateSession registers a new session with the gateway.
func (c *Client) CreateSession(ctx context.Context, name string, cfg SessionConfig) (*Session, error) {
	body := struct {
		Name   string        `json:"name"`
		Start  bool          `json:"start"`
		Config SessionConfig `json:"config"`
	}{Name: name, Start: false, Config: cfg}
	var out Session
	if err := c.post(ctx, "/api/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSession asks the gateway to start a session. The call is
// fire-and-forget on the gateway side; callers should re-fetch status.
func (c *Client) StartSession(ctx context.Context, name string, cfg SessionConfig) error {
	path := "/api/sessions/" + url.PathEscape(name) + "/start"
	return c.post(ctx, path, cfg, nil)
}

// StopSession stops a session and returns its post-stop info.
func (c *Client) StopSession(ctx context.Context, name string) (*Session, error) {
	var out Session
	path := "/api/sessions/" + url.PathEscape(name) + "/stop"
	if err := c.post(ctx, path, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestartSession restarts a session in place.
func (c *Client) RestartSession(ctx context.Context, name string) error {
	path := "/api/sessions/" + url.PathEscape(name) + "/restart"
	return c.post(ctx, path, struct{}{}, nil)
}

// DeleteSession removes a session from the gateway. A 404 is surfaced as
// KindNotFound; callers treating "already gone" as success must check it.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(name), nil, nil)
}

// GetQRCode fetches the pairing QR for a session. Fails with KindNotFound
// when the session is not in a QR-eligible state.
func (c *Client) GetQRCode(ctx context.Context, name string) (*QRCode, error) {
	var out QRCode
	path := "/api/" + url.PathEscape(name) + "/auth/qr"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendTextMessage sends a plain text message through a session.
func (c *Client) SendTextMessage(ctx context.Context, req SendTextRequest) (*SendResult, error) {
	var out SendResult
	if err := c.post(ctx, "/api/sendText", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMediaMessage sends a media message (image/video/audio/document by URL).
func (c *Client) SendMediaMessage(ctx context.Context, req SendMediaRequest) (*SendResult, error) {
	var out SendResult
	if err := c.post(ctx, "/api/sendFile", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessages returns recent messages for a chat within a session.
func (c *Client) GetMessages(ctx context.Context, session, chatID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	path := fmt.Sprintf("/api/%s/chats/%s/messages?limit=%d",
		url.PathEscape(session), url.PathEscape(chatID), limit)
	var out []ChatMessage
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetContacts returns the session's contact directory.
func (c *Client) GetContacts(ctx context.Context, session string) ([]Contact, error) {
	var out []Contact
	path := "/api/contacts/all?session=" + url.QueryEscape(session)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetGroups returns the session's group chats.
func (c *Client) GetGroups(ctx context.Context, session string) ([]Group, error) {
	var out []Group
	path := "/api/" + url.PathEscape(session) + "/groups"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetChatList returns the session's chat overview.
func (c *Client) GetChatList(ctx context.Context, session string) ([]ChatListEntry, error) {
	var out []ChatListEntry
	path := "/api/" + url.PathEscape(session) + "/chats"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- transport ---

// get performs a GET with bounded transport-error retries.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxGETRetries; attempt++ {
		lastErr = c.do(ctx, http.MethodGet, path, nil, out)
		if lastErr == nil {
			return nil
		}
		// Only transport faults are retried; HTTP-level faults are final.
		var ae *APIError
		if !errors.As(lastErr, &ae) || ae.Status != 0 {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// do performs a single round-trip and maps failures to *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindValidation, Message: "encode request: " + err.Error()}
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return &APIError{Kind: KindValidation, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindRemote, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &APIError{Kind: KindRemote, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode >= 400 {
		return &APIError{
			Kind:    kindForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: remoteMessage(raw),
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		// Some endpoints (delete, restart) answer with an empty success body.
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Kind: KindRemote, Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}

// remoteMessage extracts a human-readable message from an error body,
// falling back to the raw (truncated) text.
func remoteMessage(raw []byte) string {
	var env struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		if env.Message != "" {
			return env.Message
		}
		if env.Error != "" {
			return env.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
