// Package waha is the REST client for the WAHA WhatsApp gateway. It covers
// the session lifecycle, QR pairing, messaging, and directory endpoints the
// backend consumes, and converts gateway failures into typed faults
// (*APIError) so callers never branch on raw strings.
package waha

import "time"

// Me identifies the WhatsApp account paired with a session.
type Me struct {
	// ID is the account JID, e.g. "6281234567890@c.us".
	ID       string `json:"id"`
	PushName string `json:"pushName,omitempty"`
}

// Session is a remote gateway session as returned by GET /api/sessions and
// GET /api/sessions/{name}. Battery is only present on some engine versions.
type Session struct {
	Name    string            `json:"name"`
	Status  string            `json:"status"`
	Config  SessionConfig     `json:"config,omitempty"`
	Me      *Me               `json:"me,omitempty"`
	Phone   string            `json:"phone,omitempty"`
	Battery *int              `json:"battery,omitempty"`
	Engine  map[string]string `json:"engine,omitempty"`
}

// SessionConfig is the per-session configuration sent on create/start.
// Metadata must be flat string-to-string; the gateway rejects nesting.
type SessionConfig struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	Webhooks []WebhookConfig   `json:"webhooks,omitempty"`
}

// WebhookConfig subscribes a URL to gateway events for a session.
type WebhookConfig struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

// QRCode is the pairing code returned by GET /api/{session}/auth/qr.
type QRCode struct {
	Value     string    `json:"value"`
	Mimetype  string    `json:"mimetype,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// SendTextRequest is the payload for POST /api/sendText.
type SendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

// SendMediaRequest is the payload for the media send endpoints.
type SendMediaRequest struct {
	Session  string `json:"session"`
	ChatID   string `json:"chatId"`
	Caption  string `json:"caption,omitempty"`
	FileURL  string `json:"url"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// SendResult is the ack returned by the send endpoints.
type SendResult struct {
	MessageID string `json:"id"`
}

// ChatMessage is a message row from GET /api/{session}/chats/{chat}/messages.
type ChatMessage struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	FromMe    bool   `json:"fromMe"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"hasMedia"`
}

// Contact is a directory entry from GET /api/contacts/all.
type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Number string `json:"number,omitempty"`
}

// Group is a group chat from GET /api/{session}/groups.
type Group struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	Participants int    `json:"participants,omitempty"`
}

// ChatListEntry is an entry from GET /api/{session}/chats.
type ChatListEntry struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastMessageAt int64  `json:"lastMessageAt,omitempty"`
	UnreadCount   int    `json:"unreadCount,omitempty"`
	IsGroup       bool   `json:"isGroup,omitempty"`
}
