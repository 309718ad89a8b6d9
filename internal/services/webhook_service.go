// Package services – WebhookService
//
// This file implements webhook ingestion: one inbound gateway delivery is
// classified by event type, its message extracted from either the standard
// or the legacy payload shape, and routed down the incoming (customer to
// system) or outgoing (bot/agent echo) path. Both paths deduplicate inside
// a row-locked transaction because gateways redeliver webhooks at least
// once under their own retry policies.
//
// All faults are converted into structured WebhookResult values rather than
// propagated; the webhook endpoint must always answer with a well-formed
// 200-class response so the gateway's retry logic is never triggered for
// conditions that are not transient.
package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
	"github.com/wahadesk/go-wahadesk-backend/internal/repo"
)

// Webhook event names the ingestion pipeline understands.
const (
	EventMessage    = "message"
	EventMessageAny = "message.any"
)

// WebhookResult statuses, carried in the response body. The endpoint's HTTP
// status stays 200-class regardless.
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookSkipped   = "skipped"
)

// WebhookResult is the structured outcome of one webhook delivery.
type WebhookResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message,omitempty"`
}

// MessageData is the extracted, shape-independent view of one gateway
// message. It is the tagged-union resolution point: after extraction no
// later code inspects raw payload maps.
type MessageData struct {
	Event       string
	Session     string
	MessageID   string
	From        string
	To          string
	Body        string
	FromMe      bool
	MessageType string
}

// WebhookService ingests gateway webhook deliveries.
type WebhookService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Log is the structured logger, pre-tagged by the caller.
	Log zerolog.Logger

	// Secret is the shared HMAC secret for signature validation.
	Secret string
	// RequireSignature toggles validation; not every gateway deployment
	// signs its payloads.
	RequireSignature bool

	// IncomingWindow bounds the WebhookLog redelivery check.
	IncomingWindow time.Duration
	// OutgoingWindow bounds the content-based outgoing dedup fallback.
	OutgoingWindow time.Duration
}

// NewWebhookService constructs a WebhookService with the default dedup
// windows (5 minutes incoming, 30 seconds outgoing).
func NewWebhookService(db *gorm.DB, log zerolog.Logger, secret string, requireSignature bool) *WebhookService {
	return &WebhookService{
		DB:               db,
		Log:              log,
		Secret:           secret,
		RequireSignature: requireSignature,
		IncomingWindow:   5 * time.Minute,
		OutgoingWindow:   30 * time.Second,
	}
}

// ValidateSignature checks the caller-supplied signature header against an
// HMAC-SHA256 of the raw request body. When validation is disabled every
// request is accepted. The comparison is constant-time.
func (s *WebhookService) ValidateSignature(raw []byte, header string) bool {
	if !s.RequireSignature {
		return true
	}
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if header == "" || s.Secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}

// envelope is the top-level webhook body. Standard deliveries carry
// event+payload; legacy deliveries carry message+session with no event.
type envelope struct {
	Event   string         `json:"event"`
	Session string         `json:"session"`
	Payload map[string]any `json:"payload"`
	Message map[string]any `json:"message"`
}

// ProcessWebhook classifies and handles one delivery for the organization.
// Only ErrInvalidPayload is returned as an error (the 400-equivalent);
// every other outcome is expressed through the WebhookResult.
func (s *WebhookService) ProcessWebhook(ctx context.Context, orgID string, raw []byte) (*WebhookResult, error) {
	tr := otel.Tracer("services/WebhookService")
	ctx, span := tr.Start(ctx, "ProcessWebhook",
		trace.WithAttributes(attribute.String("org.id", orgID)))
	defer span.End()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidPayload
	}

	event := env.Event
	if event == "" && env.Message != nil {
		event = EventMessage
	}
	span.SetAttributes(attribute.String("webhook.event", event))

	switch {
	case event == EventMessage || event == EventMessageAny:
		data, err := extractMessageData(&env)
		if err != nil {
			return nil, err
		}
		data.Event = event
		var res *WebhookResult
		if data.FromMe {
			res, err = s.handleOutgoing(ctx, orgID, data)
		} else {
			res, err = s.handleIncoming(ctx, orgID, data, raw)
		}
		if res != nil {
			res.Event = event
		}
		return res, err

	case isAckOnlyEvent(event):
		s.Log.Debug().Str("organization_id", orgID).Str("event", event).Msg("webhook: ack-only event")
		return &WebhookResult{Success: true, Status: WebhookIgnored, Event: event}, nil

	default:
		s.Log.Info().Str("organization_id", orgID).Str("event", event).Msg("webhook: unknown event")
		return &WebhookResult{Success: true, Status: WebhookIgnored, Event: event, Message: "unhandled event"}, nil
	}
}

// ackOnlyEvents are acknowledged and logged but produce no persistence.
var ackOnlyEvents = map[string]struct{}{
	"message.reaction": {},
	"message.ack":      {},
	"message.revoked":  {},
	"message.edited":   {},
	"chat.archive":     {},
	"presence.update":  {},
	"poll.vote":        {},
}

func isAckOnlyEvent(event string) bool {
	if _, ok := ackOnlyEvents[event]; ok {
		return true
	}
	return strings.HasPrefix(event, "group.") || strings.HasPrefix(event, "call.")
}

// ExtractMessageData parses a raw webhook body into a MessageData,
// accepting both payload shapes. Returns ErrInvalidPayload when neither
// shape matches.
func (s *WebhookService) ExtractMessageData(raw []byte) (*MessageData, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidPayload
	}
	data, err := extractMessageData(&env)
	if err != nil {
		return nil, err
	}
	if data.Event == "" {
		data.Event = env.Event
		if data.Event == "" {
			data.Event = EventMessage
		}
	}
	return data, nil
}

func extractMessageData(env *envelope) (*MessageData, error) {
	var msg map[string]any
	switch {
	case env.Payload != nil:
		msg = env.Payload
	case env.Message != nil:
		msg = env.Message
	default:
		return nil, ErrInvalidPayload
	}

	fromMe, _ := msg["fromMe"].(bool)
	return &MessageData{
		Session:     env.Session,
		MessageID:   extractMessageID(msg["id"]),
		From:        stringField(msg, "from"),
		To:          stringField(msg, "to"),
		Body:        stringField(msg, "body"),
		FromMe:      fromMe,
		MessageType: classifyMessageType(msg),
	}, nil
}

// extractMessageID tolerates the native id being a plain string or an
// object carrying a _serialized field.
func extractMessageID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case map[string]any:
		if s, ok := id["_serialized"].(string); ok {
			return s
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// classifyMessageType derives the content type: media MIME prefix first,
// then location, then vCard, then text. An empty body is still text.
func classifyMessageType(msg map[string]any) string {
	if mt := mediaMimetype(msg); mt != "" {
		switch {
		case strings.HasPrefix(mt, "image/"):
			return domain.MessageTypeImage
		case strings.HasPrefix(mt, "video/"):
			return domain.MessageTypeVideo
		case strings.HasPrefix(mt, "audio/"):
			return domain.MessageTypeAudio
		default:
			return domain.MessageTypeDocument
		}
	}
	if _, ok := msg["location"]; ok {
		return domain.MessageTypeLocation
	}
	if _, ok := msg["vCards"]; ok {
		return domain.MessageTypeContact
	}
	if _, ok := msg["vcard"]; ok {
		return domain.MessageTypeContact
	}
	return domain.MessageTypeText
}

func mediaMimetype(msg map[string]any) string {
	if media, ok := msg["media"].(map[string]any); ok {
		if mt := stringField(media, "mimetype"); mt != "" {
			return mt
		}
	}
	return stringField(msg, "mimetype")
}

func isMediaType(messageType string) bool {
	switch messageType {
	case domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeAudio, domain.MessageTypeDocument:
		return true
	}
	return false
}

// handleIncoming processes a customer-to-system message. Two independent
// dedup signals are checked inside a locked transaction: an existing
// Message carrying the same native id, or a processed WebhookLog entry
// within the redelivery window. Either one declares the delivery already
// handled with no new side effects.
func (s *WebhookService) handleIncoming(ctx context.Context, orgID string, data *MessageData, raw []byte) (*WebhookResult, error) {
	result := &WebhookResult{}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if data.MessageID != "" {
			dup, err := repo.MessageExistsByWahaID(ctx, tx, orgID, data.MessageID, true)
			if err != nil {
				return err
			}
			if !dup {
				_, err := repo.FindRecentWebhookLog(ctx, tx, orgID, data.MessageID, s.IncomingWindow)
				if err == nil {
					dup = true
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
			}
			if dup {
				*result = WebhookResult{Success: false, Status: WebhookDuplicate}
				return nil
			}
		}

		if err := repo.CreateWebhookLog(ctx, tx, &domain.WebhookLog{
			OrganizationID: orgID,
			MessageID:      data.MessageID,
			WebhookType:    data.Event,
			Status:         domain.WebhookStatusProcessed,
			Payload:        string(raw),
		}); err != nil {
			return err
		}

		if err := s.persistIncoming(ctx, tx, orgID, data); err != nil {
			return err
		}

		*result = WebhookResult{Success: true, Status: WebhookProcessed}
		return nil
	})
	if err != nil {
		s.Log.Error().Err(err).
			Str("organization_id", orgID).
			Str("message_id", data.MessageID).
			Msg("webhook: incoming delivery failed")
		return &WebhookResult{Success: false, Status: WebhookSkipped, Message: "persistence failed"}, nil
	}

	if result.Status == WebhookDuplicate {
		s.Log.Info().
			Str("organization_id", orgID).
			Str("message_id", data.MessageID).
			Msg("webhook: duplicate incoming delivery")
	}
	return result, nil
}

// persistIncoming writes the customer, conversation thread, and message
// rows for a fresh incoming delivery, and bumps the session counters.
func (s *WebhookService) persistIncoming(ctx context.Context, tx *gorm.DB, orgID string, data *MessageData) error {
	phone := normalizePhone(data.From)
	if phone == "" {
		s.Log.Warn().
			Str("organization_id", orgID).
			Str("message_id", data.MessageID).
			Msg("webhook: incoming message without sender phone")
		return nil
	}

	customer, err := repo.FindOrCreateCustomer(ctx, tx, orgID, phone, "")
	if err != nil {
		return err
	}

	thread, err := repo.GetActiveChatSession(ctx, tx, orgID, customer.ID)
	if errors.Is(err, repo.ErrNotFound) {
		thread = &domain.ChatSession{OrganizationID: orgID, CustomerID: customer.ID}
		err = repo.CreateChatSession(ctx, tx, thread)
	}
	if err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]string{
		"waha_message_id": data.MessageID,
		"session":         data.Session,
		"event":           data.Event,
	})
	if err := repo.CreateMessage(ctx, tx, &domain.Message{
		OrganizationID: orgID,
		SessionID:      thread.ID,
		SenderType:     domain.SenderCustomer,
		SenderID:       customer.ID,
		MessageText:    data.Body,
		MessageType:    data.MessageType,
		WahaMessageID:  data.MessageID,
		Metadata:       string(meta),
	}); err != nil {
		return err
	}

	if data.Session != "" {
		cols := []string{"total_messages_received"}
		if isMediaType(data.MessageType) {
			cols = append(cols, "total_media_received")
		}
		if err := repo.IncrementSessionCounters(ctx, tx, orgID, data.Session, cols...); err != nil {
			s.Log.Warn().Err(err).
				Str("organization_id", orgID).
				Str("session_name", data.Session).
				Msg("webhook: counter update failed")
		}
	}
	return nil
}

// handleOutgoing processes a bot/agent message observed via webhook echo.
// The customer and active thread must already exist; nothing is fabricated
// when they cannot be resolved. Dedup is two-tier inside a locked
// transaction: exact native id, then identical text+recipient within the
// content window for gateways that echo without a stable id.
func (s *WebhookService) handleOutgoing(ctx context.Context, orgID string, data *MessageData) (*WebhookResult, error) {
	phone := normalizePhone(data.To)
	if phone == "" {
		phone = normalizePhone(data.From)
	}
	if phone == "" {
		s.Log.Warn().Str("organization_id", orgID).Msg("webhook: outgoing echo without recipient phone")
		return &WebhookResult{Success: false, Status: WebhookSkipped, Message: "no recipient"}, nil
	}

	customer, err := repo.GetCustomerByPhone(ctx, s.DB, orgID, phone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.Log.Info().
				Str("organization_id", orgID).
				Str("phone", phone).
				Msg("webhook: outgoing echo for unknown customer")
			return &WebhookResult{Success: false, Status: WebhookSkipped, Message: "customer not found"}, nil
		}
		return &WebhookResult{Success: false, Status: WebhookSkipped, Message: "persistence failed"}, nil
	}

	thread, err := repo.GetActiveChatSession(ctx, s.DB, orgID, customer.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.Log.Info().
				Str("organization_id", orgID).
				Str("customer_id", customer.ID).
				Msg("webhook: outgoing echo without active thread")
			return &WebhookResult{Success: false, Status: WebhookSkipped, Message: "no active chat session"}, nil
		}
		return &WebhookResult{Success: false, Status: WebhookSkipped, Message: "persistence failed"}, nil
	}

	senderType, senderID := s.resolveSender(ctx, orgID, thread)

	result := &WebhookResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if data.MessageID != "" {
			dup, err := repo.MessageExistsByWahaID(ctx, tx, orgID, data.MessageID, true)
			if err != nil {
				return err
			}
			if dup {
				*result = WebhookResult{Success: false, Status: WebhookDuplicate}
				return nil
			}
		}
		if _, err := repo.FindRecentOutgoingDuplicate(ctx, tx, orgID, phone, data.Body, s.OutgoingWindow); err == nil {
			*result = WebhookResult{Success: false, Status: WebhookDuplicate}
			return nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		meta, _ := json.Marshal(map[string]string{
			"waha_message_id": data.MessageID,
			"session":         data.Session,
			"event":           data.Event,
		})
		if err := repo.CreateMessage(ctx, tx, &domain.Message{
			OrganizationID: orgID,
			SessionID:      thread.ID,
			SenderType:     senderType,
			SenderID:       senderID,
			MessageText:    data.Body,
			MessageType:    data.MessageType,
			WahaMessageID:  data.MessageID,
			RecipientPhone: phone,
			Metadata:       string(meta),
		}); err != nil {
			return err
		}

		*result = WebhookResult{Success: true, Status: WebhookProcessed}
		return nil
	})
	if err != nil {
		s.Log.Error().Err(err).
			Str("organization_id", orgID).
			Str("message_id", data.MessageID).
			Msg("webhook: outgoing delivery failed")
		return &WebhookResult{Success: false, Status: WebhookSkipped, Message: "persistence failed"}, nil
	}

	if result.Status == WebhookProcessed && data.Session != "" {
		cols := []string{"total_messages_sent"}
		if isMediaType(data.MessageType) {
			cols = append(cols, "total_media_sent")
		}
		if err := repo.IncrementSessionCounters(ctx, s.DB, orgID, data.Session, cols...); err != nil {
			s.Log.Warn().Err(err).
				Str("organization_id", orgID).
				Str("session_name", data.Session).
				Msg("webhook: counter update failed")
		}
	}
	return result, nil
}

// resolveSender attributes an outgoing echo: the thread's assigned agent
// wins, then the organization's default active bot personality, then the
// synthetic system bot.
func (s *WebhookService) resolveSender(ctx context.Context, orgID string, thread *domain.ChatSession) (senderType, senderID string) {
	if thread.AssignedAgentID != nil {
		if agent, err := repo.GetAgentByID(ctx, s.DB, orgID, *thread.AssignedAgentID); err == nil {
			return domain.SenderAgent, agent.ID
		}
	}
	if bot, err := repo.GetDefaultBotPersonality(ctx, s.DB, orgID); err == nil {
		return domain.SenderBot, bot.ID
	}
	return domain.SenderBot, domain.SystemBotID
}

// normalizePhone strips WhatsApp JID suffixes ("@c.us" and friends) and
// ensures a leading "+". Returns "" when no digits remain.
func normalizePhone(v string) string {
	if i := strings.IndexByte(v, '@'); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "+")
	if v == "" {
		return ""
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return "+" + v
}
