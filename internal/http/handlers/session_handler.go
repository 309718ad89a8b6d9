// WhatsApp session HTTP handlers.
//
// This file exposes REST endpoints for session resources:
//   - POST   /sessions                      (provision)
//   - GET    /sessions                      (list)
//   - GET    /sessions/:id                  (fetch one)
//   - POST   /sessions/:id/start           (start / reconnect)
//   - POST   /sessions/:id/stop            (stop)
//   - DELETE /sessions/:id                 (remove everywhere)
//   - GET    /sessions/:id/qr              (pairing QR)
//   - POST   /sessions/:id/qr/regenerate   (bounded QR refresh)
//   - POST   /sessions/sync                (reconcile with the gateway)
//   - POST   /sessions/:id/sync            (reconcile one session)
//   - POST   /sessions/:id/messages/text   (send text)
//   - POST   /sessions/:id/messages/media  (send media)
//   - GET    /sessions/:id/messages        (remote chat messages)
//   - GET    /sessions/:id/contacts|groups|chats
//
// Handlers are transport-thin: they validate input, call application
// services, and translate sentinel errors into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
	"github.com/wahadesk/go-wahadesk-backend/internal/repo"
	"github.com/wahadesk/go-wahadesk-backend/internal/services"
	"github.com/wahadesk/go-wahadesk-backend/internal/waha"
)

//
// Service contracts (context-aware)
//

// SessionLifecycleService defines the session lifecycle operations consumed
// by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SessionLifecycleService interface {
	// Create provisions a session locally, on the gateway, and in the
	// workflow engine.
	Create(ctx context.Context, orgID, name string, metadata map[string]any) (*domain.WahaSession, error)
	// Start starts (or reconnects) a session and reconciles local state.
	Start(ctx context.Context, orgID, id string) (*domain.WahaSession, error)
	// Stop stops a session and mirrors the resulting remote state.
	Stop(ctx context.Context, orgID, id string) (*domain.WahaSession, error)
	// Delete removes a session from the gateway, workflow engine, and store.
	Delete(ctx context.Context, orgID, id string) error
	// GetQRCode fetches the current pairing QR code.
	GetQRCode(ctx context.Context, orgID, id string) (*waha.QRCode, error)
	// RegenerateQRCode refreshes the pairing QR with a bounded retry.
	RegenerateQRCode(ctx context.Context, orgID, id string) (*services.QRRegenResult, error)
	// SendText sends a text message through the session.
	SendText(ctx context.Context, orgID, id, chatID, text string) (*waha.SendResult, error)
	// SendMedia sends a media message through the session.
	SendMedia(ctx context.Context, orgID, id string, req waha.SendMediaRequest) (*waha.SendResult, error)
	// Messages fetches remote chat messages for a conversation.
	Messages(ctx context.Context, orgID, id, chatID string, limit int) ([]waha.ChatMessage, error)
	// Contacts lists the session's synced contacts.
	Contacts(ctx context.Context, orgID, id string) ([]waha.Contact, error)
	// Groups lists the session's groups.
	Groups(ctx context.Context, orgID, id string) ([]waha.Group, error)
	// Chats lists the session's conversations.
	Chats(ctx context.Context, orgID, id string) ([]waha.ChatListEntry, error)
}

// SessionSyncService defines the gateway reconciliation operations consumed
// by HTTP handlers.
type SessionSyncService interface {
	// SyncSessionsForOrganization mirrors all gateway sessions into the store.
	SyncSessionsForOrganization(ctx context.Context, orgID string) (*services.SyncSummary, error)
	// SyncSession refreshes a single session by name.
	SyncSession(ctx context.Context, orgID, name string) (*domain.WahaSession, error)
	// VerifySessionAccessByID loads a session iff it belongs to the org.
	VerifySessionAccessByID(ctx context.Context, orgID, id string) (*domain.WahaSession, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for sessions, webhooks, and chat
// history. It depends on abstract service interfaces to keep transport
// concerns separate from business logic; the *gorm.DB handle is used only
// for read-side listing queries that go straight to the repo layer.
type Handlers struct {
	sessions SessionLifecycleService
	sync     SessionSyncService
	hooks    WebhookIngestService
	db       *gorm.DB
}

// New constructs a Handlers instance bound to the given services.
func New(sessions SessionLifecycleService, sync SessionSyncService, hooks WebhookIngestService, db *gorm.DB) *Handlers {
	return &Handlers{sessions: sessions, sync: sync, hooks: hooks, db: db}
}

// orgID extracts the tenant id from the Gin context (set by the OrgID
// middleware). If absent, it falls back to the "X-Organization-ID" header
// (tests use it), and finally to "demo-org". It never touches c.Request if
// it's nil.
func orgID(c *gin.Context) string {
	if v, ok := c.Get("orgID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-Organization-ID")); h != "" {
			return h
		}
	}
	return "demo-org"
}

//
// DTOs
//

// CreateSessionRequest is the JSON payload for provisioning a session.
type CreateSessionRequest struct {
	// Name is the gateway session name, unique per organization.
	Name string `json:"name" binding:"required,min=1,max=100" example:"support-line"`
	// Metadata is optional free-form configuration; nested maps are
	// flattened into dot-separated keys on the stored session.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendTextRequest is the JSON payload for sending a text message.
type SendTextRequest struct {
	ChatID string `json:"chat_id" binding:"required" example:"6281234567890@c.us"`
	Text   string `json:"text" binding:"required,min=1" example:"Hello from support"`
}

// SendMediaMessageRequest is the JSON payload for sending a media message.
type SendMediaMessageRequest struct {
	ChatID   string `json:"chat_id" binding:"required" example:"6281234567890@c.us"`
	FileURL  string `json:"file_url" binding:"required" example:"https://cdn.example.com/invoice.pdf"`
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty" example:"application/pdf"`
	Filename string `json:"filename,omitempty" example:"invoice.pdf"`
}

// ListSessionsResponse wraps the session collection.
type ListSessionsResponse struct {
	Sessions []domain.WahaSession `json:"sessions"`
	Total    int                  `json:"total"`
}

//
// Handlers
//

// CreateSession godoc
// @ID          createSession
// @Summary     Provision a WhatsApp session
// @Description Creates the session locally, on the gateway, and in the workflow engine.
// @Tags        Sessions
// @Accept      json
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       body  body  handlers.CreateSessionRequest  true  "Create session payload"
//
// @Success     201  {object}  domain.WahaSession
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Session already exists"
// @Failure     502  {object}  handlers.ErrorResponse  "Gateway error"
// @Router      /sessions [post]
func (h *Handlers) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session name required")
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), orgID(c), name, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSessionExists):
			fail(c, http.StatusConflict, ErrCodeConflict, "session already exists")
		case errors.Is(err, services.ErrGatewayFault):
			fail(c, http.StatusBadGateway, ErrCodeGatewayError, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, sess)
}

// ListSessions godoc
// @ID          listSessions
// @Summary     List the organization's sessions
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
//
// @Success     200  {object}  handlers.ListSessionsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	items, err := repo.ListSessions(c.Request.Context(), h.db, orgID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListSessionsResponse{Sessions: items, Total: len(items)})
}

// GetSession godoc
// @ID          getSession
// @Summary     Fetch one session
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object}  domain.WahaSession
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.sync.VerifySessionAccessByID(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, sess)
}

// StartSession godoc
// @ID          startSession
// @Summary     Start or reconnect a session
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object}  domain.WahaSession
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Session already running"
// @Failure     502  {object}  handlers.ErrorResponse  "Gateway error"
// @Router      /sessions/{id}/start [post]
func (h *Handlers) StartSession(c *gin.Context) {
	sess, err := h.sessions.Start(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, sess)
}

// StopSession godoc
// @ID          stopSession
// @Summary     Stop a session
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object}  domain.WahaSession
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Gateway error"
// @Router      /sessions/{id}/stop [post]
func (h *Handlers) StopSession(c *gin.Context) {
	sess, err := h.sessions.Stop(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, sess)
}

// DeleteSession godoc
// @ID          deleteSession
// @Summary     Delete a session everywhere
// @Description Removes the session from the gateway, the workflow engine, and the local store.
// @Tags        Sessions
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id  path  string  true  "Session ID"
//
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Gateway error"
// @Router      /sessions/{id} [delete]
func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), orgID(c), c.Param("id")); err != nil {
		h.failSession(c, err)
		return
	}
	noContent(c)
}

// GetQRCode godoc
// @ID          getSessionQR
// @Summary     Fetch the pairing QR code
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object}  waha.QRCode
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "QR not available"
// @Router      /sessions/{id}/qr [get]
func (h *Handlers) GetQRCode(c *gin.Context) {
	qr, err := h.sessions.GetQRCode(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, qr)
}

// RegenerateQRCode godoc
// @ID          regenerateSessionQR
// @Summary     Regenerate the pairing QR code
// @Description Refreshes the QR, restarting the session at most once before giving up.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object}  services.QRRegenResult
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "QR not available"
// @Router      /sessions/{id}/qr/regenerate [post]
func (h *Handlers) RegenerateQRCode(c *gin.Context) {
	res, err := h.sessions.RegenerateQRCode(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// SyncSessions godoc
// @ID          syncSessions
// @Summary     Reconcile all sessions with the gateway
// @Description Mirrors the gateway's session list into the store and marks orphans disconnected.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
//
// @Success     200  {object}  services.SyncSummary
// @Failure     502  {object}  handlers.ErrorResponse  "Gateway error"
// @Router      /sessions/sync [post]
func (h *Handlers) SyncSessions(c *gin.Context) {
	summary, err := h.sync.SyncSessionsForOrganization(c.Request.Context(), orgID(c))
	if err != nil {
		if errors.Is(err, services.ErrGatewayFault) {
			fail(c, http.StatusBadGateway, ErrCodeGatewayError, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeSyncFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, summary)
}

// SyncSession godoc
// @ID          syncSession
// @Summary     Reconcile one session with the gateway
// @Tags        Sessions
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object}  domain.WahaSession
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Gateway error"
// @Router      /sessions/{id}/sync [post]
func (h *Handlers) SyncSession(c *gin.Context) {
	ctx := c.Request.Context()
	org := orgID(c)

	sess, err := h.sync.VerifySessionAccessByID(ctx, org, c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}

	updated, err := h.sync.SyncSession(ctx, org, sess.SessionName)
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, updated)
}

// SendText godoc
// @ID          sendSessionText
// @Summary     Send a text message
// @Tags        Messaging
// @Accept      json
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id    path  string  true  "Session ID"
// @Param       body  body  handlers.SendTextRequest  true  "Message payload"
//
// @Success     200  {object}  waha.SendResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Gateway error"
// @Router      /sessions/{id}/messages/text [post]
func (h *Handlers) SendText(c *gin.Context) {
	var req SendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id and text required")
		return
	}

	res, err := h.sessions.SendText(c.Request.Context(), orgID(c), c.Param("id"), req.ChatID, req.Text)
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// SendMedia godoc
// @ID          sendSessionMedia
// @Summary     Send a media message
// @Tags        Messaging
// @Accept      json
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id    path  string  true  "Session ID"
// @Param       body  body  handlers.SendMediaMessageRequest  true  "Media payload"
//
// @Success     200  {object}  waha.SendResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Gateway error"
// @Router      /sessions/{id}/messages/media [post]
func (h *Handlers) SendMedia(c *gin.Context) {
	var req SendMediaMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id and file_url required")
		return
	}

	res, err := h.sessions.SendMedia(c.Request.Context(), orgID(c), c.Param("id"), waha.SendMediaRequest{
		ChatID:   req.ChatID,
		FileURL:  req.FileURL,
		Caption:  req.Caption,
		Mimetype: req.Mimetype,
		Filename: req.Filename,
	})
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ListRemoteMessages godoc
// @ID          listSessionMessages
// @Summary     Fetch remote chat messages
// @Tags        Messaging
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id       path   string  true   "Session ID"
// @Param       chat_id  query  string  true   "Conversation JID"
// @Param       limit    query  int     false  "Max messages"  default(50)
//
// @Success     200  {array}   waha.ChatMessage
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListRemoteMessages(c *gin.Context) {
	chatID := strings.TrimSpace(c.Query("chat_id"))
	if chatID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id query parameter required")
		return
	}
	limit := clampLimit(c.Query("limit"), 50, 500)

	msgs, err := h.sessions.Messages(c.Request.Context(), orgID(c), c.Param("id"), chatID, limit)
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, msgs)
}

// ListContacts returns the session's synced contacts.
func (h *Handlers) ListContacts(c *gin.Context) {
	items, err := h.sessions.Contacts(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, items)
}

// ListGroups returns the session's groups.
func (h *Handlers) ListGroups(c *gin.Context) {
	items, err := h.sessions.Groups(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, items)
}

// ListChats returns the session's conversations.
func (h *Handlers) ListChats(c *gin.Context) {
	items, err := h.sessions.Chats(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		h.failSession(c, err)
		return
	}
	ok(c, http.StatusOK, items)
}

// failSession maps service sentinel errors to HTTP responses.
func (h *Handlers) failSession(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, services.ErrSessionConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, "session already running")
	case errors.Is(err, services.ErrQRNotAvailable):
		fail(c, http.StatusConflict, ErrCodeQRUnavailable, "QR code not available")
	case errors.Is(err, services.ErrGatewayFault):
		fail(c, http.StatusBadGateway, ErrCodeGatewayError, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
