// Package services – SessionService
//
// This file implements the session lifecycle orchestrator: higher-level
// operations (create with defaults, start, stop, delete, QR regeneration
// with restart) composing the gateway client, the synchronizer, and the
// workflow-automation client. It owns the small state machine driving a
// session from provisioning through pairing to a working connection.
//
// Retries against the gateway are deliberately bounded: QR regeneration
// performs at most one restart and two fetch attempts with fixed,
// context-aware grace waits in between. There are no unbounded retry loops
// against the third-party dependency.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
	"github.com/wahadesk/go-wahadesk-backend/internal/n8n"
	"github.com/wahadesk/go-wahadesk-backend/internal/repo"
	"github.com/wahadesk/go-wahadesk-backend/internal/waha"
)

// LifecycleGateway is the gateway surface the orchestrator consumes.
type LifecycleGateway interface {
	CreateSession(ctx context.Context, name string, cfg waha.SessionConfig) (*waha.Session, error)
	StartSession(ctx context.Context, name string, cfg waha.SessionConfig) error
	StopSession(ctx context.Context, name string) (*waha.Session, error)
	RestartSession(ctx context.Context, name string) error
	GetSessionInfo(ctx context.Context, name string) (*waha.Session, error)
	GetSessionStatus(ctx context.Context, name string) (string, error)
	GetQRCode(ctx context.Context, name string) (*waha.QRCode, error)
	SendTextMessage(ctx context.Context, req waha.SendTextRequest) (*waha.SendResult, error)
	SendMediaMessage(ctx context.Context, req waha.SendMediaRequest) (*waha.SendResult, error)
	GetMessages(ctx context.Context, session, chatID string, limit int) ([]waha.ChatMessage, error)
	GetContacts(ctx context.Context, session string) ([]waha.Contact, error)
	GetGroups(ctx context.Context, session string) ([]waha.Group, error)
	GetChatList(ctx context.Context, session string) ([]waha.ChatListEntry, error)
}

// WorkflowClient provisions and removes automation workflows for sessions.
type WorkflowClient interface {
	CreateWorkflowWithDatabase(ctx context.Context, payload map[string]any, organizationID, userID, label string) (*n8n.Workflow, error)
	DeleteWorkflowWithDatabase(ctx context.Context, workflowID string) error
}

// ConnectionState distinguishes a confirmed connection probe outcome from
// an indeterminate one, so callers never mistake "could not determine" for
// "confirmed not connected".
type ConnectionState int

// Connection probe states.
const (
	ConnectionUnknown ConnectionState = iota
	ConnectionConnected
	ConnectionDisconnected
)

// Connection is the result of a liveness probe against the gateway.
type Connection struct {
	State ConnectionState
	// Reason explains an Unknown state (probe failure detail).
	Reason string
}

// QRRegenResult is the outcome of a QR regeneration attempt.
type QRRegenResult struct {
	// Needed is false when the session was already connected and no
	// regeneration was performed.
	Needed bool `json:"needed"`
	// Restarted reports whether a full session restart was required.
	Restarted bool `json:"restarted"`
	// QR is the fresh pairing code, nil when Needed is false.
	QR *waha.QRCode `json:"qr,omitempty"`
}

// SessionService drives gateway session lifecycle operations.
type SessionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Gateway performs the remote session operations.
	Gateway LifecycleGateway
	// Workflows provisions automation workflows; may be nil.
	Workflows WorkflowClient
	// Sync provides verification, refresh, and delete primitives.
	Sync *SyncService
	// Log is the structured logger, pre-tagged by the caller.
	Log zerolog.Logger

	// GraceWait is the fixed delay after a start or restart, giving the
	// gateway time to initialize. Not a poll-until-ready loop.
	GraceWait time.Duration
	// WebhookURL, when set, is registered on created sessions so the
	// gateway pushes message events back to this backend.
	WebhookURL string
}

// NewSessionService constructs a SessionService with the default grace wait.
func NewSessionService(db *gorm.DB, gw LifecycleGateway, wf WorkflowClient, sync *SyncService, log zerolog.Logger) *SessionService {
	return &SessionService{
		DB:        db,
		Gateway:   gw,
		Workflows: wf,
		Sync:      sync,
		Log:       log,
		GraceWait: 3 * time.Second,
	}
}

// Create provisions a new session: local uniqueness check, default channel
// config resolution, metadata flattening, gateway create+start, and an
// optional automation workflow. The local row starts in the connecting
// state; the first sync pass reconciles it to whatever the gateway reports.
func (s *SessionService) Create(ctx context.Context, orgID, name string, metadata map[string]any) (*domain.WahaSession, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(attribute.String("org.id", orgID), attribute.String("session.name", name)))
	defer span.End()

	if _, err := repo.GetSessionByName(ctx, s.DB, orgID, name); err == nil {
		return nil, ErrSessionExists
	}

	cc, err := repo.EnsureDefaultChannelConfig(ctx, s.DB, orgID)
	if err != nil {
		return nil, err
	}

	flat := FlattenMetadata(metadata)
	flat["organization_id"] = orgID
	cfg := waha.SessionConfig{Metadata: flat}
	if s.WebhookURL != "" {
		cfg.Webhooks = []waha.WebhookConfig{{
			URL:    s.WebhookURL,
			Events: []string{EventMessage, EventMessageAny},
		}}
	}

	if _, err := s.Gateway.CreateSession(ctx, name, cfg); err != nil {
		s.Log.Error().Err(err).
			Str("organization_id", orgID).
			Str("session_name", name).
			Msg("create: gateway create failed")
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	if err := s.Gateway.StartSession(ctx, name, cfg); err != nil {
		// The session exists remotely; pairing can still be started later.
		s.Log.Warn().Err(err).
			Str("organization_id", orgID).
			Str("session_name", name).
			Msg("create: gateway start failed")
	}

	var workflowID *string
	if s.Workflows != nil {
		wf, err := s.Workflows.CreateWorkflowWithDatabase(ctx, map[string]any{
			"session_name": name,
		}, orgID, domain.SystemBotID, name)
		if err != nil {
			s.Log.Warn().Err(err).
				Str("organization_id", orgID).
				Str("session_name", name).
				Msg("create: workflow provisioning failed")
		} else {
			workflowID = &wf.WorkflowID
		}
	}

	row := &domain.WahaSession{
		OrganizationID:  orgID,
		SessionName:     name,
		Status:          domain.StatusConnecting,
		HealthStatus:    domain.HealthUnknown,
		ChannelConfigID: cc.ID,
		N8nWorkflowID:   workflowID,
	}
	if err := repo.CreateSession(ctx, s.DB, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Start brings a session up. Absent sessions fail NotFound; a session that
// is already connected and authenticated fails Conflict (idempotent guard
// against double-start). The local status is optimistically set to
// connecting before the gateway call, then reconciled from a re-fetch: the
// start call is fire-and-forget on the gateway side, so the re-fetch is
// what tells us where the session actually landed.
func (s *SessionService) Start(ctx context.Context, orgID, id string) (*domain.WahaSession, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Start",
		trace.WithAttributes(attribute.String("org.id", orgID), attribute.String("session.id", id)))
	defer span.End()

	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if row.IsConnected && row.IsAuthenticated {
		return nil, ErrSessionConflict
	}

	name := row.SessionName
	if _, err := repo.UpdateSessionFields(ctx, s.DB, orgID, name, map[string]any{
		"status": domain.StatusConnecting,
	}); err != nil {
		return nil, err
	}

	if err := s.Gateway.StartSession(ctx, name, waha.SessionConfig{}); err != nil {
		if waha.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}

	if rs, err := s.Gateway.GetSessionInfo(ctx, name); err == nil {
		if _, err := s.Sync.UpdateSessionStatus(ctx, orgID, name, rs.Status); err != nil {
			return nil, err
		}
	} else {
		// Re-fetch failed: the optimistic connecting state stands until
		// the next sync pass.
		s.Log.Warn().Err(err).
			Str("organization_id", orgID).
			Str("session_name", name).
			Msg("start: status re-fetch failed")
	}

	return repo.GetSessionByName(ctx, s.DB, orgID, name)
}

// Stop brings a session down on the gateway and mirrors the resulting
// state locally.
func (s *SessionService) Stop(ctx context.Context, orgID, id string) (*domain.WahaSession, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Stop",
		trace.WithAttributes(attribute.String("org.id", orgID), attribute.String("session.id", id)))
	defer span.End()

	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	name := row.SessionName

	remoteStatus := domain.RemoteStopped
	if rs, err := s.Gateway.StopSession(ctx, name); err != nil {
		if !waha.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
		}
		// Remote already gone; mirror the stop locally anyway.
	} else if rs != nil && rs.Status != "" {
		remoteStatus = rs.Status
	}

	if _, err := s.Sync.UpdateSessionStatus(ctx, orgID, name, remoteStatus); err != nil {
		return nil, err
	}
	return repo.GetSessionByName(ctx, s.DB, orgID, name)
}

// Delete removes a session remotely and locally, including its linked
// workflow. Delegates ordering to the synchronizer's delete primitive.
func (s *SessionService) Delete(ctx context.Context, orgID, id string) error {
	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return err
	}
	return s.Sync.DeleteSessionForOrganization(ctx, orgID, row.SessionName)
}

// GetQRCode fetches the current pairing code for a session. The gateway
// answers NotFound for sessions not in a QR-eligible state; that surfaces
// as ErrQRNotAvailable.
func (s *SessionService) GetQRCode(ctx context.Context, orgID, id string) (*waha.QRCode, error) {
	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	qr, err := s.Gateway.GetQRCode(ctx, row.SessionName)
	if err != nil {
		if waha.IsNotFound(err) {
			return nil, ErrQRNotAvailable
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	return qr, nil
}

// RegenerateQRCode produces a fresh pairing code, restarting the session
// if the gateway refuses the first fetch. The retry ceiling is fixed: at
// most two fetch attempts and exactly one restart. Already-connected
// sessions short-circuit with Needed=false.
func (s *SessionService) RegenerateQRCode(ctx context.Context, orgID, id string) (*QRRegenResult, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "RegenerateQRCode",
		trace.WithAttributes(attribute.String("org.id", orgID), attribute.String("session.id", id)))
	defer span.End()

	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	name := row.SessionName

	if conn := s.ConnectionState(ctx, name); conn.State == ConnectionConnected {
		return &QRRegenResult{Needed: false}, nil
	}

	// A stopped session cannot produce a QR code; un-stop it first and
	// give the gateway a moment to initialize.
	if status, err := s.Gateway.GetSessionStatus(ctx, name); err == nil && status == domain.RemoteStopped {
		if err := s.Gateway.StartSession(ctx, name, waha.SessionConfig{}); err != nil {
			if waha.IsNotFound(err) {
				return nil, ErrSessionNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
		}
		if err := s.graceWait(ctx); err != nil {
			return nil, err
		}
	}

	qr, err := s.Gateway.GetQRCode(ctx, name)
	if err == nil {
		return &QRRegenResult{Needed: true, QR: qr}, nil
	}
	s.Log.Info().Err(err).
		Str("organization_id", orgID).
		Str("session_name", name).
		Msg("qr: first fetch failed, restarting session")

	if err := s.Gateway.RestartSession(ctx, name); err != nil {
		if waha.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	if err := s.graceWait(ctx); err != nil {
		return nil, err
	}

	qr, err = s.Gateway.GetQRCode(ctx, name)
	if err != nil {
		s.Log.Error().Err(err).
			Str("organization_id", orgID).
			Str("session_name", name).
			Msg("qr: fetch failed after restart")
		return nil, ErrQRNotAvailable
	}
	return &QRRegenResult{Needed: true, Restarted: true, QR: qr}, nil
}

// ConnectionState probes the gateway for a session's liveness. A probe
// failure yields Unknown with a reason instead of being conflated with
// Disconnected.
func (s *SessionService) ConnectionState(ctx context.Context, name string) Connection {
	status, err := s.Gateway.GetSessionStatus(ctx, name)
	if err != nil {
		return Connection{State: ConnectionUnknown, Reason: err.Error()}
	}
	if domain.IsConnectedStatus(status) {
		return Connection{State: ConnectionConnected}
	}
	return Connection{State: ConnectionDisconnected}
}

// graceWait blocks for the configured grace period, honoring cancellation.
func (s *SessionService) graceWait(ctx context.Context) error {
	t := time.NewTimer(s.GraceWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendText sends a text message through a session the organization owns
// and bumps the sent counter.
func (s *SessionService) SendText(ctx context.Context, orgID, id, chatID, text string) (*waha.SendResult, error) {
	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	res, err := s.Gateway.SendTextMessage(ctx, waha.SendTextRequest{
		Session: row.SessionName,
		ChatID:  chatID,
		Text:    text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	if err := repo.IncrementSessionCounters(ctx, s.DB, orgID, row.SessionName, "total_messages_sent"); err != nil {
		s.Log.Warn().Err(err).Str("session_name", row.SessionName).Msg("send: counter update failed")
	}
	return res, nil
}

// SendMedia sends a media message through a session the organization owns
// and bumps both sent counters.
func (s *SessionService) SendMedia(ctx context.Context, orgID, id string, req waha.SendMediaRequest) (*waha.SendResult, error) {
	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	req.Session = row.SessionName
	res, err := s.Gateway.SendMediaMessage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	if err := repo.IncrementSessionCounters(ctx, s.DB, orgID, row.SessionName,
		"total_messages_sent", "total_media_sent"); err != nil {
		s.Log.Warn().Err(err).Str("session_name", row.SessionName).Msg("send: counter update failed")
	}
	return res, nil
}

// Messages proxies the gateway chat history for one chat.
func (s *SessionService) Messages(ctx context.Context, orgID, id, chatID string, limit int) ([]waha.ChatMessage, error) {
	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	out, err := s.Gateway.GetMessages(ctx, row.SessionName, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	return out, nil
}

// Contacts proxies the gateway contact directory.
func (s *SessionService) Contacts(ctx context.Context, orgID, id string) ([]waha.Contact, error) {
	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	out, err := s.Gateway.GetContacts(ctx, row.SessionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	return out, nil
}

// Groups proxies the gateway group list.
func (s *SessionService) Groups(ctx context.Context, orgID, id string) ([]waha.Group, error) {
	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	out, err := s.Gateway.GetGroups(ctx, row.SessionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	return out, nil
}

// Chats proxies the gateway chat overview list.
func (s *SessionService) Chats(ctx context.Context, orgID, id string) ([]waha.ChatListEntry, error) {
	row, err := s.Sync.VerifySessionAccessByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	out, err := s.Gateway.GetChatList(ctx, row.SessionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	return out, nil
}

const (
	maxFlattenDepth = 5
	flattenSentinel = "Maximum recursion depth exceeded"
)

// FlattenMetadata converts nested metadata into the flat string-to-string
// map the gateway accepts, dot-joining nested keys. Recursion is capped at
// maxFlattenDepth levels; deeper maps are replaced by a sentinel error
// entry instead of recursing further.
func FlattenMetadata(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	flattenInto(out, "", in, 1)
	return out
}

func flattenInto(out map[string]string, prefix string, in map[string]any, depth int) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		nested, ok := v.(map[string]any)
		if !ok {
			switch sv := v.(type) {
			case string:
				out[key] = sv
			case nil:
				out[key] = ""
			default:
				out[key] = fmt.Sprintf("%v", sv)
			}
			continue
		}
		if depth >= maxFlattenDepth {
			out[key+".error"] = flattenSentinel
			continue
		}
		flattenInto(out, key, nested, depth+1)
	}
}
