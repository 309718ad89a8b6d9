// Package services – SyncService
//
// This file implements the session synchronizer: it reconciles the local
// WahaSession store against the gateway's live session list. The gateway is
// the source of truth for "does this session exist and is it live"; the
// local store is a durable cache plus the organization-scoping layer the
// gateway itself lacks.
//
// Per-entry persistence failures inside a sync pass are logged and skipped
// so one bad entry never aborts the whole reconciliation. Service-level
// errors (e.g. ErrSessionNotFound) are returned for predictable cases so
// handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
	"github.com/wahadesk/go-wahadesk-backend/internal/repo"
	"github.com/wahadesk/go-wahadesk-backend/internal/waha"
)

// SyncGateway is the gateway surface the synchronizer consumes.
type SyncGateway interface {
	// GetSessions returns every session the gateway currently tracks.
	GetSessions(ctx context.Context) ([]waha.Session, error)

	// GetSessionInfo returns one session's live state, or a NotFound fault.
	GetSessionInfo(ctx context.Context, name string) (*waha.Session, error)

	// DeleteSession removes the session from the gateway.
	DeleteSession(ctx context.Context, name string) error
}

// WorkflowDeleter removes the automation workflow tied to a session.
type WorkflowDeleter interface {
	DeleteWorkflowWithDatabase(ctx context.Context, workflowID string) error
}

// SyncSummary reports the outcome of one reconciliation pass. Sessions is
// the merged view: local fields win for display, remote fields supply the
// transient state the gateway just reported.
type SyncSummary struct {
	Sessions []domain.WahaSession `json:"sessions"`
	Created  int                  `json:"created"`
	Updated  int                  `json:"updated"`
	Total    int                  `json:"total"`
}

// SyncService reconciles local session rows against the gateway.
type SyncService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Gateway is the remote session source of truth.
	Gateway SyncGateway
	// Workflows deletes linked automation workflows on session delete.
	// May be nil when workflow automation is not configured.
	Workflows WorkflowDeleter
	// Log is the structured logger, pre-tagged by the caller.
	Log zerolog.Logger
}

// NewSyncService constructs a SyncService.
func NewSyncService(db *gorm.DB, gw SyncGateway, wf WorkflowDeleter, log zerolog.Logger) *SyncService {
	return &SyncService{DB: db, Gateway: gw, Workflows: wf, Log: log}
}

// SyncSessionsForOrganization fetches the full remote session list and
// reconciles it against the organization's local rows by session name:
// remote sessions update matching rows in place or create missing ones, and
// local rows absent from the remote list are marked disconnected.
func (s *SyncService) SyncSessionsForOrganization(ctx context.Context, orgID string) (*SyncSummary, error) {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "SyncSessionsForOrganization",
		trace.WithAttributes(attribute.String("org.id", orgID)))
	defer span.End()

	remote, err := s.Gateway.GetSessions(ctx)
	if err != nil {
		s.Log.Error().Err(err).Str("organization_id", orgID).Msg("sync: gateway session list failed")
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}

	summary := &SyncSummary{}
	seen := make([]string, 0, len(remote))

	for i := range remote {
		rs := &remote[i]
		if rs.Name == "" {
			continue
		}
		seen = append(seen, rs.Name)

		created, err := s.upsertFromRemote(ctx, orgID, rs)
		if err != nil {
			// Per-entry failure: log with context and continue.
			s.Log.Warn().Err(err).
				Str("organization_id", orgID).
				Str("session_name", rs.Name).
				Msg("sync: skipping session entry")
			continue
		}
		if created {
			summary.Created++
		} else {
			summary.Updated++
		}
	}

	if n, err := repo.MarkSessionsDisconnectedExcept(ctx, s.DB, orgID, seen); err != nil {
		s.Log.Warn().Err(err).Str("organization_id", orgID).Msg("sync: orphan marking failed")
	} else if n > 0 {
		s.Log.Info().Int64("count", n).Str("organization_id", orgID).Msg("sync: marked orphaned sessions disconnected")
	}

	sessions, err := repo.ListSessions(ctx, s.DB, orgID)
	if err != nil {
		return nil, err
	}
	summary.Sessions = sessions
	summary.Total = len(sessions)

	span.SetAttributes(
		attribute.Int("sync.created", summary.Created),
		attribute.Int("sync.updated", summary.Updated),
		attribute.Int("sync.total", summary.Total),
	)
	return summary, nil
}

// SyncSession refreshes one session from the gateway, creating the local row
// when it does not exist yet. Used for on-demand refresh after a lifecycle
// operation.
func (s *SyncService) SyncSession(ctx context.Context, orgID, name string) (*domain.WahaSession, error) {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "SyncSession",
		trace.WithAttributes(attribute.String("org.id", orgID), attribute.String("session.name", name)))
	defer span.End()

	rs, err := s.Gateway.GetSessionInfo(ctx, name)
	if err != nil {
		if waha.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}
	if _, err := s.upsertFromRemote(ctx, orgID, rs); err != nil {
		return nil, err
	}
	return repo.GetSessionByName(ctx, s.DB, orgID, name)
}

// upsertFromRemote applies one remote session onto the local store. Returns
// whether a new row was created.
func (s *SyncService) upsertFromRemote(ctx context.Context, orgID string, rs *waha.Session) (bool, error) {
	fields := mirroredFields(rs)

	n, err := repo.UpdateSessionFields(ctx, s.DB, orgID, rs.Name, fields)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	cc, err := repo.EnsureDefaultChannelConfig(ctx, s.DB, orgID)
	if err != nil {
		return false, err
	}

	phone := ExtractPhoneNumber(rs)
	row := &domain.WahaSession{
		OrganizationID:  orgID,
		SessionName:     rs.Name,
		Status:          domain.MapWahaStatus(rs.Status),
		PhoneNumber:     phone,
		IsAuthenticated: domain.IsAuthenticatedStatus(rs.Status),
		IsConnected:     domain.IsConnectedStatus(rs.Status),
		HealthStatus:    domain.DeriveHealthStatus(rs.Status, rs.Battery),
		ChannelConfigID: cc.ID,
	}
	now := time.Now().UTC()
	row.LastHealthCheck = &now

	if err := repo.CreateSession(ctx, s.DB, row); err != nil {
		// Concurrent sync may have created the row between the update and
		// the insert; retry the in-place update once before giving up.
		if n, uerr := repo.UpdateSessionFields(ctx, s.DB, orgID, rs.Name, fields); uerr == nil && n > 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// mirroredFields computes the remote-mirrored column set for an in-place
// session update.
func mirroredFields(rs *waha.Session) map[string]any {
	fields := map[string]any{
		"status":            domain.MapWahaStatus(rs.Status),
		"is_authenticated":  domain.IsAuthenticatedStatus(rs.Status),
		"is_connected":      domain.IsConnectedStatus(rs.Status),
		"health_status":     domain.DeriveHealthStatus(rs.Status, rs.Battery),
		"last_health_check": time.Now().UTC(),
	}
	if phone := ExtractPhoneNumber(rs); phone != nil {
		fields["phone_number"] = *phone
	}
	return fields
}

// VerifySessionAccess returns the organization's session by name, or
// ErrSessionNotFound when it is absent or belongs to another tenant.
func (s *SyncService) VerifySessionAccess(ctx context.Context, orgID, name string) (*domain.WahaSession, error) {
	row, err := repo.GetSessionByName(ctx, s.DB, orgID, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return row, nil
}

// VerifySessionAccessByID is the primary-key variant of VerifySessionAccess.
func (s *SyncService) VerifySessionAccessByID(ctx context.Context, orgID, id string) (*domain.WahaSession, error) {
	row, err := repo.GetSessionByID(ctx, s.DB, orgID, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return row, nil
}

// UpdateSessionStatus applies the remote status onto the local row: mapped
// status plus connection and authentication flags. Returns false, without
// error, when the organization has no such session.
func (s *SyncService) UpdateSessionStatus(ctx context.Context, orgID, name, remoteStatus string) (bool, error) {
	n, err := repo.UpdateSessionFields(ctx, s.DB, orgID, name, map[string]any{
		"status":           domain.MapWahaStatus(remoteStatus),
		"is_connected":     domain.IsConnectedStatus(remoteStatus),
		"is_authenticated": domain.IsAuthenticatedStatus(remoteStatus),
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteSessionForOrganization removes a session everywhere. Order is fixed:
// ownership check, then gateway delete (a remote NotFound counts as
// confirmed gone), then the linked workflow, then the local row. The local
// row is never removed unless the remote delete is confirmed, so a live
// remote session cannot be left untracked.
func (s *SyncService) DeleteSessionForOrganization(ctx context.Context, orgID, name string) error {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "DeleteSessionForOrganization",
		trace.WithAttributes(attribute.String("org.id", orgID), attribute.String("session.name", name)))
	defer span.End()

	row, err := s.VerifySessionAccess(ctx, orgID, name)
	if err != nil {
		return err
	}

	if err := s.Gateway.DeleteSession(ctx, name); err != nil && !waha.IsNotFound(err) {
		s.Log.Error().Err(err).
			Str("organization_id", orgID).
			Str("session_name", name).
			Msg("delete: gateway delete failed, keeping local row")
		return fmt.Errorf("%w: %v", ErrGatewayFault, err)
	}

	if row.N8nWorkflowID != nil && s.Workflows != nil {
		if err := s.Workflows.DeleteWorkflowWithDatabase(ctx, *row.N8nWorkflowID); err != nil {
			// The remote session is already gone; losing the workflow
			// cleanup is recoverable, losing local consistency is not.
			s.Log.Warn().Err(err).
				Str("organization_id", orgID).
				Str("workflow_id", *row.N8nWorkflowID).
				Msg("delete: workflow cleanup failed")
		}
	}

	return repo.DeleteSession(ctx, s.DB, orgID, name)
}

var jidPattern = regexp.MustCompile(`^(\d+)@c\.us$`)

// ExtractPhoneNumber derives a normalized phone number ("+digits") from a
// remote session payload. It prefers the paired account JID ("<digits>@c.us"
// under me.id), falls back to the flat phone field, and returns nil when
// neither is present. A phone number is never fabricated.
func ExtractPhoneNumber(rs *waha.Session) *string {
	if rs == nil {
		return nil
	}
	if rs.Me != nil {
		if m := jidPattern.FindStringSubmatch(rs.Me.ID); m != nil {
			p := "+" + m[1]
			return &p
		}
	}
	if rs.Phone != "" {
		p := rs.Phone
		if !strings.HasPrefix(p, "+") {
			p = "+" + p
		}
		return &p
	}
	return nil
}
