// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// WahaSession model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only CRUD persistence and query composition.
//
// Error semantics:
//   - When a session is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Tenant scoping: every query filters on organization_id. There is no way
// to reach another organization's rows through this package.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for consistency across the service
// layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetSessionByName fetches a session by organization and session name.
// Returns ErrNotFound both when the row is missing and when it belongs to
// a different organization; callers cannot distinguish the two.
func GetSessionByName(ctx context.Context, db *gorm.DB, orgID, name string) (*domain.WahaSession, error) {
	var s domain.WahaSession
	err := db.WithContext(ctx).
		Where("organization_id = ? AND session_name = ?", orgID, name).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSessionByID fetches a session by organization and primary key.
func GetSessionByID(ctx context.Context, db *gorm.DB, orgID, id string) (*domain.WahaSession, error) {
	var s domain.WahaSession
	err := db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", orgID, id).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all sessions for an organization ordered by name.
func ListSessions(ctx context.Context, db *gorm.DB, orgID string) ([]domain.WahaSession, error) {
	var out []domain.WahaSession
	err := db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("session_name asc").
		Find(&out).Error
	return out, err
}

// CreateSession inserts a new session row with a generated UUID.
func CreateSession(ctx context.Context, db *gorm.DB, s *domain.WahaSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(s).Error
}

// UpdateSessionFields applies a partial update to one session, scoped by
// organization. Returns the number of rows touched; zero means the session
// does not exist (or is not yours), which callers treat as a no-op.
func UpdateSessionFields(ctx context.Context, db *gorm.DB, orgID, name string, fields map[string]any) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.WahaSession{}).
		Where("organization_id = ? AND session_name = ?", orgID, name).
		Updates(fields)
	return res.RowsAffected, res.Error
}

// MarkSessionsDisconnectedExcept flags every session of the organization
// whose name is NOT in keep as disconnected, clearing the connection and
// authentication flags. Used by the synchronizer for sessions the gateway
// no longer reports. Returns the number of rows marked.
func MarkSessionsDisconnectedExcept(ctx context.Context, db *gorm.DB, orgID string, keep []string) (int64, error) {
	q := db.WithContext(ctx).
		Model(&domain.WahaSession{}).
		Where("organization_id = ?", orgID)
	if len(keep) > 0 {
		q = q.Where("session_name NOT IN ?", keep)
	}
	res := q.Updates(map[string]any{
		"status":           domain.StatusDisconnected,
		"is_connected":     false,
		"is_authenticated": false,
	})
	return res.RowsAffected, res.Error
}

// DeleteSession removes a session row, scoped by organization.
// Returns ErrNotFound when nothing was deleted.
func DeleteSession(ctx context.Context, db *gorm.DB, orgID, name string) error {
	res := db.WithContext(ctx).
		Where("organization_id = ? AND session_name = ?", orgID, name).
		Delete(&domain.WahaSession{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSessionCounters bumps the usage counters for a session. Column
// names must be one of the total_* counter columns; increments are applied
// atomically with gorm.Expr so concurrent webhook deliveries don't lose
// counts.
func IncrementSessionCounters(ctx context.Context, db *gorm.DB, orgID, name string, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	fields := make(map[string]any, len(columns))
	for _, col := range columns {
		fields[col] = gorm.Expr(col+" + ?", 1)
	}
	return db.WithContext(ctx).
		Model(&domain.WahaSession{}).
		Where("organization_id = ? AND session_name = ?", orgID, name).
		Updates(fields).Error
}

// RecordSessionError increments the error counter and stores the last error
// text for a session.
func RecordSessionError(ctx context.Context, db *gorm.DB, orgID, name, msg string) error {
	return db.WithContext(ctx).
		Model(&domain.WahaSession{}).
		Where("organization_id = ? AND session_name = ?", orgID, name).
		Updates(map[string]any{
			"error_count": gorm.Expr("error_count + ?", 1),
			"last_error":  msg,
		}).Error
}
