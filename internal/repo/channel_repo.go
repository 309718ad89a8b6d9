package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
)

// GetOrganizationByID fetches one organization. Returns ErrNotFound when the
// id is unknown; handlers translate that into a rejected tenant header.
func GetOrganizationByID(ctx context.Context, db *gorm.DB, id string) (*domain.Organization, error) {
	var org domain.Organization
	if err := db.WithContext(ctx).Where("id = ?", id).First(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

// GetDefaultChannelConfig returns the organization's default channel config.
func GetDefaultChannelConfig(ctx context.Context, db *gorm.DB, orgID string) (*domain.ChannelConfig, error) {
	var cc domain.ChannelConfig
	err := db.WithContext(ctx).
		Where("organization_id = ? AND is_default = ? AND is_active = ?", orgID, true, true).
		First(&cc).Error
	if err != nil {
		return nil, err
	}
	return &cc, nil
}

// EnsureDefaultChannelConfig returns the organization's default channel
// config, creating it when the organization has none yet. Sync-discovered
// gateway sessions attach to this config so that every WahaSession row has a
// real owner instead of a placeholder.
func EnsureDefaultChannelConfig(ctx context.Context, db *gorm.DB, orgID string) (*domain.ChannelConfig, error) {
	cc, err := GetDefaultChannelConfig(ctx, db, orgID)
	if err == nil {
		return cc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	created := domain.ChannelConfig{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           "WhatsApp (default)",
		IsDefault:      true,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	if cerr := db.WithContext(ctx).Create(&created).Error; cerr != nil {
		// Concurrent provisioning may have created one first.
		if cc, ferr := GetDefaultChannelConfig(ctx, db, orgID); ferr == nil {
			return cc, nil
		}
		return nil, cerr
	}
	return &created, nil
}

// defaultOrgID is the organization seeded for single-tenant deployments.
const defaultOrgID = "demo-org"

// EnsureDefaultOrganization seeds the demo organization and its default
// channel config on first boot. Multi-tenant deployments create further
// organizations through their own provisioning flow.
func EnsureDefaultOrganization(ctx context.Context, db *gorm.DB) (*domain.Organization, error) {
	org, err := GetOrganizationByID(ctx, db, defaultOrgID)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	created := domain.Organization{
		ID:        defaultOrgID,
		Name:      "Demo Organization",
		Slug:      "demo",
		CreatedAt: time.Now().UTC(),
	}
	if cerr := db.WithContext(ctx).Create(&created).Error; cerr != nil {
		if org, ferr := GetOrganizationByID(ctx, db, defaultOrgID); ferr == nil {
			return org, nil
		}
		return nil, cerr
	}
	if _, err := EnsureDefaultChannelConfig(ctx, db, defaultOrgID); err != nil {
		return nil, err
	}
	return &created, nil
}
