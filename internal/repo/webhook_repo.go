package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
)

// FindRecentWebhookLog looks for a processed webhook ledger entry for the
// given native message id within the dedup window. Returns ErrNotFound when
// no such entry exists, meaning the delivery is fresh.
func FindRecentWebhookLog(ctx context.Context, db *gorm.DB, orgID, messageID string, window time.Duration) (*domain.WebhookLog, error) {
	cutoff := time.Now().UTC().Add(-window)
	var log domain.WebhookLog
	err := db.WithContext(ctx).
		Where("organization_id = ? AND message_id = ? AND status = ? AND processed_at >= ?",
			orgID, messageID, domain.WebhookStatusProcessed, cutoff).
		Order("processed_at desc").
		First(&log).Error
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// CreateWebhookLog appends an entry to the dedup ledger.
func CreateWebhookLog(ctx context.Context, db *gorm.DB, log *domain.WebhookLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.ProcessedAt.IsZero() {
		log.ProcessedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(log).Error
}
