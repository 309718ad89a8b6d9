package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
)

// MessageExistsByWahaID reports whether a message with the given native
// gateway id already exists for the organization. When forUpdate is set the
// matched row (if any) is locked for the duration of the surrounding
// transaction, serializing concurrent dedup checks.
func MessageExistsByWahaID(ctx context.Context, db *gorm.DB, orgID, wahaMessageID string, forUpdate bool) (bool, error) {
	if wahaMessageID == "" {
		return false, nil
	}
	q := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("organization_id = ? AND waha_message_id = ?", orgID, wahaMessageID)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindRecentOutgoingDuplicate looks for a bot-attributed outgoing message
// with identical text to the same recipient within the dedup window. This is
// the content-window fallback for gateways that echo self-sent messages back
// without a stable native id. The matched row is locked FOR UPDATE.
func FindRecentOutgoingDuplicate(ctx context.Context, db *gorm.DB, orgID, recipientPhone, text string, window time.Duration) (*domain.Message, error) {
	cutoff := time.Now().UTC().Add(-window)
	var m domain.Message
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ? AND recipient_phone = ? AND message_text = ? AND sender_type = ? AND created_at >= ?",
			orgID, recipientPhone, text, domain.SenderBot, cutoff).
		Order("created_at desc").
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage inserts a chat message with a generated UUID.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(m).Error
}

// CountMessages returns the number of messages in one chat session,
// organization-scoped.
func CountMessages(ctx context.Context, db *gorm.DB, orgID, chatSessionID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("organization_id = ? AND session_id = ?", orgID, chatSessionID).
		Count(&count).Error
	return count, err
}

// ListMessagesPage returns one page of a chat session's messages ordered
// oldest-first, for the history endpoint.
func ListMessagesPage(ctx context.Context, db *gorm.DB, orgID, chatSessionID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("organization_id = ? AND session_id = ?", orgID, chatSessionID).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
